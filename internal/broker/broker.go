// Package broker abstracts the append-only stream broker.
//
// The Client interface is the minimal surface the pipeline needs: append,
// consumer-group reads with acknowledgment, group-less tail reads for the
// archiver and live consumers, retention trim, and approximate length. The
// concrete Redis Streams adapter lives in redis.go; an in-memory adapter with
// the same semantics backs tests. Code outside this package never sees a
// driver error — adapters classify everything through internal/fault.
package broker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Message is one stream entry: a broker-assigned id and flat string fields.
type Message struct {
	ID     string
	Fields map[string]string
}

// StreamBatch groups the messages one read returned for a single stream.
type StreamBatch struct {
	Stream   string
	Messages []Message
}

// Client is the broker surface shared by producers, CEP workers, the
// archiver, and live-tail readers. Implementations are safe for concurrent
// use.
type Client interface {
	// Append adds an entry and returns the broker-assigned id, which is
	// monotone within the stream.
	Append(ctx context.Context, stream string, fields map[string]string) (string, error)

	// EnsureGroup creates the consumer group, creating the stream if absent.
	// Idempotent: an existing group is not an error.
	EnsureGroup(ctx context.Context, stream, group string) error

	// ReadGroup reads up to count new entries per stream for the consumer,
	// blocking up to block when nothing is available. An empty result on
	// timeout is not an error.
	ReadGroup(ctx context.Context, streams []string, group, consumer string, count int64, block time.Duration) ([]StreamBatch, error)

	// Ack marks pending entries as processed for the group.
	Ack(ctx context.Context, stream, group string, ids ...string) error

	// ReadTail reads entries with id greater than the matching position,
	// without consumer-group bookkeeping. positions[i] pairs with
	// streams[i]; "0" reads from the start.
	ReadTail(ctx context.Context, streams []string, positions []string, count int64, block time.Duration) ([]StreamBatch, error)

	// LastID returns the id of the newest entry in the stream, or "" when
	// the stream is empty or missing.
	LastID(ctx context.Context, stream string) (string, error)

	// TrimMinID deletes entries with id strictly below minID and returns the
	// number removed. A missing stream is a no-op.
	TrimMinID(ctx context.Context, stream, minID string) (int64, error)

	// Length reports the approximate number of entries in the stream.
	Length(ctx context.Context, stream string) (int64, error)

	Close() error
}

// ParseID splits a broker id of the form "<ms>-<seq>" into its parts.
func ParseID(id string) (ms int64, seq int64, err error) {
	dash := strings.IndexByte(id, '-')
	if dash < 0 {
		ms, err = strconv.ParseInt(id, 10, 64)
		return ms, 0, err
	}
	ms, err = strconv.ParseInt(id[:dash], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	seq, err = strconv.ParseInt(id[dash+1:], 10, 64)
	return ms, seq, err
}

// CompareIDs orders two broker ids. Returns -1, 0, or 1.
func CompareIDs(a, b string) int {
	ams, aseq, aerr := ParseID(a)
	bms, bseq, berr := ParseID(b)
	if aerr != nil || berr != nil {
		// Malformed ids fall back to lexical order.
		return strings.Compare(a, b)
	}
	switch {
	case ams != bms:
		if ams < bms {
			return -1
		}
		return 1
	case aseq != bseq:
		if aseq < bseq {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// IDForTime renders the smallest broker id covering the given instant,
// suitable as a MINID trim threshold.
func IDForTime(t time.Time) string {
	return fmt.Sprintf("%d-0", t.UnixMilli())
}

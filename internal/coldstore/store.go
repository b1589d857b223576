// Package coldstore persists archived events in the durable cold tier.
//
// The Store interface fronts a relational database holding mono_events,
// multi_events, and archive_checkpoints. Inserts are idempotent on event_id;
// checkpoints enforce the at-most-once archival invariant through their
// composite primary key. The Postgres adapter lives in postgres.go; an
// in-memory adapter with the same semantics backs tests.
package coldstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/leaflet/internal/event"
)

// ErrAlreadyArchived reports that another archiver already checkpointed the
// entry. Returned from an ArchiveBatch body, it rolls back the unit of work
// and is otherwise benign.
var ErrAlreadyArchived = errors.New("entry already archived")

// Checkpoint marks one broker entry as durably archived.
type Checkpoint struct {
	StreamName      string
	BrokerMessageID string
	ArchivedAt      time.Time
	EventID         uuid.UUID
}

// MonoFilter narrows a mono event query. Zero values mean "no constraint".
type MonoFilter struct {
	Since        time.Time
	Until        time.Time
	SourceStream string
	EventType    event.Type
	Limit        int
	Offset       int
}

// MultiFilter narrows a multi event query.
type MultiFilter struct {
	Since           time.Time
	Until           time.Time
	CorrelationRule string
	MinConfidence   float64
	Limit           int
	Offset          int
}

// ArchiveTx is the unit-of-work surface inside one archival transaction.
// Either everything done through it commits, or nothing does.
type ArchiveTx interface {
	InsertMono(ctx context.Context, m event.Mono) error
	InsertMulti(ctx context.Context, m event.Multi) error

	// TryMarkArchived inserts the checkpoint row, returning false when the
	// (stream, message id) pair already exists.
	TryMarkArchived(ctx context.Context, stream, messageID string, eventID uuid.UUID) (bool, error)
}

// Store is the cold-tier surface used by the archiver and the query API.
// Implementations are safe for concurrent use.
type Store interface {
	// EnsureSchema creates tables and indexes if they do not exist.
	EnsureSchema(ctx context.Context) error

	InsertMono(ctx context.Context, m event.Mono) error
	InsertMulti(ctx context.Context, m event.Multi) error

	// QueryMono returns matching mono events, newest first.
	QueryMono(ctx context.Context, f MonoFilter) ([]event.Mono, error)

	// QueryMulti returns matching multi events, newest first.
	QueryMulti(ctx context.Context, f MultiFilter) ([]event.Multi, error)

	// MaxArchivedID returns the highest checkpointed broker id for the
	// stream, or "" when nothing was archived yet. Seeds archiver cursors.
	MaxArchivedID(ctx context.Context, stream string) (string, error)

	// CheckpointCount reports the number of checkpoint rows for the stream.
	CheckpointCount(ctx context.Context, stream string) (int64, error)

	// ArchiveBatch runs fn inside one transaction. fn returning any error
	// rolls the transaction back; ErrAlreadyArchived is passed through so
	// callers can treat the collision as benign.
	ArchiveBatch(ctx context.Context, fn func(tx ArchiveTx) error) error

	// Ping verifies connectivity for health reporting.
	Ping(ctx context.Context) error

	Close() error
}

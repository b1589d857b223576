// Package archiver drains broker streams into the cold store and trims
// hot-tier retention.
//
// Archival is at-least-once: every entry is copied inside one transaction
// with its checkpoint, so a crash mid-batch re-reads the entry next cycle
// and the checkpoint's primary key makes the second attempt a no-op. One
// archiver per deployment is expected; concurrent archivers waste work but
// stay correct through the checkpoint constraint.
package archiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/leaflet/internal/broker"
	"github.com/ocx/leaflet/internal/coldstore"
	"github.com/ocx/leaflet/internal/event"
	"github.com/ocx/leaflet/internal/fault"
	"github.com/ocx/leaflet/internal/metrics"
)

// Config wires the archiver.
type Config struct {
	// InputStreams hold mono events; IntegratedStream holds multi events.
	InputStreams     []string
	IntegratedStream string

	Interval  time.Duration // cycle cadence
	BatchSize int64         // max entries per stream per cycle
	Retention time.Duration // broker entries older than this are trimmed
}

// Archiver periodically copies broker entries into the cold store and trims
// archived history past the retention horizon.
type Archiver struct {
	cfg     Config
	client  broker.Client
	store   coldstore.Store
	metrics *metrics.Metrics
	now     func() time.Time

	// cursors track the highest archived broker id per stream. Seeded from
	// archive_checkpoints on startup so restarts resume where they left off.
	// mu serializes cycles: the shutdown drain calls RunCycle while the Run
	// loop may still be mid-cycle.
	mu      sync.Mutex
	cursors map[string]string
}

// New builds an archiver.
func New(cfg Config, client broker.Client, store coldstore.Store, m *metrics.Metrics) *Archiver {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 300 * time.Second
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Archiver{
		cfg:     cfg,
		client:  client,
		store:   store,
		metrics: m,
		now:     time.Now,
		cursors: make(map[string]string),
	}
}

// SetClock overrides the time source. Test hook.
func (a *Archiver) SetClock(now func() time.Time) { a.now = now }

func (a *Archiver) streams() []string {
	return append(append([]string{}, a.cfg.InputStreams...), a.cfg.IntegratedStream)
}

// Run archives on the configured cadence until ctx is canceled.
func (a *Archiver) Run(ctx context.Context) error {
	if err := a.seedCursors(ctx); err != nil {
		if fault.Is(err, fault.ShuttingDown) {
			return nil
		}
		return err
	}

	slog.Info("archiver started",
		"streams", a.streams(),
		"interval", a.cfg.Interval,
		"retention", a.cfg.Retention)

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := a.RunCycle(ctx); err != nil {
			if fault.Is(err, fault.ShuttingDown) {
				return nil
			}
			if fault.Is(err, fault.Permanent) {
				return err
			}
			slog.Warn("archival cycle failed, retrying next interval", "error", err)
		}

		select {
		case <-ctx.Done():
			slog.Info("archiver stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// seedCursors initializes per-stream cursors from the highest checkpoint.
func (a *Archiver) seedCursors(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, stream := range a.streams() {
		id, err := a.store.MaxArchivedID(ctx, stream)
		if err != nil {
			return err
		}
		a.cursors[stream] = id
	}
	return nil
}

// RunCycle performs one archival pass over every tracked stream, then trims
// retention. Exported so the supervisor can trigger a final drain during
// shutdown and tests can step cycles deterministically.
func (a *Archiver) RunCycle(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := a.now()
	for _, stream := range a.cfg.InputStreams {
		if err := a.archiveStream(ctx, stream, false); err != nil {
			return err
		}
	}
	if err := a.archiveStream(ctx, a.cfg.IntegratedStream, true); err != nil {
		return err
	}
	a.metrics.ArchiveCycleSeconds.Observe(a.now().Sub(start).Seconds())

	a.trim(ctx)
	return nil
}

// archiveStream copies one batch of un-checkpointed entries from the stream.
func (a *Archiver) archiveStream(ctx context.Context, stream string, isMulti bool) error {
	position := a.cursors[stream]
	if position == "" {
		position = "0"
	}

	batches, err := a.client.ReadTail(ctx, []string{stream}, []string{position}, a.cfg.BatchSize, 0)
	if err != nil {
		return err
	}

	var msgs []broker.Message
	for _, b := range batches {
		if b.Stream == stream {
			msgs = b.Messages
		}
	}

	for _, msg := range msgs {
		if ctx.Err() != nil {
			return fault.Wrap(fault.ShuttingDown, ctx.Err(), "archival interrupted")
		}
		if err := a.archiveEntry(ctx, stream, msg, isMulti); err != nil {
			return err
		}
		// The cursor advances past skipped and malformed entries too;
		// malformed ones never get a checkpoint so they stay visible to
		// out-of-band tooling until trimmed.
		a.cursors[stream] = msg.ID
	}

	if int64(len(msgs)) >= a.cfg.BatchSize {
		// Still behind; report the broker's remaining depth.
		if n, err := a.client.Length(ctx, stream); err == nil {
			a.metrics.ArchiveLag.WithLabelValues(stream).Set(float64(n))
		}
	} else {
		a.metrics.ArchiveLag.WithLabelValues(stream).Set(0)
	}
	return nil
}

// archiveEntry copies one entry and its checkpoint inside one transaction.
func (a *Archiver) archiveEntry(ctx context.Context, stream string, msg broker.Message, isMulti bool) error {
	var (
		tier string
		err  error
	)
	if isMulti {
		var m event.Multi
		m, err = event.DecodeMulti(msg.Fields)
		tier = "multi"
		if err == nil {
			err = a.store.ArchiveBatch(ctx, func(tx coldstore.ArchiveTx) error {
				if err := tx.InsertMulti(ctx, m); err != nil {
					return err
				}
				return markArchived(ctx, tx, stream, msg.ID, m.ID)
			})
		}
	} else {
		var m event.Mono
		m, err = event.DecodeMono(msg.Fields, stream)
		tier = "mono"
		if err == nil {
			err = a.store.ArchiveBatch(ctx, func(tx coldstore.ArchiveTx) error {
				if err := tx.InsertMono(ctx, m); err != nil {
					return err
				}
				return markArchived(ctx, tx, stream, msg.ID, m.ID)
			})
		}
	}

	switch {
	case err == nil:
		a.metrics.EventsArchived.WithLabelValues(stream, tier).Inc()
		return nil
	case errors.Is(err, coldstore.ErrAlreadyArchived):
		// A concurrent archiver got here first; the insert rolled back.
		a.metrics.ArchiveSkipped.WithLabelValues(stream).Inc()
		return nil
	case fault.Is(err, fault.MalformedRecord):
		// Skip without a checkpoint so the entry stays observable.
		slog.Warn("skipping undecodable entry during archival",
			"stream", stream, "id", msg.ID, "error", err)
		a.metrics.PoisonEvents.WithLabelValues("archiver").Inc()
		return nil
	default:
		return err
	}
}

func markArchived(ctx context.Context, tx coldstore.ArchiveTx, stream, msgID string, eventID uuid.UUID) error {
	inserted, err := tx.TryMarkArchived(ctx, stream, msgID, eventID)
	if err != nil {
		return err
	}
	if !inserted {
		return coldstore.ErrAlreadyArchived
	}
	return nil
}

// trim removes broker entries past the retention horizon. The trim threshold
// never exceeds the last archived checkpoint, so unarchived entries survive
// even when archival has been lagging for longer than the retention window.
func (a *Archiver) trim(ctx context.Context) {
	cutoffID := broker.IDForTime(a.now().Add(-a.cfg.Retention))
	for _, stream := range a.streams() {
		cursor := a.cursors[stream]
		if cursor == "" {
			continue // nothing archived, nothing safe to trim
		}
		minID := cutoffID
		if broker.CompareIDs(nextID(cursor), minID) < 0 {
			minID = nextID(cursor)
		}
		removed, err := a.client.TrimMinID(ctx, stream, minID)
		if err != nil {
			slog.Warn("retention trim failed", "stream", stream, "error", err)
			continue
		}
		if removed > 0 {
			a.metrics.StreamTrimmed.WithLabelValues(stream).Add(float64(removed))
			slog.Info("trimmed archived entries", "stream", stream, "removed", removed)
		}
	}
}

// nextID returns the smallest broker id strictly greater than id, so a trim
// at nextID(cursor) deletes everything up to and including the cursor.
func nextID(id string) string {
	ms, seq, err := broker.ParseID(id)
	if err != nil {
		return id
	}
	return fmt.Sprintf("%d-%d", ms, seq+1)
}

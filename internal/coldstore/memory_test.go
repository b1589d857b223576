package coldstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/leaflet/internal/event"
)

var baseTime = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func mkMono(stream string, ts time.Time, typ event.Type, value float64) event.Mono {
	return event.Mono{
		ID:           uuid.New(),
		Timestamp:    ts,
		SourceStream: stream,
		Type:         typ,
		Value:        value,
		Metadata:     map[string]any{},
	}
}

func mkMulti(rule string, ts time.Time, confidence float64) event.Multi {
	src := uuid.New()
	return event.Multi{
		ID:              uuid.New(),
		Timestamp:       ts,
		Type:            event.TypeMulti,
		SourceEvents:    []uuid.UUID{src, uuid.New()},
		CorrelationRule: rule,
		IntegratedValue: 1,
		Confidence:      confidence,
		Lineage: map[string]event.LineageEntry{
			"s": {EventID: src, Timestamp: ts, Value: 1},
		},
	}
}

func TestInsertMonoIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	m := mkMono("s1", baseTime, event.TypeA, 10)
	require.NoError(t, s.InsertMono(ctx, m))

	// Re-insert under the same id with different content; first write wins.
	dup := m
	dup.Value = 99
	require.NoError(t, s.InsertMono(ctx, dup))

	got, err := s.QueryMono(ctx, MonoFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 10.0, got[0].Value)
}

func TestQueryMonoFiltersAndOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	old := mkMono("s1", baseTime, event.TypeA, 1)
	mid := mkMono("s2", baseTime.Add(time.Second), event.TypeB, 2)
	newest := mkMono("s1", baseTime.Add(2*time.Second), event.TypeA, 3)
	for _, m := range []event.Mono{old, mid, newest} {
		require.NoError(t, s.InsertMono(ctx, m))
	}

	got, err := s.QueryMono(ctx, MonoFilter{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	// Newest first.
	assert.Equal(t, newest.ID, got[0].ID)
	assert.Equal(t, old.ID, got[2].ID)

	got, err = s.QueryMono(ctx, MonoFilter{SourceStream: "s2"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, mid.ID, got[0].ID)

	got, err = s.QueryMono(ctx, MonoFilter{EventType: event.TypeA})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.QueryMono(ctx, MonoFilter{Since: baseTime.Add(time.Second)})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.QueryMono(ctx, MonoFilter{Until: baseTime.Add(time.Second)})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.QueryMono(ctx, MonoFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, mid.ID, got[0].ID)
}

func TestQueryMultiFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	lo := mkMulti("rule_ab", baseTime, 0.5)
	hi := mkMulti("rule_abc", baseTime.Add(time.Second), 1.0)
	require.NoError(t, s.InsertMulti(ctx, lo))
	require.NoError(t, s.InsertMulti(ctx, hi))

	got, err := s.QueryMulti(ctx, MultiFilter{CorrelationRule: "rule_ab"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, lo.ID, got[0].ID)

	got, err = s.QueryMulti(ctx, MultiFilter{MinConfidence: 0.9})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, hi.ID, got[0].ID)

	got, err = s.QueryMulti(ctx, MultiFilter{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, hi.ID, got[0].ID, "newest first")
}

func TestArchiveBatchCommit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	m := mkMono("s1", baseTime, event.TypeA, 10)
	err := s.ArchiveBatch(ctx, func(tx ArchiveTx) error {
		inserted, err := tx.TryMarkArchived(ctx, "s1", "1-0", m.ID)
		if err != nil {
			return err
		}
		require.True(t, inserted)
		return tx.InsertMono(ctx, m)
	})
	require.NoError(t, err)

	got, err := s.QueryMono(ctx, MonoFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	n, err := s.CheckpointCount(ctx, "s1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	max, err := s.MaxArchivedID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "1-0", max)
}

func TestArchiveBatchRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	m := mkMono("s1", baseTime, event.TypeA, 10)
	boom := errors.New("boom")
	err := s.ArchiveBatch(ctx, func(tx ArchiveTx) error {
		if _, err := tx.TryMarkArchived(ctx, "s1", "1-0", m.ID); err != nil {
			return err
		}
		if err := tx.InsertMono(ctx, m); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	// Nothing committed: no rows, no checkpoint.
	got, err := s.QueryMono(ctx, MonoFilter{})
	require.NoError(t, err)
	assert.Empty(t, got)

	n, err := s.CheckpointCount(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTryMarkArchivedCollision(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	m := mkMono("s1", baseTime, event.TypeA, 10)
	require.NoError(t, s.ArchiveBatch(ctx, func(tx ArchiveTx) error {
		_, err := tx.TryMarkArchived(ctx, "s1", "1-0", m.ID)
		if err != nil {
			return err
		}
		return tx.InsertMono(ctx, m)
	}))

	// A second archiver racing on the same entry loses the checkpoint insert
	// and abandons its transaction.
	err := s.ArchiveBatch(ctx, func(tx ArchiveTx) error {
		inserted, err := tx.TryMarkArchived(ctx, "s1", "1-0", m.ID)
		if err != nil {
			return err
		}
		if !inserted {
			return ErrAlreadyArchived
		}
		return tx.InsertMono(ctx, m)
	})
	require.ErrorIs(t, err, ErrAlreadyArchived)

	n, err := s.CheckpointCount(ctx, "s1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestTryMarkArchivedDupWithinBatch(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.ArchiveBatch(ctx, func(tx ArchiveTx) error {
		first, err := tx.TryMarkArchived(ctx, "s1", "1-0", uuid.New())
		require.NoError(t, err)
		assert.True(t, first)
		second, err := tx.TryMarkArchived(ctx, "s1", "1-0", uuid.New())
		require.NoError(t, err)
		assert.False(t, second)
		return nil
	}))
}

func TestMaxArchivedIDNumericOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, id := range []string{"9-0", "10-0", "10-1", "2-5"} {
		require.NoError(t, s.ArchiveBatch(ctx, func(tx ArchiveTx) error {
			_, err := tx.TryMarkArchived(ctx, "s1", id, uuid.New())
			return err
		}))
	}

	max, err := s.MaxArchivedID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "10-1", max)

	// Unknown stream reports the empty cursor.
	max, err = s.MaxArchivedID(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, max)
}

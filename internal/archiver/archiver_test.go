package archiver

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/leaflet/internal/broker"
	"github.com/ocx/leaflet/internal/coldstore"
	"github.com/ocx/leaflet/internal/event"
)

var baseTime = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func testSetup(t *testing.T, batchSize int64) (*Archiver, *broker.MemoryClient, *coldstore.MemoryStore) {
	t.Helper()
	client := broker.NewMemoryClient()
	client.SetClock(func() time.Time { return baseTime })
	store := coldstore.NewMemoryStore()
	a := New(Config{
		InputStreams:     []string{"stream:axon_1", "stream:axon_2"},
		IntegratedStream: "stream:integrated_events",
		Interval:         time.Minute,
		BatchSize:        batchSize,
		Retention:        300 * time.Second,
	}, client, store, nil)
	a.SetClock(func() time.Time { return baseTime })
	return a, client, store
}

func appendMono(t *testing.T, client broker.Client, stream string, value float64) event.Mono {
	t.Helper()
	m, err := event.NewMono(stream, event.TypeA, value, baseTime, nil)
	require.NoError(t, err)
	_, err = client.Append(context.Background(), stream, m.Encode())
	require.NoError(t, err)
	return m
}

func TestCycleArchivesAndCheckpoints(t *testing.T) {
	ctx := context.Background()
	a, client, store := testSetup(t, 1000)

	for i := 0; i < 3; i++ {
		appendMono(t, client, "stream:axon_1", float64(i))
	}
	for i := 0; i < 2; i++ {
		appendMono(t, client, "stream:axon_2", float64(i))
	}

	require.NoError(t, a.RunCycle(ctx))

	rows, err := store.QueryMono(ctx, coldstore.MonoFilter{})
	require.NoError(t, err)
	assert.Len(t, rows, 5)

	n1, _ := store.CheckpointCount(ctx, "stream:axon_1")
	n2, _ := store.CheckpointCount(ctx, "stream:axon_2")
	assert.EqualValues(t, 3, n1)
	assert.EqualValues(t, 2, n2)

	// A second cycle finds nothing new and changes nothing.
	require.NoError(t, a.RunCycle(ctx))
	rows, err = store.QueryMono(ctx, coldstore.MonoFilter{})
	require.NoError(t, err)
	assert.Len(t, rows, 5)
	n1, _ = store.CheckpointCount(ctx, "stream:axon_1")
	assert.EqualValues(t, 3, n1)
}

func TestTwoArchiversStayIdempotent(t *testing.T) {
	ctx := context.Background()
	a1, client, store := testSetup(t, 1000)

	for i := 0; i < 4; i++ {
		appendMono(t, client, "stream:axon_1", float64(i))
	}
	require.NoError(t, a1.RunCycle(ctx))

	// A second archiver with no cursor state re-reads the whole stream; the
	// checkpoint constraint turns every entry into a benign skip.
	a2 := New(Config{
		InputStreams:     []string{"stream:axon_1", "stream:axon_2"},
		IntegratedStream: "stream:integrated_events",
		Retention:        300 * time.Second,
	}, client, store, nil)
	a2.SetClock(func() time.Time { return baseTime })
	require.NoError(t, a2.RunCycle(ctx))

	rows, err := store.QueryMono(ctx, coldstore.MonoFilter{})
	require.NoError(t, err)
	assert.Len(t, rows, 4)
	n, _ := store.CheckpointCount(ctx, "stream:axon_1")
	assert.EqualValues(t, 4, n)
}

func TestMalformedEntrySkippedWithoutCheckpoint(t *testing.T) {
	ctx := context.Background()
	a, client, store := testSetup(t, 1000)

	_, err := client.Append(ctx, "stream:axon_1", map[string]string{"junk": "1"})
	require.NoError(t, err)
	good := appendMono(t, client, "stream:axon_1", 7)

	require.NoError(t, a.RunCycle(ctx))

	rows, err := store.QueryMono(ctx, coldstore.MonoFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, good.ID, rows[0].ID)

	// Only the decodable entry got a checkpoint; retention is still in the
	// future so the junk entry survives in the broker for inspection.
	n, _ := store.CheckpointCount(ctx, "stream:axon_1")
	assert.EqualValues(t, 1, n)
	depth, _ := client.Length(ctx, "stream:axon_1")
	assert.EqualValues(t, 2, depth)
}

func TestTrimRemovesOnlyArchivedHistory(t *testing.T) {
	ctx := context.Background()
	a, client, store := testSetup(t, 2)

	for i := 0; i < 3; i++ {
		appendMono(t, client, "stream:axon_1", float64(i))
	}

	// Everything is far past retention, but batch size 2 leaves the third
	// entry unarchived. The trim threshold stops at the archival cursor.
	a.SetClock(func() time.Time { return baseTime.Add(10 * time.Minute) })
	require.NoError(t, a.RunCycle(ctx))

	depth, _ := client.Length(ctx, "stream:axon_1")
	assert.EqualValues(t, 1, depth, "unarchived entry must survive the trim")

	rows, err := store.QueryMono(ctx, coldstore.MonoFilter{})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	// The next cycle archives the survivor and trims it.
	require.NoError(t, a.RunCycle(ctx))
	depth, _ = client.Length(ctx, "stream:axon_1")
	assert.Zero(t, depth)
	rows, err = store.QueryMono(ctx, coldstore.MonoFilter{})
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestTrimSparesEntriesWithinRetention(t *testing.T) {
	ctx := context.Background()
	a, client, store := testSetup(t, 1000)

	for i := 0; i < 3; i++ {
		appendMono(t, client, "stream:axon_1", float64(i))
	}

	// Clock stays at append time: everything is younger than retention, so a
	// full archive pass trims nothing.
	require.NoError(t, a.RunCycle(ctx))

	n, _ := store.CheckpointCount(ctx, "stream:axon_1")
	assert.EqualValues(t, 3, n)
	depth, _ := client.Length(ctx, "stream:axon_1")
	assert.EqualValues(t, 3, depth)
}

func TestMalformedEntryTrimmedOncePastRetention(t *testing.T) {
	ctx := context.Background()
	a, client, store := testSetup(t, 1000)

	_, err := client.Append(ctx, "stream:axon_1", map[string]string{"junk": "1"})
	require.NoError(t, err)
	appendMono(t, client, "stream:axon_1", 7)

	// The cursor advances past the undecodable entry, so once retention
	// lapses it is trimmed along with the archived history.
	a.SetClock(func() time.Time { return baseTime.Add(10 * time.Minute) })
	require.NoError(t, a.RunCycle(ctx))

	depth, _ := client.Length(ctx, "stream:axon_1")
	assert.Zero(t, depth)
	n, _ := store.CheckpointCount(ctx, "stream:axon_1")
	assert.EqualValues(t, 1, n, "junk entry never checkpointed")
}

func TestDrainCycleOverlapsRunLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := broker.NewMemoryClient()
	client.SetClock(func() time.Time { return baseTime })
	store := coldstore.NewMemoryStore()
	a := New(Config{
		InputStreams:     []string{"stream:axon_1"},
		IntegratedStream: "stream:integrated_events",
		Interval:         time.Millisecond,
		BatchSize:        1000,
		Retention:        300 * time.Second,
	}, client, store, nil)
	a.SetClock(func() time.Time { return baseTime })

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// Shutdown-style drain cycles racing the periodic loop while producers
	// keep appending.
	const appended = 20
	for i := 0; i < appended; i++ {
		appendMono(t, client, "stream:axon_1", float64(i))
		require.NoError(t, a.RunCycle(ctx))
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("archiver did not stop")
	}

	// Final drain after the loop exited, as the supervisor does.
	require.NoError(t, a.RunCycle(context.Background()))

	rows, err := store.QueryMono(context.Background(), coldstore.MonoFilter{})
	require.NoError(t, err)
	assert.Len(t, rows, appended)
	n, _ := store.CheckpointCount(context.Background(), "stream:axon_1")
	assert.EqualValues(t, appended, n)
}

func TestIntegratedStreamArchivedAsMulti(t *testing.T) {
	ctx := context.Background()
	a, client, store := testSetup(t, 1000)

	src1, err := event.NewMono("s1", event.TypeA, 10, baseTime, nil)
	require.NoError(t, err)
	src2, err := event.NewMono("s2", event.TypeB, 20, baseTime, nil)
	require.NoError(t, err)
	m := event.Multi{
		ID:              uuid.New(),
		Timestamp:       baseTime,
		Type:            event.TypeMulti,
		SourceEvents:    []uuid.UUID{src1.ID, src2.ID},
		CorrelationRule: "type_A_and_B_within_window",
		IntegratedValue: 15,
		Confidence:      2.0 / 3.0,
		Lineage: map[string]event.LineageEntry{
			"s1": {EventID: src1.ID, Timestamp: baseTime, Value: 10},
			"s2": {EventID: src2.ID, Timestamp: baseTime, Value: 20},
		},
	}
	_, err = client.Append(ctx, "stream:integrated_events", m.Encode())
	require.NoError(t, err)

	require.NoError(t, a.RunCycle(ctx))

	rows, err := store.QueryMulti(ctx, coldstore.MultiFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, m.ID, rows[0].ID)
	assert.Equal(t, m.CorrelationRule, rows[0].CorrelationRule)
	require.Len(t, rows[0].Lineage, 2)
}

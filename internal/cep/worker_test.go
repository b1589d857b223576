package cep

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/leaflet/internal/broker"
	"github.com/ocx/leaflet/internal/event"
	"github.com/ocx/leaflet/internal/rules"
)

const (
	testGroup      = "leaflet_domain_group"
	testIntegrated = "stream:integrated_events"
)

func testConfig(consumer string) Config {
	return Config{
		InputStreams:     []string{"stream:axon_1", "stream:axon_2"},
		IntegratedStream: testIntegrated,
		Group:            testGroup,
		Consumer:         consumer,
		BatchSize:        10,
		BlockTimeout:     20 * time.Millisecond,
		BufferCap:        100,
	}
}

func newTestWorker(t *testing.T, client broker.Client, consumer string) *Worker {
	t.Helper()
	engine, err := rules.NewEngine(rules.Defaults(2 * time.Second))
	require.NoError(t, err)
	return New(testConfig(consumer), client, engine, nil)
}

func appendMono(t *testing.T, client broker.Client, stream string, typ event.Type, value float64) event.Mono {
	t.Helper()
	m, err := event.NewMono(stream, typ, value, time.Now().UTC(), nil)
	require.NoError(t, err)
	_, err = client.Append(context.Background(), stream, m.Encode())
	require.NoError(t, err)
	return m
}

func runWorker(t *testing.T, w *Worker) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return func() {
		stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
}

// waitForMultis polls the integrated stream until it holds at least n entries.
func waitForMultis(t *testing.T, client broker.Client, n int) []event.Multi {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		batches, err := client.ReadTail(context.Background(),
			[]string{testIntegrated}, []string{"0"}, 100, 0)
		require.NoError(t, err)
		var out []event.Multi
		for _, b := range batches {
			for _, msg := range b.Messages {
				m, err := event.DecodeMulti(msg.Fields)
				require.NoError(t, err)
				out = append(out, m)
			}
		}
		if len(out) >= n {
			return out
		}
		if time.Now().After(deadline) {
			t.Fatalf("wanted %d multi events, have %d", n, len(out))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWorkerEmitsOnCorrelation(t *testing.T) {
	client := broker.NewMemoryClient()
	w := newTestWorker(t, client, "c1")
	stop := runWorker(t, w)
	defer stop()

	a := appendMono(t, client, "stream:axon_1", event.TypeA, 10)
	b := appendMono(t, client, "stream:axon_2", event.TypeB, 20)

	multis := waitForMultis(t, client, 1)
	m := multis[0]
	assert.Equal(t, event.TypeMulti, m.Type)
	assert.Equal(t, "type_A_and_B_within_window", m.CorrelationRule)
	assert.ElementsMatch(t, []string{a.ID.String(), b.ID.String()},
		[]string{m.SourceEvents[0].String(), m.SourceEvents[1].String()})
	assert.Equal(t, 15.0, m.IntegratedValue)

	// Inputs were acked after the emission landed.
	deadline := time.Now().Add(2 * time.Second)
	for client.PendingCount("stream:axon_1", testGroup)+
		client.PendingCount("stream:axon_2", testGroup) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("inputs never acked")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWorkerDropsPoisonEntries(t *testing.T) {
	client := broker.NewMemoryClient()
	ctx := context.Background()

	_, err := client.Append(ctx, "stream:axon_1", map[string]string{"garbage": "yes"})
	require.NoError(t, err)

	w := newTestWorker(t, client, "c1")
	stop := runWorker(t, w)
	defer stop()

	// The poison entry is acked away and a later valid pair still correlates.
	appendMono(t, client, "stream:axon_1", event.TypeA, 1)
	appendMono(t, client, "stream:axon_2", event.TypeB, 3)

	multis := waitForMultis(t, client, 1)
	assert.Equal(t, 2.0, multis[0].IntegratedValue)

	deadline := time.Now().Add(2 * time.Second)
	for client.PendingCount("stream:axon_1", testGroup) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("poison entry never acked")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ackDropClient simulates a consumer that crashes after emitting but before
// acking: every ack is silently lost, so inputs stay pending.
type ackDropClient struct {
	broker.Client
}

func (c *ackDropClient) Ack(ctx context.Context, stream, group string, ids ...string) error {
	return nil
}

func TestWorkerReplayReEmitsWithFreshIdentity(t *testing.T) {
	mem := broker.NewMemoryClient()
	crashy := &ackDropClient{Client: mem}

	w1 := newTestWorker(t, crashy, "c1")
	stop := runWorker(t, w1)

	appendMono(t, mem, "stream:axon_1", event.TypeA, 10)
	appendMono(t, mem, "stream:axon_2", event.TypeB, 20)

	first := waitForMultis(t, mem, 1)[0]
	stop() // crash before any ack reached the broker

	// The replacement consumer claims the unacked entries and replays them.
	mem.RedeliverPending("stream:axon_1", testGroup)
	mem.RedeliverPending("stream:axon_2", testGroup)

	w2 := newTestWorker(t, mem, "c2")
	stop2 := runWorker(t, w2)
	defer stop2()

	multis := waitForMultis(t, mem, 2)
	second := multis[1]

	// At-least-once: the correlation fires again as a distinct event over the
	// same sources.
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.CorrelationRule, second.CorrelationRule)
	assert.ElementsMatch(t, first.SourceEvents, second.SourceEvents)
}

func TestWorkerStopsCleanlyWhenIdle(t *testing.T) {
	client := broker.NewMemoryClient()
	w := newTestWorker(t, client, "c1")
	stop := runWorker(t, w)
	time.Sleep(50 * time.Millisecond)
	stop()
}

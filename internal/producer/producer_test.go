package producer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/leaflet/internal/broker"
	"github.com/ocx/leaflet/internal/event"
)

func TestEmitOneAppendsDecodableMono(t *testing.T) {
	client := broker.NewMemoryClient()
	p := New(Config{
		Stream:    "stream:axon_1",
		EventType: event.TypeA,
		Interval:  time.Second,
		ValueMin:  10,
		ValueMax:  20,
	}, client)

	require.NoError(t, p.emitOne(context.Background()))

	batches, err := client.ReadTail(context.Background(),
		[]string{"stream:axon_1"}, []string{"0"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Messages, 1)

	m, err := event.DecodeMono(batches[0].Messages[0].Fields, "stream:axon_1")
	require.NoError(t, err)
	assert.Equal(t, event.TypeA, m.Type)
	assert.GreaterOrEqual(t, m.Value, 10.0)
	assert.Less(t, m.Value, 20.0)
	assert.Equal(t, 1.0, m.Metadata["producer_interval"])
}

func TestRunEmitsOnCadence(t *testing.T) {
	client := broker.NewMemoryClient()
	p := New(Config{
		Stream:    "stream:axon_1",
		EventType: event.TypeB,
		Interval:  10 * time.Millisecond,
		ValueMin:  0,
		ValueMax:  1,
	}, client)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for {
		n, err := client.Length(context.Background(), "stream:axon_1")
		require.NoError(t, err)
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("producer never emitted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("producer did not stop")
	}
}

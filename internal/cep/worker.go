// Package cep runs the consumer-group worker that turns mono events into
// integrated multi events.
//
// One worker owns one window buffer; workers scale out by joining the same
// consumer group under distinct consumer names, each with its own buffer.
package cep

import (
	"context"
	"log/slog"
	"time"

	"github.com/ocx/leaflet/internal/broker"
	"github.com/ocx/leaflet/internal/event"
	"github.com/ocx/leaflet/internal/fault"
	"github.com/ocx/leaflet/internal/metrics"
	"github.com/ocx/leaflet/internal/rules"
	"github.com/ocx/leaflet/internal/window"
)

const (
	backoffBase = 100 * time.Millisecond
	backoffCap  = 5 * time.Second
)

// Config wires one worker instance.
type Config struct {
	InputStreams     []string
	IntegratedStream string
	Group            string
	Consumer         string
	BatchSize        int64
	BlockTimeout     time.Duration
	BufferCap        int
}

// Worker is the CEP consumer loop: read → buffer → evaluate → emit → ack.
type Worker struct {
	cfg     Config
	client  broker.Client
	engine  *rules.Engine
	buffer  *window.Buffer
	metrics *metrics.Metrics
	backoff time.Duration
}

// New builds a worker. The buffer's prune horizon is the engine's largest
// rule window so no rule loses a correlatable event.
func New(cfg Config, client broker.Client, engine *rules.Engine, m *metrics.Metrics) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = time.Second
	}
	if cfg.BufferCap <= 0 {
		cfg.BufferCap = 100
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Worker{
		cfg:     cfg,
		client:  client,
		engine:  engine,
		buffer:  window.New(cfg.BufferCap, engine.MaxWindow()),
		metrics: m,
	}
}

// Buffer exposes the window buffer for stats reporting. Not safe to touch
// while Run is active.
func (w *Worker) Buffer() *window.Buffer { return w.buffer }

// Run processes events until ctx is canceled. Transient broker failures back
// off and retry without losing the in-memory buffer; only cancellation ends
// the loop.
func (w *Worker) Run(ctx context.Context) error {
	for _, stream := range w.cfg.InputStreams {
		if err := w.withRetry(ctx, "ensure_group", func() error {
			return w.client.EnsureGroup(ctx, stream, w.cfg.Group)
		}); err != nil {
			return err
		}
	}

	slog.Info("cep worker started",
		"consumer", w.cfg.Consumer,
		"group", w.cfg.Group,
		"inputs", w.cfg.InputStreams,
		"integrated", w.cfg.IntegratedStream)

	for {
		if ctx.Err() != nil {
			slog.Info("cep worker stopping", "consumer", w.cfg.Consumer)
			return nil
		}

		batches, err := w.client.ReadGroup(ctx, w.cfg.InputStreams, w.cfg.Group,
			w.cfg.Consumer, w.cfg.BatchSize, w.cfg.BlockTimeout)
		if err != nil {
			if fault.Is(err, fault.ShuttingDown) {
				return nil
			}
			w.sleepBackoff(ctx, "read_group", err)
			continue
		}
		w.resetBackoff()

		for _, batch := range batches {
			for _, msg := range batch.Messages {
				if err := w.process(ctx, batch.Stream, msg); err != nil {
					if fault.Is(err, fault.ShuttingDown) {
						return nil
					}
					return err
				}
			}
		}
	}
}

// process handles one broker entry end to end. Emission is made durable
// before the triggering input is acked, so a crash in between replays the
// input and at worst re-emits.
func (w *Worker) process(ctx context.Context, stream string, msg broker.Message) error {
	mono, err := event.DecodeMono(msg.Fields, stream)
	if err != nil {
		// Poison entry: drop it so it cannot wedge the group.
		slog.Warn("dropping undecodable entry",
			"stream", stream, "id", msg.ID, "error", err)
		w.metrics.PoisonEvents.WithLabelValues("cep").Inc()
		return w.ackWithRetry(ctx, stream, msg.ID)
	}

	w.buffer.Push(mono)
	w.metrics.MonoConsumed.WithLabelValues(stream).Inc()
	w.metrics.WindowBufferSize.Set(float64(w.buffer.Len()))

	for _, emitted := range w.engine.EvaluateAll(w.buffer) {
		if err := w.withRetry(ctx, "append_integrated", func() error {
			_, err := w.client.Append(ctx, w.cfg.IntegratedStream, emitted.Encode())
			return err
		}); err != nil {
			return err
		}
		w.metrics.MultiEmitted.WithLabelValues(emitted.CorrelationRule).Inc()
		slog.Info("multi event emitted",
			"rule", emitted.CorrelationRule,
			"event_id", emitted.ID,
			"sources", len(emitted.SourceEvents),
			"confidence", emitted.Confidence)
	}

	return w.ackWithRetry(ctx, stream, msg.ID)
}

func (w *Worker) ackWithRetry(ctx context.Context, stream, id string) error {
	return w.withRetry(ctx, "ack", func() error {
		return w.client.Ack(ctx, stream, w.cfg.Group, id)
	})
}

// withRetry runs op until it succeeds, backing off on transient faults.
// Non-transient faults surface immediately.
func (w *Worker) withRetry(ctx context.Context, op string, fn func() error) error {
	for {
		err := fn()
		if err == nil {
			w.resetBackoff()
			return nil
		}
		if ctx.Err() != nil {
			return fault.Wrap(fault.ShuttingDown, ctx.Err(), "%s interrupted", op)
		}
		if !fault.Is(err, fault.Transient) {
			return err
		}
		w.sleepBackoff(ctx, op, err)
	}
}

func (w *Worker) sleepBackoff(ctx context.Context, op string, err error) {
	if w.backoff == 0 {
		w.backoff = backoffBase
	}
	slog.Warn("transient broker failure, backing off",
		"op", op, "backoff", w.backoff, "error", err)
	w.metrics.BrokerRetries.WithLabelValues("cep").Inc()

	select {
	case <-ctx.Done():
	case <-time.After(w.backoff):
	}
	w.backoff *= 2
	if w.backoff > backoffCap {
		w.backoff = backoffCap
	}
}

func (w *Worker) resetBackoff() { w.backoff = 0 }

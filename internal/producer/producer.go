// Package producer simulates an upstream event source.
//
// Each producer appends randomized mono events of one type to one input
// stream at a fixed cadence. It stands in for whatever real system feeds the
// pipeline; the core makes no assumption beyond the wire format.
package producer

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/ocx/leaflet/internal/broker"
	"github.com/ocx/leaflet/internal/event"
	"github.com/ocx/leaflet/internal/fault"
)

// Config wires one simulated producer.
type Config struct {
	Stream    string
	EventType event.Type
	Interval  time.Duration
	ValueMin  float64
	ValueMax  float64
}

// Producer appends randomized mono events until stopped.
type Producer struct {
	cfg    Config
	client broker.Client
	rng    *rand.Rand
}

// New builds a producer with its own RNG so concurrent producers don't
// contend on a shared source.
func New(cfg Config, client broker.Client) *Producer {
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	return &Producer{
		cfg:    cfg,
		client: client,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run emits events on the configured cadence until ctx is canceled.
func (p *Producer) Run(ctx context.Context) error {
	slog.Info("producer started",
		"stream", p.cfg.Stream,
		"type", p.cfg.EventType,
		"interval", p.cfg.Interval)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("producer stopping", "stream", p.cfg.Stream)
			return nil
		case <-ticker.C:
		}

		if err := p.emitOne(ctx); err != nil {
			if fault.Is(err, fault.ShuttingDown) {
				return nil
			}
			slog.Warn("producer append failed", "stream", p.cfg.Stream, "error", err)
		}
	}
}

func (p *Producer) emitOne(ctx context.Context) error {
	value := p.cfg.ValueMin + p.rng.Float64()*(p.cfg.ValueMax-p.cfg.ValueMin)
	e, err := event.NewMono(p.cfg.Stream, p.cfg.EventType, value, time.Now(), map[string]any{
		"producer_interval": p.cfg.Interval.Seconds(),
	})
	if err != nil {
		return err
	}
	_, err = p.client.Append(ctx, p.cfg.Stream, e.Encode())
	return err
}

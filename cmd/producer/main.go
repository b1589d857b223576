// Command producer simulates upstream event sources: one producer per input
// stream, emitting types A, B, C in order.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ocx/leaflet/internal/broker"
	"github.com/ocx/leaflet/internal/config"
	"github.com/ocx/leaflet/internal/event"
	"github.com/ocx/leaflet/internal/producer"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	client, err := broker.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		slog.Error("broker connection failed", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	types := []event.Type{event.TypeA, event.TypeB, event.TypeC}

	var wg sync.WaitGroup
	for i, stream := range cfg.Streams.Inputs {
		p := producer.New(producer.Config{
			Stream:    stream,
			EventType: types[i%len(types)],
			Interval:  cfg.ProducerInterval(),
			ValueMin:  cfg.Producer.ValueMin,
			ValueMax:  cfg.Producer.ValueMax,
		}, client)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Run(ctx); err != nil {
				slog.Error("producer failed", "error", err)
			}
		}()
	}
	wg.Wait()
}

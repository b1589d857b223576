// Command leaflet runs the full pipeline in one process: CEP workers, the
// archiver, and the read-only HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ocx/leaflet/internal/api"
	"github.com/ocx/leaflet/internal/archiver"
	"github.com/ocx/leaflet/internal/broker"
	"github.com/ocx/leaflet/internal/cep"
	"github.com/ocx/leaflet/internal/coldstore"
	"github.com/ocx/leaflet/internal/config"
	"github.com/ocx/leaflet/internal/metrics"
	"github.com/ocx/leaflet/internal/rules"
)

// shutdownGrace is the hard deadline for draining after cancellation.
const shutdownGrace = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	workers := flag.Int("workers", 1, "number of CEP workers in the consumer group")
	flag.Parse()

	if err := run(*configPath, *workers); err != nil {
		slog.Error("leaflet exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, workers int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	client, err := broker.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer client.Close()

	store, err := coldstore.NewPostgresStore(cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	var wg sync.WaitGroup

	// CEP workers share one consumer group under distinct consumer names.
	for i := 0; i < workers; i++ {
		consumer := cfg.CEP.ConsumerName
		if workers > 1 {
			consumer = fmt.Sprintf("%s-%d", consumer, i+1)
		}
		// Dedup state is per worker, so each gets its own engine.
		workerEngine, err := rules.NewEngine(rules.Defaults(cfg.CorrelationWindow()))
		if err != nil {
			return err
		}
		w := cep.New(cep.Config{
			InputStreams:     cfg.Streams.Inputs,
			IntegratedStream: cfg.Streams.Integrated,
			Group:            cfg.CEP.ConsumerGroup,
			Consumer:         consumer,
			BatchSize:        cfg.CEP.EventBatchSize,
			BlockTimeout:     time.Second,
			BufferCap:        cfg.CEP.MaxPendingEvents,
		}, client, workerEngine, m)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				slog.Error("cep worker failed", "error", err)
			}
		}()
	}

	arch := archiver.New(archiver.Config{
		InputStreams:     cfg.Streams.Inputs,
		IntegratedStream: cfg.Streams.Integrated,
		Interval:         cfg.ArchivalInterval(),
		BatchSize:        int64(cfg.Archival.MaxEventsPerArchiveBatch),
		Retention:        cfg.Retention(),
	}, client, store, m)

	archDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(archDone)
		if err := arch.Run(ctx); err != nil {
			slog.Error("archiver failed", "error", err)
		}
	}()

	apiServer := api.NewServer(store, client, cfg.Streams.Inputs, cfg.Streams.Integrated, registry)
	httpServer := &http.Server{
		Addr:         cfg.API.ListenAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // live tail holds connections open
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("api listening", "addr", cfg.API.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api server failed", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown requested, draining")

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	httpServer.Shutdown(drainCtx)

	// One last archival pass so the cold tier catches up before exit. Wait
	// for the periodic loop to finish its cycle first.
	select {
	case <-archDone:
	case <-drainCtx.Done():
	}
	if err := arch.RunCycle(drainCtx); err != nil {
		slog.Warn("final archival drain failed", "error", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("shutdown complete")
	case <-drainCtx.Done():
		slog.Warn("shutdown deadline exceeded, forcing exit")
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"media-generation-pipeline/internal/artifact"
	"media-generation-pipeline/internal/config"
	"media-generation-pipeline/internal/generate"
	"media-generation-pipeline/internal/pubsub"
	"media-generation-pipeline/internal/queue"
	"media-generation-pipeline/internal/store"
	"media-generation-pipeline/internal/sweeper"
	"media-generation-pipeline/internal/telemetry"
	workerproc "media-generation-pipeline/internal/worker"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		slog.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	client := queue.NewClient(cfg)
	defer client.Close()
	queues := queue.ForJobTypes(client, cfg.VisibilityTimeout)

	gen := generate.NewHTTPProvider(cfg.ProviderURL, cfg.ProviderToken)
	artifacts, err := artifact.NewStore(ctx, cfg)
	if err != nil {
		slog.Error("init artifact store", "error", err)
		os.Exit(1)
	}
	publisher := pubsub.NewRedisPublisher(client)

	// Generate a unique worker ID from hostname or env var
	baseID := os.Getenv("WORKER_ID")
	if baseID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			baseID = hostname
		} else {
			baseID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	var wg sync.WaitGroup
	for jt, q := range queues {
		n := cfg.WorkerConcurrency[string(jt)]
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			workerID := fmt.Sprintf("%s-%s-%d", baseID, jt, i)
			proc := workerproc.NewProcessorWithID(cfg, q, st, gen, artifacts, publisher, workerID)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					slog.Error("processor stopped", "worker", workerID, "error", err)
				}
			}()
		}
	}

	sw := sweeper.New(st, queues, cfg.SweepMaxAge)
	if cfg.SweepSchedule != "" {
		sched, err := sweeper.NewScheduler(cfg.SweepSchedule, sw)
		if err != nil {
			slog.Error("parse sweep schedule", "error", err)
			os.Exit(1)
		}
		sched.Start()
		defer sched.Stop()
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			slog.Error("metrics server stopped", "error", err)
		}
	}()

	slog.Info("worker started",
		"queues", len(queues),
		"visibility", cfg.VisibilityTimeout,
		"backoff_initial", cfg.BackoffInitial,
		"sweep_schedule", cfg.SweepSchedule)
	wg.Wait()
}

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"

	"media-generation-pipeline/internal/api"
	"media-generation-pipeline/internal/config"
	"media-generation-pipeline/internal/queue"
	"media-generation-pipeline/internal/ratelimit"
	"media-generation-pipeline/internal/stats"
	"media-generation-pipeline/internal/store"
	"media-generation-pipeline/internal/submit"
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
		signal.Notify(ch, os.Interrupt)
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
	limiter := ratelimit.NewSubmitLimiter(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	submitter := submit.NewService(st, queues, limiter, cfg.MaxAttempts)
	collector := stats.NewCollector(st, queues)

	server := api.New(cfg, submitter, st, collector)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	slog.Info("api listening", "port", cfg.HTTPPort, "driver", cfg.DatabaseDriver)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

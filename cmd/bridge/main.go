package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"media-generation-pipeline/internal/config"
	"media-generation-pipeline/internal/pubsub"
	"media-generation-pipeline/internal/queue"
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

	client := queue.NewClient(cfg)
	defer client.Close()

	dispatcher := pubsub.NewHTTPDispatcher(cfg.FrontendCallbackURL)
	bridge := pubsub.NewBridge(client, dispatcher)

	slog.Info("bridge starting", "dispatch_url", cfg.FrontendCallbackURL)
	if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("bridge stopped", "error", err)
		os.Exit(1)
	}
}

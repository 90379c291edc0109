package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"media-generation-pipeline/internal/config"
	"media-generation-pipeline/internal/queue"
	"media-generation-pipeline/internal/stats"
	"media-generation-pipeline/internal/store"
	"media-generation-pipeline/internal/sweeper"
)

const usage = "usage: cleanup [full|queues|db|stats|auto [maxAgeMinutes]]"

func main() {
	// Logs go to stderr so the stats table on stdout stays parseable.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}
	cfg := config.Load()

	args := os.Args[1:]
	mode := "full"
	if len(args) > 0 {
		mode = args[0]
	}

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

	sw := sweeper.New(st, queues, cfg.SweepMaxAge)
	failed := false

	switch mode {
	case "stats":
		// Snapshot only, no cleanup.
	case "full":
		failed = report(sw.Full(ctx))
	case "queues":
		failed = report(sw.QueuesOnly(ctx))
	case "db":
		failed = report(sw.DBOnly(ctx))
	case "auto":
		var maxAge time.Duration
		if len(args) > 1 {
			minutes, err := strconv.Atoi(args[1])
			if err != nil || minutes <= 0 {
				fmt.Fprintf(os.Stderr, "invalid maxAgeMinutes %q\n%s\n", args[1], usage)
				os.Exit(1)
			}
			maxAge = time.Duration(minutes) * time.Minute
		}
		failed = report(sw.Auto(ctx, maxAge))
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	// The snapshot prints even when the cleanup itself reported errors, so
	// operators always see where the system landed.
	collector := stats.NewCollector(st, queues)
	snap, err := collector.Snapshot(ctx)
	if err != nil {
		slog.Error("collect stats", "error", err)
		failed = true
	}
	if err := stats.Render(os.Stdout, snap); err != nil {
		slog.Error("render stats", "error", err)
		failed = true
	}

	if failed {
		os.Exit(1)
	}
}

func report(rep sweeper.Report, err error) bool {
	slog.Info("cleanup finished",
		"expired_jobs", rep.ExpiredJobs,
		"reset_jobs", rep.ResetJobs,
		"purged_entries", rep.PurgedEntries,
		"wiped_queues", rep.WipedQueues)
	if err != nil {
		slog.Error("cleanup reported errors", "error", err)
		return true
	}
	return false
}

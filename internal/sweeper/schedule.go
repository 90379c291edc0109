package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the auto sweep on a cron schedule, hourly by default.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler registers the auto sweep under a standard 5-field cron
// expression.
func NewScheduler(expr string, sw *Sweeper) (*Scheduler, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))

	_, err := c.AddFunc(expr, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		report, err := sw.Auto(ctx, 0)
		if err != nil {
			slog.Error("scheduled sweep hit errors", "err", err)
		}
		slog.Info("scheduled sweep done",
			"expired_jobs", report.ExpiredJobs, "purged_entries", report.PurgedEntries)
	})
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", expr, err)
	}
	return &Scheduler{cron: c}, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

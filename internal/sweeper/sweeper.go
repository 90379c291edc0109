package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"media-generation-pipeline/internal/models"
	"media-generation-pipeline/internal/queue"
	"media-generation-pipeline/internal/store"
	"media-generation-pipeline/internal/telemetry"
)

// Sweeper reconciles job records and queues after the happy path has
// failed: crashed workers, lost events, operator resets.
type Sweeper struct {
	store  store.Store
	queues map[models.JobType]*queue.RedisQueue
	maxAge time.Duration
}

// Report tallies one sweep.
type Report struct {
	ExpiredJobs   int64 `json:"expired_jobs"`   // records auto-failed for staleness
	ResetJobs     int64 `json:"reset_jobs"`     // records failed by a full reset
	PurgedEntries int64 `json:"purged_entries"` // queue entries removed
	WipedQueues   int   `json:"wiped_queues"`
}

// New builds a sweeper. maxAge bounds how long a record may sit
// non-terminal before the auto sweep declares it lost; zero means the
// 30 minute default.
func New(st store.Store, queues map[models.JobType]*queue.RedisQueue, maxAge time.Duration) *Sweeper {
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	return &Sweeper{store: st, queues: queues, maxAge: maxAge}
}

// Auto is the age-bounded sweep: records untouched for longer than
// maxAge are failed with a diagnostic, and queue entries older than the
// same cutoff are purged. Terminal records and fresh work are left
// alone, so it is safe to run while workers are busy. maxAge zero uses
// the sweeper's configured default.
func (s *Sweeper) Auto(ctx context.Context, maxAge time.Duration) (Report, error) {
	if maxAge <= 0 {
		maxAge = s.maxAge
	}
	cutoff := time.Now().Add(-maxAge)
	diagnostic := fmt.Sprintf("auto-expired after %s", maxAge)

	var report Report
	var errs []error

	expired, err := s.store.ExpireStale(ctx, cutoff, diagnostic)
	if err != nil {
		errs = append(errs, fmt.Errorf("expire stale records: %w", err))
	}
	report.ExpiredJobs = expired
	telemetry.SweepExpired.Add(float64(expired))

	for _, q := range s.queues {
		purged, err := q.PurgeOlderThan(ctx, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("purge queue %s: %w", q.Name(), err))
		}
		report.PurgedEntries += purged
	}
	telemetry.SweepPurged.Add(float64(report.PurgedEntries))

	slog.Info("auto sweep finished",
		"max_age", maxAge, "expired_jobs", report.ExpiredJobs, "purged_entries", report.PurgedEntries)
	return report, errors.Join(errs...)
}

// Full is the operator reset: every non-terminal record is failed and
// every queue wiped. Completed and failed history survives in the
// store.
func (s *Sweeper) Full(ctx context.Context) (Report, error) {
	report, errs := s.resetRecords(ctx)

	wiped, werrs := s.wipeQueues(ctx)
	report.WipedQueues = wiped
	errs = append(errs, werrs...)

	slog.Info("full cleanup finished", "reset_jobs", report.ResetJobs, "wiped_queues", report.WipedQueues)
	return report, errors.Join(errs...)
}

// QueuesOnly wipes the queues and leaves job records untouched.
func (s *Sweeper) QueuesOnly(ctx context.Context) (Report, error) {
	var report Report
	wiped, errs := s.wipeQueues(ctx)
	report.WipedQueues = wiped
	slog.Info("queue cleanup finished", "wiped_queues", wiped)
	return report, errors.Join(errs...)
}

// DBOnly resets non-terminal records and leaves the queues untouched.
func (s *Sweeper) DBOnly(ctx context.Context) (Report, error) {
	report, errs := s.resetRecords(ctx)
	slog.Info("db cleanup finished", "reset_jobs", report.ResetJobs)
	return report, errors.Join(errs...)
}

func (s *Sweeper) resetRecords(ctx context.Context) (Report, []error) {
	var report Report
	var errs []error
	reset, err := s.store.FailNonTerminal(ctx, "reset by full cleanup")
	if err != nil {
		errs = append(errs, fmt.Errorf("reset records: %w", err))
	}
	report.ResetJobs = reset
	return report, errs
}

// wipeQueues keeps going past individual failures so one sick queue
// cannot shield the rest from cleanup.
func (s *Sweeper) wipeQueues(ctx context.Context) (int, []error) {
	var wiped int
	var errs []error
	for _, q := range s.queues {
		if err := q.Obliterate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("obliterate queue %s: %w", q.Name(), err))
			continue
		}
		wiped++
	}
	return wiped, errs
}

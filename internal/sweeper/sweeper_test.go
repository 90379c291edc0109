package sweeper

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"media-generation-pipeline/internal/models"
	"media-generation-pipeline/internal/queue"
	"media-generation-pipeline/internal/store"
)

func newTestSweeper(t *testing.T) (*Sweeper, *store.InMemoryStore, map[models.JobType]*queue.RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	st := store.NewInMemoryStore()
	queues := queue.ForJobTypes(client, time.Minute)
	return New(st, queues, 30*time.Minute), st, queues, mr
}

func putJob(st *store.InMemoryStore, id string, status models.JobStatus, age time.Duration) {
	now := time.Now().UTC()
	st.Put(models.JobRecord{
		ID:          id,
		OwnerID:     "user-1",
		JobType:     models.JobTypeEffect,
		Payload:     models.JobPayload{SourceFileRefs: []string{"f"}, TargetChatID: 1},
		Status:      status,
		MaxAttempts: 3,
		CreatedAt:   now.Add(-age),
		UpdatedAt:   now.Add(-age),
	})
}

func TestAutoSweepExpiresStaleRecords(t *testing.T) {
	ctx := context.Background()
	sw, st, _, _ := newTestSweeper(t)

	putJob(st, "stale-processing", models.StatusProcessing, 45*time.Minute)
	putJob(st, "stale-pending", models.StatusPending, 2*time.Hour)
	putJob(st, "fresh-processing", models.StatusProcessing, time.Minute)
	putJob(st, "old-completed", models.StatusCompleted, 3*time.Hour)

	report, err := sw.Auto(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("Auto: %v", err)
	}
	if report.ExpiredJobs != 2 {
		t.Fatalf("expired %d jobs, want 2", report.ExpiredJobs)
	}

	for _, id := range []string{"stale-processing", "stale-pending"} {
		got, _ := st.GetJob(ctx, id)
		if got.Status != models.StatusFailed {
			t.Fatalf("%s status = %s, want FAILED", id, got.Status)
		}
		if got.Error != "auto-expired after 30m0s" {
			t.Fatalf("%s diagnostic = %q", id, got.Error)
		}
	}

	fresh, _ := st.GetJob(ctx, "fresh-processing")
	if fresh.Status != models.StatusProcessing {
		t.Fatalf("fresh job swept: %s", fresh.Status)
	}
	done, _ := st.GetJob(ctx, "old-completed")
	if done.Status != models.StatusCompleted {
		t.Fatalf("terminal job touched: %s", done.Status)
	}

	// Sweeping again finds nothing new.
	report, err = sw.Auto(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("Auto: %v", err)
	}
	if report.ExpiredJobs != 0 {
		t.Fatalf("second sweep expired %d jobs, want 0", report.ExpiredJobs)
	}
}

func TestAutoSweepPurgesOldQueueEntries(t *testing.T) {
	ctx := context.Background()
	sw, _, queues, mr := newTestSweeper(t)
	q := queues[models.JobTypeEffect]

	if err := q.Enqueue(ctx, "old-entry", time.Time{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "fresh-entry", time.Time{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Backdate the first entry's meta an hour.
	oldMs := time.Now().Add(-time.Hour).UnixMilli()
	mr.HSet("queue:effect_generation:msg:old-entry", "enqueued_at", strconv.FormatInt(oldMs, 10))

	report, err := sw.Auto(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("Auto: %v", err)
	}
	if report.PurgedEntries != 1 {
		t.Fatalf("purged %d entries, want 1", report.PurgedEntries)
	}

	counts, _ := q.Counts(ctx)
	if counts.Waiting != 1 {
		t.Fatalf("waiting = %d, want the fresh entry alone", counts.Waiting)
	}
	msg, ok, _ := q.Dequeue(ctx)
	if !ok || msg.JobID != "fresh-entry" {
		t.Fatalf("surviving entry = %+v, %v", msg, ok)
	}
}

func TestFullCleanupResetsEverything(t *testing.T) {
	ctx := context.Background()
	sw, st, queues, _ := newTestSweeper(t)

	putJob(st, "pending", models.StatusPending, time.Minute)
	putJob(st, "processing", models.StatusProcessing, time.Minute)
	putJob(st, "completed", models.StatusCompleted, time.Minute)

	if err := queues[models.JobTypeEffect].Enqueue(ctx, "pending", time.Time{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := queues[models.JobTypeVideo].Enqueue(ctx, "processing", time.Time{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	report, err := sw.Full(ctx)
	if err != nil {
		t.Fatalf("Full: %v", err)
	}
	if report.ResetJobs != 2 {
		t.Fatalf("reset %d jobs, want 2", report.ResetJobs)
	}
	if report.WipedQueues != len(models.JobTypes()) {
		t.Fatalf("wiped %d queues, want %d", report.WipedQueues, len(models.JobTypes()))
	}

	for _, id := range []string{"pending", "processing"} {
		got, _ := st.GetJob(ctx, id)
		if got.Status != models.StatusFailed || got.Error != "reset by full cleanup" {
			t.Fatalf("%s = %s / %q", id, got.Status, got.Error)
		}
	}
	done, _ := st.GetJob(ctx, "completed")
	if done.Status != models.StatusCompleted {
		t.Fatalf("completed record reset: %s", done.Status)
	}

	for jt, q := range queues {
		counts, _ := q.Counts(ctx)
		if counts.Total != 0 {
			t.Fatalf("queue %s not empty after full cleanup: %+v", jt, counts)
		}
	}
}

func TestQueuesOnlyLeavesRecords(t *testing.T) {
	ctx := context.Background()
	sw, st, queues, _ := newTestSweeper(t)

	putJob(st, "pending", models.StatusPending, time.Minute)
	if err := queues[models.JobTypeEffect].Enqueue(ctx, "pending", time.Time{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	report, err := sw.QueuesOnly(ctx)
	if err != nil {
		t.Fatalf("QueuesOnly: %v", err)
	}
	if report.WipedQueues != len(models.JobTypes()) || report.ResetJobs != 0 {
		t.Fatalf("report = %+v", report)
	}
	got, _ := st.GetJob(ctx, "pending")
	if got.Status != models.StatusPending {
		t.Fatalf("record touched by queue cleanup: %s", got.Status)
	}
}

func TestDBOnlyLeavesQueues(t *testing.T) {
	ctx := context.Background()
	sw, st, queues, _ := newTestSweeper(t)

	putJob(st, "pending", models.StatusPending, time.Minute)
	if err := queues[models.JobTypeEffect].Enqueue(ctx, "pending", time.Time{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	report, err := sw.DBOnly(ctx)
	if err != nil {
		t.Fatalf("DBOnly: %v", err)
	}
	if report.ResetJobs != 1 || report.WipedQueues != 0 {
		t.Fatalf("report = %+v", report)
	}
	counts, _ := queues[models.JobTypeEffect].Counts(ctx)
	if counts.Waiting != 1 {
		t.Fatalf("queue touched by db cleanup: %+v", counts)
	}
	got, _ := st.GetJob(ctx, "pending")
	if got.Status != models.StatusFailed {
		t.Fatalf("record = %s, want FAILED", got.Status)
	}
}

package submit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"media-generation-pipeline/internal/models"
	"media-generation-pipeline/internal/queue"
	"media-generation-pipeline/internal/ratelimit"
	"media-generation-pipeline/internal/store"
)

func newTestService(t *testing.T, limiter *ratelimit.SubmitLimiter) (*Service, *store.InMemoryStore, map[models.JobType]*queue.RedisQueue, *miniredis.Miniredis) {
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
	return NewService(st, queues, limiter, 3), st, queues, mr
}

func validRequest() models.SubmitRequest {
	return models.SubmitRequest{
		OwnerID: "user-1",
		JobType: models.JobTypeEffect,
		Payload: models.JobPayload{
			SourceFileRefs:  []string{"file-1"},
			TargetChatID:    42,
			TargetMessageID: 7,
			Effect:          "claymation",
		},
	}
}

func TestSubmitCreatesAndEnqueues(t *testing.T) {
	ctx := context.Background()
	svc, st, queues, _ := newTestService(t, nil)

	rec, existing, err := svc.Submit(ctx, validRequest())
	if err != nil || existing {
		t.Fatalf("Submit = %v, existing=%v", err, existing)
	}
	if rec.Status != models.StatusPending {
		t.Fatalf("status = %s, want PENDING", rec.Status)
	}

	got, err := st.GetJob(ctx, rec.ID)
	if err != nil || got.Status != models.StatusPending {
		t.Fatalf("stored record = %+v, %v", got, err)
	}

	msg, ok, err := queues[models.JobTypeEffect].Dequeue(ctx)
	if err != nil || !ok {
		t.Fatalf("dequeue = %v, %v", ok, err)
	}
	if msg.JobID != rec.ID {
		t.Fatalf("queued job = %s, want %s", msg.JobID, rec.ID)
	}
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := newTestService(t, nil)

	cases := []struct {
		name   string
		mutate func(*models.SubmitRequest)
		field  string
	}{
		{"missing owner", func(r *models.SubmitRequest) { r.OwnerID = "" }, "owner_id"},
		{"unknown type", func(r *models.SubmitRequest) { r.JobType = "sticker_generation" }, "job_type"},
		{"missing chat", func(r *models.SubmitRequest) { r.Payload.TargetChatID = 0 }, "payload.target_chat_id"},
		{"missing sources", func(r *models.SubmitRequest) { r.Payload.SourceFileRefs = nil }, "payload.source_file_refs"},
		{"missing effect", func(r *models.SubmitRequest) { r.Payload.Effect = "" }, "payload.effect"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(&req)
			_, _, err := svc.Submit(ctx, req)
			var verr *models.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if verr.Field != tc.field {
				t.Fatalf("field = %s, want %s", verr.Field, tc.field)
			}
		})
	}
}

func TestSubmitDedupReturnsExistingWithoutReenqueue(t *testing.T) {
	ctx := context.Background()
	svc, _, queues, _ := newTestService(t, nil)

	req := validRequest()
	req.DedupKey = "chat42-msg7"

	first, _, err := svc.Submit(ctx, req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	second, existing, err := svc.Submit(ctx, req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !existing || second.ID != first.ID {
		t.Fatalf("dedup miss: existing=%v id=%s want %s", existing, second.ID, first.ID)
	}

	counts, err := queues[models.JobTypeEffect].Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Waiting != 1 {
		t.Fatalf("waiting = %d, want 1 (no duplicate enqueue)", counts.Waiting)
	}
}

func TestSubmitRateLimited(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	limiter := ratelimit.NewSubmitLimiter(client, 1, 0.001, time.Minute)
	svc := NewService(store.NewInMemoryStore(), queue.ForJobTypes(client, time.Minute), limiter, 3)

	if _, _, err := svc.Submit(ctx, validRequest()); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, _, err = svc.Submit(ctx, validRequest())
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestSubmitEnqueueFailureMarksJobFailed(t *testing.T) {
	ctx := context.Background()
	svc, st, _, mr := newTestService(t, nil)

	// Take Redis down so the enqueue after the insert fails.
	mr.Close()

	if _, _, err := svc.Submit(ctx, validRequest()); err == nil {
		t.Fatal("expected enqueue error")
	}

	counts, err := st.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[models.StatusFailed] != 1 || counts[models.StatusPending] != 0 {
		t.Fatalf("counts = %+v, want the orphaned record FAILED", counts)
	}
}

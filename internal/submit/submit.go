package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"media-generation-pipeline/internal/models"
	"media-generation-pipeline/internal/queue"
	"media-generation-pipeline/internal/ratelimit"
	"media-generation-pipeline/internal/store"
	"media-generation-pipeline/internal/telemetry"
)

// ErrRateLimited reports an owner who has exhausted their submit budget.
var ErrRateLimited = errors.New("submit rate limit exceeded")

// Service accepts job submissions: validate, persist, enqueue.
type Service struct {
	store              store.Store
	queues             map[models.JobType]*queue.RedisQueue
	limiter            *ratelimit.SubmitLimiter
	defaultMaxAttempts int
}

// NewService wires the submission path. limiter may be nil to disable
// per-owner throttling.
func NewService(st store.Store, queues map[models.JobType]*queue.RedisQueue, limiter *ratelimit.SubmitLimiter, defaultMaxAttempts int) *Service {
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = 3
	}
	return &Service{
		store:              st,
		queues:             queues,
		limiter:            limiter,
		defaultMaxAttempts: defaultMaxAttempts,
	}
}

// Submit creates a PENDING record and enqueues it. When a dedup key
// already maps to an active job, that job is returned with existing set
// and nothing new is enqueued. If enqueueing fails the fresh record is
// marked FAILED so it cannot dangle in PENDING forever.
func (s *Service) Submit(ctx context.Context, req models.SubmitRequest) (models.JobRecord, bool, error) {
	if err := validate(req); err != nil {
		return models.JobRecord{}, false, err
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.AllowOwner(ctx, req.OwnerID)
		if err != nil {
			return models.JobRecord{}, false, fmt.Errorf("rate limit check: %w", err)
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			return models.JobRecord{}, false, ErrRateLimited
		}
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.defaultMaxAttempts
	}

	rec, existing, err := s.store.CreateJob(ctx, store.CreateJobParams{
		OwnerID:     req.OwnerID,
		JobType:     req.JobType,
		Payload:     req.Payload,
		MaxAttempts: maxAttempts,
		DedupKey:    req.DedupKey,
	})
	if err != nil {
		return models.JobRecord{}, false, fmt.Errorf("create job: %w", err)
	}
	if existing {
		slog.Info("submit joined active job", "job_id", rec.ID, "dedup_key", req.DedupKey)
		return rec, true, nil
	}

	q, ok := s.queues[rec.JobType]
	if !ok {
		// Unreachable after validation, but a half-wired queue map must
		// not leave a PENDING ghost behind.
		if _, ferr := s.store.FailJob(ctx, rec.ID, "no queue for job type"); ferr != nil {
			slog.Error("fail job after queue lookup miss", "job_id", rec.ID, "err", ferr)
		}
		return models.JobRecord{}, false, fmt.Errorf("no queue for job type %s", rec.JobType)
	}
	if err := q.Enqueue(ctx, rec.ID, time.Time{}); err != nil {
		diagnostic := fmt.Sprintf("enqueue failed: %v", err)
		if _, ferr := s.store.FailJob(ctx, rec.ID, diagnostic); ferr != nil {
			slog.Error("fail job after enqueue error", "job_id", rec.ID, "err", ferr)
		}
		return models.JobRecord{}, false, fmt.Errorf("enqueue job %s: %w", rec.ID, err)
	}

	telemetry.JobsSubmitted.Inc()
	slog.Info("job submitted", "job_id", rec.ID, "job_type", rec.JobType, "owner_id", rec.OwnerID)
	return rec, false, nil
}

func validate(req models.SubmitRequest) error {
	if req.OwnerID == "" {
		return &models.ValidationError{Field: "owner_id", Reason: "required"}
	}
	if !models.KnownJobType(req.JobType) {
		return &models.ValidationError{Field: "job_type", Reason: fmt.Sprintf("unknown type %q", req.JobType)}
	}
	if req.Payload.TargetChatID == 0 {
		return &models.ValidationError{Field: "payload.target_chat_id", Reason: "required"}
	}
	if len(req.Payload.SourceFileRefs) == 0 {
		return &models.ValidationError{Field: "payload.source_file_refs", Reason: "at least one source file is required"}
	}
	if req.JobType == models.JobTypeEffect && req.Payload.Effect == "" {
		return &models.ValidationError{Field: "payload.effect", Reason: "required for effect jobs"}
	}
	return nil
}

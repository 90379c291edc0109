package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"media-generation-pipeline/internal/config"
	"media-generation-pipeline/internal/generate"
	"media-generation-pipeline/internal/models"
	"media-generation-pipeline/internal/pubsub"
	"media-generation-pipeline/internal/queue"
	"media-generation-pipeline/internal/store"
	"media-generation-pipeline/internal/telemetry"
)

// ArtifactPersister stores one provider output durably.
type ArtifactPersister interface {
	Persist(ctx context.Context, jobID string, out generate.Output, resolution string) (models.ArtifactRef, error)
}

// Processor drives the worker loop for one queue. Several processors
// may share a queue; the store's conditional writes keep redeliveries
// from re-running side effects.
type Processor struct {
	cfg       config.Config
	queue     *queue.RedisQueue
	store     store.Store
	generator generate.Generator
	artifacts ArtifactPersister
	publisher pubsub.Publisher
	workerID  string
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue, st store.Store, gen generate.Generator, artifacts ArtifactPersister, pub pubsub.Publisher) *Processor {
	return NewProcessorWithID(cfg, q, st, gen, artifacts, pub, "")
}

// NewProcessorWithID tags the processor's log lines with a worker ID.
func NewProcessorWithID(cfg config.Config, q *queue.RedisQueue, st store.Store, gen generate.Generator, artifacts ArtifactPersister, pub pubsub.Publisher, workerID string) *Processor {
	return &Processor{
		cfg:       cfg,
		queue:     q,
		store:     st,
		generator: gen,
		artifacts: artifacts,
		publisher: pub,
		workerID:  workerID,
	}
}

// Run polls the queue until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.maintain(ctx)

		handled, err := p.ProcessOne(ctx)
		if err != nil {
			slog.Warn("dequeue failed", "queue", p.queue.Name(), "worker", p.workerID, "err", err)
			time.Sleep(p.cfg.WorkerPollInterval)
			continue
		}
		if !handled {
			time.Sleep(p.cfg.WorkerPollInterval)
		}
	}
}

// maintain promotes due retries, reclaims expired leases, and refreshes
// the depth gauges.
func (p *Processor) maintain(ctx context.Context) {
	_, _ = p.queue.PromoteDelayed(ctx, time.Now(), 100)
	if reclaimed, _ := p.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
		slog.Warn("reclaimed expired leases", "queue", p.queue.Name(), "count", len(reclaimed))
	}
	if counts, err := p.queue.Counts(ctx); err == nil {
		telemetry.QueueDepth.WithLabelValues(p.queue.Name()).Set(float64(counts.Waiting))
		telemetry.InFlight.WithLabelValues(p.queue.Name()).Set(float64(counts.Active))
	}
}

// ProcessOne handles a single delivery if one is waiting. handled is
// false when the queue was empty.
func (p *Processor) ProcessOne(ctx context.Context) (handled bool, err error) {
	msg, ok, err := p.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	p.handleDelivery(ctx, msg)
	return true, nil
}

func (p *Processor) handleDelivery(ctx context.Context, msg models.QueueMessage) {
	rec, err := p.store.GetJob(ctx, msg.JobID)
	if errors.Is(err, store.ErrNotFound) {
		// A queue entry with no record is unprocessable; settle it so it
		// stops circulating.
		slog.Warn("queue entry has no job record", "queue", p.queue.Name(), "job_id", msg.JobID)
		p.ack(ctx, msg.JobID, queue.OutcomeFailed)
		return
	}
	if err != nil {
		slog.Error("load job record", "job_id", msg.JobID, "err", err)
		p.nack(ctx, msg.JobID, p.cfg.BackoffInitial)
		return
	}

	if rec.Status.Terminal() {
		// Redelivery of a settled job. Acknowledge without side effects.
		slog.Info("dropping redelivery of terminal job", "job_id", rec.ID, "status", rec.Status)
		p.ack(ctx, rec.ID, outcomeForStatus(rec.Status))
		return
	}

	claimed, err := p.store.ClaimProcessing(ctx, rec.ID, msg.Attempts)
	if err != nil {
		slog.Error("claim job", "job_id", rec.ID, "err", err)
		p.nack(ctx, rec.ID, p.cfg.BackoffInitial)
		return
	}
	if !claimed {
		// Lost the race to a terminal transition.
		if fresh, gerr := p.store.GetJob(ctx, rec.ID); gerr == nil {
			p.ack(ctx, rec.ID, outcomeForStatus(fresh.Status))
		} else {
			p.ack(ctx, rec.ID, queue.OutcomeFailed)
		}
		return
	}

	out, err := p.generate(ctx, rec)
	if err == nil {
		var ref models.ArtifactRef
		ref, err = p.artifacts.Persist(ctx, rec.ID, out, rec.Payload.Resolution)
		if err == nil {
			p.settleSuccess(ctx, rec, ref)
			return
		}
	}
	p.settleFailure(ctx, rec, msg.Attempts, err)
}

func (p *Processor) generate(ctx context.Context, rec models.JobRecord) (generate.Output, error) {
	deadline := p.cfg.GenerationDeadline
	if deadline <= 0 || deadline > p.cfg.VisibilityTimeout {
		deadline = p.cfg.VisibilityTimeout
	}
	genCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	return p.generator.Generate(genCtx, generate.Request{
		JobID:   rec.ID,
		JobType: rec.JobType,
		Payload: rec.Payload,
	})
}

func (p *Processor) settleSuccess(ctx context.Context, rec models.JobRecord, ref models.ArtifactRef) {
	completed, err := p.store.CompleteJob(ctx, rec.ID, []models.ArtifactRef{ref})
	if err != nil {
		slog.Error("complete job", "job_id", rec.ID, "err", err)
		p.nack(ctx, rec.ID, p.cfg.BackoffInitial)
		return
	}
	if completed {
		telemetry.JobsCompleted.Inc()
		slog.Info("job completed", "job_id", rec.ID, "job_type", rec.JobType, "worker", p.workerID, "artifact", ref.Location)
		p.publishSuccess(ctx, rec, ref)
	}
	p.ack(ctx, rec.ID, queue.OutcomeCompleted)
}

func (p *Processor) settleFailure(ctx context.Context, rec models.JobRecord, attempts int, genErr error) {
	var terminal *generate.TerminalError
	isTerminal := errors.As(genErr, &terminal)
	exhausted := attempts >= rec.MaxAttempts

	if !isTerminal && !exhausted {
		backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
		telemetry.JobsRetried.Inc()
		slog.Warn("job attempt failed, retrying",
			"job_id", rec.ID, "attempt", attempts, "max_attempts", rec.MaxAttempts,
			"backoff", backoff, "err", genErr)
		p.nack(ctx, rec.ID, backoff)
		return
	}

	diagnostic := genErr.Error()
	if !isTerminal {
		diagnostic = fmt.Sprintf("retries exhausted after %d attempts: %v", attempts, genErr)
	}
	failed, err := p.store.FailJob(ctx, rec.ID, diagnostic)
	if err != nil {
		slog.Error("fail job", "job_id", rec.ID, "err", err)
	}
	if failed {
		telemetry.JobsDeadLettered.Inc()
		slog.Error("job dead-lettered", "job_id", rec.ID, "job_type", rec.JobType, "attempts", attempts, "err", genErr)
		p.publishFailure(ctx, rec, diagnostic)
	}
	p.ack(ctx, rec.ID, queue.OutcomeFailed)
}

func (p *Processor) publishSuccess(ctx context.Context, rec models.JobRecord, ref models.ArtifactRef) {
	base := models.Event{
		JobID:           rec.ID,
		TargetChatID:    rec.Payload.TargetChatID,
		TargetMessageID: rec.Payload.TargetMessageID,
		Locale:          rec.Payload.Locale,
	}

	status := base
	status.Kind = models.EventStatusUpdate
	status.Text = "completed"
	p.publish(ctx, models.ChannelStatusUpdate, status)

	media := base
	media.Artifact = &ref
	switch rec.JobType {
	case models.JobTypeVideo:
		media.Kind = models.EventSendMedia
		p.publish(ctx, models.ChannelSendVideo, media)
	case models.JobTypeUpgrade:
		media.Kind = models.EventSendDocument
		p.publish(ctx, models.ChannelSendDocument, media)
	default:
		media.Kind = models.EventSendMedia
		p.publish(ctx, models.ChannelSendEffectResult, media)
	}
}

func (p *Processor) publishFailure(ctx context.Context, rec models.JobRecord, diagnostic string) {
	p.publish(ctx, models.ChannelErrorChoice, models.Event{
		Kind:            models.EventStatusUpdate,
		JobID:           rec.ID,
		TargetChatID:    rec.Payload.TargetChatID,
		TargetMessageID: rec.Payload.TargetMessageID,
		Locale:          rec.Payload.Locale,
		Text:            diagnostic,
		Options:         []string{"retry", "support"},
	})
}

// publish is best effort. A lost event never blocks settlement; the
// sweeper and stats surface what the frontend missed.
func (p *Processor) publish(ctx context.Context, channel string, ev models.Event) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(ctx, channel, ev); err != nil {
		slog.Warn("publish event", "channel", channel, "job_id", ev.JobID, "err", err)
	}
}

func (p *Processor) ack(ctx context.Context, jobID string, outcome queue.Outcome) {
	if err := p.queue.Ack(ctx, jobID, outcome); err != nil {
		slog.Error("ack delivery", "job_id", jobID, "err", err)
	}
}

func (p *Processor) nack(ctx context.Context, jobID string, delay time.Duration) {
	if err := p.queue.Nack(ctx, jobID, delay); err != nil {
		slog.Error("nack delivery", "job_id", jobID, "err", err)
	}
}

func outcomeForStatus(status models.JobStatus) queue.Outcome {
	if status == models.StatusCompleted {
		return queue.OutcomeCompleted
	}
	return queue.OutcomeFailed
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

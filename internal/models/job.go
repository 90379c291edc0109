package models

import (
	"fmt"
	"time"
)

// JobStatus enumerates the lifecycle states persisted in the job record store.
// Transitions are monotonic: PENDING -> PROCESSING -> {COMPLETED|FAILED}.
type JobStatus string

const (
	StatusPending    JobStatus = "PENDING"
	StatusProcessing JobStatus = "PROCESSING"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// JobType selects the queue a job is dispatched on and the handler that
// processes it. One durable queue exists per type.
type JobType string

const (
	JobTypeEffect  JobType = "effect_generation"
	JobTypeVideo   JobType = "video_generation"
	JobTypeUpgrade JobType = "upgrade_generation"
)

// JobTypes lists every known job type in queue-enumeration order.
func JobTypes() []JobType {
	return []JobType{JobTypeEffect, JobTypeVideo, JobTypeUpgrade}
}

// KnownJobType reports whether t is one of the supported job types.
func KnownJobType(t JobType) bool {
	switch t {
	case JobTypeEffect, JobTypeVideo, JobTypeUpgrade:
		return true
	}
	return false
}

// ArtifactRef locates a stored generation result.
type ArtifactRef struct {
	Kind     string `json:"kind"` // image, video or document
	Location string `json:"location"`
	MIME     string `json:"mime,omitempty"`
}

// JobPayload carries the generation parameters and the routing information
// needed to deliver the outcome back to the originating conversation.
type JobPayload struct {
	SourceFileRefs  []string `json:"source_file_refs,omitempty"`
	TargetChatID    int64    `json:"target_chat_id"`
	TargetMessageID int64    `json:"target_message_id,omitempty"`
	Locale          string   `json:"locale,omitempty"`
	Effect          string   `json:"effect,omitempty"`
	Resolution      string   `json:"resolution,omitempty"` // "WIDTHxHEIGHT" hint for image results
	Provider        string   `json:"provider,omitempty"`   // generation provider hint
}

// JobRecord is the durable description of one generation request. It is the
// single source of truth for the request's outcome; queue messages and events
// are transient handles around it.
type JobRecord struct {
	ID          string        `json:"id"`
	OwnerID     string        `json:"owner_id"`
	JobType     JobType       `json:"job_type"`
	Payload     JobPayload    `json:"payload"`
	Status      JobStatus     `json:"status"`
	ResultRefs  []ArtifactRef `json:"result_refs,omitempty"`
	Error       string        `json:"error,omitempty"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"max_attempts"`
	DedupKey    string        `json:"dedup_key,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// QueueMessage is the transient broker-owned handle used to dispatch a job
// record to a worker. Attempts counts deliveries, not failures: the first
// delivery observes Attempts == 1.
type QueueMessage struct {
	JobID      string
	Attempts   int
	EnqueuedAt time.Time
}

// SubmitRequest is the submission contract accepted by the pipeline.
type SubmitRequest struct {
	OwnerID     string     `json:"owner_id"`
	JobType     JobType    `json:"job_type"`
	Payload     JobPayload `json:"payload"`
	DedupKey    string     `json:"dedup_key,omitempty"`
	MaxAttempts int        `json:"max_attempts,omitempty"`
}

// ValidationError rejects a malformed submission before any persistence.
// It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid submission: %s %s", e.Field, e.Reason)
}

package generate

import (
	"context"
	"fmt"

	"media-generation-pipeline/internal/models"
)

// Request carries everything a provider needs to run one generation.
type Request struct {
	JobID   string
	JobType models.JobType
	Payload models.JobPayload
}

// Output is the provider's product. Exactly one of Data or SourceURL is
// set: small results come back inline, large ones as a link for the
// artifact store to fetch.
type Output struct {
	Kind      string `json:"kind"` // image, video, document
	MIME      string `json:"mime"`
	Data      []byte `json:"data,omitempty"`
	SourceURL string `json:"url,omitempty"`
}

// Generator produces media for a job. Implementations must honor ctx
// cancellation; the worker bounds each call with a deadline.
type Generator interface {
	Generate(ctx context.Context, req Request) (Output, error)
}

// TerminalError marks a failure that retrying cannot fix, e.g. the
// provider rejected the input. The worker dead-letters the job without
// consuming its remaining attempts.
type TerminalError struct {
	Reason string
	Err    error
}

func (e *TerminalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *TerminalError) Unwrap() error { return e.Err }

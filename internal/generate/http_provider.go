package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPProvider talks to an external generation service over JSON/HTTP.
type HTTPProvider struct {
	baseURL string
	token   string
	client  *http.Client
}

var _ Generator = (*HTTPProvider)(nil)

// NewHTTPProvider points at baseURL, authenticating with token when set.
// The http.Client carries no timeout; callers bound each Generate with
// a context deadline.
func NewHTTPProvider(baseURL, token string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{},
	}
}

type generateRequest struct {
	JobID          string   `json:"job_id"`
	JobType        string   `json:"job_type"`
	Effect         string   `json:"effect,omitempty"`
	Resolution     string   `json:"resolution,omitempty"`
	Provider       string   `json:"provider,omitempty"`
	SourceFileRefs []string `json:"source_file_refs"`
}

func (p *HTTPProvider) Generate(ctx context.Context, req Request) (Output, error) {
	body, err := json.Marshal(generateRequest{
		JobID:          req.JobID,
		JobType:        string(req.JobType),
		Effect:         req.Payload.Effect,
		Resolution:     req.Payload.Resolution,
		Provider:       req.Payload.Provider,
		SourceFileRefs: req.Payload.SourceFileRefs,
	})
	if err != nil {
		return Output{}, fmt.Errorf("marshal generate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return Output{}, fmt.Errorf("build generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Output{}, fmt.Errorf("call provider: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var out Output
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return Output{}, fmt.Errorf("decode provider response: %w", err)
		}
		if len(out.Data) == 0 && out.SourceURL == "" {
			return Output{}, fmt.Errorf("provider returned neither data nor url")
		}
		return out, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		// The provider will reject this input every time.
		return Output{}, &TerminalError{
			Reason: fmt.Sprintf("provider rejected job (%d): %s", resp.StatusCode, readErrorBody(resp.Body)),
		}
	default:
		return Output{}, fmt.Errorf("provider returned %d: %s", resp.StatusCode, readErrorBody(resp.Body))
	}
}

func readErrorBody(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil || len(raw) == 0 {
		return "no body"
	}
	return strings.TrimSpace(string(raw))
}

package generate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"media-generation-pipeline/internal/models"
)

func TestHTTPProviderGenerate(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.JobID != "job-1" || req.Effect != "claymation" {
			t.Errorf("unexpected request: %+v", req)
		}
		json.NewEncoder(w).Encode(Output{Kind: "image", MIME: "image/png", Data: []byte("png-bytes")})
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "secret-token")
	out, err := p.Generate(context.Background(), Request{
		JobID:   "job-1",
		JobType: models.JobTypeEffect,
		Payload: models.JobPayload{Effect: "claymation", SourceFileRefs: []string{"file-1"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out.Kind != "image" || string(out.Data) != "png-bytes" {
		t.Fatalf("output = %+v", out)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("auth header = %q", gotAuth)
	}
}

func TestHTTPProviderRejectionIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"unsupported effect"}`, http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "")
	_, err := p.Generate(context.Background(), Request{JobID: "job-1", JobType: models.JobTypeEffect})
	if err == nil {
		t.Fatal("expected error")
	}
	var terminal *TerminalError
	if !errors.As(err, &terminal) {
		t.Fatalf("err = %v, want TerminalError", err)
	}
}

func TestHTTPProviderServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream melted", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "")
	_, err := p.Generate(context.Background(), Request{JobID: "job-1", JobType: models.JobTypeVideo})
	if err == nil {
		t.Fatal("expected error")
	}
	var terminal *TerminalError
	if errors.As(err, &terminal) {
		t.Fatalf("5xx should be retryable, got terminal: %v", err)
	}
}

func TestHTTPProviderRateLimitIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "")
	_, err := p.Generate(context.Background(), Request{JobID: "job-1", JobType: models.JobTypeVideo})
	if err == nil {
		t.Fatal("expected error")
	}
	var terminal *TerminalError
	if errors.As(err, &terminal) {
		t.Fatalf("429 should be retryable, got terminal: %v", err)
	}
}

func TestHTTPProviderEmptyResultIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Output{Kind: "image", MIME: "image/png"})
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "")
	if _, err := p.Generate(context.Background(), Request{JobID: "job-1"}); err == nil {
		t.Fatal("expected error for empty output")
	}
}

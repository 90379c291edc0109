package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"media-generation-pipeline/internal/config"
	"media-generation-pipeline/internal/models"
	"media-generation-pipeline/internal/stats"
	"media-generation-pipeline/internal/store"
	"media-generation-pipeline/internal/submit"
	"media-generation-pipeline/internal/telemetry"
)

// Server wires HTTP handlers for the submission API.
type Server struct {
	cfg       config.Config
	submitter *submit.Service
	store     store.Store
	stats     *stats.Collector
}

// New constructs the API server.
func New(cfg config.Config, submitter *submit.Service, st store.Store, collector *stats.Collector) *Server {
	return &Server{
		cfg:       cfg,
		submitter: submitter,
		store:     st,
		stats:     collector,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/stats", s.handleStats)
	return r
}

type submitRequest struct {
	OwnerID     string            `json:"owner_id"`
	JobType     string            `json:"job_type"`
	Payload     models.JobPayload `json:"payload"`
	DedupKey    string            `json:"dedup_key"`
	MaxAttempts int               `json:"max_attempts"`
}

type submitResponse struct {
	Job      models.JobRecord `json:"job"`
	Existing bool             `json:"existing"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" {
		req.OwnerID = r.Header.Get("X-Owner-ID")
	}

	rec, existing, err := s.submitter.Submit(r.Context(), models.SubmitRequest{
		OwnerID:     req.OwnerID,
		JobType:     models.JobType(req.JobType),
		Payload:     req.Payload,
		DedupKey:    req.DedupKey,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		var verr *models.ValidationError
		switch {
		case errors.As(err, &verr):
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": verr.Reason,
				"field": verr.Field,
			})
		case errors.Is(err, submit.ErrRateLimited):
			http.Error(w, "rate limited", http.StatusTooManyRequests)
		default:
			slog.Error("submit failed", "err", err)
			http.Error(w, "submit failed", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{Job: rec, Existing: existing})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		slog.Error("load job", "job_id", id, "err", err)
		http.Error(w, "load job failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap, err := s.stats.Snapshot(r.Context())
	if err != nil {
		slog.Warn("stats snapshot incomplete", "err", err)
		if len(snap.Queues) == 0 && snap.DB == nil {
			http.Error(w, "stats unavailable", http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"media-generation-pipeline/internal/models"
)

// InMemoryStore implements Store with process-local maps. It backs unit
// tests and throwaway environments; nothing survives a restart.
type InMemoryStore struct {
	mu    sync.Mutex
	jobs  map[string]models.JobRecord
	dedup map[string]string // dedup key -> job id
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		jobs:  make(map[string]models.JobRecord),
		dedup: make(map[string]string),
	}
}

func (s *InMemoryStore) Close() error { return nil }

// Put overwrites a record verbatim. Test seeding only.
func (s *InMemoryStore) Put(rec models.JobRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[rec.ID] = rec
	if rec.DedupKey != "" {
		s.dedup[rec.DedupKey] = rec.ID
	}
}

func (s *InMemoryStore) CreateJob(_ context.Context, p CreateJobParams) (models.JobRecord, bool, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p.DedupKey != "" {
		if id, ok := s.dedup[p.DedupKey]; ok {
			if existing, ok := s.jobs[id]; ok && !existing.Status.Terminal() {
				return existing, true, nil
			}
		}
	}

	now := time.Now().UTC()
	rec := models.JobRecord{
		ID:          uuid.New().String(),
		OwnerID:     p.OwnerID,
		JobType:     p.JobType,
		Payload:     p.Payload,
		Status:      models.StatusPending,
		Attempts:    0,
		MaxAttempts: p.MaxAttempts,
		DedupKey:    p.DedupKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[rec.ID] = rec
	if p.DedupKey != "" {
		s.dedup[p.DedupKey] = rec.ID
	}
	return rec, false, nil
}

func (s *InMemoryStore) GetJob(_ context.Context, id string) (models.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return models.JobRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *InMemoryStore) ClaimProcessing(_ context.Context, id string, attempts int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok || rec.Status.Terminal() {
		return false, nil
	}
	rec.Status = models.StatusProcessing
	rec.Attempts = attempts
	rec.UpdatedAt = time.Now().UTC()
	s.jobs[id] = rec
	return true, nil
}

func (s *InMemoryStore) CompleteJob(_ context.Context, id string, refs []models.ArtifactRef) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok || rec.Status != models.StatusProcessing {
		return false, nil
	}
	rec.Status = models.StatusCompleted
	rec.ResultRefs = refs
	rec.UpdatedAt = time.Now().UTC()
	s.jobs[id] = rec
	return true, nil
}

func (s *InMemoryStore) FailJob(_ context.Context, id string, diagnostic string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok || rec.Status.Terminal() {
		return false, nil
	}
	rec.Status = models.StatusFailed
	rec.Error = diagnostic
	rec.UpdatedAt = time.Now().UTC()
	s.jobs[id] = rec
	return true, nil
}

func (s *InMemoryStore) ExpireStale(_ context.Context, cutoff time.Time, diagnostic string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	now := time.Now().UTC()
	for id, rec := range s.jobs {
		if rec.Status.Terminal() || !rec.UpdatedAt.Before(cutoff) {
			continue
		}
		rec.Status = models.StatusFailed
		rec.Error = diagnostic
		rec.UpdatedAt = now
		s.jobs[id] = rec
		n++
	}
	return n, nil
}

func (s *InMemoryStore) FailNonTerminal(_ context.Context, diagnostic string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	now := time.Now().UTC()
	for id, rec := range s.jobs {
		if rec.Status.Terminal() {
			continue
		}
		rec.Status = models.StatusFailed
		rec.Error = diagnostic
		rec.UpdatedAt = now
		s.jobs[id] = rec
		n++
	}
	return n, nil
}

func (s *InMemoryStore) CountByStatus(_ context.Context) (map[models.JobStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := statusZeroCounts()
	for _, rec := range s.jobs {
		counts[rec.Status]++
	}
	return counts, nil
}

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"media-generation-pipeline/internal/config"
	"media-generation-pipeline/internal/models"
)

// ErrNotFound is returned when no job record exists for the given id.
var ErrNotFound = errors.New("job record not found")

// CreateJobParams collects the inputs required to insert a job record.
type CreateJobParams struct {
	OwnerID     string
	JobType     models.JobType
	Payload     models.JobPayload
	MaxAttempts int
	DedupKey    string
}

// Store is the job record store: the single source of truth for every
// generation request. All status writes are conditional so that workers and
// the sweeper can run concurrently without a global lock.
type Store interface {
	// CreateJob inserts a PENDING record. When DedupKey is set and a
	// non-terminal record already carries that key, the existing record is
	// returned and the boolean is true.
	CreateJob(ctx context.Context, p CreateJobParams) (models.JobRecord, bool, error)

	// GetJob fetches a record by id, ErrNotFound when absent.
	GetJob(ctx context.Context, id string) (models.JobRecord, error)

	// ClaimProcessing transitions a non-terminal record to PROCESSING,
	// records the delivery attempt count observed by the worker, and
	// refreshes updated_at. Returns false when the record is already
	// terminal, in which case the caller must apply no side effects.
	ClaimProcessing(ctx context.Context, id string, attempts int) (bool, error)

	// CompleteJob transitions PROCESSING -> COMPLETED and stores the result
	// refs. Returns false when the record was not in PROCESSING (the write
	// is skipped and the caller must not emit events).
	CompleteJob(ctx context.Context, id string, refs []models.ArtifactRef) (bool, error)

	// FailJob transitions a non-terminal record to FAILED with a diagnostic.
	// Returns false when the record was already terminal.
	FailJob(ctx context.Context, id string, diagnostic string) (bool, error)

	// ExpireStale fails every non-terminal record whose updated_at is older
	// than cutoff, recording the diagnostic. Returns the number repaired.
	ExpireStale(ctx context.Context, cutoff time.Time, diagnostic string) (int64, error)

	// FailNonTerminal fails every PENDING or PROCESSING record regardless of
	// age. Used by the full cleanup.
	FailNonTerminal(ctx context.Context, diagnostic string) (int64, error)

	// CountByStatus returns a count per status, including zero counts.
	CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error)

	Close() error
}

// Open builds the store selected by DATABASE_DRIVER and runs its migrations.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.DatabaseDriver {
	case "sqlite":
		return NewSQLiteStore(cfg.SQLitePath)
	case "postgres", "":
		s, err := NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := s.RunMigrations(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.DatabaseDriver)
	}
}

func statusZeroCounts() map[models.JobStatus]int64 {
	return map[models.JobStatus]int64{
		models.StatusPending:    0,
		models.StatusProcessing: 0,
		models.StatusCompleted:  0,
		models.StatusFailed:     0,
	}
}

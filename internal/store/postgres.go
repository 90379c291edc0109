package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"media-generation-pipeline/internal/models"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// PostgresStore persists job records in Postgres via pgxpool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a pooled connection to Postgres.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// RunMigrations executes the embedded SQL migrations in order.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, p CreateJobParams) (models.JobRecord, bool, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}

	// Fast path: an active record already holds the dedup key.
	if p.DedupKey != "" {
		existing, found, err := s.findActiveByDedupKey(ctx, p.DedupKey)
		if err != nil {
			return models.JobRecord{}, false, err
		}
		if found {
			return existing, true, nil
		}
	}

	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.JobRecord{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.JobRecord{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO generation_jobs (id, owner_id, job_type, payload, status, error, attempts, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, '', 0, $6, $7, $7)
	`, id, p.OwnerID, string(p.JobType), payloadJSON, string(models.StatusPending), p.MaxAttempts, now)
	if err != nil {
		return models.JobRecord{}, false, fmt.Errorf("insert job: %w", err)
	}

	if p.DedupKey != "" {
		// Claim the key, stealing it only from terminal records. Zero rows
		// means a concurrent submit won the key after the initial check.
		tag, err := tx.Exec(ctx, `
			INSERT INTO generation_dedup_keys (key, job_id)
			VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET job_id = EXCLUDED.job_id
			WHERE (SELECT g.status FROM generation_jobs g WHERE g.id = generation_dedup_keys.job_id) IN ('COMPLETED', 'FAILED')
		`, p.DedupKey, id)
		if err != nil {
			return models.JobRecord{}, false, fmt.Errorf("claim dedup key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			if err := tx.Rollback(ctx); err != nil {
				return models.JobRecord{}, false, fmt.Errorf("rollback after dedup conflict: %w", err)
			}
			existing, found, err := s.findActiveByDedupKey(ctx, p.DedupKey)
			if err != nil {
				return models.JobRecord{}, false, err
			}
			if !found {
				return models.JobRecord{}, false, errors.New("dedup conflict but no active job found")
			}
			return existing, true, nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.JobRecord{}, false, fmt.Errorf("commit: %w", err)
	}

	return models.JobRecord{
		ID:          id,
		OwnerID:     p.OwnerID,
		JobType:     p.JobType,
		Payload:     p.Payload,
		Status:      models.StatusPending,
		Attempts:    0,
		MaxAttempts: p.MaxAttempts,
		DedupKey:    p.DedupKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, false, nil
}

func (s *PostgresStore) findActiveByDedupKey(ctx context.Context, key string) (models.JobRecord, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT j.id FROM generation_jobs j
		JOIN generation_dedup_keys k ON k.job_id = j.id
		WHERE k.key = $1 AND j.status IN ('PENDING', 'PROCESSING')
	`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobRecord{}, false, nil
	}
	if err != nil {
		return models.JobRecord{}, false, fmt.Errorf("query dedup key: %w", err)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.JobRecord{}, false, err
	}
	return job, true, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (models.JobRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT j.id, j.owner_id, j.job_type, j.payload, j.status, j.result_refs, j.error, j.attempts, j.max_attempts, j.created_at, j.updated_at, k.key
		FROM generation_jobs j
		LEFT JOIN generation_dedup_keys k ON k.job_id = j.id
		WHERE j.id = $1
	`, id)

	var job models.JobRecord
	var jobType, status string
	var payloadJSON []byte
	var refsJSON []byte
	var dedup pgtype.Text

	if err := row.Scan(&job.ID, &job.OwnerID, &jobType, &payloadJSON, &status, &refsJSON, &job.Error, &job.Attempts, &job.MaxAttempts, &job.CreatedAt, &job.UpdatedAt, &dedup); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.JobRecord{}, ErrNotFound
		}
		return models.JobRecord{}, fmt.Errorf("scan job: %w", err)
	}

	job.JobType = models.JobType(jobType)
	job.Status = models.JobStatus(status)
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.JobRecord{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if len(refsJSON) > 0 {
		if err := json.Unmarshal(refsJSON, &job.ResultRefs); err != nil {
			return models.JobRecord{}, fmt.Errorf("unmarshal result refs: %w", err)
		}
	}
	if dedup.Valid {
		job.DedupKey = dedup.String
	}
	return job, nil
}

func (s *PostgresStore) ClaimProcessing(ctx context.Context, id string, attempts int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE generation_jobs
		SET status = $2, attempts = $3, updated_at = NOW()
		WHERE id = $1 AND status IN ('PENDING', 'PROCESSING')
	`, id, string(models.StatusProcessing), attempts)
	if err != nil {
		return false, fmt.Errorf("claim processing: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id string, refs []models.ArtifactRef) (bool, error) {
	refsJSON, err := json.Marshal(refs)
	if err != nil {
		return false, fmt.Errorf("marshal result refs: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE generation_jobs
		SET status = $2, result_refs = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'PROCESSING'
	`, id, string(models.StatusCompleted), refsJSON)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) FailJob(ctx context.Context, id string, diagnostic string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE generation_jobs
		SET status = $2, error = $3, updated_at = NOW()
		WHERE id = $1 AND status IN ('PENDING', 'PROCESSING')
	`, id, string(models.StatusFailed), diagnostic)
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ExpireStale(ctx context.Context, cutoff time.Time, diagnostic string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE generation_jobs
		SET status = $1, error = $2, updated_at = NOW()
		WHERE status IN ('PENDING', 'PROCESSING') AND updated_at < $3
	`, string(models.StatusFailed), diagnostic, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("expire stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) FailNonTerminal(ctx context.Context, diagnostic string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE generation_jobs
		SET status = $1, error = $2, updated_at = NOW()
		WHERE status IN ('PENDING', 'PROCESSING')
	`, string(models.StatusFailed), diagnostic)
	if err != nil {
		return 0, fmt.Errorf("fail non-terminal jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM generation_jobs GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := statusZeroCounts()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[models.JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"media-generation-pipeline/internal/models"
)

//go:embed migrations_sqlite.sql
var sqliteSchema string

// SQLiteStore persists job records in a local SQLite file. It is the
// default driver for development and single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at path and
// applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent workers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateJob(ctx context.Context, p CreateJobParams) (models.JobRecord, bool, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}

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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.JobRecord{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO generation_jobs (id, owner_id, job_type, payload, status, error, attempts, max_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, '', 0, ?, ?, ?)
	`, id, p.OwnerID, string(p.JobType), string(payloadJSON), string(models.StatusPending), p.MaxAttempts, now, now)
	if err != nil {
		return models.JobRecord{}, false, fmt.Errorf("insert job: %w", err)
	}

	if p.DedupKey != "" {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO generation_dedup_keys (key, job_id)
			VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET job_id = excluded.job_id
			WHERE (SELECT status FROM generation_jobs WHERE id = generation_dedup_keys.job_id) IN ('COMPLETED', 'FAILED')
		`, p.DedupKey, id)
		if err != nil {
			return models.JobRecord{}, false, fmt.Errorf("claim dedup key: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return models.JobRecord{}, false, fmt.Errorf("dedup rows affected: %w", err)
		}
		if n == 0 {
			if err := tx.Rollback(); err != nil {
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

	if err := tx.Commit(); err != nil {
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

func (s *SQLiteStore) findActiveByDedupKey(ctx context.Context, key string) (models.JobRecord, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT j.id FROM generation_jobs j
		JOIN generation_dedup_keys k ON k.job_id = j.id
		WHERE k.key = ? AND j.status IN ('PENDING', 'PROCESSING')
	`, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
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

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (models.JobRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT j.id, j.owner_id, j.job_type, j.payload, j.status, j.result_refs, j.error, j.attempts, j.max_attempts, j.created_at, j.updated_at, k.key
		FROM generation_jobs j
		LEFT JOIN generation_dedup_keys k ON k.job_id = j.id
		WHERE j.id = ?
	`, id)

	var job models.JobRecord
	var jobType, status, payloadJSON string
	var refsJSON sql.NullString
	var dedup sql.NullString

	if err := row.Scan(&job.ID, &job.OwnerID, &jobType, &payloadJSON, &status, &refsJSON, &job.Error, &job.Attempts, &job.MaxAttempts, &job.CreatedAt, &job.UpdatedAt, &dedup); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.JobRecord{}, ErrNotFound
		}
		return models.JobRecord{}, fmt.Errorf("scan job: %w", err)
	}

	job.JobType = models.JobType(jobType)
	job.Status = models.JobStatus(status)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	if err := json.Unmarshal([]byte(payloadJSON), &job.Payload); err != nil {
		return models.JobRecord{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if refsJSON.Valid && refsJSON.String != "" {
		if err := json.Unmarshal([]byte(refsJSON.String), &job.ResultRefs); err != nil {
			return models.JobRecord{}, fmt.Errorf("unmarshal result refs: %w", err)
		}
	}
	if dedup.Valid {
		job.DedupKey = dedup.String
	}
	return job, nil
}

func (s *SQLiteStore) ClaimProcessing(ctx context.Context, id string, attempts int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE generation_jobs
		SET status = ?, attempts = ?, updated_at = ?
		WHERE id = ? AND status IN ('PENDING', 'PROCESSING')
	`, string(models.StatusProcessing), attempts, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("claim processing: %w", err)
	}
	return oneRowChanged(res)
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, id string, refs []models.ArtifactRef) (bool, error) {
	refsJSON, err := json.Marshal(refs)
	if err != nil {
		return false, fmt.Errorf("marshal result refs: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE generation_jobs
		SET status = ?, result_refs = ?, updated_at = ?
		WHERE id = ? AND status = 'PROCESSING'
	`, string(models.StatusCompleted), string(refsJSON), time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	return oneRowChanged(res)
}

func (s *SQLiteStore) FailJob(ctx context.Context, id string, diagnostic string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE generation_jobs
		SET status = ?, error = ?, updated_at = ?
		WHERE id = ? AND status IN ('PENDING', 'PROCESSING')
	`, string(models.StatusFailed), diagnostic, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	return oneRowChanged(res)
}

func (s *SQLiteStore) ExpireStale(ctx context.Context, cutoff time.Time, diagnostic string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE generation_jobs
		SET status = ?, error = ?, updated_at = ?
		WHERE status IN ('PENDING', 'PROCESSING') AND updated_at < ?
	`, string(models.StatusFailed), diagnostic, time.Now().UTC(), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("expire stale jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) FailNonTerminal(ctx context.Context, diagnostic string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE generation_jobs
		SET status = ?, error = ?, updated_at = ?
		WHERE status IN ('PENDING', 'PROCESSING')
	`, string(models.StatusFailed), diagnostic, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("fail non-terminal jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
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

func oneRowChanged(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

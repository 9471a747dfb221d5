package joblog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	domain "github.com/ahmethakanbesel/price-backfill/internal/joblog"
)

const defaultLimit = 200

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Append(ctx context.Context, e *domain.Entry) error {
	details := []byte("{}")
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("append job log: encode details: %w", err)
		}
		details = b
	}

	const query = `INSERT INTO backfill_job_logs (job_id, level, message, details)
		VALUES (?, ?, ?, ?)
		RETURNING id, created_at`

	var createdStr string
	if err := r.db.QueryRowContext(ctx, query, e.JobID, string(e.Level), e.Message, string(details)).
		Scan(&e.ID, &createdStr); err != nil {
		return fmt.Errorf("append job log: %w", err)
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	return nil
}

func (r *Repository) List(ctx context.Context, jobID string, limit int) ([]domain.Entry, error) {
	if limit <= 0 {
		limit = defaultLimit
	}

	const query = `SELECT id, job_id, level, message, details, created_at
		FROM backfill_job_logs
		WHERE job_id = ?
		ORDER BY id DESC
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list job logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []domain.Entry
	for rows.Next() {
		var e domain.Entry
		var level, details, createdStr string
		if err := rows.Scan(&e.ID, &e.JobID, &level, &e.Message, &details, &createdStr); err != nil {
			return nil, fmt.Errorf("scan job log: %w", err)
		}
		e.Level = domain.Level(level)
		if details != "" && details != "{}" {
			if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
				return nil, fmt.Errorf("decode job log details: %w", err)
			}
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

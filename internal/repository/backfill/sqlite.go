package backfill

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/ahmethakanbesel/price-backfill/internal/backfill"
)

const (
	timeFormat = "2006-01-02T15:04:05Z"
	nowExpr    = "strftime('%Y-%m-%dT%H:%M:%SZ', 'now')"

	selectColumns = `SELECT id, job_type, source_id, config, status,
		progress_percent, total_items, items_processed, items_succeeded,
		items_failed, items_skipped, records_inserted, failed_items,
		checkpoint_data, error_message, error_details, run_id, created_by,
		created_at, updated_at, started_at, completed_at
		FROM backfill_jobs`

	claimQuery = `UPDATE backfill_jobs SET status = 'running', run_id = ?,
		started_at = COALESCE(started_at, ` + nowExpr + `),
		updated_at = ` + nowExpr + `
		WHERE id = ? AND status = 'pending'`
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, j *domain.Job) error {
	cfg, err := json.Marshal(j.Config)
	if err != nil {
		return fmt.Errorf("create job: encode config: %w", err)
	}

	const query = `INSERT INTO backfill_jobs (id, job_type, source_id, config, status, total_items, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING created_at, updated_at`

	var createdStr, updatedStr string
	err = r.db.QueryRowContext(ctx, query,
		j.ID, string(j.JobType), j.SourceID, string(cfg), string(j.Status), j.TotalItems, j.CreatedBy,
	).Scan(&createdStr, &updatedStr)
	if err != nil {
		if isActiveSourceConflict(err) {
			return domain.ErrActiveJobExists
		}
		return fmt.Errorf("create job: %w", err)
	}

	j.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	j.UpdatedAt, _ = time.Parse(time.RFC3339, updatedStr)
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*domain.Job, error) {
	j, err := scanJob(r.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (r *Repository) List(ctx context.Context, f domain.ListFilter) ([]domain.Job, int, error) {
	where := " WHERE 1=1"
	var args []any
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.SourceID != 0 {
		where += " AND source_id = ?"
		args = append(args, f.SourceID)
	}
	if f.JobType != "" {
		where += " AND job_type = ?"
		args = append(args, string(f.JobType))
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM backfill_jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = domain.DefaultListLimit
	}
	query := selectColumns + where + ` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`
	rows, err := r.db.QueryContext(ctx, query, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	jobs := make([]domain.Job, 0, limit)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, total, rows.Err()
}

func (r *Repository) Stats(ctx context.Context) (*domain.Stats, error) {
	const query = `SELECT status, COUNT(*), COALESCE(SUM(records_inserted), 0)
		FROM backfill_jobs GROUP BY status`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := &domain.Stats{ByStatus: make(map[domain.Status]int)}
	for rows.Next() {
		var status string
		var count int
		var records int64
		if err := rows.Scan(&status, &count, &records); err != nil {
			return nil, fmt.Errorf("scan job stats: %w", err)
		}
		stats.ByStatus[domain.Status(status)] = count
		stats.TotalJobs += count
		stats.TotalRecordsInserted += records
	}
	return stats, rows.Err()
}

func (r *Repository) FindActiveBySource(ctx context.Context, sourceID int64) (*domain.Job, error) {
	in, args := inClause(domain.ActiveStatuses)
	query := selectColumns + ` WHERE source_id = ? AND status IN (` + in + `) LIMIT 1`

	j, err := scanJob(r.db.QueryRowContext(ctx, query, append([]any{sourceID}, args...)...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active job: %w", err)
	}
	return j, nil
}

func (r *Repository) TransitionStatus(ctx context.Context, id string, from []domain.Status, to domain.Status) (bool, error) {
	set := []string{"status = ?", "updated_at = " + nowExpr}
	if to == domain.StatusRunning {
		set = append(set, "started_at = COALESCE(started_at, "+nowExpr+")")
	}
	if to.Terminal() {
		set = append(set, "completed_at = "+nowExpr)
	}
	if to == domain.StatusPending {
		set = append(set, "run_id = NULL")
	}

	in, inArgs := inClause(from)
	query := `UPDATE backfill_jobs SET ` + strings.Join(set, ", ") + ` WHERE id = ? AND status IN (` + in + `)`
	args := append([]any{string(to), id}, inArgs...)

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isActiveSourceConflict(err) {
			return false, domain.ErrActiveJobExists
		}
		return false, fmt.Errorf("transition job to %s: %w", to, err)
	}
	return affected(res)
}

func (r *Repository) SaveProgress(ctx context.Context, id, runID string, p domain.Progress, allowed []domain.Status) (bool, error) {
	failed, err := encodeFailedItems(p.FailedItems)
	if err != nil {
		return false, err
	}

	set := []string{
		"progress_percent = ?", "items_processed = ?", "items_succeeded = ?",
		"items_failed = ?", "items_skipped = ?", "records_inserted = ?",
		"failed_items = ?", "updated_at = " + nowExpr,
	}
	args := append(counterArgs(p.ProgressPercent, p.Counters), failed)
	if p.Checkpoint != nil {
		cp, err := json.Marshal(p.Checkpoint)
		if err != nil {
			return false, fmt.Errorf("save progress: encode checkpoint: %w", err)
		}
		set = append(set, "checkpoint_data = ?")
		args = append(args, string(cp))
	}

	in, inArgs := inClause(allowed)
	query := `UPDATE backfill_jobs SET ` + strings.Join(set, ", ") + ` WHERE id = ? AND run_id = ? AND status IN (` + in + `)`
	args = append(append(args, id, runID), inArgs...)

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("save progress: %w", err)
	}
	return affected(res)
}

func (r *Repository) Finish(ctx context.Context, id, runID string, o domain.Outcome, from []domain.Status) (bool, error) {
	failed, err := encodeFailedItems(o.FailedItems)
	if err != nil {
		return false, err
	}

	set := []string{
		"progress_percent = ?", "items_processed = ?", "items_succeeded = ?",
		"items_failed = ?", "items_skipped = ?", "records_inserted = ?",
		"failed_items = ?", "status = ?", "error_message = ?", "error_details = ?",
		"updated_at = " + nowExpr, "completed_at = " + nowExpr,
	}
	if o.ClearCheckpoint {
		set = append(set, "checkpoint_data = NULL")
	}
	args := append(counterArgs(o.ProgressPercent, o.Counters), failed,
		string(o.Status), nullString(o.ErrorMessage), nullString(o.ErrorDetails))

	in, inArgs := inClause(from)
	query := `UPDATE backfill_jobs SET ` + strings.Join(set, ", ") + ` WHERE id = ? AND run_id = ? AND status IN (` + in + `)`
	args = append(append(args, id, runID), inArgs...)

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("finish job: %w", err)
	}
	return affected(res)
}

func (r *Repository) Delete(ctx context.Context, id string) (bool, error) {
	in, inArgs := inClause(domain.TerminalStatuses)
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM backfill_jobs WHERE id = ? AND status IN (`+in+`)`,
		append([]any{id}, inArgs...)...,
	)
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	return affected(res)
}

func (r *Repository) Claim(ctx context.Context, id, runID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, claimQuery, runID, id)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	return affected(res)
}

func (r *Repository) ClaimPending(ctx context.Context, runID string) (*domain.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim pending: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM backfill_jobs WHERE status = 'pending' ORDER BY created_at ASC, rowid ASC LIMIT 1`,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim pending: select: %w", err)
	}

	if _, err = tx.ExecContext(ctx, claimQuery, runID, id); err != nil {
		return nil, fmt.Errorf("claim pending: update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim pending: commit: %w", err)
	}

	return r.Get(ctx, id)
}

func (r *Repository) RecoverStale(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `UPDATE backfill_jobs SET status = 'pending', run_id = NULL, updated_at = ` + nowExpr + `
		WHERE status = 'running' AND updated_at <= ?`

	res, err := r.db.ExecContext(ctx, query, cutoff.UTC().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*domain.Job, error) {
	j := &domain.Job{}
	var jobType, cfg, status, failed string
	var checkpoint, errMsg, errDetails, runID, startedStr, completedStr sql.NullString
	var createdStr, updatedStr string

	err := s.Scan(
		&j.ID, &jobType, &j.SourceID, &cfg, &status,
		&j.ProgressPercent, &j.TotalItems, &j.ItemsProcessed, &j.ItemsSucceeded,
		&j.ItemsFailed, &j.ItemsSkipped, &j.RecordsInserted, &failed,
		&checkpoint, &errMsg, &errDetails, &runID, &j.CreatedBy,
		&createdStr, &updatedStr, &startedStr, &completedStr,
	)
	if err != nil {
		return nil, err
	}

	j.JobType = domain.JobType(jobType)
	j.Status = domain.Status(status)
	if err := json.Unmarshal([]byte(cfg), &j.Config); err != nil {
		return nil, fmt.Errorf("decode config of job %s: %w", j.ID, err)
	}
	if err := json.Unmarshal([]byte(failed), &j.FailedItems); err != nil {
		return nil, fmt.Errorf("decode failed items of job %s: %w", j.ID, err)
	}
	if checkpoint.Valid && checkpoint.String != "" {
		j.Checkpoint = &domain.Checkpoint{}
		if err := json.Unmarshal([]byte(checkpoint.String), j.Checkpoint); err != nil {
			return nil, fmt.Errorf("decode checkpoint of job %s: %w", j.ID, err)
		}
	}
	j.ErrorMessage = errMsg.String
	j.ErrorDetails = errDetails.String
	j.RunID = runID.String
	j.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	j.UpdatedAt, _ = time.Parse(time.RFC3339, updatedStr)
	j.StartedAt = parseNullTime(startedStr)
	j.CompletedAt = parseNullTime(completedStr)
	return j, nil
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func counterArgs(percent int, c domain.Counters) []any {
	return []any{percent, c.ItemsProcessed, c.ItemsSucceeded, c.ItemsFailed, c.ItemsSkipped, c.RecordsInserted}
}

func encodeFailedItems(items []domain.FailedItem) (string, error) {
	if len(items) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("encode failed items: %w", err)
	}
	return string(b), nil
}

func inClause(statuses []domain.Status) (string, []any) {
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	return strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", "), args
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// isActiveSourceConflict reports a violation of the one-active-job-per-source
// index.
func isActiveSourceConflict(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed: backfill_jobs.source_id")
}

package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	domain "github.com/ahmethakanbesel/price-backfill/internal/snapshot"
)

const (
	timeFormat = time.RFC3339
	batchSize  = 500
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// InsertIgnoringDuplicates inserts all snapshots in a single transaction.
// Only conflicts on the snapshot key are ignored; NOT NULL or CHECK
// violations still fail, unlike INSERT OR IGNORE.
func (r *Repository) InsertIgnoringDuplicates(ctx context.Context, snapshots []domain.Snapshot) (int64, error) {
	if len(snapshots) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("insert snapshots: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	for i := 0; i < len(snapshots); i += batchSize {
		batch := snapshots[i:min(i+batchSize, len(snapshots))]

		placeholders := make([]string, len(batch))
		args := make([]any, 0, len(batch)*9)
		for j, s := range batch {
			placeholders[j] = "(?, ?, ?, ?, ?, ?, ?, ?, ?)"
			args = append(args,
				s.Retailer, s.Province, s.Product,
				s.BuyPrice, s.SellPrice, s.Unit,
				s.CreatedAt.UTC().Format(timeFormat),
				nullString(s.SourceJobID), s.IsBackfilled,
			)
		}

		query := fmt.Sprintf( //nolint:gosec // placeholders are not user input
			`INSERT INTO price_snapshots
				(retailer, province, product, buy_price, sell_price, unit, created_at, source_job_id, is_backfilled)
			VALUES %s
			ON CONFLICT(retailer, province, product, created_at) DO NOTHING`,
			strings.Join(placeholders, ", "),
		)

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("insert snapshots: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("insert snapshots: rows affected: %w", err)
		}
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("insert snapshots: commit: %w", err)
	}
	return total, nil
}

func (r *Repository) List(ctx context.Context, f domain.Filter) ([]domain.Snapshot, error) {
	query := `SELECT id, retailer, province, product, buy_price, sell_price, unit,
		created_at, source_job_id, is_backfilled
		FROM price_snapshots WHERE 1=1`

	var args []any
	if f.Retailer != "" {
		query += " AND retailer = ?"
		args = append(args, f.Retailer)
	}
	if f.Province != "" {
		query += " AND province = ?"
		args = append(args, f.Province)
	}
	if f.Product != "" {
		query += " AND product = ?"
		args = append(args, f.Product)
	}
	if f.SourceJobID != "" {
		query += " AND source_job_id = ?"
		args = append(args, f.SourceJobID)
	}
	if !f.From.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, f.From.UTC().Format(timeFormat))
	}
	if !f.To.IsZero() {
		query += " AND created_at <= ?"
		args = append(args, f.To.UTC().Format(timeFormat))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += " ORDER BY created_at ASC, id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Snapshot
	for rows.Next() {
		var s domain.Snapshot
		var createdStr string
		var jobID sql.NullString
		if err := rows.Scan(&s.ID, &s.Retailer, &s.Province, &s.Product,
			&s.BuyPrice, &s.SellPrice, &s.Unit, &createdStr, &jobID, &s.IsBackfilled); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		s.CreatedAt, _ = time.Parse(timeFormat, createdStr)
		s.SourceJobID = jobID.String
		out = append(out, s)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

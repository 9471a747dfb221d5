package source

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/ahmethakanbesel/price-backfill/internal/platform/sqlite"
	domain "github.com/ahmethakanbesel/price-backfill/internal/source"
)

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: sqlx.NewDb(db, sqlite.DriverName)}
}

type sourceRow struct {
	domain.Source
	HeadersJSON string `db:"headers"`
}

func (r sourceRow) toDomain() (*domain.Source, error) {
	s := r.Source
	s.Headers = map[string]string{}
	if r.HeadersJSON != "" {
		if err := json.Unmarshal([]byte(r.HeadersJSON), &s.Headers); err != nil {
			return nil, fmt.Errorf("decode headers for source %d: %w", s.ID, err)
		}
	}
	return &s, nil
}

const sourceColumns = `id, name, api_url, api_type, headers, timeout_seconds, rate_limit_per_minute, enabled`

func (r *Repository) GetSource(ctx context.Context, id int64) (*domain.Source, error) {
	var row sourceRow
	err := r.db.GetContext(ctx, &row, `SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("source %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get source: %w", err)
	}
	return row.toDomain()
}

func (r *Repository) GetSourceByName(ctx context.Context, name string) (*domain.Source, error) {
	var row sourceRow
	err := r.db.GetContext(ctx, &row, `SELECT `+sourceColumns+` FROM sources WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("source %q: %w", name, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get source by name: %w", err)
	}
	return row.toDomain()
}

const mappingColumns = `id, source_id, external_code, retailer_id, province_id, product_id, enabled`

func (r *Repository) GetMapping(ctx context.Context, id int64) (*domain.TypeMapping, error) {
	var m domain.TypeMapping
	err := r.db.GetContext(ctx, &m, `SELECT `+mappingColumns+` FROM type_mappings WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("type mapping %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get type mapping: %w", err)
	}
	return &m, nil
}

func (r *Repository) enabledMappingsQuery(selectList string, sourceID int64, codes []string) (string, []any, error) {
	query := `SELECT ` + selectList + ` FROM type_mappings WHERE source_id = ? AND enabled = 1`
	args := []any{sourceID}
	if len(codes) > 0 {
		q, inArgs, err := sqlx.In(` AND external_code IN (?)`, codes)
		if err != nil {
			return "", nil, fmt.Errorf("build code filter: %w", err)
		}
		query += q
		args = append(args, inArgs...)
	}
	return r.db.Rebind(query), args, nil
}

func (r *Repository) ListEnabledMappings(ctx context.Context, sourceID int64, codes []string) ([]domain.TypeMapping, error) {
	query, args, err := r.enabledMappingsQuery(mappingColumns, sourceID, codes)
	if err != nil {
		return nil, err
	}
	var mappings []domain.TypeMapping
	if err := r.db.SelectContext(ctx, &mappings, query+` ORDER BY id ASC`, args...); err != nil {
		return nil, fmt.Errorf("list enabled mappings: %w", err)
	}
	return mappings, nil
}

func (r *Repository) CountEnabledMappings(ctx context.Context, sourceID int64, codes []string) (int, error) {
	query, args, err := r.enabledMappingsQuery(`COUNT(*)`, sourceID, codes)
	if err != nil {
		return 0, err
	}
	var n int
	if err := r.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("count enabled mappings: %w", err)
	}
	return n, nil
}

func (r *Repository) entity(ctx context.Context, table string, id int64) (domain.Entity, error) {
	var e domain.Entity
	//nolint:gosec // table name comes from a fixed set below
	err := r.db.GetContext(ctx, &e, `SELECT id, code, name, enabled FROM `+table+` WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return e, fmt.Errorf("%s %d: %w", table, id, domain.ErrNotFound)
	}
	if err != nil {
		return e, fmt.Errorf("get %s: %w", table, err)
	}
	if !e.Enabled {
		return e, fmt.Errorf("%s %s: %w", table, e.Code, domain.ErrDisabled)
	}
	return e, nil
}

func (r *Repository) Reference(ctx context.Context, m domain.TypeMapping) (domain.Reference, error) {
	var ref domain.Reference
	var err error
	if ref.Retailer, err = r.entity(ctx, "retailers", m.RetailerID); err != nil {
		return ref, err
	}
	if ref.Province, err = r.entity(ctx, "provinces", m.ProvinceID); err != nil {
		return ref, err
	}
	if ref.Product, err = r.entity(ctx, "products", m.ProductID); err != nil {
		return ref, err
	}
	return ref, nil
}

func (r *Repository) UpsertSource(ctx context.Context, s *domain.Source) error {
	headers := s.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	hb, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}

	const query = `INSERT INTO sources (name, api_url, api_type, headers, timeout_seconds, rate_limit_per_minute, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			api_url = excluded.api_url,
			api_type = excluded.api_type,
			headers = excluded.headers,
			timeout_seconds = excluded.timeout_seconds,
			rate_limit_per_minute = excluded.rate_limit_per_minute,
			enabled = excluded.enabled
		RETURNING id`

	if err := r.db.QueryRowxContext(ctx, query,
		s.Name, s.APIURL, s.APIType, string(hb), s.TimeoutSeconds, s.RateLimitPerMinute, s.Enabled,
	).Scan(&s.ID); err != nil {
		return fmt.Errorf("upsert source: %w", err)
	}
	return nil
}

func (r *Repository) upsertEntity(ctx context.Context, table string, e *domain.Entity) error {
	//nolint:gosec // table name comes from a fixed set
	query := `INSERT INTO ` + table + ` (code, name, enabled) VALUES (?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET name = excluded.name, enabled = excluded.enabled
		RETURNING id`
	if err := r.db.QueryRowxContext(ctx, query, e.Code, e.Name, e.Enabled).Scan(&e.ID); err != nil {
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	return nil
}

func (r *Repository) UpsertRetailer(ctx context.Context, e *domain.Retailer) error {
	return r.upsertEntity(ctx, "retailers", e)
}

func (r *Repository) UpsertProvince(ctx context.Context, e *domain.Province) error {
	return r.upsertEntity(ctx, "provinces", e)
}

func (r *Repository) UpsertProduct(ctx context.Context, e *domain.Product) error {
	return r.upsertEntity(ctx, "products", e)
}

func (r *Repository) UpsertMapping(ctx context.Context, m *domain.TypeMapping) error {
	const query = `INSERT INTO type_mappings (source_id, external_code, retailer_id, province_id, product_id, enabled)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, external_code) DO UPDATE SET
			retailer_id = excluded.retailer_id,
			province_id = excluded.province_id,
			product_id = excluded.product_id,
			enabled = excluded.enabled
		RETURNING id`
	if err := r.db.QueryRowxContext(ctx, query,
		m.SourceID, m.ExternalCode, m.RetailerID, m.ProvinceID, m.ProductID, m.Enabled,
	).Scan(&m.ID); err != nil {
		return fmt.Errorf("upsert type mapping: %w", err)
	}
	return nil
}

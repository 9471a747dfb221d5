// Package source describes external price sources and the reference data
// (retailers, provinces, products and type mappings) that backfill jobs read.
// Rows are owned by the admin CRUD subsystem; this service only reads them,
// apart from the seed command.
package source

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a source, mapping or reference entity is missing.
var ErrNotFound = errors.New("not found")

// ErrDisabled is returned by Reference when an entity exists but is disabled.
var ErrDisabled = errors.New("disabled")

const defaultRateLimitPerMinute = 60

// Source is the configuration of one external price API.
type Source struct {
	ID                 int64             `json:"id" db:"id"`
	Name               string            `json:"name" db:"name"`
	APIURL             string            `json:"apiUrl" db:"api_url"`
	APIType            string            `json:"apiType" db:"api_type"`
	Headers            map[string]string `json:"headers" db:"-"`
	TimeoutSeconds     int               `json:"timeoutSeconds" db:"timeout_seconds"`
	RateLimitPerMinute int               `json:"rateLimitPerMinute" db:"rate_limit_per_minute"`
	Enabled            bool              `json:"enabled" db:"enabled"`
}

// Timeout returns the per-request timeout, defaulting to 30s.
func (s Source) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// RequestsPerMinute returns the configured rate limit, defaulting to 60.
func (s Source) RequestsPerMinute() int {
	if s.RateLimitPerMinute <= 0 {
		return defaultRateLimitPerMinute
	}
	return s.RateLimitPerMinute
}

// TypeMapping maps a source-specific product code to the internal
// retailer/province/product identity.
type TypeMapping struct {
	ID           int64  `json:"id" db:"id"`
	SourceID     int64  `json:"sourceId" db:"source_id"`
	ExternalCode string `json:"externalCode" db:"external_code"`
	RetailerID   int64  `json:"retailerId" db:"retailer_id"`
	ProvinceID   int64  `json:"provinceId" db:"province_id"`
	ProductID    int64  `json:"productId" db:"product_id"`
	Enabled      bool   `json:"enabled" db:"enabled"`
}

// Entity is a retailer, province or product row.
type Entity struct {
	ID      int64  `json:"id" db:"id"`
	Code    string `json:"code" db:"code"`
	Name    string `json:"name" db:"name"`
	Enabled bool   `json:"enabled" db:"enabled"`
}

type (
	Retailer = Entity
	Province = Entity
	Product  = Entity
)

// Reference bundles the entities a mapping points at.
type Reference struct {
	Retailer Retailer
	Province Province
	Product  Product
}

// Repository is the read side used by backfill jobs plus the upserts used by
// the seed command.
type Repository interface {
	GetSource(ctx context.Context, id int64) (*Source, error)
	GetSourceByName(ctx context.Context, name string) (*Source, error)
	GetMapping(ctx context.Context, id int64) (*TypeMapping, error)
	// ListEnabledMappings returns enabled mappings for the source ordered by id.
	// An empty codes slice means all codes.
	ListEnabledMappings(ctx context.Context, sourceID int64, codes []string) ([]TypeMapping, error)
	CountEnabledMappings(ctx context.Context, sourceID int64, codes []string) (int, error)
	// Reference resolves the entities for m. Missing or disabled entities are
	// reported as errors so callers can treat them as per-item failures.
	Reference(ctx context.Context, m TypeMapping) (Reference, error)

	UpsertSource(ctx context.Context, s *Source) error
	UpsertRetailer(ctx context.Context, e *Retailer) error
	UpsertProvince(ctx context.Context, e *Province) error
	UpsertProduct(ctx context.Context, e *Product) error
	UpsertMapping(ctx context.Context, m *TypeMapping) error
}

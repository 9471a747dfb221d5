package source

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmethakanbesel/price-backfill/internal/platform/sqlite"
	domain "github.com/ahmethakanbesel/price-backfill/internal/source"
)

func setupTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedReference(t *testing.T, repo *Repository) (*domain.Source, domain.Entity, domain.Entity, domain.Entity) {
	t.Helper()
	ctx := context.Background()

	src := &domain.Source{
		Name: "goldfeed", APIURL: "http://example.invalid", APIType: "chart",
		Headers: map[string]string{"X-Key": "abc"}, RateLimitPerMinute: 30, Enabled: true,
	}
	require.NoError(t, repo.UpsertSource(ctx, src))

	retailer := domain.Entity{Code: "SJC", Name: "SJC", Enabled: true}
	province := domain.Entity{Code: "HN", Name: "Ha Noi", Enabled: true}
	product := domain.Entity{Code: "BAR", Name: "Gold bar", Enabled: true}
	require.NoError(t, repo.UpsertRetailer(ctx, &retailer))
	require.NoError(t, repo.UpsertProvince(ctx, &province))
	require.NoError(t, repo.UpsertProduct(ctx, &product))
	return src, retailer, province, product
}

func TestUpsertSource_And_Get(t *testing.T) {
	repo := NewRepository(setupTestDB(t).DB)
	ctx := context.Background()
	src, _, _, _ := seedReference(t, repo)

	got, err := repo.GetSource(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, "goldfeed", got.Name)
	assert.Equal(t, "abc", got.Headers["X-Key"])
	assert.Equal(t, 30, got.RequestsPerMinute())
	assert.True(t, got.Enabled)

	// Upserting by name keeps the id.
	src.RateLimitPerMinute = 10
	require.NoError(t, repo.UpsertSource(ctx, src))
	got, err = repo.GetSourceByName(ctx, "goldfeed")
	require.NoError(t, err)
	assert.Equal(t, src.ID, got.ID)
	assert.Equal(t, 10, got.RateLimitPerMinute)
}

func TestGetSource_NotFound(t *testing.T) {
	repo := NewRepository(setupTestDB(t).DB)
	_, err := repo.GetSource(context.Background(), 42)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListEnabledMappings(t *testing.T) {
	repo := NewRepository(setupTestDB(t).DB)
	ctx := context.Background()
	src, r, p, pr := seedReference(t, repo)

	for _, m := range []domain.TypeMapping{
		{SourceID: src.ID, ExternalCode: "A", RetailerID: r.ID, ProvinceID: p.ID, ProductID: pr.ID, Enabled: true},
		{SourceID: src.ID, ExternalCode: "B", RetailerID: r.ID, ProvinceID: p.ID, ProductID: pr.ID, Enabled: true},
		{SourceID: src.ID, ExternalCode: "C", RetailerID: r.ID, ProvinceID: p.ID, ProductID: pr.ID, Enabled: false},
	} {
		require.NoError(t, repo.UpsertMapping(ctx, &m))
	}

	all, err := repo.ListEnabledMappings(ctx, src.ID, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "A", all[0].ExternalCode)
	assert.Equal(t, "B", all[1].ExternalCode)

	filtered, err := repo.ListEnabledMappings(ctx, src.ID, []string{"B", "C"})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "B", filtered[0].ExternalCode)

	n, err := repo.CountEnabledMappings(ctx, src.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = repo.CountEnabledMappings(ctx, src.ID, []string{"C"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReference(t *testing.T) {
	repo := NewRepository(setupTestDB(t).DB)
	ctx := context.Background()
	src, r, p, pr := seedReference(t, repo)

	m := domain.TypeMapping{SourceID: src.ID, ExternalCode: "A", RetailerID: r.ID, ProvinceID: p.ID, ProductID: pr.ID, Enabled: true}
	ref, err := repo.Reference(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, "SJC", ref.Retailer.Code)
	assert.Equal(t, "HN", ref.Province.Code)
	assert.Equal(t, "BAR", ref.Product.Code)

	m.ProvinceID = 999
	_, err = repo.Reference(ctx, m)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	pr.Enabled = false
	require.NoError(t, repo.UpsertProduct(ctx, &pr))
	m.ProvinceID = p.ID
	_, err = repo.Reference(ctx, m)
	assert.ErrorIs(t, err, domain.ErrDisabled)
}

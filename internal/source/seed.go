package source

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// SeedFile is the YAML document accepted by Seed.
type SeedFile struct {
	Retailers []seedEntity `yaml:"retailers"`
	Provinces []seedEntity `yaml:"provinces"`
	Products  []seedEntity `yaml:"products"`
	Sources   []seedSource `yaml:"sources"`
}

type seedEntity struct {
	Code    string `yaml:"code"`
	Name    string `yaml:"name"`
	Enabled *bool  `yaml:"enabled"`
}

type seedSource struct {
	Name               string            `yaml:"name"`
	APIURL             string            `yaml:"apiUrl"`
	APIType            string            `yaml:"apiType"`
	Headers            map[string]string `yaml:"headers"`
	TimeoutSeconds     int               `yaml:"timeoutSeconds"`
	RateLimitPerMinute int               `yaml:"rateLimitPerMinute"`
	Enabled            *bool             `yaml:"enabled"`
	Mappings           []seedMapping     `yaml:"mappings"`
}

type seedMapping struct {
	Code     string `yaml:"code"`
	Retailer string `yaml:"retailer"`
	Province string `yaml:"province"`
	Product  string `yaml:"product"`
	Enabled  *bool  `yaml:"enabled"`
}

// SeedResult counts upserted rows.
type SeedResult struct {
	Sources  int
	Entities int
	Mappings int
}

func enabledOrDefault(b *bool) bool { return b == nil || *b }

// Seed upserts the reference data described by the YAML document in r.
func Seed(ctx context.Context, repo Repository, r io.Reader) (SeedResult, error) {
	var doc SeedFile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return SeedResult{}, fmt.Errorf("decode seed file: %w", err)
	}

	var res SeedResult
	retailers := make(map[string]int64, len(doc.Retailers))
	provinces := make(map[string]int64, len(doc.Provinces))
	products := make(map[string]int64, len(doc.Products))

	groups := []struct {
		kind   string
		rows   []seedEntity
		ids    map[string]int64
		upsert func(context.Context, *Entity) error
	}{
		{"retailer", doc.Retailers, retailers, repo.UpsertRetailer},
		{"province", doc.Provinces, provinces, repo.UpsertProvince},
		{"product", doc.Products, products, repo.UpsertProduct},
	}
	for _, g := range groups {
		for _, row := range g.rows {
			if row.Code == "" {
				return res, fmt.Errorf("%s: code is required", g.kind)
			}
			e := &Entity{Code: row.Code, Name: row.Name, Enabled: enabledOrDefault(row.Enabled)}
			if e.Name == "" {
				e.Name = row.Code
			}
			if err := g.upsert(ctx, e); err != nil {
				return res, fmt.Errorf("upsert %s %s: %w", g.kind, row.Code, err)
			}
			g.ids[row.Code] = e.ID
			res.Entities++
		}
	}

	for _, ss := range doc.Sources {
		src := &Source{
			Name:               ss.Name,
			APIURL:             ss.APIURL,
			APIType:            ss.APIType,
			Headers:            ss.Headers,
			TimeoutSeconds:     ss.TimeoutSeconds,
			RateLimitPerMinute: ss.RateLimitPerMinute,
			Enabled:            enabledOrDefault(ss.Enabled),
		}
		if src.Name == "" || src.APIURL == "" || src.APIType == "" {
			return res, fmt.Errorf("source %q: name, apiUrl and apiType are required", ss.Name)
		}
		if err := repo.UpsertSource(ctx, src); err != nil {
			return res, fmt.Errorf("upsert source %s: %w", ss.Name, err)
		}
		res.Sources++

		for _, sm := range ss.Mappings {
			m := &TypeMapping{
				SourceID:     src.ID,
				ExternalCode: sm.Code,
				RetailerID:   retailers[sm.Retailer],
				ProvinceID:   provinces[sm.Province],
				ProductID:    products[sm.Product],
				Enabled:      enabledOrDefault(sm.Enabled),
			}
			if m.ExternalCode == "" {
				return res, fmt.Errorf("source %s: mapping code is required", ss.Name)
			}
			// Unknown entity codes are stored as id 0 and surface later as
			// per-item failures, matching how the executor treats bad mappings.
			if err := repo.UpsertMapping(ctx, m); err != nil {
				return res, fmt.Errorf("upsert mapping %s/%s: %w", ss.Name, sm.Code, err)
			}
			res.Mappings++
		}
	}

	return res, nil
}

// Package dailyform fetches daily prices from APIs that take a form-encoded
// POST and answer with one row per calendar day, quoted per tael.
package dailyform

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ahmethakanbesel/price-backfill/internal/fetcher"
	"github.com/ahmethakanbesel/price-backfill/internal/snapshot"
	"github.com/ahmethakanbesel/price-backfill/internal/source"
)

// APIType is the source api_type served by this adapter.
const APIType = "daily_form"

const dateFormat = "2006-01-02"

type dailyRow struct {
	Date string  `json:"date"`
	Buy  float64 `json:"buy"`
	Sell float64 `json:"sell"`
}

type historyResponse struct {
	Success bool       `json:"success"`
	Message string     `json:"message"`
	Data    []dailyRow `json:"data"`
}

type Fetcher struct {
	src     source.Source
	client  *http.Client
	maxDays int
	now     func() time.Time
}

func New(src source.Source, opts ...Option) *Fetcher {
	f := &Fetcher{
		src:     src,
		client:  fetcher.NewHTTPClient(src),
		maxDays: fetcher.DefaultMaxDays,
		now:     time.Now,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

type Option func(*Fetcher)

func WithClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

// Constructor adapts New to the fetcher registry.
func Constructor(opts ...Option) fetcher.Constructor {
	return func(src source.Source) (fetcher.HistoricalFetcher, error) {
		return New(src, opts...), nil
	}
}

func (f *Fetcher) MaxDays() int { return f.maxDays }

func (f *Fetcher) FetchHistoricalPrices(ctx context.Context, typeID string, days int) (*fetcher.Result, error) {
	if res := fetcher.ValidateDays(days, f.maxDays); res != nil {
		return res, nil
	}
	from, to := fetcher.LastDays(f.now(), days)
	return f.FetchHistoricalRange(ctx, typeID, from, to)
}

func (f *Fetcher) FetchHistoricalRange(ctx context.Context, typeID string, from, to time.Time) (*fetcher.Result, error) {
	if typeID == "" {
		return fetcher.Failure("type identifier cannot be empty"), nil
	}
	if res := fetcher.ValidateRange(from, to, f.maxDays); res != nil {
		return res, nil
	}

	params := url.Values{}
	params.Add("type", typeID)
	params.Add("from", from.Format(dateFormat))
	params.Add("to", to.Format(dateFormat))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.src.APIURL, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	fetcher.ApplyHeaders(req, f.src)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	res, err := f.client.Do(req) //nolint:gosec // URL comes from source configuration
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	body, failure, err := fetcher.ReadJSONBody(res)
	if err != nil || failure != nil {
		return failure, err
	}

	var resp historyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fetcher.Failure("parse response: %v", err), nil
	}
	if !resp.Success {
		msg := resp.Message
		if msg == "" {
			msg = "upstream reported failure"
		}
		return fetcher.Failure("%s", msg), nil
	}
	if len(resp.Data) == 0 {
		return fetcher.Failure("empty payload"), nil
	}

	out := &fetcher.Result{Success: true, Points: make([]fetcher.DayPoint, 0, len(resp.Data))}
	for _, row := range resp.Data {
		d, err := time.Parse(dateFormat, row.Date)
		if err != nil {
			out.Errors = append(out.Errors, fetcher.PointError{Date: row.Date, Error: "invalid date"})
			continue
		}
		out.Points = append(out.Points, fetcher.DayPoint{Date: d, BuyPrice: row.Buy, SellPrice: row.Sell})
	}

	slog.Info("retrieved daily form data", "source", f.src.Name, "type", typeID,
		"from", from.Format(dateFormat), "to", to.Format(dateFormat), "points", len(out.Points))
	return out, nil
}

// ConvertDailyToSnapshot stamps the point at midnight UTC and converts
// per-tael prices to per-mace.
func (f *Fetcher) ConvertDailyToSnapshot(p fetcher.DayPoint, _ source.TypeMapping, ref source.Reference) (snapshot.Snapshot, error) {
	return fetcher.SnapshotFor(ref,
		p.BuyPrice/snapshot.MacePerTael,
		p.SellPrice/snapshot.MacePerTael,
		snapshot.UnitMace,
		fetcher.Day(p.Date),
	)
}

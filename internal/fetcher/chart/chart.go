// Package chart fetches intraday price series from chart-style APIs that
// return parallel timestamp and quote arrays. Prices are already per mace.
package chart

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ahmethakanbesel/price-backfill/internal/fetcher"
	"github.com/ahmethakanbesel/price-backfill/internal/snapshot"
	"github.com/ahmethakanbesel/price-backfill/internal/source"
)

// APIType is the source api_type served by this adapter.
const APIType = "chart"

const (
	dateFormat = "2006-01-02"
	interval   = "1h"
)

// chartResponse represents the chart API response.
type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Buy  []any `json:"buy"`
					Sell []any `json:"sell"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Fetcher reads hourly quotes for one source.
type Fetcher struct {
	src     source.Source
	client  *http.Client
	maxDays int
	now     func() time.Time
}

// New creates a Fetcher with the given options applied.
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

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient sets the HTTP client.
func WithClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithClock overrides the clock used to resolve "last N days".
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

// Constructor adapts New to the fetcher registry.
func Constructor(opts ...Option) fetcher.Constructor {
	return func(src source.Source) (fetcher.HistoricalFetcher, error) {
		if _, err := url.Parse(src.APIURL); err != nil || src.APIURL == "" {
			return nil, fmt.Errorf("chart source %q: invalid api url %q", src.Name, src.APIURL)
		}
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

	// period2 is exclusive, so ask up to the start of the following day.
	start := fetcher.Day(from)
	end := fetcher.Day(to).AddDate(0, 0, 1)
	reqURL := fmt.Sprintf("%s/%s?period1=%s&period2=%s&interval=%s",
		strings.TrimRight(f.src.APIURL, "/"),
		url.PathEscape(typeID),
		strconv.FormatInt(start.Unix(), 10),
		strconv.FormatInt(end.Unix(), 10),
		interval,
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	fetcher.ApplyHeaders(req, f.src)
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

	var resp chartResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fetcher.Failure("parse response: %v", err), nil
	}
	if resp.Chart.Error != nil {
		return fetcher.Failure("chart error: %s: %s", resp.Chart.Error.Code, resp.Chart.Error.Description), nil
	}
	if len(resp.Chart.Result) == 0 || len(resp.Chart.Result[0].Indicators.Quote) == 0 {
		return fetcher.Failure("empty payload"), nil
	}

	result := resp.Chart.Result[0]
	quote := result.Indicators.Quote[0]
	n := min(len(result.Timestamp), len(quote.Buy), len(quote.Sell))
	out := &fetcher.Result{Success: true, Points: make([]fetcher.DayPoint, 0, n)}
	for i := range n {
		buy, okBuy := toFloat64(quote.Buy[i])
		sell, okSell := toFloat64(quote.Sell[i])
		if !okBuy && !okSell {
			continue
		}
		out.Points = append(out.Points, fetcher.DayPoint{
			Date:      time.Unix(result.Timestamp[i], 0).UTC(),
			BuyPrice:  buy,
			SellPrice: sell,
		})
	}
	if len(out.Points) == 0 {
		return fetcher.Failure("empty payload"), nil
	}

	slog.Info("retrieved chart data", "source", f.src.Name, "type", typeID,
		"from", from.Format(dateFormat), "to", to.Format(dateFormat), "points", len(out.Points))
	return out, nil
}

// ConvertDailyToSnapshot keeps the observation time and the per-mace unit.
func (f *Fetcher) ConvertDailyToSnapshot(p fetcher.DayPoint, _ source.TypeMapping, ref source.Reference) (snapshot.Snapshot, error) {
	return fetcher.SnapshotFor(ref, p.BuyPrice, p.SellPrice, snapshot.UnitMace, p.Date)
}

// toFloat64 converts a JSON number to float64. Nulls report false.
func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

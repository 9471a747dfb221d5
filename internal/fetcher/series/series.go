package series

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/ahmethakanbesel/price-backfill/internal/fetcher"
	"github.com/ahmethakanbesel/price-backfill/internal/snapshot"
	"github.com/ahmethakanbesel/price-backfill/internal/source"
)

// APIType is the source api_type served by this adapter.
const APIType = "series"

const dateFormat = "20060102150405"

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

	start := fetcher.Day(from)
	end := fetcher.Day(to).Add(24*time.Hour - time.Second)
	params := url.Values{}
	params.Set("code", typeID)
	params.Set("from", start.Format(dateFormat))
	params.Set("to", end.Format(dateFormat))
	reqURL := fmt.Sprintf("%s?%s", f.src.APIURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	fetcher.ApplyHeaders(req, f.src)

	res, err := f.client.Do(req) //nolint:gosec // URL comes from source configuration
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	body, failure, err := fetcher.ReadJSONBody(res)
	if err != nil || failure != nil {
		return failure, err
	}

	var response struct {
		Data [][]json.Number `json:"data"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return fetcher.Failure("parse response: %v", err), nil
	}
	if len(response.Data) == 0 {
		return fetcher.Failure("empty payload"), nil
	}

	out := &fetcher.Result{Success: true, Points: make([]fetcher.DayPoint, 0, len(response.Data))}
	for _, entry := range response.Data {
		if len(entry) < 3 {
			out.Errors = append(out.Errors, fetcher.PointError{Error: "row has fewer than 3 columns"})
			continue
		}

		tsMs, err := entry[0].Int64()
		if err != nil {
			out.Errors = append(out.Errors, fetcher.PointError{Error: "invalid timestamp " + entry[0].String()})
			continue
		}
		date := fetcher.Day(time.UnixMilli(tsMs))

		buy, errBuy := entry[1].Float64()
		sell, errSell := entry[2].Float64()
		if errBuy != nil || errSell != nil {
			out.Errors = append(out.Errors, fetcher.PointError{Date: date.Format("2006-01-02"), Error: "invalid price"})
			continue
		}

		out.Points = append(out.Points, fetcher.DayPoint{Date: date, BuyPrice: buy, SellPrice: sell})
	}

	slog.Info("retrieved series data", "source", f.src.Name, "type", typeID,
		"from", start.Format("2006-01-02"), "to", end.Format("2006-01-02"), "points", len(out.Points))
	return out, nil
}

// ConvertDailyToSnapshot converts per-tael prices to per-mace at midnight UTC.
func (f *Fetcher) ConvertDailyToSnapshot(p fetcher.DayPoint, _ source.TypeMapping, ref source.Reference) (snapshot.Snapshot, error) {
	return fetcher.SnapshotFor(ref,
		p.BuyPrice/snapshot.MacePerTael,
		p.SellPrice/snapshot.MacePerTael,
		snapshot.UnitMace,
		fetcher.Day(p.Date),
	)
}

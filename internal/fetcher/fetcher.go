// Package fetcher defines the capability every historical price source
// implements and the helpers shared by the per-source adapters.
package fetcher

import (
	"context"
	"fmt"
	"time"

	"github.com/ahmethakanbesel/price-backfill/internal/snapshot"
	"github.com/ahmethakanbesel/price-backfill/internal/source"
)

// DefaultMaxDays is the widest window upstream APIs accept in one request.
const DefaultMaxDays = 30

const dateFormat = "2006-01-02"

// DayPoint is one raw observation returned by a source. Daily sources set
// Date to midnight UTC; sub-daily sources keep the observation time.
type DayPoint struct {
	Date      time.Time
	BuyPrice  float64
	SellPrice float64
}

// PointError describes a problem with one date, or with the whole request
// when Date is empty.
type PointError struct {
	Date  string `json:"date,omitempty"`
	Error string `json:"error"`
}

// Result is the structured outcome of a fetch. Ordinary upstream problems
// (HTTP status, content type, empty payload) are reported here with
// Success=false rather than as a Go error.
type Result struct {
	Success bool
	Points  []DayPoint
	Errors  []PointError
}

// Message joins the result errors into one line.
func (r *Result) Message() string {
	if r == nil || len(r.Errors) == 0 {
		return "no data returned"
	}
	msg := r.Errors[0].Error
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("%s (and %d more)", msg, len(r.Errors)-1)
	}
	return msg
}

// Failure builds an unsuccessful result.
func Failure(format string, args ...any) *Result {
	return &Result{Errors: []PointError{{Error: fmt.Sprintf(format, args...)}}}
}

// HistoricalFetcher is implemented once per external price API.
type HistoricalFetcher interface {
	// FetchHistoricalPrices fetches the last days days, ending today.
	FetchHistoricalPrices(ctx context.Context, typeID string, days int) (*Result, error)
	// FetchHistoricalRange fetches [from, to], both inclusive calendar days.
	FetchHistoricalRange(ctx context.Context, typeID string, from, to time.Time) (*Result, error)
	// ConvertDailyToSnapshot normalizes one point. It performs no I/O.
	ConvertDailyToSnapshot(p DayPoint, m source.TypeMapping, ref source.Reference) (snapshot.Snapshot, error)
	// MaxDays is the widest window accepted by one request.
	MaxDays() int
}

// ValidateDays returns a failure result when days is outside [1, maxDays].
func ValidateDays(days, maxDays int) *Result {
	if days < 1 || days > maxDays {
		return Failure("days must be between 1 and %d, got %d", maxDays, days)
	}
	return nil
}

// ValidateRange returns a failure result when [from, to] is empty or wider
// than maxDays calendar days.
func ValidateRange(from, to time.Time, maxDays int) *Result {
	if from.IsZero() || to.IsZero() {
		return Failure("start and end date are required")
	}
	if Day(from).After(Day(to)) {
		return Failure("start date %s is after end date %s", from.Format(dateFormat), to.Format(dateFormat))
	}
	if n := DaysInclusive(from, to); n > maxDays {
		return Failure("window of %d days exceeds the %d day limit", n, maxDays)
	}
	return nil
}

// SnapshotFor builds the common part of a snapshot from a mapping reference.
func SnapshotFor(ref source.Reference, buy, sell float64, unit string, at time.Time) (snapshot.Snapshot, error) {
	if buy <= 0 && sell <= 0 {
		return snapshot.Snapshot{}, fmt.Errorf("no price on %s", at.Format(dateFormat))
	}
	if buy < 0 || sell < 0 {
		return snapshot.Snapshot{}, fmt.Errorf("negative price on %s", at.Format(dateFormat))
	}
	return snapshot.Snapshot{
		Retailer:     ref.Retailer.Code,
		Province:     ref.Province.Code,
		Product:      ref.Product.Code,
		BuyPrice:     buy,
		SellPrice:    sell,
		Unit:         unit,
		CreatedAt:    at.UTC(),
		IsBackfilled: true,
	}, nil
}

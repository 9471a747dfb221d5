package fetcher

import (
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmethakanbesel/price-backfill/internal/snapshot"
	"github.com/ahmethakanbesel/price-backfill/internal/source"
)

func TestValidateDays(t *testing.T) {
	assert.Nil(t, ValidateDays(1, 30))
	assert.Nil(t, ValidateDays(30, 30))
	assert.NotNil(t, ValidateDays(0, 30))
	res := ValidateDays(31, 30)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message(), "between 1 and 30")
}

func TestValidateRange(t *testing.T) {
	assert.Nil(t, ValidateRange(date(1, 1), date(1, 30), 30))
	assert.NotNil(t, ValidateRange(date(1, 1), date(1, 31), 30))
	assert.NotNil(t, ValidateRange(date(2, 1), date(1, 1), 30))
	assert.NotNil(t, ValidateRange(time.Time{}, date(1, 1), 30))
}

func TestLastDays(t *testing.T) {
	now := time.Date(2024, 3, 10, 15, 4, 5, 0, time.UTC)
	from, to := LastDays(now, 7)
	assert.Equal(t, date(3, 4), from)
	assert.Equal(t, date(3, 10), to)
	assert.Equal(t, 7, DaysInclusive(from, to))
}

func TestFilterRange(t *testing.T) {
	points := []DayPoint{
		{Date: date(1, 31)},
		{Date: date(2, 1)},
		{Date: date(2, 3).Add(23 * time.Hour)},
		{Date: date(2, 4)},
	}
	got := FilterRange(points, date(2, 1), date(2, 3))
	require.Len(t, got, 2)
	assert.Equal(t, date(2, 1), got[0].Date)
	assert.Len(t, points, 4, "input is not modified")
}

func TestResultMessage(t *testing.T) {
	var nilResult *Result
	assert.Equal(t, "no data returned", nilResult.Message())

	r := &Result{Errors: []PointError{{Error: "a"}, {Error: "b"}, {Error: "c"}}}
	assert.Equal(t, "a (and 2 more)", r.Message())
}

func TestSnapshotFor(t *testing.T) {
	ref := source.Reference{
		Retailer: source.Entity{Code: "SJC"},
		Province: source.Entity{Code: "HN"},
		Product:  source.Entity{Code: "BAR"},
	}
	s, err := SnapshotFor(ref, 10, 11, snapshot.UnitMace, date(1, 2))
	require.NoError(t, err)
	assert.Equal(t, "SJC", s.Retailer)
	assert.True(t, s.IsBackfilled)

	_, err = SnapshotFor(ref, 0, 0, snapshot.UnitMace, date(1, 2))
	assert.Error(t, err)
	_, err = SnapshotFor(ref, -1, 5, snapshot.UnitMace, date(1, 2))
	assert.Error(t, err)
}

func response(status int, contentType, body string) *http.Response {
	h := http.Header{}
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return &http.Response{StatusCode: status, Header: h, Body: io.NopCloser(strings.NewReader(body))}
}

func TestReadJSONBody(t *testing.T) {
	body, res, err := ReadJSONBody(response(200, "application/json; charset=utf-8", `{"ok":true}`))
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.JSONEq(t, `{"ok":true}`, string(body))

	_, res, err = ReadJSONBody(response(502, "application/json", `{}`))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Contains(t, res.Message(), "HTTP 502")

	_, res, err = ReadJSONBody(response(200, "text/html", `<html>`))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Contains(t, res.Message(), "content type")

	_, res, err = ReadJSONBody(response(200, "application/json", ``))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "empty payload", res.Message())
}

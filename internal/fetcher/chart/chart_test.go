package chart

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmethakanbesel/price-backfill/internal/fetcher"
	"github.com/ahmethakanbesel/price-backfill/internal/snapshot"
	"github.com/ahmethakanbesel/price-backfill/internal/source"
)

const chartBody = `{"chart":{"result":[{"timestamp":[1704067200,1704070800,1704074400],
"indicators":{"quote":[{"buy":[7400000,null,7410000],"sell":[7600000,null,7610000]}]}}],"error":null}}`

func newServer(t *testing.T, status int, body string, check func(*http.Request)) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestFetchHistoricalRange(t *testing.T) {
	ts := newServer(t, http.StatusOK, chartBody, func(r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/PNJ_HN", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "1704067200", q.Get("period1"))
		assert.Equal(t, "1704240000", q.Get("period2"))
		assert.Equal(t, "1h", q.Get("interval"))
		assert.Equal(t, "token", r.Header.Get("Authorization"))
	})

	src := source.Source{Name: "chart", APIURL: ts.URL + "/", Headers: map[string]string{"Authorization": "token"}}
	f := New(src, WithClient(ts.Client()))

	res, err := f.FetchHistoricalRange(context.Background(), "PNJ_HN",
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Len(t, res.Points, 2)
	assert.Equal(t, time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC), res.Points[1].Date)
	assert.Equal(t, 7410000.0, res.Points[1].BuyPrice)
}

func TestFetchHistoricalPrices_UsesClock(t *testing.T) {
	ts := newServer(t, http.StatusOK, chartBody, func(r *http.Request) {
		assert.Equal(t, "1704067200", r.URL.Query().Get("period1"))
	})
	now := time.Date(2024, 1, 3, 15, 0, 0, 0, time.UTC)
	f := New(source.Source{APIURL: ts.URL}, WithClient(ts.Client()), WithClock(func() time.Time { return now }))

	res, err := f.FetchHistoricalPrices(context.Background(), "X", 3)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestFetchHistoricalRange_ChartError(t *testing.T) {
	ts := newServer(t, http.StatusOK, `{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found"}}}`, nil)
	f := New(source.Source{APIURL: ts.URL}, WithClient(ts.Client()))

	res, err := f.FetchHistoricalRange(context.Background(), "X",
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message(), "No data found")
}

func TestFetchHistoricalRange_AllNull(t *testing.T) {
	ts := newServer(t, http.StatusOK, `{"chart":{"result":[{"timestamp":[1704067200],"indicators":{"quote":[{"buy":[null],"sell":[null]}]}}]}}`, nil)
	f := New(source.Source{APIURL: ts.URL}, WithClient(ts.Client()))

	res, err := f.FetchHistoricalRange(context.Background(), "X",
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "empty payload", res.Message())
}

func TestFetchHistoricalRange_TooWide(t *testing.T) {
	f := New(source.Source{APIURL: "http://unused"})
	res, err := f.FetchHistoricalRange(context.Background(), "X",
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestConstructor_RejectsEmptyURL(t *testing.T) {
	_, err := Constructor()(source.Source{Name: "bad"})
	assert.Error(t, err)
}

func TestConvertDailyToSnapshot_KeepsTime(t *testing.T) {
	f := New(source.Source{})
	at := time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)
	s, err := f.ConvertDailyToSnapshot(fetcher.DayPoint{Date: at, BuyPrice: 10, SellPrice: 11}, source.TypeMapping{},
		source.Reference{Retailer: source.Entity{Code: "PNJ"}})
	require.NoError(t, err)
	assert.Equal(t, at, s.CreatedAt)
	assert.Equal(t, 10.0, s.BuyPrice)
	assert.Equal(t, snapshot.UnitMace, s.Unit)
	assert.True(t, s.IsBackfilled)

	_, err = f.ConvertDailyToSnapshot(fetcher.DayPoint{Date: at}, source.TypeMapping{}, source.Reference{})
	assert.Error(t, err)
}

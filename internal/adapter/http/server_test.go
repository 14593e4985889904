package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpadapter "github.com/adalyuf/flutracker/internal/adapter/http"
	"github.com/adalyuf/flutracker/internal/cache"
	"github.com/adalyuf/flutracker/internal/domain"
	"github.com/adalyuf/flutracker/internal/observability"
)

var now = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

func freezeClock(t *testing.T) {
	t.Helper()
	domain.SetClock(clockwork.NewFakeClockAt(now))
	t.Cleanup(func() { domain.SetClock(nil) })
}

type mockReadiness struct {
	err error
}

func (m *mockReadiness) CheckReadiness(_ context.Context) error { return m.err }

type fakeStore struct {
	mu        sync.Mutex
	anomalies []domain.Anomaly
	series    []domain.WeeklyTotal
	err       error
	queries   []domain.CaseQuery
}

func (f *fakeStore) Anomalies(context.Context) ([]domain.Anomaly, error) {
	return f.anomalies, f.err
}

func (f *fakeStore) WeeklyCases(_ context.Context, q domain.CaseQuery) ([]domain.WeeklyTotal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return f.series, f.err
}

func newTestServer(t *testing.T, readyErr error, store *fakeStore) *httpadapter.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := cache.New(time.Minute, observability.NewMetricsForTesting())
	api := httpadapter.NewAPI(store, c, logger)
	return httpadapter.NewServer(":0", &mockReadiness{err: readyErr}, api, logger)
}

func get(t *testing.T, srv http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHealthzReturns200(t *testing.T) {
	rec := get(t, newTestServer(t, nil, &fakeStore{}), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzReturns200WhenReady(t *testing.T) {
	rec := get(t, newTestServer(t, nil, &fakeStore{}), "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzReturns503WhenNotReady(t *testing.T) {
	rec := get(t, newTestServer(t, fmt.Errorf("not ready yet"), &fakeStore{}), "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	rec := get(t, newTestServer(t, nil, &fakeStore{}), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestReadyCombinesCheckers(t *testing.T) {
	ok := &mockReadiness{}
	bad := &mockReadiness{err: errors.New("no ingestion run has completed yet")}

	require.NoError(t, httpadapter.Ready(ok, ok).CheckReadiness(context.Background()))
	err := httpadapter.Ready(ok, bad).CheckReadiness(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no ingestion run")
}

func TestAnomalies_Filters(t *testing.T) {
	freezeClock(t)
	store := &fakeStore{anomalies: []domain.Anomaly{
		{DetectedAt: now.Add(-time.Hour), CountryCode: "BR", Region: "Bahia", ZScore: 3.7, Severity: domain.SeverityCritical},
		{DetectedAt: now.Add(-time.Hour), CountryCode: "FR", ZScore: 2.78, Severity: domain.SeverityMedium},
		{DetectedAt: now.AddDate(0, 0, -10), CountryCode: "US", ZScore: 2.1, Severity: domain.SeverityLow},
	}}
	srv := newTestServer(t, nil, store)

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"BR", "FR"}},
		{"?country=fr", []string{"FR"}},
		{"?severity=critical", []string{"BR"}},
		{"?days=30", []string{"BR", "FR", "US"}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := get(t, srv, "/api/anomalies"+tt.query)
			require.Equal(t, http.StatusOK, rec.Code)

			var got []domain.Anomaly
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			codes := make([]string, len(got))
			for i, a := range got {
				codes[i] = a.CountryCode
			}
			assert.Equal(t, tt.want, codes)
		})
	}
}

func TestAnomalies_EmptyIsArray(t *testing.T) {
	freezeClock(t)
	rec := get(t, newTestServer(t, nil, &fakeStore{}), "/api/anomalies")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestBadParameters(t *testing.T) {
	srv := newTestServer(t, nil, &fakeStore{})
	for _, target := range []string{
		"/api/anomalies?days=31",
		"/api/anomalies?days=x",
		"/api/forecast",
		"/api/forecast?country=US&weeks_ahead=9",
		"/api/forecast?country=US&weeks_ahead=0",
		"/api/cases",
		"/api/cases?country=US&from=yesterday",
		"/api/cases?country=US&from=2024-02-01&to=2024-01-01",
	} {
		t.Run(target, func(t *testing.T) {
			rec := get(t, srv, target)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), "error")
		})
	}
}

func TestForecast_UsesYearOfWeeklyTotals(t *testing.T) {
	freezeClock(t)
	values := []int64{100, 200, 400, 700, 1000, 1200, 1100, 800, 500, 300, 150, 100}
	first := time.Date(2024, 10, 7, 0, 0, 0, 0, time.UTC)
	store := &fakeStore{}
	for i, v := range values {
		store.series = append(store.series, domain.WeeklyTotal{Week: first.AddDate(0, 0, 7*i), Cases: v})
	}
	srv := newTestServer(t, nil, store)

	rec := get(t, srv, "/api/forecast?country=us")
	require.Equal(t, http.StatusOK, rec.Code)

	var got httpadapter.ForecastResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "US", got.CountryCode)
	assert.Equal(t, 4, got.ForecastWeeks)
	require.Len(t, got.Data, 4)
	assert.Equal(t, "2024-12-30", got.Data[0].Date)
	assert.NotNil(t, got.PeakDate)

	require.Len(t, store.queries, 1)
	assert.Equal(t, "US", store.queries[0].CountryCode)
	assert.Equal(t, now.Add(-httpadapter.ForecastHistory), store.queries[0].From)

	// Served from cache.
	rec = get(t, srv, "/api/forecast?country=US&weeks_ahead=4")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, store.queries, 1)
}

func TestForecast_ShortSeriesIsEmpty(t *testing.T) {
	freezeClock(t)
	store := &fakeStore{series: []domain.WeeklyTotal{{Week: now, Cases: 5}}}
	rec := get(t, newTestServer(t, nil, store), "/api/forecast?country=GB&weeks_ahead=2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t,
		`{"country_code":"GB","forecast_weeks":2,"data":[],"peak_date":null,"peak_magnitude":null}`,
		rec.Body.String())
}

func TestCases_WeeklySeries(t *testing.T) {
	store := &fakeStore{series: []domain.WeeklyTotal{
		{Week: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Cases: 12},
		{Week: time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC), Cases: 30},
	}}
	rec := get(t, newTestServer(t, nil, store), "/api/cases?country=br&region=Bahia&from=2024-01-01&to=2024-01-31")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"country_code":"BR","region":"Bahia","data":[
		{"week":"2024-01-01","cases":12},{"week":"2024-01-08","cases":30}]}`, rec.Body.String())

	require.Len(t, store.queries, 1)
	assert.Equal(t, domain.CaseQuery{
		CountryCode: "BR",
		Region:      "Bahia",
		From:        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		To:          time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
	}, store.queries[0])
}

func TestStoreErrorReturns500(t *testing.T) {
	store := &fakeStore{err: errors.New("database is locked")}
	rec := get(t, newTestServer(t, nil, store), "/api/cases?country=US")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "locked")
}

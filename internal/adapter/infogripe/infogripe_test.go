package infogripe

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adalyuf/flutracker/internal/domain"
	"github.com/adalyuf/flutracker/internal/fetch"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAdapter(baseURL string) *Adapter {
	client := fetch.New(5*time.Second, discardLogger(), fetch.WithBackoff(time.Millisecond, time.Millisecond))
	return New(client, discardLogger()).WithBaseURL(baseURL)
}

func TestFetchLatest_AllStates(t *testing.T) {
	domain.SetClock(clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)))
	t.Cleanup(func() { domain.SetClock(clockwork.NewRealClock()) })

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "2024", r.URL.Query().Get("year"))
		switch strings.TrimPrefix(r.URL.Path, "/") {
		case "SP":
			_, _ = w.Write([]byte(`[{"epiweek":10,"epiyear":2024,"influenza_a_h1n1_pdm09":5,"influenza_b":"2"}]`))
		case "RJ":
			_, _ = w.Write([]byte(`{"data":[{"SE":"11","ano":"2024","casos_influenza":7}]}`))
		default:
			_, _ = w.Write([]byte(`[]`))
		}
	}))
	defer srv.Close()

	records, err := testAdapter(srv.URL).FetchLatest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(27), calls.Load())
	require.Len(t, records, 3)

	byKey := map[string]domain.SurveillanceRecord{}
	for _, r := range records {
		byKey[r.Region+"|"+r.FluType] = r
	}
	assert.Equal(t, 5, byKey["São Paulo|H1N1"].NewCases)
	assert.Equal(t, 2, byKey["São Paulo|B (lineage unknown)"].NewCases)
	assert.Equal(t, time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC), byKey["São Paulo|H1N1"].Time)
	assert.Equal(t, 7, byKey["Rio de Janeiro|unknown"].NewCases)
}

func TestFetchLatest_StateFailureIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/BA" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	_, err := testAdapter(srv.URL).FetchLatest(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BA")
}

func TestParseEntry_Fallbacks(t *testing.T) {
	tests := []struct {
		name  string
		entry map[string]any
		want  []string
		cases []int
	}{
		{
			name:  "subtypes preferred over totals",
			entry: map[string]any{"epiweek": 3.0, "epiyear": 2024.0, "flu_a_h3n2": 4.0, "casos_influenza": 99.0},
			want:  []string{domain.FluTypeH3N2},
			cases: []int{4},
		},
		{
			name:  "sari proxy",
			entry: map[string]any{"epiweek": 3.0, "epiyear": 2024.0, "srag": 12.0},
			want:  []string{domain.FluTypeUnknown},
			cases: []int{12},
		},
		{
			name:  "missing week",
			entry: map[string]any{"epiyear": 2024.0, "casos": 5.0},
		},
		{
			name:  "all zero",
			entry: map[string]any{"epiweek": 3.0, "epiyear": 2024.0, "casos": 0.0},
		},
		{
			name:  "invalid week",
			entry: map[string]any{"epiweek": 60.0, "epiyear": 2024.0, "casos": 5.0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := parseEntry(tt.entry, "Bahia")
			require.Len(t, records, len(tt.want))
			for i, r := range records {
				assert.Equal(t, tt.want[i], r.FluType)
				assert.Equal(t, tt.cases[i], r.NewCases)
				assert.Equal(t, "Bahia", r.Region)
			}
		})
	}
}

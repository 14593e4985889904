package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adalyuf/flutracker/internal/domain"
	"github.com/adalyuf/flutracker/internal/forecast"
)

const (
	// ForecastHistory is the weekly series fed to the forecaster.
	ForecastHistory = 52 * 7 * 24 * time.Hour
	// DefaultWeeksAhead is used when weeks_ahead is absent.
	DefaultWeeksAhead = 4
	// DefaultAnomalyDays and MaxAnomalyDays bound the anomalies lookback.
	DefaultAnomalyDays = 7
	MaxAnomalyDays     = 30
)

// Store is the read side the API serves from.
type Store interface {
	Anomalies(ctx context.Context) ([]domain.Anomaly, error)
	WeeklyCases(ctx context.Context, q domain.CaseQuery) ([]domain.WeeklyTotal, error)
}

// Cache memoizes rendered responses by key.
type Cache interface {
	GetOrLoad(ctx context.Context, key string, load func(context.Context) ([]byte, error)) ([]byte, error)
}

// API serves anomalies, forecasts and weekly case series as JSON.
type API struct {
	store  Store
	cache  Cache
	logger *slog.Logger
}

// NewAPI creates the /api handlers.
func NewAPI(store Store, cache Cache, logger *slog.Logger) *API {
	return &API{store: store, cache: cache, logger: logger}
}

func (a *API) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/anomalies", a.handleAnomalies)
	mux.HandleFunc("GET /api/forecast", a.handleForecast)
	mux.HandleFunc("GET /api/cases", a.handleCases)
}

// ForecastResponse is the body of /api/forecast.
type ForecastResponse struct {
	CountryCode   string                 `json:"country_code"`
	ForecastWeeks int                    `json:"forecast_weeks"`
	Data          []domain.ForecastPoint `json:"data"`
	PeakDate      *string                `json:"peak_date"`
	PeakMagnitude *int                   `json:"peak_magnitude"`
}

// CasesResponse is the body of /api/cases.
type CasesResponse struct {
	CountryCode string       `json:"country_code"`
	Region      string       `json:"region,omitempty"`
	Data        []weeklyCase `json:"data"`
}

type weeklyCase struct {
	Week  string `json:"week"`
	Cases int64  `json:"cases"`
}

type badRequest string

func (e badRequest) Error() string { return string(e) }

func (a *API) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	country := strings.ToUpper(strings.TrimSpace(q.Get("country")))
	severity := strings.ToLower(strings.TrimSpace(q.Get("severity")))
	days, err := intParam(q.Get("days"), DefaultAnomalyDays, 1, MaxAnomalyDays, "days")
	if err != nil {
		a.fail(w, r, err)
		return
	}

	key := fmt.Sprintf("anomalies:%s:%s:%d", country, severity, days)
	a.serve(w, r, key, func(ctx context.Context) (any, error) {
		set, err := a.store.Anomalies(ctx)
		if err != nil {
			return nil, err
		}
		since := domain.Now().AddDate(0, 0, -days)
		out := make([]domain.Anomaly, 0, len(set))
		for _, an := range set {
			if an.DetectedAt.Before(since) {
				continue
			}
			if country != "" && an.CountryCode != country {
				continue
			}
			if severity != "" && an.Severity != severity {
				continue
			}
			out = append(out, an)
		}
		return out, nil
	})
}

func (a *API) handleForecast(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	country := strings.ToUpper(strings.TrimSpace(q.Get("country")))
	if country == "" {
		a.fail(w, r, badRequest("country is required"))
		return
	}
	weeksAhead, err := intParam(q.Get("weeks_ahead"), DefaultWeeksAhead, 1, forecast.MaxWeeksAhead, "weeks_ahead")
	if err != nil {
		a.fail(w, r, err)
		return
	}

	key := fmt.Sprintf("forecast:%s:%d", country, weeksAhead)
	a.serve(w, r, key, func(ctx context.Context) (any, error) {
		series, err := a.store.WeeklyCases(ctx, domain.CaseQuery{
			CountryCode: country,
			From:        domain.Now().Add(-ForecastHistory),
		})
		if err != nil {
			return nil, err
		}
		dates := make([]time.Time, len(series))
		values := make([]float64, len(series))
		for i, wt := range series {
			dates[i] = wt.Week
			values[i] = float64(wt.Cases)
		}
		res := forecast.Forecast(dates, values, weeksAhead)
		return ForecastResponse{
			CountryCode:   country,
			ForecastWeeks: weeksAhead,
			Data:          res.Points,
			PeakDate:      res.PeakDate,
			PeakMagnitude: res.PeakMagnitude,
		}, nil
	})
}

func (a *API) handleCases(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cq := domain.CaseQuery{
		CountryCode: strings.ToUpper(strings.TrimSpace(q.Get("country"))),
		Region:      strings.TrimSpace(q.Get("region")),
	}
	if cq.CountryCode == "" {
		a.fail(w, r, badRequest("country is required"))
		return
	}
	var err error
	if cq.From, err = timeParam(q.Get("from"), "from"); err != nil {
		a.fail(w, r, err)
		return
	}
	if cq.To, err = timeParam(q.Get("to"), "to"); err != nil {
		a.fail(w, r, err)
		return
	}
	if !cq.From.IsZero() && !cq.To.IsZero() && cq.To.Before(cq.From) {
		a.fail(w, r, badRequest("to must not be before from"))
		return
	}

	key := fmt.Sprintf("cases:%s:%s:%s:%s", cq.CountryCode, cq.Region, q.Get("from"), q.Get("to"))
	a.serve(w, r, key, func(ctx context.Context) (any, error) {
		series, err := a.store.WeeklyCases(ctx, cq)
		if err != nil {
			return nil, err
		}
		out := CasesResponse{CountryCode: cq.CountryCode, Region: cq.Region, Data: make([]weeklyCase, len(series))}
		for i, wt := range series {
			out.Data[i] = weeklyCase{Week: wt.Week.Format(time.DateOnly), Cases: wt.Cases}
		}
		return out, nil
	})
}

// serve renders load's value through the cache.
func (a *API) serve(w http.ResponseWriter, r *http.Request, key string, load func(context.Context) (any, error)) {
	body, err := a.cache.GetOrLoad(r.Context(), key, func(ctx context.Context) ([]byte, error) {
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeBody(w, body)
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	var msg badRequest
	if errors.As(err, &msg) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": string(msg)})
		return
	}
	a.logger.Error("api request failed", "path", r.URL.Path, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func intParam(s string, def, lo, hi int, name string) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < lo || n > hi {
		return 0, badRequest(fmt.Sprintf("%s must be an integer between %d and %d", name, lo, hi))
	}
	return n, nil
}

func timeParam(s, name string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.DateOnly, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, badRequest(name + " must be YYYY-MM-DD or RFC 3339")
}

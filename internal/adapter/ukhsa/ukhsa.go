// Package ukhsa fetches weekly influenza hospital admission rates for England
// and its UKHSA regions from the UKHSA data dashboard API and converts them to
// estimated case counts.
package ukhsa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"strconv"
	"time"

	"github.com/adalyuf/flutracker/internal/adapter/payload"
	"github.com/adalyuf/flutracker/internal/domain"
	"github.com/adalyuf/flutracker/internal/fetch"
)

// Name is the source identifier stored with every record.
const Name = "uk_ukhsa"

// DefaultBaseURL is the UKHSA dashboard API root.
const DefaultBaseURL = "https://api.ukhsa-dashboard.data.gov.uk"

const (
	admissionMetric = "influenza_healthcare_hospitalAdmissionRateByWeek"
	pageSize        = 365
	englandPop      = 56_500_000
)

// Region is a UKHSA reporting region and its approximate population.
type Region struct {
	Name       string
	Population int64
}

// Regions are the nine UKHSA regions of England (ONS 2023 mid-year, rounded).
var Regions = []Region{
	{"East Midlands", 4_900_000},
	{"East of England", 6_400_000},
	{"London", 8_900_000},
	{"North East", 2_700_000},
	{"North West", 7_400_000},
	{"South East", 9_300_000},
	{"South West", 5_700_000},
	{"West Midlands", 5_900_000},
	{"Yorkshire and Humber", 5_500_000},
}

// Adapter implements FetchLatest and FetchYear. The fetch client it is given
// should carry a rate limit; the API throttles aggressively.
type Adapter struct {
	client         *fetch.Client
	baseURL        string
	includeRegions bool
	delay          time.Duration
	logger         *slog.Logger
}

// New creates a UKHSA adapter. delay is the throttling back-off used when the
// API answers with an empty body.
func New(client *fetch.Client, includeRegions bool, delay time.Duration, logger *slog.Logger) *Adapter {
	return &Adapter{
		client:         client,
		baseURL:        DefaultBaseURL,
		includeRegions: includeRegions,
		delay:          delay,
		logger:         logger,
	}
}

// WithBaseURL overrides the API root.
func (a *Adapter) WithBaseURL(u string) *Adapter {
	a.baseURL = u
	return a
}

func (a *Adapter) Name() string        { return Name }
func (a *Adapter) CountryCode() string { return "GB" }

// FetchLatest fetches every year touched by the trailing eight weeks.
func (a *Adapter) FetchLatest(ctx context.Context) ([]domain.SurveillanceRecord, error) {
	now := domain.Now()
	since := now.AddDate(0, 0, -56)
	var records []domain.SurveillanceRecord
	for year := since.Year(); year <= now.Year(); year++ {
		recs, err := a.FetchYear(ctx, year)
		if err != nil {
			return nil, err
		}
		records = append(records, recs...)
	}
	return domain.Aggregate(records), nil
}

// FetchYear fetches the nation series and, when enabled, each region for one year.
func (a *Adapter) FetchYear(ctx context.Context, year int) ([]domain.SurveillanceRecord, error) {
	records, err := a.fetchMetric(ctx, "Nation", "England", "", englandPop, year)
	if err != nil {
		return nil, err
	}
	if a.includeRegions {
		for _, r := range Regions {
			regional, err := a.fetchMetric(ctx, "UKHSA Region", r.Name, r.Name, r.Population, year)
			if err != nil {
				return nil, err
			}
			records = append(records, regional...)
		}
	}
	a.logger.Info("ukhsa fetch complete", "year", year, "records", len(records))
	return records, nil
}

func (a *Adapter) metricURL(geoType, geo string) string {
	return fmt.Sprintf("%s/themes/infectious_disease/sub_themes/respiratory/topics/Influenza/geography_types/%s/geographies/%s/metrics/%s",
		a.baseURL, url.PathEscape(geoType), url.PathEscape(geo), admissionMetric)
}

type page struct {
	Results []map[string]any `json:"results"`
	Next    *string          `json:"next"`
}

func (a *Adapter) fetchMetric(ctx context.Context, geoType, geo, region string, population int64, year int) ([]domain.SurveillanceRecord, error) {
	target := a.metricURL(geoType, geo)
	var records []domain.SurveillanceRecord

	for pageNum := 1; ; pageNum++ {
		params := url.Values{
			"page_size": {strconv.Itoa(pageSize)},
			"age":       {"all"},
			"page":      {strconv.Itoa(pageNum)},
		}
		if year > 0 {
			params.Set("year", strconv.Itoa(year))
		}

		body, err := a.getPage(ctx, target, params)
		if err != nil {
			return nil, fmt.Errorf("ukhsa %s page %d: %w", geo, pageNum, err)
		}
		if body == nil {
			a.logger.Error("ukhsa still empty after retry", "geo", geo, "page", pageNum)
			break
		}

		var p page
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("decode ukhsa %s page %d: %w", geo, pageNum, err)
		}
		if len(p.Results) == 0 {
			break
		}
		for _, entry := range p.Results {
			if r, ok := parseEntry(entry, population, region); ok {
				records = append(records, r)
			}
		}
		if p.Next == nil || *p.Next == "" {
			break
		}
	}
	return records, nil
}

// getPage returns nil without error when the API stays silent after one
// throttling retry.
func (a *Adapter) getPage(ctx context.Context, target string, params url.Values) ([]byte, error) {
	body, err := a.client.Get(ctx, target, params)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(body)) > 0 {
		return body, nil
	}

	a.logger.Warn("ukhsa empty response, retrying", "url", target, "wait", 2*a.delay)
	timer := time.NewTimer(2 * a.delay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return nil, ctx.Err()
	case <-timer.C:
	}

	body, err = a.client.Get(ctx, target, params)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	return body, nil
}

func parseEntry(entry map[string]any, population int64, region string) (domain.SurveillanceRecord, bool) {
	date := payload.String(entry["date"])
	if len(date) < 10 {
		return domain.SurveillanceRecord{}, false
	}
	day, err := time.Parse("2006-01-02", date[:10])
	if err != nil {
		return domain.SurveillanceRecord{}, false
	}

	var rate float64
	switch v := entry["metric_value"].(type) {
	case float64:
		rate = v
	case string:
		if rate, err = strconv.ParseFloat(v, 64); err != nil {
			return domain.SurveillanceRecord{}, false
		}
	default:
		return domain.SurveillanceRecord{}, false
	}

	cases := int(math.RoundToEven(rate * float64(population) / 100_000))
	if cases <= 0 {
		return domain.SurveillanceRecord{}, false
	}
	return domain.SurveillanceRecord{
		Time:        domain.WeekStart(day),
		CountryCode: "GB",
		Region:      region,
		NewCases:    cases,
		Source:      Name,
	}, true
}

// Package anomaly flags weekly case spikes by comparing the last four weeks
// against a trailing baseline, per country and per region. Each detection
// cycle replaces the stored anomaly set wholesale.
package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/adalyuf/flutracker/internal/domain"
	"github.com/adalyuf/flutracker/internal/observability"
)

const (
	// Window is the trailing period bucketed into ISO weeks.
	Window = 16 * 7 * 24 * time.Hour
	// RecentWeeks is the comparison window at the end of the series.
	RecentWeeks = 4
	// MinWeeks is the number of non-empty weeks required to evaluate a series.
	MinWeeks = 8
	// MinBaselineStd skips near-constant baselines.
	MinBaselineStd = 1.0
	// MinPer100k is the per-capita gate on the recent mean.
	MinPer100k = 1.0

	CountryThreshold = 2.0
	RegionThreshold  = 3.0
)

// Store is the persistence the engine reads from and writes to.
type Store interface {
	Countries(ctx context.Context) ([]domain.Country, error)
	WeeklyCases(ctx context.Context, q domain.CaseQuery) ([]domain.WeeklyTotal, error)
	RegionLocations(ctx context.Context, from time.Time) ([]domain.Location, error)
	ReplaceAnomalies(ctx context.Context, set []domain.Anomaly) error
}

// Publisher receives each freshly computed anomaly set.
type Publisher interface {
	PublishAnomalies(ctx context.Context, set []domain.Anomaly) error
}

// Invalidator drops cached reads after the anomaly table changes.
type Invalidator interface {
	Invalidate(prefix string)
}

// Stats is the evaluation of one weekly series.
type Stats struct {
	BaselineMean float64
	BaselineStd  float64
	RecentMean   float64
	Z            float64
}

// Evaluate splits weekly totals into baseline and recent windows. It reports
// false when the series is too short or the baseline too flat.
func Evaluate(weekly []float64) (Stats, bool) {
	if len(weekly) < MinWeeks {
		return Stats{}, false
	}
	baseline := weekly[:len(weekly)-RecentWeeks]
	recent := weekly[len(weekly)-RecentWeeks:]

	mean, std := stat.PopMeanStdDev(baseline, nil)
	if std < MinBaselineStd {
		return Stats{}, false
	}
	recentMean := stat.Mean(recent, nil)
	return Stats{
		BaselineMean: mean,
		BaselineStd:  std,
		RecentMean:   recentMean,
		Z:            (recentMean - mean) / std,
	}, true
}

// Per100k scales the recent mean by population. Non-positive populations
// yield zero so they never pass the gate.
func (s Stats) Per100k(population int64) float64 {
	if population <= 0 {
		return 0
	}
	return s.RecentMean / float64(population) * 100_000
}

// Flagged applies the z threshold and the per-capita gate.
func (s Stats) Flagged(population int64, threshold float64) bool {
	return s.Z >= threshold && s.Per100k(population) > MinPer100k
}

// PercentChange is the recent mean relative to baseline, rounded to one
// decimal. A zero baseline reports 0.
func (s Stats) PercentChange() float64 {
	if s.BaselineMean <= 0 {
		return 0
	}
	return math.Round((s.RecentMean-s.BaselineMean)/s.BaselineMean*1000) / 10
}

// Severity bands |z|; each lower bound is inclusive.
func Severity(z float64) string {
	switch abs := math.Abs(z); {
	case abs >= 3.5:
		return domain.SeverityCritical
	case abs >= 3.0:
		return domain.SeverityHigh
	case abs >= 2.5:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

// Engine recomputes the anomaly table.
type Engine struct {
	store       Store
	logger      *slog.Logger
	metrics     *observability.Metrics
	publisher   Publisher
	invalidator Invalidator
}

// Option customizes an Engine.
type Option func(*Engine)

// WithPublisher publishes every computed set after it is stored.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithInvalidator clears cached reads after the table is replaced.
func WithInvalidator(i Invalidator) Option {
	return func(e *Engine) { e.invalidator = i }
}

// NewEngine creates an Engine.
func NewEngine(store Store, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Engine {
	e := &Engine{store: store, logger: logger, metrics: metrics}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Detect evaluates every country and region, replaces the stored set and
// returns it. A location whose query fails is skipped.
func (e *Engine) Detect(ctx context.Context) ([]domain.Anomaly, error) {
	set, err := e.detect(ctx)
	if err != nil {
		e.metrics.AnomalyRuns.WithLabelValues("error").Inc()
		return nil, err
	}
	e.metrics.AnomalyRuns.WithLabelValues("success").Inc()
	e.metrics.AnomaliesDetected.Set(float64(len(set)))
	return set, nil
}

func (e *Engine) detect(ctx context.Context) ([]domain.Anomaly, error) {
	now := domain.Now()
	from := now.Add(-Window)

	countries, err := e.store.Countries(ctx)
	if err != nil {
		return nil, fmt.Errorf("load countries: %w", err)
	}
	population := make(map[string]int64, len(countries))

	set := []domain.Anomaly{}
	for _, c := range countries {
		population[c.Code] = c.Population
		if c.Population <= 0 {
			continue
		}
		stats, ok := e.series(ctx, domain.CaseQuery{CountryCode: c.Code, From: from})
		if !ok || !stats.Flagged(c.Population, CountryThreshold) {
			continue
		}
		set = append(set, domain.Anomaly{
			DetectedAt:  now,
			CountryCode: c.Code,
			Metric:      domain.MetricWeeklyCases,
			ZScore:      round2(stats.Z),
			Description: fmt.Sprintf("Spike: %+.1f%% vs 12-week baseline (%s)", stats.PercentChange(), c.Name),
			Severity:    Severity(stats.Z),
		})
	}

	locations, err := e.store.RegionLocations(ctx, from)
	if err != nil {
		e.logger.Warn("region anomaly pass skipped", "error", err)
	}
	for _, loc := range locations {
		pop := population[loc.CountryCode]
		if pop <= 0 {
			continue
		}
		stats, ok := e.series(ctx, domain.CaseQuery{CountryCode: loc.CountryCode, Region: loc.Region, From: from})
		if !ok || !stats.Flagged(pop, RegionThreshold) {
			continue
		}
		set = append(set, domain.Anomaly{
			DetectedAt:  now,
			CountryCode: loc.CountryCode,
			Region:      loc.Region,
			Metric:      domain.MetricWeeklyCases,
			ZScore:      round2(stats.Z),
			Description: fmt.Sprintf("Regional spike: %s (%s)", loc.Region, loc.CountryCode),
			Severity:    Severity(stats.Z),
		})
	}

	if err := e.store.ReplaceAnomalies(ctx, set); err != nil {
		return nil, fmt.Errorf("replace anomalies: %w", err)
	}
	e.logger.Info("anomaly detection complete", "anomalies", len(set), "countries", len(countries), "regions", len(locations))

	if e.invalidator != nil {
		e.invalidator.Invalidate("anomalies")
	}
	if e.publisher != nil {
		if err := e.publisher.PublishAnomalies(ctx, set); err != nil {
			e.logger.Warn("publish anomalies failed", "error", err)
		}
	}
	return set, nil
}

func (e *Engine) series(ctx context.Context, q domain.CaseQuery) (Stats, bool) {
	weeks, err := e.store.WeeklyCases(ctx, q)
	if err != nil {
		e.logger.Warn("anomaly series query failed", "country", q.CountryCode, "region", q.Region, "error", err)
		return Stats{}, false
	}
	values := make([]float64, len(weeks))
	for i, w := range weeks {
		values[i] = float64(w.Cases)
	}
	return Evaluate(values)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

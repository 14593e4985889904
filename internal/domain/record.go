package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Flu type labels shared by every source.
const (
	FluTypeH1N1        = "H1N1"
	FluTypeH3N2        = "H3N2"
	FluTypeH5N1        = "H5N1"
	FluTypeH7N9        = "H7N9"
	FluTypeBVictoria   = "B/Victoria"
	FluTypeBYamagata   = "B/Yamagata"
	FluTypeAUnsubtyped = "A (unsubtyped)"
	FluTypeBUnknown    = "B (lineage unknown)"
	FluTypeUnknown     = "unknown"
)

var validate = validator.New()

// SurveillanceRecord is one normalized observation emitted by a source adapter.
// Region, City and FluType are optional; the empty string means absent.
type SurveillanceRecord struct {
	Time        time.Time `json:"time"`
	CountryCode string    `json:"country_code" validate:"required,len=2,alpha,uppercase"`
	Region      string    `json:"region,omitempty"`
	City        string    `json:"city,omitempty"`
	NewCases    int       `json:"new_cases" validate:"gte=0"`
	FluType     string    `json:"flu_type,omitempty"`
	Source      string    `json:"source" validate:"required"`
}

// Key returns the record's natural key.
func (r SurveillanceRecord) Key() NaturalKey {
	return NaturalKey{
		Time:        r.Time.UTC().Unix(),
		CountryCode: r.CountryCode,
		Source:      r.Source,
		Region:      r.Region,
		City:        r.City,
		FluType:     r.FluType,
	}
}

// Validate reports whether the record satisfies the canonical shape.
func (r SurveillanceRecord) Validate() error {
	if r.Time.IsZero() {
		return errors.New("record time is zero")
	}
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}
	return nil
}

// NaturalKey identifies a persisted case row. Time is held as Unix seconds so
// keys built from values with different locations still compare equal.
type NaturalKey struct {
	Time        int64
	CountryCode string
	Source      string
	Region      string
	City        string
	FluType     string
}

// KeySpan narrows an existence lookup to the candidates of one batch.
type KeySpan struct {
	From      time.Time
	To        time.Time
	Countries []string
	Sources   []string
}

// Country is reference data for one reporting country.
type Country struct {
	Code            string     `yaml:"code" json:"code"`
	Name            string     `yaml:"name" json:"name"`
	Population      int64      `yaml:"population" json:"population"`
	Continent       string     `yaml:"continent" json:"continent"`
	ScraperID       string     `yaml:"scraper_id" json:"scraper_id"`
	ScrapeFrequency string     `yaml:"scrape_frequency" json:"scrape_frequency"`
	LastScraped     *time.Time `yaml:"-" json:"last_scraped,omitempty"`
}

// Run statuses.
const (
	RunRunning = "running"
	RunSuccess = "success"
	RunError   = "error"
)

// MaxErrorMessage bounds the error text kept on a failed RunLog.
const MaxErrorMessage = 500

// RunLog records one orchestrated adapter invocation.
type RunLog struct {
	ID             int64
	RunID          string
	ScraperID      string
	StartedAt      time.Time
	FinishedAt     *time.Time
	Status         string
	RecordsFetched int
	ErrorMessage   string
}

// TruncateError returns at most MaxErrorMessage runes of err's message.
func TruncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := []rune(err.Error())
	if len(msg) > MaxErrorMessage {
		msg = msg[:MaxErrorMessage]
	}
	return string(msg)
}

// MetricWeeklyCases is the only metric the anomaly engine evaluates.
const MetricWeeklyCases = "weekly_cases"

// Severity levels for anomalies, ordered by |z|.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Anomaly is a flagged spike for a country or, when Region is set, one of its regions.
type Anomaly struct {
	DetectedAt  time.Time `json:"detected_at"`
	CountryCode string    `json:"country_code"`
	Region      string    `json:"region,omitempty"`
	Metric      string    `json:"metric"`
	ZScore      float64   `json:"z_score"`
	Description string    `json:"description"`
	Severity    string    `json:"severity"`
}

// ForecastPoint is one projected week.
type ForecastPoint struct {
	Date           string `json:"date"`
	PredictedCases int    `json:"predicted_cases"`
	Lower80        int    `json:"lower_80"`
	Upper80        int    `json:"upper_80"`
	Lower95        int    `json:"lower_95"`
	Upper95        int    `json:"upper_95"`
}

// WeeklyTotal is the summed case count of one ISO week.
type WeeklyTotal struct {
	Week  time.Time `json:"week"`
	Cases int64     `json:"cases"`
}

// Location is a country or, when Region is set, one of its regions.
type Location struct {
	CountryCode string
	Region      string
}

// CaseQuery selects weekly totals. Empty Region spans the whole country and
// zero times leave the range open.
type CaseQuery struct {
	CountryCode string
	Region      string
	From        time.Time
	To          time.Time
}

// GenomicSequence is metadata for one sequenced influenza sample.
type GenomicSequence struct {
	SampleDate    time.Time `json:"sample_date"`
	CountryCode   string    `json:"country_code,omitempty"`
	CountryName   string    `json:"country_name,omitempty"`
	Lineage       string    `json:"lineage"`
	Clade         string    `json:"clade"`
	StrainName    string    `json:"strain_name"`
	Source        string    `json:"source"`
	SourceDataset string    `json:"source_dataset"`
}

package pipeline

import (
	"context"
	"time"

	"github.com/adalyuf/flutracker/internal/domain"
)

// Source is a surveillance data adapter.
type Source interface {
	// Name is the stable source identifier stored on records and run logs.
	Name() string
	// CountryCode is the country the source covers, or "" when it spans many.
	CountryCode() string
	FetchLatest(ctx context.Context) ([]domain.SurveillanceRecord, error)
}

// RangeFetcher is implemented by sources that can fetch an ISO week range.
type RangeFetcher interface {
	FetchRange(ctx context.Context, fromYear, fromWeek, toYear, toWeek int) ([]domain.SurveillanceRecord, error)
}

// YearFetcher is implemented by sources that can fetch one calendar year.
type YearFetcher interface {
	FetchYear(ctx context.Context, year int) ([]domain.SurveillanceRecord, error)
}

// Store persists run logs and opens ingestion transactions.
type Store interface {
	StartRun(ctx context.Context, runID, scraperID string, startedAt time.Time) (int64, error)
	FailRun(ctx context.Context, id int64, finishedAt time.Time, message string) error
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one ingestion transaction. Nothing written through it is visible
// before Commit.
type Tx interface {
	ExistingKeys(ctx context.Context, span domain.KeySpan) (map[domain.NaturalKey]struct{}, error)
	InsertCases(ctx context.Context, records []domain.SurveillanceRecord) (int, error)
	TouchCountry(ctx context.Context, code string, at time.Time) error
	CompleteRun(ctx context.Context, id int64, finishedAt time.Time, stored int) error
	Commit() error
	Rollback() error
}

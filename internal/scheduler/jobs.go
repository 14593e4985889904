package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/adalyuf/flutracker/internal/domain"
	"github.com/adalyuf/flutracker/internal/observability"
	"github.com/adalyuf/flutracker/internal/pipeline"
)

// Runner runs and backfills sources.
type Runner interface {
	Run(ctx context.Context, src pipeline.Source) (int, error)
	Backfill(ctx context.Context, src pipeline.Source, fromYear, toYear int, dryRun bool) (pipeline.Report, error)
}

// Detector recomputes the anomaly set.
type Detector interface {
	Detect(ctx context.Context) ([]domain.Anomaly, error)
}

// HistoryStore is the persistence the rebuild touches outside run transactions.
type HistoryStore interface {
	PurgeHistory(ctx context.Context) error
	CountryNames(ctx context.Context) (map[string]string, error)
	InsertSequences(ctx context.Context, seqs []domain.GenomicSequence) (int, error)
}

// GenomicsFetcher loads genomic sequences collected on or after since.
type GenomicsFetcher interface {
	Fetch(ctx context.Context, since time.Time, countryNames map[string]string) ([]domain.GenomicSequence, error)
}

// SourceJob runs src's latest fetch on spec.
func SourceJob(spec string, runner Runner, src pipeline.Source) Job {
	return Job{
		Name: src.Name(),
		Spec: spec,
		Run: func(ctx context.Context) error {
			_, err := runner.Run(ctx, src)
			return err
		},
	}
}

// AnomalyJob recomputes anomalies on spec.
func AnomalyJob(spec string, d Detector) Job {
	return Job{
		Name: "anomaly",
		Spec: spec,
		Run: func(ctx context.Context) error {
			_, err := d.Detect(ctx)
			return err
		},
	}
}

// RebuildJob runs rb on spec.
func RebuildJob(spec string, rb *Rebuild) Job {
	return Job{Name: "rebuild", Spec: spec, Run: rb.Run}
}

// ErrRebuildRunning is returned when a rebuild is already in progress.
var ErrRebuildRunning = errors.New("rebuild already running")

// BackfillTarget is a source and the first year it is rebuilt from.
type BackfillTarget struct {
	Source   pipeline.Source
	FromYear int
}

// Rebuild purges history and reloads it from every backfill-capable source,
// then genomics, then recomputes anomalies. Only one rebuild runs at a time.
type Rebuild struct {
	runner   Runner
	store    HistoryStore
	detector Detector
	genomics GenomicsFetcher
	targets  []BackfillTarget
	years    int
	logger   *slog.Logger
	metrics  *observability.Metrics
	running  atomic.Bool
}

// NewRebuild creates a Rebuild. genomics may be nil; years is how far back
// genomic sequences are kept.
func NewRebuild(runner Runner, store HistoryStore, detector Detector, genomics GenomicsFetcher,
	targets []BackfillTarget, years int, logger *slog.Logger, metrics *observability.Metrics,
) *Rebuild {
	return &Rebuild{
		runner:   runner,
		store:    store,
		detector: detector,
		genomics: genomics,
		targets:  targets,
		years:    years,
		logger:   logger,
		metrics:  metrics,
	}
}

// Running reports whether a rebuild is in progress.
func (rb *Rebuild) Running() bool {
	return rb.running.Load()
}

// Run performs a full rebuild. Failures of individual sources are logged and
// the rebuild continues; purge and detection failures end it.
func (rb *Rebuild) Run(ctx context.Context) error {
	if !rb.running.CompareAndSwap(false, true) {
		return ErrRebuildRunning
	}
	rb.metrics.RebuildRunning.Set(1)
	defer func() {
		rb.running.Store(false)
		rb.metrics.RebuildRunning.Set(0)
	}()

	start := domain.Now()
	rb.logger.Info("rebuild started", "sources", len(rb.targets))

	if err := rb.store.PurgeHistory(ctx); err != nil {
		return fmt.Errorf("purge history: %w", err)
	}

	thisYear := domain.Now().Year()
	for _, t := range rb.targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !pipeline.CanBackfill(t.Source) {
			continue
		}
		report, err := rb.runner.Backfill(ctx, t.Source, t.FromYear, thisYear, false)
		if err != nil {
			rb.logger.Error("rebuild source failed", "source", t.Source.Name(), "error", err)
			continue
		}
		rb.logger.Info("rebuild source done", "source", t.Source.Name(), "stored", report.Stored)
	}

	if rb.genomics != nil {
		if _, err := rb.Genomics(ctx); err != nil {
			rb.logger.Error("rebuild genomics failed", "error", err)
		}
	}

	if _, err := rb.detector.Detect(ctx); err != nil {
		return fmt.Errorf("detect anomalies: %w", err)
	}
	rb.logger.Info("rebuild completed", "duration", domain.Clock().Since(start))
	return nil
}

// Genomics loads sequences from the last configured years and returns the
// number of new rows.
func (rb *Rebuild) Genomics(ctx context.Context) (int, error) {
	if rb.genomics == nil {
		return 0, errors.New("genomics source not configured")
	}
	names, err := rb.store.CountryNames(ctx)
	if err != nil {
		return 0, fmt.Errorf("load country names: %w", err)
	}
	since := domain.Now().AddDate(-rb.years, 0, 0)
	seqs, err := rb.genomics.Fetch(ctx, since, names)
	if err != nil {
		return 0, fmt.Errorf("fetch genomics: %w", err)
	}
	stored, err := rb.store.InsertSequences(ctx, seqs)
	if err != nil {
		return 0, fmt.Errorf("store genomics: %w", err)
	}
	rb.logger.Info("genomics loaded", "fetched", len(seqs), "stored", stored)
	return stored, nil
}

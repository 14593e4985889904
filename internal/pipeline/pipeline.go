// Package pipeline runs surveillance sources end to end: fetch, reconcile
// against stored keys, persist and record the outcome on a RunLog.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/adalyuf/flutracker/internal/domain"
	"github.com/adalyuf/flutracker/internal/observability"
)

// Invalidator drops cached read results after new data lands.
type Invalidator interface {
	Invalidate(prefix string)
}

// Mirror receives rows after they are committed.
type Mirror interface {
	MirrorCases(ctx context.Context, records []domain.SurveillanceRecord) error
}

// Runner orchestrates source runs against a Store.
type Runner struct {
	store       Store
	logger      *slog.Logger
	metrics     *observability.Metrics
	batchSize   int
	invalidator Invalidator
	mirror      Mirror
	ready       atomic.Bool
}

// Option customizes a Runner.
type Option func(*Runner)

// WithBatchSize sets the Persist chunk size.
func WithBatchSize(n int) Option {
	return func(r *Runner) { r.batchSize = n }
}

// WithInvalidator clears cached reads after every run that stores rows.
func WithInvalidator(i Invalidator) Option {
	return func(r *Runner) { r.invalidator = i }
}

// WithMirror copies committed rows to a secondary sink.
func WithMirror(m Mirror) Option {
	return func(r *Runner) { r.mirror = m }
}

// NewRunner creates a Runner.
func NewRunner(store Store, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Runner {
	r := &Runner{
		store:     store,
		logger:    logger,
		metrics:   metrics,
		batchSize: DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CheckReadiness returns nil once at least one run has finished successfully.
func (r *Runner) CheckReadiness(_ context.Context) error {
	if !r.ready.Load() {
		return errors.New("no ingestion run has completed yet")
	}
	return nil
}

// Run fetches the latest data from src and stores what is new. It returns the
// number of rows stored.
func (r *Runner) Run(ctx context.Context, src Source) (int, error) {
	return r.run(ctx, src.Name(), src.CountryCode(), src.FetchLatest)
}

// RunRecords stores already fetched records under the same run bookkeeping as Run.
func (r *Runner) RunRecords(ctx context.Context, name, countryCode string, records []domain.SurveillanceRecord) (int, error) {
	return r.run(ctx, name, countryCode, func(context.Context) ([]domain.SurveillanceRecord, error) {
		return records, nil
	})
}

type fetchFunc func(context.Context) ([]domain.SurveillanceRecord, error)

func (r *Runner) run(ctx context.Context, name, countryCode string, fetch fetchFunc) (int, error) {
	start := domain.Now()
	runID := uuid.NewString()
	logger := r.logger.With("source", name, "run_id", runID)

	id, err := r.store.StartRun(ctx, runID, name, start)
	if err != nil {
		r.metrics.RunsTotal.WithLabelValues(name, domain.RunError).Inc()
		return 0, fmt.Errorf("start run %s: %w", name, err)
	}

	stored, fresh, err := r.ingest(ctx, id, name, countryCode, fetch)
	r.metrics.RunDuration.WithLabelValues(name).Observe(domain.Clock().Since(start).Seconds())
	if err != nil {
		// The run log must be closed even when ctx is what failed the run.
		failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if ferr := r.store.FailRun(failCtx, id, domain.Now(), domain.TruncateError(err)); ferr != nil {
			logger.Error("record run failure", "error", ferr)
		}
		r.metrics.RunsTotal.WithLabelValues(name, domain.RunError).Inc()
		logger.Error("run failed", "error", err)
		return 0, err
	}

	r.metrics.RunsTotal.WithLabelValues(name, domain.RunSuccess).Inc()
	r.metrics.RecordsStored.WithLabelValues(name).Add(float64(stored))
	r.ready.Store(true)
	logger.Info("run completed", "stored", stored)

	if stored > 0 {
		r.afterCommit(ctx, logger, fresh)
	}
	return stored, nil
}

// ingest performs the transactional part of a run. The fetch happens before
// the transaction opens so slow upstreams never hold the write lock.
func (r *Runner) ingest(ctx context.Context, id int64, name, countryCode string, fetch fetchFunc) (int, []domain.SurveillanceRecord, error) {
	records, err := fetch(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("fetch %s: %w", name, err)
	}
	r.metrics.RecordsFetched.WithLabelValues(name).Add(float64(len(records)))

	tx, err := r.store.Begin(ctx)
	if err != nil {
		return 0, nil, err
	}

	stored, fresh, err := r.write(ctx, tx, id, countryCode, records)
	if err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			r.logger.Warn("rollback failed", "source", name, "error", rerr)
		}
		return 0, nil, err
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, fmt.Errorf("commit run: %w", err)
	}
	return stored, fresh, nil
}

func (r *Runner) write(ctx context.Context, tx Tx, id int64, countryCode string, records []domain.SurveillanceRecord) (int, []domain.SurveillanceRecord, error) {
	fresh, err := Reconcile(ctx, tx, records, r.logger)
	if err != nil {
		return 0, nil, err
	}
	stored, err := Persist(ctx, tx, fresh, r.batchSize)
	if err != nil {
		return 0, nil, err
	}
	now := domain.Now()
	if countryCode != "" {
		if err := tx.TouchCountry(ctx, countryCode, now); err != nil {
			return 0, nil, err
		}
	}
	if err := tx.CompleteRun(ctx, id, now, stored); err != nil {
		return 0, nil, err
	}
	return stored, fresh, nil
}

// afterCommit runs best-effort side effects of new data.
func (r *Runner) afterCommit(ctx context.Context, logger *slog.Logger, fresh []domain.SurveillanceRecord) {
	if r.invalidator != nil {
		r.invalidator.Invalidate("")
	}
	if r.mirror != nil {
		if err := r.mirror.MirrorCases(ctx, fresh); err != nil {
			logger.Warn("mirror cases failed", "error", err)
		}
	}
}

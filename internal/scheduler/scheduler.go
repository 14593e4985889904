// Package scheduler runs ingestion, detection and rebuild jobs on cron
// schedules. A failing job is logged and counted; it never stops the
// scheduler or other jobs.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/adalyuf/flutracker/internal/observability"
)

// Staggered schedules for the per-country sources and the anomaly cycle.
const (
	CDCSpec       = "10 */6 * * *"
	UKHSASpec     = "25 */6 * * *"
	InfoGripeSpec = "40 */6 * * *"
	IDSPSpec      = "55 */6 * * *"
	AnomalySpec   = "0 1,7,13,19 * * *"
)

// EverySpec returns a fixed-interval schedule.
func EverySpec(d time.Duration) string {
	return "@every " + d.String()
}

// Job is one scheduled unit of work.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
	// Immediate also runs the job once when the scheduler starts.
	Immediate bool
}

// Scheduler owns a cron instance and the context its jobs run under.
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	metrics *observability.Metrics
	jobs    []Job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler. Overlapping runs of the same job are skipped.
func New(logger *slog.Logger, metrics *observability.Metrics) *Scheduler {
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		metrics: metrics,
	}
}

// Add registers a job. It must be called before Start.
func (s *Scheduler) Add(job Job) error {
	if _, err := s.cron.AddFunc(job.Spec, func() { s.execute(job) }); err != nil {
		return fmt.Errorf("schedule %s %q: %w", job.Name, job.Spec, err)
	}
	s.jobs = append(s.jobs, job)
	s.logger.Info("job scheduled", "job", job.Name, "spec", job.Spec)
	return nil
}

// Start begins running jobs. Jobs marked Immediate run once right away.
// Cancelling ctx cancels in-flight jobs.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	for _, job := range s.jobs {
		if job.Immediate {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.execute(job)
			}()
		}
	}
}

// Stop halts scheduling and waits for running jobs until ctx expires, after
// which their context is cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	cronDone := s.cron.Stop().Done()
	done := make(chan struct{})
	go func() {
		<-cronDone
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancelJobs()
		return nil
	case <-ctx.Done():
		s.cancelJobs()
		<-done
		return ctx.Err()
	}
}

func (s *Scheduler) cancelJobs() {
	if s.cancel != nil {
		s.cancel()
	}
}

// execute runs a job with panic and error containment.
func (s *Scheduler) execute(job Job) {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	logger := s.logger.With("job", job.Name)

	defer func() {
		if r := recover(); r != nil {
			s.metrics.SchedulerJobErrors.WithLabelValues(job.Name).Inc()
			logger.Error("job panicked", "panic", r)
		}
	}()

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		s.metrics.SchedulerJobErrors.WithLabelValues(job.Name).Inc()
		logger.Error("job failed", "error", err, "duration", time.Since(start))
		return
	}
	logger.Debug("job finished", "duration", time.Since(start))
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"golang.org/x/sync/errgroup"

	httpadapter "github.com/adalyuf/flutracker/internal/adapter/http"
	"github.com/adalyuf/flutracker/internal/adapter/influx"
	kafkaadapter "github.com/adalyuf/flutracker/internal/adapter/kafka"
	"github.com/adalyuf/flutracker/internal/adapter/sqlite"
	"github.com/adalyuf/flutracker/internal/anomaly"
	"github.com/adalyuf/flutracker/internal/cache"
	"github.com/adalyuf/flutracker/internal/config"
	"github.com/adalyuf/flutracker/internal/observability"
	"github.com/adalyuf/flutracker/internal/pipeline"
	"github.com/adalyuf/flutracker/internal/scheduler"
	"github.com/adalyuf/flutracker/internal/sources"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	if err := run(cfg, logger, metrics); err != nil {
		logger.Error("service stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.Open(ctx, cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("store close error", "error", err)
		}
	}()

	apiCache := cache.New(cfg.CacheTTL, metrics)
	readiness := []sharedobs.ReadinessChecker{store}

	runnerOpts := []pipeline.Option{
		pipeline.WithBatchSize(cfg.PersistBatchSize),
		pipeline.WithInvalidator(apiCache),
	}
	if cfg.InfluxEnabled() {
		mirror := influx.NewMirror(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket, logger)
		defer mirror.Close()
		runnerOpts = append(runnerOpts, pipeline.WithMirror(mirror))
		readiness = append(readiness, mirror)
		logger.Info("influx mirror enabled", "url", cfg.InfluxURL, "bucket", cfg.InfluxBucket)
	}
	runner := pipeline.NewRunner(store, logger, metrics, runnerOpts...)
	readiness = append(readiness, runner)

	engineOpts := []anomaly.Option{anomaly.WithInvalidator(apiCache)}
	if cfg.KafkaEnabled() {
		writer := kafkaadapter.NewWriter(cfg.KafkaBrokers, cfg.KafkaAnomalyTopic, logger)
		defer func() {
			if err := writer.Close(); err != nil {
				logger.Error("kafka writer close error", "error", err)
			}
		}()
		engineOpts = append(engineOpts, anomaly.WithPublisher(writer))
		logger.Info("kafka anomaly publishing enabled", "topic", cfg.KafkaAnomalyTopic)
	}
	engine := anomaly.NewEngine(store, logger, metrics, engineOpts...)

	set := sources.New(cfg, logger, metrics)
	sched := scheduler.New(logger, metrics)

	jobs := []scheduler.Job{scheduler.AnomalyJob(scheduler.AnomalySpec, engine)}
	if cfg.ScrapeEnabled {
		jobs = append(jobs, set.Jobs(cfg, runner)...)
	} else {
		logger.Info("scheduled scraping disabled")
	}
	if cfg.RebuildEnabled {
		rebuild := scheduler.NewRebuild(runner, store, engine, set.Nextstrain,
			set.BackfillTargets(cfg), cfg.GenomicsYears, logger, metrics)
		jobs = append(jobs, scheduler.RebuildJob(cfg.RebuildCron, rebuild))
	}
	for _, job := range jobs {
		if err := sched.Add(job); err != nil {
			return err
		}
	}

	api := httpadapter.NewAPI(store, apiCache, logger)
	srv := httpadapter.NewServer(cfg.HTTPAddr, httpadapter.Ready(readiness...), api, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	sched.Start(gctx)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Error("scheduler stop error", "error", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

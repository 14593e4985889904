// Command backfill loads historical surveillance data into the store and runs
// the maintenance jobs of the service by hand.
//
// Usage:
//
//	backfill flunet --from 2016 --to 2024 --dry-run
//	backfill srag --from 2023
//	backfill genomics
//	backfill rebuild
//	backfill detect
//	backfill runs -n 20
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/adalyuf/flutracker/internal/adapter/sqlite"
	"github.com/adalyuf/flutracker/internal/anomaly"
	"github.com/adalyuf/flutracker/internal/config"
	"github.com/adalyuf/flutracker/internal/domain"
	"github.com/adalyuf/flutracker/internal/observability"
	"github.com/adalyuf/flutracker/internal/pipeline"
	"github.com/adalyuf/flutracker/internal/scheduler"
	"github.com/adalyuf/flutracker/internal/sources"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env is everything a subcommand needs, opened lazily per invocation.
type env struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *sqlite.Store
	runner  *pipeline.Runner
	engine  *anomaly.Engine
	sources sources.Set
	rebuild *scheduler.Rebuild
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	store, err := sqlite.Open(ctx, cfg.DBPath, logger)
	if err != nil {
		return nil, err
	}
	runner := pipeline.NewRunner(store, logger, metrics, pipeline.WithBatchSize(cfg.PersistBatchSize))
	engine := anomaly.NewEngine(store, logger, metrics)
	set := sources.New(cfg, logger, metrics)

	return &env{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		runner:  runner,
		engine:  engine,
		sources: set,
		rebuild: scheduler.NewRebuild(runner, store, engine, set.Nextstrain,
			set.BackfillTargets(cfg), cfg.GenomicsYears, logger, metrics),
	}, nil
}

func (e *env) close() {
	if err := e.store.Close(); err != nil {
		e.logger.Error("store close error", "error", err)
	}
}

// withEnv opens the environment around fn.
func withEnv(fn func(cmd *cobra.Command, e *env) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.close()
		return fn(cmd, e)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "backfill",
		Short:         "Load historical influenza surveillance data and run maintenance jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		sourceCmd("flunet", "WHO FluNet weekly reports", func(e *env) (pipeline.Source, int) {
			return e.sources.FluNet, e.cfg.BackfillFlunetFrom
		}),
		sourceCmd("cdc", "CDC FluView seasons", func(e *env) (pipeline.Source, int) {
			return e.sources.CDC, e.cfg.BackfillCDCFrom
		}),
		sourceCmd("ukhsa", "UKHSA positivity-derived cases", func(e *env) (pipeline.Source, int) {
			return e.sources.UKHSA, e.cfg.BackfillUKHSAFrom
		}),
		sourceCmd("srag", "Brazil OpenDataSUS SRAG yearly dumps", func(e *env) (pipeline.Source, int) {
			return e.sources.SRAG, e.cfg.BackfillSRAGFrom
		}),
		genomicsCmd(),
		rebuildCmd(),
		detectCmd(),
		runsCmd(),
	)
	return root
}

// sourceCmd backfills one source over a year range. --from defaults to the
// configured start year and --to to the current year.
func sourceCmd(use, short string, pick func(*env) (pipeline.Source, int)) *cobra.Command {
	var (
		from, to int
		dryRun   bool
	)
	cmd := &cobra.Command{
		Use:   use,
		Short: "Backfill " + short,
		Args:  cobra.NoArgs,
		RunE: withEnv(func(cmd *cobra.Command, e *env) error {
			src, defaultFrom := pick(e)
			fromYear, toYear := yearRange(from, to, defaultFrom, domain.Now().Year())

			report, err := e.runner.Backfill(cmd.Context(), src, fromYear, toYear, dryRun)
			if err != nil {
				return err
			}
			return printReport(cmd.OutOrStdout(), report)
		}),
	}
	cmd.Flags().IntVar(&from, "from", 0, "first year (default: configured start year)")
	cmd.Flags().IntVar(&to, "to", 0, "last year (default: current year)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "fetch and count without storing")
	return cmd
}

func genomicsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "genomics",
		Short: "Load Nextstrain genomic sequences for the configured number of years",
		Args:  cobra.NoArgs,
		RunE: withEnv(func(cmd *cobra.Command, e *env) error {
			stored, err := e.rebuild.Genomics(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %d new sequences\n", stored)
			return nil
		}),
	}
}

func rebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Purge history and reload every backfill source, genomics and anomalies",
		Args:  cobra.NoArgs,
		RunE: withEnv(func(cmd *cobra.Command, e *env) error {
			start := time.Now()
			if err := e.rebuild.Run(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rebuild finished in %s\n", time.Since(start).Round(time.Second))
			return nil
		}),
	}
}

func detectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Recompute the anomaly set",
		Args:  cobra.NoArgs,
		RunE: withEnv(func(cmd *cobra.Command, e *env) error {
			set, err := e.engine.Detect(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(set)
		}),
	}
}

func runsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent ingestion runs",
		Args:  cobra.NoArgs,
		RunE: withEnv(func(cmd *cobra.Command, e *env) error {
			runs, err := e.store.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printRuns(cmd.OutOrStdout(), runs)
		}),
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return cmd
}

func yearRange(from, to, defaultFrom, thisYear int) (int, int) {
	if from == 0 {
		from = defaultFrom
	}
	if to == 0 {
		to = thisYear
	}
	return from, to
}

func printReport(w io.Writer, report pipeline.Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "source: %s\tdry run: %t\n", report.Source, report.DryRun)
	fmt.Fprintln(tw, "YEAR\tRECORDS\tCASES\tREGIONS\tSTORED\tSKIPPED\tERROR")
	for _, y := range report.Years {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\t%s\n", y.Year, y.Records, y.Cases, y.Regions, y.Stored, y.Skipped, y.Error)
	}
	fmt.Fprintf(tw, "total\t\t\t\t%d\t%d\t\n", report.Stored, report.Skipped)
	return tw.Flush()
}

func printRuns(w io.Writer, runs []domain.RunLog) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSOURCE\tSTARTED\tSTATUS\tSTORED\tERROR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.ScraperID, r.StartedAt.Format(time.RFC3339), r.Status, r.RecordsFetched, r.ErrorMessage)
	}
	return tw.Flush()
}

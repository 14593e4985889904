// Package sources builds the configured surveillance adapters and their
// fetch clients.
package sources

import (
	"log/slog"
	"time"

	"github.com/adalyuf/flutracker/internal/adapter/cdc"
	"github.com/adalyuf/flutracker/internal/adapter/flunet"
	"github.com/adalyuf/flutracker/internal/adapter/idsp"
	"github.com/adalyuf/flutracker/internal/adapter/infogripe"
	"github.com/adalyuf/flutracker/internal/adapter/nextstrain"
	"github.com/adalyuf/flutracker/internal/adapter/srag"
	"github.com/adalyuf/flutracker/internal/adapter/ukhsa"
	"github.com/adalyuf/flutracker/internal/config"
	"github.com/adalyuf/flutracker/internal/fetch"
	"github.com/adalyuf/flutracker/internal/observability"
	"github.com/adalyuf/flutracker/internal/scheduler"
)

// DownloadTimeout bounds a whole streamed dump download.
const DownloadTimeout = 30 * time.Minute

// Set holds one adapter per upstream.
type Set struct {
	FluNet     *flunet.Adapter
	CDC        *cdc.Adapter
	UKHSA      *ukhsa.Adapter
	InfoGripe  *infogripe.Adapter
	SRAG       *srag.Adapter
	IDSP       *idsp.Adapter
	Nextstrain *nextstrain.Adapter
}

// New builds every adapter from cfg. UKHSA gets its own rate-limited client
// and SRAG one whose timeout covers a full CSV download.
func New(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) Set {
	shared := fetch.NewFromConfig(cfg, logger, metrics)
	throttled := fetch.NewFromConfig(cfg, logger, metrics, fetch.WithRateLimit(cfg.UKHSARequestDelay))
	download := fetch.NewFromConfig(cfg, logger, metrics, fetch.WithTimeout(DownloadTimeout))

	return Set{
		FluNet:     flunet.New(shared, cfg.FlunetCountries, logger),
		CDC:        cdc.New(shared, logger),
		UKHSA:      ukhsa.New(throttled, cfg.UKHSAIncludeRegions, cfg.UKHSARequestDelay, logger),
		InfoGripe:  infogripe.New(shared, logger),
		SRAG:       srag.New(download, cfg.SRAGURLTemplate, logger),
		IDSP:       idsp.New(shared, logger),
		Nextstrain: nextstrain.New(shared, logger),
	}
}

// Jobs returns the scheduled latest-data jobs. FluNet also runs at start.
func (s Set) Jobs(cfg *config.Config, runner scheduler.Runner) []scheduler.Job {
	flunetJob := scheduler.SourceJob(scheduler.EverySpec(cfg.ScrapeInterval), runner, s.FluNet)
	flunetJob.Immediate = true
	return []scheduler.Job{
		flunetJob,
		scheduler.SourceJob(scheduler.CDCSpec, runner, s.CDC),
		scheduler.SourceJob(scheduler.UKHSASpec, runner, s.UKHSA),
		scheduler.SourceJob(scheduler.InfoGripeSpec, runner, s.InfoGripe),
		scheduler.SourceJob(scheduler.IDSPSpec, runner, s.IDSP),
	}
}

// BackfillTargets lists the range-capable sources with their configured
// first year, in rebuild order.
func (s Set) BackfillTargets(cfg *config.Config) []scheduler.BackfillTarget {
	return []scheduler.BackfillTarget{
		{Source: s.FluNet, FromYear: cfg.BackfillFlunetFrom},
		{Source: s.CDC, FromYear: cfg.BackfillCDCFrom},
		{Source: s.UKHSA, FromYear: cfg.BackfillUKHSAFrom},
		{Source: s.SRAG, FromYear: cfg.BackfillSRAGFrom},
	}
}

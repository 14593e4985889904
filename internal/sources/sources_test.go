package sources_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalyuf/flutracker/internal/config"
	"github.com/adalyuf/flutracker/internal/observability"
	"github.com/adalyuf/flutracker/internal/pipeline"
	"github.com/adalyuf/flutracker/internal/scheduler"
	"github.com/adalyuf/flutracker/internal/sources"
)

func testConfig() *config.Config {
	return &config.Config{
		FetchTimeout:       time.Second,
		FetchAttempts:      1,
		FetchBackoffMin:    time.Millisecond,
		FetchBackoffMax:    time.Millisecond,
		ScrapeInterval:     6 * time.Hour,
		UKHSARequestDelay:  time.Second,
		SRAGURLTemplate:    config.DefaultSRAGURLTemplate,
		BackfillFlunetFrom: 2016,
		BackfillCDCFrom:    2010,
		BackfillUKHSAFrom:  2015,
		BackfillSRAGFrom:   2019,
	}
}

func TestSet_BackfillTargetsAreRangeCapable(t *testing.T) {
	cfg := testConfig()
	set := sources.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), observability.NewMetricsForTesting())

	targets := set.BackfillTargets(cfg)
	require.Len(t, targets, 4)
	names := make([]string, len(targets))
	for i, tgt := range targets {
		assert.True(t, pipeline.CanBackfill(tgt.Source), tgt.Source.Name())
		names[i] = tgt.Source.Name()
	}
	assert.Equal(t, []string{"who_flunet", "usa_cdc", "uk_ukhsa", "brazil_svs"}, names)
	assert.Equal(t, 2019, targets[3].FromYear)

	assert.False(t, pipeline.CanBackfill(set.IDSP))
	assert.False(t, pipeline.CanBackfill(set.InfoGripe))
}

func TestSet_JobsSchedule(t *testing.T) {
	cfg := testConfig()
	set := sources.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), observability.NewMetricsForTesting())

	jobs := set.Jobs(cfg, nil)
	require.Len(t, jobs, 5)
	assert.Equal(t, "who_flunet", jobs[0].Name)
	assert.Equal(t, "@every 6h0m0s", jobs[0].Spec)
	assert.True(t, jobs[0].Immediate)
	assert.Equal(t, scheduler.CDCSpec, jobs[1].Spec)
	assert.Equal(t, scheduler.IDSPSpec, jobs[4].Spec)

	s := scheduler.New(slog.New(slog.NewTextHandler(io.Discard, nil)), observability.NewMetricsForTesting())
	for _, j := range jobs {
		require.NoError(t, s.Add(j))
	}
}

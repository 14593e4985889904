package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalyuf/flutracker/internal/adapter/sqlite"
	"github.com/adalyuf/flutracker/internal/domain"
	"github.com/adalyuf/flutracker/internal/observability"
	"github.com/adalyuf/flutracker/internal/pipeline"
)

func TestRun_CleanStorePasses(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "flu.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := sqlite.Open(ctx, path, logger)
	require.NoError(t, err)
	week := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	runner := pipeline.NewRunner(store, logger, observability.NewMetricsForTesting())
	_, err = runner.RunRecords(ctx, "who_flunet", "", []domain.SurveillanceRecord{
		{Time: week, CountryCode: "FR", NewCases: 10, FluType: domain.FluTypeH3N2, Source: "who_flunet"},
		{Time: week.AddDate(0, 0, 7), CountryCode: "FR", NewCases: 12, FluType: domain.FluTypeH3N2, Source: "who_flunet"},
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	var out bytes.Buffer
	assert.Equal(t, 0, run(ctx, path, &out), out.String())
	assert.Contains(t, out.String(), "2 case rows, 1 run logs")
	assert.Contains(t, out.String(), "All validations passed.")
}

func TestCheckCase_FlagsDuplicatesAndMisalignment(t *testing.T) {
	keys := &phase{name: "keys"}
	rows := &phase{name: "rows"}
	weeks := &phase{name: "weeks"}
	seen := make(map[domain.NaturalKey]struct{})

	monday := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := domain.SurveillanceRecord{Time: monday, CountryCode: "US", NewCases: 4, Source: "usa_cdc"}
	checkCase(r, seen, keys, rows, weeks)
	checkCase(r, seen, keys, rows, weeks)

	r.Time = monday.AddDate(0, 0, 2)
	r.NewCases = -1
	checkCase(r, seen, keys, rows, weeks)

	assert.Equal(t, 1, keys.total)
	assert.Equal(t, 1, rows.total)
	assert.Equal(t, 1, weeks.total)
}

func TestValidateRuns(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	done := start.Add(time.Minute)
	before := start.Add(-time.Minute)

	p := validateRuns([]domain.RunLog{
		{ID: 1, Status: domain.RunSuccess, StartedAt: start, FinishedAt: &done},
		{ID: 2, Status: domain.RunError, StartedAt: start, FinishedAt: &done, ErrorMessage: "boom"},
		{ID: 3, Status: domain.RunRunning, StartedAt: start},
		{ID: 4, Status: domain.RunError, StartedAt: start, FinishedAt: &done},
		{ID: 5, Status: domain.RunSuccess, StartedAt: start},
		{ID: 6, Status: domain.RunSuccess, StartedAt: start, FinishedAt: &before},
		{ID: 7, Status: "queued", StartedAt: start},
	})
	assert.Equal(t, 4, p.total)
	assert.False(t, p.passed())
}

func TestPhase_CapsReportedErrors(t *testing.T) {
	p := &phase{}
	for i := 0; i < maxReported+5; i++ {
		p.errorf("e%d", i)
	}
	assert.Len(t, p.errors, maxReported)
	assert.Equal(t, maxReported+5, p.total)
}

package sqlite_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalyuf/flutracker/internal/adapter/sqlite"
	"github.com/adalyuf/flutracker/internal/domain"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "db", "flu.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func week(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func insert(t *testing.T, s *sqlite.Store, records ...domain.SurveillanceRecord) int {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	n, err := tx.InsertCases(ctx, records)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return n
}

func TestOpen_SeedsCountries(t *testing.T) {
	s := openStore(t)
	countries, err := s.Countries(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, countries)

	us, err := s.Country(context.Background(), "US")
	require.NoError(t, err)
	assert.Equal(t, "usa_cdc", us.ScraperID)
	assert.Positive(t, us.Population)
	assert.Nil(t, us.LastScraped)

	_, err = s.Country(context.Background(), "ZZ")
	require.ErrorIs(t, err, sqlite.ErrNotFound)
}

func TestInsertCases_IgnoresNaturalKeyConflicts(t *testing.T) {
	s := openStore(t)
	r := domain.SurveillanceRecord{Time: week(2024, 1, 1), CountryCode: "FR", NewCases: 10, FluType: "H1N1", Source: "who_flunet"}

	assert.Equal(t, 1, insert(t, s, r))
	assert.Equal(t, 0, insert(t, s, r))

	other := r
	other.FluType = ""
	assert.Equal(t, 1, insert(t, s, other))

	var count int
	require.NoError(t, s.EachCase(context.Background(), func(domain.SurveillanceRecord) error {
		count++
		return nil
	}))
	assert.Equal(t, 2, count)
}

func TestExistingKeys_FiltersBySpan(t *testing.T) {
	s := openStore(t)
	in := domain.SurveillanceRecord{Time: week(2024, 1, 8), CountryCode: "FR", Region: "Paris", NewCases: 3, Source: "who_flunet"}
	out := domain.SurveillanceRecord{Time: week(2023, 1, 2), CountryCode: "FR", NewCases: 3, Source: "who_flunet"}
	otherSource := domain.SurveillanceRecord{Time: week(2024, 1, 8), CountryCode: "FR", NewCases: 3, Source: "other"}
	insert(t, s, in, out, otherSource)

	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback() //nolint:errcheck // read-only

	keys, err := tx.ExistingKeys(ctx, domain.KeySpan{
		From: week(2024, 1, 1), To: week(2024, 1, 15), Countries: []string{"FR"}, Sources: []string{"who_flunet"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[domain.NaturalKey]struct{}{in.Key(): {}}, keys)
}

func TestRunLifecycle(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	started := week(2024, 3, 4).Add(9 * time.Hour)

	ok, err := s.StartRun(ctx, "run-1", "usa_cdc", started)
	require.NoError(t, err)
	failed, err := s.StartRun(ctx, "run-2", "uk_ukhsa", started)
	require.NoError(t, err)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.TouchCountry(ctx, "US", started.Add(time.Minute)))
	require.NoError(t, tx.CompleteRun(ctx, ok, started.Add(time.Minute), 42))
	require.NoError(t, tx.Commit())
	require.NoError(t, s.FailRun(ctx, failed, started.Add(2*time.Minute), "boom"))

	runs, err := s.Runs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, domain.RunError, runs[0].Status)
	assert.Equal(t, "boom", runs[0].ErrorMessage)
	assert.Equal(t, domain.RunSuccess, runs[1].Status)
	assert.Equal(t, 42, runs[1].RecordsFetched)
	require.NotNil(t, runs[1].FinishedAt)
	assert.Equal(t, started.Add(time.Minute), *runs[1].FinishedAt)

	us, err := s.Country(ctx, "US")
	require.NoError(t, err)
	require.NotNil(t, us.LastScraped)
	assert.Equal(t, started.Add(time.Minute), *us.LastScraped)
}

func TestRollback_DiscardsWrites(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.InsertCases(ctx, []domain.SurveillanceRecord{{Time: week(2024, 1, 1), CountryCode: "FR", NewCases: 1, Source: "x"}})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	totals, err := s.WeeklyCases(ctx, domain.CaseQuery{CountryCode: "FR"})
	require.NoError(t, err)
	assert.Empty(t, totals)
}

func TestWeeklyCases(t *testing.T) {
	s := openStore(t)
	insert(t, s,
		domain.SurveillanceRecord{Time: week(2024, 1, 1), CountryCode: "BR", Region: "Bahia", NewCases: 2, Source: "a"},
		domain.SurveillanceRecord{Time: week(2024, 1, 1), CountryCode: "BR", Region: "Acre", NewCases: 3, Source: "a"},
		domain.SurveillanceRecord{Time: week(2024, 1, 3), CountryCode: "BR", Region: "Acre", NewCases: 4, Source: "b"},
		domain.SurveillanceRecord{Time: week(2024, 1, 15), CountryCode: "BR", Region: "Acre", NewCases: 5, Source: "a"},
		domain.SurveillanceRecord{Time: week(2024, 1, 15), CountryCode: "AR", NewCases: 100, Source: "a"},
	)
	ctx := context.Background()

	all, err := s.WeeklyCases(ctx, domain.CaseQuery{CountryCode: "BR"})
	require.NoError(t, err)
	want := []domain.WeeklyTotal{{Week: week(2024, 1, 1), Cases: 9}, {Week: week(2024, 1, 15), Cases: 5}}
	if diff := cmp.Diff(want, all); diff != "" {
		t.Errorf("weekly totals mismatch (-want +got):\n%s", diff)
	}

	acre, err := s.WeeklyCases(ctx, domain.CaseQuery{CountryCode: "BR", Region: "Acre", From: week(2024, 1, 8)})
	require.NoError(t, err)
	assert.Equal(t, []domain.WeeklyTotal{{Week: week(2024, 1, 15), Cases: 5}}, acre)

	locs, err := s.RegionLocations(ctx, week(2023, 12, 1))
	require.NoError(t, err)
	assert.Equal(t, []domain.Location{{CountryCode: "BR", Region: "Acre"}, {CountryCode: "BR", Region: "Bahia"}}, locs)
}

func TestReplaceAnomalies(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	at := week(2024, 2, 5)

	first := []domain.Anomaly{
		{DetectedAt: at, CountryCode: "FR", Metric: domain.MetricWeeklyCases, ZScore: 2.1, Severity: domain.SeverityLow},
		{DetectedAt: at, CountryCode: "DE", Metric: domain.MetricWeeklyCases, ZScore: 4.2, Severity: domain.SeverityCritical},
	}
	require.NoError(t, s.ReplaceAnomalies(ctx, first))
	got, err := s.Anomalies(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "DE", got[0].CountryCode)

	require.NoError(t, s.ReplaceAnomalies(ctx, nil))
	got, err = s.Anomalies(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSequencesAndPurge(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	seq := domain.GenomicSequence{
		SampleDate: week(2024, 1, 1), CountryCode: "FR", CountryName: "France", Lineage: "h3n2",
		Clade: "J.2", StrainName: "A/Paris/1/2024", Source: "nextstrain", SourceDataset: "seasonal-flu_h3n2_ha_12y.json",
	}
	n, err := s.InsertSequences(ctx, []domain.GenomicSequence{seq, seq})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	insert(t, s, domain.SurveillanceRecord{Time: week(2024, 1, 1), CountryCode: "FR", NewCases: 1, Source: "x"})
	require.NoError(t, s.ReplaceAnomalies(ctx, []domain.Anomaly{{DetectedAt: week(2024, 1, 1), CountryCode: "FR", Metric: domain.MetricWeeklyCases, ZScore: 3, Severity: domain.SeverityHigh}}))

	require.NoError(t, s.PurgeHistory(ctx))

	totals, err := s.WeeklyCases(ctx, domain.CaseQuery{CountryCode: "FR"})
	require.NoError(t, err)
	assert.Empty(t, totals)
	anomalies, err := s.Anomalies(ctx)
	require.NoError(t, err)
	assert.Empty(t, anomalies)
	n, err = s.InsertSequences(ctx, []domain.GenomicSequence{seq})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	countries, err := s.Countries(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, countries)
}

func TestCountryNames(t *testing.T) {
	s := openStore(t)
	names, err := s.CountryNames(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "GB", names["United Kingdom"])
}

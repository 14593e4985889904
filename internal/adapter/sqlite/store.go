// Package sqlite is the relational store for surveillance cases, reference
// countries, run logs, anomalies and genomic sequence metadata.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/adalyuf/flutracker/internal/domain"
	"github.com/adalyuf/flutracker/internal/pipeline"
)

//go:embed schema.sql
var schema string

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps a single-connection SQLite database. One connection serializes
// writers, so an open ingestion transaction blocks other callers until it ends.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates the database file if needed, applies the schema and upserts the
// embedded reference countries.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	countries, err := DefaultCountries()
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := s.SeedCountries(ctx, countries); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("database ready", "path", path, "countries", len(countries))
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CheckReadiness reports whether the database answers queries.
func (s *Store) CheckReadiness(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// SeedCountries upserts reference data, leaving last_scraped untouched.
func (s *Store) SeedCountries(ctx context.Context, countries []domain.Country) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO countries (code, name, population, continent, scraper_id, scrape_frequency)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (code) DO UPDATE SET
			name = excluded.name,
			population = excluded.population,
			continent = excluded.continent,
			scraper_id = excluded.scraper_id,
			scrape_frequency = excluded.scrape_frequency`)
	if err != nil {
		return fmt.Errorf("prepare seed: %w", err)
	}
	defer stmt.Close()

	for _, c := range countries {
		if _, err := stmt.ExecContext(ctx, c.Code, c.Name, c.Population, c.Continent, c.ScraperID, c.ScrapeFrequency); err != nil {
			return fmt.Errorf("seed country %s: %w", c.Code, err)
		}
	}
	return tx.Commit()
}

// StartRun commits a running RunLog and returns its row id.
func (s *Store) StartRun(ctx context.Context, runID, scraperID string, startedAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO run_logs (run_id, scraper_id, started_at, status) VALUES (?, ?, ?, ?)`,
		runID, scraperID, startedAt.UTC(), domain.RunRunning)
	if err != nil {
		return 0, fmt.Errorf("insert run log: %w", err)
	}
	return res.LastInsertId()
}

// FailRun marks a RunLog as failed.
func (s *Store) FailRun(ctx context.Context, id int64, finishedAt time.Time, message string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE run_logs SET status = ?, finished_at = ?, error_message = ? WHERE id = ?`,
		domain.RunError, finishedAt.UTC(), message, id)
	if err != nil {
		return fmt.Errorf("fail run log: %w", err)
	}
	return nil
}

// Begin opens an ingestion transaction.
func (s *Store) Begin(ctx context.Context) (pipeline.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Runs returns the most recent run logs, newest first.
func (s *Store) Runs(ctx context.Context, limit int) ([]domain.RunLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, scraper_id, started_at, finished_at, status, records_fetched, error_message
		FROM run_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query run logs: %w", err)
	}
	defer rows.Close()

	var runs []domain.RunLog
	for rows.Next() {
		var (
			r        domain.RunLog
			finished sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.RunID, &r.ScraperID, &r.StartedAt, &finished, &r.Status, &r.RecordsFetched, &r.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan run log: %w", err)
		}
		if finished.Valid {
			t := finished.Time.UTC()
			r.FinishedAt = &t
		}
		r.StartedAt = r.StartedAt.UTC()
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Countries returns the reference countries ordered by code.
func (s *Store) Countries(ctx context.Context) ([]domain.Country, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT code, name, population, continent, scraper_id, scrape_frequency, last_scraped
		FROM countries ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("query countries: %w", err)
	}
	defer rows.Close()

	var out []domain.Country
	for rows.Next() {
		c, err := scanCountry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Country returns one reference country or ErrNotFound.
func (s *Store) Country(ctx context.Context, code string) (domain.Country, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT code, name, population, continent, scraper_id, scrape_frequency, last_scraped
		FROM countries WHERE code = ?`, code)
	c, err := scanCountry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Country{}, fmt.Errorf("country %s: %w", code, ErrNotFound)
	}
	return c, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCountry(row scanner) (domain.Country, error) {
	var (
		c       domain.Country
		scraped sql.NullTime
	)
	if err := row.Scan(&c.Code, &c.Name, &c.Population, &c.Continent, &c.ScraperID, &c.ScrapeFrequency, &scraped); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, err
		}
		return c, fmt.Errorf("scan country: %w", err)
	}
	if scraped.Valid {
		t := scraped.Time.UTC()
		c.LastScraped = &t
	}
	return c, nil
}

// CountryNames maps country names to codes.
func (s *Store) CountryNames(ctx context.Context) (map[string]string, error) {
	countries, err := s.Countries(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(countries))
	for _, c := range countries {
		names[c.Name] = c.Code
	}
	return names, nil
}

// WeeklyCases sums cases per ISO week for a country or one of its regions,
// oldest week first. Weeks without rows are absent.
func (s *Store) WeeklyCases(ctx context.Context, q domain.CaseQuery) ([]domain.WeeklyTotal, error) {
	var (
		where = []string{"country_code = ?"}
		args  = []any{q.CountryCode}
	)
	if q.Region != "" {
		where = append(where, "region = ?")
		args = append(args, q.Region)
	}
	if !q.From.IsZero() {
		where = append(where, "time >= ?")
		args = append(args, q.From.UTC())
	}
	if !q.To.IsZero() {
		where = append(where, "time <= ?")
		args = append(args, q.To.UTC())
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT time, SUM(new_cases) FROM flu_cases WHERE `+strings.Join(where, " AND ")+` GROUP BY time ORDER BY time`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("query weekly cases: %w", err)
	}
	defer rows.Close()

	var out []domain.WeeklyTotal
	for rows.Next() {
		var (
			t     time.Time
			cases int64
		)
		if err := rows.Scan(&t, &cases); err != nil {
			return nil, fmt.Errorf("scan weekly cases: %w", err)
		}
		week := domain.WeekStart(t)
		if n := len(out); n > 0 && out[n-1].Week.Equal(week) {
			out[n-1].Cases += cases
			continue
		}
		out = append(out, domain.WeeklyTotal{Week: week, Cases: cases})
	}
	return out, rows.Err()
}

// RegionLocations lists distinct (country, region) pairs with data since from.
func (s *Store) RegionLocations(ctx context.Context, from time.Time) ([]domain.Location, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT country_code, region FROM flu_cases
		WHERE region != '' AND time >= ?
		ORDER BY country_code, region`, from.UTC())
	if err != nil {
		return nil, fmt.Errorf("query region locations: %w", err)
	}
	defer rows.Close()

	var out []domain.Location
	for rows.Next() {
		var l domain.Location
		if err := rows.Scan(&l.CountryCode, &l.Region); err != nil {
			return nil, fmt.Errorf("scan region location: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ReplaceAnomalies swaps the whole anomaly table for set in one transaction.
func (s *Store) ReplaceAnomalies(ctx context.Context, set []domain.Anomaly) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin anomalies: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM anomalies`); err != nil {
		return fmt.Errorf("clear anomalies: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO anomalies (detected_at, country_code, region, metric, z_score, description, severity)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare anomalies: %w", err)
	}
	defer stmt.Close()

	for _, a := range set {
		if _, err := stmt.ExecContext(ctx, a.DetectedAt.UTC(), a.CountryCode, a.Region, a.Metric, a.ZScore, a.Description, a.Severity); err != nil {
			return fmt.Errorf("insert anomaly %s: %w", a.CountryCode, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit anomalies: %w", err)
	}
	return nil
}

// Anomalies returns the current set, strongest first.
func (s *Store) Anomalies(ctx context.Context) ([]domain.Anomaly, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT detected_at, country_code, region, metric, z_score, description, severity
		FROM anomalies ORDER BY ABS(z_score) DESC, country_code, region`)
	if err != nil {
		return nil, fmt.Errorf("query anomalies: %w", err)
	}
	defer rows.Close()

	out := []domain.Anomaly{}
	for rows.Next() {
		var a domain.Anomaly
		if err := rows.Scan(&a.DetectedAt, &a.CountryCode, &a.Region, &a.Metric, &a.ZScore, &a.Description, &a.Severity); err != nil {
			return nil, fmt.Errorf("scan anomaly: %w", err)
		}
		a.DetectedAt = a.DetectedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// PurgeHistory deletes every case, anomaly and genomic sequence ahead of a
// full rebuild. Countries and run logs are kept.
func (s *Store) PurgeHistory(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin purge: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, table := range []string{"flu_cases", "anomalies", "genomic_sequences"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("purge %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit purge: %w", err)
	}
	s.logger.Warn("history purged")
	return nil
}

// InsertSequences stores sequences, ignoring strains already present for the
// same dataset, and returns how many rows were added.
func (s *Store) InsertSequences(ctx context.Context, seqs []domain.GenomicSequence) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin sequences: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO genomic_sequences
			(sample_date, country_code, country_name, lineage, clade, strain_name, source, source_dataset)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_dataset, strain_name) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("prepare sequences: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, g := range seqs {
		res, err := stmt.ExecContext(ctx, g.SampleDate.UTC(), g.CountryCode, g.CountryName, g.Lineage, g.Clade, g.StrainName, g.Source, g.SourceDataset)
		if err != nil {
			return 0, fmt.Errorf("insert sequence %s: %w", g.StrainName, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit sequences: %w", err)
	}
	return inserted, nil
}

// EachCase streams every stored case in time order.
func (s *Store) EachCase(ctx context.Context, fn func(domain.SurveillanceRecord) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT time, country_code, region, city, new_cases, flu_type, source
		FROM flu_cases ORDER BY time, id`)
	if err != nil {
		return fmt.Errorf("query cases: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r domain.SurveillanceRecord
		if err := rows.Scan(&r.Time, &r.CountryCode, &r.Region, &r.City, &r.NewCases, &r.FluType, &r.Source); err != nil {
			return fmt.Errorf("scan case: %w", err)
		}
		r.Time = r.Time.UTC()
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

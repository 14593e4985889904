package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/adalyuf/flutracker/internal/domain"
)

// Tx is an ingestion transaction. The case insert statement is prepared on
// first use and closed when the transaction ends.
type Tx struct {
	tx     *sql.Tx
	insert *sql.Stmt
}

// ExistingKeys returns the natural keys already stored within span.
func (t *Tx) ExistingKeys(ctx context.Context, span domain.KeySpan) (map[domain.NaturalKey]struct{}, error) {
	keys := make(map[domain.NaturalKey]struct{})
	if len(span.Countries) == 0 || len(span.Sources) == 0 {
		return keys, nil
	}

	args := []any{span.From.UTC(), span.To.UTC()}
	for _, c := range span.Countries {
		args = append(args, c)
	}
	for _, s := range span.Sources {
		args = append(args, s)
	}
	query := `SELECT time, country_code, source, region, city, flu_type FROM flu_cases
		WHERE time >= ? AND time <= ?
		AND country_code IN (` + placeholders(len(span.Countries)) + `)
		AND source IN (` + placeholders(len(span.Sources)) + `)`

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query existing keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			k  domain.NaturalKey
			at time.Time
		)
		if err := rows.Scan(&at, &k.CountryCode, &k.Source, &k.Region, &k.City, &k.FluType); err != nil {
			return nil, fmt.Errorf("scan existing key: %w", err)
		}
		k.Time = at.UTC().Unix()
		keys[k] = struct{}{}
	}
	return keys, rows.Err()
}

// InsertCases stores records, ignoring natural-key conflicts, and returns the
// number of rows actually added.
func (t *Tx) InsertCases(ctx context.Context, records []domain.SurveillanceRecord) (int, error) {
	if t.insert == nil {
		stmt, err := t.tx.PrepareContext(ctx, `
			INSERT INTO flu_cases (time, country_code, region, city, new_cases, flu_type, source, ingested_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (time, country_code, source, region, city, flu_type) DO NOTHING`)
		if err != nil {
			return 0, fmt.Errorf("prepare case insert: %w", err)
		}
		t.insert = stmt
	}

	now := domain.Now()
	stored := 0
	for _, r := range records {
		res, err := t.insert.ExecContext(ctx, r.Time.UTC(), r.CountryCode, r.Region, r.City, r.NewCases, r.FluType, r.Source, now)
		if err != nil {
			return stored, fmt.Errorf("insert case %s %s: %w", r.CountryCode, r.Time.Format(time.DateOnly), err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return stored, fmt.Errorf("rows affected: %w", err)
		}
		stored += int(n)
	}
	return stored, nil
}

// TouchCountry records when a country was last scraped.
func (t *Tx) TouchCountry(ctx context.Context, code string, at time.Time) error {
	if _, err := t.tx.ExecContext(ctx, `UPDATE countries SET last_scraped = ? WHERE code = ?`, at.UTC(), code); err != nil {
		return fmt.Errorf("touch country %s: %w", code, err)
	}
	return nil
}

// CompleteRun marks a RunLog successful.
func (t *Tx) CompleteRun(ctx context.Context, id int64, finishedAt time.Time, stored int) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE run_logs SET status = ?, finished_at = ?, records_fetched = ? WHERE id = ?`,
		domain.RunSuccess, finishedAt.UTC(), stored, id)
	if err != nil {
		return fmt.Errorf("complete run log: %w", err)
	}
	return nil
}

func (t *Tx) Commit() error {
	t.closeStmt()
	return t.tx.Commit()
}

func (t *Tx) Rollback() error {
	t.closeStmt()
	return t.tx.Rollback()
}

func (t *Tx) closeStmt() {
	if t.insert != nil {
		t.insert.Close()
		t.insert = nil
	}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

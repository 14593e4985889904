// Command validate checks the integrity of a FluTracker store: one row per
// natural key, valid non-negative rows on ISO week starts, and consistent
// run logs.
//
// Usage:
//
//	go run ./cmd/validate -db data/flutracker.db
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"

	"github.com/adalyuf/flutracker/internal/adapter/sqlite"
	"github.com/adalyuf/flutracker/internal/domain"
)

// runLimit bounds how many recent run logs are checked.
const runLimit = 10000

// maxReported caps the errors printed per phase.
const maxReported = 50

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
	total  int
}

func (p *phase) errorf(format string, args ...any) {
	p.total++
	if len(p.errors) < maxReported {
		p.errors = append(p.errors, fmt.Sprintf(format, args...))
	}
}

func (p *phase) passed() bool { return p.total == 0 }

func main() {
	dbPath := flag.String("db", sharedcfg.EnvOrDefault("DB_PATH", "data/flutracker.db"), "path to the SQLite store")
	flag.Parse()

	if _, err := os.Stat(*dbPath); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
	if code := run(context.Background(), *dbPath, os.Stdout); code != 0 {
		os.Exit(code)
	}
}

func run(ctx context.Context, dbPath string, w io.Writer) int {
	fmt.Fprintln(w, "=== FluTracker Store Integrity Validation ===")
	fmt.Fprintln(w)

	store, err := sqlite.Open(ctx, dbPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		fmt.Fprintf(w, "FATAL: open store: %v\n", err)
		return 1
	}
	defer store.Close()

	keys := &phase{name: "Phase 1: Natural key uniqueness"}
	rows := &phase{name: "Phase 2: Row validity"}
	weeks := &phase{name: "Phase 3: Week alignment"}

	seen := make(map[domain.NaturalKey]struct{})
	count := 0
	err = store.EachCase(ctx, func(r domain.SurveillanceRecord) error {
		count++
		checkCase(r, seen, keys, rows, weeks)
		return nil
	})
	if err != nil {
		fmt.Fprintf(w, "FATAL: scan cases: %v\n", err)
		return 1
	}

	runs, err := store.Runs(ctx, runLimit)
	if err != nil {
		fmt.Fprintf(w, "FATAL: load run logs: %v\n", err)
		return 1
	}
	runsPhase := validateRuns(runs)

	phases := []*phase{keys, rows, weeks, runsPhase}

	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", p.total)
			allPassed = false
		}
		fmt.Fprintf(w, "  %-42s %s\n", p.name, status)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Records: %d case rows, %d run logs\n", count, len(runs))

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Fprintf(w, "\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Fprintf(w, "  [%d] %s\n", i+1, e)
		}
		if p.total > len(p.errors) {
			fmt.Fprintf(w, "  ... and %d more\n", p.total-len(p.errors))
		}
	}

	if allPassed {
		fmt.Fprintln(w, "\nAll validations passed.")
		return 0
	}
	fmt.Fprintln(w, "\nValidation FAILED.")
	return 1
}

func checkCase(r domain.SurveillanceRecord, seen map[domain.NaturalKey]struct{}, keys, rows, weeks *phase) {
	key := r.Key()
	if _, dup := seen[key]; dup {
		keys.errorf("duplicate key %s %s %s/%s/%s %q", r.Time.Format("2006-01-02"), r.CountryCode, r.Source, r.Region, r.City, r.FluType)
	}
	seen[key] = struct{}{}

	if err := r.Validate(); err != nil {
		rows.errorf("%s %s %s: %v", r.Time.Format("2006-01-02"), r.CountryCode, r.Source, err)
	}
	if !r.Time.Equal(domain.WeekStart(r.Time)) {
		weeks.errorf("%s %s %s: time %s is not a week start", r.CountryCode, r.Source, r.Region, r.Time.Format("2006-01-02T15:04:05Z07:00"))
	}
}

// validateRuns checks that finished runs carry a finish time and that error
// messages appear exactly on failed runs.
func validateRuns(runs []domain.RunLog) *phase {
	p := &phase{name: "Phase 4: Run log consistency"}
	for _, r := range runs {
		switch r.Status {
		case domain.RunRunning:
			if r.FinishedAt != nil {
				p.errorf("run %d (%s): running but finished at %s", r.ID, r.ScraperID, r.FinishedAt.Format("2006-01-02T15:04:05Z07:00"))
			}
		case domain.RunSuccess, domain.RunError:
			if r.FinishedAt == nil {
				p.errorf("run %d (%s): %s without finished_at", r.ID, r.ScraperID, r.Status)
			} else if r.FinishedAt.Before(r.StartedAt) {
				p.errorf("run %d (%s): finished before it started", r.ID, r.ScraperID)
			}
			if r.Status == domain.RunError && r.ErrorMessage == "" {
				p.errorf("run %d (%s): error without message", r.ID, r.ScraperID)
			}
			if r.Status == domain.RunSuccess && r.ErrorMessage != "" {
				p.errorf("run %d (%s): success with error message", r.ID, r.ScraperID)
			}
			if len([]rune(r.ErrorMessage)) > domain.MaxErrorMessage {
				p.errorf("run %d (%s): error message longer than %d characters", r.ID, r.ScraperID, domain.MaxErrorMessage)
			}
		default:
			p.errorf("run %d (%s): unknown status %q", r.ID, r.ScraperID, r.Status)
		}
	}
	return p
}

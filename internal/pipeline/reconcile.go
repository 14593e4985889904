package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/adalyuf/flutracker/internal/domain"
)

// DefaultBatchSize is the number of rows inserted per Persist chunk.
const DefaultBatchSize = 1000

// Reconcile drops invalid candidates, sums within-batch duplicates and removes
// records whose natural key is already stored. Existing keys are loaded with a
// single query bounded by the batch's time span, countries and sources.
func Reconcile(ctx context.Context, tx Tx, candidates []domain.SurveillanceRecord, logger *slog.Logger) ([]domain.SurveillanceRecord, error) {
	valid := make([]domain.SurveillanceRecord, 0, len(candidates))
	for _, r := range candidates {
		if err := r.Validate(); err != nil {
			logger.Warn("dropping invalid record", "error", err, "country", r.CountryCode, "source", r.Source)
			continue
		}
		r.Time = r.Time.UTC()
		valid = append(valid, r)
	}

	batch := domain.Aggregate(valid)
	if len(batch) == 0 {
		return nil, nil
	}

	existing, err := tx.ExistingKeys(ctx, domain.Span(batch))
	if err != nil {
		return nil, fmt.Errorf("load existing keys: %w", err)
	}

	fresh := batch[:0]
	for _, r := range batch {
		if _, ok := existing[r.Key()]; ok {
			continue
		}
		fresh = append(fresh, r)
	}
	return fresh, nil
}

// Persist inserts records in chunks of batchSize and returns how many rows
// were actually stored.
func Persist(ctx context.Context, tx Tx, records []domain.SurveillanceRecord, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	stored := 0
	for start := 0; start < len(records); start += batchSize {
		end := min(start+batchSize, len(records))
		n, err := tx.InsertCases(ctx, records[start:end])
		if err != nil {
			return stored, fmt.Errorf("persist batch at %d: %w", start, err)
		}
		stored += n
	}
	return stored, nil
}

package analytics

import (
	"context"
	"fmt"
	"log/slog"

	v1 "github.com/tally-lab/project-tally/internal/api/v1"
	"github.com/tally-lab/project-tally/internal/core/bucket"
	"github.com/tally-lab/project-tally/internal/core/cohort"
)

// Rollup folds one consolidated transaction set into the hour buckets it
// touches, then recomputes every affected parent: day from its hours, ISO
// week and month from their days. Parents fold child bucket totals — raw
// transactions are never re-read.
//
// Called while the consolidation lock for the entity is still held, so the
// field value and its analytics become visible together.
func (e *Engine) Rollup(ctx context.Context, resource, field string, txns []*v1.Transaction) error {
	deltas := e.hourDeltas(resource, field, txns)
	if len(deltas) == 0 {
		return nil
	}

	if err := e.buckets.UpsertHour(ctx, deltas); err != nil {
		return fmt.Errorf("rollup %s.%s: upsert hour buckets: %w", resource, field, err)
	}

	dates := make(map[string]bool)
	for key := range deltas {
		hourStart, err := cohort.HourStart(key.Cohort, e.loc)
		if err != nil {
			return fmt.Errorf("rollup %s.%s: %w", resource, field, err)
		}
		dates[hourStart.In(e.loc).Format("2006-01-02")] = true
	}

	weeks := make(map[string]bool)
	months := make(map[string]bool)
	for date := range dates {
		dayStart, err := cohort.DateStart(date, e.loc)
		if err != nil {
			return fmt.Errorf("rollup %s.%s: %w", resource, field, err)
		}
		keys := cohort.Compute(dayStart, e.loc)
		weeks[keys.Week] = true
		months[keys.Month] = true

		if !e.periods[cohort.PeriodDay] {
			continue
		}
		hours, err := cohort.HoursOfDate(date, e.loc)
		if err != nil {
			return fmt.Errorf("rollup %s.%s: %w", resource, field, err)
		}
		parent := bucket.Key{Resource: resource, Field: field, Period: cohort.PeriodDay, Cohort: date}
		if err := e.buckets.RecomputeParent(ctx, parent, cohort.PeriodHour, hours); err != nil {
			return fmt.Errorf("rollup %s.%s: recompute day %s: %w", resource, field, date, err)
		}
	}

	if e.periods[cohort.PeriodWeek] {
		for week := range weeks {
			days, err := cohort.DatesOfWeek(week, e.loc)
			if err != nil {
				return fmt.Errorf("rollup %s.%s: %w", resource, field, err)
			}
			parent := bucket.Key{Resource: resource, Field: field, Period: cohort.PeriodWeek, Cohort: week}
			if err := e.buckets.RecomputeParent(ctx, parent, cohort.PeriodDay, days); err != nil {
				return fmt.Errorf("rollup %s.%s: recompute week %s: %w", resource, field, week, err)
			}
		}
	}

	if e.periods[cohort.PeriodMonth] {
		for month := range months {
			days, err := cohort.DatesOfMonth(month, e.loc)
			if err != nil {
				return fmt.Errorf("rollup %s.%s: %w", resource, field, err)
			}
			parent := bucket.Key{Resource: resource, Field: field, Period: cohort.PeriodMonth, Cohort: month}
			if err := e.buckets.RecomputeParent(ctx, parent, cohort.PeriodDay, days); err != nil {
				return fmt.Errorf("rollup %s.%s: recompute month %s: %w", resource, field, month, err)
			}
		}
	}

	slog.Debug("[Analytics] Rolled up",
		"resource", resource,
		"field", field,
		"transactions", len(txns),
		"hour_buckets", len(deltas),
	)
	return nil
}

// hourDeltas accumulates one transaction batch into per-hour bucket deltas.
// Synthetic seeds carry the pre-consolidation value, not a real mutation,
// and are excluded. Distinct entities are counted within this batch only —
// the stored entity_count is approximate across batches.
func (e *Engine) hourDeltas(resource, field string, txns []*v1.Transaction) map[bucket.Key]bucket.State {
	deltas := make(map[bucket.Key]bucket.State)
	entities := make(map[bucket.Key]map[string]bool)

	for _, txn := range txns {
		if txn.Synthetic {
			continue
		}

		key := bucket.Key{Resource: resource, Field: field, Period: cohort.PeriodHour, Cohort: txn.CohortHour}
		state := deltas[key]
		state.Merge(bucket.State{
			Count: 1,
			Sum:   txn.Value,
			Min:   txn.Value,
			Max:   txn.Value,
			Ops: map[string]bucket.OpTotals{
				txn.Operation: {Count: 1, Sum: txn.Value},
			},
			UpdatedAt: e.nowFn(),
		})
		deltas[key] = state

		if entities[key] == nil {
			entities[key] = make(map[string]bool)
		}
		entities[key][txn.EntityID] = true
	}

	for key, seen := range entities {
		state := deltas[key]
		state.EntityCount = int64(len(seen))
		deltas[key] = state
	}
	return deltas
}

package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/tally-lab/project-tally/internal/core/cohort"
	"github.com/tally-lab/project-tally/internal/core/storage"
)

// Engine maintains the hour/day/week/month bucket hierarchy and answers
// historical range queries over it.
//
// It is a pure downstream consumer of the consolidator: Rollup receives the
// exact transaction set a consolidation pass loaded, never re-queries the
// log, and performs no deduplication of its own — the consolidator's
// applied flag guarantees no transaction is ever submitted twice.
type Engine struct {
	buckets storage.BucketStore
	txns    storage.TransactionStore
	loc     *time.Location
	periods map[string]bool
	nowFn   func() time.Time
}

// NewEngine creates a rollup engine maintaining the given periods.
// Hour buckets are always kept — they are the source the hierarchy folds
// from. Week and month buckets fold day buckets, so enabling either
// requires day.
func NewEngine(buckets storage.BucketStore, txns storage.TransactionStore, loc *time.Location, periods []string) (*Engine, error) {
	enabled := map[string]bool{cohort.PeriodHour: true}
	for _, p := range periods {
		if !cohort.ValidPeriod(p) {
			return nil, fmt.Errorf("unknown analytics period %q", p)
		}
		enabled[p] = true
	}
	if (enabled[cohort.PeriodWeek] || enabled[cohort.PeriodMonth]) && !enabled[cohort.PeriodDay] {
		return nil, fmt.Errorf("week/month analytics require day buckets")
	}

	return &Engine{
		buckets: buckets,
		txns:    txns,
		loc:     loc,
		periods: enabled,
		nowFn:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// Enabled reports whether the engine maintains buckets for period.
func (e *Engine) Enabled(period string) bool {
	return e.periods[period]
}

// TrimBefore deletes buckets of every enabled period whose cohort starts
// before cutoff, returning how many were removed. The cutoff is converted
// to per-period cohort keys, so a bucket survives until its whole span is
// past the horizon: a month bucket outlives the hour buckets it was folded
// from.
func (e *Engine) TrimBefore(ctx context.Context, resource, field string, cutoff time.Time) (int, error) {
	keys := cohort.Compute(cutoff, e.loc)
	cutoffs := []struct {
		period string
		cohort string
	}{
		{cohort.PeriodHour, keys.Hour},
		{cohort.PeriodDay, keys.Date},
		{cohort.PeriodWeek, keys.Week},
		{cohort.PeriodMonth, keys.Month},
	}

	trimmed := 0
	for _, c := range cutoffs {
		if !e.periods[c.period] {
			continue
		}
		n, err := e.buckets.DeleteBefore(ctx, resource, field, c.period, c.cohort)
		if err != nil {
			return trimmed, fmt.Errorf("trim %s buckets: %w", c.period, err)
		}
		trimmed += n
	}
	return trimmed, nil
}

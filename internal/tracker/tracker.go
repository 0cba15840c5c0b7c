package tracker

import (
	"context"
	"fmt"
	"time"

	v1 "github.com/tally-lab/project-tally/internal/api/v1"
	"github.com/tally-lab/project-tally/internal/analytics"
	"github.com/tally-lab/project-tally/internal/core/cohort"
	"github.com/tally-lab/project-tally/internal/core/config"
	"github.com/tally-lab/project-tally/internal/core/storage"
	"github.com/tally-lab/project-tally/internal/ledger"
	"github.com/shopspring/decimal"
)

// Tracker is the integrator-facing facade over the transaction log writer,
// the consolidation engine, the analytics rollup engine and the garbage
// collector. Which pieces run automatically depends on the consolidation
// mode: sync consolidates inline after each write, async leaves folding to
// the scheduler.
type Tracker struct {
	writer       *ledger.Writer
	consolidator *ledger.Consolidator
	collector    *ledger.Collector
	engine       *analytics.Engine
	scheduler    *ledger.Scheduler
	mode         string
}

// New assembles a tracker. engine, collector and scheduler may be nil when
// the corresponding subsystem is disabled.
func New(
	writer *ledger.Writer,
	consolidator *ledger.Consolidator,
	collector *ledger.Collector,
	engine *analytics.Engine,
	scheduler *ledger.Scheduler,
	mode string,
) (*Tracker, error) {
	if mode != config.ModeSync && mode != config.ModeAsync {
		return nil, fmt.Errorf("invalid consolidation mode %q", mode)
	}
	return &Tracker{
		writer:       writer,
		consolidator: consolidator,
		collector:    collector,
		engine:       engine,
		scheduler:    scheduler,
		mode:         mode,
	}, nil
}

// WriteResult is the outcome of one set/add/sub call.
type WriteResult struct {
	Transaction *v1.Transaction `json:"transaction"`

	// Consolidated is true when the write was folded inline (sync mode)
	// and Value carries the resulting field value.
	Consolidated bool            `json:"consolidated"`
	Value        decimal.Decimal `json:"value"`
}

// Set records a set operation. In sync mode the new field value is
// computed before returning.
func (t *Tracker) Set(ctx context.Context, resource, entityID, field string, value decimal.Decimal) (*WriteResult, error) {
	return t.Apply(ctx, resource, entityID, field, v1.OpSet, value, ledger.AppendOptions{})
}

// Add records an add operation.
func (t *Tracker) Add(ctx context.Context, resource, entityID, field string, amount decimal.Decimal) (*WriteResult, error) {
	return t.Apply(ctx, resource, entityID, field, v1.OpAdd, amount, ledger.AppendOptions{})
}

// Sub records a sub operation.
func (t *Tracker) Sub(ctx context.Context, resource, entityID, field string, amount decimal.Decimal) (*WriteResult, error) {
	return t.Apply(ctx, resource, entityID, field, v1.OpSub, amount, ledger.AppendOptions{})
}

// Increment is sugar for Add(1).
func (t *Tracker) Increment(ctx context.Context, resource, entityID, field string) (*WriteResult, error) {
	return t.Add(ctx, resource, entityID, field, decimal.NewFromInt(1))
}

// Decrement is sugar for Sub(1).
func (t *Tracker) Decrement(ctx context.Context, resource, entityID, field string) (*WriteResult, error) {
	return t.Sub(ctx, resource, entityID, field, decimal.NewFromInt(1))
}

// Apply records one operation with explicit append options (event time
// override, nested field path). The named Set/Add/Sub methods are sugar
// over this.
func (t *Tracker) Apply(ctx context.Context, resource, entityID, field, op string, value decimal.Decimal, opts ledger.AppendOptions) (*WriteResult, error) {
	txn, err := t.writer.Append(ctx, resource, field, entityID, op, value, opts)
	if err != nil {
		return nil, err
	}

	result := &WriteResult{Transaction: txn}
	if t.mode != config.ModeSync {
		return result, nil
	}

	// Sync mode: the caller blocks on its own consolidation pass and gets
	// the folded value back. A skipped pass (another worker mid-fold)
	// still succeeds — the transaction is durable and will be folded.
	cr, err := t.consolidator.Consolidate(ctx, resource, field, entityID)
	if err != nil {
		return nil, err
	}
	if cr.Outcome != ledger.OutcomeSkipped {
		result.Consolidated = true
		result.Value = cr.Value
	}
	return result, nil
}

// Consolidate folds the entity's pending transactions now.
func (t *Tracker) Consolidate(ctx context.Context, resource, entityID, field string) (ledger.Result, error) {
	return t.consolidator.Consolidate(ctx, resource, field, entityID)
}

// ConsolidateAll sweeps every entity with pending transactions for a field.
func (t *Tracker) ConsolidateAll(ctx context.Context, resource, field string) (ledger.SweepStats, error) {
	return t.consolidator.ConsolidateAll(ctx, resource, field)
}

// Recalculate rebuilds the field value from the full transaction history.
func (t *Tracker) Recalculate(ctx context.Context, resource, entityID, field string) (decimal.Decimal, error) {
	return t.consolidator.Recalculate(ctx, resource, field, entityID)
}

// Collect runs one garbage collection pass for a field.
func (t *Tracker) Collect(ctx context.Context, resource, field string) (ledger.GCStats, error) {
	if t.collector == nil {
		return ledger.GCStats{}, fmt.Errorf("garbage collection is disabled")
	}
	return t.collector.Collect(ctx, resource, field)
}

// GetAnalytics answers a bucket query.
func (t *Tracker) GetAnalytics(ctx context.Context, req analytics.QueryRequest) ([]analytics.Row, error) {
	if t.engine == nil {
		return nil, fmt.Errorf("analytics is disabled")
	}
	return t.engine.Query(ctx, req)
}

// LastHours returns the trailing n hour buckets.
func (t *Tracker) LastHours(ctx context.Context, resource, field string, n int, fillGaps bool) ([]analytics.Row, error) {
	return t.lastN(ctx, resource, field, cohort.PeriodHour, n, fillGaps)
}

// LastDays returns the trailing n day buckets.
func (t *Tracker) LastDays(ctx context.Context, resource, field string, n int, fillGaps bool) ([]analytics.Row, error) {
	return t.lastN(ctx, resource, field, cohort.PeriodDay, n, fillGaps)
}

// LastWeeks returns the trailing n ISO-week buckets.
func (t *Tracker) LastWeeks(ctx context.Context, resource, field string, n int, fillGaps bool) ([]analytics.Row, error) {
	return t.lastN(ctx, resource, field, cohort.PeriodWeek, n, fillGaps)
}

// LastMonths returns the trailing n month buckets.
func (t *Tracker) LastMonths(ctx context.Context, resource, field string, n int, fillGaps bool) ([]analytics.Row, error) {
	return t.lastN(ctx, resource, field, cohort.PeriodMonth, n, fillGaps)
}

// Year returns the twelve month buckets of one calendar year.
func (t *Tracker) Year(ctx context.Context, resource, field string, year int, fillGaps bool) ([]analytics.Row, error) {
	if t.engine == nil {
		return nil, fmt.Errorf("analytics is disabled")
	}
	return t.engine.Query(ctx, analytics.QueryRequest{
		Resource: resource,
		Field:    field,
		Period:   cohort.PeriodMonth,
		From:     time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC),
		To:       time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC),
		FillGaps: fillGaps,
	})
}

func (t *Tracker) lastN(ctx context.Context, resource, field, period string, n int, fillGaps bool) ([]analytics.Row, error) {
	if t.engine == nil {
		return nil, fmt.Errorf("analytics is disabled")
	}
	return t.engine.Query(ctx, analytics.QueryRequest{
		Resource: resource,
		Field:    field,
		Period:   period,
		LastN:    n,
		FillGaps: fillGaps,
	})
}

// GetTopRecords ranks a cohort's entities by transaction count or total
// value.
func (t *Tracker) GetTopRecords(ctx context.Context, resource, field, period, cohortKey, sortBy string, limit int) ([]storage.EntityTotals, error) {
	if t.engine == nil {
		return nil, fmt.Errorf("analytics is disabled")
	}
	return t.engine.TopEntities(ctx, resource, field, period, cohortKey, sortBy, limit)
}

// Start runs the async scheduler until ctx is cancelled. No-op in sync
// mode or when auto-consolidation is off.
func (t *Tracker) Start(ctx context.Context) error {
	if t.scheduler == nil {
		<-ctx.Done()
		return nil
	}
	return t.scheduler.Start(ctx)
}

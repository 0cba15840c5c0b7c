package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	v1 "github.com/tally-lab/project-tally/internal/api/v1"
	"github.com/tally-lab/project-tally/internal/analytics"
	"github.com/tally-lab/project-tally/internal/core/cohort"
	"github.com/tally-lab/project-tally/internal/core/field"
	"github.com/tally-lab/project-tally/internal/core/reduce"
	"github.com/tally-lab/project-tally/internal/core/storage"
	"github.com/tally-lab/project-tally/internal/lock"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Consolidation outcomes.
const (
	OutcomeApplied = "applied" // pending transactions were folded into a new value
	OutcomeSkipped = "skipped" // another worker holds the consolidation lock
	OutcomeNoop    = "noop"    // nothing eligible to fold, or the entity does not exist yet
)

// Result is the outcome of one consolidation pass for one entity.
type Result struct {
	Outcome string
	Value   decimal.Decimal
	Applied int
}

// Params bounds a consolidator's time and concurrency behavior.
type Params struct {
	// Window is the event-time watermark: pending transactions whose
	// cohort hour is older than now minus Window are late arrivals.
	Window time.Duration

	// LockTimeout bounds how long a pass waits on a contended lock before
	// returning skipped.
	LockTimeout time.Duration

	// LockTTL is the lease duration; expired leases are reclaimable by
	// any worker, so crashes cannot deadlock consolidation.
	LockTTL time.Duration

	// MarkAppliedConcurrency bounds the batch update flipping applied flags.
	MarkAppliedConcurrency int

	// SweepConcurrency bounds the per-entity fan-out of a resource-wide sweep.
	SweepConcurrency int
}

func (p Params) normalized() Params {
	n := p
	if n.Window <= 0 {
		n.Window = 24 * time.Hour
	}
	if n.LockTimeout <= 0 {
		n.LockTimeout = 5 * time.Second
	}
	if n.LockTTL <= 0 {
		n.LockTTL = 5 * time.Minute
	}
	if n.MarkAppliedConcurrency <= 0 {
		n.MarkAppliedConcurrency = 50
	}
	if n.SweepConcurrency <= 0 {
		n.SweepConcurrency = 5
	}
	return n
}

// Consolidator folds pending transactions into authoritative field values.
//
// All the context a pass needs (definition, timezone, params) travels as
// immutable values through the call chain; nothing is read from shared
// mutable state mid-pass, so concurrent passes for different fields can
// never observe each other's configuration.
type Consolidator struct {
	txns    storage.TransactionStore
	records storage.RecordStore
	locks   *lock.Manager
	rollups *analytics.Engine // nil when analytics is disabled
	fields  field.Repository
	loc     *time.Location
	params  Params
	hooks   *Hooks
	nowFn   func() time.Time
	recalcs singleflight.Group
}

// NewConsolidator wires a consolidation engine. rollups may be nil to
// disable analytics; hooks may be nil.
func NewConsolidator(
	txns storage.TransactionStore,
	records storage.RecordStore,
	locks *lock.Manager,
	rollups *analytics.Engine,
	fields field.Repository,
	loc *time.Location,
	params Params,
	hooks *Hooks,
) *Consolidator {
	return &Consolidator{
		txns:    txns,
		records: records,
		locks:   locks,
		rollups: rollups,
		fields:  fields,
		loc:     loc,
		params:  params.normalized(),
		hooks:   hooks,
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

func consolidationLockKey(resource, fieldName, entityID string) string {
	return fmt.Sprintf("consolidation:%s:%s:%s", resource, fieldName, entityID)
}

// Consolidate runs one pass for a single entity. Lock contention yields
// OutcomeSkipped, never an error; a missing entity yields OutcomeNoop with
// the transactions left pending. Running twice over the same data is safe:
// the second pass finds nothing unapplied and reports the current value.
func (c *Consolidator) Consolidate(ctx context.Context, resource, fieldName, entityID string) (Result, error) {
	def, err := c.fields.Get(ctx, resource, fieldName)
	if err != nil {
		return Result{}, err
	}

	lease, err := c.locks.AcquireWait(ctx, consolidationLockKey(resource, fieldName, entityID), c.params.LockTTL, c.params.LockTimeout)
	if errors.Is(err, lock.ErrUnavailable) {
		return Result{Outcome: OutcomeSkipped}, nil
	}
	if err != nil {
		return Result{}, err
	}
	defer c.locks.Release(ctx, lease)

	c.hooks.consolidationStarted(resource, fieldName, entityID)
	started := c.nowFn()

	result, err := c.consolidateLocked(ctx, def, entityID)
	if err != nil {
		c.hooks.consolidationError(resource, fieldName, entityID, err)
		return Result{}, err
	}

	if result.Outcome == OutcomeApplied {
		c.hooks.consolidationCompleted(resource, fieldName, entityID, result.Applied, result.Value, c.nowFn().Sub(started))
		slog.Info("[Consolidator] Applied",
			"resource", resource,
			"field", fieldName,
			"entity_id", entityID,
			"transactions", result.Applied,
			"value", result.Value,
		)
	}
	return result, nil
}

// consolidateLocked is the Reducing→Persisting→Applying→Analytics core,
// running with the entity's consolidation lock held.
func (c *Consolidator) consolidateLocked(ctx context.Context, def *field.Definition, entityID string) (Result, error) {
	pending, err := c.txns.PendingForEntity(ctx, def.Resource, def.Field, entityID)
	if err != nil {
		return Result{}, fmt.Errorf("load pending transactions: %w", err)
	}

	eligible := c.inWindow(pending, def)

	current, _, err := c.records.GetField(ctx, def.Resource, entityID, def.Field)
	if errors.Is(err, storage.ErrNotFound) {
		// Entity not created yet. Transactions stay pending untouched;
		// a future pass picks them up once the record exists.
		return Result{Outcome: OutcomeNoop}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("read current value: %w", err)
	}

	if len(eligible) == 0 {
		return Result{Outcome: OutcomeNoop, Value: current}, nil
	}

	newValue, err := c.fold(def, current, eligible)
	if err != nil {
		// Transactions stay unapplied — not marked, not lost — so a
		// future pass retries after the reducer is fixed.
		return Result{}, err
	}

	if err := c.records.SetField(ctx, def.Resource, entityID, def.Field, newValue); err != nil {
		return Result{}, fmt.Errorf("persist %s.%s: %w", def.Resource, def.Field, err)
	}

	// Marking is what makes a pass non-repeating: applied transactions are
	// excluded from the next pass's query. If marking fails after the
	// field write, the next pass re-folds the same set from a seed that
	// already carries newValue and lands on the same answer.
	ids := make([]string, len(eligible))
	for i, txn := range eligible {
		ids[i] = txn.ID
	}
	if _, err := c.txns.MarkApplied(ctx, ids, c.params.MarkAppliedConcurrency); err != nil {
		return Result{}, fmt.Errorf("mark applied: %w", err)
	}

	if c.rollups != nil {
		if err := c.rollups.Rollup(ctx, def.Resource, def.Field, eligible); err != nil {
			return Result{}, err
		}
	}

	return Result{Outcome: OutcomeApplied, Value: newValue, Applied: len(eligible)}, nil
}

// fold seeds the reducer with a synthetic set carrying the current value
// and runs the field's reducer over the merged, timestamp-ordered set. The
// seed's epoch-minimum timestamp guarantees it sorts first unless a real
// set exists earlier.
func (c *Consolidator) fold(def *field.Definition, current decimal.Decimal, eligible []*v1.Transaction) (decimal.Decimal, error) {
	reducer, err := reduce.Get(def.Reducer)
	if err != nil {
		return decimal.Zero, err
	}

	seed := &v1.Transaction{
		ID:        "synthetic:" + def.Resource + ":" + def.Field,
		Resource:  def.Resource,
		EntityID:  eligible[0].EntityID,
		Field:     def.Field,
		FieldPath: def.Field,
		Operation: v1.OpSet,
		Value:     current,
		Timestamp: time.Unix(0, 0).UTC(),
		Synthetic: true,
	}

	merged := make([]*v1.Transaction, 0, len(eligible)+1)
	merged = append(merged, seed)
	merged = append(merged, eligible...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})

	newValue, err := reducer.Reduce(merged)
	if err != nil {
		return decimal.Zero, fmt.Errorf("reducer %q: %w", def.Reducer, err)
	}
	return newValue, nil
}

// inWindow applies the event-time watermark and the field's late policy,
// per transaction, at query time. process forces late transactions in;
// warn logs and defers them; ignore silently defers (rejection already
// happened at write time).
func (c *Consolidator) inWindow(pending []*v1.Transaction, def *field.Definition) []*v1.Transaction {
	watermarkHour := cohort.Compute(c.nowFn().Add(-c.params.Window), c.loc).Hour

	eligible := make([]*v1.Transaction, 0, len(pending))
	for _, txn := range pending {
		if txn.CohortHour >= watermarkHour {
			eligible = append(eligible, txn)
			continue
		}

		switch def.LatePolicy {
		case field.LateProcess:
			eligible = append(eligible, txn)
		case field.LateWarn:
			slog.Warn("[Consolidator] Late transaction deferred",
				"transaction_id", txn.ID,
				"cohort_hour", txn.CohortHour,
				"watermark_hour", watermarkHour,
			)
		}
	}
	return eligible
}

// SweepStats summarizes a resource-wide consolidation sweep.
type SweepStats struct {
	Entities int
	Applied  int
	Skipped  int
	Noops    int
	Errors   int
}

// ConsolidateAll enumerates every entity with pending transactions for the
// field and consolidates each with bounded fan-out. Per-entity failures are
// counted, not fatal — the sweep always visits every entity.
func (c *Consolidator) ConsolidateAll(ctx context.Context, resource, fieldName string) (SweepStats, error) {
	entities, err := c.txns.EntitiesWithPending(ctx, resource, fieldName)
	if err != nil {
		return SweepStats{}, fmt.Errorf("enumerate pending entities: %w", err)
	}

	stats := SweepStats{Entities: len(entities)}
	if len(entities) == 0 {
		return stats, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.params.SweepConcurrency)

	for _, entityID := range entities {
		g.Go(func() error {
			result, err := c.Consolidate(gctx, resource, fieldName, entityID)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Errors++
				slog.Error("[Consolidator] Sweep entity failed",
					"resource", resource,
					"field", fieldName,
					"entity_id", entityID,
					"error", err,
				)
				return nil
			}
			switch result.Outcome {
			case OutcomeApplied:
				stats.Applied++
			case OutcomeSkipped:
				stats.Skipped++
			case OutcomeNoop:
				stats.Noops++
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return stats, err
	}
	return stats, nil
}

// Recalculate rebuilds the field value from the complete transaction
// history, ignoring the applied shortcut — the repair/audit path. It runs
// under the same per-entity lock as normal consolidation and marks any
// still-pending transactions applied, so the snapshot and the log agree
// afterwards. Concurrent recalculations of the same triple coalesce into
// one run.
func (c *Consolidator) Recalculate(ctx context.Context, resource, fieldName, entityID string) (decimal.Decimal, error) {
	key := resource + ":" + fieldName + ":" + entityID
	value, err, _ := c.recalcs.Do(key, func() (interface{}, error) {
		return c.recalculate(ctx, resource, fieldName, entityID)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return value.(decimal.Decimal), nil
}

func (c *Consolidator) recalculate(ctx context.Context, resource, fieldName, entityID string) (decimal.Decimal, error) {
	def, err := c.fields.Get(ctx, resource, fieldName)
	if err != nil {
		return decimal.Zero, err
	}

	lease, err := c.locks.AcquireWait(ctx, consolidationLockKey(resource, fieldName, entityID), c.params.LockTTL, c.params.LockTimeout)
	if err != nil {
		return decimal.Zero, err
	}
	defer c.locks.Release(ctx, lease)

	all, err := c.txns.AllForEntity(ctx, resource, fieldName, entityID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("load transaction history: %w", err)
	}

	reducer, err := reduce.Get(def.Reducer)
	if err != nil {
		return decimal.Zero, err
	}
	value, err := reducer.Reduce(all)
	if err != nil {
		return decimal.Zero, fmt.Errorf("reducer %q: %w", def.Reducer, err)
	}

	if err := c.records.SetField(ctx, resource, entityID, fieldName, value); err != nil {
		return decimal.Zero, fmt.Errorf("persist %s.%s: %w", resource, fieldName, err)
	}

	var pendingIDs []string
	var pendingTxns []*v1.Transaction
	for _, txn := range all {
		if !txn.Applied {
			pendingIDs = append(pendingIDs, txn.ID)
			pendingTxns = append(pendingTxns, txn)
		}
	}
	if len(pendingIDs) > 0 {
		if _, err := c.txns.MarkApplied(ctx, pendingIDs, c.params.MarkAppliedConcurrency); err != nil {
			return decimal.Zero, fmt.Errorf("mark applied: %w", err)
		}
		if c.rollups != nil {
			if err := c.rollups.Rollup(ctx, resource, fieldName, pendingTxns); err != nil {
				return decimal.Zero, err
			}
		}
	}

	slog.Info("[Consolidator] Recalculated",
		"resource", resource,
		"field", fieldName,
		"entity_id", entityID,
		"transactions", len(all),
		"value", value,
	)
	return value, nil
}

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/lib/pq"
	v1 "github.com/tally-lab/project-tally/internal/api/v1"
	"github.com/tally-lab/project-tally/internal/core/bucket"
)

// BucketAdapter implements storage.BucketStore against the analytics_buckets
// table. Hour-level merges happen inside the upsert statement so concurrent
// consolidations landing on the same hour never lose updates.
type BucketAdapter struct {
	db *sql.DB
}

// NewBucketAdapter creates a BucketAdapter sharing the given connection.
func NewBucketAdapter(db *sql.DB) *BucketAdapter {
	return &BucketAdapter{db: db}
}

// UpsertHour merges per-hour deltas into the stored hour buckets in one
// transaction. Empty deltas are skipped.
func (a *BucketAdapter) UpsertHour(ctx context.Context, deltas map[bucket.Key]bucket.State) error {
	if len(deltas) == 0 {
		return nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("bucket upsert: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, queryUpsertBucket)
	if err != nil {
		return fmt.Errorf("bucket upsert: prepare: %w", err)
	}
	defer stmt.Close()

	upserted := 0
	for key, state := range deltas {
		if state.Count == 0 {
			continue
		}

		setTotals := state.Ops[v1.OpSet]
		addTotals := state.Ops[v1.OpAdd]
		subTotals := state.Ops[v1.OpSub]

		if _, err := stmt.ExecContext(ctx,
			key.Resource,
			key.Field,
			key.Period,
			key.Cohort,
			state.Count,
			state.Sum.String(),
			state.Min.String(),
			state.Max.String(),
			setTotals.Count,
			opSumString(setTotals),
			addTotals.Count,
			opSumString(addTotals),
			subTotals.Count,
			opSumString(subTotals),
			state.EntityCount,
			state.UpdatedAt,
		); err != nil {
			return fmt.Errorf("bucket upsert %v: %w", key, err)
		}
		upserted++
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("bucket upsert: commit: %w", err)
	}

	slog.Debug("[Postgres] Upserted hour buckets", "buckets", upserted)
	return nil
}

func opSumString(totals bucket.OpTotals) string {
	if totals.Count == 0 {
		return "0"
	}
	return totals.Sum.String()
}

// RecomputeParent replaces the parent bucket with the fold of the named
// child buckets. The replacement is a single upsert, so concurrent sweeps
// recomputing the same parent serialize on the row rather than racing a
// delete-then-insert. A parent whose children have all been trimmed away
// is deleted instead of going stale.
func (a *BucketAdapter) RecomputeParent(ctx context.Context, parent bucket.Key, childPeriod string, childCohorts []string) error {
	result, err := a.db.ExecContext(ctx, queryRecomputeParentBucket,
		parent.Resource, parent.Field, parent.Period, parent.Cohort,
		childPeriod, pq.Array(childCohorts))
	if err != nil {
		return fmt.Errorf("bucket recompute: rebuild parent %v: %w", parent, err)
	}

	upserted, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("bucket recompute: rows affected: %w", err)
	}
	if upserted > 0 {
		return nil
	}

	if _, err := a.db.ExecContext(ctx, queryDeleteParentBucket,
		parent.Resource, parent.Field, parent.Period, parent.Cohort); err != nil {
		return fmt.Errorf("bucket recompute: clear parent %v: %w", parent, err)
	}

	return nil
}

// QueryRange returns the buckets of one period with fromCohort <= cohort <=
// toCohort, keyed by cohort. Missing buckets are simply absent.
func (a *BucketAdapter) QueryRange(ctx context.Context, resource, field, period, fromCohort, toCohort string) (map[string]bucket.State, error) {
	rows, err := a.db.QueryContext(ctx, queryBucketRange, resource, field, period, fromCohort, toCohort)
	if err != nil {
		return nil, fmt.Errorf("failed to query buckets: %w", err)
	}
	defer rows.Close()

	buckets := make(map[string]bucket.State)
	for rows.Next() {
		var cohortKey string
		state, err := scanBucketState(rows, &cohortKey)
		if err != nil {
			return nil, err
		}
		buckets[cohortKey] = state
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating buckets: %w", err)
	}

	return buckets, nil
}

// DeleteBefore removes buckets of one period with cohort < cutoffCohort.
func (a *BucketAdapter) DeleteBefore(ctx context.Context, resource, field, period, cutoffCohort string) (int, error) {
	result, err := a.db.ExecContext(ctx, queryDeleteBucketsBefore, resource, field, period, cutoffCohort)
	if err != nil {
		return 0, fmt.Errorf("failed to delete buckets: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check bucket deletion: %w", err)
	}

	return int(deleted), nil
}

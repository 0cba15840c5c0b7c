package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tally-lab/project-tally/internal/analytics"
	"github.com/tally-lab/project-tally/internal/core/storage"
	"github.com/tally-lab/project-tally/internal/lock"
)

// GCStats reports one garbage collection pass.
type GCStats struct {
	Deleted        int
	Failed         int
	BucketsTrimmed int
}

// GCParams bounds a collector's behavior.
type GCParams struct {
	// Retention is how long applied transactions are kept, measured from
	// their event time.
	Retention time.Duration

	// BatchSize caps how many IDs one delete round works on.
	BatchSize int

	// Concurrency bounds the delete fan-out within a batch.
	Concurrency int

	// LockTTL is the lease duration for the GC lock.
	LockTTL time.Duration

	// BucketRetention is how long analytics buckets are kept. Zero keeps
	// them forever.
	BucketRetention time.Duration
}

func (p GCParams) normalized() GCParams {
	n := p
	if n.Retention <= 0 {
		n.Retention = 30 * 24 * time.Hour
	}
	if n.BatchSize <= 0 {
		n.BatchSize = 500
	}
	if n.Concurrency <= 0 {
		n.Concurrency = 10
	}
	if n.LockTTL <= 0 {
		n.LockTTL = 5 * time.Minute
	}
	return n
}

// Collector reclaims applied transactions older than the retention horizon.
// It runs under its own lock key, distinct from consolidation locks: GC and
// consolidation never block each other, but two workers never collect the
// same field at once. Unapplied transactions are never deleted, whatever
// their age.
type Collector struct {
	txns    storage.TransactionStore
	locks   *lock.Manager
	rollups *analytics.Engine // nil when analytics is disabled
	params  GCParams
	hooks   *Hooks
	nowFn   func() time.Time
}

// NewCollector creates a garbage collector. rollups may be nil to skip
// bucket trimming; hooks may be nil.
func NewCollector(txns storage.TransactionStore, locks *lock.Manager, rollups *analytics.Engine, params GCParams, hooks *Hooks) *Collector {
	return &Collector{
		txns:    txns,
		locks:   locks,
		rollups: rollups,
		params:  params.normalized(),
		hooks:   hooks,
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

func gcLockKey(resource, fieldName string) string {
	return fmt.Sprintf("gc:%s:%s", resource, fieldName)
}

// Collect deletes applied transactions for one field older than the
// retention horizon, in bounded batches. A held lock means another worker
// is already collecting: the pass is skipped with zero stats, not an error.
func (g *Collector) Collect(ctx context.Context, resource, fieldName string) (GCStats, error) {
	lease, err := g.locks.Acquire(ctx, gcLockKey(resource, fieldName), g.params.LockTTL)
	if errors.Is(err, lock.ErrUnavailable) {
		slog.Debug("[GC] Pass skipped, lock held elsewhere", "resource", resource, "field", fieldName)
		return GCStats{}, nil
	}
	if err != nil {
		g.hooks.gcError(resource, fieldName, err)
		return GCStats{}, err
	}
	defer g.locks.Release(ctx, lease)

	cutoff := g.nowFn().Add(-g.params.Retention)

	var stats GCStats
	for {
		ids, err := g.txns.AppliedBefore(ctx, resource, fieldName, cutoff, g.params.BatchSize)
		if err != nil {
			g.hooks.gcError(resource, fieldName, err)
			return stats, fmt.Errorf("scan expired transactions: %w", err)
		}
		if len(ids) == 0 {
			break
		}

		deleted, failed := g.txns.DeleteBatch(ctx, ids, g.params.Concurrency)
		stats.Deleted += deleted
		stats.Failed += failed

		// A round that deletes nothing will never make progress; stop and
		// let the next scheduled pass retry.
		if deleted == 0 {
			break
		}
		if len(ids) < g.params.BatchSize {
			break
		}
	}

	if g.rollups != nil && g.params.BucketRetention > 0 {
		trimmed, err := g.rollups.TrimBefore(ctx, resource, fieldName, g.nowFn().Add(-g.params.BucketRetention))
		stats.BucketsTrimmed = trimmed
		if err != nil {
			g.hooks.gcError(resource, fieldName, err)
			return stats, fmt.Errorf("trim analytics buckets: %w", err)
		}
	}

	g.hooks.gcCompleted(resource, fieldName, stats.Deleted, stats.Failed)
	if stats.Deleted > 0 || stats.Failed > 0 || stats.BucketsTrimmed > 0 {
		slog.Info("[GC] Pass complete",
			"resource", resource,
			"field", fieldName,
			"deleted", stats.Deleted,
			"failed", stats.Failed,
			"buckets_trimmed", stats.BucketsTrimmed,
		)
	}
	return stats, nil
}

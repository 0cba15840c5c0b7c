package storage

import (
	"context"
	"errors"
	"time"

	v1 "github.com/tally-lab/project-tally/internal/api/v1"
	"github.com/tally-lab/project-tally/internal/core/bucket"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a record or lock does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert collides with an existing row.
var ErrDuplicate = errors.New("already exists")

// TransactionStore is the append-only log of field mutations.
//
// Pending lookups ("this entity's unapplied transactions", "all entities
// with anything unapplied") must be index-backed range scans over
// (entity_id, applied) — a full log scan per consolidation pass does not
// hold up at scale.
type TransactionStore interface {
	// Append persists one immutable transaction.
	Append(ctx context.Context, txn *v1.Transaction) error

	// PendingForEntity returns the unapplied transactions of one
	// entity+field, ordered by timestamp ascending.
	PendingForEntity(ctx context.Context, resource, field, entityID string) ([]*v1.Transaction, error)

	// EntitiesWithPending returns the distinct entity IDs that have at
	// least one unapplied transaction for the field.
	EntitiesWithPending(ctx context.Context, resource, field string) ([]string, error)

	// AllForEntity returns every transaction of one entity+field, applied
	// or not, ordered by timestamp ascending. Repair/audit path.
	AllForEntity(ctx context.Context, resource, field, entityID string) ([]*v1.Transaction, error)

	// MarkApplied flips applied=false -> true for the given IDs, at most
	// concurrency statements in flight. Returns the number marked.
	MarkApplied(ctx context.Context, ids []string, concurrency int) (int, error)

	// AppliedBefore returns IDs of applied transactions with event time
	// older than cutoff, up to limit. Unapplied transactions are never
	// returned regardless of age.
	AppliedBefore(ctx context.Context, resource, field string, cutoff time.Time, limit int) ([]string, error)

	// DeleteBatch removes transactions by ID with bounded concurrency.
	// Returns how many deleted and how many failed.
	DeleteBatch(ctx context.Context, ids []string, concurrency int) (deleted, failed int)

	// TopEntities ranks entities inside one cohort by applied transaction
	// count or total value. sortBy is "count" or "sum"; ties break by
	// entity ID ascending.
	TopEntities(ctx context.Context, resource, field, period, cohort, sortBy string, limit int) ([]EntityTotals, error)
}

// EntityTotals is one row of a top-entities ranking.
type EntityTotals struct {
	EntityID string          `json:"entity_id"`
	Count    int64           `json:"count"`
	Sum      decimal.Decimal `json:"sum"`
}

// RecordStore is the document-store collaborator holding the materialized
// field snapshots. The engine only ever reads and writes single field
// paths; record schema and lifecycle belong to the host application.
type RecordStore interface {
	// GetField reads the current value at fieldPath. ok=false with a nil
	// error means the record exists but the field is unset (treated as
	// zero). ErrNotFound means the record itself is missing.
	GetField(ctx context.Context, resource, entityID, fieldPath string) (value decimal.Decimal, ok bool, err error)

	// SetField writes the materialized value. Only the consolidator calls
	// this.
	SetField(ctx context.Context, resource, entityID, fieldPath string, value decimal.Decimal) error
}

// Lock is the ephemeral row behind a distributed lease.
type Lock struct {
	Key        string
	Owner      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// LockStore exposes the conditional create-if-absent primitive the lock
// manager is built on. No other atomicity is assumed of the backing store.
type LockStore interface {
	// TryInsert creates the lock row only if the key is absent.
	// Returns false (not an error) when the key is already held.
	TryInsert(ctx context.Context, lock Lock) (bool, error)

	// Get returns the current lock row, or ErrNotFound.
	Get(ctx context.Context, key string) (*Lock, error)

	// DeleteOwned removes the lock only if owner still holds it.
	// Deleting a lock you no longer own is a no-op, not an error.
	DeleteOwned(ctx context.Context, key, owner string) error

	// DeleteExpired removes the lock only if it expired before now.
	// Returns true when a row was reclaimed.
	DeleteExpired(ctx context.Context, key string, now time.Time) (bool, error)
}

// BucketStore persists analytics buckets.
type BucketStore interface {
	// UpsertHour merges per-hour deltas into the stored hour buckets.
	// The merge must be atomic per bucket: concurrent consolidations of
	// different entities may target the same hour.
	UpsertHour(ctx context.Context, deltas map[bucket.Key]bucket.State) error

	// RecomputeParent replaces the parent bucket with the fold of the
	// named child buckets.
	RecomputeParent(ctx context.Context, parent bucket.Key, childPeriod string, childCohorts []string) error

	// QueryRange returns buckets of one period with fromCohort <= cohort
	// <= toCohort, ordered by cohort ascending. Missing buckets are simply
	// absent, never an error.
	QueryRange(ctx context.Context, resource, field, period, fromCohort, toCohort string) (map[string]bucket.State, error)

	// DeleteBefore removes buckets of one period with cohort < cutoffCohort.
	// Returns the number deleted.
	DeleteBefore(ctx context.Context, resource, field, period, cutoffCohort string) (int, error)
}

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tally-lab/project-tally/internal/core/storage"
)

// LockAdapter implements storage.LockStore against the field_locks table.
// The primary key on the lock key gives the conditional create-if-absent
// the lock manager builds on; nothing stronger is assumed of the database.
type LockAdapter struct {
	db *sql.DB
}

// NewLockAdapter creates a LockAdapter sharing the given connection.
func NewLockAdapter(db *sql.DB) *LockAdapter {
	return &LockAdapter{db: db}
}

// TryInsert creates the lock row only if the key is absent. Returns false,
// not an error, when the key is already held.
func (a *LockAdapter) TryInsert(ctx context.Context, lock storage.Lock) (bool, error) {
	result, err := a.db.ExecContext(ctx, queryInsertLock,
		lock.Key, lock.Owner, lock.AcquiredAt, lock.ExpiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert lock: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check lock insert: %w", err)
	}

	return affected == 1, nil
}

// Get returns the current lock row, or storage.ErrNotFound.
func (a *LockAdapter) Get(ctx context.Context, key string) (*storage.Lock, error) {
	var lock storage.Lock
	err := a.db.QueryRowContext(ctx, queryGetLock, key).Scan(
		&lock.Key, &lock.Owner, &lock.AcquiredAt, &lock.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock: %w", err)
	}
	return &lock, nil
}

// DeleteOwned removes the lock only while owner still holds it. Releasing a
// lock that expired and was reclaimed is a no-op, not an error.
func (a *LockAdapter) DeleteOwned(ctx context.Context, key, owner string) error {
	if _, err := a.db.ExecContext(ctx, queryDeleteOwnedLock, key, owner); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// DeleteExpired removes the lock only if it expired before now. Returns true
// when a row was reclaimed. The expires_at guard in the statement keeps two
// reclaimers from both thinking they freed the key.
func (a *LockAdapter) DeleteExpired(ctx context.Context, key string, now time.Time) (bool, error) {
	result, err := a.db.ExecContext(ctx, queryDeleteExpiredLock, key, now)
	if err != nil {
		return false, fmt.Errorf("failed to reclaim expired lock: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check lock reclaim: %w", err)
	}

	return affected == 1, nil
}

package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tally-lab/project-tally/internal/core/storage"
)

// ErrUnavailable means another worker holds the lock. Callers treat this as
// "skip, try later" — it is contention, not failure.
var ErrUnavailable = errors.New("lock unavailable")

// retryInterval is the poll period while waiting on a contended lock.
const retryInterval = 100 * time.Millisecond

// Manager grants TTL-bounded, mutually exclusive leases across worker
// processes. The only primitive it needs from the store is a conditional
// create-if-absent write; expiry makes it crash tolerant. Pick a TTL
// comfortably larger than the expected hold time — at least twice.
type Manager struct {
	store storage.LockStore
	nowFn func() time.Time
}

// NewManager creates a lock manager over the given store.
func NewManager(store storage.LockStore) *Manager {
	return &Manager{
		store: store,
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

// Lease is proof of a held lock. Release requires the token so a worker
// that lost its lease to expiry cannot delete the next holder's lock.
type Lease struct {
	Key       string
	Token     string
	ExpiresAt time.Time
}

// Acquire makes a single attempt at the lock. Returns ErrUnavailable when
// another worker holds an unexpired lease.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock %q: ttl must be positive", key)
	}

	now := m.nowFn()
	lock := storage.Lock{
		Key:        key,
		Owner:      uuid.New().String(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	ok, err := m.store.TryInsert(ctx, lock)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %q: %w", key, err)
	}
	if !ok {
		// Held by someone. Reclaim if the holder's TTL has lapsed —
		// crashed workers never release.
		reclaimed, err := m.store.DeleteExpired(ctx, key, now)
		if err != nil {
			return nil, fmt.Errorf("reclaim expired lock %q: %w", key, err)
		}
		if !reclaimed {
			return nil, ErrUnavailable
		}

		slog.Info("[Lock] Reclaimed expired lock", "key", key)
		ok, err = m.store.TryInsert(ctx, lock)
		if err != nil {
			return nil, fmt.Errorf("acquire reclaimed lock %q: %w", key, err)
		}
		if !ok {
			// Another worker won the reclaim race.
			return nil, ErrUnavailable
		}
	}

	return &Lease{Key: key, Token: lock.Owner, ExpiresAt: lock.ExpiresAt}, nil
}

// AcquireWait retries Acquire until timeout elapses or ctx is done.
// Degrades to ErrUnavailable rather than blocking indefinitely.
func (m *Manager) AcquireWait(ctx context.Context, key string, ttl, timeout time.Duration) (*Lease, error) {
	deadline := m.nowFn().Add(timeout)

	for {
		lease, err := m.Acquire(ctx, key, ttl)
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, ErrUnavailable) {
			return nil, err
		}

		if m.nowFn().Add(retryInterval).After(deadline) {
			return nil, ErrUnavailable
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// Release deletes the lease. Best effort: releasing a lock you no longer
// own, or one already reclaimed, is a no-op.
func (m *Manager) Release(ctx context.Context, lease *Lease) {
	if lease == nil {
		return
	}
	if err := m.store.DeleteOwned(ctx, lease.Key, lease.Token); err != nil {
		slog.Warn("[Lock] Release failed", "key", lease.Key, "error", err)
	}
}

// IsHeld reports whether an unexpired lease currently exists for key.
func (m *Manager) IsHeld(ctx context.Context, key string) (bool, error) {
	lock, err := m.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inspect lock %q: %w", key, err)
	}
	return lock.ExpiresAt.After(m.nowFn()), nil
}

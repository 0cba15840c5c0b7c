package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tally-lab/project-tally/internal/core/storage"
)

func newTestManager(start time.Time) (*Manager, *time.Time) {
	now := start
	m := NewManager(storage.NewMemoryLockStore())
	m.nowFn = func() time.Time { return now }
	return m, &now
}

func TestAcquireAndRelease(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC))

	lease, err := m.Acquire(ctx, "consolidation:accounts:balance:e-1", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, lease.Token)

	held, err := m.IsHeld(ctx, lease.Key)
	require.NoError(t, err)
	require.True(t, held)

	// Second acquire while held is contention, not failure.
	_, err = m.Acquire(ctx, lease.Key, time.Minute)
	require.ErrorIs(t, err, ErrUnavailable)

	m.Release(ctx, lease)

	held, err = m.IsHeld(ctx, lease.Key)
	require.NoError(t, err)
	require.False(t, held)

	_, err = m.Acquire(ctx, lease.Key, time.Minute)
	require.NoError(t, err)
}

func TestAcquireRejectsBadTTL(t *testing.T) {
	m, _ := newTestManager(time.Now())
	_, err := m.Acquire(context.Background(), "k", 0)
	require.Error(t, err)
}

func TestAcquireReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	m, now := newTestManager(time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC))

	first, err := m.Acquire(ctx, "gc:accounts:balance", time.Minute)
	require.NoError(t, err)

	// Holder crashes; its TTL lapses.
	*now = now.Add(2 * time.Minute)

	second, err := m.Acquire(ctx, "gc:accounts:balance", time.Minute)
	require.NoError(t, err)
	require.NotEqual(t, first.Token, second.Token)

	// The dead holder's release must not remove the new lease.
	m.Release(ctx, first)
	held, err := m.IsHeld(ctx, "gc:accounts:balance")
	require.NoError(t, err)
	require.True(t, held)
}

func TestLeaseExpiryIsNotHeld(t *testing.T) {
	ctx := context.Background()
	m, now := newTestManager(time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC))

	_, err := m.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	*now = now.Add(90 * time.Second)
	held, err := m.IsHeld(ctx, "k")
	require.NoError(t, err)
	require.False(t, held)
}

func TestAcquireWaitTimesOut(t *testing.T) {
	ctx := context.Background()
	m := NewManager(storage.NewMemoryLockStore())

	_, err := m.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	start := time.Now()
	_, err = m.AcquireWait(ctx, "k", time.Minute, 250*time.Millisecond)
	require.ErrorIs(t, err, ErrUnavailable)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestAcquireWaitSucceedsAfterRelease(t *testing.T) {
	ctx := context.Background()
	m := NewManager(storage.NewMemoryLockStore())

	lease, err := m.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	go func() {
		time.Sleep(150 * time.Millisecond)
		m.Release(ctx, lease)
	}()

	got, err := m.AcquireWait(ctx, "k", time.Minute, 3*time.Second)
	require.NoError(t, err)
	require.NotEqual(t, lease.Token, got.Token)
}

func TestAcquireWaitHonorsContext(t *testing.T) {
	m := NewManager(storage.NewMemoryLockStore())

	_, err := m.Acquire(context.Background(), "k", time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err = m.AcquireWait(ctx, "k", time.Minute, 10*time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestMutualExclusionUnderContention(t *testing.T) {
	ctx := context.Background()
	m := NewManager(storage.NewMemoryLockStore())

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		holders int
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := m.Acquire(ctx, "contended", time.Minute)
			if err != nil {
				require.ErrorIs(t, err, ErrUnavailable)
				return
			}
			mu.Lock()
			holders++
			mu.Unlock()
			_ = lease
		}()
	}
	wg.Wait()

	require.Equal(t, 1, holders, "exactly one worker may hold the lock")
}

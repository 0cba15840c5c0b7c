package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/tally-lab/project-tally/internal/analytics"
	"github.com/tally-lab/project-tally/internal/core/cohort"
	"github.com/tally-lab/project-tally/internal/core/config"
	"github.com/tally-lab/project-tally/internal/core/field"
	"github.com/tally-lab/project-tally/internal/core/storage"
	"github.com/tally-lab/project-tally/internal/ledger"
	"github.com/tally-lab/project-tally/internal/lock"
)

func newTestTracker(t *testing.T, mode string, withAnalytics bool) (*Tracker, *storage.MemoryRecordStore, *storage.MemoryTransactionStore) {
	t.Helper()

	fields, err := field.NewStaticRepository([]field.Definition{
		{Resource: "accounts", Field: "balance", Reducer: "sum", LatePolicy: field.LateWarn},
	})
	require.NoError(t, err)

	txns := storage.NewMemoryTransactionStore()
	records := storage.NewMemoryRecordStore()
	locks := lock.NewManager(storage.NewMemoryLockStore())

	var engine *analytics.Engine
	if withAnalytics {
		engine, err = analytics.NewEngine(storage.NewMemoryBucketStore(), txns, time.UTC, []string{
			cohort.PeriodHour, cohort.PeriodDay, cohort.PeriodWeek, cohort.PeriodMonth,
		})
		require.NoError(t, err)
	}

	writer := ledger.NewWriter(txns, fields, time.UTC, 24*time.Hour)
	consolidator := ledger.NewConsolidator(txns, records, locks, engine, fields, time.UTC, ledger.Params{
		Window:      24 * time.Hour,
		LockTimeout: 100 * time.Millisecond,
		LockTTL:     time.Minute,
	}, nil)

	trk, err := New(writer, consolidator, nil, engine, nil, mode)
	require.NoError(t, err)
	return trk, records, txns
}

func TestNewRejectsInvalidMode(t *testing.T) {
	_, err := New(nil, nil, nil, nil, nil, "eventually")
	require.Error(t, err)
}

func TestSyncModeConsolidatesInline(t *testing.T) {
	ctx := context.Background()
	trk, records, _ := newTestTracker(t, config.ModeSync, false)
	records.CreateRecord("accounts", "acct-1")

	result, err := trk.Set(ctx, "accounts", "acct-1", "balance", decimal.NewFromInt(100))
	require.NoError(t, err)
	require.True(t, result.Consolidated)
	require.True(t, result.Value.Equal(decimal.NewFromInt(100)))

	result, err = trk.Add(ctx, "accounts", "acct-1", "balance", decimal.NewFromInt(20))
	require.NoError(t, err)
	require.True(t, result.Value.Equal(decimal.NewFromInt(120)))

	result, err = trk.Sub(ctx, "accounts", "acct-1", "balance", decimal.NewFromInt(50))
	require.NoError(t, err)
	require.True(t, result.Value.Equal(decimal.NewFromInt(70)))

	value, ok, err := records.GetField(ctx, "accounts", "acct-1", "balance")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, value.Equal(decimal.NewFromInt(70)))
}

func TestSyncModeMissingRecordStillAccepts(t *testing.T) {
	ctx := context.Background()
	trk, _, txns := newTestTracker(t, config.ModeSync, false)

	// Consolidation is a noop without the record, but the write itself is
	// durable and stays pending until the record appears.
	result, err := trk.Add(ctx, "accounts", "acct-ghost", "balance", decimal.NewFromInt(5))
	require.NoError(t, err)
	require.NotNil(t, result.Transaction)

	pending, err := txns.PendingForEntity(ctx, "accounts", "balance", "acct-ghost")
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestAsyncModeDefersConsolidation(t *testing.T) {
	ctx := context.Background()
	trk, records, txns := newTestTracker(t, config.ModeAsync, false)
	records.CreateRecord("accounts", "acct-1")

	result, err := trk.Increment(ctx, "accounts", "acct-1", "balance")
	require.NoError(t, err)
	require.False(t, result.Consolidated)

	pending, err := txns.PendingForEntity(ctx, "accounts", "balance", "acct-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	cr, err := trk.Consolidate(ctx, "accounts", "acct-1", "balance")
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeApplied, cr.Outcome)
	require.True(t, cr.Value.Equal(decimal.NewFromInt(1)))
}

func TestConsolidateAllAndRecalculate(t *testing.T) {
	ctx := context.Background()
	trk, records, _ := newTestTracker(t, config.ModeAsync, false)
	records.CreateRecord("accounts", "acct-1")
	records.CreateRecord("accounts", "acct-2")

	_, err := trk.Add(ctx, "accounts", "acct-1", "balance", decimal.NewFromInt(10))
	require.NoError(t, err)
	_, err = trk.Decrement(ctx, "accounts", "acct-2", "balance")
	require.NoError(t, err)

	stats, err := trk.ConsolidateAll(ctx, "accounts", "balance")
	require.NoError(t, err)
	require.Equal(t, 2, stats.Entities)
	require.Equal(t, 2, stats.Applied)

	value, err := trk.Recalculate(ctx, "accounts", "acct-1", "balance")
	require.NoError(t, err)
	require.True(t, value.Equal(decimal.NewFromInt(10)))
}

func TestDisabledSubsystems(t *testing.T) {
	ctx := context.Background()
	trk, _, _ := newTestTracker(t, config.ModeAsync, false)

	_, err := trk.Collect(ctx, "accounts", "balance")
	require.ErrorContains(t, err, "garbage collection is disabled")

	_, err = trk.GetAnalytics(ctx, analytics.QueryRequest{})
	require.ErrorContains(t, err, "analytics is disabled")

	_, err = trk.LastDays(ctx, "accounts", "balance", 7, true)
	require.ErrorContains(t, err, "analytics is disabled")

	_, err = trk.GetTopRecords(ctx, "accounts", "balance", "day", "2026-08-26", "count", 10)
	require.ErrorContains(t, err, "analytics is disabled")
}

func TestAnalyticsQueriesThroughFacade(t *testing.T) {
	ctx := context.Background()
	trk, records, _ := newTestTracker(t, config.ModeSync, true)
	records.CreateRecord("accounts", "acct-1")

	_, err := trk.Add(ctx, "accounts", "acct-1", "balance", decimal.NewFromInt(10))
	require.NoError(t, err)

	rows, err := trk.LastDays(ctx, "accounts", "balance", 1, false)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, int64(1), rows[0].Count)

	year := time.Now().UTC().Year()
	rows, err = trk.Year(ctx, "accounts", "balance", year, false)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	top, err := trk.GetTopRecords(ctx, "accounts", "balance", "day",
		cohort.Compute(time.Now().UTC(), time.UTC).Date, "count", 10)
	require.NoError(t, err)
	require.Len(t, top, 1)
	require.Equal(t, "acct-1", top[0].EntityID)
}

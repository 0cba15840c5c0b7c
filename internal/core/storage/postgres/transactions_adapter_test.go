package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	v1 "github.com/tally-lab/project-tally/internal/api/v1"
	"github.com/tally-lab/project-tally/internal/core/partition"
	"github.com/tally-lab/project-tally/internal/core/storage"
)

func newMockTransactionAdapter(t *testing.T) (*TransactionAdapter, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	adapter := &TransactionAdapter{
		db:                db,
		stmtInsert:        mustPrepareStmt(t, db, mock, queryInsertTransaction),
		stmtPending:       mustPrepareStmt(t, db, mock, queryPendingForEntity),
		stmtEntitiesPend:  mustPrepareStmt(t, db, mock, queryEntitiesWithPending),
		stmtAllForEntity:  mustPrepareStmt(t, db, mock, queryAllForEntity),
		stmtMarkApplied:   mustPrepareStmt(t, db, mock, queryMarkApplied),
		stmtAppliedBefore: mustPrepareStmt(t, db, mock, queryAppliedBefore),
		stmtDelete:        mustPrepareStmt(t, db, mock, queryDeleteTransaction),
	}

	return adapter, mock, db
}

func mustPrepareStmt(t *testing.T, db *sql.DB, mock sqlmock.Sqlmock, query string) *sql.Stmt {
	t.Helper()

	mock.ExpectPrepare(regexp.QuoteMeta(query))
	stmt, err := db.Prepare(query)
	require.NoError(t, err)

	return stmt
}

func transactionRowColumns() []string {
	return []string{
		"id",
		"resource",
		"entity_id",
		"field",
		"field_path",
		"operation",
		"value",
		"ts",
		"cohort_hour",
		"cohort_date",
		"cohort_week",
		"cohort_month",
		"applied",
	}
}

func sampleTransaction(id string) *v1.Transaction {
	return &v1.Transaction{
		ID:          id,
		Resource:    "accounts",
		EntityID:    "acct-1",
		Field:       "balance",
		FieldPath:   "balance",
		Operation:   v1.OpAdd,
		Value:       decimal.RequireFromString("12.5"),
		Timestamp:   time.Date(2026, 8, 26, 14, 0, 0, 0, time.UTC),
		CohortHour:  "2026-08-26T14",
		CohortDate:  "2026-08-26",
		CohortWeek:  "2026-W35",
		CohortMonth: "2026-08",
	}
}

func addTransactionRow(rows *sqlmock.Rows, txn *v1.Transaction) {
	rows.AddRow(
		txn.ID, txn.Resource, txn.EntityID, txn.Field, txn.FieldPath,
		txn.Operation, txn.Value.String(), txn.Timestamp,
		txn.CohortHour, txn.CohortDate, txn.CohortWeek, txn.CohortMonth,
		txn.Applied,
	)
}

func TestTransactionAdapter_Append(t *testing.T) {
	tests := []struct {
		name       string
		mockResult func(mock sqlmock.Sqlmock, txn *v1.Transaction)
		assertions func(t *testing.T, err error)
	}{
		{
			name: "success",
			mockResult: func(mock sqlmock.Sqlmock, txn *v1.Transaction) {
				mock.ExpectExec(regexp.QuoteMeta(queryInsertTransaction)).
					WithArgs(
						txn.ID,
						partition.For(txn.EntityID),
						txn.Resource,
						txn.EntityID,
						txn.Field,
						txn.FieldPath,
						txn.Operation,
						txn.Value.String(),
						txn.Timestamp,
						txn.CohortHour,
						txn.CohortDate,
						txn.CohortWeek,
						txn.CohortMonth,
						txn.Applied,
					).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
			assertions: func(t *testing.T, err error) {
				require.NoError(t, err)
			},
		},
		{
			name: "duplicate maps to ErrDuplicate",
			mockResult: func(mock sqlmock.Sqlmock, txn *v1.Transaction) {
				mock.ExpectExec(regexp.QuoteMeta(queryInsertTransaction)).
					WithArgs(
						txn.ID,
						partition.For(txn.EntityID),
						txn.Resource,
						txn.EntityID,
						txn.Field,
						txn.FieldPath,
						txn.Operation,
						txn.Value.String(),
						txn.Timestamp,
						txn.CohortHour,
						txn.CohortDate,
						txn.CohortWeek,
						txn.CohortMonth,
						txn.Applied,
					).
					WillReturnResult(sqlmock.NewResult(0, 0))
			},
			assertions: func(t *testing.T, err error) {
				require.ErrorIs(t, err, storage.ErrDuplicate)
			},
		},
		{
			name: "exec error propagates",
			mockResult: func(mock sqlmock.Sqlmock, txn *v1.Transaction) {
				mock.ExpectExec(regexp.QuoteMeta(queryInsertTransaction)).
					WillReturnError(errors.New("connection reset"))
			},
			assertions: func(t *testing.T, err error) {
				require.ErrorContains(t, err, "failed to append transaction")
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			adapter, mock, db := newMockTransactionAdapter(t)
			defer db.Close()

			txn := sampleTransaction("txn-1")
			tc.mockResult(mock, txn)

			err := adapter.Append(context.Background(), txn)
			tc.assertions(t, err)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestTransactionAdapter_PendingForEntity(t *testing.T) {
	adapter, mock, db := newMockTransactionAdapter(t)
	defer db.Close()

	first := sampleTransaction("txn-1")
	second := sampleTransaction("txn-2")
	second.Timestamp = first.Timestamp.Add(time.Minute)

	rows := sqlmock.NewRows(transactionRowColumns())
	addTransactionRow(rows, first)
	addTransactionRow(rows, second)

	mock.ExpectQuery(regexp.QuoteMeta(queryPendingForEntity)).
		WithArgs("accounts", "balance", "acct-1").
		WillReturnRows(rows)

	txns, err := adapter.PendingForEntity(context.Background(), "accounts", "balance", "acct-1")
	require.NoError(t, err)
	require.Len(t, txns, 2)
	require.Equal(t, "txn-1", txns[0].ID)
	require.Equal(t, "txn-2", txns[1].ID)
	require.True(t, txns[0].Value.Equal(decimal.RequireFromString("12.5")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionAdapter_PendingForEntityBadValue(t *testing.T) {
	adapter, mock, db := newMockTransactionAdapter(t)
	defer db.Close()

	txn := sampleTransaction("txn-1")
	rows := sqlmock.NewRows(transactionRowColumns()).AddRow(
		txn.ID, txn.Resource, txn.EntityID, txn.Field, txn.FieldPath,
		txn.Operation, "not-a-number", txn.Timestamp,
		txn.CohortHour, txn.CohortDate, txn.CohortWeek, txn.CohortMonth,
		txn.Applied,
	)

	mock.ExpectQuery(regexp.QuoteMeta(queryPendingForEntity)).
		WithArgs("accounts", "balance", "acct-1").
		WillReturnRows(rows)

	_, err := adapter.PendingForEntity(context.Background(), "accounts", "balance", "acct-1")
	require.ErrorContains(t, err, "failed to parse transaction value")
}

func TestTransactionAdapter_EntitiesWithPending(t *testing.T) {
	adapter, mock, db := newMockTransactionAdapter(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(queryEntitiesWithPending)).
		WithArgs("accounts", "balance").
		WillReturnRows(sqlmock.NewRows([]string{"entity_id"}).
			AddRow("acct-1").
			AddRow("acct-2"))

	entityIDs, err := adapter.EntitiesWithPending(context.Background(), "accounts", "balance")
	require.NoError(t, err)
	require.Equal(t, []string{"acct-1", "acct-2"}, entityIDs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionAdapter_MarkApplied(t *testing.T) {
	adapter, mock, db := newMockTransactionAdapter(t)
	defer db.Close()

	// txn-2 was already applied by an earlier pass: zero rows, still counted
	// as success.
	mock.ExpectExec(regexp.QuoteMeta(queryMarkApplied)).
		WithArgs("txn-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(queryMarkApplied)).
		WithArgs("txn-2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	marked, err := adapter.MarkApplied(context.Background(), []string{"txn-1", "txn-2"}, 1)
	require.NoError(t, err)
	require.Equal(t, 1, marked)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionAdapter_AppliedBefore(t *testing.T) {
	adapter, mock, db := newMockTransactionAdapter(t)
	defer db.Close()

	cutoff := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(queryAppliedBefore)).
		WithArgs("accounts", "balance", cutoff, 100).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("txn-old"))

	ids, err := adapter.AppliedBefore(context.Background(), "accounts", "balance", cutoff, 100)
	require.NoError(t, err)
	require.Equal(t, []string{"txn-old"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionAdapter_DeleteBatch(t *testing.T) {
	adapter, mock, db := newMockTransactionAdapter(t)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(queryDeleteTransaction)).
		WithArgs("txn-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(queryDeleteTransaction)).
		WithArgs("txn-2").
		WillReturnError(errors.New("deadlock detected"))

	deleted, failed := adapter.DeleteBatch(context.Background(), []string{"txn-1", "txn-2"}, 1)
	require.Equal(t, 1, deleted)
	require.Equal(t, 1, failed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionAdapter_TopEntities(t *testing.T) {
	adapter, mock, db := newMockTransactionAdapter(t)
	defer db.Close()

	expected := fmt.Sprintf(`
		SELECT entity_id, COUNT(*) AS txn_count, COALESCE(SUM(value), 0) AS total
		FROM transactions
		WHERE resource = $1 AND field = $2 AND applied = TRUE AND %s = $3
		GROUP BY entity_id
		ORDER BY %s, entity_id ASC
		LIMIT $4
	`, "cohort_date", "total DESC")

	mock.ExpectQuery(regexp.QuoteMeta(expected)).
		WithArgs("accounts", "balance", "2026-08-26", 10).
		WillReturnRows(sqlmock.NewRows([]string{"entity_id", "txn_count", "total"}).
			AddRow("acct-2", int64(3), "250.75").
			AddRow("acct-1", int64(5), "100"))

	results, err := adapter.TopEntities(context.Background(), "accounts", "balance", "day", "2026-08-26", "sum", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "acct-2", results[0].EntityID)
	require.Equal(t, int64(3), results[0].Count)
	require.True(t, results[0].Sum.Equal(decimal.RequireFromString("250.75")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionAdapter_TopEntitiesValidation(t *testing.T) {
	adapter, _, db := newMockTransactionAdapter(t)
	defer db.Close()

	_, err := adapter.TopEntities(context.Background(), "accounts", "balance", "decade", "2020", "count", 10)
	require.ErrorContains(t, err, "unsupported period")

	_, err = adapter.TopEntities(context.Background(), "accounts", "balance", "day", "2026-08-26", "median", 10)
	require.ErrorContains(t, err, "unsupported sort")
}

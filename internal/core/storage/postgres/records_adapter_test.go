package postgres

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/tally-lab/project-tally/internal/core/storage"
)

func newMockRecordAdapter(t *testing.T) (*RecordAdapter, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	return NewRecordAdapter(db), mock, db
}

func TestRecordAdapter_GetField(t *testing.T) {
	tests := []struct {
		name       string
		mockResult func(mock sqlmock.Sqlmock)
		assertions func(t *testing.T, value decimal.Decimal, ok bool, err error)
	}{
		{
			name: "field present",
			mockResult: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta(queryGetRecordField)).
					WithArgs("accounts", "acct-1", "balance").
					WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("120.50"))
			},
			assertions: func(t *testing.T, value decimal.Decimal, ok bool, err error) {
				require.NoError(t, err)
				require.True(t, ok)
				require.True(t, value.Equal(decimal.RequireFromString("120.50")))
			},
		},
		{
			name: "record exists but field unset",
			mockResult: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta(queryGetRecordField)).
					WithArgs("accounts", "acct-1", "balance").
					WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(nil))
			},
			assertions: func(t *testing.T, value decimal.Decimal, ok bool, err error) {
				require.NoError(t, err)
				require.False(t, ok)
				require.True(t, value.IsZero())
			},
		},
		{
			name: "record missing maps to ErrNotFound",
			mockResult: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta(queryGetRecordField)).
					WithArgs("accounts", "acct-1", "balance").
					WillReturnRows(sqlmock.NewRows([]string{"value"}))
			},
			assertions: func(t *testing.T, value decimal.Decimal, ok bool, err error) {
				require.ErrorIs(t, err, storage.ErrNotFound)
				require.False(t, ok)
			},
		},
		{
			name: "non-numeric value rejected",
			mockResult: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta(queryGetRecordField)).
					WithArgs("accounts", "acct-1", "balance").
					WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("\"paid\""))
			},
			assertions: func(t *testing.T, value decimal.Decimal, ok bool, err error) {
				require.ErrorContains(t, err, "non-numeric value")
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			adapter, mock, db := newMockRecordAdapter(t)
			defer db.Close()

			tc.mockResult(mock)

			value, ok, err := adapter.GetField(context.Background(), "accounts", "acct-1", "balance")
			tc.assertions(t, value, ok, err)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRecordAdapter_SetField(t *testing.T) {
	adapter, mock, db := newMockRecordAdapter(t)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(querySetRecordField)).
		WithArgs("accounts", "acct-1", "balance", "120.5").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := adapter.SetField(context.Background(), "accounts", "acct-1", "balance", decimal.RequireFromString("120.5"))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordAdapter_SetFieldMissingRecord(t *testing.T) {
	adapter, mock, db := newMockRecordAdapter(t)
	defer db.Close()

	// Zero rows touched: the record does not exist and is never created
	// implicitly.
	mock.ExpectExec(regexp.QuoteMeta(querySetRecordField)).
		WithArgs("accounts", "acct-ghost", "balance", "10").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := adapter.SetField(context.Background(), "accounts", "acct-ghost", "balance", decimal.NewFromInt(10))
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordAdapter_EnsureRecord(t *testing.T) {
	adapter, mock, db := newMockRecordAdapter(t)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(queryEnsureRecord)).
		WithArgs("accounts", "acct-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, adapter.EnsureRecord(context.Background(), "accounts", "acct-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

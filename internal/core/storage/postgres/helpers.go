package postgres

import (
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
	v1 "github.com/tally-lab/project-tally/internal/api/v1"
	"github.com/tally-lab/project-tally/internal/core/bucket"
)

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanTransactionRow scans one log row. The numeric value travels as text so
// decimal precision survives the round trip.
func scanTransactionRow(row scanner) (*v1.Transaction, error) {
	var txn v1.Transaction
	var valueStr string

	err := row.Scan(
		&txn.ID,
		&txn.Resource,
		&txn.EntityID,
		&txn.Field,
		&txn.FieldPath,
		&txn.Operation,
		&valueStr,
		&txn.Timestamp,
		&txn.CohortHour,
		&txn.CohortDate,
		&txn.CohortWeek,
		&txn.CohortMonth,
		&txn.Applied,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction row: %w", err)
	}

	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse transaction value %q: %w", valueStr, err)
	}
	txn.Value = value

	return &txn, nil
}

func collectTransactions(rows *sql.Rows) ([]*v1.Transaction, error) {
	var txns []*v1.Transaction
	for rows.Next() {
		txn, err := scanTransactionRow(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, txn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}

	return txns, nil
}

// scanBucketState scans the value columns of one analytics bucket row.
// The cohort key is scanned separately by the caller.
func scanBucketState(row scanner, cohortDest *string) (bucket.State, error) {
	var state bucket.State
	var totalStr, minStr, maxStr string
	var setCount, addCount, subCount int64
	var setSumStr, addSumStr, subSumStr string

	err := row.Scan(
		cohortDest,
		&state.Count,
		&totalStr,
		&minStr,
		&maxStr,
		&setCount,
		&setSumStr,
		&addCount,
		&addSumStr,
		&subCount,
		&subSumStr,
		&state.EntityCount,
		&state.UpdatedAt,
	)
	if err != nil {
		return bucket.State{}, fmt.Errorf("failed to scan bucket row: %w", err)
	}

	for _, pair := range []struct {
		str  string
		dest *decimal.Decimal
	}{
		{totalStr, &state.Sum},
		{minStr, &state.Min},
		{maxStr, &state.Max},
	} {
		value, err := decimal.NewFromString(pair.str)
		if err != nil {
			return bucket.State{}, fmt.Errorf("failed to parse bucket value %q: %w", pair.str, err)
		}
		*pair.dest = value
	}

	state.Ops = make(map[string]bucket.OpTotals, 3)
	for op, pair := range map[string]struct {
		count int64
		sum   string
	}{
		v1.OpSet: {setCount, setSumStr},
		v1.OpAdd: {addCount, addSumStr},
		v1.OpSub: {subCount, subSumStr},
	} {
		if pair.count == 0 {
			continue
		}
		sum, err := decimal.NewFromString(pair.sum)
		if err != nil {
			return bucket.State{}, fmt.Errorf("failed to parse bucket %s sum %q: %w", op, pair.sum, err)
		}
		state.Ops[op] = bucket.OpTotals{Count: pair.count, Sum: sum}
	}

	return state, nil
}

package reduce

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	v1 "github.com/tally-lab/project-tally/internal/api/v1"
)

func txn(op string, value string) *v1.Transaction {
	return &v1.Transaction{Operation: op, Value: decimal.RequireFromString(value)}
}

func TestSum(t *testing.T) {
	tests := []struct {
		name  string
		input []*v1.Transaction
		want  string
	}{
		{
			name:  "empty fold is zero",
			input: nil,
			want:  "0",
		},
		{
			name:  "signed sum without set",
			input: []*v1.Transaction{txn(v1.OpAdd, "10"), txn(v1.OpSub, "3"), txn(v1.OpAdd, "0.5")},
			want:  "7.5",
		},
		{
			name:  "set overrides the accumulator",
			input: []*v1.Transaction{txn(v1.OpAdd, "100"), txn(v1.OpSet, "5"), txn(v1.OpAdd, "2")},
			want:  "7",
		},
		{
			name:  "trailing set wins",
			input: []*v1.Transaction{txn(v1.OpAdd, "1"), txn(v1.OpAdd, "2"), txn(v1.OpSet, "42")},
			want:  "42",
		},
		{
			name: "exact decimal arithmetic",
			input: []*v1.Transaction{
				txn(v1.OpSet, "0.1"), txn(v1.OpAdd, "0.2"), txn(v1.OpSub, "0.3"),
			},
			want: "0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Sum(tt.input)
			require.NoError(t, err)
			require.True(t, got.Equal(decimal.RequireFromString(tt.want)),
				"got %s, want %s", got, tt.want)
		})
	}
}

func TestSumRejectsUnknownOperation(t *testing.T) {
	_, err := Sum([]*v1.Transaction{{ID: "t-1", Operation: "mul", Value: decimal.NewFromInt(2)}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported operation")
}

func TestRegister(t *testing.T) {
	last := Func(func(ordered []*v1.Transaction) (decimal.Decimal, error) {
		if len(ordered) == 0 {
			return decimal.Zero, nil
		}
		return ordered[len(ordered)-1].Value, nil
	})

	require.NoError(t, Register("last", last))
	t.Cleanup(func() { delete(Reducers, "last") })

	require.True(t, Valid("last"))

	r, err := Get("last")
	require.NoError(t, err)
	got, err := r.Reduce([]*v1.Transaction{txn(v1.OpAdd, "1"), txn(v1.OpAdd, "9")})
	require.NoError(t, err)
	require.True(t, got.Equal(decimal.NewFromInt(9)))

	require.Error(t, Register("last", last), "duplicate registration must fail")
	require.Error(t, Register("", last))
	require.Error(t, Register("nil-reducer", nil))

	_, err = Get("missing")
	require.Error(t, err)
}

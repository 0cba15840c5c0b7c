package reduce

import (
	"fmt"

	v1 "github.com/tally-lab/project-tally/internal/api/v1"
	"github.com/shopspring/decimal"
)

// Reducer folds an ordered transaction slice into a single field value.
//
// Reducers must be pure and deterministic: the consolidator may re-run the
// same fold after a partial persistence failure and relies on getting the
// same answer. The first transaction may be a Synthetic set carrying the
// pre-consolidation value; the default reducer treats it like any other set,
// custom reducers can special-case it via the Synthetic flag.
type Reducer interface {
	Reduce(ordered []*v1.Transaction) (decimal.Decimal, error)
}

// Func adapts a plain function to the Reducer interface.
type Func func(ordered []*v1.Transaction) (decimal.Decimal, error)

func (f Func) Reduce(ordered []*v1.Transaction) (decimal.Decimal, error) {
	return f(ordered)
}

// DefaultName is the reducer every tracked field uses unless its definition
// says otherwise.
const DefaultName = "sum"

// Reducers is the registry of named reducers. Tracked-field definitions
// reference reducers by name; custom ones are added with Register before
// any field definition referencing them is loaded.
var Reducers = map[string]Reducer{
	DefaultName: Func(Sum),
}

// Register adds a named reducer. Registering a duplicate name is an error —
// silently replacing the fold semantics of live fields is never intended.
func Register(name string, r Reducer) error {
	if name == "" {
		return fmt.Errorf("reducer name must not be empty")
	}
	if r == nil {
		return fmt.Errorf("reducer %q is nil", name)
	}
	if _, exists := Reducers[name]; exists {
		return fmt.Errorf("reducer %q already registered", name)
	}
	Reducers[name] = r
	return nil
}

// Valid reports whether name is a registered reducer.
func Valid(name string) bool {
	_, ok := Reducers[name]
	return ok
}

// Get returns the reducer registered under name.
func Get(name string) (Reducer, error) {
	r, ok := Reducers[name]
	if !ok {
		return nil, fmt.Errorf("reducer %q not registered", name)
	}
	return r, nil
}

// Sum is the default fold: set overrides the accumulator, add and sub
// adjust it. Starting accumulator is zero, so a fold without any set is a
// plain signed sum.
func Sum(ordered []*v1.Transaction) (decimal.Decimal, error) {
	acc := decimal.Zero
	for _, txn := range ordered {
		switch txn.Operation {
		case v1.OpSet:
			acc = txn.Value
		case v1.OpAdd:
			acc = acc.Add(txn.Value)
		case v1.OpSub:
			acc = acc.Sub(txn.Value)
		default:
			return decimal.Zero, fmt.Errorf("transaction %s: unsupported operation %q", txn.ID, txn.Operation)
		}
	}
	return acc, nil
}

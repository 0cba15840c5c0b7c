package bucket

import (
	"time"

	"github.com/shopspring/decimal"
)

// Key uniquely identifies one analytics bucket.
// Cohort keys sort lexicographically within a period, so range scans over
// the key are chronological.
type Key struct {
	Resource string
	Field    string
	Period   string // hour, day, week, month
	Cohort   string
}

// OpTotals is the per-operation breakdown inside a bucket.
type OpTotals struct {
	Count int64           `json:"count"`
	Sum   decimal.Decimal `json:"sum"`
}

// State holds the materialized totals of one bucket.
// A bucket with Count == 0 is empty; Min/Max are meaningful only when
// Count > 0. EntityCount is approximate: distinct entities are counted per
// consolidation batch, so an entity active in two batches counts twice.
type State struct {
	Count       int64               `json:"count"`
	Sum         decimal.Decimal     `json:"sum"`
	Min         decimal.Decimal     `json:"min"`
	Max         decimal.Decimal     `json:"max"`
	Ops         map[string]OpTotals `json:"ops"`
	EntityCount int64               `json:"entity_count"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// Avg is derived, not stored: Sum/Count, zero for an empty bucket.
func (s State) Avg() decimal.Decimal {
	if s.Count == 0 {
		return decimal.Zero
	}
	return s.Sum.Div(decimal.NewFromInt(s.Count))
}

// Merge folds other into s additively. Used both when accumulating a
// consolidation batch into hour deltas and when recomputing a parent bucket
// from its children.
func (s *State) Merge(other State) {
	if other.Count == 0 {
		return
	}
	if s.Count == 0 {
		s.Min = other.Min
		s.Max = other.Max
	} else {
		if other.Min.LessThan(s.Min) {
			s.Min = other.Min
		}
		if other.Max.GreaterThan(s.Max) {
			s.Max = other.Max
		}
	}

	s.Count += other.Count
	s.Sum = s.Sum.Add(other.Sum)
	s.EntityCount += other.EntityCount

	if s.Ops == nil {
		s.Ops = make(map[string]OpTotals, len(other.Ops))
	}
	for op, totals := range other.Ops {
		cur := s.Ops[op]
		cur.Count += totals.Count
		cur.Sum = cur.Sum.Add(totals.Sum)
		s.Ops[op] = cur
	}

	if other.UpdatedAt.After(s.UpdatedAt) {
		s.UpdatedAt = other.UpdatedAt
	}
}

// Fold reduces child states into one parent state.
func Fold(children []State) State {
	var parent State
	for _, child := range children {
		parent.Merge(child)
	}
	return parent
}

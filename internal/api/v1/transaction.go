package v1

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Supported transaction operations. A tracked field is never written
// directly; every mutation goes through one of these.
const (
	OpSet = "set"
	OpAdd = "add"
	OpSub = "sub"
)

// ValidOperation reports whether op is a recognized transaction operation.
func ValidOperation(op string) bool {
	return op == OpSet || op == OpAdd || op == OpSub
}

// Transaction is one immutable entry in the append-only log for a tracked
// numeric field. It is created by a write call, flipped to Applied exactly
// once by the consolidator, and deleted only by the garbage collector once
// applied and past retention.
type Transaction struct {
	// ID is the unique identifier assigned at append time.
	ID string `json:"id"`

	// Resource names the record collection the entity lives in
	// (e.g. "accounts", "players").
	Resource string `json:"resource"`

	// EntityID identifies the record whose field this transaction mutates.
	// The record does not have to exist yet; the transaction stays pending
	// until it does.
	EntityID string `json:"entity_id"`

	// Field is the root attribute name being tracked.
	Field string `json:"field"`

	// FieldPath is the addressable path on the record. Equal to Field for
	// root attributes; root-plus-dot-path for nested sub-values.
	FieldPath string `json:"field_path"`

	// Operation is one of set, add, sub.
	Operation string `json:"operation"`

	// Value is the operand. Exact decimal arithmetic — no float drift on
	// money-like fields.
	Value decimal.Decimal `json:"value"`

	// Timestamp is event time: when the mutation logically happened,
	// not when it was recorded.
	Timestamp time.Time `json:"timestamp"`

	// Cohort keys derived from Timestamp in the configured timezone.
	// CohortWeek uses ISO-8601 YYYY-Www form.
	CohortHour  string `json:"cohort_hour"`
	CohortDate  string `json:"cohort_date"`
	CohortWeek  string `json:"cohort_week"`
	CohortMonth string `json:"cohort_month"`

	// Applied is mutated exactly once, false -> true, by the consolidator.
	// An applied transaction is never folded again.
	Applied bool `json:"applied"`

	// Synthetic marks the consolidator-injected seed transaction carrying
	// the pre-consolidation field value. Never persisted.
	Synthetic bool `json:"synthetic"`
}

// Validate ensures the transaction carries all required attributes.
func (t *Transaction) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}

	if t.Resource == "" {
		return fmt.Errorf("resource is required")
	}

	if t.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}

	if t.Field == "" {
		return fmt.Errorf("field is required")
	}

	if !ValidOperation(t.Operation) {
		return fmt.Errorf("unsupported operation %q", t.Operation)
	}

	if t.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}

	return nil
}

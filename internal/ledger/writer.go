package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	v1 "github.com/tally-lab/project-tally/internal/api/v1"
	"github.com/tally-lab/project-tally/internal/core/cohort"
	"github.com/tally-lab/project-tally/internal/core/field"
	"github.com/tally-lab/project-tally/internal/core/storage"
	"github.com/shopspring/decimal"
)

// ErrOutsideWatermark is returned for a write whose event time falls behind
// the consolidation window on a field with the ignore late policy.
var ErrOutsideWatermark = errors.New("event time outside consolidation watermark")

// Writer appends immutable operation records to the transaction log.
//
// It never reads the current field value and never creates the target
// record: a transaction against a missing entity is recorded and stays
// pending until the entity appears. Appends do not contend — two
// concurrent writers to the same entity both succeed.
type Writer struct {
	txns   storage.TransactionStore
	fields field.Repository
	loc    *time.Location
	window time.Duration
	nowFn  func() time.Time
}

// NewWriter creates a transaction log writer. window is the consolidation
// watermark lookback used to classify late arrivals at write time.
func NewWriter(txns storage.TransactionStore, fields field.Repository, loc *time.Location, window time.Duration) *Writer {
	return &Writer{
		txns:   txns,
		fields: fields,
		loc:    loc,
		window: window,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// AppendOptions carries the optional parts of an append.
type AppendOptions struct {
	// FieldPath overrides the target path for nested sub-values.
	// Defaults to the field name itself.
	FieldPath string

	// Timestamp overrides event time. Defaults to now. Backdated writes
	// are subject to the field's late-arrival policy.
	Timestamp time.Time
}

// Append records one operation for (resource, field, entityID) and returns
// the stored transaction. The field must be tracked; the target entity does
// not have to exist.
func (w *Writer) Append(ctx context.Context, resource, fieldName, entityID, op string, value decimal.Decimal, opts AppendOptions) (*v1.Transaction, error) {
	def, err := w.fields.Get(ctx, resource, fieldName)
	if err != nil {
		return nil, err
	}

	ts := opts.Timestamp
	if ts.IsZero() {
		ts = w.nowFn()
	}
	ts = ts.UTC()

	fieldPath := opts.FieldPath
	if fieldPath == "" {
		fieldPath = fieldName
	}

	keys := cohort.Compute(ts, w.loc)
	txn := &v1.Transaction{
		ID:          uuid.New().String(),
		Resource:    resource,
		EntityID:    entityID,
		Field:       fieldName,
		FieldPath:   fieldPath,
		Operation:   op,
		Value:       value,
		Timestamp:   ts,
		CohortHour:  keys.Hour,
		CohortDate:  keys.Date,
		CohortWeek:  keys.Week,
		CohortMonth: keys.Month,
	}
	if err := txn.Validate(); err != nil {
		return nil, err
	}

	if w.isLate(ts) {
		switch def.LatePolicy {
		case field.LateIgnore:
			return nil, fmt.Errorf("%w: %s is older than %s", ErrOutsideWatermark, ts.Format(time.RFC3339), w.window)
		case field.LateWarn:
			slog.Warn("[Writer] Late transaction accepted",
				"resource", resource,
				"field", fieldName,
				"entity_id", entityID,
				"timestamp", ts,
				"window", w.window,
			)
		}
	}

	if err := w.txns.Append(ctx, txn); err != nil {
		return nil, fmt.Errorf("append transaction: %w", err)
	}

	slog.Debug("[Writer] Appended transaction",
		"transaction_id", txn.ID,
		"resource", resource,
		"field", fieldName,
		"entity_id", entityID,
		"operation", op,
	)
	return txn, nil
}

// isLate reports whether a timestamp's cohort hour falls behind the
// watermark (now minus the window). Hour cohort keys sort chronologically,
// so a plain string compare is the hour-granularity comparison.
func (w *Writer) isLate(ts time.Time) bool {
	watermarkHour := cohort.Compute(w.nowFn().Add(-w.window), w.loc).Hour
	return cohort.Compute(ts, w.loc).Hour < watermarkHour
}

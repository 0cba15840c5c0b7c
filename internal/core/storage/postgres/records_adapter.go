package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"github.com/tally-lab/project-tally/internal/core/storage"
)

// RecordAdapter implements storage.RecordStore against the records table.
// Field values live inside the attrs JSONB document, addressed by dotted
// field paths.
type RecordAdapter struct {
	db *sql.DB
}

// NewRecordAdapter creates a RecordAdapter sharing the given connection.
func NewRecordAdapter(db *sql.DB) *RecordAdapter {
	return &RecordAdapter{db: db}
}

// GetField reads the current value at fieldPath. ok=false with a nil error
// means the record exists but the field is unset. storage.ErrNotFound means
// the record itself is missing.
func (a *RecordAdapter) GetField(ctx context.Context, resource, entityID, fieldPath string) (decimal.Decimal, bool, error) {
	var valueStr sql.NullString
	err := a.db.QueryRowContext(ctx, queryGetRecordField, resource, entityID, fieldPath).Scan(&valueStr)
	if err == sql.ErrNoRows {
		return decimal.Zero, false, storage.ErrNotFound
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to read record field: %w", err)
	}

	if !valueStr.Valid {
		return decimal.Zero, false, nil
	}

	value, err := decimal.NewFromString(valueStr.String)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("field %s holds non-numeric value %q: %w", fieldPath, valueStr.String, err)
	}

	return value, true, nil
}

// SetField writes the materialized value at fieldPath. Only the consolidator
// calls this; a missing record is storage.ErrNotFound, never an implicit
// create.
func (a *RecordAdapter) SetField(ctx context.Context, resource, entityID, fieldPath string, value decimal.Decimal) error {
	result, err := a.db.ExecContext(ctx, querySetRecordField, resource, entityID, fieldPath, value.String())
	if err != nil {
		return fmt.Errorf("failed to write record field: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check field write: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}

	slog.Debug("[Postgres] Materialized field value",
		"resource", resource,
		"entity_id", entityID,
		"field_path", fieldPath,
		"value", value)
	return nil
}

// EnsureRecord creates an empty record if one does not exist yet. Record
// lifecycle belongs to the host application; this is the minimal hook the
// HTTP surface exposes so pending transactions have something to land on.
func (a *RecordAdapter) EnsureRecord(ctx context.Context, resource, entityID string) error {
	if _, err := a.db.ExecContext(ctx, queryEnsureRecord, resource, entityID); err != nil {
		return fmt.Errorf("failed to ensure record: %w", err)
	}
	return nil
}

package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Hooks are fire-and-forget lifecycle notifications. They are observational
// only — no correctness contract depends on them — and nil hooks are
// skipped. Keep implementations fast; they run on the worker's goroutine.
type Hooks struct {
	ConsolidationStarted   func(resource, field, entityID string)
	ConsolidationCompleted func(resource, field, entityID string, applied int, value decimal.Decimal, elapsed time.Duration)
	ConsolidationError     func(resource, field, entityID string, err error)
	GCCompleted            func(resource, field string, deleted, failed int)
	GCError                func(resource, field string, err error)
}

func (h *Hooks) consolidationStarted(resource, field, entityID string) {
	if h != nil && h.ConsolidationStarted != nil {
		h.ConsolidationStarted(resource, field, entityID)
	}
}

func (h *Hooks) consolidationCompleted(resource, field, entityID string, applied int, value decimal.Decimal, elapsed time.Duration) {
	if h != nil && h.ConsolidationCompleted != nil {
		h.ConsolidationCompleted(resource, field, entityID, applied, value, elapsed)
	}
}

func (h *Hooks) consolidationError(resource, field, entityID string, err error) {
	if h != nil && h.ConsolidationError != nil {
		h.ConsolidationError(resource, field, entityID, err)
	}
}

func (h *Hooks) gcCompleted(resource, field string, deleted, failed int) {
	if h != nil && h.GCCompleted != nil {
		h.GCCompleted(resource, field, deleted, failed)
	}
}

func (h *Hooks) gcError(resource, field string, err error) {
	if h != nil && h.GCError != nil {
		h.GCError(resource, field, err)
	}
}

package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/tally-lab/project-tally/internal/core/field"
)

// Scheduler drives async-mode consolidation and garbage collection. It is
// stateless: every tick independently sweeps each tracked field, so a
// restarted worker needs no recovery step.
type Scheduler struct {
	consolidator *Consolidator
	collector    *Collector // nil when GC is disabled
	fields       field.Repository
	interval     time.Duration
	gcInterval   time.Duration
}

// NewScheduler creates a periodic scheduler. collector may be nil to
// disable garbage collection.
func NewScheduler(
	consolidator *Consolidator,
	collector *Collector,
	fields field.Repository,
	interval time.Duration,
	gcInterval time.Duration,
) *Scheduler {
	return &Scheduler{
		consolidator: consolidator,
		collector:    collector,
		fields:       fields,
		interval:     interval,
		gcInterval:   gcInterval,
	}
}

// Start runs periodic sweeps until the context is cancelled, then performs
// one final sweep so shutdown doesn't strand pending transactions longer
// than necessary.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var gcTick <-chan time.Time
	if s.collector != nil {
		gcTicker := time.NewTicker(s.gcInterval)
		defer gcTicker.Stop()
		gcTick = gcTicker.C
	}

	slog.Info("[Scheduler] Starting",
		"interval", s.interval,
		"gc_interval", s.gcInterval,
		"gc_enabled", s.collector != nil,
		"tracked_fields", len(s.fields.Definitions()),
	)

	// Initial sweep to catch up with any backlog from downtime.
	s.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-gcTick:
			s.collect(ctx)
		case <-ctx.Done():
			slog.Info("[Scheduler] Stopping (context cancelled)")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			slog.Info("[Scheduler] Running final sweep before shutdown...")
			s.sweep(shutdownCtx)
			slog.Info("[Scheduler] Final sweep complete")

			return nil
		}
	}
}

// sweep consolidates every tracked field once.
func (s *Scheduler) sweep(ctx context.Context) {
	for _, def := range s.fields.Definitions() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		stats, err := s.consolidator.ConsolidateAll(ctx, def.Resource, def.Field)
		if err != nil {
			slog.Error("[Scheduler] Sweep failed",
				"resource", def.Resource,
				"field", def.Field,
				"error", err,
			)
			continue
		}
		if stats.Applied > 0 || stats.Errors > 0 {
			slog.Info("[Scheduler] Sweep complete",
				"resource", def.Resource,
				"field", def.Field,
				"entities", stats.Entities,
				"applied", stats.Applied,
				"skipped", stats.Skipped,
				"noops", stats.Noops,
				"errors", stats.Errors,
			)
		}
	}
}

// collect runs one GC pass per tracked field.
func (s *Scheduler) collect(ctx context.Context) {
	for _, def := range s.fields.Definitions() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if _, err := s.collector.Collect(ctx, def.Resource, def.Field); err != nil {
			slog.Error("[Scheduler] GC failed",
				"resource", def.Resource,
				"field", def.Field,
				"error", err,
			)
		}
	}
}

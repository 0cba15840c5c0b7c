package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tally-lab/project-tally/internal/core/bucket"
	"github.com/tally-lab/project-tally/internal/core/cohort"
	"github.com/tally-lab/project-tally/internal/core/storage"
	"github.com/shopspring/decimal"
)

// ErrInvalidQuery marks request validation errors that should map to an
// HTTP 400 at the API layer.
var ErrInvalidQuery = errors.New("invalid analytics query")

// Sort orders for top-entity rankings.
const (
	SortByCount = "count"
	SortBySum   = "sum"
)

// QueryRequest selects buckets of one period. Exactly one selector applies,
// checked in this order: Cohort (single bucket), LastN (window counted back
// from now), From/To (explicit range).
type QueryRequest struct {
	Resource string
	Field    string
	Period   string
	Cohort   string
	LastN    int
	From     time.Time
	To       time.Time

	// FillGaps emits zero-valued rows for cohorts without data, so results
	// form a contiguous chronological series suitable for charting.
	FillGaps bool
}

// Row is one bucket in a query response. Avg is derived from Sum/Count.
type Row struct {
	Period      string                     `json:"period"`
	Cohort      string                     `json:"cohort"`
	Start       time.Time                  `json:"start"`
	Count       int64                      `json:"count"`
	Sum         decimal.Decimal            `json:"sum"`
	Avg         decimal.Decimal            `json:"avg"`
	Min         decimal.Decimal            `json:"min"`
	Max         decimal.Decimal            `json:"max"`
	Ops         map[string]bucket.OpTotals `json:"ops"`
	EntityCount int64                      `json:"entity_count"`
}

// Query returns buckets for the requested cohorts in chronological order.
// Cohorts with no consolidated data are either skipped or, with FillGaps,
// returned as zero rows — missing buckets are never an error.
func (e *Engine) Query(ctx context.Context, req QueryRequest) ([]Row, error) {
	keys, err := e.resolveCohorts(req)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []Row{}, nil
	}

	states, err := e.buckets.QueryRange(ctx, req.Resource, req.Field, req.Period, keys[0], keys[len(keys)-1])
	if err != nil {
		return nil, fmt.Errorf("query %s buckets: %w", req.Period, err)
	}

	rows := make([]Row, 0, len(keys))
	for _, key := range keys {
		state, found := states[key]
		if !found && !req.FillGaps {
			continue
		}

		start, err := cohort.PeriodStart(req.Period, key, e.loc)
		if err != nil {
			return nil, err
		}
		rows = append(rows, Row{
			Period:      req.Period,
			Cohort:      key,
			Start:       start,
			Count:       state.Count,
			Sum:         state.Sum,
			Avg:         state.Avg(),
			Min:         state.Min,
			Max:         state.Max,
			Ops:         state.Ops,
			EntityCount: state.EntityCount,
		})
	}
	return rows, nil
}

// TopEntities ranks the entities of one cohort by consolidated transaction
// count or total value. Ties break by entity ID ascending, so rankings are
// deterministic.
func (e *Engine) TopEntities(ctx context.Context, resource, field, period, cohortKey, sortBy string, limit int) ([]storage.EntityTotals, error) {
	if !cohort.ValidPeriod(period) {
		return nil, fmt.Errorf("%w: unknown period %q", ErrInvalidQuery, period)
	}
	if _, err := cohort.PeriodStart(period, cohortKey, e.loc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	if sortBy == "" {
		sortBy = SortByCount
	}
	if sortBy != SortByCount && sortBy != SortBySum {
		return nil, fmt.Errorf("%w: unknown sort %q", ErrInvalidQuery, sortBy)
	}
	if limit <= 0 {
		limit = 10
	}

	totals, err := e.txns.TopEntities(ctx, resource, field, period, cohortKey, sortBy, limit)
	if err != nil {
		return nil, fmt.Errorf("top entities for %s %s: %w", period, cohortKey, err)
	}
	return totals, nil
}

// resolveCohorts expands the request's selector into an ordered cohort key
// list.
func (e *Engine) resolveCohorts(req QueryRequest) ([]string, error) {
	if !cohort.ValidPeriod(req.Period) {
		return nil, fmt.Errorf("%w: unknown period %q", ErrInvalidQuery, req.Period)
	}
	if !e.periods[req.Period] {
		return nil, fmt.Errorf("%w: period %q not enabled", ErrInvalidQuery, req.Period)
	}

	if req.Cohort != "" {
		if _, err := cohort.PeriodStart(req.Period, req.Cohort, e.loc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
		}
		return []string{req.Cohort}, nil
	}

	if req.LastN > 0 {
		now := e.nowFn()
		return cohort.Sequence(req.Period, stepBack(req.Period, now, req.LastN-1, e.loc), now, e.loc)
	}

	if req.From.IsZero() || req.To.IsZero() {
		return nil, fmt.Errorf("%w: cohort, last-N or from/to range required", ErrInvalidQuery)
	}
	if req.To.Before(req.From) {
		return nil, fmt.Errorf("%w: range end before start", ErrInvalidQuery)
	}
	return cohort.Sequence(req.Period, req.From, req.To, e.loc)
}

// stepBack returns t moved n periods into the past, using calendar steps
// for day/week/month so DST days stay aligned with local midnights.
func stepBack(period string, t time.Time, n int, loc *time.Location) time.Time {
	local := t.In(loc)
	switch period {
	case cohort.PeriodHour:
		return local.Add(-time.Duration(n) * time.Hour)
	case cohort.PeriodDay:
		return local.AddDate(0, 0, -n)
	case cohort.PeriodWeek:
		return local.AddDate(0, 0, -7*n)
	case cohort.PeriodMonth:
		return local.AddDate(0, -n, 0)
	}
	return local
}

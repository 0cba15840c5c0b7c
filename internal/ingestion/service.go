package ingestion

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/tally-lab/project-tally/internal/tracker"
)

// RecordEnsurer creates an empty record if one does not exist. Record
// lifecycle otherwise belongs to the host application.
type RecordEnsurer interface {
	EnsureRecord(ctx context.Context, resource, entityID string) error
}

// Service exposes tracked-field operations over HTTP.
type Service struct {
	tracker          *tracker.Tracker
	records          RecordEnsurer
	maxBodySizeBytes int
}

// NewService wires the HTTP surface to the tracker facade. records may be
// nil when record creation is handled elsewhere.
func NewService(t *tracker.Tracker, records RecordEnsurer, maxBodySizeMB int) *Service {
	if t == nil {
		panic("ingestion: tracker must not be nil")
	}
	if maxBodySizeMB <= 0 {
		maxBodySizeMB = 1 // default to 1MB
	}
	return &Service{
		tracker:          t,
		records:          records,
		maxBodySizeBytes: maxBodySizeMB * 1024 * 1024,
	}
}

// RegisterRoutes registers the tracked-field routes.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	fields := r.Group("/v1/records/:resource/:entity/fields/:field")
	fields.POST("/set", s.SetHandler)
	fields.POST("/add", s.AddHandler)
	fields.POST("/sub", s.SubHandler)
	fields.POST("/increment", s.IncrementHandler)
	fields.POST("/decrement", s.DecrementHandler)
	fields.POST("/consolidate", s.ConsolidateHandler)
	fields.POST("/recalculate", s.RecalculateHandler)

	if s.records != nil {
		r.PUT("/v1/records/:resource/:entity", s.EnsureRecordHandler)
	}

	r.GET("/v1/analytics/:resource/:field", s.AnalyticsHandler)
	r.GET("/v1/analytics/:resource/:field/top", s.TopEntitiesHandler)
}

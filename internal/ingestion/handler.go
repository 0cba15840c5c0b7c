package ingestion

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	v1 "github.com/tally-lab/project-tally/internal/api/v1"
	"github.com/tally-lab/project-tally/internal/analytics"
	httperr "github.com/tally-lab/project-tally/internal/core/errors"
	"github.com/tally-lab/project-tally/internal/core/field"
	"github.com/tally-lab/project-tally/internal/ledger"
)

const (
	msgReadBodyFailed      = "Failed to read request body"
	msgInvalidJSON         = "Invalid JSON body"
	msgOutsideWatermark    = "Event time is outside the consolidation watermark"
	msgConsolidationFailed = "Consolidation failed"
)

// handlerError carries the structured HTTP error shape from a helper back to
// the handler. Helpers return this instead of writing to gin.Context
// directly, keeping them decoupled from HTTP.
type handlerError struct {
	statusCode int
	errorType  string
	message    string
	details    interface{}
}

func (e *handlerError) Error() string {
	return e.message
}

// mutationRequest is the body of a set/add/sub call. Timestamp backdates the
// operation (subject to the field's late policy); FieldPath targets a nested
// sub-value instead of the root attribute.
type mutationRequest struct {
	Value     decimal.Decimal `json:"value"`
	Timestamp *time.Time      `json:"timestamp"`
	FieldPath string          `json:"field_path"`
}

// SetHandler records a set operation.
func (s *Service) SetHandler(c *gin.Context) {
	s.mutate(c, v1.OpSet)
}

// AddHandler records an add operation.
func (s *Service) AddHandler(c *gin.Context) {
	s.mutate(c, v1.OpAdd)
}

// SubHandler records a sub operation.
func (s *Service) SubHandler(c *gin.Context) {
	s.mutate(c, v1.OpSub)
}

// IncrementHandler records add(1). No body required.
func (s *Service) IncrementHandler(c *gin.Context) {
	s.mutateByOne(c, v1.OpAdd)
}

// DecrementHandler records sub(1). No body required.
func (s *Service) DecrementHandler(c *gin.Context) {
	s.mutateByOne(c, v1.OpSub)
}

func (s *Service) mutate(c *gin.Context, op string) {
	var req mutationRequest
	if herr := s.parseBody(c, &req); herr != nil {
		writeError(c, herr)
		return
	}
	s.applyMutation(c, op, req)
}

func (s *Service) mutateByOne(c *gin.Context, op string) {
	req := mutationRequest{Value: decimal.NewFromInt(1)}
	// An optional body may still backdate the operation.
	if c.Request.ContentLength > 0 {
		var override struct {
			Timestamp *time.Time `json:"timestamp"`
			FieldPath string     `json:"field_path"`
		}
		if herr := s.parseBody(c, &override); herr != nil {
			writeError(c, herr)
			return
		}
		req.Timestamp = override.Timestamp
		req.FieldPath = override.FieldPath
	}
	s.applyMutation(c, op, req)
}

func (s *Service) applyMutation(c *gin.Context, op string, req mutationRequest) {
	resource := c.Param("resource")
	entityID := c.Param("entity")
	fieldName := c.Param("field")

	opts := ledger.AppendOptions{FieldPath: req.FieldPath}
	if req.Timestamp != nil {
		opts.Timestamp = *req.Timestamp
	}

	result, err := s.tracker.Apply(c.Request.Context(), resource, entityID, fieldName, op, req.Value, opts)
	if err != nil {
		writeError(c, mapWriteError(err))
		return
	}

	slog.Info("Recorded transaction",
		"resource", resource,
		"entity_id", entityID,
		"field", fieldName,
		"operation", op,
		"transaction_id", result.Transaction.ID,
		"consolidated", result.Consolidated)

	status := http.StatusAccepted
	if result.Consolidated {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

// ConsolidateHandler folds the entity's pending transactions now.
func (s *Service) ConsolidateHandler(c *gin.Context) {
	resource := c.Param("resource")
	entityID := c.Param("entity")
	fieldName := c.Param("field")

	result, err := s.tracker.Consolidate(c.Request.Context(), resource, entityID, fieldName)
	if err != nil {
		writeError(c, mapWriteError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"outcome": result.Outcome,
		"value":   result.Value,
		"applied": result.Applied,
	})
}

// RecalculateHandler rebuilds the field value from the full history.
func (s *Service) RecalculateHandler(c *gin.Context) {
	resource := c.Param("resource")
	entityID := c.Param("entity")
	fieldName := c.Param("field")

	value, err := s.tracker.Recalculate(c.Request.Context(), resource, entityID, fieldName)
	if err != nil {
		writeError(c, mapWriteError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"value": value})
}

// EnsureRecordHandler creates an empty record if absent, so pending
// transactions against it have something to land on.
func (s *Service) EnsureRecordHandler(c *gin.Context) {
	resource := c.Param("resource")
	entityID := c.Param("entity")

	if err := s.records.EnsureRecord(c.Request.Context(), resource, entityID); err != nil {
		slog.Error("Failed to ensure record", "resource", resource, "entity_id", entityID, "error", err)
		writeError(c, &handlerError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    "Failed to create record",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"resource": resource, "entity_id": entityID})
}

// AnalyticsHandler answers a bucket query:
//
//	GET /v1/analytics/:resource/:field?period=day&last_n=7&fill_gaps=true
//	GET /v1/analytics/:resource/:field?period=hour&cohort=2026-08-26T14
//	GET /v1/analytics/:resource/:field?period=month&from=...&to=...
func (s *Service) AnalyticsHandler(c *gin.Context) {
	req := analytics.QueryRequest{
		Resource: c.Param("resource"),
		Field:    c.Param("field"),
		Period:   c.Query("period"),
		Cohort:   c.Query("cohort"),
		FillGaps: c.Query("fill_gaps") == "true",
	}

	if raw := c.Query("last_n"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(c, invalidQuery("last_n must be a positive integer"))
			return
		}
		req.LastN = n
	}

	for _, bound := range []struct {
		name string
		dest *time.Time
	}{
		{"from", &req.From},
		{"to", &req.To},
	} {
		raw := c.Query(bound.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(c, invalidQuery(bound.name+" must be RFC 3339"))
			return
		}
		*bound.dest = t
	}

	rows, err := s.tracker.GetAnalytics(c.Request.Context(), req)
	if err != nil {
		writeError(c, mapQueryError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"rows": rows})
}

// TopEntitiesHandler ranks a cohort's entities:
//
//	GET /v1/analytics/:resource/:field/top?period=day&cohort=2026-08-26&sort_by=sum&limit=5
func (s *Service) TopEntitiesHandler(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(c, invalidQuery("limit must be a positive integer"))
			return
		}
		limit = n
	}

	rows, err := s.tracker.GetTopRecords(
		c.Request.Context(),
		c.Param("resource"),
		c.Param("field"),
		c.Query("period"),
		c.Query("cohort"),
		c.Query("sort_by"),
		limit,
	)
	if err != nil {
		writeError(c, mapQueryError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"entities": rows})
}

// parseBody reads the request body with a size cap and binds it into dest.
func (s *Service) parseBody(c *gin.Context, dest interface{}) *handlerError {
	maxBytes := int64(s.maxBodySizeBytes)
	limitedBody := io.LimitReader(c.Request.Body, maxBytes+1) // +1 to detect oversized requests

	bodyBytes, err := io.ReadAll(limitedBody)
	if err != nil {
		slog.Error("Failed to read request body", "error", err)
		return &handlerError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgReadBodyFailed,
		}
	}

	if int64(len(bodyBytes)) > maxBytes {
		slog.Warn("Request body exceeds maximum size", "size", len(bodyBytes), "max", maxBytes)
		return &handlerError{
			statusCode: http.StatusRequestEntityTooLarge,
			errorType:  httperr.HttpInvalidJsonError,
			message:    "Request body exceeds maximum allowed size",
			details: map[string]interface{}{
				"max_size_mb": maxBytes / (1024 * 1024),
			},
		}
	}

	c.Request.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	if err := c.ShouldBindJSON(dest); err != nil {
		slog.Warn("Invalid JSON body received", "error", err, "payload_size", len(bodyBytes))
		return &handlerError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidJsonError,
			message:    msgInvalidJSON,
		}
	}

	return nil
}

func mapWriteError(err error) *handlerError {
	switch {
	case errors.Is(err, field.ErrUnknownField):
		return &handlerError{
			statusCode: http.StatusNotFound,
			errorType:  httperr.HttpUnknownFieldError,
			message:    err.Error(),
		}
	case errors.Is(err, ledger.ErrOutsideWatermark):
		return &handlerError{
			statusCode: http.StatusUnprocessableEntity,
			errorType:  httperr.HttpOutsideWatermark,
			message:    msgOutsideWatermark,
		}
	default:
		slog.Error("Tracked field operation failed", "error", err)
		return &handlerError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpConsolidationFailure,
			message:    msgConsolidationFailed,
		}
	}
}

func mapQueryError(err error) *handlerError {
	if errors.Is(err, analytics.ErrInvalidQuery) {
		return invalidQuery(err.Error())
	}
	slog.Error("Analytics query failed", "error", err)
	return &handlerError{
		statusCode: http.StatusInternalServerError,
		errorType:  httperr.HttpInternalError,
		message:    "Analytics query failed",
	}
}

func invalidQuery(message string) *handlerError {
	return &handlerError{
		statusCode: http.StatusBadRequest,
		errorType:  httperr.HttpInvalidQueryError,
		message:    message,
	}
}

// writeError serializes a handlerError as the JSON HTTP response.
func writeError(c *gin.Context, err *handlerError) {
	c.JSON(err.statusCode, httperr.ErrorResponse{
		ErrorType: err.errorType,
		Message:   err.message,
		Details:   err.details,
	})
}

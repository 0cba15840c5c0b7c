package errors

const (
	HttpInternalError        = "internal_error"
	HttpInvalidJsonError     = "invalid_json"
	HttpUnknownFieldError    = "unknown_field"
	HttpInvalidQueryError    = "invalid_query"
	HttpOutsideWatermark     = "outside_watermark"
	HttpConsolidationFailure = "consolidation_failed"
)

// ErrorResponse is the error response body for API errors.
type ErrorResponse struct {
	ErrorType string      `json:"error_type"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
}

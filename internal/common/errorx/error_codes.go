package errorx

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"slices"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	CategoryValidation    ErrorCategory = "validation"
	CategoryNotFound      ErrorCategory = "not_found"
	CategoryCapacity      ErrorCategory = "capacity"
	CategoryInternal      ErrorCategory = "internal"
	CategoryExternal      ErrorCategory = "external"
	CategoryConfiguration ErrorCategory = "configuration"
)

// Severity represents the severity level of an error
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// APIError is the JSON error body returned by the HTTP API
type APIError struct {
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Category    ErrorCategory  `json:"category"`
	Severity    Severity       `json:"severity"`
	HTTPStatus  int            `json:"-"`
	Details     map[string]any `json:"details,omitempty"`
	Suggestions []string       `json:"suggestions,omitempty"`
	TraceID     string         `json:"trace_id,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Category, e.Message)
}

// JSON returns the error as a JSON string
func (e *APIError) JSON() string {
	out, _ := json.Marshal(e)
	return string(out)
}

// Clone returns a copy that can be decorated without touching e. The
// predefined errors below are shared, so always decorate a clone.
func (e *APIError) Clone() *APIError {
	c := *e
	c.Details = maps.Clone(e.Details)
	c.Suggestions = slices.Clone(e.Suggestions)
	return &c
}

// WithDetail returns a copy of the error with a detail added
func (e *APIError) WithDetail(key string, value any) *APIError {
	c := e.Clone()
	if c.Details == nil {
		c.Details = make(map[string]any)
	}
	c.Details[key] = value
	return c
}

// WithSuggestion returns a copy of the error with a suggestion added
func (e *APIError) WithSuggestion(suggestion string) *APIError {
	c := e.Clone()
	c.Suggestions = append(c.Suggestions, suggestion)
	return c
}

// Common error codes and messages
var (
	// Validation Errors (E1000-E1999)
	ErrInvalidInput = &APIError{
		Code:       "E1001",
		Message:    "Invalid input provided",
		Category:   CategoryValidation,
		Severity:   SeverityWarning,
		HTTPStatus: http.StatusBadRequest,
		Suggestions: []string{
			"Check the request format and try again",
		},
	}

	ErrInvalidMessage = &APIError{
		Code:       "E1003",
		Message:    "Message could not be decoded",
		Category:   CategoryValidation,
		Severity:   SeverityWarning,
		HTTPStatus: http.StatusBadRequest,
		Suggestions: []string{
			`Send {"type": "<MessageType>", "payload": {...}}`,
		},
	}

	// Not Found Errors (E4000-E4999)
	ErrConnectionNotFound = &APIError{
		Code:       "E4001",
		Message:    "Connection not found",
		Category:   CategoryNotFound,
		Severity:   SeverityInfo,
		HTTPStatus: http.StatusNotFound,
		Suggestions: []string{
			"The connection may have closed or been reaped",
		},
	}

	ErrEndpointNotFound = &APIError{
		Code:       "E4002",
		Message:    "API endpoint not found",
		Category:   CategoryNotFound,
		Severity:   SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	}

	// Capacity Errors (E4290-E4299)
	ErrCapacityExceeded = &APIError{
		Code:       "E4291",
		Message:    "Connection capacity exceeded",
		Category:   CategoryCapacity,
		Severity:   SeverityWarning,
		HTTPStatus: http.StatusServiceUnavailable,
		Suggestions: []string{
			"Retry later",
		},
	}

	// Internal Server Errors (E5000-E5999)
	ErrInternalServer = &APIError{
		Code:       "E5001",
		Message:    "Internal server error occurred",
		Category:   CategoryInternal,
		Severity:   SeverityCritical,
		HTTPStatus: http.StatusInternalServerError,
	}

	ErrServiceUnavailable = &APIError{
		Code:       "E5032",
		Message:    "Service unavailable",
		Category:   CategoryExternal,
		Severity:   SeverityError,
		HTTPStatus: http.StatusServiceUnavailable,
		Suggestions: []string{
			"The service is shutting down or restarting",
		},
	}
)

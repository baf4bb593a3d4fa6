package errorx

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Mapper converts a domain error into an APIError. It returns nil for
// errors it does not know.
type Mapper func(err error) *APIError

// ErrorHandler provides unified error handling capabilities
type ErrorHandler struct {
	logger  *zap.Logger
	mappers []Mapper
}

// NewErrorHandler creates a new error handler. Mappers are tried in order.
func NewErrorHandler(logger *zap.Logger, mappers ...Mapper) *ErrorHandler {
	return &ErrorHandler{
		logger:  logger.Named("errorx"),
		mappers: mappers,
	}
}

// HandleError converts any error to APIError and writes the JSON response
func (h *ErrorHandler) HandleError(c *gin.Context, err error) {
	if err == nil {
		return
	}

	apiErr := h.ConvertToAPIError(err).Clone()
	apiErr.TraceID = ExtractTraceID(c)
	apiErr.Timestamp = time.Now().UTC().Format(time.RFC3339)

	h.logError(c, apiErr, err)

	c.AbortWithStatusJSON(apiErr.HTTPStatus, gin.H{
		"error": apiErr,
	})
}

// ConvertToAPIError converts any error to APIError
func (h *ErrorHandler) ConvertToAPIError(err error) *APIError {
	// If already an APIError, return it
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	for _, m := range h.mappers {
		if mapped := m(err); mapped != nil {
			return mapped
		}
	}

	return ErrInternalServer.WithDetail("original_error", err.Error())
}

// logError logs the error with appropriate context and stack trace
func (h *ErrorHandler) logError(c *gin.Context, apiErr *APIError, originalErr error) {
	fields := []zap.Field{
		zap.String("trace_id", apiErr.TraceID),
		zap.String("error_code", apiErr.Code),
		zap.String("category", string(apiErr.Category)),
		zap.Int("http_status", apiErr.HTTPStatus),
		zap.String("path", c.Request.URL.Path),
		zap.String("method", c.Request.Method),
		zap.String("client_ip", c.ClientIP()),
	}

	if originalErr != nil && originalErr.Error() != apiErr.Message {
		fields = append(fields, zap.Error(originalErr))
	}

	if len(apiErr.Details) > 0 {
		detailsJSON, _ := json.Marshal(apiErr.Details)
		fields = append(fields, zap.String("details", string(detailsJSON)))
	}

	// Get stack trace for critical errors
	if apiErr.Severity == SeverityCritical {
		buf := make([]byte, 1024*4)
		n := runtime.Stack(buf, false)
		fields = append(fields, zap.String("stack_trace", string(buf[:n])))
	}

	switch apiErr.Severity {
	case SeverityInfo:
		h.logger.Info(apiErr.Message, fields...)
	case SeverityWarning:
		h.logger.Warn(apiErr.Message, fields...)
	default:
		h.logger.Error(apiErr.Message, fields...)
	}
}

// ErrorMiddleware renders the last error attached with c.Error
func (h *ErrorHandler) ErrorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 && !c.Writer.Written() {
			h.HandleError(c, c.Errors.Last().Err)
		}
	}
}

// RecoveryMiddleware returns a gin middleware for panic recovery
func (h *ErrorHandler) RecoveryMiddleware() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, err any) {
		panicErr := ErrInternalServer.WithDetail("panic", fmt.Sprintf("%v", err))
		panicErr.Message = "Server panic occurred"
		h.HandleError(c, panicErr)
	})
}

// NotFoundHandler answers unknown routes
func (h *ErrorHandler) NotFoundHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.HandleError(c, ErrEndpointNotFound.WithDetail("path", c.Request.URL.Path))
	}
}

// ValidationError creates a validation error with details
func ValidationError(field string, value any, reason string) *APIError {
	return ErrInvalidInput.WithDetail("field", field).
		WithDetail("value", value).
		WithDetail("reason", reason).
		WithSuggestion(fmt.Sprintf("Fix the '%s' field and try again", field))
}

// NotFoundError creates a not found error for a specific resource
func NotFoundError(base *APIError, identifier string) *APIError {
	return base.WithDetail("identifier", identifier)
}

// ExtractTraceID extracts trace ID from context or request
func ExtractTraceID(c *gin.Context) string {
	// Try to get from context first
	if traceID := c.GetString("trace_id"); traceID != "" {
		return traceID
	}

	// Try to get from headers
	if traceID := c.GetHeader("X-Trace-Id"); traceID != "" {
		return traceID
	}

	// Generate new trace ID
	traceID := uuid.New().String()
	c.Set("trace_id", traceID)
	return traceID
}


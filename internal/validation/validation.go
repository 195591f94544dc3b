// Package validation provides input validation middleware for the POSInsight API.
package validation

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size for JSON endpoints (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxEvidenceSize is the maximum evidence photo upload size (8MB)
const MaxEvidenceSize = 8 << 20 // 8MB

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidCorrelationID checks that a string is an RFC 3339 timestamp, the
// format correlation IDs carry.
func IsValidCorrelationID(id string) bool {
	if id == "" {
		return false
	}
	_, err := time.Parse(time.RFC3339Nano, id)
	return err == nil
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// NonNegative checks that a numeric field is not below zero
func NonNegative(field string, value float64) func() *ValidationError {
	return func() *ValidationError {
		if value < 0 {
			return &ValidationError{Field: field, Message: "must not be negative"}
		}
		return nil
	}
}

// AtLeast checks that an integer field meets a minimum
func AtLeast(field string, value, min int) func() *ValidationError {
	return func() *ValidationError {
		if value < min {
			return &ValidationError{Field: field, Message: "below minimum"}
		}
		return nil
	}
}

// Percentage checks that a value is within [0, 100]
func Percentage(field string, value float64) func() *ValidationError {
	return func() *ValidationError {
		if value < 0 || value > 100 {
			return &ValidationError{Field: field, Message: "must be between 0 and 100"}
		}
		return nil
	}
}

// CorrelationIDParamMiddleware validates the :correlationId URL parameter on
// routes that use it, rejecting malformed IDs before any handler work.
func CorrelationIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("correlationId")
		if id != "" && !IsValidCorrelationID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_correlation_id",
				"message": "correlation id must be an RFC 3339 timestamp",
			})
			return
		}
		c.Next()
	}
}

// Package validation provides request validation and error responses for
// the riskledger HTTP API.
package validation

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/riskledger/internal/domain"
	"github.com/mbd888/riskledger/internal/logging"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength bounds free-text fields such as descriptions and notes.
const MaxStringLength = 2000

var idRegex = regexp.MustCompile(`^[a-z]+_[a-z0-9]{1,64}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID checks that id has the given prefix and the shape of a
// generated identifier.
func IsValidID(id, prefix string) bool {
	return strings.HasPrefix(id, prefix) && idRegex.MatchString(id)
}

// IDParamMiddleware rejects malformed :id parameters before they reach the
// store.
func IDParamMiddleware(prefix string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param("id"); id != "" && !IsValidID(id, prefix) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": "id must look like " + prefix + "…",
			})
			return
		}
		c.Next()
	}
}

// QueryLimit reads ?limit=, falling back to def and capping at max.
func QueryLimit(c *gin.Context, def, max int) int {
	limit := def
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > max {
		limit = max
	}
	return limit
}

// SanitizeString trims, strips null bytes and truncates to maxLen bytes.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
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

// Validate runs validators and collects their failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// Positive checks that an amount in minor units is greater than zero.
func Positive(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value <= 0 {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

// OptionalID checks the shape of an id field when it is set.
func OptionalID(field, value, prefix string) func() *ValidationError {
	return func() *ValidationError {
		if value != "" && !IsValidID(value, prefix) {
			return &ValidationError{Field: field, Message: "must look like " + prefix + "…"}
		}
		return nil
	}
}

// AbortInvalid writes a 400 for collected validation failures.
func AbortInvalid(c *gin.Context, errs ValidationErrors) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

// AbortBadBody writes a 400 for a body that could not be decoded.
func AbortBadBody(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindInsufficientFunds, domain.KindLimitExceeded:
		return http.StatusUnprocessableEntity
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInvalidState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// AbortError writes err as a JSON error body. Client errors carry their
// message; anything else is logged and answered with an opaque message.
func AbortError(c *gin.Context, err error) {
	kind := domain.KindOf(err)
	status := StatusFor(kind)

	var de *domain.Error
	message := "transaction processing failed"
	if errors.As(err, &de) && kind != domain.KindProcessing {
		message = de.Message
	}
	if kind == domain.KindProcessing {
		logging.L(c.Request.Context()).Error("request failed",
			"path", c.FullPath(),
			logging.Err(err),
		)
	}

	c.AbortWithStatusJSON(status, gin.H{
		"error":   kind.String(),
		"message": message,
	})
}

// Package validation provides input validation middleware for the sync core API.
package validation

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

var (
	// tenantIDRegex validates tenant ids as minted by the registry
	tenantIDRegex = regexp.MustCompile(`^ten_[0-9a-f]{24}$`)
	// realmIDRegex validates provider realm ids, which are numeric
	realmIDRegex = regexp.MustCompile(`^[0-9]{4,24}$`)
	// externalIDRegex validates provider entity ids and idempotency markers
	externalIDRegex = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,64}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidTenantID checks if a string is a registry-minted tenant id
func IsValidTenantID(id string) bool {
	return tenantIDRegex.MatchString(id)
}

// IsValidRealmID checks if a string is a plausible provider realm id
func IsValidRealmID(id string) bool {
	return realmIDRegex.MatchString(id)
}

// IsValidExternalID checks if a string is a plausible provider entity id
// or client idempotency marker
func IsValidExternalID(id string) bool {
	return externalIDRegex.MatchString(id)
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

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidExternalID checks if a field is a plausible provider entity id
func ValidExternalID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidExternalID(value) {
			return &ValidationError{Field: field, Message: "must be a valid ledger entity id"}
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

// IntInRange parses a decimal query value and checks its bounds. Empty
// values pass; pair with Required when the field is mandatory.
func IntInRange(field, value string, min, max int) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return &ValidationError{Field: field, Message: "must be an integer"}
		}
		if n < min || n > max {
			return &ValidationError{Field: field, Message: "out of range"}
		}
		return nil
	}
}

// TenantParamMiddleware validates the :id URL parameter on tenant-scoped
// routes. Apply to route groups that include :id params to reject
// malformed tenant ids early.
func TenantParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !IsValidTenantID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_tenant_id",
				"message": "tenant id must look like ten_ + 24 hex chars",
			})
			return
		}
		c.Next()
	}
}

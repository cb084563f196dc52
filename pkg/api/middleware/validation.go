package middleware

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ValidatorConfig holds validation configuration
type ValidatorConfig struct {
	MaxBodySize         int64         // Maximum request body size in bytes
	MaxPathLength       int           // Maximum resource path length
	MaxPathDepth        int           // Maximum number of path segments
	MaxConcurrency      int           // Upper bound for max_concurrency
	MaxTimeout          time.Duration // Upper bound for a lock wait
	MaxIdentifierLength int           // Maximum lease identifier length
	AllowedPrefixes     []string      // Resource path prefixes; empty allows all
	ReservedSegments    []string      // Segment names used by the lease layout
}

// DefaultValidatorConfig returns safe defaults
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxBodySize:         1 << 16, // 64KB
		MaxPathLength:       512,
		MaxPathDepth:        16,
		MaxConcurrency:      10000,
		MaxTimeout:          10 * time.Minute,
		MaxIdentifierLength: 256,
		ReservedSegments:    []string{"queue", "leases"},
	}
}

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9._@:=+-]+$`)

// Validator performs request validation
type Validator struct {
	config   ValidatorConfig
	reserved map[string]struct{}
}

// NewValidator creates a new validator with the given config
func NewValidator(config ValidatorConfig) *Validator {
	reserved := make(map[string]struct{}, len(config.ReservedSegments))
	for _, s := range config.ReservedSegments {
		reserved[s] = struct{}{}
	}
	return &Validator{config: config, reserved: reserved}
}

// Config returns the validator settings.
func (v *Validator) Config() ValidatorConfig {
	return v.config
}

// ValidateResource checks a resource path: absolute, bounded, made of safe
// segments, none of which collides with the lease layout.
func (v *Validator) ValidateResource(resource string) error {
	if resource == "" {
		return &ValidationError{Field: "resource", Message: "resource is required"}
	}
	if len(resource) > v.config.MaxPathLength {
		return &ValidationError{Field: "resource", Message: "resource exceeds maximum length"}
	}
	if !strings.HasPrefix(resource, "/") || resource == "/" {
		return &ValidationError{Field: "resource", Message: "resource must be an absolute path below the root"}
	}

	segments := strings.Split(resource[1:], "/")
	if len(segments) > v.config.MaxPathDepth {
		return &ValidationError{Field: "resource", Message: "resource path is too deep"}
	}
	for _, seg := range segments {
		if seg == "" || seg == "." || seg == ".." || !segmentPattern.MatchString(seg) {
			return &ValidationError{Field: "resource", Message: fmt.Sprintf("invalid path segment %q", seg)}
		}
		if _, ok := v.reserved[seg]; ok {
			return &ValidationError{Field: "resource", Message: fmt.Sprintf("path segment %q is reserved", seg)}
		}
	}

	if len(v.config.AllowedPrefixes) == 0 {
		return nil
	}
	for _, prefix := range v.config.AllowedPrefixes {
		prefix = strings.TrimSuffix(prefix, "/")
		if resource == prefix || strings.HasPrefix(resource, prefix+"/") {
			return nil
		}
	}
	return &ValidationError{Field: "resource", Message: "resource is outside the allowed prefixes"}
}

// ValidateConcurrency checks max_concurrency.
func (v *Validator) ValidateConcurrency(n int) error {
	if n < 1 {
		return &ValidationError{Field: "max_concurrency", Message: "max_concurrency must be positive"}
	}
	if n > v.config.MaxConcurrency {
		return &ValidationError{Field: "max_concurrency", Message: "max_concurrency exceeds maximum"}
	}
	return nil
}

// ValidateTimeout checks a lock wait. Zero means wait up to MaxTimeout.
func (v *Validator) ValidateTimeout(d time.Duration) error {
	if d < 0 {
		return &ValidationError{Field: "timeout", Message: "timeout must not be negative"}
	}
	if v.config.MaxTimeout > 0 && d > v.config.MaxTimeout {
		return &ValidationError{Field: "timeout", Message: "timeout exceeds maximum"}
	}
	return nil
}

// ValidateIdentifier checks the lease payload.
func (v *Validator) ValidateIdentifier(id string) error {
	if len(id) > v.config.MaxIdentifierLength {
		return &ValidationError{Field: "identifier", Message: "identifier exceeds maximum length"}
	}
	if strings.ContainsAny(id, "\x00\n\r") {
		return &ValidationError{Field: "identifier", Message: "identifier contains control characters"}
	}
	return nil
}

// ValidationError represents a validation failure
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// BodySizeLimitMiddleware limits request body size
func BodySizeLimitMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "request body too large",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// SecurityHeadersMiddleware adds security headers
func SecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// RequestIDMiddleware adds request ID for tracing
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = "req-" + uuid.NewString()
		}
		c.Set(ContextRequestIDKey, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"leasegate/pkg/auth"
)

const (
	// AuthHeaderKey is the standard Authorization header
	AuthHeaderKey = "Authorization"
	// APIKeyHeaderKey carries lg_ prefixed API keys
	APIKeyHeaderKey = "X-API-Key"
	// ContextUserKey is the key used to store principal claims in context
	ContextUserKey = "user"
	// ContextRequestIDKey is the key used to store request ID
	ContextRequestIDKey = "request_id"
)

// HTTPAuthFailures counts rejected credentials by reason.
var HTTPAuthFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "leasegate",
		Subsystem: "http",
		Name:      "auth_failures_total",
		Help:      "Requests rejected by authentication or authorization",
	},
	[]string{"reason"},
)

// AuthConfig holds authentication middleware configuration
type AuthConfig struct {
	JWTService  *auth.JWTService
	APIKeyStore auth.APIKeyStore
	SkipPaths   []string // /health, /metrics; a trailing * matches a prefix
}

// AuthMiddleware authenticates every request outside SkipPaths with either a
// bearer JWT or an API key. A credential that is present but invalid is
// rejected outright rather than falling through to the other scheme.
func AuthMiddleware(config AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, path := range config.SkipPaths {
			if matchPath(c.Request.URL.Path, path) {
				c.Next()
				return
			}
		}

		claims, err := authenticate(c, config)
		if err != nil {
			HTTPAuthFailures.WithLabelValues(failureReason(err)).Inc()
			c.Header("WWW-Authenticate", `Bearer realm="leasegate"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": err.Error(),
				"hint":  "provide a Bearer token or an X-API-Key header",
			})
			return
		}

		c.Set(ContextUserKey, claims)
		c.Next()
	}
}

func authenticate(c *gin.Context, config AuthConfig) (*auth.Claims, error) {
	if header := c.GetHeader(AuthHeaderKey); header != "" && config.JWTService != nil {
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
			return nil, auth.ErrInvalidToken
		}
		return config.JWTService.ValidateToken(token)
	}

	if key := c.GetHeader(APIKeyHeaderKey); key != "" && config.APIKeyStore != nil {
		info, err := config.APIKeyStore.ValidateKey(c.Request.Context(), key)
		if err != nil {
			return nil, err
		}
		return info.Claims(), nil
	}

	return nil, auth.ErrMissingToken
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		return "missing"
	case errors.Is(err, auth.ErrExpiredToken):
		return "expired"
	default:
		return "invalid"
	}
}

// GetUserFromContext retrieves principal claims from the request context
func GetUserFromContext(c *gin.Context) (*auth.Claims, bool) {
	value, exists := c.Get(ContextUserKey)
	if !exists {
		return nil, false
	}
	claims, ok := value.(*auth.Claims)
	return claims, ok
}

// RequireRole rejects principals below the required role.
// Without an authenticated principal (auth disabled) it lets requests pass.
func RequireRole(required auth.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetUserFromContext(c)
		if ok && !claims.Role.HasPermission(required) {
			HTTPAuthFailures.WithLabelValues("role").Inc()
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":    auth.ErrInsufficientRole.Error(),
				"required": required,
				"current":  claims.Role,
			})
			return
		}
		c.Next()
	}
}

// CanAccessResource reports whether the request principal's scopes cover
// resource. Requests without a principal are allowed.
func CanAccessResource(c *gin.Context, resource string) bool {
	claims, ok := GetUserFromContext(c)
	if !ok {
		return true
	}
	return claims.Allows(resource)
}

func matchPath(path, pattern string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(path, prefix)
	}
	return path == pattern
}

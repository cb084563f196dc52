package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrInvalidClaims    = errors.New("invalid token claims")
	ErrMissingToken     = errors.New("missing authentication token")
	ErrInsufficientRole = errors.New("insufficient permissions")
)

// Role represents a principal's access level
type Role string

const (
	// RoleAdmin may manage API keys and run the reaper on demand.
	RoleAdmin Role = "admin"
	// RoleOperator may acquire and release leases.
	RoleOperator Role = "operator"
	// RoleViewer may list holders and read lease history.
	RoleViewer Role = "viewer"
)

// RoleHierarchy defines permissions for each role
var RoleHierarchy = map[Role]int{
	RoleAdmin:    100,
	RoleOperator: 50,
	RoleViewer:   10,
}

// HasPermission checks if role has at least the required permission level
func (r Role) HasPermission(required Role) bool {
	return RoleHierarchy[r] >= RoleHierarchy[required]
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := RoleHierarchy[r]
	return ok
}

// Claims represents JWT token claims. Scopes restrict the resource paths a
// principal may touch; an empty list grants every path.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string   `json:"user_id"`
	Username string   `json:"username"`
	Role     Role     `json:"role"`
	Scopes   []string `json:"scopes,omitempty"`
}

// Allows reports whether resource lies under one of the claim scopes.
// A scope matches itself and its descendants only: "/locks/db" allows
// "/locks/db/migrate" but not "/locks/dbx".
func (c *Claims) Allows(resource string) bool {
	if len(c.Scopes) == 0 {
		return true
	}
	for _, scope := range c.Scopes {
		scope = strings.TrimSuffix(scope, "/")
		if scope == "" || resource == scope || strings.HasPrefix(resource, scope+"/") {
			return true
		}
	}
	return false
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	SecretKey   string
	Issuer      string
	TokenExpiry time.Duration
}

// DefaultJWTConfig returns sensible defaults
func DefaultJWTConfig() JWTConfig {
	return JWTConfig{
		SecretKey:   "", // Must be set from environment
		Issuer:      "leasegate",
		TokenExpiry: 1 * time.Hour,
	}
}

// JWTService handles JWT operations
type JWTService struct {
	config JWTConfig
}

// NewJWTService creates a new JWT service
func NewJWTService(config JWTConfig) (*JWTService, error) {
	if config.SecretKey == "" {
		return nil, errors.New("JWT secret key is required")
	}
	if config.Issuer == "" {
		config.Issuer = "leasegate"
	}
	if config.TokenExpiry <= 0 {
		config.TokenExpiry = time.Hour
	}
	return &JWTService{config: config}, nil
}

// GenerateToken signs a token for a principal.
func (s *JWTService) GenerateToken(userID, username string, role Role, scopes []string) (string, error) {
	if !role.Valid() {
		return "", ErrInvalidClaims
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.TokenExpiry)),
			NotBefore: jwt.NewNumericDate(now),
		},
		UserID:   userID,
		Username: username,
		Role:     role,
		Scopes:   scopes,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.config.SecretKey))
}

// ValidateToken validates a JWT token and returns the claims
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(s.config.SecretKey), nil
	}, jwt.WithIssuer(s.config.Issuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || !claims.Role.Valid() {
		return nil, ErrInvalidClaims
	}

	return claims, nil
}

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"leasegate/pkg/auth"
)

// CreateAPIKeyRequest is the payload of POST /api/v1/apikeys.
type CreateAPIKeyRequest struct {
	Name    string    `json:"name" binding:"required"`
	OwnerID string    `json:"owner_id" binding:"required"`
	Role    auth.Role `json:"role" binding:"required"`
	Scopes  []string  `json:"scopes"`
	// ExpiresIn is in seconds; zero never expires.
	ExpiresIn int64 `json:"expires_in"`
}

// createAPIKey handles POST /api/v1/apikeys
func (s *Server) createAPIKey(c *gin.Context) {
	if s.keys == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "API keys are not enabled"})
		return
	}
	var req CreateAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.Role.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown role " + string(req.Role)})
		return
	}
	for _, scope := range req.Scopes {
		if err := s.validator.ValidateResource(scope); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid scope: " + err.Error()})
			return
		}
	}

	info := auth.APIKeyInfo{
		Name:    req.Name,
		OwnerID: req.OwnerID,
		Role:    req.Role,
		Scopes:  req.Scopes,
	}
	if req.ExpiresIn > 0 {
		info.ExpiresAt = time.Now().Add(time.Duration(req.ExpiresIn) * time.Second).Unix()
	}

	key, err := s.keys.CreateKey(c.Request.Context(), info)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create key: " + err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"key":  key,
		"note": "store this key now, it is not shown again",
	})
}

// listAPIKeys handles GET /api/v1/apikeys?owner=
func (s *Server) listAPIKeys(c *gin.Context) {
	if s.keys == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "API keys are not enabled"})
		return
	}
	owner := c.Query("owner")
	if owner == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "owner is required"})
		return
	}

	keys, err := s.keys.ListKeys(c.Request.Context(), owner)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list keys: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"keys":  keys,
		"count": len(keys),
	})
}

// revokeAPIKey handles DELETE /api/v1/apikeys/:id
func (s *Server) revokeAPIKey(c *gin.Context) {
	if s.keys == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "API keys are not enabled"})
		return
	}
	err := s.keys.RevokeKey(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, auth.ErrInvalidToken):
		c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke key: " + err.Error()})
	default:
		c.Status(http.StatusNoContent)
	}
}

// sweepNow handles POST /api/v1/reaper/sweep
func (s *Server) sweepNow(c *gin.Context) {
	if s.sweeper == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "reaper is not enabled"})
		return
	}
	report, err := s.sweeper.Sweep(c.Request.Context())
	if err != nil {
		s.writeError(c, "", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

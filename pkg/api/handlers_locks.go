package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"leasegate/pkg/api/middleware"
	"leasegate/pkg/coordination"
	"leasegate/pkg/lock"
	"leasegate/pkg/models"
	"leasegate/pkg/semaphore"
)

// --- Request/Response DTOs ---

// AcquireRequest is the payload of POST /api/v1/locks/acquire.
type AcquireRequest struct {
	Resource       string `json:"resource" binding:"required"`
	MaxConcurrency *int   `json:"max_concurrency"` // defaults to 1
	// Timeout is in seconds. Zero waits up to the server maximum.
	Timeout        float64 `json:"timeout"`
	EphemeralLease bool    `json:"ephemeral_lease"`
	Identifier     string  `json:"identifier"`
	DryRun         bool    `json:"dry_run"`
}

// AcquireResponse reports a lock outcome. Result is null in dry-run mode.
type AcquireResponse struct {
	Resource string `json:"resource"`
	Acquired bool   `json:"acquired"`
	Result   *bool  `json:"result"`
	Comment  string `json:"comment"`
	Node     string `json:"node,omitempty"`
}

// ReleaseRequest is the payload of POST /api/v1/locks/release.
type ReleaseRequest struct {
	Resource string `json:"resource" binding:"required"`
	// Identifier must match the one the lease was acquired with.
	Identifier string `json:"identifier"`
	DryRun     bool   `json:"dry_run"`
}

// ReleaseResponse reports an unlock outcome. Result is null in dry-run mode.
type ReleaseResponse struct {
	Resource string `json:"resource"`
	Released bool   `json:"released"`
	Result   *bool  `json:"result"`
	Comment  string `json:"comment"`
}

// CancelRequest is the payload of POST /api/v1/locks/cancel.
type CancelRequest struct {
	Resource   string `json:"resource" binding:"required"`
	Identifier string `json:"identifier"`
}

// --- Lock Handlers ---

// acquireLock handles POST /api/v1/locks/acquire
func (s *Server) acquireLock(c *gin.Context) {
	var req AcquireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	maxConcurrency := 1
	if req.MaxConcurrency != nil {
		maxConcurrency = *req.MaxConcurrency
	}
	timeout := time.Duration(req.Timeout * float64(time.Second))
	if !s.validate(c, req.Resource,
		s.validator.ValidateConcurrency(maxConcurrency),
		s.validator.ValidateTimeout(timeout),
		s.validator.ValidateIdentifier(req.Identifier),
	) {
		return
	}
	if timeout == 0 {
		timeout = s.validator.Config().MaxTimeout
	}

	res, err := s.locks.Lock(c.Request.Context(), lock.LockRequest{
		Resource:       req.Resource,
		MaxConcurrency: maxConcurrency,
		Timeout:        timeout,
		EphemeralLease: req.EphemeralLease,
		Identifier:     req.Identifier,
		DryRun:         req.DryRun,
	})
	if err != nil {
		s.writeError(c, req.Resource, err)
		return
	}

	resp := AcquireResponse{
		Resource: res.Resource,
		Acquired: res.Acquired,
		Comment:  res.Comment,
		Node:     res.Node,
	}
	if !res.Pending {
		resp.Result = &res.Acquired
	}
	middleware.SetLockOutcome(c, req.Resource, acquireOutcome(res))
	c.JSON(http.StatusOK, resp)
}

// releaseLock handles POST /api/v1/locks/release
func (s *Server) releaseLock(c *gin.Context) {
	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.validate(c, req.Resource, s.validator.ValidateIdentifier(req.Identifier)) {
		return
	}

	res, err := s.locks.Unlock(c.Request.Context(), lock.UnlockRequest{
		Resource:   req.Resource,
		Identifier: req.Identifier,
		DryRun:     req.DryRun,
	})
	if err != nil {
		s.writeError(c, req.Resource, err)
		return
	}

	resp := ReleaseResponse{
		Resource: res.Resource,
		Released: res.Released,
		Comment:  res.Comment,
	}
	if !res.Pending {
		resp.Result = &res.Released
	}
	middleware.SetLockOutcome(c, req.Resource, releaseOutcome(res))
	c.JSON(http.StatusOK, resp)
}

// cancelLock handles POST /api/v1/locks/cancel
func (s *Server) cancelLock(c *gin.Context) {
	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.validate(c, req.Resource, s.validator.ValidateIdentifier(req.Identifier)) {
		return
	}

	cancelled := s.locks.Cancel(req.Resource, req.Identifier)
	if cancelled {
		middleware.SetLockOutcome(c, req.Resource, "cancelled")
	}
	c.JSON(http.StatusOK, gin.H{
		"resource":  req.Resource,
		"cancelled": cancelled,
	})
}

// listHolders handles GET /api/v1/locks/holders?resource=
func (s *Server) listHolders(c *gin.Context) {
	resource := c.Query("resource")
	if !s.validate(c, resource) {
		return
	}

	res, err := s.locks.Holders(c.Request.Context(), resource)
	if err != nil {
		s.writeError(c, resource, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// lockHistory handles GET /api/v1/locks/history?resource=&limit=
func (s *Server) lockHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "lease history is not enabled"})
		return
	}
	resource := c.Query("resource")
	if !s.validate(c, resource) {
		return
	}
	limit, ok := queryInt(c, "limit", 50, 500)
	if !ok {
		return
	}

	events, err := s.history.ListByResource(c.Request.Context(), resource, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list history: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"resource": resource,
		"events":   events,
		"count":    len(events),
	})
}

// recentEvents handles GET /api/v1/events?count=
func (s *Server) recentEvents(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "event journal is not enabled"})
		return
	}
	count, ok := queryInt(c, "count", 100, 1000)
	if !ok {
		return
	}

	events, err := s.journal.Recent(c.Request.Context(), count)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read events: " + err.Error()})
		return
	}

	visible := make([]models.LeaseEvent, 0, len(events))
	for _, ev := range events {
		if middleware.CanAccessResource(c, ev.Resource) {
			visible = append(visible, ev)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"events": visible,
		"count":  len(visible),
	})
}

// validate checks the resource path and scope plus any already computed
// field errors, writing the response on failure.
func (s *Server) validate(c *gin.Context, resource string, errs ...error) bool {
	errs = append([]error{s.validator.ValidateResource(resource)}, errs...)
	for _, err := range errs {
		if err == nil {
			continue
		}
		var verr *middleware.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "field": verr.Field})
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return false
	}
	if !middleware.CanAccessResource(c, resource) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":    "resource is outside the permitted scopes",
			"resource": resource,
		})
		return false
	}
	return true
}

// writeError maps lock errors onto HTTP statuses.
func (s *Server) writeError(c *gin.Context, resource string, err error) {
	_ = c.Error(err)
	middleware.SetLockOutcome(c, resource, "error")
	c.JSON(statusFor(err), gin.H{
		"resource": resource,
		"error":    err.Error(),
	})
}

func acquireOutcome(res lock.LockResult) string {
	switch {
	case res.Pending:
		return "dry_run"
	case res.Acquired:
		return "acquired"
	default:
		return "timeout"
	}
}

func releaseOutcome(res lock.UnlockResult) string {
	switch {
	case res.Pending:
		return "dry_run"
	case res.Released:
		return "released"
	default:
		return "untracked"
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, semaphore.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, lock.ErrReleaseFailed):
		return http.StatusBadGateway
	case errors.Is(err, coordination.ErrSessionExpired):
		return http.StatusConflict
	case errors.Is(err, semaphore.ErrCancelled):
		return http.StatusRequestTimeout
	case errors.Is(err, coordination.ErrConnection), errors.Is(err, coordination.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(c *gin.Context, key string, def, max int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": key + " must be a positive integer"})
		return 0, false
	}
	if n > max {
		n = max
	}
	return n, true
}

package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	. "leasegate/pkg/api/middleware"
	"leasegate/pkg/auth"
)

const acquirePath = "/api/v1/locks/acquire"

func init() {
	gin.SetMode(gin.TestMode)
}

func newLimiter(t *testing.T, perMinute, burst int) *RateLimiter {
	t.Helper()
	limiter := NewRateLimiter(RateLimiterConfig{
		RequestsPerMinute: perMinute,
		BurstSize:         burst,
		CleanupInterval:   time.Minute,
	})
	t.Cleanup(limiter.Stop)
	return limiter
}

func acquireRouter(mw ...gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(mw...)
	router.POST(acquirePath, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"acquired": true})
	})
	return router
}

func postAcquire(router http.Handler, remoteAddr string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, acquirePath, nil)
	req.RemoteAddr = remoteAddr
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRateLimiter_BurstOfAcquires(t *testing.T) {
	limiter := newLimiter(t, 10, 5)

	for i := 0; i < 5; i++ {
		if !limiter.Allow("agent-1") {
			t.Errorf("acquire %d within the burst should be allowed", i+1)
		}
	}
	if limiter.Allow("agent-1") {
		t.Error("acquire past the burst should be limited")
	}
}

func TestRateLimiter_AgentsHaveSeparateBuckets(t *testing.T) {
	limiter := newLimiter(t, 60, 1)

	limiter.Allow("agent-1")

	if !limiter.Allow("agent-2") {
		t.Error("a second agent should not share the first agent's bucket")
	}
	if limiter.Allow("agent-1") {
		t.Error("the first agent should still be limited")
	}
}

func TestRateLimiter_RefillsOverTime(t *testing.T) {
	limiter := newLimiter(t, 6000, 1)

	limiter.Allow("agent-1")
	time.Sleep(20 * time.Millisecond)

	if !limiter.Allow("agent-1") {
		t.Error("bucket should refill at 100 per second")
	}
}

func TestRateLimitMiddleware_Returns429WithRetryAfter(t *testing.T) {
	router := acquireRouter(RateLimitMiddlewareWithConfig(RateLimiterConfig{
		RequestsPerMinute: 60,
		BurstSize:         1,
		CleanupInterval:   time.Minute,
	}))

	if w := postAcquire(router, "192.168.1.1:1234", nil); w.Code != http.StatusOK {
		t.Fatalf("first acquire expected 200, got %d", w.Code)
	}

	w := postAcquire(router, "192.168.1.1:1234", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second acquire expected 429, got %d", w.Code)
	}
	retry, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || retry != 1 {
		t.Errorf("expected Retry-After of 1s, got %q", w.Header().Get("Retry-After"))
	}

	if w := postAcquire(router, "192.168.1.2:1234", nil); w.Code != http.StatusOK {
		t.Errorf("another host expected 200, got %d", w.Code)
	}
}

func TestRateLimitMiddleware_RetryAfterRoundsUp(t *testing.T) {
	// one token every 20 seconds
	router := acquireRouter(newLimiter(t, 3, 1).Middleware())

	postAcquire(router, "10.0.0.9:1", nil)
	w := postAcquire(router, "10.0.0.9:1", nil)

	retry, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil {
		t.Fatalf("Retry-After is not whole seconds: %q", w.Header().Get("Retry-After"))
	}
	if retry < 19 || retry > 20 {
		t.Errorf("expected Retry-After near 20s, got %d", retry)
	}
}

func TestRateLimitMiddleware_KeysByPrincipal(t *testing.T) {
	limiter := newLimiter(t, 60, 1)
	router := acquireRouter(
		func(c *gin.Context) {
			c.Set(ContextUserKey, &auth.Claims{UserID: c.GetHeader("X-User")})
			c.Next()
		},
		limiter.Middleware(),
	)

	send := func(user string) int {
		return postAcquire(router, "10.0.0.1:1234", map[string]string{"X-User": user}).Code
	}

	if code := send("deploy-bot"); code != http.StatusOK {
		t.Errorf("deploy-bot first acquire expected 200, got %d", code)
	}
	if code := send("backup-bot"); code != http.StatusOK {
		t.Errorf("backup-bot shares the address but not the bucket, got %d", code)
	}
	if code := send("deploy-bot"); code != http.StatusTooManyRequests {
		t.Errorf("deploy-bot second acquire expected 429, got %d", code)
	}
}

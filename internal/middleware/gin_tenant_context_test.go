package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"operative/internal/auth"
	"operative/internal/logger"
	tenantctx "operative/internal/tenant"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestGinTenantContextMiddlewareInjectsContext(t *testing.T) {
	r := gin.New()
	r.Use(RequestIDMiddleware(), auth.Middleware(nil), GinTenantContextMiddleware(zap.NewNop()))
	r.GET("/protected", func(c *gin.Context) {
		tc, ok := tenantctx.FromContext(c.Request.Context())
		if !ok || tc.TenantID != "tenant-1" || tc.UserID != "user-1" {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		if logger.GetRequestID(c.Request.Context()) == "" {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set(auth.HeaderTenantID, "tenant-1")
	req.Header.Set(auth.HeaderUserID, "user-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(HeaderRequestID))
}

func TestGinTenantContextMiddlewareRejectsMissingUser(t *testing.T) {
	r := gin.New()
	r.Use(GinTenantContextMiddleware(nil))
	r.GET("/protected", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/protected", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequestIDMiddlewareKeepsUpstreamID(t *testing.T) {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, GetRequestIDFromGin(c)) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "abc-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "abc-123", w.Body.String())
	assert.Equal(t, "abc-123", w.Header().Get(HeaderTraceID))
}

func TestRateLimiter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 1, BurstSize: 2, IdleTTL: time.Minute})
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("t1"))
	assert.True(t, rl.Allow("t1"))
	assert.False(t, rl.Allow("t1"))
	assert.True(t, rl.Allow("t2"), "keys are independent")

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("t1"))

	now = now.Add(2 * time.Minute)
	rl.sweep()
	rl.mu.Lock()
	assert.Empty(t, rl.visitors)
	rl.mu.Unlock()
}

func TestRateLimiterMiddleware(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 0.001, BurstSize: 1})
	r := gin.New()
	r.Use(rl.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

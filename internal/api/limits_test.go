package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/tokenissuer/tokenissuer/internal/metrics"
)

func TestIPRateLimiter_Refill(t *testing.T) {
	limiter := newIPRateLimiter(60, 2)
	now := time.Now()

	assert.True(t, limiter.allowAt("10.0.0.1", now))
	assert.True(t, limiter.allowAt("10.0.0.1", now))
	assert.False(t, limiter.allowAt("10.0.0.1", now))

	// Other clients have their own bucket.
	assert.True(t, limiter.allowAt("10.0.0.2", now))

	assert.False(t, limiter.allowAt("10.0.0.1", now.Add(500*time.Millisecond)))
	assert.True(t, limiter.allowAt("10.0.0.1", now.Add(time.Second)))
	assert.False(t, limiter.allowAt("10.0.0.1", now.Add(time.Second)))
	assert.Equal(t, 1, limiter.retryAfterSeconds())
}

func TestIPRateLimiter_EvictIdle(t *testing.T) {
	limiter := newIPRateLimiter(60, 2)
	now := time.Now()

	limiter.allowAt("10.0.0.1", now)
	limiter.allowAt("10.0.0.2", now.Add(time.Second))

	assert.Equal(t, 1, limiter.evictIdle(now.Add(2*time.Second)))
	assert.Len(t, limiter.limits, 1)
	_, kept := limiter.limits["10.0.0.2"]
	assert.True(t, kept)
}

func TestRateLimitMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := newIPRateLimiter(30, 1)

	r := gin.New()
	r.Use(rateLimitMiddleware(limiter, metrics.NewMetrics("rl")))
	r.GET("/", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
}

func TestBodyLimitMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(bodyLimitMiddleware(8))
	r.POST("/", func(c *gin.Context) {
		buf := make([]byte, 16)
		n, _ := c.Request.Body.Read(buf)
		c.String(http.StatusOK, string(buf[:n]))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/", strings.NewReader("small")))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "small", w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/", strings.NewReader("far too large")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

package api

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tokenissuer/tokenissuer/internal/metrics"
)

// maxTrackedClients bounds the bucket map before idle buckets are swept.
const maxTrackedClients = 10000

// IPRateLimiter implements per-IP rate limiting using token bucket algorithm
type IPRateLimiter struct {
	limits map[string]*tokenBucket
	mu     sync.Mutex
	rate   time.Duration // Refill rate
	burst  int           // Burst capacity
}

// tokenBucket implements a simple token bucket
type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
	capacity   float64
}

// newIPRateLimiter creates a limiter allowing requestsPerMinute with the given
// burst per client IP.
func newIPRateLimiter(requestsPerMinute, burst int) *IPRateLimiter {
	return &IPRateLimiter{
		limits: make(map[string]*tokenBucket),
		rate:   time.Minute / time.Duration(requestsPerMinute),
		burst:  burst,
	}
}

// allow checks if a request is allowed for the given IP
func (l *IPRateLimiter) allow(ip string) bool {
	return l.allowAt(ip, time.Now())
}

func (l *IPRateLimiter) allowAt(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, exists := l.limits[ip]
	if !exists {
		if len(l.limits) >= maxTrackedClients {
			l.evictIdleLocked(now)
		}
		bucket = &tokenBucket{
			tokens:     float64(l.burst) - 1,
			lastRefill: now,
			capacity:   float64(l.burst),
		}
		l.limits[ip] = bucket
		return true
	}

	// Refill tokens based on elapsed time
	refills := now.Sub(bucket.lastRefill) / l.rate
	if refills > 0 {
		bucket.tokens = min(bucket.capacity, bucket.tokens+float64(refills))
		bucket.lastRefill = bucket.lastRefill.Add(refills * l.rate)
	}

	// Check if we have tokens
	if bucket.tokens >= 1 {
		bucket.tokens--
		return true
	}

	return false
}

// evictIdle drops buckets that have refilled completely.
func (l *IPRateLimiter) evictIdle(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evictIdleLocked(now)
}

func (l *IPRateLimiter) evictIdleLocked(now time.Time) int {
	full := l.rate * time.Duration(l.burst)
	evicted := 0
	for ip, bucket := range l.limits {
		if now.Sub(bucket.lastRefill) >= full {
			delete(l.limits, ip)
			evicted++
		}
	}
	return evicted
}

// retryAfterSeconds is the wait before one more token is available.
func (l *IPRateLimiter) retryAfterSeconds() int {
	return int(math.Ceil(l.rate.Seconds()))
}

// rateLimitMiddleware creates a Gin middleware for rate limiting
func rateLimitMiddleware(limiter *IPRateLimiter, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.allow(c.ClientIP()) {
			m.RecordRateLimited()
			c.Header("Retry-After", strconv.Itoa(limiter.retryAfterSeconds()))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error: "rate limit exceeded",
			})
			return
		}

		c.Next()
	}
}

// bodyLimitMiddleware caps the request body. Handlers see *http.MaxBytesError
// when they read past maxSize.
func bodyLimitMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, ErrorResponse{
				Error: "request body too large",
			})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

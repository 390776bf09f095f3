package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/tokenissuer/tokenissuer/internal/logging"
	"github.com/tokenissuer/tokenissuer/internal/metrics"
)

// Constants for header names
const (
	// DefaultAPIKeyHeader is the default header name for API key authentication
	DefaultAPIKeyHeader = "X-API-Key"
)

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// KeySet holds the accepted API keys. It is swapped in place when the
// configuration is reloaded. An empty set disables authentication.
type KeySet struct {
	mu   sync.RWMutex
	keys []string
}

// NewKeySet creates a key set from the configured keys.
func NewKeySet(keys []string) *KeySet {
	ks := &KeySet{}
	ks.Replace(keys)
	return ks
}

// Replace swaps the accepted keys.
func (k *KeySet) Replace(keys []string) {
	cleaned := make([]string, 0, len(keys))
	for _, key := range keys {
		if key = strings.TrimSpace(key); key != "" {
			cleaned = append(cleaned, key)
		}
	}
	k.mu.Lock()
	k.keys = cleaned
	k.mu.Unlock()
}

// Enabled reports whether any key is configured.
func (k *KeySet) Enabled() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys) > 0
}

// Len returns the number of accepted keys.
func (k *KeySet) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

// Valid compares candidate against every key in constant time.
func (k *KeySet) Valid(candidate string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()

	match := 0
	for _, key := range k.keys {
		match |= subtle.ConstantTimeCompare([]byte(candidate), []byte(key))
	}
	return match == 1
}

// APIKeyAuth creates a middleware that validates API keys from the request header.
// While the key set is empty, authentication is bypassed.
func APIKeyAuth(keys *KeySet, headerName string, m *metrics.Metrics, logger *logging.Logger) gin.HandlerFunc {
	// Default header name
	if headerName == "" {
		headerName = DefaultAPIKeyHeader
	}

	return func(c *gin.Context) {
		if !keys.Enabled() {
			c.Next()
			return
		}

		apiKey := c.GetHeader(headerName)

		// Log missing API key attempt
		if apiKey == "" {
			logger.WarnWithContext(c.Request.Context(), "API authentication failed: missing API key",
				"header_name", headerName,
				"client_ip", c.ClientIP(),
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
			rejectUnauthorized(c, m, "API key is required. Provide it in the '"+headerName+"' header")
			return
		}

		if !keys.Valid(apiKey) {
			logger.WarnWithContext(c.Request.Context(), "API authentication failed: invalid API key",
				"header_name", headerName,
				"client_ip", c.ClientIP(),
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
			rejectUnauthorized(c, m, "Invalid API key")
			return
		}

		c.Set("authenticated", true)
		c.Next()
	}
}

func rejectUnauthorized(c *gin.Context, m *metrics.Metrics, message string) {
	m.RecordAuthFailure()
	c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: message})
}

// MaskAPIKeys masks API keys for logging (shows only first 4 characters)
func MaskAPIKeys(keys []string) []string {
	masked := make([]string, len(keys))
	for i, key := range keys {
		if len(key) <= 4 {
			masked[i] = strings.Repeat("*", len(key))
		} else {
			masked[i] = key[:4] + strings.Repeat("*", len(key)-4)
		}
	}
	return masked
}

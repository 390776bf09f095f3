package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tokenissuer/tokenissuer/internal/logging"
)

const (
	auditEventTypeKey = "audit_event_type"
	auditPrincipalKey = "audit_principal"
	auditKeyIDKey     = "audit_key_id"
	auditErrorKey     = "audit_error"
)

// IssuanceResult is what a handler reports about one issuance attempt.
type IssuanceResult struct {
	EventType   logging.AuditEventType
	ClientEmail string
	KeyID       string
	Error       string
}

// SetIssuanceResult records the outcome for AuditIssuance to persist.
func SetIssuanceResult(c *gin.Context, result IssuanceResult) {
	if result.EventType != "" {
		c.Set(auditEventTypeKey, result.EventType)
	}
	if result.ClientEmail != "" {
		c.Set(auditPrincipalKey, result.ClientEmail)
	}
	if result.KeyID != "" {
		c.Set(auditKeyIDKey, result.KeyID)
	}
	if result.Error != "" {
		c.Set(auditErrorKey, result.Error)
	}
}

// AuditIssuance creates a Gin middleware that records one audit event per
// request once the handler chain has finished. Events never include the
// request body.
func AuditIssuance(auditStore logging.AuditStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		// Process request
		c.Next()

		status := c.Writer.Status()
		eventType := eventTypeForStatus(status)
		if v, ok := c.Get(auditEventTypeKey); ok {
			eventType = v.(logging.AuditEventType)
		}

		auditStatus := logging.StatusSuccess
		if status >= http.StatusBadRequest {
			auditStatus = logging.StatusFailure
		}

		event := logging.NewAuditEvent(eventType, c.Request.Method+" "+path, auditStatus).
			WithIPAddress(c.ClientIP()).
			WithResource(path).
			WithCorrelationID(logging.GetCorrelationID(c.Request.Context())).
			WithPrincipal(c.GetString(auditPrincipalKey))

		details := map[string]interface{}{
			"method":     c.Request.Method,
			"status":     status,
			"latency_ms": time.Since(start).Milliseconds(),
			"user_agent": c.Request.UserAgent(),
		}
		if keyID := c.GetString(auditKeyIDKey); keyID != "" {
			details["private_key_id"] = keyID
		}
		event.WithDetails(details)

		switch {
		case status == http.StatusUnauthorized || status == http.StatusTooManyRequests:
			event.WithSeverity(logging.SeverityWarning)
		case status >= http.StatusInternalServerError:
			event.WithSeverity(logging.SeverityError)
		case status >= http.StatusBadRequest:
			event.WithSeverity(logging.SeverityWarning)
		}
		if msg := c.GetString(auditErrorKey); msg != "" {
			event.ErrorMessage = msg
		}

		// Save asynchronously to not block the request
		auditStore.SaveEventAsync(event)
	}
}

func eventTypeForStatus(status int) logging.AuditEventType {
	switch {
	case status == http.StatusUnauthorized:
		return logging.AuthFailure
	case status >= http.StatusInternalServerError:
		return logging.TokenFailed
	case status >= http.StatusBadRequest:
		return logging.TokenRejected
	case status >= http.StatusOK && status < http.StatusMultipleChoices:
		return logging.TokenIssued
	default:
		return logging.APIAccess
	}
}

package api

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tokenissuer/tokenissuer/internal/errors"
	"github.com/tokenissuer/tokenissuer/internal/issuer"
	"github.com/tokenissuer/tokenissuer/internal/logging"
	"github.com/tokenissuer/tokenissuer/internal/middleware"
)

// Response messages of the issue endpoint.
const (
	msgMissingCredentials = "Invalid request: " + issuer.CredentialsField + " is required"
	msgInvalidPrefix      = "Invalid service account info: "
	msgUnexpectedPrefix   = "An error occurred: "
)

// IssueResponse is the body of a successful issuance.
type IssueResponse struct {
	JWT string `json:"jwt"`
}

// handleIssue mints a token for the service account in the request body. The
// body is decoded as JSON whatever its Content-Type. Anything that is not a
// JSON object carrying service_account_info counts as a missing document.
func (s *Server) handleIssue(c *gin.Context) {
	ctx := c.Request.Context()

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			s.reject(c, http.StatusRequestEntityTooLarge, "request body too large", logging.TokenRejected)
			return
		}
		body = nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		fields = nil
	}

	token, err := s.issuer.Issue(ctx, fields[issuer.CredentialsField])
	s.metrics.RecordIssuance(issuer.Outcome(err))
	if err == nil {
		middleware.SetIssuanceResult(c, middleware.IssuanceResult{
			EventType:   logging.TokenIssued,
			ClientEmail: token.ClientEmail,
			KeyID:       token.KeyID,
		})
		s.logger.InfoWithContext(ctx, "token issued",
			"client_email", token.ClientEmail,
			"private_key_id", token.KeyID,
		)
		c.JSON(http.StatusOK, IssueResponse{JWT: token.Token})
		return
	}

	status, message := ClassifyError(err)
	if status == http.StatusBadRequest {
		s.reject(c, status, message, logging.TokenRejected)
		return
	}

	result := middleware.IssuanceResult{EventType: logging.TokenFailed, Error: err.Error()}
	var refresh *errors.ErrTokenRefresh
	if stderrors.As(err, &refresh) {
		result.ClientEmail = refresh.ClientEmail
	}
	middleware.SetIssuanceResult(c, result)
	s.logger.ErrorWithContext(ctx, "token issuance failed", "error", err.Error())
	c.JSON(status, ErrorResponse{Error: message})
}

// ClassifyError maps an issuance error to its HTTP status and response message.
func ClassifyError(err error) (int, string) {
	var missing *errors.ErrMissingCredentials
	var invalid *errors.ErrInvalidServiceAccount
	switch {
	case stderrors.As(err, &missing):
		return http.StatusBadRequest, msgMissingCredentials
	case stderrors.As(err, &invalid):
		return http.StatusBadRequest, msgInvalidPrefix + err.Error()
	default:
		return http.StatusInternalServerError, msgUnexpectedPrefix + err.Error()
	}
}

func (s *Server) reject(c *gin.Context, status int, message string, eventType logging.AuditEventType) {
	middleware.SetIssuanceResult(c, middleware.IssuanceResult{EventType: eventType, Error: message})
	s.logger.WarnWithContext(c.Request.Context(), "issue request rejected", "status", status, "reason", message)
	c.JSON(status, ErrorResponse{Error: message})
}

// Package issuer mints short-lived Google access tokens from service account
// key documents supplied by the caller.
package issuer

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/tokenissuer/tokenissuer/internal/credentials"
	"github.com/tokenissuer/tokenissuer/internal/errors"
	"github.com/tokenissuer/tokenissuer/internal/logging"
	"github.com/tokenissuer/tokenissuer/internal/metrics"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// CredentialsField is the request member carrying the key document.
const CredentialsField = "service_account_info"

var newServiceAccountTokenSource = func(ctx context.Context, keyJSON []byte, client *http.Client, scopes ...string) (oauth2.TokenSource, error) {
	cfg, err := google.JWTConfigFromJSON(keyJSON, scopes...)
	if err != nil {
		return nil, err
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, boundClient(ctx, client))
	return cfg.TokenSource(ctx), nil
}

// boundClient returns a copy of client whose requests carry ctx, so that a
// cancelled caller aborts the exchange.
func boundClient(ctx context.Context, client *http.Client) *http.Client {
	if client == nil {
		client = http.DefaultClient
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	bound := *client
	bound.Transport = &contextTransport{ctx: ctx, base: base}
	return &bound
}

type contextTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t *contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.base.RoundTrip(req.WithContext(t.ctx))
}

// AccessToken is a freshly minted bearer token.
type AccessToken struct {
	Token       string
	Expiry      time.Time
	ClientEmail string
	ProjectID   string
	KeyID       string
}

// Issuer exchanges service account keys for access tokens. It holds no
// per-request state and is safe for concurrent use.
type Issuer struct {
	scopes  []string
	client  *http.Client
	metrics *metrics.Metrics
	logger  *logging.Logger
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithHTTPClient sets the client used for the token exchange.
func WithHTTPClient(client *http.Client) Option {
	return func(i *Issuer) {
		i.client = client
	}
}

// WithMetrics records refresh latency on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Issuer) {
		i.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(i *Issuer) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// New creates an Issuer scoped to BigQuery.
func New(opts ...Option) *Issuer {
	i := &Issuer{
		scopes: []string{credentials.BigQueryScope},
		logger: logging.NewLogger(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Scopes returns the OAuth2 scopes requested for every token.
func (i *Issuer) Scopes() []string {
	return append([]string(nil), i.scopes...)
}

// Issue validates raw and performs one token exchange against the document's
// token_uri. Nothing is cached, so every call results in a new exchange.
//
// An absent or null document yields *errors.ErrMissingCredentials, a malformed
// one *errors.ErrInvalidServiceAccount, and an exchange failure
// *errors.ErrTokenRefresh.
func (i *Issuer) Issue(ctx context.Context, raw json.RawMessage) (*AccessToken, error) {
	trimmed := bytes.TrimSpace(raw)
	// An explicit null is the same as leaving the field out: the caller sent
	// no document, so it is a 400 rather than a server error.
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, &errors.ErrMissingCredentials{Field: CredentialsField}
	}

	key, keyJSON, err := credentials.Parse(trimmed)
	if err != nil {
		return nil, err
	}

	ts, err := newServiceAccountTokenSource(ctx, keyJSON, i.client, i.scopes...)
	if err != nil {
		return nil, &errors.ErrInvalidServiceAccount{Err: err}
	}

	start := time.Now()
	token, err := ts.Token()
	elapsed := time.Since(start).Seconds()
	if err != nil {
		i.observeRefresh(metrics.OutcomeRefreshFailure, elapsed)
		i.logger.WarnWithContext(ctx, "token refresh failed",
			"client_email", key.ClientEmail,
			"token_uri", key.TokenURI,
			"error", err.Error(),
		)
		return nil, &errors.ErrTokenRefresh{ClientEmail: key.ClientEmail, Err: err}
	}
	i.observeRefresh(metrics.OutcomeIssued, elapsed)

	i.logger.DebugWithContext(ctx, "token issued",
		"client_email", key.ClientEmail,
		"expiry", token.Expiry.UTC().Format(time.RFC3339),
	)

	return &AccessToken{
		Token:       token.AccessToken,
		Expiry:      token.Expiry,
		ClientEmail: key.ClientEmail,
		ProjectID:   key.ProjectID,
		KeyID:       key.PrivateKeyID,
	}, nil
}

func (i *Issuer) observeRefresh(outcome string, seconds float64) {
	if i.metrics != nil {
		i.metrics.RecordTokenRefresh(outcome, seconds)
	}
}

// Outcome maps an Issue result to its metrics label.
func Outcome(err error) string {
	if err == nil {
		return metrics.OutcomeIssued
	}
	var missing *errors.ErrMissingCredentials
	var invalid *errors.ErrInvalidServiceAccount
	var refresh *errors.ErrTokenRefresh
	switch {
	case stderrors.As(err, &missing):
		return metrics.OutcomeMissing
	case stderrors.As(err, &invalid):
		return metrics.OutcomeInvalid
	case stderrors.As(err, &refresh):
		return metrics.OutcomeRefreshFailure
	default:
		return metrics.OutcomeError
	}
}

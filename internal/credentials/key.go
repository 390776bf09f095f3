// Package credentials decodes and validates Google service account key
// documents before they are handed to the OAuth2 token exchange.
package credentials

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tokenissuer/tokenissuer/internal/errors"
)

// BigQueryScope is the only scope tokens are minted for.
const BigQueryScope = "https://www.googleapis.com/auth/bigquery"

// ServiceAccountType is the document type Google issues for service account keys.
const ServiceAccountType = "service_account"

// ServiceAccountKey is the JSON key document downloaded from Google Cloud.
type ServiceAccountKey struct {
	Type           string `json:"type"`
	ProjectID      string `json:"project_id"`
	PrivateKeyID   string `json:"private_key_id"`
	PrivateKey     string `json:"private_key"`
	ClientEmail    string `json:"client_email"`
	ClientID       string `json:"client_id"`
	AuthURI        string `json:"auth_uri"`
	TokenURI       string `json:"token_uri"`
	UniverseDomain string `json:"universe_domain,omitempty"`
}

// requiredFields lists the document fields checked for presence, in report order.
var requiredFields = []string{"client_email", "token_uri", "private_key"}

// Parse decodes and validates a service account document. The returned key and
// the normalized JSON are safe to pass to google.JWTConfigFromJSON. Every
// failure is an *errors.ErrInvalidServiceAccount.
func Parse(raw []byte) (*ServiceAccountKey, []byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, nil, &errors.ErrInvalidServiceAccount{Reason: "service account info must be a JSON object"}
	}

	var key ServiceAccountKey
	if err := json.Unmarshal(trimmed, &key); err != nil {
		return nil, nil, &errors.ErrInvalidServiceAccount{Reason: "service account info could not be decoded", Err: err}
	}

	if err := key.Validate(); err != nil {
		return nil, nil, err
	}

	// JWTConfigFromJSON refuses documents without an explicit type.
	normalized := trimmed
	if key.Type == "" {
		key.Type = ServiceAccountType
		var err error
		normalized, err = json.Marshal(&key)
		if err != nil {
			return nil, nil, &errors.ErrInvalidServiceAccount{Reason: "service account info could not be encoded", Err: err}
		}
	}

	return &key, normalized, nil
}

// Validate checks required fields, the token endpoint and the private key.
func (k *ServiceAccountKey) Validate() error {
	if k.Type != "" && k.Type != ServiceAccountType {
		return &errors.ErrInvalidServiceAccount{
			Reason: fmt.Sprintf("unsupported credential type %q, expected %q", k.Type, ServiceAccountType),
		}
	}

	var missing []string
	for _, field := range requiredFields {
		if strings.TrimSpace(k.field(field)) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return errors.NewMissingFieldsError(missing)
	}

	u, err := url.Parse(k.TokenURI)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return &errors.ErrInvalidServiceAccount{Reason: fmt.Sprintf("token_uri %q is not an absolute URL", k.TokenURI)}
	}

	if _, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(k.PrivateKey)); err != nil {
		return &errors.ErrInvalidServiceAccount{Reason: "private_key is not a valid RSA key", Err: err}
	}

	return nil
}

func (k *ServiceAccountKey) field(name string) string {
	switch name {
	case "client_email":
		return k.ClientEmail
	case "token_uri":
		return k.TokenURI
	case "private_key":
		return k.PrivateKey
	}
	return ""
}

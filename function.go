// Package tokenissuer exposes the token issuer as an HTTP Cloud Function.
//
// The function reads its configuration from TOKENISSUER_CONFIG_PATH when the
// file exists and falls back to defaults otherwise.
package tokenissuer

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/tokenissuer/tokenissuer/internal/api"
	"github.com/tokenissuer/tokenissuer/internal/config"
	"github.com/tokenissuer/tokenissuer/internal/logging"
)

// FunctionName is the entry point name registered with the framework.
const FunctionName = "CreateSignedJWT"

// Version is reported by the health endpoint. Set with -ldflags.
var Version = "dev"

func init() {
	functions.HTTP(FunctionName, CreateSignedJWT)
}

var (
	handlerOnce sync.Once
	handler     http.Handler
	handlerErr  error
)

// CreateSignedJWT mints a BigQuery-scoped access token for the service account
// posted in the request body.
func CreateSignedJWT(w http.ResponseWriter, r *http.Request) {
	handlerOnce.Do(func() {
		handler, handlerErr = NewHandler(nil)
	})
	if handlerErr != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "An error occurred: " + handlerErr.Error()})
		return
	}
	handler.ServeHTTP(w, r)
}

// NewHandler builds the function handler. A nil cfg is loaded from the
// environment.
func NewHandler(cfg *config.Config) (http.Handler, error) {
	if cfg == nil {
		var err error
		cfg, err = config.LoadFromEnv()
		if err != nil {
			return nil, err
		}
	}

	logger := logging.NewLogger(logging.WithService("tokenissuer-function"))
	srv, err := api.Build(cfg, logger, Version)
	if err != nil {
		return nil, err
	}
	return srv.Handler(), nil
}

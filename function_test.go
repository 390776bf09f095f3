package tokenissuer

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tokenissuer/tokenissuer/internal/config"
)

func resetHandler() {
	handlerOnce = sync.Once{}
	handler = nil
	handlerErr = nil
}

func TestCreateSignedJWT_DefaultConfig(t *testing.T) {
	t.Setenv(config.EnvConfigPath, filepath.Join(t.TempDir(), "absent.yaml"))
	resetHandler()
	t.Cleanup(resetHandler)

	tests := []struct {
		name     string
		method   string
		body     string
		wantCode int
		wantBody string
	}{
		{
			name:     "empty body",
			method:   http.MethodPost,
			wantCode: http.StatusBadRequest,
			wantBody: `{"error":"Invalid request: service_account_info is required"}`,
		},
		{
			name:     "missing key",
			method:   http.MethodPost,
			body:     `{}`,
			wantCode: http.StatusBadRequest,
			wantBody: `{"error":"Invalid request: service_account_info is required"}`,
		},
		{
			name:     "malformed document",
			method:   http.MethodPost,
			body:     `{"service_account_info": {"type": "service_account"}}`,
			wantCode: http.StatusBadRequest,
			wantBody: `{"error":"Invalid service account info: service account info was not in the expected format, missing fields client_email, token_uri, private_key"}`,
		},
		{
			name:     "wrong method",
			method:   http.MethodGet,
			wantCode: http.StatusMethodNotAllowed,
			wantBody: `{"error":"method not allowed"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/", strings.NewReader(tt.body))
			w := httptest.NewRecorder()

			CreateSignedJWT(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
			assert.JSONEq(t, tt.wantBody, w.Body.String())
		})
	}
}

func TestCreateSignedJWT_BadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: \"1\"\nserver:\n  http_port: 0\n  host: \"\"\n"), 0644))
	t.Setenv(config.EnvConfigPath, path)
	resetHandler()
	t.Cleanup(resetHandler)

	w := httptest.NewRecorder()
	CreateSignedJWT(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`)))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "An error occurred: config validation failed")
}

func TestNewHandler_ExplicitConfig(t *testing.T) {
	cfg := config.Default()
	cfg.API.IssuePath = "/jwt"
	cfg.Metrics.Enabled = false

	h, err := NewHandler(cfg)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"version":"dev"`)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/jwt", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

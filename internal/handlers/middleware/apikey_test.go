package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/authcore/internal/apperrors"
	"github.com/nkiryanov/authcore/internal/handlers/userctx"
	"github.com/nkiryanov/authcore/internal/logger"
	"github.com/nkiryanov/authcore/internal/models"
)

// Keys known to the fake validator
type fakeKeys map[string]models.ApiKey

func (f fakeKeys) ValidateApiKey(_ context.Context, plaintext string) (models.ApiKey, error) {
	if plaintext == "down" {
		return models.ApiKey{}, apperrors.ErrServiceUnavailable
	}
	key, ok := f[plaintext]
	if !ok {
		return models.ApiKey{}, apperrors.ErrUnauthorized
	}
	return key, nil
}

const devKey = "bsk_dev"

func TestGuard(t *testing.T) {
	keys := fakeKeys{
		"bsk_sms":   {ID: uuid.New(), Scopes: []models.Scope{models.ScopeSmsSend}},
		"bsk_admin": {ID: uuid.New(), Scopes: []models.Scope{models.ScopeAdminAccess}},
		"bsk_read":  {ID: uuid.New(), Scopes: []models.Scope{models.ScopeRead}},
		devKey:      {ID: uuid.New(), Scopes: []models.Scope{models.ScopeRead}},
	}

	// Handler answers with id of the key from context or 'anonymous'
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := userctx.ApiKeyFromContext(r.Context())
		if !ok {
			_, _ = w.Write([]byte("anonymous"))
			return
		}
		_, _ = w.Write([]byte(key.ID.String()))
	})

	serve := func(t *testing.T, cfg GuardConfig, req Requirement) string {
		t.Helper()
		guard, err := NewGuard(keys, cfg, logger.NewNoOpLogger())
		require.NoError(t, err)
		srv := httptest.NewServer(guard.Require(req)(handler))
		t.Cleanup(srv.Close)
		return srv.URL
	}

	withKey := func(key string) map[string]string {
		return map[string]string{ApiKeyHeader: key}
	}

	tests := []struct {
		name   string
		cfg    GuardConfig
		req    Requirement
		key    string
		status int
	}{
		{"required key missing", GuardConfig{}, Requirement{Required: true}, "", http.StatusUnauthorized},
		{"optional key missing", GuardConfig{}, Requirement{}, "", http.StatusOK},
		{"optional key invalid", GuardConfig{}, Requirement{}, "bsk_unknown", http.StatusUnauthorized},
		{"invalid key", GuardConfig{}, Requirement{Required: true}, "bsk_unknown", http.StatusUnauthorized},
		{"exact scope", GuardConfig{}, Requirement{Required: true, Scopes: []models.Scope{models.ScopeSmsSend}}, "bsk_sms", http.StatusOK},
		{"missing scope", GuardConfig{}, Requirement{Required: true, Scopes: []models.Scope{models.ScopeChamaRead}}, "bsk_sms", http.StatusForbidden},
		{"admin passes everything", GuardConfig{}, Requirement{Required: true, Scopes: []models.Scope{models.ScopeChamaWrite, models.ScopeSwapRead}}, "bsk_admin", http.StatusOK},
		{"generic read", GuardConfig{}, Requirement{Required: true, Scopes: []models.Scope{models.ScopeSharesRead}}, "bsk_read", http.StatusOK},
		{"generic read is not write", GuardConfig{}, Requirement{Required: true, Scopes: []models.Scope{models.ScopeSharesWrite}}, "bsk_read", http.StatusForbidden},
		{"store down", GuardConfig{}, Requirement{Required: true}, "down", http.StatusServiceUnavailable},
		{"dev key strict", GuardConfig{DevKey: devKey}, Requirement{Required: true, Scopes: []models.Scope{models.ScopeAdminAccess}}, devKey, http.StatusForbidden},
		{"dev key relaxed", GuardConfig{DevKey: devKey, Relaxed: true}, Requirement{Required: true, Scopes: []models.Scope{models.ScopeAdminAccess}}, devKey, http.StatusOK},
		{"relaxed mode is only for dev key", GuardConfig{DevKey: devKey, Relaxed: true}, Requirement{Required: true, Scopes: []models.Scope{models.ScopeAdminAccess}}, "bsk_read", http.StatusForbidden},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			url := serve(t, tc.cfg, tc.req)

			var headers map[string]string
			if tc.key != "" {
				headers = withKey(tc.key)
			}
			resp, body := get(t, url+"/test", headers)

			require.Equalf(t, tc.status, resp.StatusCode, "unexpected status. Resp: %s", body)
			if tc.status == http.StatusOK && tc.key != "" {
				require.Equal(t, keys[tc.key].ID.String(), body, "validated key must be in context")
			}
		})
	}
}

func TestNewGuard(t *testing.T) {
	_, err := NewGuard(fakeKeys{}, GuardConfig{DevKey: devKey, Relaxed: true, Environment: EnvProduction}, logger.NewNoOpLogger())
	require.Error(t, err, "relaxed mode must be refused in production")

	_, err = NewGuard(fakeKeys{}, GuardConfig{Relaxed: true}, logger.NewNoOpLogger())
	require.Error(t, err, "relaxed mode without dev key makes no sense")

	_, err = NewGuard(fakeKeys{}, GuardConfig{DevKey: devKey, Environment: EnvProduction}, logger.NewNoOpLogger())
	require.NoError(t, err, "strict dev key is fine in production")
}

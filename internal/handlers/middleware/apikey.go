package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/nkiryanov/authcore/internal/apperrors"
	"github.com/nkiryanov/authcore/internal/handlers/render"
	"github.com/nkiryanov/authcore/internal/handlers/userctx"
	"github.com/nkiryanov/authcore/internal/logger"
	"github.com/nkiryanov/authcore/internal/models"
	"github.com/nkiryanov/authcore/internal/service/apikey"
)

const (
	ApiKeyHeader = "X-API-Key"

	EnvProduction = "production"
)

type keyValidator interface {
	ValidateApiKey(ctx context.Context, plaintext string) (models.ApiKey, error)
}

type GuardConfig struct {
	// Global development key. Only it may pass with missing scopes, in relaxed mode only
	DevKey string

	// Soft warn instead of reject when dev key lacks scopes
	Relaxed bool

	// Relaxed mode is refused in production
	Environment string
}

// Guard protects routes called by other services
type Guard struct {
	keys    keyValidator
	devKey  string
	relaxed bool
	logger  logger.Logger
}

// Route requirements
type Requirement struct {
	// Request without key is rejected
	// Otherwise it passes unauthenticated, but a presented key still has to be valid
	Required bool

	// Every scope has to be granted by the key
	Scopes []models.Scope
}

func NewGuard(keys keyValidator, cfg GuardConfig, l logger.Logger) (*Guard, error) {
	if cfg.Relaxed && cfg.Environment == EnvProduction {
		return nil, errors.New("relaxed api key mode is not allowed in production")
	}
	if cfg.Relaxed && cfg.DevKey == "" {
		return nil, errors.New("relaxed api key mode requires development key")
	}

	return &Guard{
		keys:    keys,
		devKey:  cfg.DevKey,
		relaxed: cfg.Relaxed,
		logger:  l.WithGroup("guard"),
	}, nil
}

func (g *Guard) Require(req Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			plaintext := r.Header.Get(ApiKeyHeader)
			if plaintext == "" {
				if req.Required {
					render.ServiceError(w, "API key required", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			key, err := g.keys.ValidateApiKey(r.Context(), plaintext)
			switch {
			case errors.Is(err, apperrors.ErrServiceUnavailable):
				render.ServiceError(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
				return
			case err != nil:
				render.ServiceError(w, "Invalid API key", http.StatusUnauthorized)
				return
			}

			for _, scope := range req.Scopes {
				if apikey.CheckScope(key, scope) {
					continue
				}
				if g.isRelaxedDevKey(plaintext) {
					g.logger.Warn("Development key lacks scope, allowed in relaxed mode", "key_id", key.ID, "scope", scope, "path", r.URL.Path)
					continue
				}
				render.ServiceError(w, "Insufficient scope", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(userctx.WithApiKey(r.Context(), key)))
		})
	}
}

func (g *Guard) isRelaxedDevKey(plaintext string) bool {
	return g.relaxed && g.devKey != "" && subtle.ConstantTimeCompare([]byte(plaintext), []byte(g.devKey)) == 1
}

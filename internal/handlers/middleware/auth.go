package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/nkiryanov/authcore/internal/apperrors"
	"github.com/nkiryanov/authcore/internal/handlers/render"
	"github.com/nkiryanov/authcore/internal/handlers/userctx"
	"github.com/nkiryanov/authcore/internal/models"
)

// Cookie with access token, set by auth handlers
const AccessCookie = "access_token"

type authenticator interface {
	Authenticate(ctx context.Context, access string) (models.AuthResult, error)
}

// AccessToken reads access token from request
// Bearer authorization header has priority over cookie
func AccessToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found {
			return ""
		}
		return strings.TrimSpace(token)
	}

	if cookie, err := r.Cookie(AccessCookie); err == nil {
		return cookie.Value
	}
	return ""
}

// AuthMiddleware lets request in only with valid access token
// Authenticated user is put to the request context
func AuthMiddleware(as authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			access := AccessToken(r)
			if access == "" {
				render.ServiceError(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			result, err := as.Authenticate(r.Context(), access)
			switch {
			case errors.Is(err, apperrors.ErrServiceUnavailable):
				render.ServiceError(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
				return
			case err != nil || !result.Authorized:
				render.ServiceError(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := userctx.New(r.Context(), result.User)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

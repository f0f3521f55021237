package handlers

import (
	"net/http"
	"time"

	"github.com/nkiryanov/authcore/internal/handlers/middleware"
	"github.com/nkiryanov/authcore/internal/models"
)

const (
	refreshCookie     = "refresh_token"
	refreshCookiePath = "/api/auth"
)

// Cookie settings for issued tokens
type CookieConfig struct {
	// Send cookies over https only
	Secure bool
}

func (c CookieConfig) setTokens(w http.ResponseWriter, pair models.TokenPair) {
	http.SetCookie(w, c.cookie(middleware.AccessCookie, "/", pair.Access.Value, pair.Access.ExpiresAt))
	http.SetCookie(w, c.cookie(refreshCookie, refreshCookiePath, pair.Refresh.Value, pair.Refresh.ExpiresAt))
}

func (c CookieConfig) clearTokens(w http.ResponseWriter) {
	for _, cookie := range []*http.Cookie{
		c.cookie(middleware.AccessCookie, "/", "", time.Unix(0, 0)),
		c.cookie(refreshCookie, refreshCookiePath, "", time.Unix(0, 0)),
	} {
		cookie.MaxAge = -1
		http.SetCookie(w, cookie)
	}
}

func (c CookieConfig) cookie(name string, path string, value string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Expires:  expires,
		MaxAge:   max(int(time.Until(expires).Seconds()), 0),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteStrictMode,
	}
}

// refreshToken from cookie, falls back to value sent in body
func refreshToken(r *http.Request, fromBody string) string {
	if cookie, err := r.Cookie(refreshCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return fromBody
}

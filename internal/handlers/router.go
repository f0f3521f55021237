package handlers

import (
	"net/http"

	"github.com/nkiryanov/authcore/internal/handlers/middleware"
	"github.com/nkiryanov/authcore/internal/logger"
	"github.com/nkiryanov/authcore/internal/models"
)

// chain applies middlewares in the given order: m1(m2(...(h)))
func chain(h http.Handler, mds ...func(next http.Handler) http.Handler) http.Handler {
	for i := len(mds) - 1; i >= 0; i-- {
		h = mds[i](h)
	}
	return h
}

func NewRouter(
	authService authService,
	keyService keyService,
	registry serviceRegistry,
	guard *middleware.Guard,
	cookies CookieConfig,
	logger logger.Logger,
) http.Handler {
	withAuth := middleware.AuthMiddleware(authService)
	withAdminKey := guard.Require(middleware.Requirement{
		Required: true,
		Scopes:   []models.Scope{models.ScopeAdminAccess},
	})

	keys := withAuth(NewKeys(keyService, logger).Handler())

	root := http.NewServeMux()
	root.Handle("/api/auth/", http.StripPrefix("/api/auth", NewAuth(authService, cookies, logger).Handler()))
	root.Handle("/api/keys", keys)
	root.Handle("/api/keys/", keys)
	root.Handle("/api/admin/", http.StripPrefix("/api/admin", withAdminKey(NewAdmin(registry, logger).Handler())))

	handler := chain(root,
		middleware.LoggerMiddleware(logger),
	)

	return handler
}

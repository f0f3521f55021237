package userctx

import (
	"context"

	"github.com/nkiryanov/authcore/internal/models"
)

type ctxKey string

const (
	userKey   ctxKey = "user"
	apiKeyKey ctxKey = "apikey"
)

// Create a new context with the user
func New(ctx context.Context, u models.User) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// Extract the user from the context
func FromContext(ctx context.Context) (models.User, bool) {
	u, ok := ctx.Value(userKey).(models.User)
	return u, ok
}

// Create a new context with the api key that authenticated the request
func WithApiKey(ctx context.Context, k models.ApiKey) context.Context {
	return context.WithValue(ctx, apiKeyKey, k)
}

func ApiKeyFromContext(ctx context.Context) (models.ApiKey, bool) {
	k, ok := ctx.Value(apiKeyKey).(models.ApiKey)
	return k, ok
}

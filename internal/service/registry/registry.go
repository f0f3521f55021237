package registry

import (
	"context"
	"errors"
	"strings"

	"github.com/nkiryanov/authcore/internal/apperrors"
	"github.com/nkiryanov/authcore/internal/logger"
	"github.com/nkiryanov/authcore/internal/models"
	"github.com/nkiryanov/authcore/internal/secrets"
	"github.com/nkiryanov/authcore/internal/service/apikey"
)

// Service keys live for a year and are replaced by rotation before that
const serviceKeyLifetimeDays = 365

// Definitions of internal services that must always hold a key
func Definitions() []models.ServiceDefinition {
	return []models.ServiceDefinition{
		define("auth", models.ScopeUserRead, models.ScopeUserWrite, models.ScopeTokenIssue),
		define("sms", models.ScopeSmsSend),
		define("nostr", models.ScopeNostrSend),
		define("shares", models.ScopeSharesRead, models.ScopeSharesWrite),
		define("solowallet", models.ScopeSolowalletRead, models.ScopeSolowalletWrite),
		define("chama", models.ScopeChamaRead, models.ScopeChamaWrite),
		define("notification", models.ScopeNotificationSend),
		define("swap", models.ScopeSwapRead, models.ScopeSwapWrite),
		define("api", models.ScopeRead, models.ScopeWrite),
	}
}

func define(name string, scopes ...models.Scope) models.ServiceDefinition {
	return models.ServiceDefinition{
		Name:           name,
		RequiredScopes: scopes,
		SecretRef:      strings.ToUpper(name) + "_API_KEY",
	}
}

// Registry keeps every known service provisioned with a valid key.
// It never fails past its boundary: problems are logged and retried on next call
type Registry struct {
	services []models.ServiceDefinition
	keys     *apikey.Service
	secrets  secrets.Store
	logger   logger.Logger
}

// New registry. Without definitions the default set is used
func New(keys *apikey.Service, store secrets.Store, l logger.Logger, services ...models.ServiceDefinition) *Registry {
	if len(services) == 0 {
		services = Definitions()
	}

	return &Registry{
		services: services,
		keys:     keys,
		secrets:  store,
		logger:   l.WithGroup("registry"),
	}
}

func (r *Registry) Services() []models.ServiceDefinition {
	return r.services
}

// EnsureServiceKeys provisions a key for every service without a usable one.
// Returns count of provisioned keys
func (r *Registry) EnsureServiceKeys(ctx context.Context) int {
	provisioned := 0

	for _, service := range r.services {
		if !r.needsKey(ctx, service) {
			continue
		}
		if r.provision(ctx, service) {
			provisioned++
		}
	}

	return provisioned
}

// RotateServiceKey provisions new key right away. Old key is left as is:
// caller decides whether to revoke it
func (r *Registry) RotateServiceKey(ctx context.Context, name string) bool {
	for _, service := range r.services {
		if service.Name == name {
			return r.provision(ctx, service)
		}
	}

	r.logger.Warn("Rotation requested for unknown service", "service", name)
	return false
}

func (r *Registry) needsKey(ctx context.Context, service models.ServiceDefinition) bool {
	secret, err := r.secrets.Get(ctx, service.SecretRef)
	switch {
	case errors.Is(err, secrets.ErrSecretNotFound):
		return true
	case err != nil:
		r.logger.Error("Failed to read service key secret", "service", service.Name, "error", err)
		return false
	}

	key, err := r.keys.ValidateApiKey(ctx, secret)
	switch {
	case errors.Is(err, apperrors.ErrUnauthorized):
		r.logger.Warn("Service key is not valid anymore", "service", service.Name)
		return true
	case err != nil:
		// store is down, minting keys now would only make things worse
		r.logger.Error("Failed to validate service key", "service", service.Name, "error", err)
		return false
	}

	for _, scope := range service.RequiredScopes {
		if !apikey.CheckScope(key, scope) {
			r.logger.Warn("Service key lacks required scope", "service", service.Name, "scope", scope)
			return true
		}
	}
	return false
}

func (r *Registry) provision(ctx context.Context, service models.ServiceDefinition) bool {
	issued, err := r.keys.CreateApiKey(ctx, apikey.CreateRequest{
		Name:          service.Name + "-service",
		OwnerID:       models.SystemOwner,
		Scopes:        service.RequiredScopes,
		ExpiresInDays: serviceKeyLifetimeDays,
		IsPermanent:   true,
		Metadata: map[string]any{
			models.MetaService:   service.Name,
			models.MetaSecretRef: service.SecretRef,
		},
	})
	if err != nil {
		r.logger.Error("Failed to create service key", "service", service.Name, "error", err)
		return false
	}

	if err := r.secrets.Set(ctx, service.SecretRef, issued.Key); err != nil {
		r.logger.Error("Failed to store service key", "service", service.Name, "key_id", issued.ID, "error", err)
		return false
	}

	r.logger.Info("Service key provisioned", "service", service.Name, "key_id", issued.ID, "secret_ref", service.SecretRef)
	return true
}

package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/authcore/internal/events"
	"github.com/nkiryanov/authcore/internal/logger"
	"github.com/nkiryanov/authcore/internal/models"
	"github.com/nkiryanov/authcore/internal/repository"
	"github.com/nkiryanov/authcore/internal/repository/postgres"
	"github.com/nkiryanov/authcore/internal/secrets"
	"github.com/nkiryanov/authcore/internal/service/apikey"
	"github.com/nkiryanov/authcore/internal/testutil"
)

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) (string, error) { return "", errors.New("vault sealed") }
func (brokenStore) Set(context.Context, string, string) error   { return errors.New("vault sealed") }

func TestDefinitions(t *testing.T) {
	defs := Definitions()

	names := make([]string, 0, len(defs))
	for _, def := range defs {
		names = append(names, def.Name)
		require.NotEmpty(t, def.RequiredScopes, "service %s must require scopes", def.Name)
		for _, scope := range def.RequiredScopes {
			require.True(t, scope.Valid(), "service %s requires unknown scope %s", def.Name, scope)
		}
	}

	require.Equal(t, []string{"auth", "sms", "nostr", "shares", "solowallet", "chama", "notification", "swap", "api"}, names)
	require.Equal(t, "SMS_API_KEY", defs[1].SecretRef)
}

func Test_Registry(t *testing.T) {
	t.Parallel()

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	withTx := func(t *testing.T, store secrets.Store, fn func(r *Registry, keys *apikey.Service, storage repository.Storage)) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			storage := postgres.NewStorage(tx)
			keys, err := apikey.New(apikey.Config{Salt: "registry-test-salt-registry-test-salt"}, storage, events.Discard, logger.NewNoOpLogger())
			require.NoError(t, err)

			fn(New(keys, store, logger.NewNoOpLogger()), keys, storage)
			keys.Wait()
		})
	}

	t.Run("ensure provisions every service once", func(t *testing.T) {
		store := secrets.NewMemoryStore()
		withTx(t, store, func(r *Registry, keys *apikey.Service, storage repository.Storage) {
			provisioned := r.EnsureServiceKeys(t.Context())
			require.Equal(t, len(Definitions()), provisioned)

			for _, def := range r.Services() {
				secret, err := store.Get(t.Context(), def.SecretRef)
				require.NoError(t, err, "secret of %s must be stored", def.Name)

				key, err := keys.ValidateApiKey(t.Context(), secret)
				keys.Wait()
				require.NoError(t, err)
				require.Equal(t, def.RequiredScopes, key.Scopes, "service key must have exactly required scopes")
				require.Equal(t, models.SystemOwner, key.OwnerID)
				require.True(t, key.IsPermanent)
				require.Equal(t, def.Name, key.MetaString(models.MetaService))
			}

			require.Zero(t, r.EnsureServiceKeys(t.Context()), "valid keys must be kept")
			keys.Wait()

			stored, err := storage.ApiKey().ListByOwner(t.Context(), models.SystemOwner)
			require.NoError(t, err)
			require.Len(t, stored, len(Definitions()))
		})
	})

	t.Run("ensure replaces invalid keys", func(t *testing.T) {
		store := secrets.NewMemoryStore()
		withTx(t, store, func(r *Registry, keys *apikey.Service, storage repository.Storage) {
			r.EnsureServiceKeys(t.Context())

			require.NoError(t, store.Set(t.Context(), "SMS_API_KEY", "garbage"))
			chama, err := store.Get(t.Context(), "CHAMA_API_KEY")
			require.NoError(t, err)
			chamaKey, err := keys.ValidateApiKey(t.Context(), chama)
			keys.Wait()
			require.NoError(t, err)
			require.NoError(t, keys.RevokeKey(t.Context(), models.SystemOwner, chamaKey.ID))

			require.Equal(t, 2, r.EnsureServiceKeys(t.Context()))
			keys.Wait()

			for _, ref := range []string{"SMS_API_KEY", "CHAMA_API_KEY"} {
				secret, err := store.Get(t.Context(), ref)
				require.NoError(t, err)
				_, err = keys.ValidateApiKey(t.Context(), secret)
				keys.Wait()
				require.NoError(t, err, "%s must hold valid key again", ref)
			}
		})
	})

	t.Run("ensure replaces key without required scopes", func(t *testing.T) {
		store := secrets.NewMemoryStore()
		withTx(t, store, func(r *Registry, keys *apikey.Service, storage repository.Storage) {
			r.EnsureServiceKeys(t.Context())

			secret, err := store.Get(t.Context(), "SWAP_API_KEY")
			require.NoError(t, err)
			key, err := keys.ValidateApiKey(t.Context(), secret)
			keys.Wait()
			require.NoError(t, err)
			_, err = keys.UpdateScopes(t.Context(), models.SystemOwner, key.ID, []models.Scope{models.ScopeSwapRead})
			require.NoError(t, err)

			require.Equal(t, 1, r.EnsureServiceKeys(t.Context()))
		})
	})

	t.Run("rotate service key", func(t *testing.T) {
		store := secrets.NewMemoryStore()
		withTx(t, store, func(r *Registry, keys *apikey.Service, storage repository.Storage) {
			r.EnsureServiceKeys(t.Context())
			before, err := store.Get(t.Context(), "NOSTR_API_KEY")
			require.NoError(t, err)

			require.True(t, r.RotateServiceKey(t.Context(), "nostr"))

			after, err := store.Get(t.Context(), "NOSTR_API_KEY")
			require.NoError(t, err)
			require.NotEqual(t, before, after)

			_, err = keys.ValidateApiKey(t.Context(), after)
			keys.Wait()
			require.NoError(t, err)
			_, err = keys.ValidateApiKey(t.Context(), before)
			keys.Wait()
			require.NoError(t, err, "old key is not revoked by forced rotation")
		})
	})

	t.Run("rotate unknown service", func(t *testing.T) {
		withTx(t, secrets.NewMemoryStore(), func(r *Registry, keys *apikey.Service, storage repository.Storage) {
			require.False(t, r.RotateServiceKey(t.Context(), "bank"))
		})
	})

	t.Run("secret store failures never escape", func(t *testing.T) {
		withTx(t, brokenStore{}, func(r *Registry, keys *apikey.Service, storage repository.Storage) {
			require.NotPanics(t, func() {
				require.Zero(t, r.EnsureServiceKeys(t.Context()))
				require.False(t, r.RotateServiceKey(t.Context(), "sms"))
			})
		})
	})
}

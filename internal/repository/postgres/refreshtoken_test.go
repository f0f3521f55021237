package postgres

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/authcore/internal/apperrors"
	"github.com/nkiryanov/authcore/internal/models"
	"github.com/nkiryanov/authcore/internal/testutil"
)

func mustParseTime(value string) time.Time {
	dt, err := time.Parse("2006-01-02 15:04:05Z07:00", value)
	if err != nil {
		panic(err)
	}
	return dt
}

func Test_RefreshTokenRepo(t *testing.T) {
	t.Parallel() // It's ok to run in parallel with other tests, but not with subtests

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)
	token := models.RefreshToken{
		TokenID:   uuid.New(),
		UserID:    uuid.New(),
		CreatedAt: mustParseTime("2024-01-01 19:00:01Z"),
		ExpiresAt: mustParseTime("2200-01-01 03:00:02Z"),
	}

	t.Run("save token ok", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			repo := RefreshTokenRepo{DB: tx}

			got, err := repo.Save(t.Context(), token)

			require.NoError(t, err)
			require.Equal(t, token.TokenID, got.TokenID)
			require.Equal(t, token.UserID, got.UserID)
			require.False(t, got.Revoked)
			require.WithinDuration(t, token.CreatedAt, got.CreatedAt, time.Microsecond)
			require.WithinDuration(t, token.ExpiresAt, got.ExpiresAt, time.Microsecond)
		})
	})

	t.Run("get token ok", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			repo := RefreshTokenRepo{DB: tx}
			_, err := repo.Save(t.Context(), token)
			require.NoError(t, err)

			got, err := repo.Get(t.Context(), token.TokenID)

			require.NoError(t, err)
			require.Equal(t, token.TokenID, got.TokenID)
			require.Equal(t, token.UserID, got.UserID)
			require.WithinDuration(t, token.ExpiresAt, got.ExpiresAt, 0)
		})
	})

	t.Run("get not existed token", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			repo := RefreshTokenRepo{DB: tx}

			_, err := repo.Get(t.Context(), uuid.New())

			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrRefreshTokenNotFound)
		})
	})

	t.Run("revoke token", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			repo := RefreshTokenRepo{DB: tx}
			_, err := repo.Save(t.Context(), token)
			require.NoError(t, err)

			got, err := repo.Revoke(t.Context(), token.TokenID)

			require.NoError(t, err, "No error must be happen when revoking existed token")
			require.True(t, got.Revoked, "token must be marked revoked")

			stored, err := repo.Get(t.Context(), token.TokenID)
			require.NoError(t, err)
			require.True(t, stored.Revoked, "revoked flag must be persisted")
		})
	})

	t.Run("revoke not existed token", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			repo := RefreshTokenRepo{DB: tx}

			_, err := repo.Revoke(t.Context(), uuid.New())

			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrRefreshTokenNotFound)
		})
	})

	t.Run("revoke twice fails second time", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			repo := RefreshTokenRepo{DB: tx}
			_, err := repo.Save(t.Context(), token)
			require.NoError(t, err)

			_, err = repo.Revoke(t.Context(), token.TokenID)
			require.NoError(t, err)

			got, err := repo.Revoke(t.Context(), token.TokenID)

			require.ErrorIs(t, err, apperrors.ErrRefreshTokenRevoked, "second revoke must report token already spent")
			require.True(t, got.Revoked)
		})
	})

	t.Run("revoke all for user", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			repo := RefreshTokenRepo{DB: tx}
			userID := uuid.New()
			for range 3 {
				_, err := repo.Save(t.Context(), models.RefreshToken{TokenID: uuid.New(), UserID: userID, ExpiresAt: token.ExpiresAt})
				require.NoError(t, err)
			}
			other, err := repo.Save(t.Context(), models.RefreshToken{TokenID: uuid.New(), UserID: uuid.New(), ExpiresAt: token.ExpiresAt})
			require.NoError(t, err)

			count, err := repo.RevokeAllForUser(t.Context(), userID)

			require.NoError(t, err)
			require.EqualValues(t, 3, count)

			again, err := repo.RevokeAllForUser(t.Context(), userID)
			require.NoError(t, err)
			require.Zero(t, again, "already revoked tokens must not be counted")

			got, err := repo.Get(t.Context(), other.TokenID)
			require.NoError(t, err)
			require.False(t, got.Revoked, "tokens of other users must stay untouched")
		})
	})

	t.Run("delete expired", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			repo := RefreshTokenRepo{DB: tx}
			expired, err := repo.Save(t.Context(), models.RefreshToken{TokenID: uuid.New(), UserID: uuid.New(), ExpiresAt: mustParseTime("2024-01-01 00:00:00Z")})
			require.NoError(t, err)
			alive, err := repo.Save(t.Context(), token)
			require.NoError(t, err)

			count, err := repo.DeleteExpired(t.Context(), mustParseTime("2025-01-01 00:00:00Z"))

			require.NoError(t, err)
			require.EqualValues(t, 1, count)

			_, err = repo.Get(t.Context(), expired.TokenID)
			require.ErrorIs(t, err, apperrors.ErrRefreshTokenNotFound)
			_, err = repo.Get(t.Context(), alive.TokenID)
			require.NoError(t, err)
		})
	})

	t.Run("concurrent revoke has single winner", func(t *testing.T) {
		// Pool is used here: tx is not safe for concurrent use
		repo := RefreshTokenRepo{DB: pg.Pool}
		saved, err := repo.Save(t.Context(), models.RefreshToken{TokenID: uuid.New(), UserID: uuid.New(), ExpiresAt: token.ExpiresAt})
		require.NoError(t, err)

		const workers = 10
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repo.Revoke(t.Context(), saved.TokenID)
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, apperrors.ErrRefreshTokenRevoked)
			}()
		}
		wg.Wait()

		require.Equal(t, 1, wins, "exactly one revoke must succeed")
	})
}

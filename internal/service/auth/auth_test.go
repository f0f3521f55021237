package auth

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/nkiryanov/authcore/internal/apperrors"
	"github.com/nkiryanov/authcore/internal/events"
	"github.com/nkiryanov/authcore/internal/logger"
	"github.com/nkiryanov/authcore/internal/models"
	"github.com/nkiryanov/authcore/internal/otp"
	"github.com/nkiryanov/authcore/internal/ratelimit"
	"github.com/nkiryanov/authcore/internal/repository/postgres"
	"github.com/nkiryanov/authcore/internal/service/token"
	"github.com/nkiryanov/authcore/internal/testutil"
)

// codes remembers last otp sent to every identifier
type codes struct {
	mu   sync.Mutex
	last map[string]string
	all  []events.Event
}

func (c *codes) Publish(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.Kind == events.OtpIssued {
		c.last[e.Attrs["identifier"]] = e.Attrs["code"]
	}
	c.all = append(c.all, e)
}

func (c *codes) code(identifier string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last[identifier]
}

func (c *codes) count(kind events.Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.all {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func randomPhone() string {
	return "+2547" + uuid.NewString()[:8]
}

func Test_Auth(t *testing.T) {
	t.Parallel()

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)
	rd := testutil.StartRedisContainer(t)
	t.Cleanup(rd.Terminate)

	// Begin new db transaction and create new AuthService
	// Rollback transaction when test stops
	withTx := func(t *testing.T, fn func(s *AuthService, published *codes)) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			storage := postgres.NewStorage(tx)
			published := &codes{last: map[string]string{}}

			tokens, err := token.New(token.Config{SecretKey: "auth-test-secret-auth-test-secret-32"}, storage, published, logger.NewNoOpLogger())
			require.NoError(t, err)

			s, err := NewAuthService(
				Config{Hasher: BcryptHasher{Cost: bcrypt.MinCost}},
				storage,
				tokens,
				ratelimit.New(rd.Client, ratelimit.Config{}),
				otp.New(rd.Client, published, otp.Config{}),
				published,
				logger.NewNoOpLogger(),
			)
			require.NoError(t, err)

			fn(s, published)
		})
	}

	t.Run("register verify login refresh revoke", func(t *testing.T) {
		withTx(t, func(s *AuthService, published *codes) {
			phone := randomPhone()

			registered, err := s.RegisterUser(t.Context(), RegisterRequest{Phone: phone, Pin: "123456"})
			require.NoError(t, err)
			require.False(t, registered.Authorized, "user must verify before getting tokens")
			require.Nil(t, registered.Tokens)
			require.False(t, registered.User.Verified)
			require.Equal(t, []models.Role{models.RoleMember}, registered.User.Roles)
			require.NotEmpty(t, published.code(phone), "otp must be sent on registration")

			_, err = s.VerifyUser(t.Context(), VerifyRequest{Phone: phone, Otp: "000000x"})
			require.ErrorIs(t, err, apperrors.ErrUnauthorized, "wrong code must be rejected")

			verified, err := s.VerifyUser(t.Context(), VerifyRequest{Phone: phone, Otp: published.code(phone)})
			require.NoError(t, err)
			require.True(t, verified.Authorized)
			require.True(t, verified.User.Verified)
			require.NotNil(t, verified.Tokens)

			login, err := s.LoginUser(t.Context(), LoginRequest{Phone: phone, Pin: "123456"})
			require.NoError(t, err)
			require.True(t, login.Authorized)
			require.NotNil(t, login.Tokens)

			authenticated, err := s.Authenticate(t.Context(), login.Tokens.Access.Value)
			require.NoError(t, err)
			require.True(t, authenticated.Authorized)
			require.Equal(t, registered.User.ID, authenticated.User.ID)

			refreshed, err := s.RefreshToken(t.Context(), login.Tokens.Refresh.Value)
			require.NoError(t, err)
			require.NotEqual(t, login.Tokens.Refresh.Value, refreshed.Refresh.Value)

			_, err = s.RefreshToken(t.Context(), login.Tokens.Refresh.Value)
			require.ErrorIs(t, err, apperrors.ErrUnauthorized, "old refresh token must be spent")

			require.True(t, s.RevokeToken(t.Context(), refreshed.Refresh.Value))

			_, err = s.RefreshToken(t.Context(), refreshed.Refresh.Value)
			require.ErrorIs(t, err, apperrors.ErrUnauthorized, "revoked refresh token must fail")
			_, err = s.RefreshToken(t.Context(), login.Tokens.Refresh.Value)
			require.ErrorIs(t, err, apperrors.ErrUnauthorized)
		})
	})

	t.Run("login of not verified user sends new code", func(t *testing.T) {
		withTx(t, func(s *AuthService, published *codes) {
			phone := randomPhone()
			_, err := s.RegisterUser(t.Context(), RegisterRequest{Phone: phone, Pin: "123456"})
			require.NoError(t, err)
			sent := published.count(events.OtpIssued)

			result, err := s.LoginUser(t.Context(), LoginRequest{Phone: phone, Pin: "123456"})

			require.NoError(t, err)
			require.False(t, result.Authorized)
			require.Nil(t, result.Tokens)
			require.Equal(t, sent+1, published.count(events.OtpIssued))
		})
	})

	t.Run("register with npub", func(t *testing.T) {
		withTx(t, func(s *AuthService, published *codes) {
			npub := "npub1" + uuid.NewString()

			_, err := s.RegisterUser(t.Context(), RegisterRequest{Npub: npub, Pin: "123456"})
			require.NoError(t, err)

			verified, err := s.VerifyUser(t.Context(), VerifyRequest{Npub: npub, Otp: published.code(npub)})
			require.NoError(t, err)
			require.True(t, verified.Authorized)

			login, err := s.LoginUser(t.Context(), LoginRequest{Npub: npub, Pin: "123456"})
			require.NoError(t, err)
			require.True(t, login.Authorized)
		})
	})

	t.Run("register errors", func(t *testing.T) {
		withTx(t, func(s *AuthService, published *codes) {
			_, err := s.RegisterUser(t.Context(), RegisterRequest{Pin: "123456"})
			require.ErrorIs(t, err, apperrors.ErrInvalidArgument)

			_, err = s.RegisterUser(t.Context(), RegisterRequest{Phone: randomPhone()})
			require.ErrorIs(t, err, apperrors.ErrInvalidArgument)

			phone := randomPhone()
			_, err = s.RegisterUser(t.Context(), RegisterRequest{Phone: phone, Pin: "123456"})
			require.NoError(t, err)
			_, err = s.RegisterUser(t.Context(), RegisterRequest{Phone: phone, Pin: "654321"})
			require.ErrorIs(t, err, apperrors.ErrUserAlreadyExists)
		})
	})

	t.Run("login failures are uniform", func(t *testing.T) {
		withTx(t, func(s *AuthService, published *codes) {
			phone := randomPhone()
			_, err := s.RegisterUser(t.Context(), RegisterRequest{Phone: phone, Pin: "123456"})
			require.NoError(t, err)

			_, errWrongPin := s.LoginUser(t.Context(), LoginRequest{Phone: phone, Pin: "000000"})
			_, errUnknown := s.LoginUser(t.Context(), LoginRequest{Phone: randomPhone(), Pin: "123456"})
			_, errEmpty := s.LoginUser(t.Context(), LoginRequest{Pin: "123456"})

			require.ErrorIs(t, errWrongPin, apperrors.ErrUnauthorized)
			require.ErrorIs(t, errUnknown, apperrors.ErrUnauthorized)
			require.ErrorIs(t, errEmpty, apperrors.ErrUnauthorized)
			require.Equal(t, errWrongPin.Error(), errUnknown.Error(), "caller must not learn whether user exists")
		})
	})

	t.Run("login rate limited", func(t *testing.T) {
		withTx(t, func(s *AuthService, published *codes) {
			phone := randomPhone()
			_, err := s.RegisterUser(t.Context(), RegisterRequest{Phone: phone, Pin: "123456"})
			require.NoError(t, err)
			_, err = s.VerifyUser(t.Context(), VerifyRequest{Phone: phone, Otp: published.code(phone)})
			require.NoError(t, err)

			for i := range 5 {
				_, err := s.LoginUser(t.Context(), LoginRequest{Phone: phone, Pin: "000000"})
				require.ErrorIs(t, err, apperrors.ErrUnauthorized, "attempt %d", i+1)
				var limited *apperrors.RateLimitError
				require.False(t, errors.As(err, &limited), "attempt %d must not be rate limited", i+1)
			}

			_, err = s.LoginUser(t.Context(), LoginRequest{Phone: phone, Pin: "123456"})

			var limited *apperrors.RateLimitError
			require.ErrorAs(t, err, &limited, "6th attempt must be rate limited even with right pin")
			require.ErrorIs(t, err, apperrors.ErrUnauthorized)
			require.Positive(t, limited.RetryAfterMinutes())
			require.Equal(t, 1, published.count(events.RateLimited))
		})
	})

	t.Run("successful login resets counter", func(t *testing.T) {
		withTx(t, func(s *AuthService, published *codes) {
			phone := randomPhone()
			_, err := s.RegisterUser(t.Context(), RegisterRequest{Phone: phone, Pin: "123456"})
			require.NoError(t, err)
			_, err = s.VerifyUser(t.Context(), VerifyRequest{Phone: phone, Otp: published.code(phone)})
			require.NoError(t, err)

			for range 4 {
				_, _ = s.LoginUser(t.Context(), LoginRequest{Phone: phone, Pin: "000000"})
			}
			_, err = s.LoginUser(t.Context(), LoginRequest{Phone: phone, Pin: "123456"})
			require.NoError(t, err)

			for i := range 5 {
				_, err := s.LoginUser(t.Context(), LoginRequest{Phone: phone, Pin: "000000"})
				var limited *apperrors.RateLimitError
				require.False(t, errors.As(err, &limited), "attempt %d after reset must not be rate limited", i+1)
			}
		})
	})

	t.Run("authenticate rejects bad token", func(t *testing.T) {
		withTx(t, func(s *AuthService, published *codes) {
			_, err := s.Authenticate(t.Context(), "not-a-token")
			require.ErrorIs(t, err, apperrors.ErrUnauthorized)
		})
	})

	t.Run("revoke all", func(t *testing.T) {
		withTx(t, func(s *AuthService, published *codes) {
			phone := randomPhone()
			registered, err := s.RegisterUser(t.Context(), RegisterRequest{Phone: phone, Pin: "123456"})
			require.NoError(t, err)
			verified, err := s.VerifyUser(t.Context(), VerifyRequest{Phone: phone, Otp: published.code(phone)})
			require.NoError(t, err)
			login, err := s.LoginUser(t.Context(), LoginRequest{Phone: phone, Pin: "123456"})
			require.NoError(t, err)

			require.True(t, s.RevokeAll(t.Context(), registered.User.ID))

			_, err = s.RefreshToken(t.Context(), verified.Tokens.Refresh.Value)
			require.ErrorIs(t, err, apperrors.ErrUnauthorized)
			_, err = s.RefreshToken(t.Context(), login.Tokens.Refresh.Value)
			require.ErrorIs(t, err, apperrors.ErrUnauthorized)
		})
	})
}

func TestNewAuthService(t *testing.T) {
	_, err := NewAuthService(Config{}, nil, nil, nil, nil, nil, logger.NewNoOpLogger())
	require.Error(t, err)
}

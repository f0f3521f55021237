package token

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nkiryanov/authcore/internal/apperrors"
	"github.com/nkiryanov/authcore/internal/events"
	"github.com/nkiryanov/authcore/internal/logger"
	"github.com/nkiryanov/authcore/internal/models"
	"github.com/nkiryanov/authcore/internal/repository"
)

const (
	defaultAccessTokenTTL  = time.Hour
	defaultRefreshTokenTTL = 7 * 24 * time.Hour
	defaultSigningMethod   = "HS256"
	defaultIssuer          = "authcore"
	defaultAudience        = "authcore"
	defaultStoreTimeout    = 5 * time.Second

	refreshAudienceSuffix = ":refresh"
)

type AccessTokenClaims struct {
	jwt.RegisteredClaims
	User models.TokenUser `json:"user"`
}

// Refresh token carries record id as jti
type RefreshTokenClaims struct {
	jwt.RegisteredClaims
	UserID uuid.UUID `json:"uid"`
}

// Token service with sensible defaults
type Config struct {
	// Secret key to sign tokens
	// Required to be set
	SecretKey string

	// JWT MAC (Message Authentication Code) algorithm
	// If not set than default is used
	Alg string

	// Token issuer and audience. Refresh tokens get audience with ':refresh' suffix
	Issuer   string
	Audience string

	// Access and refresh token lifetimes
	// If not set than default is used
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// Deadline for every store call
	StoreTimeout time.Duration

	// Clock, time.Now if not set
	Now func() time.Time
}

type Service struct {
	key []byte
	alg jwt.SigningMethod

	issuer          string
	audience        string
	refreshAudience string

	accessTTL    time.Duration
	refreshTTL   time.Duration
	storeTimeout time.Duration
	now          func() time.Time

	storage   repository.Storage
	publisher events.Publisher
	logger    logger.Logger
}

func New(cfg Config, storage repository.Storage, publisher events.Publisher, l logger.Logger) (*Service, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("secret key must not be empty")
	}

	if cfg.Alg == "" {
		cfg.Alg = defaultSigningMethod
	}
	alg := jwt.GetSigningMethod(cfg.Alg)
	if alg == nil {
		return nil, fmt.Errorf("unknown signing method %q", cfg.Alg)
	}

	setDefaultDuration := func(field *time.Duration, def time.Duration) {
		if *field == 0 {
			*field = def
		}
	}
	setDefaultDuration(&cfg.AccessTTL, defaultAccessTokenTTL)
	setDefaultDuration(&cfg.RefreshTTL, defaultRefreshTokenTTL)
	setDefaultDuration(&cfg.StoreTimeout, defaultStoreTimeout)

	if cfg.Issuer == "" {
		cfg.Issuer = defaultIssuer
	}
	if cfg.Audience == "" {
		cfg.Audience = defaultAudience
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if publisher == nil {
		publisher = events.Discard
	}

	return &Service{
		key:             []byte(cfg.SecretKey),
		alg:             alg,
		issuer:          cfg.Issuer,
		audience:        cfg.Audience,
		refreshAudience: cfg.Audience + refreshAudienceSuffix,
		accessTTL:       cfg.AccessTTL,
		refreshTTL:      cfg.RefreshTTL,
		storeTimeout:    cfg.StoreTimeout,
		now:             cfg.Now,
		storage:         storage,
		publisher:       publisher,
		logger:          l.WithGroup("token"),
	}, nil
}

// IssueTokenPair signs access token and persists new refresh record
func (s *Service) IssueTokenPair(ctx context.Context, user models.User) (models.TokenPair, error) {
	var pair models.TokenPair
	now := s.now().Truncate(time.Second)
	accessExpiresAt := now.Add(s.accessTTL)
	refreshExpiresAt := now.Add(s.refreshTTL)
	tokenID := uuid.New()

	access, err := jwt.NewWithClaims(s.alg, AccessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.issuer,
			Subject:   user.ID.String(),
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExpiresAt),
		},
		User: models.NewTokenUser(user),
	}).SignedString(s.key)
	if err != nil {
		return pair, fmt.Errorf("error while signing access token. Err: %w", err)
	}

	refresh, err := jwt.NewWithClaims(s.alg, RefreshTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID.String(),
			Issuer:    s.issuer,
			Subject:   user.ID.String(),
			Audience:  jwt.ClaimStrings{s.refreshAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(refreshExpiresAt),
		},
		UserID: user.ID,
	}).SignedString(s.key)
	if err != nil {
		return pair, fmt.Errorf("error while signing refresh token. Err: %w", err)
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	_, err = s.storage.Refresh().Save(storeCtx, models.RefreshToken{
		TokenID:   tokenID,
		UserID:    user.ID,
		ExpiresAt: refreshExpiresAt,
		CreatedAt: now,
	})
	if err != nil {
		return pair, unavailable("save refresh token", err)
	}

	s.publisher.Publish(events.New(events.TokenIssued, "user_id", user.ID.String()))

	return models.TokenPair{
		Access:  models.IssuedToken{Value: access, ExpiresAt: accessExpiresAt},
		Refresh: models.IssuedToken{Value: refresh, ExpiresAt: refreshExpiresAt},
	}, nil
}

// VerifyAccessToken checks signature, issuer, audience and expiry only
// It never touches the store
func (s *Service) VerifyAccessToken(access string) (models.AccessPayload, error) {
	claims := &AccessTokenClaims{}

	_, err := jwt.ParseWithClaims(access, claims, s.keyFunc,
		jwt.WithValidMethods([]string{s.alg.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return models.AccessPayload{}, fmt.Errorf("%w: %w", apperrors.ErrUnauthorized, err)
	}
	if claims.User.ID == uuid.Nil {
		return models.AccessPayload{}, apperrors.ErrUnauthorized
	}

	return models.AccessPayload{User: claims.User, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Refresh exchanges refresh token for a new pair, the presented token is spent
func (s *Service) Refresh(ctx context.Context, refresh string) (models.TokenPair, error) {
	var pair models.TokenPair

	claims, tokenID, err := s.parseRefresh(refresh, true)
	if err != nil {
		s.reject("bad token")
		return pair, err
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	// Missing token or user is just invalid credentials for the caller
	record, err := s.storage.Refresh().Get(storeCtx, tokenID)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		s.reject("not found")
		return pair, apperrors.ErrUnauthorized
	case err != nil:
		return pair, unavailable("get refresh token", err)
	}

	if record.UserID != claims.UserID {
		s.reject("user mismatch")
		return pair, apperrors.ErrUnauthorized
	}

	if record.Revoked {
		s.logger.Warn("Revoked refresh token presented, possible token theft",
			"user_id", record.UserID, "token_id", record.TokenID)
		s.publisher.Publish(events.New(events.TokenReplayDetected,
			"user_id", record.UserID.String(), "token_id", record.TokenID.String()))
		return pair, apperrors.ErrUnauthorized
	}

	if !record.ExpiresAt.After(s.now()) {
		s.reject("expired")
		return pair, apperrors.ErrUnauthorized
	}

	// Conditional revoke: of concurrent exchanges of the same token only one passes
	_, err = s.storage.Refresh().Revoke(storeCtx, tokenID)
	switch {
	case errors.Is(err, apperrors.ErrRefreshTokenRevoked), errors.Is(err, apperrors.ErrNotFound):
		s.reject("lost race")
		return pair, apperrors.ErrUnauthorized
	case err != nil:
		return pair, unavailable("revoke refresh token", err)
	}

	user, err := s.storage.User().GetUserByID(storeCtx, record.UserID)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		s.reject("user not found")
		return pair, apperrors.ErrUnauthorized
	case err != nil:
		return pair, unavailable("get user", err)
	}

	pair, err = s.IssueTokenPair(ctx, user)
	if err != nil {
		return pair, err
	}

	s.publisher.Publish(events.New(events.TokenRefreshed, "user_id", user.ID.String()))
	return pair, nil
}

// Revoke never fails: it reports whether the token is revoked now
// Expired token with valid signature is still revocable
func (s *Service) Revoke(ctx context.Context, refresh string) bool {
	_, tokenID, err := s.parseRefresh(refresh, false)
	if err != nil {
		return false
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	_, err = s.storage.Refresh().Revoke(storeCtx, tokenID)
	switch {
	case err == nil:
		s.publisher.Publish(events.New(events.TokenRevoked, "token_id", tokenID.String()))
		return true
	case errors.Is(err, apperrors.ErrRefreshTokenRevoked):
		return true
	case errors.Is(err, apperrors.ErrRefreshTokenNotFound):
		return false
	default:
		s.logger.Error("Failed to revoke refresh token", "token_id", tokenID, "error", err)
		return false
	}
}

// RevokeAllForUser revokes every active refresh token of the user
func (s *Service) RevokeAllForUser(ctx context.Context, userID uuid.UUID) bool {
	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	count, err := s.storage.Refresh().RevokeAllForUser(storeCtx, userID)
	if err != nil {
		s.logger.Error("Failed to revoke user refresh tokens", "user_id", userID, "error", err)
		return false
	}

	s.logger.Info("Revoked user refresh tokens", "user_id", userID, "count", count)
	s.publisher.Publish(events.New(events.TokenRevoked, "user_id", userID.String(), "count", fmt.Sprint(count)))
	return true
}

// CleanupExpired deletes expired refresh records, revoked or not
func (s *Service) CleanupExpired(ctx context.Context) error {
	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	count, err := s.storage.Refresh().DeleteExpired(storeCtx, s.now())
	if err != nil {
		return fmt.Errorf("cleanup expired refresh tokens: %w", err)
	}

	if count > 0 {
		s.logger.Info("Expired refresh tokens deleted", "count", count)
		s.publisher.Publish(events.New(events.TokensCleaned, "count", fmt.Sprint(count)))
	}
	return nil
}

func (s *Service) keyFunc(*jwt.Token) (any, error) {
	return s.key, nil
}

func (s *Service) parseRefresh(refresh string, validateExpiry bool) (*RefreshTokenClaims, uuid.UUID, error) {
	claims := &RefreshTokenClaims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{s.alg.Alg()}),
		jwt.WithTimeFunc(s.now),
	}
	if validateExpiry {
		opts = append(opts,
			jwt.WithIssuer(s.issuer),
			jwt.WithAudience(s.refreshAudience),
			jwt.WithExpirationRequired(),
		)
	} else {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	_, err := jwt.ParseWithClaims(refresh, claims, s.keyFunc, opts...)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("%w: %w", apperrors.ErrUnauthorized, err)
	}

	// Claims validation is skipped for revocation, issuer and audience still must match
	if !validateExpiry && (claims.Issuer != s.issuer || !slices.Contains(claims.Audience, s.refreshAudience)) {
		return nil, uuid.Nil, apperrors.ErrUnauthorized
	}

	tokenID, err := uuid.Parse(claims.ID)
	if err != nil || claims.UserID == uuid.Nil {
		return nil, uuid.Nil, apperrors.ErrUnauthorized
	}

	return claims, tokenID, nil
}

func (s *Service) reject(reason string) {
	s.logger.Debug("Refresh rejected", "reason", reason)
	s.publisher.Publish(events.New(events.TokenRefreshRejected, "reason", reason))
}

// Store failures and deadlines fail closed as retryable errors
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", apperrors.ErrServiceUnavailable, op, err)
}

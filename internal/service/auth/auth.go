package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/authcore/internal/apperrors"
	"github.com/nkiryanov/authcore/internal/events"
	"github.com/nkiryanov/authcore/internal/logger"
	"github.com/nkiryanov/authcore/internal/models"
	"github.com/nkiryanov/authcore/internal/ratelimit"
	"github.com/nkiryanov/authcore/internal/repository"
	"github.com/nkiryanov/authcore/internal/service/token"
)

const defaultStoreTimeout = 5 * time.Second

// Interface to create or compare user pin hashes
type PinHasher interface {
	// Generate hash from pin
	Hash(pin string) (string, error)

	// Compare known hashed pin and user provided one
	// Must be protected against timing attacks
	Compare(hashedPin string, pin string) error
}

// Shared attempt counter
type Limiter interface {
	Check(ctx context.Context, identifier string, action string) error
	Reset(ctx context.Context, identifier string, action string) error
}

// One time code delivery and check
type OtpProvider interface {
	Send(ctx context.Context, identifier string) error
	Verify(ctx context.Context, identifier string, code string) error
}

type Config struct {
	// Hasher to use during registration or login
	// Bcrypt is used if not set
	Hasher PinHasher

	// Deadline for user store calls
	StoreTimeout time.Duration
}

// Request to register new user, phone or npub is required
type RegisterRequest struct {
	Phone string
	Npub  string
	Pin   string
	Roles []models.Role
}

type LoginRequest struct {
	Phone string
	Npub  string
	Pin   string
}

type VerifyRequest struct {
	Phone string
	Npub  string
	Otp   string
}

// Auth service is the entry point for user credentials
// It composes rate limiter, user store, otp provider and token service
type AuthService struct {
	tokens  *token.Service
	limiter Limiter
	otp     OtpProvider
	hasher  PinHasher

	storage      repository.Storage
	storeTimeout time.Duration

	publisher events.Publisher
	logger    logger.Logger
}

func NewAuthService(
	cfg Config,
	storage repository.Storage,
	tokens *token.Service,
	limiter Limiter,
	otp OtpProvider,
	publisher events.Publisher,
	l logger.Logger,
) (*AuthService, error) {
	if storage == nil || tokens == nil || limiter == nil || otp == nil {
		return nil, errors.New("storage, token service, limiter and otp provider must not be nil")
	}

	hasher := cfg.Hasher
	if hasher == nil {
		hasher = BcryptHasher{}
	}
	if cfg.StoreTimeout == 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if publisher == nil {
		publisher = events.Discard
	}

	return &AuthService{
		tokens:       tokens,
		limiter:      limiter,
		otp:          otp,
		hasher:       hasher,
		storage:      storage,
		storeTimeout: cfg.StoreTimeout,
		publisher:    publisher,
		logger:       l.WithGroup("auth"),
	}, nil
}

// RegisterUser creates not verified user and sends code to verify it
// Result is never authorized: tokens are issued by VerifyUser
func (s *AuthService) RegisterUser(ctx context.Context, req RegisterRequest) (models.AuthResult, error) {
	if req.Phone == "" && req.Npub == "" {
		return models.AuthResult{}, fmt.Errorf("%w: phone or npub is required", apperrors.ErrInvalidArgument)
	}
	if req.Pin == "" {
		return models.AuthResult{}, fmt.Errorf("%w: pin is required", apperrors.ErrInvalidArgument)
	}

	hash, err := s.hasher.Hash(req.Pin)
	if err != nil {
		return models.AuthResult{}, fmt.Errorf("%w: can't use this as pin", apperrors.ErrInvalidArgument)
	}

	roles := req.Roles
	if len(roles) == 0 {
		roles = []models.Role{models.RoleMember}
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	user, err := s.storage.User().CreateUser(storeCtx, models.User{
		Phone:   req.Phone,
		Npub:    req.Npub,
		PinHash: hash,
		Roles:   roles,
	})
	switch {
	case errors.Is(err, apperrors.ErrUserAlreadyExists):
		s.result("register", "failure")
		return models.AuthResult{}, err
	case err != nil:
		return models.AuthResult{}, unavailable("create user", err)
	}

	if err := s.otp.Send(ctx, user.Identifier()); err != nil {
		return models.AuthResult{}, err
	}

	s.logger.Info("User registered", "user_id", user.ID)
	s.result("register", "pending")
	return models.AuthResult{Authorized: false, User: user}, nil
}

// VerifyUser checks one time code, marks user verified and issues tokens
func (s *AuthService) VerifyUser(ctx context.Context, req VerifyRequest) (models.AuthResult, error) {
	identifier := identifierOf(req.Phone, req.Npub)
	if err := s.check(ctx, identifier, ratelimit.ActionVerify); err != nil {
		return models.AuthResult{}, err
	}

	user, err := s.findUser(ctx, req.Phone, req.Npub)
	if err != nil {
		s.result("verify", "failure")
		return models.AuthResult{}, err
	}

	if err := s.otp.Verify(ctx, user.Identifier(), req.Otp); err != nil {
		s.result("verify", "failure")
		return models.AuthResult{}, err
	}

	if !user.Verified {
		storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
		defer cancel()

		user, err = s.storage.User().MarkVerified(storeCtx, user.ID)
		if err != nil {
			return models.AuthResult{}, unavailable("mark user verified", err)
		}
	}

	return s.authorize(ctx, "verify", identifier, ratelimit.ActionVerify, user)
}

// LoginUser checks pin. Not verified user gets a new code instead of tokens
func (s *AuthService) LoginUser(ctx context.Context, req LoginRequest) (models.AuthResult, error) {
	identifier := identifierOf(req.Phone, req.Npub)
	if err := s.check(ctx, identifier, ratelimit.ActionLogin); err != nil {
		return models.AuthResult{}, err
	}

	user, err := s.findUser(ctx, req.Phone, req.Npub)
	if err != nil {
		s.result("login", "failure")
		return models.AuthResult{}, err
	}

	if err := s.hasher.Compare(user.PinHash, req.Pin); err != nil {
		s.result("login", "failure")
		return models.AuthResult{}, apperrors.ErrUnauthorized
	}

	if !user.Verified {
		if err := s.otp.Send(ctx, user.Identifier()); err != nil {
			return models.AuthResult{}, err
		}
		s.result("login", "pending")
		return models.AuthResult{Authorized: false, User: user}, nil
	}

	return s.authorize(ctx, "login", identifier, ratelimit.ActionLogin, user)
}

// Authenticate resolves access token to the current user
// Tokens are not reissued, so result carries no pair
func (s *AuthService) Authenticate(ctx context.Context, access string) (models.AuthResult, error) {
	payload, err := s.tokens.VerifyAccessToken(access)
	if err != nil {
		return models.AuthResult{}, err
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	user, err := s.storage.User().GetUserByID(storeCtx, payload.User.ID)
	switch {
	case errors.Is(err, apperrors.ErrUserNotFound):
		return models.AuthResult{}, apperrors.ErrUnauthorized
	case err != nil:
		return models.AuthResult{}, unavailable("get user", err)
	}

	return models.AuthResult{Authorized: true, User: user}, nil
}

func (s *AuthService) RefreshToken(ctx context.Context, refresh string) (models.TokenPair, error) {
	pair, err := s.tokens.Refresh(ctx, refresh)
	if err != nil {
		s.result("refresh", "failure")
		return pair, err
	}
	s.result("refresh", "success")
	return pair, nil
}

func (s *AuthService) RevokeToken(ctx context.Context, refresh string) bool {
	return s.tokens.Revoke(ctx, refresh)
}

func (s *AuthService) RevokeAll(ctx context.Context, userID uuid.UUID) bool {
	return s.tokens.RevokeAllForUser(ctx, userID)
}

func (s *AuthService) authorize(ctx context.Context, operation string, identifier string, action string, user models.User) (models.AuthResult, error) {
	pair, err := s.tokens.IssueTokenPair(ctx, user)
	if err != nil {
		return models.AuthResult{}, err
	}

	// Counter reset failure must not fail the login itself
	if err := s.limiter.Reset(ctx, identifier, action); err != nil {
		s.logger.Warn("Failed to reset rate limit", "action", action, "error", err)
	}

	s.result(operation, "success")
	return models.AuthResult{Authorized: true, User: user, Tokens: &pair}, nil
}

func (s *AuthService) check(ctx context.Context, identifier string, action string) error {
	err := s.limiter.Check(ctx, identifier, action)

	var limited *apperrors.RateLimitError
	if errors.As(err, &limited) {
		s.logger.Warn("Rate limit exceeded", "action", action, "identifier", logger.RedactPhone(identifier))
		s.publisher.Publish(events.New(events.RateLimited, "action", action))
		s.result(action, "rate_limited")
	}
	return err
}

func (s *AuthService) findUser(ctx context.Context, phone string, npub string) (models.User, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	var (
		user models.User
		err  error
	)
	switch {
	case phone != "":
		user, err = s.storage.User().GetUserByPhone(storeCtx, phone)
	case npub != "":
		user, err = s.storage.User().GetUserByNpub(storeCtx, npub)
	default:
		return user, apperrors.ErrUnauthorized
	}

	switch {
	case errors.Is(err, apperrors.ErrUserNotFound):
		return user, apperrors.ErrUnauthorized
	case err != nil:
		return user, unavailable("get user", err)
	}
	return user, nil
}

func (s *AuthService) result(operation string, result string) {
	s.publisher.Publish(events.New(events.AuthResult, "operation", operation, "result", result))
}

func identifierOf(phone string, npub string) string {
	if phone != "" {
		return phone
	}
	return npub
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", apperrors.ErrServiceUnavailable, op, err)
}

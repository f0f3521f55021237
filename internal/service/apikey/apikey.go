package apikey

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/authcore/internal/apperrors"
	"github.com/nkiryanov/authcore/internal/events"
	"github.com/nkiryanov/authcore/internal/logger"
	"github.com/nkiryanov/authcore/internal/models"
	"github.com/nkiryanov/authcore/internal/repository"
)

const (
	// Prefix of every issued key
	Prefix = "bsk_"

	keyBytes  = 32
	keyLength = len(Prefix) + 2*keyBytes

	DefaultLifetimeDays = 90
	MaxLifetimeDays     = 365

	defaultStoreTimeout = 5 * time.Second
	touchTimeout        = 5 * time.Second
)

type Config struct {
	// Server side salt for key hashing
	// Required to be set
	Salt string

	// Deadline for every store call
	StoreTimeout time.Duration

	// Clock, time.Now if not set
	Now func() time.Time
}

type CreateRequest struct {
	Name          string
	OwnerID       string
	Scopes        []models.Scope
	ExpiresInDays int
	IsPermanent   bool
	Metadata      map[string]any
}

type Service struct {
	salt         []byte
	storeTimeout time.Duration
	now          func() time.Time

	// background last used updates
	pending *sync.WaitGroup

	storage   repository.Storage
	publisher events.Publisher
	logger    logger.Logger
}

func New(cfg Config, storage repository.Storage, publisher events.Publisher, l logger.Logger) (*Service, error) {
	if cfg.Salt == "" {
		return nil, errors.New("api key salt must not be empty")
	}
	if cfg.StoreTimeout == 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if publisher == nil {
		publisher = events.Discard
	}

	return &Service{
		salt:         []byte(cfg.Salt),
		storeTimeout: cfg.StoreTimeout,
		now:          cfg.Now,
		pending:      &sync.WaitGroup{},
		storage:      storage,
		publisher:    publisher,
		logger:       l.WithGroup("apikey"),
	}, nil
}

// WithStorage returns service bound to another storage, e.g. to a transaction
func (s *Service) WithStorage(storage repository.Storage) *Service {
	bound := *s
	bound.storage = storage
	return &bound
}

// CreateApiKey generates new key. Plaintext is returned once and never stored
func (s *Service) CreateApiKey(ctx context.Context, req CreateRequest) (models.IssuedApiKey, error) {
	var issued models.IssuedApiKey

	if err := validateRequest(req); err != nil {
		return issued, err
	}

	plaintext, err := generateKey()
	if err != nil {
		return issued, fmt.Errorf("error while generating api key. Err: %w", err)
	}

	now := s.now()
	metadata := make(map[string]any, len(req.Metadata))
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	key, err := s.storage.ApiKey().Save(storeCtx, models.ApiKey{
		KeyHash:     s.Hash(plaintext),
		Name:        req.Name,
		OwnerID:     req.OwnerID,
		Scopes:      req.Scopes,
		ExpiresAt:   now.Add(time.Duration(lifetimeDays(req)) * 24 * time.Hour),
		IsPermanent: req.IsPermanent,
		Metadata:    metadata,
		CreatedAt:   now,
	})
	if err != nil {
		return issued, unavailable("save api key", err)
	}

	s.logger.Info("API key created", "key_id", key.ID, "name", key.Name, "owner_id", key.OwnerID, "expires_at", key.ExpiresAt)
	s.publisher.Publish(events.New(events.ApiKeyCreated, "key_id", key.ID.String(), "owner_id", key.OwnerID))

	return models.IssuedApiKey{
		ID:        key.ID,
		Key:       plaintext,
		Scopes:    key.Scopes,
		ExpiresAt: key.ExpiresAt,
	}, nil
}

// ValidateApiKey returns the record if the key may be used right now
// Malformed keys are rejected without store access
func (s *Service) ValidateApiKey(ctx context.Context, plaintext string) (models.ApiKey, error) {
	if !WellFormed(plaintext) {
		s.publisher.Publish(events.New(events.ApiKeyRejected, "reason", "malformed"))
		return models.ApiKey{}, apperrors.ErrUnauthorized
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	key, err := s.storage.ApiKey().GetByHash(storeCtx, s.Hash(plaintext))
	switch {
	case errors.Is(err, apperrors.ErrApiKeyNotFound):
		s.publisher.Publish(events.New(events.ApiKeyRejected, "reason", "unknown"))
		return models.ApiKey{}, apperrors.ErrUnauthorized
	case err != nil:
		return models.ApiKey{}, unavailable("get api key", err)
	}

	now := s.now()
	if !key.Usable(now) {
		s.logger.Debug("Unusable API key presented", "key_id", key.ID, "revoked", key.Revoked)
		s.publisher.Publish(events.New(events.ApiKeyRejected, "reason", "inactive", "key_id", key.ID.String()))
		return models.ApiKey{}, apperrors.ErrUnauthorized
	}

	s.touch(ctx, key.ID, now)
	s.publisher.Publish(events.New(events.ApiKeyValidated, "key_id", key.ID.String()))
	return key, nil
}

// RevokeKey revokes key of the owner. Foreign or unknown key is unauthorized
func (s *Service) RevokeKey(ctx context.Context, ownerID string, keyID uuid.UUID) error {
	if _, err := s.owned(ctx, ownerID, keyID); err != nil {
		return err
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	if _, err := s.storage.ApiKey().Revoke(storeCtx, keyID); err != nil {
		return unavailable("revoke api key", err)
	}

	s.logger.Info("API key revoked", "key_id", keyID, "owner_id", ownerID)
	s.publisher.Publish(events.New(events.ApiKeyRevoked, "key_id", keyID.String(), "owner_id", ownerID))
	return nil
}

// ListUserKeys returns every key of the owner, revoked included
func (s *Service) ListUserKeys(ctx context.Context, ownerID string) ([]models.ApiKey, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	keys, err := s.storage.ApiKey().ListByOwner(storeCtx, ownerID)
	if err != nil {
		return nil, unavailable("list api keys", err)
	}
	return keys, nil
}

// UpdateScopes replaces scopes of the owner's key
func (s *Service) UpdateScopes(ctx context.Context, ownerID string, keyID uuid.UUID, scopes []models.Scope) (models.ApiKey, error) {
	if err := validateScopes(scopes); err != nil {
		return models.ApiKey{}, err
	}

	key, err := s.owned(ctx, ownerID, keyID)
	if err != nil {
		return key, err
	}
	if key.Revoked {
		return key, apperrors.ErrUnauthorized
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	updated, err := s.storage.ApiKey().UpdateScopes(storeCtx, keyID, scopes)
	if err != nil {
		return updated, unavailable("update api key scopes", err)
	}

	s.logger.Info("API key scopes updated", "key_id", keyID, "scopes", scopes)
	return updated, nil
}

// Hash of the plaintext key as stored
func (s *Service) Hash(plaintext string) string {
	mac := hmac.New(sha256.New, s.salt)
	mac.Write([]byte(plaintext))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Service) owned(ctx context.Context, ownerID string, keyID uuid.UUID) (models.ApiKey, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	key, err := s.storage.ApiKey().GetByID(storeCtx, keyID)
	switch {
	case errors.Is(err, apperrors.ErrApiKeyNotFound):
		return key, apperrors.ErrUnauthorized
	case err != nil:
		return key, unavailable("get api key", err)
	case key.OwnerID != ownerID:
		return models.ApiKey{}, apperrors.ErrUnauthorized
	}
	return key, nil
}

// touch updates last used time off the request path, failure is only logged
func (s *Service) touch(ctx context.Context, keyID uuid.UUID, at time.Time) {
	ctx = context.WithoutCancel(ctx)

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()

		ctx, cancel := context.WithTimeout(ctx, touchTimeout)
		defer cancel()

		if err := s.storage.ApiKey().TouchLastUsed(ctx, keyID, at); err != nil {
			s.logger.Warn("Failed to update API key last used time", "key_id", keyID, "error", err)
		}
	}()
}

// Wait blocks until pending last used updates are done
func (s *Service) Wait() {
	s.pending.Wait()
}

// CheckScope reports whether key grants the scope:
// admin:access grants everything, generic read/write grant every x:read/x:write
func CheckScope(key models.ApiKey, required models.Scope) bool {
	for _, granted := range key.Scopes {
		switch {
		case granted == models.ScopeAdminAccess, granted == required:
			return true
		case granted == models.ScopeRead && strings.HasSuffix(string(required), ":read"):
			return true
		case granted == models.ScopeWrite && strings.HasSuffix(string(required), ":write"):
			return true
		}
	}
	return false
}

// WellFormed checks key shape: prefix and 64 lowercase hex chars
func WellFormed(plaintext string) bool {
	if len(plaintext) != keyLength || !strings.HasPrefix(plaintext, Prefix) {
		return false
	}
	for _, c := range plaintext[len(Prefix):] {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func generateKey() (string, error) {
	b := make([]byte, keyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return Prefix + hex.EncodeToString(b), nil
}

func lifetimeDays(req CreateRequest) int {
	days := req.ExpiresInDays
	if days <= 0 {
		days = DefaultLifetimeDays
	}
	if !req.IsPermanent && days > MaxLifetimeDays {
		days = MaxLifetimeDays
	}
	return days
}

func validateRequest(req CreateRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return fmt.Errorf("%w: name is required", apperrors.ErrInvalidArgument)
	}
	if req.OwnerID == "" {
		return fmt.Errorf("%w: owner is required", apperrors.ErrInvalidArgument)
	}
	return validateScopes(req.Scopes)
}

func validateScopes(scopes []models.Scope) error {
	if len(scopes) == 0 {
		return fmt.Errorf("%w: at least one scope is required", apperrors.ErrInvalidArgument)
	}
	for _, scope := range scopes {
		if !scope.Valid() {
			return fmt.Errorf("%w: unknown scope %q", apperrors.ErrInvalidArgument, scope)
		}
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", apperrors.ErrServiceUnavailable, op, err)
}

package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/authcore/internal/models"
)

// User repository interface
// Reference implementation of the user profile collaborator
type UserRepo interface {
	// Create user
	// If user with the same phone or npub exists has to return apperrors.ErrUserAlreadyExists
	CreateUser(ctx context.Context, user models.User) (models.User, error)

	// Get user by id, phone or npub
	// If user not found must return apperrors.ErrUserNotFound
	GetUserByID(ctx context.Context, userID uuid.UUID) (models.User, error)
	GetUserByPhone(ctx context.Context, phone string) (models.User, error)
	GetUserByNpub(ctx context.Context, npub string) (models.User, error)

	// Mark user verified and return updated user
	MarkVerified(ctx context.Context, userID uuid.UUID) (models.User, error)
}

// RefreshToken repository interface
type RefreshTokenRepo interface {
	// Save new token record
	Save(ctx context.Context, token models.RefreshToken) (models.RefreshToken, error)

	// Return the token even it is expired or revoked
	// If token not exists must return apperrors.ErrRefreshTokenNotFound
	Get(ctx context.Context, tokenID uuid.UUID) (models.RefreshToken, error)

	// Revoke token if it is not revoked yet. This is the only way to spend a token
	// Must be a single conditional write: of concurrent callers exactly one succeeds,
	// others get apperrors.ErrRefreshTokenRevoked
	Revoke(ctx context.Context, tokenID uuid.UUID) (models.RefreshToken, error)

	// Revoke every active token of the user, returns count of revoked tokens
	RevokeAllForUser(ctx context.Context, userID uuid.UUID) (int64, error)

	// Delete tokens expired before the given time
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// ApiKey repository interface
// Keys are never deleted, revoked flag is the end of their life
type ApiKeyRepo interface {
	// Save new key
	// If key hash is taken must return apperrors.ErrApiKeyHashTaken
	Save(ctx context.Context, key models.ApiKey) (models.ApiKey, error)

	// Get key by id or hash
	// If not found must return apperrors.ErrApiKeyNotFound
	GetByID(ctx context.Context, keyID uuid.UUID) (models.ApiKey, error)
	GetByHash(ctx context.Context, keyHash string) (models.ApiKey, error)

	// List all keys of the owner ordered by creation time, revoked included
	ListByOwner(ctx context.Context, ownerID string) ([]models.ApiKey, error)

	// List not revoked keys which expire in the (from, until] interval
	ListExpiring(ctx context.Context, from time.Time, until time.Time) ([]models.ApiKey, error)

	// List not revoked and not scheduled for revocation keys of the owner created before the time
	// Keys already expired at now are skipped
	ListAged(ctx context.Context, ownerID string, createdBefore time.Time, now time.Time) ([]models.ApiKey, error)

	// Update last used time. Must never move it backwards
	TouchLastUsed(ctx context.Context, keyID uuid.UUID, at time.Time) error

	// Replace key scopes
	UpdateScopes(ctx context.Context, keyID uuid.UUID, scopes []models.Scope) (models.ApiKey, error)

	// Mark key revoked. Idempotent
	Revoke(ctx context.Context, keyID uuid.UUID) (models.ApiKey, error)

	// Schedule revocation at the given time
	// Must fail with apperrors.ErrApiKeyNotSchedulable if key is revoked or already scheduled
	ScheduleRevocation(ctx context.Context, keyID uuid.UUID, at time.Time) (models.ApiKey, error)

	// Mark revoked all keys with scheduled revocation time not after now
	RevokeDue(ctx context.Context, now time.Time) (int64, error)
}

// Storage groups repositories that share one backend
type Storage interface {
	User() UserRepo
	Refresh() RefreshTokenRepo
	ApiKey() ApiKeyRepo

	// Run fn in transaction: commit if fn returns nil, rollback otherwise
	InTx(ctx context.Context, fn func(Storage) error) error
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nkiryanov/authcore/internal/apperrors"
	"github.com/nkiryanov/authcore/internal/models"
)

type ApiKeyRepo struct {
	DB DBTX
}

const apiKeyColumns = `id, key_hash, name, owner_id, scopes, expires_at, revoked, revoke_at, last_used, is_permanent, metadata, created_at, updated_at`

const saveApiKey = `-- name: SaveApiKey
INSERT INTO api_keys (id, key_hash, name, owner_id, scopes, expires_at, revoked, revoke_at, last_used, is_permanent, metadata, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
RETURNING ` + apiKeyColumns

func (r *ApiKeyRepo) Save(ctx context.Context, key models.ApiKey) (models.ApiKey, error) {
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now()
	}
	if key.Metadata == nil {
		key.Metadata = map[string]any{}
	}

	rows, _ := r.DB.Query(ctx, saveApiKey,
		key.ID,
		key.KeyHash,
		key.Name,
		key.OwnerID,
		toStrings(key.Scopes),
		key.ExpiresAt,
		key.Revoked,
		key.RevokeAt,
		key.LastUsed,
		key.IsPermanent,
		key.Metadata,
		key.CreatedAt,
	)
	saved, err := pgx.CollectOneRow(rows, rowToApiKey)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return saved, apperrors.ErrApiKeyHashTaken
		}
		return saved, fmt.Errorf("db error: %w", err)
	}

	return saved, nil
}

const getApiKeyByID = `-- name: GetApiKeyByID
SELECT ` + apiKeyColumns + ` FROM api_keys
WHERE id = $1
`

func (r *ApiKeyRepo) GetByID(ctx context.Context, keyID uuid.UUID) (models.ApiKey, error) {
	return r.getOne(ctx, getApiKeyByID, keyID)
}

const getApiKeyByHash = `-- name: GetApiKeyByHash
SELECT ` + apiKeyColumns + ` FROM api_keys
WHERE key_hash = $1
`

func (r *ApiKeyRepo) GetByHash(ctx context.Context, keyHash string) (models.ApiKey, error) {
	return r.getOne(ctx, getApiKeyByHash, keyHash)
}

const listApiKeysByOwner = `-- name: ListApiKeysByOwner
SELECT ` + apiKeyColumns + ` FROM api_keys
WHERE owner_id = $1
ORDER BY created_at, id
`

func (r *ApiKeyRepo) ListByOwner(ctx context.Context, ownerID string) ([]models.ApiKey, error) {
	return r.list(ctx, listApiKeysByOwner, ownerID)
}

const listExpiringApiKeys = `-- name: ListExpiringApiKeys
SELECT ` + apiKeyColumns + ` FROM api_keys
WHERE revoked = FALSE AND expires_at > $1 AND expires_at <= $2
ORDER BY expires_at
`

func (r *ApiKeyRepo) ListExpiring(ctx context.Context, from time.Time, until time.Time) ([]models.ApiKey, error) {
	return r.list(ctx, listExpiringApiKeys, from, until)
}

const listAgedApiKeys = `-- name: ListAgedApiKeys
SELECT ` + apiKeyColumns + ` FROM api_keys
WHERE owner_id = $1 AND revoked = FALSE AND revoke_at IS NULL AND created_at < $2 AND expires_at > $3
ORDER BY created_at
`

func (r *ApiKeyRepo) ListAged(ctx context.Context, ownerID string, createdBefore time.Time, now time.Time) ([]models.ApiKey, error) {
	return r.list(ctx, listAgedApiKeys, ownerID, createdBefore, now)
}

const touchApiKey = `-- name: TouchApiKeyLastUsed
UPDATE api_keys
SET last_used = GREATEST(COALESCE(last_used, $2), $2)
WHERE id = $1
`

func (r *ApiKeyRepo) TouchLastUsed(ctx context.Context, keyID uuid.UUID, at time.Time) error {
	tag, err := r.DB.Exec(ctx, touchApiKey, keyID, at)
	switch {
	case err != nil:
		return fmt.Errorf("db error: %w", err)
	case tag.RowsAffected() == 0:
		return fmt.Errorf("repo error: %w", apperrors.ErrApiKeyNotFound)
	default:
		return nil
	}
}

const updateApiKeyScopes = `-- name: UpdateApiKeyScopes
UPDATE api_keys
SET scopes = $2, updated_at = now()
WHERE id = $1
RETURNING ` + apiKeyColumns

func (r *ApiKeyRepo) UpdateScopes(ctx context.Context, keyID uuid.UUID, scopes []models.Scope) (models.ApiKey, error) {
	return r.getOne(ctx, updateApiKeyScopes, keyID, toStrings(scopes))
}

const revokeApiKey = `-- name: RevokeApiKey
UPDATE api_keys
SET revoked = TRUE, updated_at = CASE WHEN revoked THEN updated_at ELSE now() END
WHERE id = $1
RETURNING ` + apiKeyColumns

func (r *ApiKeyRepo) Revoke(ctx context.Context, keyID uuid.UUID) (models.ApiKey, error) {
	return r.getOne(ctx, revokeApiKey, keyID)
}

const scheduleApiKeyRevocation = `-- name: ScheduleApiKeyRevocation
UPDATE api_keys
SET revoke_at = $2, updated_at = now()
WHERE id = $1 AND revoked = FALSE AND revoke_at IS NULL
RETURNING ` + apiKeyColumns

func (r *ApiKeyRepo) ScheduleRevocation(ctx context.Context, keyID uuid.UUID, at time.Time) (models.ApiKey, error) {
	key, err := r.getOne(ctx, scheduleApiKeyRevocation, keyID, at)
	if errors.Is(err, apperrors.ErrApiKeyNotFound) {
		// Distinguish missing key from one in a wrong state
		if _, getErr := r.GetByID(ctx, keyID); getErr != nil {
			return key, getErr
		}
		return key, fmt.Errorf("repo error: %w", apperrors.ErrApiKeyNotSchedulable)
	}
	return key, err
}

const revokeDueApiKeys = `-- name: RevokeDueApiKeys
UPDATE api_keys
SET revoked = TRUE, updated_at = now()
WHERE revoked = FALSE AND revoke_at IS NOT NULL AND revoke_at <= $1
`

func (r *ApiKeyRepo) RevokeDue(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.DB.Exec(ctx, revokeDueApiKeys, now)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *ApiKeyRepo) getOne(ctx context.Context, query string, args ...any) (models.ApiKey, error) {
	rows, _ := r.DB.Query(ctx, query, args...)
	key, err := pgx.CollectOneRow(rows, rowToApiKey)

	switch {
	case err == nil:
		return key, nil
	case errors.Is(err, pgx.ErrNoRows):
		return key, fmt.Errorf("repo error: %w", apperrors.ErrApiKeyNotFound)
	default:
		return key, fmt.Errorf("db error: %w", err)
	}
}

func (r *ApiKeyRepo) list(ctx context.Context, query string, args ...any) ([]models.ApiKey, error) {
	rows, _ := r.DB.Query(ctx, query, args...)
	keys, err := pgx.CollectRows(rows, rowToApiKey)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return keys, nil
}

func rowToApiKey(row pgx.CollectableRow) (models.ApiKey, error) {
	var (
		k      models.ApiKey
		scopes []string
	)
	err := row.Scan(
		&k.ID,
		&k.KeyHash,
		&k.Name,
		&k.OwnerID,
		&scopes,
		&k.ExpiresAt,
		&k.Revoked,
		&k.RevokeAt,
		&k.LastUsed,
		&k.IsPermanent,
		&k.Metadata,
		&k.CreatedAt,
		&k.UpdatedAt,
	)
	k.Scopes = fromStrings[models.Scope](scopes)
	return k, err
}

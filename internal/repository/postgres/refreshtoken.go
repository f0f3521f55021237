package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nkiryanov/authcore/internal/apperrors"
	"github.com/nkiryanov/authcore/internal/models"
)

type RefreshTokenRepo struct {
	DB DBTX
}

const refreshColumns = `token_id, user_id, expires_at, revoked, created_at, updated_at`

const saveToken = `-- name: SaveRefreshToken
INSERT INTO refresh_tokens (token_id, user_id, expires_at, revoked, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5)
RETURNING ` + refreshColumns

func (r *RefreshTokenRepo) Save(ctx context.Context, token models.RefreshToken) (models.RefreshToken, error) {
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now()
	}

	rows, _ := r.DB.Query(ctx, saveToken, token.TokenID, token.UserID, token.ExpiresAt, token.Revoked, token.CreatedAt)
	saved, err := pgx.CollectOneRow(rows, rowToRefreshToken)
	if err != nil {
		return saved, fmt.Errorf("db error: %w", err)
	}
	return saved, nil
}

const getToken = `-- name: GetRefreshToken
SELECT ` + refreshColumns + `
FROM refresh_tokens
WHERE token_id = $1
`

// Get token
// It should return result even it expired or revoked already
func (r *RefreshTokenRepo) Get(ctx context.Context, tokenID uuid.UUID) (models.RefreshToken, error) {
	rows, _ := r.DB.Query(ctx, getToken, tokenID)
	token, err := pgx.CollectOneRow(rows, rowToRefreshToken)

	switch {
	case err == nil:
		return token, nil
	case errors.Is(err, pgx.ErrNoRows):
		return token, fmt.Errorf("repo error: %w", apperrors.ErrRefreshTokenNotFound)
	default:
		return token, fmt.Errorf("db error: %w", err)
	}
}

const revokeToken = `-- name: RevokeRefreshToken if it not revoked
UPDATE refresh_tokens
SET revoked = TRUE, updated_at = now()
WHERE token_id = $1 AND revoked = FALSE
RETURNING ` + refreshColumns

// Revoke token
// Conditional update is the atomicity boundary of refresh rotation:
// when nothing updated the token either not exists or was spent by someone else
func (r *RefreshTokenRepo) Revoke(ctx context.Context, tokenID uuid.UUID) (models.RefreshToken, error) {
	rows, _ := r.DB.Query(ctx, revokeToken, tokenID)
	token, err := pgx.CollectOneRow(rows, rowToRefreshToken)

	switch {
	case err == nil:
		return token, nil
	case errors.Is(err, pgx.ErrNoRows):
		// Tell 'not found' from 'revoked' for the caller logs; both mean the same for clients
		existing, getErr := r.Get(ctx, tokenID)
		if getErr != nil {
			return existing, getErr
		}
		return existing, fmt.Errorf("repo error: %w", apperrors.ErrRefreshTokenRevoked)
	default:
		return token, fmt.Errorf("db error: %w", err)
	}
}

const revokeAllForUser = `-- name: RevokeAllRefreshTokensForUser
UPDATE refresh_tokens
SET revoked = TRUE, updated_at = now()
WHERE user_id = $1 AND revoked = FALSE
`

func (r *RefreshTokenRepo) RevokeAllForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	tag, err := r.DB.Exec(ctx, revokeAllForUser, userID)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return tag.RowsAffected(), nil
}

const deleteExpired = `-- name: DeleteExpiredRefreshTokens
DELETE FROM refresh_tokens
WHERE expires_at < $1
`

func (r *RefreshTokenRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.DB.Exec(ctx, deleteExpired, before)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return tag.RowsAffected(), nil
}

func rowToRefreshToken(row pgx.CollectableRow) (models.RefreshToken, error) {
	var t models.RefreshToken
	err := row.Scan(&t.TokenID, &t.UserID, &t.ExpiresAt, &t.Revoked, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nkiryanov/authcore/internal/apperrors"
	"github.com/nkiryanov/authcore/internal/models"
)

type UserRepo struct {
	DB DBTX
}

const userColumns = `id, phone, npub, pin_hash, verified, roles, created_at, updated_at`

const createUser = `-- name: CreateUser
INSERT INTO users (id, phone, npub, pin_hash, verified, roles, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now(), now())
RETURNING ` + userColumns

func (r *UserRepo) CreateUser(ctx context.Context, user models.User) (models.User, error) {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}

	rows, _ := r.DB.Query(ctx, createUser,
		user.ID,
		nullString(user.Phone),
		nullString(user.Npub),
		user.PinHash,
		user.Verified,
		toStrings(user.Roles),
	)
	created, err := pgx.CollectOneRow(rows, rowToUser)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return created, apperrors.ErrUserAlreadyExists
		}

		return created, fmt.Errorf("db error: %w", err)
	}

	return created, nil
}

const getUserByID = `-- name: GetUserByID
SELECT ` + userColumns + ` FROM users
WHERE id = $1
`

func (r *UserRepo) GetUserByID(ctx context.Context, userID uuid.UUID) (models.User, error) {
	return r.getOne(ctx, getUserByID, userID)
}

const getUserByPhone = `-- name: GetUserByPhone
SELECT ` + userColumns + ` FROM users
WHERE phone = $1
`

func (r *UserRepo) GetUserByPhone(ctx context.Context, phone string) (models.User, error) {
	return r.getOne(ctx, getUserByPhone, phone)
}

const getUserByNpub = `-- name: GetUserByNpub
SELECT ` + userColumns + ` FROM users
WHERE npub = $1
`

func (r *UserRepo) GetUserByNpub(ctx context.Context, npub string) (models.User, error) {
	return r.getOne(ctx, getUserByNpub, npub)
}

const markUserVerified = `-- name: MarkUserVerified
UPDATE users
SET verified = TRUE, updated_at = now()
WHERE id = $1
RETURNING ` + userColumns

func (r *UserRepo) MarkVerified(ctx context.Context, userID uuid.UUID) (models.User, error) {
	return r.getOne(ctx, markUserVerified, userID)
}

func (r *UserRepo) getOne(ctx context.Context, query string, args ...any) (models.User, error) {
	rows, _ := r.DB.Query(ctx, query, args...)
	user, err := pgx.CollectOneRow(rows, rowToUser)

	switch {
	case err == nil:
		return user, nil
	case errors.Is(err, pgx.ErrNoRows):
		return user, apperrors.ErrUserNotFound
	default:
		return user, fmt.Errorf("db error: %w", err)
	}
}

func rowToUser(row pgx.CollectableRow) (models.User, error) {
	var (
		u           models.User
		phone, npub *string
		roles       []string
	)
	err := row.Scan(&u.ID, &phone, &npub, &u.PinHash, &u.Verified, &roles, &u.CreatedAt, &u.UpdatedAt)
	u.Phone = fromNullString(phone)
	u.Npub = fromNullString(npub)
	u.Roles = fromStrings[models.Role](roles)
	return u, err
}

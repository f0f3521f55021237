package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/nkiryanov/authcore/internal/repository"
)

// Storage binds every repository to the same pool or transaction
type Storage struct {
	db DBTX
}

func NewStorage(db DBTX) repository.Storage {
	return &Storage{db: db}
}

func (s *Storage) User() repository.UserRepo { return &UserRepo{DB: s.db} }
func (s *Storage) Refresh() repository.RefreshTokenRepo { return &RefreshTokenRepo{DB: s.db} }
func (s *Storage) ApiKey() repository.ApiKeyRepo { return &ApiKeyRepo{DB: s.db} }

// InTx runs fn in transaction: commit when fn returns nil, rollback otherwise (panics included).
// When storage is already bound to a transaction the nested call becomes a savepoint,
// so a failed inner step does not abort the outer one
func (s *Storage) InTx(ctx context.Context, fn func(repository.Storage) error) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		return fn(NewStorage(tx))
	})
}

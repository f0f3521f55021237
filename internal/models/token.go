package models

import (
	"time"

	"github.com/google/uuid"
)

// RefreshToken record persisted for every issued refresh token
// A record that is not revoked and not expired is exactly one valid exchange
type RefreshToken struct {
	TokenID   uuid.UUID
	UserID    uuid.UUID
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type IssuedToken struct {
	Value     string
	ExpiresAt time.Time
}

// Token pair issued by token service on login, verify and refresh
type TokenPair struct {
	Access  IssuedToken
	Refresh IssuedToken
}

// User data embedded into the access token
type TokenUser struct {
	ID    uuid.UUID `json:"id"`
	Roles []Role    `json:"roles"`
	Phone string    `json:"phone,omitempty"`
	Npub  string    `json:"npub,omitempty"`
}

// AccessPayload is what a verified access token tells about its bearer
// It is never persisted: validity depends on signature and expiry only
type AccessPayload struct {
	User      TokenUser
	ExpiresAt time.Time
}

func NewTokenUser(u User) TokenUser {
	return TokenUser{ID: u.ID, Roles: u.Roles, Phone: u.Phone, Npub: u.Npub}
}

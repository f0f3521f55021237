package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleMember     Role = "member"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super-admin"
)

// User profile as seen by the credential layer
// Either Phone or Npub identifies the user, both may be set
type User struct {
	ID        uuid.UUID
	Phone     string
	Npub      string
	PinHash   string
	Verified  bool
	Roles     []Role
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (u User) HasRole(role Role) bool {
	return slices.Contains(u.Roles, role)
}

// Identifier used to rate limit and to address the user in OTP flows
func (u User) Identifier() string {
	if u.Phone != "" {
		return u.Phone
	}
	return u.Npub
}

package handlers

import (
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/authcore/internal/models"
)

type userResponse struct {
	ID       uuid.UUID     `json:"id"`
	Phone    string        `json:"phone,omitempty"`
	Npub     string        `json:"npub,omitempty"`
	Verified bool          `json:"verified"`
	Roles    []models.Role `json:"roles"`
}

func newUserResponse(u models.User) userResponse {
	return userResponse{ID: u.ID, Phone: u.Phone, Npub: u.Npub, Verified: u.Verified, Roles: u.Roles}
}

// authResponse tells explicitly whether caller is authorized
// Tokens are present only for authorized results issued by login, verify or refresh
type authResponse struct {
	Authorized       bool          `json:"authorized"`
	User             *userResponse `json:"user,omitempty"`
	AccessToken      string        `json:"accessToken,omitempty"`
	AccessExpiresAt  *time.Time    `json:"accessExpiresAt,omitempty"`
	RefreshToken     string        `json:"refreshToken,omitempty"`
	RefreshExpiresAt *time.Time    `json:"refreshExpiresAt,omitempty"`
}

func newAuthResponse(result models.AuthResult) authResponse {
	user := newUserResponse(result.User)
	resp := authResponse{Authorized: result.Authorized, User: &user}
	if result.Tokens != nil {
		resp = withTokens(resp, *result.Tokens)
	}
	return resp
}

func withTokens(resp authResponse, pair models.TokenPair) authResponse {
	resp.AccessToken = pair.Access.Value
	resp.AccessExpiresAt = &pair.Access.ExpiresAt
	resp.RefreshToken = pair.Refresh.Value
	resp.RefreshExpiresAt = &pair.Refresh.ExpiresAt
	return resp
}

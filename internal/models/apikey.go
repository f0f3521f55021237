package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

type Scope string

// Generic scopes; 'read' satisfies any 'x:read', 'write' any 'x:write'
const (
	ScopeRead        Scope = "read"
	ScopeWrite       Scope = "write"
	ScopeAdminAccess Scope = "admin:access"
)

const (
	ScopeUserRead         Scope = "user:read"
	ScopeUserWrite        Scope = "user:write"
	ScopeTokenIssue       Scope = "token:issue"
	ScopeSmsSend          Scope = "sms:send"
	ScopeNostrSend        Scope = "nostr:send"
	ScopeSharesRead       Scope = "shares:read"
	ScopeSharesWrite      Scope = "shares:write"
	ScopeSolowalletRead   Scope = "solowallet:read"
	ScopeSolowalletWrite  Scope = "solowallet:write"
	ScopeChamaRead        Scope = "chama:read"
	ScopeChamaWrite       Scope = "chama:write"
	ScopeNotificationSend Scope = "notification:send"
	ScopeSwapRead         Scope = "swap:read"
	ScopeSwapWrite        Scope = "swap:write"
	ScopeApiKeyManage     Scope = "apikey:manage"
	ScopeServiceInternal  Scope = "service:internal"
)

var knownScopes = []Scope{
	ScopeRead, ScopeWrite, ScopeAdminAccess,
	ScopeUserRead, ScopeUserWrite, ScopeTokenIssue,
	ScopeSmsSend, ScopeNostrSend,
	ScopeSharesRead, ScopeSharesWrite,
	ScopeSolowalletRead, ScopeSolowalletWrite,
	ScopeChamaRead, ScopeChamaWrite,
	ScopeNotificationSend,
	ScopeSwapRead, ScopeSwapWrite,
	ScopeApiKeyManage, ScopeServiceInternal,
}

func (s Scope) Valid() bool {
	return slices.Contains(knownScopes, s)
}

// Owner id of keys provisioned for internal services
const SystemOwner = "system"

// Metadata keys understood by rotation and registry
const (
	MetaService       = "service"
	MetaSecretRef     = "secretRef"
	MetaPreviousKeyID = "previousKeyId"
	MetaRotatedAt     = "rotatedAt"
)

// ApiKey record, the plaintext key is never stored
type ApiKey struct {
	ID          uuid.UUID
	KeyHash     string
	Name        string
	OwnerID     string
	Scopes      []Scope
	ExpiresAt   time.Time
	Revoked     bool
	RevokeAt    *time.Time // scheduled revocation, nil if not scheduled
	LastUsed    *time.Time
	IsPermanent bool
	Metadata    map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Usable reports whether the key may authenticate a request at the moment
func (k ApiKey) Usable(now time.Time) bool {
	if k.Revoked || !k.ExpiresAt.After(now) {
		return false
	}
	return k.RevokeAt == nil || k.RevokeAt.After(now)
}

// MetaString returns metadata value if it is a string
func (k ApiKey) MetaString(key string) string {
	v, _ := k.Metadata[key].(string)
	return v
}

// IssuedApiKey is returned once on key creation: the only place plaintext exists
type IssuedApiKey struct {
	ID        uuid.UUID
	Key       string
	Scopes    []Scope
	ExpiresAt time.Time
}

// ServiceDefinition describes internal service that must hold a long-lived key
type ServiceDefinition struct {
	Name           string
	RequiredScopes []Scope
	SecretRef      string
}

// AuthResult of orchestrator entry points
// Authorized is false while user still has to pass verification; Tokens are nil then
type AuthResult struct {
	Authorized bool
	User       User
	Tokens     *TokenPair
}

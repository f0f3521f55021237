package handlers

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/authcore/internal/handlers/render"
	"github.com/nkiryanov/authcore/internal/handlers/userctx"
	"github.com/nkiryanov/authcore/internal/logger"
	"github.com/nkiryanov/authcore/internal/models"
	"github.com/nkiryanov/authcore/internal/service/apikey"
)

type keyService interface {
	CreateApiKey(ctx context.Context, req apikey.CreateRequest) (models.IssuedApiKey, error)
	ListUserKeys(ctx context.Context, ownerID string) ([]models.ApiKey, error)

	// Foreign key has to be apperrors.ErrUnauthorized
	RevokeKey(ctx context.Context, ownerID string, keyID uuid.UUID) error
	UpdateScopes(ctx context.Context, ownerID string, keyID uuid.UUID, scopes []models.Scope) (models.ApiKey, error)
}

type keyResponse struct {
	ID          uuid.UUID      `json:"id"`
	Name        string         `json:"name"`
	Scopes      []models.Scope `json:"scopes"`
	ExpiresAt   time.Time      `json:"expiresAt"`
	Revoked     bool           `json:"revoked"`
	RevokeAt    *time.Time     `json:"revokeAt,omitempty"`
	LastUsed    *time.Time     `json:"lastUsed,omitempty"`
	IsPermanent bool           `json:"isPermanent"`
	CreatedAt   time.Time      `json:"createdAt"`
}

func newKeyResponse(k models.ApiKey) keyResponse {
	return keyResponse{
		ID:          k.ID,
		Name:        k.Name,
		Scopes:      k.Scopes,
		ExpiresAt:   k.ExpiresAt,
		Revoked:     k.Revoked,
		RevokeAt:    k.RevokeAt,
		LastUsed:    k.LastUsed,
		IsPermanent: k.IsPermanent,
		CreatedAt:   k.CreatedAt,
	}
}

// KeysHandler lets authenticated user manage own api keys
type KeysHandler struct {
	keys   keyService
	logger logger.Logger
}

func NewKeys(keys keyService, l logger.Logger) *KeysHandler {
	return &KeysHandler{keys: keys, logger: l}
}

// Handler serves full /api/keys paths and expects authenticated user in request context
func (h *KeysHandler) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/keys", h.list)
	mux.HandleFunc("POST /api/keys", h.create)
	mux.HandleFunc("DELETE /api/keys/{id}", h.revoke)
	mux.HandleFunc("PATCH /api/keys/{id}/scopes", h.updateScopes)

	return mux
}

func (h *KeysHandler) list(w http.ResponseWriter, r *http.Request) {
	user, _ := userctx.FromContext(r.Context())

	keys, err := h.keys.ListUserKeys(r.Context(), user.ID.String())
	if err != nil {
		writeError(w, err, h.logger)
		return
	}

	resp := make([]keyResponse, 0, len(keys))
	for _, k := range keys {
		resp = append(resp, newKeyResponse(k))
	}
	render.JSON(w, resp)
}

func (h *KeysHandler) create(w http.ResponseWriter, r *http.Request) {
	type CreateRequest struct {
		Name          string         `json:"name" validate:"required,max=100"`
		Scopes        []models.Scope `json:"scopes" validate:"required,min=1,dive,scope"`
		ExpiresInDays int            `json:"expiresInDays" validate:"omitempty,min=1,max=3650"`
		IsPermanent   bool           `json:"isPermanent"`
	}
	type CreateResponse struct {
		ID        uuid.UUID      `json:"id"`
		Key       string         `json:"key"`
		Scopes    []models.Scope `json:"scopes"`
		ExpiresAt time.Time      `json:"expiresAt"`
	}

	user, _ := userctx.FromContext(r.Context())

	data, err := render.BindAndValidate[CreateRequest](w, r)
	if err != nil {
		return
	}

	privileged := data.IsPermanent || slices.Contains(data.Scopes, models.ScopeAdminAccess)
	if privileged && !isAdmin(user) {
		render.ServiceError(w, "Forbidden", http.StatusForbidden)
		return
	}

	issued, err := h.keys.CreateApiKey(r.Context(), apikey.CreateRequest{
		Name:          data.Name,
		OwnerID:       user.ID.String(),
		Scopes:        data.Scopes,
		ExpiresInDays: data.ExpiresInDays,
		IsPermanent:   data.IsPermanent,
	})
	if err != nil {
		writeError(w, err, h.logger)
		return
	}

	render.Created(w, CreateResponse{ID: issued.ID, Key: issued.Key, Scopes: issued.Scopes, ExpiresAt: issued.ExpiresAt})
}

func (h *KeysHandler) revoke(w http.ResponseWriter, r *http.Request) {
	type RevokeResponse struct {
		Revoked bool `json:"revoked"`
	}

	user, _ := userctx.FromContext(r.Context())

	keyID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		render.ServiceError(w, "Invalid key id", http.StatusBadRequest)
		return
	}

	if err := h.keys.RevokeKey(r.Context(), user.ID.String(), keyID); err != nil {
		writeError(w, err, h.logger)
		return
	}

	render.JSON(w, RevokeResponse{Revoked: true})
}

func (h *KeysHandler) updateScopes(w http.ResponseWriter, r *http.Request) {
	type UpdateScopesRequest struct {
		Scopes []models.Scope `json:"scopes" validate:"required,min=1,dive,scope"`
	}

	user, _ := userctx.FromContext(r.Context())

	keyID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		render.ServiceError(w, "Invalid key id", http.StatusBadRequest)
		return
	}

	data, err := render.BindAndValidate[UpdateScopesRequest](w, r)
	if err != nil {
		return
	}

	if slices.Contains(data.Scopes, models.ScopeAdminAccess) && !isAdmin(user) {
		render.ServiceError(w, "Forbidden", http.StatusForbidden)
		return
	}

	key, err := h.keys.UpdateScopes(r.Context(), user.ID.String(), keyID, data.Scopes)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}

	render.JSON(w, newKeyResponse(key))
}

func isAdmin(u models.User) bool {
	return u.HasRole(models.RoleAdmin) || u.HasRole(models.RoleSuperAdmin)
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/nkiryanov/authcore/internal/handlers/middleware"
	"github.com/nkiryanov/authcore/internal/handlers/render"
	"github.com/nkiryanov/authcore/internal/handlers/userctx"
	"github.com/nkiryanov/authcore/internal/logger"
	"github.com/nkiryanov/authcore/internal/models"
	"github.com/nkiryanov/authcore/internal/service/auth"
)

type authService interface {
	// Has to return apperrors.ErrUserAlreadyExists if user already exists
	RegisterUser(ctx context.Context, req auth.RegisterRequest) (models.AuthResult, error)
	VerifyUser(ctx context.Context, req auth.VerifyRequest) (models.AuthResult, error)
	LoginUser(ctx context.Context, req auth.LoginRequest) (models.AuthResult, error)
	Authenticate(ctx context.Context, access string) (models.AuthResult, error)

	// Any failure has to be apperrors.ErrUnauthorized or apperrors.ErrServiceUnavailable
	RefreshToken(ctx context.Context, refresh string) (models.TokenPair, error)

	RevokeToken(ctx context.Context, refresh string) bool
	RevokeAll(ctx context.Context, userID uuid.UUID) bool
}

type AuthHandler struct {
	auth    authService
	cookies CookieConfig
	logger  logger.Logger
}

func NewAuth(auth authService, cookies CookieConfig, l logger.Logger) *AuthHandler {
	return &AuthHandler{auth: auth, cookies: cookies, logger: l}
}

func (h *AuthHandler) Handler() http.Handler {
	withAuth := middleware.AuthMiddleware(h.auth)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", h.register)
	mux.HandleFunc("POST /verify", h.verify)
	mux.HandleFunc("POST /login", h.login)
	mux.HandleFunc("POST /authenticate", h.authenticate)
	mux.HandleFunc("POST /refresh", h.refresh)
	mux.HandleFunc("POST /revoke", h.revoke)
	mux.Handle("POST /revoke-all", withAuth(http.HandlerFunc(h.revokeAll)))

	return mux
}

func (h *AuthHandler) register(w http.ResponseWriter, r *http.Request) {
	type RegisterRequest struct {
		Phone string `json:"phone" validate:"required_without=Npub,omitempty,e164"`
		Npub  string `json:"npub" validate:"omitempty,npub"`
		Pin   string `json:"pin" validate:"required,numeric,min=4,max=12"`
	}

	data, err := render.BindAndValidate[RegisterRequest](w, r)
	if err != nil {
		return
	}

	result, err := h.auth.RegisterUser(r.Context(), auth.RegisterRequest{Phone: data.Phone, Npub: data.Npub, Pin: data.Pin})
	if err != nil {
		writeError(w, err, h.logger)
		return
	}

	render.Created(w, newAuthResponse(result))
}

func (h *AuthHandler) verify(w http.ResponseWriter, r *http.Request) {
	type VerifyRequest struct {
		Phone string `json:"phone" validate:"required_without=Npub,omitempty,e164"`
		Npub  string `json:"npub" validate:"omitempty,npub"`
		Otp   string `json:"otp" validate:"required,numeric"`
	}

	data, err := render.BindAndValidate[VerifyRequest](w, r)
	if err != nil {
		return
	}

	result, err := h.auth.VerifyUser(r.Context(), auth.VerifyRequest{Phone: data.Phone, Npub: data.Npub, Otp: data.Otp})
	if err != nil {
		writeError(w, err, h.logger)
		return
	}

	h.respond(w, result)
}

func (h *AuthHandler) login(w http.ResponseWriter, r *http.Request) {
	type LoginRequest struct {
		Phone string `json:"phone" validate:"required_without=Npub,omitempty,e164"`
		Npub  string `json:"npub" validate:"omitempty,npub"`
		Pin   string `json:"pin" validate:"required"`
	}

	data, err := render.BindAndValidate[LoginRequest](w, r)
	if err != nil {
		return
	}

	result, err := h.auth.LoginUser(r.Context(), auth.LoginRequest{Phone: data.Phone, Npub: data.Npub, Pin: data.Pin})
	if err != nil {
		writeError(w, err, h.logger)
		return
	}

	h.respond(w, result)
}

func (h *AuthHandler) authenticate(w http.ResponseWriter, r *http.Request) {
	type AuthenticateRequest struct {
		AccessToken string `json:"accessToken"`
	}

	var data AuthenticateRequest
	if err := decodeOptional(r, &data); err != nil {
		render.DecodeError(w, err)
		return
	}

	access := data.AccessToken
	if access == "" {
		access = middleware.AccessToken(r)
	}

	result, err := h.auth.Authenticate(r.Context(), access)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}

	render.JSON(w, newAuthResponse(result))
}

func (h *AuthHandler) refresh(w http.ResponseWriter, r *http.Request) {
	type RefreshRequest struct {
		RefreshToken string `json:"refreshToken"`
	}

	var data RefreshRequest
	if err := decodeOptional(r, &data); err != nil {
		render.DecodeError(w, err)
		return
	}

	refresh := refreshToken(r, data.RefreshToken)
	if refresh == "" {
		render.ServiceError(w, "Refresh token not found", http.StatusUnauthorized)
		return
	}

	pair, err := h.auth.RefreshToken(r.Context(), refresh)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}

	h.cookies.setTokens(w, pair)
	render.JSON(w, withTokens(authResponse{Authorized: true}, pair))
}

func (h *AuthHandler) revoke(w http.ResponseWriter, r *http.Request) {
	type RevokeRequest struct {
		RefreshToken string `json:"refreshToken"`
	}
	type RevokeResponse struct {
		Revoked bool `json:"revoked"`
	}

	var data RevokeRequest
	if err := decodeOptional(r, &data); err != nil {
		render.DecodeError(w, err)
		return
	}

	// Client side logout must never be blocked, so cookies are cleared in any case
	revoked := false
	if refresh := refreshToken(r, data.RefreshToken); refresh != "" {
		revoked = h.auth.RevokeToken(r.Context(), refresh)
	}

	h.cookies.clearTokens(w)
	render.JSON(w, RevokeResponse{Revoked: revoked})
}

func (h *AuthHandler) revokeAll(w http.ResponseWriter, r *http.Request) {
	type RevokeResponse struct {
		Revoked bool `json:"revoked"`
	}

	user, _ := userctx.FromContext(r.Context())
	revoked := h.auth.RevokeAll(r.Context(), user.ID)

	h.cookies.clearTokens(w)
	render.JSON(w, RevokeResponse{Revoked: revoked})
}

// respond sets cookies only when tokens were issued
func (h *AuthHandler) respond(w http.ResponseWriter, result models.AuthResult) {
	if result.Authorized && result.Tokens != nil {
		h.cookies.setTokens(w, *result.Tokens)
	}
	render.JSON(w, newAuthResponse(result))
}

// decodeOptional decodes json body if request has one
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

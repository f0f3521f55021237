package handlers

import (
	"context"
	"net/http"

	"github.com/nkiryanov/authcore/internal/handlers/render"
	"github.com/nkiryanov/authcore/internal/logger"
	"github.com/nkiryanov/authcore/internal/models"
)

type serviceRegistry interface {
	Services() []models.ServiceDefinition
	EnsureServiceKeys(ctx context.Context) int
	RotateServiceKey(ctx context.Context, name string) bool
}

// AdminHandler exposes registry operations to operators
// Routes are expected to be guarded by api key with admin access
type AdminHandler struct {
	registry serviceRegistry
	logger   logger.Logger
}

func NewAdmin(registry serviceRegistry, l logger.Logger) *AdminHandler {
	return &AdminHandler{registry: registry, logger: l}
}

func (h *AdminHandler) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /services", h.services)
	mux.HandleFunc("POST /services/ensure", h.ensure)
	mux.HandleFunc("POST /services/{name}/rotate", h.rotate)

	return mux
}

func (h *AdminHandler) services(w http.ResponseWriter, r *http.Request) {
	type ServiceResponse struct {
		Name      string         `json:"name"`
		Scopes    []models.Scope `json:"scopes"`
		SecretRef string         `json:"secretRef"`
	}

	services := h.registry.Services()
	resp := make([]ServiceResponse, 0, len(services))
	for _, s := range services {
		resp = append(resp, ServiceResponse{Name: s.Name, Scopes: s.RequiredScopes, SecretRef: s.SecretRef})
	}
	render.JSON(w, resp)
}

func (h *AdminHandler) ensure(w http.ResponseWriter, r *http.Request) {
	type EnsureResponse struct {
		Provisioned int `json:"provisioned"`
	}

	render.JSON(w, EnsureResponse{Provisioned: h.registry.EnsureServiceKeys(r.Context())})
}

func (h *AdminHandler) rotate(w http.ResponseWriter, r *http.Request) {
	type RotateResponse struct {
		Rotated bool `json:"rotated"`
	}

	name := r.PathValue("name")
	known := false
	for _, s := range h.registry.Services() {
		if s.Name == name {
			known = true
			break
		}
	}
	if !known {
		render.ServiceError(w, "Unknown service", http.StatusNotFound)
		return
	}

	if !h.registry.RotateServiceKey(r.Context(), name) {
		render.ServiceError(w, "Service key rotation failed", http.StatusServiceUnavailable)
		return
	}

	h.logger.Info("Service key rotated on demand", "service", name)
	render.JSON(w, RotateResponse{Rotated: true})
}

package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/nkiryanov/authcore/internal/apperrors"
	"github.com/nkiryanov/authcore/internal/handlers/render"
	"github.com/nkiryanov/authcore/internal/logger"
)

// writeError maps service errors to responses
// Messages stay generic, callers must not learn why credentials were rejected
func writeError(w http.ResponseWriter, err error, l logger.Logger) {
	var limited *apperrors.RateLimitError

	switch {
	case errors.As(err, &limited):
		minutes := limited.RetryAfterMinutes()
		w.Header().Set("Retry-After", strconv.Itoa(minutes*60))
		render.ServiceError(w, fmt.Sprintf("Too many attempts, try again in %d minutes", minutes), http.StatusTooManyRequests)
	case errors.Is(err, apperrors.ErrUnauthorized):
		render.ServiceError(w, "Invalid credentials", http.StatusUnauthorized)
	case errors.Is(err, apperrors.ErrUserAlreadyExists):
		render.ServiceError(w, "User already exists", http.StatusConflict)
	case errors.Is(err, apperrors.ErrInvalidArgument):
		render.ServiceError(w, "Invalid request", http.StatusBadRequest)
	case errors.Is(err, apperrors.ErrServiceUnavailable):
		l.Warn("Dependency unavailable", "error", err)
		render.ServiceError(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
	default:
		l.Error("Request failed", "error", err)
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
	}
}

package apperrors

import (
	"errors"
	"fmt"
	"time"
)

// Errors surfaced to callers of the credential layer.
// Transport maps them to status codes; messages are intentionally generic.
var (
	ErrUnauthorized       = errors.New("invalid credentials")
	ErrNotFound           = errors.New("not found")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrInvalidArgument    = errors.New("invalid argument")
)

// Repository level errors.
// Services must translate them before returning to external callers.
// Every *NotFound is an ErrNotFound
var (
	ErrUserAlreadyExists = errors.New("user already exists")
	ErrUserNotFound      = fmt.Errorf("user %w", ErrNotFound)

	ErrRefreshTokenNotFound = fmt.Errorf("refresh token %w", ErrNotFound)
	ErrRefreshTokenRevoked  = errors.New("refresh token is revoked")

	ErrApiKeyNotFound       = fmt.Errorf("api key %w", ErrNotFound)
	ErrApiKeyHashTaken      = errors.New("api key hash already exists")
	ErrApiKeyNotSchedulable = errors.New("api key is revoked or already scheduled for revocation")
)

// RateLimitError returned when caller exceeded allowed attempts in the window.
// It is an ErrUnauthorized for every errors.Is check.
type RateLimitError struct {
	Action     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many attempts, try again in %d minutes", e.RetryAfterMinutes())
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrUnauthorized
}

// RetryAfterMinutes rounds the remaining window up to whole minutes, never less than 1
func (e *RateLimitError) RetryAfterMinutes() int {
	minutes := int((e.RetryAfter + time.Minute - 1) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}

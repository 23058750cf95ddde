package domain

import (
	"errors"
	"fmt"
)

// Authentication failures are returned to clients verbatim.
var (
	ErrMissingAuthHeader  = errors.New("Missing Authorization header")
	ErrInvalidAuthHeader  = errors.New("Invalid Authorization header format")
	ErrInvalidAPIKey      = errors.New("Invalid API key")
	ErrInvalidToken       = errors.New("Invalid token")
	ErrInvalidCredentials = errors.New("Invalid credentials")
)

var (
	ErrModelNotFound      = errors.New("model not found")
	ErrModelAccessDenied  = errors.New("model access denied")
	ErrInsufficientRole   = errors.New("insufficient permissions")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrUpstream           = errors.New("upstream error")
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrAPIKeyNotFound     = errors.New("api key not found")
	ErrUserNotFound       = errors.New("user not found")
	ErrRoleNotFound       = errors.New("role not found")
	ErrEmailExists        = errors.New("email already registered")
)

type AuthenticationError struct {
	Reason error
}

func (e *AuthenticationError) Error() string { return e.Reason.Error() }
func (e *AuthenticationError) Unwrap() error { return e.Reason }

// AuthorizationError is a valid credential denied access to Resource.
type AuthorizationError struct {
	Resource string
	Reason   error
}

func (e *AuthorizationError) Error() string {
	if errors.Is(e.Reason, ErrModelAccessDenied) {
		return "Access denied to model: " + e.Resource
	}
	return "Insufficient permissions"
}

func (e *AuthorizationError) Unwrap() error { return e.Reason }

type ResolutionError struct {
	Model string
}

func (e *ResolutionError) Error() string { return fmt.Sprintf("Model '%s' not found", e.Model) }
func (e *ResolutionError) Unwrap() error { return ErrModelNotFound }

// UpstreamError wraps a failed outbound call. StatusCode is zero for transport failures.
type UpstreamError struct {
	Backend    string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	return "Failed to proxy request: " + e.Err.Error()
}

func (e *UpstreamError) Unwrap() []error { return []error{ErrUpstream, e.Err} }

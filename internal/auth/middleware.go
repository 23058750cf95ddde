package auth

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/felipepmaragno/llmmux/internal/domain"
	"github.com/felipepmaragno/llmmux/internal/metrics"
	"github.com/felipepmaragno/llmmux/internal/ratelimit"
)

const maxInspectBody = 16 << 20

// ErrorWriter renders an authentication, authorization or rate-limit failure.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

type MiddlewareConfig struct {
	APIKeys     APIKeyValidator
	Sessions    *Sessions
	RateLimiter ratelimit.RateLimiter
	OnError     ErrorWriter
}

type Middleware struct {
	apiKeys  APIKeyValidator
	sessions *Sessions
	limiter  ratelimit.RateLimiter
	onError  ErrorWriter
}

func NewMiddleware(cfg MiddlewareConfig) *Middleware {
	onError := cfg.OnError
	if onError == nil {
		onError = func(w http.ResponseWriter, r *http.Request, err error) {
			http.Error(w, err.Error(), http.StatusUnauthorized)
		}
	}
	return &Middleware{
		apiKeys:  cfg.APIKeys,
		sessions: cfg.Sessions,
		limiter:  cfg.RateLimiter,
		onError:  onError,
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrMissingAuthHeader):
		return "missing_header"
	case errors.Is(err, domain.ErrInvalidAuthHeader):
		return "invalid_format"
	case errors.Is(err, domain.ErrInvalidAPIKey):
		return "invalid_key"
	case errors.Is(err, domain.ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, domain.ErrModelAccessDenied):
		return "model_denied"
	case errors.Is(err, domain.ErrInsufficientRole):
		return "insufficient_role"
	default:
		return "error"
	}
}

func (m *Middleware) reject(w http.ResponseWriter, r *http.Request, err error) {
	metrics.RecordAuthFailure(failureReason(err))
	m.onError(w, r, err)
}

// RequireAPIKey authenticates the bearer API key, checks access to the model
// named by the body or path, and applies the key's rate limits.
func (m *Middleware) RequireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := ExtractBearer(r.Header.Get("Authorization"))
		if err != nil {
			slog.Warn("api key rejected", "reason", err)
			m.reject(w, r, err)
			return
		}
		if token == "" {
			m.reject(w, r, invalidAPIKey())
			return
		}

		cred, err := m.apiKeys.ValidateAPIKey(r.Context(), token)
		if err != nil {
			var authErr *domain.AuthenticationError
			if errors.As(err, &authErr) {
				slog.Warn("invalid api key attempted", "key", maskToken(token))
			} else {
				slog.Error("api key validation failed", "error", err)
			}
			m.reject(w, r, err)
			return
		}

		body, err := peekBody(r)
		if err != nil {
			m.onError(w, r, domain.ErrInvalidRequest)
			return
		}
		if err := CheckModelField(body); err != nil {
			slog.Warn("ambiguous model field rejected", "api_key_id", cred.ID)
			m.onError(w, r, err)
			return
		}

		if model := ExtractModel(body, r.URL.Path); model != "" && !CredentialHasModelAccess(cred, model) {
			slog.Warn("model access denied", "api_key_id", cred.ID, "model", model)
			m.reject(w, r, &domain.AuthorizationError{Resource: model, Reason: domain.ErrModelAccessDenied})
			return
		}

		if !m.allow(w, r, cred) {
			return
		}

		next.ServeHTTP(w, r.WithContext(WithCredential(r.Context(), cred)))
	})
}

// allow applies per-minute then per-day limits. Keys without limits pass.
func (m *Middleware) allow(w http.ResponseWriter, r *http.Request, cred *domain.Credential) bool {
	if m.limiter == nil || cred.APIKey == nil {
		return true
	}

	limits := []struct {
		limit  int
		window time.Duration
		header string
	}{
		{cred.APIKey.RateLimitRPM, ratelimit.Minute, "X-RateLimit"},
		{cred.APIKey.RateLimitRPD, ratelimit.Day, "X-RateLimit-Day"},
	}

	for _, l := range limits {
		if l.limit <= 0 {
			continue
		}

		allowed, remaining, resetAt, err := m.limiter.Allow(r.Context(), cred.ID, l.limit, l.window)
		if err != nil {
			slog.Error("rate limiter error", "api_key_id", cred.ID, "error", err)
			m.onError(w, r, err)
			return false
		}

		w.Header().Set(l.header+"-Limit", strconv.Itoa(l.limit))
		w.Header().Set(l.header+"-Remaining", strconv.Itoa(remaining))
		w.Header().Set(l.header+"-Reset", resetAt.Format(time.RFC3339))

		if !allowed {
			slog.Warn("rate limit exceeded", "api_key_id", cred.ID, "window", l.window.String())
			metrics.RecordRateLimitHit(cred.ID)
			m.onError(w, r, domain.ErrRateLimitExceeded)
			return false
		}
	}
	return true
}

// RequireSession authenticates a bearer session token.
func (m *Middleware) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := ExtractBearer(r.Header.Get("Authorization"))
		if err != nil {
			m.reject(w, r, err)
			return
		}

		cred, err := m.sessions.ValidateSession(r.Context(), token)
		if err != nil {
			m.reject(w, r, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithCredential(r.Context(), cred)))
	})
}

// RequireRoute enforces RouteRoles for route. It must run after RequireSession.
func (m *Middleware) RequireRoute(route Route) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred, _ := CredentialFromContext(r.Context())
			if err := Authorize(route, cred); err != nil {
				if cred != nil {
					slog.Warn("insufficient role", "user_id", cred.ID, "roles", cred.Roles, "route", route)
				}
				m.reject(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// peekBody reads the body and puts an identical reader back.
func peekBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInspectBody))
	r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:8] + "..."
}

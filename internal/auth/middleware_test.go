package auth

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/felipepmaragno/llmmux/internal/domain"
	"github.com/felipepmaragno/llmmux/internal/ratelimit"
	"github.com/felipepmaragno/llmmux/internal/repository"
)

type mockLimiter struct {
	AllowFunc func(ctx context.Context, key string, limit int, window time.Duration) (bool, int, time.Time, error)
}

func (m *mockLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, time.Time, error) {
	return m.AllowFunc(ctx, key, limit, window)
}

// statusFor is a minimal error writer for tests.
func statusFor(w http.ResponseWriter, r *http.Request, err error) {
	var authErr *domain.AuthenticationError
	var authzErr *domain.AuthorizationError
	switch {
	case errors.As(err, &authErr):
		http.Error(w, err.Error(), http.StatusUnauthorized)
	case errors.As(err, &authzErr):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, domain.ErrRateLimitExceeded):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	case errors.Is(err, domain.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func echoBody(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := CredentialFromContext(r.Context()); !ok {
			t.Error("expected credential in context")
		}
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	})
}

func TestRequireAPIKey(t *testing.T) {
	repo := repository.NewInMemoryAPIKeyRepository()
	raw, _ := seedKey(t, repo, func(k *domain.APIKey) {
		k.Permissions = domain.ModelPermissions{AllowedModels: []string{"alpha"}}
	})

	mw := NewMiddleware(MiddlewareConfig{
		APIKeys: NewStoreValidator(repo, nil, 0),
		OnError: statusFor,
	})
	handler := mw.RequireAPIKey(echoBody(t))

	tests := []struct {
		name       string
		method     string
		path       string
		auth       string
		body       string
		wantStatus int
		wantBody   string
	}{
		{"missing header", http.MethodPost, "/v1/chat/completions", "", `{"model":"alpha"}`, http.StatusUnauthorized, "Missing Authorization header"},
		{"bad scheme", http.MethodPost, "/v1/chat/completions", "Token " + raw, `{"model":"alpha"}`, http.StatusUnauthorized, "Invalid Authorization header format"},
		{"empty token", http.MethodPost, "/v1/chat/completions", "Bearer ", `{"model":"alpha"}`, http.StatusUnauthorized, "Invalid API key"},
		{"unknown key", http.MethodPost, "/v1/chat/completions", "Bearer sk-llmmux-nope", `{"model":"alpha"}`, http.StatusUnauthorized, "Invalid API key"},
		{"whitespace token", http.MethodPost, "/v1/chat/completions", "Bearer   ", `{"model":"alpha"}`, http.StatusUnauthorized, "Invalid API key"},
		{"duplicate model keys", http.MethodPost, "/v1/chat/completions", "Bearer " + raw, `{"model":"alpha","model":"beta"}`, http.StatusBadRequest, "invalid request: duplicate model field"},
		{"escaped duplicate model key", http.MethodPost, "/v1/chat/completions", "Bearer " + raw, `{"model":"alpha","mod\u0065l":"beta"}`, http.StatusBadRequest, "invalid request: duplicate model field"},
		{"allowed model", http.MethodPost, "/v1/chat/completions", "Bearer " + raw, `{"model":"alpha"}`, http.StatusOK, `{"model":"alpha"}`},
		{"denied model", http.MethodPost, "/v1/chat/completions", "Bearer " + raw, `{"model":"beta"}`, http.StatusForbidden, "Access denied to model: beta"},
		{"denied path model", http.MethodGet, "/v1/models/beta", "Bearer " + raw, "", http.StatusForbidden, "Access denied to model: beta"},
		{"unscoped request", http.MethodGet, "/v1/models", "Bearer " + raw, "", http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			req := httptest.NewRequest(tt.method, tt.path, body)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if got := strings.TrimSpace(rec.Body.String()); got != tt.wantBody {
				t.Errorf("expected body %q, got %q", tt.wantBody, got)
			}
		})
	}
}

type mockValidator struct {
	ValidateAPIKeyFunc func(ctx context.Context, token string) (*domain.Credential, error)
}

func (m *mockValidator) ValidateAPIKey(ctx context.Context, token string) (*domain.Credential, error) {
	return m.ValidateAPIKeyFunc(ctx, token)
}

func TestRequireAPIKey_WhitespaceTokenReachesValidator(t *testing.T) {
	var seen string
	calls := 0
	mw := NewMiddleware(MiddlewareConfig{
		APIKeys: &mockValidator{ValidateAPIKeyFunc: func(ctx context.Context, token string) (*domain.Credential, error) {
			calls++
			seen = token
			return nil, invalidAPIKey()
		}},
		OnError: statusFor,
	})
	handler := mw.RequireAPIKey(echoBody(t))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"alpha"}`))
	req.Header.Set("Authorization", "Bearer   ")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if calls != 1 || seen != "   " {
		t.Errorf("expected validator called once with %q, got %d calls with %q", "   ", calls, seen)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "Invalid API key" {
		t.Errorf("expected Invalid API key, got %q", got)
	}
}

func TestRequireAPIKey_RateLimit(t *testing.T) {
	repo := repository.NewInMemoryAPIKeyRepository()
	raw, _ := seedKey(t, repo, func(k *domain.APIKey) { k.RateLimitRPM = 2 })

	mw := NewMiddleware(MiddlewareConfig{
		APIKeys:     NewStoreValidator(repo, nil, 0),
		RateLimiter: ratelimit.NewInMemoryRateLimiter(),
		OnError:     statusFor,
	})
	handler := mw.RequireAPIKey(echoBody(t))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"alpha"}`))
		req.Header.Set("Authorization", "Bearer "+raw)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		rec := do()
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "2" {
			t.Errorf("expected X-RateLimit-Limit 2, got %q", rec.Header().Get("X-RateLimit-Limit"))
		}
		if rec.Header().Get("X-RateLimit-Day-Limit") != "" {
			t.Error("no daily limit configured, expected no daily headers")
		}
	}

	rec := do()
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("expected remaining 0, got %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRequireAPIKey_RateLimiterError(t *testing.T) {
	repo := repository.NewInMemoryAPIKeyRepository()
	raw, _ := seedKey(t, repo, func(k *domain.APIKey) { k.RateLimitRPD = 100 })

	var gotWindow time.Duration
	mw := NewMiddleware(MiddlewareConfig{
		APIKeys: NewStoreValidator(repo, nil, 0),
		RateLimiter: &mockLimiter{AllowFunc: func(ctx context.Context, key string, limit int, window time.Duration) (bool, int, time.Time, error) {
			gotWindow = window
			return false, 0, time.Time{}, errors.New("redis down")
		}},
		OnError: statusFor,
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rec := httptest.NewRecorder()
	mw.RequireAPIKey(echoBody(t)).ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	if gotWindow != ratelimit.Day {
		t.Errorf("expected daily window, got %v", gotWindow)
	}
}

func TestRequireSessionAndRoute(t *testing.T) {
	users := repository.NewInMemoryUserRepository()
	admin, err := CreateUser(context.Background(), users, NewUser{Email: "admin@example.com", Password: "password123", Roles: []domain.RoleName{domain.RoleAdmin}})
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	plain, err := CreateUser(context.Background(), users, NewUser{Email: "user@example.com", Password: "password123"})
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	sessions := NewSessions(users, testSecret, time.Hour)
	adminToken, _ := sessions.Issue(admin)
	userToken, _ := sessions.Issue(plain)

	mw := NewMiddleware(MiddlewareConfig{Sessions: sessions, OnError: statusFor})
	handler := mw.RequireSession(mw.RequireRoute(RouteKeysList)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	tests := []struct {
		name       string
		auth       string
		wantStatus int
	}{
		{"admin", "Bearer " + adminToken, http.StatusOK},
		{"user", "Bearer " + userToken, http.StatusForbidden},
		{"missing", "", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/keys", nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}
}

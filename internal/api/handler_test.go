package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/felipepmaragno/llmmux/internal/auth"
	"github.com/felipepmaragno/llmmux/internal/cache"
	"github.com/felipepmaragno/llmmux/internal/crypto"
	"github.com/felipepmaragno/llmmux/internal/discovery"
	"github.com/felipepmaragno/llmmux/internal/domain"
	"github.com/felipepmaragno/llmmux/internal/proxy"
	"github.com/felipepmaragno/llmmux/internal/ratelimit"
	"github.com/felipepmaragno/llmmux/internal/repository"
	"github.com/felipepmaragno/llmmux/internal/retention"
	"github.com/felipepmaragno/llmmux/internal/router"
)

type mockDispatcher struct {
	DispatchFunc func(ctx context.Context, req domain.ProxyRequest) (*proxy.Result, error)
	StreamFunc   func(ctx context.Context, w http.ResponseWriter, req domain.ProxyRequest) (proxy.StreamResult, error)
}

func (m *mockDispatcher) Dispatch(ctx context.Context, req domain.ProxyRequest) (*proxy.Result, error) {
	if m.DispatchFunc != nil {
		return m.DispatchFunc(ctx, req)
	}
	return nil, errors.New("not implemented")
}

func (m *mockDispatcher) Stream(ctx context.Context, w http.ResponseWriter, req domain.ProxyRequest) (proxy.StreamResult, error) {
	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, w, req)
	}
	return proxy.StreamResult{}, errors.New("not implemented")
}

type mockDiscovery struct {
	StatsFunc          func() discovery.Stats
	ForceDiscoveryFunc func(ctx context.Context) discovery.Stats
}

func (m *mockDiscovery) Stats() discovery.Stats {
	return m.StatsFunc()
}

func (m *mockDiscovery) ForceDiscovery(ctx context.Context) discovery.Stats {
	return m.ForceDiscoveryFunc(ctx)
}

type captureRecorder struct {
	mu   sync.Mutex
	recs []domain.UsageRecord
}

func (c *captureRecorder) Record(rec domain.UsageRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
}

func (c *captureRecorder) records() []domain.UsageRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.UsageRecord(nil), c.recs...)
}

type testServer struct {
	handler    *Handler
	keys       *repository.InMemoryAPIKeyRepository
	users      *repository.InMemoryUserRepository
	usage      *repository.InMemoryUsageRepository
	sessions   *auth.Sessions
	recorder   *captureRecorder
	dispatcher *mockDispatcher

	apiKey string
	keyID  string
}

type serverOption func(*HandlerConfig)

func newTestServer(t *testing.T, backends map[string]domain.BackendEndpoint, opts ...serverOption) *testServer {
	t.Helper()

	keyCache := cache.NewInMemoryCache()
	t.Cleanup(func() { keyCache.Close() })

	s := &testServer{
		keys:       repository.NewInMemoryAPIKeyRepository(),
		users:      repository.NewInMemoryUserRepository(),
		recorder:   &captureRecorder{},
		dispatcher: &mockDispatcher{},
	}
	s.usage = repository.NewInMemoryUsageRepository(s.keys)
	s.sessions = auth.NewSessions(s.users, []byte("test-secret-test-secret-test-secret!"), time.Hour)
	s.apiKey, s.keyID = s.createKey(t, domain.DefaultModelPermissions())

	validator := auth.NewStoreValidator(s.keys, keyCache, time.Minute)

	cfg := HandlerConfig{
		Catalog:     router.New(backends, nil),
		Dispatcher:  s.dispatcher,
		Recorder:    s.recorder,
		APIKeys:     validator,
		Sessions:    s.sessions,
		RateLimiter: ratelimit.NewInMemoryRateLimiter(),
		Invalidator: validator,
		Keys:        s.keys,
		Users:       s.users,
		Usage:       s.usage,
		Cleaner:     retention.NewCleaner(s.usage),
		Version:     "test",
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s.handler = NewHandler(cfg)
	return s
}

func (s *testServer) createKey(t *testing.T, perms domain.ModelPermissions) (string, string) {
	t.Helper()

	raw, prefix, err := crypto.GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey failed: %v", err)
	}
	key := &domain.APIKey{
		ID:          "key-" + prefix[len(prefix)-6:],
		KeyHash:     crypto.HashAPIKey(raw),
		KeyPrefix:   prefix,
		Name:        "test",
		Tags:        []string{},
		IsActive:    true,
		Permissions: perms,
	}
	if err := s.keys.Create(context.Background(), key); err != nil {
		t.Fatalf("create key: %v", err)
	}
	return raw, key.ID
}

func (s *testServer) sessionToken(t *testing.T, role domain.RoleName) string {
	t.Helper()

	user, err := auth.CreateUser(context.Background(), s.users, auth.NewUser{
		Email:    strings.ToLower(string(role)) + "@example.com",
		Password: "correct-horse",
		Roles:    []domain.RoleName{role},
	})
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	token, err := s.sessions.Issue(user)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	return token
}

func (s *testServer) do(method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func errorEnvelope(t *testing.T, rec *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	body := decodeJSON(t, rec)
	e, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error envelope, got %s", rec.Body.String())
	}
	msg, _ := e["message"].(string)
	typ, _ := e["type"].(string)
	return msg, typ
}

var testBackends = map[string]domain.BackendEndpoint{
	"alpha": domain.NewBackendEndpoint("alpha", "10.0.0.1", 8000),
	"beta":  domain.NewBackendEndpoint("beta", "10.0.0.2", 8000),
}

func TestChatCompletions_Success(t *testing.T) {
	s := newTestServer(t, testBackends)

	var got domain.ProxyRequest
	s.dispatcher.DispatchFunc = func(ctx context.Context, req domain.ProxyRequest) (*proxy.Result, error) {
		got = req
		return &proxy.Result{
			Backend:    testBackends["alpha"],
			StatusCode: http.StatusOK,
			Body:       []byte(`{"id":"cmpl-1","object":"chat.completion"}`),
			Tokens:     12,
		}, nil
	}

	rec := s.do(http.MethodPost, "/v1/chat/completions", s.apiKey, `{"model":"alpha","messages":[{"role":"user","content":"hi"}]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got.Kind != domain.KindChat || got.Model != "alpha" || got.Stream {
		t.Errorf("unexpected proxy request: %+v", got)
	}
	if got.APIKeyID != s.keyID {
		t.Errorf("expected api key id %s, got %s", s.keyID, got.APIKeyID)
	}
	if body := decodeJSON(t, rec); body["id"] != "cmpl-1" {
		t.Errorf("expected backend body, got %s", rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}

	recs := s.recorder.records()
	if len(recs) != 1 {
		t.Fatalf("expected 1 usage record, got %d", len(recs))
	}
	if r := recs[0]; !r.Success || r.Tokens != 12 || r.StatusCode != 200 || r.Model != "alpha" || r.APIKeyID != s.keyID {
		t.Errorf("unexpected usage record: %+v", r)
	}
}

func TestCompletions_UsesCompletionKind(t *testing.T) {
	s := newTestServer(t, testBackends)

	s.dispatcher.DispatchFunc = func(ctx context.Context, req domain.ProxyRequest) (*proxy.Result, error) {
		if req.Kind != domain.KindCompletion {
			t.Errorf("expected completion kind, got %s", req.Kind)
		}
		return &proxy.Result{StatusCode: http.StatusOK, Body: []byte(`{}`)}, nil
	}

	rec := s.do(http.MethodPost, "/v1/completions", s.apiKey, `{"model":"beta","prompt":"hi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestProxy_RequestErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		dispatch   func(ctx context.Context, req domain.ProxyRequest) (*proxy.Result, error)
		wantStatus int
		wantType   string
		wantMsg    string
	}{
		{
			name:       "invalid json",
			body:       `{"model":`,
			wantStatus: http.StatusBadRequest,
			wantType:   "invalid_request_error",
			wantMsg:    "invalid request body",
		},
		{
			name:       "missing model",
			body:       `{"messages":[]}`,
			wantStatus: http.StatusBadRequest,
			wantType:   "invalid_request_error",
			wantMsg:    "model is required",
		},
		{
			name:       "duplicate model field",
			body:       `{"model":"alpha","model":"beta"}`,
			wantStatus: http.StatusBadRequest,
			wantType:   "invalid_request_error",
			wantMsg:    "duplicate model field",
		},
		{
			name:       "non-string model",
			body:       `{"model":42}`,
			wantStatus: http.StatusBadRequest,
			wantType:   "invalid_request_error",
			wantMsg:    "model is required",
		},
		{
			name: "unknown model",
			body: `{"model":"ghost"}`,
			dispatch: func(ctx context.Context, req domain.ProxyRequest) (*proxy.Result, error) {
				return nil, &domain.ResolutionError{Model: req.Model}
			},
			wantStatus: http.StatusNotFound,
			wantType:   "not_found_error",
			wantMsg:    "Model 'ghost' not found",
		},
		{
			name: "upstream failure",
			body: `{"model":"alpha"}`,
			dispatch: func(ctx context.Context, req domain.ProxyRequest) (*proxy.Result, error) {
				return nil, &domain.UpstreamError{Backend: "alpha", Err: errors.New("connection refused")}
			},
			wantStatus: http.StatusBadGateway,
			wantType:   "upstream_error",
			wantMsg:    "Failed to proxy request: connection refused",
		},
		{
			name: "open circuit",
			body: `{"model":"alpha"}`,
			dispatch: func(ctx context.Context, req domain.ProxyRequest) (*proxy.Result, error) {
				return nil, &domain.UpstreamError{Backend: "alpha", Err: domain.ErrCircuitBreakerOpen}
			},
			wantStatus: http.StatusBadGateway,
			wantType:   "upstream_error",
			wantMsg:    "Failed to proxy request: circuit breaker open",
		},
		{
			name: "unclassified failure",
			body: `{"model":"alpha"}`,
			dispatch: func(ctx context.Context, req domain.ProxyRequest) (*proxy.Result, error) {
				return nil, errors.New("boom")
			},
			wantStatus: http.StatusInternalServerError,
			wantType:   "internal_error",
			wantMsg:    "internal error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, testBackends)
			s.dispatcher.DispatchFunc = tt.dispatch

			rec := s.do(http.MethodPost, "/v1/chat/completions", s.apiKey, tt.body)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			msg, typ := errorEnvelope(t, rec)
			if typ != tt.wantType {
				t.Errorf("expected type %s, got %s", tt.wantType, typ)
			}
			if msg != tt.wantMsg {
				t.Errorf("expected message %q, got %q", tt.wantMsg, msg)
			}
		})
	}
}

func TestProxy_FailuresAreRecorded(t *testing.T) {
	s := newTestServer(t, testBackends)
	s.dispatcher.DispatchFunc = func(ctx context.Context, req domain.ProxyRequest) (*proxy.Result, error) {
		return nil, &domain.ResolutionError{Model: req.Model}
	}

	s.do(http.MethodPost, "/v1/chat/completions", s.apiKey, `{"model":"ghost"}`)

	recs := s.recorder.records()
	if len(recs) != 1 {
		t.Fatalf("expected 1 usage record, got %d", len(recs))
	}
	if r := recs[0]; r.Success || r.StatusCode != http.StatusNotFound || r.Error == "" {
		t.Errorf("unexpected usage record: %+v", r)
	}
}

func TestProxy_BackendClientErrorBecomesUpstreamError(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"context length exceeded"}`))
	}))
	defer backend.Close()

	backends := map[string]domain.BackendEndpoint{"alpha": backendFor(t, "alpha", backend)}
	s := newTestServer(t, backends, func(cfg *HandlerConfig) {
		cfg.Dispatcher = proxy.New(proxy.Config{Resolver: cfg.Catalog, Timeout: 5 * time.Second})
	})

	rec := s.do(http.MethodPost, "/v1/chat/completions", s.apiKey, `{"model":"alpha"}`)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", rec.Code, rec.Body.String())
	}
	msg, errType := errorEnvelope(t, rec)
	if errType != "upstream_error" {
		t.Errorf("expected upstream_error, got %s", errType)
	}
	if !strings.HasPrefix(msg, "Failed to proxy request") {
		t.Errorf("unexpected message %q", msg)
	}
	if recs := s.recorder.records(); len(recs) != 1 || recs[0].Success || recs[0].StatusCode != http.StatusBadGateway {
		t.Errorf("expected one failed usage record, got %+v", recs)
	}
}

func TestProxy_Streaming(t *testing.T) {
	s := newTestServer(t, testBackends)
	s.dispatcher.StreamFunc = func(ctx context.Context, w http.ResponseWriter, req domain.ProxyRequest) (proxy.StreamResult, error) {
		if !req.Stream {
			t.Error("expected stream flag")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		n, _ := w.Write([]byte("data: {\"id\":\"1\"}\n\ndata: [DONE]\n\n"))
		return proxy.StreamResult{StatusCode: http.StatusOK, Bytes: int64(n), Committed: true}, nil
	}

	rec := s.do(http.MethodPost, "/v1/chat/completions", s.apiKey, `{"model":"alpha","stream":true}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected event stream, got %s", ct)
	}
	if !strings.HasSuffix(rec.Body.String(), "data: [DONE]\n\n") {
		t.Errorf("unexpected stream body: %q", rec.Body.String())
	}
	if recs := s.recorder.records(); len(recs) != 1 || !recs[0].Success {
		t.Errorf("expected one successful usage record, got %+v", recs)
	}
}

func TestProxy_StreamingFailures(t *testing.T) {
	tests := []struct {
		name       string
		stream     func(ctx context.Context, w http.ResponseWriter, req domain.ProxyRequest) (proxy.StreamResult, error)
		wantStatus int
		wantBody   string
	}{
		{
			name: "unknown model",
			stream: func(ctx context.Context, w http.ResponseWriter, req domain.ProxyRequest) (proxy.StreamResult, error) {
				return proxy.StreamResult{}, &domain.ResolutionError{Model: req.Model}
			},
			wantStatus: http.StatusNotFound,
			wantBody:   "Model 'alpha' not found",
		},
		{
			name: "failure before headers",
			stream: func(ctx context.Context, w http.ResponseWriter, req domain.ProxyRequest) (proxy.StreamResult, error) {
				return proxy.StreamResult{}, &domain.UpstreamError{Backend: "alpha", Err: errors.New("dial tcp: refused")}
			},
			wantStatus: http.StatusInternalServerError,
			wantBody:   `{"error":"Streaming request failed"}`,
		},
		{
			name: "failure after headers",
			stream: func(ctx context.Context, w http.ResponseWriter, req domain.ProxyRequest) (proxy.StreamResult, error) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("data: partial\n\n"))
				return proxy.StreamResult{StatusCode: http.StatusOK, Committed: true}, errors.New("backend reset")
			},
			wantStatus: http.StatusOK,
			wantBody:   "data: partial",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, testBackends)
			s.dispatcher.StreamFunc = tt.stream

			rec := s.do(http.MethodPost, "/v1/chat/completions", s.apiKey, `{"model":"alpha","stream":true}`)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("expected body to contain %q, got %q", tt.wantBody, rec.Body.String())
			}
			if recs := s.recorder.records(); len(recs) != 1 || recs[0].Error == "" {
				t.Errorf("expected one usage record with error, got %+v", recs)
			}
		})
	}
}

func TestV1_Authentication(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		wantMsg string
	}{
		{"missing header", "", "Missing Authorization header"},
		{"wrong scheme", "Basic abc", "Invalid Authorization header format"},
		{"unknown key", "Bearer sk-llmmux-unknown", "Invalid API key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, testBackends)

			req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			s.handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
			msg, typ := errorEnvelope(t, rec)
			if typ != "authentication_error" || msg != tt.wantMsg {
				t.Errorf("unexpected error %s: %s", typ, msg)
			}
		})
	}
}

func TestV1_ModelAccessDenied(t *testing.T) {
	s := newTestServer(t, testBackends)
	limited, _ := s.createKey(t, domain.ModelPermissions{AllowedModels: []string{"beta"}})

	s.dispatcher.DispatchFunc = func(ctx context.Context, req domain.ProxyRequest) (*proxy.Result, error) {
		t.Error("dispatcher should not be called")
		return nil, nil
	}

	rec := s.do(http.MethodPost, "/v1/chat/completions", limited, `{"model":"alpha"}`)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	msg, typ := errorEnvelope(t, rec)
	if typ != "permission_error" || msg != "Access denied to model: alpha" {
		t.Errorf("unexpected error %s: %s", typ, msg)
	}
}

func TestV1_RateLimited(t *testing.T) {
	s := newTestServer(t, testBackends)

	key, err := s.keys.GetByID(context.Background(), s.keyID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	key.RateLimitRPM = 1
	if err := s.keys.Update(context.Background(), key); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if rec := s.do(http.MethodGet, "/v1/models", s.apiKey, ""); rec.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", rec.Code)
	}

	rec := s.do(http.MethodGet, "/v1/models", s.apiKey, "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if _, typ := errorEnvelope(t, rec); typ != "rate_limit_error" {
		t.Errorf("expected rate_limit_error, got %s", typ)
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("expected remaining 0, got %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestListModels(t *testing.T) {
	s := newTestServer(t, testBackends)
	limited, _ := s.createKey(t, domain.ModelPermissions{AllowAll: true, DeniedModels: []string{"beta"}})

	tests := []struct {
		name  string
		token string
		want  []string
	}{
		{"all models", s.apiKey, []string{"alpha", "beta"}},
		{"denied models hidden", limited, []string{"alpha"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodGet, "/v1/models", tt.token, "")
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}

			var resp domain.ModelsResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Object != "list" {
				t.Errorf("expected object list, got %s", resp.Object)
			}
			if len(resp.Data) != len(tt.want) {
				t.Fatalf("expected %d models, got %d", len(tt.want), len(resp.Data))
			}
			for i, m := range resp.Data {
				if m.ID != tt.want[i] || m.Object != "model" || m.OwnedBy != "vllm" {
					t.Errorf("unexpected model %+v", m)
				}
			}
		})
	}
}

func TestListModels_EmptyCatalog(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(http.MethodGet, "/v1/models", s.apiKey, "")
	if !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Errorf("expected empty data array, got %s", rec.Body.String())
	}
}

func TestGetModel(t *testing.T) {
	s := newTestServer(t, testBackends)

	rec := s.do(http.MethodGet, "/v1/models/alpha", s.apiKey, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decodeJSON(t, rec); body["id"] != "alpha" || body["owned_by"] != "vllm" {
		t.Errorf("unexpected model body: %s", rec.Body.String())
	}

	rec = s.do(http.MethodGet, "/v1/models/ghost", s.apiKey, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if msg, _ := errorEnvelope(t, rec); msg != "Model 'ghost' not found" {
		t.Errorf("unexpected message %q", msg)
	}
}

func TestDiscoveryEndpoints(t *testing.T) {
	now := time.Now().UTC()
	refreshed := 0
	disc := &mockDiscovery{
		StatsFunc: func() discovery.Stats {
			return discovery.Stats{ServersConfigured: 2, ServersReachable: 1, ModelsDiscovered: 3, LastDiscovery: now}
		},
		ForceDiscoveryFunc: func(ctx context.Context) discovery.Stats {
			refreshed++
			return discovery.Stats{}
		},
	}

	s := newTestServer(t, testBackends, func(cfg *HandlerConfig) { cfg.Discovery = disc })

	rec := s.do(http.MethodGet, "/v1/discovery/stats", s.apiKey, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeJSON(t, rec)
	if body["staticBackends"] != float64(2) || body["totalModels"] != float64(2) {
		t.Errorf("unexpected router stats: %s", rec.Body.String())
	}
	servers, ok := body["servers"].(map[string]any)
	if !ok || servers["serversReachable"] != float64(1) {
		t.Errorf("unexpected server stats: %s", rec.Body.String())
	}

	rec = s.do(http.MethodPost, "/v1/discovery/refresh", s.apiKey, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if refreshed != 1 {
		t.Errorf("expected one forced discovery, got %d", refreshed)
	}
	body = decodeJSON(t, rec)
	if body["success"] != true || body["message"] != "Model discovery refreshed" {
		t.Errorf("unexpected refresh body: %s", rec.Body.String())
	}
}

func TestRequestID_Propagated(t *testing.T) {
	s := newTestServer(t, testBackends)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "req-123" {
		t.Errorf("expected req-123, got %q", got)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{"authentication", &domain.AuthenticationError{Reason: domain.ErrInvalidToken}, 401, "authentication_error"},
		{"authorization", &domain.AuthorizationError{Resource: "x", Reason: domain.ErrInsufficientRole}, 403, "permission_error"},
		{"resolution", &domain.ResolutionError{Model: "x"}, 404, "not_found_error"},
		{"upstream", &domain.UpstreamError{Err: errors.New("x")}, 502, "upstream_error"},
		{"rate limit", domain.ErrRateLimitExceeded, 429, "rate_limit_error"},
		{"key not found", domain.ErrAPIKeyNotFound, 404, "not_found_error"},
		{"user not found", domain.ErrUserNotFound, 404, "not_found_error"},
		{"email exists", domain.ErrEmailExists, 409, "conflict_error"},
		{"invalid request", domain.ErrInvalidRequest, 400, "invalid_request_error"},
		{"unknown", errors.New("x"), 500, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, typ, _ := classify(tt.err)
			if status != tt.wantStatus || typ != tt.wantType {
				t.Errorf("expected %d %s, got %d %s", tt.wantStatus, tt.wantType, status, typ)
			}
		})
	}
}

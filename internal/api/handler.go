// Package api exposes the gateway over HTTP: the OpenAI-compatible /v1
// surface, health and metrics, and the session-guarded admin and auth routes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tidwall/gjson"

	"github.com/felipepmaragno/llmmux/internal/auth"
	"github.com/felipepmaragno/llmmux/internal/circuitbreaker"
	"github.com/felipepmaragno/llmmux/internal/discovery"
	"github.com/felipepmaragno/llmmux/internal/domain"
	"github.com/felipepmaragno/llmmux/internal/metrics"
	"github.com/felipepmaragno/llmmux/internal/proxy"
	"github.com/felipepmaragno/llmmux/internal/ratelimit"
	"github.com/felipepmaragno/llmmux/internal/repository"
	"github.com/felipepmaragno/llmmux/internal/retention"
	"github.com/felipepmaragno/llmmux/internal/router"
)

const (
	maxRequestBody = 16 << 20
	modelOwner     = "vllm"
)

// Catalog answers which backend serves a model and what models exist.
type Catalog interface {
	Resolve(model string) (domain.BackendEndpoint, error)
	ListAll() []domain.BackendEndpoint
	ListAllModelNames() []string
	Stats() router.Stats
}

type Discovery interface {
	Stats() discovery.Stats
	ForceDiscovery(ctx context.Context) discovery.Stats
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req domain.ProxyRequest) (*proxy.Result, error)
	Stream(ctx context.Context, w http.ResponseWriter, req domain.ProxyRequest) (proxy.StreamResult, error)
}

// KeyInvalidator drops cached key records after admin changes.
type KeyInvalidator interface {
	Invalidate(ctx context.Context, keyHash string)
}

type HandlerConfig struct {
	Catalog    Catalog
	Discovery  Discovery
	Dispatcher Dispatcher
	Recorder   metrics.Recorder

	APIKeys     auth.APIKeyValidator
	Sessions    *auth.Sessions
	RateLimiter ratelimit.RateLimiter
	Invalidator KeyInvalidator

	Keys    repository.APIKeyRepository
	Users   repository.UserRepository
	Usage   repository.UsageRepository
	Cleaner *retention.Cleaner

	Breakers       *circuitbreaker.Manager
	HealthCheckers []HealthChecker
	HealthClient   *http.Client
	HealthTimeout  time.Duration
	Version        string
}

type Handler struct {
	catalog     Catalog
	discovery   Discovery
	dispatcher  Dispatcher
	recorder    metrics.Recorder
	sessions    *auth.Sessions
	invalidator KeyInvalidator
	keys        repository.APIKeyRepository
	users       repository.UserRepository
	usage       repository.UsageRepository
	cleaner     *retention.Cleaner
	breakers    *circuitbreaker.Manager
	checkers    []HealthChecker
	health      *http.Client
	healthTO    time.Duration
	version     string
	guard       *auth.Middleware
	router      chi.Router
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Recorder == nil {
		cfg.Recorder = metrics.NoopRecorder{}
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 5 * time.Second
	}
	if cfg.HealthClient == nil {
		cfg.HealthClient = &http.Client{Timeout: cfg.HealthTimeout}
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	h := &Handler{
		catalog:     cfg.Catalog,
		discovery:   cfg.Discovery,
		dispatcher:  cfg.Dispatcher,
		recorder:    cfg.Recorder,
		sessions:    cfg.Sessions,
		invalidator: cfg.Invalidator,
		keys:        cfg.Keys,
		users:       cfg.Users,
		usage:       cfg.Usage,
		cleaner:     cfg.Cleaner,
		breakers:    cfg.Breakers,
		checkers:    cfg.HealthCheckers,
		health:      cfg.HealthClient,
		healthTO:    cfg.HealthTimeout,
		version:     cfg.Version,
	}
	h.guard = auth.NewMiddleware(auth.MiddlewareConfig{
		APIKeys:     cfg.APIKeys,
		Sessions:    cfg.Sessions,
		RateLimiter: cfg.RateLimiter,
		OnError: func(w http.ResponseWriter, r *http.Request, err error) {
			writeDomainError(w, r, err)
		},
	})
	h.router = h.routes()
	return h
}

func (h *Handler) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealthz)
	r.Get("/health/live", h.handleHealthLive)
	r.Get("/health/ready", handleHealthReadyWithCheckers(h.checkers, h.healthTO, h.version))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(h.guard.RequireAPIKey)
		r.Get("/models", h.handleListModels)
		r.Get("/models/{model}", h.handleGetModel)
		r.Post("/chat/completions", h.handleProxy(domain.KindChat))
		r.Post("/completions", h.handleProxy(domain.KindCompletion))
		r.Get("/discovery/stats", h.handleDiscoveryStats)
		r.Post("/discovery/refresh", h.handleDiscoveryRefresh)
	})

	r.Post("/auth/login", h.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireSession)

		r.With(h.guard.RequireRoute(auth.RouteProfile)).Get("/auth/profile", h.handleProfile)
		r.With(h.guard.RequireRoute(auth.RouteUsersList)).Get("/auth/users", h.handleListUsers)
		r.With(h.guard.RequireRoute(auth.RouteRegister)).Post("/auth/register", h.handleRegister)

		r.Route("/admin", func(r chi.Router) {
			r.With(h.guard.RequireRoute(auth.RouteKeysList)).Get("/keys", h.handleListKeys)
			r.With(h.guard.RequireRoute(auth.RouteKeysCreate)).Post("/keys", h.handleCreateKey)
			r.With(h.guard.RequireRoute(auth.RouteKeysGet)).Get("/keys/{id}", h.handleGetKey)
			r.With(h.guard.RequireRoute(auth.RouteKeysUpdate)).Put("/keys/{id}", h.handleUpdateKey)
			r.With(h.guard.RequireRoute(auth.RouteKeysDelete)).Delete("/keys/{id}", h.handleDeleteKey)
			r.With(h.guard.RequireRoute(auth.RouteKeysPermissions)).Post("/keys/{id}/permissions", h.handleUpdatePermissions)
			r.With(h.guard.RequireRoute(auth.RouteCleanupLogs)).Post("/cleanup-logs", h.handleCleanupLogs)
			r.With(h.guard.RequireRoute(auth.RouteMetricsSummary)).Get("/metrics/summary", h.handleMetricsSummary)
			r.With(h.guard.RequireRoute(auth.RouteMetricsKey)).Get("/metrics/keys/{id}", h.handleKeyMetrics)
		})
	})

	return r
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

type requestIDKey struct{}

// requestID takes X-Request-ID from the caller or generates one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (h *Handler) handleProxy(kind domain.RequestKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		start := time.Now()
		reqID := requestIDFrom(ctx)
		cred, _ := auth.CredentialFromContext(ctx)

		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil || !gjson.ValidBytes(body) {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body")
			return
		}

		if err := auth.CheckModelField(body); err != nil {
			writeDomainError(w, r, err)
			return
		}

		model := gjson.GetBytes(body, "model")
		if model.Type != gjson.String || model.Str == "" {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "model is required")
			return
		}

		req := domain.ProxyRequest{
			Kind:     kind,
			Model:    model.Str,
			Stream:   gjson.GetBytes(body, "stream").Bool(),
			Body:     body,
			APIKeyID: cred.ID,
		}

		slog.Info("proxy request",
			"request_id", reqID,
			"api_key_id", cred.ID,
			"kind", kind,
			"model", req.Model,
			"stream", req.Stream,
		)

		usage := domain.UsageRecord{
			APIKeyID:  cred.ID,
			Model:     req.Model,
			Path:      r.URL.Path,
			Timestamp: start,
		}

		if req.Stream {
			h.stream(w, r, req, usage, start)
			return
		}

		result, err := h.dispatcher.Dispatch(ctx, req)
		if err != nil {
			status := writeDomainError(w, r, err)
			h.record(usage, status, 0, start, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(result.StatusCode)
		w.Write(result.Body)

		latency := time.Since(start).Milliseconds()
		slog.Info("request completed",
			"request_id", reqID,
			"api_key_id", cred.ID,
			"model", req.Model,
			"backend", result.Backend.BaseURL,
			"tokens", result.Tokens,
			"latency_ms", latency,
		)
		h.record(usage, result.StatusCode, result.Tokens, start, nil)
	}
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request, req domain.ProxyRequest, usage domain.UsageRecord, start time.Time) {
	res, err := h.dispatcher.Stream(r.Context(), w, req)
	if err == nil {
		h.record(usage, res.StatusCode, 0, start, nil)
		return
	}

	if res.Committed {
		h.record(usage, res.StatusCode, 0, start, err)
		return
	}

	var resErr *domain.ResolutionError
	if errors.As(err, &resErr) {
		status := writeDomainError(w, r, err)
		h.record(usage, status, 0, start, err)
		return
	}

	slog.Error("streaming request failed",
		"request_id", requestIDFrom(r.Context()),
		"model", req.Model,
		"error", err,
	)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": "Streaming request failed"})
	h.record(usage, http.StatusInternalServerError, 0, start, err)
}

func (h *Handler) record(rec domain.UsageRecord, status, tokens int, start time.Time, err error) {
	rec.StatusCode = status
	rec.Success = status > 0 && status < 400
	rec.Tokens = tokens
	rec.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		rec.Error = err.Error()
	}
	h.recorder.Record(rec)
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	cred, _ := auth.CredentialFromContext(r.Context())
	created := time.Now().Unix()

	data := make([]domain.Model, 0)
	for _, name := range h.catalog.ListAllModelNames() {
		if !auth.CredentialHasModelAccess(cred, name) {
			continue
		}
		data = append(data, domain.Model{ID: name, Object: "model", Created: created, OwnedBy: modelOwner})
	}

	writeJSON(w, http.StatusOK, domain.ModelsResponse{Object: "list", Data: data})
}

func (h *Handler) handleGetModel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "model")

	if _, err := h.catalog.Resolve(name); err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, domain.Model{ID: name, Object: "model", Created: time.Now().Unix(), OwnedBy: modelOwner})
}

type discoveryStats struct {
	router.Stats
	Servers *discovery.Stats `json:"servers,omitempty"`
}

func (h *Handler) discoveryStats() discoveryStats {
	stats := discoveryStats{Stats: h.catalog.Stats()}
	if h.discovery != nil {
		s := h.discovery.Stats()
		stats.Servers = &s
	}
	return stats
}

func (h *Handler) handleDiscoveryStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.discoveryStats())
}

func (h *Handler) handleDiscoveryRefresh(w http.ResponseWriter, r *http.Request) {
	if h.discovery != nil {
		h.discovery.ForceDiscovery(r.Context())
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Model discovery refreshed",
		"stats":   h.discoveryStats(),
	})
}

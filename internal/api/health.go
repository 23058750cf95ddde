package api

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/felipepmaragno/llmmux/internal/domain"
	"github.com/felipepmaragno/llmmux/internal/router"
)

// HealthChecker defines the interface for dependency health checks.
type HealthChecker interface {
	Check(ctx context.Context) error
	Name() string
}

type HealthStatus struct {
	Status  string                 `json:"status"`
	Checks  map[string]CheckResult `json:"checks,omitempty"`
	Version string                 `json:"version,omitempty"`
}

type CheckResult struct {
	Status   string `json:"status"`
	Duration string `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`
}

type pinger interface {
	Ping(ctx context.Context) error
}

// RedisHealthChecker pings the Redis-backed cache or rate limiter.
type RedisHealthChecker struct {
	name   string
	client pinger
}

func NewRedisHealthChecker(name string, client pinger) *RedisHealthChecker {
	return &RedisHealthChecker{name: name, client: client}
}

func (c *RedisHealthChecker) Name() string {
	return c.name
}

func (c *RedisHealthChecker) Check(ctx context.Context) error {
	return c.client.Ping(ctx)
}

type PostgresHealthChecker struct {
	db *sql.DB
}

func NewPostgresHealthChecker(db *sql.DB) *PostgresHealthChecker {
	return &PostgresHealthChecker{db: db}
}

func (c *PostgresHealthChecker) Name() string {
	return "postgres"
}

func (c *PostgresHealthChecker) Check(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// runHealthChecks executes all health checks concurrently.
func runHealthChecks(ctx context.Context, checkers []HealthChecker) map[string]CheckResult {
	results := make(map[string]CheckResult)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, checker := range checkers {
		wg.Add(1)
		go func(c HealthChecker) {
			defer wg.Done()

			start := time.Now()
			err := c.Check(ctx)

			result := CheckResult{Status: "ok", Duration: time.Since(start).String()}
			if err != nil {
				result.Status = "error"
				result.Error = err.Error()
			}

			mu.Lock()
			results[c.Name()] = result
			mu.Unlock()
		}(checker)
	}

	wg.Wait()
	return results
}

func handleHealthReadyWithCheckers(checkers []HealthChecker, timeout time.Duration, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		results := runHealthChecks(ctx, checkers)

		status := HealthStatus{Status: "ready", Checks: results, Version: version}
		httpStatus := http.StatusOK
		for _, result := range results {
			if result.Status != "ok" {
				status.Status = "not_ready"
				httpStatus = http.StatusServiceUnavailable
				break
			}
		}

		writeJSON(w, httpStatus, status)
	}
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type backendHealth struct {
	Model          string `json:"model"`
	Status         string `json:"status"`
	URL            string `json:"url"`
	ResponseTimeMs int64  `json:"responseTimeMs,omitempty"`
	Error          string `json:"error,omitempty"`
}

type healthSummary struct {
	Healthy int `json:"healthy"`
	Total   int `json:"total"`
}

type healthzResponse struct {
	Status          string            `json:"status"`
	Timestamp       time.Time         `json:"timestamp"`
	Backends        []backendHealth   `json:"backends"`
	Discovery       router.Stats      `json:"discovery"`
	Summary         healthSummary     `json:"summary"`
	CircuitBreakers map[string]string `json:"circuitBreakers,omitempty"`
}

// handleHealthz checks every known backend. The aggregate is "healthy" when all
// respond and "degraded" otherwise; the endpoint itself always answers 200.
func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	backends := h.catalog.ListAll()
	results := make([]backendHealth, len(backends))

	var wg sync.WaitGroup
	for i, b := range backends {
		wg.Add(1)
		go func(i int, b domain.BackendEndpoint) {
			defer wg.Done()
			results[i] = h.checkBackend(r.Context(), b)
		}(i, b)
	}
	wg.Wait()

	healthy := 0
	for _, res := range results {
		if res.Status == "healthy" {
			healthy++
		}
	}

	status := "healthy"
	if healthy != len(results) {
		status = "degraded"
	}

	resp := healthzResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Backends:  results,
		Discovery: h.catalog.Stats(),
		Summary:   healthSummary{Healthy: healthy, Total: len(results)},
	}
	if h.breakers != nil {
		resp.CircuitBreakers = h.breakers.States()
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) checkBackend(ctx context.Context, b domain.BackendEndpoint) backendHealth {
	result := backendHealth{Model: b.ModelName, URL: b.BaseURL}

	ctx, cancel := context.WithTimeout(ctx, h.healthTO)
	defer cancel()

	start := time.Now()
	err := h.getModels(ctx, b.BaseURL+"/models")
	if err != nil {
		slog.Warn("health check failed", "model", b.ModelName, "url", b.BaseURL, "error", err)
		result.Status = "unhealthy"
		result.Error = err.Error()
		return result
	}

	result.Status = "healthy"
	result.ResponseTimeMs = time.Since(start).Milliseconds()
	return result
}

func (h *Handler) getModels(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := h.health.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

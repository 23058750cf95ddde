// Package discovery polls inference servers' /models endpoint and keeps a
// live model-to-backend map.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/felipepmaragno/llmmux/internal/domain"
	"github.com/felipepmaragno/llmmux/internal/httputil"
	"github.com/felipepmaragno/llmmux/internal/metrics"
	"github.com/felipepmaragno/llmmux/internal/notifications"
	"github.com/felipepmaragno/llmmux/internal/telemetry"
)

const maxModelsBody = 4 << 20

type Options struct {
	Interval time.Duration
	Timeout  time.Duration
	Client   *http.Client
	Notifier notifications.Notifier
}

type Stats struct {
	ServersConfigured int       `json:"serversConfigured"`
	ServersReachable  int       `json:"serversReachable"`
	ModelsDiscovered  int       `json:"modelsDiscovered"`
	LastDiscovery     time.Time `json:"lastDiscovery"`
}

// Engine owns the discovered model map. Sweeps replace entries by key and
// never purge models a server stopped reporting. When two servers report the
// same model, whichever poll finishes last in a sweep wins.
type Engine struct {
	servers  []domain.ServerAddr
	interval time.Duration
	timeout  time.Duration
	client   *http.Client
	notifier notifications.Notifier

	mu            sync.RWMutex
	backends      map[string]domain.BackendEndpoint
	reachable     map[domain.ServerAddr]bool
	lastDiscovery time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(servers []domain.ServerAddr, opts Options) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Client == nil {
		opts.Client = httputil.NewClient(httputil.HealthCheckConfig(opts.Timeout))
	}

	return &Engine{
		servers:   servers,
		interval:  opts.Interval,
		timeout:   opts.Timeout,
		client:    opts.Client,
		notifier:  opts.Notifier,
		backends:  make(map[string]domain.BackendEndpoint),
		reachable: make(map[domain.ServerAddr]bool),
	}
}

func (e *Engine) Enabled() bool {
	return len(e.servers) > 0
}

// Start runs one sweep, then sweeps every interval until Stop or ctx is done.
// With no servers configured it does nothing.
func (e *Engine) Start(ctx context.Context) {
	if !e.Enabled() {
		slog.Info("no discovery servers configured, model discovery disabled")
		return
	}

	e.runMu.Lock()
	if e.cancel != nil {
		e.runMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.cancel = cancel
	e.done = done
	e.runMu.Unlock()

	slog.Info("starting model discovery",
		"servers", len(e.servers),
		"interval", e.interval.String(),
	)

	e.Sweep(ctx)
	go e.loop(ctx, done)
}

// Stop cancels periodic discovery and waits for the loop to exit. Safe to call repeatedly.
func (e *Engine) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	e.cancel = nil
	e.done = nil
	slog.Info("model discovery stopped")
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// ForceDiscovery sweeps immediately and returns the resulting stats.
func (e *Engine) ForceDiscovery(ctx context.Context) Stats {
	e.Sweep(ctx)
	return e.Stats()
}

// Sweep polls every server concurrently. A failing server contributes no
// entries and never fails the sweep.
func (e *Engine) Sweep(ctx context.Context) {
	if !e.Enabled() {
		return
	}

	ctx, span := telemetry.StartSweep(ctx, len(e.servers))
	defer span.End()

	var wg sync.WaitGroup
	for _, server := range e.servers {
		wg.Add(1)
		go func(server domain.ServerAddr) {
			defer wg.Done()

			models, err := e.poll(ctx, server)
			e.observe(ctx, server, err)
			if err != nil {
				return
			}

			e.mu.Lock()
			for _, id := range models {
				e.backends[id] = domain.NewBackendEndpoint(id, server.Host, server.Port)
			}
			e.mu.Unlock()

			slog.Debug("discovered models", "server", server.String(), "models", len(models))
		}(server)
	}
	wg.Wait()

	e.mu.Lock()
	e.lastDiscovery = time.Now()
	total := len(e.backends)
	e.mu.Unlock()

	metrics.SetDiscoveredModels(total)
}

func (e *Engine) poll(ctx context.Context, server domain.ServerAddr) ([]string, error) {
	ctx, span := telemetry.StartPoll(ctx, server)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.BaseURL()+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		e.logPollError(server, err)
		telemetry.Fail(span, err)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status %d", resp.StatusCode)
		slog.Warn("model discovery failed", "server", server.String(), "error", err)
		telemetry.Fail(span, err)
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxModelsBody))
	if err != nil {
		slog.Warn("model discovery failed", "server", server.String(), "error", err)
		return nil, fmt.Errorf("read response: %w", err)
	}

	data := gjson.GetBytes(body, "data")
	if !data.IsArray() {
		err := errors.New("invalid response format, expected data array")
		slog.Warn("model discovery failed", "server", server.String(), "error", err)
		telemetry.Fail(span, err)
		return nil, err
	}

	var models []string
	data.ForEach(func(_, model gjson.Result) bool {
		if id := model.Get("id").String(); id != "" {
			models = append(models, id)
		}
		return true
	})

	return models, nil
}

func (e *Engine) logPollError(server domain.ServerAddr, err error) {
	var netErr net.Error
	var opErr *net.OpError
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		slog.Warn("discovery server not reachable (timeout)", "server", server.String())
	case errors.As(err, &opErr) && opErr.Op == "dial":
		slog.Warn("discovery server not reachable (connection refused)", "server", server.String())
	default:
		slog.Warn("model discovery failed", "server", server.String(), "error", err)
	}
}

// observe tracks per-server reachability and notifies on transitions.
// A server that is down on its first poll is reported once.
func (e *Engine) observe(ctx context.Context, server domain.ServerAddr, pollErr error) {
	up := pollErr == nil
	metrics.RecordDiscoveryPoll(server.String(), up)

	e.mu.Lock()
	prev, known := e.reachable[server]
	e.reachable[server] = up
	e.mu.Unlock()

	if e.notifier == nil || (known && prev == up) || (!known && up) {
		return
	}

	n := notifications.BackendUp(server.String())
	if !up {
		n = notifications.BackendDown(server.String(), pollErr)
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.notifier.Send(sendCtx, n); err != nil {
		slog.Warn("failed to send discovery notification", "server", server.String(), "error", err)
	}
}

func (e *Engine) Backend(model string) (domain.BackendEndpoint, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.backends[model]
	return b, ok
}

// Backends returns a snapshot of the discovered map.
func (e *Engine) Backends() map[string]domain.BackendEndpoint {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]domain.BackendEndpoint, len(e.backends))
	for k, v := range e.backends {
		out[k] = v
	}
	return out
}

func (e *Engine) ModelNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.backends))
	for name := range e.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Engine) Servers() []domain.ServerAddr {
	out := make([]domain.ServerAddr, len(e.servers))
	copy(out, e.servers)
	return out
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	reachable := 0
	for _, up := range e.reachable {
		if up {
			reachable++
		}
	}

	return Stats{
		ServersConfigured: len(e.servers),
		ServersReachable:  reachable,
		ModelsDiscovered:  len(e.backends),
		LastDiscovery:     e.lastDiscovery,
	}
}

package discovery

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/felipepmaragno/llmmux/internal/domain"
	"github.com/felipepmaragno/llmmux/internal/notifications"
)

func addrOf(t *testing.T, srv *httptest.Server) domain.ServerAddr {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return domain.ServerAddr{Host: host, Port: port}
}

func modelsServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Accept") != "application/json" {
			t.Errorf("Accept = %q, want application/json", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEngine_Sweep(t *testing.T) {
	srv := modelsServer(t, `{"object":"list","data":[{"id":"llama3","object":"model"},{"id":"qwen2.5"}]}`)
	addr := addrOf(t, srv)

	e := New([]domain.ServerAddr{addr}, Options{Timeout: time.Second})
	e.Sweep(context.Background())

	b, ok := e.Backend("llama3")
	if !ok {
		t.Fatal("expected llama3 to be discovered")
	}
	want := domain.NewBackendEndpoint("llama3", addr.Host, addr.Port)
	if b != want {
		t.Errorf("Backend() = %+v, want %+v", b, want)
	}

	names := e.ModelNames()
	if len(names) != 2 || names[0] != "llama3" || names[1] != "qwen2.5" {
		t.Errorf("ModelNames() = %v", names)
	}

	stats := e.Stats()
	if stats.ServersConfigured != 1 || stats.ServersReachable != 1 || stats.ModelsDiscovered != 2 {
		t.Errorf("Stats() = %+v", stats)
	}
	if stats.LastDiscovery.IsZero() {
		t.Error("LastDiscovery should be set after a sweep")
	}
}

func TestEngine_SweepIsolatesFailures(t *testing.T) {
	good := modelsServer(t, `{"data":[{"id":"good-model"}]}`)
	malformed := modelsServer(t, `{"data":{"id":"not-an-array"}}`)
	garbage := modelsServer(t, `not json`)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(failing.Close)

	refused := httptest.NewServer(http.NotFoundHandler())
	refusedAddr := addrOf(t, refused)
	refused.Close()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(slow.Close)

	servers := []domain.ServerAddr{
		addrOf(t, malformed),
		addrOf(t, garbage),
		addrOf(t, failing),
		refusedAddr,
		addrOf(t, slow),
		addrOf(t, good),
	}

	e := New(servers, Options{Timeout: 100 * time.Millisecond})

	start := time.Now()
	e.Sweep(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("sweep took %v, slow server should be bounded by the poll timeout", elapsed)
	}

	names := e.ModelNames()
	if len(names) != 1 || names[0] != "good-model" {
		t.Errorf("ModelNames() = %v, want [good-model]", names)
	}
	if got := e.Stats().ServersReachable; got != 1 {
		t.Errorf("ServersReachable = %d, want 1", got)
	}
}

func TestEngine_StaleEntriesRetained(t *testing.T) {
	var second atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if second.Load() {
			_, _ = w.Write([]byte(`{"data":[{"id":"a"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"a"},{"id":"b"}]}`))
	}))
	t.Cleanup(srv.Close)

	e := New([]domain.ServerAddr{addrOf(t, srv)}, Options{Timeout: time.Second})
	e.Sweep(context.Background())
	second.Store(true)
	e.Sweep(context.Background())

	if _, ok := e.Backend("b"); !ok {
		t.Error("model no longer reported should remain until overwritten")
	}
}

func TestEngine_SharedModelLastWriterWins(t *testing.T) {
	s1 := modelsServer(t, `{"data":[{"id":"shared"}]}`)
	s2 := modelsServer(t, `{"data":[{"id":"shared"}]}`)
	a1, a2 := addrOf(t, s1), addrOf(t, s2)

	e := New([]domain.ServerAddr{a1, a2}, Options{Timeout: time.Second})
	e.Sweep(context.Background())

	b, ok := e.Backend("shared")
	if !ok {
		t.Fatal("expected shared to be discovered")
	}
	if b.Port != a1.Port && b.Port != a2.Port {
		t.Errorf("shared resolved to %+v, want one of the two servers", b)
	}
	if len(e.Backends()) != 1 {
		t.Errorf("expected a single entry for shared, got %d", len(e.Backends()))
	}
}

func TestEngine_NoServers(t *testing.T) {
	e := New(nil, Options{})

	if e.Enabled() {
		t.Error("engine with no servers should be disabled")
	}

	e.Start(context.Background())
	e.Sweep(context.Background())
	e.Stop()
	e.Stop()

	if stats := e.Stats(); stats.ModelsDiscovered != 0 || !stats.LastDiscovery.IsZero() {
		t.Errorf("Stats() = %+v, want empty", stats)
	}
}

func TestEngine_StartStop(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		_, _ = w.Write([]byte(`{"data":[{"id":"m"}]}`))
	}))
	t.Cleanup(srv.Close)

	e := New([]domain.ServerAddr{addrOf(t, srv)}, Options{Interval: 20 * time.Millisecond, Timeout: time.Second})
	e.Start(context.Background())

	if polls.Load() < 1 {
		t.Fatal("Start should sweep synchronously before returning")
	}

	// second Start is a no-op
	e.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for polls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if polls.Load() < 3 {
		t.Fatalf("expected periodic polls, got %d", polls.Load())
	}

	e.Stop()
	e.Stop()

	after := polls.Load()
	time.Sleep(100 * time.Millisecond)
	if polls.Load() != after {
		t.Errorf("polls continued after Stop: %d -> %d", after, polls.Load())
	}
}

func TestEngine_ForceDiscovery(t *testing.T) {
	srv := modelsServer(t, `{"data":[{"id":"x"},{"id":"y"}]}`)

	e := New([]domain.ServerAddr{addrOf(t, srv)}, Options{Timeout: time.Second})
	stats := e.ForceDiscovery(context.Background())

	if stats.ModelsDiscovered != 2 {
		t.Errorf("ModelsDiscovered = %d, want 2", stats.ModelsDiscovered)
	}
}

func TestEngine_NotifiesOnTransitions(t *testing.T) {
	var down atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"m"}]}`))
	}))
	t.Cleanup(srv.Close)

	notifier := notifications.NewCollector()
	e := New([]domain.ServerAddr{addrOf(t, srv)}, Options{Timeout: time.Second, Notifier: notifier})

	e.Sweep(context.Background()) // first seen up: no notification
	down.Store(true)
	e.Sweep(context.Background()) // up -> down
	e.Sweep(context.Background()) // still down: no notification
	down.Store(false)
	e.Sweep(context.Background()) // down -> up

	got := notifier.Sent()
	if len(got) != 2 {
		t.Fatalf("got %d notifications, want 2: %+v", len(got), got)
	}
	if got[0].Type != notifications.NotificationBackendDown {
		t.Errorf("first notification = %s, want backend_down", got[0].Type)
	}
	if got[1].Type != notifications.NotificationBackendUp {
		t.Errorf("second notification = %s, want backend_up", got[1].Type)
	}
}

func TestEngine_ConcurrentReadsDuringSweep(t *testing.T) {
	srv := modelsServer(t, `{"data":[{"id":"m1"},{"id":"m2"},{"id":"m3"}]}`)
	addr := addrOf(t, srv)
	e := New([]domain.ServerAddr{addr}, Options{Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ctx.Err() == nil {
			if b, ok := e.Backend("m1"); ok && b.BaseURL != addr.BaseURL() {
				t.Errorf("observed partial endpoint %+v", b)
				return
			}
			_ = e.ModelNames()
		}
	}()

	for i := 0; i < 20; i++ {
		e.Sweep(context.Background())
	}
	cancel()
	<-done
}

// Package circuitbreaker fails fast on backends that keep erroring.
//
// A breaker starts Closed. FailureThreshold consecutive failures open it; after
// Timeout the next Allow moves it to HalfOpen, where SuccessThreshold successes
// close it again and any failure reopens it.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/felipepmaragno/llmmux/internal/domain"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	config      Config
	onChange    func(State)
}

func New(cfg Config) *Breaker {
	return &Breaker{state: StateClosed, config: cfg}
}

func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	b.state = s
	if b.onChange != nil {
		b.onChange(s)
	}
}

// Allow returns ErrCircuitBreakerOpen while the breaker is open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}
	if time.Since(b.lastFailure) > b.config.Timeout {
		b.successes = 0
		b.setState(StateHalfOpen)
		return nil
	}
	return domain.ErrCircuitBreakerOpen
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.failures = 0
			b.successes = 0
			b.setState(StateClosed)
		}
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.successes = 0
		b.setState(StateOpen)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Manager keeps one breaker per backend base URL.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
	onChange func(backend string, s State)
}

type ManagerOption func(*Manager)

// WithStateListener is called under the breaker's lock whenever a breaker changes state.
func WithStateListener(fn func(backend string, s State)) ManagerOption {
	return func(m *Manager) {
		m.onChange = fn
	}
}

func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		breakers: make(map[string]*Breaker),
		config:   cfg,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Get(backend string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[backend]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.breakers[backend]; ok {
		return existing
	}

	b = New(m.config)
	if m.onChange != nil {
		onChange := m.onChange
		b.onChange = func(s State) { onChange(backend, s) }
	}
	m.breakers[backend] = b
	return b
}

func (m *Manager) States() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]string, len(m.breakers))
	for id, b := range m.breakers {
		states[id] = b.State().String()
	}
	return states
}

// Package breaker implements the circuit breaker guarding the pipeline's two
// flaky dependencies: the AI suggestion capability and the NPHIES gateway.
package breaker

import (
	"errors"
	"log"
	"sync"
	"time"
)

// State represents the breaker state.
type State int

const (
	StateClosed   State = iota // normal operation, requests pass through
	StateOpen                  // failure threshold exceeded, requests blocked
	StateHalfOpen              // probing whether the dependency recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned when the breaker short-circuits a call.
var ErrOpen = errors.New("circuit breaker is open")

// ErrTooManyRequests is returned when the half-open probe budget is spent.
var ErrTooManyRequests = errors.New("too many requests in half-open state")

// Counts holds request/response counts for the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// FailureRatio returns the failure ratio for the current generation.
func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0.0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

func (c *Counts) clear() {
	*c = Counts{}
}

func (c *Counts) onSuccess() {
	c.Requests++
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.Requests++
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Config tunes one breaker.
type Config struct {
	// Name identifies the breaker in logs.
	Name string

	// MaxRequests is the probe budget in half-open state.
	MaxRequests uint32

	// Interval is the cyclic period in closed state for clearing counts.
	Interval time.Duration

	// Timeout is the cool-down in open state before half-open probing.
	Timeout time.Duration

	// ReadyToTrip decides whether a closed breaker opens after a failure.
	ReadyToTrip func(counts Counts) bool
}

// ForAI tunes a breaker for the AI suggestion capability: K consecutive
// failures within the window open it for the cool-down.
func ForAI(failures int, window, cooldown time.Duration) *Config {
	return &Config{
		Name:        "ai-suggester",
		MaxRequests: 1,
		Interval:    window,
		Timeout:     cooldown,
		ReadyToTrip: func(c Counts) bool {
			return c.ConsecutiveFailures >= uint32(failures)
		},
	}
}

// ForGateway tunes a breaker for one facility+endpoint pair on the NPHIES
// side: a 50% failure rate over a 30-request window opens it, as does a
// 15-failure streak (half the window). Closed-state counts reset every 30 s
// so the ratio tracks recent traffic, not process lifetime. Half-open probes
// one request per 15 s cool-down.
func ForGateway(name string) *Config {
	return &Config{
		Name:        name,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(c Counts) bool {
			if c.ConsecutiveFailures >= 15 {
				return true
			}
			return c.Requests >= 30 && c.FailureRatio() >= 0.5
		},
	}
}

// Breaker is a mutex-guarded circuit breaker with generation tracking so
// results from a previous generation never pollute the current counts.
type Breaker struct {
	cfg *Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// New creates a breaker in the closed state.
func New(cfg *Config) *Breaker {
	b := &Breaker{cfg: cfg, state: StateClosed}
	b.toNewGeneration(time.Now())
	return b
}

// State returns the current state, applying any pending expiry transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(time.Now())
	return state
}

// Counts returns the current generation's counts.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Execute runs fn if the breaker allows it, recording the outcome.
func (b *Breaker) Execute(fn func() error) error {
	generation, err := b.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.afterRequest(generation, false)
			panic(r)
		}
	}()

	err = fn()
	b.afterRequest(generation, err == nil)
	return err
}

func (b *Breaker) beforeRequest() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)

	if state == StateOpen {
		return generation, ErrOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.cfg.MaxRequests {
		return generation, ErrTooManyRequests
	}

	b.counts.Requests++
	return generation, nil
}

func (b *Breaker) afterRequest(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, currentGeneration := b.currentState(now)
	if generation != currentGeneration {
		return // stale result
	}

	if success {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

func (b *Breaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.onSuccess()
	case StateHalfOpen:
		b.counts.onSuccess()
		if b.counts.ConsecutiveSuccesses >= b.cfg.MaxRequests {
			b.setState(StateClosed, now)
		}
	}
}

func (b *Breaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.onFailure()
		if b.cfg.ReadyToTrip(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.toNewGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.toNewGeneration(now)
	log.Printf("[BREAKER:%s] state change: %s -> %s", b.cfg.Name, prev, state)
}

func (b *Breaker) toNewGeneration(now time.Time) {
	b.generation++
	b.counts.clear()

	switch b.state {
	case StateClosed:
		if b.cfg.Interval > 0 {
			b.expiry = now.Add(b.cfg.Interval)
		} else {
			b.expiry = time.Time{}
		}
	case StateOpen:
		b.expiry = now.Add(b.cfg.Timeout)
	default:
		b.expiry = time.Time{}
	}
}

// Manager hands out one breaker per key, creating on first use. The gateway
// client keys by facility+endpoint.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	newCfg   func(name string) *Config
}

// NewManager creates a manager; newCfg builds the config for a fresh key.
func NewManager(newCfg func(name string) *Config) *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
		newCfg:   newCfg,
	}
}

// Get returns the breaker for the key, creating it if necessary.
func (m *Manager) Get(key string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[key]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[key]; ok {
		return b
	}
	b = New(m.newCfg(key))
	m.breakers[key] = b
	return b
}

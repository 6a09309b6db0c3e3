// Package circuitbreaker implements the circuit breaker pattern.
//
// A circuit breaker tracks consecutive failures against one resource and
// temporarily blocks calls to it once a threshold is reached.
//
// States:
//   - Closed: Normal operation, requests allowed
//   - Open: Too many failures, requests blocked
//   - HalfOpen: Cooldown elapsed, a single trial request allowed
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	Closed   State = iota // Normal operation, requests allowed
	Open                  // Failing, requests blocked
	HalfOpen              // Probing whether the resource recovered
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds configuration for a circuit breaker.
type Config struct {
	Threshold int              // Failures before circuit opens (default: 5)
	Cooldown  time.Duration    // Time before half-open (default: 30s)
	Now       func() time.Time // Clock (default: time.Now)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Cooldown:  30 * time.Second,
		Now:       time.Now,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.Now == nil {
		c.Now = d.Now
	}
	return c
}

// Breaker implements the circuit breaker pattern for a single resource.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	state    State
	failures int       // consecutive failures
	openedAt time.Time // when the circuit last opened
	trialing bool      // a half-open trial request is in flight
}

// New creates a new circuit breaker.
func New(cfg Config) *Breaker {
	return &Breaker{
		cfg:   cfg.withDefaults(),
		state: Closed,
	}
}

// Allow returns true if a request should be attempted. In the half-open
// state only the first caller is let through until its outcome is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.state = HalfOpen
		b.trialing = true
		return true

	case HalfOpen:
		if b.trialing {
			return false
		}
		b.trialing = true
		return true

	default:
		return true
	}
}

// RecordSuccess records a successful request and closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.trialing = false
	b.state = Closed
}

// RecordFailure records a failed request. A failed trial reopens the
// circuit immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.trialing = false

	if b.state == HalfOpen || b.failures >= b.cfg.Threshold {
		b.state = Open
		b.openedAt = b.cfg.Now()
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

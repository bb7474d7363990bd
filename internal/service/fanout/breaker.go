package fanout

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned for deliveries skipped by an open breaker.
var ErrCircuitOpen = errors.New("fanout: circuit breaker is open")

// BreakerState is the operating mode of a Breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

// String returns the string representation of the state.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a Breaker.
type BreakerConfig struct {
	MaxFailures  int           // consecutive failures before opening, default 5
	ResetTimeout time.Duration // time spent open before a trial call, default 30s
	Clock        func() time.Time
}

// Breaker is a three-state circuit breaker guarding one endpoint. A single
// trial call is let through in the half-open state.
type Breaker struct {
	maxFailures  int
	resetTimeout time.Duration
	now          func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	inTrial  bool
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Breaker{maxFailures: cfg.MaxFailures, resetTimeout: cfg.ResetTimeout, now: cfg.Clock}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn unless the breaker is open.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.state = BreakerHalfOpen
		b.inTrial = false
		fallthrough
	case BreakerHalfOpen:
		if b.inTrial {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.inTrial = true
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.state = BreakerClosed
		b.failures = 0
		b.inTrial = false
		return nil
	}
	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.maxFailures {
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.inTrial = false
	}
	return err
}

// Breakers hands out one Breaker per endpoint so failures are shared across
// sessions.
type Breakers struct {
	cfg BreakerConfig
	mu  sync.Mutex
	m   map[string]*Breaker
}

// NewBreakers creates an empty set.
func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{cfg: cfg, m: make(map[string]*Breaker)}
}

// For returns the breaker for key, creating it on first use.
func (b *Breakers) For(key string) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	br, ok := b.m[key]
	if !ok {
		br = NewBreaker(b.cfg)
		b.m[key] = br
	}
	return br
}

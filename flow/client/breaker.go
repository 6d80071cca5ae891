package client

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig holds the per-provider circuit breaker tuning.
type BreakerConfig struct {
	// FailuresToOpen is the consecutive-failure count that trips the
	// breaker from closed to open.
	FailuresToOpen int

	// Window is the rolling interval over which consecutive failures are
	// counted while the breaker is closed.
	Window time.Duration

	// Cooldown is how long the breaker stays open before admitting
	// half-open probes.
	Cooldown time.Duration

	// HalfOpenProbes is the number of probe requests admitted in
	// half-open state. That many consecutive successes close the
	// breaker; any failure reopens it.
	HalfOpenProbes int
}

// DefaultBreakerConfig matches the standard resilience tuning: open after 5
// consecutive failures within 60s, 30s cooldown, 2 half-open probes.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailuresToOpen: 5,
		Window:         60 * time.Second,
		Cooldown:       30 * time.Second,
		HalfOpenProbes: 2,
	}
}

// breakerSet lazily creates one circuit breaker per provider.
//
// Breaker state is process-lifetime: it persists across workflow invocations
// so a failing provider stays short-circuited for every caller.
type breakerSet struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker

	// onStateChange, if set, observes breaker transitions (metrics,
	// events). Called from gobreaker with its internal lock held, so it
	// must not call back into the breaker.
	onStateChange func(provider string, from, to gobreaker.State)
}

func newBreakerSet(cfg BreakerConfig, onStateChange func(string, gobreaker.State, gobreaker.State)) *breakerSet {
	if cfg.FailuresToOpen <= 0 {
		cfg = DefaultBreakerConfig()
	}
	return &breakerSet{
		cfg:           cfg,
		breakers:      make(map[string]*gobreaker.CircuitBreaker),
		onStateChange: onStateChange,
	}
}

// forProvider returns the provider's breaker, creating it on first use.
func (s *breakerSet) forProvider(provider string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[provider]; ok {
		return cb
	}

	threshold := uint32(s.cfg.FailuresToOpen) // #nosec G115 -- validated positive small config value
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        provider,
		MaxRequests: uint32(s.cfg.HalfOpenProbes), // #nosec G115 -- validated positive small config value
		Interval:    s.cfg.Window,
		Timeout:     s.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if s.onStateChange != nil {
				s.onStateChange(name, from, to)
			}
		},
	})
	s.breakers[provider] = cb
	return cb
}

// state reports the provider's current breaker state, defaulting to closed
// for providers that have never been called.
func (s *breakerSet) state(provider string) gobreaker.State {
	s.mu.Lock()
	cb, ok := s.breakers[provider]
	s.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

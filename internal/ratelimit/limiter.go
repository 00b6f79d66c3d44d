// Package ratelimit enforces per-identity quotas with sliding windows.
//
// Denials never drop the connection; callers translate them to an error
// response carrying a retry-after hint.
package ratelimit

import (
	"sync"
	"time"
)

// Config holds rate limiter tuning.
type Config struct {
	// MessagesPerWindow is the message-volume quota per identity.
	MessagesPerWindow int
	// Window is the sliding window length for message volume.
	Window time.Duration
	// MaxConcurrentExecutions bounds in-flight executions per identity.
	MaxConcurrentExecutions int
}

// DefaultConfig returns the default limiter tuning.
func DefaultConfig() Config {
	return Config{
		MessagesPerWindow:       120,
		Window:                  time.Minute,
		MaxConcurrentExecutions: 10,
	}
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

type identityState struct {
	// stamps holds the send times inside the current window, oldest first.
	stamps    []time.Time
	executing int
}

// Limiter tracks sliding-window message counts and concurrent-execution
// counts per identity.
type Limiter struct {
	mu     sync.Mutex
	config Config
	states map[string]*identityState
	clock  func() time.Time
}

// New creates a limiter with the given tuning.
func New(config Config) *Limiter {
	if config.MessagesPerWindow <= 0 {
		config.MessagesPerWindow = 120
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.MaxConcurrentExecutions <= 0 {
		config.MaxConcurrentExecutions = 10
	}
	return &Limiter{
		config: config,
		states: make(map[string]*identityState),
		clock:  time.Now,
	}
}

// WithClock overrides the time source for tests.
func (l *Limiter) WithClock(clock func() time.Time) *Limiter {
	l.clock = clock
	return l
}

func (l *Limiter) state(identity string) *identityState {
	s, ok := l.states[identity]
	if !ok {
		s = &identityState{}
		l.states[identity] = s
	}
	return s
}

// CheckAndConsume consumes cost units of the identity's message quota.
// Denied decisions carry the time until enough quota frees up.
func (l *Limiter) CheckAndConsume(identity string, cost int) Decision {
	if cost <= 0 {
		cost = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	s := l.state(identity)

	// Drop stamps that slid out of the window.
	cutoff := now.Add(-l.config.Window)
	kept := s.stamps[:0]
	for _, ts := range s.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.stamps = kept

	if len(s.stamps)+cost > l.config.MessagesPerWindow {
		// The request fits once the blocking stamps expire. The first
		// blocking stamp is the one whose expiry frees enough room.
		overflow := len(s.stamps) + cost - l.config.MessagesPerWindow
		idx := overflow - 1
		if idx >= len(s.stamps) {
			idx = len(s.stamps) - 1
		}
		retryAfter := l.config.Window
		if idx >= 0 {
			retryAfter = s.stamps[idx].Add(l.config.Window).Sub(now)
		}
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}

	for i := 0; i < cost; i++ {
		s.stamps = append(s.stamps, now)
	}
	return Decision{Allowed: true}
}

// AcquireExecution consumes one concurrent-execution slot.
func (l *Limiter) AcquireExecution(identity string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.state(identity)
	if s.executing >= l.config.MaxConcurrentExecutions {
		return Decision{Allowed: false}
	}
	s.executing++
	return Decision{Allowed: true}
}

// ReleaseExecution frees a concurrent-execution slot.
func (l *Limiter) ReleaseExecution(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.states[identity]
	if !ok || s.executing == 0 {
		return
	}
	s.executing--
}

// Forget drops all state for an identity.
func (l *Limiter) Forget(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.states, identity)
}

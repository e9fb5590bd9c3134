package engine

import (
	"sync"
	"time"

	"github.com/rendis/maestro/pkg/schema"
)

// CircuitState is the dispatch state of one worker's breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // dispatches flow
	CircuitOpen                         // dispatches rejected until the cooldown elapses
	CircuitHalfOpen                     // a bounded number of trial dispatches
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes the per-worker breakers.
type CircuitBreakerConfig struct {
	FailureThreshold int           // consecutive failed attempts that open a breaker
	Cooldown         time.Duration // how long an open breaker rejects dispatches
	HalfOpenMax      int           // dispatches allowed while half-open
	IdleTTL          time.Duration // breakers untouched this long are forgotten; 0 = keep
}

// DefaultCircuitBreakerConfig returns the engine defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
		IdleTTL:          10 * time.Minute,
	}
}

// workerBreaker is the failure record of one worker. Guarded by the
// registry mutex.
type workerBreaker struct {
	state    CircuitState
	failures int
	openedAt time.Time
	trials   int
	touched  time.Time
}

// CircuitBreakerRegistry tracks worker health across every workflow the
// engine runs. Assignment skips candidates whose breaker is open. Only
// workers that failed get an entry, and Prune drops entries that went
// quiet.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*workerBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakerRegistry creates an empty registry.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*workerBreaker),
		config:   config,
		now:      time.Now,
	}
}

// AllowRequest returns nil when workerID may take a dispatch and a
// CIRCUIT_OPEN error otherwise.
func (r *CircuitBreakerRegistry) AllowRequest(workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[workerID]
	if !ok {
		return nil
	}
	now := r.now()
	b.touched = now
	r.advance(b, now)

	switch b.state {
	case CircuitOpen:
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for worker %q: %d consecutive failures", workerID, b.failures).
			WithDetails(map[string]any{
				"worker_id":            workerID,
				"consecutive_failures": b.failures,
				"state":                b.state.String(),
				"cooldown_remaining":   (r.config.Cooldown - now.Sub(b.openedAt)).String(),
			})
	case CircuitHalfOpen:
		if b.trials >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for worker %q: trial dispatch already in flight", workerID).
				WithDetails(map[string]any{"worker_id": workerID, "state": b.state.String()})
		}
		b.trials++
	}
	return nil
}

// RecordSuccess closes the breaker of workerID.
func (r *CircuitBreakerRegistry) RecordSuccess(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[workerID]
	if !ok {
		return
	}
	b.state = CircuitClosed
	b.failures = 0
	b.trials = 0
	b.touched = r.now()
}

// RecordFailure counts a failed attempt on workerID and returns the
// resulting state. A failure while half-open reopens immediately.
func (r *CircuitBreakerRegistry) RecordFailure(workerID string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	b, ok := r.breakers[workerID]
	if !ok {
		b = &workerBreaker{}
		r.breakers[workerID] = b
	}
	b.touched = now
	b.failures++
	if b.state == CircuitHalfOpen || b.failures >= r.config.FailureThreshold {
		b.state = CircuitOpen
		b.openedAt = now
		b.trials = 0
	}
	return b.state
}

// GetState reports the state of workerID without counting as a dispatch.
func (r *CircuitBreakerRegistry) GetState(workerID string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[workerID]
	if !ok {
		return CircuitClosed
	}
	r.advance(b, r.now())
	return b.state
}

// GetStats returns diagnostic fields for workerID.
func (r *CircuitBreakerRegistry) GetStats(workerID string) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, failures := CircuitClosed, 0
	if b, ok := r.breakers[workerID]; ok {
		r.advance(b, r.now())
		state, failures = b.state, b.failures
	}
	return map[string]any{
		"worker_id":            workerID,
		"state":                state.String(),
		"consecutive_failures": failures,
		"failure_threshold":    r.config.FailureThreshold,
		"cooldown":             r.config.Cooldown.String(),
	}
}

// Len returns the number of tracked workers.
func (r *CircuitBreakerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.breakers)
}

// Prune forgets breakers untouched for IdleTTL. An open breaker is kept
// until its cooldown has elapsed. It returns how many were dropped.
func (r *CircuitBreakerRegistry) Prune(now time.Time) int {
	if r.config.IdleTTL <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, b := range r.breakers {
		if now.Sub(b.touched) < r.config.IdleTTL {
			continue
		}
		if b.state == CircuitOpen && now.Sub(b.openedAt) < r.config.Cooldown {
			continue
		}
		delete(r.breakers, id)
		n++
	}
	return n
}

// advance moves an open breaker to half-open once its cooldown elapsed.
func (r *CircuitBreakerRegistry) advance(b *workerBreaker, now time.Time) {
	if b.state == CircuitOpen && now.Sub(b.openedAt) >= r.config.Cooldown {
		b.state = CircuitHalfOpen
		b.trials = 0
	}
}

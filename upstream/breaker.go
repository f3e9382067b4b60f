// Circuit Breaker (C3): a mutex-guarded Closed/Open/HalfOpen state
// machine protecting calls to the upstream registry API.
package upstream

import (
	"sync"
	"time"

	"encore.app/apperr"
)

// CircuitState is one of Closed, Open, HalfOpen.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker tracks upstream failures and short-circuits calls when the
// upstream looks unhealthy, probing for recovery after a cooldown. All state
// transitions are linearized under a single mutex (spec.md §4.3/§5).
type CircuitBreaker struct {
	mu sync.Mutex

	state            CircuitState
	failureThreshold int
	recoveryTimeout  time.Duration
	halfOpenRequired int

	failures         int
	successesHalf    int
	openedAt         time.Time

	now func() time.Time

	// onTransition, if set, is invoked (outside the lock) on every state
	// change. Used by Observability to count circuit_opens_total.
	onTransition func(from, to CircuitState)
}

// NewCircuitBreaker builds a breaker from cfg.
func NewCircuitBreaker(cfg Config) *CircuitBreaker {
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: cfg.CircuitFailureThreshold,
		recoveryTimeout:  cfg.CircuitRecovery(),
		halfOpenRequired: cfg.CircuitHalfOpenSuccesses,
		now:              time.Now,
	}
}

// OnTransition registers a callback invoked on every state transition.
func (b *CircuitBreaker) OnTransition(fn func(from, to CircuitState)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// State returns the current circuit state.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn if the circuit admits calls, and records the outcome.
// Returns CircuitOpen without calling fn if the circuit is Open and the
// recovery timeout hasn't elapsed.
func (b *CircuitBreaker) Execute(fn func() error) error {
	if !b.admit() {
		return apperr.New(apperr.KindCircuitOpen, "upstream temporarily protected from traffic")
	}

	err := fn()
	b.report(err)
	return err
}

// admit decides whether a call may proceed, transitioning Open -> HalfOpen
// when the recovery timeout has elapsed.
func (b *CircuitBreaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.recoveryTimeout {
			b.transitionLocked(StateHalfOpen)
			b.successesHalf = 0
			return true
		}
		return false
	default:
		return true
	}
}

// report records the outcome of a call that was admitted.
func (b *CircuitBreaker) report(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	isFailure := err != nil && apperr.IsCircuitFailure(err)

	switch b.state {
	case StateClosed:
		if isFailure {
			b.failures++
			if b.failures >= b.failureThreshold {
				b.openedAt = b.now()
				b.transitionLocked(StateOpen)
			}
		} else {
			b.failures = 0
		}
	case StateHalfOpen:
		if isFailure {
			b.openedAt = b.now()
			b.transitionLocked(StateOpen)
		} else {
			b.successesHalf++
			if b.successesHalf >= b.halfOpenRequired {
				b.failures = 0
				b.transitionLocked(StateClosed)
			}
		}
	case StateOpen:
		// Calls shouldn't reach here (admit() gates them), but stay defensive.
	}
}

// transitionLocked must be called with b.mu held.
func (b *CircuitBreaker) transitionLocked(to CircuitState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if cb := b.onTransition; cb != nil {
		// Invoke outside the lock to avoid reentrancy deadlocks in callbacks
		// that might themselves query the breaker.
		go cb(from, to)
	}
}

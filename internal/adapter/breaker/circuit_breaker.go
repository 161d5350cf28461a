// Package breaker implements the per-instance adaptive circuit breaker.
package breaker

import (
	"sync/atomic"
	"time"

	"github.com/thushan/fleetctl/internal/core/constants"
)

// State mirrors the three breaker states named in the component design.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker is one per Instance. Atomics guard the hot counters so the
// request path never takes a lock. The failure threshold is adaptive: it
// grows by one every time the breaker trips Open (up to
// DefaultCircuitBreakerMaxThreshold) and shrinks by one every time a
// HalfOpen probe succeeds (down to DefaultCircuitBreakerMinThreshold), so a
// chronically flaky instance widens its own tolerance instead of thrashing
// open and closed on every request.
type CircuitBreaker struct {
	state               int32 // atomic State
	consecutiveFailures int64 // atomic
	lastFailureAt       int64 // atomic unix nano
	threshold           int64 // atomic

	recoveryTimeout time.Duration
}

// New builds a breaker with the given initial failure threshold and
// recovery timeout (both from load_balancer.circuit_breaker in config).
// A non-positive failureThreshold falls back to the documented default.
func New(failureThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	if recoveryTimeout <= 0 {
		recoveryTimeout = constants.DefaultCircuitBreakerRecoveryTimeout
	}
	if failureThreshold <= 0 {
		failureThreshold = constants.DefaultCircuitBreakerFailureThreshold
	}
	cb := &CircuitBreaker{recoveryTimeout: recoveryTimeout}
	atomic.StoreInt64(&cb.threshold, int64(failureThreshold))
	atomic.StoreInt32(&cb.state, int32(Closed))
	return cb
}

// CanAttempt implements the can_attempt() state machine: Closed always
// allows, Open allows once the recovery timeout has elapsed (transitioning
// to HalfOpen), HalfOpen always allows. The number of attempts admitted
// while HalfOpen is not limited.
func (cb *CircuitBreaker) CanAttempt() bool {
	switch State(atomic.LoadInt32(&cb.state)) {
	case Closed, HalfOpen:
		return true
	case Open:
		last := atomic.LoadInt64(&cb.lastFailureAt)
		if time.Since(time.Unix(0, last)) > cb.recoveryTimeout {
			atomic.CompareAndSwapInt32(&cb.state, int32(Open), int32(HalfOpen))
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess resets the consecutive-failure counter and, if the breaker
// was HalfOpen, closes it and decrements the adaptive threshold (floor at
// the configured minimum).
func (cb *CircuitBreaker) RecordSuccess() {
	atomic.StoreInt64(&cb.consecutiveFailures, 0)
	if State(atomic.LoadInt32(&cb.state)) == HalfOpen {
		atomic.StoreInt32(&cb.state, int32(Closed))
		for {
			cur := atomic.LoadInt64(&cb.threshold)
			next := cur - 1
			if next < constants.DefaultCircuitBreakerMinThreshold {
				next = constants.DefaultCircuitBreakerMinThreshold
			}
			if next == cur || atomic.CompareAndSwapInt64(&cb.threshold, cur, next) {
				break
			}
		}
	}
}

// RecordFailure increments the consecutive-failure count and trips the
// breaker Open once it reaches the current adaptive threshold, incrementing
// the threshold afterward (ceiling at the configured maximum) so repeated
// trips on a flaky instance widen its own tolerance rather than thrash.
func (cb *CircuitBreaker) RecordFailure() {
	atomic.StoreInt64(&cb.lastFailureAt, time.Now().UnixNano())
	failures := atomic.AddInt64(&cb.consecutiveFailures, 1)
	threshold := atomic.LoadInt64(&cb.threshold)
	if failures >= threshold {
		if atomic.SwapInt32(&cb.state, int32(Open)) != int32(Open) {
			for {
				cur := atomic.LoadInt64(&cb.threshold)
				next := cur + 1
				if next > constants.DefaultCircuitBreakerMaxThreshold {
					next = constants.DefaultCircuitBreakerMaxThreshold
				}
				if next == cur || atomic.CompareAndSwapInt64(&cb.threshold, cur, next) {
					break
				}
			}
		}
	}
}

func (cb *CircuitBreaker) State() State {
	return State(atomic.LoadInt32(&cb.state))
}

func (cb *CircuitBreaker) Threshold() int64 {
	return atomic.LoadInt64(&cb.threshold)
}

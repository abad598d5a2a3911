package broadcast

import "sync/atomic"

// CircuitBreaker tracks consecutive delivery failures for one broadcast
// target's underlying transport, so a transiently slow or congested
// network write can be skipped cheaply instead of attempted (and blocking)
// on every frame, without the target being torn down outright the way a
// Broadcaster-level false return would.
//
// Grounded on server/client.go's sendHealth in the teacher: after
// Threshold consecutive send failures the breaker "opens" and the caller
// should skip sending for ProbeInterval-1 out of every ProbeInterval
// attempts, letting one probe through periodically to detect recovery.
type CircuitBreaker struct {
	Threshold     uint32
	ProbeInterval uint32

	failures atomic.Uint32
	skips    atomic.Uint32
}

// NewCircuitBreaker constructs a breaker with the given tuning. A zero
// threshold or probe interval selects the teacher-grounded defaults
// (DefaultFailureThreshold / DefaultProbeInterval).
func NewCircuitBreaker(threshold, probeInterval uint32) *CircuitBreaker {
	if threshold == 0 {
		threshold = DefaultFailureThreshold
	}
	if probeInterval == 0 {
		probeInterval = DefaultProbeInterval
	}
	return &CircuitBreaker{Threshold: threshold, ProbeInterval: probeInterval}
}

// Default tuning, grounded on the teacher's circuitBreakerThreshold (50,
// ~1s of voice at 50fps) and circuitBreakerProbeInterval (25) constants.
const (
	DefaultFailureThreshold = 50
	DefaultProbeInterval    = 25
)

// ShouldSkip reports whether the caller should skip attempting delivery
// this round. Returns false (never skip) until Threshold consecutive
// failures accumulate; once open, lets exactly one attempt through every
// ProbeInterval calls.
func (b *CircuitBreaker) ShouldSkip() bool {
	if b.failures.Load() < b.Threshold {
		return false
	}
	s := b.skips.Add(1)
	return s%b.ProbeInterval != 0
}

// RecordFailure increments the consecutive-failure counter and returns its
// new value, so the caller can log exactly once when the breaker opens.
func (b *CircuitBreaker) RecordFailure() uint32 {
	return b.failures.Add(1)
}

// RecordSuccess resets the breaker. It returns true if the breaker had
// tripped open, i.e. this success was a recovery probe.
func (b *CircuitBreaker) RecordSuccess() bool {
	wasOpen := b.failures.Swap(0) >= b.Threshold
	if wasOpen {
		b.skips.Store(0)
	}
	return wasOpen
}

// Open reports whether the breaker is currently tripped.
func (b *CircuitBreaker) Open() bool {
	return b.failures.Load() >= b.Threshold
}

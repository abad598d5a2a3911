package ring

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateGate implements the rate-limited logging policy from spec §4.1/§9:
// the first event is always emitted; subsequent events within a window are
// coalesced into at most one summary per window, and only if the window saw
// at least threshold occurrences.
type rateGate struct {
	mu        sync.Mutex
	limiter   *rate.Limiter
	count     int
	seenFirst bool
}

func newRateGate(window time.Duration) *rateGate {
	return &rateGate{limiter: rate.NewLimiter(rate.Every(window), 1)}
}

// event records one occurrence. It returns shouldLog=true the very first
// time it is called, and at most once per window thereafter with coalesced
// set to the number of occurrences folded into that summary (0 for the
// first, immediate event).
func (g *rateGate) event(threshold int) (shouldLog bool, coalesced int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.seenFirst {
		g.seenFirst = true
		return true, 0
	}

	g.count++
	if !g.limiter.Allow() {
		return false, 0
	}
	if g.count < threshold {
		g.count = 0
		return false, 0
	}
	n := g.count
	g.count = 0
	return true, n
}

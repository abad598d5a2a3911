// Package ring implements the jitter-compensating ring buffer described in
// spec §4.1: a fixed-capacity byte store shared between one producer side
// (capture/network receive) and one consumer side (playback/network send)
// that tolerates timing mismatch between the two without ever blocking the
// writer.
//
// Unlike a textbook condition-variable ring buffer, waiters are woken via a
// channel that is closed and replaced on every mutation — the same
// broadcast-on-close idiom the wider codebase uses for its audio frame
// queues — rather than sync.Cond, since Cond has no deadline-aware Wait.
package ring

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Stats are the observable overrun/underrun counters from spec §4.1.
type Stats struct {
	Overruns  uint64
	Underruns uint64
}

// Buffer is a fixed-capacity circular byte store. The zero value is not
// usable; construct with New.
type Buffer struct {
	mu       sync.Mutex
	buf      []byte
	capacity int

	writePos  int
	readPos   int
	available int
	closed    bool

	emptyWaitCh chan struct{} // closed+replaced whenever available goes 0 -> >0 (or on Close)
	fullWaitCh  chan struct{} // closed+replaced when a read or Clear frees space in a full buffer (or on Close)

	overruns  uint64
	underruns uint64

	overrunGate  *rateGate
	underrunGate *rateGate

	logger *zap.Logger
	name   string // identifies this buffer in log fields, e.g. "session:abc rx"

	// onOverrun/onUnderrun, when set via SetHooks, are invoked (without
	// b.mu held) every time the corresponding counter increments, so a
	// caller can mirror spec §4.1's observable counters into an external
	// collector (e.g. internal/metrics) without this package depending on
	// one.
	onOverrun  func()
	onUnderrun func()
}

// rateLimitWindow and eventThreshold implement the spec §4.1/§9 policy:
// first event immediate, then at most one summary per window if the window
// saw at least eventThreshold occurrences.
const (
	rateLimitWindow = 60 * time.Second
	eventThreshold  = 10
)

// New creates a ring buffer with the given byte capacity. logger may be nil,
// in which case overrun/underrun events are tracked but never logged. name
// is included in log fields to distinguish buffers in multi-session logs.
func New(capacityBytes int, logger *zap.Logger, name string) *Buffer {
	if capacityBytes <= 0 {
		capacityBytes = 1
	}
	return &Buffer{
		buf:          make([]byte, capacityBytes),
		capacity:     capacityBytes,
		emptyWaitCh:  make(chan struct{}),
		fullWaitCh:   make(chan struct{}),
		overrunGate:  newRateGate(rateLimitWindow),
		underrunGate: newRateGate(rateLimitWindow),
		logger:       logger,
		name:         name,
	}
}

// Capacity returns the buffer's fixed byte capacity. Immutable, safe
// without locking.
func (b *Buffer) Capacity() int { return b.capacity }

// SetHooks installs callbacks invoked on every overrun/underrun event
// (nil clears either). Intended for wiring into an external metrics
// collector; callbacks run outside b.mu so they must not call back into
// this Buffer.
func (b *Buffer) SetHooks(onOverrun, onUnderrun func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onOverrun = onOverrun
	b.onUnderrun = onUnderrun
}

// Write copies len(p) bytes into the buffer. It never blocks: if the write
// would exceed capacity, the oldest bytes are dropped to make room and the
// overrun counter increments by exactly one (regardless of how many bytes
// were dropped). Returns len(p) always.
func (b *Buffer) Write(p []byte) int {
	if len(p) == 0 {
		return 0
	}
	b.mu.Lock()

	n := len(p)
	wasEmpty := b.available == 0
	overran := false

	if b.available+n > b.capacity {
		overran = true
		drop := b.available + n - b.capacity
		b.readPos = wrapAdd(b.readPos, drop, b.capacity)
		b.available -= drop
		b.overruns++
		if should, coalesced := b.overrunGate.event(eventThreshold); should && b.logger != nil {
			b.logger.Warn("ring buffer overrun",
				zap.String("buffer", b.name),
				zap.Uint64("total_overruns", b.overruns),
				zap.Int("coalesced_since_last_log", coalesced),
			)
		}
	}

	writeWrap(b.buf, b.writePos, p)
	b.writePos = wrapAdd(b.writePos, n, b.capacity)
	b.available += n

	if wasEmpty {
		b.wakeEmpty()
	}
	onOverrun := b.onOverrun
	b.mu.Unlock()

	if overran && onOverrun != nil {
		onOverrun()
	}
	return n
}

// Read copies up to len(out) bytes into out, returning the number of bytes
// copied. If the buffer is empty and timeout is zero, it returns 0
// immediately. If empty with a positive timeout, it waits for data or the
// deadline, whichever comes first; on deadline it increments the underrun
// counter and returns 0. A partial read (fewer than len(out) bytes) is
// deliberate and expected — callers must not assume an exact-length read.
// Returns -1 if the buffer is closed while waiting (cooperative cancellation).
func (b *Buffer) Read(out []byte, timeout time.Duration) int {
	if len(out) == 0 {
		return 0
	}

	b.mu.Lock()
	if b.available == 0 {
		if timeout <= 0 {
			b.mu.Unlock()
			return 0
		}
		deadline := time.Now().Add(timeout)
		for b.available == 0 && !b.closed {
			ch := b.emptyWaitCh
			b.mu.Unlock()

			remaining := time.Until(deadline)
			if remaining <= 0 {
				b.mu.Lock()
				break
			}
			timer := time.NewTimer(remaining)
			select {
			case <-ch:
				timer.Stop()
			case <-timer.C:
			}
			b.mu.Lock()
		}
		if b.closed {
			b.mu.Unlock()
			return -1
		}
		if b.available == 0 {
			b.underruns++
			should, coalesced := b.underrunGate.event(eventThreshold)
			onUnderrun := b.onUnderrun
			b.mu.Unlock()
			if should && b.logger != nil {
				b.logger.Warn("ring buffer underrun",
					zap.String("buffer", b.name),
					zap.Uint64("total_underruns", b.underruns),
					zap.Int("coalesced_since_last_log", coalesced),
				)
			}
			if onUnderrun != nil {
				onUnderrun()
			}
			return 0
		}
	}
	defer b.mu.Unlock()

	n := len(out)
	if b.available < n {
		n = b.available
	}
	wasFull := b.available == b.capacity

	readWrap(b.buf, b.readPos, out[:n])
	b.readPos = wrapAdd(b.readPos, n, b.capacity)
	b.available -= n

	if wasFull {
		b.wakeFull()
	}
	return n
}

// Clear resets the buffer to empty, discarding all buffered bytes. Counters
// (overrun/underrun) are preserved; only position state is reset. The Mixer
// calls it whenever it hands TX ownership to a client.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writePos = 0
	b.readPos = 0
	wasFull := b.available == b.capacity
	b.available = 0
	if wasFull {
		b.wakeFull()
	}
}

// Close marks the buffer closed, waking any blocked Read with the -1
// cancellation sentinel. Idempotent.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.wakeEmpty()
	b.wakeFull()
}

// Stats returns a snapshot of the overrun/underrun counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{Overruns: b.overruns, Underruns: b.underruns}
}

// Available returns the current number of buffered bytes.
func (b *Buffer) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.available
}

// BufferLevelMs converts the current buffered byte count to milliseconds
// given the negotiated format's bytes-per-millisecond rate.
func (b *Buffer) BufferLevelMs(bytesPerMs float64) float64 {
	if bytesPerMs <= 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return float64(b.available) / bytesPerMs
}

// HasReachedTargetLevel reports whether the buffer holds at least targetBytes.
func (b *Buffer) HasReachedTargetLevel(targetBytes int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.available >= targetBytes
}

// IsBelowMin reports whether the buffer holds fewer than minBytes.
func (b *Buffer) IsBelowMin(minBytes int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.available < minBytes
}

// IsAboveMax reports whether the buffer holds more than maxBytes.
func (b *Buffer) IsAboveMax(maxBytes int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.available > maxBytes
}

// wakeEmpty and wakeFull must be called with mu held.
func (b *Buffer) wakeEmpty() {
	close(b.emptyWaitCh)
	b.emptyWaitCh = make(chan struct{})
}

func (b *Buffer) wakeFull() {
	close(b.fullWaitCh)
	b.fullWaitCh = make(chan struct{})
}

// wrapAdd advances pos by n modulo capacity, correct even when n > capacity.
func wrapAdd(pos, n, capacity int) int {
	return (pos + n) % capacity
}

// writeWrap copies p into buf starting at pos, wrapping around the end.
// If len(p) exceeds len(buf), only the trailing len(buf) bytes of p are
// retained — earlier bytes of p would be immediately overwritten by later
// ones within the same write, so there is no reason to copy them at all.
func writeWrap(buf []byte, pos int, p []byte) {
	if len(p) > len(buf) {
		p = p[len(p)-len(buf):]
	}
	n := copy(buf[pos:], p)
	if n < len(p) {
		copy(buf, p[n:])
	}
}

// readWrap copies len(out) bytes from buf starting at pos into out, wrapping.
func readWrap(buf []byte, pos int, out []byte) {
	n := copy(out, buf[pos:])
	if n < len(out) {
		copy(out[n:], buf)
	}
}

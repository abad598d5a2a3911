// Package broadcast implements the single-producer/many-consumer RX fan-out
// described in spec §4.5: one capture producer, read frame by frame, fanned
// out to every registered Target without ever blocking on a slow one.
package broadcast

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kj5hst/airrelay/internal/audio"
)

// Target is the capability interface a broadcast consumer satisfies (spec
// §4.5's BroadcastTarget). ReceiveRXAudio delivers one frame; returning
// false removes the target immediately, without affecting delivery to any
// other target. Targets that need to tolerate transient send failures
// (e.g. a flaky network write) without being dropped on the first hiccup —
// see internal/serverside's session adapter — must absorb that themselves
// and only return false once the failure is judged terminal.
type Target interface {
	ReceiveRXAudio(frame []byte) bool
}

// Listener is notified when a target is removed due to returning false or
// panicking during delivery.
type Listener interface {
	OnTargetRemoved(id string)
}

type registeredTarget struct {
	id     string
	target Target
}

// Options configures a Broadcaster.
type Options struct {
	Logger *zap.Logger
}

// Broadcaster fans out audio frames from a single producer to many
// registered targets. Add/Remove are safe to call concurrently with an
// in-flight Deliver; Deliver snapshots the target set under a read lock and
// releases the lock before calling out to any target, so registration
// changes never stall behind one slow or misbehaving consumer. Targets are
// called one after another on the caller's goroutine: a target that blocks
// in ReceiveRXAudio delays the targets after it and the return of Deliver.
type Broadcaster struct {
	mu      sync.RWMutex
	targets map[string]*registeredTarget

	listenerMu sync.RWMutex
	listener   Listener

	totalFrames atomic.Uint64
	totalBytes  atomic.Uint64

	logger *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates an empty Broadcaster.
func New(opts Options) *Broadcaster {
	return &Broadcaster{
		targets: make(map[string]*registeredTarget),
		logger:  opts.Logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// SetListener installs a Listener to be notified of target removals.
// Passing nil clears it.
func (b *Broadcaster) SetListener(l Listener) {
	b.listenerMu.Lock()
	b.listener = l
	b.listenerMu.Unlock()
}

// AddTarget registers target under id, replacing any existing registration
// for the same id.
func (b *Broadcaster) AddTarget(id string, target Target) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.targets[id] = &registeredTarget{id: id, target: target}
}

// RemoveTarget unregisters id, if present. Safe to call during an in-flight
// Deliver.
func (b *Broadcaster) RemoveTarget(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.targets, id)
}

// TargetCount returns the number of currently registered targets.
func (b *Broadcaster) TargetCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.targets)
}

// Deliver fans frame out to every registered target. A target that returns
// false, or whose callback panics, is removed immediately and reported to
// the listener; it never affects delivery to the other targets.
func (b *Broadcaster) Deliver(frame []byte) {
	b.totalFrames.Add(1)
	b.totalBytes.Add(uint64(len(frame)))

	b.mu.RLock()
	snapshot := make([]*registeredTarget, 0, len(b.targets))
	for _, t := range b.targets {
		snapshot = append(snapshot, t)
	}
	b.mu.RUnlock()

	for _, t := range snapshot {
		if !b.deliverOne(t, frame) {
			b.RemoveTarget(t.id)
			b.notifyRemoved(t.id)
		}
	}
}

// InjectAudio delivers frame to every registered target exactly as Deliver
// does, for non-capture sources (spec §4.5's "Additional inject_audio(buf)
// allows non-capture sources" — e.g. a locally generated tone or a test
// harness feeding frames without a real capture device behind it).
func (b *Broadcaster) InjectAudio(frame []byte) {
	b.Deliver(frame)
}

// deliverOne isolates a single target's callback: a panic inside target
// code is recovered and treated the same as a false return, so one
// misbehaving target can never take down fan-out to the others.
func (b *Broadcaster) deliverOne(t *registeredTarget, frame []byte) (keep bool) {
	defer func() {
		if r := recover(); r != nil {
			keep = false
			if b.logger != nil {
				b.logger.Warn("broadcast target panicked, removing",
					zap.String("target", t.id), zap.Any("panic", r))
			}
		}
	}()
	return t.target.ReceiveRXAudio(frame)
}

func (b *Broadcaster) notifyRemoved(id string) {
	b.listenerMu.RLock()
	l := b.listener
	b.listenerMu.RUnlock()
	if l != nil {
		l.OnTargetRemoved(id)
	}
}

// RunCaptureLoop implements spec §4.5's capture loop: read one frame at a
// time from src into a fixed frameBytes buffer and Deliver it to every
// registered target, until Stop is called or src.Read returns an error.
// Mirrors Mixer.RunPlaybackLoop's stop/done shape on the producer side of
// the pipeline.
func (b *Broadcaster) RunCaptureLoop(src audio.CaptureSource, frameBytes int) {
	defer close(b.doneCh)

	frame := make([]byte, frameBytes)
	for {
		select {
		case <-b.stopCh:
			return
		default:
		}

		n, err := src.Read(frame)
		if err != nil {
			if b.logger != nil {
				b.logger.Warn("capture source read failed, stopping capture loop", zap.Error(err))
			}
			return
		}
		if n > 0 {
			b.Deliver(frame[:n])
		}
	}
}

// Stop signals RunCaptureLoop to exit and waits for it to do so. Safe to
// call more than once.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	<-b.doneCh
}

// Stats are the observable fan-out counters.
type Stats struct {
	TotalFrames uint64
	TotalBytes  uint64
}

// Stats returns a snapshot of the fan-out counters.
func (b *Broadcaster) Stats() Stats {
	return Stats{
		TotalFrames: b.totalFrames.Load(),
		TotalBytes:  b.totalBytes.Load(),
	}
}

// Package mixer implements the TX arbiter described in spec §4.6: a single
// playback sink fed by at most one TX contributor at a time, chosen by
// strict priority with idle release. The overall "one claimed resource,
// guarded by one mutex, with a capability callback on every transition"
// shape is grounded on the teacher's room ownership claim/transfer logic
// (server/room.go's ClaimOwnership/TransferOwnership), generalized here
// from a single boolean owner to a priority-ordered arbiter.
package mixer

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kj5hst/airrelay/internal/audio"
	"github.com/kj5hst/airrelay/internal/metrics"
	"github.com/kj5hst/airrelay/internal/ring"
)

// Priority is a total order over TX contributors (spec §3).
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityExclusive
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityExclusive:
		return "EXCLUSIVE"
	default:
		return "UNKNOWN"
	}
}

// SubmitResult is the outcome of SubmitTxAudio (spec §4.6).
type SubmitResult int

const (
	Accepted SubmitResult = iota
	Rejected
	Preempted
)

// TxClient is the capability interface a TX contributor satisfies (spec
// §4.6's TxClient/MixerListener set, collapsed to the callbacks the Mixer
// actually drives). Callback failures (panics) are swallowed — the Mixer
// is never brought down by a misbehaving client.
type TxClient interface {
	OnTxGranted()
	OnTxPreempted(newOwnerID string)
	OnTxReleased()
	OnTxConflict(holderID, requesterID string)
}

const (
	// DefaultIdleTimeout matches spec §5's TX idle release default.
	DefaultIdleTimeout = 500 * time.Millisecond
	// MaxInitialBufferingMs bounds how long the playback loop waits for the
	// ring to reach its target level before giving up and starting anyway.
	MaxInitialBufferingMs = 500 * time.Millisecond
)

type registeredClient struct {
	client   TxClient
	priority Priority
}

// Options configures a Mixer.
type Options struct {
	IdleTimeout time.Duration // 0 selects DefaultIdleTimeout
	BytesPerFrame int
	FrameMs       time.Duration
	Logger        *zap.Logger

	// Metrics, when non-nil, receives the TX ring buffer's overrun/
	// underrun events (spec §4.1's observable counters) as they occur.
	Metrics *metrics.Collectors
}

// Mixer guards TX ownership with a single mutex and feeds the winning
// contributor's audio into a ring buffer that a playback loop drains at
// frame cadence (spec §4.6).
type Mixer struct {
	mu sync.Mutex

	clients map[string]*registeredClient

	currentOwner    string
	hasOwner        bool
	currentPriority Priority
	lastActivity    time.Time

	idleTimeout time.Duration
	bytesPerFrame int
	frameMs       time.Duration

	txBuffer *ring.Buffer
	logger   *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a Mixer with its own TX ring buffer of the given capacity.
func New(capacityBytes int, opts Options) *Mixer {
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	txBuffer := ring.New(capacityBytes, opts.Logger, "mixer-tx")
	if opts.Metrics != nil {
		txBuffer.SetHooks(
			func() { opts.Metrics.RecordRingOverrun("tx") },
			func() { opts.Metrics.RecordRingUnderrun("tx") },
		)
	}
	return &Mixer{
		clients:       make(map[string]*registeredClient),
		idleTimeout:   idle,
		bytesPerFrame: opts.BytesPerFrame,
		frameMs:       opts.FrameMs,
		txBuffer:      txBuffer,
		logger:        opts.Logger,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// RegisterClient adds id as a TX contributor candidate at the given
// priority. It does not itself claim ownership.
func (m *Mixer) RegisterClient(id string, client TxClient, priority Priority) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[id] = &registeredClient{client: client, priority: priority}
}

// UnregisterClient removes id. If it currently holds ownership, ownership
// is released; unlike an idle-timeout release, no OnTxReleased callback is
// made.
func (m *Mixer) UnregisterClient(id string) {
	m.mu.Lock()
	delete(m.clients, id)
	wasOwner := m.hasOwner && m.currentOwner == id
	if wasOwner {
		m.releaseLocked()
	}
	m.mu.Unlock()
}

// SubmitTxAudio implements the arbitration rule from spec §4.6 step by
// step: unregistered clients are rejected; an unclaimed channel is claimed
// by the first submitter; the incumbent may keep submitting; a strictly
// higher-priority challenger preempts; an equal-or-lower-priority
// challenger is rejected and reported as a conflict. On ACCEPTED or
// PREEMPTED the payload is appended to the TX ring buffer.
func (m *Mixer) SubmitTxAudio(clientID string, payload []byte) SubmitResult {
	m.mu.Lock()

	rc, known := m.clients[clientID]
	if !known {
		m.mu.Unlock()
		return Rejected
	}

	switch {
	case !m.hasOwner:
		m.claimLocked(clientID, rc.priority)
		m.mu.Unlock()
		safeCall(rc.client.OnTxGranted)
		m.mu.Lock()
		m.txBuffer.Write(payload)
		m.mu.Unlock()
		return Accepted

	case m.currentOwner == clientID:
		m.lastActivity = time.Now()
		m.txBuffer.Write(payload)
		m.mu.Unlock()
		return Accepted

	case rc.priority > m.currentPriority:
		incumbentID := m.currentOwner
		incumbent := m.clients[incumbentID]
		m.claimLocked(clientID, rc.priority)
		m.mu.Unlock()
		if incumbent != nil {
			safeCall(func() { incumbent.client.OnTxPreempted(clientID) })
		}
		safeCall(rc.client.OnTxGranted)
		m.mu.Lock()
		m.txBuffer.Write(payload)
		m.mu.Unlock()
		return Preempted

	default:
		holderID := m.currentOwner
		m.mu.Unlock()
		safeCall(func() { rc.client.OnTxConflict(holderID, clientID) })
		return Rejected
	}
}

// claimLocked must be called with m.mu held. It clears the TX buffer and
// installs clientID as the new owner at priority p.
func (m *Mixer) claimLocked(clientID string, p Priority) {
	m.currentOwner = clientID
	m.hasOwner = true
	m.currentPriority = p
	m.lastActivity = time.Now()
	m.txBuffer.Clear()
}

// releaseLocked must be called with m.mu held.
func (m *Mixer) releaseLocked() {
	m.hasOwner = false
	m.currentOwner = ""
	m.currentPriority = 0
}

// CurrentOwner reports the current TX owner id and whether one is set.
func (m *Mixer) CurrentOwner() (id string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentOwner, m.hasOwner
}

// RingStats returns the TX ring buffer's cumulative overrun/underrun
// counters (spec §4.1's observable counters, for the one ring buffer the
// Mixer owns).
func (m *Mixer) RingStats() ring.Stats { return m.txBuffer.Stats() }

// CheckIdleRelease re-verifies the idle condition under the mutex and
// releases ownership if now-lastActivity has exceeded the idle timeout.
// Intended to be called once per playback tick (spec §4.6).
func (m *Mixer) CheckIdleRelease() {
	m.mu.Lock()
	if !m.hasOwner {
		m.mu.Unlock()
		return
	}
	if time.Since(m.lastActivity) < m.idleTimeout {
		m.mu.Unlock()
		return
	}
	ownerID := m.currentOwner
	rc := m.clients[ownerID]
	m.releaseLocked()
	m.mu.Unlock()
	if rc != nil {
		safeCall(rc.client.OnTxReleased)
	}
}

// safeCall swallows a panic from a capability callback, matching spec
// §4.6's "failures in callback are swallowed".
func safeCall(fn func()) {
	defer func() { recover() }()
	fn()
}

// RunPlaybackLoop drains the TX ring buffer into sink at frame cadence
// until Stop is called. It performs the initial-buffering wait described
// in spec §4.6, then on each tick reads one frame with a timeout of
// 2*frameMs, checks idle release, and writes silence when the ring is
// empty to preserve playback cadence.
func (m *Mixer) RunPlaybackLoop(sink audio.PlaybackSink, targetBytes int) {
	defer close(m.doneCh)

	deadline := time.Now().Add(MaxInitialBufferingMs)
	for !m.txBuffer.HasReachedTargetLevel(targetBytes) && time.Now().Before(deadline) {
		select {
		case <-m.stopCh:
			return
		case <-time.After(5 * time.Millisecond):
		}
	}

	frame := make([]byte, m.bytesPerFrame)
	silence := make([]byte, m.bytesPerFrame)
	readTimeout := 2 * m.frameMs
	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		n := m.txBuffer.Read(frame, readTimeout)
		if n == -1 {
			return
		}
		if n == 0 {
			sink.Write(silence)
		} else {
			sink.Write(frame[:n])
		}

		m.CheckIdleRelease()
	}
}

// Stop signals RunPlaybackLoop to exit and waits for it to do so. Safe to
// call more than once.
func (m *Mixer) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

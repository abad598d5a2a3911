// Package serverside implements ServerCore: the accept loop, per-session
// state machine, and roster broadcast described in spec §4.7. The
// "handshake, then register with shared subsystems, then run workers until
// a terminal condition, then reap exactly once" shape is grounded on the
// teacher's handleClient (server/client.go), generalized from its
// WebTransport session + JSON control stream to this module's framed
// wire.Packet/ControlMessage transport.
package serverside

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kj5hst/airrelay/internal/broadcast"
	"github.com/kj5hst/airrelay/internal/protocol"
	"github.com/kj5hst/airrelay/internal/wire"
)

// State is a Session's position in its lifecycle (spec §3).
type State int32

const (
	StatePending State = iota
	StateActive
	StateDelisted
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateActive:
		return "ACTIVE"
	case StateDelisted:
		return "DELISTED"
	default:
		return "UNKNOWN"
	}
}

// Session is the server-side per-connection state machine (spec §3, §4.7).
type Session struct {
	ID      string
	Conn    net.Conn
	Handler *protocol.Handler
	Format  wire.StreamFormat
	Policy  wire.BufferPolicy
	Info    wire.ClientInfo

	breaker *broadcast.CircuitBreaker

	state atomic.Int32

	closeOnce  sync.Once
	terminalCh chan struct{}

	// deniedSinceGrant dedups TX_DENIED so only the first conflict after
	// each grant is reported to the requester (spec §4.7).
	deniedSinceGrant atomic.Bool

	halfRTTNs atomic.Int64

	// writeTimeout bounds a single RX audio delivery attempt so a
	// congested-but-still-open socket can never stall the broadcast
	// producer (spec §4.5's never-block invariant).
	writeTimeout time.Duration

	// onRosterChanged, when set, is invoked after any TX-ownership
	// transition (grant/preempt/release) so the caller can rebroadcast a
	// CLIENTS_UPDATE to every session, not just the ones directly involved
	// (spec §4.7 "Roster broadcast": "any ... TX-ownership change").
	onRosterChanged func()
}

// NewSession constructs a Session in StatePending.
func NewSession(id string, conn net.Conn, h *protocol.Handler, format wire.StreamFormat, policy wire.BufferPolicy, info wire.ClientInfo) *Session {
	return &Session{
		ID:           id,
		Conn:         conn,
		Handler:      h,
		Format:       format,
		Policy:       policy,
		Info:         info,
		breaker:      broadcast.NewCircuitBreaker(0, 0),
		terminalCh:   make(chan struct{}),
		writeTimeout: 50 * time.Millisecond,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Activate transitions Pending -> Active. No-op if not currently Pending.
func (s *Session) Activate() {
	s.state.CompareAndSwap(int32(StatePending), int32(StateActive))
}

// Delist performs the single-shot, idempotent terminal transition (spec
// §3): it marks the session Delisted, closes the underlying connection, and
// signals Done() exactly once no matter how many callers race to call it.
func (s *Session) Delist() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateDelisted))
		close(s.terminalCh)
		s.Conn.Close()
	})
}

// Done returns a channel closed exactly once, when Delist first runs.
func (s *Session) Done() <-chan struct{} { return s.terminalCh }

// SetRosterChangedCallback installs fn to be called whenever this session's
// TX-ownership callbacks fire. Must be called before the session is
// registered with the Mixer.
func (s *Session) SetRosterChangedCallback(fn func()) {
	s.onRosterChanged = fn
}

// HalfRTTNs returns the most recently measured half-round-trip latency.
func (s *Session) HalfRTTNs() int64 { return s.halfRTTNs.Load() }

// RecordLatencyResponse computes half-RTT from a LATENCY_RESPONSE echoing
// probeTimestampNs and stores it.
func (s *Session) RecordLatencyResponse(probeTimestampNs uint64) {
	now := uint64(time.Now().UnixNano())
	if now < probeTimestampNs {
		return
	}
	s.halfRTTNs.Store(int64((now - probeTimestampNs) / 2))
}

// ReceiveRXAudio implements broadcast.Target. A write that exceeds
// writeTimeout is treated as transient congestion: it counts against the
// circuit breaker but the target is kept, so fan-out never blocks the
// producer and a briefly slow consumer is not torn down outright. Any
// other send error (broken pipe, connection reset) is terminal and the
// target is removed immediately, per spec §4.5.
func (s *Session) ReceiveRXAudio(frame []byte) bool {
	if s.breaker.ShouldSkip() {
		return true
	}
	s.Conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	err := s.Handler.SendRXAudio(frame)
	s.Conn.SetWriteDeadline(time.Time{})
	if err != nil {
		if ne, ok := errNet(err); ok && ne.Timeout() {
			s.breaker.RecordFailure()
			return true
		}
		return false
	}
	s.breaker.RecordSuccess()
	return true
}

func errNet(err error) (net.Error, bool) {
	ne, ok := err.(net.Error)
	if !ok {
		// protocol.Handler wraps errors with fmt.Errorf("...: %w", err);
		// unwrap to find a net.Error beneath.
		type unwrapper interface{ Unwrap() error }
		if u, ok := err.(unwrapper); ok {
			return errNet(u.Unwrap())
		}
		return nil, false
	}
	return ne, true
}

// OnTxGranted implements mixer.TxClient.
func (s *Session) OnTxGranted() {
	s.deniedSinceGrant.Store(false)
	s.Handler.SendControl(wire.ControlMessage{Tag: wire.TagTxGranted})
	s.notifyRosterChanged()
}

// OnTxPreempted implements mixer.TxClient.
func (s *Session) OnTxPreempted(newOwnerID string) {
	s.Handler.SendControl(wire.ControlMessage{Tag: wire.TagTxPreempted, OwnerID: newOwnerID})
	s.notifyRosterChanged()
}

// OnTxReleased implements mixer.TxClient.
func (s *Session) OnTxReleased() {
	s.Handler.SendControl(wire.ControlMessage{Tag: wire.TagTxReleased})
	s.notifyRosterChanged()
}

// notifyRosterChanged invokes the roster-changed callback, if one was
// installed, so bystander sessions learn the new tx_owner via a fresh
// CLIENTS_UPDATE rather than only the directly affected sessions.
func (s *Session) notifyRosterChanged() {
	if s.onRosterChanged != nil {
		s.onRosterChanged()
	}
}

// OnTxConflict implements mixer.TxClient. Only the first denial after each
// grant is sent, to avoid spamming a persistent low-priority contributor
// (spec §4.7).
func (s *Session) OnTxConflict(holderID, requesterID string) {
	if !s.deniedSinceGrant.Swap(true) {
		s.Handler.SendControl(wire.ControlMessage{Tag: wire.TagTxDenied, OwnerID: holderID})
	}
}

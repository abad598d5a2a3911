package serverside

import (
	"context"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kj5hst/airrelay/internal/broadcast"
	"github.com/kj5hst/airrelay/internal/metrics"
	"github.com/kj5hst/airrelay/internal/mixer"
	"github.com/kj5hst/airrelay/internal/protocol"
	"github.com/kj5hst/airrelay/internal/wire"
)

// Timing defaults (spec §5).
const (
	HandshakeTimeout   = 10 * time.Second
	SessionTickInterval = 1 * time.Second
	ReceiveWorkerPollInterval = 100 * time.Millisecond
	RingMetricsTickInterval   = 1 * time.Second
)

// Options configures a ServerCore.
type Options struct {
	MaxClients    int
	Format        wire.StreamFormat
	DefaultPolicy wire.BufferPolicy

	Broadcaster *broadcast.Broadcaster
	Mixer       *mixer.Mixer
	Roster      *Roster

	ProtocolOptions protocol.Options
	Logger          *zap.Logger

	// Metrics, when non-nil, receives per-session packet/byte/CRC-error
	// deltas and the current TX owner state (spec §4.1/§4.4 observable
	// counters, exposed via internal/metrics).
	Metrics *metrics.Collectors
}

// ServerCore accepts inbound connections, enforces max_clients, and drives
// each Session through its handshake, registration, and steady-state
// lifecycle (spec §4.7).
type ServerCore struct {
	maxClients    int
	format        wire.StreamFormat
	defaultPolicy wire.BufferPolicy

	broadcaster *broadcast.Broadcaster
	mixer       *mixer.Mixer
	roster      *Roster

	protocolOptions protocol.Options
	logger          *zap.Logger
	metrics         *metrics.Collectors
}

// New constructs a ServerCore. The caller supplies the shared Broadcaster,
// Mixer, and Roster so they can also be wired into the capture and
// playback loops that run alongside the accept loop.
func New(opts Options) *ServerCore {
	return &ServerCore{
		maxClients:      opts.MaxClients,
		format:          opts.Format,
		defaultPolicy:   opts.DefaultPolicy,
		broadcaster:     opts.Broadcaster,
		mixer:           opts.Mixer,
		roster:          opts.Roster,
		protocolOptions: opts.ProtocolOptions,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
	}
}

// Serve runs the accept loop on ln until ctx is canceled or Accept fails.
// No lock is held across network I/O; each accepted connection is handled
// on its own goroutine (spec §4.7 concurrency model).
func (s *ServerCore) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConnection(ctx, conn)
	}
}

// handleConnection drives one Session from accept through handshake,
// registration, steady-state operation, and teardown.
func (s *ServerCore) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	h := protocol.New(conn, s.protocolOptions)

	if s.roster.Count() >= s.maxClients {
		h.SendControl(wire.ControlMessage{Tag: wire.TagConnectReject, RejectReason: wire.RejectBusy})
		return
	}

	p, err := h.Receive(HandshakeTimeout)
	if err != nil || p.Type != wire.PacketControl {
		return
	}
	req, err := wire.ParseControlMessage(p.Payload)
	if err != nil || req.Tag != wire.TagConnectRequest {
		return
	}

	policy := s.defaultPolicy
	if req.HasPolicy {
		policy = req.Policy
	}
	var info wire.ClientInfo
	if req.HasClientInfo {
		info = req.Info
	}

	id := uuid.NewString()
	sess := NewSession(id, conn, h, s.format, policy, info)

	if err := h.SendControl(wire.ControlMessage{
		Tag: wire.TagAudioConfig, Format: s.format, HasBufferPolicy: true, Policy: policy,
	}); err != nil {
		return
	}
	if err := h.SendControl(wire.ControlMessage{Tag: wire.TagConnectAccept}); err != nil {
		return
	}

	sess.SetRosterChangedCallback(s.broadcastRoster)

	s.roster.Add(sess)
	s.broadcaster.AddTarget(id, sess)
	s.mixer.RegisterClient(id, sess, mixer.PriorityNormal)
	sess.Activate()
	s.broadcastRoster()

	defer func() {
		sess.Delist()
		s.broadcaster.RemoveTarget(id)
		s.mixer.UnregisterClient(id)
		s.roster.Remove(id)
		s.broadcastRoster()
	}()

	go s.runReceiveWorker(sess)
	s.runSessionMainLoop(ctx, sess)
}

// runSessionMainLoop implements spec §4.7 step 6: every second, send a
// heartbeat if due and close if the connection has timed out, until the
// session is delisted by some other path (receive worker, ctx cancel).
func (s *ServerCore) runSessionMainLoop(ctx context.Context, sess *Session) {
	ticker := time.NewTicker(SessionTickInterval)
	defer ticker.Stop()

	var prev protocol.Stats

	for {
		select {
		case <-sess.Done():
			return
		case <-ctx.Done():
			sess.Delist()
			return
		case <-ticker.C:
			if sess.Handler.ShouldSendHeartbeat() {
				sess.Handler.SendHeartbeat()
			}
			if sess.Handler.IsConnectionTimedOut() {
				sess.Delist()
				return
			}
			if s.metrics != nil {
				prev = s.reportSessionMetrics(sess, prev)
			}
		}
	}
}

// reportSessionMetrics folds the delta between this tick's cumulative
// protocol.Stats and the previous tick's into the shared Collectors, and
// returns the new snapshot to diff against next time.
func (s *ServerCore) reportSessionMetrics(sess *Session, prev protocol.Stats) protocol.Stats {
	cur := sess.Handler.Stats()
	s.metrics.ObserveHandlerStats(
		cur.PacketsSent-prev.PacketsSent,
		cur.PacketsReceived-prev.PacketsReceived,
		cur.BytesSent-prev.BytesSent,
		cur.BytesReceived-prev.BytesReceived,
		cur.CRCErrors-prev.CRCErrors,
	)
	return cur
}

// runReceiveWorker implements spec §4.7's session receive worker: loop on
// receive_packet(100ms), dispatching by type until a terminal condition.
func (s *ServerCore) runReceiveWorker(sess *Session) {
	for {
		select {
		case <-sess.Done():
			return
		default:
		}

		p, err := sess.Handler.Receive(ReceiveWorkerPollInterval)
		if err == protocol.ErrNone {
			continue
		}
		if err != nil {
			sess.Delist()
			return
		}

		switch p.Type {
		case wire.PacketAudioTX:
			s.mixer.SubmitTxAudio(sess.ID, p.Payload)

		case wire.PacketControl:
			msg, perr := wire.ParseControlMessage(p.Payload)
			if perr != nil {
				continue
			}
			switch msg.Tag {
			case wire.TagLatencyProbe:
				sess.Handler.SendControl(wire.ControlMessage{Tag: wire.TagLatencyResponse, ProbeTimestampNs: msg.ProbeTimestampNs})
			case wire.TagLatencyResponse:
				sess.RecordLatencyResponse(msg.ProbeTimestampNs)
			case wire.TagDisconnect:
				sess.Delist()
				return
			}

		case wire.PacketHeartbeat:
			// No-op: Receive already advanced last_receive_ns.
		}
	}
}

// broadcastRoster assembles and sends a CLIENTS_UPDATE to every active
// session, reflecting any membership or TX-ownership change.
func (s *ServerCore) broadcastRoster() {
	owner, hasOwner := s.mixer.CurrentOwner()
	if s.metrics != nil {
		s.metrics.SetTxOwnerActive(hasOwner)
		s.metrics.SetActiveSessions(s.roster.Count())
	}
	msg := s.roster.BuildClientsUpdate(s.maxClients, owner)
	s.roster.Broadcast(msg)
}

// Package clientside implements ClientCore: the connect handshake, the five
// cooperating session workers, and the auto-reconnect supervisor described
// in spec §4.8. Its "connect, spawn workers, run until terminal, tear down
// once" shape is grounded on the teacher's Transport.Connect/StartReceiving
// (client/transport.go), generalized from its WebTransport session + Opus
// datagrams to this module's wire.Packet/ControlMessage transport and raw
// PCM ring buffers.
package clientside

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kj5hst/airrelay/internal/audio"
	"github.com/kj5hst/airrelay/internal/metrics"
	"github.com/kj5hst/airrelay/internal/protocol"
	"github.com/kj5hst/airrelay/internal/ring"
	"github.com/kj5hst/airrelay/internal/wire"
)

// Timing defaults (spec §5).
const (
	HandshakeTimeout       = 10 * time.Second
	HeartbeatInterval      = 5 * time.Second
	InitialBufferingMax    = 500 * time.Millisecond
	WorkerJoinTimeout      = time.Second
	captureReadTimeoutMult = 2 // read-wait per frame = 2 * frame_ms
)

// Dialer opens the underlying byte stream to addr. Exposed so tests can
// substitute net.Pipe or an in-memory listener for a real TCP dial.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// DialTCP is the default Dialer, connecting over TCP (spec §6).
func DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// Listeners are optional callbacks surfaced to whatever owns a ClientCore.
// Following the teacher's setter-over-exported-field convention so a
// ClientCore can be exercised without a real UI attached.
type Listeners struct {
	OnRawAudio     func(frame []byte)
	OnClientsUpdate func(wire.ControlMessage)
	OnTxGranted    func()
	OnTxDenied     func(holderID string)
	OnTxPreempted  func(newOwnerID string)
	OnTxReleased   func()
	OnDisconnected func(reason string)
	// OnQualityChange fires whenever the coarse connection-quality
	// classification (see quality.go) changes, informational only.
	OnQualityChange func(level QualityLevel)
}

// Options configures a ClientCore.
type Options struct {
	ServerAddr string
	ClientName string
	Info       wire.ClientInfo
	Format     wire.StreamFormat
	Policy     wire.BufferPolicy // zero value: let the server choose

	Capture  audio.CaptureSource // nil: no capture worker
	Playback audio.PlaybackSink  // nil: no playback worker

	Dialer          Dialer
	ProtocolOptions protocol.Options
	Logger          *zap.Logger

	// Metrics, when non-nil, receives the RX/TX ring buffers' overrun/
	// underrun events (spec §4.1's observable counters) as they occur.
	Metrics *metrics.Collectors

	AutoReconnect        bool
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int
	MinStableConnection  time.Duration

	Listeners Listeners
}

func (o *Options) applyDefaults() {
	if o.Dialer == nil {
		o.Dialer = DialTCP
	}
	if o.Format == (wire.StreamFormat{}) {
		o.Format = wire.DefaultStreamFormat
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = time.Second
	}
	if o.MaxReconnectDelay <= 0 {
		o.MaxReconnectDelay = 30 * time.Second
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 10
	}
	if o.MinStableConnection <= 0 {
		o.MinStableConnection = 5 * time.Second
	}
}

// ClientCore drives one logical session against a server, reconnecting on
// connection loss when AutoReconnect is set (spec §4.8).
type ClientCore struct {
	opts Options

	mu      sync.Mutex
	conn    net.Conn
	handler *protocol.Handler
	format  wire.StreamFormat
	policy  wire.BufferPolicy

	rxBuf *ring.Buffer
	txBuf *ring.Buffer

	captureMuted  atomic.Bool
	playbackMuted atomic.Bool
	halfRTTNs     atomic.Int64
	smoothedRTTNs atomic.Uint64 // float64 bits, EWMA per recordLatencyResponse
	quality       atomic.Value  // QualityLevel

	connected atomic.Bool
}

// New constructs a ClientCore. Call Run to drive it.
func New(opts Options) *ClientCore {
	opts.applyDefaults()
	return &ClientCore{opts: opts}
}

// IsConnected reports whether a session is currently active.
func (c *ClientCore) IsConnected() bool { return c.connected.Load() }

// HalfRTTNs returns half of the EWMA-smoothed round-trip latency.
func (c *ClientCore) HalfRTTNs() int64 { return c.halfRTTNs.Load() }

// SetPTT implements the PTT helper from spec §4.8: active transmit mutes
// playback and unmutes capture; the two roles are mutually exclusive.
func (c *ClientCore) SetPTT(active bool) {
	c.captureMuted.Store(!active)
	c.playbackMuted.Store(active)
}

// SetCaptureMuted independently controls whether the capture worker writes
// into the TX buffer.
func (c *ClientCore) SetCaptureMuted(muted bool) { c.captureMuted.Store(muted) }

// SetPlaybackMuted independently controls whether the playback worker
// writes audible frames (it still drains the RX buffer at cadence either
// way, to avoid falling behind).
func (c *ClientCore) SetPlaybackMuted(muted bool) { c.playbackMuted.Store(muted) }

// Run connects and drives the session, reconnecting with exponential
// backoff on connection loss when AutoReconnect is enabled, until ctx is
// canceled or a terminal close occurs (reconnect disabled or attempts
// exhausted). It returns the reason the session terminated for good.
func (c *ClientCore) Run(ctx context.Context) error {
	if !c.opts.AutoReconnect {
		return c.runOnce(ctx)
	}
	return c.runWithReconnect(ctx)
}

func (c *ClientCore) logger() *zap.Logger {
	if c.opts.Logger != nil {
		return c.opts.Logger
	}
	return zap.NewNop()
}

// runOnce connects, runs the session to completion, and tears everything
// down exactly once, returning the terminal error (nil on clean ctx
// cancellation).
func (c *ClientCore) runOnce(ctx context.Context) error {
	if err := c.connect(ctx); err != nil {
		return err
	}
	defer c.teardown("session ended")

	err := c.runSession(ctx)
	reason := "session ended"
	if err != nil {
		reason = err.Error()
	}
	if fn := c.opts.Listeners.OnDisconnected; fn != nil {
		fn(reason)
	}
	return err
}

// connect performs the handshake (spec §4.8 step 1) and allocates the RX/TX
// ring buffers from the negotiated policy (step 2).
func (c *ClientCore) connect(ctx context.Context) error {
	conn, err := c.opts.Dialer(ctx, c.opts.ServerAddr)
	if err != nil {
		return fmt.Errorf("clientside: dial: %w", err)
	}

	h := protocol.New(conn, c.opts.ProtocolOptions)

	req := wire.ControlMessage{
		Tag:             wire.TagConnectRequest,
		ProtocolVersion: uint8(wire.Version),
		ClientName:      c.opts.ClientName,
	}
	if c.opts.Policy != (wire.BufferPolicy{}) {
		req.HasPolicy = true
		req.Policy = c.opts.Policy
	}
	if c.opts.Info != (wire.ClientInfo{}) {
		req.HasClientInfo = true
		req.Info = c.opts.Info
	}
	if err := h.SendControl(req); err != nil {
		conn.Close()
		return fmt.Errorf("clientside: send connect request: %w", err)
	}

	format := c.opts.Format
	policy := c.opts.Policy
	deadline := time.Now().Add(HandshakeTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			conn.Close()
			return fmt.Errorf("clientside: handshake timed out")
		}
		p, err := h.Receive(remaining)
		if err == protocol.ErrNone {
			continue
		}
		if err != nil {
			conn.Close()
			return fmt.Errorf("clientside: handshake receive: %w", err)
		}
		if p.Type != wire.PacketControl {
			continue // ignore non-control traffic during handshake
		}
		msg, perr := wire.ParseControlMessage(p.Payload)
		if perr != nil {
			continue
		}
		switch msg.Tag {
		case wire.TagAudioConfig:
			format = msg.Format
			if msg.HasBufferPolicy {
				policy = msg.Policy
			}
		case wire.TagConnectAccept:
			c.mu.Lock()
			c.conn = conn
			c.handler = h
			c.format = format
			c.policy = policy
			c.rxBuf = ring.New(policy.CapacityBytes(format), c.logger(), "rx")
			c.txBuf = ring.New(policy.CapacityBytes(format), c.logger(), "tx")
			if c.opts.Metrics != nil {
				c.rxBuf.SetHooks(
					func() { c.opts.Metrics.RecordRingOverrun("rx") },
					func() { c.opts.Metrics.RecordRingUnderrun("rx") },
				)
				c.txBuf.SetHooks(
					func() { c.opts.Metrics.RecordRingOverrun("tx") },
					func() { c.opts.Metrics.RecordRingUnderrun("tx") },
				)
			}
			c.mu.Unlock()
			c.connected.Store(true)
			return nil
		case wire.TagConnectReject:
			conn.Close()
			return fmt.Errorf("clientside: connect rejected: %s (%s)", msg.RejectReason, msg.RejectText)
		}
	}
}

// teardown closes the connection and releases buffers exactly once per
// connect (spec §4.8 auto-reconnect: "tear down resources ... buffers
// released").
func (c *ClientCore) teardown(reason string) {
	c.connected.Store(false)
	c.mu.Lock()
	conn := c.conn
	rx, tx := c.rxBuf, c.txBuf
	c.conn = nil
	c.rxBuf, c.txBuf = nil, nil
	c.mu.Unlock()

	if rx != nil {
		rx.Close()
	}
	if tx != nil {
		tx.Close()
	}
	if conn != nil {
		conn.Close()
	}
}

// runSession spawns the five cooperating workers and blocks until one of
// them observes a terminal condition or ctx is canceled (spec §4.8 step 3).
func (c *ClientCore) runSession(ctx context.Context) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		termOnce sync.Once
		termErr  error
	)
	terminate := func(err error) {
		termOnce.Do(func() {
			termErr = err
			cancel()
		})
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); c.runReceiveWorker(sessionCtx, terminate) }()

	if c.opts.Playback != nil {
		wg.Add(1)
		go func() { defer wg.Done(); c.runPlaybackWorker(sessionCtx) }()
	}
	if c.opts.Capture != nil {
		wg.Add(1)
		go func() { defer wg.Done(); c.runCaptureWorker(sessionCtx) }()
	}
	wg.Add(1)
	go func() { defer wg.Done(); c.runSendWorker(sessionCtx) }()
	wg.Add(1)
	go func() { defer wg.Done(); c.runHeartbeatWorker(sessionCtx, terminate) }()

	<-sessionCtx.Done()

	joined := make(chan struct{})
	go func() { wg.Wait(); close(joined) }()
	select {
	case <-joined:
	case <-time.After(WorkerJoinTimeout):
		// Workers are abandoned; teardown still releases resources (spec §5
		// "if a worker cannot join it is abandoned and resources are
		// released anyway").
	}

	if ctx.Err() != nil {
		return nil
	}
	return termErr
}

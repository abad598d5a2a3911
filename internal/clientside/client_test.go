package clientside

import (
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kj5hst/airrelay/internal/protocol"
	"github.com/kj5hst/airrelay/internal/wire"
)

// fakeServer plays the minimal server side of the handshake over a
// net.Pipe, for exercising ClientCore without a real listener.
type fakeServer struct {
	h *protocol.Handler
}

func newFakeServer(conn net.Conn) *fakeServer {
	return &fakeServer{h: protocol.New(conn, protocol.Options{})}
}

func (s *fakeServer) acceptHandshake(t *testing.T, format wire.StreamFormat, policy wire.BufferPolicy) {
	t.Helper()
	p, err := s.h.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("fakeServer: receive CONNECT_REQUEST: %v", err)
	}
	msg, err := wire.ParseControlMessage(p.Payload)
	if err != nil || msg.Tag != wire.TagConnectRequest {
		t.Fatalf("fakeServer: expected CONNECT_REQUEST, got %+v (err=%v)", msg, err)
	}
	if err := s.h.SendControl(wire.ControlMessage{Tag: wire.TagAudioConfig, Format: format, HasBufferPolicy: true, Policy: policy}); err != nil {
		t.Fatalf("fakeServer: send AUDIO_CONFIG: %v", err)
	}
	if err := s.h.SendControl(wire.ControlMessage{Tag: wire.TagConnectAccept}); err != nil {
		t.Fatalf("fakeServer: send CONNECT_ACCEPT: %v", err)
	}
}

func pipeDialer(conn net.Conn) Dialer {
	return func(ctx context.Context, addr string) (net.Conn, error) {
		return conn, nil
	}
}

func TestConnectHandshakeSucceeds(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()

	srv := newFakeServer(serverConn)
	go srv.acceptHandshake(t, wire.DefaultStreamFormat, wire.DefaultBufferPolicy)

	c := New(Options{ServerAddr: "ignored", ClientName: "tester", Dialer: pipeDialer(clientConn)})
	if err := c.connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !c.IsConnected() {
		t.Fatal("expected IsConnected() after successful handshake")
	}
	if c.format != wire.DefaultStreamFormat {
		t.Fatalf("format = %+v, want default", c.format)
	}
	c.teardown("test done")
}

func TestConnectRejectSurfacesReason(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	srv := newFakeServer(serverConn)
	go func() {
		p, err := srv.h.Receive(2 * time.Second)
		if err != nil || p.Type != wire.PacketControl {
			return
		}
		srv.h.SendControl(wire.ControlMessage{Tag: wire.TagConnectReject, RejectReason: wire.RejectBusy, RejectText: "server full"})
	}()

	c := New(Options{ServerAddr: "ignored", Dialer: pipeDialer(clientConn)})
	err := c.connect(context.Background())
	if err == nil {
		t.Fatal("expected connect to fail on CONNECT_REJECT")
	}
	if !strings.Contains(err.Error(), "BUSY") || !strings.Contains(err.Error(), "server full") {
		t.Fatalf("error %q does not carry the reject reason and text", err)
	}
}

// TestRunOnceEndsWhenPeerDisconnects exercises the receive worker's
// DISCONNECT handling end-to-end: once the handshake completes, the fake
// server sends DISCONNECT and runOnce must return promptly.
func TestRunOnceEndsWhenPeerDisconnects(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()

	srv := newFakeServer(serverConn)
	handshakeDone := make(chan struct{})
	go func() {
		srv.acceptHandshake(t, wire.DefaultStreamFormat, wire.DefaultBufferPolicy)
		close(handshakeDone)
		srv.h.SendControl(wire.ControlMessage{Tag: wire.TagDisconnect})
	}()

	var disconnectReason atomic.Value
	c := New(Options{
		ServerAddr: "ignored",
		Dialer:     pipeDialer(clientConn),
		Listeners: Listeners{
			OnDisconnected: func(reason string) { disconnectReason.Store(reason) },
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := c.runOnce(ctx)
	<-handshakeDone
	if err == nil {
		t.Fatal("expected runOnce to return an error on peer DISCONNECT")
	}
	if disconnectReason.Load() == nil {
		t.Fatal("expected OnDisconnected to be called")
	}
}

func TestSetPTTIsMutuallyExclusive(t *testing.T) {
	c := New(Options{})
	c.SetPTT(true)
	if c.captureMuted.Load() {
		t.Fatal("capture should be unmuted while transmitting")
	}
	if !c.playbackMuted.Load() {
		t.Fatal("playback should be muted while transmitting")
	}

	c.SetPTT(false)
	if !c.captureMuted.Load() {
		t.Fatal("capture should be muted when not transmitting")
	}
	if c.playbackMuted.Load() {
		t.Fatal("playback should be unmuted when not transmitting")
	}
}

// TestReconnectRetriesAndEventuallyGivesUp drives runWithReconnect against a
// dialer that always fails, and checks the attempt cap is honored.
func TestReconnectRetriesAndEventuallyGivesUp(t *testing.T) {
	var attempts atomic.Int32
	failingDialer := func(ctx context.Context, addr string) (net.Conn, error) {
		attempts.Add(1)
		return nil, errDisconnected
	}

	c := New(Options{
		ServerAddr:           "ignored",
		Dialer:               failingDialer,
		AutoReconnect:        true,
		ReconnectDelay:       5 * time.Millisecond,
		MaxReconnectDelay:    20 * time.Millisecond,
		MaxReconnectAttempts: 3,
		MinStableConnection:  50 * time.Millisecond,
	})

	start := time.Now()
	err := c.Run(context.Background())
	if err == nil {
		t.Fatal("expected Run to give up after exhausting reconnect attempts")
	}
	if attempts.Load() < 3 {
		t.Fatalf("attempts = %d, want >= 3", attempts.Load())
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("reconnect loop took too long: %v", time.Since(start))
	}
}

// TestReconnectStopsOnContextCancel ensures a canceled context short-circuits
// the reconnect loop instead of retrying forever.
func TestReconnectStopsOnContextCancel(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	dialer := func(ctx context.Context, addr string) (net.Conn, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return nil, errDisconnected
	}

	c := New(Options{
		ServerAddr:           "ignored",
		Dialer:               dialer,
		AutoReconnect:        true,
		ReconnectDelay:       50 * time.Millisecond,
		MaxReconnectAttempts: 1000,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	if err := c.Run(ctx); err != nil {
		t.Fatalf("expected nil error on context cancellation, got %v", err)
	}
}

package serverside

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/kj5hst/airrelay/internal/broadcast"
	"github.com/kj5hst/airrelay/internal/mixer"
	"github.com/kj5hst/airrelay/internal/protocol"
	"github.com/kj5hst/airrelay/internal/wire"
)

func newTestCore(maxClients int) (*ServerCore, *broadcast.Broadcaster, *mixer.Mixer, *Roster) {
	b := broadcast.New(broadcast.Options{})
	m := mixer.New(4096, mixer.Options{BytesPerFrame: 1920, FrameMs: 20 * time.Millisecond})
	r := NewRoster()
	core := New(Options{
		MaxClients:    maxClients,
		Format:        wire.DefaultStreamFormat,
		DefaultPolicy: wire.DefaultBufferPolicy,
		Broadcaster:   b,
		Mixer:         m,
		Roster:        r,
	})
	return core, b, m, r
}

// TestHandshakeThenAccept mirrors spec §8 scenario 4: client sends
// CONNECT_REQUEST with a buffer policy preference, server responds
// AUDIO_CONFIG then CONNECT_ACCEPT, and the session becomes Active.
func TestHandshakeThenAccept(t *testing.T) {
	core, _, _, roster := newTestCore(8)
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		core.handleConnection(ctx, serverConn)
		close(done)
	}()

	client := protocol.New(clientConn, protocol.Options{})
	if err := client.SendControl(wire.ControlMessage{
		Tag:             wire.TagConnectRequest,
		ProtocolVersion: 1,
		ClientName:      "c1",
		HasPolicy:       true,
		Policy:          wire.BufferPolicy{TargetMs: 80, MinMs: 30, MaxMs: 240},
	}); err != nil {
		t.Fatalf("SendControl CONNECT_REQUEST: %v", err)
	}

	p, err := client.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("receive AUDIO_CONFIG: %v", err)
	}
	cfg, err := wire.ParseControlMessage(p.Payload)
	if err != nil || cfg.Tag != wire.TagAudioConfig {
		t.Fatalf("expected AUDIO_CONFIG, got %+v (err=%v)", cfg, err)
	}
	if !cfg.HasBufferPolicy || cfg.Policy != (wire.BufferPolicy{TargetMs: 80, MinMs: 30, MaxMs: 240}) {
		t.Fatalf("unexpected policy in AUDIO_CONFIG: %+v", cfg)
	}

	p, err = client.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("receive CONNECT_ACCEPT: %v", err)
	}
	acc, err := wire.ParseControlMessage(p.Payload)
	if err != nil || acc.Tag != wire.TagConnectAccept {
		t.Fatalf("expected CONNECT_ACCEPT, got %+v (err=%v)", acc, err)
	}

	// Give the server goroutine a moment to register and activate.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if roster.Count() == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	snapshot := roster.Snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("expected 1 session registered, got %d", len(snapshot))
	}
	sess := snapshot[0]
	if sess.State() != StateActive {
		t.Fatalf("state = %v, want Active", sess.State())
	}

	// Activation broadcasts a CLIENTS_UPDATE to the new session; net.Pipe has
	// no buffering, so it is read before the session is asked to shut down.
	p, err = client.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("receive CLIENTS_UPDATE: %v", err)
	}
	if upd, err := wire.ParseControlMessage(p.Payload); err != nil || upd.Tag != wire.TagClientsUpdate {
		t.Fatalf("expected CLIENTS_UPDATE, got %+v (err=%v)", upd, err)
	}

	cancel()
	<-done
}

func TestMaxClientsRejectsWithBusy(t *testing.T) {
	core, _, _, _ := newTestCore(0) // no capacity at all
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		core.handleConnection(ctx, serverConn)
		close(done)
	}()

	client := protocol.New(clientConn, protocol.Options{})
	p, err := client.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	msg, err := wire.ParseControlMessage(p.Payload)
	if err != nil || msg.Tag != wire.TagConnectReject || msg.RejectReason != wire.RejectBusy {
		t.Fatalf("expected CONNECT_REJECT(BUSY), got %+v (err=%v)", msg, err)
	}

	<-done
}

// TestTxGrantBroadcastsRosterToBystander covers spec §4.7's "Roster
// broadcast": a TX-ownership change (grant) must reach every active
// session, not just the one directly granted, so a bystander learns the
// new tx_owner instead of seeing a stale roster.
func TestTxGrantBroadcastsRosterToBystander(t *testing.T) {
	core, _, m, roster := newTestCore(8)

	connectClient := func(name string) (*protocol.Handler, net.Conn) {
		serverConn, clientConn := net.Pipe()
		go core.handleConnection(context.Background(), serverConn)

		client := protocol.New(clientConn, protocol.Options{})
		if err := client.SendControl(wire.ControlMessage{
			Tag: wire.TagConnectRequest, ProtocolVersion: 1, ClientName: name,
		}); err != nil {
			t.Fatalf("SendControl CONNECT_REQUEST(%s): %v", name, err)
		}
		if _, err := client.Receive(2 * time.Second); err != nil { // AUDIO_CONFIG
			t.Fatalf("receive AUDIO_CONFIG(%s): %v", name, err)
		}
		if _, err := client.Receive(2 * time.Second); err != nil { // CONNECT_ACCEPT
			t.Fatalf("receive CONNECT_ACCEPT(%s): %v", name, err)
		}
		return client, clientConn
	}

	clientA, connA := connectClient("a")
	defer connA.Close()
	clientB, connB := connectClient("b")
	defer connB.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && roster.Count() < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	if roster.Count() != 2 {
		t.Fatalf("expected 2 sessions registered, got %d", roster.Count())
	}

	// Each join broadcasts CLIENTS_UPDATE; drain the ones already queued
	// for each client before triggering the TX grant.
	drainClientsUpdates := func(c *protocol.Handler) {
		for {
			p, err := c.Receive(200 * time.Millisecond)
			if err != nil {
				return
			}
			msg, err := wire.ParseControlMessage(p.Payload)
			if err != nil || msg.Tag != wire.TagClientsUpdate {
				return
			}
		}
	}
	drainClientsUpdates(clientA)
	drainClientsUpdates(clientB)

	if err := clientA.SendTXAudio([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("SendTXAudio: %v", err)
	}

	// net.Pipe has no buffering: keep reading clientA's side so the server's
	// writes to it (TX_GRANTED, any CLIENTS_UPDATE still pending) do not hold
	// up the roster broadcast that follows the grant.
	go func() {
		for {
			if _, err := clientA.Receive(time.Second); err != nil && err != protocol.ErrNone {
				return
			}
		}
	}()

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.CurrentOwner(); ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	ownerID, ok := m.CurrentOwner()
	if !ok {
		t.Fatal("expected a TX owner to be claimed")
	}

	// clientB never submitted TX audio, so any CLIENTS_UPDATE it receives
	// now must be the one broadcastRoster sent on the grant.
	var sawOwner string
	for i := 0; i < 5; i++ {
		p, err := clientB.Receive(2 * time.Second)
		if err != nil {
			t.Fatalf("clientB receive: %v", err)
		}
		msg, err := wire.ParseControlMessage(p.Payload)
		if err != nil {
			t.Fatalf("ParseControlMessage: %v", err)
		}
		if msg.Tag == wire.TagClientsUpdate && msg.TxOwnerID != "" {
			sawOwner = msg.TxOwnerID
			break
		}
	}
	if sawOwner != ownerID {
		t.Fatalf("bystander CLIENTS_UPDATE tx_owner = %q, want %q", sawOwner, ownerID)
	}
}

func TestHandshakeWrongFirstMessageClosesSilently(t *testing.T) {
	core, _, _, roster := newTestCore(8)
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		core.handleConnection(ctx, serverConn)
		close(done)
	}()

	client := protocol.New(clientConn, protocol.Options{})
	client.SendHeartbeat() // not a CONNECT_REQUEST

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected handleConnection to return after invalid handshake")
	}
	if roster.Count() != 0 {
		t.Fatalf("expected no session registered, got %d", roster.Count())
	}
}

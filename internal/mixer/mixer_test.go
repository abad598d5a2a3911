package mixer

import (
	"sync"
	"testing"
	"time"
)

type fakeTxClient struct {
	mu         sync.Mutex
	granted    int
	preemptedBy string
	released   int
	conflicts  int
}

func (c *fakeTxClient) OnTxGranted() {
	c.mu.Lock()
	c.granted++
	c.mu.Unlock()
}
func (c *fakeTxClient) OnTxPreempted(newOwnerID string) {
	c.mu.Lock()
	c.preemptedBy = newOwnerID
	c.mu.Unlock()
}
func (c *fakeTxClient) OnTxReleased() {
	c.mu.Lock()
	c.released++
	c.mu.Unlock()
}
func (c *fakeTxClient) OnTxConflict(holderID, requesterID string) {
	c.mu.Lock()
	c.conflicts++
	c.mu.Unlock()
}

func newTestMixer() *Mixer {
	return New(1024, Options{IdleTimeout: 50 * time.Millisecond, BytesPerFrame: 16, FrameMs: 10 * time.Millisecond})
}

func TestFirstSubmitterClaimsOwnership(t *testing.T) {
	m := newTestMixer()
	a := &fakeTxClient{}
	m.RegisterClient("a", a, PriorityNormal)

	if res := m.SubmitTxAudio("a", []byte{1, 2}); res != Accepted {
		t.Fatalf("result = %v, want Accepted", res)
	}
	owner, ok := m.CurrentOwner()
	if !ok || owner != "a" {
		t.Fatalf("owner = %q (ok=%v), want a", owner, ok)
	}
	if a.granted != 1 {
		t.Fatalf("granted = %d, want 1", a.granted)
	}
}

func TestUnregisteredClientRejected(t *testing.T) {
	m := newTestMixer()
	if res := m.SubmitTxAudio("ghost", []byte{1}); res != Rejected {
		t.Fatalf("result = %v, want Rejected", res)
	}
}

// TestEqualPriorityDoesNotPreempt checks spec §8's Mixer liveness property:
// equal-priority contenders cannot dislodge the incumbent.
func TestEqualPriorityDoesNotPreempt(t *testing.T) {
	m := newTestMixer()
	a := &fakeTxClient{}
	b := &fakeTxClient{}
	m.RegisterClient("a", a, PriorityNormal)
	m.RegisterClient("b", b, PriorityNormal)

	m.SubmitTxAudio("a", []byte{1})
	res := m.SubmitTxAudio("b", []byte{2})
	if res != Rejected {
		t.Fatalf("result = %v, want Rejected (equal priority must not preempt)", res)
	}
	owner, _ := m.CurrentOwner()
	if owner != "a" {
		t.Fatalf("owner = %q, want a (incumbent keeps channel)", owner)
	}
	if b.conflicts != 1 {
		t.Fatalf("b.conflicts = %d, want 1", b.conflicts)
	}
}

// TestPriorityPreemptScenario mirrors spec §8 scenario 5: A:NORMAL grants,
// then B:HIGH preempts; A is notified, B becomes owner, and the TX buffer
// is cleared before B's bytes land.
func TestPriorityPreemptScenario(t *testing.T) {
	m := newTestMixer()
	a := &fakeTxClient{}
	b := &fakeTxClient{}
	m.RegisterClient("a", a, PriorityNormal)
	m.RegisterClient("b", b, PriorityHigh)

	if res := m.SubmitTxAudio("a", []byte("aaaaaaaaaa")); res != Accepted {
		t.Fatalf("a's submit = %v, want Accepted", res)
	}
	if res := m.SubmitTxAudio("b", []byte("BB")); res != Preempted {
		t.Fatalf("b's submit = %v, want Preempted", res)
	}

	owner, ok := m.CurrentOwner()
	if !ok || owner != "b" {
		t.Fatalf("owner = %q (ok=%v), want b", owner, ok)
	}
	if a.preemptedBy != "b" {
		t.Fatalf("a.preemptedBy = %q, want b", a.preemptedBy)
	}
	if b.granted != 1 {
		t.Fatalf("b.granted = %d, want 1", b.granted)
	}

	out := make([]byte, 32)
	n := m.txBuffer.Read(out, 0)
	if string(out[:n]) != "BB" {
		t.Fatalf("tx buffer contents = %q, want only B's bytes (cleared on preempt)", out[:n])
	}
}

func TestIncumbentCanKeepSubmitting(t *testing.T) {
	m := newTestMixer()
	a := &fakeTxClient{}
	m.RegisterClient("a", a, PriorityNormal)
	m.SubmitTxAudio("a", []byte{1})
	if res := m.SubmitTxAudio("a", []byte{2}); res != Accepted {
		t.Fatalf("result = %v, want Accepted", res)
	}
	if a.granted != 1 {
		t.Fatalf("granted should only fire once on first claim, got %d", a.granted)
	}
}

// TestIdleReleaseWithinTimeout checks spec §8's Mixer idle release property:
// with a single NORMAL client that submits once then stops, ownership is
// released within tx_idle_timeout_ms + 2*frame_ms.
func TestIdleReleaseWithinTimeout(t *testing.T) {
	m := newTestMixer()
	a := &fakeTxClient{}
	m.RegisterClient("a", a, PriorityNormal)
	m.SubmitTxAudio("a", []byte{1})

	deadline := time.Now().Add(m.idleTimeout + 2*m.frameMs + 100*time.Millisecond)
	for time.Now().Before(deadline) {
		m.CheckIdleRelease()
		if _, ok := m.CurrentOwner(); !ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, ok := m.CurrentOwner(); ok {
		t.Fatal("expected ownership released after idle timeout")
	}
	if a.released != 1 {
		t.Fatalf("released = %d, want 1", a.released)
	}
}

func TestUnregisterOwnerReleasesOwnership(t *testing.T) {
	m := newTestMixer()
	a := &fakeTxClient{}
	m.RegisterClient("a", a, PriorityNormal)
	m.SubmitTxAudio("a", []byte{1})

	m.UnregisterClient("a")
	if _, ok := m.CurrentOwner(); ok {
		t.Fatal("expected no owner after unregistering the incumbent")
	}
}

func TestHigherPriorityAlwaysPreempts(t *testing.T) {
	m := newTestMixer()
	low := &fakeTxClient{}
	excl := &fakeTxClient{}
	m.RegisterClient("low", low, PriorityLow)
	m.RegisterClient("excl", excl, PriorityExclusive)

	m.SubmitTxAudio("low", []byte{1})
	if res := m.SubmitTxAudio("excl", []byte{2}); res != Preempted {
		t.Fatalf("result = %v, want Preempted", res)
	}
}

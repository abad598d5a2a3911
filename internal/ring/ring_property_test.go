package ring

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

// TestFIFOPropertyUnderRandomInterleaving checks spec §8's RingBuffer FIFO
// invariant across randomly generated write/read interleavings: whenever the
// total bytes written equals the total bytes read, the concatenated reads
// equal the concatenated writes.
func TestFIFOPropertyUnderRandomInterleaving(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(4, 256).Draw(t, "capacity")
		b := New(capacity, nil, "prop")

		var written, read []byte
		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if rapid.Bool().Draw(t, "isWrite") {
				chunk := rapid.SliceOfN(rapid.Byte(), 0, capacity).Draw(t, "chunk")
				b.Write(chunk)
				written = append(written, chunk...)
			} else {
				out := make([]byte, rapid.IntRange(0, capacity).Draw(t, "readLen"))
				n := b.Read(out, 0)
				if n > 0 {
					read = append(read, out[:n]...)
				}
			}
		}
		// Drain whatever remains so the lengths can be compared.
		for {
			out := make([]byte, capacity)
			n := b.Read(out, 0)
			if n <= 0 {
				break
			}
			read = append(read, out[:n]...)
		}

		// After the drain, every byte not dropped by an overrun has been read,
		// so the totals match exactly when no overrun occurred; in that case
		// the reads must reproduce the writes byte for byte.
		if len(read) > len(written) {
			t.Fatalf("read more bytes (%d) than were ever written (%d)", len(read), len(written))
		}
		if len(read) == len(written) && !bytes.Equal(read, written) {
			t.Fatalf("FIFO order violated:\n read    %v\n written %v", read, written)
		}
	})
}

// TestAvailableNeverOutOfBounds checks spec §8's RingBuffer bound invariant:
// 0 <= available <= capacity at every observation point.
func TestAvailableNeverOutOfBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 512).Draw(t, "capacity")
		b := New(capacity, nil, "prop")

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if rapid.Bool().Draw(t, "isWrite") {
				chunk := rapid.SliceOfN(rapid.Byte(), 0, capacity*2).Draw(t, "chunk")
				b.Write(chunk)
			} else {
				out := make([]byte, rapid.IntRange(0, capacity*2).Draw(t, "readLen"))
				b.Read(out, 0)
			}
			if avail := b.Available(); avail < 0 || avail > b.Capacity() {
				t.Fatalf("available=%d out of bounds [0,%d]", avail, b.Capacity())
			}
		}
	})
}

// TestOverrunDropsExactlyExcessAndCountsOnce checks spec §8's overrun
// semantics property with randomized single oversized writes.
func TestOverrunDropsExactlyExcessAndCountsOnce(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(4, 64).Draw(t, "capacity")
		b := New(capacity, nil, "prop")

		preload := rapid.IntRange(0, capacity).Draw(t, "preload")
		if preload > 0 {
			b.Write(make([]byte, preload))
		}
		before := b.Available()

		writeLen := rapid.IntRange(1, capacity*2).Draw(t, "writeLen")
		beforeOverruns := b.Stats().Overruns
		b.Write(make([]byte, writeLen))
		afterOverruns := b.Stats().Overruns

		wouldOverrun := before+writeLen > capacity
		if wouldOverrun && afterOverruns != beforeOverruns+1 {
			t.Fatalf("expected overrun count to increase by exactly 1, before=%d after=%d", beforeOverruns, afterOverruns)
		}
		if !wouldOverrun && afterOverruns != beforeOverruns {
			t.Fatalf("unexpected overrun recorded when none should occur")
		}
		if b.Available() != min(before+writeLen, capacity) {
			t.Fatalf("available=%d, want %d", b.Available(), min(before+writeLen, capacity))
		}
	})
}

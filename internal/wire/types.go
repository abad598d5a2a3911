// Package wire implements the on-wire packet framing (spec §4.2, §6) and
// the control message layer built on top of it (spec §4.3).
package wire

import "fmt"

// StreamFormat describes the negotiated PCM format for a session (spec §3).
// Immutable once negotiated at handshake.
type StreamFormat struct {
	SampleRateHz uint32
	BitsPerSample uint8 // 8, 16, 24, or 32
	Channels      uint8 // 1 or 2
	FrameMs       uint16
}

// BytesPerSample returns the storage size of one sample on one channel.
func (f StreamFormat) BytesPerSample() int { return int(f.BitsPerSample) / 8 }

// BytesPerFrame returns the byte size of one FrameMs worth of audio across
// all channels.
func (f StreamFormat) BytesPerFrame() int {
	return f.BytesPerSecond() * int(f.FrameMs) / 1000
}

// BytesPerSecond returns the sustained byte rate of this format.
func (f StreamFormat) BytesPerSecond() int {
	return int(f.SampleRateHz) * f.BytesPerSample() * int(f.Channels)
}

// BytesPerMs returns the byte rate expressed per millisecond, for buffer
// level calculations.
func (f StreamFormat) BytesPerMs() float64 {
	return float64(f.BytesPerSecond()) / 1000.0
}

// DefaultStreamFormat is 48 kHz / 16-bit / mono / 20 ms frames, matching the
// glossary's worked example (1920 bytes/frame).
var DefaultStreamFormat = StreamFormat{
	SampleRateHz:  48000,
	BitsPerSample: 16,
	Channels:      1,
	FrameMs:       20,
}

// BufferPolicy describes jitter buffer sizing in milliseconds (spec §3).
// Invariant: 0 < Min <= Target <= Max.
type BufferPolicy struct {
	TargetMs uint16
	MinMs    uint16
	MaxMs    uint16
}

// DefaultBufferPolicy matches the worked example in spec §8 scenario 4.
var DefaultBufferPolicy = BufferPolicy{TargetMs: 80, MinMs: 30, MaxMs: 240}

// Validate checks the BufferPolicy invariant 0 < Min <= Target <= Max.
func (p BufferPolicy) Validate() error {
	if p.MinMs == 0 {
		return fmt.Errorf("wire: buffer policy min must be > 0")
	}
	if p.MinMs > p.TargetMs {
		return fmt.Errorf("wire: buffer policy min (%d) exceeds target (%d)", p.MinMs, p.TargetMs)
	}
	if p.TargetMs > p.MaxMs {
		return fmt.Errorf("wire: buffer policy target (%d) exceeds max (%d)", p.TargetMs, p.MaxMs)
	}
	return nil
}

// CapacityBytes returns the recommended ring buffer capacity for this
// policy and format: 2x max expressed in bytes (spec §3 RingBuffer lifecycle).
func (p BufferPolicy) CapacityBytes(format StreamFormat) int {
	return int(2 * float64(p.MaxMs) * format.BytesPerMs())
}

// PacketType identifies the payload kind of a Packet (spec §3, §6).
type PacketType uint8

const (
	PacketAudioRX PacketType = 0
	PacketAudioTX PacketType = 1
	PacketControl PacketType = 2
	PacketHeartbeat PacketType = 3
)

func (t PacketType) String() string {
	switch t {
	case PacketAudioRX:
		return "AUDIO_RX"
	case PacketAudioTX:
		return "AUDIO_TX"
	case PacketControl:
		return "CONTROL"
	case PacketHeartbeat:
		return "HEARTBEAT"
	default:
		return fmt.Sprintf("PacketType(%d)", uint8(t))
	}
}

// Flag bits for Packet.Flags (spec §3, §6).
const (
	FlagCompressed   uint8 = 1 << 0
	FlagLowBandwidth uint8 = 1 << 1
)

// Magic is the fixed 16-bit frame marker (spec §3, §6).
const Magic uint16 = 0xAF01

// Version is the current wire protocol version.
const Version uint8 = 1

// MaxPayload is the maximum payload length in bytes (spec §3, §6).
const MaxPayload = 8192

// HeaderSize is the fixed header length in bytes, before payload and CRC
// (spec §6: magic 2 + version 1 + type 1 + flags 1 + sequence 4 + timestamp 8
// + payload_len 2 = 19).
const HeaderSize = 19

// CRCSize is the trailing CRC32 field size in bytes.
const CRCSize = 4

// Packet is the on-wire frame described in spec §3 and §6.
type Packet struct {
	Type        PacketType
	Flags       uint8
	Sequence    uint32
	TimestampNs uint64
	Payload     []byte
}

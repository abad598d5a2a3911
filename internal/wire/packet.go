package wire

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// ErrNoPacket is returned by Decode when the input fails any validity check
// (wrong magic, unknown type, out-of-range length, or CRC mismatch). Spec §4.2
// treats this as "no packet" rather than distinguishing the failure reason,
// so callers should not branch on error content — only on success vs failure.
var ErrNoPacket = fmt.Errorf("wire: no packet")

// Encode serializes p into the wire frame: HEADER(19) + payload + CRC(4).
// Returns an error only if the payload exceeds MaxPayload.
func Encode(p Packet) ([]byte, error) {
	if len(p.Payload) > MaxPayload {
		return nil, fmt.Errorf("wire: payload length %d exceeds max %d", len(p.Payload), MaxPayload)
	}

	total := HeaderSize + len(p.Payload) + CRCSize
	out := make([]byte, total)

	binary.BigEndian.PutUint16(out[0:2], Magic)
	out[2] = Version
	out[3] = uint8(p.Type)
	out[4] = p.Flags
	binary.BigEndian.PutUint32(out[5:9], p.Sequence)
	binary.BigEndian.PutUint64(out[9:17], p.TimestampNs)
	binary.BigEndian.PutUint16(out[17:19], uint16(len(p.Payload)))
	copy(out[HeaderSize:], p.Payload)

	crc := crc32.ChecksumIEEE(out[:HeaderSize+len(p.Payload)])
	binary.BigEndian.PutUint32(out[HeaderSize+len(p.Payload):], crc)

	return out, nil
}

// Decode parses a single frame from data. It requires at least
// HeaderSize+CRCSize bytes and rejects frames with a wrong magic, unknown
// type, out-of-range payload_len, or a CRC mismatch — returning ErrNoPacket
// in every rejection case without mutating the input slice. On success, the
// returned Packet's Payload aliases data; callers that retain it past the
// life of the input buffer must copy.
func Decode(data []byte) (Packet, error) {
	if len(data) < HeaderSize+CRCSize {
		return Packet{}, ErrNoPacket
	}

	magic := binary.BigEndian.Uint16(data[0:2])
	if magic != Magic {
		return Packet{}, ErrNoPacket
	}

	typ := PacketType(data[3])
	switch typ {
	case PacketAudioRX, PacketAudioTX, PacketControl, PacketHeartbeat:
	default:
		return Packet{}, ErrNoPacket
	}

	payloadLen := int(binary.BigEndian.Uint16(data[17:19]))
	if payloadLen > MaxPayload {
		return Packet{}, ErrNoPacket
	}
	if len(data) < HeaderSize+payloadLen+CRCSize {
		return Packet{}, ErrNoPacket
	}

	frameEnd := HeaderSize + payloadLen
	wantCRC := binary.BigEndian.Uint32(data[frameEnd : frameEnd+CRCSize])
	gotCRC := crc32.ChecksumIEEE(data[:frameEnd])
	if wantCRC != gotCRC {
		return Packet{}, ErrNoPacket
	}

	return Packet{
		Type:        typ,
		Flags:       data[4],
		Sequence:    binary.BigEndian.Uint32(data[5:9]),
		TimestampNs: binary.BigEndian.Uint64(data[9:17]),
		Payload:     data[HeaderSize:frameEnd],
	}, nil
}

// EncodedSize returns the on-wire size of a packet carrying payloadLen bytes.
func EncodedSize(payloadLen int) int {
	return HeaderSize + payloadLen + CRCSize
}

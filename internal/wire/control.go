package wire

import (
	"encoding/binary"
	"fmt"
)

// ControlTag identifies the kind of ControlMessage carried in a CONTROL
// packet's payload (spec §3, §6).
type ControlTag uint8

const (
	TagConnectRequest  ControlTag = 0x01
	TagConnectAccept   ControlTag = 0x02
	TagConnectReject   ControlTag = 0x03
	TagAudioConfig     ControlTag = 0x04
	TagStreamStart     ControlTag = 0x10
	TagStreamStop      ControlTag = 0x11
	TagStreamPause     ControlTag = 0x12
	TagStreamResume    ControlTag = 0x13
	TagHeartbeat       ControlTag = 0x20
	TagHeartbeatAck    ControlTag = 0x21
	TagLatencyProbe    ControlTag = 0x22
	TagLatencyResponse ControlTag = 0x23
	TagStatsUpdate     ControlTag = 0x30
	TagTxGranted       ControlTag = 0x40
	TagTxDenied        ControlTag = 0x41
	TagTxPreempted     ControlTag = 0x42
	TagTxReleased      ControlTag = 0x43
	TagClientsUpdate   ControlTag = 0x44
	TagError           ControlTag = 0xFE
	TagDisconnect      ControlTag = 0xFF
)

func (t ControlTag) String() string {
	switch t {
	case TagConnectRequest:
		return "CONNECT_REQUEST"
	case TagConnectAccept:
		return "CONNECT_ACCEPT"
	case TagConnectReject:
		return "CONNECT_REJECT"
	case TagAudioConfig:
		return "AUDIO_CONFIG"
	case TagStreamStart:
		return "STREAM_START"
	case TagStreamStop:
		return "STREAM_STOP"
	case TagStreamPause:
		return "STREAM_PAUSE"
	case TagStreamResume:
		return "STREAM_RESUME"
	case TagHeartbeat:
		return "HEARTBEAT"
	case TagHeartbeatAck:
		return "HEARTBEAT_ACK"
	case TagLatencyProbe:
		return "LATENCY_PROBE"
	case TagLatencyResponse:
		return "LATENCY_RESPONSE"
	case TagStatsUpdate:
		return "STATS_UPDATE"
	case TagTxGranted:
		return "TX_GRANTED"
	case TagTxDenied:
		return "TX_DENIED"
	case TagTxPreempted:
		return "TX_PREEMPTED"
	case TagTxReleased:
		return "TX_RELEASED"
	case TagClientsUpdate:
		return "CLIENTS_UPDATE"
	case TagError:
		return "ERROR"
	case TagDisconnect:
		return "DISCONNECT"
	default:
		return fmt.Sprintf("ControlTag(%#x)", uint8(t))
	}
}

// RejectReason is the reason code carried by CONNECT_REJECT (spec §3, §6).
type RejectReason uint8

const (
	RejectBusy               RejectReason = 0x01
	RejectVersionMismatch    RejectReason = 0x02
	RejectFormatNotSupported RejectReason = 0x03
	RejectAuthFailed         RejectReason = 0x04
	RejectReason_Rejected    RejectReason = 0xFF
)

func (r RejectReason) String() string {
	switch r {
	case RejectBusy:
		return "BUSY"
	case RejectVersionMismatch:
		return "VERSION_MISMATCH"
	case RejectFormatNotSupported:
		return "FORMAT_NOT_SUPPORTED"
	case RejectAuthFailed:
		return "AUTH_FAILED"
	case RejectReason_Rejected:
		return "REJECTED"
	default:
		return fmt.Sprintf("RejectReason(%#x)", uint8(r))
	}
}

// ClientInfo is the (callsign, name, location) tuple attached at connect time
// (spec §3). Each field is UTF-8 and length-prefixed with a single byte on
// the wire, so any field longer than 255 bytes is truncated on encode.
type ClientInfo struct {
	Callsign string
	Name     string
	Location string
}

// errTruncated is returned internally by field readers when the buffer ends
// mid-field; callers of ParseControlMessage never see it — they see the
// partially populated message with later fields left at zero value, per the
// backward-compatibility rule in spec §4.3.
var errTruncated = fmt.Errorf("wire: truncated control field")

// byteReader is a tiny cursor over a byte slice used while parsing control
// bodies, so truncation can be detected without manual bounds checks at
// every field.
type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) u8() (uint8, error) {
	if r.pos+1 > len(r.buf) {
		return 0, errTruncated
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *byteReader) u16() (uint16, error) {
	if r.pos+2 > len(r.buf) {
		return 0, errTruncated
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos : r.pos+2])
	r.pos += 2
	return v, nil
}

func (r *byteReader) u32() (uint32, error) {
	if r.pos+4 > len(r.buf) {
		return 0, errTruncated
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *byteReader) u64() (uint64, error) {
	if r.pos+8 > len(r.buf) {
		return 0, errTruncated
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

// str reads a u8 length prefix followed by that many bytes.
func (r *byteReader) str() (string, error) {
	n, err := r.u8()
	if err != nil {
		return "", err
	}
	if r.pos+int(n) > len(r.buf) {
		return "", errTruncated
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *byteReader) remaining() int { return len(r.buf) - r.pos }

// byteWriter accumulates an encoded control body.
type byteWriter struct {
	buf []byte
}

func (w *byteWriter) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *byteWriter) u16(v uint16) { w.buf = append(w.buf, byte(v>>8), byte(v)) }
func (w *byteWriter) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}
func (w *byteWriter) u64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// str writes a length-prefixed string, truncating to 255 bytes on encode
// per spec §4.3 ("longer strings are truncated on encode").
func (w *byteWriter) str(s string) {
	b := []byte(s)
	if len(b) > 255 {
		b = b[:255]
	}
	w.u8(uint8(len(b)))
	w.buf = append(w.buf, b...)
}

// ControlMessage is the decoded form of a CONTROL packet payload (spec §3).
// Only the fields relevant to Tag are meaningful; the zero value of an
// unused field means "absent", matching the backward-compatibility rule.
type ControlMessage struct {
	Tag ControlTag

	// CONNECT_REQUEST
	ProtocolVersion uint8
	ClientName      string
	HasPolicy       bool
	Policy          BufferPolicy
	HasClientInfo   bool
	Info            ClientInfo

	// CONNECT_REJECT
	RejectReason RejectReason
	RejectText   string

	// AUDIO_CONFIG
	Format        StreamFormat
	HasBufferPolicy bool

	// LATENCY_PROBE / LATENCY_RESPONSE
	ProbeTimestampNs uint64

	// TX_DENIED / TX_PREEMPTED carry an owner/new-owner id
	OwnerID string

	// CLIENTS_UPDATE
	Count       uint8
	Max         uint8
	TxOwnerID   string
	Clients     []ClientsUpdateEntry

	// ERROR text body (CONNECT_REJECT uses RejectText)
	Text string
}

// ClientsUpdateEntry is one roster row inside a CLIENTS_UPDATE message.
type ClientsUpdateEntry struct {
	ID   string
	Info ClientInfo
}

// EncodeControlMessage serializes m into a control payload: [tag:u8][body].
// The returned bytes are suitable as the Payload of a Packet with
// Type == PacketControl.
func EncodeControlMessage(m ControlMessage) []byte {
	w := &byteWriter{buf: make([]byte, 0, 32)}
	w.u8(uint8(m.Tag))

	switch m.Tag {
	case TagConnectRequest:
		w.u8(m.ProtocolVersion)
		w.str(m.ClientName)
		if m.HasPolicy {
			w.u8(1)
			w.u16(m.Policy.TargetMs)
			w.u16(m.Policy.MinMs)
			w.u16(m.Policy.MaxMs)
		} else {
			w.u8(0)
		}
		if m.HasClientInfo {
			w.u8(1)
			w.str(m.Info.Callsign)
			w.str(m.Info.Name)
			w.str(m.Info.Location)
		} else {
			w.u8(0)
		}

	case TagConnectAccept:
		// No body.

	case TagConnectReject:
		w.u8(uint8(m.RejectReason))
		w.str(m.RejectText)

	case TagAudioConfig:
		w.u32(m.Format.SampleRateHz)
		w.u8(m.Format.BitsPerSample)
		w.u8(m.Format.Channels)
		w.u16(m.Format.FrameMs)
		if m.HasBufferPolicy {
			w.u16(m.Policy.TargetMs)
			w.u16(m.Policy.MinMs)
			w.u16(m.Policy.MaxMs)
		}

	case TagStreamStart, TagStreamStop, TagStreamPause, TagStreamResume:
		// No body.

	case TagHeartbeat, TagHeartbeatAck:
		// No body.

	case TagLatencyProbe, TagLatencyResponse:
		w.u64(m.ProbeTimestampNs)

	case TagStatsUpdate:
		// No fixed body; observable counters are queried locally via
		// ProtocolHandler rather than carried on the wire.

	case TagTxGranted, TagTxReleased:
		// No body.

	case TagTxDenied, TagTxPreempted:
		w.str(m.OwnerID)

	case TagClientsUpdate:
		w.u8(m.Count)
		w.u8(m.Max)
		w.str(m.TxOwnerID)
		w.u8(uint8(len(m.Clients)))
		for _, c := range m.Clients {
			w.str(c.ID)
			info := &byteWriter{buf: make([]byte, 0, 16)}
			info.str(c.Info.Callsign)
			info.str(c.Info.Name)
			info.str(c.Info.Location)
			w.u8(uint8(len(info.buf)))
			w.buf = append(w.buf, info.buf...)
		}

	case TagError:
		w.str(m.Text)

	case TagDisconnect:
		// No body.
	}

	return w.buf
}

// ParseControlMessage decodes a control payload produced by
// EncodeControlMessage. Per spec §4.3, parsing tolerates truncation at any
// field boundary: once a field can no longer be read in full, parsing stops
// and the already-parsed prefix is returned with later fields left at their
// zero value — this is not reported as an error, since older senders that
// omit trailing fields are an expected, supported case.
func ParseControlMessage(payload []byte) (ControlMessage, error) {
	if len(payload) < 1 {
		return ControlMessage{}, fmt.Errorf("wire: empty control payload")
	}
	r := &byteReader{buf: payload[1:]}
	m := ControlMessage{Tag: ControlTag(payload[0])}

	switch m.Tag {
	case TagConnectRequest:
		parseConnectRequest(r, &m)

	case TagConnectAccept:
		// No body.

	case TagConnectReject:
		if v, err := r.u8(); err == nil {
			m.RejectReason = RejectReason(v)
		} else {
			return m, nil
		}
		if s, err := r.str(); err == nil {
			m.RejectText = s
		}

	case TagAudioConfig:
		parseAudioConfig(r, &m)

	case TagStreamStart, TagStreamStop, TagStreamPause, TagStreamResume:
		// No body.

	case TagHeartbeat, TagHeartbeatAck:
		// No body.

	case TagLatencyProbe, TagLatencyResponse:
		if v, err := r.u64(); err == nil {
			m.ProbeTimestampNs = v
		}

	case TagStatsUpdate:
		// No fixed body.

	case TagTxGranted, TagTxReleased:
		// No body.

	case TagTxDenied, TagTxPreempted:
		if s, err := r.str(); err == nil {
			m.OwnerID = s
		}

	case TagClientsUpdate:
		parseClientsUpdate(r, &m)

	case TagError:
		if s, err := r.str(); err == nil {
			m.Text = s
		}

	case TagDisconnect:
		// No body.
	}

	return m, nil
}

func parseConnectRequest(r *byteReader, m *ControlMessage) {
	v, err := r.u8()
	if err != nil {
		return
	}
	m.ProtocolVersion = v

	name, err := r.str()
	if err != nil {
		return
	}
	m.ClientName = name

	hasPolicy, err := r.u8()
	if err != nil {
		return
	}
	if hasPolicy != 0 {
		target, err := r.u16()
		if err != nil {
			return
		}
		min, err := r.u16()
		if err != nil {
			return
		}
		max, err := r.u16()
		if err != nil {
			return
		}
		m.HasPolicy = true
		m.Policy = BufferPolicy{TargetMs: target, MinMs: min, MaxMs: max}
	}

	hasInfo, err := r.u8()
	if err != nil {
		return
	}
	if hasInfo != 0 {
		callsign, err := r.str()
		if err != nil {
			return
		}
		name, err := r.str()
		if err != nil {
			m.HasClientInfo = true
			m.Info = ClientInfo{Callsign: callsign}
			return
		}
		loc, err := r.str()
		if err != nil {
			m.HasClientInfo = true
			m.Info = ClientInfo{Callsign: callsign, Name: name}
			return
		}
		m.HasClientInfo = true
		m.Info = ClientInfo{Callsign: callsign, Name: name, Location: loc}
	}
}

// parseAudioConfig accepts both the 8-byte base form and the 14-byte
// extended form carrying a trailing BufferPolicy (spec §4.3).
func parseAudioConfig(r *byteReader, m *ControlMessage) {
	rate, err := r.u32()
	if err != nil {
		return
	}
	bits, err := r.u8()
	if err != nil {
		return
	}
	chans, err := r.u8()
	if err != nil {
		return
	}
	frameMs, err := r.u16()
	if err != nil {
		return
	}
	m.Format = StreamFormat{SampleRateHz: rate, BitsPerSample: bits, Channels: chans, FrameMs: frameMs}

	if r.remaining() == 0 {
		return
	}
	target, err := r.u16()
	if err != nil {
		return
	}
	min, err := r.u16()
	if err != nil {
		return
	}
	max, err := r.u16()
	if err != nil {
		return
	}
	m.HasBufferPolicy = true
	m.Policy = BufferPolicy{TargetMs: target, MinMs: min, MaxMs: max}
}

func parseClientsUpdate(r *byteReader, m *ControlMessage) {
	count, err := r.u8()
	if err != nil {
		return
	}
	m.Count = count

	max, err := r.u8()
	if err != nil {
		return
	}
	m.Max = max

	owner, err := r.str()
	if err != nil {
		return
	}
	m.TxOwnerID = owner

	n, err := r.u8()
	if err != nil {
		return
	}

	for i := 0; i < int(n); i++ {
		id, err := r.str()
		if err != nil {
			return
		}
		infoLen, err := r.u8()
		if err != nil {
			return
		}
		if r.remaining() < int(infoLen) {
			return
		}
		infoBuf := r.buf[r.pos : r.pos+int(infoLen)]
		r.pos += int(infoLen)

		infoR := &byteReader{buf: infoBuf}
		var info ClientInfo
		if callsign, err := infoR.str(); err == nil {
			info.Callsign = callsign
			if name, err := infoR.str(); err == nil {
				info.Name = name
				if loc, err := infoR.str(); err == nil {
					info.Location = loc
				}
			}
		}
		m.Clients = append(m.Clients, ClientsUpdateEntry{ID: id, Info: info})
	}
}

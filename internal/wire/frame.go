// Package wire implements the tunnel's binary framing: a small tagged-union
// encoding in the spirit of BARE (no reflection, no schema compiler), with
// two variants per spec §4.1.
//
//   - Versioned frames (gateway <-> runner connector, over the broker): each
//     frame begins with a two-byte big-endian version because either side may restart
//     independently and must auto-detect the peer's protocol version.
//   - Negotiated frames (runner connector <-> runner, over the WebSocket):
//     the version is fixed once at handshake via the
//     "?protocol_version=<u16>" query parameter and omitted from every
//     subsequent frame.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Version is the protocol version embedded in versioned frames and
// negotiated once for a runner WebSocket's lifetime.
type Version uint16

// CurrentVersion is the only version this build speaks: the codec encodes and
// decodes it alone and rejects any other version with an error.
const CurrentVersion Version = 1

// RequestID and MessageID are 16-byte opaque identifiers (spec §3). They are
// not required to be UUIDs -- just unique-enough random bytes scoped to one
// process, per spec's explicit "not globally unique" note.
type RequestID [16]byte

// MessageID is a 16-byte opaque identifier unique per outbound gateway frame.
type MessageID [16]byte

func (r RequestID) String() string  { return fmt.Sprintf("%x", [16]byte(r)) }
func (m MessageID) String() string  { return fmt.Sprintf("%x", [16]byte(m)) }
func (r RequestID) IsZero() bool    { return r == RequestID{} }

// Kind discriminates the tagged union carried by a Frame body. Kinds below
// 0x40 are ToServer (runner -> control plane); 0x40-0x7f are ToClient
// (control plane -> runner); 0x80+ are ToGateway wrapper envelopes used only
// on the broker path.
type Kind byte

const (
	// ToServer kinds (runner -> connector).
	KindInit          Kind = 0x01
	KindPing          Kind = 0x02
	KindTunnelMessage Kind = 0x03 // runner -> connector direction of a tunnel message
	KindKVRequest     Kind = 0x04
	KindEvents        Kind = 0x05
	KindAckCommands   Kind = 0x06
	KindStopping      Kind = 0x07

	// KindEvict is published on a runner's receiver subject by a newly
	// connecting connector to tell the prior holder of the same runner_id
	// to close (invariant I1). It never crosses the runner WebSocket itself.
	KindEvict Kind = 0x08

	// ToClient kinds (connector -> runner).
	KindKVResponse   Kind = 0x41
	KindCommand      Kind = 0x42
	KindTunnelAck    Kind = 0x43
	KindClientTunnel Kind = 0x44 // connector -> runner direction of a tunnel message

	// ToGateway wrapper (connector -> gateway, over the broker).
	KindGatewayEnvelope Kind = 0x80
)

// TunnelMessageKind further discriminates the payload carried inside a
// TunnelMessage frame: HTTP request/response, streaming chunks, WS frames.
type TunnelMessageKind byte

const (
	TMHTTPRequest   TunnelMessageKind = 0x01
	TMHTTPResponse  TunnelMessageKind = 0x02 // carries a Stream bool
	TMResponseChunk TunnelMessageKind = 0x03 // carries a Finish bool
	TMResponseAbort TunnelMessageKind = 0x04
	TMWebSocketOpen TunnelMessageKind = 0x05
	TMWebSocketMsg  TunnelMessageKind = 0x06
	TMWebSocketClose TunnelMessageKind = 0x07
)

// IsTerminal is the pure function from spec §4.1: terminal-frame
// classification must be byte-identical on both sides of the tunnel (P4).
//
//   - any HTTP response with Stream == false
//   - any response chunk with Finish == true
//   - a response-abort
//   - any WebSocket-close
func (k TunnelMessageKind) IsTerminal(stream, finish bool) bool {
	switch k {
	case TMHTTPResponse:
		return !stream
	case TMResponseChunk:
		return finish
	case TMResponseAbort, TMWebSocketClose:
		return true
	default:
		return false
	}
}

// TunnelMessage is the envelope carried in both directions of the tunnel:
// request_id, message_id, an optional gateway_reply_to, and a body kind.
//
// opened (spec invariant I3) governs whether GatewayReplyTo is populated:
// it MUST be set on the first frame published for a request and omitted
// (empty) thereafter.
type TunnelMessage struct {
	RequestID     RequestID
	MessageID     MessageID
	GatewayReplyTo string // broker subject, empty once the request has "opened"
	BodyKind      TunnelMessageKind
	Stream        bool   // valid for TMHTTPResponse
	Finish        bool   // valid for TMResponseChunk
	Payload       []byte
}

// Terminal reports whether this message is terminal per the pure function
// above (P4).
func (m *TunnelMessage) Terminal() bool {
	return m.BodyKind.IsTerminal(m.Stream, m.Finish)
}

// Frame is the top-level tagged union. Exactly one of the Kind-specific
// fields is meaningful for a given Kind; callers switch on Kind.
type Frame struct {
	Kind Kind

	// KindInit
	InitRunnerKey string
	InitNamespace string
	InitWorkflow  string

	// KindPing
	PingSentUnixNano int64

	// KindTunnelMessage / KindClientTunnel
	Tunnel TunnelMessage

	// KindTunnelAck
	AckMessageID MessageID

	// KindKVRequest / KindKVResponse
	KVPayload []byte
	KVError   string

	// KindGatewayEnvelope wraps a ToServer TunnelMessage for demux at the
	// gateway; Tunnel above is reused for the wrapped payload.

	// KindStopping carries no extra fields.
}

var errShortBuffer = fmt.Errorf("wire: buffer too short")

// EncodeVersioned serializes f prefixed with its protocol version, for the
// broker path where either side may have restarted independently.
func EncodeVersioned(f *Frame, v Version) ([]byte, error) {
	body, err := encodeBody(f, v)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(buf[:2], uint16(v))
	copy(buf[2:], body)
	return buf, nil
}

// DecodeVersioned reads the embedded two-byte version and decodes the frame
// accordingly. Used by the gateway and the connector when reading off the
// broker.
func DecodeVersioned(data []byte) (*Frame, Version, error) {
	if len(data) < 2 {
		return nil, 0, errShortBuffer
	}
	v := Version(binary.BigEndian.Uint16(data[:2]))
	f, err := decodeBody(data[2:], v)
	return f, v, err
}

// Encode serializes f for the negotiated runner WebSocket, which omits the
// version because it was fixed once at handshake.
func Encode(f *Frame, v Version) ([]byte, error) {
	return encodeBody(f, v)
}

// Decode deserializes a frame encoded with Encode, given the version
// negotiated at handshake.
func Decode(data []byte, v Version) (*Frame, error) {
	return decodeBody(data, v)
}

func encodeBody(f *Frame, v Version) ([]byte, error) {
	if v != CurrentVersion {
		return nil, fmt.Errorf("wire: unsupported version %d", v)
	}
	var buf bytes.Buffer
	buf.WriteByte(byte(f.Kind))

	switch f.Kind {
	case KindInit:
		writeString(&buf, f.InitRunnerKey)
		writeString(&buf, f.InitNamespace)
		writeString(&buf, f.InitWorkflow)

	case KindPing:
		writeInt64(&buf, f.PingSentUnixNano)

	case KindTunnelMessage, KindClientTunnel, KindGatewayEnvelope:
		writeTunnelMessage(&buf, &f.Tunnel)

	case KindTunnelAck:
		buf.Write(f.AckMessageID[:])

	case KindKVRequest:
		writeBytes(&buf, f.KVPayload)

	case KindKVResponse:
		writeBytes(&buf, f.KVPayload)
		writeString(&buf, f.KVError)

	case KindEvents, KindAckCommands, KindCommand, KindStopping:
		writeBytes(&buf, f.KVPayload) // opaque passthrough payload

	case KindEvict:
		// no body

	default:
		return nil, fmt.Errorf("wire: unknown kind 0x%02x", f.Kind)
	}

	return buf.Bytes(), nil
}

func decodeBody(data []byte, v Version) (*Frame, error) {
	if v != CurrentVersion {
		return nil, fmt.Errorf("wire: unsupported version %d", v)
	}
	if len(data) < 1 {
		return nil, errShortBuffer
	}
	r := bytes.NewReader(data[1:])
	f := &Frame{Kind: Kind(data[0])}

	var err error
	switch f.Kind {
	case KindInit:
		if f.InitRunnerKey, err = readString(r); err != nil {
			return nil, err
		}
		if f.InitNamespace, err = readString(r); err != nil {
			return nil, err
		}
		if f.InitWorkflow, err = readString(r); err != nil {
			return nil, err
		}

	case KindPing:
		if f.PingSentUnixNano, err = readInt64(r); err != nil {
			return nil, err
		}

	case KindTunnelMessage, KindClientTunnel, KindGatewayEnvelope:
		if err = readTunnelMessage(r, &f.Tunnel); err != nil {
			return nil, err
		}

	case KindTunnelAck:
		if _, err = r.Read(f.AckMessageID[:]); err != nil {
			return nil, errShortBuffer
		}

	case KindKVRequest:
		if f.KVPayload, err = readBytes(r); err != nil {
			return nil, err
		}

	case KindKVResponse:
		if f.KVPayload, err = readBytes(r); err != nil {
			return nil, err
		}
		if f.KVError, err = readString(r); err != nil {
			return nil, err
		}

	case KindEvents, KindAckCommands, KindCommand, KindStopping:
		if f.KVPayload, err = readBytes(r); err != nil {
			return nil, err
		}

	case KindEvict:
		// no body

	default:
		return nil, fmt.Errorf("wire: unknown kind 0x%02x", f.Kind)
	}

	return f, nil
}

func writeTunnelMessage(buf *bytes.Buffer, m *TunnelMessage) {
	buf.Write(m.RequestID[:])
	buf.Write(m.MessageID[:])
	writeString(buf, m.GatewayReplyTo)
	buf.WriteByte(byte(m.BodyKind))
	writeBool(buf, m.Stream)
	writeBool(buf, m.Finish)
	writeBytes(buf, m.Payload)
}

func readTunnelMessage(r *bytes.Reader, m *TunnelMessage) error {
	if _, err := r.Read(m.RequestID[:]); err != nil {
		return errShortBuffer
	}
	if _, err := r.Read(m.MessageID[:]); err != nil {
		return errShortBuffer
	}
	var err error
	if m.GatewayReplyTo, err = readString(r); err != nil {
		return err
	}
	kindByte, err := r.ReadByte()
	if err != nil {
		return errShortBuffer
	}
	m.BodyKind = TunnelMessageKind(kindByte)
	if m.Stream, err = readBool(r); err != nil {
		return err
	}
	if m.Finish, err = readBool(r); err != nil {
		return err
	}
	if m.Payload, err = readBytes(r); err != nil {
		return err
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := r.Read(lenBuf[:]); err != nil {
		return nil, errShortBuffer
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	b := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(b); err != nil {
			return nil, errShortBuffer
		}
	}
	return b, nil
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, errShortBuffer
	}
	return b != 0, nil
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func readInt64(r *bytes.Reader) (int64, error) {
	var b [8]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, errShortBuffer
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}

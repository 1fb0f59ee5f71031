// Package wireproto implements the wire framing described by the session
// layer: a CRC-32 salted checksum over a kind byte and its payload, encoded
// big-endian, capped at a single MTU-safe datagram.
package wireproto

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"

	"github.com/sidit77/udp-connections/pkg/seqnum"
)

// Kind identifies which of the six packet shapes a frame carries.
type Kind byte

const (
	KindConnectionRequest  Kind = 0x00
	KindConnectionAccepted Kind = 0x01
	KindConnectionDenied   Kind = 0x02
	KindKeepAlive          Kind = 0x03
	KindDisconnect         Kind = 0x04
	KindPayload            Kind = 0x05
)

// MaxPacketSize bounds a single encoded frame to stay MTU-safe.
const MaxPacketSize = 1500

const (
	checksumSize = 4
	kindSize     = 1
	// seq + ack latest + ack bitfield + declared length
	payloadHeaderSize = 2 + 2 + 4 + 2
)

var (
	// ErrBadChecksum means the frame's CRC didn't match the salted body -
	// either corruption in flight or a peer running a different identifier.
	ErrBadChecksum = errors.New("wireproto: bad checksum")
	// ErrUnknownKind means the kind byte didn't match any of the six shapes.
	ErrUnknownKind = errors.New("wireproto: unknown packet kind")
	// ErrWrongLength means a Payload frame's declared length didn't match
	// the bytes actually remaining in the datagram.
	ErrWrongLength = errors.New("wireproto: wrong packet length")
)

// Packet is the decoded form of any of the six frame kinds. Only the
// fields relevant to Kind are populated.
type Packet struct {
	Kind Kind

	// ConnectionAccepted
	ConnID uint16

	// KeepAlive, Payload
	Ack seqnum.AckSet

	// Payload
	Seq  seqnum.Number
	Body []byte
}

// ConnectionRequest, ConnectionDenied, and Disconnect frames carry no
// payload beyond the kind byte.
func ConnectionRequest() Packet  { return Packet{Kind: KindConnectionRequest} }
func ConnectionDenied() Packet   { return Packet{Kind: KindConnectionDenied} }
func Disconnect() Packet         { return Packet{Kind: KindDisconnect} }
func ConnectionAccepted(id uint16) Packet {
	return Packet{Kind: KindConnectionAccepted, ConnID: id}
}
func KeepAlive(ack seqnum.AckSet) Packet {
	return Packet{Kind: KindKeepAlive, Ack: ack}
}
func Payload(seq seqnum.Number, ack seqnum.AckSet, body []byte) Packet {
	return Packet{Kind: KindPayload, Seq: seq, Ack: ack, Body: body}
}

// Encode writes p into buf (which must have capacity >= MaxPacketSize),
// salted with identifier, and returns the written slice: checksum || kind
// || kind-specific fields.
func Encode(buf []byte, p Packet, salt []byte) ([]byte, error) {
	body := buf[checksumSize:checksumSize]
	body = append(body, byte(p.Kind))

	switch p.Kind {
	case KindConnectionRequest, KindConnectionDenied, KindDisconnect:
		// no payload
	case KindConnectionAccepted:
		body = appendUint16(body, p.ConnID)
	case KindKeepAlive:
		body = appendUint16(body, p.Ack.Latest())
		body = appendUint32(body, p.Ack.Bitfield())
	case KindPayload:
		if checksumSize+kindSize+payloadHeaderSize+len(p.Body) > MaxPacketSize {
			return nil, errors.Wrapf(ErrWrongLength, "payload of %d bytes exceeds max packet size", len(p.Body))
		}
		body = appendUint16(body, p.Seq)
		body = appendUint16(body, p.Ack.Latest())
		body = appendUint32(body, p.Ack.Bitfield())
		body = appendUint16(body, uint16(len(p.Body)))
		body = append(body, p.Body...)
	default:
		return nil, errors.Wrapf(ErrUnknownKind, "kind %#x", p.Kind)
	}

	// body aliases buf[checksumSize:...]; compute the checksum over
	// salt || body and stamp it into the first four bytes.
	sum := checksumOf(salt, body)
	binary.BigEndian.PutUint32(buf[:checksumSize], sum)
	return buf[:checksumSize+len(body)], nil
}

// Decode parses a received datagram, verifying its checksum against salt
// before interpreting the kind byte.
func Decode(data []byte, salt []byte) (Packet, error) {
	if len(data) < checksumSize+kindSize {
		return Packet{}, errors.Wrap(ErrWrongLength, "frame shorter than header")
	}
	want := binary.BigEndian.Uint32(data[:checksumSize])
	body := data[checksumSize:]
	if checksumOf(salt, body) != want {
		return Packet{}, ErrBadChecksum
	}

	kind := Kind(body[0])
	rest := body[kindSize:]
	switch kind {
	case KindConnectionRequest:
		return Packet{Kind: kind}, nil
	case KindConnectionAccepted:
		id, _, err := readUint16(rest)
		if err != nil {
			return Packet{}, err
		}
		return Packet{Kind: kind, ConnID: id}, nil
	case KindConnectionDenied:
		return Packet{Kind: kind}, nil
	case KindKeepAlive:
		latest, rest, err := readUint16(rest)
		if err != nil {
			return Packet{}, err
		}
		bitfield, _, err := readUint32(rest)
		if err != nil {
			return Packet{}, err
		}
		return Packet{Kind: kind, Ack: seqnum.FromBitfield(latest, bitfield)}, nil
	case KindDisconnect:
		return Packet{Kind: kind}, nil
	case KindPayload:
		seq, rest, err := readUint16(rest)
		if err != nil {
			return Packet{}, err
		}
		latest, rest, err := readUint16(rest)
		if err != nil {
			return Packet{}, err
		}
		bitfield, rest, err := readUint32(rest)
		if err != nil {
			return Packet{}, err
		}
		declared, rest, err := readUint16(rest)
		if err != nil {
			return Packet{}, err
		}
		if int(declared) != len(rest) {
			return Packet{}, errors.Wrapf(ErrWrongLength, "declared %d, remaining %d", declared, len(rest))
		}
		out := make([]byte, len(rest))
		copy(out, rest)
		return Packet{Kind: kind, Seq: seq, Ack: seqnum.FromBitfield(latest, bitfield), Body: out}, nil
	default:
		return Packet{}, errors.Wrapf(ErrUnknownKind, "kind %#x", kind)
	}
}

// IsParseError reports whether err is one of the three frame-parse
// failures (bad checksum, unknown kind, wrong length) that callers must
// drop silently rather than surface, per the error taxonomy.
func IsParseError(err error) bool {
	cause := errors.Cause(err)
	return cause == ErrBadChecksum || cause == ErrUnknownKind || cause == ErrWrongLength
}

func checksumOf(salt, body []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write(salt)
	h.Write(body)
	return h.Sum32()
}

func appendUint16(b []byte, v uint16) []byte {
	return append(b, byte(v>>8), byte(v))
}

func appendUint32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func readUint16(b []byte) (uint16, []byte, error) {
	if len(b) < 2 {
		return 0, nil, errors.Wrap(ErrWrongLength, "truncated u16")
	}
	return binary.BigEndian.Uint16(b), b[2:], nil
}

func readUint32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, errors.Wrap(ErrWrongLength, "truncated u32")
	}
	return binary.BigEndian.Uint32(b), b[4:], nil
}

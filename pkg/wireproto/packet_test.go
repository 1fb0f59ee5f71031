package wireproto

import (
	"testing"

	"github.com/pkg/errors"

	"github.com/sidit77/udp-connections/pkg/seqnum"
)

var testSalt = []byte{0x00, 0x01, 0xE2, 0x40} // 123456 big-endian

func TestPacketRoundTrip(t *testing.T) {
	cases := []Packet{
		ConnectionRequest(),
		ConnectionAccepted(45),
		ConnectionDenied(),
		KeepAlive(seqnum.NewAckSet(0)),
		Disconnect(),
		Payload(0, seqnum.NewAckSet(0), []byte{1, 2, 3}),
	}

	for _, want := range cases {
		buf := make([]byte, MaxPacketSize)
		encoded, err := Encode(buf, want, testSalt)
		if err != nil {
			t.Fatalf("Encode(%+v) error: %v", want, err)
		}
		got, err := Decode(encoded, testSalt)
		if err != nil {
			t.Fatalf("Decode of %+v round-trip error: %v", want, err)
		}
		if got.Kind != want.Kind || got.ConnID != want.ConnID || got.Seq != want.Seq ||
			got.Ack != want.Ack || string(got.Body) != string(want.Body) {
			t.Fatalf("round-trip mismatch: got %+v, want %+v", got, want)
		}
	}
}

func TestPacketWrongSaltFailsChecksum(t *testing.T) {
	buf := make([]byte, MaxPacketSize)
	encoded, err := Encode(buf, ConnectionRequest(), testSalt)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	otherSalt := []byte("different-app")
	if _, err := Decode(encoded, otherSalt); err != ErrBadChecksum {
		t.Fatalf("Decode with wrong salt = %v, want ErrBadChecksum", err)
	}
}

func TestPacketFlippedByteFailsChecksumOrKind(t *testing.T) {
	buf := make([]byte, MaxPacketSize)
	encoded, err := Encode(buf, ConnectionRequest(), testSalt)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	for i := range encoded {
		mutated := append([]byte(nil), encoded...)
		mutated[i] ^= 0xFF
		if _, err := Decode(mutated, testSalt); err != ErrBadChecksum && errors.Cause(err) != ErrUnknownKind {
			t.Fatalf("flipping byte %d: Decode error = %v, want ErrBadChecksum or ErrUnknownKind", i, err)
		}
	}
}

func TestPayloadWrongLength(t *testing.T) {
	buf := make([]byte, MaxPacketSize)
	encoded, err := Encode(buf, Payload(1, seqnum.NewAckSet(1), []byte{1, 2, 3}), testSalt)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	truncated := encoded[:len(encoded)-1]
	// Recompute checksum so the truncation is detected as WrongLength, not
	// BadChecksum.
	sum := checksumOf(testSalt, truncated[checksumSize:])
	out := append([]byte(nil), truncated...)
	out[0] = byte(sum >> 24)
	out[1] = byte(sum >> 16)
	out[2] = byte(sum >> 8)
	out[3] = byte(sum)
	if _, err := Decode(out, testSalt); errors.Cause(err) != ErrWrongLength {
		t.Fatalf("truncated payload: Decode error = %v, want ErrWrongLength", err)
	}
}

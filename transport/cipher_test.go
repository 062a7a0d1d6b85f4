package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"go.sshwire.dev/sshwire/wire"
	"lukechampine.com/frand"
)

func testKeys(t *testing.T) *SessionKeys {
	t.Helper()
	keys, err := NewSessionKeys(frand.Bytes(DirectionKeySize), frand.Bytes(DirectionKeySize))
	if err != nil {
		t.Fatal(err)
	}
	return keys
}

func TestSealOpenRoundTrip(t *testing.T) {
	keys := testKeys(t)
	for _, seq := range []uint32{0, 1, 2, 77, 1<<32 - 1} {
		payload := frand.Bytes(int(seq%100) + 1)
		frame := wire.MarshalPacket(payload, true)

		sealed, err := keys.server.seal(seq, frame)
		if err != nil {
			t.Fatal(err)
		}
		if len(sealed) != len(frame)+tagSize {
			t.Fatalf("sealed length %v, want %v", len(sealed), len(frame)+tagSize)
		}
		body, err := keys.server.open(seq, sealed)
		if err != nil {
			t.Fatalf("seq %v: %v", seq, err)
		}
		if !bytes.Equal(body, frame[wire.LengthSize:]) {
			t.Fatalf("seq %v: body mismatch", seq)
		}
		pkt, err := wire.UnmarshalBody(body)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(pkt.Bytes(), payload) {
			t.Fatalf("seq %v: payload mismatch", seq)
		}
	}
}

func TestDecryptLength(t *testing.T) {
	keys := testKeys(t)
	frame := wire.MarshalPacket([]byte("ping"), true)
	sealed, err := keys.server.seal(42, frame)
	if err != nil {
		t.Fatal(err)
	}
	var enc [4]byte
	copy(enc[:], sealed)
	plain, err := keys.server.decryptLength(42, enc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plain[:], frame[:4]) {
		t.Fatalf("decrypted length %x, want %x", plain, frame[:4])
	}
	if got := binary.BigEndian.Uint32(plain[:]); int(got) != len(frame)-wire.LengthSize {
		t.Fatalf("length %v, want %v", got, len(frame)-wire.LengthSize)
	}
}

func TestOpenRejectsCorruption(t *testing.T) {
	keys := testKeys(t)
	sealed, err := keys.server.seal(7, wire.MarshalPacket([]byte("attack at dawn"), true))
	if err != nil {
		t.Fatal(err)
	}
	for i := range sealed {
		corrupt := append([]byte(nil), sealed...)
		corrupt[i] ^= 0x01
		if _, err := keys.server.open(7, corrupt); !errors.Is(err, ErrMacFailed) {
			t.Fatalf("byte %v: got %v, want ErrMacFailed", i, err)
		}
	}
}

func TestOpenRejectsWrongSequence(t *testing.T) {
	keys := testKeys(t)
	sealed, err := keys.server.seal(3, wire.MarshalPacket([]byte("hi"), true))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := keys.server.open(4, sealed); !errors.Is(err, ErrMacFailed) {
		t.Fatalf("got %v, want ErrMacFailed", err)
	}
}

func TestOpenRejectsTruncated(t *testing.T) {
	keys := testKeys(t)
	if _, err := keys.server.open(0, make([]byte, 4+tagSize-1)); !errors.Is(err, ErrMacFailed) {
		t.Fatalf("got %v, want ErrMacFailed", err)
	}
}

func TestNewSessionKeysSize(t *testing.T) {
	if _, err := NewSessionKeys(frand.Bytes(32), frand.Bytes(64)); !errors.Is(err, ErrKeySize) {
		t.Fatalf("got %v, want ErrKeySize", err)
	}
	if _, err := NewSessionKeys(frand.Bytes(64), frand.Bytes(65)); !errors.Is(err, ErrKeySize) {
		t.Fatalf("got %v, want ErrKeySize", err)
	}
}

package wire

import (
	"encoding/binary"
	"fmt"

	"lukechampine.com/frand"
)

const (
	// LengthSize is the size of the packet_length field.
	LengthSize = 4

	blockSize  = 8
	minPadding = 4
)

// MarshalPacket frames payload as one SSH binary packet:
//
//	packet_length (4, big-endian) || padding_length (1) || payload || padding
//
// packet_length counts everything after itself, and padding brings the
// frame to a multiple of the cipher block size. In AEAD mode the
// length field is encrypted separately and does not count toward the
// alignment. Padding bytes are random.
func MarshalPacket(payload []byte, aead bool) []byte {
	aligned := 1 + len(payload)
	if !aead {
		aligned += LengthSize
	}
	padding := blockSize - aligned%blockSize
	if padding < minPadding {
		padding += blockSize
	}
	packetLength := 1 + len(payload) + padding
	frame := make([]byte, LengthSize+packetLength)
	binary.BigEndian.PutUint32(frame, uint32(packetLength))
	frame[LengthSize] = byte(padding)
	copy(frame[LengthSize+1:], payload)
	frand.Read(frame[LengthSize+1+len(payload):])
	return frame
}

// UnmarshalPacket validates a full plaintext frame, including its
// length word, and returns the payload.
func UnmarshalPacket(frame []byte) (*Buffer, error) {
	if len(frame) < LengthSize+1 {
		return nil, fmt.Errorf("packet too short (%v bytes)", len(frame))
	}
	packetLength := binary.BigEndian.Uint32(frame)
	if uint64(packetLength) != uint64(len(frame)-LengthSize) {
		return nil, fmt.Errorf("packet length %v does not match frame size %v", packetLength, len(frame)-LengthSize)
	}
	return UnmarshalBody(frame[LengthSize:])
}

// UnmarshalBody unwraps padding_length || payload || padding, the form
// an AEAD frame decrypts to, and returns the payload.
func UnmarshalBody(body []byte) (*Buffer, error) {
	if len(body) < 1 {
		return nil, fmt.Errorf("packet body is empty")
	}
	padding := int(body[0])
	if padding < minPadding || 1+padding > len(body) {
		return nil, fmt.Errorf("invalid padding length %v", padding)
	}
	return NewBuffer(body[1 : len(body)-padding]), nil
}

package transport

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/poly1305"
)

// DirectionKeySize is the key material each direction of a session
// consumes: 32 bytes for the packet body cipher followed by 32 bytes
// for the length-field cipher.
const DirectionKeySize = 64

const tagSize = poly1305.TagSize

var (
	// ErrMacFailed is returned when a packet's Poly1305 tag does not
	// verify. The session is unrecoverable afterwards.
	ErrMacFailed = errors.New("message authentication failed")

	// ErrKeySize is returned when session key material has the wrong
	// length.
	ErrKeySize = errors.New("session key must be 64 bytes")
)

// A directionKey encrypts or decrypts the packets of one direction of
// the session using the [email protected] construction: the
// 4-byte length field under its own key at counter block 0, the body
// under the main key from counter block 1, and a Poly1305 tag keyed by
// counter block 0 of the main key covering both ciphertexts. The nonce
// for all three is the packet's sequence number.
type directionKey struct {
	bodyKey   [32]byte
	lengthKey [32]byte
}

func newDirectionKey(material []byte) (k directionKey, err error) {
	if len(material) != DirectionKeySize {
		return directionKey{}, ErrKeySize
	}
	copy(k.bodyKey[:], material[:32])
	copy(k.lengthKey[:], material[32:])
	return k, nil
}

func seqNonce(seq uint32) []byte {
	nonce := make([]byte, chacha20.NonceSize)
	binary.BigEndian.PutUint32(nonce[8:], seq)
	return nonce
}

// seal rewrites frame (length word || body) as
// encrypted_length || encrypted_body || tag.
func (k *directionKey) seal(seq uint32, frame []byte) ([]byte, error) {
	nonce := seqNonce(seq)
	lc, err := chacha20.NewUnauthenticatedCipher(k.lengthKey[:], nonce)
	if err != nil {
		return nil, err
	}
	bc, err := chacha20.NewUnauthenticatedCipher(k.bodyKey[:], nonce)
	if err != nil {
		return nil, err
	}
	var polyKey [32]byte
	bc.XORKeyStream(polyKey[:], polyKey[:])
	bc.SetCounter(1)

	out := make([]byte, len(frame)+tagSize)
	lc.XORKeyStream(out[:4], frame[:4])
	bc.XORKeyStream(out[4:len(frame)], frame[4:])
	var tag [tagSize]byte
	poly1305.Sum(&tag, out[:len(frame)], &polyKey)
	copy(out[len(frame):], tag[:])
	return out, nil
}

// open verifies the tag over encrypted_length || encrypted_body and
// returns the decrypted body, without the length word.
func (k *directionKey) open(seq uint32, frame []byte) ([]byte, error) {
	if len(frame) < 4+tagSize {
		return nil, ErrMacFailed
	}
	bc, err := chacha20.NewUnauthenticatedCipher(k.bodyKey[:], seqNonce(seq))
	if err != nil {
		return nil, err
	}
	var polyKey [32]byte
	bc.XORKeyStream(polyKey[:], polyKey[:])
	bc.SetCounter(1)

	ciphertext, tag := frame[:len(frame)-tagSize], frame[len(frame)-tagSize:]
	var ourTag [tagSize]byte
	poly1305.Sum(&ourTag, ciphertext, &polyKey)
	if subtle.ConstantTimeCompare(tag, ourTag[:]) != 1 {
		return nil, ErrMacFailed
	}
	body := make([]byte, len(ciphertext)-4)
	bc.XORKeyStream(body, ciphertext[4:])
	return body, nil
}

// decryptLength decrypts just the length word of an incoming frame, so
// the transport can learn how many bytes to buffer before it attempts
// authentication.
func (k *directionKey) decryptLength(seq uint32, enc [4]byte) ([4]byte, error) {
	lc, err := chacha20.NewUnauthenticatedCipher(k.lengthKey[:], seqNonce(seq))
	if err != nil {
		return [4]byte{}, err
	}
	var out [4]byte
	lc.XORKeyStream(out[:], enc[:])
	return out, nil
}

// SessionKeys holds the directional packet ciphers installed when key
// exchange concludes.
type SessionKeys struct {
	client directionKey // encrypts what we send
	server directionKey // decrypts what the peer sends
}

// NewSessionKeys builds the session ciphers from the key material the
// key exchange derived: 64 bytes for the client-to-server direction
// and 64 for server-to-client.
func NewSessionKeys(clientKey, serverKey []byte) (*SessionKeys, error) {
	ck, err := newDirectionKey(clientKey)
	if err != nil {
		return nil, err
	}
	sk, err := newDirectionKey(serverKey)
	if err != nil {
		return nil, err
	}
	return &SessionKeys{client: ck, server: sk}, nil
}

// Package wire implements the SSH binary packet format: a typed byte
// buffer for field-level encoding, the packet framing codec, and the
// message numbers the transport inspects.
package wire

import (
	"encoding/binary"
	"errors"
)

// ErrBufferExhausted is returned by (*Buffer).Err after a read past the
// end of the buffer.
var ErrBufferExhausted = errors.New("buffer exhausted")

// A Buffer is a cursor over a byte slice. Reads consume from the front;
// writes append to the back. A read past the end of the buffer sets a
// sticky error rather than panicking; decoders built on Buffer check
// Err once after all their reads.
type Buffer struct {
	buf []byte
	err error
}

// NewBuffer returns a Buffer reading from and appending to b.
func NewBuffer(b []byte) *Buffer {
	return &Buffer{buf: b}
}

func (b *Buffer) consume(n int) []byte {
	if b.err == nil && len(b.buf) >= n {
		p := b.buf[:n]
		b.buf = b.buf[n:]
		return p
	}
	if b.err == nil {
		b.err = ErrBufferExhausted
	}
	return make([]byte, n)
}

// ReadUint8 consumes one byte.
func (b *Buffer) ReadUint8() uint8 {
	return b.consume(1)[0]
}

// ReadUint32 consumes a big-endian uint32.
func (b *Buffer) ReadUint32() uint32 {
	return binary.BigEndian.Uint32(b.consume(4))
}

// ReadString consumes a uint32-length-prefixed byte string.
func (b *Buffer) ReadString() []byte {
	n := b.ReadUint32()
	if b.err == nil && uint64(n) > uint64(len(b.buf)) {
		b.err = ErrBufferExhausted
		return nil
	}
	return b.consume(int(n))
}

// Write appends p verbatim.
func (b *Buffer) Write(p []byte) {
	b.buf = append(b.buf, p...)
}

// WriteUint8 appends one byte.
func (b *Buffer) WriteUint8(v uint8) {
	b.buf = append(b.buf, v)
}

// WriteUint32 appends v big-endian.
func (b *Buffer) WriteUint32(v uint32) {
	var p [4]byte
	binary.BigEndian.PutUint32(p[:], v)
	b.buf = append(b.buf, p[:]...)
}

// WriteString appends p with a uint32 length prefix.
func (b *Buffer) WriteString(p []byte) {
	b.WriteUint32(uint32(len(p)))
	b.buf = append(b.buf, p...)
}

// Bytes returns the unconsumed contents of the buffer.
func (b *Buffer) Bytes() []byte { return b.buf }

// Len returns the number of unconsumed bytes.
func (b *Buffer) Len() int { return len(b.buf) }

// Err returns the first error encountered by a read.
func (b *Buffer) Err() error { return b.err }

// Clone returns an independent copy of the unconsumed contents.
func (b *Buffer) Clone() *Buffer {
	return &Buffer{buf: append([]byte(nil), b.buf...), err: b.err}
}

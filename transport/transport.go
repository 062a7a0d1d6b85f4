// Package transport implements the client side of the SSH binary
// packet protocol over a net.Conn: version exchange, packet framing,
// [email protected] encryption, and the per-direction
// sequence counters both sides must keep in lockstep.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.sshwire.dev/sshwire/wire"
)

// readChunkSize is how much a single read against the connection asks
// for. Coalesced packets beyond one chunk are completed by the drain
// loop.
const readChunkSize = 32768

// maxFrameSize bounds the size of a single packet frame. A decrypted
// length beyond this means the stream is corrupt or misaligned.
const maxFrameSize = 256 * 1024

var (
	// ErrClosed is returned by operations on a closed Client.
	ErrClosed = errors.New("transport is closed")

	// ErrShortRead is returned when the peer closes the connection
	// while a packet is partially transmitted.
	ErrShortRead = errors.New("connection closed mid-packet")
)

func wrapErr(err *error, ctx string) {
	if *err != nil {
		*err = fmt.Errorf("%s: %w", ctx, *err)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// A PacketWriter is the write-only face of a Client. The channel
// accounting hook sends through it, which keeps it from reentering the
// receive path.
type PacketWriter interface {
	WritePacket(payload []byte) error
}

// A Client frames SSH packets over a single connection. It is not safe
// for concurrent use; callers that split sending and receiving across
// goroutines must serialize externally.
type Client struct {
	conn   net.Conn
	window *WindowAccount

	keys        *SessionKeys // staged by EnableEncryption; nil before key exchange
	recvEnc     bool         // inbound packets are AEAD-framed
	peerNewKeys bool         // the peer's NEW_KEYS has been read
	clientSeq   uint32       // packets sent; wraps mod 2^32
	serverSeq   uint32       // packets received; wraps mod 2^32

	r, w uint64 // byte counters (atomic)

	mu     sync.Mutex
	err    error // set when the session fails fatally
	closed bool
}

// NewClient wraps an established connection. No SSH traffic is
// exchanged until the caller starts the version exchange.
func NewClient(conn net.Conn) *Client {
	return &Client{
		conn:   conn,
		window: NewWindowAccount(),
	}
}

// Dial opens a TCP connection to addr and wraps it in a Client.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return NewClient(conn), nil
}

func (c *Client) setErr(err error) {
	if err == nil || isTimeout(err) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.conn.Close()
		c.err = err
	}
}

// PrematureCloseErr returns the error that ended the session, if any.
// Once set, the only safe follow-up operation is Close.
func (c *Client) PrematureCloseErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if c.closed {
		return ErrClosed
	}
	return nil
}

// BytesRead returns the number of bytes read from the underlying
// connection.
func (c *Client) BytesRead() uint64 { return atomic.LoadUint64(&c.r) }

// BytesWritten returns the number of bytes written to the underlying
// connection.
func (c *Client) BytesWritten() uint64 { return atomic.LoadUint64(&c.w) }

// Window returns the channel accounting attached to this Client.
func (c *Client) Window() *WindowAccount { return c.window }

// SetDeadline sets the read and write deadline on the underlying
// connection.
func (c *Client) SetDeadline(t time.Time) error { return c.conn.SetDeadline(t) }

// SetReadDeadline sets the deadline for future reads on the underlying
// connection.
func (c *Client) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }

// SetWriteDeadline sets the deadline for future writes on the
// underlying connection.
func (c *Client) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

// EnableEncryption installs the session keys derived by the key
// exchange. Outgoing packets are encrypted starting with the next
// WritePacket. Incoming packets are decrypted once the peer's NEW_KEYS
// message has been read; if it was already read, decryption begins
// immediately. The transition is one-way.
func (c *Client) EnableEncryption(keys *SessionKeys) {
	c.keys = keys
	if c.peerNewKeys {
		c.recvEnc = true
	}
}

// ReadVersion reads the peer's identification string, returning the
// first non-empty chunk as sent, line terminator included. Parsing is
// the caller's concern. Timeouts are retried.
func (c *Client) ReadVersion() (_ []byte, err error) {
	defer wrapErr(&err, "ReadVersion")
	if err := c.PrematureCloseErr(); err != nil {
		return nil, err
	}
	buf := make([]byte, 256)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			atomic.AddUint64(&c.r, uint64(n))
			return buf[:n], nil
		}
		if err != nil && !isTimeout(err) {
			c.setErr(err)
			return nil, err
		}
	}
}

// WriteVersion sends our identification string as a single raw write,
// before any packet framing.
func (c *Client) WriteVersion(v []byte) (err error) {
	defer wrapErr(&err, "WriteVersion")
	if err := c.PrematureCloseErr(); err != nil {
		return err
	}
	n, err := c.conn.Write(v)
	atomic.AddUint64(&c.w, uint64(n))
	c.setErr(err)
	return err
}

// WritePacket frames payload as one SSH packet, encrypting it if
// session keys are installed, and advances the send counter.
func (c *Client) WritePacket(payload []byte) (err error) {
	defer wrapErr(&err, "WritePacket")
	if err := c.PrematureCloseErr(); err != nil {
		return err
	}
	var frame []byte
	if c.keys != nil {
		frame = wire.MarshalPacket(payload, true)
		if frame, err = c.keys.client.seal(c.clientSeq, frame); err != nil {
			return err
		}
	} else {
		frame = wire.MarshalPacket(payload, false)
	}
	n, err := c.conn.Write(frame)
	atomic.AddUint64(&c.w, uint64(n))
	if err != nil {
		c.setErr(err)
		return err
	}
	c.clientSeq++
	return nil
}

// ReadPackets performs one read against the connection and returns the
// complete packets it yields, draining coalesced frames and completing
// fragmented ones. A timeout or orderly close before any bytes arrive
// returns an empty slice and no error; every returned packet is
// complete and, in encrypted mode, authenticated. The channel
// accounting hook runs once per packet.
func (c *Client) ReadPackets() (_ []*wire.Buffer, err error) {
	defer wrapErr(&err, "ReadPackets")
	if err := c.PrematureCloseErr(); err != nil {
		return nil, err
	}
	buf := make([]byte, readChunkSize)
	n, err := c.conn.Read(buf)
	if n > 0 {
		atomic.AddUint64(&c.r, uint64(n))
	} else {
		if err == nil || err == io.EOF || isTimeout(err) {
			return nil, nil
		}
		c.setErr(err)
		return nil, err
	}

	var packets []*wire.Buffer
	data := buf[:n]
	for len(data) > 0 {
		c.serverSeq++
		var pkt *wire.Buffer
		if pkt, data, err = c.nextPacket(data); err != nil {
			c.setErr(err)
			return nil, err
		}
		if err := c.window.ProcessWindow(pkt.Clone(), c); err != nil {
			return nil, err
		}
		packets = append(packets, pkt)
	}
	return packets, nil
}

// nextPacket decodes one packet from the front of data, reading more
// from the connection if the frame is incomplete, and returns the
// bytes left over for the next iteration of the drain loop.
func (c *Client) nextPacket(data []byte) (*wire.Buffer, []byte, error) {
	var err error
	if data, err = c.fill(data, wire.LengthSize); err != nil {
		return nil, nil, err
	}

	if c.keys == nil || !c.recvEnc {
		frameLen := int(binary.BigEndian.Uint32(data)) + wire.LengthSize
		if frameLen > maxFrameSize {
			return nil, nil, fmt.Errorf("peer sent too-large packet (%v bytes)", frameLen)
		}
		if data, err = c.fill(data, frameLen); err != nil {
			return nil, nil, err
		}
		pkt, err := wire.UnmarshalPacket(data[:frameLen])
		if err != nil {
			return nil, nil, err
		}
		// The peer's NEW_KEYS concludes the plaintext phase. If keys
		// are already staged, the rest of this very read is encrypted:
		// the peer may coalesce NEW_KEYS with its first AEAD frame.
		if pkt.Len() > 0 && pkt.Bytes()[0] == wire.MsgNewKeys {
			c.peerNewKeys = true
			if c.keys != nil {
				c.recvEnc = true
			}
		}
		return pkt, data[frameLen:], nil
	}

	var encLen [4]byte
	copy(encLen[:], data)
	plainLen, err := c.keys.server.decryptLength(c.serverSeq, encLen)
	if err != nil {
		return nil, nil, err
	}
	frameLen := int(binary.BigEndian.Uint32(plainLen[:])) + wire.LengthSize + tagSize
	if frameLen > maxFrameSize {
		return nil, nil, fmt.Errorf("peer sent too-large packet (%v bytes)", frameLen)
	}
	if data, err = c.fill(data, frameLen); err != nil {
		return nil, nil, err
	}
	body, err := c.keys.server.open(c.serverSeq, data[:frameLen])
	if err != nil {
		return nil, nil, err
	}
	pkt, err := wire.UnmarshalBody(body)
	if err != nil {
		return nil, nil, err
	}
	return pkt, data[frameLen:], nil
}

// fill reads from the connection until data holds at least n bytes. A
// packet whose prefix has arrived must be completed before ReadPackets
// can return, so timeouts are retried here rather than surfaced.
func (c *Client) fill(data []byte, n int) ([]byte, error) {
	for len(data) < n {
		chunk := make([]byte, readChunkSize)
		m, err := c.conn.Read(chunk)
		if m > 0 {
			atomic.AddUint64(&c.r, uint64(m))
			data = append(data, chunk[:m]...)
			continue
		}
		if err == io.EOF {
			return nil, ErrShortRead
		}
		if err != nil && !isTimeout(err) {
			return nil, err
		}
	}
	return data, nil
}

// Close shuts the connection down in both directions. It is safe to
// call after a fatal error, and is idempotent.
func (c *Client) Close() (err error) {
	defer wrapErr(&err, "Close")
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

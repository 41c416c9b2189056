package peerwire

import (
	"bufio"
	"io"
	"net"
	"time"
)

// PeerIO is the only component permitted to touch the peer socket. It
// is a bidirectional byte transport with a buffered receive side and a
// buffered egress side; it never parses above the byte layer. The
// reactor model described in §5 is rendered here as ordinary blocking
// reads on a per-session goroutine — Go's netpoller already multiplexes
// these across an arbitrary number of peers without a hand-rolled
// readiness loop, which is the idiomatic way to get the same effect.
type PeerIO struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
}

// NewPeerIO wraps an established connection.
func NewPeerIO(conn net.Conn) *PeerIO {
	return &PeerIO{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, 64*1024),
		writer: bufio.NewWriterSize(conn, 64*1024),
	}
}

// RemoteAddr returns the peer's network address.
func (p *PeerIO) RemoteAddr() net.Addr {
	return p.conn.RemoteAddr()
}

// SetDeadline forwards to the underlying connection, used by the
// handshake (§5).
func (p *PeerIO) SetDeadline(t time.Time) error {
	return p.conn.SetDeadline(t)
}

// SetReadDeadline forwards to the underlying connection.
func (p *PeerIO) SetReadDeadline(t time.Time) error {
	return p.conn.SetReadDeadline(t)
}

// ReadHandshake reads the 68-byte handshake off the wire.
func (p *PeerIO) ReadHandshake() (*Handshake, error) {
	return ReadHandshake(p.reader)
}

// WriteHandshake writes the handshake and flushes immediately — the
// handshake is never batched with subsequent messages.
func (p *PeerIO) WriteHandshake(h *Handshake) error {
	if _, err := p.conn.Write(h.Serialize()); err != nil {
		return err
	}
	return nil
}

// ReadMessage reads one framed message, or (nil, nil) for a keepalive.
func (p *PeerIO) ReadMessage() (*Message, error) {
	return ReadMessage(p.reader)
}

// ReadFull fills buf completely from the receive buffer, letting a
// caller (PeerSession) implement its own framing state machine over
// the byte layer instead of going through ReadMessage. PeerIO remains
// the only component that touches the socket; this just exposes a
// lower-level read primitive on top of it.
func (p *PeerIO) ReadFull(buf []byte) error {
	_, err := io.ReadFull(p.reader, buf)
	return err
}

// WriteMessage appends a serialized message to the buffered egress
// half without flushing, allowing several small messages (e.g. a burst
// of REQUESTs) to coalesce into one syscall via Flush.
func (p *PeerIO) WriteMessage(m *Message) error {
	_, err := p.writer.Write(m.Serialize())
	return err
}

// WriteKeepAlive appends a keepalive to the buffered egress half.
func (p *PeerIO) WriteKeepAlive() error {
	_, err := p.writer.Write(KeepAlive())
	return err
}

// Flush drains the buffered egress half to the socket.
func (p *PeerIO) Flush() error {
	return p.writer.Flush()
}

// Close closes the underlying connection.
func (p *PeerIO) Close() error {
	return p.conn.Close()
}

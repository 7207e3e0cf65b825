package transport

import (
	"bufio"
	"net"

	"github.com/beamline/gospec/wire"
)

// Conn is an accepted SPEC connection. It carries no demux state; Send
// and Recv move exactly one frame each. Recv must only be called from a
// single reader; Send may be called from any goroutine as long as the
// caller serializes (package spec holds a send lock).
type Conn struct {
	conn net.Conn
	r    *bufio.Reader
}

func newConn(c net.Conn) *Conn {
	return &Conn{conn: c, r: bufio.NewReader(c)}
}

// Send writes one frame.
func (c *Conn) Send(f *wire.Frame) error {
	return wire.Write(c.conn, f)
}

// Recv blocks until one complete frame has been read.
func (c *Conn) Recv() (*wire.Frame, error) {
	return wire.Read(c.r)
}

// Close closes the underlying stream; a blocked Recv returns with an
// error.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr reports the server endpoint.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

package transport

import (
	"net"
	"time"
)

const (
	defaultReadTimeout  = 5 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// Conn adapts a net.Conn to the Transport interface.
//
// Poll is implemented with a read deadline and a one-byte peek buffer:
// the peeked byte is handed back by the next Receive call.
type Conn struct {
	conn net.Conn

	// ReadTimeout bounds a single Receive call. Zero means the default.
	ReadTimeout time.Duration
	// WriteTimeout bounds a single Send call. Zero means the default.
	WriteTimeout time.Duration

	peek    [1]byte
	hasPeek bool
}

// NewConn wraps an established (already upgraded) net.Conn.
func NewConn(c net.Conn) *Conn {
	return &Conn{conn: c}
}

// Poll reports whether a byte is readable within timeout.
func (c *Conn) Poll(timeout time.Duration) (bool, error) {
	if c.hasPeek {
		return true, nil
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return false, err
	}
	n, err := c.conn.Read(c.peek[:])
	if n == 1 {
		c.hasPeek = true
		return true, nil
	}
	if IsTimeout(err) {
		return false, nil
	}
	return false, err
}

// Receive reads up to len(p) bytes. A previously peeked byte is returned
// first, alone, so the caller's resume logic stays uniform.
func (c *Conn) Receive(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if c.hasPeek {
		p[0] = c.peek[0]
		c.hasPeek = false
		return 1, nil
	}
	rt := c.ReadTimeout
	if rt == 0 {
		rt = defaultReadTimeout
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(rt)); err != nil {
		return 0, err
	}
	return c.conn.Read(p)
}

// Send writes the whole buffer.
func (c *Conn) Send(p []byte) error {
	wt := c.WriteTimeout
	if wt == 0 {
		wt = defaultWriteTimeout
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(wt)); err != nil {
		return err
	}
	for len(p) > 0 {
		n, err := c.conn.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

// LoopBack reports whether the remote address is a loopback address.
func (c *Conn) LoopBack() bool {
	addr, ok := c.conn.RemoteAddr().(*net.TCPAddr)
	return ok && addr.IP.IsLoopback()
}

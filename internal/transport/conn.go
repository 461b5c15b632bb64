package transport

import (
	"bytes"
	"io"
	"net"
	"time"
)

// Conn is an established connection plus its descriptor metadata.
// The protocol engine owns it until it is stolen for an upgrade.
type Conn struct {
	net.Conn
	SockType string
	Endpoint string
	Options  map[string]string
	Local    bool
	Timeout  time.Duration
}

func (c *Conn) Option(key string) string {
	if c.Options == nil {
		return ""
	}
	return c.Options[key]
}

// prependConn replays already-buffered bytes before reading from the
// underlying connection. Used when an upgrade handshake raced the
// connection steal.
type prependConn struct {
	net.Conn
	pending *bytes.Reader
}

func newPrependConn(conn net.Conn, pending []byte) net.Conn {
	if len(pending) == 0 {
		return conn
	}
	return &prependConn{Conn: conn, pending: bytes.NewReader(pending)}
}

func (p *prependConn) Read(b []byte) (int, error) {
	if p.pending.Len() > 0 {
		n, err := p.pending.Read(b)
		if err == io.EOF {
			err = nil
		}
		return n, err
	}
	return p.Conn.Read(b)
}

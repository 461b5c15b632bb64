package transport

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// gorillaConn adapts a gorilla websocket connection to net.Conn,
// carrying the protocol byte stream in binary messages.
type gorillaConn struct {
	conn   *websocket.Conn
	reader io.Reader
	rmu    sync.Mutex
	wmu    sync.Mutex
}

func newGorillaConn(c *websocket.Conn) *gorillaConn {
	c.SetReadLimit(0) // no limit
	return &gorillaConn{conn: c}
}

func (c *gorillaConn) Read(b []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	for {
		if c.reader == nil {
			messageType, r, err := c.conn.NextReader()
			if err != nil {
				return 0, err
			}
			if messageType != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(b)
		if err == io.EOF {
			c.reader = nil
			if n == 0 {
				continue
			}
			return n, nil
		}
		return n, err
	}
}

func (c *gorillaConn) Write(b []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *gorillaConn) Close() error {
	c.wmu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.wmu.Unlock()
	return c.conn.Close()
}

func (c *gorillaConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *gorillaConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *gorillaConn) SetDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}

func (c *gorillaConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *gorillaConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	Subprotocols:    []string{"binary"},
	CheckOrigin:     func(*http.Request) bool { return true },
}

// AcceptWebSocket upgrades an incoming HTTP request and returns the
// connection as a net.Conn.
func AcceptWebSocket(w http.ResponseWriter, r *http.Request) (net.Conn, error) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newGorillaConn(c), nil
}

//
// in-band upgrades: a live tcp stream turns into a websocket without
// going through an http.Server
//

const wsMagicGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

func wsAcceptKey(key string) string {
	h := sha1.Sum([]byte(key + wsMagicGUID))
	return base64.StdEncoding.EncodeToString(h[:])
}

// UpgradeClientWS performs the client half of an HTTP Upgrade
// handshake over an existing connection, then speaks websocket on it.
func UpgradeClientWS(conn net.Conn, pending []byte, host string) (net.Conn, error) {
	nc := newPrependConn(conn, pending)
	dialer := &websocket.Dialer{
		NetDialContext: func(context.Context, string, string) (net.Conn, error) {
			return nc, nil
		},
		HandshakeTimeout: DefaultSocketTimeout,
		Subprotocols:     []string{"binary"},
	}
	c, _, err := dialer.Dial(fmt.Sprintf("ws://%s/", host), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade handshake: %w", err)
	}
	return newGorillaConn(c), nil
}

// UpgradeServerWS reads the HTTP Upgrade request from the raw
// connection, answers 101 and wraps the stream in server-side
// websocket framing.
func UpgradeServerWS(conn net.Conn, pending []byte) (net.Conn, error) {
	nc := newPrependConn(conn, pending)
	br := bufio.NewReader(nc)
	_ = conn.SetReadDeadline(time.Now().Add(DefaultSocketTimeout))
	req, err := http.ReadRequest(br)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade request: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if !headerContains(req.Header, "Upgrade", "websocket") ||
		!headerContains(req.Header, "Connection", "upgrade") {
		return nil, errors.New("not a websocket upgrade request")
	}
	if v := req.Header.Get("Sec-Websocket-Version"); v != "13" {
		return nil, fmt.Errorf("unsupported websocket version %q", v)
	}
	key := req.Header.Get("Sec-Websocket-Key")
	if key == "" {
		return nil, errors.New("missing Sec-WebSocket-Key")
	}
	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + wsAcceptKey(key) + "\r\n\r\n"
	if _, err := conn.Write([]byte(resp)); err != nil {
		return nil, err
	}
	return &wsFrameConn{conn: conn, br: br}, nil
}

func headerContains(header http.Header, name, value string) bool {
	for _, s := range header[http.CanonicalHeaderKey(name)] {
		for _, part := range strings.Split(s, ",") {
			if strings.EqualFold(strings.TrimSpace(part), value) {
				return true
			}
		}
	}
	return false
}

// wsFrameConn speaks server-side websocket framing over a raw
// connection: client frames arrive masked, server frames go unmasked.
type wsFrameConn struct {
	conn net.Conn
	br   *bufio.Reader
	rmu  sync.Mutex
	wmu  sync.Mutex
	// remainder of the current data frame
	left    uint64
	mask    [4]byte
	maskPos int
	masked  bool
}

const (
	wsOpText   = 1
	wsOpBinary = 2
	wsOpClose  = 8
	wsOpPing   = 9
	wsOpPong   = 10
)

func (c *wsFrameConn) Read(b []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	for {
		if c.left == 0 {
			if err := c.readFrameHeader(); err != nil {
				return 0, err
			}
			continue
		}
		n := uint64(len(b))
		if n > c.left {
			n = c.left
		}
		read, err := c.br.Read(b[:n])
		if read > 0 {
			if c.masked {
				for i := 0; i < read; i++ {
					b[i] ^= c.mask[c.maskPos&3]
					c.maskPos++
				}
			}
			c.left -= uint64(read)
		}
		if err != nil {
			return read, err
		}
		if read > 0 {
			return read, nil
		}
	}
}

func (c *wsFrameConn) readFrameHeader() error {
	var head [2]byte
	if _, err := io.ReadFull(c.br, head[:]); err != nil {
		return err
	}
	op := head[0] & 0x0f
	length := uint64(head[1] & 0x7f)
	masked := head[1]&0x80 != 0
	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(c.br, ext[:]); err != nil {
			return err
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(c.br, ext[:]); err != nil {
			return err
		}
		length = binary.BigEndian.Uint64(ext[:])
	}
	var mask [4]byte
	if masked {
		if _, err := io.ReadFull(c.br, mask[:]); err != nil {
			return err
		}
	}
	switch op {
	case wsOpClose:
		c.wmu.Lock()
		_ = c.writeFrame(wsOpClose, nil)
		c.wmu.Unlock()
		return io.EOF
	case wsOpPing:
		payload := make([]byte, length)
		if _, err := io.ReadFull(c.br, payload); err != nil {
			return err
		}
		if masked {
			for i := range payload {
				payload[i] ^= mask[i&3]
			}
		}
		c.wmu.Lock()
		err := c.writeFrame(wsOpPong, payload)
		c.wmu.Unlock()
		return err
	case wsOpPong, wsOpText:
		// drain and ignore
		if _, err := io.CopyN(io.Discard, c.br, int64(length)); err != nil {
			return err
		}
		return nil
	}
	c.left = length
	c.mask = mask
	c.maskPos = 0
	c.masked = masked
	return nil
}

func (c *wsFrameConn) writeFrame(op byte, payload []byte) error {
	head := make([]byte, 0, 10)
	head = append(head, 0x80|op)
	switch l := len(payload); {
	case l < 126:
		head = append(head, byte(l))
	case l <= 0xffff:
		head = append(head, 126, byte(l>>8), byte(l))
	default:
		head = append(head, 127)
		head = binary.BigEndian.AppendUint64(head, uint64(l))
	}
	if _, err := c.conn.Write(head); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := c.conn.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

func (c *wsFrameConn) Write(b []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.writeFrame(wsOpBinary, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsFrameConn) Close() error {
	c.wmu.Lock()
	_ = c.writeFrame(wsOpClose, nil)
	c.wmu.Unlock()
	return c.conn.Close()
}

func (c *wsFrameConn) LocalAddr() net.Addr                { return c.conn.LocalAddr() }
func (c *wsFrameConn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
func (c *wsFrameConn) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }
func (c *wsFrameConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *wsFrameConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

// GenerateWSKey creates a random Sec-WebSocket-Key nonce.
func GenerateWSKey() (string, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(nonce[:]), nil
}

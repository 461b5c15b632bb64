package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

// In-band upgrades rebuild the connection around a live socket that
// was stolen from a protocol engine. pending holds any bytes the old
// engine had buffered past the last packet: the peer may already have
// started its half of the handshake.

// UpgradeClientTLS wraps the stolen connection as a TLS client.
func UpgradeClientTLS(c *Conn, pending []byte, ssl SSLOptions) (*Conn, error) {
	newType, ok := UpgradedSockType(c.SockType)
	if !ok {
		return nil, fmt.Errorf("cannot upgrade a %q connection to ssl", c.SockType)
	}
	cfg, err := ssl.ClientConfig(c.Option("host"))
	if err != nil {
		return nil, err
	}
	log.Infof("[net] upgrading %s to %s", c.Endpoint, newType)
	tc := tls.Client(newPrependConn(c.Conn, pending), cfg)
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return upgraded(c, tc, newType), nil
}

// UpgradeServerTLS wraps the stolen connection as a TLS server.
func UpgradeServerTLS(c *Conn, pending []byte, ssl SSLOptions) (*Conn, error) {
	newType, ok := UpgradedSockType(c.SockType)
	if !ok {
		return nil, fmt.Errorf("cannot upgrade a %q connection to ssl", c.SockType)
	}
	cfg, err := ssl.ServerConfig()
	if err != nil {
		return nil, err
	}
	log.Infof("[net] upgrading %s to %s", c.Endpoint, newType)
	tc := tls.Server(newPrependConn(c.Conn, pending), cfg)
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return upgraded(c, tc, newType), nil
}

// UpgradeWS turns a tcp connection into a websocket, keeping the
// protocol engine payload stream intact on top of it.
func UpgradeWS(c *Conn, pending []byte, server bool) (*Conn, error) {
	if c.SockType != TCP {
		return nil, fmt.Errorf("cannot upgrade a %q connection to ws", c.SockType)
	}
	var (
		nc  net.Conn
		err error
	)
	if server {
		nc, err = UpgradeServerWS(c.Conn, pending)
	} else {
		host := c.Option("host")
		if host == "" {
			host = c.RemoteAddr().String()
		}
		nc, err = UpgradeClientWS(c.Conn, pending, host)
	}
	if err != nil {
		return nil, err
	}
	return upgraded(c, nc, WS), nil
}

func upgraded(old *Conn, nc net.Conn, socktype string) *Conn {
	return &Conn{
		Conn:     nc,
		SockType: socktype,
		Endpoint: old.Endpoint,
		Options:  old.Options,
		Local:    old.Local,
		Timeout:  old.Timeout,
	}
}

// DrainWait gives the old engine's write loop a moment to flush the
// upgrade packet before the connection is stolen.
func DrainWait() {
	time.Sleep(100 * time.Millisecond)
}

package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"nhooyr.io/websocket"

	"xpra-wire/internal/telemetry"
)

// Dial opens a connection to the endpoint the descriptor names.
// ssh, vsock, named-pipe and udp descriptors are recognized but not
// dialed here: ssh runs through an external transport process and the
// others are platform-gated.
func Dial(ctx context.Context, d Descriptor, ssl SSLOptions) (*Conn, error) {
	start := time.Now()
	var (
		nc  net.Conn
		err error
	)
	switch d.SockType {
	case TCP:
		nc, err = dialTCP(ctx, d)
	case SSL:
		nc, err = dialSSL(ctx, d, ssl)
	case WS, WSS:
		nc, err = dialWS(ctx, d, ssl)
	case Unix:
		var dialer net.Dialer
		nc, err = dialer.DialContext(ctx, "unix", d.Path)
	case SSH, VSock, NamedPipe, UDP:
		return nil, fmt.Errorf("socket type %q is not dialable in this build", d.SockType)
	default:
		return nil, fmt.Errorf("unknown socket type %q", d.SockType)
	}
	if err != nil {
		return nil, err
	}
	telemetry.ObserveDial(d.SockType, time.Since(start))
	log.Debugf("[net] connected to %s in %s", d, time.Since(start).Round(time.Millisecond))
	return &Conn{
		Conn:     nc,
		SockType: d.SockType,
		Endpoint: d.String(),
		Options:  d.Options,
		Local:    d.Local,
		Timeout:  d.Timeout(),
	}, nil
}

func dialTCP(ctx context.Context, d Descriptor) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: d.Timeout()}
	return dialer.DialContext(ctx, "tcp", net.JoinHostPort(d.Host, fmt.Sprint(d.Port)))
}

func dialSSL(ctx context.Context, d Descriptor, ssl SSLOptions) (net.Conn, error) {
	cfg, err := ssl.ClientConfig(d.Host)
	if err != nil {
		return nil, err
	}
	raw, err := dialTCP(ctx, d)
	if err != nil {
		return nil, err
	}
	tc := tls.Client(raw, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tc, nil
}

func dialWS(ctx context.Context, d Descriptor, ssl SSLOptions) (net.Conn, error) {
	scheme := "ws"
	var tlsCfg *tls.Config
	if d.SockType == WSS {
		scheme = "wss"
		cfg, err := ssl.ClientConfig(d.Host)
		if err != nil {
			return nil, err
		}
		tlsCfg = cfg
	}
	rawurl := fmt.Sprintf("%s://%s/", scheme, net.JoinHostPort(d.Host, fmt.Sprint(d.Port)))
	dialer := &net.Dialer{Timeout: d.Timeout()}
	httpClient := &http.Client{
		Timeout: d.Timeout(),
		Transport: &http.Transport{
			DialContext:     dialer.DialContext,
			TLSClientConfig: tlsCfg,
		},
	}
	c, _, err := websocket.Dial(ctx, rawurl, &websocket.DialOptions{
		HTTPClient:   httpClient,
		Subprotocols: []string{"binary"},
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", rawurl, err)
	}
	// wire packets can reach the 256 MiB cap
	c.SetReadLimit(256<<20 + 4096)
	return websocket.NetConn(context.Background(), c, websocket.MessageBinary), nil
}

package transport

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Socket types a connection descriptor may carry.
const (
	TCP       = "tcp"
	SSL       = "ssl"
	WS        = "ws"
	WSS       = "wss"
	SSH       = "ssh"
	VSock     = "vsock"
	Unix      = "unix"
	NamedPipe = "named-pipe"
	UDP       = "udp"
)

// Well-known default ports.
const (
	DefaultPort    = 14500
	DefaultSSHPort = 22
)

// NamedPipePrefix is the local pipe namespace prefix on Windows.
const NamedPipePrefix = `Xpra\`

const (
	// per-operation socket timeout
	DefaultSocketTimeout = 20 * time.Second
	// vsock transports are slow to come up
	VSockTimeout = 120 * time.Second
)

// Descriptor identifies one endpoint: socket type, address and the
// per-connection option map.
type Descriptor struct {
	SockType string
	Host     string
	Port     int
	// filesystem path for unix sockets, pipe name for named pipes
	Path    string
	Options map[string]string
	// loopback or same-host transport
	Local bool
}

func (d Descriptor) String() string {
	switch d.SockType {
	case Unix:
		return fmt.Sprintf("unix://%s", d.Path)
	case NamedPipe:
		return fmt.Sprintf("named-pipe://%s%s", NamedPipePrefix, d.Path)
	default:
		return fmt.Sprintf("%s://%s:%d", d.SockType, d.Host, d.Port)
	}
}

// Timeout returns the per-operation socket timeout for this endpoint.
func (d Descriptor) Timeout() time.Duration {
	if d.SockType == VSock {
		return VSockTimeout
	}
	return DefaultSocketTimeout
}

func (d Descriptor) Option(key string) string {
	if d.Options == nil {
		return ""
	}
	return d.Options[key]
}

var sockTypes = map[string]bool{
	TCP: true, SSL: true, WS: true, WSS: true, SSH: true,
	VSock: true, Unix: true, NamedPipe: true, UDP: true,
}

// Parse turns a connection URI into a descriptor:
//
//	tcp://host:14500  ssl://host  ws://host/path  unix:///run/xpra/socket
//
// A bare "host:port" defaults to tcp. URI query parameters become
// connection options.
func Parse(uri string) (Descriptor, error) {
	if !strings.Contains(uri, "://") {
		uri = "tcp://" + uri
	}
	u, err := url.Parse(uri)
	if err != nil {
		return Descriptor{}, fmt.Errorf("invalid endpoint %q: %w", uri, err)
	}
	socktype := strings.ToLower(u.Scheme)
	if !sockTypes[socktype] {
		return Descriptor{}, fmt.Errorf("unknown socket type %q", socktype)
	}
	d := Descriptor{
		SockType: socktype,
		Options:  make(map[string]string),
	}
	for k, vs := range u.Query() {
		if len(vs) > 0 {
			d.Options[k] = vs[0]
		}
	}
	if u.User != nil {
		d.Options["username"] = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			d.Options["password"] = pw
		}
	}
	switch socktype {
	case Unix:
		d.Path = u.Path
		if d.Path == "" {
			d.Path = u.Opaque
		}
		if d.Path == "" {
			return Descriptor{}, fmt.Errorf("unix endpoint %q has no path", uri)
		}
		d.Local = true
		return d, nil
	case NamedPipe:
		d.Path = strings.TrimPrefix(strings.TrimPrefix(u.Path, "/"), NamedPipePrefix)
		d.Local = true
		return d, nil
	}
	d.Host = u.Hostname()
	if d.Host == "" {
		return Descriptor{}, fmt.Errorf("endpoint %q has no host", uri)
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Descriptor{}, fmt.Errorf("invalid port %q", p)
		}
		d.Port = port
	} else if socktype == SSH {
		d.Port = DefaultSSHPort
	} else {
		d.Port = DefaultPort
	}
	d.Local = isLoopback(d.Host)
	return d, nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// CanUpgradeTo reports whether an in-band upgrade from the current
// socket type to the target is legal.
func CanUpgradeTo(from, to string) bool {
	switch to {
	case SSL:
		return from == TCP
	case WSS:
		return from == WS
	case WS:
		return from == TCP
	}
	return false
}

// UpgradedSockType maps a socket type to its ssl-upgraded form.
func UpgradedSockType(from string) (string, bool) {
	switch from {
	case TCP:
		return SSL, true
	case WS:
		return WSS, true
	}
	return "", false
}

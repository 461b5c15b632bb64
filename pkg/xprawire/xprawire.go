package xprawire

// Package xprawire provides a small public surface for reusing this
// repository as a library. The implementation lives in internal/ and
// may change without notice.

import (
	"context"

	"xpra-wire/internal/client"
	"xpra-wire/internal/codec"
	"xpra-wire/internal/config"
	"xpra-wire/internal/server"
	"xpra-wire/internal/telemetry"
	"xpra-wire/internal/transport"
)

// --- Config ---

type Config = config.Config

type SSLConfig = config.SSLConfig

// LoadConfig loads a YAML configuration file.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config { return config.Default() }

// --- Packets ---

type Packet = codec.Packet

// --- Client ---

type Client = client.Client

type ClientOptions = client.Options

type Result = client.Result

type ExitCode = client.ExitCode

// NewClient prepares a client for one session.
func NewClient(cfg *Config, opts ClientOptions) (*Client, error) {
	return client.New(cfg, opts)
}

// Connect dials the endpoint and completes the handshake
// asynchronously; Wait() on the returned client blocks until the
// session ends.
func Connect(ctx context.Context, cfg *Config, endpoint string) (*Client, error) {
	c, err := client.New(cfg, client.Options{})
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx, endpoint); err != nil {
		return nil, err
	}
	return c, nil
}

// --- Server ---

type Server = server.Server

type Session = server.Session

type ServerOptions = server.Options

func NewServer(cfg *Config, opts ServerOptions) *Server {
	return server.New(cfg, opts)
}

// --- Endpoints ---

type Endpoint = transport.Descriptor

// ParseEndpoint parses a connection URI like "tcp://host:14500".
func ParseEndpoint(uri string) (Endpoint, error) { return transport.Parse(uri) }

// --- Telemetry ---

// EnableMetrics turns the connection counters on.
func EnableMetrics() { telemetry.Enable() }

// StartMetricsServer serves /metrics until context cancellation.
func StartMetricsServer(ctx context.Context, addr string) error {
	return telemetry.StartServer(ctx, addr)
}

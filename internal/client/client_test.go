package client

import (
	"context"
	"fmt"
	"testing"
	"time"

	"xpra-wire/internal/codec"
	"xpra-wire/internal/config"
	"xpra-wire/internal/server"
)

func startServer(t *testing.T, cfg *config.Config, opts server.Options) (*server.Server, string) {
	t.Helper()
	srv := server.New(cfg, opts)
	if err := srv.ListenTCP("127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { srv.Shutdown("shutting down") })
	return srv, fmt.Sprintf("tcp://%s", srv.Addr())
}

func connect(t *testing.T, cfg *config.Config, opts Options, endpoint string) *Client {
	t.Helper()
	c, err := New(cfg, opts)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx, endpoint); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return c
}

func waitResult(t *testing.T, c *Client) Result {
	t.Helper()
	done := make(chan Result, 1)
	go func() { done <- c.Wait() }()
	select {
	case r := <-done:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("session did not end in time")
		return Result{}
	}
}

func TestHandshakeAndExchange(t *testing.T) {
	connected := make(chan *server.Session, 1)
	received := make(chan string, 4)
	_, endpoint := startServer(t, config.Default(), server.Options{
		ClientShutdown: true,
		OnConnect:      func(s *server.Session) { connected <- s },
		OnPacket: func(s *server.Session, name string, p codec.Packet) {
			if name == "info-request" {
				_ = s.Send(codec.Packet{"info-response", map[string]any{"mode": "test"}})
			}
		},
	})

	c := connect(t, config.Default(), Options{
		OnPacket: func(name string, p codec.Packet) { received <- name },
	}, endpoint)

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("server session not established")
	}
	if err := c.Send(codec.Packet{"info-request", []any{}, []any{}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case name := <-received:
		if name != "info-response" {
			t.Fatalf("unexpected packet %q", name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no info-response")
	}
	c.Disconnect("closed by request")
	if r := waitResult(t, c); r.Code != ExitOK {
		t.Fatalf("exit %v (%s)", r.Code, r.Reason)
	}
}

func TestPasswordHandshake(t *testing.T) {
	serverCfg := config.Default()
	serverCfg.Password = "hunter2"
	connected := make(chan *server.Session, 1)
	_, endpoint := startServer(t, serverCfg, server.Options{
		OnConnect: func(s *server.Session) { connected <- s },
	})

	clientCfg := config.Default()
	clientCfg.Password = "hunter2"
	clientCfg.ChallengeHandlers = "file"
	c := connect(t, clientCfg, Options{}, endpoint)

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("authenticated session not established")
	}
	c.Disconnect("closed by request")
	if r := waitResult(t, c); r.Code != ExitOK {
		t.Fatalf("exit %v (%s)", r.Code, r.Reason)
	}
}

func TestWrongPassword(t *testing.T) {
	serverCfg := config.Default()
	serverCfg.Password = "right"
	_, endpoint := startServer(t, serverCfg, server.Options{})

	clientCfg := config.Default()
	clientCfg.Password = "wrong"
	clientCfg.ChallengeHandlers = "file"
	c := connect(t, clientCfg, Options{}, endpoint)

	r := waitResult(t, c)
	if r.Code != ExitAuthenticationFailed {
		t.Fatalf("exit %v (%s), expected authentication-failed", r.Code, r.Reason)
	}
}

func TestLegacySaltDigestRefused(t *testing.T) {
	serverCfg := config.Default()
	serverCfg.Password = "hunter2"
	_, endpoint := startServer(t, serverCfg, server.Options{
		SaltDigest: "xor",
	})

	clientCfg := config.Default()
	clientCfg.Password = "hunter2"
	clientCfg.ChallengeHandlers = "file"
	c := connect(t, clientCfg, Options{}, endpoint)

	r := waitResult(t, c)
	if r.Code != ExitIncompatibleVersion {
		t.Fatalf("exit %v (%s), expected incompatible-version", r.Code, r.Reason)
	}
}

func TestNoAuthenticationDemanded(t *testing.T) {
	// the client has a password but the server never asks for it
	_, endpoint := startServer(t, config.Default(), server.Options{})

	clientCfg := config.Default()
	clientCfg.Password = "unused"
	clientCfg.ChallengeHandlers = "file"
	c := connect(t, clientCfg, Options{}, endpoint)

	r := waitResult(t, c)
	if r.Code != ExitNoAuthentication {
		t.Fatalf("exit %v (%s), expected no-authentication", r.Code, r.Reason)
	}
}

func TestEncryptedSession(t *testing.T) {
	t.Setenv("XPRA_ENCRYPTION_KEY", "0123456789abcdef")

	serverCfg := config.Default()
	serverCfg.Encryption = "AES-CBC"
	connected := make(chan *server.Session, 1)
	received := make(chan string, 4)
	_, endpoint := startServer(t, serverCfg, server.Options{
		OnConnect: func(s *server.Session) {
			connected <- s
			_ = s.Send(codec.Packet{"server-event", "encrypted", "hello"})
		},
	})

	clientCfg := config.Default()
	clientCfg.Encryption = "AES-CBC"
	c := connect(t, clientCfg, Options{
		OnPacket: func(name string, p codec.Packet) { received <- name },
	}, endpoint)

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("encrypted session not established")
	}
	select {
	case name := <-received:
		if name != "server-event" {
			t.Fatalf("unexpected packet %q", name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no packet over the encrypted session")
	}
	c.Disconnect("closed by request")
	if r := waitResult(t, c); r.Code != ExitOK {
		t.Fatalf("exit %v (%s)", r.Code, r.Reason)
	}
}

func TestExitCodeStrings(t *testing.T) {
	if ExitOK.String() != "ok" || ExitAuthenticationFailed.String() != "authentication-failed" {
		t.Fatal("exit code names")
	}
	if ExitCode(999).String() != "unknown" {
		t.Fatal("unknown exit code")
	}
}

func TestParseEncodedBinData(t *testing.T) {
	if got := parseEncodedBinData("hex:414243"); string(got) != "ABC" {
		t.Fatalf("hex: %q", got)
	}
	if got := parseEncodedBinData("base64:QUJD"); string(got) != "ABC" {
		t.Fatalf("base64: %q", got)
	}
	if got := parseEncodedBinData("plain"); string(got) != "plain" {
		t.Fatalf("raw: %q", got)
	}
	if parseEncodedBinData("") != nil {
		t.Fatal("empty")
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	c := Default()
	if c.ChallengeHandlers != "all" {
		t.Fatalf("challenge-handlers=%q", c.ChallengeHandlers)
	}
	if c.CompressionLevel != 1 {
		t.Fatalf("compression-level=%d", c.CompressionLevel)
	}
	if len(c.Compressors) == 0 || len(c.PacketEncoders) == 0 {
		t.Fatal("codec defaults missing")
	}
	if c.SocketTimeout != 20*time.Second || c.ConnectionTimeout != 20*time.Second {
		t.Fatalf("timeouts: %v %v", c.SocketTimeout, c.ConnectionTimeout)
	}
	if c.SSL.ServerVerifyMode != "required" {
		t.Fatalf("ssl verify mode %q", c.SSL.ServerVerifyMode)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "xpra.yaml")
	data := `
username: alice
password-file: /etc/xpra/password
encryption: AES-GCM
encryption-keyfile: /etc/xpra/key
challenge-handlers: file,env,prompt
compression-level: 5
compressors: [lz4, zlib]
packet-encoders: [rencodeplus]
socket-timeout: 30s
legacy: true
ssl:
  cert: /etc/xpra/cert.pem
  server-verify-mode: none
  check-hostname: false
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Username != "alice" || c.Encryption != "AES-GCM" || !c.Legacy {
		t.Fatalf("parsed %+v", c)
	}
	if c.ChallengeHandlers != "file,env,prompt" {
		t.Fatalf("challenge-handlers=%q", c.ChallengeHandlers)
	}
	if len(c.Compressors) != 2 || c.Compressors[0] != "lz4" {
		t.Fatalf("compressors=%v", c.Compressors)
	}
	if c.SocketTimeout != 30*time.Second {
		t.Fatalf("socket-timeout=%v", c.SocketTimeout)
	}
	if c.SSL.Cert != "/etc/xpra/cert.pem" || c.SSL.ServerVerifyMode != "none" {
		t.Fatalf("ssl=%+v", c.SSL)
	}
	// connection-timeout was not set: default applies
	if c.ConnectionTimeout != 20*time.Second {
		t.Fatalf("connection-timeout=%v", c.ConnectionTimeout)
	}
}

func TestLoadRejectsBadLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "xpra.yaml")
	if err := os.WriteFile(path, []byte("compression-level: 12\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

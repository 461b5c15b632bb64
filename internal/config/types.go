package config

import (
	"fmt"
	"time"
)

// Config is the session configuration consumed by the wire core.
type Config struct {
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	PasswordFile string `yaml:"password-file"`

	// challenge handler chain: "none", "all" or a CSV
	ChallengeHandlers string `yaml:"challenge-handlers"`

	// "AES-CBC", "AES-GCM", ... empty disables encryption
	Encryption string `yaml:"encryption"`
	// encryption applied to plain tcp sockets only
	TCPEncryption     string `yaml:"tcp-encryption"`
	EncryptionKeyfile string `yaml:"encryption-keyfile"`

	CompressionLevel int      `yaml:"compression-level"`
	Compressors      []string `yaml:"compressors"`
	PacketEncoders   []string `yaml:"packet-encoders"`

	// presence only: advertised to the peer, payload semantics live
	// outside the wire core
	MMap string `yaml:"mmap"`

	SocketTimeout     time.Duration `yaml:"socket-timeout"`
	ConnectionTimeout time.Duration `yaml:"connection-timeout"`

	// accept insecure legacy salt digests and packet encoders
	Legacy bool `yaml:"legacy"`

	SSL SSLConfig `yaml:"ssl"`
}

// SSLConfig carries the ssl-* options.
type SSLConfig struct {
	Cert             string `yaml:"cert"`
	Key              string `yaml:"key"`
	CACerts          string `yaml:"ca-certs"`
	CAData           string `yaml:"ca-data"`
	ServerHostname   string `yaml:"server-hostname"`
	ServerVerifyMode string `yaml:"server-verify-mode"`
	ClientVerifyMode string `yaml:"client-verify-mode"`
	Protocol         string `yaml:"protocol"`
	Ciphers          string `yaml:"ciphers"`
	CheckHostname    bool   `yaml:"check-hostname"`
	VerifyFlags      string `yaml:"verify-flags"`
	Options          string `yaml:"options"`
}

func (c *Config) Validate() error {
	if c.CompressionLevel < 0 || c.CompressionLevel > 9 {
		return fmt.Errorf("invalid compression-level: %d", c.CompressionLevel)
	}
	if c.SocketTimeout < 0 || c.ConnectionTimeout < 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}

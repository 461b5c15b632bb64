package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"xpra-wire/internal/codec"
)

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	applyDefaults(c)
	return c
}

// Load reads a yaml configuration file and applies defaults.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	applyDefaults(&c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func applyDefaults(c *Config) {
	if c.ChallengeHandlers == "" {
		c.ChallengeHandlers = "all"
	}
	if c.CompressionLevel == 0 {
		c.CompressionLevel = 1
	}
	if len(c.Compressors) == 0 {
		c.Compressors = codec.AllCompressors()
	}
	if len(c.PacketEncoders) == 0 {
		c.PacketEncoders = codec.AllEncoders()
	}
	if c.SocketTimeout == 0 {
		c.SocketTimeout = 20 * time.Second
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = 20 * time.Second
	}
	if c.SSL.ServerVerifyMode == "" {
		c.SSL.ServerVerifyMode = "required"
	}
	if c.SSL.ClientVerifyMode == "" {
		c.SSL.ClientVerifyMode = "none"
	}
}

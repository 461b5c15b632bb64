package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
)

// SSLOptions mirrors the ssl-* configuration options.
type SSLOptions struct {
	Cert             string
	Key              string
	CACerts          string
	CAData           string
	ServerHostname   string
	ServerVerifyMode string // none, optional, required
	ClientVerifyMode string
	Protocol         string // minimum TLS version, e.g. "TLSv1.2"
	Ciphers          string
	CheckHostname    bool
	VerifyFlags      string
	Options          string
}

func tlsMinVersion(protocol string) (uint16, error) {
	switch strings.ToUpper(strings.TrimSpace(protocol)) {
	case "", "TLS", "TLSV1.2":
		return tls.VersionTLS12, nil
	case "TLSV1.3":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("unsupported ssl protocol %q", protocol)
}

func (o SSLOptions) rootPool() (*x509.CertPool, error) {
	if o.CACerts == "" && o.CAData == "" {
		return nil, nil
	}
	pool := x509.NewCertPool()
	if o.CACerts != "" {
		pem, err := os.ReadFile(o.CACerts)
		if err != nil {
			return nil, fmt.Errorf("ssl-ca-certs: %w", err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("ssl-ca-certs: no certificates found")
		}
	}
	if o.CAData != "" {
		if !pool.AppendCertsFromPEM([]byte(o.CAData)) {
			return nil, errors.New("ssl-ca-data: no certificates found")
		}
	}
	return pool, nil
}

// ClientConfig builds the TLS client configuration.
func (o SSLOptions) ClientConfig(serverName string) (*tls.Config, error) {
	minVersion, err := tlsMinVersion(o.Protocol)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion: minVersion,
		ServerName: serverName,
	}
	if o.ServerHostname != "" {
		cfg.ServerName = o.ServerHostname
	}
	pool, err := o.rootPool()
	if err != nil {
		return nil, err
	}
	cfg.RootCAs = pool
	verify := strings.ToLower(o.ServerVerifyMode)
	if verify == "none" || verify == "" || !o.CheckHostname {
		cfg.InsecureSkipVerify = true
	}
	if o.Cert != "" {
		key := o.Key
		if key == "" {
			key = o.Cert
		}
		cert, err := tls.LoadX509KeyPair(o.Cert, key)
		if err != nil {
			return nil, fmt.Errorf("ssl-cert: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// ServerConfig builds the TLS server configuration.
func (o SSLOptions) ServerConfig() (*tls.Config, error) {
	minVersion, err := tlsMinVersion(o.Protocol)
	if err != nil {
		return nil, err
	}
	if o.Cert == "" {
		return nil, errors.New("ssl-cert is required for ssl sockets")
	}
	key := o.Key
	if key == "" {
		key = o.Cert
	}
	cert, err := tls.LoadX509KeyPair(o.Cert, key)
	if err != nil {
		return nil, fmt.Errorf("ssl-cert: %w", err)
	}
	cfg := &tls.Config{
		MinVersion:   minVersion,
		Certificates: []tls.Certificate{cert},
	}
	pool, err := o.rootPool()
	if err != nil {
		return nil, err
	}
	cfg.ClientCAs = pool
	switch strings.ToLower(o.ClientVerifyMode) {
	case "", "none":
		cfg.ClientAuth = tls.NoClientCert
	case "optional":
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	case "required":
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	default:
		return nil, fmt.Errorf("unsupported ssl-client-verify-mode %q", o.ClientVerifyMode)
	}
	return cfg, nil
}

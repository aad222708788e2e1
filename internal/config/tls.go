package config

import (
	"crypto/tls"
	"fmt"
)

// ServerTLS builds the listener TLS configuration from the configured cert
// and key files. Both empty means plaintext, which is only intended for
// development and tests.
func (c *Config) ServerTLS() (*tls.Config, error) {
	if c.TLSCertFile == "" && c.TLSKeyFile == "" {
		return nil, nil
	}
	if c.TLSCertFile == "" || c.TLSKeyFile == "" {
		return nil, fmt.Errorf("tls_cert_file and tls_key_file must be set together")
	}
	cert, err := tls.LoadX509KeyPair(c.TLSCertFile, c.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

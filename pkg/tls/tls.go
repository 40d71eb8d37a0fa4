// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tls builds client TLS configurations for broker connections.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"

	"github.com/absmach/fluxbus/pkg/tls/verifier"
	"github.com/absmach/fluxbus/pkg/tls/verifier/ocsp"
)

var (
	errLoadCerts    = errors.New("failed to load client certificates")
	errLoadCA       = errors.New("failed to load CA")
	errAppendCA     = errors.New("failed to append root ca tls.Config")
	errMissingKey   = errors.New("cert_file and key_file must be set together")
	errOCSPInsecure = errors.New("ocsp checks require certificate verification")
)

// Config holds the client side TLS settings of a broker connection.
type Config struct {
	Enabled            bool        `yaml:"enabled"`
	CertFile           string      `yaml:"cert_file"`
	KeyFile            string      `yaml:"key_file"`
	CAFile             string      `yaml:"ca_file"`
	ServerName         string      `yaml:"server_name"`
	InsecureSkipVerify bool        `yaml:"insecure_skip_verify"`
	OCSP               ocsp.Config `yaml:"ocsp"`
}

// LoadClientConfig returns the TLS configuration described by c, or nil when
// TLS is disabled.
func LoadClientConfig(c *Config) (*tls.Config, error) {
	if c == nil || !c.Enabled {
		return nil, nil
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return nil, errMissingKey
	}

	config := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}

	if c.CertFile != "" {
		certificate, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, errors.Join(errLoadCerts, err)
		}
		config.Certificates = []tls.Certificate{certificate}
	}

	rootCA, err := loadCertFile(c.CAFile)
	if err != nil {
		return nil, errors.Join(errLoadCA, err)
	}
	if len(rootCA) > 0 {
		config.RootCAs = x509.NewCertPool()
		if !config.RootCAs.AppendCertsFromPEM(rootCA) {
			return nil, errAppendCA
		}
	}

	verifiers, err := BuildVerifiers(*c)
	if err != nil {
		return nil, err
	}
	if len(verifiers) > 0 {
		if c.InsecureSkipVerify {
			return nil, errOCSPInsecure
		}
		config.VerifyPeerCertificate = verifier.NewValidator(verifiers)
	}

	return config, nil
}

// BuildVerifiers returns the extra certificate checks enabled in cfg.
func BuildVerifiers(cfg Config) ([]verifier.Verifier, error) {
	if !cfg.OCSP.Enabled() {
		return nil, nil
	}
	vm, err := ocsp.New(cfg.OCSP)
	if err != nil {
		return nil, err
	}
	return []verifier.Verifier{vm}, nil
}

// SecurityStatus describes a client TLS configuration for logging.
func SecurityStatus(c *tls.Config) string {
	switch {
	case c == nil:
		return "no TLS"
	case c.InsecureSkipVerify:
		return "TLS without verification"
	case len(c.Certificates) > 0:
		return "mutual TLS"
	default:
		return "TLS"
	}
}

func loadCertFile(certFile string) ([]byte, error) {
	if certFile != "" {
		return os.ReadFile(certFile)
	}
	return []byte{}, nil
}

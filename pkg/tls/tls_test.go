// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/absmach/fluxbus/pkg/tls/verifier/ocsp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeCert writes a self-signed certificate and its key to dir.
func writeCert(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "fluxbus-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func TestLoadClientConfig(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeCert(t, dir)
	garbage := filepath.Join(dir, "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a certificate"), 0o600))

	tests := []struct {
		name    string
		cfg     *Config
		wantNil bool
		wantErr bool
		check   func(t *testing.T, c *tls.Config)
	}{
		{name: "nil config", cfg: nil, wantNil: true},
		{name: "disabled", cfg: &Config{CAFile: certFile}, wantNil: true},
		{
			name: "server verification only",
			cfg:  &Config{Enabled: true, ServerName: "broker.local"},
			check: func(t *testing.T, c *tls.Config) {
				assert.Equal(t, "broker.local", c.ServerName)
				assert.Equal(t, uint16(tls.VersionTLS12), c.MinVersion)
				assert.Nil(t, c.RootCAs)
				assert.Empty(t, c.Certificates)
				assert.Equal(t, "TLS", SecurityStatus(c))
			},
		},
		{
			name: "custom CA and client certificate",
			cfg:  &Config{Enabled: true, CAFile: certFile, CertFile: certFile, KeyFile: keyFile},
			check: func(t *testing.T, c *tls.Config) {
				assert.NotNil(t, c.RootCAs)
				assert.Len(t, c.Certificates, 1)
				assert.Equal(t, "mutual TLS", SecurityStatus(c))
			},
		},
		{
			name: "ocsp installs a peer verifier",
			cfg:  &Config{Enabled: true, OCSP: ocsp.Config{ResponderURL: "http://ocsp.local"}},
			check: func(t *testing.T, c *tls.Config) {
				assert.NotNil(t, c.VerifyPeerCertificate)
			},
		},
		{name: "cert without key", cfg: &Config{Enabled: true, CertFile: certFile}, wantErr: true},
		{name: "missing CA file", cfg: &Config{Enabled: true, CAFile: filepath.Join(dir, "missing.pem")}, wantErr: true},
		{name: "invalid CA", cfg: &Config{Enabled: true, CAFile: garbage}, wantErr: true},
		{name: "invalid key pair", cfg: &Config{Enabled: true, CertFile: garbage, KeyFile: keyFile}, wantErr: true},
		{
			name:    "ocsp without verification",
			cfg:     &Config{Enabled: true, InsecureSkipVerify: true, OCSP: ocsp.Config{Depth: 1}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := LoadClientConfig(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, c)
				return
			}
			require.NotNil(t, c)
			if tt.check != nil {
				tt.check(t, c)
			}
		})
	}
}

func TestSecurityStatus(t *testing.T) {
	assert.Equal(t, "no TLS", SecurityStatus(nil))
	assert.Equal(t, "TLS without verification", SecurityStatus(&tls.Config{InsecureSkipVerify: true}))
}

func TestBuildVerifiers(t *testing.T) {
	v, err := BuildVerifiers(Config{})
	require.NoError(t, err)
	assert.Empty(t, v)

	v, err = BuildVerifiers(Config{OCSP: ocsp.Config{Depth: 2}})
	require.NoError(t, err)
	assert.Len(t, v, 1)
}

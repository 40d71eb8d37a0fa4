// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ocsp checks the revocation status of broker certificates against
// an OCSP responder.
package ocsp

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/absmach/fluxbus/pkg/tls/verifier"
	"golang.org/x/crypto/ocsp"
)

// DefaultTimeout bounds every request to a responder or issuer URL.
const DefaultTimeout = 5 * time.Second

var (
	errParseIssuerCrt       = errors.New("failed to parse issuer certificate")
	errCreateOCSPReq        = errors.New("failed to create OCSP Request")
	errCreateOCSPHTTPReq    = errors.New("failed to create OCSP HTTP Request")
	errParseOCSPUrl         = errors.New("failed to parse OCSP server URL")
	errOCSPReq              = errors.New("OCSP request failed")
	errOCSPReadResp         = errors.New("failed to read OCSP response")
	errParseOCSPRespForCert = errors.New("failed to parse OCSP Response for Certificate")
	errIssuerCert           = errors.New("neither the issuer certificate is present in the chain nor is the issuer certificate URL present in AIA")
	errNoOCSPURL            = errors.New("neither OCSP responder URL configured nor present in certificate AIA")
	errOCSPServerFailed     = errors.New("OCSP Server Failed")
	errOCSPUnknown          = errors.New("OCSP status unknown")
	errRetrieveIssuerCrt    = errors.New("failed to retrieve issuer certificate")
	errReadIssuerCrt        = errors.New("failed to read issuer certificate")
	errIssuerCrtPEM         = errors.New("failed to decode issuer certificate PEM")

	errParseCert = errors.New("failed to parse Certificate")
	errPeerCrt   = errors.New("broker certificate not received")

	// ErrCertRevoked is returned for a certificate the responder reports revoked.
	ErrCertRevoked = errors.New("certificate revoked")
)

// Config configures OCSP checks. A zero Depth checks the whole chain.
type Config struct {
	Depth        uint          `yaml:"depth"`
	ResponderURL string        `yaml:"responder_url"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Enabled reports whether any OCSP setting is present.
func (c Config) Enabled() bool {
	return c.Depth > 0 || c.ResponderURL != ""
}

type ocspVerifier struct {
	Config
	client *http.Client
}

var _ verifier.Verifier = (*ocspVerifier)(nil)

// New creates an OCSP verifier.
func New(cfg Config) (verifier.Verifier, error) {
	if cfg.ResponderURL != "" {
		if _, err := url.Parse(cfg.ResponderURL); err != nil {
			return nil, errors.Join(errParseOCSPUrl, err)
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &ocspVerifier{
		Config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (c *ocspVerifier) VerifyPeerCertificate(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	switch {
	case len(verifiedChains) > 0:
		return c.verifyChains(verifiedChains)
	case len(rawCerts) > 0:
		certs, err := parseCertificates(rawCerts)
		if err != nil {
			return err
		}
		return c.verifyRaw(certs)
	default:
		return errPeerCrt
	}
}

func (c *ocspVerifier) verifyRaw(certs []*x509.Certificate) error {
	for i, cert := range certs {
		issuer := findIssuer(cert.Issuer, certs)
		if err := c.check(cert, issuer); err != nil {
			return err
		}
		if i+1 == int(c.Depth) {
			return nil
		}
	}
	return nil
}

func (c *ocspVerifier) verifyChains(chains [][]*x509.Certificate) error {
	for _, chain := range chains {
		for i, cert := range chain {
			if c.Depth > 0 && i >= int(c.Depth) {
				break
			}
			issuer := cert
			if i+1 < len(chain) {
				issuer = chain[i+1]
			}
			if err := c.check(cert, issuer); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *ocspVerifier) check(cert, issuer *x509.Certificate) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	var err error
	switch {
	case isRootCA(cert):
		issuer = cert
	case issuer == nil:
		if len(cert.IssuingCertificateURL) < 1 {
			return fmt.Errorf("%w common name %s and serial number %x", errIssuerCert, cert.Subject.CommonName, cert.SerialNumber)
		}
		issuer, err = c.fetchIssuer(ctx, cert.IssuingCertificateURL[0])
		if err != nil {
			return err
		}
	}

	body, err := ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{Hash: crypto.SHA256})
	if err != nil {
		return errors.Join(errCreateOCSPReq, err)
	}

	responder := c.ResponderURL
	if responder == "" {
		if len(cert.OCSPServer) < 1 {
			return fmt.Errorf("%w common name %s and serial number %x", errNoOCSPURL, cert.Subject.CommonName, cert.SerialNumber)
		}
		responder = cert.OCSPServer[0]
	}
	u, err := url.Parse(responder)
	if err != nil {
		return errors.Join(errParseOCSPUrl, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, responder, bytes.NewReader(body))
	if err != nil {
		return errors.Join(errCreateOCSPHTTPReq, err)
	}
	req.Header.Set("Content-Type", "application/ocsp-request")
	req.Header.Set("Accept", "application/ocsp-response")
	req.Host = u.Host

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Join(errOCSPReq, err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Join(errOCSPReadResp, err)
	}
	parsed, err := ocsp.ParseResponseForCert(out, cert, issuer)
	if err != nil {
		return errors.Join(errParseOCSPRespForCert, err)
	}

	switch parsed.Status {
	case ocsp.Good:
		return nil
	case ocsp.Revoked:
		return fmt.Errorf("%w: common name %s and serial number %x revoked at %v", ErrCertRevoked, cert.Subject.CommonName, cert.SerialNumber, parsed.RevokedAt)
	case ocsp.ServerFailed:
		return errOCSPServerFailed
	default:
		return errOCSPUnknown
	}
}

func (c *ocspVerifier) fetchIssuer(ctx context.Context, issuerURL string) (*x509.Certificate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issuerURL, nil)
	if err != nil {
		return nil, errors.Join(errRetrieveIssuerCrt, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Join(errRetrieveIssuerCrt, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Join(errReadIssuerCrt, err)
	}

	// Issuers are served as DER or PEM.
	der := body
	if block, _ := pem.Decode(body); block != nil {
		der = block.Bytes
	} else if bytes.HasPrefix(bytes.TrimSpace(body), []byte("-----")) {
		return nil, errIssuerCrtPEM
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Join(errParseIssuerCrt, err)
	}
	return cert, nil
}

func findIssuer(issuer pkix.Name, certs []*x509.Certificate) *x509.Certificate {
	for _, cert := range certs {
		if cert.Subject.SerialNumber != "" && issuer.SerialNumber != "" && cert.Subject.SerialNumber == issuer.SerialNumber {
			return cert
		}
		if (cert.Subject.SerialNumber == "" || issuer.SerialNumber == "") && cert.Subject.String() == issuer.String() {
			return cert
		}
	}
	return nil
}

func isRootCA(cert *x509.Certificate) bool {
	if !cert.IsCA {
		return false
	}
	if len(cert.AuthorityKeyId) > 0 && len(cert.SubjectKeyId) > 0 && bytes.Equal(cert.AuthorityKeyId, cert.SubjectKeyId) {
		return true
	}
	return cert.Issuer.String() == cert.Subject.String()
}

func parseCertificates(rawCerts [][]byte) ([]*x509.Certificate, error) {
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, errors.Join(errParseCert, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

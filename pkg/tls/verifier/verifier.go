// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package verifier runs extra checks on the certificate chain a broker
// presents during the TLS handshake.
package verifier

import "crypto/x509"

// Verifier checks a peer certificate chain.
type Verifier interface {
	VerifyPeerCertificate(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error
}

// NewValidator returns a tls.Config VerifyPeerCertificate callback that runs
// every verifier in order and stops at the first failure.
func NewValidator(verifiers []Verifier) func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
		for _, v := range verifiers {
			if err := v.VerifyPeerCertificate(rawCerts, verifiedChains); err != nil {
				return err
			}
		}
		return nil
	}
}

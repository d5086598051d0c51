// Package certutil loads the TLS certificate the QUIC listener presents,
// either from PEM files on disk or, when self_sign is configured,
// generating an ephemeral self-signed certificate for the process
// lifetime.
//
// Grounded on the self-signed certificate helper in the teacher's
// pkg/transport/quic/transport_test.go, which builds an ECDSA P-256
// leaf certificate with crypto/x509 for exercising its QUIC transport in
// tests; here the same recipe backs a real (if unverifiable by clients
// without out-of-band trust) production listener certificate.
package certutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

// Load returns a tls.Certificate for the QUIC listener: parsed from
// certFile/keyFile if both are set, or a freshly generated self-signed
// certificate when selfSign is true. Exactly one of these paths is taken;
// config.Validate already enforces that one of them is available.
func Load(certFile, keyFile string, selfSign bool) (tls.Certificate, error) {
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("load tls key pair: %w", err)
		}
		return cert, nil
	}

	if selfSign {
		return generateSelfSigned()
	}

	return tls.Certificate{}, fmt.Errorf("no certificate configured: set tls.cert_file/tls.key_file or tls.self_sign")
}

// generateSelfSigned builds an ECDSA P-256 leaf certificate valid for one
// year, good for clients that pin the certificate's public key or
// disable verification rather than trusting a CA.
func generateSelfSigned() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "tuicd"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:         true,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}, nil
}

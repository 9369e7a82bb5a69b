// Package mtls loads the optional client certificate the agent presents to
// the hub.
package mtls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/breeze-rmm/tweakagent/internal/logging"
)

var log = logging.L("mtls")

// LoadClientCert parses a PEM-encoded certificate and private key pair.
func LoadClientCert(certPEM, keyPEM []byte) (*tls.Certificate, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mTLS key pair: %w", err)
	}
	if cert.Leaf == nil && len(cert.Certificate) > 0 {
		if leaf, err := x509.ParseCertificate(cert.Certificate[0]); err == nil {
			cert.Leaf = leaf
		}
	}
	return &cert, nil
}

// BuildTLSConfig reads the pair from disk and returns a TLS config that
// presents it. Returns nil when either path is empty.
func BuildTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" || keyFile == "" {
		return nil, nil
	}
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("read client certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("read client key: %w", err)
	}
	cert, err := LoadClientCert(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	switch {
	case IsExpired(cert, now):
		log.Warn("mTLS client certificate has expired", "notAfter", cert.Leaf.NotAfter)
	case NeedsRenewal(cert, now):
		log.Warn("mTLS client certificate is past two thirds of its lifetime", "notAfter", cert.Leaf.NotAfter)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// IsExpired reports whether cert is past NotAfter at now. A certificate
// without a parsed leaf is never reported expired.
func IsExpired(cert *tls.Certificate, now time.Time) bool {
	if cert == nil || cert.Leaf == nil {
		return false
	}
	return now.After(cert.Leaf.NotAfter)
}

// NeedsRenewal reports whether cert has passed 2/3 of its lifetime.
func NeedsRenewal(cert *tls.Certificate, now time.Time) bool {
	if cert == nil || cert.Leaf == nil {
		return false
	}
	issued, expires := cert.Leaf.NotBefore, cert.Leaf.NotAfter
	lifetime := expires.Sub(issued)
	threshold := issued.Add(lifetime * 2 / 3)
	return now.After(threshold)
}

package mtls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writePair(t *testing.T, notBefore, notAfter time.Time) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "device-1"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	dir := t.TempDir()
	certPath := filepath.Join(dir, "client.crt")
	keyPath := filepath.Join(dir, "client.key")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}
	return certPath, keyPath
}

func TestBuildTLSConfigEmptyPaths(t *testing.T) {
	cfg, err := BuildTLSConfig("", "")
	if err != nil || cfg != nil {
		t.Fatalf("BuildTLSConfig(\"\", \"\") = %v, %v; want nil, nil", cfg, err)
	}
}

func TestBuildTLSConfigLoadsPair(t *testing.T) {
	now := time.Now()
	certPath, keyPath := writePair(t, now.Add(-time.Hour), now.Add(24*time.Hour))

	cfg, err := BuildTLSConfig(certPath, keyPath)
	if err != nil {
		t.Fatalf("BuildTLSConfig: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("certificates = %d, want 1", len(cfg.Certificates))
	}
	if cfg.Certificates[0].Leaf == nil || cfg.Certificates[0].Leaf.Subject.CommonName != "device-1" {
		t.Fatal("leaf certificate not parsed")
	}
}

func TestBuildTLSConfigRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "bad.pem")
	if err := os.WriteFile(p, []byte("not pem"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := BuildTLSConfig(p, p); err == nil {
		t.Fatal("expected error for invalid PEM")
	}
	if _, err := BuildTLSConfig(filepath.Join(dir, "missing.crt"), p); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestExpiryAndRenewal(t *testing.T) {
	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	certPath, keyPath := writePair(t, issued, issued.Add(90*24*time.Hour))
	cfg, err := BuildTLSConfig(certPath, keyPath)
	if err != nil {
		t.Fatalf("BuildTLSConfig: %v", err)
	}
	cert := &cfg.Certificates[0]

	tests := []struct {
		name    string
		now     time.Time
		expired bool
		renew   bool
	}{
		{"fresh", issued.Add(24 * time.Hour), false, false},
		{"past two thirds", issued.Add(61 * 24 * time.Hour), false, true},
		{"expired", issued.Add(91 * 24 * time.Hour), true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsExpired(cert, tt.now); got != tt.expired {
				t.Fatalf("IsExpired = %v, want %v", got, tt.expired)
			}
			if got := NeedsRenewal(cert, tt.now); got != tt.renew {
				t.Fatalf("NeedsRenewal = %v, want %v", got, tt.renew)
			}
		})
	}

	if IsExpired(nil, time.Now()) || NeedsRenewal(nil, time.Now()) {
		t.Fatal("nil certificate must not be reported expired")
	}
}

package ca

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureCAIdempotent(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	if err := s.EnsureCA(); err != nil {
		t.Fatalf("EnsureCA() error = %v", err)
	}
	keyA, _ := os.ReadFile(filepath.Join(dir, "ca-key.pem"))
	certA, _ := os.ReadFile(filepath.Join(dir, "ca-cert.pem"))

	if err := s.EnsureCA(); err != nil {
		t.Fatalf("second EnsureCA() error = %v", err)
	}
	keyB, _ := os.ReadFile(filepath.Join(dir, "ca-key.pem"))
	certB, _ := os.ReadFile(filepath.Join(dir, "ca-cert.pem"))

	if string(keyA) != string(keyB) || string(certA) != string(certB) {
		t.Fatal("EnsureCA() is not idempotent: on-disk state changed on second call")
	}
}

func TestLeafCertSANMatchesHost(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	if err := s.EnsureCA(); err != nil {
		t.Fatalf("EnsureCA() error = %v", err)
	}

	leaf, err := s.LeafCert("api.openai.com")
	if err != nil {
		t.Fatalf("LeafCert() error = %v", err)
	}

	cert, err := x509.ParseCertificate(leaf.Certificate[0])
	if err != nil {
		t.Fatalf("ParseCertificate() error = %v", err)
	}
	if len(cert.DNSNames) != 1 || cert.DNSNames[0] != "api.openai.com" {
		t.Fatalf("SAN = %v, want exactly [api.openai.com]", cert.DNSNames)
	}
	if cert.IsCA {
		t.Fatal("leaf cert must not have CA:TRUE")
	}
}

func TestLeafCertCached(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	if err := s.EnsureCA(); err != nil {
		t.Fatalf("EnsureCA() error = %v", err)
	}

	first, err := s.LeafCert("api.anthropic.com")
	if err != nil {
		t.Fatalf("LeafCert() error = %v", err)
	}
	second, err := s.LeafCert("api.anthropic.com")
	if err != nil {
		t.Fatalf("LeafCert() second call error = %v", err)
	}
	if first != second {
		t.Fatal("expected cached certificate pointer to be reused")
	}
}

func TestLeafCertWildcardSanitized(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	if err := s.EnsureCA(); err != nil {
		t.Fatalf("EnsureCA() error = %v", err)
	}
	if _, err := s.LeafCert("*.codeium.com"); err != nil {
		t.Fatalf("LeafCert() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "certs", "_wildcard_.codeium.com.pem")); err != nil {
		t.Fatalf("expected sanitized cache file: %v", err)
	}
}

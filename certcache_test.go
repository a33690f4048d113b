package petrel

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

func writeTestKeyPair(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "mail.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"mail.example.com"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate() error = %v", err)
	}

	certFile = filepath.Join(dir, "cert.pem")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(certFile, certPEM, 0o600); err != nil {
		t.Fatalf("WriteFile(cert) error = %v", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalECPrivateKey() error = %v", err)
	}
	keyFile = filepath.Join(dir, "key.pem")
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		t.Fatalf("WriteFile(key) error = %v", err)
	}

	return certFile, keyFile
}

func TestCertificateCacheLoad(t *testing.T) {
	certFile, keyFile := writeTestKeyPair(t, t.TempDir())

	c := NewCertificateCache(certFile, keyFile, "")
	if !c.Available() {
		t.Fatal("Available() = false, want true")
	}

	cert, err := c.Certificate()
	if err != nil {
		t.Fatalf("Certificate() error = %v", err)
	}
	if cert == nil {
		t.Fatal("Certificate() = nil")
	}

	again, err := c.Certificate()
	if err != nil {
		t.Fatalf("Certificate() second call error = %v", err)
	}
	if again != cert {
		t.Error("Certificate() did not serve the cached instance")
	}
}

func TestCertificateCacheServesStaleOnReloadFailure(t *testing.T) {
	certFile, keyFile := writeTestKeyPair(t, t.TempDir())

	c := NewCertificateCache(certFile, keyFile, "")
	c.retryDelay = time.Millisecond

	cert, err := c.Certificate()
	if err != nil {
		t.Fatalf("Certificate() error = %v", err)
	}

	// Expire the cached entry and break the files on disk.
	c.loadedAt = time.Now().Add(-8 * 24 * time.Hour)
	if err := os.Remove(certFile); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	stale, err := c.Certificate()
	if err != nil {
		t.Fatalf("Certificate() after reload failure error = %v", err)
	}
	if stale != cert {
		t.Error("Certificate() did not fall back to the previous certificate")
	}
}

func TestCertificateCacheRetriesOnce(t *testing.T) {
	dir := t.TempDir()
	c := NewCertificateCache(filepath.Join(dir, "missing.pem"), "", "")
	c.retryDelay = time.Millisecond

	if _, err := c.Certificate(); err == nil {
		t.Error("Certificate() error = nil for missing files")
	}
}

func TestCertificateCacheUnavailable(t *testing.T) {
	var c *CertificateCache
	if c.Available() {
		t.Error("Available() = true for nil cache")
	}

	empty := NewCertificateCache("", "", "")
	if empty.Available() {
		t.Error("Available() = true for empty cert file")
	}
	if _, err := empty.Certificate(); err != ErrTLSUnavailable {
		t.Errorf("Certificate() error = %v, want ErrTLSUnavailable", err)
	}
}

func TestCertificateCacheTLSConfig(t *testing.T) {
	certFile, keyFile := writeTestKeyPair(t, t.TempDir())

	c := NewCertificateCache(certFile, keyFile, "")
	cfg, err := c.TLSConfig()
	if err != nil {
		t.Fatalf("TLSConfig() error = %v", err)
	}
	if cfg.GetCertificate == nil {
		t.Fatal("TLSConfig() GetCertificate is nil")
	}
	if _, err := cfg.GetCertificate(nil); err != nil {
		t.Errorf("GetCertificate() error = %v", err)
	}
}

package petrel

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"sync"
	"time"
)

const (
	// certificateTTL is how long a loaded certificate is served before the
	// cache reloads it from disk, picking up renewed files.
	certificateTTL = 7 * 24 * time.Hour

	// certificateRetryDelay is the pause before the single retry of a
	// failed load. Covers the window where the files are being replaced.
	certificateRetryDelay = 2 * time.Second
)

// CertificateCache loads and caches the server TLS certificate. A load
// failure is retried once after a short delay; the parsed certificate is
// then served from memory and refreshed after certificateTTL. Construct one
// instance and share it between listeners.
type CertificateCache struct {
	certFile string
	keyFile  string
	password string

	retryDelay time.Duration
	ttl        time.Duration

	mu       sync.Mutex
	cert     *tls.Certificate
	loadedAt time.Time
}

// NewCertificateCache creates a cache for the given certificate files.
// keyFile may be empty when the key is bundled in certFile; password
// decrypts an encrypted PEM private key.
func NewCertificateCache(certFile, keyFile, password string) *CertificateCache {
	return &CertificateCache{
		certFile:   certFile,
		keyFile:    keyFile,
		password:   password,
		retryDelay: certificateRetryDelay,
		ttl:        certificateTTL,
	}
}

// Available reports whether a certificate is configured at all.
func (c *CertificateCache) Available() bool {
	return c != nil && c.certFile != ""
}

// Certificate returns the cached certificate, loading or refreshing it as
// needed.
func (c *CertificateCache) Certificate() (*tls.Certificate, error) {
	if !c.Available() {
		return nil, ErrTLSUnavailable
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cert != nil && time.Since(c.loadedAt) < c.ttl {
		return c.cert, nil
	}

	cert, err := c.load()
	if err != nil {
		// The files may be mid-replacement; try once more.
		time.Sleep(c.retryDelay)
		cert, err = c.load()
	}
	if err != nil {
		if c.cert != nil {
			// Keep serving the previous certificate rather than
			// breaking TLS outright.
			return c.cert, nil
		}
		return nil, err
	}

	c.cert = cert
	c.loadedAt = time.Now()
	return c.cert, nil
}

// TLSConfig builds a server-side TLS configuration around the cache. The
// certificate callback re-reads the cache so long-lived servers pick up
// renewed certificates without restart.
func (c *CertificateCache) TLSConfig() (*tls.Config, error) {
	if _, err := c.Certificate(); err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return c.Certificate()
		},
	}, nil
}

func (c *CertificateCache) load() (*tls.Certificate, error) {
	certPEM, err := os.ReadFile(c.certFile)
	if err != nil {
		return nil, fmt.Errorf("smtp: read certificate: %w", err)
	}

	keyPEM := certPEM
	if c.keyFile != "" {
		keyPEM, err = os.ReadFile(c.keyFile)
		if err != nil {
			return nil, fmt.Errorf("smtp: read private key: %w", err)
		}
	}

	if c.password != "" {
		keyPEM, err = decryptKeyPEM(keyPEM, c.password)
		if err != nil {
			return nil, err
		}
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("smtp: parse key pair: %w", err)
	}
	return &cert, nil
}

// decryptKeyPEM decrypts a legacy encrypted PEM private key block.
func decryptKeyPEM(keyPEM []byte, password string) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("smtp: no PEM block in private key")
	}
	if !x509.IsEncryptedPEMBlock(block) {
		return keyPEM, nil
	}
	der, err := x509.DecryptPEMBlock(block, []byte(password))
	if err != nil {
		return nil, fmt.Errorf("smtp: decrypt private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil
}

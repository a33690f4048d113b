package dkim

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"strings"
	"testing"
	"time"
)

func testKeyPEM(t *testing.T) ([]byte, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return keyPEM, key
}

const testMessage = "From: alice@example.com\r\n" +
	"To: bob@example.net\r\n" +
	"Subject: test\r\n" +
	"Date: Mon, 01 Sep 2025 10:00:00 +0000\r\n" +
	"\r\n" +
	"Hello there.\r\n"

func parseTags(t *testing.T, header string) map[string]string {
	t.Helper()
	tags := make(map[string]string)
	for _, pair := range strings.Split(header, ";") {
		name, value, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found {
			t.Fatalf("malformed tag %q", pair)
		}
		tags[name] = value
	}
	return tags
}

func TestSign(t *testing.T) {
	keyPEM, key := testKeyPEM(t)

	timeNow = func() time.Time { return time.Unix(1756720800, 0) }
	defer func() { timeNow = time.Now }()

	signer, err := NewSigner("example.com", "mail", keyPEM)
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}

	value, err := signer.Sign([]byte(testMessage))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	tags := parseTags(t, value)
	if tags["v"] != "1" || tags["a"] != "rsa-sha256" || tags["c"] != "relaxed/relaxed" {
		t.Errorf("unexpected algorithm tags: %v", tags)
	}
	if tags["d"] != "example.com" || tags["s"] != "mail" {
		t.Errorf("d/s tags = %q/%q", tags["d"], tags["s"])
	}
	if tags["t"] != "1756720800" {
		t.Errorf("t tag = %q", tags["t"])
	}
	if tags["h"] != "From:To:Subject:Date" {
		t.Errorf("h tag = %q", tags["h"])
	}

	// The signature must verify against a recomputation of the header hash
	// with an empty b= tag.
	unsigned := value[:strings.Index(value, "; b=")+len("; b=")]
	headers, _ := splitMessage([]byte(testMessage))
	hashed := headerHash(headers, strings.Split(tags["h"], ":"), unsigned)

	sig, err := base64.StdEncoding.DecodeString(tags["b"])
	if err != nil {
		t.Fatalf("decoding b tag: %v", err)
	}
	if err := rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, hashed, sig); err != nil {
		t.Errorf("VerifyPKCS1v15() error = %v", err)
	}
}

func TestSignRequiresFrom(t *testing.T) {
	keyPEM, _ := testKeyPEM(t)
	signer, err := NewSigner("example.com", "mail", keyPEM)
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}

	msg := "To: bob@example.net\r\n\r\nbody\r\n"
	if _, err := signer.Sign([]byte(msg)); err != ErrMissingFrom {
		t.Errorf("Sign() error = %v, want ErrMissingFrom", err)
	}
}

func TestNewSignerErrors(t *testing.T) {
	keyPEM, _ := testKeyPEM(t)

	tests := []struct {
		name     string
		domain   string
		selector string
		pem      []byte
	}{
		{"missing domain", "", "mail", keyPEM},
		{"missing selector", "example.com", "", keyPEM},
		{"garbage key", "example.com", "mail", []byte("not a key")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSigner(tt.domain, tt.selector, tt.pem); err == nil {
				t.Error("NewSigner() error = nil")
			}
		})
	}
}

func TestCanonicalizeBody(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"trailing blank lines dropped", "line\r\n\r\n\r\n", "line\r\n"},
		{"interior whitespace reduced", "a  \t b\r\n", "a b\r\n"},
		{"trailing whitespace stripped", "line \t\r\n", "line\r\n"},
		{"missing final crlf added", "line", "line\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(canonicalizeBody([]byte(tt.in))); got != tt.want {
				t.Errorf("canonicalizeBody(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCanonicalizeHeader(t *testing.T) {
	tests := []struct {
		name  string
		hname string
		value string
		want  string
	}{
		{"lowercased name", "Subject", " Hello", "subject:Hello"},
		{"folded value unfolded", "To", " a@b.c,\r\n\td@e.f", "to:a@b.c, d@e.f"},
		{"whitespace reduced", "X-Test", "  a   b  ", "x-test:a b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := canonicalizeHeader(tt.hname, tt.value); got != tt.want {
				t.Errorf("canonicalizeHeader() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPublicKeyRecord(t *testing.T) {
	_, key := testKeyPEM(t)
	record, err := PublicKeyRecord(&key.PublicKey)
	if err != nil {
		t.Fatalf("PublicKeyRecord() error = %v", err)
	}
	if !strings.HasPrefix(record, "v=DKIM1; k=rsa; p=") {
		t.Errorf("PublicKeyRecord() = %q", record)
	}
}

// Package dkim produces DomainKeys Identified Mail signatures per RFC 6376.
// Only signing is implemented: messages are signed with rsa-sha256 using
// relaxed/relaxed canonicalization before outbound delivery.
package dkim

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNoKey       = errors.New("dkim: no PEM block in private key")
	ErrNotRSA      = errors.New("dkim: not an RSA private key")
	ErrMissingFrom = errors.New("dkim: message has no From header")
)

// signedHeaders is the header set covered by a signature, in h= order. Only
// headers actually present in the message are listed. From is required by
// RFC 6376 section 5.4.
var signedHeaders = []string{
	"From",
	"To",
	"Cc",
	"Subject",
	"Date",
	"Message-ID",
	"Reply-To",
	"In-Reply-To",
	"References",
	"MIME-Version",
	"Content-Type",
	"Content-Transfer-Encoding",
}

// Mocked in tests for stable t= tags.
var timeNow = time.Now

// Signer signs outbound messages for a single domain and selector. The
// public key is expected at <selector>._domainkey.<domain> in DNS.
type Signer struct {
	domain   string
	selector string
	key      *rsa.PrivateKey
}

// NewSigner creates a signer from a PEM-encoded RSA private key. PKCS#8 and
// PKCS#1 encodings are accepted.
func NewSigner(domain, selector string, keyPEM []byte) (*Signer, error) {
	if domain == "" || selector == "" {
		return nil, errors.New("dkim: domain and selector are required")
	}
	key, err := ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, err
	}
	return &Signer{domain: domain, selector: selector, key: key}, nil
}

// LoadSigner reads the private key from a file.
func LoadSigner(domain, selector, keyFile string) (*Signer, error) {
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("dkim: read key file: %w", err)
	}
	return NewSigner(domain, selector, keyPEM)
}

// Domain returns the signing domain (d= tag).
func (s *Signer) Domain() string { return s.domain }

// Selector returns the key selector (s= tag).
func (s *Signer) Selector() string { return s.selector }

// Sign computes the signature over a complete RFC 5322 message and returns
// the DKIM-Signature header value to prepend to it. The message must use
// CRLF line endings.
func (s *Signer) Sign(message []byte) (string, error) {
	headers, body := splitMessage(message)

	present := presentHeaders(headers, signedHeaders)
	hasFrom := false
	for _, name := range present {
		if strings.EqualFold(name, "From") {
			hasFrom = true
			break
		}
	}
	if !hasFrom {
		return "", ErrMissingFrom
	}

	bodyHash := sha256.Sum256(canonicalizeBody(body))

	tags := []string{
		"v=1",
		"a=rsa-sha256",
		"c=relaxed/relaxed",
		"d=" + s.domain,
		"s=" + s.selector,
		"t=" + strconv.FormatInt(timeNow().Unix(), 10),
		"h=" + strings.Join(present, ":"),
		"bh=" + base64.StdEncoding.EncodeToString(bodyHash[:]),
	}
	unsigned := strings.Join(tags, "; ") + "; b="

	hashed := headerHash(headers, present, unsigned)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, hashed)
	if err != nil {
		return "", fmt.Errorf("dkim: sign: %w", err)
	}

	return unsigned + base64.StdEncoding.EncodeToString(sig), nil
}

// ParsePrivateKey parses a PEM-encoded RSA private key, trying PKCS#8 first
// and falling back to PKCS#1.
func ParsePrivateKey(keyPEM []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, ErrNoKey
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, ErrNotRSA
		}
		return rsaKey, nil
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("dkim: parse private key: %w", err)
	}
	return key, nil
}

// PublicKeyRecord renders the TXT record value to publish for a signer's
// selector.
func PublicKeyRecord(key *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("dkim: marshal public key: %w", err)
	}
	return "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(der), nil
}

// rawHeader is one header field with folding preserved.
type rawHeader struct {
	name  string
	value string
}

// splitMessage separates the header section from the body and parses the
// raw header fields, keeping order and folded continuation lines.
func splitMessage(message []byte) ([]rawHeader, []byte) {
	headerSection := message
	var body []byte
	if idx := bytes.Index(message, []byte("\r\n\r\n")); idx >= 0 {
		headerSection = message[:idx+2]
		body = message[idx+4:]
	}

	var headers []rawHeader
	for _, line := range strings.Split(string(headerSection), "\r\n") {
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if len(headers) > 0 {
				headers[len(headers)-1].value += "\r\n" + line
			}
			continue
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		headers = append(headers, rawHeader{name: name, value: value})
	}
	return headers, body
}

// presentHeaders filters the candidate list down to names that occur in the
// message, preserving candidate order.
func presentHeaders(headers []rawHeader, candidates []string) []string {
	var present []string
	for _, name := range candidates {
		for _, h := range headers {
			if strings.EqualFold(h.name, name) {
				present = append(present, name)
				break
			}
		}
	}
	return present
}

// headerHash hashes the signed headers in h= order followed by the unsigned
// DKIM-Signature field itself, per RFC 6376 section 3.7. Repeated header
// names are consumed bottom to top.
func headerHash(headers []rawHeader, signed []string, sigValue string) []byte {
	used := make(map[string]int)
	occurrences := make(map[string][]rawHeader)
	for i := len(headers) - 1; i >= 0; i-- {
		name := strings.ToLower(headers[i].name)
		occurrences[name] = append(occurrences[name], headers[i])
	}

	var buf bytes.Buffer
	for _, name := range signed {
		key := strings.ToLower(name)
		idx := used[key]
		used[key]++
		if idx < len(occurrences[key]) {
			h := occurrences[key][idx]
			buf.WriteString(canonicalizeHeader(h.name, h.value))
			buf.WriteString("\r\n")
		}
	}
	buf.WriteString(canonicalizeHeader("DKIM-Signature", sigValue))

	sum := sha256.Sum256(buf.Bytes())
	return sum[:]
}

// canonicalizeHeader applies relaxed header canonicalization per RFC 6376
// section 3.4.2.
func canonicalizeHeader(name, value string) string {
	value = strings.ReplaceAll(value, "\r\n", "")
	value = string(reduceWhitespace([]byte(value)))
	return strings.ToLower(name) + ":" + strings.TrimSpace(value)
}

// canonicalizeBody applies relaxed body canonicalization per RFC 6376
// section 3.4.4: trailing whitespace stripped, interior whitespace runs
// reduced to one space, trailing empty lines removed.
func canonicalizeBody(body []byte) []byte {
	if len(body) == 0 {
		return nil
	}

	lines := bytes.Split(body, []byte("\r\n"))
	for i, line := range lines {
		lines[i] = bytes.TrimRight(reduceWhitespace(line), " ")
	}
	for len(lines) > 0 && len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, line := range lines {
		buf.Write(line)
		buf.WriteString("\r\n")
	}
	return buf.Bytes()
}

// reduceWhitespace collapses runs of spaces and tabs to a single space.
func reduceWhitespace(data []byte) []byte {
	var out bytes.Buffer
	inWSP := false
	for _, b := range data {
		if b == ' ' || b == '\t' {
			if !inWSP {
				out.WriteByte(' ')
				inWSP = true
			}
			continue
		}
		out.WriteByte(b)
		inWSP = false
	}
	return out.Bytes()
}

// Package sasl implements the SASL mechanisms accepted for SMTP
// authentication (RFC 4954): PLAIN and LOGIN.
package sasl

import (
	"bytes"
	"encoding/base64"
	"errors"
)

var (
	// ErrCancelled is returned when the client sends "*" to abort the exchange.
	ErrCancelled = errors.New("sasl: authentication cancelled")

	// ErrInvalidFormat is returned when the authentication data is malformed.
	ErrInvalidFormat = errors.New("sasl: invalid authentication format")

	// ErrInvalidBase64 is returned when base64 decoding fails.
	ErrInvalidBase64 = errors.New("sasl: invalid base64 encoding")
)

// Credentials is the outcome of a completed SASL exchange.
type Credentials struct {
	AuthorizationID  string // identity to act as (authzid)
	AuthenticationID string // identity being authenticated (authcid)
	Password         string
}

// Identity returns the effective identity for authorization.
func (c *Credentials) Identity() string {
	if c.AuthorizationID != "" {
		return c.AuthorizationID
	}
	return c.AuthenticationID
}

// Mechanism is a server-side SASL exchange. Start consumes the optional
// initial response from the AUTH command line; Next consumes each subsequent
// client line. A non-empty challenge is sent to the client base64-encoded in
// a 334 reply.
type Mechanism interface {
	Name() string
	Start(initialResponse string) (challenge string, done bool, err error)
	Next(response string) (challenge string, done bool, err error)
	Credentials() *Credentials
}

// New returns the mechanism registered under name, or nil when the name is
// not supported.
func New(name string) Mechanism {
	switch name {
	case "PLAIN":
		return &Plain{}
	case "LOGIN":
		return &Login{}
	}
	return nil
}

// Plain implements the PLAIN mechanism (RFC 4616). The client sends a single
// base64 blob of authzid NUL authcid NUL passwd. Use only over TLS.
type Plain struct {
	creds *Credentials
}

func (p *Plain) Name() string { return "PLAIN" }

func (p *Plain) Start(initialResponse string) (string, bool, error) {
	if initialResponse == "" {
		// Empty challenge per RFC 4954 requests the credentials.
		return "", false, nil
	}
	return p.consume(initialResponse)
}

func (p *Plain) Next(response string) (string, bool, error) {
	return p.consume(response)
}

func (p *Plain) consume(response string) (string, bool, error) {
	if response == "*" {
		return "", true, ErrCancelled
	}

	decoded, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		return "", true, ErrInvalidBase64
	}

	parts := bytes.Split(decoded, []byte{0})
	if len(parts) != 3 || len(parts[1]) == 0 {
		return "", true, ErrInvalidFormat
	}

	p.creds = &Credentials{
		AuthorizationID:  string(parts[0]),
		AuthenticationID: string(parts[1]),
		Password:         string(parts[2]),
	}
	return "", true, nil
}

func (p *Plain) Credentials() *Credentials { return p.creds }

// Base64-encoded prompts for the LOGIN mechanism.
const (
	loginChallengeUsername = "VXNlcm5hbWU6" // "Username:"
	loginChallengePassword = "UGFzc3dvcmQ6" // "Password:"
)

// Login implements the legacy LOGIN mechanism: two prompted base64 lines,
// username then password. Kept for older clients; PLAIN is preferred.
type Login struct {
	stage    int
	username string
	creds    *Credentials
}

func (l *Login) Name() string { return "LOGIN" }

func (l *Login) Start(initialResponse string) (string, bool, error) {
	if initialResponse != "" {
		// LOGIN takes no initial response; treat it as the username.
		challenge, done, err := l.consumeUsername(initialResponse)
		return challenge, done, err
	}
	l.stage = 1
	return loginChallengeUsername, false, nil
}

func (l *Login) Next(response string) (string, bool, error) {
	if response == "*" {
		return "", true, ErrCancelled
	}

	switch l.stage {
	case 0, 1:
		return l.consumeUsername(response)
	case 2:
		decoded, err := base64.StdEncoding.DecodeString(response)
		if err != nil {
			return "", true, ErrInvalidBase64
		}
		l.creds = &Credentials{
			AuthenticationID: l.username,
			Password:         string(decoded),
		}
		return "", true, nil
	default:
		return "", true, ErrInvalidFormat
	}
}

func (l *Login) consumeUsername(response string) (string, bool, error) {
	decoded, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		return "", true, ErrInvalidBase64
	}
	l.username = string(decoded)
	l.stage = 2
	return loginChallengePassword, false, nil
}

func (l *Login) Credentials() *Credentials { return l.creds }

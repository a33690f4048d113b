package sasl

import (
	"encoding/base64"
	"testing"
)

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestNew(t *testing.T) {
	if m := New("PLAIN"); m == nil || m.Name() != "PLAIN" {
		t.Errorf("New(PLAIN) = %v", m)
	}
	if m := New("LOGIN"); m == nil || m.Name() != "LOGIN" {
		t.Errorf("New(LOGIN) = %v", m)
	}
	if m := New("CRAM-MD5"); m != nil {
		t.Errorf("New(CRAM-MD5) = %v, want nil", m)
	}
}

func TestPlainInitialResponse(t *testing.T) {
	m := New("PLAIN")
	challenge, done, err := m.Start(b64("\x00user@example.com\x00secret123"))
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !done || challenge != "" {
		t.Errorf("Start() = (%q, %v), want done with empty challenge", challenge, done)
	}

	creds := m.Credentials()
	if creds == nil {
		t.Fatal("Credentials() = nil")
	}
	if creds.AuthenticationID != "user@example.com" || creds.Password != "secret123" {
		t.Errorf("credentials = %q/%q", creds.AuthenticationID, creds.Password)
	}
	if creds.Identity() != "user@example.com" {
		t.Errorf("Identity() = %q", creds.Identity())
	}
}

func TestPlainPrompted(t *testing.T) {
	m := New("PLAIN")
	challenge, done, err := m.Start("")
	if err != nil || done || challenge != "" {
		t.Fatalf("Start() = (%q, %v, %v), want empty challenge, not done", challenge, done, err)
	}

	_, done, err = m.Next(b64("admin\x00user@example.com\x00secret123"))
	if err != nil || !done {
		t.Fatalf("Next() = (%v, %v)", done, err)
	}
	if m.Credentials().Identity() != "admin" {
		t.Errorf("Identity() = %q, want authzid", m.Credentials().Identity())
	}
}

func TestPlainErrors(t *testing.T) {
	tests := []struct {
		name        string
		response    string
		expectError error
	}{
		{"cancelled", "*", ErrCancelled},
		{"bad base64", "not-base64!!!", ErrInvalidBase64},
		{"two parts", b64("user\x00pass"), ErrInvalidFormat},
		{"empty authcid", b64("z\x00\x00pass"), ErrInvalidFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New("PLAIN")
			_, done, err := m.Start(tt.response)
			if err != tt.expectError {
				t.Errorf("Start() error = %v, want %v", err, tt.expectError)
			}
			if !done {
				t.Error("Start() not done after error")
			}
		})
	}
}

func TestLoginExchange(t *testing.T) {
	m := New("LOGIN")

	challenge, done, err := m.Start("")
	if err != nil || done {
		t.Fatalf("Start() = (%v, %v)", done, err)
	}
	if challenge != loginChallengeUsername {
		t.Errorf("Start() challenge = %q", challenge)
	}

	challenge, done, err = m.Next(b64("user@example.com"))
	if err != nil || done {
		t.Fatalf("Next(username) = (%v, %v)", done, err)
	}
	if challenge != loginChallengePassword {
		t.Errorf("Next(username) challenge = %q", challenge)
	}

	challenge, done, err = m.Next(b64("secret123"))
	if err != nil || !done || challenge != "" {
		t.Fatalf("Next(password) = (%q, %v, %v)", challenge, done, err)
	}

	creds := m.Credentials()
	if creds.AuthenticationID != "user@example.com" || creds.Password != "secret123" {
		t.Errorf("credentials = %q/%q", creds.AuthenticationID, creds.Password)
	}
	if creds.AuthorizationID != "" {
		t.Errorf("AuthorizationID = %q, want empty", creds.AuthorizationID)
	}
}

func TestLoginInitialResponseAsUsername(t *testing.T) {
	m := New("LOGIN")
	challenge, done, err := m.Start(b64("user@example.com"))
	if err != nil || done {
		t.Fatalf("Start() = (%v, %v)", done, err)
	}
	if challenge != loginChallengePassword {
		t.Errorf("Start() challenge = %q, want password prompt", challenge)
	}
}

func TestLoginCancelled(t *testing.T) {
	m := New("LOGIN")
	_, _, _ = m.Start("")

	if _, done, err := m.Next("*"); err != ErrCancelled || !done {
		t.Errorf("Next(*) = (%v, %v)", done, err)
	}

	m = New("LOGIN")
	_, _, _ = m.Start("")
	_, _, _ = m.Next(b64("user"))
	if _, done, err := m.Next("*"); err != ErrCancelled || !done {
		t.Errorf("Next(*) at password = (%v, %v)", done, err)
	}
}

func TestLoginBadBase64(t *testing.T) {
	m := New("LOGIN")
	_, _, _ = m.Start("")

	if _, done, err := m.Next("!!!"); err != ErrInvalidBase64 || !done {
		t.Errorf("Next(bad username) = (%v, %v)", done, err)
	}

	m = New("LOGIN")
	_, _, _ = m.Start("")
	_, _, _ = m.Next(b64("user"))
	if _, done, err := m.Next("!!!"); err != ErrInvalidBase64 || !done {
		t.Errorf("Next(bad password) = (%v, %v)", done, err)
	}
}

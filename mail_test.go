package petrel

import "testing"

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantLocal  string
		wantDomain string
		wantErr    bool
	}{
		{"simple", "alice@example.com", "alice", "example.com", false},
		{"uppercase domain folded", "alice@EXAMPLE.COM", "alice", "example.com", false},
		{"display name", "Alice Smith <alice@example.com>", "alice", "example.com", false},
		{"unicode domain to punycode", "alice@bücher.example", "alice", "xn--bcher-kva.example", false},
		{"plus addressing", "alice+tag@example.com", "alice+tag", "example.com", false},
		{"no at sign", "alice", "", "", true},
		{"empty", "", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := ParseAddress(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseAddress(%q) expected error, got %v", tt.input, addr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAddress(%q) error: %v", tt.input, err)
			}
			if addr.LocalPart != tt.wantLocal {
				t.Errorf("local part = %q, want %q", addr.LocalPart, tt.wantLocal)
			}
			if addr.Domain != tt.wantDomain {
				t.Errorf("domain = %q, want %q", addr.Domain, tt.wantDomain)
			}
		})
	}
}

func TestMailboxAddressEqual(t *testing.T) {
	a := MailboxAddress{LocalPart: "Alice", Domain: "Example.COM"}
	b := MailboxAddress{LocalPart: "alice", Domain: "example.com"}
	if !a.Equal(b) {
		t.Error("addresses differing only in case should be equal")
	}

	c := MailboxAddress{LocalPart: "bob", Domain: "example.com"}
	if a.Equal(c) {
		t.Error("different local parts should not be equal")
	}
}

func TestPathString(t *testing.T) {
	null := Path{}
	if got := null.String(); got != "<>" {
		t.Errorf("null path = %q, want <>", got)
	}
	if !null.IsNull() {
		t.Error("empty path should be null")
	}

	p := Path{Mailbox: MailboxAddress{LocalPart: "alice", Domain: "example.com"}}
	if got := p.String(); got != "<alice@example.com>" {
		t.Errorf("path = %q, want <alice@example.com>", got)
	}
	if p.IsNull() {
		t.Error("populated path should not be null")
	}
}

func TestEnvelopeRecipients(t *testing.T) {
	env := &Envelope{}
	env.AddRecipient(Path{Mailbox: MailboxAddress{LocalPart: "a", Domain: "one.example"}})
	env.AddRecipient(Path{Mailbox: MailboxAddress{LocalPart: "b", Domain: "ONE.example"}})
	env.AddRecipient(Path{Mailbox: MailboxAddress{LocalPart: "c", Domain: "two.example"}})

	if got := env.RecipientCount(); got != 3 {
		t.Errorf("recipient count = %d, want 3", got)
	}
	if got := len(env.Recipients); got != 2 {
		t.Errorf("domain groups = %d, want 2 (grouping folds case)", got)
	}
	if got := len(env.Recipients["one.example"]); got != 2 {
		t.Errorf("one.example recipients = %d, want 2", got)
	}
}

func TestHeadersGet(t *testing.T) {
	h := Headers{
		{Name: "From", Value: "alice@example.com"},
		{Name: "Received", Value: "first hop"},
		{Name: "received", Value: "second hop"},
		{Name: "Subject", Value: "hello"},
	}

	if got := h.Get("SUBJECT"); got != "hello" {
		t.Errorf("Get(SUBJECT) = %q, want hello", got)
	}
	if got := h.Get("X-Missing"); got != "" {
		t.Errorf("Get(X-Missing) = %q, want empty", got)
	}
	if got := h.GetAll("Received"); len(got) != 2 {
		t.Errorf("GetAll(Received) = %d values, want 2", len(got))
	}
}

package petrel

import "testing"

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantCmd  Command
		wantArgs string
		wantErr  bool
	}{
		{"bare quit", "QUIT", CmdQuit, "", false},
		{"lowercase verb", "ehlo mail.example.com", CmdEhlo, "mail.example.com", false},
		{"mixed case", "MaIl FROM:<alice@example.com>", CmdMail, "FROM:<alice@example.com>", false},
		{"rcpt with params", "RCPT TO:<bob@example.com> FOO=bar", CmdRcpt, "TO:<bob@example.com> FOO=bar", false},
		{"bdat", "BDAT 1024 LAST", CmdBdat, "1024 LAST", false},
		{"starttls", "STARTTLS", CmdStartTLS, "", false},
		{"auth with initial", "AUTH PLAIN AGFsaWNlAHNlY3JldA==", CmdAuth, "PLAIN AGFsaWNlAHNlY3JldA==", false},
		{"trailing whitespace trimmed", "NOOP   ", CmdNoop, "", false},
		{"unknown verb", "WXYZ", "", "", true},
		{"unknown with args", "XEXCH50 2 2", "", "", true},
		{"empty line", "", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, args, err := parseCommand(tt.line)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseCommand(%q) expected error, got %q/%q", tt.line, cmd, args)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseCommand(%q) error: %v", tt.line, err)
			}
			if cmd != tt.wantCmd {
				t.Errorf("command = %q, want %q", cmd, tt.wantCmd)
			}
			if args != tt.wantArgs {
				t.Errorf("args = %q, want %q", args, tt.wantArgs)
			}
		})
	}
}

func TestParsePathWithParams(t *testing.T) {
	t.Run("plain path", func(t *testing.T) {
		path, params, err := parsePathWithParams("<alice@example.com>")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := path.Mailbox.String(); got != "alice@example.com" {
			t.Errorf("mailbox = %q, want alice@example.com", got)
		}
		if params != nil {
			t.Errorf("params = %v, want nil", params)
		}
	})

	t.Run("null path", func(t *testing.T) {
		path, _, err := parsePathWithParams("<>")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !path.IsNull() {
			t.Errorf("expected null path, got %q", path.String())
		}
	})

	t.Run("parameters", func(t *testing.T) {
		_, params, err := parsePathWithParams("<alice@example.com> SIZE=1024 body=8BITMIME SMTPUTF8")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if params["SIZE"] != "1024" {
			t.Errorf("SIZE = %q, want 1024", params["SIZE"])
		}
		if params["BODY"] != "8BITMIME" {
			t.Errorf("BODY = %q, want 8BITMIME (keys are uppercased)", params["BODY"])
		}
		if v, ok := params["SMTPUTF8"]; !ok || v != "" {
			t.Errorf("SMTPUTF8 = %q/%v, want present with empty value", v, ok)
		}
	})

	t.Run("domain normalized", func(t *testing.T) {
		path, _, err := parsePathWithParams("<Alice@EXAMPLE.COM>")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if path.Mailbox.Domain != "example.com" {
			t.Errorf("domain = %q, want example.com", path.Mailbox.Domain)
		}
	})

	t.Run("duplicate parameter", func(t *testing.T) {
		if _, _, err := parsePathWithParams("<a@b.com> SIZE=1 SIZE=2"); err == nil {
			t.Error("expected error for duplicate parameter")
		}
	})

	t.Run("missing brackets", func(t *testing.T) {
		if _, _, err := parsePathWithParams("alice@example.com"); err == nil {
			t.Error("expected error for missing angle brackets")
		}
	})

	t.Run("reversed brackets", func(t *testing.T) {
		if _, _, err := parsePathWithParams(">alice@example.com<"); err == nil {
			t.Error("expected error for reversed brackets")
		}
	})

	t.Run("invalid address", func(t *testing.T) {
		if _, _, err := parsePathWithParams("<not an address>"); err == nil {
			t.Error("expected error for invalid address")
		}
	})
}

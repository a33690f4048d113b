package petrel

import (
	"context"
	"net"
	"testing"
	"time"
)

func newTestRelay(t *testing.T, config RelayConfig) *Relay {
	t.Helper()
	if config.Courier == nil {
		config.Courier = newTestCourier(t, CourierConfig{})
	}
	config.Logger = discardLogger()

	r, err := NewRelay(config)
	if err != nil {
		t.Fatalf("NewRelay: %v", err)
	}
	return r
}

func newPipeConnection(t *testing.T) *Connection {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})
	return newConnection(context.Background(), local, "mail.test.example", time.Minute)
}

func relayUsers() []User {
	return []User{
		{
			Name:           "alice",
			Address:        MailboxAddress{LocalPart: "alice", Domain: "mail.test.example"},
			ForwardAddress: MailboxAddress{LocalPart: "alice", Domain: "forward.example"},
		},
		{
			Name:    "bob",
			Address: MailboxAddress{LocalPart: "bob", Domain: "mail.test.example"},
		},
	}
}

func TestRelayRequiresCourier(t *testing.T) {
	if _, err := NewRelay(RelayConfig{}); err == nil {
		t.Error("NewRelay accepted a nil courier")
	}
}

func TestRelayForwardTarget(t *testing.T) {
	global := MailboxAddress{LocalPart: "catchall", Domain: "global.example"}
	r := newTestRelay(t, RelayConfig{Users: relayUsers(), GlobalForward: global})

	tests := []struct {
		name    string
		mailbox MailboxAddress
		want    MailboxAddress
	}{
		{"own forward address", MailboxAddress{LocalPart: "alice", Domain: "mail.test.example"},
			MailboxAddress{LocalPart: "alice", Domain: "forward.example"}},
		{"global fallback", MailboxAddress{LocalPart: "bob", Domain: "mail.test.example"}, global},
		{"unknown mailbox", MailboxAddress{LocalPart: "nobody", Domain: "mail.test.example"}, global},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.forwardTarget(tt.mailbox); !got.Equal(tt.want) {
				t.Errorf("forwardTarget(%s) = %s, want %s", tt.mailbox.String(), got.String(), tt.want.String())
			}
		})
	}
}

func TestRelayInboundFailureSwallowed(t *testing.T) {
	r := newTestRelay(t, RelayConfig{Users: relayUsers()})
	conn := newPipeConnection(t)

	env := &Envelope{
		ID:    "m1",
		From:  Path{Mailbox: MailboxAddress{LocalPart: "sender", Domain: "external.example"}},
		Spool: spoolWith(t, "Subject: x\r\n\r\nbody"),
	}
	env.AddRecipient(Path{Mailbox: MailboxAddress{LocalPart: "alice", Domain: "mail.test.example"}})

	// The forward destination does not resolve, but the sending server
	// already got its 250; no error may surface.
	if err := r.handleMessage(context.Background(), conn, env, nil); err != nil {
		t.Errorf("handleMessage = %v, want nil", err)
	}
}

func TestRelaySubmissionFailureSurfaces(t *testing.T) {
	users := relayUsers()
	r := newTestRelay(t, RelayConfig{Users: users})
	conn := newPipeConnection(t)
	conn.Auth = AuthInfo{Authenticated: true, User: &users[0], AuthenticatedAt: time.Now()}

	env := &Envelope{
		ID:    "m1",
		From:  Path{Mailbox: users[0].Address},
		Spool: spoolWith(t, "Subject: x\r\n\r\nbody"),
	}
	env.AddRecipient(Path{Mailbox: MailboxAddress{LocalPart: "someone", Domain: "nowhere.example"}})

	if err := r.handleMessage(context.Background(), conn, env, nil); err == nil {
		t.Error("handleMessage = nil, want delivery error for the submitter")
	}
}

func TestRelayNoForwardConfigured(t *testing.T) {
	// bob has no forward address and there is no global one either; the
	// message is dropped without a delivery attempt.
	r := newTestRelay(t, RelayConfig{Users: relayUsers()})
	conn := newPipeConnection(t)

	env := &Envelope{
		ID:   "m1",
		From: Path{Mailbox: MailboxAddress{LocalPart: "sender", Domain: "external.example"}},
	}
	env.AddRecipient(Path{Mailbox: MailboxAddress{LocalPart: "bob", Domain: "mail.test.example"}})

	if err := r.handleMessage(context.Background(), conn, env, nil); err != nil {
		t.Errorf("handleMessage = %v, want nil", err)
	}
}

func TestRelayUnsubscribeCallback(t *testing.T) {
	type call struct {
		from MailboxAddress
		user *User
	}
	var calls []call

	r := newTestRelay(t, RelayConfig{
		Users: relayUsers(),
		OnUnsubscribe: func(from MailboxAddress, user *User) {
			calls = append(calls, call{from, user})
		},
	})
	conn := newPipeConnection(t)

	sender := MailboxAddress{LocalPart: "list", Domain: "news.example"}
	env := &Envelope{
		ID:    "m1",
		From:  Path{Mailbox: sender},
		Spool: spoolWith(t, "Subject: unsubscribe\r\n\r\n"),
	}
	env.AddRecipient(Path{Mailbox: MailboxAddress{LocalPart: "alice", Domain: "mail.test.example"}})

	if err := r.handleUnsubscribe(context.Background(), conn, env, nil); err != nil {
		t.Fatalf("handleUnsubscribe: %v", err)
	}

	if len(calls) != 1 {
		t.Fatalf("callback invoked %d times, want 1", len(calls))
	}
	if !calls[0].from.Equal(sender) {
		t.Errorf("callback from = %s, want %s", calls[0].from.String(), sender.String())
	}
	if calls[0].user == nil || calls[0].user.Name != "alice" {
		t.Errorf("callback user = %v, want alice", calls[0].user)
	}
}

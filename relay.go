package petrel

import (
	"context"
	"fmt"
	"log/slog"
)

// RelayConfig configures the relay policy.
type RelayConfig struct {
	// Users are the local accounts. Inbound mail addressed to a user is
	// forwarded to their forward address.
	Users []User

	// GlobalForward receives inbound mail for users without a forward
	// address of their own.
	GlobalForward MailboxAddress

	// Courier performs the outbound transfers.
	Courier *Courier

	// OnUnsubscribe is called when an inbound message carries the subject
	// "unsubscribe", before the message is forwarded.
	OnUnsubscribe func(from MailboxAddress, user *User)

	Logger *slog.Logger
}

// Relay decides what happens to an accepted message: authenticated
// submissions go out to their recipient domains, inbound mail is forwarded
// to the matching local user's forward address.
type Relay struct {
	config RelayConfig
}

// NewRelay creates the relay policy layer.
func NewRelay(config RelayConfig) (*Relay, error) {
	if config.Courier == nil {
		return nil, fmt.Errorf("smtp: relay requires a courier")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Relay{config: config}, nil
}

// Hooks returns the server hooks implementing the relay policy.
func (r *Relay) Hooks() Hooks {
	return Hooks{
		OnMessage:     r.handleMessage,
		OnUnsubscribe: r.handleUnsubscribe,
	}
}

func (r *Relay) handleMessage(ctx context.Context, conn *Connection, env *Envelope, headers Headers) error {
	received := conn.receivedHeader(env.ID)

	if conn.IsAuthenticated() {
		// Submission: the authenticated user sends to the world. A failed
		// transfer is reported back so the submitting client can retry.
		return r.config.Courier.Deliver(ctx, env, received)
	}

	return r.forwardInbound(ctx, env, received)
}

func (r *Relay) handleUnsubscribe(ctx context.Context, conn *Connection, env *Envelope, headers Headers) error {
	if r.config.OnUnsubscribe != nil {
		for _, recipients := range env.Recipients {
			for _, rcpt := range recipients {
				r.config.OnUnsubscribe(env.From.Mailbox, r.findUser(rcpt.Mailbox))
			}
		}
	}
	r.config.Logger.Info("unsubscribe request",
		slog.String("msg_id", env.ID),
		slog.String("from", env.From.String()),
	)
	return r.handleMessage(ctx, conn, env, headers)
}

// forwardInbound rewrites the recipients to their forward addresses and
// hands the message to the courier. Forwarding failures are logged, not
// bounced; the sending server already got its 250.
func (r *Relay) forwardInbound(ctx context.Context, env *Envelope, received string) error {
	forward := &Envelope{
		ID:       env.ID,
		From:     env.From,
		BodyType: env.BodyType,
		SMTPUTF8: env.SMTPUTF8,
		Spool:    env.Spool,
	}

	seen := make(map[string]bool)
	for _, recipients := range env.Recipients {
		for _, rcpt := range recipients {
			target := r.forwardTarget(rcpt.Mailbox)
			if target.Domain == "" {
				r.config.Logger.Warn("no forward address for recipient",
					slog.String("msg_id", env.ID),
					slog.String("recipient", rcpt.Mailbox.String()),
				)
				continue
			}
			key := target.String()
			if seen[key] {
				continue
			}
			seen[key] = true
			forward.AddRecipient(Path{Mailbox: target})
		}
	}

	if forward.RecipientCount() == 0 {
		return nil
	}

	if err := r.config.Courier.Deliver(ctx, forward, received); err != nil {
		r.config.Logger.Error("inbound forwarding failed",
			slog.String("msg_id", env.ID),
			slog.Any("error", err),
		)
	}
	return nil
}

// forwardTarget picks where mail for a local mailbox goes: the user's own
// forward address when set, otherwise the global one.
func (r *Relay) forwardTarget(mailbox MailboxAddress) MailboxAddress {
	if user := r.findUser(mailbox); user != nil && user.ForwardAddress.Domain != "" {
		return user.ForwardAddress
	}
	return r.config.GlobalForward
}

func (r *Relay) findUser(mailbox MailboxAddress) *User {
	for i := range r.config.Users {
		if r.config.Users[i].Address.Equal(mailbox) {
			return &r.config.Users[i]
		}
	}
	return nil
}

package petrel

import (
	"context"
	"log/slog"
	"time"

	"github.com/petrelmail/petrel/dns"
)

// ServerConfig contains the configuration for a Server.
type ServerConfig struct {
	// Hostname is the server's primary domain, used in the greeting, EHLO
	// response, and Received headers. Required.
	Hostname string

	// Addr is the listen address, defaulting to ":25".
	Addr string

	// Greeting overrides the banner text after the hostname.
	Greeting string

	// MaxMessageSize caps message content in bytes and is advertised via
	// the SIZE extension.
	MaxMessageSize int64

	// MaxConnections caps concurrent client connections; excess
	// connections are closed on accept.
	MaxConnections int

	// MaxRecipients caps RCPT TO commands per transaction.
	MaxRecipients int

	// MaxLineLength caps command line length, defaulting to 512 per
	// RFC 5321 section 4.5.3.1.6.
	MaxLineLength int

	// SessionTimeout is the wall-clock lifetime of a session. Once it
	// elapses the connection is closed regardless of activity.
	SessionTimeout time.Duration

	// ReadTimeout, WriteTimeout, and DataTimeout bound individual socket
	// operations. DataTimeout applies while receiving message content.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	DataTimeout  time.Duration

	// HandshakeTimeout bounds TLS handshakes, both implicit and STARTTLS.
	HandshakeTimeout time.Duration

	// RequireEhloHostMatch rejects clients whose EHLO hostname does not
	// resolve to their connecting IP. Loopback clients are exempt.
	RequireEhloHostMatch bool

	// RequireSPF rejects unauthenticated senders whose domain policy does
	// not authorize the connecting IP. Pass and none proceed. When false,
	// no SPF queries are issued at all.
	RequireSPF bool

	// Users are the accounts that may authenticate and receive mail.
	Users []User

	// Certificates supplies the TLS certificate for STARTTLS and implicit
	// TLS. Nil disables TLS.
	Certificates *CertificateCache

	// Failures tracks counted faults per client IP. Nil disables the
	// failure cache.
	Failures *FailureCache

	// Resolver is used for SPF and EHLO validation. Required when
	// RequireSPF or RequireEhloHostMatch is set.
	Resolver dns.Resolver

	// SpoolDir is where message content is spooled; empty selects the
	// system temp directory.
	SpoolDir string

	// Logger receives structured session logs.
	Logger *slog.Logger

	// Hooks connect the protocol engine to mail handling policy.
	Hooks Hooks
}

// Hooks are the policy callbacks invoked by the server. All are optional.
type Hooks struct {
	// OnConnect runs after the connection is accepted and before the
	// greeting. Returning an error drops the connection with a 554.
	OnConnect func(ctx context.Context, conn *Connection) error

	// OnMessage receives each completed message. The envelope's spool is
	// valid for the duration of the call and released afterwards.
	// Returning an error rejects the message with a 451.
	OnMessage func(ctx context.Context, conn *Connection, env *Envelope, headers Headers) error

	// OnUnsubscribe handles messages whose Subject is exactly
	// "unsubscribe"; such messages bypass OnMessage.
	OnUnsubscribe func(ctx context.Context, conn *Connection, env *Envelope, headers Headers) error

	// OnLoginSuccess and OnLoginFailure observe AUTH outcomes. The
	// username is the presented identity; passwords are never passed.
	OnLoginSuccess func(ctx context.Context, conn *Connection, user *User)
	OnLoginFailure func(ctx context.Context, conn *Connection, username string)
}

// Default limits applied by NewServer.
const (
	DefaultMaxMessageSize = 32 * 1024 * 1024
	DefaultMaxRecipients  = 100
	DefaultMaxConnections = 100
)

func (c *ServerConfig) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":25"
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.MaxRecipients <= 0 {
		c.MaxRecipients = DefaultMaxRecipients
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.MaxLineLength <= 0 {
		c.MaxLineLength = 512
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 5 * time.Minute
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 2 * time.Minute
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Minute
	}
	if c.DataTimeout <= 0 {
		c.DataTimeout = 10 * time.Minute
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Resolver == nil {
		c.Resolver = dns.NewStdResolver()
	}
}

// findUser looks up an account by login name or mailbox address.
func (c *ServerConfig) findUser(identity string) *User {
	for i := range c.Users {
		u := &c.Users[i]
		if u.Name == identity || u.Address.String() == identity {
			return u
		}
	}
	return nil
}

// isLocalRecipient reports whether the address belongs to a configured user.
func (c *ServerConfig) isLocalRecipient(addr MailboxAddress) *User {
	for i := range c.Users {
		if c.Users[i].Address.Equal(addr) {
			return &c.Users[i]
		}
	}
	return nil
}

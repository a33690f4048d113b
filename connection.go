package petrel

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"
)

// ConnectionState represents the current state of an SMTP session per
// RFC 5321 section 4.1.4.
type ConnectionState int

const (
	// StateConnect is the initial state when a client connects. Only the
	// greeting commands are legal here.
	StateConnect ConnectionState = iota
	// StateGreeted indicates EHLO/HELO has been accepted.
	StateGreeted
	// StateMail indicates MAIL FROM has been accepted.
	StateMail
	// StateRcpt indicates at least one RCPT TO has been accepted.
	StateRcpt
	// StateBDAT indicates a chunked transfer is in progress.
	StateBDAT
	// StateQuit indicates QUIT was received and the connection is closing.
	StateQuit
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnect:
		return "CONNECT"
	case StateGreeted:
		return "GREETED"
	case StateMail:
		return "MAIL"
	case StateRcpt:
		return "RCPT"
	case StateBDAT:
		return "BDAT"
	case StateQuit:
		return "QUIT"
	default:
		return "UNKNOWN"
	}
}

// Extension represents an SMTP extension advertised via EHLO.
type Extension string

const (
	Ext8BitMIME            Extension = "8BITMIME"
	ExtPipelining          Extension = "PIPELINING"
	ExtSMTPUTF8            Extension = "SMTPUTF8"
	ExtSTARTTLS            Extension = "STARTTLS"
	ExtSize                Extension = "SIZE"
	ExtAuth                Extension = "AUTH"
	ExtChunking            Extension = "CHUNKING"
	ExtBinaryMIME          Extension = "BINARYMIME"
	ExtEnhancedStatusCodes Extension = "ENHANCEDSTATUSCODES"
)

// TLSInfo contains information about the TLS layer, if established.
type TLSInfo struct {
	Enabled     bool
	Version     uint16
	CipherSuite uint16
	ServerName  string
}

// AuthInfo contains the authenticated identity for the session.
type AuthInfo struct {
	Authenticated   bool
	Mechanism       string
	User            *User
	AuthenticatedAt time.Time
}

// ConnectionTrace carries diagnostic information for logging and Received
// header generation.
type ConnectionTrace struct {
	ID             string
	RemoteAddr     net.Addr
	LocalAddr      net.Addr
	ConnectedAt    time.Time
	ClientHostname string
	CommandCount   int64
}

// Connection is an individual SMTP session. The zero value is not usable;
// construct with newConnection.
type Connection struct {
	conn   net.Conn
	ctx    context.Context
	cancel context.CancelFunc

	reader *bufio.Reader
	writer *bufio.Writer

	mu    sync.RWMutex
	state ConnectionState

	// Trace carries diagnostic information about the session.
	Trace ConnectionTrace

	// TLS describes the TLS layer, when active.
	TLS TLSInfo

	// Auth describes the authenticated identity, when present.
	Auth AuthInfo

	// deadline is the wall-clock point at which the whole session expires,
	// regardless of activity.
	deadline time.Time

	// env is the transaction in progress, nil outside MAIL..DATA/BDAT.
	env *Envelope

	serverHostname string

	closed bool
}

func newConnection(ctx context.Context, conn net.Conn, serverHostname string, sessionTimeout time.Duration) *Connection {
	connCtx, cancel := context.WithCancel(ctx)
	now := time.Now()

	return &Connection{
		conn:           conn,
		ctx:            connCtx,
		cancel:         cancel,
		reader:         bufio.NewReader(conn),
		writer:         bufio.NewWriter(conn),
		state:          StateConnect,
		deadline:       now.Add(sessionTimeout),
		serverHostname: serverHostname,
		Trace: ConnectionTrace{
			RemoteAddr:  conn.RemoteAddr(),
			LocalAddr:   conn.LocalAddr(),
			ConnectedAt: now,
		},
	}
}

// Context returns the connection's context.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// State returns the current session state.
func (c *Connection) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Connection) setState(state ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

// RemoteAddr returns the remote client address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// IsTLS returns whether the connection is encrypted.
func (c *Connection) IsTLS() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.TLS.Enabled
}

// IsAuthenticated returns whether the client has authenticated.
func (c *Connection) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Auth.Authenticated
}

// AuthenticatedUser returns the authenticated account, or nil.
func (c *Connection) AuthenticatedUser() *User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Auth.User
}

// SessionExpired reports whether the session wall clock has run out.
func (c *Connection) SessionExpired() bool {
	return time.Now().After(c.deadline)
}

// readDeadline returns the next socket read deadline, capped by the session
// wall clock.
func (c *Connection) readDeadline(readTimeout time.Duration) time.Time {
	d := time.Now().Add(readTimeout)
	if d.After(c.deadline) {
		return c.deadline
	}
	return d
}

// Envelope returns the transaction in progress, or nil.
func (c *Connection) Envelope() *Envelope {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.env
}

// beginTransaction starts a new mail transaction.
func (c *Connection) beginTransaction(id string) *Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.env = &Envelope{ID: id, BodyType: BodyType7Bit}
	if c.Auth.Authenticated && c.Auth.User != nil {
		c.env.AuthenticatedAs = c.Auth.User.Address.String()
	}
	return c.env
}

// resetTransaction aborts the transaction in progress, releasing the spool
// if one was created. RSET also drops the authenticated identity, forcing a
// fresh AUTH for the next submission.
func (c *Connection) resetTransaction() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.env != nil && c.env.Spool != nil {
		_ = c.env.Spool.Release()
	}
	c.env = nil
	c.Auth = AuthInfo{}
	if c.state != StateConnect {
		c.state = StateGreeted
	}
}

// abortTransaction drops the transaction in progress without touching the
// authenticated identity. Used when message receipt fails mid-way.
func (c *Connection) abortTransaction() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.env != nil && c.env.Spool != nil {
		_ = c.env.Spool.Release()
	}
	c.env = nil
	if c.state != StateConnect {
		c.state = StateGreeted
	}
}

// completeTransaction finalizes the transaction, handing the envelope and
// spool ownership to the caller.
func (c *Connection) completeTransaction() *Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	env := c.env
	c.env = nil
	c.state = StateGreeted
	return env
}

func (c *Connection) setClientHostname(hostname string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Trace.ClientHostname = hostname
}

// Close closes the connection and releases transaction resources.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()

	if c.env != nil && c.env.Spool != nil {
		_ = c.env.Spool.Release()
		c.env = nil
	}

	_ = c.writer.Flush()
	return c.conn.Close()
}

// upgradeToTLS performs the server-side STARTTLS handshake under the given
// deadline and replaces the connection streams. The session state carries
// over: a client that already greeted does not need to greet again.
func (c *Connection) upgradeToTLS(config *tls.Config, handshakeTimeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tlsConn := tls.Server(c.conn, config)
	if err := c.conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return err
	}
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	if err := tlsConn.SetDeadline(time.Time{}); err != nil {
		return err
	}

	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	c.writer = bufio.NewWriter(tlsConn)

	state := tlsConn.ConnectionState()
	c.TLS = TLSInfo{
		Enabled:     true,
		Version:     state.Version,
		CipherSuite: state.CipherSuite,
		ServerName:  state.ServerName,
	}

	return nil
}

// receivedHeader builds the Received trace line for the current transaction
// per RFC 5321 section 4.4 and RFC 3848.
func (c *Connection) receivedHeader(id string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	protocol := "ESMTP"
	if c.TLS.Enabled {
		protocol = "ESMTPS"
	}
	if c.Auth.Authenticated {
		protocol += "A"
	}

	from := c.Trace.ClientHostname
	if from == "" {
		from = "unknown"
	}

	return fmt.Sprintf("from %s (%s) by %s with %s id %s; %s",
		from,
		c.Trace.RemoteAddr.String(),
		c.serverHostname,
		protocol,
		id,
		time.Now().UTC().Format(time.RFC1123Z),
	)
}

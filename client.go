package petrel

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

var (
	ErrClientClosed       = errors.New("smtp: client closed")
	ErrNoConnection       = errors.New("smtp: no connection established")
	ErrTLSAlreadyActive   = errors.New("smtp: TLS already active")
	ErrTLSNotSupported    = errors.New("smtp: STARTTLS not supported by server")
	ErrAuthNotSupported   = errors.New("smtp: AUTH not supported by server")
	ErrUnexpectedResponse = errors.New("smtp: unexpected server response")
)

// ClientConfig holds configuration for the outbound SMTP client.
type ClientConfig struct {
	// LocalName is the hostname presented in EHLO/HELO.
	LocalName string

	// TLSConfig is used for STARTTLS. ServerName is filled from the dialed
	// host when empty.
	TLSConfig *tls.Config

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

func (c *ClientConfig) applyDefaults() {
	if c.LocalName == "" {
		c.LocalName = "localhost"
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 2 * time.Minute
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 2 * time.Minute
	}
}

// Client is an outbound SMTP connection. Methods follow the SMTP command
// sequence and must be called from a single goroutine.
type Client struct {
	config ClientConfig

	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	serverName string
	extensions map[Extension]string
	isTLS      bool
	closed     bool
}

// NewClient creates a client. It does not connect; call DialContext.
func NewClient(config ClientConfig) *Client {
	config.applyDefaults()
	return &Client{
		config:     config,
		extensions: make(map[Extension]string),
	}
}

// ClientResponse is a parsed SMTP server reply, possibly multiline.
type ClientResponse struct {
	Code         int
	EnhancedCode string
	Message      string
	Lines        []string
}

// IsSuccess returns true for 2xx replies.
func (r *ClientResponse) IsSuccess() bool {
	return r.Code >= 200 && r.Code < 300
}

// IsIntermediate returns true for 3xx replies.
func (r *ClientResponse) IsIntermediate() bool {
	return r.Code >= 300 && r.Code < 400
}

// Err returns the reply as an *SMTPError when it indicates failure.
func (r *ClientResponse) Err() error {
	if r.IsSuccess() || r.IsIntermediate() {
		return nil
	}
	return &SMTPError{
		Code:         r.Code,
		EnhancedCode: r.EnhancedCode,
		Message:      r.Message,
	}
}

// SMTPError is an error reply received from the remote server.
type SMTPError struct {
	Code         int
	EnhancedCode string
	Message      string
}

func (e *SMTPError) Error() string {
	if e.EnhancedCode != "" {
		return fmt.Sprintf("smtp %d %s: %s", e.Code, e.EnhancedCode, e.Message)
	}
	return fmt.Sprintf("smtp %d: %s", e.Code, e.Message)
}

// IsPermanent returns true for 5xx replies.
func (e *SMTPError) IsPermanent() bool {
	return e.Code >= 500 && e.Code < 600
}

// IsTransient returns true for 4xx replies.
func (e *SMTPError) IsTransient() bool {
	return e.Code >= 400 && e.Code < 500
}

// DialContext connects to address ("host:port") and reads the greeting.
func (c *Client) DialContext(ctx context.Context, address string) error {
	if c.closed {
		return ErrClientClosed
	}

	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	c.serverName = host

	dialer := &net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("smtp: dial %s: %w", address, err)
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.writer = bufio.NewWriter(conn)

	resp, err := c.readResponse()
	if err != nil {
		conn.Close()
		c.conn = nil
		return fmt.Errorf("smtp: read greeting: %w", err)
	}
	if !resp.IsSuccess() {
		conn.Close()
		c.conn = nil
		return resp.Err()
	}
	return nil
}

// Hello greets the server, preferring EHLO and falling back to HELO for
// servers that do not speak ESMTP.
func (c *Client) Hello() error {
	if c.conn == nil {
		return ErrNoConnection
	}

	resp, err := c.command("EHLO %s", c.config.LocalName)
	if err != nil {
		return err
	}
	if resp.IsSuccess() {
		c.parseExtensions(resp.Lines)
		return nil
	}

	resp, err = c.command("HELO %s", c.config.LocalName)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return resp.Err()
	}
	c.extensions = make(map[Extension]string)
	return nil
}

// Extension reports whether the server advertised ext, with its parameter.
func (c *Client) Extension(ext Extension) (string, bool) {
	param, ok := c.extensions[ext]
	return param, ok
}

// MaxSize returns the advertised SIZE limit, zero when absent or unlimited.
func (c *Client) MaxSize() int64 {
	if param, ok := c.extensions[ExtSize]; ok && param != "" {
		if size, err := strconv.ParseInt(param, 10, 64); err == nil {
			return size
		}
	}
	return 0
}

// IsTLS reports whether the connection is encrypted.
func (c *Client) IsTLS() bool {
	return c.isTLS
}

// StartTLS upgrades the connection and clears the extension set; the caller
// must Hello again afterwards.
func (c *Client) StartTLS() error {
	if c.conn == nil {
		return ErrNoConnection
	}
	if c.isTLS {
		return ErrTLSAlreadyActive
	}
	if _, ok := c.extensions[ExtSTARTTLS]; !ok {
		return ErrTLSNotSupported
	}

	resp, err := c.command("STARTTLS")
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return resp.Err()
	}

	tlsConfig := c.config.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if tlsConfig.ServerName == "" {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.ServerName = c.serverName
	}

	tlsConn := tls.Client(c.conn, tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("smtp: TLS handshake: %w", err)
	}

	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	c.writer = bufio.NewWriter(tlsConn)
	c.isTLS = true
	c.extensions = make(map[Extension]string)

	return nil
}

// Auth authenticates with AUTH PLAIN.
func (c *Client) Auth(username, password string) error {
	if c.conn == nil {
		return ErrNoConnection
	}
	if _, ok := c.extensions[ExtAuth]; !ok {
		return ErrAuthNotSupported
	}

	creds := base64.StdEncoding.EncodeToString([]byte("\x00" + username + "\x00" + password))
	resp, err := c.command("AUTH PLAIN %s", creds)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return resp.Err()
	}
	return nil
}

// MailOptions carries the MAIL FROM extension parameters. Parameters the
// server did not advertise support for are silently omitted.
type MailOptions struct {
	Size     int64
	BodyType BodyType
	SMTPUTF8 bool
}

// Mail starts a transaction with MAIL FROM.
func (c *Client) Mail(from Path, opts MailOptions) error {
	if c.conn == nil {
		return ErrNoConnection
	}

	var params []string
	if _, ok := c.extensions[ExtSize]; ok && opts.Size > 0 {
		params = append(params, fmt.Sprintf("SIZE=%d", opts.Size))
	}
	switch opts.BodyType {
	case BodyType8BitMIME:
		if _, ok := c.extensions[Ext8BitMIME]; ok {
			params = append(params, "BODY=8BITMIME")
		}
	case BodyTypeBinaryMIME:
		if _, ok := c.extensions[ExtBinaryMIME]; ok {
			params = append(params, "BODY=BINARYMIME")
		}
	}
	if opts.SMTPUTF8 {
		if _, ok := c.extensions[ExtSMTPUTF8]; ok {
			params = append(params, "SMTPUTF8")
		}
	}

	cmd := "MAIL FROM:" + from.String()
	if len(params) > 0 {
		cmd += " " + strings.Join(params, " ")
	}

	resp, err := c.command("%s", cmd)
	if err != nil {
		return err
	}
	return resp.Err()
}

// Rcpt adds a recipient with RCPT TO.
func (c *Client) Rcpt(to Path) error {
	if c.conn == nil {
		return ErrNoConnection
	}
	resp, err := c.command("RCPT TO:%s", to.String())
	if err != nil {
		return err
	}
	return resp.Err()
}

// Reset aborts the transaction in progress.
func (c *Client) Reset() error {
	if c.conn == nil {
		return ErrNoConnection
	}
	resp, err := c.command("RSET")
	if err != nil {
		return err
	}
	return resp.Err()
}

// Quit sends QUIT and closes the connection.
func (c *Client) Quit() error {
	if c.conn == nil {
		return ErrNoConnection
	}
	if _, err := c.command("QUIT"); err != nil {
		c.Close()
		return err
	}
	return c.Close()
}

// Close closes the connection without the QUIT exchange.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	c.closed = true
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	c.writer = nil
	return err
}

// command sends a single command line and reads the reply.
func (c *Client) command(format string, args ...any) (*ClientResponse, error) {
	if err := c.writeLine(fmt.Sprintf(format, args...)); err != nil {
		return nil, err
	}
	return c.readResponse()
}

func (c *Client) writeLine(line string) error {
	if c.config.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return err
		}
	}
	if _, err := c.writer.WriteString(line + "\r\n"); err != nil {
		return err
	}
	return c.writer.Flush()
}

// readResponse reads one reply, following continuation lines until the final
// "NNN " line arrives.
func (c *Client) readResponse() (*ClientResponse, error) {
	if c.config.ReadTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout)); err != nil {
			return nil, err
		}
	}

	var lines []string
	code := 0

	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")

		if len(line) < 3 {
			return nil, fmt.Errorf("%w: short line %q", ErrUnexpectedResponse, line)
		}
		lineCode, err := strconv.Atoi(line[:3])
		if err != nil {
			return nil, fmt.Errorf("%w: bad code %q", ErrUnexpectedResponse, line)
		}
		if code == 0 {
			code = lineCode
		} else if lineCode != code {
			return nil, fmt.Errorf("%w: inconsistent codes %d and %d", ErrUnexpectedResponse, code, lineCode)
		}

		message := ""
		if len(line) > 4 {
			message = line[4:]
		}
		lines = append(lines, message)

		if len(line) == 3 || line[3] == ' ' {
			break
		}
	}

	resp := &ClientResponse{
		Code:    code,
		Message: strings.Join(lines, "\n"),
		Lines:   lines,
	}
	if len(lines) > 0 {
		resp.EnhancedCode = parseEnhancedCode(lines[0])
	}
	return resp, nil
}

// parseExtensions fills the extension set from EHLO reply lines. The first
// line is the server greeting and carries no extension.
func (c *Client) parseExtensions(lines []string) {
	c.extensions = make(map[Extension]string)
	if len(lines) < 2 {
		return
	}
	for _, line := range lines[1:] {
		keyword, param, _ := strings.Cut(line, " ")
		c.extensions[Extension(strings.ToUpper(keyword))] = param
	}
}

// parseEnhancedCode extracts a leading "X.Y.Z" enhanced status code.
func parseEnhancedCode(msg string) string {
	code, _, _ := strings.Cut(msg, " ")
	parts := strings.Split(code, ".")
	if len(parts) != 3 {
		return ""
	}
	for _, p := range parts {
		if _, err := strconv.Atoi(p); err != nil {
			return ""
		}
	}
	return code
}

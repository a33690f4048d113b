package petrel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	petrelio "github.com/petrelmail/petrel/io"
	"github.com/petrelmail/petrel/utils"
)

// Server is the SMTP daemon. It accepts connections, drives the session
// state machine, and hands completed messages to the configured hooks.
type Server struct {
	config   ServerConfig
	listener net.Listener

	connMu      sync.Mutex
	connections map[*Connection]struct{}
	connCount   atomic.Int64

	ctx        context.Context
	cancel     context.CancelFunc
	shutdownWg sync.WaitGroup
	closed     atomic.Bool
}

// NewServer creates a server from the configuration. Hostname is required;
// everything else has working defaults.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Hostname == "" {
		return nil, errors.New("smtp: hostname is required")
	}
	config.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:      config,
		connections: make(map[*Connection]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// ListenAndServe starts the server on the configured address.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("smtp: failed to listen: %w", err)
	}
	return s.Serve(listener)
}

// Serve accepts connections on the listener until Shutdown or Close.
func (s *Server) Serve(listener net.Listener) error {
	s.listener = listener

	s.config.Logger.Info("server started",
		slog.String("addr", listener.Addr().String()),
		slog.String("hostname", s.config.Hostname),
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return ErrServerClosed
			}
			s.config.Logger.Error("accept error", slog.Any("error", err))
			continue
		}

		if s.connCount.Load() >= int64(s.config.MaxConnections) {
			s.config.Logger.Warn("connection limit reached",
				slog.String("remote", conn.RemoteAddr().String()),
			)
			_ = conn.Close()
			continue
		}

		s.shutdownWg.Add(1)
		go s.handleConnection(conn)
	}
}

// Shutdown stops accepting connections, notifies connected clients with a
// 421, and waits for active sessions to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closed.Store(true)
	s.cancel()

	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.sendShutdownResponse()

	done := make(chan struct{})
	go func() {
		s.shutdownWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.connMu.Lock()
		for conn := range s.connections {
			_ = conn.Close()
		}
		s.connMu.Unlock()
		return ctx.Err()
	}
}

// Close shuts the server down immediately.
func (s *Server) Close() error {
	s.closed.Store(true)
	s.cancel()

	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.sendShutdownResponse()

	s.connMu.Lock()
	for conn := range s.connections {
		_ = conn.Close()
	}
	s.connMu.Unlock()

	return nil
}

// sendShutdownResponse sends 421 to every connected client per RFC 5321
// section 3.8 and closes the sockets to unblock pending reads.
func (s *Server) sendShutdownResponse() {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	for conn := range s.connections {
		_ = conn.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		line := ResponseServiceUnavailable(s.config.Hostname, "Service shutting down").String() + "\r\n"
		_, _ = conn.writer.WriteString(line)
		_ = conn.writer.Flush()
		_ = conn.conn.Close()
	}
}

// handleConnection runs one client session from accept to close.
func (s *Server) handleConnection(netConn net.Conn) {
	defer s.shutdownWg.Done()

	ip, _ := utils.GetIPFromAddr(netConn.RemoteAddr())

	// Blocked IPs are dropped before a single protocol byte is exchanged.
	if s.config.Failures != nil && s.config.Failures.Blocked(ip) {
		s.config.Logger.Warn("connection dropped",
			slog.String("remote", netConn.RemoteAddr().String()),
			slog.String("reason", FaultRateLimited.String()),
		)
		_ = netConn.Close()
		return
	}

	conn := newConnection(s.ctx, netConn, s.config.Hostname, s.config.SessionTimeout)
	conn.Trace.ID = utils.GenerateID()

	s.connMu.Lock()
	s.connections[conn] = struct{}{}
	s.connMu.Unlock()
	s.connCount.Add(1)

	defer func() {
		s.connMu.Lock()
		delete(s.connections, conn)
		s.connMu.Unlock()
		s.connCount.Add(-1)
		_ = conn.Close()
	}()

	logger := s.config.Logger.With(
		slog.String("conn_id", conn.Trace.ID),
		slog.String("remote", conn.RemoteAddr().String()),
	)

	// Ports 465 and 587 negotiate TLS before any SMTP traffic.
	if implicitTLSPort(netConn.LocalAddr()) {
		if err := s.negotiateImplicitTLS(conn); err != nil {
			s.recordFault(conn, ip, logger, faultOf(FaultTLS, err))
			return
		}
	}

	logger.Info("client connected")

	if s.config.Hooks.OnConnect != nil {
		if err := s.config.Hooks.OnConnect(conn.Context(), conn); err != nil {
			logger.Warn("connection rejected", slog.Any("error", err))
			s.writeResponse(conn, ResponseTransactionFailed("Connection rejected", ESCPermFailure))
			return
		}
	}

	greeting := s.config.Greeting
	if greeting == "" {
		greeting = fmt.Sprintf("ESMTP ready [%s]", conn.Trace.ID)
	}
	s.writeResponse(conn, ResponseServiceReady(s.config.Hostname, greeting))

	s.commandLoop(conn, ip, logger)

	logger.Info("client disconnected",
		slog.Int64("commands", conn.Trace.CommandCount),
	)
}

func implicitTLSPort(addr net.Addr) bool {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return false
	}
	return tcp.Port == 465 || tcp.Port == 587
}

func (s *Server) negotiateImplicitTLS(conn *Connection) error {
	if !s.config.Certificates.Available() {
		return ErrTLSUnavailable
	}
	tlsConfig, err := s.config.Certificates.TLSConfig()
	if err != nil {
		return err
	}
	return conn.upgradeToTLS(tlsConfig, s.config.HandshakeTimeout)
}

// commandLoop reads and dispatches commands until the session ends. A single
// Fault terminates the session; counted kinds are recorded against the
// client IP.
func (s *Server) commandLoop(conn *Connection, ip net.IP, logger *slog.Logger) {
	for {
		select {
		case <-conn.Context().Done():
			return
		default:
		}

		if conn.SessionExpired() {
			s.writeResponse(conn, ResponseServiceUnavailable(s.config.Hostname, "Session timeout"))
			return
		}

		if err := conn.conn.SetReadDeadline(conn.readDeadline(s.config.ReadTimeout)); err != nil {
			return
		}

		line, err := petrelio.ReadLine(conn.reader, s.config.MaxLineLength, false)
		if err != nil {
			switch {
			case err == io.EOF, errors.Is(err, net.ErrClosed):
				return
			case errors.Is(err, petrelio.ErrLineTooLong):
				s.writeResponse(conn, ResponseSyntaxError("Line too long"))
				s.recordFault(conn, ip, logger, faultOf(FaultProtocol, err))
				return
			case errors.Is(err, petrelio.ErrBadLineEnding):
				s.writeResponse(conn, ResponseSyntaxError("Line must end with CRLF"))
				s.recordFault(conn, ip, logger, faultOf(FaultProtocol, err))
				return
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				s.writeResponse(conn, ResponseServiceUnavailable(s.config.Hostname, "Timeout waiting for command"))
				return
			}
			logger.Error("read error", slog.Any("error", err))
			return
		}

		conn.Trace.CommandCount++

		cmd, args, err := parseCommand(line)
		if err != nil {
			s.writeResponse(conn, ResponseCommandNotRecognized(truncateForLog(line)))
			s.recordFault(conn, ip, logger, faultOf(FaultProtocol, ErrInvalidCommand))
			return
		}

		logger.Debug("command received", slog.String("cmd", string(cmd)))

		// Before the client introduces itself only session-level commands
		// are legal.
		if conn.State() == StateConnect && !allowedBeforeGreeting(cmd) {
			s.writeResponse(conn, ResponseBadSequence("Send EHLO first"))
			s.recordFault(conn, ip, logger, faultOf(FaultProtocol,
				fmt.Errorf("%s before greeting", cmd)))
			return
		}

		resp, ferr := s.handleCommand(conn, cmd, args, logger)
		if ferr != nil {
			if resp != nil {
				s.writeResponse(conn, *resp)
			}
			s.recordFault(conn, ip, logger, AsFault(ferr))
			return
		}
		if resp != nil {
			s.writeResponse(conn, *resp)
		}

		if conn.State() == StateQuit {
			return
		}
	}
}

func allowedBeforeGreeting(cmd Command) bool {
	switch cmd {
	case CmdHelo, CmdEhlo, CmdStartTLS, CmdNoop, CmdQuit, CmdHelp:
		return true
	}
	return false
}

// recordFault logs a session-ending fault and, for counted kinds, charges
// it against the client IP.
func (s *Server) recordFault(conn *Connection, ip net.IP, logger *slog.Logger, f *Fault) {
	logger.Warn("session fault",
		slog.String("kind", f.Kind.String()),
		slog.Any("error", f.Err),
	)
	if f.Kind.Counted() && s.config.Failures != nil {
		s.config.Failures.Record(ip)
	}
}

// handleCommand dispatches one command. A returned error is a Fault that
// ends the session after the response is written.
func (s *Server) handleCommand(conn *Connection, cmd Command, args string, logger *slog.Logger) (*Response, error) {
	switch cmd {
	case CmdHelo:
		return s.handleHelo(conn, args)
	case CmdEhlo:
		return s.handleEhlo(conn, args)
	case CmdMail:
		return s.handleMail(conn, args)
	case CmdRcpt:
		return s.handleRcpt(conn, args)
	case CmdData:
		return s.handleData(conn, logger)
	case CmdBdat:
		return s.handleBDAT(conn, args, logger)
	case CmdRset:
		return s.handleRset(conn)
	case CmdNoop:
		return respond(ResponseOK("OK", ESCSuccess)), nil
	case CmdHelp:
		return s.handleHelp(conn)
	case CmdQuit:
		conn.setState(StateQuit)
		return respond(ResponseServiceClosing(s.config.Hostname, "Service closing transmission channel")), nil
	case CmdStartTLS:
		return s.handleStartTLS(conn)
	case CmdAuth:
		return s.handleAuth(conn, args, logger)
	default:
		return respond(ResponseCommandNotRecognized(string(cmd))),
			faultOf(FaultProtocol, ErrInvalidCommand)
	}
}

func respond(r Response) *Response {
	return &r
}

func truncateForLog(line string) string {
	if len(line) > 32 {
		return line[:32]
	}
	return line
}

// writeResponse sends one reply line.
func (s *Server) writeResponse(conn *Connection, resp Response) {
	if err := conn.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout)); err != nil {
		return
	}

	if _, err := conn.writer.WriteString(resp.String() + "\r\n"); err != nil {
		return
	}
	_ = conn.writer.Flush()
}

// writeMultilineResponse sends a reply spanning several lines, hyphenated per
// RFC 5321 section 4.1.1.
func (s *Server) writeMultilineResponse(conn *Connection, code SMTPCode, lines []string) {
	if err := conn.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout)); err != nil {
		return
	}

	for i, line := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		if _, err := fmt.Fprintf(conn.writer, "%d%s%s\r\n", code, sep, line); err != nil {
			return
		}
	}
	_ = conn.writer.Flush()
}

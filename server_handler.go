package petrel

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	petrelio "github.com/petrelmail/petrel/io"
	"github.com/petrelmail/petrel/spf"
	"github.com/petrelmail/petrel/utils"
)

func (s *Server) handleHelo(conn *Connection, args string) (*Response, error) {
	hostname := strings.TrimSpace(args)
	if hostname == "" {
		return respond(ResponseSyntaxError("HELO requires a domain")), nil
	}

	if err := s.validateEhloHost(conn, hostname); err != nil {
		return respond(ResponseMailboxNotFound("Hostname does not match connecting address")),
			faultOf(FaultProtocol, err)
	}

	conn.setClientHostname(hostname)
	conn.abortTransaction()
	conn.setState(StateGreeted)

	return respond(ResponseOK(s.config.Hostname, "")), nil
}

func (s *Server) handleEhlo(conn *Connection, args string) (*Response, error) {
	hostname := strings.TrimSpace(args)
	if hostname == "" {
		return respond(ResponseSyntaxError("EHLO requires a domain")), nil
	}

	if err := s.validateEhloHost(conn, hostname); err != nil {
		return respond(ResponseMailboxNotFound("Hostname does not match connecting address")),
			faultOf(FaultProtocol, err)
	}

	conn.setClientHostname(hostname)
	conn.abortTransaction()
	conn.setState(StateGreeted)

	s.writeMultilineResponse(conn, CodeOK, s.buildExtensions(conn, hostname))
	return nil, nil
}

// validateEhloHost enforces RequireEhloHostMatch: the EHLO argument must be a
// hostname that resolves to the connecting IP, or whose reverse record names
// it. Loopback clients are exempt so local tooling keeps working.
func (s *Server) validateEhloHost(conn *Connection, hostname string) error {
	if !s.config.RequireEhloHostMatch {
		return nil
	}

	ip, err := utils.GetIPFromAddr(conn.RemoteAddr())
	if err != nil {
		return err
	}
	if ip.IsLoopback() {
		return nil
	}

	// Address literals carry no identity worth validating; reject them
	// outright when matching is required.
	bare := strings.TrimSuffix(strings.TrimPrefix(hostname, "["), "]")
	if net.ParseIP(bare) != nil {
		return fmt.Errorf("smtp: EHLO address literal %q not allowed", hostname)
	}

	ctx := conn.Context()
	if ips, err := s.config.Resolver.LookupIP(ctx, "ip", hostname); err == nil {
		for _, resolved := range ips {
			if resolved.Equal(ip) {
				return nil
			}
		}
	}
	if names, err := s.config.Resolver.LookupAddr(ctx, ip); err == nil {
		for _, name := range names {
			if strings.EqualFold(name, hostname) {
				return nil
			}
		}
	}

	return fmt.Errorf("smtp: EHLO hostname %q does not resolve to %s", hostname, ip)
}

func (s *Server) buildExtensions(conn *Connection, clientHostname string) []string {
	lines := []string{
		fmt.Sprintf("%s greets %s", s.config.Hostname, clientHostname),
		fmt.Sprintf("%s %d", ExtSize, s.config.MaxMessageSize),
		string(Ext8BitMIME),
		string(ExtPipelining),
		string(ExtEnhancedStatusCodes),
		string(ExtChunking),
		string(ExtBinaryMIME),
		string(ExtSMTPUTF8),
	}

	if len(s.config.Users) > 0 {
		lines = append(lines, fmt.Sprintf("%s PLAIN LOGIN", ExtAuth))
	}
	if s.config.Certificates.Available() && !conn.IsTLS() {
		lines = append(lines, string(ExtSTARTTLS))
	}

	lines = append(lines, "HELP")
	return lines
}

func (s *Server) handleMail(conn *Connection, args string) (*Response, error) {
	if conn.State() != StateGreeted {
		return respond(ResponseBadSequence("MAIL not allowed now")),
			faultOf(FaultProtocol, errors.New("smtp: MAIL out of sequence"))
	}

	if len(args) < 5 || !strings.EqualFold(args[:5], "FROM:") {
		return respond(ResponseSyntaxError("Syntax: MAIL FROM:<address>")), nil
	}

	from, params, err := parsePathWithParams(args[5:])
	if err != nil {
		return respond(ResponseSyntaxError("Invalid reverse-path")), nil
	}

	env := &Envelope{BodyType: BodyType7Bit, From: from}

	for key, value := range params {
		switch key {
		case "SIZE":
			size, err := strconv.ParseInt(value, 10, 64)
			if err != nil || size < 0 {
				return respond(ResponseSyntaxError("Invalid SIZE parameter")), nil
			}
			if size > s.config.MaxMessageSize {
				return respond(ResponseExceededStorage("Message size exceeds limit")), nil
			}
			env.DeclaredSize = size
		case "BODY":
			switch BodyType(strings.ToUpper(value)) {
			case BodyType7Bit:
				env.BodyType = BodyType7Bit
			case BodyType8BitMIME:
				env.BodyType = BodyType8BitMIME
			case BodyTypeBinaryMIME:
				env.BodyType = BodyTypeBinaryMIME
			default:
				return respond(Response{
					Code:         CodeParamsNotRecognized,
					EnhancedCode: string(ESCInvalidArgs),
					Message:      "Unknown BODY type",
				}), nil
			}
		case "SMTPUTF8":
			if value != "" {
				return respond(ResponseSyntaxError("SMTPUTF8 takes no value")), nil
			}
			env.SMTPUTF8 = true
		default:
			return respond(Response{
				Code:         CodeParamsNotRecognized,
				EnhancedCode: string(ESCInvalidArgs),
				Message:      fmt.Sprintf("Parameter %s not recognized", key),
			}), nil
		}
	}

	// Authenticated submissions must use the account's own address.
	if user := conn.AuthenticatedUser(); user != nil {
		if from.IsNull() || !from.Mailbox.Equal(user.Address) {
			return respond(Response{
				Code:         CodeMailboxNameInvalid,
				EnhancedCode: string(ESCDeliveryNotAuth),
				Message:      "Sender address must match authenticated user",
			}), nil
		}
	} else if resp := s.checkSPF(conn, from); resp != nil {
		return resp, nil
	}

	started := conn.beginTransaction(utils.GenerateID())
	started.From = from
	started.BodyType = env.BodyType
	started.DeclaredSize = env.DeclaredSize
	started.SMTPUTF8 = env.SMTPUTF8
	conn.setState(StateMail)

	return respond(ResponseOK("OK", ESCSuccess)), nil
}

// checkSPF evaluates the sender domain policy for unauthenticated clients.
// Pass and none proceed; fail, softfail, and permerror reject the sender;
// temperror asks the client to retry. No queries are issued when RequireSPF
// is off.
func (s *Server) checkSPF(conn *Connection, from Path) *Response {
	if !s.config.RequireSPF {
		return nil
	}

	ip, err := utils.GetIPFromAddr(conn.RemoteAddr())
	if err != nil {
		return respond(ResponseLocalError("Cannot determine client address"))
	}

	helo := conn.Trace.ClientHostname
	status, mechanism, err := spf.Verify(conn.Context(), s.config.Resolver, spf.Args{
		RemoteIP:       ip,
		MailFromDomain: from.Mailbox.Domain,
		HelloDomain:    helo,
		HelloIsIP:      net.ParseIP(strings.Trim(helo, "[]")) != nil,
	})

	switch status {
	case spf.StatusPass, spf.StatusNone, spf.StatusNeutral:
		return nil
	case spf.StatusTemperror:
		return respond(ResponseLocalError("SPF check failed temporarily, try again later"))
	default:
		s.config.Logger.Info("sender rejected by SPF",
			slog.String("conn_id", conn.Trace.ID),
			slog.String("domain", from.Mailbox.Domain),
			slog.String("status", string(status)),
			slog.String("mechanism", mechanism),
			slog.Any("error", err),
		)
		return respond(Response{
			Code:         CodeMailboxNotFound,
			EnhancedCode: string(ESCDeliveryNotAuth),
			Message:      fmt.Sprintf("SPF %s for %s", status, from.Mailbox.Domain),
		})
	}
}

func (s *Server) handleRcpt(conn *Connection, args string) (*Response, error) {
	if state := conn.State(); state != StateMail && state != StateRcpt {
		return respond(ResponseBadSequence("RCPT not allowed now")),
			faultOf(FaultProtocol, errors.New("smtp: RCPT out of sequence"))
	}

	if len(args) < 3 || !strings.EqualFold(args[:3], "TO:") {
		return respond(ResponseSyntaxError("Syntax: RCPT TO:<address>")), nil
	}

	to, params, err := parsePathWithParams(args[3:])
	if err != nil || to.IsNull() {
		return respond(ResponseSyntaxError("Invalid forward-path")), nil
	}
	if len(params) > 0 {
		return respond(Response{
			Code:         CodeParamsNotRecognized,
			EnhancedCode: string(ESCInvalidArgs),
			Message:      "RCPT parameters not supported",
		}), nil
	}

	env := conn.Envelope()
	if env.RecipientCount() >= s.config.MaxRecipients {
		return respond(Response{
			Code:         CodeInsufficientStorage,
			EnhancedCode: string(ESCTempInsufficientStorage),
			Message:      "Too many recipients",
		}), nil
	}

	// Unauthenticated mail must be addressed to a local account; anything
	// else would make this an open relay.
	if !conn.IsAuthenticated() && s.config.isLocalRecipient(to.Mailbox) == nil {
		return respond(ResponseMailboxNotFound(
			fmt.Sprintf("Mailbox %s not found", to.Mailbox.String()))), nil
	}

	env.AddRecipient(to)
	conn.setState(StateRcpt)

	return respond(ResponseOK("OK", ESCRecipientValid)), nil
}

func (s *Server) handleData(conn *Connection, logger *slog.Logger) (*Response, error) {
	if conn.State() != StateRcpt {
		return respond(ResponseBadSequence("DATA requires at least one recipient")),
			faultOf(FaultProtocol, errors.New("smtp: DATA out of sequence"))
	}

	env := conn.Envelope()
	if env.BodyType == BodyTypeBinaryMIME {
		return respond(ResponseBadSequence("BINARYMIME messages must use BDAT")),
			faultOf(FaultProtocol, errors.New("smtp: DATA with BINARYMIME body"))
	}

	s.writeResponse(conn, Response{
		Code:    CodeStartMailInput,
		Message: "Start mail input; end with <CRLF>.<CRLF>",
	})

	if err := conn.conn.SetReadDeadline(time.Now().Add(s.config.DataTimeout)); err != nil {
		return nil, faultOf(FaultNetwork, err)
	}

	spool, err := NewSpool(s.config.SpoolDir)
	if err != nil {
		logger.Error("spool create failed", slog.Any("error", err))
		conn.abortTransaction()
		return respond(ResponseLocalError("Local error in processing")), nil
	}
	env.Spool = spool

	w := bufio.NewWriter(spool.File())
	written, term, err := petrelio.ReadDotBody(conn.reader, w, s.config.MaxMessageSize)
	if err != nil {
		if errors.Is(err, petrelio.ErrBodyTooLarge) {
			// The stream was drained through the terminator, so the
			// session stays usable.
			conn.abortTransaction()
			return respond(ResponseExceededStorage("")), nil
		}
		conn.abortTransaction()
		return nil, faultOf(FaultNetwork, err)
	}

	if err := w.Flush(); err != nil {
		conn.abortTransaction()
		return respond(ResponseLocalError("Local error in processing")), nil
	}
	if err := spool.Truncate(written - term); err != nil {
		conn.abortTransaction()
		return respond(ResponseLocalError("Local error in processing")), nil
	}

	return s.finishMessage(conn, logger), nil
}

func (s *Server) handleBDAT(conn *Connection, args string, logger *slog.Logger) (*Response, error) {
	if state := conn.State(); state != StateRcpt && state != StateBDAT {
		return respond(ResponseBadSequence("BDAT requires at least one recipient")),
			faultOf(FaultProtocol, errors.New("smtp: BDAT out of sequence"))
	}

	fields := strings.Fields(args)
	if len(fields) == 0 || len(fields) > 2 {
		return respond(ResponseSyntaxError("Syntax: BDAT size [LAST]")), nil
	}
	size, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || size < 0 {
		return respond(ResponseSyntaxError("Invalid chunk size")), nil
	}
	last := false
	if len(fields) == 2 {
		if !strings.EqualFold(fields[1], "LAST") {
			return respond(ResponseSyntaxError("Syntax: BDAT size [LAST]")), nil
		}
		last = true
	}

	env := conn.Envelope()

	if err := conn.conn.SetReadDeadline(time.Now().Add(s.config.DataTimeout)); err != nil {
		return nil, faultOf(FaultNetwork, err)
	}

	// Once the limit is blown every remaining chunk is drained and
	// refused; the transaction dies when LAST arrives.
	if env.chunkingFailed || env.received+size > s.config.MaxMessageSize {
		env.chunkingFailed = true
		if err := petrelio.DiscardChunk(conn.reader, size); err != nil {
			conn.abortTransaction()
			return nil, faultOf(FaultNetwork, err)
		}
		if last {
			conn.abortTransaction()
		}
		return respond(ResponseExceededStorage("")), nil
	}

	if env.Spool == nil {
		spool, err := NewSpool(s.config.SpoolDir)
		if err != nil {
			logger.Error("spool create failed", slog.Any("error", err))
			if derr := petrelio.DiscardChunk(conn.reader, size); derr != nil {
				conn.abortTransaction()
				return nil, faultOf(FaultNetwork, derr)
			}
			conn.abortTransaction()
			return respond(ResponseLocalError("Local error in processing")), nil
		}
		env.Spool = spool
		conn.setState(StateBDAT)
	}

	if err := petrelio.ReadChunk(conn.reader, env.Spool.File(), size); err != nil {
		conn.abortTransaction()
		return nil, faultOf(FaultNetwork, err)
	}
	env.received += size
	env.Spool.SetSize(env.received)

	if !last {
		return respond(ResponseOK(fmt.Sprintf("%d octets received", size), ESCSuccess)), nil
	}

	total := env.received
	resp := s.finishMessage(conn, logger)
	if resp.Code == CodeOK {
		resp.Message = fmt.Sprintf("%d octets received, %s", total, resp.Message)
	}
	return resp, nil
}

// finishMessage runs the completion path shared by DATA and BDAT: parse the
// header section, dispatch to policy hooks, and release the spool.
func (s *Server) finishMessage(conn *Connection, logger *slog.Logger) *Response {
	env := conn.completeTransaction()
	defer func() {
		if env.Spool != nil {
			_ = env.Spool.Release()
		}
	}()

	headers, err := env.Spool.Headers()
	if err != nil {
		logger.Error("header parse failed", slog.Any("error", err))
		return respond(ResponseLocalError("Local error in processing"))
	}

	logger.Info("message received",
		slog.String("msg_id", env.ID),
		slog.String("from", env.From.String()),
		slog.Int("recipients", env.RecipientCount()),
		slog.Int64("bytes", env.Spool.Size()),
	)

	hook := s.config.Hooks.OnMessage
	if s.config.Hooks.OnUnsubscribe != nil && headers.Get("Subject") == "unsubscribe" {
		hook = s.config.Hooks.OnUnsubscribe
	}

	if hook != nil {
		if err := hook(conn.Context(), conn, env, headers); err != nil {
			logger.Warn("message rejected", slog.String("msg_id", env.ID), slog.Any("error", err))
			return respond(ResponseLocalError("Local error in processing"))
		}
	}

	return respond(ResponseOK(fmt.Sprintf("OK: queued as %s", env.ID), ESCMessageAccepted))
}

func (s *Server) handleRset(conn *Connection) (*Response, error) {
	conn.resetTransaction()
	return respond(ResponseOK("OK", ESCSuccess)), nil
}

func (s *Server) handleHelp(conn *Connection) (*Response, error) {
	s.writeMultilineResponse(conn, CodeHelpMessage, []string{
		"Commands supported:",
		"EHLO HELO MAIL RCPT DATA BDAT RSET NOOP QUIT HELP AUTH STARTTLS",
	})
	return nil, nil
}

func (s *Server) handleStartTLS(conn *Connection) (*Response, error) {
	if conn.IsTLS() {
		return respond(ResponseBadSequence("TLS already active")),
			faultOf(FaultProtocol, errors.New("smtp: STARTTLS inside TLS session"))
	}
	if conn.Envelope() != nil {
		return respond(ResponseBadSequence("STARTTLS not allowed during a transaction")),
			faultOf(FaultProtocol, errors.New("smtp: STARTTLS during transaction"))
	}
	if !s.config.Certificates.Available() {
		return respond(ResponseCommandNotImplemented("STARTTLS")), nil
	}

	tlsConfig, err := s.config.Certificates.TLSConfig()
	if err != nil {
		return respond(ResponseLocalError("TLS not available")), nil
	}

	s.writeResponse(conn, Response{Code: CodeServiceReady, Message: "Ready to start TLS"})

	if err := conn.upgradeToTLS(tlsConfig, s.config.HandshakeTimeout); err != nil {
		return nil, faultOf(FaultTLS, err)
	}
	return nil, nil
}

package petrel

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	petrelio "github.com/petrelmail/petrel/io"
	"github.com/petrelmail/petrel/sasl"
	"github.com/petrelmail/petrel/utils"
)

// handleAuth runs the AUTH exchange per RFC 4954. Rejected credentials are
// counted against the client IP but the session continues unauthenticated; a
// malformed exchange ends the session.
func (s *Server) handleAuth(conn *Connection, args string, logger *slog.Logger) (*Response, error) {
	if conn.State() != StateGreeted {
		return respond(ResponseBadSequence("AUTH not allowed now")),
			faultOf(FaultProtocol, errors.New("smtp: AUTH out of sequence"))
	}
	if conn.IsAuthenticated() {
		return respond(ResponseBadSequence("Already authenticated")),
			faultOf(FaultProtocol, errors.New("smtp: repeated AUTH"))
	}
	if len(s.config.Users) == 0 {
		return respond(ResponseCommandNotImplemented("AUTH")), nil
	}

	name, initial, _ := strings.Cut(args, " ")
	mech := sasl.New(strings.ToUpper(name))
	if mech == nil {
		return respond(Response{
			Code:         CodeUnrecognizedAuthType,
			EnhancedCode: string(ESCSecurityError),
			Message:      fmt.Sprintf("Mechanism %s not supported", name),
		}), nil
	}

	creds, err := s.runSASLExchange(conn, mech, strings.TrimSpace(initial))
	if err != nil {
		if errors.Is(err, sasl.ErrCancelled) {
			return respond(ResponseSyntaxError("Authentication cancelled")), nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, io.EOF) {
			return nil, faultOf(FaultNetwork, err)
		}
		return respond(ResponseAuthCredentialsInvalid("")), faultOf(FaultAuth, err)
	}

	user := s.authenticate(creds)
	if user == nil {
		if s.config.Hooks.OnLoginFailure != nil {
			s.config.Hooks.OnLoginFailure(conn.Context(), conn, creds.Identity())
		}
		logger.Warn("authentication failed",
			slog.String("mechanism", mech.Name()),
			slog.String("username", creds.Identity()),
		)
		if s.config.Failures != nil {
			if ip, iperr := utils.GetIPFromAddr(conn.RemoteAddr()); iperr == nil {
				s.config.Failures.Record(ip)
			}
		}
		return respond(ResponseAuthCredentialsInvalid("")), nil
	}

	conn.mu.Lock()
	conn.Auth = AuthInfo{
		Authenticated:   true,
		Mechanism:       mech.Name(),
		User:            user,
		AuthenticatedAt: time.Now(),
	}
	conn.mu.Unlock()

	if s.config.Hooks.OnLoginSuccess != nil {
		s.config.Hooks.OnLoginSuccess(conn.Context(), conn, user)
	}
	logger.Info("authentication succeeded",
		slog.String("mechanism", mech.Name()),
		slog.String("username", user.Name),
	)

	return respond(Response{
		Code:         CodeAuthSuccess,
		EnhancedCode: string(ESCSecuritySuccess),
		Message:      "Authentication successful",
	}), nil
}

// runSASLExchange drives the challenge loop until the mechanism completes.
func (s *Server) runSASLExchange(conn *Connection, mech sasl.Mechanism, initial string) (*sasl.Credentials, error) {
	challenge, done, err := mech.Start(initial)
	for !done {
		if err != nil {
			return nil, err
		}

		s.writeResponse(conn, Response{Code: CodeAuthContinue, Message: challenge})

		if derr := conn.conn.SetReadDeadline(conn.readDeadline(s.config.ReadTimeout)); derr != nil {
			return nil, derr
		}
		line, rerr := petrelio.ReadLine(conn.reader, s.config.MaxLineLength, false)
		if rerr != nil {
			return nil, rerr
		}

		challenge, done, err = mech.Next(strings.TrimSpace(line))
	}
	if err != nil {
		return nil, err
	}
	return mech.Credentials(), nil
}

// authenticate checks the presented credentials against the configured
// accounts. The comparison runs in constant time regardless of whether the
// user exists.
func (s *Server) authenticate(creds *sasl.Credentials) *User {
	user := s.config.findUser(creds.AuthenticationID)

	expected := ""
	if user != nil {
		expected = user.Password
	}

	match := subtle.ConstantTimeCompare([]byte(expected), []byte(creds.Password)) == 1
	if user == nil || !match {
		return nil
	}
	return user
}

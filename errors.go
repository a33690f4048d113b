package petrel

import (
	"errors"
	"fmt"
)

var (
	ErrServerClosed      = errors.New("smtp: server closed")
	ErrTooManyRecipients = errors.New("smtp: too many recipients")
	ErrMessageTooLarge   = errors.New("smtp: message too large")
	ErrTimeout           = errors.New("smtp: timeout")
	ErrTLSUnavailable    = errors.New("smtp: no TLS certificate available")
	ErrAuthRequired      = errors.New("smtp: authentication required")
	ErrInvalidCommand    = errors.New("smtp: invalid command")
	ErrSpoolReleased     = errors.New("smtp: spool already released")
)

// FaultKind classifies a session-ending failure. The kind decides the reply
// sent to the client and whether the failure counts against the client IP in
// the failure cache. A plain socket disconnect is not a fault and is never
// counted.
type FaultKind int

const (
	// FaultProtocol is a violation of the command grammar or sequencing,
	// including commands issued before the client has introduced itself.
	FaultProtocol FaultKind = iota

	// FaultAuth is a failed AUTH exchange.
	FaultAuth

	// FaultNetwork is a transient socket or DNS failure. Not counted.
	FaultNetwork

	// FaultTLS is a failed or timed-out TLS handshake.
	FaultTLS

	// FaultRateLimited marks a connection from a blocked IP.
	FaultRateLimited

	// FaultFatal is an unexpected internal error. Not counted.
	FaultFatal
)

func (k FaultKind) String() string {
	switch k {
	case FaultProtocol:
		return "protocol_violation"
	case FaultAuth:
		return "auth_failure"
	case FaultNetwork:
		return "network_failure"
	case FaultTLS:
		return "tls_failure"
	case FaultRateLimited:
		return "rate_limited"
	default:
		return "fatal"
	}
}

// Counted reports whether a fault of this kind increments the failure cache
// entry for the client IP.
func (k FaultKind) Counted() bool {
	switch k {
	case FaultProtocol, FaultAuth, FaultTLS:
		return true
	}
	return false
}

// Fault is an error that terminates the session with a classified cause.
// The command loop catches exactly one Fault per connection, logs it, and
// records it against the client IP when the kind is counted.
type Fault struct {
	Kind FaultKind
	Err  error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("smtp: %s: %v", f.Kind, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

func faultOf(kind FaultKind, err error) *Fault {
	return &Fault{Kind: kind, Err: err}
}

// AsFault unwraps err to a *Fault, defaulting to FaultFatal so that an
// unclassified error never silently penalizes the client IP.
func AsFault(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return &Fault{Kind: FaultFatal, Err: err}
}

package petrel

import (
	"net/mail"
	"strings"

	"golang.org/x/net/idna"
)

// BodyType specifies the encoding type of the message body per RFC 6152.
type BodyType string

const (
	// BodyType7Bit indicates a 7-bit ASCII message body.
	BodyType7Bit BodyType = "7BIT"
	// BodyType8BitMIME indicates an 8-bit MIME message body (RFC 6152).
	BodyType8BitMIME BodyType = "8BITMIME"
	// BodyTypeBinaryMIME indicates a binary MIME body (RFC 3030). Binary
	// bodies must be transferred with BDAT, never DATA.
	BodyTypeBinaryMIME BodyType = "BINARYMIME"
)

// MailboxAddress represents an email address per RFC 5321 section 4.1.2.
type MailboxAddress struct {
	// LocalPart is the portion before the @ sign.
	LocalPart string

	// Domain is the portion after the @ sign, normalized to its A-label
	// (punycode) form.
	Domain string

	// DisplayName is an optional human-readable name.
	DisplayName string
}

// String returns the address in "local-part@domain" form.
func (m MailboxAddress) String() string {
	if m.LocalPart == "" && m.Domain == "" {
		return ""
	}
	return m.LocalPart + "@" + m.Domain
}

// Equal compares two addresses, case-insensitively on both parts. SMTP
// local parts are case-sensitive in principle, but treating them that way
// rejects real mail; every large operator folds case.
func (m MailboxAddress) Equal(other MailboxAddress) bool {
	return strings.EqualFold(m.LocalPart, other.LocalPart) &&
		strings.EqualFold(m.Domain, other.Domain)
}

// ParseAddress parses an RFC 5322 address, normalizing the domain with IDNA.
func ParseAddress(addr string) (MailboxAddress, error) {
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return MailboxAddress{}, err
	}

	address := parsed.Address
	var local, domain string
	for i := len(address) - 1; i >= 0; i-- {
		if address[i] == '@' {
			local = address[:i]
			domain = address[i+1:]
			break
		}
	}

	if ascii, err := idna.Lookup.ToASCII(domain); err == nil {
		domain = ascii
	}

	return MailboxAddress{
		LocalPart:   local,
		Domain:      strings.ToLower(domain),
		DisplayName: parsed.Name,
	}, nil
}

// Path represents an SMTP forward-path or reverse-path.
type Path struct {
	Mailbox MailboxAddress
}

// IsNull returns true for the null reverse-path used by bounce messages.
func (p Path) IsNull() bool {
	return p.Mailbox.LocalPart == "" && p.Mailbox.Domain == ""
}

// String returns the path in the angle bracket form used on the wire.
func (p Path) String() string {
	if p.IsNull() {
		return "<>"
	}
	return "<" + p.Mailbox.String() + ">"
}

// Envelope is the transaction state accumulated from MAIL FROM and RCPT TO.
// Recipients are grouped by their domain so delivery can fan out one
// connection per destination host.
type Envelope struct {
	// ID is the message trace identifier.
	ID string

	// From is the reverse-path from MAIL FROM.
	From Path

	// Recipients maps a recipient domain to the recipients within it, in
	// the order the RCPT TO commands arrived.
	Recipients map[string][]Path

	// BodyType is the declared body encoding, defaulting to 7BIT.
	BodyType BodyType

	// DeclaredSize is the SIZE parameter from MAIL FROM, zero if absent.
	DeclaredSize int64

	// SMTPUTF8 is set when the client requested the SMTPUTF8 extension.
	SMTPUTF8 bool

	// AuthenticatedAs is the address of the authenticated submitter, empty
	// for unauthenticated transactions.
	AuthenticatedAs string

	// Spool holds the received message content. The envelope owns the
	// spool until delivery hands it off.
	Spool *Spool

	// chunkingFailed marks a BDAT transaction that exceeded the size
	// limit; remaining chunks are drained and refused until BDAT LAST.
	chunkingFailed bool

	// received counts content bytes accepted so far across BDAT chunks.
	received int64
}

// AddRecipient records a recipient under its domain group.
func (e *Envelope) AddRecipient(p Path) {
	if e.Recipients == nil {
		e.Recipients = make(map[string][]Path)
	}
	domain := strings.ToLower(p.Mailbox.Domain)
	e.Recipients[domain] = append(e.Recipients[domain], p)
}

// RecipientCount returns the total number of accepted recipients.
func (e *Envelope) RecipientCount() int {
	n := 0
	for _, rcpts := range e.Recipients {
		n += len(rcpts)
	}
	return n
}

// Header represents a single message header field per RFC 5322.
type Header struct {
	Name  string
	Value string
}

// Headers is the parsed message header section.
type Headers []Header

// Get returns the first header value with the given name, case-insensitive.
func (h Headers) Get(name string) string {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			return hdr.Value
		}
	}
	return ""
}

// GetAll returns all header values with the given name, case-insensitive.
func (h Headers) GetAll(name string) []string {
	var values []string
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			values = append(values, hdr.Value)
		}
	}
	return values
}

// User is a local account that can authenticate, submit outbound mail, and
// receive forwarded mail.
type User struct {
	// Name is the login name presented during AUTH.
	Name string

	// DisplayName decorates the address in generated headers.
	DisplayName string

	// Password is the account secret. Never logged.
	Password string

	// Address is the user's mailbox address. Authenticated submissions
	// must use it as the MAIL FROM address.
	Address MailboxAddress

	// ForwardAddress is where inbound mail for this user is relayed.
	ForwardAddress MailboxAddress
}

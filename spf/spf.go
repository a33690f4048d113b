// Package spf evaluates Sender Policy Framework records per RFC 7208. The
// evaluator covers the mechanisms seen in practice (all, include, a, mx, ptr,
// ip4, ip6, exists) and the redirect modifier; macro expansion is not
// supported and yields a permanent error.
package spf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/petrelmail/petrel/dns"
)

// Evaluation errors.
var (
	ErrNoRecord        = errors.New("spf: no SPF record found")
	ErrMultipleRecords = errors.New("spf: multiple SPF records found")
	ErrTooManyLookups  = errors.New("spf: exceeded maximum DNS lookups")
	ErrSyntax          = errors.New("spf: malformed SPF record")
)

// Lookup budgets per RFC 7208 section 4.6.4.
const (
	lookupsMax     = 10
	voidLookupsMax = 2
	mxHostsMax     = 10
)

// Status is the outcome of an SPF evaluation.
type Status string

const (
	// StatusNone means the domain publishes no SPF policy.
	StatusNone Status = "none"

	// StatusNeutral means the policy makes no assertion about the IP.
	StatusNeutral Status = "neutral"

	// StatusPass means the IP is authorized to send for the domain.
	StatusPass Status = "pass"

	// StatusFail means the IP is explicitly not authorized.
	StatusFail Status = "fail"

	// StatusSoftfail means the IP is probably not authorized.
	StatusSoftfail Status = "softfail"

	// StatusTemperror means a transient DNS failure prevented evaluation.
	StatusTemperror Status = "temperror"

	// StatusPermerror means the published policy cannot be interpreted.
	StatusPermerror Status = "permerror"
)

// Args identifies the connection being evaluated.
type Args struct {
	// RemoteIP is the address of the sending host.
	RemoteIP net.IP

	// MailFromDomain is the domain of the MAIL FROM reverse-path. Empty
	// for the null path, in which case HelloDomain is checked instead.
	MailFromDomain string

	// HelloDomain is the EHLO/HELO argument.
	HelloDomain string

	// HelloIsIP marks HelloDomain as an address literal, which cannot
	// carry a policy.
	HelloIsIP bool
}

// Verify runs the check_host algorithm for the connection described by args.
// The returned mechanism names the directive that decided the outcome.
func Verify(ctx context.Context, resolver dns.Resolver, args Args) (status Status, mechanism string, err error) {
	domain := args.MailFromDomain
	if domain == "" {
		if args.HelloIsIP || args.HelloDomain == "" {
			return StatusNone, "", nil
		}
		domain = args.HelloDomain
	}

	e := &evaluator{resolver: resolver, remoteIP: args.RemoteIP}
	return e.checkHost(ctx, strings.ToLower(domain))
}

type evaluator struct {
	resolver dns.Resolver
	remoteIP net.IP

	lookups int
	voids   int
}

// budget charges one DNS-querying mechanism against the evaluation limits.
func (e *evaluator) budget() error {
	if e.lookups >= lookupsMax || e.voids >= voidLookupsMax {
		return ErrTooManyLookups
	}
	e.lookups++
	return nil
}

func (e *evaluator) trackVoid(err error) {
	if dns.IsNotFound(err) {
		e.voids++
	}
}

func (e *evaluator) checkHost(ctx context.Context, domain string) (Status, string, error) {
	record, err := e.lookup(ctx, domain)
	if err != nil {
		switch {
		case errors.Is(err, ErrNoRecord):
			return StatusNone, "", err
		case errors.Is(err, ErrSyntax), errors.Is(err, ErrMultipleRecords):
			return StatusPermerror, "", err
		default:
			return StatusTemperror, "", err
		}
	}

	for _, d := range record.Directives {
		match, status, err := e.match(ctx, domain, d)
		if err != nil {
			return status, d.String(), err
		}
		if !match {
			continue
		}
		switch d.Qualifier {
		case '-':
			return StatusFail, d.String(), nil
		case '~':
			return StatusSoftfail, d.String(), nil
		case '?':
			return StatusNeutral, d.String(), nil
		default:
			return StatusPass, d.String(), nil
		}
	}

	if record.Redirect != "" {
		if err := e.budget(); err != nil {
			return StatusPermerror, "redirect", err
		}
		status, mechanism, err := e.checkHost(ctx, record.Redirect)
		if status == StatusNone {
			// A redirect target without a policy is a permanent error.
			return StatusPermerror, "redirect", err
		}
		return status, mechanism, err
	}

	return StatusNeutral, "default", nil
}

// lookup fetches and parses the single SPF record for domain.
func (e *evaluator) lookup(ctx context.Context, domain string) (*Record, error) {
	txts, err := e.resolver.LookupTXT(ctx, domain)
	if dns.IsNotFound(err) {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("spf: TXT lookup for %s: %w", domain, err)
	}

	var record *Record
	for _, txt := range txts {
		r, isSPF, err := ParseRecord(txt)
		if !isSPF {
			continue
		}
		if err != nil {
			return nil, err
		}
		if record != nil {
			return nil, ErrMultipleRecords
		}
		record = r
	}
	if record == nil {
		return nil, ErrNoRecord
	}
	return record, nil
}

func (e *evaluator) match(ctx context.Context, domain string, d Directive) (bool, Status, error) {
	switch d.Mechanism {
	case "all":
		return true, "", nil

	case "ip4", "ip6":
		return e.matchIP(d.IP, d), "", nil

	case "include":
		if err := e.budget(); err != nil {
			return false, StatusPermerror, err
		}
		status, _, err := e.checkHost(ctx, d.Domain)
		switch status {
		case StatusPass:
			return true, "", nil
		case StatusFail, StatusSoftfail, StatusNeutral:
			return false, "", nil
		case StatusTemperror:
			return false, StatusTemperror, fmt.Errorf("spf: include %s: %w", d.Domain, err)
		default:
			return false, StatusPermerror, fmt.Errorf("spf: include %s resulted in %s: %w", d.Domain, status, err)
		}

	case "a":
		if err := e.budget(); err != nil {
			return false, StatusPermerror, err
		}
		return e.matchHostIP(ctx, targetDomain(d, domain), d)

	case "mx":
		if err := e.budget(); err != nil {
			return false, StatusPermerror, err
		}
		mxs, err := e.resolver.LookupMX(ctx, targetDomain(d, domain))
		e.trackVoid(err)
		if err != nil && !dns.IsNotFound(err) {
			return false, StatusTemperror, err
		}
		for i, mx := range mxs {
			if i >= mxHostsMax {
				return false, StatusPermerror, ErrTooManyLookups
			}
			host := strings.TrimSuffix(mx.Host, ".")
			if host == "" || host == "." {
				continue
			}
			match, status, err := e.matchHostIP(ctx, host, d)
			if err != nil {
				return false, status, err
			}
			if match {
				return true, "", nil
			}
		}
		return false, "", nil

	case "ptr":
		if err := e.budget(); err != nil {
			return false, StatusPermerror, err
		}
		return e.matchPTR(ctx, targetDomain(d, domain), d)

	case "exists":
		if err := e.budget(); err != nil {
			return false, StatusPermerror, err
		}
		ips, err := e.resolver.LookupIP(ctx, "ip4", d.Domain)
		e.trackVoid(err)
		if err != nil && !dns.IsNotFound(err) {
			return false, StatusTemperror, err
		}
		return len(ips) > 0, "", nil
	}

	return false, StatusPermerror, fmt.Errorf("%w: unknown mechanism %q", ErrSyntax, d.Mechanism)
}

// targetDomain picks the directive's explicit domain over the current one.
func targetDomain(d Directive, current string) string {
	if d.Domain != "" {
		return d.Domain
	}
	return current
}

// matchHostIP reports whether any address of host matches the remote IP.
func (e *evaluator) matchHostIP(ctx context.Context, host string, d Directive) (bool, Status, error) {
	ips, err := e.resolver.LookupIP(ctx, "ip", host)
	e.trackVoid(err)
	if err != nil && !dns.IsNotFound(err) {
		return false, StatusTemperror, err
	}
	for _, ip := range ips {
		if e.matchIP(ip, d) {
			return true, "", nil
		}
	}
	return false, "", nil
}

// matchPTR validates reverse names against the target domain, confirming each
// candidate by a forward lookup back to the remote IP.
func (e *evaluator) matchPTR(ctx context.Context, host string, d Directive) (bool, Status, error) {
	names, err := e.resolver.LookupAddr(ctx, e.remoteIP)
	e.trackVoid(err)
	if err != nil && !dns.IsNotFound(err) {
		return false, StatusTemperror, err
	}

	checked := 0
	for _, name := range names {
		name = strings.TrimSuffix(strings.ToLower(name), ".")
		if name != host && !strings.HasSuffix(name, "."+host) {
			continue
		}
		if checked >= mxHostsMax {
			break
		}
		checked++

		ips, err := e.resolver.LookupIP(ctx, "ip", name)
		e.trackVoid(err)
		if err != nil {
			continue
		}
		for _, ip := range ips {
			if ip.Equal(e.remoteIP) {
				return true, "", nil
			}
		}
	}
	return false, "", nil
}

// matchIP compares a candidate address against the remote IP under the
// directive's CIDR length.
func (e *evaluator) matchIP(ip net.IP, d Directive) bool {
	if remote4 := e.remoteIP.To4(); remote4 != nil {
		ip4 := ip.To4()
		if ip4 == nil {
			return false
		}
		ones := 32
		if d.Prefix4 >= 0 {
			ones = d.Prefix4
		}
		mask := net.CIDRMask(ones, 32)
		return ip4.Mask(mask).Equal(remote4.Mask(mask))
	}

	ip6 := ip.To16()
	if ip6 == nil || ip.To4() != nil {
		return false
	}
	ones := 128
	if d.Prefix6 >= 0 {
		ones = d.Prefix6
	}
	mask := net.CIDRMask(ones, 128)
	return ip6.Mask(mask).Equal(e.remoteIP.To16().Mask(mask))
}

package spf

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Record is a parsed SPF policy from a DNS TXT record, e.g.
//
//	v=spf1 +mx a:relay.example.com/28 -all
type Record struct {
	// Directives are evaluated in order until one matches.
	Directives []Directive

	// Redirect names another domain to evaluate when no directive matches.
	Redirect string
}

// Directive is one mechanism with its qualifier and parameters.
type Directive struct {
	// Qualifier is one of '+', '-', '~', '?'. An absent qualifier parses
	// as '+'.
	Qualifier byte

	// Mechanism is one of "all", "include", "a", "mx", "ptr", "ip4",
	// "ip6", "exists".
	Mechanism string

	// Domain is the target for include, a, mx, ptr, and exists.
	Domain string

	// IP is the address for ip4 and ip6.
	IP net.IP

	// Prefix4 and Prefix6 are CIDR lengths; -1 selects the default of a
	// full-length match.
	Prefix4 int
	Prefix6 int
}

// String renders the directive the way it appears in a record, used for the
// mechanism field of evaluation results.
func (d Directive) String() string {
	var b strings.Builder
	if d.Qualifier != '+' {
		b.WriteByte(d.Qualifier)
	}
	b.WriteString(d.Mechanism)
	if d.Domain != "" {
		b.WriteByte(':')
		b.WriteString(d.Domain)
	} else if d.IP != nil {
		b.WriteByte(':')
		b.WriteString(d.IP.String())
	}
	if d.Prefix4 >= 0 {
		fmt.Fprintf(&b, "/%d", d.Prefix4)
	}
	if d.Prefix6 >= 0 {
		if d.Mechanism != "ip6" {
			b.WriteByte('/')
		}
		fmt.Fprintf(&b, "/%d", d.Prefix6)
	}
	return b.String()
}

// ParseRecord parses an SPF TXT record. isSPF reports whether the text
// carries the v=spf1 version tag at all; records without it are silently
// skipped by callers scanning a TXT answer.
func ParseRecord(txt string) (r *Record, isSPF bool, err error) {
	if txt != "v=spf1" && !strings.HasPrefix(txt, "v=spf1 ") {
		return nil, false, nil
	}

	r = &Record{}
	for _, term := range strings.Fields(txt)[1:] {
		if strings.ContainsRune(term, '%') {
			return nil, true, fmt.Errorf("%w: macros are not supported in %q", ErrSyntax, term)
		}

		if value, ok := cutModifier(term, "redirect"); ok {
			if r.Redirect != "" {
				return nil, true, fmt.Errorf("%w: duplicate redirect", ErrSyntax)
			}
			if value == "" {
				return nil, true, fmt.Errorf("%w: empty redirect target", ErrSyntax)
			}
			r.Redirect = value
			continue
		}
		if _, ok := cutModifier(term, "exp"); ok {
			// Explanation strings are looked up for bounce text only;
			// the daemon does not relay them.
			continue
		}

		d, err := parseDirective(term)
		if err != nil {
			return nil, true, err
		}
		r.Directives = append(r.Directives, d)
	}

	return r, true, nil
}

// cutModifier matches "name=value" case-insensitively on the name.
func cutModifier(term, name string) (value string, ok bool) {
	if len(term) <= len(name) || term[len(name)] != '=' {
		return "", false
	}
	if !strings.EqualFold(term[:len(name)], name) {
		return "", false
	}
	return term[len(name)+1:], true
}

func parseDirective(term string) (Directive, error) {
	d := Directive{Qualifier: '+', Prefix4: -1, Prefix6: -1}

	switch term[0] {
	case '+', '-', '~', '?':
		d.Qualifier = term[0]
		term = term[1:]
	}
	if term == "" {
		return d, fmt.Errorf("%w: qualifier without mechanism", ErrSyntax)
	}

	name, arg, hasArg := strings.Cut(term, ":")
	var cidr string
	if !hasArg {
		name, cidr, _ = strings.Cut(name, "/")
	} else {
		arg, cidr, _ = strings.Cut(arg, "/")
	}
	d.Mechanism = strings.ToLower(name)

	switch d.Mechanism {
	case "all":
		if hasArg || cidr != "" {
			return d, fmt.Errorf("%w: all takes no arguments", ErrSyntax)
		}

	case "include", "exists":
		if !hasArg || arg == "" {
			return d, fmt.Errorf("%w: %s requires a domain", ErrSyntax, d.Mechanism)
		}
		d.Domain = strings.ToLower(arg)

	case "a", "mx", "ptr":
		d.Domain = strings.ToLower(arg)
		if err := parseDualCIDR(cidr, &d); err != nil {
			return d, err
		}

	case "ip4":
		if !hasArg {
			return d, fmt.Errorf("%w: ip4 requires an address", ErrSyntax)
		}
		d.IP = net.ParseIP(arg)
		if d.IP == nil || d.IP.To4() == nil {
			return d, fmt.Errorf("%w: invalid IPv4 address %q", ErrSyntax, arg)
		}
		if cidr != "" {
			n, err := parsePrefix(cidr, 32)
			if err != nil {
				return d, err
			}
			d.Prefix4 = n
		}

	case "ip6":
		if !hasArg {
			return d, fmt.Errorf("%w: ip6 requires an address", ErrSyntax)
		}
		d.IP = net.ParseIP(arg)
		if d.IP == nil || d.IP.To4() != nil {
			return d, fmt.Errorf("%w: invalid IPv6 address %q", ErrSyntax, arg)
		}
		if cidr != "" {
			n, err := parsePrefix(cidr, 128)
			if err != nil {
				return d, err
			}
			d.Prefix6 = n
		}

	default:
		return d, fmt.Errorf("%w: unknown mechanism %q", ErrSyntax, name)
	}

	return d, nil
}

// parseDualCIDR parses the "[ip4-cidr][//ip6-cidr]" suffix of a and mx.
func parseDualCIDR(cidr string, d *Directive) error {
	if cidr == "" {
		return nil
	}
	p4, p6, dual := strings.Cut(cidr, "//")
	if p4 != "" {
		n, err := parsePrefix(p4, 32)
		if err != nil {
			return err
		}
		d.Prefix4 = n
	}
	if dual {
		n, err := parsePrefix(p6, 128)
		if err != nil {
			return err
		}
		d.Prefix6 = n
	}
	return nil
}

func parsePrefix(s string, max int) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > max {
		return 0, fmt.Errorf("%w: invalid CIDR length %q", ErrSyntax, s)
	}
	return n, nil
}

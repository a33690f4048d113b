// Package dns provides the resolver abstraction used for SPF evaluation,
// EHLO host validation, and MX resolution during outbound delivery.
package dns

import (
	"context"
	"errors"
	"net"
)

var (
	ErrNotFound = errors.New("dns: no such record")
	ErrServFail = errors.New("dns: server failure")
	ErrRefused  = errors.New("dns: query refused")
	ErrTimeout  = errors.New("dns: query timed out")
)

// Resolver is the lookup surface the daemon depends on. Production code uses
// MiekgResolver or StdResolver; tests substitute MockResolver.
type Resolver interface {
	// LookupTXT retrieves TXT records for the given domain.
	LookupTXT(ctx context.Context, name string) ([]string, error)

	// LookupIP retrieves A and AAAA records for the given domain.
	// network can be "ip", "ip4", or "ip6".
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)

	// LookupMX retrieves MX records for the given domain.
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)

	// LookupAddr performs a reverse lookup, returning PTR names with the
	// trailing dot removed.
	LookupAddr(ctx context.Context, ip net.IP) ([]string, error)
}

// IsNotFound reports whether err is the NXDOMAIN-equivalent outcome, which
// callers commonly treat as an empty answer rather than a failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// filterIPs narrows a mixed A/AAAA answer by network ("ip", "ip4", "ip6").
func filterIPs(ips []net.IP, network string) ([]net.IP, error) {
	if network == "ip" {
		return ips, nil
	}
	var filtered []net.IP
	for _, ip := range ips {
		is4 := ip.To4() != nil
		if (network == "ip4" && is4) || (network == "ip6" && !is4) {
			filtered = append(filtered, ip)
		}
	}
	if len(filtered) == 0 {
		return nil, ErrNotFound
	}
	return filtered, nil
}

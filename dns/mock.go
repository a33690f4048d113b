package dns

import (
	"context"
	"net"
	"slices"
	"sync/atomic"
)

// MockResolver is a Resolver used for testing. Set records in the fields,
// which map FQDNs (with trailing dot) to values. Every lookup increments
// Queries, so tests can assert that a code path issued no DNS traffic.
type MockResolver struct {
	PTR  map[string][]string
	A    map[string][]string
	AAAA map[string][]string
	TXT  map[string][]string
	MX   map[string][]*net.MX

	// Fail contains records that return ErrServFail.
	// Format: "type name", e.g. "txt example.com." with lowercase type.
	Fail []string

	// Queries counts every lookup made through this resolver.
	Queries atomic.Int64
}

var _ Resolver = (*MockResolver)(nil)

func ensureFQDN(name string) string {
	if len(name) == 0 || name[len(name)-1] != '.' {
		return name + "."
	}
	return name
}

func (r *MockResolver) check(ctx context.Context, qtype, name string) error {
	r.Queries.Add(1)
	if err := ctx.Err(); err != nil {
		return err
	}
	if slices.Contains(r.Fail, qtype+" "+name) {
		return ErrServFail
	}
	return nil
}

// LookupTXT returns configured TXT records for the given domain.
func (r *MockResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	fqdn := ensureFQDN(name)
	if err := r.check(ctx, "txt", fqdn); err != nil {
		return nil, err
	}

	records, ok := r.TXT[fqdn]
	if !ok || len(records) == 0 {
		return nil, ErrNotFound
	}
	return records, nil
}

// LookupIP returns configured A and AAAA records for the given domain.
func (r *MockResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	fqdn := ensureFQDN(host)
	if err := r.check(ctx, "ip", fqdn); err != nil {
		return nil, err
	}

	var ips []net.IP
	for _, ip := range r.A[fqdn] {
		ips = append(ips, net.ParseIP(ip))
	}
	for _, ip := range r.AAAA[fqdn] {
		ips = append(ips, net.ParseIP(ip))
	}

	if len(ips) == 0 {
		return nil, ErrNotFound
	}
	return filterIPs(ips, network)
}

// LookupMX returns configured MX records for the given domain.
func (r *MockResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	fqdn := ensureFQDN(name)
	if err := r.check(ctx, "mx", fqdn); err != nil {
		return nil, err
	}

	records, ok := r.MX[fqdn]
	if !ok || len(records) == 0 {
		return nil, ErrNotFound
	}
	return records, nil
}

// LookupAddr returns configured PTR records for the given IP.
func (r *MockResolver) LookupAddr(ctx context.Context, ip net.IP) ([]string, error) {
	ipStr := ip.String()
	if err := r.check(ctx, "ptr", ipStr); err != nil {
		return nil, err
	}

	records, ok := r.PTR[ipStr]
	if !ok || len(records) == 0 {
		return nil, ErrNotFound
	}
	return records, nil
}

package petrel

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

const (
	// DefaultFailureThreshold is the number of counted faults after which
	// an IP is refused service.
	DefaultFailureThreshold = 3

	// DefaultFailureLockout is how long a failure stays on record.
	DefaultFailureLockout = 24 * time.Hour
)

// FailureCache tracks protocol, authentication, and TLS faults per client IP.
// Once an IP accumulates the threshold of faults it is blocked: subsequent
// connections are dropped before a single protocol byte is exchanged, until
// the lockout expires. Whitelisted addresses are never counted or blocked.
type FailureCache struct {
	cache     *ristretto.Cache
	threshold int
	lockout   time.Duration

	// mu serializes the read-modify-write in Record; concurrent faults
	// from one IP must not lose increments.
	mu        sync.Mutex
	whitelist []*net.IPNet
}

// NewFailureCache creates a failure cache. whitelist entries may be plain
// addresses or CIDR ranges. Zero threshold and lockout select the defaults.
func NewFailureCache(threshold int, lockout time.Duration, whitelist []string) (*FailureCache, error) {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if lockout <= 0 {
		lockout = DefaultFailureLockout
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("smtp: failure cache: %w", err)
	}

	f := &FailureCache{
		cache:     cache,
		threshold: threshold,
		lockout:   lockout,
	}

	for _, entry := range whitelist {
		ipnet, err := parseWhitelistEntry(entry)
		if err != nil {
			return nil, err
		}
		f.whitelist = append(f.whitelist, ipnet)
	}

	return f, nil
}

func parseWhitelistEntry(entry string) (*net.IPNet, error) {
	if _, ipnet, err := net.ParseCIDR(entry); err == nil {
		return ipnet, nil
	}
	ip := net.ParseIP(entry)
	if ip == nil {
		return nil, fmt.Errorf("smtp: invalid whitelist entry %q", entry)
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

// Whitelisted reports whether the IP is exempt from failure tracking.
func (f *FailureCache) Whitelisted(ip net.IP) bool {
	for _, ipnet := range f.whitelist {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

// Record counts one fault against the IP. The lockout window restarts from
// the most recent fault.
func (f *FailureCache) Record(ip net.IP) {
	if ip == nil || f.Whitelisted(ip) {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	key := "fail:" + ip.String()
	count := f.Count(ip) + 1
	f.cache.SetWithTTL(key, count, 1, f.lockout)
	// Set is buffered; flush so the very next connection sees the count.
	f.cache.Wait()
}

// Count returns the current fault count for the IP.
func (f *FailureCache) Count(ip net.IP) int {
	if ip == nil {
		return 0
	}
	if v, ok := f.cache.Get("fail:" + ip.String()); ok {
		if n, ok := v.(int); ok {
			return n
		}
	}
	return 0
}

// Blocked reports whether connections from the IP must be refused.
func (f *FailureCache) Blocked(ip net.IP) bool {
	if ip == nil || f.Whitelisted(ip) {
		return false
	}
	return f.Count(ip) >= f.threshold
}

// Forget clears the fault record for an IP, e.g. after a successful login.
func (f *FailureCache) Forget(ip net.IP) {
	if ip == nil {
		return
	}
	f.cache.Del("fail:" + ip.String())
}

// Close releases the underlying cache resources.
func (f *FailureCache) Close() {
	f.cache.Close()
}

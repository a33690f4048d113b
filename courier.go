package petrel

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"

	"github.com/petrelmail/petrel/dkim"
	"github.com/petrelmail/petrel/dns"
)

const (
	// DefaultDeliveryTimeout bounds the dial and each command exchange of an
	// outbound delivery attempt.
	DefaultDeliveryTimeout = 30 * time.Second

	// DefaultMXCacheTTL is how long resolved exchanger lists are reused.
	DefaultMXCacheTTL = 5 * time.Minute
)

// CourierConfig configures the outbound delivery engine.
type CourierConfig struct {
	// Hostname is presented in the outbound EHLO.
	Hostname string

	// Resolver performs MX and address lookups.
	Resolver dns.Resolver

	// Signer adds a DKIM-Signature to outbound messages when set.
	Signer *dkim.Signer

	// IgnoreCertErrors disables certificate verification for destination
	// hosts matching the expression. Some small mail hosts run with
	// certificates that do not cover their MX name.
	IgnoreCertErrors *regexp.Regexp

	// IgnoreAllCertErrors disables certificate verification entirely.
	IgnoreAllCertErrors bool

	// DeliveryTimeout bounds connect and per-command I/O. Defaults to
	// DefaultDeliveryTimeout.
	DeliveryTimeout time.Duration

	// MXCacheTTL is the exchanger cache lifetime. Defaults to
	// DefaultMXCacheTTL.
	MXCacheTTL time.Duration

	Logger *slog.Logger
}

// Courier delivers accepted messages to the mail exchangers of each
// recipient domain. There is no queue: a message is delivered now or the
// failure is logged and the message dropped.
type Courier struct {
	config  CourierConfig
	mxCache *ristretto.Cache
}

// NewCourier creates a delivery engine.
func NewCourier(config CourierConfig) (*Courier, error) {
	if config.Hostname == "" {
		return nil, errors.New("smtp: courier hostname required")
	}
	if config.Resolver == nil {
		config.Resolver = dns.NewStdResolver()
	}
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if config.MXCacheTTL <= 0 {
		config.MXCacheTTL = DefaultMXCacheTTL
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 22,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "smtp: mx cache")
	}

	return &Courier{config: config, mxCache: cache}, nil
}

// Close releases the exchanger cache.
func (c *Courier) Close() {
	c.mxCache.Close()
}

// Deliver sends the spooled message to every recipient domain, one
// concurrent attempt per domain. It returns after all attempts finish, so
// the caller may release the spool immediately afterwards. Per-domain
// failures are logged; the returned error only summarizes which domains
// could not be reached.
func (c *Courier) Deliver(ctx context.Context, env *Envelope, receivedHeader string) error {
	msg, err := c.buildMessage(env, receivedHeader)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var failed []string

	for domain, recipients := range env.Recipients {
		wg.Add(1)
		go func(domain string, recipients []Path) {
			defer wg.Done()
			if derr := c.deliverDomain(ctx, domain, recipients, env, msg); derr != nil {
				c.config.Logger.Error("delivery failed",
					slog.String("msg_id", env.ID),
					slog.String("domain", domain),
					slog.Any("error", derr),
				)
				mu.Lock()
				failed = append(failed, domain)
				mu.Unlock()
				return
			}
			c.config.Logger.Info("message delivered",
				slog.String("msg_id", env.ID),
				slog.String("domain", domain),
				slog.Int("recipients", len(recipients)),
			)
		}(domain, recipients)
	}
	wg.Wait()

	if len(failed) > 0 {
		sort.Strings(failed)
		return errors.Errorf("smtp: delivery failed for %s", strings.Join(failed, ", "))
	}
	return nil
}

// buildMessage assembles the outbound wire form: the stored content with the
// Received trace line prepended and, when a signer is configured, a
// DKIM-Signature covering the result.
func (c *Courier) buildMessage(env *Envelope, receivedHeader string) ([]byte, error) {
	r, err := env.Spool.Reader()
	if err != nil {
		return nil, errors.WithMessage(err, "smtp: read spool")
	}
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.WithMessage(err, "smtp: read spool")
	}

	var buf bytes.Buffer
	buf.Grow(len(content) + len(receivedHeader) + 512)
	buf.WriteString("Received: ")
	buf.WriteString(receivedHeader)
	buf.WriteString("\r\n")
	buf.Write(content)
	msg := buf.Bytes()

	if c.config.Signer == nil {
		return msg, nil
	}

	sig, err := c.config.Signer.Sign(msg)
	if err != nil {
		// An unsigned message still beats a dropped one.
		c.config.Logger.Warn("dkim signing failed",
			slog.String("msg_id", env.ID),
			slog.Any("error", err),
		)
		return msg, nil
	}

	signed := make([]byte, 0, len(msg)+len(sig)+32)
	signed = append(signed, "DKIM-Signature: "...)
	signed = append(signed, sig...)
	signed = append(signed, "\r\n"...)
	signed = append(signed, msg...)
	return signed, nil
}

// deliverDomain walks the domain's exchangers in preference order and their
// addresses in turn. The first accepted transfer wins.
func (c *Courier) deliverDomain(ctx context.Context, domain string, recipients []Path, env *Envelope, msg []byte) error {
	hosts, err := c.exchangers(ctx, domain)
	if err != nil {
		return errors.WithMessagef(err, "resolve exchangers for %s", domain)
	}

	var lastErr error
	for _, host := range hosts {
		ips, err := c.config.Resolver.LookupIP(ctx, "ip", host)
		if err != nil {
			lastErr = errors.WithMessagef(err, "resolve %s", host)
			continue
		}

		for _, ip := range ips {
			attemptErr := c.attempt(ctx, host, ip, recipients, env, msg)
			if attemptErr == nil {
				return nil
			}
			lastErr = errors.WithMessagef(attemptErr, "deliver to %s (%s)", host, ip)
			c.config.Logger.Debug("delivery attempt failed",
				slog.String("msg_id", env.ID),
				slog.String("host", host),
				slog.String("ip", ip.String()),
				slog.Any("error", attemptErr),
			)
		}
	}

	if lastErr == nil {
		lastErr = errors.Errorf("no exchanger addresses for %s", domain)
	}
	return lastErr
}

// exchangers resolves the MX set for a domain, preference-sorted, falling
// back to the implicit MX rule when the domain publishes none.
func (c *Courier) exchangers(ctx context.Context, domain string) ([]string, error) {
	if v, ok := c.mxCache.Get("mx:" + domain); ok {
		if hosts, ok := v.([]string); ok {
			return hosts, nil
		}
	}

	records, err := c.config.Resolver.LookupMX(ctx, domain)
	if err != nil {
		if !errors.Is(err, dns.ErrNotFound) {
			return nil, err
		}
		// Implicit MX per RFC 5321 section 5.1.
		records = []*net.MX{{Host: domain, Pref: 0}}
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Pref < records[j].Pref
	})

	hosts := make([]string, 0, len(records))
	for _, mx := range records {
		hosts = append(hosts, strings.TrimSuffix(mx.Host, "."))
	}

	c.mxCache.SetWithTTL("mx:"+domain, hosts, 1, c.config.MXCacheTTL)
	return hosts, nil
}

// attempt runs one complete SMTP transaction against a single exchanger
// address.
func (c *Courier) attempt(ctx context.Context, host string, ip net.IP, recipients []Path, env *Envelope, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.DeliveryTimeout)
	defer cancel()

	client := NewClient(ClientConfig{
		LocalName:      c.config.Hostname,
		TLSConfig:      c.tlsConfig(host),
		ConnectTimeout: c.config.DeliveryTimeout,
		ReadTimeout:    c.config.DeliveryTimeout,
		WriteTimeout:   c.config.DeliveryTimeout,
	})
	defer client.Close()

	if err := client.DialContext(ctx, net.JoinHostPort(ip.String(), "25")); err != nil {
		return err
	}
	if err := client.Hello(); err != nil {
		return err
	}

	if _, ok := client.Extension(ExtSTARTTLS); ok {
		if err := client.StartTLS(); err != nil {
			return errors.WithMessage(err, "starttls")
		}
		if err := client.Hello(); err != nil {
			return err
		}
	}

	if max := client.MaxSize(); max > 0 && int64(len(msg)) > max {
		return errors.Errorf("message size %d exceeds server limit %d", len(msg), max)
	}

	opts := MailOptions{
		Size:     int64(len(msg)),
		BodyType: env.BodyType,
		SMTPUTF8: env.SMTPUTF8,
	}
	if err := client.Mail(env.From, opts); err != nil {
		return err
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return errors.WithMessagef(err, "recipient %s", rcpt.Mailbox.String())
		}
	}
	if _, err := client.Data(bytes.NewReader(msg)); err != nil {
		return err
	}

	return client.Quit()
}

// tlsConfig builds the client TLS configuration for one exchanger. The
// override is keyed by destination: only hosts the expression names skip
// verification, every other destination verifies its chain normally.
func (c *Courier) tlsConfig(host string) *tls.Config {
	config := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: host,
	}

	if c.config.IgnoreAllCertErrors {
		config.InsecureSkipVerify = true
		return config
	}

	if re := c.config.IgnoreCertErrors; re != nil && re.MatchString(host) {
		config.InsecureSkipVerify = true
	}

	return config
}

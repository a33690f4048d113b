// Package config loads the daemon configuration from a YAML file with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

var ErrNoConfigFile = errors.New("config: no configuration file found, set CONFIG to the file path")

var defaultConfigPath = "./petrel.yaml"

// Config is the daemon configuration surface.
type Config struct {
	// Domain is the mail domain this server is responsible for. It is also
	// the EHLO/greeting hostname and the DKIM signing domain.
	Domain string `yaml:"domain" env:"PETREL_DOMAIN" env-required:"true"`

	// IP and Port form the listen address.
	IP   string `yaml:"ip" env:"PETREL_IP" env-default:"0.0.0.0"`
	Port int    `yaml:"port" env:"PETREL_PORT" env-default:"25"`

	// Greeting replaces the default text after the hostname in the 220
	// banner.
	Greeting string `yaml:"greeting" env:"PETREL_GREETING"`

	MaxConnectionCount int   `yaml:"maxConnectionCount" env:"PETREL_MAX_CONNECTIONS" env-default:"100"`
	MaxMessageSize     int64 `yaml:"maxMessageSize" env:"PETREL_MAX_MESSAGE_SIZE" env-default:"33554432"`

	// MaxFailuresPerIPAddress is the fault count after which an IP is
	// refused service for FailureLockoutTimespan.
	MaxFailuresPerIPAddress int           `yaml:"maxFailuresPerIpAddress" env:"PETREL_MAX_FAILURES" env-default:"3"`
	FailureLockoutTimespan  time.Duration `yaml:"failureLockoutTimespan" env:"PETREL_FAILURE_LOCKOUT" env-default:"24h"`

	// WhitelistIP entries (addresses or CIDR ranges) are never counted or
	// blocked.
	WhitelistIP []string `yaml:"whitelistIp" env:"PETREL_WHITELIST_IP"`

	RequireEhloIPHostMatch bool `yaml:"requireEhloIpHostMatch" env:"PETREL_REQUIRE_EHLO_MATCH" env-default:"false"`
	RequireSPFMatch        bool `yaml:"requireSpfMatch" env:"PETREL_REQUIRE_SPF" env-default:"false"`

	// DKIMPemFile holds the RSA signing key; empty disables signing.
	DKIMPemFile  string `yaml:"dkimPemFile" env:"PETREL_DKIM_PEM_FILE"`
	DKIMSelector string `yaml:"dkimSelector" env:"PETREL_DKIM_SELECTOR" env-default:"default"`

	// SSLCertificateFile enables STARTTLS and implicit TLS ports. The key
	// may live in the same file or in SSLPrivateKeyFile, optionally
	// encrypted with SSLCertificatePassword.
	SSLCertificateFile     string `yaml:"sslCertificateFile" env:"PETREL_SSL_CERT_FILE"`
	SSLPrivateKeyFile      string `yaml:"sslPrivateKeyFile" env:"PETREL_SSL_KEY_FILE"`
	SSLCertificatePassword string `yaml:"sslCertificatePassword" env:"PETREL_SSL_CERT_PASSWORD"`

	// IgnoreCertificateErrorsRegex disables outbound certificate checks
	// for destination hosts matching the expression. "*" disables
	// verification everywhere.
	IgnoreCertificateErrorsRegex string `yaml:"ignoreCertificateErrorsRegex" env:"PETREL_IGNORE_CERT_ERRORS"`

	// GlobalForwardAddress receives inbound mail for users without a
	// forward address of their own.
	GlobalForwardAddress string `yaml:"globalForwardAddress" env:"PETREL_GLOBAL_FORWARD"`

	// SpoolDir holds messages in transit; empty uses the system temp
	// directory.
	SpoolDir string `yaml:"spoolDir" env:"PETREL_SPOOL_DIR"`

	LogLevel string `yaml:"logLevel" env:"PETREL_LOG_LEVEL" env-default:"info"`

	Users []UserConfig `yaml:"users"`
}

// UserConfig is one local account.
type UserConfig struct {
	Name           string `yaml:"name"`
	DisplayName    string `yaml:"displayName"`
	Password       string `yaml:"password"`
	Address        string `yaml:"address"`
	ForwardAddress string `yaml:"forwardAddress"`
}

// Load reads the configuration from path. An empty path falls back to the
// CONFIG environment variable, then to ./petrel.yaml; when no file exists,
// configuration comes from the environment alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		path = os.Getenv("CONFIG")
	}
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			path = defaultConfigPath
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: stat %s: %w", defaultConfigPath, err)
		}
	}

	if path == "" {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("config: read environment: %w", err)
		}
	} else {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("config: read environment: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustLoad is Load for main functions that cannot proceed without it.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Validate checks cross-field constraints that tags cannot express.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("config: maxMessageSize must be positive")
	}
	if c.DKIMPemFile != "" && c.DKIMSelector == "" {
		return fmt.Errorf("config: dkimSelector required when dkimPemFile is set")
	}
	if c.SSLPrivateKeyFile != "" && c.SSLCertificateFile == "" {
		return fmt.Errorf("config: sslCertificateFile required when sslPrivateKeyFile is set")
	}
	if _, err := c.CertErrorsRegex(); err != nil {
		return err
	}
	for i, u := range c.Users {
		if u.Name == "" {
			return fmt.Errorf("config: user %d has no name", i)
		}
		if u.Password == "" {
			return fmt.Errorf("config: user %q has no password", u.Name)
		}
		if u.Address == "" {
			return fmt.Errorf("config: user %q has no address", u.Name)
		}
	}
	return nil
}

// ListenAddr returns the combined listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.IP, c.Port)
}

// CertErrorsRegex compiles the outbound certificate override. The wildcard
// "*" compiles to a match-everything expression. Returns nil when unset.
func (c *Config) CertErrorsRegex() (*regexp.Regexp, error) {
	expr := c.IgnoreCertificateErrorsRegex
	if expr == "" {
		return nil, nil
	}
	if expr == "*" {
		expr = ".*"
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("config: ignoreCertificateErrorsRegex: %w", err)
	}
	return re, nil
}

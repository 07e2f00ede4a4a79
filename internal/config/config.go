// Package config loads and eagerly validates the gateway's TOML
// configuration surface.
package config

import (
	"fmt"
	"net"
	"net/textproto"
	"net/url"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Header is one fixed header to inject on every outbound request.
type Header struct {
	Name  string `toml:"name"`
	Value string `toml:"value"`
}

// ProxyConfig is the [proxy] table.
type ProxyConfig struct {
	ListenAddr     string `toml:"listen_addr"`
	UpstreamURL    string `toml:"upstream_url"`
	TimeoutSecs    int    `toml:"timeout_secs"`
	MaxConnections int    `toml:"max_connections"`
}

// OAuthConfig is the [oauth] table.
type OAuthConfig struct {
	CredentialFile       string `toml:"credential_file"`
	CooldownSecs         int    `toml:"cooldown_secs"`
	RefreshThresholdSecs int    `toml:"refresh_threshold_secs"`
	RefreshIntervalSecs  int    `toml:"refresh_interval_secs"`
	// Passthrough switches the gateway into passthrough mode, forwarding
	// the client's own Authorization header instead of managing accounts.
	Passthrough bool `toml:"passthrough"`
}

// LoggingConfig is the [logging] table.
type LoggingConfig struct {
	Level          string `toml:"level"`
	ToFile         bool   `toml:"to_file"`
	Dir            string `toml:"dir"`
	MaxTotalSizeMB int    `toml:"max_total_size_mb"`
}

// Config is the full decoded and validated configuration surface.
type Config struct {
	Proxy   ProxyConfig    `toml:"proxy"`
	Headers []Header       `toml:"headers"`
	OAuth   OAuthConfig    `toml:"oauth"`
	Logging LoggingConfig  `toml:"logging"`
}

// Load reads and parses the TOML file at path, applies defaults, and
// eagerly validates every constraint. Any violation fails with a
// descriptive error; startup-config errors are fatal by contract.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Proxy.ListenAddr == "" {
		c.Proxy.ListenAddr = ":8080"
	}
	if c.Proxy.TimeoutSecs == 0 {
		c.Proxy.TimeoutSecs = 30
	}
	if c.Proxy.MaxConnections == 0 {
		c.Proxy.MaxConnections = 100
	}
	if c.OAuth.CooldownSecs == 0 {
		c.OAuth.CooldownSecs = 7200
	}
	if c.OAuth.RefreshThresholdSecs == 0 {
		c.OAuth.RefreshThresholdSecs = 900
	}
	if c.OAuth.RefreshIntervalSecs == 0 {
		c.OAuth.RefreshIntervalSecs = 300
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
}

func (c *Config) validate() error {
	if _, _, err := net.SplitHostPort(c.Proxy.ListenAddr); err != nil {
		return fmt.Errorf("proxy.listen_addr %q is not a valid address: %w", c.Proxy.ListenAddr, err)
	}

	u, err := url.Parse(c.Proxy.UpstreamURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("proxy.upstream_url %q must be an http(s) URL", c.Proxy.UpstreamURL)
	}

	if c.Proxy.TimeoutSecs <= 0 {
		return fmt.Errorf("proxy.timeout_secs must be > 0, got %d", c.Proxy.TimeoutSecs)
	}
	if c.Proxy.MaxConnections <= 0 {
		return fmt.Errorf("proxy.max_connections must be > 0, got %d", c.Proxy.MaxConnections)
	}

	for _, h := range c.Headers {
		if _, err := canonicalHeaderName(h.Name); err != nil {
			return fmt.Errorf("headers entry %q: %w", h.Name, err)
		}
		if strings.EqualFold(h.Name, "authorization") {
			return fmt.Errorf("headers entry %q: passthrough extra headers must not set authorization", h.Name)
		}
	}

	if !c.OAuth.Passthrough && c.OAuth.CredentialFile == "" {
		return fmt.Errorf("oauth.credential_file is required unless oauth.passthrough is set")
	}
	if c.OAuth.CooldownSecs <= 0 {
		return fmt.Errorf("oauth.cooldown_secs must be > 0, got %d", c.OAuth.CooldownSecs)
	}

	return nil
}

// isTokenChar reports whether r is a valid RFC 7230 "tchar", the character
// class HTTP header field names are built from.
func isTokenChar(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case strings.ContainsRune("!#$%&'*+-.^_`|~", r):
		return true
	default:
		return false
	}
}

func canonicalHeaderName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("header name must not be empty")
	}
	for _, r := range name {
		if !isTokenChar(r) {
			return "", fmt.Errorf("header name %q contains invalid character %q", name, r)
		}
	}
	return textproto.CanonicalMIMEHeaderKey(name), nil
}

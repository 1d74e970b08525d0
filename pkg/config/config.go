package config

import (
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Credentials are sent as HTTP Basic auth when a same-origin page answers 401
type Credentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// CrawlConfig holds the settings of one crawl run
// It is treated as read-only once handed to crawler.New
type CrawlConfig struct {
	SeedURL            string           `yaml:"seed_url,omitempty"`              // Optional; the CLI flag overrides it
	Concurrency        int              `yaml:"concurrency"`                     // Worker count
	Timeout            time.Duration    `yaml:"timeout"`                         // Per-hop request timeout
	Retries            int              `yaml:"retries"`                         // Extra attempts after the first failure
	CrawlExternal      bool             `yaml:"crawl_external"`                  // Fetch (but do not descend into) other origins
	ExcludePatterns    []string         `yaml:"exclude_patterns,omitempty"`      // Regexes matched against canonical URLs
	Auth               *Credentials     `yaml:"auth,omitempty"`                  // Basic auth for 401 responses
	StrictSSL          bool             `yaml:"strict_ssl"`                      // Verify TLS certificates
	Cookies            *bool            `yaml:"cookies,omitempty"`               // Cookie jar (nil = enabled)
	UserAgent          string           `yaml:"user_agent,omitempty"`            // User-Agent header
	MaxBodyBytes       int64            `yaml:"max_body_bytes,omitempty"`        // Body download cap
	MaxDepth           int              `yaml:"max_depth,omitempty"`             // 0 = unlimited
	MaxRequestsPerHost int              `yaml:"max_requests_per_host,omitempty"` // 0 = limited only by concurrency
	StateDir           string           `yaml:"state_dir,omitempty"`             // Outcome log location (empty = disabled)
	HTTPClientSettings HTTPClientConfig `yaml:"http_client_settings,omitempty"`
}

// HTTPClientConfig holds transport settings shared by every client the fetcher builds
type HTTPClientConfig struct {
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`       // Timeout for idle connections
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`   // Timeout for TLS handshake
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"` // Timeout for 100-continue
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"`     // nil=default(true), true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`          // Connection dial timeout
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`       // TCP keep-alive interval
}

// CookiesEnabled reports whether a cookie jar should be used (default true)
func (c *CrawlConfig) CookiesEnabled() bool {
	if c.Cookies == nil {
		return true
	}
	return *c.Cookies
}

// HasAuth reports whether Basic auth credentials are configured
func (c *CrawlConfig) HasAuth() bool {
	return c.Auth != nil && c.Auth.Username != ""
}

// Clone returns a deep copy; pointer and slice fields are not shared with c
func (c *CrawlConfig) Clone() *CrawlConfig {
	cp := *c
	cp.ExcludePatterns = slices.Clone(c.ExcludePatterns)
	if c.Auth != nil {
		auth := *c.Auth
		cp.Auth = &auth
	}
	if c.Cookies != nil {
		cookies := *c.Cookies
		cp.Cookies = &cookies
	}
	if c.HTTPClientSettings.ForceAttemptHTTP2 != nil {
		h2 := *c.HTTPClientSettings.ForceAttemptHTTP2
		cp.HTTPClientSettings.ForceAttemptHTTP2 = &h2
	}
	return &cp
}

// LoadConfig reads and parses a YAML config file. Validation is left to the caller.
func LoadConfig(path string) (*CrawlConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config '%s': %w", path, err)
	}
	var cfg CrawlConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config '%s': %w", path, err)
	}
	return &cfg, nil
}

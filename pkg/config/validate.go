package config

import (
	"fmt"
	"time"

	"github.com/Sriram-PR/sitecrawl/pkg/utils"
)

const (
	DefaultConcurrency  = 4
	DefaultTimeout      = 30 * time.Second
	DefaultMaxBodyBytes = 10 << 20
	DefaultUserAgent    = "sitecrawl/1.0 (+https://github.com/Sriram-PR/sitecrawl)"
)

// Validate checks CrawlConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *CrawlConfig) Validate() (warnings []string, err error) {
	// Concurrency
	if c.Concurrency <= 0 {
		warnings = append(warnings, fmt.Sprintf("concurrency should be > 0, defaulting to %d", DefaultConcurrency))
		c.Concurrency = DefaultConcurrency
	}

	// Timeout
	if c.Timeout < 0 {
		warnings = append(warnings, fmt.Sprintf("timeout cannot be negative, defaulting to %v", DefaultTimeout))
		c.Timeout = DefaultTimeout
	} else if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}

	// Retries
	if c.Retries < 0 {
		warnings = append(warnings, "retries cannot be negative, setting to 0")
		c.Retries = 0
	}

	// MaxDepth
	if c.MaxDepth < 0 {
		warnings = append(warnings, "max_depth cannot be negative, setting to 0 (unlimited)")
		c.MaxDepth = 0
	}

	// MaxRequestsPerHost
	if c.MaxRequestsPerHost < 0 {
		warnings = append(warnings, "max_requests_per_host cannot be negative, setting to 0 (concurrency only)")
		c.MaxRequestsPerHost = 0
	}

	// MaxBodyBytes
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}

	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}

	// Auth
	if c.Auth != nil {
		if c.Auth.Username == "" {
			return warnings, fmt.Errorf("%w: auth requires a username", utils.ErrConfigValidation)
		}
		if c.Auth.Password == "" {
			warnings = append(warnings, "auth has an empty password")
		}
	}

	// Exclude patterns must compile
	if _, compileErr := utils.CompileRegexPatterns(c.ExcludePatterns); compileErr != nil {
		return warnings, compileErr
	}

	c.validateHTTPClientSettings()

	return warnings, nil
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *CrawlConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = 2
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
}

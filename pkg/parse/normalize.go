package parse

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/Sriram-PR/sitecrawl/pkg/utils"
)

// NormalizeURL produces the canonical dedup key for a parsed URL.
// It lowercases the scheme and host, removes default ports (80 for http, 443 for https), turns an empty path into "/" and strips the fragment
// Query strings and trailing slashes are kept: servers are free to treat them as distinct resources
// Does not modify the input *url.URL
func NormalizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	// Work on a copy
	normalized := *u
	normalized.User = nil

	normalized.Scheme = strings.ToLower(normalized.Scheme)
	normalized.Host = canonicalHost(normalized.Scheme, normalized.Host)

	if normalized.Path == "" && normalized.Opaque == "" {
		normalized.Path = "/"
		normalized.RawPath = ""
	}

	normalized.Fragment = ""
	normalized.RawFragment = ""

	return normalized.String()
}

// Normalize parses raw and returns its canonical form.
// Relative references, unparsable input and URLs without a scheme fail with utils.ErrMalformedURL
func Normalize(raw string) (string, error) {
	_, canonical, err := ParseAndNormalize(raw)
	return canonical, err
}

// ParseAndNormalize parses raw as an absolute URL and returns both the parsed form (fragment removed) and the canonical string
func ParseAndNormalize(raw string) (*url.URL, string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, "", fmt.Errorf("%w: empty URL", utils.ErrMalformedURL)
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, "", fmt.Errorf("%w: parsing URL '%s': %w", utils.ErrMalformedURL, trimmed, err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("%w: URL '%s' has no scheme", utils.ErrMalformedURL, trimmed)
	}
	canonical := NormalizeURL(parsed)
	reparsed, err := url.Parse(canonical)
	if err != nil {
		return nil, "", fmt.Errorf("%w: re-parsing canonical URL '%s': %w", utils.ErrMalformedURL, canonical, err)
	}
	return reparsed, canonical, nil
}

// Resolve resolves href against base following RFC 3986 reference resolution
// ("../x", "x", "/x", "//host/x" and absolute URLs). The fragment is dropped from the result.
func Resolve(base *url.URL, href string) (*url.URL, error) {
	if base == nil {
		return nil, fmt.Errorf("%w: nil base URL", utils.ErrMalformedURL)
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing href '%s': %w", utils.ErrMalformedURL, href, err)
	}
	resolved := base.ResolveReference(ref)
	resolved.Fragment = ""
	resolved.RawFragment = ""
	return resolved, nil
}

// Origin returns scheme://host[:port] with the same case and default-port rules as NormalizeURL.
func Origin(u *url.URL) string {
	if u == nil {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme + "://" + canonicalHost(scheme, u.Host)
}

// canonicalHost lowercases host and removes the scheme's default port.
func canonicalHost(scheme, host string) string {
	host = strings.ToLower(host)
	h, port, err := net.SplitHostPort(host)
	if err == nil { // Host included a port
		if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
			if strings.Contains(h, ":") {
				return "[" + h + "]" // IPv6 literal keeps its brackets
			}
			return h
		}
	}
	return host
}

// Package scope decides whether a URL belongs to a crawl.
package scope

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/Sriram-PR/sitecrawl/pkg/parse"
	"github.com/Sriram-PR/sitecrawl/pkg/utils"
)

// Reason explains why a URL was rejected.
type Reason string

const (
	ReasonNone     Reason = ""
	ReasonScheme   Reason = "unsupported_scheme"
	ReasonNoHost   Reason = "missing_host"
	ReasonPattern  Reason = "exclude_pattern"
	ReasonExternal Reason = "external"
)

// Decision is the outcome of evaluating one URL against the policy.
type Decision struct {
	Allowed  bool
	External bool   // Origin differs from the main origin (set even when rejected for it)
	Reason   Reason // Why Allowed is false
	Pattern  string // Matching exclude pattern for ReasonPattern
}

// Policy holds the crawl's main origin and exclusion rules. Immutable after construction.
type Policy struct {
	mainOrigin    string
	excludes      []*regexp.Regexp
	crawlExternal bool
}

// NewPolicy creates a policy for mainURL. excludes must already be compiled.
func NewPolicy(mainURL *url.URL, excludes []*regexp.Regexp, crawlExternal bool) *Policy {
	return &Policy{
		mainOrigin:    parse.Origin(mainURL),
		excludes:      excludes,
		crawlExternal: crawlExternal,
	}
}

// MainOrigin returns the scheme://host[:port] the crawl is rooted at.
func (p *Policy) MainOrigin() string { return p.mainOrigin }

// IsExternal reports whether u's origin differs from the main origin.
func (p *Policy) IsExternal(u *url.URL) bool {
	return parse.Origin(u) != p.mainOrigin
}

// Evaluate applies the rules in order; the first matching rule decides.
//  1. scheme other than http/https (mailto, javascript, tel, file, ftp, ...) is excluded
//  2. a URL without host is excluded
//  3. a URL matching any exclude pattern (against the canonical URL) is excluded
//  4. a URL on another origin is external and excluded unless external crawling is on
func (p *Policy) Evaluate(u *url.URL) Decision {
	if u == nil {
		return Decision{Reason: ReasonNoHost}
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return Decision{Reason: ReasonScheme}
	}
	if u.Hostname() == "" {
		return Decision{Reason: ReasonNoHost}
	}
	canonical := parse.NormalizeURL(u)
	if re := utils.MatchAny(p.excludes, canonical); re != nil {
		return Decision{Reason: ReasonPattern, Pattern: re.String()}
	}
	if p.IsExternal(u) {
		if !p.crawlExternal {
			return Decision{External: true, Reason: ReasonExternal}
		}
		return Decision{Allowed: true, External: true}
	}
	return Decision{Allowed: true}
}

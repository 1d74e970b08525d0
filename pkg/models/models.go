package models

import (
	"net/http"
	"slices"
	"time"
)

// CrawlTask is one URL's journey through the frontier, fetcher and processor.
// It is owned by exactly one component at a time and mutated in place on retry or redirect.
type CrawlTask struct {
	URL             string   // Canonical URL (fragment stripped); rewritten when a redirect is reconciled
	Referrer        string   // Page that linked here; empty for the seed
	IsExternal      bool     // Origin differs from the crawl's main origin
	Retries         int      // Attempts consumed beyond the first
	CrawlLinks      bool     // Whether links found on this page are followed
	Depth           int      // Link hops from the seed
	RedirectHistory []string // URLs this task was reconciled away from, oldest first
}

// FetchResult is the transient outcome of one logical fetch.
// Produced by the fetcher and consumed once by the response processor.
type FetchResult struct {
	Err        error       // nil on transport success; see fetch.Error for codes
	StatusCode int         // 0 when no response was received
	Header     http.Header // Response headers of the last hop
	FinalURL   string      // URL reached after internal redirect following
	Body       string      // Decoded body; empty when gated, failed or timed out
	Hops       int         // Redirect hops followed
	Attempts   int         // Underlying requests issued (redirects, auth and TLS retries included)
}

// HasHeader reports whether the response carried the named header.
func (r *FetchResult) HasHeader(name string) bool {
	if r == nil || r.Header == nil {
		return false
	}
	_, ok := r.Header[http.CanonicalHeaderKey(name)]
	return ok
}

// Response is the externally visible metadata delivered with crawl events.
type Response struct {
	URL            string      `json:"url"`
	StatusCode     int         `json:"status_code"`
	Header         http.Header `json:"header,omitempty"`
	Referrer       string      `json:"referrer,omitempty"`
	IsExternal     bool        `json:"is_external"`
	RedirectedFrom []string    `json:"redirected_from,omitempty"`
}

// NewResponse builds the event response for a task from a fetch result.
func NewResponse(task *CrawlTask, res *FetchResult) *Response {
	resp := &Response{
		URL:            task.URL,
		Referrer:       task.Referrer,
		IsExternal:     task.IsExternal,
		RedirectedFrom: slices.Clone(task.RedirectHistory),
	}
	if res != nil {
		resp.StatusCode = res.StatusCode
		resp.Header = res.Header
		if res.FinalURL != "" {
			resp.URL = res.FinalURL
		}
	}
	return resp
}

// PageDBEntry stores the terminal outcome of a page URL in the outcome log
type PageDBEntry struct {
	Status      PageStatus `json:"status"`                 // "success", "failure" or "redirected"
	StatusCode  int        `json:"status_code,omitempty"`  // HTTP status of the final response
	ErrorType   string     `json:"error_type,omitempty"`   // Error category (on failure)
	Referrer    string     `json:"referrer,omitempty"`     // Page the URL was discovered on
	External    bool       `json:"external,omitempty"`     // Crawled as an external URL
	RedirectOf  []string   `json:"redirect_of,omitempty"`  // URLs that redirected here
	RedirectTo  string     `json:"redirect_to,omitempty"`  // Final URL (when Status is "redirected")
	Attempts    int        `json:"attempts"`               // Fetch attempts made (retries + 1)
	ProcessedAt time.Time  `json:"processed_at,omitempty"` // Timestamp of successful processing
	LastAttempt time.Time  `json:"last_attempt"`           // Timestamp of the last processing attempt
	Depth       int        `json:"depth"`                  // Depth at which this page was attempted
}

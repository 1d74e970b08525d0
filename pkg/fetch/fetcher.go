package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/sitecrawl/pkg/config"
	"github.com/Sriram-PR/sitecrawl/pkg/models"
	"github.com/Sriram-PR/sitecrawl/pkg/parse"
	"github.com/Sriram-PR/sitecrawl/pkg/utils"
)

// MaxRedirects is the number of hops a single fetch may follow
const MaxRedirects = 9

const defaultAcceptEncoding = "gzip, deflate, br"

// Options control one logical fetch
type Options struct {
	Timeout    time.Duration       // Per-hop deadline; 0 disables it
	UseAuth    bool                // Allow a Basic-auth retry on 401
	StrictSSL  bool                // Verify certificates
	IsExternal bool                // Skip body download and auth
	Auth       *config.Credentials // Basic-auth credentials
	Cookies    CookieStore         // nil disables cookies
}

// Fetcher performs logical page fetches: redirects, 401 re-auth, TLS fallback and body gating.
// It is safe for concurrent use.
type Fetcher struct {
	clients      *clientSet
	userAgent    string
	maxBodyBytes int64
	log          *logrus.Entry
}

// NewFetcher creates a Fetcher. Clients are built on demand per TLS mode.
func NewFetcher(httpCfg config.HTTPClientConfig, userAgent string, maxBodyBytes int64, log *logrus.Entry) *Fetcher {
	if maxBodyBytes <= 0 {
		maxBodyBytes = config.DefaultMaxBodyBytes
	}
	return &Fetcher{
		clients:      newClientSet(httpCfg, log),
		userAgent:    userAgent,
		maxBodyBytes: maxBodyBytes,
		log:          log,
	}
}

// CloseIdleConnections releases pooled connections of every client
func (f *Fetcher) CloseIdleConnections() {
	f.clients.closeIdle()
}

type fetchState int

const (
	stateRequesting fetchState = iota
	stateRedirecting
	stateAuthenticating
	stateProtocolRetrying
	stateDownloading
	stateDone
)

func (s fetchState) String() string {
	switch s {
	case stateRequesting:
		return "requesting"
	case stateRedirecting:
		return "redirecting"
	case stateAuthenticating:
		return "authenticating"
	case stateProtocolRetrying:
		return "protocol_retrying"
	case stateDownloading:
		return "downloading"
	}
	return "done"
}

// fetchRun is the state of one logical fetch
type fetchRun struct {
	f    *Fetcher
	ctx  context.Context
	opts Options
	log  *logrus.Entry

	start   *url.URL
	current *url.URL
	tlsMode TLSMode

	hops        int
	attempts    int
	fallbackIdx int // Next entry of fallbackModes

	// One-shot guards
	downgradeDone bool
	authAttempted bool
	completed     bool

	resp      *http.Response
	hopCancel context.CancelFunc
	hopCtx    context.Context

	fallback *models.FetchResult // Last HTTP response replaced by a TLS downgrade attempt
	result   *models.FetchResult
}

// Fetch performs one logical fetch of rawURL. It never returns nil and never panics on network input;
// failures are reported in FetchResult.Err as *Error.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts Options) *models.FetchResult {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		if err == nil {
			err = errors.New("missing host")
		}
		return &models.FetchResult{Err: newError(CodeInvalidURL, rawURL, err), FinalURL: rawURL}
	}
	u.Fragment, u.RawFragment = "", ""

	run := &fetchRun{
		f:       f,
		ctx:     ctx,
		opts:    opts,
		log:     f.log.WithField("url", rawURL),
		start:   u,
		current: u,
	}

	state := stateRequesting
	for state != stateDone {
		next := run.step(state)
		run.log.Tracef("fetch state %s -> %s", state, next)
		state = next
	}
	return run.result
}

func (r *fetchRun) step(s fetchState) fetchState {
	switch s {
	case stateRequesting:
		return r.request()
	case stateRedirecting:
		return r.redirect()
	case stateAuthenticating:
		r.authAttempted = true
		r.log.Debug("Retrying with Basic auth after 401")
		return stateRequesting
	case stateProtocolRetrying:
		r.tlsMode = fallbackModes[r.fallbackIdx]
		r.fallbackIdx++
		if r.fallbackIdx >= len(fallbackModes) {
			r.downgradeDone = true
		}
		r.log.WithField("tls_mode", r.tlsMode.String()).Debug("Retrying with pinned TLS version")
		return stateRequesting
	case stateDownloading:
		return r.download()
	}
	return stateDone
}

// request issues one underlying HTTP request and decides the next state from its outcome
func (r *fetchRun) request() fetchState {
	if err := r.ctx.Err(); err != nil {
		r.finish(r.errorResult(newError(CodeCanceled, r.current.String(), err)))
		return stateDone
	}

	r.hopCtx, r.hopCancel = r.newHopContext()
	req, err := http.NewRequestWithContext(r.hopCtx, http.MethodGet, r.current.String(), nil)
	if err != nil {
		r.closeHop()
		r.finish(r.errorResult(newError(CodeRequestCreation, r.current.String(), err)))
		return stateDone
	}
	r.setHeaders(req)

	r.attempts++
	client := r.f.clients.get(r.tlsMode, r.opts.StrictSSL)
	resp, err := client.Do(req)
	if err != nil {
		code := classify(err, r.hopCtx, r.ctx)
		r.closeHop()
		if code != CodeTimeout && code != CodeCanceled && r.canDowngrade() {
			r.log.WithError(err).Debug("Transport error on HTTPS, probing TLS fallback")
			return stateProtocolRetrying
		}
		if r.fallback != nil {
			r.log.WithError(err).Debug("TLS fallback failed, keeping previous response")
			r.finish(r.fallback)
			return stateDone
		}
		r.finish(r.errorResult(newError(code, r.current.String(), err)))
		return stateDone
	}

	r.resp = resp
	persistCookies(r.opts.Cookies, resp, r.current)

	switch {
	case isRedirect(resp):
		return stateRedirecting
	case resp.StatusCode == http.StatusUnauthorized && r.canAuth():
		r.discardResponse()
		return stateAuthenticating
	case resp.StatusCode != http.StatusOK && r.canDowngrade():
		r.fallback = r.metaResult()
		r.discardResponse()
		return stateProtocolRetrying
	}
	return stateDownloading
}

// redirect follows the Location of the current 3xx response
func (r *fetchRun) redirect() fetchState {
	location := r.resp.Header.Get("Location")
	next, err := r.current.Parse(location)
	if err != nil {
		res := r.metaResult()
		res.Err = newError(CodeParse, r.current.String(), fmt.Errorf("invalid Location %q: %w", location, err))
		r.discardResponse()
		r.finish(res)
		return stateDone
	}
	if r.hops >= MaxRedirects {
		res := r.metaResult()
		res.Err = newError(CodeMaxRedirects, r.current.String(), fmt.Errorf("stopped after %d redirects", r.hops))
		r.discardResponse()
		r.finish(res)
		return stateDone
	}
	r.discardResponse()

	next.Fragment, next.RawFragment = "", ""
	r.hops++
	r.log.WithFields(logrus.Fields{"to": next.String(), "hop": r.hops}).Debug("Following redirect")
	// A TLS version found by a downgrade stays valid for the same origin
	if parse.Origin(next) != parse.Origin(r.current) {
		r.tlsMode = TLSDefault
	}
	r.current = next
	r.fallback = nil
	if r.fallbackIdx > 0 {
		r.downgradeDone = true
	}
	return stateRequesting
}

// download reads (or skips) the body of the final response
func (r *fetchRun) download() fetchState {
	resp := r.resp
	res := r.metaResult()
	defer r.closeHop()

	if !shouldDownload(resp, r.current, r.opts.IsExternal) {
		// Closing without draining aborts the transfer
		resp.Body.Close()
		r.resp = nil
		r.finish(res)
		return stateDone
	}

	raw, truncated, err := readBody(resp.Body, r.f.maxBodyBytes)
	resp.Body.Close()
	r.resp = nil
	if err != nil {
		res.Err = newError(classify(err, r.hopCtx, r.ctx), r.current.String(), fmt.Errorf("%w: %w", utils.ErrResponseBodyRead, err))
		r.finish(res)
		return stateDone
	}
	if truncated {
		r.log.Warnf("Body exceeds %d bytes, truncated", r.f.maxBodyBytes)
	}

	decoded, err := decodeBody(raw, resp.Header.Get("Content-Encoding"), r.f.maxBodyBytes)
	if err != nil {
		r.log.WithError(err).Warn("Failed to decode body, treating as empty")
		decoded = nil
	}
	res.Body = string(decoded)
	r.finish(res)
	return stateDone
}

// finish records the single result of this fetch. Later calls are ignored.
func (r *fetchRun) finish(res *models.FetchResult) {
	if r.completed {
		r.log.Warn("Fetch already completed, ignoring second completion")
		return
	}
	r.completed = true
	res.Hops = r.hops
	res.Attempts = r.attempts
	r.result = res
}

func (r *fetchRun) canDowngrade() bool {
	if r.downgradeDone || r.current.Scheme != "https" {
		return false
	}
	return r.fallbackIdx < len(fallbackModes)
}

func (r *fetchRun) canAuth() bool {
	return !r.authAttempted && !r.opts.IsExternal && r.opts.UseAuth &&
		r.opts.Auth != nil && r.opts.Auth.Username != ""
}

func (r *fetchRun) newHopContext() (context.Context, context.CancelFunc) {
	if r.opts.Timeout > 0 {
		return context.WithTimeout(r.ctx, r.opts.Timeout)
	}
	return context.WithCancel(r.ctx)
}

func (r *fetchRun) closeHop() {
	if r.hopCancel != nil {
		r.hopCancel()
		r.hopCancel = nil
	}
}

func (r *fetchRun) setHeaders(req *http.Request) {
	if r.f.userAgent != "" {
		req.Header.Set("User-Agent", r.f.userAgent)
	}
	req.Header.Set("Accept-Encoding", defaultAcceptEncoding)
	if r.opts.Cookies != nil {
		if cookie := r.opts.Cookies.CookiesFor(r.current); cookie != "" {
			req.Header.Set("Cookie", cookie)
		}
	}
	// Credentials stay on the origin they were offered to
	if r.authAttempted && parse.Origin(r.current) == parse.Origin(r.start) {
		req.SetBasicAuth(r.opts.Auth.Username, r.opts.Auth.Password)
	}
}

// discardResponse drains a small amount of the body so the connection can be reused, then closes it
func (r *fetchRun) discardResponse() {
	if r.resp != nil {
		io.CopyN(io.Discard, r.resp.Body, 4<<10)
		r.resp.Body.Close()
		r.resp = nil
	}
	r.closeHop()
}

func (r *fetchRun) metaResult() *models.FetchResult {
	res := &models.FetchResult{FinalURL: parse.NormalizeURL(r.current)}
	if r.resp != nil {
		res.StatusCode = r.resp.StatusCode
		res.Header = r.resp.Header.Clone()
	}
	return res
}

func (r *fetchRun) errorResult(err *Error) *models.FetchResult {
	return &models.FetchResult{Err: err, FinalURL: parse.NormalizeURL(r.current)}
}

func isRedirect(resp *http.Response) bool {
	return resp.StatusCode >= 300 && resp.StatusCode < 400 && resp.Header.Get("Location") != ""
}

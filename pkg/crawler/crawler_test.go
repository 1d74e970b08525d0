package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/sitecrawl/pkg/config"
	"github.com/Sriram-PR/sitecrawl/pkg/fetch"
	"github.com/Sriram-PR/sitecrawl/pkg/models"
	"github.com/Sriram-PR/sitecrawl/pkg/parse"
	"github.com/Sriram-PR/sitecrawl/pkg/scope"
	"github.com/Sriram-PR/sitecrawl/pkg/utils"
)

// --- Helpers ---

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func testConfig() *config.CrawlConfig {
	return &config.CrawlConfig{
		Concurrency: 1,
		Timeout:     2 * time.Second,
	}
}

func newTestCrawler(t *testing.T, cfg *config.CrawlConfig, opts ...Option) *Crawler {
	t.Helper()
	c, err := New(cfg, testLogger(), opts...)
	require.NoError(t, err)
	return c
}

// eventLog records every event of a run
type eventLog struct {
	mu        sync.Mutex
	crawled   []*models.Response
	bodies    []string
	errs      []error
	errResps  []*models.Response
	redirects [][2]string
	redirResp []*models.Response
	finishes  int
}

func watch(c *Crawler) *eventLog {
	l := &eventLog{}
	c.OnPageCrawled(func(resp *models.Response, body string) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.crawled = append(l.crawled, resp)
		l.bodies = append(l.bodies, body)
	})
	c.OnError(func(err error, resp *models.Response, _ string) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.errs = append(l.errs, err)
		l.errResps = append(l.errResps, resp)
	})
	c.OnRedirect(func(original string, resp *models.Response, final string) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.redirects = append(l.redirects, [2]string{original, final})
		l.redirResp = append(l.redirResp, resp)
	})
	c.OnFinish(func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.finishes++
	})
	return l
}

func (l *eventLog) crawledURLs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	urls := make([]string, 0, len(l.crawled))
	for _, r := range l.crawled {
		urls = append(urls, r.URL)
	}
	return urls
}

func waitFinished(t *testing.T, c *Crawler) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("crawl did not finish in time")
	}
	require.NoError(t, c.Wait())
}

// hitCounter counts requests per path
type hitCounter struct {
	mu   sync.Mutex
	hits map[string]int
}

func (h *hitCounter) add(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hits == nil {
		h.hits = make(map[string]int)
	}
	h.hits[path]++
}

func (h *hitCounter) get(path string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hits[path]
}

func writeHTML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, body)
}

// fakeFetcher answers fetches from a function and counts calls per URL
type fakeFetcher struct {
	mu      sync.Mutex
	calls   map[string]int
	respond func(ctx context.Context, rawURL string, opts fetch.Options) *models.FetchResult
}

func newFakeFetcher(respond func(ctx context.Context, rawURL string, opts fetch.Options) *models.FetchResult) *fakeFetcher {
	return &fakeFetcher{calls: make(map[string]int), respond: respond}
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL string, opts fetch.Options) *models.FetchResult {
	f.mu.Lock()
	f.calls[rawURL]++
	f.mu.Unlock()
	return f.respond(ctx, rawURL, opts)
}

func (f *fakeFetcher) count(rawURL string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[rawURL]
}

func htmlResult(rawURL, body string) *models.FetchResult {
	return &models.FetchResult{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/html"}},
		FinalURL:   rawURL,
		Body:       body,
	}
}

// staticSite serves fixed HTML pages by URL; unknown URLs get a 404
func staticSite(pages map[string]string) *fakeFetcher {
	return newFakeFetcher(func(_ context.Context, rawURL string, _ fetch.Options) *models.FetchResult {
		body, ok := pages[rawURL]
		if !ok {
			return &models.FetchResult{StatusCode: http.StatusNotFound, FinalURL: rawURL}
		}
		return htmlResult(rawURL, body)
	})
}

// memRecorder keeps outcomes in memory
type memRecorder struct {
	mu      sync.Mutex
	entries map[string]*models.PageDBEntry
}

func (m *memRecorder) RecordOutcome(url string, entry *models.PageDBEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[string]*models.PageDBEntry)
	}
	m.entries[url] = entry
	return nil
}

func (m *memRecorder) get(url string) *models.PageDBEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[url]
}

// --- Construction ---

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, testLogger())
	assert.ErrorIs(t, err, utils.ErrConfigValidation)

	_, err = New(&config.CrawlConfig{ExcludePatterns: []string{"("}}, testLogger())
	assert.ErrorIs(t, err, utils.ErrConfigValidation)

	_, err = New(&config.CrawlConfig{Auth: &config.Credentials{Password: "x"}}, testLogger())
	assert.ErrorIs(t, err, utils.ErrConfigValidation)

	c, err := New(&config.CrawlConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConcurrency, c.cfg.Concurrency)
	assert.NotEmpty(t, c.RunID())
	assert.NotNil(t, c.cookies, "cookies are enabled by default")
}

func TestNew_CookiesDisabled(t *testing.T) {
	disabled := false
	cfg := testConfig()
	cfg.Cookies = &disabled
	jar, err := fetch.NewJarStore(testLogger())
	require.NoError(t, err)

	c := newTestCrawler(t, cfg, WithCookieStore(jar))
	assert.Nil(t, c.cookies)
}

func TestNew_ConfigIsDeepCopied(t *testing.T) {
	cookies := false
	cfg := testConfig()
	cfg.Auth = &config.Credentials{Username: "user", Password: "pw"}
	cfg.Cookies = &cookies
	cfg.ExcludePatterns = []string{"/private/"}

	c := newTestCrawler(t, cfg)

	cfg.Auth.Username = "intruder"
	cookies = true
	cfg.ExcludePatterns[0] = "/public/"

	assert.Equal(t, "user", c.cfg.Auth.Username)
	assert.False(t, c.cfg.CookiesEnabled())
	assert.Equal(t, []string{"/private/"}, c.cfg.ExcludePatterns)
	assert.Nil(t, c.cookies)
}

func TestAdmit_RejectionErrors(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDepth = 1
	cfg.ExcludePatterns = []string{`\.pdf$`}
	c := newTestCrawler(t, cfg)
	seed, _, err := parse.ParseAndNormalize("http://x.com/")
	require.NoError(t, err)
	policy := scope.NewPolicy(seed, c.excludes, false)

	tests := []struct {
		name     string
		raw      string
		depth    int
		wantErr  error
		category string
	}{
		{"Malformed", "::not a url", 0, utils.ErrMalformedURL, "Content_MalformedURL"},
		{"Scheme", "mailto:a@x.com", 0, utils.ErrScopeViolation, "Policy_Scope"},
		{"Pattern", "http://x.com/doc.pdf", 0, utils.ErrScopeViolation, "Policy_Scope"},
		{"External", "http://other.com/", 0, utils.ErrScopeViolation, "Policy_Scope"},
		{"TooDeep", "http://x.com/deep", 2, utils.ErrMaxDepthExceeded, "Policy_MaxDepth"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := c.admit(policy, tt.raw, tt.depth)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.category, utils.CategorizeError(err))
		})
	}

	canonical, decision, err := c.admit(policy, "HTTP://X.com:80/ok#frag", 1)
	require.NoError(t, err)
	assert.Equal(t, "http://x.com/ok", canonical)
	assert.True(t, decision.Allowed)
}

func TestFailureCause(t *testing.T) {
	tests := []struct {
		name     string
		res      *models.FetchResult
		category string
	}{
		{"NoStatus", &models.FetchResult{}, "None"},
		{"Unauthorized", &models.FetchResult{StatusCode: http.StatusUnauthorized}, "HTTP_401"},
		{"Forbidden", &models.FetchResult{StatusCode: http.StatusForbidden}, "HTTP_403"},
		{"NotFound", &models.FetchResult{StatusCode: http.StatusNotFound}, "HTTP_404"},
		{"ServerError", &models.FetchResult{StatusCode: http.StatusBadGateway}, "HTTP_5xx"},
		{"Other", &models.FetchResult{StatusCode: http.StatusTeapot}, "HTTP_OtherStatus"},
		{"FetchErrorWins", &models.FetchResult{StatusCode: 500, Err: fmt.Errorf("%w: slow", utils.ErrTimeout)}, "Network_Timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.category, utils.CategorizeError(failureCause(tt.res)))
		})
	}
	assert.ErrorIs(t, failureCause(&models.FetchResult{StatusCode: 404}), utils.ErrHTTPStatus)
}

func TestStart_MalformedSeed(t *testing.T) {
	tests := []struct {
		name string
		seed string
	}{
		{"Empty", ""},
		{"Relative", "/just/a/path"},
		{"BadEscape", "http://x.com/%zz"},
		{"Mailto", "mailto:a@b.com"},
		{"NoHost", "http:///path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ff := staticSite(nil)
			c := newTestCrawler(t, testConfig(), WithFetcher(ff))
			err := c.Start(tt.seed)
			require.Error(t, err)
			assert.ErrorIs(t, err, utils.ErrMalformedURL)
			assert.NoError(t, c.Wait(), "Wait returns immediately when the run never started")
			assert.Empty(t, ff.calls)
		})
	}
}

func TestStart_Twice(t *testing.T) {
	c := newTestCrawler(t, testConfig(), WithFetcher(staticSite(map[string]string{"http://x.com/": ""})))
	require.NoError(t, c.Start("http://x.com/"))
	assert.Error(t, c.Start("http://x.com/"))
	waitFinished(t, c)
}

func TestStart_ExcludedSeedFinishes(t *testing.T) {
	cfg := testConfig()
	cfg.ExcludePatterns = []string{`x\.com`}
	ff := staticSite(nil)
	c := newTestCrawler(t, cfg, WithFetcher(ff))
	events := watch(c)

	require.NoError(t, c.Start("http://x.com/"))
	waitFinished(t, c)

	assert.Equal(t, 1, events.finishes)
	assert.Empty(t, ff.calls)
}

// --- Frontier ---

func TestCrawl_FollowsLinks(t *testing.T) {
	var hits hitCounter
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		hits.add(r.URL.Path)
		switch r.URL.Path {
		case "/":
			writeHTML(w, `<a href="/a">A</a><a href="b">B</a><a href="#top">Top</a><a href="mailto:x@y.z">Mail</a>`)
		case "/a":
			writeHTML(w, `<a href="/">Home</a><a href="/b">B</a>`)
		case "/b":
			writeHTML(w, `<p>leaf</p>`)
		default:
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := testConfig()
	cfg.Concurrency = 3
	c := newTestCrawler(t, cfg)
	events := watch(c)

	require.NoError(t, c.Start(srv.URL))
	waitFinished(t, c)

	assert.ElementsMatch(t, []string{srv.URL + "/", srv.URL + "/a", srv.URL + "/b"}, events.crawledURLs())
	assert.ElementsMatch(t, events.crawledURLs(), c.URLsCrawled())
	assert.Equal(t, 1, events.finishes)
	assert.Empty(t, events.errs)
	for _, path := range []string{"/", "/a", "/b"} {
		assert.Equal(t, 1, hits.get(path), "path %s fetched once", path)
	}

	stats := c.Stats()
	assert.Equal(t, int64(3), stats.PagesCrawled)
	assert.Equal(t, int64(3), stats.FetchAttempts)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 3, stats.Visited)
}

func TestCrawl_ReferrerAndDepth(t *testing.T) {
	ff := staticSite(map[string]string{
		"http://x.com/":    `<a href="/a">A</a>`,
		"http://x.com/a":   `<a href="/a/b">B</a>`,
		"http://x.com/a/b": `<a href="/a/b/c">C</a>`,
	})
	cfg := testConfig()
	cfg.MaxDepth = 1
	c := newTestCrawler(t, cfg, WithFetcher(ff))
	events := watch(c)

	require.NoError(t, c.Start("http://x.com/"))
	waitFinished(t, c)

	assert.Equal(t, []string{"http://x.com/", "http://x.com/a"}, events.crawledURLs())
	assert.Equal(t, "http://x.com/", events.crawled[1].Referrer)
	assert.Equal(t, 0, ff.count("http://x.com/a/b"))
}

func TestQueue_IdempotentDedup(t *testing.T) {
	ff := staticSite(map[string]string{
		"http://x.com/":  `<p>seed</p>`,
		"http://x.com/u": `<p>u</p>`,
	})
	c := newTestCrawler(t, testConfig(), WithFetcher(ff))
	events := watch(c)

	var first, second bool
	c.OnPageCrawled(func(resp *models.Response, _ string) {
		if resp.URL == "http://x.com/" {
			first = c.Queue("http://x.com/u", "")
			second = c.Queue("http://x.com/u", "")
		}
	})

	require.NoError(t, c.Start("http://x.com/"))
	waitFinished(t, c)

	assert.True(t, first)
	assert.False(t, second)
	assert.Equal(t, 1, ff.count("http://x.com/u"))
	assert.Len(t, events.crawled, 2)
}

func TestQueue_BeforeStartAndAfterFinish(t *testing.T) {
	ff := staticSite(map[string]string{"http://x.com/": ""})
	c := newTestCrawler(t, testConfig(), WithFetcher(ff))

	assert.False(t, c.Queue("http://x.com/early", ""), "no origin before Start")

	require.NoError(t, c.Start("http://x.com/"))
	waitFinished(t, c)

	assert.False(t, c.Queue("http://x.com/late", ""), "run is over")
	assert.Equal(t, 0, ff.count("http://x.com/late"))
}

func TestQueue_FragmentIrrelevance(t *testing.T) {
	ff := staticSite(map[string]string{
		"http://x.com/":  `<p>seed</p>`,
		"http://x.com/p": `<p>p</p>`,
	})
	c := newTestCrawler(t, testConfig(), WithFetcher(ff))

	var results []bool
	c.OnPageCrawled(func(resp *models.Response, _ string) {
		if resp.URL != "http://x.com/" {
			return
		}
		results = append(results,
			c.Queue("http://x.com/p#a", ""),
			c.Queue("http://x.com/p#b", ""),
			c.Queue("http://x.com/#b", ""),
		)
	})

	require.NoError(t, c.Start("http://x.com/#a"))
	waitFinished(t, c)

	assert.Equal(t, []bool{true, false, false}, results)
	assert.Equal(t, 1, ff.count("http://x.com/"))
	assert.Equal(t, 1, ff.count("http://x.com/p"))
}

func TestQueue_ExclusionAndSchemes(t *testing.T) {
	ff := staticSite(map[string]string{"http://x.com/": `<p>seed</p>`})
	cfg := testConfig()
	cfg.ExcludePatterns = []string{`/mt-search\.cgi`}
	c := newTestCrawler(t, cfg, WithFetcher(ff))
	events := watch(c)

	rejected := []string{
		"http://x.com/mt-search.cgi",
		"http://x.com/mt-search.cgi?q=go",
		"mailto:a@b.com",
		"javascript:void(0)",
		"tel:123",
		"ftp://x.com/file.txt",
		"file:///etc/passwd",
		"http://other.com/",
		"not a url",
	}
	results := make(map[string]bool)
	c.OnPageCrawled(func(*models.Response, string) {
		for _, u := range rejected {
			results[u] = c.Queue(u, "http://x.com/")
		}
	})

	require.NoError(t, c.Start("http://x.com/"))
	waitFinished(t, c)

	for _, u := range rejected {
		assert.False(t, results[u], "%s should be rejected", u)
	}
	assert.Empty(t, events.errs, "rejections emit no error events")
	assert.Len(t, ff.calls, 1, "only the seed reaches the fetcher")
}

// --- Redirects ---

func TestCrawl_RedirectConvergence(t *testing.T) {
	var hits hitCounter
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		hits.add(r.URL.Path)
		switch r.URL.Path {
		case "/":
			writeHTML(w, `<a href="/a">A</a><a href="/b">B</a>`)
		case "/a":
			http.Redirect(w, r, "/b", http.StatusMovedPermanently)
		case "/b":
			writeHTML(w, `<a href="/">Home</a>`)
		default:
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	rec := &memRecorder{}
	c := newTestCrawler(t, testConfig(), WithOutcomeRecorder(rec))
	events := watch(c)

	require.NoError(t, c.Start(srv.URL+"/"))
	waitFinished(t, c)

	assert.Equal(t, []string{srv.URL + "/", srv.URL + "/b"}, events.crawledURLs())
	require.Len(t, events.redirects, 1)
	assert.Equal(t, [2]string{srv.URL + "/a", srv.URL + "/b"}, events.redirects[0])
	assert.Equal(t, srv.URL+"/b", events.redirResp[0].URL)
	assert.Equal(t, http.StatusOK, events.redirResp[0].StatusCode)
	assert.Equal(t, []string{srv.URL + "/a"}, events.crawled[1].RedirectedFrom)
	assert.Equal(t, 1, hits.get("/b"), "queued /b is skipped once resolved through /a")
	assert.Equal(t, int64(1), c.Stats().Redirects)

	redirected := rec.get(srv.URL + "/a")
	require.NotNil(t, redirected)
	assert.Equal(t, models.PageStatusRedirected, redirected.Status)
	assert.Equal(t, srv.URL+"/b", redirected.RedirectTo)

	success := rec.get(srv.URL + "/b")
	require.NotNil(t, success)
	assert.Equal(t, models.PageStatusSuccess, success.Status)
	assert.Equal(t, []string{srv.URL + "/a"}, success.RedirectOf)
}

func TestCrawl_RedirectToResolvedTargetIsAbandoned(t *testing.T) {
	// /b is crawled before /a redirects to it
	ff := newFakeFetcher(func(_ context.Context, rawURL string, _ fetch.Options) *models.FetchResult {
		switch rawURL {
		case "http://x.com/":
			return htmlResult(rawURL, `<a href="/b">B</a><a href="/a">A</a>`)
		case "http://x.com/a":
			res := htmlResult("http://x.com/b", "")
			res.Hops = 1
			return res
		default:
			return htmlResult(rawURL, "")
		}
	})
	c := newTestCrawler(t, testConfig(), WithFetcher(ff))
	events := watch(c)

	require.NoError(t, c.Start("http://x.com/"))
	waitFinished(t, c)

	assert.Equal(t, []string{"http://x.com/", "http://x.com/b"}, events.crawledURLs())
	assert.Empty(t, events.redirects)
	assert.Empty(t, events.errs)
	assert.Equal(t, int64(1), c.Stats().Converged)
}

func TestCrawl_RedirectToExternalReclassifies(t *testing.T) {
	var extHits hitCounter
	ext := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		extHits.add(r.URL.Path)
		writeHTML(w, `<a href="/secret">secret</a>`)
	}))
	defer ext.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeHTML(w, `<a href="/go">Go</a>`)
	})
	mux.HandleFunc("/go", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, ext.URL+"/landing", http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestCrawler(t, testConfig())
	events := watch(c)

	require.NoError(t, c.Start(srv.URL))
	waitFinished(t, c)

	require.Len(t, events.crawled, 2)
	landing := events.crawled[1]
	assert.Equal(t, ext.URL+"/landing", landing.URL)
	assert.True(t, landing.IsExternal)
	assert.Equal(t, 0, extHits.get("/secret"), "links on external pages are not followed")
}

// --- Failures ---

func TestCrawl_RetryExhaustion(t *testing.T) {
	var hits hitCounter
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.add(r.URL.Path)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Retries = 2
	rec := &memRecorder{}
	c := newTestCrawler(t, cfg, WithOutcomeRecorder(rec))
	events := watch(c)

	require.NoError(t, c.Start(srv.URL+"/bad"))
	waitFinished(t, c)

	assert.Equal(t, 3, hits.get("/bad"))
	require.Len(t, events.errs, 1)
	assert.NoError(t, events.errs[0], "plain status failures carry a nil error")
	assert.Equal(t, http.StatusBadRequest, events.errResps[0].StatusCode)
	assert.Empty(t, events.crawled)
	assert.Equal(t, 1, events.finishes)

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Retries)
	assert.Equal(t, int64(3), stats.FetchAttempts)
	assert.Equal(t, int64(1), stats.Errors)

	entry := rec.get(srv.URL + "/bad")
	require.NotNil(t, entry)
	assert.Equal(t, models.PageStatusFailure, entry.Status)
	assert.Equal(t, 3, entry.Attempts)
	assert.Equal(t, "HTTP_OtherStatus", entry.ErrorType)
}

func TestCrawl_RetryThenSuccess(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 2 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		writeHTML(w, "<p>ok</p>")
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Retries = 3
	c := newTestCrawler(t, cfg)
	events := watch(c)

	require.NoError(t, c.Start(srv.URL))
	waitFinished(t, c)

	assert.Equal(t, int32(2), attempts.Load())
	assert.Len(t, events.crawled, 1)
	assert.Empty(t, events.errs)
}

func TestCrawl_TimeoutFires(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Timeout = 10 * time.Millisecond
	c := newTestCrawler(t, cfg)
	events := watch(c)

	start := time.Now()
	require.NoError(t, c.Start(srv.URL))
	waitFinished(t, c)

	assert.Less(t, time.Since(start), 4*time.Second)
	require.Len(t, events.errs, 1)
	assert.Equal(t, fetch.CodeTimeout, fetch.CodeOf(events.errs[0]))
	assert.ErrorIs(t, events.errs[0], utils.ErrTimeout)
	assert.Equal(t, 1, events.finishes)
}

func TestCrawl_UnreachableSeedStillFinishes(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c := newTestCrawler(t, testConfig())
	events := watch(c)

	require.NoError(t, c.Start(addr))
	waitFinished(t, c)

	require.Len(t, events.errs, 1)
	assert.Error(t, events.errs[0])
	assert.Equal(t, 0, events.errResps[0].StatusCode)
	assert.Equal(t, 1, events.finishes)
}

func TestCrawl_BenignParseError(t *testing.T) {
	parseErr := &fetch.Error{Code: fetch.CodeParse, URL: "x", Err: io.ErrUnexpectedEOF}

	tests := []struct {
		name        string
		header      http.Header
		status      int
		wantCrawled bool
	}{
		{"External200WithContentLength", http.Header{"Content-Length": {"42"}}, http.StatusOK, true},
		{"NoContentLength", http.Header{}, http.StatusOK, false},
		{"Non200", http.Header{"Content-Length": {"42"}}, http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ff := newFakeFetcher(func(_ context.Context, rawURL string, _ fetch.Options) *models.FetchResult {
				if rawURL == "http://x.com/" {
					return htmlResult(rawURL, `<a href="http://ext.test/page">ext</a>`)
				}
				return &models.FetchResult{Err: parseErr, StatusCode: tt.status, Header: tt.header, FinalURL: rawURL}
			})
			cfg := testConfig()
			cfg.CrawlExternal = true
			c := newTestCrawler(t, cfg, WithFetcher(ff))
			events := watch(c)

			require.NoError(t, c.Start("http://x.com/"))
			waitFinished(t, c)

			assert.Equal(t, tt.wantCrawled, slices.Contains(events.crawledURLs(), "http://ext.test/page"))
			assert.Equal(t, !tt.wantCrawled, len(events.errs) == 1)
		})
	}
}

func TestCrawl_ParseErrorOnInternalPageIsFailure(t *testing.T) {
	ff := newFakeFetcher(func(_ context.Context, rawURL string, _ fetch.Options) *models.FetchResult {
		return &models.FetchResult{
			Err:        &fetch.Error{Code: fetch.CodeParse, URL: rawURL},
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Length": {"10"}},
			FinalURL:   rawURL,
		}
	})
	c := newTestCrawler(t, testConfig(), WithFetcher(ff))
	events := watch(c)

	require.NoError(t, c.Start("http://x.com/"))
	waitFinished(t, c)

	require.Len(t, events.errs, 1)
	assert.Equal(t, fetch.CodeParse, fetch.CodeOf(events.errs[0]))
}

// --- External gating ---

func TestCrawl_ExternalGating(t *testing.T) {
	var extHits hitCounter
	ext := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		extHits.add(r.URL.Path)
		switch r.URL.Path {
		case "/data":
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write([]byte{0x00, 0x01, 0x02})
		default:
			writeHTML(w, `<a href="/secret">secret</a>`)
		}
	}))
	defer ext.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeHTML(w, fmt.Sprintf(`<a href="%s/data">data</a><a href="%s/page">page</a>`, ext.URL, ext.URL))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.CrawlExternal = true
	c := newTestCrawler(t, cfg)
	events := watch(c)

	require.NoError(t, c.Start(srv.URL))
	waitFinished(t, c)

	require.Len(t, events.crawled, 3)
	for i, resp := range events.crawled[1:] {
		assert.True(t, resp.IsExternal, resp.URL)
		assert.Empty(t, events.bodies[i+1], resp.URL)
		assert.Equal(t, srv.URL+"/", resp.Referrer)
	}
	assert.False(t, events.crawled[0].IsExternal)
	assert.Equal(t, 0, extHits.get("/secret"))
}

func TestCrawl_ExternalSkippedByDefault(t *testing.T) {
	ff := staticSite(map[string]string{"http://x.com/": `<a href="http://y.com/">y</a>`})
	c := newTestCrawler(t, testConfig(), WithFetcher(ff))
	events := watch(c)

	require.NoError(t, c.Start("http://x.com/"))
	waitFinished(t, c)

	assert.Equal(t, []string{"http://x.com/"}, events.crawledURLs())
	assert.Equal(t, 0, ff.count("http://y.com/"))
}

// --- Kill ---

func TestKill_AfterFirstPage(t *testing.T) {
	var hits hitCounter
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.add(r.URL.Path)
		writeHTML(w, `<a href="/a">A</a><a href="/b">B</a>`)
	}))
	defer srv.Close()

	c := newTestCrawler(t, testConfig())
	events := watch(c)
	c.OnPageCrawled(func(*models.Response, string) {
		c.Kill()
		c.Kill()
	})

	require.NoError(t, c.Start(srv.URL))
	waitFinished(t, c)

	assert.Equal(t, []string{srv.URL + "/"}, c.URLsCrawled())
	assert.Equal(t, 1, events.finishes)
	assert.Empty(t, events.errs)
	assert.True(t, c.Killed())
	assert.Equal(t, 0, hits.get("/a"))
	assert.Equal(t, 0, hits.get("/b"))
	assert.False(t, c.Queue(srv.URL+"/c", ""))
}

func TestKill_FromHandlerAtDefaultConcurrency(t *testing.T) {
	for i := range 20 {
		t.Run(fmt.Sprintf("run%d", i), func(t *testing.T) {
			var hits hitCounter
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.add(r.URL.Path)
				writeHTML(w, `<a href="/a">A</a><a href="/b">B</a>`)
			}))
			defer srv.Close()

			cfg := testConfig()
			cfg.Concurrency = 4
			c := newTestCrawler(t, cfg)
			var queuedDuringHandler int
			c.OnPageCrawled(func(*models.Response, string) {
				queuedDuringHandler = c.Stats().Queued
				time.Sleep(5 * time.Millisecond)
			})
			c.OnPageCrawled(func(*models.Response, string) { c.Kill() })

			require.NoError(t, c.Start(srv.URL))
			waitFinished(t, c)

			assert.Zero(t, queuedDuringHandler, "links are queued after handlers return")
			assert.Equal(t, []string{srv.URL + "/"}, c.URLsCrawled())
			assert.Equal(t, 0, hits.get("/a"))
			assert.Equal(t, 0, hits.get("/b"))
		})
	}
}

func TestKill_DiscardsInFlightFetch(t *testing.T) {
	release := make(chan struct{})
	ff := newFakeFetcher(func(ctx context.Context, rawURL string, _ fetch.Options) *models.FetchResult {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return htmlResult(rawURL, `<a href="/a">A</a>`)
	})
	c := newTestCrawler(t, testConfig(), WithFetcher(ff))
	events := watch(c)

	require.NoError(t, c.Start("http://x.com/"))
	require.Eventually(t, func() bool { return ff.count("http://x.com/") == 1 }, 5*time.Second, 5*time.Millisecond)
	c.Kill()
	close(release)
	waitFinished(t, c)

	assert.Empty(t, events.crawled)
	assert.Empty(t, events.errs)
	assert.Equal(t, 1, events.finishes)
	assert.Equal(t, 0, ff.count("http://x.com/a"))
}

func TestStartContext_CancelKills(t *testing.T) {
	ff := newFakeFetcher(func(ctx context.Context, rawURL string, _ fetch.Options) *models.FetchResult {
		<-ctx.Done()
		return &models.FetchResult{Err: ctx.Err()}
	})
	c := newTestCrawler(t, testConfig(), WithFetcher(ff))
	events := watch(c)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.StartContext(ctx, "http://x.com/"))
	require.Eventually(t, func() bool { return ff.count("http://x.com/") == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	waitFinished(t, c)

	assert.True(t, c.Killed())
	assert.Empty(t, events.errs)
	assert.Equal(t, 1, events.finishes)
}

func TestKill_BeforeStart(t *testing.T) {
	c := newTestCrawler(t, testConfig(), WithFetcher(staticSite(nil)))
	c.Kill()
	assert.ErrorIs(t, c.Start("http://x.com/"), utils.ErrCrawlKilled)
}

// --- Events ---

func TestEvents_OrderAndPanicIsolation(t *testing.T) {
	ff := staticSite(map[string]string{"http://x.com/": "<p>x</p>"})
	c := newTestCrawler(t, testConfig(), WithFetcher(ff))

	var order []string
	c.On(EventPageCrawled, func(Event) { order = append(order, "first") })
	c.On(EventPageCrawled, func(Event) { panic("boom") })
	c.On(EventPageCrawled, func(ev Event) {
		order = append(order, "third")
		assert.Equal(t, EventPageCrawled, ev.Kind)
		assert.Equal(t, "<p>x</p>", ev.Body)
	})
	c.On(EventFinish, func(Event) { order = append(order, "finish") })

	require.NoError(t, c.Start("http://x.com/"))
	waitFinished(t, c)

	assert.Equal(t, []string{"first", "third", "finish"}, order)
}

func TestEventKind_String(t *testing.T) {
	assert.Equal(t, "pageCrawled", EventPageCrawled.String())
	assert.Equal(t, "error", EventError.String())
	assert.Equal(t, "redirect", EventRedirect.String())
	assert.Equal(t, "finish", EventFinish.String())
	assert.Equal(t, "unknown", EventKind(99).String())
}

// --- Options ---

func TestCrawl_CustomExtractor(t *testing.T) {
	ff := staticSite(map[string]string{
		"http://x.com/":      "<p>no anchors</p>",
		"http://x.com/extra": "",
	})
	c := newTestCrawler(t, testConfig(), WithFetcher(ff), WithLinkExtractor(failingOrFixedExtractor{links: []string{"/extra"}}))
	events := watch(c)

	require.NoError(t, c.Start("http://x.com/"))
	waitFinished(t, c)

	assert.Equal(t, []string{"http://x.com/", "http://x.com/extra"}, events.crawledURLs())
}

func TestCrawl_ExtractorErrorIsNonFatal(t *testing.T) {
	ff := staticSite(map[string]string{"http://x.com/": "<p>x</p>"})
	c := newTestCrawler(t, testConfig(), WithFetcher(ff), WithLinkExtractor(failingOrFixedExtractor{err: errors.New("broken DOM")}))
	events := watch(c)

	require.NoError(t, c.Start("http://x.com/"))
	waitFinished(t, c)

	assert.Equal(t, []string{"http://x.com/"}, events.crawledURLs())
	assert.Empty(t, events.errs)
}

func TestCrawl_PassesFetchOptions(t *testing.T) {
	var got fetch.Options
	ff := newFakeFetcher(func(_ context.Context, rawURL string, opts fetch.Options) *models.FetchResult {
		got = opts
		return htmlResult(rawURL, "")
	})
	cfg := testConfig()
	cfg.Auth = &config.Credentials{Username: "u", Password: "p"}
	cfg.StrictSSL = true
	cfg.Timeout = 3 * time.Second
	c := newTestCrawler(t, cfg, WithFetcher(ff))

	require.NoError(t, c.Start("http://x.com/"))
	waitFinished(t, c)

	assert.True(t, got.UseAuth)
	assert.True(t, got.StrictSSL)
	assert.False(t, got.IsExternal)
	assert.Equal(t, 3*time.Second, got.Timeout)
	assert.Equal(t, "u", got.Auth.Username)
	assert.NotNil(t, got.Cookies)
}

func TestCrawl_MaxRequestsPerHost(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		if r.URL.Path == "/" {
			writeHTML(w, `<a href="/1">1</a><a href="/2">2</a><a href="/3">3</a><a href="/4">4</a>`)
			return
		}
		writeHTML(w, "")
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Concurrency = 4
	cfg.MaxRequestsPerHost = 1
	c := newTestCrawler(t, cfg)
	events := watch(c)

	require.NoError(t, c.Start(srv.URL))
	waitFinished(t, c)

	assert.Len(t, events.crawled, 5)
	assert.Equal(t, int32(1), peak.Load())
}

// failingOrFixedExtractor yields fixed links or fails
type failingOrFixedExtractor struct {
	links []string
	err   error
}

func (e failingOrFixedExtractor) Links(string) (iter.Seq[string], error) {
	if e.err != nil {
		return nil, e.err
	}
	return func(yield func(string) bool) {
		for _, l := range e.links {
			if !yield(l) {
				return
			}
		}
	}, nil
}

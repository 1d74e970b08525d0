package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Sriram-PR/sitecrawl/pkg/config"
	"github.com/Sriram-PR/sitecrawl/pkg/fetch"
	"github.com/Sriram-PR/sitecrawl/pkg/models"
	"github.com/Sriram-PR/sitecrawl/pkg/parse"
	"github.com/Sriram-PR/sitecrawl/pkg/process"
	"github.com/Sriram-PR/sitecrawl/pkg/queue"
	"github.com/Sriram-PR/sitecrawl/pkg/scope"
	"github.com/Sriram-PR/sitecrawl/pkg/storage"
	"github.com/Sriram-PR/sitecrawl/pkg/utils"
)

// hostEvictionInterval controls how often idle per-host semaphores are dropped
const hostEvictionInterval = time.Minute

// PageFetcher performs one logical fetch. *fetch.Fetcher is the production implementation.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string, opts fetch.Options) *models.FetchResult
}

// Option customizes a Crawler at construction time
type Option func(*Crawler)

// WithFetcher replaces the HTTP fetcher
func WithFetcher(f PageFetcher) Option {
	return func(c *Crawler) { c.fetcher = f }
}

// WithLinkExtractor replaces the goquery link extractor
func WithLinkExtractor(e process.LinkExtractor) Option {
	return func(c *Crawler) { c.extractor = e }
}

// WithCookieStore replaces the default in-memory cookie jar.
// Ignored when cookies are disabled in the config.
func WithCookieStore(s fetch.CookieStore) Option {
	return func(c *Crawler) { c.cookies = s }
}

// WithOutcomeRecorder records every terminal page outcome
func WithOutcomeRecorder(r storage.OutcomeRecorder) Option {
	return func(c *Crawler) { c.recorder = r }
}

// Stats is a snapshot of crawl counters
type Stats struct {
	PagesCrawled  int64 // pageCrawled events emitted
	Errors        int64 // error events emitted
	Redirects     int64 // redirect events emitted
	Converged     int64 // tasks abandoned because their redirect target was already resolved
	Retries       int64 // retry attempts scheduled
	FetchAttempts int64 // logical fetches issued
	Queued        int   // tasks waiting in the frontier
	Pending       int   // queued plus in-flight tasks
	Visited       int   // URLs resolved to a terminal state
}

// Crawler is a single crawl run. Construct a fresh one per run.
type Crawler struct {
	cfg       config.CrawlConfig
	log       *logrus.Entry
	runID     string
	excludes  []*regexp.Regexp
	fetcher   PageFetcher
	extractor process.LinkExtractor
	cookies   fetch.CookieStore
	recorder  storage.OutcomeRecorder
	hostSem   *fetch.HostSemaphorePool

	ownFetcher *fetch.Fetcher // Set when the crawler built its own fetcher
	links      *process.LinkProcessor
	visited    *storage.VisitedSet
	pq         *queue.ThreadSafePriorityQueue
	policy     atomic.Pointer[scope.Policy]
	events     *emitter

	runCtx     context.Context
	cancelRun  context.CancelFunc
	stopParent func() bool

	group      errgroup.Group
	started    atomic.Bool
	killed     atomic.Bool
	mu         sync.Mutex // Guards pending, finished and crawled
	pending    int        // Tasks queued or in flight
	finished   bool
	crawled    []string
	finishOnce sync.Once
	done       chan struct{}

	pagesCrawled  atomic.Int64
	errorCount    atomic.Int64
	redirects     atomic.Int64
	converged     atomic.Int64
	retries       atomic.Int64
	fetchAttempts atomic.Int64
}

// New validates cfg and builds a crawl run. cfg is copied; later changes to it have no effect.
func New(cfg *config.CrawlConfig, logger *logrus.Entry, opts ...Option) (*Crawler, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil crawl config", utils.ErrConfigValidation)
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	c := &Crawler{
		cfg:     *cfg.Clone(),
		runID:   uuid.NewString(),
		visited: storage.NewVisitedSet(),
		done:    make(chan struct{}),
	}
	c.log = logger.WithField("run_id", c.runID)

	warnings, err := c.cfg.Validate()
	for _, w := range warnings {
		c.log.Warnf("Config: %s", w)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid crawl config: %w", err)
	}
	if !c.cfg.StrictSSL {
		c.log.Debug("strict_ssl is false: TLS certificates will not be verified")
	}
	c.excludes, err = utils.CompileRegexPatterns(c.cfg.ExcludePatterns)
	if err != nil {
		return nil, err
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.fetcher == nil {
		c.ownFetcher = fetch.NewFetcher(c.cfg.HTTPClientSettings, c.cfg.UserAgent, c.cfg.MaxBodyBytes, c.log.WithField("component", "fetcher"))
		c.fetcher = c.ownFetcher
	}
	if !c.cfg.CookiesEnabled() {
		c.cookies = nil
	} else if c.cookies == nil {
		jar, jarErr := fetch.NewJarStore(c.log.WithField("component", "cookies"))
		if jarErr != nil {
			return nil, fmt.Errorf("create cookie store: %w", jarErr)
		}
		c.cookies = jar
	}
	if c.cfg.MaxRequestsPerHost > 0 {
		c.hostSem = fetch.NewHostSemaphorePool(c.cfg.MaxRequestsPerHost, c.log.WithField("component", "host_semaphore"))
		c.log.Debugf("Per-host request cap: %d", c.hostSem.Limit())
	}

	c.pq = queue.NewThreadSafePriorityQueue(c.log.WithField("component", "queue"))
	c.events = newEmitter(c.log.WithField("component", "events"))
	c.links = process.NewLinkProcessor(c.extractor, c, c.cfg.MaxDepth, c.log.WithField("component", "links"))
	c.runCtx, c.cancelRun = context.WithCancel(context.Background())

	return c, nil
}

// RunID identifies this crawl run in logs
func (c *Crawler) RunID() string { return c.runID }

// Start runs the crawl rooted at seed. See StartContext.
func (c *Crawler) Start(seed string) error {
	return c.StartContext(context.Background(), seed)
}

// StartContext designates seed as the crawl's origin, starts the workers and enqueues seed.
// It returns immediately; use Wait or Done to observe completion.
// A malformed seed is fatal and no worker starts. Cancelling ctx behaves like Kill.
func (c *Crawler) StartContext(ctx context.Context, seed string) error {
	seedURL, canonical, err := parse.ParseAndNormalize(seed)
	if err != nil {
		return fmt.Errorf("invalid seed URL: %w", err)
	}
	if (seedURL.Scheme != "http" && seedURL.Scheme != "https") || seedURL.Hostname() == "" {
		return fmt.Errorf("%w: seed '%s' must be an absolute http(s) URL", utils.ErrMalformedURL, seed)
	}
	if c.killed.Load() {
		return utils.ErrCrawlKilled
	}
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("crawl already started")
	}
	c.policy.Store(scope.NewPolicy(seedURL, c.excludes, c.cfg.CrawlExternal))

	log := c.log.WithFields(logrus.Fields{"seed": canonical, "origin": c.policy.Load().MainOrigin()})
	log.Infof("Crawl starting with %d worker(s)...", c.cfg.Concurrency)

	if ctx != nil && ctx.Done() != nil {
		c.stopParent = context.AfterFunc(ctx, c.Kill)
	}
	if c.hostSem != nil {
		go c.hostSem.RunEviction(c.runCtx, hostEvictionInterval)
	}

	for i := 1; i <= c.cfg.Concurrency; i++ {
		workerLog := c.log.WithField("worker_id", i)
		c.group.Go(func() error {
			c.worker(workerLog)
			return nil
		})
	}

	if !c.Enqueue(canonical, "", 0) {
		log.Warn("Seed URL rejected by scope policy; nothing to crawl")
		c.finish()
	}
	return nil
}

// Queue offers an additional URL under the run's origin and policy at depth 0.
// Returns false when the URL is malformed, out of scope, already known or the run is over.
func (c *Crawler) Queue(rawURL, referrer string) bool {
	return c.Enqueue(rawURL, referrer, 0)
}

// Enqueue implements process.Enqueuer. Rejections have no side effects.
func (c *Crawler) Enqueue(rawURL, referrer string, depth int) bool {
	policy := c.policy.Load()
	if policy == nil || c.killed.Load() {
		return false
	}

	canonical, decision, err := c.admit(policy, rawURL, depth)
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"url":      rawURL,
			"category": utils.CategorizeError(err),
		}).Debugf("Rejected: %v", err)
		return false
	}

	c.mu.Lock()
	if c.finished || c.killed.Load() {
		c.mu.Unlock()
		return false
	}
	if !c.visited.TryQueue(canonical) {
		c.mu.Unlock()
		return false
	}
	c.pending++
	c.mu.Unlock()

	task := &models.CrawlTask{
		URL:        canonical,
		Referrer:   referrer,
		IsExternal: decision.External,
		CrawlLinks: !decision.External,
		Depth:      depth,
	}
	if !c.pq.Add(task) {
		c.taskDone(1)
		return false
	}
	c.log.WithFields(logrus.Fields{"url": canonical, "depth": depth}).Debug("Queued")
	return true
}

// admit applies normalization, the scope policy and the depth limit to rawURL.
// Errors wrap ErrMalformedURL, ErrScopeViolation or ErrMaxDepthExceeded.
func (c *Crawler) admit(policy *scope.Policy, rawURL string, depth int) (string, scope.Decision, error) {
	u, canonical, err := parse.ParseAndNormalize(rawURL)
	if err != nil {
		return "", scope.Decision{}, err
	}
	decision := policy.Evaluate(u)
	if !decision.Allowed {
		if decision.Pattern != "" {
			return "", decision, fmt.Errorf("%w: %s %s (%s)", utils.ErrScopeViolation, decision.Reason, canonical, decision.Pattern)
		}
		return "", decision, fmt.Errorf("%w: %s %s", utils.ErrScopeViolation, decision.Reason, canonical)
	}
	if c.cfg.MaxDepth > 0 && depth > c.cfg.MaxDepth {
		return "", decision, fmt.Errorf("%w: %s at depth %d (max %d)", utils.ErrMaxDepthExceeded, canonical, depth, c.cfg.MaxDepth)
	}
	return canonical, decision, nil
}

// Kill aborts the run: queued tasks are dropped, in-flight requests are cancelled and their
// completions discarded. Idempotent and safe to call from event handlers. finish still fires.
func (c *Crawler) Kill() {
	if !c.killed.CompareAndSwap(false, true) {
		return
	}
	c.log.Warn("Crawl killed")
	c.cancelRun()
	dropped := c.pq.Clear()
	if dropped > 0 {
		c.log.Infof("Dropped %d queued task(s)", dropped)
	}
	if c.started.Load() && c.policy.Load() != nil {
		c.taskDone(dropped)
	}
}

// Killed reports whether Kill was called
func (c *Crawler) Killed() bool { return c.killed.Load() }

// Done is closed after the finish handlers have run
func (c *Crawler) Done() <-chan struct{} { return c.done }

// Wait blocks until every worker has exited and finish has fired.
// Must not be called from an event handler.
func (c *Crawler) Wait() error {
	if !c.started.Load() {
		return nil
	}
	err := c.group.Wait()
	<-c.done
	return err
}

// URLsCrawled lists the URLs for which pageCrawled fired, in emission order
func (c *Crawler) URLsCrawled() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.crawled)
}

// Stats returns a snapshot of the run's counters
func (c *Crawler) Stats() Stats {
	c.mu.Lock()
	pending := c.pending
	c.mu.Unlock()
	return Stats{
		PagesCrawled:  c.pagesCrawled.Load(),
		Errors:        c.errorCount.Load(),
		Redirects:     c.redirects.Load(),
		Converged:     c.converged.Load(),
		Retries:       c.retries.Load(),
		FetchAttempts: c.fetchAttempts.Load(),
		Queued:        c.pq.Len(),
		Pending:       pending,
		Visited:       c.visited.Len(),
	}
}

// taskDone releases n pending slots and fires finish when none remain
func (c *Crawler) taskDone(n int) {
	c.mu.Lock()
	c.pending -= n
	if c.pending < 0 {
		c.pending = 0
	}
	drained := c.pending == 0
	c.mu.Unlock()
	if drained {
		c.finish()
	}
}

// finish closes the frontier and emits EventFinish exactly once
func (c *Crawler) finish() {
	c.finishOnce.Do(func() {
		c.mu.Lock()
		c.finished = true
		c.mu.Unlock()

		c.pq.Close()
		c.cancelRun()
		if c.stopParent != nil {
			c.stopParent()
		}
		if c.ownFetcher != nil {
			c.ownFetcher.CloseIdleConnections()
		}

		s := c.Stats()
		c.log.WithFields(logrus.Fields{
			"pages_crawled":  s.PagesCrawled,
			"errors":         s.Errors,
			"redirects":      s.Redirects,
			"retries":        s.Retries,
			"fetch_attempts": s.FetchAttempts,
			"visited":        s.Visited,
			"killed":         c.killed.Load(),
		}).Info("CRAWL FINISHED")

		c.events.emit(Event{Kind: EventFinish})
		close(c.done)
	})
}

// worker pulls one task at a time until the frontier is closed and empty
func (c *Crawler) worker(workerLog *logrus.Entry) {
	workerLog.Debug("Worker starting")
	defer workerLog.Debug("Worker finished")

	for {
		task, ok := c.pq.Pop()
		if !ok {
			return
		}
		c.runTask(task, workerLog)
	}
}

// runTask drives one task through fetch, processing and retries, then frees its slot
func (c *Crawler) runTask(task *models.CrawlTask, workerLog *logrus.Entry) {
	taskLog := workerLog.WithFields(logrus.Fields{"url": task.URL, "depth": task.Depth})
	startTime := time.Now()

	defer c.taskDone(1)
	defer func() {
		if r := recover(); r != nil {
			c.errorCount.Add(1)
			taskLog.WithFields(logrus.Fields{
				"panic_info":  r,
				"duration":    time.Since(startTime).String(),
				"stack_trace": string(debug.Stack()),
			}).Error("PANIC recovered in runTask")
		}
	}()

	if c.killed.Load() {
		return
	}
	if c.visited.IsVisited(task.URL) {
		taskLog.Debug("Already resolved by another task, skipping")
		return
	}

	for {
		res := c.fetchTask(task, taskLog)
		if c.onFetchComplete(task, res, taskLog) != actionRetry {
			break
		}
	}
	taskLog.WithField("duration", time.Since(startTime).String()).Debug("Task finished")
}

// fetchTask issues one logical fetch for task, honouring the per-host cap
func (c *Crawler) fetchTask(task *models.CrawlTask, taskLog *logrus.Entry) *models.FetchResult {
	if c.hostSem != nil {
		if u, err := url.Parse(task.URL); err == nil {
			release, err := c.hostSem.AcquireURL(c.runCtx, u)
			if err != nil {
				taskLog.Debugf("Host semaphore not acquired: %v", err)
				return &models.FetchResult{Err: err}
			}
			defer release()
			taskLog.WithField("host_in_use", c.hostSem.InUse(u.Host)).Trace("Host permit acquired")
		}
	}

	c.fetchAttempts.Add(1)
	taskLog.WithField("attempt", task.Retries+1).Debug("Fetching")
	return c.fetcher.Fetch(c.runCtx, task.URL, fetch.Options{
		Timeout:    c.cfg.Timeout,
		UseAuth:    c.cfg.HasAuth(),
		StrictSSL:  c.cfg.StrictSSL,
		IsExternal: task.IsExternal,
		Auth:       c.cfg.Auth,
		Cookies:    c.cookies,
	})
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/sitecrawl/pkg/config"
	"github.com/Sriram-PR/sitecrawl/pkg/crawler"
	applog "github.com/Sriram-PR/sitecrawl/pkg/log"
	"github.com/Sriram-PR/sitecrawl/pkg/models"
	"github.com/Sriram-PR/sitecrawl/pkg/parse"
	"github.com/Sriram-PR/sitecrawl/pkg/storage"
)

const version = "0.4.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "crawl":
		runCrawl(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "visited":
		runVisited(os.Args[2:])
	case "version":
		fmt.Printf("sitecrawl %s\n", version)
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printUsageTo(os.Stderr)
}

// printUsageTo writes usage information to the given writer
func printUsageTo(w io.Writer) {
	fmt.Fprintln(w, `sitecrawl - Web crawler

Usage:
  sitecrawl <command> [options]

Commands:
  crawl     Crawl a site starting from a seed URL
  validate  Validate a configuration file
  visited   List outcomes recorded by a previous crawl (-url for one page)
  version   Show version info

Run 'sitecrawl <command> -h' for command-specific help.`)
}

// --- crawl ---

// crawlOptions holds the parsed flags of the crawl command
type crawlOptions struct {
	configPath  string
	seed        string
	logLevel    string
	logFormat   string
	concurrency int
	retries     int
	maxDepth    int
	timeout     time.Duration
	external    bool
	excludes    []string
	stateDir    string
	keepState   bool
	visitedLog  string
	set         map[string]bool // Flags given explicitly on the command line
}

func parseCrawlFlags(args []string, stderr io.Writer) (*crawlOptions, error) {
	opts := &crawlOptions{set: make(map[string]bool)}
	fs := flag.NewFlagSet("crawl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "Path to YAML config file (optional)")
	fs.StringVar(&opts.seed, "url", "", "Seed URL (overrides seed_url from config)")
	fs.StringVar(&opts.logLevel, "loglevel", "info", "Log level (trace, debug, info, warn, error)")
	fs.StringVar(&opts.logFormat, "logformat", applog.FormatText, "Log format (text, json)")
	fs.IntVar(&opts.concurrency, "concurrency", config.DefaultConcurrency, "Number of workers")
	fs.IntVar(&opts.retries, "retries", 0, "Extra attempts per failed page")
	fs.IntVar(&opts.maxDepth, "max-depth", 0, "Maximum link depth (0 = unlimited)")
	fs.DurationVar(&opts.timeout, "timeout", config.DefaultTimeout, "Per-request timeout")
	fs.BoolVar(&opts.external, "external", false, "Also fetch pages on other origins (links on them are not followed)")
	fs.Func("exclude", "Regex of URLs to skip (repeatable)", func(v string) error {
		opts.excludes = append(opts.excludes, v)
		return nil
	})
	fs.StringVar(&opts.stateDir, "state-dir", "", "Directory for the outcome database (empty = disabled)")
	fs.BoolVar(&opts.keepState, "keep-state", false, "Keep outcomes from a previous run instead of starting fresh")
	fs.StringVar(&opts.visitedLog, "write-visited-log", "", "Write all recorded URLs to this file after the crawl (requires -state-dir)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) { opts.set[f.Name] = true })
	if opts.seed == "" && fs.NArg() > 0 {
		opts.seed = fs.Arg(0)
	}
	return opts, nil
}

// buildCrawlConfig loads the config file (if any) and applies explicit flag overrides
func buildCrawlConfig(opts *crawlOptions) (*config.CrawlConfig, error) {
	cfg := &config.CrawlConfig{}
	if opts.configPath != "" {
		loaded, err := config.LoadConfig(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if opts.seed != "" {
		cfg.SeedURL = opts.seed
	}
	if opts.set["concurrency"] || cfg.Concurrency == 0 {
		cfg.Concurrency = opts.concurrency
	}
	if opts.set["retries"] {
		cfg.Retries = opts.retries
	}
	if opts.set["max-depth"] {
		cfg.MaxDepth = opts.maxDepth
	}
	if opts.set["timeout"] || cfg.Timeout == 0 {
		cfg.Timeout = opts.timeout
	}
	if opts.set["external"] {
		cfg.CrawlExternal = opts.external
	}
	if len(opts.excludes) > 0 {
		cfg.ExcludePatterns = append(cfg.ExcludePatterns, opts.excludes...)
	}
	if opts.set["state-dir"] {
		cfg.StateDir = opts.stateDir
	}

	if cfg.SeedURL == "" {
		return nil, errors.New("a seed URL is required (-url or seed_url in config)")
	}
	return cfg, nil
}

func runCrawl(args []string) {
	opts, err := parseCrawlFlags(args, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	logger, err := applog.NewLogger(os.Stderr, opts.logLevel, opts.logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	cfg, err := buildCrawlConfig(opts)
	if err != nil {
		logger.Errorf("Configuration error: %v", err)
		os.Exit(1)
	}

	// First signal kills the crawl, second forces exit
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("PANIC in signal handler: %v", r)
			}
		}()
		select {
		case sig := <-sigChan:
			logger.Warnf("Received signal: %v. Stopping crawl...", sig)
			cancel()
		case <-ctx.Done():
			return
		}
		select {
		case sig := <-sigChan:
			logger.Warnf("Received second signal: %v. Forcing exit.", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Warn("Graceful shutdown period exceeded after signal. Forcing exit.")
			os.Exit(1)
		}
	}()

	os.Exit(executeCrawl(ctx, cfg, opts.keepState, opts.visitedLog, logrus.NewEntry(logger), os.Stdout))
}

// executeCrawl runs one crawl to completion and prints one line per event to stdout.
// Returns the process exit code.
func executeCrawl(ctx context.Context, cfg *config.CrawlConfig, keepState bool, visitedLog string, log *logrus.Entry, stdout io.Writer) int {
	seedURL, _, err := parse.ParseAndNormalize(cfg.SeedURL)
	if err != nil {
		log.Errorf("Invalid seed URL: %v", err)
		return 1
	}

	var crawlOpts []crawler.Option
	var store *storage.BadgerStore
	if cfg.StateDir != "" {
		store, err = storage.NewBadgerStore(ctx, cfg.StateDir, seedURL.Hostname(), keepState, log.WithField("component", "store"))
		if err != nil {
			log.Errorf("Failed to open outcome database: %v", err)
			return 1
		}
		defer store.Close()
		gcCtx, stopGC := context.WithCancel(ctx)
		defer stopGC()
		go store.RunGC(gcCtx, 10*time.Minute)
		crawlOpts = append(crawlOpts, crawler.WithOutcomeRecorder(store))
	}

	c, err := crawler.New(cfg, log, crawlOpts...)
	if err != nil {
		log.Errorf("Failed to initialize crawler: %v", err)
		return 1
	}

	printer := &eventPrinter{w: stdout}
	printer.attach(c)

	start := time.Now()
	log.WithField("run_id", c.RunID()).Infof("Starting crawl of %s", cfg.SeedURL)
	if err := c.StartContext(ctx, cfg.SeedURL); err != nil {
		log.Errorf("Failed to start crawl: %v", err)
		return 1
	}
	if err := c.Wait(); err != nil {
		log.Errorf("Crawl finished with error: %v", err)
		return 1
	}

	stats := c.Stats()
	fmt.Fprintf(stdout, "\nCrawled %d page(s), %d error(s), %d redirect(s), %d retr(ies) in %v\n",
		stats.PagesCrawled, stats.Errors, stats.Redirects, stats.Retries, time.Since(start).Round(time.Millisecond))

	if store != nil {
		if count, err := store.GetVisitedCount(); err == nil {
			fmt.Fprintf(stdout, "Outcome log: %d URL(s) recorded in %s\n", count, storage.DBPath(cfg.StateDir, seedURL.Hostname()))
		}
	}

	if visitedLog != "" {
		if store == nil {
			log.Warn("Skipping visited log: no state directory configured")
		} else if err := store.WriteVisitedLog(visitedLog); err != nil {
			log.Errorf("Error writing visited log: %v", err)
		}
	}

	if c.Killed() {
		log.Warn("Crawl stopped before the frontier drained.")
	}
	return 0
}

// eventPrinter writes crawl events as lines. Handlers run on several workers, so writes are serialized.
type eventPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *eventPrinter) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *eventPrinter) attach(c *crawler.Crawler) {
	c.OnPageCrawled(func(resp *models.Response, body string) {
		ext := ""
		if resp.IsExternal {
			ext = " (external)"
		}
		p.printf("OK       %d %s%s [%d bytes]\n", resp.StatusCode, resp.URL, ext, len(body))
	})
	c.OnError(func(err error, resp *models.Response, _ string) {
		if err != nil {
			p.printf("ERROR    %d %s: %v\n", resp.StatusCode, resp.URL, err)
			return
		}
		p.printf("ERROR    %d %s\n", resp.StatusCode, resp.URL)
	})
	c.OnRedirect(func(originalURL string, _ *models.Response, finalURL string) {
		p.printf("REDIRECT %s -> %s\n", originalURL, finalURL)
	})
}

// --- validate ---

func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to YAML config file")
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}
	os.Exit(doValidate(*configFile, os.Stdout, os.Stderr))
}

// doValidate checks a config file and reports warnings. Returns the exit code.
func doValidate(configPath string, stdout, stderr io.Writer) int {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	warnings, err := cfg.Validate()
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	if cfg.SeedURL != "" {
		u, _, err := parse.ParseAndNormalize(cfg.SeedURL)
		if err != nil {
			fmt.Fprintf(stderr, "ERROR: seed_url: %v\n", err)
			return 1
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			fmt.Fprintf(stderr, "ERROR: seed_url: unsupported scheme '%s'\n", u.Scheme)
			return 1
		}
	}

	fmt.Fprintln(stdout, "\nConfiguration valid.")
	return 0
}

// --- visited ---

func runVisited(args []string) {
	fs := flag.NewFlagSet("visited", flag.ExitOnError)
	stateDir := fs.String("state-dir", "", "State directory used by the crawl (required)")
	domain := fs.String("domain", "", "Host name of the crawled site (required)")
	status := fs.String("status", "", "Only list this status (success, failure, redirected)")
	pageURL := fs.String("url", "", "Show the recorded outcome of this URL only")
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}
	if *pageURL != "" {
		os.Exit(doLookup(*stateDir, *domain, *pageURL, os.Stdout, os.Stderr))
	}
	os.Exit(doVisited(*stateDir, *domain, *status, os.Stdout, os.Stderr))
}

// doVisited lists recorded outcomes of a previous crawl. Returns the exit code.
func doVisited(stateDir, domain, status string, stdout, stderr io.Writer) int {
	if stateDir == "" || domain == "" {
		fmt.Fprintln(stderr, "Error: -state-dir and -domain are required")
		return 1
	}
	filter := models.PageStatus(strings.ToLower(status))
	if filter != models.PageStatusUnset && !filter.IsValid() {
		fmt.Fprintf(stderr, "Error: unknown status '%s'\n", status)
		return 1
	}
	store := openOutcomeStore(stateDir, domain, stderr)
	if store == nil {
		return 1
	}
	defer store.Close()

	listed := 0
	err := store.ForEachOutcome(context.Background(), func(pageURL string, entry *models.PageDBEntry) error {
		if filter != models.PageStatusUnset && entry.Status != filter {
			return nil
		}
		listed++
		fmt.Fprintln(stdout, outcomeLine(pageURL, entry))
		return nil
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "\n%d URL(s)\n", listed)

	if filter == models.PageStatusUnset {
		counts, err := store.CountByStatus(context.Background())
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "success=%d failure=%d redirected=%d\n",
			counts[models.PageStatusSuccess], counts[models.PageStatusFailure], counts[models.PageStatusRedirected])
	}
	return 0
}

// doLookup prints the recorded outcome of a single URL. Returns 1 when it was never recorded.
func doLookup(stateDir, domain, rawURL string, stdout, stderr io.Writer) int {
	if stateDir == "" || domain == "" {
		fmt.Fprintln(stderr, "Error: -state-dir and -domain are required")
		return 1
	}
	canonical, err := parse.Normalize(rawURL)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	store := openOutcomeStore(stateDir, domain, stderr)
	if store == nil {
		return 1
	}
	defer store.Close()

	status, entry, err := store.CheckPageStatus(canonical)
	switch {
	case err != nil:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	case status == models.PageStatusNotFound:
		fmt.Fprintf(stderr, "%s: not recorded\n", canonical)
		return 1
	case entry == nil:
		fmt.Fprintf(stderr, "%s: unreadable entry\n", canonical)
		return 1
	}
	fmt.Fprintln(stdout, outcomeLine(canonical, entry))
	if entry.Referrer != "" {
		fmt.Fprintf(stdout, "  referrer: %s\n", entry.Referrer)
	}
	fmt.Fprintf(stdout, "  attempts: %d, depth: %d\n", entry.Attempts, entry.Depth)
	return 0
}

// openOutcomeStore opens an existing outcome database read-mostly. Errors go to stderr; nil on failure.
func openOutcomeStore(stateDir, domain string, stderr io.Writer) *storage.BadgerStore {
	if _, err := os.Stat(storage.DBPath(stateDir, domain)); err != nil {
		fmt.Fprintf(stderr, "Error: no outcome database for '%s' in %s\n", domain, stateDir)
		return nil
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	store, err := storage.NewBadgerStore(context.Background(), stateDir, domain, true, logrus.NewEntry(logger))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil
	}
	return store
}

func outcomeLine(pageURL string, entry *models.PageDBEntry) string {
	line := fmt.Sprintf("%-10s %3d %s", entry.Status, entry.StatusCode, pageURL)
	switch {
	case entry.RedirectTo != "":
		line += " -> " + entry.RedirectTo
	case entry.ErrorType != "" && entry.ErrorType != "None":
		line += " (" + entry.ErrorType + ")"
	}
	return line
}

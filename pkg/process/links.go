package process

import (
	"iter"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/sitecrawl/pkg/parse"
	"github.com/Sriram-PR/sitecrawl/pkg/utils"
)

// DefaultLinkSelector matches anchor-like elements
const DefaultLinkSelector = "a[href], area[href]"

// LinkExtractor yields the raw href values found in an HTML body, in document order.
// An error means the body could not be parsed; callers treat it as "no links".
type LinkExtractor interface {
	Links(body string) (iter.Seq[string], error)
}

// GoqueryExtractor extracts hrefs with a CSS selector
type GoqueryExtractor struct {
	Selector string // Defaults to DefaultLinkSelector
}

// Links implements LinkExtractor
func (e GoqueryExtractor) Links(body string) (iter.Seq[string], error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, utils.WrapErrorf(utils.ErrParsing, "HTML: %v", err)
	}
	selector := e.Selector
	if selector == "" {
		selector = DefaultLinkSelector
	}
	sel := doc.Find(selector)

	return func(yield func(string) bool) {
		for i := range sel.Length() {
			href, ok := sel.Eq(i).Attr("href")
			if !ok {
				continue
			}
			href = strings.TrimSpace(href)
			if href == "" {
				continue
			}
			if !yield(href) {
				return
			}
		}
	}, nil
}

// IsHTML reports whether the response headers describe an HTML document
func IsHTML(header http.Header) bool {
	ct := header.Get("Content-Type")
	if ct == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.Split(ct, ";")[0]))
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

// Enqueuer accepts discovered links. It applies normalization, scope and dedup, and reports acceptance.
type Enqueuer interface {
	Enqueue(rawURL, referrer string, depth int) bool
}

// LinkProcessor handles extracting links found on a page and handing them to the frontier
type LinkProcessor struct {
	extractor LinkExtractor
	enqueuer  Enqueuer
	maxDepth  int // 0 = unlimited
	log       *logrus.Entry
}

// NewLinkProcessor creates a LinkProcessor
func NewLinkProcessor(extractor LinkExtractor, enqueuer Enqueuer, maxDepth int, log *logrus.Entry) *LinkProcessor {
	if extractor == nil {
		extractor = GoqueryExtractor{}
	}
	return &LinkProcessor{
		extractor: extractor,
		enqueuer:  enqueuer,
		maxDepth:  maxDepth,
		log:       log,
	}
}

// ExtractLinks resolves every href of body against pageURL and returns the distinct results in document order.
// Returns nil when the next depth exceeds maxDepth. Extraction errors are logged and reported as no links.
func (lp *LinkProcessor) ExtractLinks(body string, pageURL *url.URL, currentDepth int, taskLog *logrus.Entry) []string {
	nextDepth := currentDepth + 1
	if lp.maxDepth > 0 && nextDepth > lp.maxDepth {
		taskLog.Debugf("Max depth (%d) reached for next level (%d), skipping link extraction.", lp.maxDepth, nextDepth)
		return nil
	}

	hrefs, err := lp.extractor.Links(body)
	if err != nil {
		taskLog.WithError(err).Warn("Link extraction failed, treating page as having no links")
		return nil
	}

	var links []string
	seen := make(map[string]struct{})
	for href := range hrefs {
		resolved, err := parse.Resolve(pageURL, href)
		if err != nil {
			taskLog.Debugf("Skipping invalid href '%s': %v", href, err)
			continue
		}
		link := resolved.String()
		if _, dup := seen[link]; dup {
			continue
		}
		seen[link] = struct{}{}
		links = append(links, link)
	}
	return links
}

// QueueLinks offers links to the frontier one depth below currentDepth with pageURL as referrer.
// Returns how many were accepted.
func (lp *LinkProcessor) QueueLinks(links []string, pageURL *url.URL, currentDepth int) int {
	referrer := pageURL.String()
	queued := 0
	for _, link := range links {
		if lp.enqueuer.Enqueue(link, referrer, currentDepth+1) {
			queued++
		}
	}
	return queued
}

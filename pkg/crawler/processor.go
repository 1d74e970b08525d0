package crawler

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/sitecrawl/pkg/fetch"
	"github.com/Sriram-PR/sitecrawl/pkg/models"
	"github.com/Sriram-PR/sitecrawl/pkg/parse"
	"github.com/Sriram-PR/sitecrawl/pkg/process"
	"github.com/Sriram-PR/sitecrawl/pkg/utils"
)

// action tells the worker what to do after a fetch completed
type action int

const (
	actionDone  action = iota // Task reached a terminal state or was abandoned
	actionRetry               // Fetch the same task again
)

// onFetchComplete decides the outcome of one fetch attempt for task.
func (c *Crawler) onFetchComplete(task *models.CrawlTask, res *models.FetchResult, taskLog *logrus.Entry) action {
	// 1. Completions after Kill are discarded
	if c.killed.Load() {
		taskLog.Debug("Run killed, discarding fetch result")
		return actionDone
	}

	// 2. Downstream code may rely on a non-nil result
	if res == nil {
		res = &models.FetchResult{}
	}

	// 3. URL identity changed while following redirects
	if final := canonicalFinalURL(res); final != "" && final != task.URL {
		if !task.IsExternal {
			if finalURL, err := url.Parse(final); err == nil && c.policy.Load().IsExternal(finalURL) {
				task.IsExternal = true
				task.CrawlLinks = false
			}
		}
		if c.resolveRedirect(task, res, final, taskLog) {
			return actionDone
		}
		taskLog = taskLog.WithField("url", task.URL)
		if c.killed.Load() {
			return actionDone
		}
	}

	// 4. Tolerated framing error on external servers
	if isBenignParseError(task, res) {
		taskLog.Debugf("Ignoring benign parse error on external 200 response: %v", res.Err)
		res.Err = nil
	}

	// 5. Success
	if res.Err == nil && res.StatusCode == http.StatusOK {
		c.handleSuccess(task, res, taskLog)
		return actionDone
	}

	// 6. Failure: retry while budget remains
	if task.Retries < c.cfg.Retries {
		task.Retries++
		c.retries.Add(1)
		taskLog.WithFields(logrus.Fields{
			"attempt":     task.Retries + 1,
			"status_code": res.StatusCode,
			"category":    utils.CategorizeError(res.Err),
		}).Debug("Fetch failed, retrying")
		return actionRetry
	}
	c.handleFailure(task, res, taskLog)
	return actionDone
}

// isBenignParseError matches a malformed-framing error on an external URL that still answered
// 200 with a Content-Length header. Some servers do this routinely; the page is treated as fetched.
func isBenignParseError(task *models.CrawlTask, res *models.FetchResult) bool {
	return res.Err != nil &&
		fetch.CodeOf(res.Err) == fetch.CodeParse &&
		task.IsExternal &&
		res.StatusCode == http.StatusOK &&
		res.HasHeader("Content-Length")
}

func (c *Crawler) handleSuccess(task *models.CrawlTask, res *models.FetchResult, taskLog *logrus.Entry) {
	if !c.visited.MarkVisited(task.URL) {
		taskLog.Debug("URL already resolved by another task, abandoning")
		return
	}

	var pageURL *url.URL
	var links []string
	if task.CrawlLinks && !task.IsExternal && res.Body != "" && process.IsHTML(res.Header) {
		if u, err := url.Parse(task.URL); err == nil {
			pageURL = u
			links = c.links.ExtractLinks(res.Body, pageURL, task.Depth, taskLog)
		}
	}

	c.mu.Lock()
	c.crawled = append(c.crawled, task.URL)
	c.mu.Unlock()
	c.pagesCrawled.Add(1)

	now := time.Now()
	c.record(task.URL, &models.PageDBEntry{
		Status:      models.PageStatusSuccess,
		StatusCode:  res.StatusCode,
		Referrer:    task.Referrer,
		External:    task.IsExternal,
		RedirectOf:  task.RedirectHistory,
		Attempts:    task.Retries + 1,
		ProcessedAt: now,
		LastAttempt: now,
		Depth:       task.Depth,
	}, taskLog)

	taskLog.WithFields(logrus.Fields{
		"status_code": res.StatusCode,
		"attempts":    task.Retries + 1,
		"external":    task.IsExternal,
	}).Info("Page crawled")

	c.events.emit(Event{
		Kind:     EventPageCrawled,
		Response: models.NewResponse(task, res),
		Body:     res.Body,
	})

	// Links become visible to other workers only after handlers returned, so a Kill from a handler covers them
	if len(links) == 0 {
		return
	}
	if c.killed.Load() {
		taskLog.Debugf("Run killed during page handlers, dropping %d links", len(links))
		return
	}
	queued := c.links.QueueLinks(links, pageURL, task.Depth)
	taskLog.Debugf("Link extraction: %d distinct links, %d queued", len(links), queued)
}

func (c *Crawler) handleFailure(task *models.CrawlTask, res *models.FetchResult, taskLog *logrus.Entry) {
	if !c.visited.MarkVisited(task.URL) {
		taskLog.Debug("URL already resolved by another task, abandoning")
		return
	}
	c.errorCount.Add(1)

	category := utils.CategorizeError(failureCause(res))
	c.record(task.URL, &models.PageDBEntry{
		Status:      models.PageStatusFailure,
		StatusCode:  res.StatusCode,
		ErrorType:   category,
		Referrer:    task.Referrer,
		External:    task.IsExternal,
		RedirectOf:  task.RedirectHistory,
		Attempts:    task.Retries + 1,
		LastAttempt: time.Now(),
		Depth:       task.Depth,
	}, taskLog)

	taskLog.WithFields(logrus.Fields{
		"status_code": res.StatusCode,
		"attempts":    task.Retries + 1,
		"category":    category,
	}).Warnf("Page failed: %v", res.Err)

	c.events.emit(Event{
		Kind:     EventError,
		Err:      res.Err,
		Response: models.NewResponse(task, res),
		Body:     res.Body,
	})
}

// record writes an outcome when a recorder is configured. Failures are logged, never fatal.
func (c *Crawler) record(pageURL string, entry *models.PageDBEntry, taskLog *logrus.Entry) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.RecordOutcome(pageURL, entry); err != nil {
		taskLog.WithField("category", utils.CategorizeError(err)).Warnf("Failed to record outcome: %v", err)
	}
}

// canonicalFinalURL returns the canonical form of the result's final URL, or "" when absent
func canonicalFinalURL(res *models.FetchResult) string {
	if res.FinalURL == "" {
		return ""
	}
	canonical, err := parse.Normalize(res.FinalURL)
	if err != nil {
		return ""
	}
	return canonical
}

// failureCause is the error a failed result is categorised by: the fetch error, or the
// unexpected status when the fetch itself succeeded
func failureCause(res *models.FetchResult) error {
	if res.Err != nil || res.StatusCode == 0 {
		return res.Err
	}
	return fmt.Errorf("%w: status %d", utils.ErrHTTPStatus, res.StatusCode)
}

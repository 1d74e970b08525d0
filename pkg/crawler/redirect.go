package crawler

import (
	"slices"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/sitecrawl/pkg/models"
)

// resolveRedirect reconciles task with the canonical final URL its fetch ended on.
// It returns true when final was already resolved by another task; the caller then abandons task
// without emitting anything. Otherwise the original URL is marked visited, EventRedirect fires and
// task continues under the final URL.
func (c *Crawler) resolveRedirect(task *models.CrawlTask, res *models.FetchResult, final string, taskLog *logrus.Entry) bool {
	original := task.URL
	redirectLog := taskLog.WithFields(logrus.Fields{"original_url": original, "final_url": final})

	if c.visited.IsVisited(final) {
		c.converged.Add(1)
		c.visited.MarkVisited(original)
		redirectLog.Debug("Redirect target already resolved, abandoning task")
		return true
	}

	c.visited.MarkVisited(original)
	// Later discoveries of the target are rejected at enqueue
	c.visited.TryQueue(final)
	c.redirects.Add(1)

	c.record(original, &models.PageDBEntry{
		Status:      models.PageStatusRedirected,
		StatusCode:  res.StatusCode,
		Referrer:    task.Referrer,
		External:    task.IsExternal,
		RedirectTo:  final,
		Attempts:    task.Retries + 1,
		LastAttempt: time.Now(),
		Depth:       task.Depth,
	}, redirectLog)

	redirectLog.WithField("hops", res.Hops).Info("Redirect reconciled")

	resp := models.NewResponse(task, res)
	resp.URL = final

	task.RedirectHistory = append(slices.Clone(task.RedirectHistory), original)
	task.URL = final

	c.events.emit(Event{
		Kind:        EventRedirect,
		Response:    resp,
		OriginalURL: original,
		FinalURL:    final,
	})
	return false
}

package crawler

import (
	"runtime/debug"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/sitecrawl/pkg/models"
)

// EventKind identifies a crawl event
type EventKind int

const (
	EventPageCrawled EventKind = iota // A page was fetched with a 200 and processed
	EventError                        // A page failed after exhausting its retry budget
	EventRedirect                     // A page's URL was reconciled to a redirect target
	EventFinish                       // The frontier drained; fires exactly once per run
)

// String implements fmt.Stringer for logging
func (k EventKind) String() string {
	switch k {
	case EventPageCrawled:
		return "pageCrawled"
	case EventError:
		return "error"
	case EventRedirect:
		return "redirect"
	case EventFinish:
		return "finish"
	default:
		return "unknown"
	}
}

// Event carries the payload of one emission. Fields not relevant to Kind are zero.
type Event struct {
	Kind        EventKind
	Response    *models.Response
	Body        string
	Err         error  // EventError only; nil when the failure was a non-200 status
	OriginalURL string // EventRedirect only
	FinalURL    string // EventRedirect only
}

// Handler receives events. Handlers run synchronously on the goroutine that emitted the event.
type Handler func(Event)

// emitter keeps handler lists per kind and calls them in registration order
type emitter struct {
	mu       sync.RWMutex
	handlers map[EventKind][]Handler
	log      *logrus.Entry
}

func newEmitter(log *logrus.Entry) *emitter {
	return &emitter{
		handlers: make(map[EventKind][]Handler),
		log:      log,
	}
}

func (e *emitter) on(kind EventKind, h Handler) {
	if h == nil {
		return
	}
	e.mu.Lock()
	e.handlers[kind] = append(e.handlers[kind], h)
	e.mu.Unlock()
}

// emit runs the handlers registered for ev.Kind outside the lock, so handlers may register
// further handlers or call Kill.
func (e *emitter) emit(ev Event) {
	e.mu.RLock()
	hs := slices.Clone(e.handlers[ev.Kind])
	e.mu.RUnlock()

	for i, h := range hs {
		e.call(i, h, ev)
	}
}

func (e *emitter) call(index int, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithFields(logrus.Fields{
				"event":       ev.Kind.String(),
				"handler":     index,
				"panic_info":  r,
				"stack_trace": string(debug.Stack()),
			}).Error("PANIC recovered in event handler")
		}
	}()
	h(ev)
}

// On registers h for kind. Handlers may be added at any time, including from inside a handler.
func (c *Crawler) On(kind EventKind, h Handler) {
	c.events.on(kind, h)
}

// OnPageCrawled registers fn for EventPageCrawled
func (c *Crawler) OnPageCrawled(fn func(resp *models.Response, body string)) {
	c.On(EventPageCrawled, func(ev Event) { fn(ev.Response, ev.Body) })
}

// OnError registers fn for EventError. err is nil for plain HTTP status failures.
func (c *Crawler) OnError(fn func(err error, resp *models.Response, body string)) {
	c.On(EventError, func(ev Event) { fn(ev.Err, ev.Response, ev.Body) })
}

// OnRedirect registers fn for EventRedirect
func (c *Crawler) OnRedirect(fn func(originalURL string, resp *models.Response, finalURL string)) {
	c.On(EventRedirect, func(ev Event) { fn(ev.OriginalURL, ev.Response, ev.FinalURL) })
}

// OnFinish registers fn for EventFinish
func (c *Crawler) OnFinish(fn func()) {
	c.On(EventFinish, func(Event) { fn() })
}

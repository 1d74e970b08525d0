package storage

import "sync"

// VisitedSet tracks the canonical URLs of one crawl run.
// A URL is "known" once it has been accepted into the frontier and "visited" once it reached a terminal state.
// Both sets only grow. Every method is a short critical section.
type VisitedSet struct {
	mu      sync.Mutex
	known   map[string]struct{}
	visited map[string]struct{}
	order   []string // Visited URLs in the order they were marked
}

// NewVisitedSet returns an empty set
func NewVisitedSet() *VisitedSet {
	return &VisitedSet{
		known:   make(map[string]struct{}),
		visited: make(map[string]struct{}),
	}
}

// TryQueue claims url for scheduling.
// Returns false if url is already queued, in flight or visited.
func (v *VisitedSet) TryQueue(url string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.visited[url]; ok {
		return false
	}
	if _, ok := v.known[url]; ok {
		return false
	}
	v.known[url] = struct{}{}
	return true
}

// MarkVisited records url as resolved. Returns true only for the call that inserted it.
func (v *VisitedSet) MarkVisited(url string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.visited[url]; ok {
		return false
	}
	v.visited[url] = struct{}{}
	v.known[url] = struct{}{}
	v.order = append(v.order, url)
	return true
}

// IsVisited reports whether url reached a terminal state
func (v *VisitedSet) IsVisited(url string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.visited[url]
	return ok
}

// Visited returns a copy of the visited URLs in marking order
func (v *VisitedSet) Visited() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, len(v.order))
	copy(out, v.order)
	return out
}

// Len returns the number of visited URLs
func (v *VisitedSet) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.order)
}

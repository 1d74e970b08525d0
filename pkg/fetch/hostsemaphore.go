package fetch

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

const defaultEvictionInterval = 5 * time.Minute

type hostSlot struct {
	sem    *semaphore.Weighted
	users  int64     // permits held plus waiters
	idleAt time.Time // last release; zero while never released
}

// HostSemaphorePool caps concurrent fetches per host:port (max_requests_per_host).
// One permit covers a whole logical fetch, so redirect hops and retries of a task do not stack.
type HostSemaphorePool struct {
	mu    sync.Mutex
	slots map[string]*hostSlot
	limit int64
	log   *logrus.Entry
}

// NewHostSemaphorePool returns a pool allowing maxPerHost concurrent holders per host (minimum 1)
func NewHostSemaphorePool(maxPerHost int, log *logrus.Entry) *HostSemaphorePool {
	limit := int64(maxPerHost)
	if limit <= 0 {
		limit = 1
		log.Warnf("max_requests_per_host must be positive, using %d", limit)
	}
	return &HostSemaphorePool{
		slots: make(map[string]*hostSlot),
		limit: limit,
		log:   log,
	}
}

func (p *HostSemaphorePool) Limit() int {
	return int(p.limit)
}

// hostKey folds case; the port stays part of the key
func hostKey(host string) string {
	return strings.ToLower(host)
}

// Acquire blocks until a permit for host is free or ctx is done.
// The returned release func is safe to call more than once.
func (p *HostSemaphorePool) Acquire(ctx context.Context, host string) (func(), error) {
	key := hostKey(host)

	p.mu.Lock()
	slot, ok := p.slots[key]
	if !ok {
		slot = &hostSlot{sem: semaphore.NewWeighted(p.limit)}
		p.slots[key] = slot
		p.log.WithFields(logrus.Fields{"host": key, "limit": p.limit}).Trace("Created host semaphore")
	}
	slot.users++
	p.mu.Unlock()

	if err := slot.sem.Acquire(ctx, 1); err != nil {
		p.mu.Lock()
		slot.users--
		p.mu.Unlock()
		return nil, err
	}

	var once sync.Once
	return func() { once.Do(func() { p.release(slot) }) }, nil
}

// AcquireURL acquires a permit for u.Host
func (p *HostSemaphorePool) AcquireURL(ctx context.Context, u *url.URL) (func(), error) {
	return p.Acquire(ctx, u.Host)
}

func (p *HostSemaphorePool) release(slot *hostSlot) {
	p.mu.Lock()
	slot.users--
	slot.idleAt = time.Now()
	p.mu.Unlock()

	slot.sem.Release(1)
}

// InUse reports permits held or awaited for host
func (p *HostSemaphorePool) InUse(host string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if slot, ok := p.slots[hostKey(host)]; ok {
		return int(slot.users)
	}
	return 0
}

// RunEviction drops hosts idle for longer than interval until ctx is done. Run it in a goroutine.
func (p *HostSemaphorePool) RunEviction(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultEvictionInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.evictIdle(interval)
		case <-ctx.Done():
			p.log.Debugf("Stopping host semaphore eviction: %v", ctx.Err())
			return
		}
	}
}

func (p *HostSemaphorePool) evictIdle(maxIdle time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	evicted := 0
	for key, slot := range p.slots {
		if slot.users == 0 && !slot.idleAt.IsZero() && !slot.idleAt.After(cutoff) {
			delete(p.slots, key)
			evicted++
		}
	}
	if evicted > 0 {
		p.log.Debugf("Evicted %d idle host semaphores, %d remain", evicted, len(p.slots))
	}
}

// Len returns the number of tracked hosts
func (p *HostSemaphorePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

package queue

import (
	"container/heap"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/sitecrawl/pkg/models"
)

// PQItem represents an item in the priority queue
type PQItem struct {
	task     *models.CrawlTask
	priority int    // Lower value means higher priority (Depth)
	seq      uint64 // Insertion order; breaks ties so equal depths pop FIFO
	index    int    // The index of the item in the heap (required by heap interface)
}

// PriorityQueue implements heap.Interface
type PriorityQueue []*PQItem

func (pq PriorityQueue) Len() int { return len(pq) }

func (pq PriorityQueue) Less(i, j int) bool {
	if pq[i].priority != pq[j].priority {
		return pq[i].priority < pq[j].priority
	}
	return pq[i].seq < pq[j].seq
}

func (pq PriorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

// Push adds an element to the heap
func (pq *PriorityQueue) Push(x any) {
	n := len(*pq)
	item := x.(*PQItem)
	item.index = n
	*pq = append(*pq, item)
}

// Pop removes and returns the highest priority element (minimum value) from the heap
func (pq *PriorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*pq = old[0 : n-1]
	return item
}

// ThreadSafePriorityQueue is the crawl frontier: breadth-first by depth, FIFO within a depth
type ThreadSafePriorityQueue struct {
	pq      PriorityQueue
	mu      sync.Mutex
	cond    *sync.Cond // Condition variable to wait for items
	closed  bool
	nextSeq uint64
	log     *logrus.Entry
}

// NewThreadSafePriorityQueue creates a new thread-safe priority queue
func NewThreadSafePriorityQueue(logger *logrus.Entry) *ThreadSafePriorityQueue {
	tspq := &ThreadSafePriorityQueue{log: logger}
	tspq.cond = sync.NewCond(&tspq.mu)
	heap.Init(&tspq.pq)
	return tspq
}

// Add pushes a task onto the queue with priority based on depth.
// Returns false if the queue has been closed.
func (tspq *ThreadSafePriorityQueue) Add(task *models.CrawlTask) bool {
	tspq.mu.Lock()
	defer tspq.mu.Unlock()

	if tspq.closed {
		tspq.log.Debugf("Attempted to add task to closed queue: %s", task.URL)
		return false
	}

	heap.Push(&tspq.pq, &PQItem{
		task:     task,
		priority: task.Depth,
		seq:      tspq.nextSeq,
	})
	tspq.nextSeq++
	tspq.cond.Signal() // Signal one waiting worker that an item is available
	return true
}

// Pop retrieves and removes the highest priority task
// It blocks if the queue is empty until an item is added or the queue is closed
// Returns the task and true, or nil and false if the queue is closed and empty
func (tspq *ThreadSafePriorityQueue) Pop() (*models.CrawlTask, bool) {
	tspq.mu.Lock()
	defer tspq.mu.Unlock()

	for len(tspq.pq) == 0 {
		if tspq.closed {
			return nil, false
		}
		tspq.cond.Wait()
	}

	pqItem := heap.Pop(&tspq.pq).(*PQItem)
	return pqItem.task, true
}

// Clear drops every queued task and returns how many were removed.
// Workers blocked in Pop keep waiting; Close releases them.
func (tspq *ThreadSafePriorityQueue) Clear() int {
	tspq.mu.Lock()
	defer tspq.mu.Unlock()
	n := len(tspq.pq)
	for i := range tspq.pq {
		tspq.pq[i] = nil
	}
	tspq.pq = tspq.pq[:0]
	return n
}

// Close signals that no more items will be added to the queue
func (tspq *ThreadSafePriorityQueue) Close() {
	tspq.mu.Lock()
	defer tspq.mu.Unlock()
	if !tspq.closed {
		tspq.closed = true
		tspq.cond.Broadcast() // Wake up ALL waiting workers so they can check the closed status
	}
}

// Len returns the current number of items in the queue (thread-safe)
func (tspq *ThreadSafePriorityQueue) Len() int {
	tspq.mu.Lock()
	defer tspq.mu.Unlock()
	return len(tspq.pq)
}

// Package bufferqueue implements RequestBufferQueue: a bounded priority
// queue that holds requests while the proxy is in maintenance and drains
// them once traffic resumes.
package bufferqueue

import (
	"sort"
	"sync"

	"github.com/metergate/meterproxy/internal/apperr"
	"github.com/metergate/meterproxy/internal/clock"
)

// Status is the queue's state machine position.
type Status string

const (
	Idle      Status = "idle"
	Buffering Status = "buffering"
	Draining  Status = "draining"
)

// Item is one BufferedRequest.
type Item struct {
	ID         string
	Payload    any
	Priority   int
	EnqueuedAt int64
	ExpiresAt  int64 // 0 means no expiry
}

// Stats tracks queue counters.
type Stats struct {
	Enqueued int64
	Dropped  int64
	Drained  int64
	Expired  int64
}

// Queue is the concrete RequestBufferQueue component.
type Queue struct {
	mu sync.Mutex

	clock    clock.Clock
	status   Status
	capacity int
	items    []Item
	stats    Stats
}

// New creates a Queue with the given capacity (0 means unbounded).
func New(c clock.Clock, capacity int) *Queue {
	return &Queue{clock: c, status: Idle, capacity: capacity}
}

// StartBuffering transitions idle/draining → buffering.
func (q *Queue) StartBuffering() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.status = Buffering
}

// StartDraining transitions buffering → draining.
func (q *Queue) StartDraining() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.status = Draining
}

// Idle transitions draining → idle.
func (q *Queue) Idle() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.status = Idle
}

// Status returns the current state.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status
}

// Enqueue succeeds only while buffering; on capacity, drops and counts it.
func (q *Queue) Enqueue(item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.status != Buffering {
		return apperr.State("buffer queue is not accepting requests (status=%s)", q.status)
	}
	if q.capacity > 0 && len(q.items) >= q.capacity {
		q.stats.Dropped++
		return apperr.Capacity("buffer queue at capacity")
	}
	if item.EnqueuedAt == 0 {
		item.EnqueuedAt = q.clock.NowMs()
	}
	q.items = append(q.items, item)
	q.stats.Enqueued++
	return nil
}

// Len returns the number of buffered, unexpired items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pruneExpiredLocked()
	return len(q.items)
}

func (q *Queue) pruneExpiredLocked() {
	now := q.clock.NowMs()
	kept := q.items[:0]
	for _, it := range q.items {
		if it.ExpiresAt != 0 && now >= it.ExpiresAt {
			q.stats.Expired++
			continue
		}
		kept = append(kept, it)
	}
	q.items = kept
}

func sortByPriority(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		return items[i].EnqueuedAt < items[j].EnqueuedAt
	})
}

// Drain removes and returns all buffered items, sorted by priority desc,
// enqueuedAt asc.
func (q *Queue) Drain() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pruneExpiredLocked()
	sortByPriority(q.items)
	out := q.items
	q.items = nil
	q.stats.Drained += int64(len(out))
	return out
}

// DrainBatch peels off the top n items (by priority desc, enqueuedAt asc)
// and leaves the rest buffered.
func (q *Queue) DrainBatch(n int) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pruneExpiredLocked()
	sortByPriority(q.items)

	if n >= len(q.items) {
		out := q.items
		q.items = nil
		q.stats.Drained += int64(len(out))
		return out
	}

	out := append([]Item(nil), q.items[:n]...)
	q.items = q.items[n:]
	q.stats.Drained += int64(len(out))
	return out
}

// Stats returns a copy of the queue's counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

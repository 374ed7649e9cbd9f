// Package queue implements the bounded FIFO buffer between the connection
// pool's receive loops and the coordinator's drain loop.
//
// Backpressure policy is drop-oldest: when the queue is full the oldest
// entry is discarded to admit the newest, favoring freshness over
// completeness. Drops are counted so the coordinator can surface them as
// diagnostics.
package queue

import (
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/athenalab/realtime/internal/model"
)

// DefaultCapacity is used when the configured capacity is not positive.
const DefaultCapacity = 1000

// Item is one queued inbound message together with its source endpoint.
type Item struct {
	Msg        model.Message
	Endpoint   model.Endpoint
	ReceivedAt time.Time
}

// Queue is a bounded FIFO safe under concurrent producers (per-connection
// receive loops) and a single consumer (the coordinator drain loop).
type Queue struct {
	mu       sync.Mutex
	buf      *queue.Queue
	capacity int
	dropped  uint64
}

// New creates a queue with the given capacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		buf:      queue.New(),
		capacity: capacity,
	}
}

// Enqueue appends an item, evicting the oldest entry when full.
func (q *Queue) Enqueue(msg model.Message, endpoint model.Endpoint) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.buf.Length() >= q.capacity {
		q.buf.Remove()
		q.dropped++
	}
	q.buf.Add(Item{Msg: msg, Endpoint: endpoint, ReceivedAt: time.Now()})
}

// Dequeue removes and returns the oldest item, or false when empty.
func (q *Queue) Dequeue() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.buf.Length() == 0 {
		return Item{}, false
	}
	return q.buf.Remove().(Item), true
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buf.Length()
}

// Dropped returns the cumulative count of entries evicted by overflow.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Clear discards all queued items. The overflow counter is preserved.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buf = queue.New()
}

package realtime

import (
	"sync"
	"time"

	"github.com/athenalab/realtime/internal/model"
)

// subBufferSize is the per-subscriber channel capacity. Slow subscribers
// miss intermediate updates rather than stalling the drain loop.
const subBufferSize = 16

// StreamUpdate is one decoded value delivered to stream subscribers.
type StreamUpdate struct {
	Endpoint model.Endpoint
	Value    any
	At       time.Time
}

// Subscription is a typed handle delivering the latest value plus all
// subsequent updates until Unsubscribe is called.
type Subscription[T any] struct {
	C <-chan T

	once   sync.Once
	cancel func()
}

// Unsubscribe detaches the handle and closes its channel. Idempotent.
func (s *Subscription[T]) Unsubscribe() {
	s.once.Do(s.cancel)
}

// hub fans one value stream out to any number of subscribers.
type hub[T any] struct {
	mu     sync.Mutex
	nextID int
	chans  map[int]chan T
	closed bool
}

func newHub[T any]() *hub[T] {
	return &hub[T]{chans: make(map[int]chan T)}
}

// subscribe registers a new handle. When latest is non-nil it is delivered
// first so the subscriber starts from the current value.
func (h *hub[T]) subscribe(latest *T) *Subscription[T] {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan T, subBufferSize)
	if h.closed {
		close(ch)
		return &Subscription[T]{C: ch, cancel: func() {}}
	}

	id := h.nextID
	h.nextID++
	h.chans[id] = ch

	if latest != nil {
		ch <- *latest
	}

	return &Subscription[T]{
		C: ch,
		cancel: func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.chans[id]; ok {
				delete(h.chans, id)
				close(c)
			}
		},
	}
}

// publish delivers v to every subscriber without blocking; full channels
// drop the update.
func (h *hub[T]) publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.chans {
		select {
		case ch <- v:
		default:
		}
	}
}

// close terminates all subscriptions.
func (h *hub[T]) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.chans {
		delete(h.chans, id)
		close(ch)
	}
}

package connection

import (
	"sync"

	"github.com/athenalab/realtime/internal/model"
)

// EventSink receives connection lifecycle and message events from the pool.
// Implementations must not block: the pool calls these from its receive
// loops. Test fakes can emit synthetic events without a real socket.
type EventSink interface {
	// OnMessage is called for every inbound envelope after it has been
	// enqueued for the coordinator.
	OnMessage(endpoint model.Endpoint, msg model.Message)

	// OnConnect is called after an endpoint's connection is established.
	OnConnect(endpoint model.Endpoint)

	// OnDisconnect is called when an endpoint's connection is lost or
	// closed. reason is nil for deliberate disconnects.
	OnDisconnect(endpoint model.Endpoint, reason error)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) OnMessage(model.Endpoint, model.Message) {}
func (NopSink) OnConnect(model.Endpoint)                {}
func (NopSink) OnDisconnect(model.Endpoint, error)      {}

// RelaySink forwards events to a target bound after construction. It
// breaks the construction cycle between the pool and its consumer: the
// pool is built with the relay, the consumer is built with the pool, then
// the consumer is bound. Events before Bind are dropped.
type RelaySink struct {
	mu     sync.RWMutex
	target EventSink
}

// Bind sets the forwarding target.
func (r *RelaySink) Bind(target EventSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.target = target
}

func (r *RelaySink) get() EventSink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.target
}

func (r *RelaySink) OnMessage(endpoint model.Endpoint, msg model.Message) {
	if t := r.get(); t != nil {
		t.OnMessage(endpoint, msg)
	}
}

func (r *RelaySink) OnConnect(endpoint model.Endpoint) {
	if t := r.get(); t != nil {
		t.OnConnect(endpoint)
	}
}

func (r *RelaySink) OnDisconnect(endpoint model.Endpoint, reason error) {
	if t := r.get(); t != nil {
		t.OnDisconnect(endpoint, reason)
	}
}

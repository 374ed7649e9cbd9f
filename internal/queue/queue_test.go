package queue

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/athenalab/realtime/internal/model"
)

func TestQueue_FIFO(t *testing.T) {
	q := New(10)

	q.Enqueue(model.Message{Type: model.TypeDataUpdate, SessionID: "a"}, model.EndpointGraph)
	q.Enqueue(model.Message{Type: model.TypeStatus, SessionID: "b"}, model.EndpointAgents)

	item, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, model.EndpointGraph, item.Endpoint)
	assert.Equal(t, "a", item.Msg.SessionID)
	assert.False(t, item.ReceivedAt.IsZero())

	item, ok = q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, model.EndpointAgents, item.Endpoint)

	_, ok = q.Dequeue()
	assert.False(t, ok)
}

func TestQueue_DropOldestOnOverflow(t *testing.T) {
	q := New(3)

	for i := 0; i < 5; i++ {
		q.Enqueue(model.Message{Type: model.TypeDataUpdate, SessionID: fmt.Sprintf("%d", i)}, model.EndpointGraph)
	}

	// Capacity never exceeded; the two OLDEST entries were dropped.
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, uint64(2), q.Dropped())

	item, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "2", item.Msg.SessionID, "oldest surviving entry should be the third enqueued")

	item, _ = q.Dequeue()
	assert.Equal(t, "3", item.Msg.SessionID)
	item, _ = q.Dequeue()
	assert.Equal(t, "4", item.Msg.SessionID, "newest entry must never be dropped")
}

func TestQueue_Clear(t *testing.T) {
	q := New(2)
	q.Enqueue(model.Message{}, model.EndpointGraph)
	q.Enqueue(model.Message{}, model.EndpointGraph)
	q.Enqueue(model.Message{}, model.EndpointGraph)

	q.Clear()

	assert.Equal(t, 0, q.Len())
	assert.Equal(t, uint64(1), q.Dropped(), "overflow counter survives Clear")
	_, ok := q.Dequeue()
	assert.False(t, ok)
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	q := New(1000)

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Enqueue(model.Message{Type: model.TypePing}, model.EndpointContext)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 800, q.Len())
	assert.Equal(t, uint64(0), q.Dropped())
}

func TestQueue_DefaultCapacity(t *testing.T) {
	q := New(0)
	for i := 0; i < DefaultCapacity+5; i++ {
		q.Enqueue(model.Message{}, model.EndpointAnalytics)
	}
	assert.Equal(t, DefaultCapacity, q.Len())
	assert.Equal(t, uint64(5), q.Dropped())
}

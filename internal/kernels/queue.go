package kernels

import (
	"context"
	"errors"
	"sync"
)

// errQueueFull is returned when a request-class message cannot be queued
// because the outbound queue holds only request-class messages.
var errQueueFull = errors.New("kernel send queue full")

// outbound is one message waiting to be written to a kernel socket.
type outbound struct {
	data    []byte
	request bool
}

// sendQueue is the bounded per-link outbound queue. Overflow drops the
// oldest non-request message first; when only requests remain, enqueueing
// another request fails and a non-request is dropped on arrival.
type sendQueue struct {
	mu    sync.Mutex
	items []outbound
	max   int
	ready chan struct{}
}

func newSendQueue(max int) *sendQueue {
	if max <= 0 {
		max = 256
	}
	return &sendQueue{
		max:   max,
		ready: make(chan struct{}, 1),
	}
}

// push enqueues a message, applying the overflow policy.
func (q *sendQueue) push(o outbound) error {
	q.mu.Lock()
	if len(q.items) >= q.max {
		dropped := false
		for i, it := range q.items {
			if !it.request {
				q.items = append(q.items[:i], q.items[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped {
			q.mu.Unlock()
			if o.request {
				return errQueueFull
			}
			// Queue is all requests; the incoming non-request loses.
			return nil
		}
	}
	q.items = append(q.items, o)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// pop dequeues the next message, blocking until one is available or the
// context is cancelled.
func (q *sendQueue) pop(ctx context.Context) (outbound, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			o := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return o, true
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			return outbound{}, false
		}
	}
}

// len returns the number of queued messages.
func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

package livesession

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/koscakluka/live-core/core/llms"
	"github.com/koscakluka/live-core/internal/utils"
)

var (
	// ErrQueueClosed marks enqueue or dequeue attempts after the close
	// request was accepted.
	ErrQueueClosed = errors.New("request queue closed")
	// ErrQueueFull marks rejected enqueues on a bounded queue with the
	// reject overflow policy.
	ErrQueueFull = errors.New("request queue full")
)

// OverflowPolicy decides what a bounded queue does with new requests once it
// is full.
type OverflowPolicy int

const (
	// OverflowDropOldest discards the oldest undelivered request to make
	// room for the new one.
	OverflowDropOldest OverflowPolicy = iota
	// OverflowReject refuses the new request with [ErrQueueFull].
	OverflowReject
)

// RequestQueue bridges any number of producers and a session's single send
// loop. Enqueues never block; dequeues block until the next request arrives,
// strictly in enqueue order.
//
// Closing is itself a request: Close enqueues the terminal close request, so
// its ordering relative to in-flight requests stays deterministic. Enqueues
// after Close fail fast with [ErrQueueClosed].
//
// The default queue is unbounded and favors completeness over a memory
// ceiling, which is the right trade-off for bursty live audio or video.
// Producers that need a hard ceiling opt into the bounded variant.
type RequestQueue struct {
	mu       sync.Mutex
	requests []llms.LiveRequest
	consumed int
	closed   bool

	// capacity bounds the number of undelivered requests; zero means
	// unbounded.
	capacity int
	policy   OverflowPolicy

	updateSignal chan struct{}
}

// NewRequestQueue creates an unbounded request queue.
func NewRequestQueue() *RequestQueue {
	return &RequestQueue{
		updateSignal: make(chan struct{}, 1),
	}
}

// NewBoundedRequestQueue creates a queue that holds at most capacity
// undelivered requests and applies policy once full.
func NewBoundedRequestQueue(capacity int, policy OverflowPolicy) *RequestQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &RequestQueue{
		capacity:     capacity,
		policy:       policy,
		updateSignal: make(chan struct{}, 1),
	}
}

// Send enqueues one request without blocking. Malformed requests are rejected
// before they are queued.
func (q *RequestQueue) Send(req llms.LiveRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}

	if q.capacity > 0 && len(q.requests)-q.consumed >= q.capacity && !req.Close {
		if q.policy == OverflowReject {
			q.mu.Unlock()
			return fmt.Errorf("capacity %d reached: %w", q.capacity, ErrQueueFull)
		}
		// Drop-oldest: discard the oldest undelivered request and compact so
		// the backing slice stays bounded by the capacity instead of pinning
		// every dropped request until the queue drains.
		q.consumed++
		live := copy(q.requests, q.requests[q.consumed:])
		for i := live; i < len(q.requests); i++ {
			q.requests[i] = llms.LiveRequest{}
		}
		q.requests = q.requests[:live]
		q.consumed = 0
	}

	if req.Close {
		q.closed = true
	}
	q.requests = append(q.requests, req)
	q.mu.Unlock()

	q.signalUpdate()
	return nil
}

// SendContent enqueues a complete, turn-ending message.
func (q *RequestQueue) SendContent(content llms.Content) error {
	return q.Send(llms.LiveRequest{Content: &content})
}

// SendRealtime enqueues one fragment of continuous media.
func (q *RequestQueue) SendRealtime(blob llms.Blob) error {
	return q.Send(llms.LiveRequest{Blob: &blob})
}

// SendActivityStart enqueues an explicit user-activity start marker.
func (q *RequestQueue) SendActivityStart() error {
	return q.Send(llms.LiveRequest{ActivityStart: utils.Ptr(llms.ActivityStart{})})
}

// SendActivityEnd enqueues an explicit user-activity end marker.
func (q *RequestQueue) SendActivityEnd() error {
	return q.Send(llms.LiveRequest{ActivityEnd: utils.Ptr(llms.ActivityEnd{})})
}

// Close enqueues the terminal close request. Requests enqueued before Close
// are still delivered ahead of it. Closing an already-closed queue is a
// no-op.
func (q *RequestQueue) Close() error {
	err := q.Send(llms.LiveRequest{Close: true})
	if errors.Is(err, ErrQueueClosed) {
		return nil
	}
	return err
}

// Closed reports whether the close request was accepted.
func (q *RequestQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Pending returns the number of undelivered requests.
func (q *RequestQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.requests) - q.consumed
}

// Dequeue returns the next request in enqueue order, blocking until one is
// available. It is meant for a single logical consumer. After the close
// request has been delivered, further calls fail with [ErrQueueClosed].
func (q *RequestQueue) Dequeue(ctx context.Context) (llms.LiveRequest, error) {
	for {
		q.mu.Lock()
		if q.consumed < len(q.requests) {
			req := q.requests[q.consumed]
			q.requests[q.consumed] = llms.LiveRequest{}
			q.consumed++
			if q.consumed == len(q.requests) {
				q.requests = q.requests[:0]
				q.consumed = 0
			}
			q.mu.Unlock()
			return req, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return llms.LiveRequest{}, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return llms.LiveRequest{}, ctx.Err()
		case <-q.updateSignal:
		}
	}
}

func (q *RequestQueue) signalUpdate() {
	select {
	case q.updateSignal <- struct{}{}:
	default:
	}
}

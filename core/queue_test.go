package livesession

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/koscakluka/live-core/core/llms"
)

func TestQueueDeliversInEnqueueOrder(t *testing.T) {
	q := NewRequestQueue()

	for i := range 10 {
		if err := q.SendContent(llms.TextContent(fmt.Sprintf("message %d", i))); err != nil {
			t.Fatalf("expected enqueue %d to succeed, got %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := range 10 {
		req, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("expected dequeue %d to succeed, got %v", i, err)
		}
		if req.Content == nil {
			t.Fatalf("expected request %d to carry content", i)
		}
		if got, want := req.Content.Parts[0].Text, fmt.Sprintf("message %d", i); got != want {
			t.Fatalf("expected request %d to be %q, got %q", i, want, got)
		}
	}
}

func TestQueueDequeueBlocksUntilRequestArrives(t *testing.T) {
	q := NewRequestQueue()

	delivered := make(chan llms.LiveRequest, 1)
	go func() {
		req, err := q.Dequeue(context.Background())
		if err != nil {
			return
		}
		delivered <- req
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-delivered:
		t.Fatalf("expected dequeue to block on an empty queue")
	default:
	}

	if err := q.SendRealtime(llms.Blob{MIMEType: "audio/pcm;rate=16000", Data: []byte{0x01}}); err != nil {
		t.Fatalf("expected enqueue to succeed, got %v", err)
	}

	select {
	case req := <-delivered:
		if req.Blob == nil {
			t.Fatalf("expected a realtime request, got %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for blocked dequeue to deliver")
	}
}

func TestQueueCloseIsOrderedBehindInFlightRequests(t *testing.T) {
	q := NewRequestQueue()

	if err := q.SendContent(llms.TextContent("before close")); err != nil {
		t.Fatalf("expected enqueue to succeed, got %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("expected close to succeed, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("expected first dequeue to succeed, got %v", err)
	}
	if req.Content == nil {
		t.Fatalf("expected the in-flight request before the close, got %+v", req)
	}

	req, err = q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("expected close request dequeue to succeed, got %v", err)
	}
	if !req.Close {
		t.Fatalf("expected the close request, got %+v", req)
	}

	if _, err := q.Dequeue(ctx); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed after the close request, got %v", err)
	}
}

func TestQueueRejectsEnqueuesAfterClose(t *testing.T) {
	q := NewRequestQueue()

	if err := q.Close(); err != nil {
		t.Fatalf("expected close to succeed, got %v", err)
	}
	if err := q.SendContent(llms.TextContent("too late")); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("expected repeated close to be a no-op, got %v", err)
	}
}

func TestQueueRejectsMalformedRequests(t *testing.T) {
	q := NewRequestQueue()

	if err := q.Send(llms.LiveRequest{}); !errors.Is(err, llms.ErrMalformedRequest) {
		t.Fatalf("expected ErrMalformedRequest for an empty union, got %v", err)
	}
	if err := q.SendContent(llms.Content{}); !errors.Is(err, llms.ErrMalformedRequest) {
		t.Fatalf("expected ErrMalformedRequest for partless content, got %v", err)
	}
	if got := q.Pending(); got != 0 {
		t.Fatalf("expected rejected requests to never be queued, got %d pending", got)
	}
}

func TestBoundedQueueRejectPolicy(t *testing.T) {
	q := NewBoundedRequestQueue(2, OverflowReject)

	for i := range 2 {
		if err := q.SendContent(llms.TextContent(fmt.Sprintf("message %d", i))); err != nil {
			t.Fatalf("expected enqueue %d to succeed, got %v", i, err)
		}
	}
	if err := q.SendContent(llms.TextContent("overflow")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	// The close request is never refused by capacity.
	if err := q.Close(); err != nil {
		t.Fatalf("expected close to bypass the capacity check, got %v", err)
	}
}

func TestBoundedQueueDropOldestPolicy(t *testing.T) {
	q := NewBoundedRequestQueue(2, OverflowDropOldest)

	for i := range 3 {
		if err := q.SendContent(llms.TextContent(fmt.Sprintf("message %d", i))); err != nil {
			t.Fatalf("expected enqueue %d to succeed, got %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("expected dequeue to succeed, got %v", err)
	}
	if got, want := req.Content.Parts[0].Text, "message 1"; got != want {
		t.Fatalf("expected the oldest request to have been dropped, got %q first", got)
	}
}

func TestBoundedQueueDropOldestReleasesDroppedRequests(t *testing.T) {
	q := NewBoundedRequestQueue(2, OverflowDropOldest)

	payload := make([]byte, 1024)
	for i := range 10000 {
		if err := q.SendRealtime(llms.Blob{MIMEType: "audio/pcm;rate=16000", Data: payload}); err != nil {
			t.Fatalf("expected enqueue %d to succeed, got %v", i, err)
		}
	}

	if got := q.Pending(); got != 2 {
		t.Fatalf("expected two pending requests, got %d", got)
	}

	q.mu.Lock()
	backing := cap(q.requests)
	q.mu.Unlock()
	if backing > 4 {
		t.Fatalf("expected the backing slice bounded by the capacity under sustained overflow, got %d slots", backing)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := range 2 {
		if _, err := q.Dequeue(ctx); err != nil {
			t.Fatalf("expected dequeue %d to succeed, got %v", i, err)
		}
	}
}

func TestQueueDequeueHonorsContextCancellation(t *testing.T) {
	q := NewRequestQueue()

	ctx, cancel := context.WithCancel(context.Background())
	dequeued := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		dequeued <- err
	}()

	cancel()

	select {
	case err := <-dequeued:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context cancellation error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for cancelled dequeue to return")
	}
}

func TestQueueConcurrentProducersLoseNothing(t *testing.T) {
	q := NewRequestQueue()

	const producers = 8
	const perProducer = 50

	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := range perProducer {
				if err := q.SendContent(llms.TextContent(fmt.Sprintf("producer %d message %d", p, i))); err != nil {
					t.Errorf("expected enqueue to succeed, got %v", err)
				}
			}
		}(p)
	}
	wg.Wait()

	if got, want := q.Pending(), producers*perProducer; got != want {
		t.Fatalf("expected %d pending requests, got %d", want, got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := range producers * perProducer {
		if _, err := q.Dequeue(ctx); err != nil {
			t.Fatalf("expected dequeue %d to succeed, got %v", i, err)
		}
	}
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestInMemoryQueue_BasicOperations(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(2))
	ctx := context.Background()

	if l := q.Len(ctx); l != 0 {
		t.Errorf("expected length 0, got %d", l)
	}

	if err := q.Enqueue(ctx, NewJob("task-1", []byte(`{"task_id":"task-1"}`), nil)); err != nil {
		t.Fatalf("expected enqueue to succeed, got %v", err)
	}
	if l := q.Len(ctx); l != 1 {
		t.Errorf("expected length 1, got %d", l)
	}

	dctx, cancel := context.WithCancel(ctx)
	defer cancel()
	job := <-q.Dequeue(dctx)
	if job.TaskID != "task-1" {
		t.Errorf("expected task-1, got %q", job.TaskID)
	}
	if string(job.Payload) != `{"task_id":"task-1"}` {
		t.Errorf("unexpected payload %q", job.Payload)
	}
	if job.EnqueuedAt.IsZero() {
		t.Error("expected enqueue time to be set")
	}
	if l := q.Len(ctx); l != 0 {
		t.Errorf("expected length 0, got %d", l)
	}
}

func TestInMemoryQueue_Capacity(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(2))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := q.Enqueue(ctx, NewJob(fmt.Sprintf("task-%d", i), nil, nil)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := q.Enqueue(ctx, NewJob("task-3", nil, nil)); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	if l := q.Len(ctx); l != 2 {
		t.Errorf("expected length 2, got %d", l)
	}
	if q.Capacity() != 2 {
		t.Errorf("expected capacity 2, got %d", q.Capacity())
	}
}

func TestInMemoryQueue_CancelledContext(t *testing.T) {
	q := NewInMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.Enqueue(ctx, NewJob("task-1", nil, nil)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestInMemoryQueue_ConcurrentAccess(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(64))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const producers, perProducer = 8, 50

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		got  sync.WaitGroup
	)
	got.Add(producers * perProducer)
	for i := 0; i < 4; i++ {
		go func() {
			for j := range q.Dequeue(ctx) {
				mu.Lock()
				seen[j.TaskID]++
				mu.Unlock()
				got.Done()
			}
		}()
	}

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				id := fmt.Sprintf("task-%d-%d", p, j)
				for errors.Is(q.Enqueue(ctx, NewJob(id, nil, nil)), ErrQueueFull) {
					time.Sleep(time.Millisecond)
				}
			}
		}(p)
	}
	wg.Wait()

	done := make(chan struct{})
	go func() { got.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumers did not drain the queue")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != producers*perProducer {
		t.Errorf("expected %d distinct jobs, got %d", producers*perProducer, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("job %s delivered %d times", id, n)
		}
	}
}

func TestInMemoryQueue_GracefulShutdown(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(10))
	ctx := context.Background()

	for _, id := range []string{"task-1", "task-2"} {
		if err := q.Enqueue(ctx, NewJob(id, nil, nil)); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	if q.IsClosed() {
		t.Error("expected queue to be open initially")
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !q.IsClosed() {
		t.Error("expected queue to be closed after Close()")
	}
	if err := q.Enqueue(ctx, NewJob("task-3", nil, nil)); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed, got %v", err)
	}

	// Buffered jobs drain, then the channel closes.
	var drained []string
	timeout := time.After(time.Second)
	ch := q.Dequeue(ctx)
loop:
	for {
		select {
		case j, ok := <-ch:
			if !ok {
				break loop
			}
			drained = append(drained, j.TaskID)
		case <-timeout:
			t.Fatal("expected dequeue channel to close")
		}
	}
	if len(drained) != 2 || drained[0] != "task-1" || drained[1] != "task-2" {
		t.Errorf("unexpected drained jobs %v", drained)
	}
	if err := q.Close(); err != nil {
		t.Errorf("expected second close to succeed, got %v", err)
	}
}

func TestJob_Ack(t *testing.T) {
	var results []bool
	j := NewJob("task-1", nil, func(ok bool) { results = append(results, ok) })
	j.Ack(true)
	j.Ack(false)
	if len(results) != 2 || !results[0] || results[1] {
		t.Errorf("unexpected ack results %v", results)
	}

	// A job without a callback acks as a no-op.
	NewJob("task-2", nil, nil).Ack(true)
}

func TestDispatcher_Enqueue(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(1))
	d := NewDispatcher(q)
	ctx := context.Background()

	h1, err := d.Enqueue(ctx, "task-1", []byte("{}"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if h1 == "" {
		t.Error("expected a non-empty handle")
	}
	if _, err := d.Enqueue(ctx, "task-2", []byte("{}")); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected wrapped ErrQueueFull, got %v", err)
	}
	if q.Len(ctx) != 1 {
		t.Errorf("expected one queued job, got %d", q.Len(ctx))
	}
}

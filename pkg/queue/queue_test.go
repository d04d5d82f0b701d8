package queue

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/stepflow/pkg/job"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb), mr
}

func TestEnqueueRoutesByPriority(t *testing.T) {
	q, mr := newTestQueue(t)
	id := uuid.New()

	if err := q.Enqueue(t.Context(), job.PriorityHigh, id); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if n, _ := mr.Llen(NameHigh); n != 1 {
		t.Errorf("high_priority depth = %d, want 1", n)
	}

	if err := q.Enqueue(t.Context(), job.PriorityLow, id); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if n, _ := mr.Llen(NameLow); n != 1 {
		t.Errorf("low_priority depth = %d, want 1", n)
	}
}

func TestDequeueDrainsHighBeforeLow(t *testing.T) {
	q, _ := newTestQueue(t)
	low := uuid.New()
	high := uuid.New()

	if err := q.Enqueue(t.Context(), job.PriorityLow, low); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := q.Enqueue(t.Context(), job.PriorityHigh, high); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	got, ok, err := q.Dequeue(t.Context(), 1)
	if err != nil || !ok {
		t.Fatalf("Dequeue() = %v, %v, %v", got, ok, err)
	}
	if got != high {
		t.Errorf("Dequeue() = %s, want high-priority job %s", got, high)
	}
}

func TestDequeueTimesOutWhenEmpty(t *testing.T) {
	q, _ := newTestQueue(t)

	start := time.Now()
	_, ok, err := q.Dequeue(t.Context(), 0.2)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if ok {
		t.Error("Dequeue() on empty queues reported a job")
	}
	if time.Since(start) < 150*time.Millisecond {
		t.Error("Dequeue() returned before the timeout elapsed")
	}
}

func TestDepthReportsQueueLength(t *testing.T) {
	q, _ := newTestQueue(t)
	if err := q.Enqueue(t.Context(), job.PriorityMedium, uuid.New()); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	n, err := q.Depth(t.Context(), NameMedium)
	if err != nil {
		t.Fatalf("Depth() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Depth() = %d, want 1", n)
	}
}

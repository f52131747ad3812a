package telemetry

import (
	"fmt"
	"testing"
	"time"
)

func TestQueueFIFOOrder(t *testing.T) {
	q := NewQueue(10, 0)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !q.Enqueue("t", []byte{byte('a' + i)}, now) {
			t.Fatalf("Enqueue(%d) rejected", i)
		}
	}

	for i := 0; i < 3; i++ {
		e, ok := q.Pop(now)
		if !ok {
			t.Fatalf("Pop(%d) empty", i)
		}
		if want := byte('a' + i); e.Payload[0] != want {
			t.Errorf("Pop(%d) = %q, want %q", i, e.Payload, want)
		}
	}
	if _, ok := q.Pop(now); ok {
		t.Error("Pop() on empty queue returned an entry")
	}
}

func TestQueueOverflowRejectsNew(t *testing.T) {
	const capacity = 3
	q := NewQueue(capacity, 0)
	now := time.Now()

	for i := 0; i < capacity; i++ {
		if !q.Enqueue("t", []byte(fmt.Sprintf("%d", i)), now) {
			t.Fatalf("Enqueue(%d) rejected below capacity", i)
		}
	}

	if q.Enqueue("t", []byte("overflow"), now) {
		t.Error("Enqueue accepted past capacity")
	}
	if q.Len() != capacity {
		t.Errorf("Len() = %d, want %d", q.Len(), capacity)
	}
	if q.Lost() != 1 {
		t.Errorf("Lost() = %d, want exactly 1", q.Lost())
	}

	// The queued entries survive; the newest was the casualty.
	e, _ := q.Pop(now)
	if string(e.Payload) != "0" {
		t.Errorf("front = %q, want oldest entry", e.Payload)
	}
}

func TestQueueRetention(t *testing.T) {
	q := NewQueue(10, 0)
	start := time.Now()

	q.Enqueue("t", []byte("old"), start)
	q.Enqueue("t", []byte("fresh"), start.Add(2*time.Minute))

	// Just inside the ceiling: still deliverable.
	if e, ok := q.Pop(start.Add(299 * time.Second)); !ok || string(e.Payload) != "old" {
		t.Fatalf("Pop(299s) = %q, %v; want old entry", e.Payload, ok)
	}
	q.Requeue(Entry{Topic: "t", Payload: []byte("old"), EnqueuedAt: start})

	// Past the ceiling: the old entry is discarded, the fresh one pops.
	e, ok := q.Pop(start.Add(301 * time.Second))
	if !ok {
		t.Fatal("Pop(301s) returned nothing")
	}
	if string(e.Payload) != "fresh" {
		t.Errorf("Pop(301s) = %q, want fresh entry", e.Payload)
	}
	if q.Lost() != 1 {
		t.Errorf("Lost() = %d, want 1 expired", q.Lost())
	}
}

func TestQueueRequeuePreservesOrder(t *testing.T) {
	q := NewQueue(10, 0)
	now := time.Now()

	q.Enqueue("t", []byte("1"), now)
	q.Enqueue("t", []byte("2"), now)

	e, _ := q.Pop(now)
	q.Requeue(e)

	for _, want := range []string{"1", "2"} {
		e, ok := q.Pop(now)
		if !ok || string(e.Payload) != want {
			t.Errorf("Pop() = %q, %v; want %q", e.Payload, ok, want)
		}
	}
}

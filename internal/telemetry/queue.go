package telemetry

import (
	"sync"
	"time"
)

// DefaultRetention is how long a queued entry stays deliverable. Stale
// telemetry is worse than missing telemetry: the backend folds each
// message into a live occupancy view, and a five-minute-old snapshot
// replayed as current would lie about the pod.
const DefaultRetention = 5 * time.Minute

// Entry is one queued delivery: the topic it was headed for, the
// already-marshaled payload, and when it entered the queue.
type Entry struct {
	Topic      string
	Payload    []byte
	EnqueuedAt time.Time
}

// Queue is a bounded FIFO of pending telemetry. Overflow rejects the
// new entry rather than evicting queued ones: queued entries are older
// and replaying them preserves the event ordering the backend expects.
// Every rejected or expired entry increments the loss counter. All
// methods are safe for concurrent use.
type Queue struct {
	mu        sync.Mutex
	entries   []Entry
	capacity  int
	retention time.Duration
	lost      uint64
}

// NewQueue creates a queue with the given capacity. Retention defaults
// to [DefaultRetention] when d is zero or negative.
func NewQueue(capacity int, d time.Duration) *Queue {
	if d <= 0 {
		d = DefaultRetention
	}
	return &Queue{capacity: capacity, retention: d}
}

// Enqueue appends an entry. When the queue is full the entry is
// rejected, the loss counter increments, and Enqueue returns false.
func (q *Queue) Enqueue(topic string, payload []byte, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) >= q.capacity {
		q.lost++
		return false
	}
	q.entries = append(q.entries, Entry{Topic: topic, Payload: payload, EnqueuedAt: now})
	return true
}

// Pop removes and returns the oldest deliverable entry. Entries past
// the retention ceiling are discarded (and counted as lost) on the way;
// ok is false when nothing deliverable remains.
func (q *Queue) Pop(now time.Time) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.entries) > 0 {
		e := q.entries[0]
		q.entries = q.entries[1:]
		if now.Sub(e.EnqueuedAt) > q.retention {
			q.lost++
			continue
		}
		return e, true
	}
	return Entry{}, false
}

// Requeue puts an entry back at the front after a failed replay, so
// surviving entries keep their original order.
func (q *Queue) Requeue(e Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append([]Entry{e}, q.entries...)
}

// Len returns the number of queued entries, expired or not.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Lost returns the total number of entries dropped since creation,
// whether by overflow or by aging out.
func (q *Queue) Lost() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lost
}

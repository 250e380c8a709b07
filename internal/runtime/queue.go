package runtime

import "sync"

// eventQueue is the bounded, coalescing run-request queue. One entry per
// tenant at most: re-enqueueing a present tenant moves it to the tail
// (newest wins). When full, the head is dropped to admit the new entry.
type eventQueue struct {
	mu      sync.Mutex
	entries []string
	max     int
	closed  bool

	// wake carries at most one pending notification for the consumer.
	wake chan struct{}
}

func newEventQueue(max int) *eventQueue {
	if max < 1 {
		max = 1
	}
	return &eventQueue{
		max:  max,
		wake: make(chan struct{}, 1),
	}
}

// push enqueues a tenant. Returns false once the queue is closed.
func (q *eventQueue) push(tenantID string) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	for i, e := range q.entries {
		if e == tenantID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	if len(q.entries) >= q.max {
		q.entries = q.entries[1:] // drop-head backpressure
	}
	q.entries = append(q.entries, tenantID)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// pop removes and returns the head entry.
func (q *eventQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return "", false
	}
	id := q.entries[0]
	q.entries = q.entries[1:]
	return id, true
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// close discards pending entries and rejects further pushes.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.entries = nil
	q.mu.Unlock()
}

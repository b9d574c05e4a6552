package signal

import (
	"sync"
	"sync/atomic"
)

const DefaultQueueCapacity = 100

// Queue is a bounded FIFO of records. When full, Push drops the new record
// and keeps the oldest ones; capacity bounds memory, not freshness.
type Queue struct {
	mu       sync.Mutex
	items    []Record
	head     int
	capacity int
	length   atomic.Int64
}

// NewQueue builds a queue; capacity <= 0 selects DefaultQueueCapacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		items:    make([]Record, 0, capacity),
		capacity: capacity,
	}
}

// Push appends r and reports false when the queue was full and r was dropped.
func (q *Queue) Push(r Record) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items)-q.head >= q.capacity {
		return false
	}
	if q.head > 0 && len(q.items) == cap(q.items) {
		q.compact()
	}
	q.items = append(q.items, r)
	q.length.Add(1)
	return true
}

// Pop removes and returns the oldest record.
func (q *Queue) Pop() (Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head >= len(q.items) {
		return Record{}, false
	}
	r := q.items[q.head]
	q.items[q.head] = Record{}
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}
	q.length.Add(-1)
	return r, true
}

// HasAny is lock-free.
func (q *Queue) HasAny() bool {
	return q.length.Load() > 0
}

func (q *Queue) Len() int {
	return int(q.length.Load())
}

func (q *Queue) Cap() int {
	return q.capacity
}

// Clear drops every queued record and returns how many were removed.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items) - q.head
	clear(q.items)
	q.items = q.items[:0]
	q.head = 0
	q.length.Store(0)
	return n
}

func (q *Queue) compact() {
	n := copy(q.items, q.items[q.head:])
	clear(q.items[n:])
	q.items = q.items[:n]
	q.head = 0
}

package logpipe

import (
	"fmt"
	"sync"
	"time"
)

const minCapacity = 2

// Queue is a bounded FIFO of records that is safe for concurrent producers.
// When full, the oldest records are evicted. The first eviction of an
// overflow run turns the oldest record into a marker; later evictions in the
// same run drop the record right behind the marker and bump its count. The
// marker keeps the sequence number of the first record it replaced, so
// sequence numbers in the queue stay strictly increasing and every number
// issued is either retained or covered by a marker.
type Queue struct {
	mu       sync.Mutex
	items    []Record
	head     int
	n        int
	seq      uint64
	marker   bool // items[head] is the current overflow marker
	ingested uint64
	evicted  uint64
}

// NewQueue returns a queue holding at most capacity records, markers
// included. Capacities below 2 are raised to 2.
func NewQueue(capacity int) *Queue {
	if capacity < minCapacity {
		capacity = minCapacity
	}
	return &Queue{items: make([]Record, capacity)}
}

// Cap returns the capacity.
func (q *Queue) Cap() int { return len(q.items) }

// Push assigns the next sequence number to text and appends it. It returns
// the stored record and how many records were evicted to make room.
func (q *Queue) Push(now time.Time, text string, src Source, system bool) (Record, int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	q.ingested++
	rec := Record{Seq: q.seq, Time: now, Text: text, Source: src, System: system}
	evicted := 0
	if q.n == len(q.items) {
		evicted = q.evictLocked(now)
	}
	q.items[(q.head+q.n)%len(q.items)] = rec
	q.n++
	return rec, evicted
}

func (q *Queue) evictLocked(now time.Time) int {
	size := len(q.items)
	count := 0
	if !q.marker {
		first := q.items[q.head]
		q.items[q.head] = Record{Seq: first.Seq, Time: now, Source: SourceSystem, System: true, Evicted: 1}
		q.marker = true
		count++
	}
	m := q.items[q.head]
	q.items[q.head] = Record{}
	q.head = (q.head + 1) % size
	m.Evicted++
	m.Time = now
	m.Text = markerText(m.Evicted)
	q.items[q.head] = m
	q.n--
	count++
	q.evicted += uint64(count)
	return count
}

func markerText(n int) string {
	return fmt.Sprintf("[bootvisor] %d log lines dropped: queue full", n)
}

// Pop removes up to max records from the front, oldest first.
func (q *Queue) Pop(max int) []Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	if max <= 0 || q.n == 0 {
		return nil
	}
	if max > q.n {
		max = q.n
	}
	out := make([]Record, max)
	size := len(q.items)
	for i := 0; i < max; i++ {
		out[i] = q.items[q.head]
		q.items[q.head] = Record{}
		q.head = (q.head + 1) % size
	}
	q.n -= max
	q.marker = false
	return out
}

// Snapshot copies the retained records without removing them.
func (q *Queue) Snapshot() []Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Record, q.n)
	for i := 0; i < q.n; i++ {
		out[i] = q.items[(q.head+i)%len(q.items)]
	}
	return out
}

// Len returns the number of retained records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Clear drops every record and restarts sequence numbering at 1.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	clear(q.items)
	q.head, q.n = 0, 0
	q.seq = 0
	q.marker = false
	q.ingested, q.evicted = 0, 0
}

// Counters returns the number of records pushed and evicted since the last
// Clear.
func (q *Queue) Counters() (ingested, evicted uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ingested, q.evicted
}

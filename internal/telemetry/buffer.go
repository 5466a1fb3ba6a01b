package telemetry

import (
	"fmt"
	"sync"
)

type node struct {
	record Record
	next   *node
}

// Buffer is a thread-safe batch buffer holding telemetry records in
// timestamp order. Records produced by different loops may arrive slightly
// out of order; they are slotted into place so that every flushed batch is
// monotonic in time.
type Buffer struct {
	capacity   int // Maximum number of records to hold
	flushCount int // Number of records to hand out when the buffer is full

	mu   sync.Mutex
	head *node
	tail *node
	size int
}

// NewBuffer creates a buffer holding up to capacity records and handing out
// flushCount records per Flush.
func NewBuffer(capacity, flushCount int) (*Buffer, error) {
	if capacity <= 0 || flushCount <= 0 || flushCount > capacity {
		return nil, fmt.Errorf("invalid buffer parameters: capacity=%d, flushCount=%d", capacity, flushCount)
	}
	return &Buffer{
		capacity:   capacity,
		flushCount: flushCount,
	}, nil
}

// Insert adds a record in timestamp order. Records with equal timestamps
// keep their arrival order.
func (b *Buffer) Insert(r Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := &node{record: r}
	b.size++

	switch {
	case b.head == nil:
		b.head, b.tail = n, n
		return

	// Common case: records arrive in order
	case !r.Timestamp.Before(b.tail.record.Timestamp):
		b.tail.next = n
		b.tail = n
		return

	case r.Timestamp.Before(b.head.record.Timestamp):
		n.next = b.head
		b.head = n
		return
	}

	current := b.head
	for current.next != nil && !r.Timestamp.Before(current.next.record.Timestamp) {
		current = current.next
	}
	n.next = current.next
	current.next = n
	if n.next == nil {
		b.tail = n
	}
}

// IsFull returns true if the buffer has reached its capacity.
func (b *Buffer) IsFull() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size >= b.capacity
}

// Flush removes and returns the oldest records. Returns nil if the buffer is
// empty.
func (b *Buffer) Flush() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		return nil
	}

	count := b.flushCount
	if b.size > b.capacity {
		count += b.size - b.capacity
	}
	return b.take(min(count, b.size))
}

// DrainAll removes and returns all records. Returns nil if the buffer is
// empty.
func (b *Buffer) DrainAll() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		return nil
	}
	return b.take(b.size)
}

// Size returns the current number of records in the buffer.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Clear removes all records from the buffer.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head, b.tail = nil, nil
	b.size = 0
}

// take must be called with the lock held
func (b *Buffer) take(count int) []Record {
	results := make([]Record, 0, count)
	current := b.head
	for i := 0; i < count && current != nil; i++ {
		results = append(results, current.record)
		current = current.next
	}

	b.head = current
	if b.head == nil {
		b.tail = nil
	}
	b.size -= len(results)
	return results
}

// Package queue provides the chunk queue between the device reader and the
// sample processor.
//
// The queue is unbounded. A processor that falls behind makes it grow without
// limit; nothing is ever dropped.
package queue

import (
	"sync"
	"sync/atomic"
)

// Queue is a FIFO of raw chunks with one producer and one consumer.
// Chunks are pushed and popped whole.
type Queue struct {
	mu    sync.Mutex
	items [][]byte
	head  int

	pushed atomic.Uint64
	popped atomic.Uint64
	notify chan struct{}
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		notify: make(chan struct{}, 1),
	}
}

// Push appends a chunk. The queue takes ownership of chunk.
func (q *Queue) Push(chunk []byte) {
	q.mu.Lock()
	q.items = append(q.items, chunk)
	q.mu.Unlock()
	q.pushed.Add(1)

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop removes and returns the oldest chunk. ok is false if the queue is empty.
func (q *Queue) Pop() (chunk []byte, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head == len(q.items) {
		return nil, false
	}

	chunk = q.items[q.head]
	q.items[q.head] = nil
	q.head++

	// Compact once the consumed prefix dominates the backing array.
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}

	q.popped.Add(1)
	return chunk, true
}

// Len returns the number of queued chunks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Pushed returns the total number of chunks pushed.
func (q *Queue) Pushed() uint64 {
	return q.pushed.Load()
}

// Popped returns the total number of chunks popped.
func (q *Queue) Popped() uint64 {
	return q.popped.Load()
}

// Wait returns a channel that receives after a Push. A receive does not
// guarantee the queue is non-empty; callers must Pop to find out.
func (q *Queue) Wait() <-chan struct{} {
	return q.notify
}

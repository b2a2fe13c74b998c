// Package storequeue implements the bounded FIFO that sits between the
// request path and the cache writer.
package storequeue

import "sync"

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 100

// Queue is a fixed-capacity FIFO. Enqueue blocks while the queue is full
// and Dequeue blocks while it is empty.
type Queue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    []T
	head     int
	count    int
	closed   bool
}

// New returns an empty queue holding at most capacity items.
func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &Queue[T]{items: make([]T, capacity)}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends v, waiting for room if the queue is full.
// Items offered after Close are dropped.
func (q *Queue[T]) Enqueue(v T) {
	q.EnqueueOK(v)
}

// EnqueueOK is Enqueue reporting whether v was accepted.
func (q *Queue[T]) EnqueueOK(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == len(q.items) && !q.closed {
		q.notFull.Wait()
	}
	if q.closed {
		return false
	}

	q.items[(q.head+q.count)%len(q.items)] = v
	q.count++
	if q.count == 1 {
		q.notEmpty.Broadcast()
	}
	return true
}

// Dequeue removes and returns the oldest item, waiting while the queue is empty.
func (q *Queue[T]) Dequeue() T {
	v, _ := q.DequeueOK()
	return v
}

// DequeueOK is Dequeue reporting false once the queue is closed and drained.
func (q *Queue[T]) DequeueOK() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.notEmpty.Wait()
	}

	var zero T
	if q.count == 0 {
		return zero, false
	}

	v := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.count--
	if q.count == len(q.items)-1 {
		q.notFull.Broadcast()
	}
	return v, true
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return len(q.items)
}

// Close wakes every waiter. Queued items can still be dequeued.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

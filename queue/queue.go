package queue

import "sync"

// Queue is a generic FIFO queue that can hold any type. It is safe for
// concurrent use.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	ready chan struct{}
}

// New creates and returns a new Queue instance.
func New[T any]() *Queue[T] {
	return &Queue[T]{
		items: []T{},
		ready: make(chan struct{}, 1),
	}
}

// Enqueue adds an element to the end of the queue and wakes one waiter.
func (q *Queue[T]) Enqueue(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Dequeue removes and returns the front element of the queue.
// The boolean indicates whether an element was dequeued (false if the queue was empty).
func (q *Queue[T]) Dequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	item := q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) > 0 {
		// keep the signal armed for the next consumer
		select {
		case q.ready <- struct{}{}:
		default:
		}
	}
	return item, true
}

// Ready returns a channel that receives a value whenever an item may be
// available. Consumers must still call Dequeue and handle an empty result.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}

// Len returns the number of elements in the queue.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsEmpty returns true if the queue is empty.
func (q *Queue[T]) IsEmpty() bool {
	return q.Len() == 0
}

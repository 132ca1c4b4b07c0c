package events

import "sync"

// ringBuffer keeps the most recent published events for replay to
// newly connected clients.
type ringBuffer[T any] struct {
	buffer []T
	head   int
	tail   int
	count  int
	size   int
	mu     sync.RWMutex
}

func newRingBuffer[T any](capacity int) *ringBuffer[T] {
	return &ringBuffer[T]{
		buffer: make([]T, capacity),
		size:   capacity,
	}
}

// push adds an item, overwriting the oldest if full.
func (r *ringBuffer[T]) push(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buffer[r.tail] = item
	r.tail = (r.tail + 1) % r.size

	if r.count < r.size {
		r.count++
	} else {
		r.head = (r.head + 1) % r.size
	}
}

// all returns items in order from oldest to newest.
func (r *ringBuffer[T]) all() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		idx := (r.head + i) % r.size
		result[i] = r.buffer[idx]
	}
	return result
}

func (r *ringBuffer[T]) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

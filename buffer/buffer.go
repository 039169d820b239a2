// Package buffer holds cycle results between the sampling loop and the
// metrics pusher.
package buffer

import (
	"sync"

	"go.uber.org/zap"
)

// RingBuffer is a thread-safe circular buffer. When full, the oldest entry
// is overwritten and counted as dropped.
type RingBuffer[T any] struct {
	mu       sync.RWMutex
	data     []T
	capacity int
	size     int
	head     int
	dropped  uint64
	logger   *zap.Logger
}

// New creates a RingBuffer holding at most capacity items. A capacity below
// one is raised to one.
func New[T any](capacity int, logger *zap.Logger) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{
		data:     make([]T, capacity),
		capacity: capacity,
		logger:   logger,
	}
}

// Add appends an item, overwriting the oldest entry when full
func (rb *RingBuffer[T]) Add(item T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.add(item)
}

// Requeue puts back items that could not be delivered. Order is preserved;
// if they no longer fit, the oldest ones are dropped first.
func (rb *RingBuffer[T]) Requeue(items []T) {
	if len(items) == 0 {
		return
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	pending := rb.drain()
	for _, item := range items {
		rb.add(item)
	}
	for _, item := range pending {
		rb.add(item)
	}
}

// GetAllAndClear returns every buffered item, oldest first, and empties the
// buffer. The returned slice is owned by the caller.
func (rb *RingBuffer[T]) GetAllAndClear() []T {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.drain()
}

// Size returns the number of buffered items
func (rb *RingBuffer[T]) Size() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// Capacity returns the maximum number of buffered items
func (rb *RingBuffer[T]) Capacity() int {
	return rb.capacity
}

// Dropped returns how many items were overwritten since creation
func (rb *RingBuffer[T]) Dropped() uint64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.dropped
}

// Stats returns size and capacity in one call
func (rb *RingBuffer[T]) Stats() (size, capacity int) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size, rb.capacity
}

func (rb *RingBuffer[T]) add(item T) {
	if rb.size == rb.capacity {
		rb.dropped++
		rb.logger.Warn("ring buffer full, overwriting oldest entry",
			zap.Int("capacity", rb.capacity),
			zap.Uint64("dropped_total", rb.dropped),
		)
	}

	rb.data[rb.head] = item
	rb.head = (rb.head + 1) % rb.capacity

	if rb.size < rb.capacity {
		rb.size++
	}
}

func (rb *RingBuffer[T]) drain() []T {
	if rb.size == 0 {
		return nil
	}

	// oldest entry sits size slots behind head
	start := (rb.head - rb.size + rb.capacity) % rb.capacity
	out := make([]T, rb.size)
	for i := range out {
		out[i] = rb.data[(start+i)%rb.capacity]
	}

	var zero T
	for i := range rb.data {
		rb.data[i] = zero
	}
	rb.size = 0
	rb.head = 0

	return out
}

package util

import "sync"

// RingBuffer keeps the last N items pushed into it. Once capacity is
// reached, each Push evicts the oldest item. Safe for concurrent use.
type RingBuffer[T any] struct {
	mu    sync.RWMutex
	items []T
	start int
	n     int
}

// NewRingBuffer creates an empty buffer holding at most capacity items.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer[T]{items: make([]T, capacity)}
}

// Push stores an item, evicting the oldest one when the buffer is full.
func (r *RingBuffer[T]) Push(v T) {
	r.mu.Lock()
	r.items[(r.start+r.n)%len(r.items)] = v
	if r.n == len(r.items) {
		r.start = (r.start + 1) % len(r.items)
	} else {
		r.n++
	}
	r.mu.Unlock()
}

// Snapshot returns the stored items oldest-first.
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.items[(r.start+i)%len(r.items)]
	}
	return out
}

// Len returns the number of items currently stored.
func (r *RingBuffer[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.n
}

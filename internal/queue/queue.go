package queue

import (
	"sync"
)

// Queue is a generic thread-safe queue that keeps only the latest value per
// key. Keys are drained in the order they were first pushed.
type Queue[K comparable, V any] struct {
	mu    sync.Mutex
	order []K
	items map[K]V
}

// New creates a new empty queue.
func New[K comparable, V any]() *Queue[K, V] {
	return &Queue[K, V]{
		items: make(map[K]V),
	}
}

// Push stores v under key, replacing any pending value for the same key.
func (q *Queue[K, V]) Push(key K, v V) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[key]; !ok {
		q.order = append(q.order, key)
	}
	q.items[key] = v
}

// Empty returns true if the queue has no items.
func (q *Queue[K, V]) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order) == 0
}

// Len returns the number of distinct keys pending.
func (q *Queue[K, V]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// GetAndEmpty returns all pending values and clears the queue.
func (q *Queue[K, V]) GetAndEmpty() []V {
	q.mu.Lock()
	defer q.mu.Unlock()
	result := make([]V, 0, len(q.order))
	for _, k := range q.order {
		result = append(result, q.items[k])
	}
	q.order = q.order[:0]
	clear(q.items)
	return result
}

// Requeue puts values back for keys that have not been pushed again since.
// Used when a flush fails so newer values are not overwritten.
func (q *Queue[K, V]) Requeue(keyOf func(V) K, values []V) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, v := range values {
		k := keyOf(v)
		if _, ok := q.items[k]; ok {
			continue
		}
		q.order = append(q.order, k)
		q.items[k] = v
	}
}

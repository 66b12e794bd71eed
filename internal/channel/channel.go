// Package channel holds the bounded per-viewer outbox queue.
package channel

import "sync"

// Outbox is a bounded queue drained by a single consumer. Producers never
// block: a full or closed outbox rejects the value.
type Outbox[T any] interface {
	TrySend(v T) bool
	Receive() <-chan T
	Len() int
	Cap() int
	Close()
}

// Bounded is the channel-backed Outbox.
type Bounded[T any] struct {
	mu     sync.RWMutex
	closed bool
	ch     chan T
}

// New returns a Bounded holding at most size values. Sizes below one are
// raised to one.
func New[T any](size int) *Bounded[T] {
	return &Bounded[T]{ch: make(chan T, max(size, 1))}
}

// TrySend reports whether v was queued.
func (b *Bounded[T]) TrySend(v T) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	select {
	case b.ch <- v:
		return true
	default:
		return false
	}
}

// Receive yields queued values. The channel ends after Close once the
// remaining values are read.
func (b *Bounded[T]) Receive() <-chan T { return b.ch }

func (b *Bounded[T]) Len() int { return len(b.ch) }

func (b *Bounded[T]) Cap() int { return cap(b.ch) }

// Close is idempotent. Sends racing with Close either land before it or
// are rejected.
func (b *Bounded[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
}

package runtime

import "github.com/sift-net/sift/stats"

// Ring is the bounded handoff between worker cores and application worker
// pools. Callbacks that need non-trivial work push into a ring instead of
// blocking their core; backpressure is ring fullness and the shedding
// policy is drop-newest on the producer side.
type Ring[T any] struct {
	name string
	ch   chan T
}

// NewRing creates a ring with the given capacity.
func NewRing[T any](name string, capacity int) *Ring[T] {
	return &Ring[T]{name: name, ch: make(chan T, capacity)}
}

// Push enqueues without blocking; a full ring drops the newest item.
func (r *Ring[T]) Push(v T) bool {
	select {
	case r.ch <- v:
		return true
	default:
		stats.DispatchDropped.WithLabelValues(r.name).Inc()
		return false
	}
}

// Pop blocks until an item arrives or the ring is closed.
func (r *Ring[T]) Pop() (T, bool) {
	v, ok := <-r.ch
	return v, ok
}

// Close ends the consumer side after draining.
func (r *Ring[T]) Close() { close(r.ch) }

// Len returns the current queue depth.
func (r *Ring[T]) Len() int { return len(r.ch) }

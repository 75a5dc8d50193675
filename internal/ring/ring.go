// Package ring provides a small generic circular buffer used to maintain
// fixed-size rolling windows without allocating on every push and without
// ever sorting the retained elements.
//
// Buffers here (the controller's rolling feature shares) are
// fixed-capacity and overwrite the oldest element on overflow rather than
// growing, keeping per-tick memory bounded.
package ring

import "golang.org/x/exp/constraints"

// Buffer is a fixed-capacity circular buffer. The zero value is not usable;
// construct with New. Not safe for concurrent use; callers provide locking.
type Buffer[E constraints.Ordered] struct {
	s    []E
	r, w uint
	full bool
}

// New creates a Buffer with the given fixed capacity. Panics if cap <= 0.
func New[E constraints.Ordered](capacity int) *Buffer[E] {
	if capacity <= 0 {
		panic("ring: capacity must be positive")
	}
	return &Buffer[E]{s: make([]E, capacity)}
}

// Len returns the number of elements currently retained.
func (b *Buffer[E]) Len() int {
	if b.full {
		return len(b.s)
	}
	return int(b.w - b.r)
}

// Cap returns the fixed capacity.
func (b *Buffer[E]) Cap() int {
	return len(b.s)
}

// Push appends value, evicting the oldest element if the buffer is full.
// Returns the evicted element and true if an eviction occurred.
func (b *Buffer[E]) Push(value E) (evicted E, didEvict bool) {
	idx := b.w % uint(len(b.s))
	if b.full {
		evicted = b.s[idx]
		didEvict = true
		b.r = (b.r + 1) % uint(len(b.s))
	}
	b.s[idx] = value
	b.w = (b.w + 1) % uint(len(b.s))
	if b.w == b.r {
		b.full = true
	}
	return evicted, didEvict
}

// Get returns the i-th oldest retained element (0 is the oldest).
func (b *Buffer[E]) Get(i int) E {
	if i < 0 || i >= b.Len() {
		panic("ring: index out of range")
	}
	return b.s[(b.r+uint(i))%uint(len(b.s))]
}

// Slice returns a newly allocated snapshot, oldest first.
func (b *Buffer[E]) Slice() []E {
	n := b.Len()
	out := make([]E, n)
	for i := 0; i < n; i++ {
		out[i] = b.Get(i)
	}
	return out
}

// Reset empties the buffer without releasing its backing array.
func (b *Buffer[E]) Reset() {
	b.r, b.w, b.full = 0, 0, false
}

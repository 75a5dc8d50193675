// Package queue implements the per-recipient bounded FIFO queues (Q_active
// and Q_next).
//
// Each queue is a plain slice-backed circular buffer bounded at a fixed
// capacity (queue_capacity_per_receiver), rejecting on overflow instead of
// growing.
package queue

import (
	"sync"

	"github.com/apex-rt/apex/message"
)

// Bounded is a fixed-capacity FIFO of *message.Message. Push rejects
// (returns false) when full rather than blocking or growing: admission is
// non-blocking with rejection, never an indefinite wait.
type Bounded struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []*message.Message
	r, w     int
	len      int
	capacity int
	closed   bool
}

// NewBounded creates a Bounded queue with the given fixed capacity.
func NewBounded(capacity int) *Bounded {
	q := &Bounded{buf: make([]*message.Message, capacity), capacity: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends msg, returning false if the queue is at capacity.
func (q *Bounded) Push(msg *message.Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.len >= q.capacity {
		return false
	}
	q.buf[q.w] = msg
	q.w = (q.w + 1) % q.capacity
	q.len++
	q.cond.Signal()
	return true
}

// Pop removes and returns the oldest message, blocking while the queue is
// empty. ok is false only if the queue is empty and Close has been called.
func (q *Bounded) Pop() (msg *message.Message, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.len == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.len == 0 {
		return nil, false
	}
	msg = q.buf[q.r]
	q.buf[q.r] = nil
	q.r = (q.r + 1) % q.capacity
	q.len--
	return msg, true
}

// TryPop removes and returns the oldest message without blocking.
func (q *Bounded) TryPop() (msg *message.Message, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.len == 0 {
		return nil, false
	}
	msg = q.buf[q.r]
	q.buf[q.r] = nil
	q.r = (q.r + 1) % q.capacity
	q.len--
	return msg, true
}

// Len returns the current depth.
func (q *Bounded) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.len
}

// Close wakes any blocked Pop callers; subsequent Pop on an empty queue
// returns (nil, false) instead of blocking.
func (q *Bounded) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// DrainAll removes and returns every queued message, oldest first, leaving
// the queue empty. Used by the Switch Engine to migrate Q_next content
// during COMMIT/ABORT.
func (q *Bounded) DrainAll() []*message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*message.Message, 0, q.len)
	for q.len > 0 {
		out = append(out, q.buf[q.r])
		q.buf[q.r] = nil
		q.r = (q.r + 1) % q.capacity
		q.len--
	}
	return out
}

// Pair bundles the active and next queues for one recipient.
type Pair struct {
	Active *Bounded
	Next   *Bounded
}

// Set owns the Q_active/Q_next pair for every known recipient, created
// lazily on first reference. A single RWMutex guards the recipient map;
// per-recipient contention is handled by Bounded's own lock.
type Set struct {
	mu       sync.RWMutex
	pairs    map[string]*Pair
	capacity int
}

// NewSet creates an empty Set with the given per-queue capacity.
func NewSet(capacity int) *Set {
	return &Set{pairs: make(map[string]*Pair), capacity: capacity}
}

// Get returns (creating if necessary) the Pair for recipient.
func (s *Set) Get(recipient string) *Pair {
	s.mu.RLock()
	p, ok := s.pairs[recipient]
	s.mu.RUnlock()
	if ok {
		return p
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok = s.pairs[recipient]; ok {
		return p
	}
	p = &Pair{Active: NewBounded(s.capacity), Next: NewBounded(s.capacity)}
	s.pairs[recipient] = p
	return p
}

// Close closes every recipient's queues, waking any consumer blocked in
// Bounded.Pop.
func (s *Set) Close() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.pairs {
		p.Active.Close()
		p.Next.Close()
	}
}

// Recipients returns a snapshot of every recipient with an allocated Pair.
func (s *Set) Recipients() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.pairs))
	for r := range s.pairs {
		out = append(out, r)
	}
	return out
}

// ActiveDepthTotal sums Len() across every recipient's Active queue. Used by
// the Switch Engine to evaluate the QUIESCE drain condition, a bounded
// wait for the total active depth to reach zero.
func (s *Set) ActiveDepthTotal() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, p := range s.pairs {
		total += p.Active.Len()
	}
	return total
}

// Depths returns a snapshot of Active queue depth per recipient.
func (s *Set) Depths() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.pairs))
	for r, p := range s.pairs {
		out[r] = p.Active.Len()
	}
	return out
}

// Package queue provides the blocking FIFO used to hand lines between the
// distributor, the lanes and the collector.
package queue

import "sync"

// entry is a queued value. An end entry is a sentinel: its producer will not
// push again.
type entry[T any] struct {
	val T
	end bool
}

// Queue is a mutex/condition-variable FIFO. Any number of goroutines may Push
// or End concurrently; a single consumer is assumed to Pop.
//
// An unbounded Queue (capacity 0) never blocks in Push. A bounded Queue blocks
// Push while Len() has reached capacity, which propagates backpressure to the
// producer. End is never blocked by the bound so termination cannot deadlock
// behind a full queue.
type Queue[T any] struct {
	mu       sync.Mutex
	notEmpty sync.Cond
	notFull  sync.Cond
	items    []entry[T]
	head     int
	capacity int
}

// New returns an empty queue. A capacity of zero or less makes it unbounded.
func New[T any](capacity int) *Queue[T] {
	if capacity < 0 {
		capacity = 0
	}
	q := &Queue[T]{capacity: capacity}
	q.notEmpty.L = &q.mu
	q.notFull.L = &q.mu
	return q
}

// Push appends v to the tail and wakes one waiting consumer.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	for q.capacity > 0 && q.lenLocked() >= q.capacity {
		q.notFull.Wait()
	}
	q.items = append(q.items, entry[T]{val: v})
	q.notEmpty.Signal()
	q.mu.Unlock()
}

// End appends a sentinel carrying v. Each producer calls End exactly once
// when it is finished; v lets the producer report on itself (a lane sends its
// status this way).
func (q *Queue[T]) End(v T) {
	q.mu.Lock()
	q.items = append(q.items, entry[T]{val: v, end: true})
	q.notEmpty.Signal()
	q.mu.Unlock()
}

// Pop blocks until the queue is non-empty and then removes the head. more is
// false when the head was a sentinel, in which case v is the value given to
// End.
func (q *Queue[T]) Pop() (v T, more bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.lenLocked() == 0 {
		q.notEmpty.Wait()
	}

	e := q.items[q.head]
	q.items[q.head] = entry[T]{} // release the payload
	q.head++
	q.compactLocked()

	// Any removal frees a slot, sentinels included.
	if q.capacity > 0 {
		q.notFull.Signal()
	}
	return e.val, !e.end
}

// Len returns the number of queued entries, sentinels included.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

func (q *Queue[T]) lenLocked() int {
	return len(q.items) - q.head
}

// compactLocked reclaims the consumed prefix of items once it dominates the
// slice, keeping Pop amortised O(1).
func (q *Queue[T]) compactLocked() {
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
		return
	}
	if q.head > 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
}

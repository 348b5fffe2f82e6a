// Package ticks keeps the rolling window of recent ticks and persists the
// ones that fall out of it on a background writer.
package ticks

import (
	"math"
	"sync"

	"spreadwatch/internal/metrics"
	"spreadwatch/internal/model"
)

// Enqueuer accepts evicted ticks for persistence without blocking.
type Enqueuer interface {
	Push(model.Opportunity) bool
}

// dedupeKey identifies a tick for deduplication: both directions' net edges
// at 0.1 bps resolution plus the validity flag.
type dedupeKey struct {
	valid bool
	l2b   int64
	b2l   int64
}

func keyOf(t model.Tick) dedupeKey {
	return dedupeKey{
		valid: t.Valid,
		l2b:   int64(math.Round(t.Edges[0].NetEdgeBps * 10)),
		b2l:   int64(math.Round(t.Edges[1].NetEdgeBps * 10)),
	}
}

// Buffer is a fixed-capacity window of the most recent ticks. When full, a
// push evicts the oldest tick and forwards it to the queue unless its edges
// match the last forwarded tick. Edges are compared after rounding to 0.1 bps,
// so net edges that round to the same tenth count as equal. Executed ticks
// are always forwarded.
type Buffer struct {
	mu       sync.Mutex
	items    []model.Tick
	capacity int
	queue    Enqueuer

	last     dedupeKey
	hasLast  bool
	deduped  uint64
	enqueued uint64
}

// NewBuffer creates a buffer holding up to capacity ticks.
func NewBuffer(capacity int, queue Enqueuer) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		items:    make([]model.Tick, 0, capacity),
		capacity: capacity,
		queue:    queue,
	}
}

// Push appends t, evicting and forwarding the oldest tick when full.
func (b *Buffer) Push(t model.Tick) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == b.capacity {
		evicted := b.items[0]
		copy(b.items, b.items[1:])
		b.items = b.items[:len(b.items)-1]
		b.forward(evicted)
	}
	b.items = append(b.items, t)
}

// Flush forwards every buffered tick, oldest first, and empties the buffer.
// It returns how many were handed to the queue.
func (b *Buffer) Flush() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, t := range b.items {
		if b.forward(t) {
			n++
		}
	}
	b.items = b.items[:0]
	return n
}

// Recent returns a copy of the buffered ticks, oldest first.
func (b *Buffer) Recent() []model.Tick {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.Tick, len(b.items))
	copy(out, b.items)
	return out
}

// Latest returns the newest tick, if any.
func (b *Buffer) Latest() (model.Tick, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return model.Tick{}, false
	}
	return b.items[len(b.items)-1], true
}

// Len returns the number of ticks in the window.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Stats returns how many ticks were forwarded and how many were deduplicated.
func (b *Buffer) Stats() (enqueued, deduped uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enqueued, b.deduped
}

// forward must be called with mu held.
func (b *Buffer) forward(t model.Tick) bool {
	key := keyOf(t)
	if !t.WasExecuted && b.hasLast && key == b.last {
		b.deduped++
		metrics.PersistDeduped.Inc()
		return false
	}
	b.last, b.hasLast = key, true
	b.enqueued++
	if b.queue != nil {
		b.queue.Push(t.Record())
	}
	return true
}

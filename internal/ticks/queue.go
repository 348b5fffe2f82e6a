package ticks

import (
	"context"
	"sync"

	"spreadwatch/internal/metrics"
	"spreadwatch/internal/model"
)

// Queue is a bounded FIFO of opportunities waiting to be written. Push never
// blocks: when the queue is full the oldest item is dropped, skipping over
// executed trades unless nothing else is queued.
type Queue struct {
	mu      sync.Mutex
	items   []model.Opportunity
	max     int
	dropped uint64
	ready   chan struct{}
}

// NewQueue creates a queue holding at most max items.
func NewQueue(max int) *Queue {
	if max < 1 {
		max = 1
	}
	return &Queue{
		items: make([]model.Opportunity, 0, max),
		max:   max,
		ready: make(chan struct{}, 1),
	}
}

// Push appends o. It reports false when an older item had to be dropped.
func (q *Queue) Push(o model.Opportunity) bool {
	q.mu.Lock()
	ok := true
	if len(q.items) == q.max {
		q.evict()
		q.dropped++
		metrics.PersistDropped.Inc()
		ok = false
	}
	q.items = append(q.items, o)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return ok
}

// evict removes the oldest non-executed item, or the oldest item when every
// queued item is an executed trade. Callers hold q.mu.
func (q *Queue) evict() {
	victim := 0
	for i, o := range q.items {
		if !o.Executed {
			victim = i
			break
		}
	}
	if victim == 0 {
		q.items[0] = model.Opportunity{}
		q.items = q.items[1:]
		return
	}
	copy(q.items[victim:], q.items[victim+1:])
	q.items[len(q.items)-1] = model.Opportunity{}
	q.items = q.items[:len(q.items)-1]
}

// Pop waits for the next item or until ctx is done.
func (q *Queue) Pop(ctx context.Context) (model.Opportunity, bool) {
	for {
		if o, ok := q.TryPop(); ok {
			return o, true
		}
		select {
		case <-ctx.Done():
			return model.Opportunity{}, false
		case <-q.ready:
		}
	}
}

// TryPop returns the next item without waiting.
func (q *Queue) TryPop() (model.Opportunity, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return model.Opportunity{}, false
	}
	o := q.items[0]
	q.items[0] = model.Opportunity{}
	q.items = q.items[1:]
	return o, true
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many items were discarded on overflow.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Package pricecache holds the latest quote per exchange. It is written by the
// push and poll feed goroutines and read by the arbitrage loop.
package pricecache

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"spreadwatch/internal/model"
)

// ErrInvalidQuote is returned for updates with non-positive prices or a crossed book.
var ErrInvalidQuote = errors.New("invalid quote")

// ErrUnknownExchange is returned for updates from an exchange the cache does not track.
var ErrUnknownExchange = errors.New("unknown exchange")

type entry struct {
	quote   model.PriceQuote
	present bool
	updates uint64
	rejects uint64
}

// Cache is a mutex-guarded pair of quotes. Both update paths replace a quote
// as a unit under the write lock; Snapshot copies both under the read lock.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	maxAge  time.Duration
	now     func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the clock used to age quotes.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache for Luno and Binance. Quotes older than maxAge are
// reported as stale.
func New(maxAge time.Duration, opts ...Option) *Cache {
	c := &Cache{
		entries: map[string]*entry{
			model.ExchangeLuno:    {},
			model.ExchangeBinance: {},
		},
		maxAge: maxAge,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UpdatePush records a quote delivered by a streaming feed.
func (c *Cache) UpdatePush(exchange string, bid, ask, last float64, ts time.Time) error {
	return c.update(exchange, bid, ask, last, ts, true)
}

// UpdatePoll records a quote fetched by a polling feed.
func (c *Cache) UpdatePoll(exchange string, bid, ask, last float64, ts time.Time) error {
	return c.update(exchange, bid, ask, last, ts, false)
}

func (c *Cache) update(exchange string, bid, ask, last float64, ts time.Time, push bool) error {
	q := model.PriceQuote{
		Exchange:     exchange,
		Bid:          bid,
		Ask:          ask,
		Last:         last,
		ObservedAt:   ts,
		SourceIsPush: push,
	}
	if q.Last <= 0 {
		q.Last = (bid + ask) / 2
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[exchange]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExchange, exchange)
	}
	if !q.Valid() {
		e.rejects++
		return fmt.Errorf("%w: %s bid=%v ask=%v", ErrInvalidQuote, exchange, bid, ask)
	}
	e.quote = q
	e.present = true
	e.updates++
	return nil
}

// Snapshot returns a consistent copy of both quotes with staleness resolved
// against the cache clock.
func (c *Cache) Snapshot() model.QuoteSnapshot {
	now := c.now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	return model.QuoteSnapshot{
		TakenAt: now,
		Luno:    c.view(model.ExchangeLuno, now),
		Binance: c.view(model.ExchangeBinance, now),
	}
}

func (c *Cache) view(exchange string, now time.Time) model.QuoteView {
	e := c.entries[exchange]
	if !e.present {
		return model.QuoteView{Quote: model.PriceQuote{Exchange: exchange}}
	}
	age := now.Sub(e.quote.ObservedAt)
	return model.QuoteView{
		Quote:   e.quote,
		Present: true,
		Stale:   age > c.maxAge,
		Age:     age,
	}
}

// Ready reports whether both exchanges have delivered at least one quote.
func (c *Cache) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.entries {
		if !e.present {
			return false
		}
	}
	return true
}

// FeedStats is the per-exchange update bookkeeping shown in status.
type FeedStats struct {
	Updates uint64        `json:"updates"`
	Rejects uint64        `json:"rejects"`
	Age     time.Duration `json:"age"`
	Push    bool          `json:"push"`
}

// Stats returns per-exchange update counters and current quote age.
func (c *Cache) Stats() map[string]FeedStats {
	now := c.now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]FeedStats, len(c.entries))
	for name, e := range c.entries {
		st := FeedStats{Updates: e.updates, Rejects: e.rejects, Push: e.quote.SourceIsPush}
		if e.present {
			st.Age = now.Sub(e.quote.ObservedAt)
		}
		out[name] = st
	}
	return out
}

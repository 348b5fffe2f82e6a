package ticks

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"spreadwatch/internal/metrics"
	"spreadwatch/internal/model"
)

// Sink is an append-only opportunity store.
type Sink interface {
	AppendOpportunity(ctx context.Context, opp model.Opportunity) error
}

// Fanout writes each opportunity to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) AppendOpportunity(ctx context.Context, opp model.Opportunity) error {
	var errs []error
	for _, s := range f {
		if err := s.AppendOpportunity(ctx, opp); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Writer drains a Queue into a Sink. Failed writes are logged and dropped.
type Writer struct {
	queue        *Queue
	sink         Sink
	logger       *slog.Logger
	writeTimeout time.Duration
	drainTimeout time.Duration

	written atomic.Uint64
	failed  atomic.Uint64
}

// NewWriter creates a writer. A zero drainTimeout abandons whatever is still
// queued on shutdown.
func NewWriter(logger *slog.Logger, queue *Queue, sink Sink, writeTimeout, drainTimeout time.Duration) *Writer {
	return &Writer{
		queue:        queue,
		sink:         sink,
		logger:       logger,
		writeTimeout: writeTimeout,
		drainTimeout: drainTimeout,
	}
}

// Run writes queued opportunities until ctx is done, then drains what is
// left within the drain timeout.
func (w *Writer) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		opp, ok := w.queue.Pop(ctx)
		if !ok {
			break
		}
		w.write(context.Background(), opp)
	}
	w.drain()
	return nil
}

func (w *Writer) drain() {
	pending := w.queue.Len()
	if pending == 0 {
		return
	}
	if w.drainTimeout <= 0 {
		w.logger.Warn("TickWriter: abandoning queued opportunities", "pending", pending)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.drainTimeout)
	defer cancel()
	w.logger.Info("TickWriter: draining queue", "pending", pending)
	for ctx.Err() == nil {
		opp, ok := w.queue.TryPop()
		if !ok {
			return
		}
		w.write(ctx, opp)
	}
	w.logger.Warn("TickWriter: drain timed out", "abandoned", w.queue.Len())
}

func (w *Writer) write(parent context.Context, opp model.Opportunity) {
	ctx, cancel := context.WithTimeout(parent, w.writeTimeout)
	defer cancel()

	if err := w.sink.AppendOpportunity(ctx, opp); err != nil {
		w.failed.Add(1)
		metrics.PersistWrites.WithLabelValues("error").Inc()
		w.logger.Error("Failed to persist opportunity", "error", err, "id", opp.ID, "direction", opp.Direction)
		return
	}
	w.written.Add(1)
	metrics.PersistWrites.WithLabelValues("ok").Inc()
}

// Stats returns successful and failed write counts.
func (w *Writer) Stats() (written, failed uint64) {
	return w.written.Load(), w.failed.Load()
}

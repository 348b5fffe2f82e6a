package arbitrage

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"spreadwatch/internal/config"
	"spreadwatch/internal/metrics"
	"spreadwatch/internal/model"
	"spreadwatch/internal/paper"
	"spreadwatch/internal/pricecache"
	"spreadwatch/internal/ticks"
)

var (
	ErrAlreadyRunning = errors.New("arbitrage loop already running")
	ErrNotRunning     = errors.New("arbitrage loop not running")
)

const (
	StopReasonErrors    = "stopped due to errors"
	StopReasonRequested = "stopped"
)

// QuoteSource is the price cache as the loop sees it.
type QuoteSource interface {
	Snapshot() model.QuoteSnapshot
	Ready() bool
	Stats() map[string]pricecache.FeedStats
}

// RateSource provides the current USDT/ZAR rate and its age.
type RateSource interface {
	CurrentRate() (model.FxRate, time.Duration)
}

// Executor sizes and carries out hedge cycles. paper.Ledger is the only
// implementation.
type Executor interface {
	Plan(d model.Direction, p paper.Prices, t config.Trading) (decimal.Decimal, model.SkipReason)
	TryExecute(d model.Direction, edge model.DirectionEdge, p paper.Prices, t config.Trading) (model.TradeResult, model.SkipReason)
	Alternation() model.AlternationState
	Floats() model.PaperFloats
	Tradeable(b config.Buffers) paper.Tradeable
	Reset() model.PaperFloats
}

// Deps are the collaborators an ArbitrageEngine drives.
type Deps struct {
	Quotes   QuoteSource
	Rates    RateSource
	Executor Executor
	Buffer   *ticks.Buffer
	Queue    *ticks.Queue
	Settings *config.Store
}

// Counters are cumulative since process start. ResetPaperFloats clears the
// trade and opportunity counts.
type Counters struct {
	Checks             uint64                      `json:"checks"`
	OpportunitiesFound uint64                      `json:"opportunities_found"`
	TradesExecuted     uint64                      `json:"trades_executed"`
	Errors             uint64                      `json:"errors"`
	OverrunTicks       uint64                      `json:"overrun_ticks"`
	TicksPersisted     uint64                      `json:"ticks_persisted"`
	TicksDeduped       uint64                      `json:"ticks_deduped"`
	TicksDropped       uint64                      `json:"ticks_dropped"`
	Skips              map[model.SkipReason]uint64 `json:"skips"`
}

// InventoryStatus tells whether a direction could be sized at the latest prices.
type InventoryStatus struct {
	Direction   model.Direction  `json:"direction"`
	CanTrade    bool             `json:"can_trade"`
	BlockReason model.SkipReason `json:"block_reason,omitempty"`
	SizeBTC     decimal.Decimal  `json:"size_btc"`
}

// Status is a point-in-time copy of the loop state for reporting.
type Status struct {
	Running           bool                                  `json:"running"`
	Mode              string                                `json:"mode"`
	StopReason        string                                `json:"stop_reason,omitempty"`
	StartedAt         time.Time                             `json:"started_at"`
	UptimeSeconds     float64                               `json:"uptime_seconds"`
	LastCheck         time.Time                             `json:"last_check"`
	ConsecutiveErrors int                                   `json:"consecutive_errors"`
	CheckIntervalMS   int64                                 `json:"check_interval_ms"`
	AvgCheckTimeMS    float64                               `json:"avg_check_time_ms"`
	Counters          Counters                              `json:"counters"`
	LastByDirection   map[model.Direction]model.Opportunity `json:"last_by_direction"`
	RecentTicks       []model.Tick                          `json:"recent_ticks"`
	PaperFloats       model.PaperFloats                     `json:"paper_floats"`
	Tradeable         paper.Tradeable                       `json:"tradeable_amounts"`
	SafetyBuffers     config.Buffers                        `json:"safety_buffers"`
	Inventory         []InventoryStatus                     `json:"inventory_status"`
	Thresholds        config.Trading                        `json:"thresholds"`
	Fx                model.FxRate                          `json:"fx"`
	FxAgeSeconds      float64                               `json:"fx_age_seconds"`
	Feeds             map[string]pricecache.FeedStats       `json:"feeds"`
}

// Option configures an ArbitrageEngine.
type Option func(*ArbitrageEngine)

// WithClock replaces time.Now for tick timestamps and the trade cooldown.
func WithClock(now func() time.Time) Option {
	return func(e *ArbitrageEngine) { e.now = now }
}

// ArbitrageEngine runs the fixed-interval decision loop: snapshot the cache,
// compute both edges, select a direction, execute on the ledger and record
// the tick.
type ArbitrageEngine struct {
	logger *slog.Logger
	loop   config.LoopConfig
	deps   Deps
	now    func() time.Time

	// tickMu serialises ticks and ledger resets. lastTradeAt is guarded by it.
	tickMu      sync.Mutex
	lastTradeAt time.Time

	mu                sync.RWMutex
	running           bool
	cancel            context.CancelFunc
	done              chan struct{}
	stopReason        string
	startedAt         time.Time
	lastCheck         time.Time
	consecutiveErrors int
	avgCheckMS        float64
	counters          Counters
	lastByDirection   map[model.Direction]model.Opportunity
}

// NewArbitrageEngine creates a new, stopped engine.
func NewArbitrageEngine(logger *slog.Logger, loop config.LoopConfig, deps Deps, opts ...Option) *ArbitrageEngine {
	e := &ArbitrageEngine{
		logger:          logger,
		loop:            loop,
		deps:            deps,
		now:             time.Now,
		counters:        Counters{Skips: make(map[model.SkipReason]uint64)},
		lastByDirection: make(map[model.Direction]model.Opportunity),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the loop. The loop stops when Stop is called, when ctx is
// done or when error_stop_count consecutive ticks fail.
func (e *ArbitrageEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.running = true
	e.cancel = cancel
	e.done = make(chan struct{})
	e.stopReason = ""
	e.startedAt = e.now()
	e.consecutiveErrors = 0

	go e.run(loopCtx, e.done)
	e.logger.Info("Arbitrage loop started", "mode", e.loop.Mode, "interval", e.loop.Interval)
	return nil
}

// Stop halts tick scheduling and waits for the loop to exit. A tick already
// in progress completes.
func (e *ArbitrageEngine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrNotRunning
	}
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	cancel()
	<-done
	return nil
}

// Done returns a channel closed when the current run ends, or nil if the
// loop was never started.
func (e *ArbitrageEngine) Done() <-chan struct{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.done
}

// Running reports whether the loop is currently scheduling ticks.
func (e *ArbitrageEngine) Running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

func (e *ArbitrageEngine) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	reason := e.loopUntilHalt(ctx)
	flushed := e.deps.Buffer.Flush()

	e.mu.Lock()
	e.running = false
	e.cancel()
	e.cancel = nil
	e.stopReason = reason
	e.mu.Unlock()

	e.logger.Info("Arbitrage loop stopped", "reason", reason, "flushed_ticks", flushed)
}

func (e *ArbitrageEngine) loopUntilHalt(ctx context.Context) string {
	// A slow tick makes the ticker drop ticks instead of queueing them.
	ticker := time.NewTicker(e.loop.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return StopReasonRequested
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			return StopReasonRequested
		}

		e.Tick()

		e.mu.RLock()
		errs := e.consecutiveErrors
		e.mu.RUnlock()
		if errs >= e.loop.ErrorStopCount {
			e.logger.Error("Stopping arbitrage loop due to consecutive errors", "errors", errs)
			return StopReasonErrors
		}
	}
}

// Tick runs one loop iteration and returns the recorded tick.
func (e *ArbitrageEngine) Tick() model.Tick {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	started := time.Now()
	now := e.now()
	t := e.deps.Settings.Trading()
	snap := e.deps.Quotes.Snapshot()
	rate, _ := e.deps.Rates.CurrentRate()

	res := ComputeEdges(snap, rate, t)
	tick := model.Tick{
		Timestamp: now,
		Luno:      snap.Luno.Quote,
		Binance:   snap.Binance.Quote,
		Fx:        rate,
		Edges:     res.Edges,
		Valid:     res.Valid,
	}
	if res.Valid {
		e.decide(&tick, res, paper.PricesFrom(snap, rate), t, now)
	} else {
		tick.SkipReason = res.Reason
	}

	e.deps.Buffer.Push(tick)
	failed := !tick.Valid && e.deps.Quotes.Ready()
	e.record(tick, snap, failed, time.Since(started))
	return tick
}

// decide must be called with tickMu held.
func (e *ArbitrageEngine) decide(tick *model.Tick, res EdgeResult, prices paper.Prices, t config.Trading, now time.Time) {
	dryRun := func(d model.Direction) model.SkipReason {
		_, reason := e.deps.Executor.Plan(d, prices, t)
		return reason
	}
	dec := Select(res, e.deps.Executor.Alternation(), t, dryRun)

	tick.ChosenDirection = dec.Direction
	tick.IsProfitable = dec.Direction.Valid() && dec.Edge.NetEdgeBps >= t.MinNetEdgeBps
	if !dec.Trade() {
		tick.SkipReason = dec.Reason
		return
	}
	if !e.lastTradeAt.IsZero() && now.Sub(e.lastTradeAt) < e.loop.MinTradeInterval {
		tick.SkipReason = model.SkipTradeCooldown
		return
	}

	trade, reason := e.deps.Executor.TryExecute(dec.Direction, dec.Edge, prices, t)
	if reason != model.SkipNone {
		tick.SkipReason = reason
		return
	}
	tick.WasExecuted = true
	tick.Trade = &trade
	e.lastTradeAt = now

	e.logger.Info("Paper trade executed",
		"direction", trade.Direction,
		"net_edge_bps", trade.NetEdgeBps,
		"size_btc", trade.SizeBTC.String(),
		"size_zar", trade.SizeZAR.StringFixed(2),
		"profit_zar", trade.ProfitZAR.StringFixed(2),
		"rebalance", dec.Rebalance,
	)
}

func (e *ArbitrageEngine) record(tick model.Tick, snap model.QuoteSnapshot, failed bool, took time.Duration) {
	tookMS := float64(took) / float64(time.Millisecond)

	e.mu.Lock()
	c := &e.counters
	c.Checks++
	e.lastCheck = tick.Timestamp
	e.avgCheckMS = e.avgCheckMS*0.9 + tookMS*0.1
	if tick.IsProfitable {
		c.OpportunitiesFound++
	}
	if tick.WasExecuted {
		c.TradesExecuted++
	}
	if tick.SkipReason != model.SkipNone {
		c.Skips[tick.SkipReason]++
	}
	if failed {
		c.Errors++
		e.consecutiveErrors++
	} else if tick.Valid {
		e.consecutiveErrors = 0
	}
	if took > e.loop.Interval {
		c.OverrunTicks++
	}
	if tick.Valid {
		for _, d := range model.Directions {
			e.lastByDirection[d] = tick.Opportunity(d)
		}
	}
	checks := c.Checks
	e.mu.Unlock()

	metrics.Checks.Inc()
	metrics.TickLatency.Observe(took.Seconds())
	metrics.QuoteAge.WithLabelValues(model.ExchangeLuno).Set(snap.Luno.Age.Seconds())
	metrics.QuoteAge.WithLabelValues(model.ExchangeBinance).Set(snap.Binance.Age.Seconds())
	if took > e.loop.Interval {
		metrics.TickOverruns.Inc()
	}
	if tick.SkipReason != model.SkipNone {
		metrics.Skips.WithLabelValues(string(tick.SkipReason)).Inc()
	}
	if tick.WasExecuted {
		metrics.Trades.WithLabelValues(string(tick.Trade.Direction)).Inc()
	}
	if tick.Valid {
		metrics.FxRate.Set(tick.Fx.Rate)
		for _, edge := range tick.Edges {
			metrics.NetEdgeBps.WithLabelValues(string(edge.Direction)).Set(edge.NetEdgeBps)
		}
	}

	if e.loop.SummaryEvery > 0 && checks%uint64(e.loop.SummaryEvery) == 0 {
		e.logger.Info("Arbitrage summary",
			"mode", e.loop.Mode,
			"usd_zar", tick.Fx.UsdZar,
			"usdt_usd", tick.Fx.UsdtUsd,
			"luno_zar", tick.Luno.Last,
			"binance_usdt", tick.Binance.Last,
			"l2b_net_bps", tick.Edges[0].NetEdgeBps,
			"b2l_net_bps", tick.Edges[1].NetEdgeBps,
			"check_ms", tookMS,
		)
	}
}

// UpdateThresholds validates t and applies it from the next tick on.
func (e *ArbitrageEngine) UpdateThresholds(t config.Trading) error {
	if err := e.deps.Settings.Update(t); err != nil {
		return err
	}
	e.logger.Info("Thresholds updated",
		"min_net_edge_bps", t.MinNetEdgeBps,
		"keepalive_threshold_bps", t.KeepaliveThresholdBps,
		"slippage_bps_buffer", t.SlippageBpsBuffer,
	)
	return nil
}

// ResetPaperFloats restores the starting balances and clears the trade
// counters. It waits for any tick in progress.
func (e *ArbitrageEngine) ResetPaperFloats() model.PaperFloats {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	floats := e.deps.Executor.Reset()
	e.lastTradeAt = time.Time{}

	e.mu.Lock()
	e.counters.TradesExecuted = 0
	e.counters.OpportunitiesFound = 0
	e.mu.Unlock()

	e.logger.Info("Paper floats reset",
		"luno_zar", floats.LunoZAR.String(),
		"luno_btc", floats.LunoBTC.String(),
		"binance_btc", floats.BinanceBTC.String(),
		"binance_usdt", floats.BinanceUSDT.String(),
	)
	return floats
}

// Status returns a snapshot of the loop state. It does not wait for a tick.
func (e *ArbitrageEngine) Status() Status {
	t := e.deps.Settings.Trading()

	e.mu.RLock()
	st := Status{
		Running:           e.running,
		Mode:              e.loop.Mode,
		StopReason:        e.stopReason,
		StartedAt:         e.startedAt,
		LastCheck:         e.lastCheck,
		ConsecutiveErrors: e.consecutiveErrors,
		CheckIntervalMS:   e.loop.Interval.Milliseconds(),
		AvgCheckTimeMS:    e.avgCheckMS,
		Counters:          e.counters,
		LastByDirection:   make(map[model.Direction]model.Opportunity, len(e.lastByDirection)),
	}
	st.Counters.Skips = make(map[model.SkipReason]uint64, len(e.counters.Skips))
	for k, v := range e.counters.Skips {
		st.Counters.Skips[k] = v
	}
	for k, v := range e.lastByDirection {
		st.LastByDirection[k] = v
	}
	e.mu.RUnlock()

	if st.Running {
		st.UptimeSeconds = e.now().Sub(st.StartedAt).Seconds()
	}
	st.Counters.TicksPersisted, st.Counters.TicksDeduped = e.deps.Buffer.Stats()
	if e.deps.Queue != nil {
		st.Counters.TicksDropped = e.deps.Queue.Dropped()
	}

	st.RecentTicks = e.deps.Buffer.Recent()
	st.PaperFloats = e.deps.Executor.Floats()
	st.Tradeable = e.deps.Executor.Tradeable(t.Buffers)
	st.SafetyBuffers = t.Buffers
	st.Thresholds = t
	st.Inventory = e.inventory(t)

	var age time.Duration
	st.Fx, age = e.deps.Rates.CurrentRate()
	st.FxAgeSeconds = age.Seconds()
	st.Feeds = e.deps.Quotes.Stats()
	return st
}

func (e *ArbitrageEngine) inventory(t config.Trading) []InventoryStatus {
	var prices paper.Prices
	if latest, ok := e.deps.Buffer.Latest(); ok {
		prices = paper.Prices{
			LunoBid:    latest.Luno.Bid,
			LunoAsk:    latest.Luno.Ask,
			BinanceBid: latest.Binance.Bid,
			BinanceAsk: latest.Binance.Ask,
			FxRate:     latest.Fx.Rate,
		}
	}

	out := make([]InventoryStatus, 0, len(model.Directions))
	for _, d := range model.Directions {
		size, reason := e.deps.Executor.Plan(d, prices, t)
		out = append(out, InventoryStatus{
			Direction:   d,
			CanTrade:    reason == model.SkipNone,
			BlockReason: reason,
			SizeBTC:     size,
		})
	}
	return out
}

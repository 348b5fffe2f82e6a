package arbitrage

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"spreadwatch/internal/config"
	"spreadwatch/internal/model"
	"spreadwatch/internal/paper"
	"spreadwatch/internal/pricecache"
	"spreadwatch/internal/ticks"
)

type fakeQuotes struct {
	mu    sync.Mutex
	snap  model.QuoteSnapshot
	ready bool
}

func (f *fakeQuotes) Snapshot() model.QuoteSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeQuotes) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeQuotes) Stats() map[string]pricecache.FeedStats {
	return map[string]pricecache.FeedStats{}
}

func (f *fakeQuotes) set(snap model.QuoteSnapshot) {
	f.mu.Lock()
	f.snap = snap
	f.ready = true
	f.mu.Unlock()
}

// slowQuotes delays every snapshot, making each tick take at least delay.
type slowQuotes struct {
	*fakeQuotes
	delay atomic.Int64
}

func (s *slowQuotes) Snapshot() model.QuoteSnapshot {
	time.Sleep(time.Duration(s.delay.Load()))
	return s.fakeQuotes.Snapshot()
}

type fixedRate struct{ rate model.FxRate }

func (f fixedRate) CurrentRate() (model.FxRate, time.Duration) { return f.rate, time.Minute }

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var startingFloats = config.PaperConfig{LunoZAR: 20000, LunoBTC: 0.01, BinanceBTC: 0.01, BinanceUSDT: 1000}

type harness struct {
	engine *ArbitrageEngine
	quotes *fakeQuotes
	ledger *paper.Ledger
	buffer *ticks.Buffer
	queue  *ticks.Queue
	clock  *testClock
}

func newHarness(t *testing.T, loop config.LoopConfig) *harness {
	t.Helper()
	store := config.NewStore(testTrading())

	h := &harness{
		quotes: &fakeQuotes{},
		ledger: paper.NewLedger(startingFloats),
		queue:  ticks.NewQueue(100),
		clock:  &testClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.buffer = ticks.NewBuffer(6, h.queue)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	h.engine = NewArbitrageEngine(logger, loop, Deps{
		Quotes:   h.quotes,
		Rates:    fixedRate{rate: fxAt(18.8)},
		Executor: h.ledger,
		Buffer:   h.buffer,
		Queue:    h.queue,
		Settings: store,
	}, WithClock(h.clock.Now))
	return h
}

func testLoop() config.LoopConfig {
	return config.LoopConfig{
		Mode:             "paper",
		Interval:         5 * time.Millisecond,
		ErrorStopCount:   5,
		MinTradeInterval: 2 * time.Second,
		TickBufferSize:   6,
		TickQueueSize:    100,
		WriteTimeout:     time.Second,
		DrainTimeout:     time.Second,
		SummaryEvery:     120,
	}
}

// Luno rich against Binance: binance_to_luno clears the bar comfortably.
func lunoRich() model.QuoteSnapshot {
	return snapshot(1020000, 1020500, 53000, 53010)
}

func TestArbitrageEngine_Tick(t *testing.T) {
	t.Run("spread below threshold", func(t *testing.T) {
		h := newHarness(t, testLoop())
		h.quotes.set(snapshot(1000000, 1001000, 53000, 53050))

		tick := h.engine.Tick()
		assert.True(t, tick.Valid)
		assert.False(t, tick.WasExecuted)
		assert.False(t, tick.IsProfitable)
		assert.Equal(t, model.SkipBelowThreshold, tick.SkipReason)
		assert.Equal(t, model.LunoToBinance, tick.Edges[0].Direction)
		assert.Equal(t, model.BinanceToLuno, tick.Edges[1].Direction)

		st := h.engine.Status()
		assert.Equal(t, uint64(1), st.Counters.Checks)
		assert.Equal(t, uint64(1), st.Counters.Skips[model.SkipBelowThreshold])
		assert.Len(t, st.LastByDirection, 2)
		assert.Len(t, st.RecentTicks, 1)
	})

	t.Run("profitable spread executes on paper", func(t *testing.T) {
		h := newHarness(t, testLoop())
		h.quotes.set(lunoRich())

		tick := h.engine.Tick()
		require.True(t, tick.WasExecuted, "skip reason %q", tick.SkipReason)
		assert.Equal(t, model.BinanceToLuno, tick.ChosenDirection)
		assert.True(t, tick.IsProfitable)
		require.NotNil(t, tick.Trade)
		assert.True(t, tick.Trade.Paper)

		st := h.engine.Status()
		assert.Equal(t, uint64(1), st.Counters.TradesExecuted)
		assert.Equal(t, uint64(1), st.Counters.OpportunitiesFound)
		assert.Equal(t, model.BinanceToLuno, st.PaperFloats.LastDirection)
		assert.True(t, st.LastByDirection[model.BinanceToLuno].Executed)
		assert.False(t, st.LastByDirection[model.LunoToBinance].Executed)
	})

	t.Run("trades respect the cooldown", func(t *testing.T) {
		h := newHarness(t, testLoop())
		h.quotes.set(lunoRich())

		require.True(t, h.engine.Tick().WasExecuted)

		h.clock.Advance(500 * time.Millisecond)
		tick := h.engine.Tick()
		assert.False(t, tick.WasExecuted)
		assert.Equal(t, model.SkipTradeCooldown, tick.SkipReason)

		h.clock.Advance(2 * time.Second)
		assert.True(t, h.engine.Tick().WasExecuted)
	})

	t.Run("empty inventory is reported", func(t *testing.T) {
		h := newHarness(t, testLoop())
		h.quotes.set(lunoRich())

		// Drain the Binance USDT float until binance_to_luno can no longer be sized.
		var last model.Tick
		for i := 0; i < 10; i++ {
			h.clock.Advance(3 * time.Second)
			last = h.engine.Tick()
		}
		assert.Equal(t, model.SkipInsufficientBalance, last.SkipReason)
		assert.Equal(t, model.BinanceToLuno, last.ChosenDirection)
		assert.True(t, last.IsProfitable)

		st := h.engine.Status()
		assert.False(t, st.Inventory[model.BinanceToLuno.Index()].CanTrade)
		assert.Equal(t, model.SkipInsufficientBalance, st.Inventory[model.BinanceToLuno.Index()].BlockReason)
	})

	t.Run("missing data before feeds are ready is not an error", func(t *testing.T) {
		h := newHarness(t, testLoop())

		tick := h.engine.Tick()
		assert.False(t, tick.Valid)
		assert.Equal(t, model.SkipMissingData, tick.SkipReason)
		assert.Equal(t, 0, h.engine.Status().ConsecutiveErrors)
	})

	t.Run("stale data after ready counts as an error", func(t *testing.T) {
		h := newHarness(t, testLoop())
		snap := lunoRich()
		snap.Luno.Stale = true
		h.quotes.set(snap)

		h.engine.Tick()
		h.engine.Tick()
		assert.Equal(t, 2, h.engine.Status().ConsecutiveErrors)

		h.quotes.set(snapshot(1000000, 1001000, 53000, 53050))
		h.engine.Tick()
		assert.Equal(t, 0, h.engine.Status().ConsecutiveErrors)
	})
}

func TestArbitrageEngine_UpdateThresholds(t *testing.T) {
	h := newHarness(t, testLoop())
	h.quotes.set(snapshot(1000000, 1001000, 53000, 53050))
	require.Equal(t, model.SkipBelowThreshold, h.engine.Tick().SkipReason)

	bad := testTrading()
	bad.KeepaliveThresholdBps = bad.MinNetEdgeBps + 1
	assert.ErrorIs(t, h.engine.UpdateThresholds(bad), config.ErrInvalidConfig)

	loose := testTrading()
	loose.MinNetEdgeBps = -50
	loose.KeepaliveThresholdBps = -100
	require.NoError(t, h.engine.UpdateThresholds(loose))

	tick := h.engine.Tick()
	assert.True(t, tick.WasExecuted)
	assert.Equal(t, model.BinanceToLuno, tick.ChosenDirection)
	assert.Equal(t, -50.0, h.engine.Status().Thresholds.MinNetEdgeBps)
}

func TestArbitrageEngine_ResetPaperFloats(t *testing.T) {
	h := newHarness(t, testLoop())
	h.quotes.set(lunoRich())
	initial := h.ledger.Floats()

	require.True(t, h.engine.Tick().WasExecuted)
	require.NotEqual(t, initial, h.ledger.Floats())

	floats := h.engine.ResetPaperFloats()
	assert.Equal(t, initial, floats)

	st := h.engine.Status()
	assert.Equal(t, initial, st.PaperFloats)
	assert.Zero(t, st.Counters.TradesExecuted)
	assert.Zero(t, st.Counters.OpportunitiesFound)
	assert.Equal(t, uint64(1), st.Counters.Checks)

	// The cooldown is cleared with the floats.
	assert.True(t, h.engine.Tick().WasExecuted)
}

func TestArbitrageEngine_StartStop(t *testing.T) {
	h := newHarness(t, testLoop())
	h.quotes.set(snapshot(1000000, 1001000, 53000, 53050))

	assert.ErrorIs(t, h.engine.Stop(), ErrNotRunning)
	require.NoError(t, h.engine.Start(context.Background()))
	assert.ErrorIs(t, h.engine.Start(context.Background()), ErrAlreadyRunning)

	assert.Eventually(t, func() bool {
		return h.engine.Status().Counters.Checks >= 3
	}, time.Second, time.Millisecond)

	require.NoError(t, h.engine.Stop())
	st := h.engine.Status()
	assert.False(t, st.Running)
	assert.Equal(t, StopReasonRequested, st.StopReason)
	assert.Equal(t, 0, h.buffer.Len(), "stop flushes the window")

	checks := st.Counters.Checks
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, checks, h.engine.Status().Counters.Checks, "no ticks after stop")

	require.NoError(t, h.engine.Start(context.Background()))
	require.NoError(t, h.engine.Stop())
}

func TestArbitrageEngine_SlowTicksDropInsteadOfQueueing(t *testing.T) {
	const slow = 40 * time.Millisecond
	loop := testLoop()

	quotes := &slowQuotes{fakeQuotes: &fakeQuotes{}}
	quotes.set(snapshot(1000000, 1001000, 53000, 53050))
	quotes.delay.Store(int64(slow))

	engine := NewArbitrageEngine(slog.New(slog.NewJSONHandler(io.Discard, nil)), loop, Deps{
		Quotes:   quotes,
		Rates:    fixedRate{rate: fxAt(18.8)},
		Executor: paper.NewLedger(startingFloats),
		Buffer:   ticks.NewBuffer(6, ticks.NewQueue(100)),
		Settings: config.NewStore(testTrading()),
	})

	started := time.Now()
	require.NoError(t, engine.Start(context.Background()))
	defer func() { _ = engine.Stop() }()

	time.Sleep(250 * time.Millisecond)
	st := engine.Status()
	elapsed := time.Since(started)

	checks := st.Counters.Checks
	require.NotZero(t, checks)
	assert.LessOrEqual(t, checks, uint64(elapsed/slow)+1, "at most one tick per slow tick")
	assert.Equal(t, checks, st.Counters.OverrunTicks, "every slow tick is an overrun")

	// Once ticks are fast again the missed intervals are not replayed.
	quotes.delay.Store(0)
	released := time.Now()
	before := engine.Status().Counters.Checks
	time.Sleep(50 * time.Millisecond)
	after := engine.Status().Counters.Checks
	window := time.Since(released)

	assert.LessOrEqual(t, after-before, uint64(window/loop.Interval)+3, "no backlog burst")
	assert.Eventually(t, func() bool {
		return engine.Status().Counters.Checks > after
	}, time.Second, time.Millisecond, "the loop keeps ticking")
}

func TestArbitrageEngine_StopsAfterConsecutiveErrors(t *testing.T) {
	h := newHarness(t, testLoop())
	snap := lunoRich()
	snap.Binance.Stale = true
	h.quotes.set(snap)

	require.NoError(t, h.engine.Start(context.Background()))
	select {
	case <-h.engine.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}

	st := h.engine.Status()
	assert.False(t, st.Running)
	assert.Equal(t, StopReasonErrors, st.StopReason)
	assert.Equal(t, 5, st.ConsecutiveErrors)
	assert.Equal(t, uint64(5), st.Counters.Skips[model.SkipStaleData])
}

func TestArbitrageEngine_ResetDuringTicks(t *testing.T) {
	h := newHarness(t, testLoop())
	h.quotes.set(lunoRich())
	initial := h.ledger.Floats()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			h.clock.Advance(3 * time.Second)
			h.engine.Tick()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			h.engine.ResetPaperFloats()
		}
	}()
	wg.Wait()

	assert.Equal(t, initial, h.engine.ResetPaperFloats())
	f := h.ledger.Floats()
	assert.False(t, f.BinanceUSDT.IsNegative())
	assert.False(t, f.LunoBTC.IsNegative())
}

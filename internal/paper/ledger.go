// Package paper simulates hedge cycles against in-memory balances on both
// exchanges. Balances are decimals; BTC sizes are truncated to satoshis.
package paper

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"spreadwatch/internal/config"
	"spreadwatch/internal/model"
)

const btcPlaces = 8

var (
	bpsDivisor = decimal.NewFromInt(10000)
	satoshi    = decimal.New(1, -btcPlaces)
)

// Prices are the executable prices a trade is sized and filled at.
// Luno is quoted in ZAR, Binance in USDT; FxRate converts USDT to ZAR.
type Prices struct {
	LunoBid    float64
	LunoAsk    float64
	BinanceBid float64
	BinanceAsk float64
	FxRate     float64
}

// PricesFrom builds Prices from a quote snapshot and an fx rate.
func PricesFrom(snap model.QuoteSnapshot, fx model.FxRate) Prices {
	return Prices{
		LunoBid:    snap.Luno.Quote.Bid,
		LunoAsk:    snap.Luno.Quote.Ask,
		BinanceBid: snap.Binance.Quote.Bid,
		BinanceAsk: snap.Binance.Quote.Ask,
		FxRate:     fx.Rate,
	}
}

func (p Prices) valid() bool {
	return p.LunoBid > 0 && p.LunoAsk > 0 && p.BinanceBid > 0 && p.BinanceAsk > 0 && p.FxRate > 0
}

// Ledger owns the paper floats. All mutation happens under one mutex, so a
// reset never interleaves with an execution.
type Ledger struct {
	mu     sync.Mutex
	floats model.PaperFloats
	start  config.PaperConfig
	now    func() time.Time
}

// NewLedger creates a ledger funded with the starting floats.
func NewLedger(start config.PaperConfig) *Ledger {
	l := &Ledger{start: start, now: time.Now}
	l.floats = startingFloats(start)
	return l
}

func startingFloats(start config.PaperConfig) model.PaperFloats {
	return model.PaperFloats{
		LunoZAR:     decimal.NewFromFloat(start.LunoZAR),
		LunoBTC:     decimal.NewFromFloat(start.LunoBTC),
		BinanceBTC:  decimal.NewFromFloat(start.BinanceBTC),
		BinanceUSDT: decimal.NewFromFloat(start.BinanceUSDT),
	}
}

// Reset restores the starting floats and clears every counter.
func (l *Ledger) Reset() model.PaperFloats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.floats = startingFloats(l.start)
	return l.floats
}

// Floats returns a copy of the current balances and counters.
func (l *Ledger) Floats() model.PaperFloats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.floats
}

// Alternation returns the direction bookkeeping the selector reads.
func (l *Ledger) Alternation() model.AlternationState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.floats.AlternationState
}

// Plan sizes a trade without applying it.
func (l *Ledger) Plan(d model.Direction, p Prices, t config.Trading) (decimal.Decimal, model.SkipReason) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return plan(l.floats, d, p, t)
}

// TryExecute sizes and applies a simulated hedge cycle. Nothing is applied
// when the result is a skip.
func (l *Ledger) TryExecute(d model.Direction, edge model.DirectionEdge, p Prices, t config.Trading) (model.TradeResult, model.SkipReason) {
	l.mu.Lock()
	defer l.mu.Unlock()

	size, reason := plan(l.floats, d, p, t)
	if reason != model.SkipNone {
		return model.TradeResult{}, reason
	}

	f := l.floats
	lunoFee := decimal.NewFromFloat(t.Fees.Luno)
	binanceFee := decimal.NewFromFloat(t.Fees.Binance)
	one := decimal.NewFromInt(1)
	netEdge := decimal.NewFromFloat(edge.NetEdgeBps).Div(bpsDivisor)

	var sizeZAR, profitZAR decimal.Decimal
	switch d {
	case model.LunoToBinance:
		lunoAsk := decimal.NewFromFloat(p.LunoAsk)
		binanceBid := decimal.NewFromFloat(p.BinanceBid)
		sizeZAR = size.Mul(lunoAsk)
		profitZAR = sizeZAR.Mul(netEdge)

		f.LunoZAR = f.LunoZAR.Sub(sizeZAR)
		f.LunoBTC = f.LunoBTC.Add(size.Mul(one.Sub(lunoFee)))
		f.BinanceBTC = f.BinanceBTC.Sub(size)
		f.BinanceUSDT = f.BinanceUSDT.
			Add(size.Mul(binanceBid).Mul(one.Sub(binanceFee))).
			Add(profitZAR.Div(decimal.NewFromFloat(p.FxRate)))
	case model.BinanceToLuno:
		binanceAsk := decimal.NewFromFloat(p.BinanceAsk)
		lunoBid := decimal.NewFromFloat(p.LunoBid)
		sizeZAR = size.Mul(lunoBid)
		profitZAR = sizeZAR.Mul(netEdge)

		f.BinanceUSDT = f.BinanceUSDT.Sub(size.Mul(binanceAsk))
		f.BinanceBTC = f.BinanceBTC.Add(size.Mul(one.Sub(binanceFee)))
		f.LunoBTC = f.LunoBTC.Sub(size)
		f.LunoZAR = f.LunoZAR.
			Add(sizeZAR.Mul(one.Sub(lunoFee))).
			Add(profitZAR)
	}

	f.AlternationState = advance(f.AlternationState, d, t.RebalanceTriggerCount)
	f.TradesExecuted++
	f.RealizedProfitZAR = f.RealizedProfitZAR.Add(profitZAR)
	l.floats = f

	return model.TradeResult{
		ID:         uuid.New(),
		Direction:  d,
		SizeBTC:    size,
		SizeZAR:    sizeZAR,
		BuyPrice:   edge.BuyPrice,
		SellPrice:  edge.SellPrice,
		NetEdgeBps: edge.NetEdgeBps,
		ProfitZAR:  profitZAR,
		ExecutedAt: l.now(),
		Paper:      true,
	}, model.SkipNone
}

// advance updates the alternation counters after a trade in direction d.
// Repeating a direction increments the streak; a reversal resets it and ends
// rebalance mode. A streak above trigger turns rebalance mode on.
func advance(s model.AlternationState, d model.Direction, trigger int) model.AlternationState {
	if s.LastDirection == d {
		s.ConsecutiveSameDirection++
	} else {
		if s.RebalanceMode {
			s.RebalanceTradesExecuted++
			s.RebalanceMode = false
		}
		s.ConsecutiveSameDirection = 0
	}
	s.LastDirection = d
	if s.ConsecutiveSameDirection > trigger {
		s.RebalanceMode = true
	}
	return s
}

// plan returns the BTC size a trade in direction d can take: the smallest of
// the BTC cap, the ZAR cap and what both source balances hold above their buffers.
func plan(f model.PaperFloats, d model.Direction, p Prices, t config.Trading) (decimal.Decimal, model.SkipReason) {
	if !d.Valid() || !p.valid() {
		return decimal.Zero, model.SkipInvalidQuote
	}

	b := t.Buffers
	var spendable, spendPrice, btcAvail, lunoPx decimal.Decimal
	switch d {
	case model.LunoToBinance:
		spendable = f.LunoZAR.Sub(decimal.NewFromFloat(b.MinRemainingZARLuno))
		spendPrice = decimal.NewFromFloat(p.LunoAsk)
		btcAvail = f.BinanceBTC.Sub(decimal.NewFromFloat(b.MinRemainingBTCBinance))
		lunoPx = spendPrice
	case model.BinanceToLuno:
		spendable = f.BinanceUSDT.Sub(decimal.NewFromFloat(b.MinRemainingUSDTBinance))
		spendPrice = decimal.NewFromFloat(p.BinanceAsk)
		btcAvail = f.LunoBTC.Sub(decimal.NewFromFloat(b.MinRemainingBTCLuno))
		lunoPx = decimal.NewFromFloat(p.LunoBid)
	}
	if !spendable.IsPositive() || !btcAvail.IsPositive() {
		return decimal.Zero, model.SkipInsufficientBalance
	}

	size := decimal.Min(
		decimal.NewFromFloat(t.MaxTradeSizeBTC),
		decimal.NewFromFloat(t.MaxTradeZAR).Div(lunoPx),
		spendable.Div(spendPrice),
		btcAvail,
	).Truncate(btcPlaces)
	// Division rounds; never let the debit reach into the buffer.
	for size.IsPositive() && size.Mul(spendPrice).GreaterThan(spendable) {
		size = size.Sub(satoshi)
	}

	if size.LessThan(decimal.NewFromFloat(t.MinTradeSizeBTC)) {
		return decimal.Zero, model.SkipInsufficientBalance
	}
	return size, model.SkipNone
}

// Tradeable is what each balance holds above its safety buffer.
type Tradeable struct {
	LunoZAR     decimal.Decimal `json:"luno_zar"`
	LunoBTC     decimal.Decimal `json:"luno_btc"`
	BinanceBTC  decimal.Decimal `json:"binance_btc"`
	BinanceUSDT decimal.Decimal `json:"binance_usdt"`
}

// Tradeable returns the current balances less the buffers in b, floored at zero.
func (l *Ledger) Tradeable(b config.Buffers) Tradeable {
	f := l.Floats()
	above := func(v decimal.Decimal, min float64) decimal.Decimal {
		return decimal.Max(decimal.Zero, v.Sub(decimal.NewFromFloat(min)))
	}
	return Tradeable{
		LunoZAR:     above(f.LunoZAR, b.MinRemainingZARLuno),
		LunoBTC:     above(f.LunoBTC, b.MinRemainingBTCLuno),
		BinanceBTC:  above(f.BinanceBTC, b.MinRemainingBTCBinance),
		BinanceUSDT: above(f.BinanceUSDT, b.MinRemainingUSDTBinance),
	}
}

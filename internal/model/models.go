package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Exchange names used across feeds, cache and storage.
const (
	ExchangeLuno    = "luno"
	ExchangeBinance = "binance"
)

// Direction is the hedge direction: which exchange buys BTC and which sells it.
type Direction string

const (
	// DirectionNone is the "no opportunity" sentinel.
	DirectionNone Direction = ""
	// LunoToBinance buys BTC on Luno with ZAR and sells BTC on Binance for USDT.
	LunoToBinance Direction = "luno_to_binance"
	// BinanceToLuno buys BTC on Binance with USDT and sells BTC on Luno for ZAR.
	BinanceToLuno Direction = "binance_to_luno"
)

// Directions lists both valid directions in index order.
var Directions = [2]Direction{LunoToBinance, BinanceToLuno}

// Valid reports whether d is one of the two tradeable directions.
func (d Direction) Valid() bool {
	return d == LunoToBinance || d == BinanceToLuno
}

// Reverse returns the opposite direction. DirectionNone stays DirectionNone.
func (d Direction) Reverse() Direction {
	switch d {
	case LunoToBinance:
		return BinanceToLuno
	case BinanceToLuno:
		return LunoToBinance
	default:
		return DirectionNone
	}
}

// Index maps a direction to its slot in per-direction arrays.
func (d Direction) Index() int {
	if d == BinanceToLuno {
		return 1
	}
	return 0
}

// BuyExchange is where d buys BTC.
func (d Direction) BuyExchange() string {
	if d == BinanceToLuno {
		return ExchangeBinance
	}
	return ExchangeLuno
}

// SellExchange is where d sells BTC.
func (d Direction) SellExchange() string {
	if d == BinanceToLuno {
		return ExchangeLuno
	}
	return ExchangeBinance
}

// SkipReason explains why a tick did not execute a trade.
type SkipReason string

const (
	SkipNone                SkipReason = ""
	SkipBelowThreshold      SkipReason = "below_threshold"
	SkipInsufficientBalance SkipReason = "insufficient_balance"
	SkipStaleData           SkipReason = "stale_data"
	SkipMissingData         SkipReason = "missing_data"
	SkipInvalidQuote        SkipReason = "invalid_quote"
	SkipInvalidFx           SkipReason = "invalid_fx"
	SkipTradeCooldown       SkipReason = "trade_cooldown"
	SkipExecutionFailed     SkipReason = "execution_failed"
)

// PriceQuote represents the latest best bid/ask seen for one exchange.
type PriceQuote struct {
	Exchange     string    `json:"exchange"`
	Bid          float64   `json:"bid"`
	Ask          float64   `json:"ask"`
	Last         float64   `json:"last"`
	ObservedAt   time.Time `json:"observed_at"`
	SourceIsPush bool      `json:"source_is_push"`
}

// Valid reports whether both sides are set and the book is not crossed.
func (q PriceQuote) Valid() bool {
	return q.Bid > 0 && q.Ask > 0 && q.Bid <= q.Ask
}

// QuoteView is a PriceQuote as seen at snapshot time.
type QuoteView struct {
	Quote   PriceQuote    `json:"quote"`
	Present bool          `json:"present"`
	Stale   bool          `json:"stale"`
	Age     time.Duration `json:"age"`
}

// QuoteSnapshot is a consistent point-in-time copy of both exchanges.
type QuoteSnapshot struct {
	TakenAt time.Time `json:"taken_at"`
	Luno    QuoteView `json:"luno"`
	Binance QuoteView `json:"binance"`
}

// FxRate is the USDT to ZAR conversion used to price Binance in rand.
// Rate already includes the USDT/USD depeg: Rate = UsdZar * UsdtUsd.
type FxRate struct {
	Rate      float64   `json:"rate"`
	UsdZar    float64   `json:"usd_zar"`
	UsdtUsd   float64   `json:"usdt_usd"`
	FetchedAt time.Time `json:"fetched_at"`
	Fallback  bool      `json:"fallback"`
}

// DirectionEdge is the profitability of one direction, prices in ZAR.
type DirectionEdge struct {
	Direction    Direction `json:"direction"`
	BuyPrice     float64   `json:"buy_price_zar"`
	SellPrice    float64   `json:"sell_price_zar"`
	GrossEdgeBps float64   `json:"gross_edge_bps"`
	NetEdgeBps   float64   `json:"net_edge_bps"`
}

// TradeResult is the outcome of one executed (or simulated) hedge cycle.
type TradeResult struct {
	ID         uuid.UUID       `json:"id"`
	Direction  Direction       `json:"direction"`
	SizeBTC    decimal.Decimal `json:"size_btc"`
	SizeZAR    decimal.Decimal `json:"size_zar"`
	BuyPrice   float64         `json:"buy_price"`
	SellPrice  float64         `json:"sell_price"`
	NetEdgeBps float64         `json:"net_edge_bps"`
	ProfitZAR  decimal.Decimal `json:"profit_zar"`
	ExecutedAt time.Time       `json:"executed_at"`
	Paper      bool            `json:"paper"`
}

// Tick is the immutable record of one loop iteration.
type Tick struct {
	Timestamp       time.Time        `json:"timestamp"`
	Luno            PriceQuote       `json:"luno"`
	Binance         PriceQuote       `json:"binance"`
	Fx              FxRate           `json:"fx"`
	Edges           [2]DirectionEdge `json:"edges"`
	Valid           bool             `json:"valid"`
	ChosenDirection Direction        `json:"chosen_direction"`
	IsProfitable    bool             `json:"is_profitable"`
	WasExecuted     bool             `json:"was_executed"`
	SkipReason      SkipReason       `json:"skip_reason,omitempty"`
	Trade           *TradeResult     `json:"trade,omitempty"`
}

// Edge returns the computed edge for d.
func (t Tick) Edge(d Direction) DirectionEdge {
	return t.Edges[d.Index()]
}

// Best returns the edge the tick is reported under: the chosen direction when
// there is one, otherwise the direction with the larger net edge.
func (t Tick) Best() DirectionEdge {
	if t.ChosenDirection.Valid() {
		return t.Edge(t.ChosenDirection)
	}
	if t.Edges[1].NetEdgeBps > t.Edges[0].NetEdgeBps {
		return t.Edges[1]
	}
	return t.Edges[0]
}

// Opportunity projects the tick into its persisted form under the given direction.
func (t Tick) Opportunity(d Direction) Opportunity {
	e := t.Edge(d)
	opp := Opportunity{
		ID:                  uuid.New(),
		Timestamp:           t.Timestamp,
		Direction:           d,
		BuyExchange:         d.BuyExchange(),
		SellExchange:        d.SellExchange(),
		BuyPrice:            e.BuyPrice,
		SellPrice:           e.SellPrice,
		GrossEdgeBps:        e.GrossEdgeBps,
		NetEdgeBps:          e.NetEdgeBps,
		LunoToBinanceNetBps: t.Edges[0].NetEdgeBps,
		BinanceToLunoNetBps: t.Edges[1].NetEdgeBps,
		Valid:               t.Valid,
		IsProfitable:        t.IsProfitable && t.ChosenDirection == d,
		SkipReason:          t.SkipReason,
		LunoPriceZAR:        t.Luno.Last,
		BinancePriceUSDT:    t.Binance.Last,
		FxRate:              t.Fx.Rate,
	}
	if t.Trade != nil && t.Trade.Direction == d {
		opp.Executed = true
		opp.SkipReason = SkipNone
		opp.SizeBTC = t.Trade.SizeBTC.InexactFloat64()
		opp.SizeZAR = t.Trade.SizeZAR.InexactFloat64()
		opp.ProfitZAR = t.Trade.ProfitZAR.InexactFloat64()
		opp.TradeID = &t.Trade.ID
	}
	return opp
}

// Record is the default persisted projection of a tick.
func (t Tick) Record() Opportunity {
	return t.Opportunity(t.Best().Direction)
}

// Opportunity is what the opportunity store persists for a tick.
type Opportunity struct {
	ID                  uuid.UUID  `json:"id" db:"id"`
	Timestamp           time.Time  `json:"timestamp" db:"timestamp"`
	Direction           Direction  `json:"direction" db:"direction"`
	BuyExchange         string     `json:"buy_exchange" db:"buy_exchange"`
	SellExchange        string     `json:"sell_exchange" db:"sell_exchange"`
	BuyPrice            float64    `json:"buy_price" db:"buy_price"`
	SellPrice           float64    `json:"sell_price" db:"sell_price"`
	GrossEdgeBps        float64    `json:"gross_edge_bps" db:"gross_edge_bps"`
	NetEdgeBps          float64    `json:"net_edge_bps" db:"net_edge_bps"`
	LunoToBinanceNetBps float64    `json:"luno_to_binance_net_bps" db:"luno_to_binance_net_bps"`
	BinanceToLunoNetBps float64    `json:"binance_to_luno_net_bps" db:"binance_to_luno_net_bps"`
	Valid               bool       `json:"valid" db:"valid"`
	IsProfitable        bool       `json:"is_profitable" db:"is_profitable"`
	Executed            bool       `json:"executed" db:"executed"`
	SkipReason          SkipReason `json:"skip_reason,omitempty" db:"skip_reason"`
	SizeBTC             float64    `json:"size_btc" db:"size_btc"`
	SizeZAR             float64    `json:"size_zar" db:"size_zar"`
	ProfitZAR           float64    `json:"profit_zar" db:"profit_zar"`
	TradeID             *uuid.UUID `json:"trade_id,omitempty" db:"trade_id"`
	LunoPriceZAR        float64    `json:"luno_price_zar" db:"luno_price_zar"`
	BinancePriceUSDT    float64    `json:"binance_price_usdt" db:"binance_price_usdt"`
	FxRate              float64    `json:"fx_rate" db:"fx_rate"`
}

// AlternationState is the part of the paper floats the direction selector reads.
type AlternationState struct {
	LastDirection            Direction `json:"last_direction"`
	ConsecutiveSameDirection int       `json:"consecutive_same_direction"`
	RebalanceMode            bool      `json:"rebalance_mode"`
	RebalanceTradesExecuted  int       `json:"rebalance_trades_executed"`
}

// PaperFloats are the simulated balances on both exchanges.
type PaperFloats struct {
	LunoZAR     decimal.Decimal `json:"luno_zar"`
	LunoBTC     decimal.Decimal `json:"luno_btc"`
	BinanceBTC  decimal.Decimal `json:"binance_btc"`
	BinanceUSDT decimal.Decimal `json:"binance_usdt"`
	AlternationState
	TradesExecuted    int             `json:"trades_executed"`
	RealizedProfitZAR decimal.Decimal `json:"realized_profit_zar"`
}

// TradePage is one page of executed trades, newest first.
type TradePage struct {
	Trades []Opportunity `json:"trades"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// DailyPnL aggregates executed trades for one UTC day.
type DailyPnL struct {
	Date      string  `json:"date"`
	Trades    int     `json:"trade_count"`
	ProfitZAR float64 `json:"profit_zar"`
	VolumeZAR float64 `json:"volume_zar"`
}

// PnLReport is the realised profit of executed trades since a point in time.
type PnLReport struct {
	Since             time.Time  `json:"since"`
	Trades            int        `json:"total_trades"`
	ProfitZAR         float64    `json:"total_profit_zar"`
	VolumeZAR         float64    `json:"total_volume_zar"`
	AvgProfitPerTrade float64    `json:"average_profit_per_trade"`
	Daily             []DailyPnL `json:"daily_breakdown"`
}

// NewPnLReport totals a daily breakdown.
func NewPnLReport(since time.Time, daily []DailyPnL) PnLReport {
	r := PnLReport{Since: since, Daily: daily}
	if r.Daily == nil {
		r.Daily = []DailyPnL{}
	}
	for _, d := range r.Daily {
		r.Trades += d.Trades
		r.ProfitZAR += d.ProfitZAR
		r.VolumeZAR += d.VolumeZAR
	}
	if r.Trades > 0 {
		r.AvgProfitPerTrade = r.ProfitZAR / float64(r.Trades)
	}
	return r
}

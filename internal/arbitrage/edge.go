package arbitrage

import (
	"spreadwatch/internal/config"
	"spreadwatch/internal/model"
)

// EdgeResult holds both directions' edges for one snapshot. When Valid is
// false the edges carry only their direction and Reason says why.
type EdgeResult struct {
	Valid  bool
	Reason model.SkipReason
	Edges  [2]model.DirectionEdge
}

// Edge returns the result for d.
func (r EdgeResult) Edge(d model.Direction) model.DirectionEdge {
	return r.Edges[d.Index()]
}

func emptyEdges() [2]model.DirectionEdge {
	return [2]model.DirectionEdge{
		{Direction: model.LunoToBinance},
		{Direction: model.BinanceToLuno},
	}
}

// ComputeEdges prices both hedge directions in ZAR and returns their gross and
// net edges in basis points. It has no side effects.
//
// Binance quotes are in USDT and converted with fx.Rate, which already carries
// the USDT/USD depeg. Net edge subtracts both taker fees and the slippage
// buffer from the gross edge.
func ComputeEdges(snap model.QuoteSnapshot, fx model.FxRate, t config.Trading) EdgeResult {
	if reason := checkSnapshot(snap); reason != model.SkipNone {
		return EdgeResult{Reason: reason, Edges: emptyEdges()}
	}
	if fx.Rate <= 0 {
		return EdgeResult{Reason: model.SkipInvalidFx, Edges: emptyEdges()}
	}

	luno := snap.Luno.Quote
	binance := snap.Binance.Quote
	costBps := t.Fees.LunoBps() + t.Fees.BinanceBps() + t.SlippageBpsBuffer

	l2b := directionEdge(model.LunoToBinance, luno.Ask, binance.Bid*fx.Rate, costBps)
	b2l := directionEdge(model.BinanceToLuno, binance.Ask*fx.Rate, luno.Bid, costBps)

	return EdgeResult{Valid: true, Edges: [2]model.DirectionEdge{l2b, b2l}}
}

func checkSnapshot(snap model.QuoteSnapshot) model.SkipReason {
	for _, v := range []model.QuoteView{snap.Luno, snap.Binance} {
		if !v.Present {
			return model.SkipMissingData
		}
	}
	for _, v := range []model.QuoteView{snap.Luno, snap.Binance} {
		if v.Stale {
			return model.SkipStaleData
		}
	}
	if !snap.Luno.Quote.Valid() || !snap.Binance.Quote.Valid() {
		return model.SkipInvalidQuote
	}
	return model.SkipNone
}

func directionEdge(d model.Direction, buy, sell, costBps float64) model.DirectionEdge {
	gross := grossEdgeBps(buy, sell)
	return model.DirectionEdge{
		Direction:    d,
		BuyPrice:     buy,
		SellPrice:    sell,
		GrossEdgeBps: gross,
		NetEdgeBps:   gross - costBps,
	}
}

// grossEdgeBps measures the sell/buy differential against the pair's midpoint,
// so swapping buy and sell flips the sign and keeps the magnitude.
func grossEdgeBps(buy, sell float64) float64 {
	mid := (buy + sell) / 2
	return (sell - buy) / mid * 10000
}

package arbitrage

import (
	"spreadwatch/internal/config"
	"spreadwatch/internal/model"
)

// Decision is the selector's verdict for one tick.
type Decision struct {
	Direction model.Direction
	Edge      model.DirectionEdge
	Reason    model.SkipReason
	// Rebalance is set when the direction only qualified under the keepalive bar.
	Rebalance bool
	Eligible  [2]bool
}

// Trade reports whether the decision asks for execution.
func (d Decision) Trade() bool {
	return d.Direction.Valid() && d.Reason == model.SkipNone
}

// DryRun asks the ledger whether a direction can be sized right now.
type DryRun func(model.Direction) model.SkipReason

// Select picks the direction to act on, if any.
//
// A direction is eligible at min_net_edge_bps. In rebalance mode the reverse of
// the last executed direction is also eligible at keepalive_threshold_bps.
// When both qualify the larger net edge wins, and an exact tie goes to the
// expected reversal. In rebalance mode the reversal is preferred outright. The pick is dry-run against the ledger and falls back to
// the other eligible direction when inventory blocks it.
func Select(res EdgeResult, state model.AlternationState, t config.Trading, dryRun DryRun) Decision {
	if !res.Valid {
		return Decision{Reason: res.Reason}
	}

	var dec Decision
	var keepalive [2]bool
	for i, e := range res.Edges {
		switch {
		case e.NetEdgeBps >= t.MinNetEdgeBps:
			dec.Eligible[i] = true
		case state.RebalanceMode && e.Direction == state.LastDirection.Reverse() && e.NetEdgeBps >= t.KeepaliveThresholdBps:
			dec.Eligible[i] = true
			keepalive[i] = true
		}
	}

	order := preference(res, dec.Eligible, state)
	if len(order) == 0 {
		dec.Reason = model.SkipBelowThreshold
		return dec
	}

	for _, d := range order {
		if reason := dryRun(d); reason == model.SkipNone {
			dec.Direction = d
			dec.Edge = res.Edge(d)
			dec.Rebalance = keepalive[d.Index()]
			return dec
		}
	}

	dec.Direction = order[0]
	dec.Edge = res.Edge(order[0])
	dec.Reason = model.SkipInsufficientBalance
	return dec
}

// preference orders the eligible directions, best first.
func preference(res EdgeResult, eligible [2]bool, state model.AlternationState) []model.Direction {
	l2b, b2l := res.Edges[0], res.Edges[1]
	last := state.LastDirection
	switch {
	case eligible[0] && eligible[1] && state.RebalanceMode && last.Valid():
		return []model.Direction{last.Reverse(), last}
	case eligible[0] && eligible[1]:
		if b2l.NetEdgeBps > l2b.NetEdgeBps ||
			(b2l.NetEdgeBps == l2b.NetEdgeBps && last == model.LunoToBinance) {
			return []model.Direction{model.BinanceToLuno, model.LunoToBinance}
		}
		return []model.Direction{model.LunoToBinance, model.BinanceToLuno}
	case eligible[0]:
		return []model.Direction{model.LunoToBinance}
	case eligible[1]:
		return []model.Direction{model.BinanceToLuno}
	}
	return nil
}

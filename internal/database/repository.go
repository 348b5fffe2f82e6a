package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"spreadwatch/internal/model"
)

const (
	DefaultReportLimit = 200
	MaxReportLimit     = 1000
	DefaultTradeLimit  = 50
	MaxTradeLimit      = 200
)

// ErrNotFound is returned when a looked-up trade does not exist.
var ErrNotFound = errors.New("not found")

// Repository is the append-only opportunity store. Executed trades are the
// rows with executed = true; trade and PnL reports read only those.
type Repository interface {
	Migrate(ctx context.Context) error
	AppendOpportunity(ctx context.Context, opp model.Opportunity) error
	RecentOpportunities(ctx context.Context, limit int) ([]model.Opportunity, error)
	RecentTrades(ctx context.Context, limit, offset int) (model.TradePage, error)
	Trade(ctx context.Context, id uuid.UUID) (model.Opportunity, error)
	PnL(ctx context.Context, since time.Time) (model.PnLReport, error)
	Close() error
}

// ClampLimit bounds a report size to [1, MaxReportLimit], defaulting when unset.
func ClampLimit(n int) int {
	return clamp(n, DefaultReportLimit, MaxReportLimit)
}

// ClampTradeLimit bounds a trade page size to [1, MaxTradeLimit].
func ClampTradeLimit(n int) int {
	return clamp(n, DefaultTradeLimit, MaxTradeLimit)
}

func clamp(n, def, max int) int {
	switch {
	case n <= 0:
		return def
	case n > max:
		return max
	default:
		return n
	}
}

const opportunityColumns = `id, timestamp, direction, buy_exchange, sell_exchange, buy_price, sell_price,
	gross_edge_bps, net_edge_bps, luno_to_binance_net_bps, binance_to_luno_net_bps, valid, is_profitable,
	executed, skip_reason, size_btc, size_zar, profit_zar, trade_id, luno_price_zar, binance_price_usdt, fx_rate`

// opportunityArgs returns insert arguments in opportunityColumns order.
func opportunityArgs(o model.Opportunity) []any {
	return []any{
		o.ID, o.Timestamp.UTC(), string(o.Direction), o.BuyExchange, o.SellExchange, o.BuyPrice, o.SellPrice,
		o.GrossEdgeBps, o.NetEdgeBps, o.LunoToBinanceNetBps, o.BinanceToLunoNetBps, o.Valid, o.IsProfitable,
		o.Executed, string(o.SkipReason), o.SizeBTC, o.SizeZAR, o.ProfitZAR, o.TradeID, o.LunoPriceZAR,
		o.BinancePriceUSDT, o.FxRate,
	}
}

// scanTargets returns scan destinations in opportunityColumns order.
func scanTargets(o *model.Opportunity) []any {
	return []any{
		&o.ID, &o.Timestamp, &o.Direction, &o.BuyExchange, &o.SellExchange, &o.BuyPrice, &o.SellPrice,
		&o.GrossEdgeBps, &o.NetEdgeBps, &o.LunoToBinanceNetBps, &o.BinanceToLunoNetBps, &o.Valid, &o.IsProfitable,
		&o.Executed, &o.SkipReason, &o.SizeBTC, &o.SizeZAR, &o.ProfitZAR, &o.TradeID, &o.LunoPriceZAR,
		&o.BinancePriceUSDT, &o.FxRate,
	}
}

// rowScanner is satisfied by pgx.Rows and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanOpportunity(r rowScanner) (model.Opportunity, error) {
	var o model.Opportunity
	err := r.Scan(scanTargets(&o)...)
	return o, err
}

func collectOpportunities(rows interface {
	rowScanner
	Next() bool
	Err() error
}) ([]model.Opportunity, error) {
	out := []model.Opportunity{}
	for rows.Next() {
		o, err := scanOpportunity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan opportunity: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func collectDaily(rows interface {
	rowScanner
	Next() bool
	Err() error
}) ([]model.DailyPnL, error) {
	var out []model.DailyPnL
	for rows.Next() {
		var d model.DailyPnL
		if err := rows.Scan(&d.Date, &d.Trades, &d.ProfitZAR, &d.VolumeZAR); err != nil {
			return nil, fmt.Errorf("scan daily pnl: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

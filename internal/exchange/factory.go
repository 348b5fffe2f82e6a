package exchange

import (
	"fmt"
	"log/slog"

	"spreadwatch/internal/config"
	"spreadwatch/internal/model"
)

// NewFeed creates the feed for the named exchange.
func NewFeed(name string, logger *slog.Logger, cfg config.FeedsConfig) (Feed, error) {
	switch name {
	case model.ExchangeLuno:
		return NewLunoFeed(logger, cfg.LunoURL, cfg.LunoPair, cfg.PollInterval, cfg.RequestTimeout), nil
	case model.ExchangeBinance:
		return NewBinanceFeed(logger, cfg.BinanceWSURL, cfg.BinanceSymbol, cfg.ReconnectDelay, cfg.MaxReconnectWait), nil
	default:
		return nil, fmt.Errorf("unknown exchange: %s", name)
	}
}

// NewFeeds creates the Luno poll feed and the Binance push feed.
func NewFeeds(logger *slog.Logger, cfg config.FeedsConfig) ([]Feed, error) {
	feeds := make([]Feed, 0, 2)
	for _, name := range []string{model.ExchangeLuno, model.ExchangeBinance} {
		f, err := NewFeed(name, logger, cfg)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, f)
	}
	return feeds, nil
}

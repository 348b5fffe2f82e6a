package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"spreadwatch/internal/metrics"
	"spreadwatch/internal/model"
)

// bookTicker is a Binance best bid/ask stream event.
//
//	{"u":400900217,"s":"BTCUSDT","b":"53000.01","B":"0.5","a":"53000.02","A":"1.2"}
type bookTicker struct {
	UpdateID int64  `json:"u"`
	Symbol   string `json:"s" validate:"required"`
	Bid      string `json:"b" validate:"required,numeric"`
	BidQty   string `json:"B"`
	Ask      string `json:"a" validate:"required,numeric"`
	AskQty   string `json:"A"`
}

// BinanceFeed streams the bookTicker of one symbol over WebSocket and pushes
// every update into the sink. It reconnects with exponential backoff.
type BinanceFeed struct {
	logger     *slog.Logger
	url        string
	symbol     string
	dialer     *websocket.Dialer
	minBackoff time.Duration
	maxBackoff time.Duration
	now        func() time.Time
}

// NewBinanceFeed creates a feed for symbol on the stream base URL baseURL.
func NewBinanceFeed(logger *slog.Logger, baseURL, symbol string, minBackoff, maxBackoff time.Duration) *BinanceFeed {
	return &BinanceFeed{
		logger:     logger,
		url:        strings.TrimRight(baseURL, "/") + "/" + strings.ToLower(symbol) + "@bookTicker",
		symbol:     strings.ToUpper(symbol),
		dialer:     websocket.DefaultDialer,
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
		now:        time.Now,
	}
}

func (b *BinanceFeed) Name() string {
	return model.ExchangeBinance
}

// Run connects to the Binance WebSocket API and streams quotes until ctx is done.
func (b *BinanceFeed) Run(ctx context.Context, sink QuoteSink) error {
	bo := newBackOff(b.minBackoff, b.maxBackoff)
	for {
		if ctx.Err() != nil {
			b.logger.Info("BinanceFeed: context cancelled, shutting down")
			return nil
		}

		b.logger.Info("BinanceFeed: connecting to WebSocket", "url", b.url)
		conn, _, err := b.dialer.DialContext(ctx, b.url, nil)
		if err != nil {
			wait := bo.NextBackOff()
			b.logger.Error("BinanceFeed: WebSocket connection failed", "error", err, "retry_in", wait)
			metrics.FeedReconnects.WithLabelValues(model.ExchangeBinance).Inc()
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}

		b.logger.Info("BinanceFeed: connected successfully")
		received, err := b.stream(ctx, conn, sink)
		if ctx.Err() != nil {
			b.logger.Info("BinanceFeed: context cancelled, connection closed")
			return nil
		}
		if received > 0 {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		b.logger.Warn("BinanceFeed: stream ended, reconnecting", "error", err, "messages", received, "retry_in", wait)
		metrics.FeedReconnects.WithLabelValues(model.ExchangeBinance).Inc()
		if !sleep(ctx, wait) {
			return nil
		}
	}
}

// stream reads messages until the connection fails or ctx is done.
func (b *BinanceFeed) stream(ctx context.Context, conn *websocket.Conn, sink QuoteSink) (int, error) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		_ = conn.Close()
	}()

	received := 0
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return received, err
		}
		received++

		bid, ask, err := b.handleMessage(message)
		if err != nil {
			metrics.FeedErrors.WithLabelValues(model.ExchangeBinance).Inc()
			b.logger.Warn("BinanceFeed: failed to parse message", "error", err)
			continue
		}
		// bookTicker carries no last trade; the cache falls back to the mid.
		if err := sink.UpdatePush(model.ExchangeBinance, bid, ask, 0, b.now()); err != nil {
			b.logger.Warn("BinanceFeed: quote rejected", "error", err, "bid", bid, "ask", ask)
			continue
		}
		b.logger.Debug("BinanceFeed: quote", "bid", bid, "ask", ask)
	}
}

func (b *BinanceFeed) handleMessage(raw []byte) (bid, ask float64, err error) {
	var t bookTicker
	if err = json.Unmarshal(raw, &t); err != nil {
		return 0, 0, fmt.Errorf("decode bookTicker: %w", err)
	}
	if err = validate.Struct(&t); err != nil {
		return 0, 0, fmt.Errorf("validate bookTicker: %w", err)
	}
	if !strings.EqualFold(t.Symbol, b.symbol) {
		return 0, 0, fmt.Errorf("unexpected symbol %q", t.Symbol)
	}
	if bid, err = parsePrice(t.Bid); err != nil {
		return 0, 0, err
	}
	if ask, err = parsePrice(t.Ask); err != nil {
		return 0, 0, err
	}
	return bid, ask, nil
}

package exchange

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"spreadwatch/internal/metrics"
	"spreadwatch/internal/model"
)

// lunoTicker is the Luno /ticker response.
type lunoTicker struct {
	Pair      string `json:"pair" validate:"required"`
	Timestamp int64  `json:"timestamp"`
	Bid       string `json:"bid" validate:"required,numeric"`
	Ask       string `json:"ask" validate:"required,numeric"`
	LastTrade string `json:"last_trade" validate:"omitempty,numeric"`
	Status    string `json:"status"`
}

// LunoFeed polls the Luno public ticker on a fixed interval. Luno has no
// public push feed for best bid/ask.
type LunoFeed struct {
	logger   *slog.Logger
	client   *http.Client
	endpoint string
	pair     string
	interval time.Duration
	now      func() time.Time
}

// NewLunoFeed creates a poller for pair against the REST base URL baseURL.
func NewLunoFeed(logger *slog.Logger, baseURL, pair string, interval, timeout time.Duration) *LunoFeed {
	q := url.Values{"pair": {pair}}
	return &LunoFeed{
		logger:   logger,
		client:   &http.Client{Timeout: timeout},
		endpoint: strings.TrimRight(baseURL, "/") + "/ticker?" + q.Encode(),
		pair:     pair,
		interval: interval,
		now:      time.Now,
	}
}

func (l *LunoFeed) Name() string {
	return model.ExchangeLuno
}

// Run polls until ctx is done. Failed polls are logged and retried on the
// next interval.
func (l *LunoFeed) Run(ctx context.Context, sink QuoteSink) error {
	l.logger.Info("LunoFeed: polling", "url", l.endpoint, "interval", l.interval)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		l.poll(ctx, sink)
		select {
		case <-ctx.Done():
			l.logger.Info("LunoFeed: context cancelled, shutting down")
			return nil
		case <-ticker.C:
		}
	}
}

func (l *LunoFeed) poll(ctx context.Context, sink QuoteSink) {
	bid, ask, last, err := l.fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.FeedErrors.WithLabelValues(model.ExchangeLuno).Inc()
		l.logger.Warn("LunoFeed: poll failed", "error", err)
		return
	}
	if err := sink.UpdatePoll(model.ExchangeLuno, bid, ask, last, l.now()); err != nil {
		l.logger.Warn("LunoFeed: quote rejected", "error", err, "bid", bid, "ask", ask)
	}
}

// fetch returns the current best bid, ask and last trade price.
func (l *LunoFeed) fetch(ctx context.Context) (bid, ask, last float64, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.endpoint, nil)
	if err != nil {
		return 0, 0, 0, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return 0, 0, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return 0, 0, 0, fmt.Errorf("read ticker: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, 0, 0, fmt.Errorf("ticker status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return l.parse(body)
}

func (l *LunoFeed) parse(body []byte) (bid, ask, last float64, err error) {
	var t lunoTicker
	if err = json.Unmarshal(body, &t); err != nil {
		return 0, 0, 0, fmt.Errorf("decode ticker: %w", err)
	}
	if err = validate.Struct(&t); err != nil {
		return 0, 0, 0, fmt.Errorf("validate ticker: %w", err)
	}
	if !strings.EqualFold(t.Pair, l.pair) {
		return 0, 0, 0, fmt.Errorf("unexpected pair %q", t.Pair)
	}
	if bid, err = parsePrice(t.Bid); err != nil {
		return 0, 0, 0, err
	}
	if ask, err = parsePrice(t.Ask); err != nil {
		return 0, 0, 0, err
	}
	if last, err = parsePrice(t.LastTrade); err != nil {
		return 0, 0, 0, err
	}
	return bid, ask, last, nil
}

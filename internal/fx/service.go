// Package fx provides the USDT/ZAR conversion rate: USD/ZAR from public FX
// APIs times the USDT/USD rate implied by Binance USDCUSDT.
package fx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"spreadwatch/internal/config"
	"spreadwatch/internal/metrics"
	"spreadwatch/internal/model"
)

var ErrNoRate = errors.New("no usable fx rate")

// ratesResponse matches the shape shared by exchangerate-api, frankfurter and open.er-api.
type ratesResponse struct {
	Rates map[string]float64 `json:"rates"`
}

type priceResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// Service caches the current rate and refreshes it on its own cadence. Until
// the first successful fetch it serves the configured fallback.
type Service struct {
	logger *slog.Logger
	client *http.Client
	cfg    config.FXConfig
	now    func() time.Time

	mu        sync.RWMutex
	usdZar    float64
	usdtUsd   float64
	fetchedAt time.Time
	created   time.Time
	fallback  bool
}

func NewService(logger *slog.Logger, cfg config.FXConfig) *Service {
	now := time.Now
	return &Service{
		logger:   logger,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		cfg:      cfg,
		now:      now,
		usdZar:   cfg.FallbackUsdZar,
		usdtUsd:  1,
		created:  now(),
		fallback: true,
	}
}

// CurrentRate returns the rate and the time since it was last fetched.
func (s *Service) CurrentRate() (model.FxRate, time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	since := s.fetchedAt
	if since.IsZero() {
		since = s.created
	}
	return model.FxRate{
		Rate:      s.usdZar * s.usdtUsd,
		UsdZar:    s.usdZar,
		UsdtUsd:   s.usdtUsd,
		FetchedAt: s.fetchedAt,
		Fallback:  s.fallback,
	}, s.now().Sub(since)
}

// Run refreshes immediately and then every refresh interval until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("FX: refresh failed, keeping previous rate", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Refresh fetches USD/ZAR and the USDT depeg. A failed leg keeps its
// previous value; an error is returned only when USD/ZAR could not be fetched.
func (s *Service) Refresh(ctx context.Context) error {
	usdZar, zarErr := s.fetchUsdZar(ctx)
	usdtUsd, depegErr := s.fetchUsdtUsd(ctx)
	if depegErr != nil {
		s.logger.Warn("FX: USDT depeg unavailable", "error", depegErr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if depegErr == nil {
		s.usdtUsd = usdtUsd
	}
	if zarErr != nil {
		return zarErr
	}
	s.usdZar = usdZar
	s.fetchedAt = s.now()
	s.fallback = false
	s.logger.Info("FX: rate refreshed", "usd_zar", usdZar, "usdt_usd", s.usdtUsd)
	return nil
}

// fetchUsdZar tries each source in order and returns the first rate inside
// the sanity band.
func (s *Service) fetchUsdZar(ctx context.Context) (float64, error) {
	var errs []error
	for _, src := range s.cfg.Sources {
		var resp ratesResponse
		if err := s.getJSON(ctx, src, &resp); err != nil {
			metrics.FxFetchErrors.WithLabelValues(sourceLabel(src)).Inc()
			errs = append(errs, err)
			continue
		}
		rate := resp.Rates["ZAR"]
		if rate <= s.cfg.MinUsdZar || rate >= s.cfg.MaxUsdZar {
			metrics.FxFetchErrors.WithLabelValues(sourceLabel(src)).Inc()
			errs = append(errs, fmt.Errorf("%s: USD/ZAR %v outside (%v, %v)", sourceLabel(src), rate, s.cfg.MinUsdZar, s.cfg.MaxUsdZar))
			continue
		}
		return rate, nil
	}
	return 0, fmt.Errorf("%w: %w", ErrNoRate, errors.Join(errs...))
}

// fetchUsdtUsd derives USDT/USD from the USDC/USDT price, taking USDC at par.
func (s *Service) fetchUsdtUsd(ctx context.Context) (float64, error) {
	if s.cfg.DepegSymbol == "" {
		return 1, nil
	}
	endpoint := strings.TrimRight(s.cfg.BinanceRESTURL, "/") + "/ticker/price?" + url.Values{"symbol": {s.cfg.DepegSymbol}}.Encode()

	var resp priceResponse
	if err := s.getJSON(ctx, endpoint, &resp); err != nil {
		metrics.FxFetchErrors.WithLabelValues("binance").Inc()
		return 0, err
	}
	price, err := decimal.NewFromString(resp.Price)
	if err != nil || !price.IsPositive() {
		return 0, fmt.Errorf("invalid %s price %q", s.cfg.DepegSymbol, resp.Price)
	}
	usdtUsd := decimal.NewFromInt(1).Div(price).InexactFloat64()
	if math.Abs(usdtUsd-1)*10000 > s.cfg.MaxDepegBps {
		return 0, fmt.Errorf("USDT/USD %v beyond %v bps from par", usdtUsd, s.cfg.MaxDepegBps)
	}
	return usdtUsd, nil
}

func (s *Service) getJSON(ctx context.Context, endpoint string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", sourceLabel(endpoint), resp.StatusCode)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%s: decode: %w", sourceLabel(endpoint), err)
	}
	return nil
}

func sourceLabel(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return u.Host
}

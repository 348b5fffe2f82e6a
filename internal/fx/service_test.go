package fx

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"spreadwatch/internal/config"
)

type fxServer struct {
	*httptest.Server
	zar   atomic.Value // string body for /good
	depeg atomic.Value // string body for /api/v3/ticker/price
}

func newFxServer(t *testing.T) *fxServer {
	s := &fxServer{}
	s.zar.Store(`{"base":"USD","rates":{"ZAR":18.8,"EUR":0.92}}`)
	s.depeg.Store(`{"symbol":"USDCUSDT","price":"1.0010"}`)

	mux := http.NewServeMux()
	mux.HandleFunc("/broken", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	})
	mux.HandleFunc("/silly", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"rates":{"ZAR":1.5}}`))
	})
	mux.HandleFunc("/good", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(s.zar.Load().(string)))
	})
	mux.HandleFunc("/api/v3/ticker/price", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "USDCUSDT", r.URL.Query().Get("symbol"))
		_, _ = w.Write([]byte(s.depeg.Load().(string)))
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func testConfig(srv *fxServer, sources ...string) config.FXConfig {
	urls := make([]string, 0, len(sources))
	for _, p := range sources {
		urls = append(urls, srv.URL+p)
	}
	return config.FXConfig{
		Sources:         urls,
		BinanceRESTURL:  srv.URL + "/api/v3",
		DepegSymbol:     "USDCUSDT",
		RefreshInterval: time.Hour,
		RequestTimeout:  time.Second,
		FallbackUsdZar:  18.5,
		MinUsdZar:       10,
		MaxUsdZar:       30,
		MaxDepegBps:     200,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestService_FallbackBeforeFirstFetch(t *testing.T) {
	srv := newFxServer(t)
	s := NewService(discardLogger(), testConfig(srv, "/good"))

	rate, _ := s.CurrentRate()
	assert.True(t, rate.Fallback)
	assert.Equal(t, 18.5, rate.Rate)
	assert.Equal(t, 1.0, rate.UsdtUsd)
	assert.True(t, rate.FetchedAt.IsZero())
}

func TestService_RefreshSkipsBadSources(t *testing.T) {
	srv := newFxServer(t)
	s := NewService(discardLogger(), testConfig(srv, "/broken", "/silly", "/good"))
	fetched := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fetched }

	require.NoError(t, s.Refresh(context.Background()))

	s.now = func() time.Time { return fetched.Add(90 * time.Second) }
	rate, age := s.CurrentRate()
	assert.False(t, rate.Fallback)
	assert.Equal(t, 18.8, rate.UsdZar)
	assert.InDelta(t, 1/1.001, rate.UsdtUsd, 1e-12)
	assert.InDelta(t, 18.8/1.001, rate.Rate, 1e-9)
	assert.Equal(t, fetched, rate.FetchedAt)
	assert.Equal(t, 90*time.Second, age)
}

func TestService_KeepsLastKnownGood(t *testing.T) {
	srv := newFxServer(t)
	cfg := testConfig(srv, "/good")
	s := NewService(discardLogger(), cfg)
	require.NoError(t, s.Refresh(context.Background()))

	srv.zar.Store(`{"rates":{}}`)
	srv.depeg.Store(`{"symbol":"USDCUSDT","price":"1.05"}`)
	err := s.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNoRate)

	rate, _ := s.CurrentRate()
	assert.False(t, rate.Fallback)
	assert.Equal(t, 18.8, rate.UsdZar)
	assert.InDelta(t, 1/1.001, rate.UsdtUsd, 1e-12, "depeg outside the band is ignored")
}

func TestService_NoSourcesUsesFallback(t *testing.T) {
	srv := newFxServer(t)
	s := NewService(discardLogger(), testConfig(srv, "/broken"))

	assert.ErrorIs(t, s.Refresh(context.Background()), ErrNoRate)
	rate, _ := s.CurrentRate()
	assert.True(t, rate.Fallback)
	assert.InDelta(t, 18.5/1.001, rate.Rate, 1e-9, "depeg still applies to the fallback")
}

func TestService_RunRefreshesImmediately(t *testing.T) {
	srv := newFxServer(t)
	s := NewService(discardLogger(), testConfig(srv, "/good"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool {
		rate, _ := s.CurrentRate()
		return !rate.Fallback
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

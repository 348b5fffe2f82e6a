package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"spreadwatch/internal/arbitrage"
	"spreadwatch/internal/config"
	"spreadwatch/internal/database"
	"spreadwatch/internal/model"
)

type MockController struct {
	mock.Mock
}

func (m *MockController) Start(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockController) Stop() error {
	return m.Called().Error(0)
}

func (m *MockController) Status() arbitrage.Status {
	return m.Called().Get(0).(arbitrage.Status)
}

func (m *MockController) UpdateThresholds(t config.Trading) error {
	return m.Called(t).Error(0)
}

func (m *MockController) ResetPaperFloats() model.PaperFloats {
	return m.Called().Get(0).(model.PaperFloats)
}

type MockReports struct {
	mock.Mock
}

func (m *MockReports) RecentOpportunities(ctx context.Context, limit int) ([]model.Opportunity, error) {
	args := m.Called(ctx, limit)
	opps, _ := args.Get(0).([]model.Opportunity)
	return opps, args.Error(1)
}

func (m *MockReports) RecentTrades(ctx context.Context, limit, offset int) (model.TradePage, error) {
	args := m.Called(ctx, limit, offset)
	return args.Get(0).(model.TradePage), args.Error(1)
}

func (m *MockReports) Trade(ctx context.Context, id uuid.UUID) (model.Opportunity, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(model.Opportunity), args.Error(1)
}

func (m *MockReports) PnL(ctx context.Context, since time.Time) (model.PnLReport, error) {
	args := m.Called(ctx, since)
	return args.Get(0).(model.PnLReport), args.Error(1)
}

type staticTicks []model.Tick

func (s staticTicks) Recent() []model.Tick { return s }

func thresholds() config.Trading {
	return config.Trading{
		MinNetEdgeBps:         40,
		KeepaliveThresholdBps: -10,
		MaxTradeSizeBTC:       0.01,
		MinTradeSizeBTC:       0.0001,
		MaxTradeZAR:           5000,
		SlippageBpsBuffer:     10,
		RebalanceTriggerCount: 3,
		Fees:                  config.Fees{Luno: 0.001, Binance: 0.001},
	}
}

var now = time.Date(2026, 2, 10, 15, 30, 0, 0, time.UTC)

func newTestServer(ctrl Controller, reports Reports, ticks TickSource) *httptest.Server {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	s := NewServer(logger, "", ctrl, ticks, reports)
	s.now = func() time.Time { return now }
	return httptest.NewServer(s.Handler())
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func TestServer_Status(t *testing.T) {
	ctrl := new(MockController)
	ctrl.On("Status").Return(arbitrage.Status{Running: true, Mode: "paper", Thresholds: thresholds()})
	srv := newTestServer(ctrl, nil, staticTicks{})
	defer srv.Close()

	resp, body := do(t, srv, http.MethodGet, "/status", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, true, got["running"])
	assert.Equal(t, "paper", got["mode"])
}

func TestServer_StartStop(t *testing.T) {
	ctrl := new(MockController)
	ctrl.On("Start", mock.Anything).Return(nil).Once()
	ctrl.On("Start", mock.Anything).Return(arbitrage.ErrAlreadyRunning).Once()
	ctrl.On("Stop").Return(nil).Once()
	ctrl.On("Stop").Return(arbitrage.ErrNotRunning).Once()
	srv := newTestServer(ctrl, nil, staticTicks{})
	defer srv.Close()

	resp, _ := do(t, srv, http.MethodPost, "/start", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body := do(t, srv, http.MethodPost, "/start", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, string(body), "already running")

	resp, _ = do(t, srv, http.MethodPost, "/stop", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, srv, http.MethodPost, "/stop", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodGet, "/start", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	ctrl.AssertExpectations(t)
}

func TestServer_UpdateConfig(t *testing.T) {
	ctrl := new(MockController)
	ctrl.On("Status").Return(arbitrage.Status{Thresholds: thresholds()})

	want := thresholds()
	want.MinNetEdgeBps = 55
	ctrl.On("UpdateThresholds", want).Return(nil).Once()

	rejected := thresholds()
	rejected.KeepaliveThresholdBps = 80
	ctrl.On("UpdateThresholds", rejected).Return(fmt.Errorf("%w: keepalive above minimum", config.ErrInvalidConfig)).Once()

	srv := newTestServer(ctrl, nil, staticTicks{})
	defer srv.Close()

	resp, body := do(t, srv, http.MethodPost, "/config", `{"min_net_edge_bps": 55}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var got config.Trading
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, want, got, "unnamed fields keep their current values")

	resp, _ = do(t, srv, http.MethodPost, "/config", `{"keepalive_threshold_bps": 80}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/config", `{"min_net_edge": 55}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unknown fields are rejected")

	resp, _ = do(t, srv, http.MethodPost, "/config", `{`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, srv, http.MethodGet, "/config", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, thresholds(), got)

	ctrl.AssertExpectations(t)
}

func TestServer_ResetAndTicks(t *testing.T) {
	ctrl := new(MockController)
	ctrl.On("ResetPaperFloats").Return(model.PaperFloats{LunoZAR: decimal.NewFromInt(20000)})
	ticks := staticTicks{
		{Timestamp: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC), Valid: true, SkipReason: model.SkipBelowThreshold},
	}
	srv := newTestServer(ctrl, nil, ticks)
	defer srv.Close()

	resp, body := do(t, srv, http.MethodPost, "/paper/reset", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"luno_zar":"20000"`)

	resp, body = do(t, srv, http.MethodGet, "/ticks", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var got []model.Tick
	require.NoError(t, json.Unmarshal(body, &got))
	require.Len(t, got, 1)
	assert.Equal(t, model.SkipBelowThreshold, got[0].SkipReason)
}

func TestServer_Opportunities(t *testing.T) {
	reports := new(MockReports)
	opp := model.Opportunity{ID: uuid.New(), Direction: model.BinanceToLuno, NetEdgeBps: 42}
	reports.On("RecentOpportunities", mock.Anything, 200).Return([]model.Opportunity{opp}, nil).Once()
	reports.On("RecentOpportunities", mock.Anything, 1000).Return(nil, nil).Once()
	reports.On("RecentOpportunities", mock.Anything, 5).Return(nil, errors.New("connection refused")).Once()

	srv := newTestServer(new(MockController), reports, staticTicks{})
	defer srv.Close()

	resp, body := do(t, srv, http.MethodGet, "/reports/opportunities", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var got []model.Opportunity
	require.NoError(t, json.Unmarshal(body, &got))
	require.Len(t, got, 1)
	assert.Equal(t, opp.ID, got[0].ID)

	resp, body = do(t, srv, http.MethodGet, "/reports/opportunities?limit=99999", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "[]\n", string(body))

	resp, body = do(t, srv, http.MethodGet, "/reports/opportunities?limit=5", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.NotContains(t, string(body), "connection refused")

	resp, _ = do(t, srv, http.MethodGet, "/reports/opportunities?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	reports.AssertExpectations(t)
}

func TestServer_OpportunitiesWithoutStore(t *testing.T) {
	srv := newTestServer(new(MockController), nil, staticTicks{})
	defer srv.Close()

	resp, _ := do(t, srv, http.MethodGet, "/reports/opportunities", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_Preflight(t *testing.T) {
	srv := newTestServer(new(MockController), nil, staticTicks{})
	defer srv.Close()

	resp, _ := do(t, srv, http.MethodOptions, "/config", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}

func TestServer_Trades(t *testing.T) {
	tradeID := uuid.New()
	executed := model.Opportunity{ID: uuid.New(), Executed: true, TradeID: &tradeID, ProfitZAR: 12.5}
	page := model.TradePage{Trades: []model.Opportunity{executed}, Total: 7, Limit: 50, Offset: 3}

	reports := new(MockReports)
	reports.On("RecentTrades", mock.Anything, 50, 3).Return(page, nil).Once()
	reports.On("RecentTrades", mock.Anything, 200, 0).Return(model.TradePage{Trades: []model.Opportunity{}, Limit: 200}, nil).Once()
	reports.On("Trade", mock.Anything, tradeID).Return(executed, nil).Once()
	reports.On("Trade", mock.Anything, mock.Anything).Return(model.Opportunity{}, database.ErrNotFound).Once()

	srv := newTestServer(new(MockController), reports, staticTicks{})
	defer srv.Close()

	resp, body := do(t, srv, http.MethodGet, "/reports/trades?offset=3", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var got model.TradePage
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, 7, got.Total)
	require.Len(t, got.Trades, 1)
	assert.Equal(t, executed.ID, got.Trades[0].ID)

	resp, _ = do(t, srv, http.MethodGet, "/reports/trades?limit=500", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "limit is clamped")

	resp, _ = do(t, srv, http.MethodGet, "/reports/trades?offset=-1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, srv, http.MethodGet, "/reports/trades/"+tradeID.String(), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var one model.Opportunity
	require.NoError(t, json.Unmarshal(body, &one))
	assert.Equal(t, 12.5, one.ProfitZAR)

	resp, _ = do(t, srv, http.MethodGet, "/reports/trades/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodGet, "/reports/trades/42", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	reports.AssertExpectations(t)
}

func TestServer_PnL(t *testing.T) {
	report := model.NewPnLReport(now.AddDate(0, 0, -7), []model.DailyPnL{
		{Date: "2026-02-09", Trades: 2, ProfitZAR: 30, VolumeZAR: 9000},
		{Date: "2026-02-10", Trades: 1, ProfitZAR: -3, VolumeZAR: 4000},
	})
	reports := new(MockReports)
	reports.On("PnL", mock.Anything, now.AddDate(0, 0, -7)).Return(report, nil).Once()
	reports.On("PnL", mock.Anything, now.AddDate(0, 0, -30)).Return(model.NewPnLReport(now.AddDate(0, 0, -30), nil), nil).Once()

	ctrl := new(MockController)
	ctrl.On("Status").Return(arbitrage.Status{PaperFloats: model.PaperFloats{
		RealizedProfitZAR: decimal.RequireFromString("27.5"),
		TradesExecuted:    3,
	}})

	srv := newTestServer(ctrl, reports, staticTicks{})
	defer srv.Close()

	resp, body := do(t, srv, http.MethodGet, "/reports/pnl?days=7", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var got struct {
		PeriodDays int              `json:"period_days"`
		Trades     int              `json:"total_trades"`
		ProfitZAR  float64          `json:"total_profit_zar"`
		Average    float64          `json:"average_profit_per_trade"`
		Daily      []model.DailyPnL `json:"daily_breakdown"`
		Session    struct {
			RealizedProfitZAR string `json:"realized_profit_zar"`
			TradesExecuted    int    `json:"trades_executed"`
		} `json:"current_session"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, 7, got.PeriodDays)
	assert.Equal(t, 3, got.Trades)
	assert.Equal(t, 27.0, got.ProfitZAR)
	assert.Equal(t, 9.0, got.Average)
	assert.Len(t, got.Daily, 2)
	assert.Equal(t, "27.5", got.Session.RealizedProfitZAR)
	assert.Equal(t, 3, got.Session.TradesExecuted)

	resp, body = do(t, srv, http.MethodGet, "/reports/pnl", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"period_days":30`)
	assert.Contains(t, string(body), `"daily_breakdown":[]`)

	for _, q := range []string{"days=0", "days=366", "days=week"} {
		resp, _ = do(t, srv, http.MethodGet, "/reports/pnl?"+q, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}

	reports.AssertExpectations(t)
}

func TestServer_Summary(t *testing.T) {
	midnight := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	tradeID := uuid.New()
	last := model.Opportunity{ID: uuid.New(), Executed: true, TradeID: &tradeID}

	reports := new(MockReports)
	reports.On("PnL", mock.Anything, time.Time{}).Return(model.NewPnLReport(time.Time{}, []model.DailyPnL{
		{Date: "2026-02-01", Trades: 4, ProfitZAR: 80},
		{Date: "2026-02-10", Trades: 1, ProfitZAR: 5},
	}), nil).Once()
	reports.On("PnL", mock.Anything, midnight).Return(model.NewPnLReport(midnight, []model.DailyPnL{
		{Date: "2026-02-10", Trades: 1, ProfitZAR: 5},
	}), nil).Once()
	reports.On("RecentTrades", mock.Anything, 1, 0).Return(model.TradePage{Trades: []model.Opportunity{last}, Total: 5, Limit: 1}, nil).Once()

	ctrl := new(MockController)
	ctrl.On("Status").Return(arbitrage.Status{Running: true, Mode: "paper"})

	srv := newTestServer(ctrl, reports, staticTicks{})
	defer srv.Close()

	resp, body := do(t, srv, http.MethodGet, "/reports/summary", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var got struct {
		AllTime struct {
			Trades    int     `json:"trade_count"`
			ProfitZAR float64 `json:"profit_zar"`
		} `json:"all_time"`
		Today struct {
			Trades    int     `json:"trade_count"`
			ProfitZAR float64 `json:"profit_zar"`
		} `json:"today"`
		LastTrade *model.Opportunity `json:"last_trade"`
		Status    struct {
			Running bool `json:"running"`
		} `json:"bot_status"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, 5, got.AllTime.Trades)
	assert.Equal(t, 85.0, got.AllTime.ProfitZAR)
	assert.Equal(t, 1, got.Today.Trades)
	require.NotNil(t, got.LastTrade)
	assert.Equal(t, last.ID, got.LastTrade.ID)
	assert.True(t, got.Status.Running)

	reports.AssertExpectations(t)
}

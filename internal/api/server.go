package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"spreadwatch/internal/arbitrage"
	"spreadwatch/internal/config"
	"spreadwatch/internal/database"
	"spreadwatch/internal/model"
)

// Controller is the command surface of the arbitrage loop.
type Controller interface {
	Start(ctx context.Context) error
	Stop() error
	Status() arbitrage.Status
	UpdateThresholds(t config.Trading) error
	ResetPaperFloats() model.PaperFloats
}

// TickSource returns the rolling window of recent ticks.
type TickSource interface {
	Recent() []model.Tick
}

// Reports reads persisted opportunities and executed trades.
type Reports interface {
	RecentOpportunities(ctx context.Context, limit int) ([]model.Opportunity, error)
	RecentTrades(ctx context.Context, limit, offset int) (model.TradePage, error)
	Trade(ctx context.Context, id uuid.UUID) (model.Opportunity, error)
	PnL(ctx context.Context, since time.Time) (model.PnLReport, error)
}

const (
	defaultPnLDays = 30
	maxPnLDays     = 365
)

// Server exposes the loop controls and reports over HTTP.
type Server struct {
	logger  *slog.Logger
	addr    string
	ctrl    Controller
	ticks   TickSource
	reports Reports
	now     func() time.Time

	// base outlives requests; a loop started over HTTP runs under it.
	base context.Context
}

func NewServer(logger *slog.Logger, addr string, ctrl Controller, ticks TickSource, reports Reports) *Server {
	return &Server{
		logger:  logger,
		addr:    addr,
		ctrl:    ctrl,
		ticks:   ticks,
		reports: reports,
		now:     time.Now,
		base:    context.Background(),
	}
}

// Handler returns the API routes wrapped in CORS headers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /start", s.handleStart)
	mux.HandleFunc("POST /stop", s.handleStop)
	mux.HandleFunc("POST /paper/reset", s.handleReset)
	mux.HandleFunc("GET /config", s.handleGetConfig)
	mux.HandleFunc("POST /config", s.handleUpdateConfig)
	mux.HandleFunc("GET /ticks", s.handleTicks)
	mux.HandleFunc("GET /reports/opportunities", s.handleOpportunities)
	mux.HandleFunc("GET /reports/trades", s.handleTrades)
	mux.HandleFunc("GET /reports/trades/{id}", s.handleTrade)
	mux.HandleFunc("GET /reports/pnl", s.handlePnL)
	mux.HandleFunc("GET /reports/summary", s.handleSummary)
	return withCORS(mux)
}

// Run serves until ctx is done. An empty addr disables the API.
func (s *Server) Run(ctx context.Context) error {
	if s.addr == "" {
		s.logger.Info("API disabled: empty addr")
		return nil
	}
	s.base = ctx

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 3 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("API server shutdown error", "error", err)
		}
	}()

	s.logger.Info("API server starting", "addr", s.addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("API server stopped")
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleStart(w http.ResponseWriter, _ *http.Request) {
	if err := s.ctrl.Start(s.base); err != nil {
		if errors.Is(err, arbitrage.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"running": true})
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	if err := s.ctrl.Stop(); err != nil {
		if errors.Is(err, arbitrage.ErrNotRunning) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"running": false})
}

func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.ResetPaperFloats())
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status().Thresholds)
}

// handleUpdateConfig merges the body into the current thresholds, so a
// partial document only changes the fields it names.
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	t := s.ctrl.Status().Thresholds
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&t); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.ctrl.UpdateThresholds(t); err != nil {
		if errors.Is(err, config.ErrInvalidConfig) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTicks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ticks.Recent())
}

func (s *Server) handleOpportunities(w http.ResponseWriter, r *http.Request) {
	if !s.hasReports(w) {
		return
	}
	limit, ok := intParam(w, r, "limit", 0)
	if !ok {
		return
	}

	opps, err := s.reports.RecentOpportunities(r.Context(), database.ClampLimit(limit))
	if err != nil {
		s.reportFailed(w, "opportunities", err)
		return
	}
	if opps == nil {
		opps = []model.Opportunity{}
	}
	writeJSON(w, http.StatusOK, opps)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if !s.hasReports(w) {
		return
	}
	limit, ok := intParam(w, r, "limit", 0)
	if !ok {
		return
	}
	offset, ok := intParam(w, r, "offset", 0)
	if !ok {
		return
	}
	if offset < 0 {
		writeError(w, http.StatusBadRequest, errors.New("offset must not be negative"))
		return
	}

	page, err := s.reports.RecentTrades(r.Context(), database.ClampTradeLimit(limit), offset)
	if err != nil {
		s.reportFailed(w, "trades", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request) {
	if !s.hasReports(w) {
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("trade id must be a uuid"))
		return
	}

	trade, err := s.reports.Trade(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, errors.New("trade not found"))
		return
	}
	if err != nil {
		s.reportFailed(w, "trade", err)
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

// sessionPnL is the in-memory ledger result since the last reset.
type sessionPnL struct {
	RealizedProfitZAR string `json:"realized_profit_zar"`
	TradesExecuted    int    `json:"trades_executed"`
}

func (s *Server) session() sessionPnL {
	floats := s.ctrl.Status().PaperFloats
	return sessionPnL{
		RealizedProfitZAR: floats.RealizedProfitZAR.String(),
		TradesExecuted:    floats.TradesExecuted,
	}
}

func (s *Server) handlePnL(w http.ResponseWriter, r *http.Request) {
	if !s.hasReports(w) {
		return
	}
	days, ok := intParam(w, r, "days", defaultPnLDays)
	if !ok {
		return
	}
	if days < 1 || days > maxPnLDays {
		writeError(w, http.StatusBadRequest, fmt.Errorf("days must be between 1 and %d", maxPnLDays))
		return
	}

	report, err := s.reports.PnL(r.Context(), s.now().UTC().AddDate(0, 0, -days))
	if err != nil {
		s.reportFailed(w, "pnl", err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		PeriodDays int `json:"period_days"`
		model.PnLReport
		CurrentSession sessionPnL `json:"current_session"`
	}{days, report, s.session()})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if !s.hasReports(w) {
		return
	}
	ctx := r.Context()
	now := s.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	allTime, err := s.reports.PnL(ctx, time.Time{})
	if err != nil {
		s.reportFailed(w, "summary", err)
		return
	}
	today, err := s.reports.PnL(ctx, midnight)
	if err != nil {
		s.reportFailed(w, "summary", err)
		return
	}
	latest, err := s.reports.RecentTrades(ctx, 1, 0)
	if err != nil {
		s.reportFailed(w, "summary", err)
		return
	}

	type totals struct {
		Trades    int     `json:"trade_count"`
		ProfitZAR float64 `json:"profit_zar"`
	}
	var lastTrade *model.Opportunity
	if len(latest.Trades) > 0 {
		lastTrade = &latest.Trades[0]
	}
	writeJSON(w, http.StatusOK, struct {
		AllTime   totals             `json:"all_time"`
		Today     totals             `json:"today"`
		LastTrade *model.Opportunity `json:"last_trade"`
		Status    arbitrage.Status   `json:"bot_status"`
	}{
		AllTime:   totals{allTime.Trades, allTime.ProfitZAR},
		Today:     totals{today.Trades, today.ProfitZAR},
		LastTrade: lastTrade,
		Status:    s.ctrl.Status(),
	})
}

func (s *Server) hasReports(w http.ResponseWriter) bool {
	if s.reports == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no opportunity store configured"))
		return false
	}
	return true
}

func (s *Server) reportFailed(w http.ResponseWriter, report string, err error) {
	s.logger.Error("Failed to load report", "report", report, "error", err)
	writeError(w, http.StatusInternalServerError, fmt.Errorf("failed to load %s", report))
}

// intParam reads an optional integer query parameter, answering 400 itself
// when it is malformed.
func intParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%s must be an integer", name))
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

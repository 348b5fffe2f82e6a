package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"spreadwatch/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS opportunities (
	id TEXT PRIMARY KEY,
	timestamp TIMESTAMP NOT NULL,
	direction TEXT NOT NULL,
	buy_exchange TEXT NOT NULL,
	sell_exchange TEXT NOT NULL,
	buy_price REAL NOT NULL,
	sell_price REAL NOT NULL,
	gross_edge_bps REAL NOT NULL,
	net_edge_bps REAL NOT NULL,
	luno_to_binance_net_bps REAL NOT NULL,
	binance_to_luno_net_bps REAL NOT NULL,
	valid BOOLEAN NOT NULL,
	is_profitable BOOLEAN NOT NULL,
	executed BOOLEAN NOT NULL,
	skip_reason TEXT NOT NULL DEFAULT '',
	size_btc REAL NOT NULL DEFAULT 0,
	size_zar REAL NOT NULL DEFAULT 0,
	profit_zar REAL NOT NULL DEFAULT 0,
	trade_id TEXT,
	luno_price_zar REAL NOT NULL,
	binance_price_usdt REAL NOT NULL,
	fx_rate REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS opportunities_timestamp_idx ON opportunities (timestamp DESC);
CREATE INDEX IF NOT EXISTS opportunities_trade_id_idx ON opportunities (trade_id) WHERE executed;`

// SQLiteRepository stores opportunities in a local SQLite file. It is the
// development fallback when no Postgres host is configured.
type SQLiteRepository struct {
	DB *sql.DB
}

// NewSQLiteRepository opens (or creates) the database file at path.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; the background writer is the only caller that writes.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return &SQLiteRepository{DB: db}, nil
}

func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	if _, err := r.DB.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) AppendOpportunity(ctx context.Context, opp model.Opportunity) error {
	query := `INSERT INTO opportunities (` + opportunityColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := r.DB.ExecContext(ctx, query, opportunityArgs(opp)...); err != nil {
		return fmt.Errorf("insert opportunity: %w", err)
	}
	return nil
}

// RecentOpportunities returns up to limit opportunities, newest first.
func (r *SQLiteRepository) RecentOpportunities(ctx context.Context, limit int) ([]model.Opportunity, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+opportunityColumns+` FROM opportunities ORDER BY timestamp DESC LIMIT ?`, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query opportunities: %w", err)
	}
	defer rows.Close()
	return collectOpportunities(rows)
}

// RecentTrades returns a page of executed trades, newest first, and the total
// number of executed trades.
func (r *SQLiteRepository) RecentTrades(ctx context.Context, limit, offset int) (model.TradePage, error) {
	page := model.TradePage{Limit: ClampTradeLimit(limit), Offset: max(offset, 0)}
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM opportunities WHERE executed`).Scan(&page.Total); err != nil {
		return page, fmt.Errorf("count trades: %w", err)
	}

	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+opportunityColumns+` FROM opportunities WHERE executed ORDER BY timestamp DESC LIMIT ? OFFSET ?`,
		page.Limit, page.Offset)
	if err != nil {
		return page, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()
	page.Trades, err = collectOpportunities(rows)
	return page, err
}

// Trade looks up an executed trade by its trade id.
func (r *SQLiteRepository) Trade(ctx context.Context, id uuid.UUID) (model.Opportunity, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+opportunityColumns+` FROM opportunities WHERE executed AND trade_id = ?`, id)
	o, err := scanOpportunity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return o, ErrNotFound
	}
	if err != nil {
		return o, fmt.Errorf("query trade: %w", err)
	}
	return o, nil
}

// PnL sums executed trades since since, broken down by UTC day. Timestamps
// are stored in UTC, so the day is the leading date of the stored text.
func (r *SQLiteRepository) PnL(ctx context.Context, since time.Time) (model.PnLReport, error) {
	rows, err := r.DB.QueryContext(ctx, `
	SELECT substr(timestamp, 1, 10) AS day, count(*),
		COALESCE(sum(profit_zar), 0), COALESCE(sum(size_zar), 0)
	FROM opportunities
	WHERE executed AND timestamp >= ?
	GROUP BY day
	ORDER BY day`, since.UTC())
	if err != nil {
		return model.PnLReport{}, fmt.Errorf("query pnl: %w", err)
	}
	defer rows.Close()

	daily, err := collectDaily(rows)
	if err != nil {
		return model.PnLReport{}, err
	}
	return model.NewPnLReport(since, daily), nil
}

func (r *SQLiteRepository) Close() error {
	return r.DB.Close()
}

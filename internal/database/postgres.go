package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"spreadwatch/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS opportunities (
	id UUID PRIMARY KEY,
	timestamp TIMESTAMPTZ NOT NULL,
	direction VARCHAR(32) NOT NULL,
	buy_exchange VARCHAR(32) NOT NULL,
	sell_exchange VARCHAR(32) NOT NULL,
	buy_price DOUBLE PRECISION NOT NULL,
	sell_price DOUBLE PRECISION NOT NULL,
	gross_edge_bps DOUBLE PRECISION NOT NULL,
	net_edge_bps DOUBLE PRECISION NOT NULL,
	luno_to_binance_net_bps DOUBLE PRECISION NOT NULL,
	binance_to_luno_net_bps DOUBLE PRECISION NOT NULL,
	valid BOOLEAN NOT NULL,
	is_profitable BOOLEAN NOT NULL,
	executed BOOLEAN NOT NULL,
	skip_reason VARCHAR(32) NOT NULL DEFAULT '',
	size_btc DOUBLE PRECISION NOT NULL DEFAULT 0,
	size_zar DOUBLE PRECISION NOT NULL DEFAULT 0,
	profit_zar DOUBLE PRECISION NOT NULL DEFAULT 0,
	trade_id UUID,
	luno_price_zar DOUBLE PRECISION NOT NULL,
	binance_price_usdt DOUBLE PRECISION NOT NULL,
	fx_rate DOUBLE PRECISION NOT NULL
);
CREATE INDEX IF NOT EXISTS opportunities_timestamp_idx ON opportunities (timestamp DESC);
CREATE INDEX IF NOT EXISTS opportunities_trade_id_idx ON opportunities (trade_id) WHERE executed;`

// PostgresRepository stores opportunities in Postgres.
type PostgresRepository struct {
	Pool *pgxpool.Pool
}

// NewPostgresRepository connects to dsn and verifies the connection.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresRepository{Pool: pool}, nil
}

func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	return nil
}

func (r *PostgresRepository) AppendOpportunity(ctx context.Context, opp model.Opportunity) error {
	query := `INSERT INTO opportunities (` + opportunityColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`
	if _, err := r.Pool.Exec(ctx, query, opportunityArgs(opp)...); err != nil {
		return fmt.Errorf("insert opportunity: %w", err)
	}
	return nil
}

// RecentOpportunities returns up to limit opportunities, newest first.
func (r *PostgresRepository) RecentOpportunities(ctx context.Context, limit int) ([]model.Opportunity, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT `+opportunityColumns+` FROM opportunities ORDER BY timestamp DESC LIMIT $1`, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query opportunities: %w", err)
	}
	defer rows.Close()
	return collectOpportunities(rows)
}

// RecentTrades returns a page of executed trades, newest first, and the total
// number of executed trades.
func (r *PostgresRepository) RecentTrades(ctx context.Context, limit, offset int) (model.TradePage, error) {
	page := model.TradePage{Limit: ClampTradeLimit(limit), Offset: max(offset, 0)}
	if err := r.Pool.QueryRow(ctx, `SELECT count(*) FROM opportunities WHERE executed`).Scan(&page.Total); err != nil {
		return page, fmt.Errorf("count trades: %w", err)
	}

	rows, err := r.Pool.Query(ctx,
		`SELECT `+opportunityColumns+` FROM opportunities WHERE executed ORDER BY timestamp DESC LIMIT $1 OFFSET $2`,
		page.Limit, page.Offset)
	if err != nil {
		return page, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()
	page.Trades, err = collectOpportunities(rows)
	return page, err
}

// Trade looks up an executed trade by its trade id.
func (r *PostgresRepository) Trade(ctx context.Context, id uuid.UUID) (model.Opportunity, error) {
	row := r.Pool.QueryRow(ctx,
		`SELECT `+opportunityColumns+` FROM opportunities WHERE executed AND trade_id = $1`, id)
	o, err := scanOpportunity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return o, ErrNotFound
	}
	if err != nil {
		return o, fmt.Errorf("query trade: %w", err)
	}
	return o, nil
}

// PnL sums executed trades since since, broken down by UTC day.
func (r *PostgresRepository) PnL(ctx context.Context, since time.Time) (model.PnLReport, error) {
	rows, err := r.Pool.Query(ctx, `
	SELECT to_char(timestamp AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, count(*),
		COALESCE(sum(profit_zar), 0), COALESCE(sum(size_zar), 0)
	FROM opportunities
	WHERE executed AND timestamp >= $1
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

func (r *PostgresRepository) Close() error {
	r.Pool.Close()
	return nil
}

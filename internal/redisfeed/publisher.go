package redisfeed

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"spreadwatch/internal/config"
	"spreadwatch/internal/model"
)

// Publisher mirrors persisted opportunities into Redis: every opportunity is
// appended to a capped stream and the newest one per direction is kept in a
// hash under LatestNS+direction.
type Publisher struct {
	rdb      *redis.Client
	stream   string
	latestNS string
	maxLen   int64
}

func NewPublisher(cfg config.RedisConfig) *Publisher {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		Username: cfg.Username,
		Password: cfg.Password,
	})
	return &Publisher{
		rdb:      rdb,
		stream:   cfg.Stream,
		latestNS: cfg.LatestNS,
		maxLen:   cfg.MaxLength,
	}
}

// Ping checks the connection.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

func (p *Publisher) AppendOpportunity(ctx context.Context, opp model.Opportunity) error {
	payload, err := json.Marshal(opp)
	if err != nil {
		return fmt.Errorf("encode opportunity: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"id":        opp.ID.String(),
			"direction": string(opp.Direction),
			"net_bps":   opp.NetEdgeBps,
			"executed":  opp.Executed,
			"payload":   payload,
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	pipe := p.rdb.TxPipeline()
	pipe.XAdd(ctx, args)
	if opp.Direction.Valid() {
		pipe.HSet(ctx, p.LatestKey(opp.Direction), map[string]interface{}{
			"id":        opp.ID.String(),
			"ts_ms":     opp.Timestamp.UnixMilli(),
			"net_bps":   opp.NetEdgeBps,
			"gross_bps": opp.GrossEdgeBps,
			"fx_rate":   opp.FxRate,
			"payload":   payload,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish opportunity: %w", err)
	}
	return nil
}

// LatestKey is the hash holding the newest opportunity for d.
func (p *Publisher) LatestKey(d model.Direction) string {
	return p.latestNS + string(d)
}

func (p *Publisher) Close() error {
	return p.rdb.Close()
}

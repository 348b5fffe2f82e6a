package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// QuoteSink receives best bid/ask updates. pricecache.Cache implements it.
type QuoteSink interface {
	UpdatePush(exchange string, bid, ask, last float64, ts time.Time) error
	UpdatePoll(exchange string, bid, ask, last float64, ts time.Time) error
}

// Feed delivers quotes for one exchange into a QuoteSink until ctx is done.
type Feed interface {
	Name() string
	Run(ctx context.Context, sink QuoteSink) error
}

var validate = validator.New()

// parsePrice reads an exchange decimal string. Empty or zero means "not set".
func parsePrice(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	return d.InexactFloat64(), nil
}

// newBackOff returns an exponential backoff that never gives up.
func newBackOff(initial, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// sleep waits for d or until ctx is done. It reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

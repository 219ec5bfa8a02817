// Package oracle reads per-chain yield and asset prices from pluggable
// sources and applies the freshness rules every consumer relies on: each
// read runs under its own deadline, and a reading that is too old or arrives
// late is reported as stale data instead of being used.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	clierr "github.com/ggonzalez94/yieldvault/internal/errors"
	"github.com/ggonzalez94/yieldvault/internal/id"
	"github.com/ggonzalez94/yieldvault/internal/join"
	"github.com/ggonzalez94/yieldvault/internal/logging"
	"github.com/ggonzalez94/yieldvault/internal/model"
	"go.uber.org/zap"
)

const (
	DefaultTimeout = 5 * time.Second
	DefaultMaxAge  = 10 * time.Minute
)

// YieldSource produces the current yield reading for one chain.
type YieldSource interface {
	Name() string
	Reading(ctx context.Context, chain id.ChainID) (model.ChainYieldReading, error)
}

// PriceSource produces the current price of an asset.
type PriceSource interface {
	Price(ctx context.Context, asset string) (model.PriceReading, error)
}

type Options struct {
	// Timeout bounds every single source call.
	Timeout time.Duration
	// MaxAge is the oldest reading still considered usable. Zero disables the check.
	MaxAge time.Duration
	Prices PriceSource
	Logger *zap.Logger
	Clock  func() time.Time
}

type Aggregator struct {
	source  YieldSource
	prices  PriceSource
	timeout time.Duration
	maxAge  time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

func NewAggregator(source YieldSource, opts Options) *Aggregator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Aggregator{
		source:  source,
		prices:  opts.Prices,
		timeout: opts.Timeout,
		maxAge:  opts.MaxAge,
		logger:  logging.OrNop(opts.Logger),
		now:     opts.Clock,
	}
}

func (a *Aggregator) SourceName() string {
	if a.source == nil {
		return ""
	}
	return a.source.Name()
}

// FetchAll reads every chain concurrently. One chain failing or timing out
// never affects the results of the others.
func (a *Aggregator) FetchAll(ctx context.Context, chains []id.ChainID) map[id.ChainID]join.Result[model.ChainYieldReading] {
	results := join.All(ctx, chains, a.Reading)
	for chain, res := range results {
		if res.Err != nil {
			a.logger.Warn("yield reading unavailable",
				zap.String("chain", chain.String()),
				zap.String("source", a.SourceName()),
				zap.Error(res.Err),
			)
		}
	}
	return results
}

// Reading performs one live read for chain and validates its freshness.
func (a *Aggregator) Reading(ctx context.Context, chain id.ChainID) (model.ChainYieldReading, error) {
	if a.source == nil {
		return model.ChainYieldReading{}, clierr.New(clierr.CodeUnavailable, "no yield source configured")
	}
	reading, err := withDeadline(ctx, a.timeout, func(ctx context.Context) (model.ChainYieldReading, error) {
		return a.source.Reading(ctx, chain)
	})
	if err != nil {
		return model.ChainYieldReading{}, a.mapErr(fmt.Sprintf("yield reading for %s", chain), err)
	}
	if reading.ChainID != chain {
		return model.ChainYieldReading{}, clierr.New(clierr.CodeUnavailable,
			fmt.Sprintf("source %s answered for chain %s instead of %s", a.source.Name(), reading.ChainID, chain))
	}
	if reading.TVL == nil {
		reading.TVL = new(big.Int)
	}
	if reading.Source == "" {
		reading.Source = a.source.Name()
	}
	if age := reading.Age(a.now()); a.maxAge > 0 && age > a.maxAge {
		return model.ChainYieldReading{}, clierr.New(clierr.CodeStale,
			fmt.Sprintf("yield reading for %s is %s old (max %s)", chain, age.Truncate(time.Second), a.maxAge))
	}
	return reading, nil
}

// FreshPrice reads the price of asset under the same deadline and age rules.
func (a *Aggregator) FreshPrice(ctx context.Context, asset string) (model.PriceReading, error) {
	if a.prices == nil {
		return model.PriceReading{}, clierr.New(clierr.CodeUnavailable, "no price source configured")
	}
	price, err := withDeadline(ctx, a.timeout, func(ctx context.Context) (model.PriceReading, error) {
		return a.prices.Price(ctx, asset)
	})
	if err != nil {
		return model.PriceReading{}, a.mapErr(fmt.Sprintf("price for %s", asset), err)
	}
	age := a.now().Sub(price.Timestamp)
	if a.maxAge > 0 && age > a.maxAge {
		return model.PriceReading{}, clierr.New(clierr.CodeStale,
			fmt.Sprintf("price for %s is %s old (max %s)", asset, age.Truncate(time.Second), a.maxAge))
	}
	return price, nil
}

func (a *Aggregator) mapErr(what string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return clierr.Wrap(clierr.CodeStale, what+" timed out", err)
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	return clierr.Wrap(clierr.CodeUnavailable, what+" failed", err)
}

// withDeadline runs fn under timeout and returns as soon as the deadline
// passes, even if fn ignores its context.
func withDeadline[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		v   T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(ctx)
		done <- outcome{v: v, err: err}
	}()
	select {
	case o := <-done:
		return o.v, o.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Package fees maps observed price volatility to a swap fee tier.
package fees

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/yieldvault/internal/errors"
	"github.com/ggonzalez94/yieldvault/internal/model"
	"github.com/shopspring/decimal"
)

var bpsScale = decimal.NewFromInt(10_000)

// Config holds three ascending volatility thresholds and the fee charged at
// each tier. All values are basis points.
type Config struct {
	LowThresholdBps    uint32 `yaml:"low_threshold_bps" json:"low_threshold_bps"`
	MediumThresholdBps uint32 `yaml:"medium_threshold_bps" json:"medium_threshold_bps"`
	HighThresholdBps   uint32 `yaml:"high_threshold_bps" json:"high_threshold_bps"`
	LowFeeBps          uint32 `yaml:"low_fee_bps" json:"low_fee_bps"`
	MediumFeeBps       uint32 `yaml:"medium_fee_bps" json:"medium_fee_bps"`
	HighFeeBps         uint32 `yaml:"high_fee_bps" json:"high_fee_bps"`
	MaxFeeBps          uint32 `yaml:"max_fee_bps" json:"max_fee_bps"`
}

func DefaultConfig() Config {
	return Config{
		LowThresholdBps:    100,
		MediumThresholdBps: 300,
		HighThresholdBps:   500,
		LowFeeBps:          1000,
		MediumFeeBps:       2000,
		HighFeeBps:         3000,
		MaxFeeBps:          10_000,
	}
}

func (c Config) Validate() error {
	if !(c.LowThresholdBps < c.MediumThresholdBps && c.MediumThresholdBps < c.HighThresholdBps) {
		return clierr.New(clierr.CodeInvalidThresholds, fmt.Sprintf(
			"volatility thresholds must be strictly ascending, got %d/%d/%d",
			c.LowThresholdBps, c.MediumThresholdBps, c.HighThresholdBps))
	}
	if !(c.LowFeeBps < c.MediumFeeBps && c.MediumFeeBps < c.HighFeeBps) {
		return clierr.New(clierr.CodeInvalidThresholds, fmt.Sprintf(
			"fee tiers must be strictly ascending, got %d/%d/%d",
			c.LowFeeBps, c.MediumFeeBps, c.HighFeeBps))
	}
	if c.MaxFeeBps > 0 && c.HighFeeBps > c.MaxFeeBps {
		return clierr.New(clierr.CodeInvalidThresholds, fmt.Sprintf(
			"high fee %d exceeds maximum %d", c.HighFeeBps, c.MaxFeeBps))
	}
	return nil
}

// CalculateVolatility returns |current-historical| / historical in basis
// points, truncated toward zero.
func CalculateVolatility(current, historical decimal.Decimal) (uint32, error) {
	if !current.IsPositive() || !historical.IsPositive() {
		return 0, clierr.New(clierr.CodeInvalidPrices, "prices must be positive")
	}
	vol := current.Sub(historical).Abs().Mul(bpsScale).Div(historical).Truncate(0)
	return clampBps(vol), nil
}

// VolatilityFromConfidence treats a price feed's confidence interval as the
// volatility estimate: confidence / price in basis points.
func VolatilityFromConfidence(price, confidence decimal.Decimal) (uint32, error) {
	if !price.IsPositive() || confidence.IsNegative() {
		return 0, clierr.New(clierr.CodeInvalidPrices, "price must be positive and confidence non-negative")
	}
	return clampBps(confidence.Mul(bpsScale).Div(price).Truncate(0)), nil
}

// FeeForVolatility picks the tier fee. The high threshold is informational:
// anything at or above the medium threshold pays the high fee.
func FeeForVolatility(volBps uint32, cfg Config) uint32 {
	switch {
	case volBps < cfg.LowThresholdBps:
		return cfg.LowFeeBps
	case volBps < cfg.MediumThresholdBps:
		return cfg.MediumFeeBps
	default:
		return cfg.HighFeeBps
	}
}

func clampBps(d decimal.Decimal) uint32 {
	if d.IsNegative() {
		return 0
	}
	if d.GreaterThan(decimal.NewFromInt(int64(^uint32(0)))) {
		return ^uint32(0)
	}
	return uint32(d.IntPart())
}

// PriceReader is the oracle view the calculator needs.
type PriceReader interface {
	FreshPrice(ctx context.Context, asset string) (model.PriceReading, error)
}

type Quote struct {
	Asset         string          `json:"asset"`
	Price         decimal.Decimal `json:"price"`
	Historical    decimal.Decimal `json:"historical,omitempty"`
	VolatilityBps uint32          `json:"volatility_bps"`
	FeeBps        uint32          `json:"fee_bps"`
}

// Calculator holds the admin-managed tier configuration.
type Calculator struct {
	mu     sync.RWMutex
	admin  common.Address
	cfg    Config
	prices PriceReader
}

func NewCalculator(admin common.Address, cfg Config, prices PriceReader) (*Calculator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Calculator{admin: admin, cfg: cfg, prices: prices}, nil
}

func (c *Calculator) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// SetConfig replaces the tiers. Only the admin may do this, and an invalid
// configuration leaves the current one in place.
func (c *Calculator) SetConfig(caller common.Address, cfg Config) error {
	if caller != c.admin {
		return clierr.New(clierr.CodeUnauthorized, "only the admin can update fee tiers")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	return nil
}

func (c *Calculator) Fee(volBps uint32) uint32 {
	return FeeForVolatility(volBps, c.Config())
}

// Quote reads a fresh price for asset. With a positive historical price the
// volatility is the move against it; otherwise the feed's confidence is used.
func (c *Calculator) Quote(ctx context.Context, asset string, historical decimal.Decimal) (Quote, error) {
	if c.prices == nil {
		return Quote{}, clierr.New(clierr.CodeUnavailable, "no price oracle configured")
	}
	p, err := c.prices.FreshPrice(ctx, asset)
	if err != nil {
		return Quote{}, err
	}
	var vol uint32
	if historical.IsPositive() {
		vol, err = CalculateVolatility(p.Price, historical)
	} else {
		vol, err = VolatilityFromConfidence(p.Price, p.Confidence)
	}
	if err != nil {
		return Quote{}, err
	}
	return Quote{
		Asset:         asset,
		Price:         p.Price,
		Historical:    historical,
		VolatilityBps: vol,
		FeeBps:        c.Fee(vol),
	}, nil
}

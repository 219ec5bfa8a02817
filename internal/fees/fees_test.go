package fees

import (
	"context"
	"testing"
	"testing/quick"
	"time"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/yieldvault/internal/errors"
	"github.com/ggonzalez94/yieldvault/internal/oracle"
	"github.com/shopspring/decimal"
)

var (
	admin   = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	mallory = common.HexToAddress("0x00000000000000000000000000000000000000ee")
)

func TestFeeTiers(t *testing.T) {
	cfg := DefaultConfig()
	cases := []struct {
		vol  uint32
		want uint32
	}{
		{0, 1000},
		{99, 1000},
		{100, 2000},
		{299, 2000},
		{300, 3000},
		{500, 3000},
		{9000, 3000},
	}
	for _, tc := range cases {
		if got := FeeForVolatility(tc.vol, cfg); got != tc.want {
			t.Fatalf("vol %d: expected fee %d, got %d", tc.vol, tc.want, got)
		}
	}
}

func TestCalculateVolatility(t *testing.T) {
	vol, err := CalculateVolatility(decimal.NewFromInt(105), decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("CalculateVolatility failed: %v", err)
	}
	if vol != 500 {
		t.Fatalf("expected 500 bps, got %d", vol)
	}
	if FeeForVolatility(vol, DefaultConfig()) != 3000 {
		t.Fatalf("expected high tier for 500 bps")
	}

	vol, err = CalculateVolatility(decimal.RequireFromString("99.999"), decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("CalculateVolatility failed: %v", err)
	}
	if vol != 0 {
		t.Fatalf("expected truncation to 0, got %d", vol)
	}

	if _, err := CalculateVolatility(decimal.Zero, decimal.NewFromInt(100)); !clierr.Is(err, clierr.CodeInvalidPrices) {
		t.Fatalf("expected invalid prices, got %v", err)
	}
	if _, err := CalculateVolatility(decimal.NewFromInt(1), decimal.NewFromInt(-1)); !clierr.Is(err, clierr.CodeInvalidPrices) {
		t.Fatalf("expected invalid prices, got %v", err)
	}
}

func TestFeeMonotoneInVolatility(t *testing.T) {
	cfg := DefaultConfig()
	prop := func(a, b uint32) bool {
		if a > b {
			a, b = b, a
		}
		return FeeForVolatility(a, cfg) <= FeeForVolatility(b, cfg)
	}
	if err := quick.Check(prop, nil); err != nil {
		t.Fatalf("fee not monotone: %v", err)
	}
}

func TestValidateRejectsNonAscending(t *testing.T) {
	bad := DefaultConfig()
	bad.MediumThresholdBps = bad.LowThresholdBps
	if err := bad.Validate(); !clierr.Is(err, clierr.CodeInvalidThresholds) {
		t.Fatalf("expected invalid thresholds, got %v", err)
	}
	bad = DefaultConfig()
	bad.HighFeeBps = bad.MediumFeeBps
	if err := bad.Validate(); !clierr.Is(err, clierr.CodeInvalidThresholds) {
		t.Fatalf("expected invalid thresholds, got %v", err)
	}
	bad = DefaultConfig()
	bad.MaxFeeBps = 2500
	if err := bad.Validate(); !clierr.Is(err, clierr.CodeInvalidThresholds) {
		t.Fatalf("expected invalid thresholds, got %v", err)
	}
}

func TestCalculatorSetConfigAdminOnly(t *testing.T) {
	calc, err := NewCalculator(admin, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewCalculator failed: %v", err)
	}
	next := DefaultConfig()
	next.HighFeeBps = 4000
	if err := calc.SetConfig(mallory, next); !clierr.Is(err, clierr.CodeUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	invalid := next
	invalid.LowThresholdBps = 1000
	if err := calc.SetConfig(admin, invalid); !clierr.Is(err, clierr.CodeInvalidThresholds) {
		t.Fatalf("expected invalid thresholds, got %v", err)
	}
	if calc.Config().HighFeeBps != 3000 {
		t.Fatal("rejected update must leave config unchanged")
	}
	if err := calc.SetConfig(admin, next); err != nil {
		t.Fatalf("SetConfig failed: %v", err)
	}
	if calc.Fee(900) != 4000 {
		t.Fatalf("expected updated high fee, got %d", calc.Fee(900))
	}
}

func TestCalculatorQuoteUsesFreshPrice(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	prices := oracle.NewStaticPriceSource()
	prices.Set("ETH", decimal.NewFromInt(2000), decimal.NewFromInt(10), now)
	agg := oracle.NewAggregator(oracle.NewStaticSource(), oracle.Options{
		MaxAge: time.Minute,
		Prices: prices,
		Clock:  func() time.Time { return now },
	})
	calc, err := NewCalculator(admin, DefaultConfig(), agg)
	if err != nil {
		t.Fatalf("NewCalculator failed: %v", err)
	}

	q, err := calc.Quote(context.Background(), "ETH", decimal.Zero)
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if q.VolatilityBps != 50 || q.FeeBps != 1000 {
		t.Fatalf("unexpected confidence quote: %+v", q)
	}

	q, err = calc.Quote(context.Background(), "ETH", decimal.NewFromInt(1900))
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if q.VolatilityBps != 526 || q.FeeBps != 3000 {
		t.Fatalf("unexpected historical quote: %+v", q)
	}
}

package oracle

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"sync"
	"time"

	clierr "github.com/ggonzalez94/yieldvault/internal/errors"
	"github.com/ggonzalez94/yieldvault/internal/id"
	"github.com/ggonzalez94/yieldvault/internal/model"
	"github.com/shopspring/decimal"
)

// StaticSource serves readings that were set explicitly. Chains without a
// reading are unavailable.
type StaticSource struct {
	mu       sync.RWMutex
	readings map[id.ChainID]model.ChainYieldReading
	failures map[id.ChainID]error
	delay    map[id.ChainID]time.Duration
}

func NewStaticSource() *StaticSource {
	return &StaticSource{
		readings: map[id.ChainID]model.ChainYieldReading{},
		failures: map[id.ChainID]error{},
		delay:    map[id.ChainID]time.Duration{},
	}
}

func (s *StaticSource) Name() string { return "static" }

// Set stores the reading for its chain, replacing any earlier one.
func (s *StaticSource) Set(r model.ChainYieldReading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.Source == "" {
		r.Source = s.Name()
	}
	s.readings[r.ChainID] = r
	delete(s.failures, r.ChainID)
}

// SetAPR is shorthand for Set with the given timestamp and no TVL.
func (s *StaticSource) SetAPR(chain id.ChainID, aprBps uint32, at time.Time) {
	s.Set(model.ChainYieldReading{ChainID: chain, APRBps: aprBps, TVL: new(big.Int), Timestamp: at})
}

// Fail makes every read for chain return err.
func (s *StaticSource) Fail(chain id.ChainID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[chain] = err
}

// Delay makes reads for chain block for d or until the context ends.
func (s *StaticSource) Delay(chain id.ChainID, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay[chain] = d
}

func (s *StaticSource) Reading(ctx context.Context, chain id.ChainID) (model.ChainYieldReading, error) {
	s.mu.RLock()
	r, ok := s.readings[chain]
	failure := s.failures[chain]
	d := s.delay[chain]
	s.mu.RUnlock()

	if d > 0 {
		select {
		case <-ctx.Done():
			return model.ChainYieldReading{}, ctx.Err()
		case <-time.After(d):
		}
	}
	if failure != nil {
		return model.ChainYieldReading{}, failure
	}
	if !ok {
		return model.ChainYieldReading{}, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("no reading for chain %s", chain))
	}
	return r, nil
}

// SimulatedSource generates plausible readings around a base APR per chain.
// It stands in for live data during local runs.
type SimulatedSource struct {
	mu      sync.Mutex
	rng     *rand.Rand
	base    map[id.ChainID]uint32
	spread  uint32
	now     func() time.Time
	baseTVL int64
}

// DefaultSimulatedBase is the base APR table used when none is configured.
var DefaultSimulatedBase = map[id.ChainID]uint32{
	1:      420,
	10:     510,
	137:    560,
	8453:   640,
	42161:  580,
	43114:  530,
	56:     470,
	167000: 690,
}

func NewSimulatedSource(seed int64, base map[id.ChainID]uint32, spreadBps uint32) *SimulatedSource {
	if len(base) == 0 {
		base = DefaultSimulatedBase
	}
	copied := make(map[id.ChainID]uint32, len(base))
	for k, v := range base {
		copied[k] = v
	}
	return &SimulatedSource{
		rng:     rand.New(rand.NewSource(seed)),
		base:    copied,
		spread:  spreadBps,
		now:     time.Now,
		baseTVL: 25_000_000,
	}
}

func (s *SimulatedSource) Name() string { return "simulated" }

func (s *SimulatedSource) WithClock(clock func() time.Time) *SimulatedSource {
	if clock != nil {
		s.now = clock
	}
	return s
}

func (s *SimulatedSource) Reading(ctx context.Context, chain id.ChainID) (model.ChainYieldReading, error) {
	if err := ctx.Err(); err != nil {
		return model.ChainYieldReading{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	base, ok := s.base[chain]
	if !ok {
		return model.ChainYieldReading{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("simulated source has no data for chain %s", chain))
	}
	apr := int64(base)
	if s.spread > 0 {
		apr += s.rng.Int63n(int64(2*s.spread)+1) - int64(s.spread)
	}
	if apr < 0 {
		apr = 0
	}
	tvl := s.baseTVL + s.rng.Int63n(s.baseTVL)
	return model.ChainYieldReading{
		ChainID:   chain,
		APRBps:    uint32(apr),
		TVL:       big.NewInt(tvl),
		Timestamp: s.now(),
		Source:    s.Name(),
	}, nil
}

// StaticPriceSource serves explicitly set prices.
type StaticPriceSource struct {
	mu     sync.RWMutex
	prices map[string]model.PriceReading
}

func NewStaticPriceSource() *StaticPriceSource {
	return &StaticPriceSource{prices: map[string]model.PriceReading{}}
}

func (s *StaticPriceSource) Set(asset string, price, confidence decimal.Decimal, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[asset] = model.PriceReading{Asset: asset, Price: price, Confidence: confidence, Timestamp: at, Source: "static"}
}

func (s *StaticPriceSource) Price(ctx context.Context, asset string) (model.PriceReading, error) {
	if err := ctx.Err(); err != nil {
		return model.PriceReading{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[asset]
	if !ok {
		return model.PriceReading{}, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("no price for %s", asset))
	}
	return p, nil
}

package oracle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggonzalez94/yieldvault/internal/cache"
	clierr "github.com/ggonzalez94/yieldvault/internal/errors"
	"github.com/ggonzalez94/yieldvault/internal/httpx"
	"github.com/ggonzalez94/yieldvault/internal/id"
	"github.com/shopspring/decimal"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	chainA id.ChainID = 8453
	chainB id.ChainID = 42161
	chainC id.ChainID = 10
)

func fixedClock(at time.Time) func() time.Time { return func() time.Time { return at } }

func TestFetchAllIsolatesFailures(t *testing.T) {
	src := NewStaticSource()
	src.SetAPR(chainA, 500, t0)
	src.SetAPR(chainB, 700, t0)
	src.Fail(chainC, errors.New("rpc down"))

	agg := NewAggregator(src, Options{Timeout: time.Second, MaxAge: time.Minute, Clock: fixedClock(t0.Add(10 * time.Second))})
	results := agg.FetchAll(context.Background(), []id.ChainID{chainA, chainB, chainC})
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if !results[chainA].OK() || results[chainA].Value.APRBps != 500 {
		t.Fatalf("unexpected chain A result: %+v", results[chainA])
	}
	if !results[chainB].OK() || results[chainB].Value.APRBps != 700 {
		t.Fatalf("unexpected chain B result: %+v", results[chainB])
	}
	if results[chainC].OK() {
		t.Fatalf("expected chain C failure, got %+v", results[chainC])
	}
	if !clierr.Is(results[chainC].Err, clierr.CodeUnavailable) {
		t.Fatalf("expected unavailable error, got %v", results[chainC].Err)
	}
}

func TestReadingOlderThanMaxAgeIsStale(t *testing.T) {
	src := NewStaticSource()
	src.SetAPR(chainA, 500, t0)

	agg := NewAggregator(src, Options{Timeout: time.Second, MaxAge: time.Minute, Clock: fixedClock(t0.Add(2 * time.Minute))})
	_, err := agg.Reading(context.Background(), chainA)
	if !clierr.Is(err, clierr.CodeStale) {
		t.Fatalf("expected stale error, got %v", err)
	}
}

func TestReadingTimeoutIsStale(t *testing.T) {
	src := NewStaticSource()
	src.SetAPR(chainA, 500, t0)
	src.SetAPR(chainB, 700, t0)
	src.Delay(chainA, 2*time.Second)

	agg := NewAggregator(src, Options{Timeout: 50 * time.Millisecond, Clock: fixedClock(t0)})
	start := time.Now()
	results := agg.FetchAll(context.Background(), []id.ChainID{chainA, chainB})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("slow chain blocked the fetch for %s", elapsed)
	}
	if !clierr.Is(results[chainA].Err, clierr.CodeStale) {
		t.Fatalf("expected timeout to surface as stale, got %v", results[chainA].Err)
	}
	if !results[chainB].OK() {
		t.Fatalf("fast chain should succeed, got %v", results[chainB].Err)
	}
}

func TestReadingRejectsMismatchedChain(t *testing.T) {
	src := NewStaticSource()
	src.SetAPR(chainA, 500, t0)
	src.readings[chainB] = src.readings[chainA]

	agg := NewAggregator(src, Options{Clock: fixedClock(t0)})
	if _, err := agg.Reading(context.Background(), chainB); err == nil {
		t.Fatal("expected mismatched chain reading to be rejected")
	}
}

func TestFreshPrice(t *testing.T) {
	prices := NewStaticPriceSource()
	prices.Set("ETH", decimal.NewFromInt(3000), decimal.NewFromInt(15), t0)

	agg := NewAggregator(NewStaticSource(), Options{MaxAge: time.Minute, Prices: prices, Clock: fixedClock(t0.Add(30 * time.Second))})
	p, err := agg.FreshPrice(context.Background(), "ETH")
	if err != nil {
		t.Fatalf("FreshPrice failed: %v", err)
	}
	if !p.Price.Equal(decimal.NewFromInt(3000)) {
		t.Fatalf("unexpected price %s", p.Price)
	}

	late := NewAggregator(NewStaticSource(), Options{MaxAge: time.Minute, Prices: prices, Clock: fixedClock(t0.Add(5 * time.Minute))})
	if _, err := late.FreshPrice(context.Background(), "ETH"); !clierr.Is(err, clierr.CodeStale) {
		t.Fatalf("expected stale price, got %v", err)
	}
	if _, err := agg.FreshPrice(context.Background(), "BTC"); err == nil {
		t.Fatal("expected missing price error")
	}
}

func TestSimulatedSourceStaysInSpread(t *testing.T) {
	src := NewSimulatedSource(7, map[id.ChainID]uint32{chainA: 500}, 50).WithClock(fixedClock(t0))
	for i := 0; i < 100; i++ {
		r, err := src.Reading(context.Background(), chainA)
		if err != nil {
			t.Fatalf("Reading failed: %v", err)
		}
		if r.APRBps < 450 || r.APRBps > 550 {
			t.Fatalf("apr %d outside spread", r.APRBps)
		}
		if r.TVL == nil || r.TVL.Sign() <= 0 {
			t.Fatalf("expected positive tvl, got %v", r.TVL)
		}
	}
	if _, err := src.Reading(context.Background(), chainB); !clierr.Is(err, clierr.CodeUnsupported) {
		t.Fatalf("expected unsupported chain, got %v", err)
	}
}

func TestDefiLlamaSourcePicksLargestPoolAndCaches(t *testing.T) {
	var hits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/pools", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte(`{
			"status":"success",
			"data":[
				{"pool":"p1","chain":"Base","project":"aave-v3","symbol":"USDC","apy":5.5,"apyBase":5.25,"tvlUsd":1000000},
				{"pool":"p2","chain":"Base","project":"aave-v3","symbol":"USDC","apy":9,"apyBase":9,"tvlUsd":1000},
				{"pool":"p3","chain":"Arbitrum","project":"aave-v3","symbol":"USDC","apy":7,"tvlUsd":500000},
				{"pool":"p4","chain":"Base","project":"curve","symbol":"USDC","apy":20,"tvlUsd":9000000}
			]
		}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tmp := t.TempDir()
	store, err := cache.Open(filepath.Join(tmp, "cache.db"), filepath.Join(tmp, "cache.lock"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	defer store.Close()

	src := NewDefiLlamaSource(httpx.New(2*time.Second, 0), DefiLlamaOptions{
		Project:  "aave-v3",
		Symbol:   "usdc",
		BaseURL:  srv.URL,
		Cache:    store,
		CacheTTL: time.Minute,
	})

	base, err := src.Reading(context.Background(), chainA)
	if err != nil {
		t.Fatalf("Reading base failed: %v", err)
	}
	if base.APRBps != 525 {
		t.Fatalf("expected 525 bps from largest base pool, got %d", base.APRBps)
	}
	if base.TVL.Int64() != 1_000_000 {
		t.Fatalf("unexpected tvl %s", base.TVL)
	}

	arb, err := src.Reading(context.Background(), chainB)
	if err != nil {
		t.Fatalf("Reading arbitrum failed: %v", err)
	}
	if arb.APRBps != 700 {
		t.Fatalf("expected fallback to total apy, got %d", arb.APRBps)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("expected pool list fetched once, got %d", got)
	}

	if _, err := src.Reading(context.Background(), chainC); !clierr.Is(err, clierr.CodeUnavailable) {
		t.Fatalf("expected no pool on optimism, got %v", err)
	}
}

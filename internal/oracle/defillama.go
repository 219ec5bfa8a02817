package oracle

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ggonzalez94/yieldvault/internal/cache"
	clierr "github.com/ggonzalez94/yieldvault/internal/errors"
	"github.com/ggonzalez94/yieldvault/internal/httpx"
	"github.com/ggonzalez94/yieldvault/internal/id"
	"github.com/ggonzalez94/yieldvault/internal/model"
)

const (
	defaultYieldsBase = "https://yields.llama.fi"
	poolsCacheKey     = "defillama:pools"
)

// DefiLlamaSource reads the yield of one project/asset market per chain from
// the DefiLlama yields API. The pool list is shared by every chain, so it is
// fetched once and kept in the cache for CacheTTL.
type DefiLlamaSource struct {
	http       *httpx.Client
	cache      *cache.Store
	yieldsBase string
	project    string
	symbol     string
	cacheTTL   time.Duration
	now        func() time.Time
}

type DefiLlamaOptions struct {
	Project  string
	Symbol   string
	BaseURL  string
	Cache    *cache.Store
	CacheTTL time.Duration
}

func NewDefiLlamaSource(client *httpx.Client, opts DefiLlamaOptions) *DefiLlamaSource {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = defaultYieldsBase
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Minute
	}
	return &DefiLlamaSource{
		http:       client,
		cache:      opts.Cache,
		yieldsBase: base,
		project:    strings.ToLower(strings.TrimSpace(opts.Project)),
		symbol:     strings.ToUpper(strings.TrimSpace(opts.Symbol)),
		cacheTTL:   opts.CacheTTL,
		now:        time.Now,
	}
}

func (s *DefiLlamaSource) Name() string { return "defillama" }

func (s *DefiLlamaSource) WithClock(clock func() time.Time) *DefiLlamaSource {
	if clock != nil {
		s.now = clock
	}
	return s
}

type poolsEnvelope struct {
	Status string      `json:"status"`
	Data   []poolEntry `json:"data"`
}

type poolEntry struct {
	Pool    string   `json:"pool"`
	Chain   string   `json:"chain"`
	Project string   `json:"project"`
	Symbol  string   `json:"symbol"`
	APYBase *float64 `json:"apyBase"`
	APY     *float64 `json:"apy"`
	TVLUSD  *float64 `json:"tvlUsd"`
}

type cachedPools struct {
	FetchedAt time.Time   `json:"fetched_at"`
	Pools     []poolEntry `json:"pools"`
}

func (s *DefiLlamaSource) Reading(ctx context.Context, chain id.ChainID) (model.ChainYieldReading, error) {
	meta := id.LookupChain(chain)
	if meta.Llama == "" {
		return model.ChainYieldReading{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("defillama has no mapping for chain %s", chain))
	}
	pools, err := s.pools(ctx)
	if err != nil {
		return model.ChainYieldReading{}, err
	}

	var (
		best    *poolEntry
		bestTVL float64
	)
	for i := range pools.Pools {
		p := &pools.Pools[i]
		if !strings.EqualFold(p.Chain, meta.Llama) {
			continue
		}
		if s.project != "" && !strings.EqualFold(p.Project, s.project) {
			continue
		}
		if s.symbol != "" && !strings.EqualFold(p.Symbol, s.symbol) {
			continue
		}
		tvl := numOrZero(p.TVLUSD)
		if best == nil || tvl > bestTVL {
			best, bestTVL = p, tvl
		}
	}
	if best == nil {
		return model.ChainYieldReading{}, clierr.New(clierr.CodeUnavailable,
			fmt.Sprintf("no %s %s pool on %s", s.project, s.symbol, meta.Name))
	}

	apy := numOrZero(best.APYBase)
	if apy <= 0 {
		apy = numOrZero(best.APY)
	}
	return model.ChainYieldReading{
		ChainID:   chain,
		APRBps:    percentToBps(apy),
		TVL:       big.NewInt(int64(math.Max(bestTVL, 0))),
		Timestamp: pools.FetchedAt,
		Source:    s.Name(),
	}, nil
}

func (s *DefiLlamaSource) pools(ctx context.Context) (cachedPools, error) {
	var cached cachedPools
	if s.cache != nil {
		if ok, err := s.cache.GetJSON(poolsCacheKey, &cached); err == nil && ok {
			return cached, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.yieldsBase+"/pools", nil)
	if err != nil {
		return cachedPools{}, clierr.Wrap(clierr.CodeInternal, "build yields request", err)
	}
	var env poolsEnvelope
	if _, err := s.http.DoJSON(ctx, req, &env); err != nil {
		return cachedPools{}, err
	}
	if len(env.Data) == 0 {
		return cachedPools{}, clierr.New(clierr.CodeUnavailable, "defillama yields returned no pools")
	}
	fresh := cachedPools{FetchedAt: s.now().UTC(), Pools: env.Data}
	if s.cache != nil {
		_ = s.cache.SetJSON(poolsCacheKey, fresh, s.cacheTTL)
	}
	return fresh, nil
}

func numOrZero(v *float64) float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return 0
	}
	return *v
}

// percentToBps converts an APY percentage (5.25) to basis points (525).
func percentToBps(pct float64) uint32 {
	if pct <= 0 {
		return 0
	}
	bps := math.Round(pct * 100)
	if bps > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(bps)
}

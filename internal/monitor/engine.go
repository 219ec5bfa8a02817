// Package monitor polls chain yields, ranks rebalance opportunities and hands
// the best one to a handler. It never moves funds itself.
package monitor

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	clierr "github.com/ggonzalez94/yieldvault/internal/errors"
	"github.com/ggonzalez94/yieldvault/internal/id"
	"github.com/ggonzalez94/yieldvault/internal/join"
	"github.com/ggonzalez94/yieldvault/internal/logging"
	"github.com/ggonzalez94/yieldvault/internal/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultPollInterval = 5 * time.Minute

type State string

const (
	StateIdle             State = "idle"
	StateEvaluating       State = "evaluating"
	StateOpportunityFound State = "opportunity_found"
	StateNoOpportunity    State = "no_opportunity"
)

var ErrCycleInProgress = clierr.New(clierr.CodeBlocked, "a decision cycle is already running")

// ErrSkipped is returned (possibly wrapped) by a Handler that chose not to act
// on an opportunity. Skipped opportunities do not count as rebalance attempts.
var ErrSkipped = errors.New("opportunity skipped")

// Fetcher reads every chain concurrently, reporting each chain separately.
type Fetcher interface {
	FetchAll(ctx context.Context, chains []id.ChainID) map[id.ChainID]join.Result[model.ChainYieldReading]
}

// Handler acts on the top-ranked opportunity of a cycle.
type Handler func(ctx context.Context, opp model.RebalanceOpportunity) error

// Gate reports whether the handler may be called at all this cycle, e.g.
// whether the vault's cooldown has elapsed.
type Gate func() bool

type AmountEstimator func(from, to id.ChainID) *big.Int

type GasEstimator func(from, to id.ChainID) *big.Int

type Options struct {
	Chains         []id.ChainID
	MinAPRDeltaBps uint32
	PollInterval   time.Duration
	Handler        Handler
	CanRebalance   Gate
	Amount         AmountEstimator
	Gas            GasEstimator
	Logger         *zap.Logger
	Clock          func() time.Time
}

type Metrics struct {
	TotalChecks          uint64   `json:"total_checks"`
	RebalancesAttempted  uint64   `json:"rebalances_attempted"`
	RebalancesSuccessful uint64   `json:"rebalances_successful"`
	RebalancesFailed     uint64   `json:"rebalances_failed"`
	AvgAPRImprovementBps uint32   `json:"avg_apr_improvement_bps"`
	TotalGasCost         *big.Int `json:"total_gas_cost"`
	// CostSaved is the annualized yield gained by successful rebalances net
	// of their estimated gas.
	CostSaved *big.Int `json:"cost_saved"`
}

type Health struct {
	LastCheck time.Time `json:"last_check"`
	Healthy   bool      `json:"healthy"`
}

// CycleReport describes one evaluation.
type CycleReport struct {
	ID            string                                 `json:"id"`
	StartedAt     time.Time                              `json:"started_at"`
	Readings      map[id.ChainID]model.ChainYieldReading `json:"readings"`
	Failed        map[id.ChainID]string                  `json:"failed,omitempty"`
	Opportunities []model.RebalanceOpportunity           `json:"opportunities"`
	Outcome       State                                  `json:"outcome"`
	HandlerError  string                                 `json:"handler_error,omitempty"`
	Skipped       string                                 `json:"skipped,omitempty"`
}

type Engine struct {
	fetcher  Fetcher
	chains   []id.ChainID
	minDelta uint32
	interval time.Duration
	handler  Handler
	gate     Gate
	amount   AmountEstimator
	gas      GasEstimator
	logger   *zap.Logger
	now      func() time.Time

	running atomic.Bool

	mu            sync.RWMutex
	state         State
	cache         map[id.ChainID]model.ChainYieldReading
	opportunities []model.RebalanceOpportunity
	lastCheck     time.Time
	metrics       Metrics
	improvement   uint64
}

func NewEngine(fetcher Fetcher, opts Options) *Engine {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Amount == nil {
		opts.Amount = func(_, _ id.ChainID) *big.Int { return new(big.Int) }
	}
	if opts.Gas == nil {
		opts.Gas = StaticGas(nil)
	}
	chains := append([]id.ChainID(nil), opts.Chains...)
	id.SortChains(chains)
	return &Engine{
		fetcher:  fetcher,
		chains:   chains,
		minDelta: opts.MinAPRDeltaBps,
		interval: opts.PollInterval,
		handler:  opts.Handler,
		gate:     opts.CanRebalance,
		amount:   opts.Amount,
		gas:      opts.Gas,
		logger:   logging.OrNop(opts.Logger),
		now:      opts.Clock,
		state:    StateIdle,
		cache:    map[id.ChainID]model.ChainYieldReading{},
		metrics:  Metrics{TotalGasCost: new(big.Int), CostSaved: new(big.Int)},
	}
}

// RunCycle performs one evaluation. It fails with ErrCycleInProgress when
// another cycle has not finished yet.
func (e *Engine) RunCycle(ctx context.Context) (CycleReport, error) {
	if !e.running.CompareAndSwap(false, true) {
		return CycleReport{}, ErrCycleInProgress
	}
	defer e.running.Store(false)
	defer e.setState(StateIdle)
	e.setState(StateEvaluating)

	report := CycleReport{
		ID:        uuid.NewString(),
		StartedAt: e.now(),
		Readings:  map[id.ChainID]model.ChainYieldReading{},
		Failed:    map[id.ChainID]string{},
	}
	log := e.logger.With(zap.String("cycle", report.ID))

	results := e.fetcher.FetchAll(ctx, e.chains)
	fresh, failed := join.Partition(results)
	for chain, err := range failed {
		report.Failed[chain] = err.Error()
	}
	report.Readings = fresh
	report.Opportunities = e.rank(fresh)

	e.mu.Lock()
	for chain, r := range fresh {
		e.cache[chain] = r
	}
	e.opportunities = report.Opportunities
	e.lastCheck = e.now()
	e.metrics.TotalChecks++
	e.mu.Unlock()

	if len(report.Opportunities) == 0 {
		report.Outcome = StateNoOpportunity
		e.setState(StateNoOpportunity)
		log.Debug("no opportunity", zap.Int("chains", len(fresh)), zap.Int("failed", len(failed)))
		return report, nil
	}
	report.Outcome = StateOpportunityFound
	e.setState(StateOpportunityFound)
	top := report.Opportunities[0]
	log.Info("opportunity found",
		zap.String("from", top.FromChain.String()),
		zap.String("to", top.ToChain.String()),
		zap.Uint32("delta_bps", top.APRDeltaBps),
		zap.Int("candidates", len(report.Opportunities)),
	)
	if e.handler == nil {
		return report, nil
	}
	if e.gate != nil && !e.gate() {
		report.Skipped = "cooldown"
		log.Debug("cooldown active; not rebalancing")
		return report, nil
	}
	if err := e.handler(ctx, top); err != nil {
		if errors.Is(err, ErrSkipped) {
			report.Skipped = err.Error()
			log.Debug("handler skipped opportunity", zap.Error(err))
			return report, nil
		}
		report.HandlerError = err.Error()
		e.record(top, false)
		log.Warn("rebalance failed", zap.Error(err))
		return report, nil
	}
	e.record(top, true)
	return report, nil
}

// rank builds one candidate per unordered chain pair, from the lower to the
// strictly higher APR, and orders them best first.
func (e *Engine) rank(readings map[id.ChainID]model.ChainYieldReading) []model.RebalanceOpportunity {
	chains := make([]id.ChainID, 0, len(readings))
	for chain := range readings {
		chains = append(chains, chain)
	}
	id.SortChains(chains)

	out := make([]model.RebalanceOpportunity, 0)
	for i := 0; i < len(chains); i++ {
		for j := i + 1; j < len(chains); j++ {
			a, b := readings[chains[i]], readings[chains[j]]
			if a.APRBps == b.APRBps {
				continue
			}
			from, to := a, b
			if a.APRBps > b.APRBps {
				from, to = b, a
			}
			delta := to.APRBps - from.APRBps
			if delta < e.minDelta {
				continue
			}
			out = append(out, model.RebalanceOpportunity{
				FromChain:       from.ChainID,
				ToChain:         to.ChainID,
				FromAPRBps:      from.APRBps,
				ToAPRBps:        to.APRBps,
				APRDeltaBps:     delta,
				EstimatedAmount: orZero(e.amount(from.ChainID, to.ChainID)),
				EstimatedGas:    orZero(e.gas(from.ChainID, to.ChainID)),
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].APRDeltaBps != out[j].APRDeltaBps {
			return out[i].APRDeltaBps > out[j].APRDeltaBps
		}
		if c := out[i].EstimatedAmount.Cmp(out[j].EstimatedAmount); c != 0 {
			return c > 0
		}
		if out[i].ToChain != out[j].ToChain {
			return out[i].ToChain < out[j].ToChain
		}
		return out[i].FromChain < out[j].FromChain
	})
	return out
}

func (e *Engine) record(opp model.RebalanceOpportunity, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics.RebalancesAttempted++
	if !ok {
		e.metrics.RebalancesFailed++
		return
	}
	e.metrics.RebalancesSuccessful++
	e.improvement += uint64(opp.APRDeltaBps)
	e.metrics.AvgAPRImprovementBps = uint32(e.improvement / e.metrics.RebalancesSuccessful)
	e.metrics.TotalGasCost.Add(e.metrics.TotalGasCost, opp.EstimatedGas)

	gain := new(big.Int).Mul(opp.EstimatedAmount, big.NewInt(int64(opp.APRDeltaBps)))
	gain.Quo(gain, big.NewInt(10_000))
	gain.Sub(gain, opp.EstimatedGas)
	if gain.Sign() > 0 {
		e.metrics.CostSaved.Add(e.metrics.CostSaved, gain)
	}
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Opportunities returns the ranked list from the last completed cycle.
func (e *Engine) Opportunities() []model.RebalanceOpportunity {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.RebalanceOpportunity, len(e.opportunities))
	copy(out, e.opportunities)
	return out
}

// CachedReadings returns the last successful reading per chain. It does not
// touch the network, so repeated calls between polls return the same data.
func (e *Engine) CachedReadings() map[id.ChainID]model.ChainYieldReading {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[id.ChainID]model.ChainYieldReading, len(e.cache))
	for k, v := range e.cache {
		out[k] = v
	}
	return out
}

func (e *Engine) Metrics() Metrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m := e.metrics
	m.TotalGasCost = new(big.Int).Set(e.metrics.TotalGasCost)
	m.CostSaved = new(big.Int).Set(e.metrics.CostSaved)
	return m
}

// Health is healthy while the last check is younger than two poll intervals.
func (e *Engine) Health() Health {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastCheck.IsZero() {
		return Health{}
	}
	return Health{LastCheck: e.lastCheck, Healthy: e.now().Sub(e.lastCheck) < 2*e.interval}
}

func (e *Engine) PollInterval() time.Duration { return e.interval }

// StaticGas returns a per-destination gas estimator. Unknown chains cost
// nothing.
func StaticGas(table map[id.ChainID]*big.Int) GasEstimator {
	return func(_, to id.ChainID) *big.Int {
		if v, ok := table[to]; ok && v != nil {
			return new(big.Int).Set(v)
		}
		return new(big.Int)
	}
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

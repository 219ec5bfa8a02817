// Package transfer gates outbound cross-chain value movement. Every attempt
// passes, in this order, the emergency switch, the destination's circuit
// breaker, the caller's agent authorization and a live APR re-check before
// the source ledger is debited and the message is handed to the transport.
package transfer

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ggonzalez94/yieldvault/internal/agent"
	clierr "github.com/ggonzalez94/yieldvault/internal/errors"
	"github.com/ggonzalez94/yieldvault/internal/id"
	"github.com/ggonzalez94/yieldvault/internal/join"
	"github.com/ggonzalez94/yieldvault/internal/logging"
	"github.com/ggonzalez94/yieldvault/internal/model"
	"github.com/ggonzalez94/yieldvault/internal/transport"
	"go.uber.org/zap"
)

const DefaultAckTimeout = 10 * time.Second

// Source is the ledger funds leave from.
type Source interface {
	VaultID() string
	HomeChain() id.ChainID
	Liquid() *big.Int
	Deploy(dest id.ChainID, amount *big.Int) error
}

// APRReader performs a live yield read for one chain.
type APRReader interface {
	Reading(ctx context.Context, chain id.ChainID) (model.ChainYieldReading, error)
}

type Agents interface {
	CheckSpend(agentID common.Address, want agent.Capability, amount *big.Int) error
	Spend(agentID common.Address, want agent.Capability, amount *big.Int) error
	Refund(agentID common.Address, amount *big.Int)
}

type Journal interface {
	Append(rec model.TransferRecord) error
	AppendAll(recs []model.TransferRecord) error
	Update(txRef string, at time.Time, mutate func(*model.TransferRecord) error) (model.TransferRecord, error)
	Transition(txRef string, status model.TransferStatus, reason string, at time.Time) (model.TransferRecord, error)
	Get(txRef string) (model.TransferRecord, error)
}

type Options struct {
	Admin          common.Address
	MinAPRDeltaBps uint32
	AckTimeout     time.Duration
	Sink           model.EventSink
	Logger         *zap.Logger
	Clock          func() time.Time
}

// BreakerState is the admin-controlled kill switch configuration.
type BreakerState struct {
	PerChain      map[id.ChainID]bool `json:"per_chain"`
	EmergencyMode bool                `json:"emergency_mode"`
}

type Authorizer struct {
	admin      common.Address
	minDelta   uint32
	ackTimeout time.Duration

	mu        sync.RWMutex
	breakers  map[id.ChainID]bool
	emergency bool

	oracle  APRReader
	agents  Agents
	journal Journal
	channel transport.Channel
	sink    model.EventSink
	logger  *zap.Logger
	now     func() time.Time
	nonce   atomic.Uint64
}

func NewAuthorizer(oracle APRReader, agents Agents, journal Journal, channel transport.Channel, opts Options) *Authorizer {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.Sink == nil {
		opts.Sink = model.NopSink{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Authorizer{
		admin:      opts.Admin,
		minDelta:   opts.MinAPRDeltaBps,
		ackTimeout: opts.AckTimeout,
		breakers:   map[id.ChainID]bool{},
		oracle:     oracle,
		agents:     agents,
		journal:    journal,
		channel:    channel,
		sink:       opts.Sink,
		logger:     logging.OrNop(opts.Logger),
		now:        opts.Clock,
	}
}

func (a *Authorizer) MinAPRDeltaBps() uint32 { return a.minDelta }

// ToggleCircuitBreaker blocks or unblocks transfers to chain. It applies to
// the next check; transfers already dispatched are unaffected.
func (a *Authorizer) ToggleCircuitBreaker(caller common.Address, chain id.ChainID, on bool) error {
	if caller != a.admin {
		return clierr.New(clierr.CodeUnauthorized, "only the admin can toggle circuit breakers")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if on {
		a.breakers[chain] = true
	} else {
		delete(a.breakers, chain)
	}
	a.logger.Info("circuit breaker toggled", zap.String("chain", chain.String()), zap.Bool("active", on))
	return nil
}

func (a *Authorizer) ActivateEmergencyMode(caller common.Address) error {
	return a.setEmergency(caller, true)
}

func (a *Authorizer) DeactivateEmergencyMode(caller common.Address) error {
	return a.setEmergency(caller, false)
}

func (a *Authorizer) setEmergency(caller common.Address, on bool) error {
	if caller != a.admin {
		return clierr.New(clierr.CodeUnauthorized, "only the admin can change emergency mode")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.emergency = on
	a.logger.Warn("emergency mode changed", zap.Bool("active", on))
	return nil
}

func (a *Authorizer) State() BreakerState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := BreakerState{PerChain: make(map[id.ChainID]bool, len(a.breakers)), EmergencyMode: a.emergency}
	for k, v := range a.breakers {
		out.PerChain[k] = v
	}
	return out
}

// RestoreState loads persisted breaker flags.
func (a *Authorizer) RestoreState(st BreakerState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.breakers = map[id.ChainID]bool{}
	for k, v := range st.PerChain {
		if v {
			a.breakers[k] = true
		}
	}
	a.emergency = st.EmergencyMode
}

func (a *Authorizer) checkSwitches(dest id.ChainID) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.emergency {
		return clierr.New(clierr.CodeEmergencyModeActive, "emergency mode is active; outbound transfers are blocked")
	}
	if a.breakers[dest] {
		return clierr.New(clierr.CodeCircuitBreakerActive, fmt.Sprintf("circuit breaker is active for %s", dest))
	}
	return nil
}

// aprGate re-reads home and destination yields live and requires the
// destination to beat home by at least the configured delta.
func (a *Authorizer) aprGate(ctx context.Context, home id.ChainID, dests []id.ChainID) (map[id.ChainID]model.ChainYieldReading, error) {
	chains := append([]id.ChainID{home}, dests...)
	results := join.All(ctx, chains, a.oracle.Reading)
	readings := make(map[id.ChainID]model.ChainYieldReading, len(results))
	for _, chain := range chains {
		res := results[chain]
		if res.Err != nil {
			if clierr.Is(res.Err, clierr.CodeStale) {
				return nil, res.Err
			}
			return nil, clierr.Wrap(clierr.CodeStale, fmt.Sprintf("live APR for %s unavailable", chain), res.Err)
		}
		readings[chain] = res.Value
	}
	homeAPR := int64(readings[home].APRBps)
	for _, dest := range dests {
		delta := int64(readings[dest].APRBps) - homeAPR
		if delta < int64(a.minDelta) {
			return nil, clierr.New(clierr.CodeInsufficientAPRImprovement, fmt.Sprintf(
				"%s APR %d bps improves on %s APR %d bps by %d bps, below the %d bps minimum",
				dest, readings[dest].APRBps, home, homeAPR, delta, a.minDelta))
		}
	}
	return readings, nil
}

// nextRef derives a unique transfer reference.
func (a *Authorizer) nextRef(vaultID string, dest id.ChainID, amount *big.Int, at time.Time) string {
	buf := make([]byte, 0, 64)
	buf = append(buf, vaultID...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(dest))
	buf = append(buf, amount.Bytes()...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(at.UnixNano()))
	buf = binary.BigEndian.AppendUint64(buf, a.nonce.Add(1))
	return crypto.Keccak256Hash(buf).Hex()
}

func (a *Authorizer) reject(vaultID string, dest id.ChainID, err error) error {
	a.logger.Info("transfer rejected",
		zap.String("vault", vaultID),
		zap.String("dest", dest.String()),
		zap.String("reason", clierr.TypeName(codeOf(err))),
		zap.Error(err),
	)
	return err
}

func codeOf(err error) clierr.Code {
	if e, ok := clierr.As(err); ok {
		return e.Code
	}
	return clierr.CodeInternal
}

// Package vault is the entry point for every state-changing operation on a
// single vault. It serializes them behind one lock so that balance checks,
// debits and cooldown bookkeeping never interleave.
package vault

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/yieldvault/internal/agent"
	"github.com/ggonzalez94/yieldvault/internal/cooldown"
	clierr "github.com/ggonzalez94/yieldvault/internal/errors"
	"github.com/ggonzalez94/yieldvault/internal/id"
	"github.com/ggonzalez94/yieldvault/internal/ledger"
	"github.com/ggonzalez94/yieldvault/internal/logging"
	"github.com/ggonzalez94/yieldvault/internal/model"
	"github.com/ggonzalez94/yieldvault/internal/monitor"
	"github.com/ggonzalez94/yieldvault/internal/transfer"
	"go.uber.org/zap"
)

// SnapshotStore persists vault state between processes.
type SnapshotStore interface {
	SaveSnapshot(vaultID string, v any, at time.Time) error
	LoadSnapshot(vaultID string, out any) (bool, error)
}

type Options struct {
	// Store, when set, receives a snapshot after every successful mutation.
	Store SnapshotStore
	// RebalanceAgent acts for the decision engine in HandleOpportunity.
	RebalanceAgent common.Address
	Logger         *zap.Logger
	Clock          func() time.Time
}

type Vault struct {
	mu       sync.Mutex
	ledger   *ledger.Ledger
	agents   *agent.Manager
	cooldown *cooldown.Limiter
	auth     *transfer.Authorizer

	store          SnapshotStore
	rebalanceAgent common.Address
	logger         *zap.Logger
	now            func() time.Time
}

func New(l *ledger.Ledger, agents *agent.Manager, limiter *cooldown.Limiter, auth *transfer.Authorizer, opts Options) *Vault {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Vault{
		ledger:         l,
		agents:         agents,
		cooldown:       limiter,
		auth:           auth,
		store:          opts.Store,
		rebalanceAgent: opts.RebalanceAgent,
		logger:         logging.OrNop(opts.Logger).With(zap.String("vault", l.VaultID())),
		now:            opts.Clock,
	}
}

func (v *Vault) ID() string             { return v.ledger.VaultID() }
func (v *Vault) HomeChain() id.ChainID  { return v.ledger.HomeChain() }
func (v *Vault) Liquid() *big.Int       { return v.ledger.Liquid() }
func (v *Vault) Owner() common.Address  { return v.agents.Owner() }
func (v *Vault) Ledger() *ledger.Ledger { return v.ledger }

func (v *Vault) Deposit(owner common.Address, amount *big.Int) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	shares, err := v.ledger.Deposit(owner, amount)
	if err != nil {
		return nil, err
	}
	v.logger.Info("deposit", zap.String("owner", owner.Hex()), zap.String("amount", amount.String()), zap.String("shares", shares.String()))
	return shares, v.saveLocked()
}

func (v *Vault) Withdraw(owner common.Address, shares *big.Int) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	amount, err := v.ledger.Withdraw(owner, shares)
	if err != nil {
		return nil, err
	}
	v.logger.Info("withdraw", zap.String("owner", owner.Hex()), zap.String("shares", shares.String()), zap.String("amount", amount.String()))
	return amount, v.saveLocked()
}

// Recall moves funds deployed on chain back into the liquid balance. Only the
// owner may call it.
func (v *Vault) Recall(caller common.Address, chain id.ChainID, amount *big.Int) error {
	if caller != v.agents.Owner() {
		return clierr.New(clierr.CodeUnauthorized, "only the vault owner can recall funds")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.ledger.Recall(chain, amount); err != nil {
		return err
	}
	return v.saveLocked()
}

// Accrue books realized yield on chain. Only the owner may call it.
func (v *Vault) Accrue(caller common.Address, chain id.ChainID, amount *big.Int) error {
	if caller != v.agents.Owner() {
		return clierr.New(clierr.CodeUnauthorized, "only the vault owner can book yield")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.ledger.Accrue(chain, amount); err != nil {
		return err
	}
	return v.saveLocked()
}

func (v *Vault) AuthorizeAgent(caller, agentID common.Address, limit *big.Int, duration time.Duration) (agent.Authorization, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	grant, err := v.agents.Authorize(caller, agentID, limit, duration)
	if err != nil {
		return agent.Authorization{}, err
	}
	return grant, v.saveLocked()
}

func (v *Vault) RevokeAgent(caller, agentID common.Address) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.agents.Revoke(caller, agentID); err != nil {
		return err
	}
	return v.saveLocked()
}

func (v *Vault) Agents() []agent.Authorization { return v.agents.List() }

func (v *Vault) AgentAuthorization(agentID common.Address) (agent.Authorization, bool) {
	return v.agents.Get(agentID)
}

// Rebalance moves amount, or the whole liquid balance when amount is nil, to
// target. The cooldown check, the debit and the cooldown mark happen under the
// vault lock.
func (v *Vault) Rebalance(ctx context.Context, agentID common.Address, target id.ChainID, amount *big.Int) (model.TransferRecord, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.cooldown.Check(v.ID()); err != nil {
		return model.TransferRecord{}, err
	}
	if amount == nil {
		amount = v.ledger.Liquid()
	}
	rec, err := v.auth.SendWithAPRCheck(ctx, v.ledger, transfer.SendRequest{
		DestChain: target,
		Amount:    amount,
		Agent:     agentID,
		Kind:      model.TransferKindRebalance,
	})
	if err != nil {
		return model.TransferRecord{}, err
	}
	at := v.cooldown.MarkRebalanced(v.ID())
	v.ledger.MarkRebalanced(at)
	v.logger.Info("rebalanced",
		zap.String("target", target.String()),
		zap.String("amount", amount.String()),
		zap.String("tx_ref", rec.TxRef),
		zap.String("status", string(rec.Status)),
	)
	return rec, v.saveLocked()
}

// CanRebalance reports whether the vault's cooldown has elapsed.
func (v *Vault) CanRebalance() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cooldown.CanRebalance(v.ID())
}

// HandleOpportunity rebalances toward the opportunity's destination on behalf
// of the configured rebalance agent. Opportunities pointing at the home chain,
// or arriving while nothing is liquid, move no funds and return
// monitor.ErrSkipped.
func (v *Vault) HandleOpportunity(ctx context.Context, opp model.RebalanceOpportunity) error {
	if opp.ToChain == v.HomeChain() {
		return fmt.Errorf("%w: target %s is the home chain", monitor.ErrSkipped, opp.ToChain)
	}
	amount := v.ledger.Liquid()
	if amount.Sign() == 0 {
		return fmt.Errorf("%w: no liquid balance", monitor.ErrSkipped)
	}
	if opp.EstimatedAmount != nil && opp.EstimatedAmount.Sign() > 0 && opp.EstimatedAmount.Cmp(amount) < 0 {
		amount = new(big.Int).Set(opp.EstimatedAmount)
	}
	rec, err := v.Rebalance(ctx, v.rebalanceAgent, opp.ToChain, amount)
	if err != nil {
		return err
	}
	if rec.Status == model.TransferStatusFailed {
		return clierr.New(clierr.CodeUnavailable, fmt.Sprintf("rebalance %s dispatch failed: %s", rec.TxRef, rec.Error))
	}
	return nil
}

func (v *Vault) SendWithAPRCheck(ctx context.Context, req transfer.SendRequest) (model.TransferRecord, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, err := v.auth.SendWithAPRCheck(ctx, v.ledger, req)
	if err != nil {
		return model.TransferRecord{}, err
	}
	return rec, v.saveLocked()
}

func (v *Vault) BatchSend(ctx context.Context, req transfer.BatchRequest) (transfer.BatchResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	res, err := v.auth.BatchSend(ctx, v.ledger, req)
	if err != nil && len(res.Records) == 0 {
		return res, err
	}
	if serr := v.saveLocked(); serr != nil && err == nil {
		err = serr
	}
	return res, err
}

func (v *Vault) Confirm(txRef string) (model.TransferRecord, error) { return v.auth.Confirm(txRef) }

func (v *Vault) Fail(txRef, reason string) (model.TransferRecord, error) {
	return v.auth.Fail(txRef, reason)
}

func (v *Vault) ToggleCircuitBreaker(caller common.Address, chain id.ChainID, on bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.auth.ToggleCircuitBreaker(caller, chain, on); err != nil {
		return err
	}
	return v.saveLocked()
}

func (v *Vault) SetEmergencyMode(caller common.Address, on bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	var err error
	if on {
		err = v.auth.ActivateEmergencyMode(caller)
	} else {
		err = v.auth.DeactivateEmergencyMode(caller)
	}
	if err != nil {
		return err
	}
	return v.saveLocked()
}

type Status struct {
	VaultID           string                `json:"vault_id"`
	HomeChain         string                `json:"home_chain"`
	Owner             string                `json:"owner"`
	State             ledger.State          `json:"state"`
	Deployed          map[string]*big.Int   `json:"deployed"`
	Accounts          []ledger.Account      `json:"accounts"`
	Breakers          transfer.BreakerState `json:"breakers"`
	CooldownRemaining string                `json:"cooldown_remaining"`
	CanRebalance      bool                  `json:"can_rebalance"`
}

func (v *Vault) Status() Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	deployed := map[string]*big.Int{}
	for chain, amt := range v.ledger.Positions() {
		deployed[chain.CAIP2()] = amt
	}
	rem := v.cooldown.Remaining(v.ID())
	return Status{
		VaultID:           v.ID(),
		HomeChain:         v.HomeChain().CAIP2(),
		Owner:             v.agents.Owner().Hex(),
		State:             v.ledger.State(),
		Deployed:          deployed,
		Accounts:          v.ledger.Accounts(),
		Breakers:          v.auth.State(),
		CooldownRemaining: rem.Round(time.Second).String(),
		CanRebalance:      rem == 0,
	}
}

// Package ledger keeps share-based accounting for one vault. Deposits mint
// shares against total assets, withdrawals burn them, and funds moved to
// other chains stay part of total assets so the share price is unaffected by
// where the money sits.
package ledger

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/yieldvault/internal/errors"
	"github.com/ggonzalez94/yieldvault/internal/id"
	"github.com/ggonzalez94/yieldvault/internal/model"
)

// Payout delivers withdrawn assets to their owner.
type Payout func(owner common.Address, amount *big.Int) error

type Account struct {
	Owner  common.Address `json:"owner"`
	Shares *big.Int       `json:"shares"`
}

type State struct {
	TotalDeposits   *big.Int  `json:"total_deposits"`
	TotalShares     *big.Int  `json:"total_shares"`
	TotalAssets     *big.Int  `json:"total_assets"`
	Liquid          *big.Int  `json:"liquid"`
	LastRebalanceAt time.Time `json:"last_rebalance_at,omitempty"`
}

type Options struct {
	Sink   model.EventSink
	Payout Payout
	Clock  func() time.Time
}

type Ledger struct {
	mu        sync.RWMutex
	vaultID   string
	homeChain id.ChainID

	accounts      map[common.Address]*big.Int
	totalDeposits *big.Int
	totalShares   *big.Int
	liquid        *big.Int
	deployed      map[id.ChainID]*big.Int
	lastRebalance time.Time

	sink   model.EventSink
	payout Payout
	now    func() time.Time
}

func New(vaultID string, homeChain id.ChainID, opts Options) *Ledger {
	if opts.Sink == nil {
		opts.Sink = model.NopSink{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Ledger{
		vaultID:       vaultID,
		homeChain:     homeChain,
		accounts:      map[common.Address]*big.Int{},
		totalDeposits: new(big.Int),
		totalShares:   new(big.Int),
		liquid:        new(big.Int),
		deployed:      map[id.ChainID]*big.Int{},
		sink:          opts.Sink,
		payout:        opts.Payout,
		now:           opts.Clock,
	}
}

func (l *Ledger) VaultID() string       { return l.vaultID }
func (l *Ledger) HomeChain() id.ChainID { return l.homeChain }

// Deposit mints shares for amount. The first deposit into an empty vault is
// 1:1; later ones are proportional to total assets.
func (l *Ledger) Deposit(owner common.Address, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, clierr.New(clierr.CodeInvalidAmount, "deposit amount must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var shares *big.Int
	if l.totalShares.Sign() == 0 {
		shares = new(big.Int).Set(amount)
	} else {
		assets := l.totalAssetsLocked()
		if assets.Sign() == 0 {
			return nil, clierr.New(clierr.CodeInternal, "vault has outstanding shares but no assets")
		}
		shares = new(big.Int).Mul(amount, l.totalShares)
		shares.Quo(shares, assets)
		if shares.Sign() == 0 {
			return nil, clierr.New(clierr.CodeInvalidAmount, "deposit too small to mint a share")
		}
	}

	l.liquid.Add(l.liquid, amount)
	l.totalDeposits.Add(l.totalDeposits, amount)
	l.totalShares.Add(l.totalShares, shares)
	bal, ok := l.accounts[owner]
	if !ok {
		bal = new(big.Int)
		l.accounts[owner] = bal
	}
	bal.Add(bal, shares)

	l.sink.Emit(model.Event{
		Type:    model.EventDeposit,
		VaultID: l.vaultID,
		At:      l.now(),
		Fields: map[string]string{
			"owner":  owner.Hex(),
			"amount": amount.String(),
			"shares": shares.String(),
		},
	})
	return new(big.Int).Set(shares), nil
}

// Withdraw burns shares and pays out their value from liquid assets.
func (l *Ledger) Withdraw(owner common.Address, shares *big.Int) (*big.Int, error) {
	if shares == nil || shares.Sign() <= 0 {
		return nil, clierr.New(clierr.CodeInvalidAmount, "withdraw shares must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	bal := l.accounts[owner]
	if bal == nil || shares.Cmp(bal) > 0 {
		have := "0"
		if bal != nil {
			have = bal.String()
		}
		return nil, clierr.New(clierr.CodeInsufficientShares, fmt.Sprintf("requested %s shares, account holds %s", shares, have))
	}

	amount := new(big.Int).Mul(shares, l.totalAssetsLocked())
	amount.Quo(amount, l.totalShares)
	if amount.Cmp(l.liquid) > 0 {
		return nil, clierr.New(clierr.CodeInsufficientBalance, fmt.Sprintf("withdrawal of %s exceeds liquid balance %s", amount, l.liquid))
	}
	if l.payout != nil {
		if err := l.payout(owner, new(big.Int).Set(amount)); err != nil {
			return nil, clierr.Wrap(clierr.CodeUnavailable, "pay out withdrawal", err)
		}
	}

	bal.Sub(bal, shares)
	if bal.Sign() == 0 {
		delete(l.accounts, owner)
	}
	l.totalShares.Sub(l.totalShares, shares)
	l.liquid.Sub(l.liquid, amount)
	l.totalDeposits.Sub(l.totalDeposits, amount)
	if l.totalDeposits.Sign() < 0 {
		l.totalDeposits.SetInt64(0)
	}

	l.sink.Emit(model.Event{
		Type:    model.EventWithdraw,
		VaultID: l.vaultID,
		At:      l.now(),
		Fields: map[string]string{
			"owner":  owner.Hex(),
			"amount": amount.String(),
			"shares": shares.String(),
		},
	})
	return amount, nil
}

// Deploy moves amount of liquid assets to dest. Total assets are unchanged.
func (l *Ledger) Deploy(dest id.ChainID, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return clierr.New(clierr.CodeInvalidAmount, "deploy amount must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if amount.Cmp(l.liquid) > 0 {
		return clierr.New(clierr.CodeInsufficientBalance, fmt.Sprintf("amount %s exceeds liquid balance %s", amount, l.liquid))
	}
	l.liquid.Sub(l.liquid, amount)
	l.addDeployedLocked(dest, amount)
	return nil
}

// Recall brings amount deployed on chain back into liquid assets.
func (l *Ledger) Recall(chain id.ChainID, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return clierr.New(clierr.CodeInvalidAmount, "recall amount must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.deployed[chain]
	if cur == nil || amount.Cmp(cur) > 0 {
		return clierr.New(clierr.CodeInsufficientBalance, fmt.Sprintf("chain %s holds less than %s", chain, amount))
	}
	cur.Sub(cur, amount)
	if cur.Sign() == 0 {
		delete(l.deployed, chain)
	}
	l.liquid.Add(l.liquid, amount)
	return nil
}

// Accrue books yield earned on chain. It raises total assets and therefore
// the value of every share.
func (l *Ledger) Accrue(chain id.ChainID, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return clierr.New(clierr.CodeInvalidAmount, "accrued amount must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if chain == l.homeChain {
		l.liquid.Add(l.liquid, amount)
		return nil
	}
	l.addDeployedLocked(chain, amount)
	return nil
}

func (l *Ledger) addDeployedLocked(chain id.ChainID, amount *big.Int) {
	cur, ok := l.deployed[chain]
	if !ok {
		cur = new(big.Int)
		l.deployed[chain] = cur
	}
	cur.Add(cur, amount)
}

func (l *Ledger) MarkRebalanced(at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastRebalance = at
}

func (l *Ledger) TotalAssets() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalAssetsLocked()
}

func (l *Ledger) totalAssetsLocked() *big.Int {
	total := new(big.Int).Set(l.liquid)
	for _, v := range l.deployed {
		total.Add(total, v)
	}
	return total
}

func (l *Ledger) Liquid() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.liquid)
}

func (l *Ledger) Deployed(chain id.ChainID) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if v, ok := l.deployed[chain]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// Positions returns a copy of every non-zero deployed balance.
func (l *Ledger) Positions() map[id.ChainID]*big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[id.ChainID]*big.Int, len(l.deployed))
	for chain, v := range l.deployed {
		out[chain] = new(big.Int).Set(v)
	}
	return out
}

func (l *Ledger) SharesOf(owner common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if v, ok := l.accounts[owner]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// BalanceOf is the asset value currently redeemable by owner's shares.
func (l *Ledger) BalanceOf(owner common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	shares, ok := l.accounts[owner]
	if !ok || l.totalShares.Sign() == 0 {
		return new(big.Int)
	}
	v := new(big.Int).Mul(shares, l.totalAssetsLocked())
	return v.Quo(v, l.totalShares)
}

func (l *Ledger) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return State{
		TotalDeposits:   new(big.Int).Set(l.totalDeposits),
		TotalShares:     new(big.Int).Set(l.totalShares),
		TotalAssets:     l.totalAssetsLocked(),
		Liquid:          new(big.Int).Set(l.liquid),
		LastRebalanceAt: l.lastRebalance,
	}
}

// Accounts lists every account with a non-zero balance, ordered by owner.
func (l *Ledger) Accounts() []Account {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Account, 0, len(l.accounts))
	for owner, shares := range l.accounts {
		out = append(out, Account{Owner: owner, Shares: new(big.Int).Set(shares)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Owner.Cmp(out[j].Owner) < 0 })
	return out
}

// CheckInvariants verifies share conservation and that no balance is negative.
func (l *Ledger) CheckInvariants() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sum := new(big.Int)
	for owner, shares := range l.accounts {
		if shares.Sign() < 0 {
			return fmt.Errorf("account %s has negative shares %s", owner.Hex(), shares)
		}
		if shares.Sign() == 0 {
			return fmt.Errorf("account %s kept with zero shares", owner.Hex())
		}
		sum.Add(sum, shares)
	}
	if sum.Cmp(l.totalShares) != 0 {
		return fmt.Errorf("sum of account shares %s != total shares %s", sum, l.totalShares)
	}
	if l.liquid.Sign() < 0 {
		return fmt.Errorf("negative liquid balance %s", l.liquid)
	}
	for chain, v := range l.deployed {
		if v.Sign() < 0 {
			return fmt.Errorf("negative deployed balance %s on %s", v, chain)
		}
	}
	return nil
}

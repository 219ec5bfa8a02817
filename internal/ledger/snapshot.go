package ledger

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/yieldvault/internal/id"
)

// Snapshot is the persisted form of a ledger.
type Snapshot struct {
	VaultID         string                    `json:"vault_id"`
	HomeChain       id.ChainID                `json:"home_chain"`
	Accounts        map[common.Address]string `json:"accounts"`
	TotalDeposits   string                    `json:"total_deposits"`
	TotalShares     string                    `json:"total_shares"`
	Liquid          string                    `json:"liquid"`
	Deployed        map[id.ChainID]string     `json:"deployed"`
	LastRebalanceAt time.Time                 `json:"last_rebalance_at"`
}

func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	snap := Snapshot{
		VaultID:         l.vaultID,
		HomeChain:       l.homeChain,
		Accounts:        make(map[common.Address]string, len(l.accounts)),
		TotalDeposits:   l.totalDeposits.String(),
		TotalShares:     l.totalShares.String(),
		Liquid:          l.liquid.String(),
		Deployed:        make(map[id.ChainID]string, len(l.deployed)),
		LastRebalanceAt: l.lastRebalance,
	}
	for owner, shares := range l.accounts {
		snap.Accounts[owner] = shares.String()
	}
	for chain, v := range l.deployed {
		snap.Deployed[chain] = v.String()
	}
	return snap
}

// Restore replaces the ledger contents with snap. The snapshot must satisfy
// the ledger invariants, otherwise nothing changes.
func (l *Ledger) Restore(snap Snapshot) error {
	if snap.VaultID != l.vaultID {
		return fmt.Errorf("snapshot belongs to vault %q, not %q", snap.VaultID, l.vaultID)
	}
	accounts := make(map[common.Address]*big.Int, len(snap.Accounts))
	for owner, raw := range snap.Accounts {
		v, err := parseNonNegative(raw)
		if err != nil {
			return fmt.Errorf("account %s: %w", owner.Hex(), err)
		}
		if v.Sign() > 0 {
			accounts[owner] = v
		}
	}
	deployed := make(map[id.ChainID]*big.Int, len(snap.Deployed))
	for chain, raw := range snap.Deployed {
		v, err := parseNonNegative(raw)
		if err != nil {
			return fmt.Errorf("deployed on %s: %w", chain, err)
		}
		if v.Sign() > 0 {
			deployed[chain] = v
		}
	}
	totalDeposits, err := parseNonNegative(snap.TotalDeposits)
	if err != nil {
		return fmt.Errorf("total deposits: %w", err)
	}
	totalShares, err := parseNonNegative(snap.TotalShares)
	if err != nil {
		return fmt.Errorf("total shares: %w", err)
	}
	liquid, err := parseNonNegative(snap.Liquid)
	if err != nil {
		return fmt.Errorf("liquid: %w", err)
	}
	sum := new(big.Int)
	for _, v := range accounts {
		sum.Add(sum, v)
	}
	if sum.Cmp(totalShares) != 0 {
		return fmt.Errorf("snapshot shares %s do not add up to total %s", sum, totalShares)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.homeChain = snap.HomeChain
	l.accounts = accounts
	l.deployed = deployed
	l.totalDeposits = totalDeposits
	l.totalShares = totalShares
	l.liquid = liquid
	l.lastRebalance = snap.LastRebalanceAt
	return nil
}

func parseNonNegative(raw string) (*big.Int, error) {
	if raw == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", raw)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative value %s", raw)
	}
	return v, nil
}

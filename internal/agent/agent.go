// Package agent grants autonomous agents a time-boxed, amount-bounded
// capability to move vault funds.
package agent

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/yieldvault/internal/errors"
)

// Capabilities lists what an authorization allows. There is no
// withdraw capability.
type Capabilities struct {
	Rebalance bool `json:"rebalance"`
	Transfer  bool `json:"transfer"`
}

// Capability names one entry of Capabilities.
type Capability string

const (
	CapRebalance Capability = "rebalance"
	CapTransfer  Capability = "transfer"
)

func (c Capabilities) Allows(want Capability) bool {
	switch want {
	case CapRebalance:
		return c.Rebalance
	case CapTransfer:
		return c.Transfer
	default:
		return false
	}
}

type Authorization struct {
	AgentID       common.Address `json:"agent_id"`
	SpendingLimit *big.Int       `json:"spending_limit"`
	Spent         *big.Int       `json:"spent"`
	GrantedAt     time.Time      `json:"granted_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
	Active        bool           `json:"active"`
	Capabilities  Capabilities   `json:"capabilities"`
}

// Remaining is the unspent part of the limit, never negative.
func (a Authorization) Remaining() *big.Int {
	r := new(big.Int).Sub(a.SpendingLimit, a.Spent)
	if r.Sign() < 0 {
		return new(big.Int)
	}
	return r
}

func (a Authorization) clone() Authorization {
	a.SpendingLimit = copyInt(a.SpendingLimit)
	a.Spent = copyInt(a.Spent)
	return a
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

type Manager struct {
	mu     sync.RWMutex
	owner  common.Address
	grants map[common.Address]*Authorization
	now    func() time.Time
}

func NewManager(owner common.Address, clock func() time.Time) *Manager {
	if clock == nil {
		clock = time.Now
	}
	return &Manager{owner: owner, grants: map[common.Address]*Authorization{}, now: clock}
}

func (m *Manager) Owner() common.Address { return m.owner }

// Authorize creates or overwrites the grant for agentID. The new grant starts
// with nothing spent.
func (m *Manager) Authorize(caller, agentID common.Address, limit *big.Int, duration time.Duration) (Authorization, error) {
	if caller != m.owner {
		return Authorization{}, clierr.New(clierr.CodeUnauthorized, "only the vault owner can authorize agents")
	}
	if agentID == (common.Address{}) {
		return Authorization{}, clierr.New(clierr.CodeUsage, "agent id is required")
	}
	if limit == nil || limit.Sign() <= 0 {
		return Authorization{}, clierr.New(clierr.CodeInvalidAmount, "spending limit must be positive")
	}
	if duration <= 0 {
		return Authorization{}, clierr.New(clierr.CodeUsage, "authorization duration must be positive")
	}
	now := m.now()
	grant := &Authorization{
		AgentID:       agentID,
		SpendingLimit: new(big.Int).Set(limit),
		Spent:         new(big.Int),
		GrantedAt:     now,
		ExpiresAt:     now.Add(duration),
		Active:        true,
		Capabilities:  Capabilities{Rebalance: true, Transfer: true},
	}
	m.mu.Lock()
	m.grants[agentID] = grant
	m.mu.Unlock()
	return grant.clone(), nil
}

// Revoke deactivates the grant immediately, regardless of its expiry.
func (m *Manager) Revoke(caller, agentID common.Address) error {
	if caller != m.owner {
		return clierr.New(clierr.CodeUnauthorized, "only the vault owner can revoke agents")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	grant, ok := m.grants[agentID]
	if !ok {
		return clierr.New(clierr.CodeUsage, fmt.Sprintf("agent %s has no authorization", agentID.Hex()))
	}
	grant.Active = false
	return nil
}

func (m *Manager) IsAuthorized(agentID common.Address) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	grant, ok := m.grants[agentID]
	return ok && m.liveLocked(grant)
}

func (m *Manager) liveLocked(grant *Authorization) bool {
	return grant.Active && m.now().Before(grant.ExpiresAt)
}

// CheckSpend verifies agentID may spend amount under want without recording it.
func (m *Manager) CheckSpend(agentID common.Address, want Capability, amount *big.Int) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkLocked(agentID, want, amount)
}

func (m *Manager) checkLocked(agentID common.Address, want Capability, amount *big.Int) error {
	grant, ok := m.grants[agentID]
	if !ok {
		return clierr.New(clierr.CodeAuthorizationExpired, fmt.Sprintf("agent %s is not authorized", agentID.Hex()))
	}
	if !m.liveLocked(grant) {
		return clierr.New(clierr.CodeAuthorizationExpired, fmt.Sprintf("authorization for agent %s is no longer active", agentID.Hex()))
	}
	if !grant.Capabilities.Allows(want) {
		return clierr.New(clierr.CodeAuthorizationExpired, fmt.Sprintf("agent %s lacks the %s capability", agentID.Hex(), want))
	}
	if amount != nil && amount.Cmp(grant.Remaining()) > 0 {
		return clierr.New(clierr.CodeAuthorizationExpired, fmt.Sprintf("amount %s exceeds remaining limit %s of agent %s", amount, grant.Remaining(), agentID.Hex()))
	}
	return nil
}

// Spend re-checks and records amount against agentID's limit.
func (m *Manager) Spend(agentID common.Address, want Capability, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(agentID, want, amount); err != nil {
		return err
	}
	grant := m.grants[agentID]
	grant.Spent.Add(grant.Spent, amount)
	return nil
}

// Refund returns amount to agentID's remaining limit after a charged spend
// moved no funds. Spent never drops below zero.
func (m *Manager) Refund(agentID common.Address, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	grant, ok := m.grants[agentID]
	if !ok || amount == nil {
		return
	}
	grant.Spent.Sub(grant.Spent, amount)
	if grant.Spent.Sign() < 0 {
		grant.Spent.SetInt64(0)
	}
}

func (m *Manager) Get(agentID common.Address) (Authorization, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	grant, ok := m.grants[agentID]
	if !ok {
		return Authorization{}, false
	}
	return grant.clone(), true
}

// List returns all grants, expired and revoked ones included, ordered by agent.
func (m *Manager) List() []Authorization {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Authorization, 0, len(m.grants))
	for _, g := range m.grants {
		out = append(out, g.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID.Cmp(out[j].AgentID) < 0 })
	return out
}

// Restore loads previously persisted grants, replacing the current set.
func (m *Manager) Restore(grants []Authorization) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants = make(map[common.Address]*Authorization, len(grants))
	for _, g := range grants {
		g := g.clone()
		m.grants[g.AgentID] = &g
	}
}

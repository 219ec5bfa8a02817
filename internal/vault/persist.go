package vault

import (
	"time"

	"github.com/ggonzalez94/yieldvault/internal/agent"
	clierr "github.com/ggonzalez94/yieldvault/internal/errors"
	"github.com/ggonzalez94/yieldvault/internal/ledger"
	"github.com/ggonzalez94/yieldvault/internal/transfer"
)

// Snapshot is everything needed to resume a vault in another process.
type Snapshot struct {
	Ledger   ledger.Snapshot       `json:"ledger"`
	Agents   []agent.Authorization `json:"agents"`
	Breakers transfer.BreakerState `json:"breakers"`
	SavedAt  time.Time             `json:"saved_at"`
}

func (v *Vault) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshotLocked()
}

func (v *Vault) snapshotLocked() Snapshot {
	return Snapshot{
		Ledger:   v.ledger.Snapshot(),
		Agents:   v.agents.List(),
		Breakers: v.auth.State(),
		SavedAt:  v.now(),
	}
}

// Restore replaces the vault state with snap. The ledger is validated first;
// on error nothing changes.
func (v *Vault) Restore(snap Snapshot) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.ledger.Restore(snap.Ledger); err != nil {
		return clierr.Wrap(clierr.CodeInternal, "restore vault ledger", err)
	}
	v.agents.Restore(snap.Agents)
	v.auth.RestoreState(snap.Breakers)
	v.cooldown.Restore(v.ID(), snap.Ledger.LastRebalanceAt)
	return nil
}

// Load restores the last saved snapshot. It reports false when the store has
// none, leaving the vault empty.
func (v *Vault) Load() (bool, error) {
	if v.store == nil {
		return false, nil
	}
	var snap Snapshot
	ok, err := v.store.LoadSnapshot(v.ID(), &snap)
	if err != nil {
		return false, clierr.Wrap(clierr.CodeInternal, "load vault snapshot", err)
	}
	if !ok {
		return false, nil
	}
	return true, v.Restore(snap)
}

func (v *Vault) Save() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.saveLocked()
}

func (v *Vault) saveLocked() error {
	if v.store == nil {
		return nil
	}
	snap := v.snapshotLocked()
	if err := v.store.SaveSnapshot(v.ID(), snap, snap.SavedAt); err != nil {
		return clierr.Wrap(clierr.CodeInternal, "persist vault state", err)
	}
	return nil
}

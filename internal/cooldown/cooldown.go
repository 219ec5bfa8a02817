// Package cooldown enforces a minimum interval between rebalances of the same
// vault. Callers must hold the vault's lock across CanRebalance, the debit and
// MarkRebalanced so that two attempts cannot both pass the check.
package cooldown

import (
	"fmt"
	"sync"
	"time"

	clierr "github.com/ggonzalez94/yieldvault/internal/errors"
)

type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
	now      func() time.Time
}

func New(interval time.Duration, clock func() time.Time) *Limiter {
	if clock == nil {
		clock = time.Now
	}
	return &Limiter{interval: interval, last: map[string]time.Time{}, now: clock}
}

// CanRebalance reports whether at least the interval has passed since the
// vault last rebalanced. A vault that never rebalanced may always proceed.
func (l *Limiter) CanRebalance(vaultID string) bool {
	return l.Remaining(vaultID) == 0
}

// Check is CanRebalance as an error carrying the remaining wait.
func (l *Limiter) Check(vaultID string) error {
	if rem := l.Remaining(vaultID); rem > 0 {
		return clierr.New(clierr.CodeCooldownNotElapsed,
			fmt.Sprintf("vault %s may rebalance again in %s", vaultID, rem.Round(time.Second)))
	}
	return nil
}

func (l *Limiter) Remaining(vaultID string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	last, ok := l.last[vaultID]
	if !ok {
		return 0
	}
	rem := l.interval - l.now().Sub(last)
	if rem < 0 {
		return 0
	}
	return rem
}

// MarkRebalanced records now as the vault's last rebalance and returns it.
func (l *Limiter) MarkRebalanced(vaultID string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	at := l.now()
	l.last[vaultID] = at
	return at
}

// Restore seeds the last rebalance time, e.g. from a persisted ledger.
func (l *Limiter) Restore(vaultID string, at time.Time) {
	if at.IsZero() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last[vaultID] = at
}

func (l *Limiter) LastRebalance(vaultID string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	at, ok := l.last[vaultID]
	return at, ok
}

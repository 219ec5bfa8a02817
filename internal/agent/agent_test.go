package agent

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/yieldvault/internal/errors"
)

var (
	owner = common.HexToAddress("0x0000000000000000000000000000000000000001")
	bot   = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	other = common.HexToAddress("0x00000000000000000000000000000000000000ff")
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newManager() (*Manager, *clock) {
	c := &clock{now: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
	return NewManager(owner, c.Now), c
}

func TestAuthorizeOwnerOnly(t *testing.T) {
	m, _ := newManager()
	if _, err := m.Authorize(other, bot, big.NewInt(100), time.Hour); !clierr.Is(err, clierr.CodeUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if m.IsAuthorized(bot) {
		t.Fatal("rejected grant must not authorize")
	}
	grant, err := m.Authorize(owner, bot, big.NewInt(100), time.Hour)
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if !grant.Active || !grant.Capabilities.Rebalance || !grant.Capabilities.Transfer {
		t.Fatalf("unexpected grant %+v", grant)
	}
	if !m.IsAuthorized(bot) {
		t.Fatal("expected agent to be authorized")
	}
}

func TestAuthorizationExpires(t *testing.T) {
	m, c := newManager()
	if _, err := m.Authorize(owner, bot, big.NewInt(100), time.Hour); err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	c.now = c.now.Add(59 * time.Minute)
	if !m.IsAuthorized(bot) {
		t.Fatal("expected agent authorized before expiry")
	}
	c.now = c.now.Add(time.Minute)
	if m.IsAuthorized(bot) {
		t.Fatal("expected agent unauthorized at expiry")
	}
	if err := m.CheckSpend(bot, CapTransfer, big.NewInt(1)); !clierr.Is(err, clierr.CodeAuthorizationExpired) {
		t.Fatalf("expected authorization expired, got %v", err)
	}
}

func TestRevokeIsImmediateAndRegrantResetsSpent(t *testing.T) {
	m, _ := newManager()
	if _, err := m.Authorize(owner, bot, big.NewInt(100), time.Hour); err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if err := m.Spend(bot, CapTransfer, big.NewInt(60)); err != nil {
		t.Fatalf("Spend failed: %v", err)
	}
	if err := m.Revoke(other, bot); !clierr.Is(err, clierr.CodeUnauthorized) {
		t.Fatalf("expected unauthorized revoke, got %v", err)
	}
	if err := m.Revoke(owner, bot); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if m.IsAuthorized(bot) {
		t.Fatal("expected revoked agent to be unauthorized")
	}

	grant, err := m.Authorize(owner, bot, big.NewInt(100), time.Hour)
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if grant.Spent.Sign() != 0 || grant.Remaining().Int64() != 100 {
		t.Fatalf("expected fresh grant, got %+v", grant)
	}
}

func TestSpendingLimit(t *testing.T) {
	m, _ := newManager()
	if _, err := m.Authorize(owner, bot, big.NewInt(100), time.Hour); err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if err := m.Spend(bot, CapRebalance, big.NewInt(70)); err != nil {
		t.Fatalf("Spend failed: %v", err)
	}
	if err := m.CheckSpend(bot, CapTransfer, big.NewInt(31)); !clierr.Is(err, clierr.CodeAuthorizationExpired) {
		t.Fatalf("expected limit exceeded, got %v", err)
	}
	if err := m.Spend(bot, CapTransfer, big.NewInt(30)); err != nil {
		t.Fatalf("expected exact remaining spend to pass, got %v", err)
	}
	got, _ := m.Get(bot)
	if got.Remaining().Sign() != 0 {
		t.Fatalf("expected limit exhausted, got %s", got.Remaining())
	}
}

func TestRefundRestoresLimit(t *testing.T) {
	m, _ := newManager()
	if _, err := m.Authorize(owner, bot, big.NewInt(100), time.Hour); err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if err := m.Spend(bot, CapTransfer, big.NewInt(60)); err != nil {
		t.Fatalf("Spend failed: %v", err)
	}
	m.Refund(bot, big.NewInt(40))
	got, _ := m.Get(bot)
	if got.Remaining().Int64() != 80 {
		t.Fatalf("expected 80 remaining after refund, got %s", got.Remaining())
	}
	m.Refund(bot, big.NewInt(500))
	got, _ = m.Get(bot)
	if got.Spent.Sign() != 0 || got.Remaining().Int64() != 100 {
		t.Fatalf("refund must not push spent below zero: %+v", got)
	}
}

func TestUnknownCapabilityDenied(t *testing.T) {
	m, _ := newManager()
	if _, err := m.Authorize(owner, bot, big.NewInt(100), time.Hour); err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if err := m.CheckSpend(bot, Capability("withdraw"), big.NewInt(1)); !clierr.Is(err, clierr.CodeAuthorizationExpired) {
		t.Fatalf("expected withdraw capability to be denied, got %v", err)
	}
}

func TestListAndRestore(t *testing.T) {
	m, c := newManager()
	if _, err := m.Authorize(owner, other, big.NewInt(5), time.Hour); err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if _, err := m.Authorize(owner, bot, big.NewInt(9), time.Hour); err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	list := m.List()
	if len(list) != 2 || list[0].AgentID != bot {
		t.Fatalf("unexpected list order %+v", list)
	}

	restored := NewManager(owner, c.Now)
	restored.Restore(list)
	if !restored.IsAuthorized(other) || !restored.IsAuthorized(bot) {
		t.Fatal("expected restored grants to be live")
	}
}

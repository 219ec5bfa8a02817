package ledger

import (
	"errors"
	"math/big"
	"math/rand"
	"testing"
	"testing/quick"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/yieldvault/internal/errors"
	"github.com/ggonzalez94/yieldvault/internal/model"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	carol = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

const home = 8453

func TestFirstDepositIsOneToOne(t *testing.T) {
	events := &model.EventLog{}
	l := New("v1", home, Options{Sink: events})
	shares, err := l.Deposit(alice, big.NewInt(100))
	if err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if shares.Int64() != 100 {
		t.Fatalf("expected 100 shares, got %s", shares)
	}
	st := l.State()
	if st.TotalShares.Int64() != 100 || st.TotalDeposits.Int64() != 100 || st.TotalAssets.Int64() != 100 {
		t.Fatalf("unexpected state %+v", st)
	}
	if events.Count(model.EventDeposit) != 1 {
		t.Fatalf("expected one deposit event, got %d", events.Count(model.EventDeposit))
	}
}

func TestDepositRejectsNonPositive(t *testing.T) {
	l := New("v1", home, Options{})
	for _, amt := range []*big.Int{nil, big.NewInt(0), big.NewInt(-5)} {
		if _, err := l.Deposit(alice, amt); !clierr.Is(err, clierr.CodeInvalidAmount) {
			t.Fatalf("amount %v: expected invalid amount, got %v", amt, err)
		}
	}
}

func TestDepositAfterYieldIsProportional(t *testing.T) {
	l := New("v1", home, Options{})
	if _, err := l.Deposit(alice, big.NewInt(1000)); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if err := l.Accrue(home, big.NewInt(1000)); err != nil {
		t.Fatalf("Accrue failed: %v", err)
	}
	shares, err := l.Deposit(bob, big.NewInt(1000))
	if err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if shares.Int64() != 500 {
		t.Fatalf("expected 500 shares at doubled price, got %s", shares)
	}
	if got := l.BalanceOf(alice).Int64(); got != 2000 {
		t.Fatalf("expected alice balance 2000, got %d", got)
	}
}

func TestWithdrawInsufficientShares(t *testing.T) {
	l := New("v1", home, Options{})
	if _, err := l.Deposit(alice, big.NewInt(100)); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if _, err := l.Withdraw(alice, big.NewInt(101)); !clierr.Is(err, clierr.CodeInsufficientShares) {
		t.Fatalf("expected insufficient shares, got %v", err)
	}
	if _, err := l.Withdraw(bob, big.NewInt(1)); !clierr.Is(err, clierr.CodeInsufficientShares) {
		t.Fatalf("expected insufficient shares for unknown owner, got %v", err)
	}
}

func TestWithdrawAllRemovesAccount(t *testing.T) {
	var paid *big.Int
	events := &model.EventLog{}
	l := New("v1", home, Options{Sink: events, Payout: func(_ common.Address, amount *big.Int) error {
		paid = amount
		return nil
	}})
	if _, err := l.Deposit(alice, big.NewInt(250)); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	amount, err := l.Withdraw(alice, big.NewInt(250))
	if err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}
	if amount.Int64() != 250 || paid == nil || paid.Int64() != 250 {
		t.Fatalf("unexpected payout amount=%s paid=%v", amount, paid)
	}
	if len(l.Accounts()) != 0 {
		t.Fatalf("expected zeroed account to be removed, got %+v", l.Accounts())
	}
	if events.Count(model.EventWithdraw) != 1 {
		t.Fatal("expected withdraw event")
	}
}

func TestWithdrawPayoutFailureLeavesStateUntouched(t *testing.T) {
	l := New("v1", home, Options{Payout: func(common.Address, *big.Int) error { return errors.New("bank closed") }})
	if _, err := l.Deposit(alice, big.NewInt(100)); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if _, err := l.Withdraw(alice, big.NewInt(40)); err == nil {
		t.Fatal("expected payout failure")
	}
	if l.SharesOf(alice).Int64() != 100 || l.Liquid().Int64() != 100 {
		t.Fatal("failed payout must not change balances")
	}
}

func TestDeployKeepsSharePriceAndLimitsWithdrawals(t *testing.T) {
	l := New("v1", home, Options{})
	if _, err := l.Deposit(alice, big.NewInt(1000)); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if err := l.Deploy(42161, big.NewInt(800)); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if l.TotalAssets().Int64() != 1000 || l.Liquid().Int64() != 200 || l.Deployed(42161).Int64() != 800 {
		t.Fatalf("unexpected balances after deploy: %+v", l.State())
	}
	if err := l.Deploy(42161, big.NewInt(201)); !clierr.Is(err, clierr.CodeInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if _, err := l.Withdraw(alice, big.NewInt(500)); !clierr.Is(err, clierr.CodeInsufficientBalance) {
		t.Fatalf("expected withdrawal beyond liquid to fail, got %v", err)
	}
	if err := l.Recall(42161, big.NewInt(300)); err != nil {
		t.Fatalf("Recall failed: %v", err)
	}
	if amt, err := l.Withdraw(alice, big.NewInt(500)); err != nil || amt.Int64() != 500 {
		t.Fatalf("expected withdrawal of 500 after recall, got %v %v", amt, err)
	}
}

func TestShareConservationProperty(t *testing.T) {
	owners := []common.Address{alice, bob, carol}
	prop := func(seed int64, ops uint8) bool {
		rng := rand.New(rand.NewSource(seed))
		l := New("prop", home, Options{})
		for i := 0; i < int(ops); i++ {
			owner := owners[rng.Intn(len(owners))]
			switch rng.Intn(4) {
			case 0, 1:
				_, _ = l.Deposit(owner, big.NewInt(rng.Int63n(1_000_000)))
			case 2:
				held := l.SharesOf(owner)
				if held.Sign() > 0 {
					_, _ = l.Withdraw(owner, new(big.Int).Rand(rng, new(big.Int).Add(held, big.NewInt(1))))
				} else {
					_, _ = l.Withdraw(owner, big.NewInt(1+rng.Int63n(10)))
				}
			case 3:
				_ = l.Accrue(home, big.NewInt(rng.Int63n(10_000)))
			}
			if err := l.CheckInvariants(); err != nil {
				t.Logf("after op %d: %v", i, err)
				return false
			}
		}
		return true
	}
	if err := quick.Check(prop, &quick.Config{MaxCount: 200}); err != nil {
		t.Fatalf("share conservation violated: %v", err)
	}
}

func TestSnapshotRestore(t *testing.T) {
	l := New("v1", home, Options{})
	if _, err := l.Deposit(alice, big.NewInt(700)); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if _, err := l.Deposit(bob, big.NewInt(300)); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if err := l.Deploy(10, big.NewInt(400)); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}

	restored := New("v1", home, Options{})
	if err := restored.Restore(l.Snapshot()); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if restored.SharesOf(bob).Int64() != 300 || restored.Deployed(10).Int64() != 400 || restored.Liquid().Int64() != 600 {
		t.Fatalf("restored ledger differs: %+v", restored.State())
	}

	bad := l.Snapshot()
	bad.TotalShares = "1"
	if err := restored.Restore(bad); err == nil {
		t.Fatal("expected inconsistent snapshot to be rejected")
	}
	if err := New("other", home, Options{}).Restore(l.Snapshot()); err == nil {
		t.Fatal("expected vault id mismatch to be rejected")
	}
}

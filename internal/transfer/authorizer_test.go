package transfer

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"strings"
	"testing"
	"testing/quick"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/yieldvault/internal/agent"
	clierr "github.com/ggonzalez94/yieldvault/internal/errors"
	"github.com/ggonzalez94/yieldvault/internal/id"
	"github.com/ggonzalez94/yieldvault/internal/journal"
	"github.com/ggonzalez94/yieldvault/internal/ledger"
	"github.com/ggonzalez94/yieldvault/internal/model"
	"github.com/ggonzalez94/yieldvault/internal/oracle"
	"github.com/ggonzalez94/yieldvault/internal/transport"
)

const (
	chainA id.ChainID = 8453
	chainB id.ChainID = 42161
	chainC id.ChainID = 10
)

var (
	owner     = common.HexToAddress("0x0000000000000000000000000000000000000001")
	admin     = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	bot       = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	depositor = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	t0        = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
)

type harness struct {
	auth    *Authorizer
	ledger  *ledger.Ledger
	agents  *agent.Manager
	source  *oracle.StaticSource
	oracle  *oracle.Aggregator
	journal *journal.Store
	channel *transport.Simulated
	events  *model.EventLog
}

func newHarness(t *testing.T, minDelta uint32) *harness {
	t.Helper()
	clock := func() time.Time { return t0 }
	dir := t.TempDir()
	store, err := journal.OpenStore(filepath.Join(dir, "journal.db"), filepath.Join(dir, "journal.lock"))
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	src := oracle.NewStaticSource()
	src.SetAPR(chainA, 500, t0)
	src.SetAPR(chainB, 700, t0)
	src.SetAPR(chainC, 800, t0)
	agg := oracle.NewAggregator(src, oracle.Options{Timeout: time.Second, MaxAge: time.Hour, Clock: clock})

	agents := agent.NewManager(owner, clock)
	if _, err := agents.Authorize(owner, bot, big.NewInt(1_000_000), 24*time.Hour); err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	events := &model.EventLog{}
	led := ledger.New("main", chainA, ledger.Options{Sink: events, Clock: clock})
	if _, err := led.Deposit(depositor, big.NewInt(1000)); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	ch := transport.NewSimulated()
	auth := NewAuthorizer(agg, agents, store, ch, Options{
		Admin:          admin,
		MinAPRDeltaBps: minDelta,
		AckTimeout:     time.Second,
		Sink:           events,
		Clock:          clock,
	})
	return &harness{auth: auth, ledger: led, agents: agents, source: src, oracle: agg, journal: store, channel: ch, events: events}
}

// with returns an authorizer sharing h's oracle, transport and sink but using
// the given agents and journal.
func (h *harness) with(agents Agents, j Journal) *Authorizer {
	return NewAuthorizer(h.oracle, agents, j, h.channel, Options{
		MinAPRDeltaBps: 100,
		AckTimeout:     time.Second,
		Sink:           h.events,
		Clock:          func() time.Time { return t0 },
	})
}

type brokenBatchJournal struct {
	*journal.Store
}

func (brokenBatchJournal) AppendAll([]model.TransferRecord) error {
	return errors.New("disk full")
}

type refusingAgents struct {
	*agent.Manager
}

func (refusingAgents) Spend(common.Address, agent.Capability, *big.Int) error {
	return clierr.New(clierr.CodeAuthorizationExpired, "authorization revoked")
}

func (h *harness) send(dest id.ChainID, amount int64) (model.TransferRecord, error) {
	return h.auth.SendWithAPRCheck(context.Background(), h.ledger, SendRequest{
		DestChain: dest,
		Amount:    big.NewInt(amount),
		Agent:     bot,
	})
}

func TestSendWithAPRCheckSucceeds(t *testing.T) {
	h := newHarness(t, 100)
	rec, err := h.send(chainB, 400)
	if err != nil {
		t.Fatalf("SendWithAPRCheck failed: %v", err)
	}
	if rec.Status != model.TransferStatusPending || !rec.APRCheckPassed || rec.TransportRef == "" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.SourceAPRBps != 500 || rec.DestAPRBps != 700 {
		t.Fatalf("unexpected APR snapshot %+v", rec)
	}
	if h.ledger.Liquid().Int64() != 600 || h.ledger.Deployed(chainB).Int64() != 400 {
		t.Fatalf("unexpected ledger after send: liquid=%s deployed=%s", h.ledger.Liquid(), h.ledger.Deployed(chainB))
	}
	if h.ledger.TotalAssets().Int64() != 1000 {
		t.Fatal("deploying funds must not change total assets")
	}
	if h.events.Count(model.EventAPRCheckPassed) != 1 {
		t.Fatal("expected APRCheckPassed event")
	}
	stored, err := h.journal.Get(rec.TxRef)
	if err != nil || stored.Status != model.TransferStatusPending {
		t.Fatalf("expected pending journal record, got %+v err=%v", stored, err)
	}
	grant, _ := h.agents.Get(bot)
	if grant.Spent.Int64() != 400 {
		t.Fatalf("expected agent spend recorded, got %s", grant.Spent)
	}
	if len(h.channel.Sent()) != 1 {
		t.Fatal("expected message handed to transport")
	}
}

func TestInsufficientAPRImprovement(t *testing.T) {
	h := newHarness(t, 100)
	h.source.SetAPR(chainB, 550, t0)
	_, err := h.send(chainB, 100)
	if !clierr.Is(err, clierr.CodeInsufficientAPRImprovement) {
		t.Fatalf("expected insufficient APR improvement, got %v", err)
	}
	if h.ledger.Liquid().Int64() != 1000 {
		t.Fatal("rejected transfer must not debit")
	}
	if len(h.channel.Sent()) != 0 {
		t.Fatal("rejected transfer must not reach transport")
	}
}

func TestSendSucceedsIffDeltaMeetsThreshold(t *testing.T) {
	h := newHarness(t, 0)
	prop := func(homeAPR, destAPR uint16, threshold uint16) bool {
		h.auth.minDelta = uint32(threshold)
		h.source.SetAPR(chainA, uint32(homeAPR), t0)
		h.source.SetAPR(chainB, uint32(destAPR), t0)
		_, err := h.send(chainB, 1)
		want := int64(destAPR)-int64(homeAPR) >= int64(threshold)
		if want {
			return err == nil
		}
		return clierr.Is(err, clierr.CodeInsufficientAPRImprovement)
	}
	if err := quick.Check(prop, &quick.Config{MaxCount: 300}); err != nil {
		t.Fatalf("APR gate property failed: %v", err)
	}
}

func TestCircuitBreakerBlocksUntilCleared(t *testing.T) {
	h := newHarness(t, 100)
	if err := h.auth.ToggleCircuitBreaker(bot, chainB, true); !clierr.Is(err, clierr.CodeUnauthorized) {
		t.Fatalf("expected non-admin toggle to be rejected, got %v", err)
	}
	if err := h.auth.ToggleCircuitBreaker(admin, chainB, true); err != nil {
		t.Fatalf("ToggleCircuitBreaker failed: %v", err)
	}
	prop := func(destAPR uint16) bool {
		h.source.SetAPR(chainB, uint32(destAPR), t0)
		_, err := h.send(chainB, 1)
		return clierr.Is(err, clierr.CodeCircuitBreakerActive)
	}
	if err := quick.Check(prop, nil); err != nil {
		t.Fatalf("breaker property failed: %v", err)
	}
	if _, err := h.send(chainC, 1); err != nil {
		t.Fatalf("breaker on B must not affect C: %v", err)
	}

	h.source.SetAPR(chainB, 700, t0)
	if err := h.auth.ToggleCircuitBreaker(admin, chainB, false); err != nil {
		t.Fatalf("ToggleCircuitBreaker failed: %v", err)
	}
	if _, err := h.send(chainB, 1); err != nil {
		t.Fatalf("expected send after clearing breaker, got %v", err)
	}
}

func TestGateOrder(t *testing.T) {
	h := newHarness(t, 100)
	h.source.SetAPR(chainB, 510, t0)
	if err := h.agents.Revoke(owner, bot); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if err := h.auth.ToggleCircuitBreaker(admin, chainB, true); err != nil {
		t.Fatalf("ToggleCircuitBreaker failed: %v", err)
	}
	if err := h.auth.ActivateEmergencyMode(admin); err != nil {
		t.Fatalf("ActivateEmergencyMode failed: %v", err)
	}

	if _, err := h.send(chainB, 1); !clierr.Is(err, clierr.CodeEmergencyModeActive) {
		t.Fatalf("expected emergency first, got %v", err)
	}
	_ = h.auth.DeactivateEmergencyMode(admin)
	if _, err := h.send(chainB, 1); !clierr.Is(err, clierr.CodeCircuitBreakerActive) {
		t.Fatalf("expected breaker second, got %v", err)
	}
	_ = h.auth.ToggleCircuitBreaker(admin, chainB, false)
	if _, err := h.send(chainB, 1); !clierr.Is(err, clierr.CodeAuthorizationExpired) {
		t.Fatalf("expected authorization third, got %v", err)
	}
	if _, err := h.agents.Authorize(owner, bot, big.NewInt(10), time.Hour); err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if _, err := h.send(chainB, 1); !clierr.Is(err, clierr.CodeInsufficientAPRImprovement) {
		t.Fatalf("expected APR fourth, got %v", err)
	}
	h.source.SetAPR(chainB, 700, t0)
	if _, err := h.send(chainB, 11); !clierr.Is(err, clierr.CodeAuthorizationExpired) {
		t.Fatalf("expected amount above remaining limit to fail authorization, got %v", err)
	}
}

func TestUnreadableAPRIsStale(t *testing.T) {
	h := newHarness(t, 100)
	h.source.Fail(chainB, errors.New("rpc timeout"))
	if _, err := h.send(chainB, 10); !clierr.Is(err, clierr.CodeStale) {
		t.Fatalf("expected stale data error, got %v", err)
	}
}

func TestSendInputValidation(t *testing.T) {
	h := newHarness(t, 100)
	if _, err := h.send(chainB, 0); !clierr.Is(err, clierr.CodeInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
	if _, err := h.send(chainB, 1001); !clierr.Is(err, clierr.CodeInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if _, err := h.send(chainA, 10); !clierr.Is(err, clierr.CodeUsage) {
		t.Fatalf("expected home chain destination to be rejected, got %v", err)
	}
}

func TestTransportFailureRecordedWithoutRecredit(t *testing.T) {
	h := newHarness(t, 100)
	h.channel.FailNext(errors.New("relayer unreachable"))
	rec, err := h.send(chainB, 300)
	if err != nil {
		t.Fatalf("transport failure must not surface as gate error: %v", err)
	}
	if rec.Status != model.TransferStatusFailed || rec.Error == "" {
		t.Fatalf("expected failed record with reason, got %+v", rec)
	}
	if h.ledger.Liquid().Int64() != 700 {
		t.Fatalf("debit must stand after transport failure, liquid=%s", h.ledger.Liquid())
	}
	stored, _ := h.journal.Get(rec.TxRef)
	if stored.Status != model.TransferStatusFailed {
		t.Fatalf("failure not durably recorded: %+v", stored)
	}
	if h.events.Count(model.EventTransferFailed) != 1 {
		t.Fatal("expected TransferFailed event")
	}
}

func TestTransportAckTimeout(t *testing.T) {
	h := newHarness(t, 100)
	h.auth.ackTimeout = 20 * time.Millisecond
	h.channel.SetLatency(time.Second)
	rec, err := h.send(chainB, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != model.TransferStatusFailed {
		t.Fatalf("expected ack timeout to fail the record, got %+v", rec)
	}
}

func TestConfirmAndFailTransitions(t *testing.T) {
	h := newHarness(t, 100)
	first, err := h.send(chainB, 100)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	second, err := h.send(chainC, 100)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	confirmed, err := h.auth.Confirm(first.TxRef)
	if err != nil || confirmed.Status != model.TransferStatusConfirmed {
		t.Fatalf("Confirm failed: %+v %v", confirmed, err)
	}
	if _, err := h.auth.Fail(first.TxRef, "late"); err == nil {
		t.Fatal("confirmed transfer must not become failed")
	}
	failed, err := h.auth.Fail(second.TxRef, "")
	if err != nil || failed.Status != model.TransferStatusFailed {
		t.Fatalf("Fail failed: %+v %v", failed, err)
	}
	if _, err := h.auth.Confirm(second.TxRef); err == nil {
		t.Fatal("failed transfer must not become confirmed")
	}
	if h.ledger.Liquid().Int64() != 800 {
		t.Fatalf("failing a transfer must not re-credit, liquid=%s", h.ledger.Liquid())
	}
}

func TestBatchInsufficientBalanceBeforeAnyLeg(t *testing.T) {
	h := newHarness(t, 100)
	_, err := h.auth.BatchSend(context.Background(), h.ledger, BatchRequest{
		DestChains: []id.ChainID{chainB, chainC},
		Amounts:    []*big.Int{big.NewInt(600), big.NewInt(600)},
		From:       bot,
	})
	if !clierr.Is(err, clierr.CodeInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if h.ledger.Liquid().Int64() != 1000 {
		t.Fatalf("balance changed: %s", h.ledger.Liquid())
	}
	if len(h.channel.Sent()) != 0 {
		t.Fatal("no leg may reach transport")
	}
}

func TestBatchArrayLengthMismatch(t *testing.T) {
	h := newHarness(t, 100)
	_, err := h.auth.BatchSend(context.Background(), h.ledger, BatchRequest{
		DestChains: []id.ChainID{chainB, chainC},
		Amounts:    []*big.Int{big.NewInt(1)},
		From:       bot,
	})
	if !clierr.Is(err, clierr.CodeArrayLengthMismatch) {
		t.Fatalf("expected array length mismatch, got %v", err)
	}
}

func TestBatchAllOrNothingOnFailingLeg(t *testing.T) {
	h := newHarness(t, 100)
	h.source.SetAPR(chainC, 520, t0)
	_, err := h.auth.BatchSend(context.Background(), h.ledger, BatchRequest{
		DestChains: []id.ChainID{chainB, chainC},
		Amounts:    []*big.Int{big.NewInt(300), big.NewInt(300)},
		From:       bot,
	})
	if !clierr.Is(err, clierr.CodeInsufficientAPRImprovement) {
		t.Fatalf("expected failing leg to abort batch, got %v", err)
	}
	if h.ledger.Liquid().Int64() != 1000 || len(h.channel.Sent()) != 0 {
		t.Fatal("no leg may execute when one fails")
	}
	if h.events.Count(model.EventBatchTransferCompleted) != 0 {
		t.Fatal("no completion event for an aborted batch")
	}

	if err := h.auth.ToggleCircuitBreaker(admin, chainC, true); err != nil {
		t.Fatalf("toggle failed: %v", err)
	}
	h.source.SetAPR(chainC, 800, t0)
	_, err = h.auth.BatchSend(context.Background(), h.ledger, BatchRequest{
		DestChains: []id.ChainID{chainB, chainC},
		Amounts:    []*big.Int{big.NewInt(300), big.NewInt(300)},
		From:       bot,
	})
	if !clierr.Is(err, clierr.CodeCircuitBreakerActive) {
		t.Fatalf("expected breaker on one leg to abort batch, got %v", err)
	}
}

func TestBatchSendCompletes(t *testing.T) {
	h := newHarness(t, 100)
	res, err := h.auth.BatchSend(context.Background(), h.ledger, BatchRequest{
		DestChains: []id.ChainID{chainB, chainC},
		Amounts:    []*big.Int{big.NewInt(300), big.NewInt(200)},
		From:       bot,
	})
	if err != nil {
		t.Fatalf("BatchSend failed: %v", err)
	}
	if res.Count != 2 || res.Total.Int64() != 500 || res.BatchID == "" {
		t.Fatalf("unexpected batch result %+v", res)
	}
	for _, rec := range res.Records {
		if rec.BatchID != res.BatchID || rec.Kind != model.TransferKindBatch {
			t.Fatalf("unexpected leg record %+v", rec)
		}
	}
	if h.ledger.Liquid().Int64() != 500 {
		t.Fatalf("unexpected liquid after batch: %s", h.ledger.Liquid())
	}
	if h.events.Count(model.EventBatchTransferCompleted) != 1 {
		t.Fatal("expected one BatchTransferCompleted event")
	}
	list, err := h.journal.List(journal.Filter{BatchID: res.BatchID})
	if err != nil || len(list) != 2 {
		t.Fatalf("expected 2 journaled legs, got %d err=%v", len(list), err)
	}
}

func TestBatchCumulativeSpendingLimit(t *testing.T) {
	h := newHarness(t, 100)
	if _, err := h.agents.Authorize(owner, bot, big.NewInt(400), time.Hour); err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	_, err := h.auth.BatchSend(context.Background(), h.ledger, BatchRequest{
		DestChains: []id.ChainID{chainB, chainC},
		Amounts:    []*big.Int{big.NewInt(300), big.NewInt(200)},
		From:       bot,
	})
	if !clierr.Is(err, clierr.CodeAuthorizationExpired) {
		t.Fatalf("expected cumulative limit to reject batch, got %v", err)
	}
	if h.ledger.Liquid().Int64() != 1000 {
		t.Fatal("batch over limit must not debit")
	}
}

func TestBatchJournalFailureMovesNothing(t *testing.T) {
	h := newHarness(t, 100)
	auth := h.with(h.agents, brokenBatchJournal{h.journal})
	_, err := auth.BatchSend(context.Background(), h.ledger, BatchRequest{
		DestChains: []id.ChainID{chainB, chainC},
		Amounts:    []*big.Int{big.NewInt(300), big.NewInt(200)},
		From:       bot,
	})
	if !clierr.Is(err, clierr.CodeInternal) {
		t.Fatalf("expected journal failure, got %v", err)
	}
	if h.ledger.Liquid().Int64() != 1000 || len(h.channel.Sent()) != 0 {
		t.Fatalf("no leg may be debited when the batch cannot be journaled, liquid=%s", h.ledger.Liquid())
	}
	if grant, _ := h.agents.Get(bot); grant.Spent.Sign() != 0 {
		t.Fatalf("agent must not be charged, spent=%s", grant.Spent)
	}
	if list, _ := h.journal.List(journal.Filter{VaultID: "main"}); len(list) != 0 {
		t.Fatalf("expected no journaled legs, got %d", len(list))
	}
}

func TestAgentSpendFailureAbortsBeforeDebit(t *testing.T) {
	h := newHarness(t, 100)
	auth := h.with(refusingAgents{h.agents}, h.journal)

	_, err := auth.SendWithAPRCheck(context.Background(), h.ledger, SendRequest{DestChain: chainB, Amount: big.NewInt(400), Agent: bot})
	if !clierr.Is(err, clierr.CodeAuthorizationExpired) {
		t.Fatalf("expected spend failure to reject the send, got %v", err)
	}
	_, err = auth.BatchSend(context.Background(), h.ledger, BatchRequest{
		DestChains: []id.ChainID{chainB, chainC},
		Amounts:    []*big.Int{big.NewInt(300), big.NewInt(200)},
		From:       bot,
	})
	if !clierr.Is(err, clierr.CodeAuthorizationExpired) {
		t.Fatalf("expected spend failure to reject the batch, got %v", err)
	}

	if h.ledger.Liquid().Int64() != 1000 || len(h.channel.Sent()) != 0 {
		t.Fatalf("nothing may move when the agent cannot be charged, liquid=%s", h.ledger.Liquid())
	}
	list, err := h.journal.List(journal.Filter{VaultID: "main"})
	if err != nil || len(list) != 3 {
		t.Fatalf("expected 3 journaled records, got %d err=%v", len(list), err)
	}
	for _, rec := range list {
		if rec.Status != model.TransferStatusFailed || !strings.Contains(rec.Error, "agent spend") {
			t.Fatalf("expected failed record naming the spend, got %+v", rec)
		}
	}
}

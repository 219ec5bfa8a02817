package transfer

import (
	"context"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/yieldvault/internal/agent"
	clierr "github.com/ggonzalez94/yieldvault/internal/errors"
	"github.com/ggonzalez94/yieldvault/internal/id"
	"github.com/ggonzalez94/yieldvault/internal/model"
	"github.com/ggonzalez94/yieldvault/internal/transport"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type SendRequest struct {
	DestChain id.ChainID
	// To is the recipient on the destination chain. The zero address means
	// the vault's own position there.
	To     common.Address
	Amount *big.Int
	Agent  common.Address
	Kind   model.TransferKind
}

type BatchRequest struct {
	DestChains []id.ChainID
	Amounts    []*big.Int
	// From is the agent initiating the batch; its balance is the source's
	// liquid balance.
	From common.Address
	To   common.Address
}

type BatchResult struct {
	BatchID string                 `json:"batch_id"`
	Count   int                    `json:"count"`
	Total   *big.Int               `json:"total"`
	Records []model.TransferRecord `json:"records"`
}

type leg struct {
	dest   id.ChainID
	amount *big.Int
}

func capabilityFor(kind model.TransferKind) agent.Capability {
	if kind == model.TransferKindRebalance {
		return agent.CapRebalance
	}
	return agent.CapTransfer
}

// SendWithAPRCheck gates and executes one transfer out of src. Callers that
// share src must serialize calls.
func (a *Authorizer) SendWithAPRCheck(ctx context.Context, src Source, req SendRequest) (model.TransferRecord, error) {
	if req.Kind == "" {
		req.Kind = model.TransferKindSend
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return model.TransferRecord{}, clierr.New(clierr.CodeInvalidAmount, "transfer amount must be positive")
	}
	if req.DestChain == src.HomeChain() {
		return model.TransferRecord{}, clierr.New(clierr.CodeUsage, "destination must differ from the vault's home chain")
	}
	vaultID := src.VaultID()
	want := capabilityFor(req.Kind)

	if err := a.checkSwitches(req.DestChain); err != nil {
		return model.TransferRecord{}, a.reject(vaultID, req.DestChain, err)
	}
	if err := a.agents.CheckSpend(req.Agent, want, req.Amount); err != nil {
		return model.TransferRecord{}, a.reject(vaultID, req.DestChain, err)
	}
	readings, err := a.aprGate(ctx, src.HomeChain(), []id.ChainID{req.DestChain})
	if err != nil {
		return model.TransferRecord{}, a.reject(vaultID, req.DestChain, err)
	}
	if liquid := src.Liquid(); req.Amount.Cmp(liquid) > 0 {
		return model.TransferRecord{}, a.reject(vaultID, req.DestChain, clierr.New(clierr.CodeInsufficientBalance,
			fmt.Sprintf("amount %s exceeds liquid balance %s", req.Amount, liquid)))
	}

	rec := a.newRecord(src, req.Agent, req.Kind, "", req.To, leg{dest: req.DestChain, amount: req.Amount}, readings)
	if err := a.journal.Append(rec); err != nil {
		return model.TransferRecord{}, clierr.Wrap(clierr.CodeInternal, "journal transfer", err)
	}
	if err := a.agents.Spend(req.Agent, want, req.Amount); err != nil {
		a.abandon([]model.TransferRecord{rec}, "agent spend: "+err.Error())
		return model.TransferRecord{}, a.reject(vaultID, req.DestChain, err)
	}
	if err := a.debit(src, rec); err != nil {
		a.agents.Refund(req.Agent, req.Amount)
		return model.TransferRecord{}, err
	}
	return a.dispatch(ctx, rec), nil
}

// BatchSend moves amounts[i] to destChains[i] for every i, or nothing at all.
// Balance, switches, authorization and APR are checked for every leg before
// the first leg is debited, and every leg is journaled in one transaction
// before any funds move.
func (a *Authorizer) BatchSend(ctx context.Context, src Source, req BatchRequest) (BatchResult, error) {
	if len(req.DestChains) != len(req.Amounts) {
		return BatchResult{}, clierr.New(clierr.CodeArrayLengthMismatch,
			fmt.Sprintf("%d destination chains but %d amounts", len(req.DestChains), len(req.Amounts)))
	}
	if len(req.DestChains) == 0 {
		return BatchResult{}, clierr.New(clierr.CodeUsage, "batch has no legs")
	}
	vaultID := src.VaultID()
	home := src.HomeChain()
	legs := make([]leg, len(req.DestChains))
	total := new(big.Int)
	for i, dest := range req.DestChains {
		amt := req.Amounts[i]
		if amt == nil || amt.Sign() <= 0 {
			return BatchResult{}, clierr.New(clierr.CodeInvalidAmount, fmt.Sprintf("leg %d amount must be positive", i))
		}
		if dest == home {
			return BatchResult{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("leg %d targets the vault's home chain", i))
		}
		legs[i] = leg{dest: dest, amount: amt}
		total.Add(total, amt)
	}
	if liquid := src.Liquid(); total.Cmp(liquid) > 0 {
		return BatchResult{}, a.reject(vaultID, legs[0].dest, clierr.New(clierr.CodeInsufficientBalance,
			fmt.Sprintf("batch total %s exceeds balance %s", total, liquid)))
	}

	for _, l := range legs {
		if err := a.checkSwitches(l.dest); err != nil {
			return BatchResult{}, a.reject(vaultID, l.dest, err)
		}
	}
	running := new(big.Int)
	for _, l := range legs {
		running.Add(running, l.amount)
		if err := a.agents.CheckSpend(req.From, agent.CapTransfer, running); err != nil {
			return BatchResult{}, a.reject(vaultID, l.dest, err)
		}
	}
	readings, err := a.aprGate(ctx, home, req.DestChains)
	if err != nil {
		return BatchResult{}, a.reject(vaultID, legs[0].dest, err)
	}

	batchID := uuid.NewString()
	records := make([]model.TransferRecord, len(legs))
	for i, l := range legs {
		records[i] = a.newRecord(src, req.From, model.TransferKindBatch, batchID, req.To, l, readings)
	}
	if err := a.journal.AppendAll(records); err != nil {
		return BatchResult{}, clierr.Wrap(clierr.CodeInternal, "journal batch", err)
	}
	if err := a.agents.Spend(req.From, agent.CapTransfer, total); err != nil {
		a.abandon(records, "agent spend: "+err.Error())
		return BatchResult{}, a.reject(vaultID, legs[0].dest, err)
	}
	for i := range records {
		if err := a.debit(src, records[i]); err != nil {
			rest := new(big.Int)
			for _, l := range legs[i:] {
				rest.Add(rest, l.amount)
			}
			a.agents.Refund(req.From, rest)
			a.abandon(records[i+1:], "batch aborted: "+err.Error())
			done := records[:i]
			for j := range done {
				done[j] = a.dispatch(ctx, done[j])
			}
			return BatchResult{BatchID: batchID, Count: len(done), Total: total, Records: done}, err
		}
	}
	for i := range records {
		records[i] = a.dispatch(ctx, records[i])
	}

	a.sink.Emit(model.Event{
		Type:    model.EventBatchTransferCompleted,
		VaultID: vaultID,
		At:      a.now(),
		Fields: map[string]string{
			"batch_id": batchID,
			"count":    strconv.Itoa(len(records)),
			"total":    total.String(),
		},
	})
	return BatchResult{BatchID: batchID, Count: len(records), Total: total, Records: records}, nil
}

// newRecord builds the pending journal entry for one leg out of src.
func (a *Authorizer) newRecord(src Source, agentID common.Address, kind model.TransferKind, batchID string, to common.Address, l leg, readings map[id.ChainID]model.ChainYieldReading) model.TransferRecord {
	now := a.now()
	home := src.HomeChain()
	rec := model.TransferRecord{
		TxRef:          a.nextRef(src.VaultID(), l.dest, l.amount, now),
		VaultID:        src.VaultID(),
		Kind:           kind,
		BatchID:        batchID,
		SourceChain:    home,
		DestChain:      l.dest,
		Amount:         new(big.Int).Set(l.amount),
		AgentID:        agentID.Hex(),
		APRCheckPassed: true,
		SourceAPRBps:   readings[home].APRBps,
		DestAPRBps:     readings[l.dest].APRBps,
		Status:         model.TransferStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if to != (common.Address{}) {
		rec.To = to.Hex()
	}
	return rec
}

// debit moves a journaled record's amount out of src. The agent has already
// been charged. A failed debit fails the record.
func (a *Authorizer) debit(src Source, rec model.TransferRecord) error {
	if err := src.Deploy(rec.DestChain, rec.Amount); err != nil {
		a.abandon([]model.TransferRecord{rec}, "debit failed: "+err.Error())
		return err
	}
	a.sink.Emit(model.Event{
		Type:    model.EventAPRCheckPassed,
		VaultID: rec.VaultID,
		At:      rec.CreatedAt,
		Fields: map[string]string{
			"tx_ref":         rec.TxRef,
			"dest_chain":     rec.DestChain.String(),
			"amount":         rec.Amount.String(),
			"source_apr_bps": strconv.FormatUint(uint64(rec.SourceAPRBps), 10),
			"dest_apr_bps":   strconv.FormatUint(uint64(rec.DestAPRBps), 10),
		},
	})
	return nil
}

// abandon fails journaled records whose funds never left the source.
func (a *Authorizer) abandon(recs []model.TransferRecord, reason string) {
	for _, rec := range recs {
		if _, err := a.journal.Transition(rec.TxRef, model.TransferStatusFailed, reason, a.now()); err != nil {
			a.logger.Error("record abandoned transfer", zap.String("tx_ref", rec.TxRef), zap.Error(err))
		}
	}
}

// dispatch hands rec to the transport within the ack timeout. A transport
// failure marks the record failed; the debit stands.
func (a *Authorizer) dispatch(ctx context.Context, rec model.TransferRecord) model.TransferRecord {
	sendCtx, cancel := context.WithTimeout(ctx, a.ackTimeout)
	defer cancel()

	ack, err := a.channel.Send(sendCtx, transport.Message{
		TxRef:       rec.TxRef,
		VaultID:     rec.VaultID,
		Kind:        string(rec.Kind),
		BatchID:     rec.BatchID,
		SourceChain: rec.SourceChain,
		DestChain:   rec.DestChain,
		To:          rec.To,
		Amount:      rec.Amount,
		CreatedAt:   rec.CreatedAt,
	})
	if err != nil {
		reason := fmt.Sprintf("transport %s: %v", a.channel.Name(), err)
		failed, terr := a.journal.Transition(rec.TxRef, model.TransferStatusFailed, reason, a.now())
		if terr != nil {
			a.logger.Error("record transport failure", zap.String("tx_ref", rec.TxRef), zap.Error(terr))
			rec.Status = model.TransferStatusFailed
			rec.Error = reason
			failed = rec
		}
		a.logger.Warn("transfer dispatch failed", zap.String("tx_ref", rec.TxRef), zap.String("reason", reason))
		a.sink.Emit(model.Event{
			Type:    model.EventTransferFailed,
			VaultID: rec.VaultID,
			At:      a.now(),
			Fields:  map[string]string{"tx_ref": rec.TxRef, "reason": reason},
		})
		return failed
	}

	updated, err := a.journal.Update(rec.TxRef, a.now(), func(r *model.TransferRecord) error {
		r.TransportRef = ack.Ref
		return nil
	})
	if err != nil {
		a.logger.Error("record transport ack", zap.String("tx_ref", rec.TxRef), zap.Error(err))
		rec.TransportRef = ack.Ref
		return rec
	}
	a.logger.Info("transfer dispatched",
		zap.String("tx_ref", rec.TxRef),
		zap.String("dest", rec.DestChain.String()),
		zap.String("amount", rec.Amount.String()),
		zap.String("transport_ref", ack.Ref),
	)
	return updated
}

// Confirm marks a pending transfer as credited on its destination.
func (a *Authorizer) Confirm(txRef string) (model.TransferRecord, error) {
	rec, err := a.journal.Transition(txRef, model.TransferStatusConfirmed, "", a.now())
	if err != nil {
		return model.TransferRecord{}, err
	}
	a.sink.Emit(model.Event{
		Type:    model.EventTransferConfirmed,
		VaultID: rec.VaultID,
		At:      a.now(),
		Fields:  map[string]string{"tx_ref": rec.TxRef, "dest_chain": rec.DestChain.String()},
	})
	return rec, nil
}

// Fail marks a pending transfer as failed. The source is not re-credited.
func (a *Authorizer) Fail(txRef, reason string) (model.TransferRecord, error) {
	if reason == "" {
		reason = "marked failed by operator"
	}
	rec, err := a.journal.Transition(txRef, model.TransferStatusFailed, reason, a.now())
	if err != nil {
		return model.TransferRecord{}, err
	}
	a.sink.Emit(model.Event{
		Type:    model.EventTransferFailed,
		VaultID: rec.VaultID,
		At:      a.now(),
		Fields:  map[string]string{"tx_ref": rec.TxRef, "reason": reason},
	})
	return rec, nil
}

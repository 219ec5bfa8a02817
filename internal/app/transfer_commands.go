package app

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/yieldvault/internal/errors"
	"github.com/ggonzalez94/yieldvault/internal/id"
	"github.com/ggonzalez94/yieldvault/internal/journal"
	"github.com/ggonzalez94/yieldvault/internal/model"
	"github.com/ggonzalez94/yieldvault/internal/transfer"
	"github.com/spf13/cobra"
)

type breakerResult struct {
	ChainID string                `json:"chain_id,omitempty"`
	State   transfer.BreakerState `json:"state"`
}

func (s *runtimeState) newTransferCommand() *cobra.Command {
	root := &cobra.Command{Use: "transfer", Short: "APR-gated cross-chain transfers"}

	var sendAgent, sendTo, sendRecipient, sendAmount string
	send := &cobra.Command{
		Use:   "send",
		Short: "Send liquid funds to a chain whose yield beats the home chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID, err := id.ParseAddress(sendAgent)
			if err != nil {
				return err
			}
			dest, err := id.ParseChain(sendTo)
			if err != nil {
				return err
			}
			amount, err := s.parseAmount(sendAmount)
			if err != nil {
				return err
			}
			recipient, err := optionalAddress(sendRecipient)
			if err != nil {
				return err
			}
			return s.run(cmd, func(ctx context.Context, st *stack) (any, error) {
				rec, err := st.vault.SendWithAPRCheck(ctx, transfer.SendRequest{
					DestChain: dest.ID,
					To:        recipient,
					Amount:    amount,
					Agent:     agentID,
					Kind:      model.TransferKindSend,
				})
				if err != nil {
					return nil, err
				}
				return rec, transferFailure(rec)
			})
		},
	}
	send.Flags().StringVar(&sendAgent, "agent", "", "Authorized agent address")
	send.Flags().StringVar(&sendTo, "to-chain", "", "Destination chain id/name/CAIP-2")
	send.Flags().StringVar(&sendRecipient, "recipient", "", "Recipient on the destination chain (defaults to the vault position)")
	send.Flags().StringVar(&sendAmount, "amount", "", "Amount in base units, or a decimal in asset units")
	_ = send.MarkFlagRequired("agent")
	_ = send.MarkFlagRequired("to-chain")
	_ = send.MarkFlagRequired("amount")

	var batchAgent, batchChains, batchAmounts, batchRecipient string
	batch := &cobra.Command{
		Use:   "batch",
		Short: "Send to several chains at once; every leg passes its checks or none is sent",
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID, err := id.ParseAddress(batchAgent)
			if err != nil {
				return err
			}
			// Chains are kept positional, duplicates included, so they line up
			// with --amounts.
			var dests []id.ChainID
			for _, raw := range splitCSV(batchChains) {
				chain, err := id.ParseChain(raw)
				if err != nil {
					return err
				}
				dests = append(dests, chain.ID)
			}
			var amounts []*big.Int
			for _, raw := range splitCSV(batchAmounts) {
				amount, err := s.parseAmount(raw)
				if err != nil {
					return err
				}
				amounts = append(amounts, amount)
			}
			recipient, err := optionalAddress(batchRecipient)
			if err != nil {
				return err
			}
			return s.run(cmd, func(ctx context.Context, st *stack) (any, error) {
				return st.vault.BatchSend(ctx, transfer.BatchRequest{
					DestChains: dests,
					Amounts:    amounts,
					From:       agentID,
					To:         recipient,
				})
			})
		},
	}
	batch.Flags().StringVar(&batchAgent, "agent", "", "Authorized agent address")
	batch.Flags().StringVar(&batchChains, "chains", "", "Destination chains (comma-separated)")
	batch.Flags().StringVar(&batchAmounts, "amounts", "", "Amounts in base units, one per chain (comma-separated)")
	batch.Flags().StringVar(&batchRecipient, "recipient", "", "Recipient on every destination chain")
	_ = batch.MarkFlagRequired("agent")
	_ = batch.MarkFlagRequired("chains")
	_ = batch.MarkFlagRequired("amounts")

	var confirmRef string
	confirm := &cobra.Command{
		Use:   "confirm",
		Short: "Mark a pending transfer as delivered",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.run(cmd, func(_ context.Context, st *stack) (any, error) {
				return st.vault.Confirm(strings.TrimSpace(confirmRef))
			})
		},
	}
	confirm.Flags().StringVar(&confirmRef, "tx-ref", "", "Transfer reference")
	_ = confirm.MarkFlagRequired("tx-ref")

	var failRef, failReason string
	fail := &cobra.Command{
		Use:   "fail",
		Short: "Mark a pending transfer as failed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.run(cmd, func(_ context.Context, st *stack) (any, error) {
				return st.vault.Fail(strings.TrimSpace(failRef), failReason)
			})
		},
	}
	fail.Flags().StringVar(&failRef, "tx-ref", "", "Transfer reference")
	fail.Flags().StringVar(&failReason, "reason", "reported failed by relayer", "Failure reason")
	_ = fail.MarkFlagRequired("tx-ref")

	root.AddCommand(send, batch, confirm, fail)
	return root
}

func (s *runtimeState) newTransfersCommand() *cobra.Command {
	root := &cobra.Command{Use: "transfers", Short: "Transfer journal queries"}

	var status, batchID string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List journaled transfers, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			st := model.TransferStatus(strings.ToLower(strings.TrimSpace(status)))
			switch st {
			case "", model.TransferStatusPending, model.TransferStatusConfirmed, model.TransferStatusFailed:
			default:
				return clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported --status %q", status))
			}
			return s.run(cmd, func(_ context.Context, stk *stack) (any, error) {
				recs, err := stk.store.List(journal.Filter{
					VaultID: s.settings.VaultID,
					Status:  st,
					BatchID: strings.TrimSpace(batchID),
					Limit:   limit,
				})
				if err != nil {
					return nil, clierr.Wrap(clierr.CodeInternal, "list transfers", err)
				}
				if recs == nil {
					recs = []model.TransferRecord{}
				}
				return recs, nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "Filter by status (pending, confirmed, failed)")
	list.Flags().StringVar(&batchID, "batch-id", "", "Filter by batch id")
	list.Flags().IntVar(&limit, "limit", 20, "Maximum records to return")

	var getRef string
	get := &cobra.Command{
		Use:   "get",
		Short: "Show one transfer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.run(cmd, func(_ context.Context, stk *stack) (any, error) {
				return stk.store.Get(strings.TrimSpace(getRef))
			})
		},
	}
	get.Flags().StringVar(&getRef, "tx-ref", "", "Transfer reference")
	_ = get.MarkFlagRequired("tx-ref")

	root.AddCommand(list, get)
	return root
}

func (s *runtimeState) newBreakerCommand() *cobra.Command {
	root := &cobra.Command{Use: "breaker", Short: "Per-chain circuit breakers"}

	var chainArg, callerArg string
	var on bool
	set := &cobra.Command{
		Use:   "set",
		Short: "Open or close the circuit breaker for a destination chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			chain, err := id.ParseChain(chainArg)
			if err != nil {
				return err
			}
			who, err := caller(callerArg, s.settings.Admin, "admin")
			if err != nil {
				return err
			}
			return s.run(cmd, func(_ context.Context, st *stack) (any, error) {
				if err := st.vault.ToggleCircuitBreaker(who, chain.ID, on); err != nil {
					return nil, err
				}
				return breakerResult{ChainID: chain.CAIP2(), State: st.vault.Status().Breakers}, nil
			})
		},
	}
	set.Flags().StringVar(&chainArg, "chain", "", "Chain id/name/CAIP-2")
	set.Flags().BoolVar(&on, "on", true, "Block transfers to the chain (use --on=false to clear)")
	set.Flags().StringVar(&callerArg, "caller", "", "Caller address (defaults to the configured admin)")
	_ = set.MarkFlagRequired("chain")

	root.AddCommand(set)
	return root
}

func (s *runtimeState) newEmergencyCommand() *cobra.Command {
	root := &cobra.Command{Use: "emergency", Short: "Global emergency stop for outbound transfers"}
	root.AddCommand(
		s.newEmergencyToggle("on", "Block every outbound transfer", true),
		s.newEmergencyToggle("off", "Resume outbound transfers", false),
	)
	return root
}

func (s *runtimeState) newEmergencyToggle(use, short string, on bool) *cobra.Command {
	var callerArg string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			who, err := caller(callerArg, s.settings.Admin, "admin")
			if err != nil {
				return err
			}
			return s.run(cmd, func(_ context.Context, st *stack) (any, error) {
				if err := st.vault.SetEmergencyMode(who, on); err != nil {
					return nil, err
				}
				return breakerResult{State: st.vault.Status().Breakers}, nil
			})
		},
	}
	cmd.Flags().StringVar(&callerArg, "caller", "", "Caller address (defaults to the configured admin)")
	return cmd
}

func optionalAddress(raw string) (common.Address, error) {
	if strings.TrimSpace(raw) == "" {
		return common.Address{}, nil
	}
	return id.ParseAddress(raw)
}

package app

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/yieldvault/internal/agent"
	clierr "github.com/ggonzalez94/yieldvault/internal/errors"
	"github.com/ggonzalez94/yieldvault/internal/id"
	"github.com/ggonzalez94/yieldvault/internal/model"
	"github.com/ggonzalez94/yieldvault/internal/vault"
	"github.com/spf13/cobra"
)

type depositResult struct {
	Owner        string   `json:"owner"`
	Amount       *big.Int `json:"amount"`
	SharesMinted *big.Int `json:"shares_minted"`
	TotalShares  *big.Int `json:"total_shares"`
	TotalAssets  *big.Int `json:"total_assets"`
}

type withdrawResult struct {
	Owner        string   `json:"owner"`
	SharesBurned *big.Int `json:"shares_burned"`
	Amount       *big.Int `json:"amount"`
	TotalShares  *big.Int `json:"total_shares"`
	TotalAssets  *big.Int `json:"total_assets"`
}

// statusResult adds asset-unit renderings to the vault status.
type statusResult struct {
	vault.Status
	LiquidDecimal      string `json:"liquid_decimal"`
	TotalAssetsDecimal string `json:"total_assets_decimal"`
}

type positionResult struct {
	ChainID  string   `json:"chain_id"`
	Deployed *big.Int `json:"deployed"`
	Liquid   *big.Int `json:"liquid"`
}

func (s *runtimeState) newVaultCommand() *cobra.Command {
	root := &cobra.Command{Use: "vault", Short: "Vault deposits, withdrawals and status"}

	var depositOwner, depositAmount string
	deposit := &cobra.Command{
		Use:   "deposit",
		Short: "Deposit base units and mint shares",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := id.ParseAddress(depositOwner)
			if err != nil {
				return err
			}
			amount, err := s.parseAmount(depositAmount)
			if err != nil {
				return err
			}
			return s.run(cmd, func(_ context.Context, st *stack) (any, error) {
				shares, err := st.vault.Deposit(owner, amount)
				if err != nil {
					return nil, err
				}
				state := st.vault.Ledger().State()
				return depositResult{
					Owner:        owner.Hex(),
					Amount:       amount,
					SharesMinted: shares,
					TotalShares:  state.TotalShares,
					TotalAssets:  state.TotalAssets,
				}, nil
			})
		},
	}
	deposit.Flags().StringVar(&depositOwner, "owner", "", "Depositor address")
	deposit.Flags().StringVar(&depositAmount, "amount", "", "Amount in base units, or a decimal in asset units")
	_ = deposit.MarkFlagRequired("owner")
	_ = deposit.MarkFlagRequired("amount")

	var withdrawOwner, withdrawShares string
	withdraw := &cobra.Command{
		Use:   "withdraw",
		Short: "Burn shares for their proportional assets",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := id.ParseAddress(withdrawOwner)
			if err != nil {
				return err
			}
			shares, err := s.parseAmount(withdrawShares)
			if err != nil {
				return err
			}
			return s.run(cmd, func(_ context.Context, st *stack) (any, error) {
				amount, err := st.vault.Withdraw(owner, shares)
				if err != nil {
					return nil, err
				}
				state := st.vault.Ledger().State()
				return withdrawResult{
					Owner:        owner.Hex(),
					SharesBurned: shares,
					Amount:       amount,
					TotalShares:  state.TotalShares,
					TotalAssets:  state.TotalAssets,
				}, nil
			})
		},
	}
	withdraw.Flags().StringVar(&withdrawOwner, "owner", "", "Share owner address")
	withdraw.Flags().StringVar(&withdrawShares, "shares", "", "Shares to burn")
	_ = withdraw.MarkFlagRequired("owner")
	_ = withdraw.MarkFlagRequired("shares")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show balances, positions, breakers and cooldown",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.run(cmd, func(_ context.Context, st *stack) (any, error) {
				status := st.vault.Status()
				decimals := s.settings.AssetDecimals
				return statusResult{
					Status:             status,
					LiquidDecimal:      id.FormatDecimal(status.State.Liquid, decimals),
					TotalAssetsDecimal: id.FormatDecimal(status.State.TotalAssets, decimals),
				}, nil
			})
		},
	}

	root.AddCommand(deposit, withdraw, status,
		s.newPositionCommand("recall", "Return funds deployed on a chain to the liquid balance"),
		s.newPositionCommand("accrue", "Book realized yield on a chain"),
	)
	return root
}

// newPositionCommand builds the owner-only recall and accrue commands, which
// share their flags.
func (s *runtimeState) newPositionCommand(use, short string) *cobra.Command {
	var chainArg, amountArg, callerArg string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			chain, err := id.ParseChain(chainArg)
			if err != nil {
				return err
			}
			amount, err := s.parseAmount(amountArg)
			if err != nil {
				return err
			}
			who, err := caller(callerArg, s.settings.Owner, "vault owner")
			if err != nil {
				return err
			}
			return s.run(cmd, func(_ context.Context, st *stack) (any, error) {
				apply := st.vault.Accrue
				if use == "recall" {
					apply = st.vault.Recall
				}
				if err := apply(who, chain.ID, amount); err != nil {
					return nil, err
				}
				return positionResult{
					ChainID:  chain.CAIP2(),
					Deployed: st.vault.Ledger().Deployed(chain.ID),
					Liquid:   st.vault.Liquid(),
				}, nil
			})
		},
	}
	cmd.Flags().StringVar(&chainArg, "chain", "", "Chain id/name/CAIP-2")
	cmd.Flags().StringVar(&amountArg, "amount", "", "Amount in base units, or a decimal in asset units")
	cmd.Flags().StringVar(&callerArg, "caller", "", "Caller address (defaults to the configured owner)")
	_ = cmd.MarkFlagRequired("chain")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func (s *runtimeState) newAgentCommand() *cobra.Command {
	root := &cobra.Command{Use: "agent", Short: "Agent authorization management"}

	var authAgent, authLimit, authDuration, authCaller string
	authorize := &cobra.Command{
		Use:   "authorize",
		Short: "Grant an agent a spending limit for a duration",
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID, err := id.ParseAddress(authAgent)
			if err != nil {
				return err
			}
			limit, err := s.parseAmount(authLimit)
			if err != nil {
				return err
			}
			duration, err := time.ParseDuration(authDuration)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "parse --duration", err)
			}
			who, err := caller(authCaller, s.settings.Owner, "vault owner")
			if err != nil {
				return err
			}
			return s.run(cmd, func(_ context.Context, st *stack) (any, error) {
				return st.vault.AuthorizeAgent(who, agentID, limit, duration)
			})
		},
	}
	authorize.Flags().StringVar(&authAgent, "agent", "", "Agent address")
	authorize.Flags().StringVar(&authLimit, "limit", "", "Spending limit in base units")
	authorize.Flags().StringVar(&authDuration, "duration", "24h", "Authorization lifetime")
	authorize.Flags().StringVar(&authCaller, "caller", "", "Caller address (defaults to the configured owner)")
	_ = authorize.MarkFlagRequired("agent")
	_ = authorize.MarkFlagRequired("limit")

	var revokeAgent, revokeCaller string
	revoke := &cobra.Command{
		Use:   "revoke",
		Short: "Deactivate an agent immediately",
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID, err := id.ParseAddress(revokeAgent)
			if err != nil {
				return err
			}
			who, err := caller(revokeCaller, s.settings.Owner, "vault owner")
			if err != nil {
				return err
			}
			return s.run(cmd, func(_ context.Context, st *stack) (any, error) {
				if err := st.vault.RevokeAgent(who, agentID); err != nil {
					return nil, err
				}
				grant, _ := st.vault.AgentAuthorization(agentID)
				return grant, nil
			})
		},
	}
	revoke.Flags().StringVar(&revokeAgent, "agent", "", "Agent address")
	revoke.Flags().StringVar(&revokeCaller, "caller", "", "Caller address (defaults to the configured owner)")
	_ = revoke.MarkFlagRequired("agent")

	list := &cobra.Command{
		Use:   "list",
		Short: "List agent authorizations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.run(cmd, func(_ context.Context, st *stack) (any, error) {
				grants := st.vault.Agents()
				if grants == nil {
					grants = []agent.Authorization{}
				}
				return grants, nil
			})
		},
	}

	root.AddCommand(authorize, revoke, list)
	return root
}

func (s *runtimeState) newRebalanceCommand() *cobra.Command {
	var agentArg, toArg, amountArg string
	cmd := &cobra.Command{
		Use:   "rebalance",
		Short: "Move liquid funds to a higher-yield chain, subject to cooldown and APR checks",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := id.ParseChain(toArg)
			if err != nil {
				return err
			}
			amount, err := s.parseOptionalAmount(amountArg)
			if err != nil {
				return err
			}
			agentID := s.settings.RebalanceAgent
			if agentArg != "" {
				if agentID, err = id.ParseAddress(agentArg); err != nil {
					return err
				}
			}
			if agentID == (common.Address{}) {
				return clierr.New(clierr.CodeUsage, "--agent is required when no rebalance agent is configured")
			}
			return s.run(cmd, func(ctx context.Context, st *stack) (any, error) {
				rec, err := st.vault.Rebalance(ctx, agentID, target.ID, amount)
				if err != nil {
					return nil, err
				}
				return rec, transferFailure(rec)
			})
		},
	}
	cmd.Flags().StringVar(&agentArg, "agent", "", "Agent address (defaults to the configured rebalance agent)")
	cmd.Flags().StringVar(&toArg, "to", "", "Destination chain id/name/CAIP-2")
	cmd.Flags().StringVar(&amountArg, "amount", "", "Amount in base units (defaults to the whole liquid balance)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

// transferFailure surfaces a record whose dispatch failed as an unavailable
// error so the exit code reflects it. The record itself stays in the journal.
func transferFailure(rec model.TransferRecord) error {
	if rec.Status != model.TransferStatusFailed {
		return nil
	}
	return clierr.Newf(clierr.CodeUnavailable, "transfer %s dispatch failed: %s", rec.TxRef, rec.Error)
}

package app

import (
	"context"
	"fmt"
	"strconv"

	clierr "github.com/ggonzalez94/yieldvault/internal/errors"
	"github.com/ggonzalez94/yieldvault/internal/fees"
	"github.com/ggonzalez94/yieldvault/internal/id"
	"github.com/ggonzalez94/yieldvault/internal/swap"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

type volatilityResult struct {
	Current       decimal.Decimal `json:"current"`
	Historical    decimal.Decimal `json:"historical"`
	VolatilityBps uint32          `json:"volatility_bps"`
	FeeBps        uint32          `json:"fee_bps"`
}

type tierResult struct {
	VolatilityBps uint32      `json:"volatility_bps"`
	FeeBps        uint32      `json:"fee_bps"`
	Config        fees.Config `json:"config"`
}

type swapResult struct {
	Quote fees.Quote  `json:"quote"`
	Swap  swap.Result `json:"swap"`
}

// priceFlags is the explicit price observation fed to the oracle for quotes.
type priceFlags struct {
	price      string
	confidence string
	historical string
}

func (p *priceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&p.price, "price", "", "Current price of the asset")
	cmd.Flags().StringVar(&p.confidence, "confidence", "0", "Price feed confidence interval")
	cmd.Flags().StringVar(&p.historical, "historical", "", "Historical reference price (falls back to confidence when empty)")
	_ = cmd.MarkFlagRequired("price")
}

func (p *priceFlags) parse() (price, confidence, historical decimal.Decimal, err error) {
	if price, err = parseDecimal(p.price, "--price"); err != nil {
		return
	}
	if confidence, err = parseDecimal(p.confidence, "--confidence"); err != nil {
		return
	}
	if p.historical != "" {
		historical, err = parseDecimal(p.historical, "--historical")
	}
	return
}

func (s *runtimeState) newFeesCommand() *cobra.Command {
	root := &cobra.Command{Use: "fees", Short: "Volatility-tiered swap fees"}

	var currentArg, historicalArg string
	volatility := &cobra.Command{
		Use:   "volatility",
		Short: "Compute volatility between two prices and its fee tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := parseDecimal(currentArg, "--current")
			if err != nil {
				return err
			}
			historical, err := parseDecimal(historicalArg, "--historical")
			if err != nil {
				return err
			}
			vol, err := fees.CalculateVolatility(current, historical)
			if err != nil {
				return err
			}
			return s.run(cmd, func(_ context.Context, st *stack) (any, error) {
				return volatilityResult{
					Current:       current,
					Historical:    historical,
					VolatilityBps: vol,
					FeeBps:        st.fees.Fee(vol),
				}, nil
			})
		},
	}
	volatility.Flags().StringVar(&currentArg, "current", "", "Current price")
	volatility.Flags().StringVar(&historicalArg, "historical", "", "Historical price")
	_ = volatility.MarkFlagRequired("current")
	_ = volatility.MarkFlagRequired("historical")

	var volBps uint32
	tier := &cobra.Command{
		Use:   "tier",
		Short: "Map a volatility in basis points to its fee",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.run(cmd, func(_ context.Context, st *stack) (any, error) {
				return tierResult{VolatilityBps: volBps, FeeBps: st.fees.Fee(volBps), Config: st.fees.Config()}, nil
			})
		},
	}
	tier.Flags().Uint32Var(&volBps, "volatility-bps", 0, "Volatility in basis points")
	_ = tier.MarkFlagRequired("volatility-bps")

	var quoteAsset string
	var quotePrices priceFlags
	quote := &cobra.Command{
		Use:   "quote",
		Short: "Quote the fee for an asset from a price observation",
		RunE: func(cmd *cobra.Command, args []string) error {
			price, confidence, historical, err := quotePrices.parse()
			if err != nil {
				return err
			}
			return s.run(cmd, func(ctx context.Context, st *stack) (any, error) {
				st.prices.Set(quoteAsset, price, confidence, s.runner.now())
				return st.fees.Quote(ctx, quoteAsset, historical)
			})
		},
	}
	quote.Flags().StringVar(&quoteAsset, "asset", "", "Asset symbol")
	quotePrices.register(quote)
	_ = quote.MarkFlagRequired("asset")

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the active fee tiers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.run(cmd, func(_ context.Context, st *stack) (any, error) {
				return st.fees.Config(), nil
			})
		},
	}

	var thresholdsArg, feesArg, callerArg string
	var maxFee uint32
	set := &cobra.Command{
		Use:   "set",
		Short: "Replace the fee tiers (admin only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			thresholds, err := parseBpsTriple(thresholdsArg, "--thresholds-bps")
			if err != nil {
				return err
			}
			tiers, err := parseBpsTriple(feesArg, "--fees-bps")
			if err != nil {
				return err
			}
			who, err := caller(callerArg, s.settings.Admin, "admin")
			if err != nil {
				return err
			}
			return s.run(cmd, func(_ context.Context, st *stack) (any, error) {
				cfg := fees.Config{
					LowThresholdBps:    thresholds[0],
					MediumThresholdBps: thresholds[1],
					HighThresholdBps:   thresholds[2],
					LowFeeBps:          tiers[0],
					MediumFeeBps:       tiers[1],
					HighFeeBps:         tiers[2],
					MaxFeeBps:          maxFee,
				}
				if err := st.fees.SetConfig(who, cfg); err != nil {
					return nil, err
				}
				if err := st.store.SaveSnapshot(feesSnapshotKey(s.settings.VaultID), cfg, s.runner.now()); err != nil {
					return nil, clierr.Wrap(clierr.CodeInternal, "persist fee tiers", err)
				}
				return cfg, nil
			})
		},
	}
	set.Flags().StringVar(&thresholdsArg, "thresholds-bps", "", "Low,medium,high volatility thresholds (ascending)")
	set.Flags().StringVar(&feesArg, "fees-bps", "", "Low,medium,high fees (ascending)")
	set.Flags().Uint32Var(&maxFee, "max-fee-bps", fees.DefaultConfig().MaxFeeBps, "Upper bound for the high fee")
	set.Flags().StringVar(&callerArg, "caller", "", "Caller address (defaults to the configured admin)")
	_ = set.MarkFlagRequired("thresholds-bps")
	_ = set.MarkFlagRequired("fees-bps")

	root.AddCommand(volatility, tier, quote, show, set)
	return root
}

func (s *runtimeState) newSwapCommand() *cobra.Command {
	var chainArg, fromAsset, toAsset, amountArg string
	var prices priceFlags
	cmd := &cobra.Command{
		Use:   "swap",
		Short: "Swap in-chain, charging the volatility fee of the sold asset",
		RunE: func(cmd *cobra.Command, args []string) error {
			chain, err := id.ParseChain(chainArg)
			if err != nil {
				return err
			}
			amount, err := s.parseAmount(amountArg)
			if err != nil {
				return err
			}
			price, confidence, historical, err := prices.parse()
			if err != nil {
				return err
			}
			return s.run(cmd, func(ctx context.Context, st *stack) (any, error) {
				st.prices.Set(fromAsset, price, confidence, s.runner.now())
				res, quote, err := st.swapper(s.settings).Swap(ctx, chain.ID, fromAsset, toAsset, amount, historical)
				if err != nil {
					return nil, err
				}
				return swapResult{Quote: quote, Swap: res}, nil
			})
		},
	}
	cmd.Flags().StringVar(&chainArg, "chain", "", "Chain id/name/CAIP-2")
	cmd.Flags().StringVar(&fromAsset, "from-asset", "", "Asset sold")
	cmd.Flags().StringVar(&toAsset, "to-asset", "", "Asset bought")
	cmd.Flags().StringVar(&amountArg, "amount", "", "Amount sold in base units")
	prices.register(cmd)
	_ = cmd.MarkFlagRequired("chain")
	_ = cmd.MarkFlagRequired("from-asset")
	_ = cmd.MarkFlagRequired("to-asset")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func parseDecimal(raw, flag string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, clierr.Wrap(clierr.CodeUsage, fmt.Sprintf("parse %s", flag), err)
	}
	return d, nil
}

func parseBpsTriple(raw, flag string) ([3]uint32, error) {
	var out [3]uint32
	parts := splitCSV(raw)
	if len(parts) != 3 {
		return out, clierr.New(clierr.CodeUsage, fmt.Sprintf("%s needs exactly three values", flag))
	}
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return out, clierr.Wrap(clierr.CodeUsage, fmt.Sprintf("parse %s", flag), err)
		}
		out[i] = uint32(n)
	}
	return out, nil
}

package app

import (
	"context"
	"math/big"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	clierr "github.com/ggonzalez94/yieldvault/internal/errors"
	"github.com/ggonzalez94/yieldvault/internal/id"
	"github.com/ggonzalez94/yieldvault/internal/join"
	"github.com/ggonzalez94/yieldvault/internal/model"
	"github.com/ggonzalez94/yieldvault/internal/monitor"
	"github.com/spf13/cobra"
)

type cycleResult struct {
	Cycle   monitor.CycleReport `json:"cycle"`
	Metrics monitor.Metrics     `json:"metrics"`
	Health  monitor.Health      `json:"health"`
}

type runResult struct {
	Metrics       monitor.Metrics              `json:"metrics"`
	Health        monitor.Health               `json:"health"`
	Opportunities []model.RebalanceOpportunity `json:"opportunities"`
}

// newEngine wires the decision engine to the vault. With dryRun the engine
// only ranks opportunities.
func (s *runtimeState) newEngine(st *stack, dryRun bool) *monitor.Engine {
	opts := monitor.Options{
		Chains:         s.settings.Chains,
		MinAPRDeltaBps: s.settings.MinAPRDeltaBps,
		PollInterval:   s.settings.PollInterval,
		Amount:         positionEstimator(st),
		Gas:            monitor.StaticGas(s.settings.GasEstimates),
		Logger:         s.logger,
		Clock:          s.runner.now,
	}
	if !dryRun {
		opts.Handler = st.vault.HandleOpportunity
		opts.CanRebalance = st.vault.CanRebalance
	}
	return monitor.NewEngine(st.oracle, opts)
}

// positionEstimator sizes a move by what the vault holds on the source chain:
// the liquid balance at home, the deployed position elsewhere.
func positionEstimator(st *stack) monitor.AmountEstimator {
	return func(from, _ id.ChainID) *big.Int {
		if from == st.vault.HomeChain() {
			return st.vault.Liquid()
		}
		return st.vault.Ledger().Deployed(from)
	}
}

func (s *runtimeState) newMonitorCommand() *cobra.Command {
	root := &cobra.Command{Use: "monitor", Short: "Rebalance decision engine"}

	var onceDryRun bool
	once := &cobra.Command{
		Use:   "once",
		Short: "Run one decision cycle and act on the best opportunity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.run(cmd, func(ctx context.Context, st *stack) (any, error) {
				engine := s.newEngine(st, onceDryRun)
				report, err := engine.RunCycle(ctx)
				if err != nil {
					return nil, err
				}
				s.lastSources = cycleSources(st.oracle.SourceName(), report)
				return cycleResult{Cycle: report, Metrics: engine.Metrics(), Health: engine.Health()}, nil
			})
		},
	}
	once.Flags().BoolVar(&onceDryRun, "dry-run", false, "Rank opportunities without rebalancing")

	var runDryRun bool
	var runFor time.Duration
	run := &cobra.Command{
		Use:   "run",
		Short: "Poll on the configured interval until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if runFor > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, runFor)
				defer cancel()
			}
			st, err := s.ensureStack(ctx)
			if err != nil {
				return err
			}
			engine := s.newEngine(st, runDryRun)
			if err := engine.Run(ctx); err != nil {
				return clierr.Wrap(clierr.CodeInternal, "run decision engine", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), runResult{
				Metrics:       engine.Metrics(),
				Health:        engine.Health(),
				Opportunities: engine.Opportunities(),
			}, nil, false)
		},
	}
	run.Flags().BoolVar(&runDryRun, "dry-run", false, "Rank opportunities without rebalancing")
	run.Flags().DurationVar(&runFor, "for", 0, "Stop after this long (0 runs until interrupted)")

	root.AddCommand(once, run)
	return root
}

func (s *runtimeState) newYieldCommand() *cobra.Command {
	root := &cobra.Command{Use: "yield", Short: "Per-chain yield readings"}

	var chainsArg string
	readings := &cobra.Command{
		Use:   "readings",
		Short: "Read the current APR of every monitored chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			chains := s.settings.Chains
			if chainsArg != "" {
				parsed, err := id.ParseChains(splitCSV(chainsArg))
				if err != nil {
					return err
				}
				chains = parsed
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), s.settings.Timeout)
			defer cancel()
			st, err := s.ensureStack(ctx)
			if err != nil {
				return err
			}
			results := st.oracle.FetchAll(ctx, chains)
			ok, failed := join.Partition(results)
			s.lastSources = readingSources(st.oracle.SourceName(), results)
			if len(ok) == 0 {
				return clierr.New(clierr.CodeUnavailable, "no chain could be read")
			}
			if len(failed) > 0 && s.settings.Strict {
				return clierr.New(clierr.CodePartialStrict, "partial results returned in strict mode")
			}
			out := make([]model.ChainYieldReading, 0, len(ok))
			for _, r := range ok {
				out = append(out, r)
			}
			sort.Slice(out, func(i, j int) bool {
				if out[i].APRBps != out[j].APRBps {
					return out[i].APRBps > out[j].APRBps
				}
				return out[i].ChainID < out[j].ChainID
			})
			var warnings []string
			for chain, err := range failed {
				warnings = append(warnings, chain.String()+": "+err.Error())
			}
			sort.Strings(warnings)
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), out, warnings, len(failed) > 0)
		},
	}
	readings.Flags().StringVar(&chainsArg, "chains", "", "Chains to read (comma-separated, defaults to the monitored set)")

	root.AddCommand(readings)
	return root
}

func readingSources(source string, results map[id.ChainID]join.Result[model.ChainYieldReading]) []model.SourceStatus {
	out := make([]model.SourceStatus, 0, len(results))
	for chain, res := range results {
		out = append(out, model.SourceStatus{
			Name:      source + ":" + chain.String(),
			Status:    statusFromErr(res.Err),
			LatencyMS: res.Latency.Milliseconds(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func cycleSources(source string, report monitor.CycleReport) []model.SourceStatus {
	out := make([]model.SourceStatus, 0, len(report.Readings)+len(report.Failed))
	for chain := range report.Readings {
		out = append(out, model.SourceStatus{Name: source + ":" + chain.String(), Status: "ok"})
	}
	for chain := range report.Failed {
		out = append(out, model.SourceStatus{Name: source + ":" + chain.String(), Status: "error"})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func statusFromErr(err error) string {
	if err == nil {
		return "ok"
	}
	if cErr, ok := clierr.As(err); ok {
		switch cErr.Code {
		case clierr.CodeStale:
			return "stale"
		case clierr.CodeRateLimited:
			return "rate_limited"
		case clierr.CodeUnavailable:
			return "unavailable"
		}
	}
	return "error"
}

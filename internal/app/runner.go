package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/yieldvault/internal/config"
	clierr "github.com/ggonzalez94/yieldvault/internal/errors"
	"github.com/ggonzalez94/yieldvault/internal/id"
	"github.com/ggonzalez94/yieldvault/internal/logging"
	"github.com/ggonzalez94/yieldvault/internal/model"
	"github.com/ggonzalez94/yieldvault/internal/out"
	"github.com/ggonzalez94/yieldvault/internal/policy"
	"github.com/ggonzalez94/yieldvault/internal/schema"
	"github.com/ggonzalez94/yieldvault/internal/version"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
	}
}

type runtimeState struct {
	runner      *Runner
	flags       config.GlobalFlags
	settings    config.Settings
	logger      *zap.Logger
	root        *cobra.Command
	stack       *stack
	lastCommand string
	lastSources []model.SourceStatus
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r, logger: zap.NewNop()}
	root := state.newRootCommand()
	state.root = root
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	err = normalizeRunError(err)
	defer state.close()
	if err == nil {
		return 0
	}

	state.renderError("", err)
	return clierr.ExitCode(err)
}

func (s *runtimeState) close() {
	s.stack.close()
	_ = s.logger.Sync()
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Yield-aware cross-chain vault operations",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings

			logger, err := logging.New(settings.LogLevel, settings.LogFormat)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "configure logging", err)
			}
			s.logger = logger.With(zap.String("vault", settings.VaultID))

			path := trimRootPath(cmd.CommandPath())
			s.lastCommand = path
			if err := policy.CheckCommandAllowed(settings.EnableCommands, path); err != nil {
				return err
			}
			if settings.ReadOnly && policy.Mutating(path) {
				return clierr.New(clierr.CodeBlocked, fmt.Sprintf("%s changes vault state and is blocked by --read-only", path))
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	pf := cmd.PersistentFlags()
	pf.BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	pf.BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	pf.StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated, dotted paths allowed)")
	pf.BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	pf.StringVar(&s.flags.EnableCommands, "enable-commands", "", "Allowlist command paths (comma-separated)")
	pf.BoolVar(&s.flags.ReadOnly, "read-only", false, "Block every command that changes vault state")
	pf.BoolVar(&s.flags.Strict, "strict", false, "Fail when some chains could not be read")
	pf.StringVar(&s.flags.Timeout, "timeout", "", "Upstream request timeout")
	pf.IntVar(&s.flags.Retries, "retries", -1, "Retries per upstream request")
	pf.StringVar(&s.flags.MaxStale, "max-stale", "", "Maximum stale fallback window after TTL expiry")
	pf.BoolVar(&s.flags.NoStale, "no-stale", false, "Reject stale cache entries")
	pf.BoolVar(&s.flags.NoCache, "no-cache", false, "Disable cache reads and writes")
	pf.StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")
	pf.StringVar(&s.flags.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&s.flags.Vault, "vault", "", "Vault id")
	pf.StringVar(&s.flags.StatePath, "state", "", "Path to the sqlite state database")
	pf.StringVar(&s.flags.Transport, "transport", "", "Transfer transport (simulated, rabbitmq, redis)")
	pf.StringVar(&s.flags.OracleSource, "oracle", "", "Yield source (simulated, static, defillama)")
	pf.IntVar(&s.flags.MinAPRDeltaBps, "min-apr-delta-bps", -1, "Minimum APR improvement in basis points")

	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(s.newVaultCommand())
	cmd.AddCommand(s.newAgentCommand())
	cmd.AddCommand(s.newRebalanceCommand())
	cmd.AddCommand(s.newTransferCommand())
	cmd.AddCommand(s.newTransfersCommand())
	cmd.AddCommand(s.newBreakerCommand())
	cmd.AddCommand(s.newEmergencyCommand())
	cmd.AddCommand(s.newFeesCommand())
	cmd.AddCommand(s.newSwapCommand())
	cmd.AddCommand(s.newMonitorCommand())
	cmd.AddCommand(s.newYieldCommand())
	cmd.AddCommand(newVersionCommand())

	annotateMutating(cmd)
	return cmd
}

// annotateMutating tags state-changing commands so the schema reports them.
func annotateMutating(cmd *cobra.Command) {
	if policy.Mutating(trimRootPath(cmd.CommandPath())) {
		if cmd.Annotations == nil {
			cmd.Annotations = map[string]string{}
		}
		cmd.Annotations[schema.MutatingAnnotation] = "true"
	}
	for _, sub := range cmd.Commands() {
		annotateMutating(sub)
	}
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := schema.Build(s.root, strings.Join(args, " "))
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, false)
		},
	}
}

// ensureStack returns the lazily built stack for the configured vault.
func (s *runtimeState) ensureStack(ctx context.Context) (*stack, error) {
	if s.stack != nil {
		return s.stack, nil
	}
	st, err := buildStack(ctx, s.settings, s.logger, s.runner.now)
	if err != nil {
		return nil, err
	}
	s.stack = st
	return st, nil
}

// run executes fn against the vault stack under the configured timeout and
// renders its result.
func (s *runtimeState) run(cmd *cobra.Command, fn func(ctx context.Context, st *stack) (any, error)) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), s.settings.Timeout)
	defer cancel()
	st, err := s.ensureStack(ctx)
	if err != nil {
		return err
	}
	data, err := fn(ctx, st)
	if err != nil {
		return err
	}
	return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, false)
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string, partial bool) error {
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Error:    nil,
		Warnings: warnings,
		Meta:     s.meta(commandPath, partial),
	}
	return out.Render(s.runner.stdout, env, s.settings)
}

func (s *runtimeState) meta(commandPath string, partial bool) model.EnvelopeMeta {
	m := model.EnvelopeMeta{
		RequestID: newRequestID(),
		Timestamp: s.runner.now().UTC(),
		Command:   commandPath,
		Sources:   s.lastSources,
		Partial:   partial,
	}
	if s.stack != nil {
		m.Events = s.stack.events.Events()
	}
	return m
}

func (s *runtimeState) renderError(commandPath string, err error) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	code := clierr.ExitCode(err)
	typ := clierr.TypeName(clierr.CodeInternal)
	message := err.Error()
	if cErr, ok := clierr.As(err); ok {
		message = cErr.Message
		if cErr.Cause != nil {
			message = fmt.Sprintf("%s: %v", cErr.Message, cErr.Cause)
		}
		typ = clierr.TypeName(cErr.Code)
	}

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Data:    []any{},
		Error: &model.ErrorBody{
			Code:    code,
			Type:    typ,
			Message: message,
		},
		Meta: s.meta(commandPath, false),
	}
	_ = out.Render(s.runner.stderr, env, settings)
}

// caller resolves an explicit --caller flag or falls back to a configured
// identity.
func caller(raw string, fallback common.Address, role string) (common.Address, error) {
	if strings.TrimSpace(raw) != "" {
		return id.ParseAddress(raw)
	}
	if fallback == (common.Address{}) {
		return common.Address{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("--caller is required when no %s is configured", role))
	}
	return fallback, nil
}

// parseAmount accepts base units ("1500000") or a decimal in asset units
// ("1.5"), scaled by the configured asset decimals.
func (s *runtimeState) parseAmount(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, ".") {
		return id.ParseAmount("", raw, s.settings.AssetDecimals)
	}
	return id.ParseAmount(raw, "", 0)
}

func (s *runtimeState) parseOptionalAmount(raw string) (*big.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	return s.parseAmount(raw)
}

func newRequestID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func splitCSV(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		norm := strings.ToLower(strings.TrimSpace(part))
		if norm != "" {
			out = append(out, norm)
		}
	}
	return out
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

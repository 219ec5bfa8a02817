package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ggonzalez94/yieldvault/internal/agent"
	"github.com/ggonzalez94/yieldvault/internal/cache"
	"github.com/ggonzalez94/yieldvault/internal/config"
	"github.com/ggonzalez94/yieldvault/internal/cooldown"
	clierr "github.com/ggonzalez94/yieldvault/internal/errors"
	"github.com/ggonzalez94/yieldvault/internal/fees"
	"github.com/ggonzalez94/yieldvault/internal/httpx"
	"github.com/ggonzalez94/yieldvault/internal/journal"
	"github.com/ggonzalez94/yieldvault/internal/ledger"
	"github.com/ggonzalez94/yieldvault/internal/logging"
	"github.com/ggonzalez94/yieldvault/internal/model"
	"github.com/ggonzalez94/yieldvault/internal/oracle"
	"github.com/ggonzalez94/yieldvault/internal/swap"
	"github.com/ggonzalez94/yieldvault/internal/transfer"
	"github.com/ggonzalez94/yieldvault/internal/transport"
	"github.com/ggonzalez94/yieldvault/internal/vault"
	"go.uber.org/zap"
)

// stack is everything one invocation needs to operate on the configured
// vault. It is built lazily so that schema and version never touch state.
type stack struct {
	store   *journal.Store
	cache   *cache.Store
	http    *httpx.Client
	oracle  *oracle.Aggregator
	prices  *oracle.StaticPriceSource
	channel transport.Channel
	fees    *fees.Calculator
	vault   *vault.Vault
	events  *model.EventLog
}

func feesSnapshotKey(vaultID string) string { return "fees:" + vaultID }

func buildStack(ctx context.Context, settings config.Settings, logger *zap.Logger, now func() time.Time) (_ *stack, err error) {
	st := &stack{events: &model.EventLog{}, prices: oracle.NewStaticPriceSource()}
	defer func() {
		if err != nil {
			st.close()
		}
	}()

	st.store, err = journal.OpenStore(settings.StatePath, settings.StateLockPath)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "open state store", err)
	}
	if settings.CacheEnabled {
		st.cache, err = cache.Open(settings.CachePath, settings.CacheLockPath)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeInternal, "open cache", err)
		}
	}
	st.http = httpx.New(settings.Timeout, settings.Retries).WithLogger(logger)

	source, err := newYieldSource(settings, st, now)
	if err != nil {
		return nil, err
	}
	st.oracle = oracle.NewAggregator(source, oracle.Options{
		Timeout: settings.OracleTimeout,
		MaxAge:  settings.MaxReadingAge,
		Prices:  st.prices,
		Logger:  logger,
		Clock:   now,
	})

	st.channel, err = newChannel(ctx, settings)
	if err != nil {
		return nil, err
	}

	sink := model.MultiSink{logging.EventSink{Logger: logger}, st.events}
	agents := agent.NewManager(settings.Owner, now)
	auth := transfer.NewAuthorizer(st.oracle, agents, st.store, st.channel, transfer.Options{
		Admin:          settings.Admin,
		MinAPRDeltaBps: settings.MinAPRDeltaBps,
		AckTimeout:     settings.TransportAckTimeout,
		Sink:           sink,
		Logger:         logger,
		Clock:          now,
	})
	led := ledger.New(settings.VaultID, settings.HomeChain, ledger.Options{Sink: sink, Clock: now})
	limiter := cooldown.New(settings.Cooldown, now)
	st.vault = vault.New(led, agents, limiter, auth, vault.Options{
		Store:          st.store,
		RebalanceAgent: settings.RebalanceAgent,
		Logger:         logger,
		Clock:          now,
	})
	if _, err := st.vault.Load(); err != nil {
		return nil, err
	}

	cfg := settings.Volatility
	if _, err := st.store.LoadSnapshot(feesSnapshotKey(settings.VaultID), &cfg); err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "load fee tiers", err)
	}
	st.fees, err = fees.NewCalculator(settings.Admin, cfg, st.oracle)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func newYieldSource(settings config.Settings, st *stack, now func() time.Time) (oracle.YieldSource, error) {
	switch settings.OracleSource {
	case config.OracleStatic:
		src := oracle.NewStaticSource()
		at := now()
		for chain, apr := range settings.StaticAPRs {
			src.SetAPR(chain, apr, at)
		}
		return src, nil
	case config.OracleDefiLlama:
		return oracle.NewDefiLlamaSource(st.http, oracle.DefiLlamaOptions{
			Project:  settings.DefiLlamaProject,
			Symbol:   settings.DefiLlamaSymbol,
			BaseURL:  settings.DefiLlamaBaseURL,
			Cache:    st.cache,
			CacheTTL: settings.MaxReadingAge / 2,
		}).WithClock(now), nil
	case config.OracleSimulated:
		return oracle.NewSimulatedSource(settings.SimulatedSeed, settings.StaticAPRs, settings.SimulatedSpread).WithClock(now), nil
	default:
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported oracle source %q", settings.OracleSource))
	}
}

func newChannel(ctx context.Context, settings config.Settings) (transport.Channel, error) {
	switch settings.Transport {
	case config.TransportRabbitMQ:
		ch, err := transport.NewRabbitMQ(transport.RabbitMQConfig{URL: settings.RabbitMQURL, Queue: settings.RabbitMQQueue})
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUnavailable, "connect transfer transport", err)
		}
		return ch, nil
	case config.TransportRedis:
		ch, err := transport.NewRedis(ctx, transport.RedisConfig{
			Address:  settings.RedisAddress,
			Password: settings.RedisPassword,
			DB:       settings.RedisDB,
			List:     settings.RedisList,
		})
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUnavailable, "connect transfer transport", err)
		}
		return ch, nil
	default:
		return transport.NewSimulated(), nil
	}
}

func (st *stack) swapper(settings config.Settings) *swap.Swapper {
	var exec swap.Executor = swap.NewSimulated()
	if settings.SwapEndpoint != "" {
		exec = swap.NewHTTPExecutor(st.http, settings.SwapEndpoint, settings.SwapAPIKey)
	}
	return swap.NewSwapper(st.fees, exec)
}

func (st *stack) close() {
	if st == nil {
		return
	}
	if st.channel != nil {
		_ = st.channel.Close()
	}
	if st.cache != nil {
		_ = st.cache.Close()
	}
	if st.store != nil {
		_ = st.store.Close()
	}
}

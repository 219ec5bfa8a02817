package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/yieldvault/internal/fees"
	"github.com/ggonzalez94/yieldvault/internal/id"
	"gopkg.in/yaml.v3"
)

const (
	TransportSimulated = "simulated"
	TransportRabbitMQ  = "rabbitmq"
	TransportRedis     = "redis"

	OracleSimulated = "simulated"
	OracleStatic    = "static"
	OracleDefiLlama = "defillama"
)

type GlobalFlags struct {
	ConfigPath     string
	JSON           bool
	Plain          bool
	Select         string
	ResultsOnly    bool
	EnableCommands string
	Strict         bool
	Timeout        string
	Retries        int
	MaxStale       string
	NoStale        bool
	NoCache        bool
	LogLevel       string
	Vault          string
	StatePath      string
	Transport      string
	OracleSource   string
	MinAPRDeltaBps int
	ReadOnly       bool
}

type Settings struct {
	OutputMode     string
	SelectFields   []string
	ResultsOnly    bool
	EnableCommands []string
	Strict         bool
	Timeout        time.Duration
	Retries        int
	MaxStale       time.Duration
	NoStale        bool
	CacheEnabled   bool
	CachePath      string
	CacheLockPath  string
	LogLevel       string
	LogFormat      string
	ReadOnly       bool

	VaultID        string
	HomeChain      id.ChainID
	Chains         []id.ChainID
	Owner          common.Address
	Admin          common.Address
	RebalanceAgent common.Address
	AssetDecimals  int

	MinAPRDeltaBps      uint32
	Cooldown            time.Duration
	PollInterval        time.Duration
	MaxReadingAge       time.Duration
	OracleTimeout       time.Duration
	TransportAckTimeout time.Duration
	Volatility          fees.Config
	GasEstimates        map[id.ChainID]*big.Int

	StatePath     string
	StateLockPath string

	Transport     string
	RabbitMQURL   string
	RabbitMQQueue string
	RedisAddress  string
	RedisPassword string
	RedisDB       int
	RedisList     string

	OracleSource     string
	StaticAPRs       map[id.ChainID]uint32
	SimulatedSeed    int64
	SimulatedSpread  uint32
	DefiLlamaBaseURL string
	DefiLlamaProject string
	DefiLlamaSymbol  string
	SwapEndpoint     string
	SwapAPIKey       string
}

type fileConfig struct {
	Output    string `yaml:"output"`
	Strict    *bool  `yaml:"strict"`
	Timeout   string `yaml:"timeout"`
	Retries   *int   `yaml:"retries"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	Cache     struct {
		Enabled  *bool  `yaml:"enabled"`
		MaxStale string `yaml:"max_stale"`
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"cache"`
	Vault struct {
		ID             string   `yaml:"id"`
		HomeChain      string   `yaml:"home_chain"`
		Chains         []string `yaml:"chains"`
		Owner          string   `yaml:"owner"`
		Admin          string   `yaml:"admin"`
		RebalanceAgent string   `yaml:"rebalance_agent"`
		AssetDecimals  *int     `yaml:"asset_decimals"`
	} `yaml:"vault"`
	MinAPRDeltaBps      *uint32           `yaml:"min_apr_delta_bps"`
	Cooldown            string            `yaml:"cooldown"`
	PollInterval        string            `yaml:"poll_interval"`
	MaxReadingAge       string            `yaml:"max_reading_age"`
	OracleTimeout       string            `yaml:"oracle_timeout"`
	TransportAckTimeout string            `yaml:"transport_ack_timeout"`
	GasEstimates        map[string]string `yaml:"gas_estimates"`
	Volatility          struct {
		ThresholdsBps []uint32 `yaml:"thresholds_bps"`
		FeesBps       []uint32 `yaml:"fees_bps"`
		MaxFeeBps     *uint32  `yaml:"max_fee_bps"`
	} `yaml:"volatility"`
	State struct {
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"state"`
	Transport struct {
		Kind     string `yaml:"kind"`
		RabbitMQ struct {
			URL    string `yaml:"url"`
			URLEnv string `yaml:"url_env"`
			Queue  string `yaml:"queue"`
		} `yaml:"rabbitmq"`
		Redis struct {
			Address     string `yaml:"address"`
			Password    string `yaml:"password"`
			PasswordEnv string `yaml:"password_env"`
			DB          *int   `yaml:"db"`
			List        string `yaml:"list"`
		} `yaml:"redis"`
	} `yaml:"transport"`
	Oracle struct {
		Source       string            `yaml:"source"`
		StaticAPRBps map[string]uint32 `yaml:"static_apr_bps"`
		Simulated    struct {
			Seed      *int64  `yaml:"seed"`
			SpreadBps *uint32 `yaml:"spread_bps"`
		} `yaml:"simulated"`
		DefiLlama struct {
			BaseURL string `yaml:"base_url"`
			Project string `yaml:"project"`
			Symbol  string `yaml:"symbol"`
		} `yaml:"defillama"`
	} `yaml:"oracle"`
	Swap struct {
		Endpoint  string `yaml:"endpoint"`
		APIKey    string `yaml:"api_key"`
		APIKeyEnv string `yaml:"api_key_env"`
	} `yaml:"swap"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	if err := applyEnv(&settings); err != nil {
		return Settings{}, err
	}

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 10 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if settings.MaxStale < 0 {
		settings.MaxStale = 5 * time.Minute
	}

	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

func defaultSettings() (Settings, error) {
	cachePath, lockPath, err := defaultCachePaths()
	if err != nil {
		return Settings{}, err
	}
	cacheDir := filepath.Dir(cachePath)
	return Settings{
		OutputMode:          "json",
		Timeout:             10 * time.Second,
		Retries:             2,
		MaxStale:            5 * time.Minute,
		CacheEnabled:        true,
		CachePath:           cachePath,
		CacheLockPath:       lockPath,
		LogLevel:            "warn",
		LogFormat:           "json",
		VaultID:             "main",
		HomeChain:           8453,
		AssetDecimals:       6,
		Chains:              []id.ChainID{8453, 42161, 10},
		MinAPRDeltaBps:      100,
		Cooldown:            time.Hour,
		PollInterval:        5 * time.Minute,
		MaxReadingAge:       10 * time.Minute,
		OracleTimeout:       5 * time.Second,
		TransportAckTimeout: 10 * time.Second,
		Volatility:          fees.DefaultConfig(),
		GasEstimates:        map[id.ChainID]*big.Int{},
		StatePath:           filepath.Join(cacheDir, "state.db"),
		StateLockPath:       filepath.Join(cacheDir, "state.lock"),
		Transport:           TransportSimulated,
		RabbitMQQueue:       "yieldvault.transfers",
		RedisAddress:        "127.0.0.1:6379",
		RedisList:           "yieldvault:transfers",
		OracleSource:        OracleSimulated,
		StaticAPRs:          map[id.ChainID]uint32{},
		SimulatedSeed:       1,
		SimulatedSpread:     150,
		DefiLlamaProject:    "aave-v3",
		DefiLlamaSymbol:     "USDC",
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "yieldvault", "config.yaml"), nil
}

func defaultCachePaths() (string, string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", err
		}
		base = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(base, "yieldvault")
	return filepath.Join(dir, "cache.db"), filepath.Join(dir, "cache.lock"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if cfg.Strict != nil {
		settings.Strict = *cfg.Strict
	}
	if err := setDuration(&settings.Timeout, cfg.Timeout, "timeout"); err != nil {
		return err
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.LogLevel != "" {
		settings.LogLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" {
		settings.LogFormat = cfg.LogFormat
	}
	if cfg.Cache.Enabled != nil {
		settings.CacheEnabled = *cfg.Cache.Enabled
	}
	if err := setDuration(&settings.MaxStale, cfg.Cache.MaxStale, "cache.max_stale"); err != nil {
		return err
	}
	if cfg.Cache.Path != "" {
		settings.CachePath = cfg.Cache.Path
	}
	if cfg.Cache.LockPath != "" {
		settings.CacheLockPath = cfg.Cache.LockPath
	}

	if cfg.Vault.ID != "" {
		settings.VaultID = cfg.Vault.ID
	}
	if cfg.Vault.AssetDecimals != nil {
		settings.AssetDecimals = *cfg.Vault.AssetDecimals
	}
	if cfg.Vault.HomeChain != "" {
		chain, err := id.ParseChain(cfg.Vault.HomeChain)
		if err != nil {
			return fmt.Errorf("config vault.home_chain: %w", err)
		}
		settings.HomeChain = chain.ID
	}
	if len(cfg.Vault.Chains) > 0 {
		chains, err := id.ParseChains(cfg.Vault.Chains)
		if err != nil {
			return fmt.Errorf("config vault.chains: %w", err)
		}
		settings.Chains = chains
	}
	for _, a := range []struct {
		raw  string
		dst  *common.Address
		name string
	}{
		{cfg.Vault.Owner, &settings.Owner, "vault.owner"},
		{cfg.Vault.Admin, &settings.Admin, "vault.admin"},
		{cfg.Vault.RebalanceAgent, &settings.RebalanceAgent, "vault.rebalance_agent"},
	} {
		if err := setAddress(a.dst, a.raw, a.name); err != nil {
			return err
		}
	}

	if cfg.MinAPRDeltaBps != nil {
		settings.MinAPRDeltaBps = *cfg.MinAPRDeltaBps
	}
	for _, d := range []struct {
		dst  *time.Duration
		raw  string
		name string
	}{
		{&settings.Cooldown, cfg.Cooldown, "cooldown"},
		{&settings.PollInterval, cfg.PollInterval, "poll_interval"},
		{&settings.MaxReadingAge, cfg.MaxReadingAge, "max_reading_age"},
		{&settings.OracleTimeout, cfg.OracleTimeout, "oracle_timeout"},
		{&settings.TransportAckTimeout, cfg.TransportAckTimeout, "transport_ack_timeout"},
	} {
		if err := setDuration(d.dst, d.raw, d.name); err != nil {
			return err
		}
	}
	for raw, amount := range cfg.GasEstimates {
		chain, err := id.ParseChain(raw)
		if err != nil {
			return fmt.Errorf("config gas_estimates: %w", err)
		}
		v, ok := new(big.Int).SetString(strings.TrimSpace(amount), 10)
		if !ok || v.Sign() < 0 {
			return fmt.Errorf("config gas_estimates.%s: invalid amount %q", raw, amount)
		}
		settings.GasEstimates[chain.ID] = v
	}

	if n := len(cfg.Volatility.ThresholdsBps); n > 0 {
		if n != 3 {
			return fmt.Errorf("config volatility.thresholds_bps: expected 3 values, got %d", n)
		}
		settings.Volatility.LowThresholdBps = cfg.Volatility.ThresholdsBps[0]
		settings.Volatility.MediumThresholdBps = cfg.Volatility.ThresholdsBps[1]
		settings.Volatility.HighThresholdBps = cfg.Volatility.ThresholdsBps[2]
	}
	if n := len(cfg.Volatility.FeesBps); n > 0 {
		if n != 3 {
			return fmt.Errorf("config volatility.fees_bps: expected 3 values, got %d", n)
		}
		settings.Volatility.LowFeeBps = cfg.Volatility.FeesBps[0]
		settings.Volatility.MediumFeeBps = cfg.Volatility.FeesBps[1]
		settings.Volatility.HighFeeBps = cfg.Volatility.FeesBps[2]
	}
	if cfg.Volatility.MaxFeeBps != nil {
		settings.Volatility.MaxFeeBps = *cfg.Volatility.MaxFeeBps
	}

	if cfg.State.Path != "" {
		settings.StatePath = cfg.State.Path
	}
	if cfg.State.LockPath != "" {
		settings.StateLockPath = cfg.State.LockPath
	}

	if cfg.Transport.Kind != "" {
		settings.Transport = strings.ToLower(cfg.Transport.Kind)
	}
	if cfg.Transport.RabbitMQ.URL != "" {
		settings.RabbitMQURL = cfg.Transport.RabbitMQ.URL
	}
	if cfg.Transport.RabbitMQ.URLEnv != "" {
		settings.RabbitMQURL = os.Getenv(cfg.Transport.RabbitMQ.URLEnv)
	}
	if cfg.Transport.RabbitMQ.Queue != "" {
		settings.RabbitMQQueue = cfg.Transport.RabbitMQ.Queue
	}
	if cfg.Transport.Redis.Address != "" {
		settings.RedisAddress = cfg.Transport.Redis.Address
	}
	if cfg.Transport.Redis.Password != "" {
		settings.RedisPassword = cfg.Transport.Redis.Password
	}
	if cfg.Transport.Redis.PasswordEnv != "" {
		settings.RedisPassword = os.Getenv(cfg.Transport.Redis.PasswordEnv)
	}
	if cfg.Transport.Redis.DB != nil {
		settings.RedisDB = *cfg.Transport.Redis.DB
	}
	if cfg.Transport.Redis.List != "" {
		settings.RedisList = cfg.Transport.Redis.List
	}

	if cfg.Oracle.Source != "" {
		settings.OracleSource = strings.ToLower(cfg.Oracle.Source)
	}
	for raw, bps := range cfg.Oracle.StaticAPRBps {
		chain, err := id.ParseChain(raw)
		if err != nil {
			return fmt.Errorf("config oracle.static_apr_bps: %w", err)
		}
		settings.StaticAPRs[chain.ID] = bps
	}
	if cfg.Oracle.Simulated.Seed != nil {
		settings.SimulatedSeed = *cfg.Oracle.Simulated.Seed
	}
	if cfg.Oracle.Simulated.SpreadBps != nil {
		settings.SimulatedSpread = *cfg.Oracle.Simulated.SpreadBps
	}
	if cfg.Oracle.DefiLlama.BaseURL != "" {
		settings.DefiLlamaBaseURL = cfg.Oracle.DefiLlama.BaseURL
	}
	if cfg.Oracle.DefiLlama.Project != "" {
		settings.DefiLlamaProject = cfg.Oracle.DefiLlama.Project
	}
	if cfg.Oracle.DefiLlama.Symbol != "" {
		settings.DefiLlamaSymbol = cfg.Oracle.DefiLlama.Symbol
	}

	if cfg.Swap.Endpoint != "" {
		settings.SwapEndpoint = cfg.Swap.Endpoint
	}
	if cfg.Swap.APIKey != "" {
		settings.SwapAPIKey = cfg.Swap.APIKey
	}
	if cfg.Swap.APIKeyEnv != "" {
		settings.SwapAPIKey = os.Getenv(cfg.Swap.APIKeyEnv)
	}

	return nil
}

func applyEnv(settings *Settings) error {
	if v := os.Getenv("YIELDVAULT_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv("YIELDVAULT_STRICT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.Strict = b
		}
	}
	if v := os.Getenv("YIELDVAULT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := os.Getenv("YIELDVAULT_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := os.Getenv("YIELDVAULT_MAX_STALE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.MaxStale = d
		}
	}
	if v := os.Getenv("YIELDVAULT_NO_CACHE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.CacheEnabled = !b
		}
	}
	if v := os.Getenv("YIELDVAULT_CACHE_PATH"); v != "" {
		settings.CachePath = v
	}
	if v := os.Getenv("YIELDVAULT_CACHE_LOCK_PATH"); v != "" {
		settings.CacheLockPath = v
	}
	if v := os.Getenv("YIELDVAULT_LOG_LEVEL"); v != "" {
		settings.LogLevel = v
	}
	if v := os.Getenv("YIELDVAULT_VAULT"); v != "" {
		settings.VaultID = v
	}
	if v := os.Getenv("YIELDVAULT_STATE_PATH"); v != "" {
		settings.StatePath = v
	}
	if v := os.Getenv("YIELDVAULT_STATE_LOCK_PATH"); v != "" {
		settings.StateLockPath = v
	}
	if v := os.Getenv("YIELDVAULT_MIN_APR_DELTA_BPS"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("YIELDVAULT_MIN_APR_DELTA_BPS: %w", err)
		}
		settings.MinAPRDeltaBps = uint32(n)
	}
	if v := os.Getenv("YIELDVAULT_COOLDOWN"); v != "" {
		if err := setDuration(&settings.Cooldown, v, "YIELDVAULT_COOLDOWN"); err != nil {
			return err
		}
	}
	if v := os.Getenv("YIELDVAULT_POLL_INTERVAL"); v != "" {
		if err := setDuration(&settings.PollInterval, v, "YIELDVAULT_POLL_INTERVAL"); err != nil {
			return err
		}
	}
	if v := os.Getenv("YIELDVAULT_OWNER"); v != "" {
		if err := setAddress(&settings.Owner, v, "YIELDVAULT_OWNER"); err != nil {
			return err
		}
	}
	if v := os.Getenv("YIELDVAULT_ADMIN"); v != "" {
		if err := setAddress(&settings.Admin, v, "YIELDVAULT_ADMIN"); err != nil {
			return err
		}
	}
	if v := os.Getenv("YIELDVAULT_TRANSPORT"); v != "" {
		settings.Transport = strings.ToLower(v)
	}
	if v := os.Getenv("YIELDVAULT_RABBITMQ_URL"); v != "" {
		settings.RabbitMQURL = v
	}
	if v := os.Getenv("YIELDVAULT_REDIS_ADDRESS"); v != "" {
		settings.RedisAddress = v
	}
	if v := os.Getenv("YIELDVAULT_REDIS_PASSWORD"); v != "" {
		settings.RedisPassword = v
	}
	if v := os.Getenv("YIELDVAULT_ORACLE"); v != "" {
		settings.OracleSource = strings.ToLower(v)
	}
	if v := os.Getenv("YIELDVAULT_SWAP_API_KEY"); v != "" {
		settings.SwapAPIKey = v
	}
	return nil
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if strings.TrimSpace(flags.Select) != "" {
		settings.SelectFields = splitList(flags.Select)
	}
	settings.ResultsOnly = flags.ResultsOnly

	if strings.TrimSpace(flags.EnableCommands) != "" {
		settings.EnableCommands = splitList(flags.EnableCommands)
	}

	if flags.Strict {
		settings.Strict = true
	}
	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if flags.MaxStale != "" {
		d, err := time.ParseDuration(flags.MaxStale)
		if err != nil {
			return fmt.Errorf("parse --max-stale: %w", err)
		}
		settings.MaxStale = d
	}
	if flags.NoStale {
		settings.NoStale = true
	}
	if flags.NoCache {
		settings.CacheEnabled = false
	}
	if flags.LogLevel != "" {
		settings.LogLevel = flags.LogLevel
	}
	if flags.Vault != "" {
		settings.VaultID = flags.Vault
	}
	if flags.StatePath != "" {
		settings.StatePath = flags.StatePath
		settings.StateLockPath = strings.TrimSuffix(flags.StatePath, filepath.Ext(flags.StatePath)) + ".lock"
	}
	if flags.Transport != "" {
		settings.Transport = strings.ToLower(flags.Transport)
	}
	if flags.OracleSource != "" {
		settings.OracleSource = strings.ToLower(flags.OracleSource)
	}
	if flags.ReadOnly {
		settings.ReadOnly = true
	}
	if flags.MinAPRDeltaBps >= 0 {
		settings.MinAPRDeltaBps = uint32(flags.MinAPRDeltaBps)
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}

	return nil
}

// Validate checks the merged settings. The home chain is always monitored.
func (s *Settings) Validate() error {
	if strings.TrimSpace(s.VaultID) == "" {
		return fmt.Errorf("vault id is required")
	}
	if err := s.Volatility.Validate(); err != nil {
		return err
	}
	for _, d := range []struct {
		v    time.Duration
		name string
	}{
		{s.PollInterval, "poll_interval"},
		{s.MaxReadingAge, "max_reading_age"},
		{s.OracleTimeout, "oracle_timeout"},
		{s.TransportAckTimeout, "transport_ack_timeout"},
	} {
		if d.v <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}
	if s.Cooldown < 0 {
		return fmt.Errorf("cooldown must not be negative")
	}
	if s.AssetDecimals < 0 || s.AssetDecimals > 36 {
		return fmt.Errorf("vault.asset_decimals must be between 0 and 36")
	}
	switch s.Transport {
	case TransportSimulated:
	case TransportRabbitMQ:
		if s.RabbitMQURL == "" {
			return fmt.Errorf("transport rabbitmq requires a url")
		}
	case TransportRedis:
		if s.RedisAddress == "" {
			return fmt.Errorf("transport redis requires an address")
		}
	default:
		return fmt.Errorf("unsupported transport %q", s.Transport)
	}
	switch s.OracleSource {
	case OracleSimulated, OracleStatic, OracleDefiLlama:
	default:
		return fmt.Errorf("unsupported oracle source %q", s.OracleSource)
	}
	home := false
	for _, c := range s.Chains {
		if c == s.HomeChain {
			home = true
			break
		}
	}
	if !home {
		s.Chains = append([]id.ChainID{s.HomeChain}, s.Chains...)
	}
	return nil
}

func setDuration(dst *time.Duration, raw, name string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config %s: %w", name, err)
	}
	*dst = d
	return nil
}

func setAddress(dst *common.Address, raw, name string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	addr, err := id.ParseAddress(raw)
	if err != nil {
		return fmt.Errorf("config %s: %w", name, err)
	}
	*dst = addr
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

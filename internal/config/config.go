package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/decaflow/decaflow/internal/fees"
	"github.com/decaflow/decaflow/internal/registry"
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
}

type Settings struct {
	OutputMode      string
	SelectFields    []string
	ResultsOnly     bool
	EnableCommands  []string
	Strict          bool
	Timeout         time.Duration
	Retries         int
	MaxStale        time.Duration
	NoStale         bool
	CacheEnabled    bool
	CachePath       string
	CacheLockPath   string
	ActionStorePath string
	ActionLockPath  string

	// Platform fee policy. The bps values feed fees.Describe once per
	// request; treasury receives the collected fee.
	SwapFeeBps   int64
	BridgeFeeBps int64
	Treasury     string

	// Fee-forwarding router deployments by EVM chain id. Applied to the
	// registry at load time so direct-exchange swaps route through the
	// contract on those chains.
	FeeRouters map[int64]string

	ZeroExAPIKey   string
	SocketRelayURL string
}

type fileConfig struct {
	Output  string `yaml:"output"`
	Strict  *bool  `yaml:"strict"`
	Timeout string `yaml:"timeout"`
	Retries *int   `yaml:"retries"`
	Cache   struct {
		Enabled  *bool  `yaml:"enabled"`
		MaxStale string `yaml:"max_stale"`
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"cache"`
	Execution struct {
		ActionsPath     string `yaml:"actions_path"`
		ActionsLockPath string `yaml:"actions_lock_path"`
	} `yaml:"execution"`
	Fees struct {
		SwapBps    *int64            `yaml:"swap_bps"`
		BridgeBps  *int64            `yaml:"bridge_bps"`
		Treasury   string            `yaml:"treasury"`
		FeeRouters map[string]string `yaml:"fee_routers"`
	} `yaml:"fees"`
	Providers struct {
		ZeroEx struct {
			APIKey    string `yaml:"api_key"`
			APIKeyEnv string `yaml:"api_key_env"`
		} `yaml:"zeroex"`
		Socket struct {
			RelayURL string `yaml:"relay_url"`
		} `yaml:"socket"`
	} `yaml:"providers"`
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

	applyEnv(&settings)

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
	if settings.SwapFeeBps < 0 || settings.SwapFeeBps > 10000 {
		return Settings{}, fmt.Errorf("swap fee bps must be in [0, 10000]")
	}
	if settings.BridgeFeeBps < 0 || settings.BridgeFeeBps > 10000 {
		return Settings{}, fmt.Errorf("bridge fee bps must be in [0, 10000]")
	}
	if !registry.IsAllowedRelayURL(settings.SocketRelayURL) {
		return Settings{}, fmt.Errorf("socket relay url must be https (or loopback http)")
	}

	for chainID, address := range settings.FeeRouters {
		registry.SetFeeRouterAddress(chainID, address)
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
		OutputMode:      "json",
		Timeout:         10 * time.Second,
		Retries:         2,
		MaxStale:        5 * time.Minute,
		CacheEnabled:    true,
		CachePath:       cachePath,
		CacheLockPath:   lockPath,
		ActionStorePath: filepath.Join(cacheDir, "actions.db"),
		ActionLockPath:  filepath.Join(cacheDir, "actions.lock"),
		SwapFeeBps:      fees.DefaultSwapBps,
		BridgeFeeBps:    fees.DefaultBridgeBps,
		Treasury:        registry.TreasuryWallet,
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
	return filepath.Join(base, "decaflow", "config.yaml"), nil
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
	dir := filepath.Join(base, "decaflow")
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
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return fmt.Errorf("config timeout: %w", err)
		}
		settings.Timeout = d
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.Cache.Enabled != nil {
		settings.CacheEnabled = *cfg.Cache.Enabled
	}
	if cfg.Cache.MaxStale != "" {
		d, err := time.ParseDuration(cfg.Cache.MaxStale)
		if err != nil {
			return fmt.Errorf("config cache.max_stale: %w", err)
		}
		settings.MaxStale = d
	}
	if cfg.Cache.Path != "" {
		settings.CachePath = cfg.Cache.Path
	}
	if cfg.Cache.LockPath != "" {
		settings.CacheLockPath = cfg.Cache.LockPath
	}
	if cfg.Execution.ActionsPath != "" {
		settings.ActionStorePath = cfg.Execution.ActionsPath
	}
	if cfg.Execution.ActionsLockPath != "" {
		settings.ActionLockPath = cfg.Execution.ActionsLockPath
	}
	if cfg.Fees.SwapBps != nil {
		settings.SwapFeeBps = *cfg.Fees.SwapBps
	}
	if cfg.Fees.BridgeBps != nil {
		settings.BridgeFeeBps = *cfg.Fees.BridgeBps
	}
	if cfg.Fees.Treasury != "" {
		settings.Treasury = cfg.Fees.Treasury
	}
	for chainKey, address := range cfg.Fees.FeeRouters {
		chainID, err := strconv.ParseInt(strings.TrimSpace(chainKey), 10, 64)
		if err != nil {
			return fmt.Errorf("config fees.fee_routers: chain id %q: %w", chainKey, err)
		}
		if settings.FeeRouters == nil {
			settings.FeeRouters = map[int64]string{}
		}
		settings.FeeRouters[chainID] = address
	}
	if cfg.Providers.ZeroEx.APIKey != "" {
		settings.ZeroExAPIKey = cfg.Providers.ZeroEx.APIKey
	}
	if cfg.Providers.ZeroEx.APIKeyEnv != "" {
		settings.ZeroExAPIKey = os.Getenv(cfg.Providers.ZeroEx.APIKeyEnv)
	}
	if cfg.Providers.Socket.RelayURL != "" {
		settings.SocketRelayURL = cfg.Providers.Socket.RelayURL
	}

	return nil
}

func applyEnv(settings *Settings) {
	if v := os.Getenv("DECAFLOW_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv("DECAFLOW_STRICT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.Strict = b
		}
	}
	if v := os.Getenv("DECAFLOW_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := os.Getenv("DECAFLOW_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := os.Getenv("DECAFLOW_MAX_STALE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.MaxStale = d
		}
	}
	if v := os.Getenv("DECAFLOW_NO_STALE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.NoStale = b
		}
	}
	if v := os.Getenv("DECAFLOW_NO_CACHE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.CacheEnabled = !b
		}
	}
	if v := os.Getenv("DECAFLOW_CACHE_PATH"); v != "" {
		settings.CachePath = v
	}
	if v := os.Getenv("DECAFLOW_CACHE_LOCK_PATH"); v != "" {
		settings.CacheLockPath = v
	}
	if v := os.Getenv("DECAFLOW_ACTIONS_PATH"); v != "" {
		settings.ActionStorePath = v
	}
	if v := os.Getenv("DECAFLOW_ACTIONS_LOCK_PATH"); v != "" {
		settings.ActionLockPath = v
	}
	if v := os.Getenv("DECAFLOW_SWAP_FEE_BPS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			settings.SwapFeeBps = n
		}
	}
	if v := os.Getenv("DECAFLOW_BRIDGE_FEE_BPS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			settings.BridgeFeeBps = n
		}
	}
	if v := os.Getenv("DECAFLOW_TREASURY"); v != "" {
		settings.Treasury = v
	}
	if v := os.Getenv("DECAFLOW_ZEROEX_API_KEY"); v != "" {
		settings.ZeroExAPIKey = v
	}
	if v := os.Getenv("DECAFLOW_SOCKET_RELAY_URL"); v != "" {
		settings.SocketRelayURL = v
	}
	// DECAFLOW_FEE_ROUTER_<chainid>=<address> registers a fee router for one
	// chain without a config file.
	for _, entry := range os.Environ() {
		name, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(name, "DECAFLOW_FEE_ROUTER_") {
			continue
		}
		chainID, err := strconv.ParseInt(strings.TrimPrefix(name, "DECAFLOW_FEE_ROUTER_"), 10, 64)
		if err != nil || strings.TrimSpace(value) == "" {
			continue
		}
		if settings.FeeRouters == nil {
			settings.FeeRouters = map[int64]string{}
		}
		settings.FeeRouters[chainID] = value
	}
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
		parts := strings.Split(flags.Select, ",")
		fields := make([]string, 0, len(parts))
		for _, part := range parts {
			f := strings.TrimSpace(part)
			if f != "" {
				fields = append(fields, f)
			}
		}
		settings.SelectFields = fields
	}
	settings.ResultsOnly = flags.ResultsOnly

	if strings.TrimSpace(flags.EnableCommands) != "" {
		parts := strings.Split(flags.EnableCommands, ",")
		allowed := make([]string, 0, len(parts))
		for _, part := range parts {
			v := strings.TrimSpace(part)
			if v != "" {
				allowed = append(allowed, v)
			}
		}
		settings.EnableCommands = allowed
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

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}

	return nil
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	Listen    string
	NetworkID uint64
	RPCURL    string

	PGDSN          string
	SQLitePath     string
	NATSURL        string
	NATSPrefix     string
	JournalPath    string
	SnapshotPath   string
	SnapshotEvery  time.Duration
	HoldingAddress string

	Admin       string
	Relayers    []string
	Rebalancer  string
	Vault       string
	FeeReceiver string
	JWTSecret   string

	WrappedNative    string
	UniswapRouter    string
	LPPair           []string
	MinFee           uint64
	MaxFee           uint64
	TransferLockup   time.Duration
	SaveFundsLockUp  time.Duration
	SmallBalanceSwap bool
	BlockTime        time.Duration
	StrategyTimeout  time.Duration

	MaxRetries   int
	RetryBackoff time.Duration
	LogLevel     string
}

// ReconcileConfig holds configuration for the reconcile command.
type ReconcileConfig struct {
	RPCURL         string
	SnapshotPath   string
	HoldingAddress string
	Tolerance      string
	MaxRetries     int
	RetryBackoff   time.Duration
	LogLevel       string
}

// InflowConfig holds configuration for the inflows command.
type InflowConfig struct {
	RPCURL         string
	HoldingAddress string
	Tokens         []string
	SnapshotPath   string
	FromBlock      uint64
	ToBlock        uint64
	BatchSize      uint64
	Out            string
	Checkpoint     string
	MaxRetries     int
	RetryBackoff   time.Duration
	LogLevel       string
}

func newViper(cfgFile string, flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("VAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen", ":8080")
	v.SetDefault("network-id", uint64(1))
	v.SetDefault("nats-prefix", "vault")
	v.SetDefault("journal", "./data/events.jsonl")
	v.SetDefault("snapshot", "./data/vault.json")
	v.SetDefault("snapshot-interval", time.Minute)
	v.SetDefault("max-fee", uint64(10000))
	v.SetDefault("save-funds-lockup", 12*time.Hour)
	v.SetDefault("block-time", 12*time.Second)
	v.SetDefault("strategy-timeout", 30*time.Second)
	v.SetDefault("max-retries", 5)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("tolerance", "0")
	v.SetDefault("batch-size", uint64(2000))
	v.SetDefault("out", "./data/inflows.jsonl")
	v.SetDefault("checkpoint", "./data/inflows_checkpoint.json")
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}
	return v, nil
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v, err := newViper(cfgFile, flags)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Listen:           v.GetString("listen"),
		NetworkID:        v.GetUint64("network-id"),
		RPCURL:           v.GetString("rpc"),
		PGDSN:            v.GetString("pg-dsn"),
		SQLitePath:       v.GetString("sqlite"),
		NATSURL:          v.GetString("nats-url"),
		NATSPrefix:       v.GetString("nats-prefix"),
		JournalPath:      v.GetString("journal"),
		SnapshotPath:     v.GetString("snapshot"),
		SnapshotEvery:    v.GetDuration("snapshot-interval"),
		HoldingAddress:   v.GetString("holding-address"),
		Admin:            v.GetString("admin"),
		Relayers:         getStringSlice(v, "relayer"),
		Rebalancer:       v.GetString("rebalancer"),
		Vault:            v.GetString("vault"),
		FeeReceiver:      v.GetString("fee-receiver"),
		JWTSecret:        v.GetString("jwt-secret"),
		WrappedNative:    v.GetString("wrapped-native"),
		UniswapRouter:    v.GetString("uniswap-router"),
		LPPair:           getStringSlice(v, "lp-pair"),
		MinFee:           v.GetUint64("min-fee"),
		MaxFee:           v.GetUint64("max-fee"),
		TransferLockup:   v.GetDuration("transfer-lockup"),
		SaveFundsLockUp:  v.GetDuration("save-funds-lockup"),
		SmallBalanceSwap: v.GetBool("small-balance-swap"),
		BlockTime:        v.GetDuration("block-time"),
		StrategyTimeout:  v.GetDuration("strategy-timeout"),
		MaxRetries:       v.GetInt("max-retries"),
		RetryBackoff:     v.GetDuration("retry-backoff"),
		LogLevel:         v.GetString("log-level"),
	}

	if cfg.Admin == "" {
		return Config{}, fmt.Errorf("admin address is required")
	}
	if cfg.MinFee > cfg.MaxFee {
		return Config{}, fmt.Errorf("min-fee %d exceeds max-fee %d", cfg.MinFee, cfg.MaxFee)
	}
	if n := len(cfg.LPPair); n != 0 && n != 2 {
		return Config{}, fmt.Errorf("lp-pair takes two token addresses, got %d", n)
	}
	for _, addr := range cfg.LPPair {
		if !common.IsHexAddress(addr) {
			return Config{}, fmt.Errorf("lp-pair: invalid address %q", addr)
		}
	}
	return cfg, nil
}

// LoadReconcile merges config file, environment variables, and flags into ReconcileConfig.
func LoadReconcile(cfgFile string, flags *pflag.FlagSet) (ReconcileConfig, error) {
	v, err := newViper(cfgFile, flags)
	if err != nil {
		return ReconcileConfig{}, err
	}

	cfg := ReconcileConfig{
		RPCURL:         v.GetString("rpc"),
		SnapshotPath:   v.GetString("snapshot"),
		HoldingAddress: v.GetString("holding-address"),
		Tolerance:      v.GetString("tolerance"),
		MaxRetries:     v.GetInt("max-retries"),
		RetryBackoff:   v.GetDuration("retry-backoff"),
		LogLevel:       v.GetString("log-level"),
	}
	if cfg.RPCURL == "" {
		return ReconcileConfig{}, fmt.Errorf("rpc url is required")
	}
	if cfg.HoldingAddress == "" {
		return ReconcileConfig{}, fmt.Errorf("holding address is required")
	}
	return cfg, nil
}

// LoadInflows merges config file, environment variables, and flags into InflowConfig.
func LoadInflows(cfgFile string, flags *pflag.FlagSet) (InflowConfig, error) {
	v, err := newViper(cfgFile, flags)
	if err != nil {
		return InflowConfig{}, err
	}

	cfg := InflowConfig{
		RPCURL:         v.GetString("rpc"),
		HoldingAddress: v.GetString("holding-address"),
		Tokens:         getStringSlice(v, "token"),
		SnapshotPath:   v.GetString("snapshot"),
		FromBlock:      v.GetUint64("from"),
		ToBlock:        v.GetUint64("to"),
		BatchSize:      v.GetUint64("batch-size"),
		Out:            v.GetString("out"),
		Checkpoint:     v.GetString("checkpoint"),
		MaxRetries:     v.GetInt("max-retries"),
		RetryBackoff:   v.GetDuration("retry-backoff"),
		LogLevel:       v.GetString("log-level"),
	}
	if cfg.RPCURL == "" {
		return InflowConfig{}, fmt.Errorf("rpc url is required")
	}
	if cfg.HoldingAddress == "" {
		return InflowConfig{}, fmt.Errorf("holding address is required")
	}
	if cfg.ToBlock != 0 && cfg.ToBlock < cfg.FromBlock {
		return InflowConfig{}, fmt.Errorf("to block %d is before from block %d", cfg.ToBlock, cfg.FromBlock)
	}
	return cfg, nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}

package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	root := &cobra.Command{
		Use:          "vaultd",
		Short:        "Cross-network liquidity vault",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the vault HTTP API",
		RunE:  runServe,
	}

	serveCmd.Flags().String("listen", ":8080", "HTTP listen address")
	serveCmd.Flags().Uint64("network-id", 1, "local network id")
	serveCmd.Flags().String("rpc", "", "RPC URL (optional, enables token metadata and on-chain AMM)")
	serveCmd.Flags().String("pg-dsn", "", "Postgres DSN for withdrawals, events and snapshots")
	serveCmd.Flags().String("sqlite", "", "SQLite path for withdrawals and events")
	serveCmd.Flags().String("nats-url", "", "NATS URL for event publishing")
	serveCmd.Flags().String("nats-prefix", "vault", "NATS subject prefix")
	serveCmd.Flags().String("journal", "./data/events.jsonl", "event journal JSONL path")
	serveCmd.Flags().String("snapshot", "./data/vault.json", "snapshot file path (empty uses Postgres when configured)")
	serveCmd.Flags().Duration("snapshot-interval", time.Minute, "snapshot interval")
	serveCmd.Flags().String("holding-address", "", "on-chain holding address")
	serveCmd.Flags().String("admin", "", "initial owner address")
	serveCmd.Flags().StringSlice("relayer", nil, "relayer addresses (comma-separated)")
	serveCmd.Flags().String("rebalancer", "", "rebalancing bot address")
	serveCmd.Flags().String("vault", "", "vault role address")
	serveCmd.Flags().String("fee-receiver", "", "fee receiver address")
	serveCmd.Flags().String("jwt-secret", "", "HMAC secret for API bearer tokens")
	serveCmd.Flags().String("wrapped-native", "", "wrapped native token address")
	serveCmd.Flags().String("uniswap-router", "", "UniswapV2 router address")
	serveCmd.Flags().StringSlice("lp-pair", nil, "token pair for the LP investment strategy (two addresses)")
	serveCmd.Flags().Uint64("min-fee", 0, "minimum fee percentage in basis points")
	serveCmd.Flags().Uint64("max-fee", 10000, "maximum fee percentage in basis points")
	serveCmd.Flags().Duration("transfer-lockup", 0, "per-sender transfer lockup")
	serveCmd.Flags().Duration("save-funds-lockup", 12*time.Hour, "emergency withdrawal lockup")
	serveCmd.Flags().Bool("small-balance-swap", false, "allow swapping part of a withdrawal to native")
	serveCmd.Flags().Duration("block-time", 12*time.Second, "block time used without an RPC")
	serveCmd.Flags().Duration("strategy-timeout", 30*time.Second, "investment strategy call timeout")
	serveCmd.Flags().Int("max-retries", 5, "maximum retry attempts")
	serveCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	serveCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(serveCmd)

	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare snapshot balances with on-chain holdings",
		RunE:  runReconcile,
	}

	reconcileCmd.Flags().String("rpc", "", "RPC URL")
	reconcileCmd.Flags().String("snapshot", "./data/vault.json", "snapshot file path")
	reconcileCmd.Flags().String("holding-address", "", "on-chain holding address")
	reconcileCmd.Flags().String("tolerance", "0", "allowed drift in token units")
	reconcileCmd.Flags().Int("max-retries", 5, "maximum retry attempts")
	reconcileCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	reconcileCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(reconcileCmd)

	inflowsCmd := &cobra.Command{
		Use:   "inflows",
		Short: "Journal on-chain token transfers into the holding address",
		RunE:  runInflows,
	}

	inflowsCmd.Flags().String("rpc", "", "RPC URL")
	inflowsCmd.Flags().String("holding-address", "", "on-chain holding address")
	inflowsCmd.Flags().StringSlice("token", nil, "token addresses (comma-separated, default: snapshot tokens)")
	inflowsCmd.Flags().String("snapshot", "./data/vault.json", "snapshot file path")
	inflowsCmd.Flags().Uint64("from", 0, "start block (inclusive)")
	inflowsCmd.Flags().Uint64("to", 0, "end block (inclusive), 0 means latest")
	inflowsCmd.Flags().Uint64("batch-size", 2000, "blocks per batch")
	inflowsCmd.Flags().String("out", "./data/inflows.jsonl", "output JSONL path")
	inflowsCmd.Flags().String("checkpoint", "./data/inflows_checkpoint.json", "checkpoint file path (empty disables)")
	inflowsCmd.Flags().Int("max-retries", 5, "maximum retry attempts")
	inflowsCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	inflowsCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(inflowsCmd)

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token for an address",
		RunE:  runToken,
	}

	tokenCmd.Flags().String("jwt-secret", "", "HMAC secret for API bearer tokens")
	tokenCmd.Flags().String("address", "", "caller address")
	tokenCmd.Flags().Duration("ttl", time.Hour, "token lifetime")

	root.AddCommand(tokenCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

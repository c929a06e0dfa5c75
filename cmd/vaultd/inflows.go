package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"liquidityVault/internal/chain"
	"liquidityVault/internal/config"
	"liquidityVault/internal/inflow"
	"liquidityVault/internal/model"
	"liquidityVault/internal/snapshot"
	"liquidityVault/internal/storage"
)

func runInflows(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadInflows(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	holders, err := chain.ParseAddresses([]string{cfg.HoldingAddress})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tokens, decimals, err := inflowTokens(ctx, cfg)
	if err != nil {
		return err
	}

	client, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer client.Close()

	watcher := inflow.NewWatcher(inflow.Config{
		Holder:         holders[0],
		Tokens:         tokens,
		FromBlock:      cfg.FromBlock,
		ToBlock:        cfg.ToBlock,
		BatchSize:      cfg.BatchSize,
		CheckpointPath: cfg.Checkpoint,
		MaxRetries:     cfg.MaxRetries,
		RetryBackoff:   cfg.RetryBackoff,
	}, client, storage.NewJsonlStorage(cfg.Out), logger)

	logger.Info("inflow scan start",
		zap.String("holder", holders[0].Hex()),
		zap.Int("tokens", len(tokens)),
		zap.Uint64("from", cfg.FromBlock),
		zap.Uint64("to", cfg.ToBlock),
		zap.String("out", cfg.Out),
	)

	summary, err := watcher.Run(ctx)
	if err != nil {
		return err
	}
	for _, token := range summary.SortedTokens() {
		logger.Info("inflow total",
			zap.String("token", token.Hex()),
			zap.String("amount", model.FormatAmount(summary.Totals[token], decimals[token])),
		)
	}
	logger.Info("inflow scan done", zap.Int("transfers", summary.Transfers), zap.Uint64("from", summary.FromBlock), zap.Uint64("to", summary.ToBlock))
	return nil
}

// inflowTokens uses --token when given, otherwise every token booked in the snapshot.
func inflowTokens(ctx context.Context, cfg config.InflowConfig) ([]common.Address, map[common.Address]uint8, error) {
	decimals := make(map[common.Address]uint8)
	st, ok, err := (&snapshot.FileStore{Path: cfg.SnapshotPath}).Load(ctx)
	if err != nil {
		return nil, nil, err
	}
	if ok {
		for _, tok := range st.Registry.Tokens {
			decimals[tok.Address] = tok.Decimals
		}
	}

	if len(cfg.Tokens) > 0 {
		tokens, err := chain.ParseAddresses(cfg.Tokens)
		return tokens, decimals, err
	}
	if !ok {
		return nil, nil, fmt.Errorf("no --token given and snapshot %s not found", cfg.SnapshotPath)
	}
	tokens := make([]common.Address, 0, len(st.Registry.Tokens))
	for _, tok := range st.Registry.Tokens {
		tokens = append(tokens, tok.Address)
	}
	return tokens, decimals, nil
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"liquidityVault/internal/chain"
	"liquidityVault/internal/config"
	"liquidityVault/internal/snapshot"
)

func runReconcile(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadReconcile(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if !common.IsHexAddress(cfg.HoldingAddress) {
		return fmt.Errorf("invalid holding address %q", cfg.HoldingAddress)
	}
	tolerance, err := decimal.NewFromString(cfg.Tolerance)
	if err != nil {
		return fmt.Errorf("parse tolerance: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, ok, err := (&snapshot.FileStore{Path: cfg.SnapshotPath}).Load(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("snapshot %s not found", cfg.SnapshotPath)
	}

	client, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer client.Close()
	client.SetRetry(cfg.MaxRetries, cfg.RetryBackoff)
	client.SetLogger(logger.Named("chain"))

	drifts, err := snapshot.Reconcile(ctx, st, client, common.HexToAddress(cfg.HoldingAddress), tolerance)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	failed := 0
	for _, d := range drifts {
		if err := enc.Encode(d); err != nil {
			return err
		}
		if !d.Within {
			failed++
			logger.Warn("holding drift",
				zap.String("token", d.Token.Hex()),
				zap.String("expected", d.Expected),
				zap.String("on_chain", d.OnChain),
				zap.String("delta", d.Delta),
			)
		}
	}
	logger.Info("reconcile done", zap.Int("tokens", len(drifts)), zap.Int("drifted", failed), zap.String("snapshot_at", st.UpdatedAt))
	if failed > 0 {
		return fmt.Errorf("%d token(s) outside tolerance %s", failed, tolerance.String())
	}
	return nil
}

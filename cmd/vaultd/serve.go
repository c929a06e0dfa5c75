package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"liquidityVault/internal/api"
	"liquidityVault/internal/app"
	"liquidityVault/internal/config"
)

func runServe(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vault, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer vault.Close()

	if cfg.JWTSecret == "" {
		logger.Warn("jwt secret is empty, every API request will be rejected")
	}

	logger.Info("vault start",
		zap.String("listen", cfg.Listen),
		zap.Uint64("network_id", cfg.NetworkID),
		zap.Bool("rpc", cfg.RPCURL != ""),
		zap.Bool("postgres", cfg.PGDSN != ""),
		zap.Bool("sqlite", cfg.SQLitePath != ""),
		zap.Bool("nats", cfg.NATSURL != ""),
		zap.String("snapshot", cfg.SnapshotPath),
		zap.Duration("snapshot_interval", cfg.SnapshotEvery),
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		vault.RunSnapshots(ctx, cfg.SnapshotEvery)
	}()

	server := api.New(api.Config{Listen: cfg.Listen, JWTSecret: cfg.JWTSecret}, vault, logger.Named("api"))
	err = server.Run(ctx)
	stop()
	wg.Wait()
	return err
}

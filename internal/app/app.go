package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"liquidityVault/internal/access"
	"liquidityVault/internal/barrier"
	"liquidityVault/internal/chain"
	"liquidityVault/internal/config"
	"liquidityVault/internal/events"
	"liquidityVault/internal/gateway"
	"liquidityVault/internal/holding"
	"liquidityVault/internal/ledger"
	"liquidityVault/internal/metrics"
	"liquidityVault/internal/registry"
	"liquidityVault/internal/snapshot"
	"liquidityVault/internal/storage"
	"liquidityVault/internal/storage/postgres"
	"liquidityVault/internal/storage/sqlite"
	"liquidityVault/internal/strategy"
	"liquidityVault/internal/swap"
	"liquidityVault/internal/vaulterr"
	"liquidityVault/internal/withdrawal"
)

const (
	// PoolAMMID is the in-process constant-product pool.
	PoolAMMID uint64 = 1
	// UniswapAMMID is the on-chain UniswapV2 router, registered when an RPC and router are configured.
	UniswapAMMID uint64 = 2
	// PoolNativeSwapperID swaps into the wrapped native token through the pool.
	PoolNativeSwapperID uint64 = 1

	LendingStrategyID = "lending"
	// LPStrategyID provides liquidity to the configured token pair.
	LPStrategyID = "lp"
)

// Vault is the wired set of vault components.
type Vault struct {
	Auth        *access.Authorizer
	Registry    *registry.Registry
	Ledger      *ledger.Ledger
	Holding     *holding.Holding
	Strategies  *strategy.Registry
	Lending     *strategy.LendingStrategy
	LP          *strategy.PoolStrategy
	Pool        *swap.ConstantProduct
	Router      *swap.Router
	Natives     *swap.NativeSwappers
	Gateway     *gateway.Gateway
	Coordinator *withdrawal.Coordinator
	Bus         *events.Bus
	Recent      *events.Recorder
	Metrics     *metrics.VaultMetrics
	Chain       *chain.Client
	Barrier     *barrier.Barrier

	records   *withdrawal.MemoryStore
	snapshots snapshot.Store
	closers   []func()
	logger    *zap.Logger
}

// Build wires every component from cfg and restores the last snapshot.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Vault, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &Vault{logger: logger, Metrics: metrics.Vault()}
	if err := v.build(ctx, cfg); err != nil {
		v.Close()
		return nil, err
	}
	return v, nil
}

func (v *Vault) build(ctx context.Context, cfg config.Config) error {
	addrs, err := parseRoles(cfg)
	if err != nil {
		return err
	}

	v.Auth = access.NewAuthorizer(addrs.admin, v.logger.Named("access"))
	for _, relayer := range addrs.relayers {
		v.Auth.Grant(access.RoleRelayer, relayer)
	}
	if addrs.rebalancer != (common.Address{}) {
		v.Auth.Grant(access.RoleRebalancingBot, addrs.rebalancer)
	}
	if addrs.vault != (common.Address{}) {
		v.Auth.Grant(access.RoleVault, addrs.vault)
	}

	v.Bus = events.NewBus(v.Metrics, v.logger.Named("events"))
	v.Recent = events.NewRecorder(1000)
	v.Bus.AddSink("recent", v.Recent)
	if cfg.JournalPath != "" {
		v.Bus.AddSink("journal", storage.NewJsonlStorage(cfg.JournalPath))
	}
	if cfg.NATSURL != "" {
		pub, err := events.NewNATSPublisher(cfg.NATSURL, cfg.NATSPrefix, 5*time.Second, v.logger.Named("nats"))
		if err != nil {
			return err
		}
		v.closers = append(v.closers, pub.Close)
		v.Bus.AddSink("nats", pub)
	}

	store, err := v.openStore(ctx, cfg)
	if err != nil {
		return err
	}

	var blocks holding.BlockSource = &chain.ClockBlocks{Genesis: time.Unix(0, 0), BlockTime: cfg.BlockTime}
	if cfg.RPCURL != "" {
		client, err := chain.NewClient(ctx, cfg.RPCURL)
		if err != nil {
			return fmt.Errorf("connect rpc: %w", err)
		}
		client.SetRetry(cfg.MaxRetries, cfg.RetryBackoff)
		client.SetLogger(v.logger.Named("chain"))
		v.Chain = client
		v.closers = append(v.closers, client.Close)
		blocks = client
	}

	var wrapped common.Address
	if cfg.WrappedNative != "" {
		wrapped = common.HexToAddress(cfg.WrappedNative)
	}
	v.Registry = registry.New(registry.Config{
		NetworkID:        cfg.NetworkID,
		MinFee:           cfg.MinFee,
		MaxFee:           cfg.MaxFee,
		TransferLockup:   cfg.TransferLockup,
		SmallBalanceSwap: cfg.SmallBalanceSwap,
		WrappedNative:    wrapped,
	}, v.Auth, v.Bus, v.logger.Named("registry"))
	if v.Chain != nil {
		v.Registry.SetDecimalsSource(v.Chain)
	}

	v.Barrier = barrier.New()
	v.Ledger = ledger.New(v.Registry, v.logger.Named("ledger"))
	v.Holding = holding.New(holding.Config{SaveFundsLockUp: cfg.SaveFundsLockUp}, holding.Deps{
		Auth:     v.Auth,
		Blocks:   blocks,
		Receipts: v.Ledger,
		Emitter:  v.Bus,
		Metrics:  v.Metrics,
		Barrier:  v.Barrier,
	}, v.logger.Named("holding"))

	v.Strategies = strategy.NewRegistry(strategy.Config{CallTimeout: cfg.StrategyTimeout}, v.Holding, v.Auth, v.Bus, v.logger.Named("strategy"))
	v.Strategies.SetBarrier(v.Barrier)
	v.Lending = strategy.NewLendingStrategy(v.logger.Named("lending"))
	if err := v.Strategies.Register(LendingStrategyID, v.Lending); err != nil {
		return err
	}
	if len(cfg.LPPair) == 2 {
		v.LP = strategy.NewPoolStrategy(common.HexToAddress(cfg.LPPair[0]), common.HexToAddress(cfg.LPPair[1]), v.logger.Named("lp"))
		if err := v.Strategies.Register(LPStrategyID, v.LP); err != nil {
			return err
		}
	}

	v.Pool = swap.NewConstantProduct(swap.DefaultFeeBps)
	v.Router = swap.NewRouter(v.logger.Named("swap"))
	v.Router.Register(PoolAMMID, v.Pool)
	if v.Chain != nil && cfg.UniswapRouter != "" {
		if cfg.HoldingAddress == "" {
			return fmt.Errorf("holding address is required for the uniswap adapter")
		}
		v.Router.Register(UniswapAMMID, swap.NewUniswapV2(v.Chain, common.HexToAddress(cfg.UniswapRouter), common.HexToAddress(cfg.HoldingAddress), v.logger.Named("uniswap")))
	}
	v.Natives = swap.NewNativeSwappers(v.logger.Named("native"))
	if wrapped != (common.Address{}) {
		v.Natives.Register(PoolNativeSwapperID, swap.PoolNativeSwapper{Pool: v.Pool, Native: wrapped})
	}

	v.Registry.SetRemovalGuard(v.removalGuard)

	v.Gateway = gateway.New(gateway.Deps{
		Registry: v.Registry,
		Ledger:   v.Ledger,
		Holding:  v.Holding,
		Emitter:  v.Bus,
		Metrics:  v.Metrics,
		Barrier:  v.Barrier,
	}, v.logger.Named("gateway"))

	var feeReceiver common.Address
	if cfg.FeeReceiver != "" {
		feeReceiver = common.HexToAddress(cfg.FeeReceiver)
	}
	v.Coordinator = withdrawal.NewCoordinator(withdrawal.Config{FeeReceiver: feeReceiver}, withdrawal.Deps{
		Registry:   v.Registry,
		Ledger:     v.Ledger,
		Holding:    v.Holding,
		Strategies: v.Strategies,
		Router:     v.Router,
		Natives:    v.Natives,
		Store:      store,
		Auth:       v.Auth,
		Emitter:    v.Bus,
		Metrics:    v.Metrics,
		Barrier:    v.Barrier,
	}, v.logger.Named("withdrawal"))

	return v.restore(ctx)
}

// openStore picks the withdrawal store: Postgres, then SQLite, then memory.
func (v *Vault) openStore(ctx context.Context, cfg config.Config) (withdrawal.Store, error) {
	v.snapshots = &snapshot.FileStore{Path: cfg.SnapshotPath}
	switch {
	case cfg.PGDSN != "":
		pg, err := postgres.NewStore(ctx, cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		v.closers = append(v.closers, pg.Close)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		v.Bus.AddSink("postgres", pg)
		if cfg.SnapshotPath == "" {
			v.snapshots = &snapshot.DBStore{Store: pg, Name: "vault"}
		}
		v.logger.Info("withdrawal store", zap.String("backend", "postgres"))
		return pg, nil
	case cfg.SQLitePath != "":
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		v.closers = append(v.closers, func() { _ = db.Close() })
		v.Bus.AddSink("sqlite", db)
		v.logger.Info("withdrawal store", zap.String("backend", "sqlite"), zap.String("path", cfg.SQLitePath))
		return db, nil
	default:
		v.records = withdrawal.NewMemoryStore()
		v.logger.Info("withdrawal store", zap.String("backend", "memory"))
		return v.records, nil
	}
}

// removalGuard rejects removing a token that still backs receipts, funds or positions.
func (v *Vault) removalGuard(token common.Address) error {
	switch {
	case !v.Ledger.TotalSupply(token).IsZero():
		return vaulterr.Wrapf(vaulterr.ErrReceiptsOutstanding, "%s receipts in circulation", token.Hex())
	case v.Holding.HasFunds(token):
		return vaulterr.Wrapf(vaulterr.ErrReceiptsOutstanding, "%s still custodied", token.Hex())
	case v.Strategies.HasPositions(token):
		return vaulterr.Wrapf(vaulterr.ErrReceiptsOutstanding, "%s still invested", token.Hex())
	}
	return nil
}

func (v *Vault) targets() snapshot.Vault {
	return snapshot.Vault{
		Registry:    v.Registry,
		Ledger:      v.Ledger,
		Holding:     v.Holding,
		Strategies:  v.Strategies,
		Gateway:     v.Gateway,
		Coordinator: v.Coordinator,
		Records:     v.records,
		Barrier:     v.Barrier,
	}
}

func (v *Vault) restore(ctx context.Context) error {
	st, ok, err := v.snapshots.Load(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if !ok {
		v.logger.Info("no snapshot found, starting empty")
		return nil
	}
	if err := snapshot.Apply(v.targets(), st); err != nil {
		return err
	}
	v.logger.Info("snapshot restored",
		zap.String("updated_at", st.UpdatedAt),
		zap.Int("tokens", len(st.Registry.Tokens)),
		zap.Int("positions", len(st.Positions)),
	)
	return nil
}

// SaveSnapshot persists the current state.
func (v *Vault) SaveSnapshot(ctx context.Context) error {
	if err := v.snapshots.Save(ctx, snapshot.Capture(v.targets())); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// RunSnapshots saves a snapshot every interval until ctx is done, then once more.
func (v *Vault) RunSnapshots(ctx context.Context, interval time.Duration) {
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-ticker.C:
				if err := v.SaveSnapshot(ctx); err != nil {
					v.logger.Warn("periodic snapshot failed", zap.Error(err))
				}
			}
		}
	} else {
		<-ctx.Done()
	}

	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := v.SaveSnapshot(saveCtx); err != nil {
		v.logger.Error("final snapshot failed", zap.Error(err))
		return
	}
	v.logger.Info("snapshot saved")
}

// Close releases stores, connections and publishers in reverse order.
func (v *Vault) Close() {
	for i := len(v.closers) - 1; i >= 0; i-- {
		v.closers[i]()
	}
	v.closers = nil
}

type roleAddresses struct {
	admin      common.Address
	relayers   []common.Address
	rebalancer common.Address
	vault      common.Address
}

func parseRoles(cfg config.Config) (roleAddresses, error) {
	var out roleAddresses
	single, err := chain.ParseAddresses([]string{cfg.Admin})
	if err != nil {
		return out, fmt.Errorf("admin: %w", err)
	}
	if len(single) == 0 {
		return out, fmt.Errorf("admin address is required")
	}
	out.admin = single[0]

	if out.relayers, err = chain.ParseAddresses(cfg.Relayers); err != nil {
		return out, fmt.Errorf("relayer: %w", err)
	}
	for _, item := range []struct {
		name  string
		value string
		dst   *common.Address
	}{
		{"rebalancer", cfg.Rebalancer, &out.rebalancer},
		{"vault", cfg.Vault, &out.vault},
	} {
		parsed, err := chain.ParseAddresses([]string{item.value})
		if err != nil {
			return out, fmt.Errorf("%s: %w", item.name, err)
		}
		if len(parsed) == 1 {
			*item.dst = parsed[0]
		}
	}
	return out, nil
}

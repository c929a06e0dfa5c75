package withdrawal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"liquidityVault/internal/access"
	"liquidityVault/internal/events"
	"liquidityVault/internal/holding"
	"liquidityVault/internal/ledger"
	"liquidityVault/internal/model"
	"liquidityVault/internal/registry"
	"liquidityVault/internal/strategy"
	"liquidityVault/internal/swap"
	"liquidityVault/internal/vaulterr"
)

var (
	admin    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	relayer  = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	stranger = common.HexToAddress("0x00000000000000000000000000000000000000d5")
	user     = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	receiver = common.HexToAddress("0x00000000000000000000000000000000000000e2")
	feeSink  = common.HexToAddress("0x00000000000000000000000000000000000000f9")
	tokenA   = common.HexToAddress("0x1000000000000000000000000000000000000001")
	tokenB   = common.HexToAddress("0x1000000000000000000000000000000000000002")
	wnative  = common.HexToAddress("0x1000000000000000000000000000000000000003")
	remoteA  = common.HexToAddress("0x9000000000000000000000000000000000000001")
)

func amt(v uint64) *uint256.Int { return uint256.NewInt(v) }

func id(s string) common.Hash { return crypto.Keccak256Hash([]byte(s)) }

type blocks struct {
	mu sync.Mutex
	n  uint64
}

func (b *blocks) CurrentBlock(context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n, nil
}

func (b *blocks) advance(n uint64) {
	b.mu.Lock()
	b.n += n
	b.mu.Unlock()
}

// countingAMM wraps an adapter and counts external calls.
type countingAMM struct {
	inner swap.AMM
	mu    sync.Mutex
	calls int
}

func (c *countingAMM) GetAmountsOut(ctx context.Context, in, out common.Address, amount *uint256.Int, data []byte) (*uint256.Int, error) {
	return c.inner.GetAmountsOut(ctx, in, out, amount, data)
}

func (c *countingAMM) Swap(ctx context.Context, in, out common.Address, amount, min *uint256.Int, data []byte) (*uint256.Int, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.inner.Swap(ctx, in, out, amount, min, data)
}

type countingNative struct {
	calls int
}

func (c *countingNative) SwapToNative(_ context.Context, _ common.Address, amountIn, _ *uint256.Int, _ []byte) (*uint256.Int, error) {
	c.calls++
	return new(uint256.Int).Div(amountIn, amt(10)), nil
}

type fixture struct {
	c      *Coordinator
	reg    *registry.Registry
	ledger *ledger.Ledger
	h      *holding.Holding
	strat  *strategy.Registry
	lend   *strategy.LendingStrategy
	router *swap.Router
	amm    *countingAMM
	native *countingNative
	store  *MemoryStore
	chain  *blocks
	rec    *events.Recorder
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	auth := access.NewAuthorizer(admin, nil)
	auth.Grant(access.RoleRelayer, relayer)
	rec := events.NewRecorder(0)
	reg := registry.New(registry.Config{NetworkID: 1, WrappedNative: wnative}, auth, rec, nil)
	for _, tok := range []common.Address{tokenA, tokenB} {
		if _, err := reg.Whitelist(ctx, admin, registry.WhitelistParams{Token: tok, Decimals: 6}); err != nil {
			t.Fatalf("whitelist: %v", err)
		}
	}
	if err := reg.SetRemoteMapping(ctx, admin, tokenA, remoteA, 2, 1); err != nil {
		t.Fatalf("remote mapping: %v", err)
	}
	l := ledger.New(reg, nil)
	chain := &blocks{n: 1000}
	h := holding.New(holding.Config{}, holding.Deps{Auth: auth, Blocks: chain, Receipts: l, Emitter: rec}, nil)
	strat := strategy.NewRegistry(strategy.Config{CallTimeout: time.Second}, h, auth, rec, nil)
	lend := strategy.NewLendingStrategy(nil)
	lend.SetMarket(tokenA, common.HexToAddress("0x3000000000000000000000000000000000000001"))
	if err := strat.Register("lending", lend); err != nil {
		t.Fatalf("register strategy: %v", err)
	}

	pool := swap.NewConstantProduct(swap.DefaultFeeBps)
	if err := pool.AddLiquidity(tokenA, tokenB, amt(10_000_000), amt(10_000_000)); err != nil {
		t.Fatalf("seed pool: %v", err)
	}
	amm := &countingAMM{inner: pool}
	router := swap.NewRouter(nil)
	router.Register(1, amm)
	native := &countingNative{}
	natives := swap.NewNativeSwappers(nil)
	natives.Register(1, native)

	store := NewMemoryStore()
	c := NewCoordinator(Config{FeeReceiver: feeSink}, Deps{
		Registry:   reg,
		Ledger:     l,
		Holding:    h,
		Strategies: strat,
		Router:     router,
		Natives:    natives,
		Store:      store,
		Auth:       auth,
		Emitter:    rec,
	}, nil)
	return fixture{c: c, reg: reg, ledger: l, h: h, strat: strat, lend: lend, router: router, amm: amm, native: native, store: store, chain: chain, rec: rec}
}

func (f fixture) deposit(t *testing.T, token, holder common.Address, amount uint64) {
	t.Helper()
	if err := f.ledger.Mint(token, holder, amt(amount)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := f.h.Custody(token, amt(amount)); err != nil {
		t.Fatalf("custody: %v", err)
	}
}

func payout(withdrawalID string, amount uint64) Settlement {
	return Settlement{
		ID:       id(withdrawalID),
		Receiver: receiver,
		AmountIn: amt(amount),
		TokenIn:  tokenA,
		TokenOut: tokenA,
	}
}

func TestSettleTwiceFailsWithoutSideEffects(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, tokenA, user, 50_000)
	ctx := context.Background()

	rec, err := f.c.SettleWithdrawal(ctx, relayer, payout("transfer-1", 10_000))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if rec.Status != model.WithdrawalSettled || rec.Kind != model.WithdrawalTransfer {
		t.Fatalf("record: %+v", rec)
	}
	before := f.h.Balance(tokenA)

	_, err = f.c.SettleWithdrawal(ctx, relayer, payout("transfer-1", 10_000))
	if !errors.Is(err, vaulterr.ErrWithdrawn) {
		t.Fatalf("expected ERR: WITHDRAWN, got %v", err)
	}
	after := f.h.Balance(tokenA)
	if before.Custodied.Cmp(after.Custodied) != 0 || before.Available.Cmp(after.Available) != 0 {
		t.Fatalf("balances moved on replay: %s -> %s", before.Custodied.Dec(), after.Custodied.Dec())
	}
	if f.c.LastWithdrawID() != id("transfer-1") {
		t.Fatalf("last withdraw id not tracked")
	}
	if f.rec.Count(model.EventWithdrawalCompleted) != 1 {
		t.Fatalf("events: %v", f.rec.Types())
	}
}

func TestConcurrentSettleSameID(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, tokenA, user, 100_000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, withdrawn := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.c.SettleWithdrawal(context.Background(), relayer, payout("race", 10_000))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, vaulterr.ErrWithdrawn):
				withdrawn++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok != 1 || withdrawn != 7 {
		t.Fatalf("ok=%d withdrawn=%d", ok, withdrawn)
	}
	if got := f.h.Balance(tokenA).Custodied; got.Cmp(amt(90_000)) != 0 {
		t.Fatalf("custodied after race: %s", got.Dec())
	}
}

func TestFeeDeductedBeforeSwap(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, tokenA, user, 200_000)

	reference := swap.NewConstantProduct(swap.DefaultFeeBps)
	if err := reference.AddLiquidity(tokenA, tokenB, amt(10_000_000), amt(10_000_000)); err != nil {
		t.Fatalf("seed reference: %v", err)
	}
	want, err := reference.GetAmountsOut(context.Background(), tokenA, tokenB, amt(99_999), nil)
	if err != nil {
		t.Fatalf("reference quote: %v", err)
	}
	gross, _ := reference.GetAmountsOut(context.Background(), tokenA, tokenB, amt(100_000), nil)
	if want.Cmp(gross) == 0 {
		t.Fatalf("test pool cannot tell net from gross")
	}

	s := payout("fee-order", 100_000)
	s.TokenOut = tokenB
	s.Fee = model.FeeSpec{BaseFee: amt(1), AmmID: 1}
	rec, err := f.c.SettleWithdrawal(context.Background(), relayer, s)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if rec.AmountOut != want.Dec() {
		t.Fatalf("amount out = %s, want %s (computed on 99999)", rec.AmountOut, want.Dec())
	}
	if rec.Fee.Total != "1" || rec.Fee.FeeReceiver != feeSink.Hex() {
		t.Fatalf("fee breakdown: %+v", rec.Fee)
	}
	if got := f.h.Balance(tokenA).Custodied; got.Cmp(amt(100_000)) != 0 {
		t.Fatalf("custodied: %s", got.Dec())
	}
}

func TestFeeBounds(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, tokenA, user, 10_000)
	if err := f.reg.SetMaxFee(context.Background(), admin, 100); err != nil {
		t.Fatalf("max fee: %v", err)
	}
	s := payout("fee-high", 1_000)
	s.Fee = model.FeeSpec{FeePercentage: 101}
	if _, err := f.c.SettleWithdrawal(context.Background(), relayer, s); !errors.Is(err, vaulterr.ErrFee) {
		t.Fatalf("expected ERR: FEE for percentage, got %v", err)
	}
	s = payout("fee-all", 1_000)
	s.Fee = model.FeeSpec{BaseFee: amt(1_000)}
	if _, err := f.c.SettleWithdrawal(context.Background(), relayer, s); !errors.Is(err, vaulterr.ErrFee) {
		t.Fatalf("expected ERR: FEE for base fee, got %v", err)
	}
	s = payout("fee-ok", 1_000)
	s.Fee = model.FeeSpec{FeePercentage: 100, BaseFee: amt(5)}
	rec, err := f.c.SettleWithdrawal(context.Background(), relayer, s)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if rec.Fee.PercentageFee != "10" || rec.Fee.Total != "15" || rec.AmountOut != "985" {
		t.Fatalf("fee split: %+v out=%s", rec.Fee, rec.AmountOut)
	}
}

func TestNativeSwapDisabled(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, tokenA, user, 10_000)
	s := payout("native-off", 1_000)
	s.TokenOut = tokenB
	s.Fee = model.FeeSpec{AmountToSwapToNative: amt(100), NativeSwapperID: 1, AmmID: 1}

	_, err := f.c.SettleWithdrawal(context.Background(), relayer, s)
	if !errors.Is(err, vaulterr.ErrUnable) {
		t.Fatalf("expected ERR: UNABLE, got %v", err)
	}
	if f.native.calls != 0 || f.amm.calls != 0 {
		t.Fatalf("adapters called: native=%d amm=%d", f.native.calls, f.amm.calls)
	}
	if _, ok, _ := f.store.Get(context.Background(), s.ID); ok {
		t.Fatalf("record kept for rejected settlement")
	}
}

func TestNativeSwapTooHighBeforeExternalCalls(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, tokenA, user, 10_000)
	if err := f.reg.SetSmallBalanceSwap(context.Background(), admin, true); err != nil {
		t.Fatalf("flag: %v", err)
	}
	s := payout("native-high", 1_000)
	s.TokenOut = tokenB
	s.Fee = model.FeeSpec{AmountToSwapToNative: amt(1_001), NativeSwapperID: 1, AmmID: 1}

	_, err := f.c.SettleWithdrawal(context.Background(), relayer, s)
	if !errors.Is(err, vaulterr.ErrTooHigh) {
		t.Fatalf("expected ERR: TOO HIGH, got %v", err)
	}
	if f.native.calls != 0 || f.amm.calls != 0 {
		t.Fatalf("adapters called: native=%d amm=%d", f.native.calls, f.amm.calls)
	}
	if got := f.h.Balance(tokenA).Custodied; got.Cmp(amt(10_000)) != 0 {
		t.Fatalf("custodied changed: %s", got.Dec())
	}

	s.Fee.NativeSwapperID = 5
	s.Fee.AmountToSwapToNative = amt(100)
	if _, err := f.c.SettleWithdrawal(context.Background(), relayer, s); !errors.Is(err, vaulterr.ErrNotSet) {
		t.Fatalf("expected ERR: NOT SET, got %v", err)
	}

	s.Fee.NativeSwapperID = 1
	rec, err := f.c.SettleWithdrawal(context.Background(), relayer, s)
	if err != nil {
		t.Fatalf("settle with native: %v", err)
	}
	if f.native.calls != 1 || rec.NativeOut != "10" {
		t.Fatalf("native swap: calls=%d out=%q", f.native.calls, rec.NativeOut)
	}
	if f.rec.Count(model.EventSwappedToNative) != 1 {
		t.Fatalf("no SwappedToNative event: %v", f.rec.Types())
	}
}

func TestSwapFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, tokenA, user, 10_000)
	s := payout("min-out", 1_000)
	s.TokenOut = tokenB
	s.Fee = model.FeeSpec{AmmID: 1}
	s.AmountOutMin = amt(1_000)

	if _, err := f.c.SettleWithdrawal(context.Background(), relayer, s); !errors.Is(err, vaulterr.ErrMinAmountOut) {
		t.Fatalf("expected min amount out, got %v", err)
	}
	bal := f.h.Balance(tokenA)
	if bal.Custodied.Cmp(amt(10_000)) != 0 || !bal.Reserved.IsZero() {
		t.Fatalf("holding not rolled back: custodied=%s reserved=%s", bal.Custodied.Dec(), bal.Reserved.Dec())
	}

	s.AmountOutMin = amt(990)
	if _, err := f.c.SettleWithdrawal(context.Background(), relayer, s); err != nil {
		t.Fatalf("retry with same id: %v", err)
	}

	s.ID = id("unknown-amm")
	s.Fee.AmmID = 42
	if _, err := f.c.SettleWithdrawal(context.Background(), relayer, s); !errors.Is(err, vaulterr.ErrAMM) {
		t.Fatalf("expected ERR: AMM, got %v", err)
	}
}

func TestActiveLiquidityEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, tokenA, user, 10_000)
	if _, err := f.h.LockActiveLiquidity(ctx, user, tokenA, amt(10_000), 90); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if got, _ := f.h.WithdrawableReceipts(ctx, user, tokenA); !got.IsZero() {
		t.Fatalf("withdrawable while locked: %s", got.Dec())
	}
	receipt := registry.ReceiptAddress(tokenA)

	req := Request{ReceiptToken: receipt, AmountIn: amt(10_000), Receiver: receiver}
	if _, err := f.c.RequestWithdrawal(ctx, user, req); !errors.Is(err, vaulterr.ErrLiquidity) {
		t.Fatalf("expected ERR: LIQUIDITY while locked, got %v", err)
	}

	f.chain.advance(90)
	rec, err := f.c.RequestWithdrawal(ctx, user, req)
	if err != nil {
		t.Fatalf("request after unlock: %v", err)
	}
	if got := f.h.AvailableLiquidity(tokenA); !got.IsZero() {
		t.Fatalf("pending request not earmarked: %s", got.Dec())
	}
	if f.rec.Count(model.EventWithdrawRequest) != 1 {
		t.Fatalf("no WithdrawRequest event")
	}

	settled, err := f.c.SettleWithdrawal(ctx, relayer, Settlement{ID: rec.ID, AmountIn: amt(10_000), TokenIn: tokenA})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settled.Receiver != receiver || settled.Kind != model.WithdrawalLiquidity {
		t.Fatalf("settled record: %+v", settled)
	}
	if got := f.ledger.BalanceOf(tokenA, user); !got.IsZero() {
		t.Fatalf("receipts left: %s", got.Dec())
	}
	if got := f.ledger.TotalSupply(tokenA); !got.IsZero() {
		t.Fatalf("supply left: %s", got.Dec())
	}
	if got := f.h.Balance(tokenA).Custodied; !got.IsZero() {
		t.Fatalf("custody left: %s", got.Dec())
	}
	if f.rec.Count(model.EventLiquidityWithdrawn) != 1 {
		t.Fatalf("no LiquidityWithdrawn event: %v", f.rec.Types())
	}
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, tokenA, user, 1_000)
	receipt := registry.ReceiptAddress(tokenA)

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"zero amount", Request{ReceiptToken: receipt, AmountIn: amt(0)}, vaulterr.ErrAmount},
		{"unknown token", Request{ReceiptToken: stranger, AmountIn: amt(1)}, vaulterr.ErrToken},
		{"too many receipts", Request{ReceiptToken: receipt, AmountIn: amt(1_001)}, vaulterr.ErrBalance},
		{"unmapped network", Request{ReceiptToken: receipt, AmountIn: amt(1), NetworkID: 7}, vaulterr.ErrTokenNotWhitelistedRemote},
		{"unwhitelisted out", Request{ReceiptToken: receipt, AmountIn: amt(1), TokenOut: stranger}, vaulterr.ErrTokenNotWhitelisted},
	}
	for _, tc := range tests {
		if _, err := f.c.RequestWithdrawal(ctx, user, tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	if err := f.reg.PauseNetwork(ctx, admin, 2); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := f.c.RequestWithdrawal(ctx, user, Request{ReceiptToken: receipt, AmountIn: amt(1), NetworkID: 2}); !errors.Is(err, vaulterr.ErrPaused) {
		t.Fatalf("expected ERR: PAUSED, got %v", err)
	}
}

func TestRemoteRequestFinalize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, tokenA, user, 5_000)

	rec, err := f.c.RequestWithdrawal(ctx, user, Request{ReceiptToken: registry.ReceiptAddress(tokenA), AmountIn: amt(2_000), NetworkID: 2})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if rec.TokenOut != remoteA {
		t.Fatalf("remote token out: %s", rec.TokenOut.Hex())
	}
	if got := f.ledger.Escrowed(tokenA, user); got.Cmp(amt(2_000)) != 0 {
		t.Fatalf("escrowed: %s", got.Dec())
	}
	if got := f.h.AvailableLiquidity(tokenA); got.Cmp(amt(5_000)) != 0 {
		t.Fatalf("remote request earmarked local liquidity: %s", got.Dec())
	}

	if _, err := f.c.SettleWithdrawal(ctx, relayer, Settlement{ID: rec.ID, Receiver: user, AmountIn: amt(2_000), TokenIn: tokenA}); !errors.Is(err, vaulterr.ErrToken) {
		t.Fatalf("expected local settle of remote request to fail, got %v", err)
	}
	if _, err := f.c.FinalizeRemote(ctx, stranger, rec.ID); !errors.Is(err, vaulterr.ErrPermissions) {
		t.Fatalf("expected ERR: PERMISSIONS, got %v", err)
	}
	if _, err := f.c.FinalizeRemote(ctx, relayer, rec.ID); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if got := f.ledger.BalanceOf(tokenA, user); got.Cmp(amt(3_000)) != 0 {
		t.Fatalf("receipts after finalize: %s", got.Dec())
	}
	if _, err := f.c.FinalizeRemote(ctx, relayer, rec.ID); !errors.Is(err, vaulterr.ErrWithdrawn) {
		t.Fatalf("expected ERR: WITHDRAWN, got %v", err)
	}
	if _, err := f.c.FinalizeRemote(ctx, relayer, id("nope")); !errors.Is(err, vaulterr.ErrNotFound) {
		t.Fatalf("expected ERR: NOT FOUND, got %v", err)
	}
}

func TestSettleDrawsFromStrategies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, tokenA, user, 1_000)
	if _, err := f.strat.Invest(ctx, admin, "lending", []model.Investment{{Token: tokenA, Amount: amt(900)}}, nil, ""); err != nil {
		t.Fatalf("invest: %v", err)
	}

	s := payout("needs-strategy", 500)
	if _, err := f.c.SettleWithdrawal(ctx, relayer, s); !errors.Is(err, vaulterr.ErrLiquidity) {
		t.Fatalf("expected ERR: LIQUIDITY without strategies, got %v", err)
	}

	s.Fee.InvestmentStrategies = []string{"lending"}
	if _, err := f.c.SettleWithdrawal(ctx, relayer, s); err != nil {
		t.Fatalf("settle with strategy withdrawal: %v", err)
	}
	if got := f.strat.Position("lending", tokenA); got.Cmp(amt(500)) != 0 {
		t.Fatalf("position: %s", got.Dec())
	}
	bal := f.h.Balance(tokenA)
	if bal.Custodied.Cmp(amt(500)) != 0 || bal.Invested.Cmp(amt(500)) != 0 {
		t.Fatalf("holding: custodied=%s invested=%s", bal.Custodied.Dec(), bal.Invested.Dec())
	}
}

func TestSettlePermissions(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, tokenA, user, 1_000)
	if _, err := f.c.SettleWithdrawal(context.Background(), stranger, payout("perm", 10)); !errors.Is(err, vaulterr.ErrPermissions) {
		t.Fatalf("expected ERR: PERMISSIONS, got %v", err)
	}
	if _, err := f.c.SettleWithdrawal(context.Background(), admin, payout("perm", 10)); err != nil {
		t.Fatalf("owner settle: %v", err)
	}
}

func TestVaultBalanceCheckedBeforeFees(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, tokenA, user, 10_000)
	s := payout("over-custody", 10_001)
	s.Fee = model.FeeSpec{BaseFee: amt(10_002)}

	if _, err := f.c.SettleWithdrawal(context.Background(), relayer, s); !errors.Is(err, vaulterr.ErrVaultBalance) {
		t.Fatalf("expected ERR: VAULT BAL, got %v", err)
	}
	if _, ok, _ := f.store.Get(context.Background(), s.ID); ok {
		t.Fatalf("record kept for rejected settlement")
	}
}

func TestNativeLegPricedBeforeAnySwap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, tokenA, user, 10_000)
	if err := f.reg.SetSmallBalanceSwap(ctx, admin, true); err != nil {
		t.Fatalf("flag: %v", err)
	}
	nativePool := swap.NewConstantProduct(swap.DefaultFeeBps)
	if err := nativePool.AddLiquidity(tokenA, wnative, amt(1_000_000), amt(1_000_000)); err != nil {
		t.Fatalf("seed native pool: %v", err)
	}
	f.c.natives.Register(2, swap.PoolNativeSwapper{Pool: nativePool, Native: wnative})

	assertUntouched := func(step string) {
		t.Helper()
		rA, rN := nativePool.Reserves(tokenA, wnative)
		if rA.Cmp(amt(1_000_000)) != 0 || rN.Cmp(amt(1_000_000)) != 0 {
			t.Fatalf("%s: native pool traded: %s/%s", step, rA.Dec(), rN.Dec())
		}
		if f.amm.calls != 0 {
			t.Fatalf("%s: router swapped %d times", step, f.amm.calls)
		}
		bal := f.h.Balance(tokenA)
		if bal.Custodied.Cmp(amt(10_000)) != 0 || !bal.Reserved.IsZero() {
			t.Fatalf("%s: holding moved: custodied=%s reserved=%s", step, bal.Custodied.Dec(), bal.Reserved.Dec())
		}
	}

	s := payout("native-then-router", 1_000)
	s.TokenOut = tokenB
	s.AmountOutMin = amt(5_000)
	s.Fee = model.FeeSpec{AmountToSwapToNative: amt(100), MinAmountOutNative: amt(10), NativeSwapperID: 2, AmmID: 1}
	if _, err := f.c.SettleWithdrawal(ctx, relayer, s); !errors.Is(err, vaulterr.ErrMinAmountOut) {
		t.Fatalf("router min out: expected ERR: MIN AMOUNT OUT, got %v", err)
	}
	assertUntouched("router min out")

	s.AmountOutMin = amt(800)
	s.Fee.MinAmountOutNative = amt(1_000)
	if _, err := f.c.SettleWithdrawal(ctx, relayer, s); !errors.Is(err, vaulterr.ErrMinAmountOut) {
		t.Fatalf("native min out: expected ERR: MIN AMOUNT OUT, got %v", err)
	}
	assertUntouched("native min out")

	s.Fee.MinAmountOutNative = amt(10)
	rec, err := f.c.SettleWithdrawal(ctx, relayer, s)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if rA, _ := nativePool.Reserves(tokenA, wnative); rA.Cmp(amt(1_000_100)) != 0 {
		t.Fatalf("native leg not executed: reserve %s", rA.Dec())
	}
	if f.amm.calls != 1 || rec.NativeOut == "" {
		t.Fatalf("settled record: calls=%d native=%q", f.amm.calls, rec.NativeOut)
	}
}

func TestNativeSwapMustFitAfterFees(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, tokenA, user, 10_000)
	if err := f.reg.SetSmallBalanceSwap(context.Background(), admin, true); err != nil {
		t.Fatalf("flag: %v", err)
	}
	s := payout("native-after-fees", 1_000)
	s.Fee = model.FeeSpec{BaseFee: amt(100), AmountToSwapToNative: amt(950), NativeSwapperID: 1}

	if _, err := f.c.SettleWithdrawal(context.Background(), relayer, s); !errors.Is(err, vaulterr.ErrTooHigh) {
		t.Fatalf("expected ERR: TOO HIGH, got %v", err)
	}
	if f.native.calls != 0 {
		t.Fatalf("native adapter called %d times", f.native.calls)
	}
}

func TestSettleWithoutEscrowFailsClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, tokenA, user, 10_000)
	rec, err := f.c.RequestWithdrawal(ctx, user, Request{ReceiptToken: registry.ReceiptAddress(tokenA), AmountIn: amt(4_000), Receiver: receiver})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := f.ledger.ReleaseEscrow(tokenA, user, amt(4_000)); err != nil {
		t.Fatalf("release escrow: %v", err)
	}

	_, err = f.c.SettleWithdrawal(ctx, relayer, Settlement{ID: rec.ID, AmountIn: amt(4_000), TokenIn: tokenA})
	if !errors.Is(err, vaulterr.ErrBalance) {
		t.Fatalf("expected ERR: BALANCE, got %v", err)
	}
	if got := f.h.Balance(tokenA).Custodied; got.Cmp(amt(10_000)) != 0 {
		t.Fatalf("custody moved: %s", got.Dec())
	}
	stored, ok, err := f.store.Get(ctx, rec.ID)
	if err != nil || !ok || stored.Status != model.WithdrawalPending {
		t.Fatalf("record should stay pending: %+v ok=%v err=%v", stored, ok, err)
	}
}

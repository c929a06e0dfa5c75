package snapshot

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"liquidityVault/internal/access"
	"liquidityVault/internal/barrier"
	"liquidityVault/internal/events"
	"liquidityVault/internal/gateway"
	"liquidityVault/internal/holding"
	"liquidityVault/internal/ledger"
	"liquidityVault/internal/model"
	"liquidityVault/internal/registry"
	"liquidityVault/internal/strategy"
	"liquidityVault/internal/swap"
	"liquidityVault/internal/withdrawal"
)

var (
	admin = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	alice = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	usdc  = common.HexToAddress("0x1000000000000000000000000000000000000001")
)

type blocks struct{ n uint64 }

func (b *blocks) CurrentBlock(context.Context) (uint64, error) { return b.n, nil }

func newVault(t *testing.T) Vault {
	t.Helper()
	auth := access.NewAuthorizer(admin, nil)
	rec := events.NewRecorder(0)
	gate := barrier.New()
	reg := registry.New(registry.Config{NetworkID: 1}, auth, rec, nil)
	l := ledger.New(reg, nil)
	h := holding.New(holding.Config{}, holding.Deps{Auth: auth, Blocks: &blocks{n: 100}, Receipts: l, Emitter: rec, Barrier: gate}, nil)
	strat := strategy.NewRegistry(strategy.Config{CallTimeout: time.Second}, h, auth, rec, nil)
	strat.SetBarrier(gate)
	lend := strategy.NewLendingStrategy(nil)
	lend.SetMarket(usdc, common.HexToAddress("0x3000000000000000000000000000000000000001"))
	if err := strat.Register("lending", lend); err != nil {
		t.Fatalf("register: %v", err)
	}
	store := withdrawal.NewMemoryStore()
	g := gateway.New(gateway.Deps{Registry: reg, Ledger: l, Holding: h, Emitter: rec, Barrier: gate}, nil)
	c := withdrawal.NewCoordinator(withdrawal.Config{}, withdrawal.Deps{
		Registry:   reg,
		Ledger:     l,
		Holding:    h,
		Strategies: strat,
		Router:     swap.NewRouter(nil),
		Natives:    swap.NewNativeSwappers(nil),
		Store:      store,
		Auth:       auth,
		Emitter:    rec,
		Barrier:    gate,
	}, nil)
	return Vault{Registry: reg, Ledger: l, Holding: h, Strategies: strat, Gateway: g, Coordinator: c, Records: store, Barrier: gate}
}

func TestFileSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	v := newVault(t)
	if _, err := v.Registry.Whitelist(ctx, admin, registry.WhitelistParams{Token: usdc, Decimals: 6}); err != nil {
		t.Fatalf("whitelist: %v", err)
	}
	if _, err := v.Gateway.ProvideActiveLiquidity(ctx, alice, usdc, uint256.NewInt(1_000), 50); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := v.Gateway.ProvideLiquidity(ctx, alice, usdc, uint256.NewInt(500)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	invest := []model.Investment{{Token: usdc, Amount: uint256.NewInt(300)}}
	if _, err := v.Strategies.Invest(ctx, admin, "lending", invest, nil, ""); err != nil {
		t.Fatalf("invest: %v", err)
	}
	req, err := v.Coordinator.RequestWithdrawal(ctx, alice, withdrawal.Request{
		ReceiptToken: registry.ReceiptAddress(usdc),
		AmountIn:     uint256.NewInt(200),
		TokenOut:     usdc,
		Receiver:     alice,
		NetworkID:    1,
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	store := &FileStore{Path: filepath.Join(t.TempDir(), "state", "vault.json")}
	if _, ok, err := store.Load(ctx); err != nil || ok {
		t.Fatalf("expected empty store: %v %v", ok, err)
	}
	st := Capture(v)
	if err := store.Save(ctx, st); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, ok, err := store.Load(ctx)
	if err != nil || !ok {
		t.Fatalf("load: %v %v", ok, err)
	}

	restored := newVault(t)
	if err := Apply(restored, loaded); err != nil {
		t.Fatalf("apply: %v", err)
	}
	again := Capture(restored)
	again.UpdatedAt = st.UpdatedAt
	if !reflect.DeepEqual(again, st) {
		t.Fatalf("state mismatch after restore:\n got %+v\nwant %+v", again, st)
	}

	if got := restored.Holding.Balance(usdc).Invested; got.Uint64() != 300 {
		t.Fatalf("invested lost: %s", got.Dec())
	}
	rec, ok, err := restored.Coordinator.Get(ctx, req.ID)
	if err != nil || !ok || rec.Status != model.WithdrawalPending {
		t.Fatalf("pending request lost: %+v %v %v", rec, ok, err)
	}
}

type staticBalances map[common.Address]*uint256.Int

func (s staticBalances) BalanceOf(_ context.Context, token, _ common.Address) (*uint256.Int, error) {
	if v, ok := s[token]; ok {
		return v, nil
	}
	return new(uint256.Int), nil
}

func TestReconcileFlagsDrift(t *testing.T) {
	usd := common.HexToAddress("0x1000000000000000000000000000000000000001")
	eth := common.HexToAddress("0x1000000000000000000000000000000000000002")
	st := State{
		Registry: registry.State{Tokens: []model.Token{
			{Address: usd, Symbol: "USDC", Decimals: 6},
			{Address: eth, Symbol: "WETH", Decimals: 18},
		}},
		Holding: holding.State{Balances: []holding.BalanceState{
			{Token: usd, Custodied: "5000000", Invested: "2000000", Fees: "500000"},
			{Token: eth, Custodied: "1000000000000000000", Invested: "0", Fees: "0"},
		}},
	}
	reader := staticBalances{
		usd: uint256.NewInt(3_500_000),
		eth: uint256.NewInt(900_000_000_000_000_000),
	}

	drifts, err := Reconcile(context.Background(), st, reader, common.Address{}, decimal.RequireFromString("0.05"))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(drifts) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(drifts))
	}
	if !drifts[0].Within || drifts[0].Expected != "3.5" {
		t.Fatalf("usdc row = %+v", drifts[0])
	}
	if drifts[1].Within || drifts[1].Delta != "-0.1" {
		t.Fatalf("weth row = %+v", drifts[1])
	}
}

func receiptsAndCustody(t *testing.T, st State, token common.Address) (*uint256.Int, *uint256.Int) {
	t.Helper()
	receipts := new(uint256.Int)
	for _, e := range st.Ledger.Balances {
		if e.Token != token {
			continue
		}
		for _, raw := range []string{e.Free, e.Escrow} {
			if raw == "" {
				continue
			}
			v, err := model.ParseAmount(raw)
			if err != nil {
				t.Fatalf("parse ledger entry: %v", err)
			}
			receipts.Add(receipts, v)
		}
	}
	custodied := new(uint256.Int)
	for _, b := range st.Holding.Balances {
		if b.Token != token {
			continue
		}
		v, err := model.ParseAmount(b.Custodied)
		if err != nil {
			t.Fatalf("parse custody: %v", err)
		}
		custodied = v
	}
	return receipts, custodied
}

func TestCaptureNeverSplitsDeposit(t *testing.T) {
	ctx := context.Background()
	v := newVault(t)
	if _, err := v.Registry.Whitelist(ctx, admin, registry.WhitelistParams{Token: usdc, Decimals: 6}); err != nil {
		t.Fatalf("whitelist: %v", err)
	}

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := v.Gateway.ProvideLiquidity(ctx, alice, usdc, uint256.NewInt(1)); err != nil {
				done <- err
				return
			}
		}
	}()

	for i := 0; i < 2000; i++ {
		st := Capture(v)
		receipts, custodied := receiptsAndCustody(t, st, usdc)
		if receipts.Cmp(custodied) != 0 {
			close(stop)
			t.Fatalf("capture %d split a deposit: receipts=%s custodied=%s", i, receipts.Dec(), custodied.Dec())
		}
	}
	close(stop)
	if err := <-done; err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

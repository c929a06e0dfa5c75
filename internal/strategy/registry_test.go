package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"liquidityVault/internal/access"
	"liquidityVault/internal/events"
	"liquidityVault/internal/holding"
	"liquidityVault/internal/model"
	"liquidityVault/internal/vaulterr"
)

var (
	admin    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	stranger = common.HexToAddress("0x00000000000000000000000000000000000000d5")
	usdc     = common.HexToAddress("0x2000000000000000000000000000000000000001")
	weth     = common.HexToAddress("0x2000000000000000000000000000000000000002")
	cUSDC    = common.HexToAddress("0x3000000000000000000000000000000000000001")
	comp     = common.HexToAddress("0x4000000000000000000000000000000000000001")
)

func amt(v uint64) *uint256.Int { return uint256.NewInt(v) }

type fixture struct {
	reg  *Registry
	h    *holding.Holding
	rec  *events.Recorder
	lend *LendingStrategy
}

func newFixture(t *testing.T, timeout time.Duration) fixture {
	t.Helper()
	auth := access.NewAuthorizer(admin, nil)
	rec := events.NewRecorder(0)
	h := holding.New(holding.Config{}, holding.Deps{Auth: auth, Emitter: rec}, nil)
	reg := NewRegistry(Config{CallTimeout: timeout}, h, auth, rec, nil)
	lend := NewLendingStrategy(nil)
	if err := reg.Register("lending", lend); err != nil {
		t.Fatalf("register: %v", err)
	}
	return fixture{reg: reg, h: h, rec: rec, lend: lend}
}

func TestInvestWithdrawRoundtrip(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	if err := f.h.Custody(usdc, amt(1_000_000)); err != nil {
		t.Fatalf("custody: %v", err)
	}
	f.lend.SetMarket(usdc, cUSDC)

	all := []model.Investment{{Token: usdc, Amount: amt(1_000_000)}}
	if _, err := f.reg.Invest(ctx, admin, "lending", all, nil, ""); err != nil {
		t.Fatalf("invest: %v", err)
	}
	if got := f.h.AvailableLiquidity(usdc); !got.IsZero() {
		t.Fatalf("available after full invest: %s", got.Dec())
	}
	if got := f.reg.Position("lending", usdc); got.Cmp(amt(1_000_000)) != 0 {
		t.Fatalf("position: %s", got.Dec())
	}

	f.lend.Accrue(usdc, 25)
	if _, err := f.reg.WithdrawInvestment(ctx, admin, "lending", all, nil, ""); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	bal := f.h.Balance(usdc)
	if bal.Custodied.Cmp(amt(1_002_500)) != 0 {
		t.Fatalf("custodied after roundtrip: %s", bal.Custodied.Dec())
	}
	if !bal.Invested.IsZero() {
		t.Fatalf("invested after roundtrip: %s", bal.Invested.Dec())
	}
	if len(f.reg.Positions()) != 0 {
		t.Fatalf("positions left: %v", f.reg.Positions())
	}
	if f.rec.Count(model.EventFundsInvested) != 1 || f.rec.Count(model.EventInvestmentWithdrawn) != 1 {
		t.Fatalf("events: %v", f.rec.Types())
	}
}

func TestInvestWithoutMarketRollsBack(t *testing.T) {
	f := newFixture(t, time.Second)
	if err := f.h.Custody(usdc, amt(500)); err != nil {
		t.Fatalf("custody: %v", err)
	}
	_, err := f.reg.Invest(context.Background(), admin, "lending", []model.Investment{{Token: usdc, Amount: amt(500)}}, nil, "")
	if !errors.Is(err, vaulterr.ErrMarketNotSet) {
		t.Fatalf("expected market not set, got %v", err)
	}
	if vaulterr.KindOf(err) != vaulterr.KindConfiguration {
		t.Fatalf("kind: %v", vaulterr.KindOf(err))
	}
	bal := f.h.Balance(usdc)
	if !bal.Invested.IsZero() || bal.Available.Cmp(amt(500)) != 0 {
		t.Fatalf("holding not rolled back: invested=%s available=%s", bal.Invested.Dec(), bal.Available.Dec())
	}
}

func TestInvestIdempotencyKey(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	if err := f.h.Custody(usdc, amt(1000)); err != nil {
		t.Fatalf("custody: %v", err)
	}
	f.lend.SetMarket(usdc, cUSDC)
	inv := []model.Investment{{Token: usdc, Amount: amt(400)}}

	first, err := f.reg.Invest(ctx, admin, "lending", inv, nil, "op-1")
	if err != nil {
		t.Fatalf("invest: %v", err)
	}
	second, err := f.reg.Invest(ctx, admin, "lending", inv, nil, "op-1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if first.Key != second.Key {
		t.Fatalf("replay returned a different result")
	}
	if got := f.reg.Position("lending", usdc); got.Cmp(amt(400)) != 0 {
		t.Fatalf("position after replay: %s", got.Dec())
	}
	if got := f.h.Balance(usdc).Invested; got.Cmp(amt(400)) != 0 {
		t.Fatalf("invested after replay: %s", got.Dec())
	}

	_, err = f.reg.WithdrawInvestment(ctx, admin, "lending", inv, nil, "op-1")
	if !errors.Is(err, vaulterr.ErrWithdrawn) {
		t.Fatalf("expected key reuse rejection, got %v", err)
	}
}

type stuckStrategy struct{ release chan struct{} }

func (s stuckStrategy) Invest(context.Context, []model.Investment, []byte) error {
	<-s.release
	return nil
}

func (s stuckStrategy) WithdrawInvestment(context.Context, []model.Investment, []byte) ([]model.Investment, error) {
	<-s.release
	return nil, nil
}

func (s stuckStrategy) ClaimRewards(context.Context, []byte) ([]model.Investment, error) {
	return nil, nil
}

func TestInvestTimeoutRollsBackToIdle(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)
	stuck := stuckStrategy{release: make(chan struct{})}
	defer close(stuck.release)
	if err := f.reg.Register("bridge", stuck); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := f.h.Custody(usdc, amt(1000)); err != nil {
		t.Fatalf("custody: %v", err)
	}

	_, err := f.reg.Invest(context.Background(), admin, "bridge", []model.Investment{{Token: usdc, Amount: amt(1000)}}, nil, "")
	if !errors.Is(err, context.DeadlineExceeded) || !errors.Is(err, vaulterr.ErrStrategy) {
		t.Fatalf("expected strategy timeout, got %v", err)
	}
	if got := f.h.AvailableLiquidity(usdc); got.Cmp(amt(1000)) != 0 {
		t.Fatalf("available after timeout: %s", got.Dec())
	}
	if !f.reg.Position("bridge", usdc).IsZero() {
		t.Fatalf("position recorded for unconfirmed invest")
	}
}

func TestUnknownStrategyAndPermissions(t *testing.T) {
	f := newFixture(t, time.Second)
	inv := []model.Investment{{Token: usdc, Amount: amt(1)}}
	if _, err := f.reg.Invest(context.Background(), admin, "missing", inv, nil, ""); !errors.Is(err, vaulterr.ErrStrategy) {
		t.Fatalf("expected ERR: STRATEGY, got %v", err)
	}
	if _, err := f.reg.Invest(context.Background(), stranger, "lending", inv, nil, ""); !errors.Is(err, vaulterr.ErrPermissions) {
		t.Fatalf("expected ERR: PERMISSIONS, got %v", err)
	}
	if _, err := f.reg.Invest(context.Background(), admin, "lending", nil, nil, ""); !errors.Is(err, vaulterr.ErrAmount) {
		t.Fatalf("expected ERR: AMOUNT, got %v", err)
	}
}

func TestClaimRewardsCustodiesReward(t *testing.T) {
	f := newFixture(t, time.Second)
	f.lend.AddRewards(comp, amt(77))
	data, err := EncodeRewardAsset(comp)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	res, err := f.reg.ClaimRewards(context.Background(), admin, "lending", data, "")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(res.Amounts) != 1 || res.Amounts[0].Amount.Cmp(amt(77)) != 0 {
		t.Fatalf("claim result: %+v", res.Amounts)
	}
	if got := f.h.Balance(comp).Custodied; got.Cmp(amt(77)) != 0 {
		t.Fatalf("reward custody: %s", got.Dec())
	}
	if _, err := f.reg.ClaimRewards(context.Background(), admin, "lending", []byte{1, 2}, ""); err == nil {
		t.Fatalf("expected malformed claim data to fail")
	}
}

func TestPoolStrategyMinSharesAndFees(t *testing.T) {
	f := newFixture(t, time.Second)
	pool := NewPoolStrategy(usdc, weth, nil)
	if err := f.reg.Register("pool", pool); err != nil {
		t.Fatalf("register: %v", err)
	}
	for _, tok := range []common.Address{usdc, weth} {
		if err := f.h.Custody(tok, amt(10_000)); err != nil {
			t.Fatalf("custody: %v", err)
		}
	}
	inv := []model.Investment{{Token: usdc, Amount: amt(4_000)}, {Token: weth, Amount: amt(1_000)}}

	tooMany, _ := EncodeMinShares(amt(2_001))
	if _, err := f.reg.Invest(context.Background(), admin, "pool", inv, tooMany, ""); !errors.Is(err, vaulterr.ErrSlippage) {
		t.Fatalf("expected slippage rejection, got %v", err)
	}
	if !f.h.Balance(usdc).Invested.IsZero() {
		t.Fatalf("delegation kept after rejected invest")
	}

	minShares, _ := EncodeMinShares(amt(2_000))
	if _, err := f.reg.Invest(context.Background(), admin, "pool", inv, minShares, ""); err != nil {
		t.Fatalf("invest: %v", err)
	}
	if got := pool.Shares(); got.Cmp(amt(2_000)) != 0 {
		t.Fatalf("shares: %s", got.Dec())
	}

	pool.AccrueFees(amt(40), amt(10))
	if _, err := f.reg.WithdrawInvestment(context.Background(), admin, "pool", inv, nil, ""); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := f.h.Balance(usdc).Custodied; got.Cmp(amt(10_040)) != 0 {
		t.Fatalf("usdc custody: %s", got.Dec())
	}
	if got := f.h.Balance(weth).Custodied; got.Cmp(amt(10_010)) != 0 {
		t.Fatalf("weth custody: %s", got.Dec())
	}
	if !pool.Shares().IsZero() {
		t.Fatalf("shares left: %s", pool.Shares().Dec())
	}
}

func TestCoverShortfallDrainsInOrder(t *testing.T) {
	f := newFixture(t, time.Second)
	second := NewLendingStrategy(nil)
	if err := f.reg.Register("lending-2", second); err != nil {
		t.Fatalf("register: %v", err)
	}
	f.lend.SetMarket(usdc, cUSDC)
	second.SetMarket(usdc, cUSDC)
	if err := f.h.Custody(usdc, amt(1000)); err != nil {
		t.Fatalf("custody: %v", err)
	}
	ctx := context.Background()
	if _, err := f.reg.Invest(ctx, admin, "lending", []model.Investment{{Token: usdc, Amount: amt(300)}}, nil, ""); err != nil {
		t.Fatalf("invest: %v", err)
	}
	if _, err := f.reg.Invest(ctx, admin, "lending-2", []model.Investment{{Token: usdc, Amount: amt(500)}}, nil, ""); err != nil {
		t.Fatalf("invest: %v", err)
	}

	got, err := f.reg.CoverShortfall(ctx, usdc, amt(600), []string{"lending", "lending-2"}, nil)
	if err != nil {
		t.Fatalf("cover: %v", err)
	}
	if got.Cmp(amt(600)) != 0 {
		t.Fatalf("recovered %s", got.Dec())
	}
	if !f.reg.Position("lending", usdc).IsZero() || f.reg.Position("lending-2", usdc).Cmp(amt(200)) != 0 {
		t.Fatalf("positions: %v", f.reg.Positions())
	}
	if got := f.h.AvailableLiquidity(usdc); got.Cmp(amt(800)) != 0 {
		t.Fatalf("available: %s", got.Dec())
	}
}

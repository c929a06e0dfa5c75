package holding

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"liquidityVault/internal/access"
	"liquidityVault/internal/events"
	"liquidityVault/internal/model"
	"liquidityVault/internal/vaulterr"
)

var (
	admin  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	vault  = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	bot    = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	user   = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	safe   = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	tokenA = common.HexToAddress("0x1000000000000000000000000000000000000001")
)

type blocks struct{ n uint64 }

func (b *blocks) CurrentBlock(context.Context) (uint64, error) { return b.n, nil }

type receipts map[common.Address]uint64

func (r receipts) Available(_ common.Address, holder common.Address) *uint256.Int {
	return uint256.NewInt(r[holder])
}

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

type fixture struct {
	h     *Holding
	chain *blocks
	clock *clock
	rec   *events.Recorder
}

func newFixture(t *testing.T, r receipts) fixture {
	t.Helper()
	auth := access.NewAuthorizer(admin, nil)
	auth.Grant(access.RoleVault, vault)
	auth.Grant(access.RoleRebalancingBot, bot)
	chain := &blocks{n: 100}
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	rec := events.NewRecorder(0)
	h := New(Config{}, Deps{Auth: auth, Blocks: chain, Receipts: r, Emitter: rec, Now: clk.Now}, nil)
	return fixture{h: h, chain: chain, clock: clk, rec: rec}
}

func amt(v uint64) *uint256.Int { return uint256.NewInt(v) }

func TestReleaseChecksAvailableLiquidity(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if err := f.h.Custody(tokenA, amt(1000)); err != nil {
		t.Fatalf("custody: %v", err)
	}
	if err := f.h.Delegate(tokenA, amt(400)); err != nil {
		t.Fatalf("delegate: %v", err)
	}

	if err := f.h.Release(ctx, user, tokenA, amt(10), user); !errors.Is(err, vaulterr.ErrPermissions) {
		t.Fatalf("expected permissions error, got %v", err)
	}
	if err := f.h.Release(ctx, vault, tokenA, amt(1001), user); !errors.Is(err, vaulterr.ErrVaultBalance) {
		t.Fatalf("expected ERR: VAULT BAL, got %v", err)
	}
	// Within custody but above available liquidity.
	if err := f.h.Release(ctx, vault, tokenA, amt(700), user); !errors.Is(err, vaulterr.ErrLiquidity) {
		t.Fatalf("expected ERR: LIQUIDITY, got %v", err)
	}
	if got := f.h.Balance(tokenA).Custodied.Uint64(); got != 1000 {
		t.Fatalf("failed release changed custody: %d", got)
	}
	if err := f.h.Release(ctx, vault, tokenA, amt(600), user); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := f.h.AvailableLiquidity(tokenA).Uint64(); got != 0 {
		t.Fatalf("available = %d", got)
	}
}

func TestRebalancingIgnoresEarmarks(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_ = f.h.Custody(tokenA, amt(1000))
	f.h.Earmark(tokenA, amt(800))

	if err := f.h.Release(ctx, vault, tokenA, amt(500), user); !errors.Is(err, vaulterr.ErrLiquidity) {
		t.Fatalf("release should respect earmarks, got %v", err)
	}
	if err := f.h.ExtractForRebalancing(ctx, vault, tokenA, amt(500), safe); !errors.Is(err, vaulterr.ErrPermissions) {
		t.Fatalf("vault is not the rebalancing bot, got %v", err)
	}
	if err := f.h.ExtractForRebalancing(ctx, bot, tokenA, amt(500), safe); err != nil {
		t.Fatalf("extract: %v", err)
	}

	f.h.Unearmark(tokenA, amt(800))
	if _, err := f.h.Reserve(tokenA, amt(200), nil); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := f.h.ExtractForRebalancing(ctx, bot, tokenA, amt(301), safe); !errors.Is(err, vaulterr.ErrVaultBalance) {
		t.Fatalf("extraction must not touch in-flight reservations, got %v", err)
	}
	if f.rec.Count(model.EventRebalancingExtraction) != 1 {
		t.Fatalf("expected one extraction event")
	}
}

func TestReservationCommitAndCancel(t *testing.T) {
	f := newFixture(t, nil)
	_ = f.h.Custody(tokenA, amt(100))
	f.h.Earmark(tokenA, amt(60))

	if _, err := f.h.Reserve(tokenA, amt(60), nil); !errors.Is(err, vaulterr.ErrLiquidity) {
		t.Fatalf("expected liquidity error without releasing earmark, got %v", err)
	}
	res, err := f.h.Reserve(tokenA, amt(60), amt(60))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if b := f.h.Balance(tokenA); b.Earmarked.Uint64() != 0 || b.Reserved.Uint64() != 60 {
		t.Fatalf("unexpected balance %+v", b)
	}
	res.Cancel()
	if b := f.h.Balance(tokenA); b.Earmarked.Uint64() != 60 || b.Reserved.Uint64() != 0 {
		t.Fatalf("cancel did not restore: %+v", b)
	}

	res, err = f.h.Reserve(tokenA, amt(60), amt(60))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	res.Commit()
	res.Cancel()
	if b := f.h.Balance(tokenA); b.Custodied.Uint64() != 40 || b.Reserved.Uint64() != 0 || b.Earmarked.Uint64() != 0 {
		t.Fatalf("commit mismatch: %+v", b)
	}
}

func TestActiveLiquidityLock(t *testing.T) {
	f := newFixture(t, receipts{user: 10000})
	ctx := context.Background()

	c, err := f.h.LockActiveLiquidity(ctx, user, tokenA, amt(10000), 90)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if c.UnlockBlock != 190 {
		t.Fatalf("unlock block = %d", c.UnlockBlock)
	}
	if _, err := f.h.LockActiveLiquidity(ctx, user, tokenA, amt(1), 10); !errors.Is(err, vaulterr.ErrBalance) {
		t.Fatalf("expected over-lock rejection, got %v", err)
	}
	w, err := f.h.WithdrawableReceipts(ctx, user, tokenA)
	if err != nil || !w.IsZero() {
		t.Fatalf("withdrawable while locked = %v (%v)", w, err)
	}

	f.chain.n = 190
	w, err = f.h.WithdrawableReceipts(ctx, user, tokenA)
	if err != nil || w.Uint64() != 10000 {
		t.Fatalf("withdrawable after unlock = %v (%v)", w, err)
	}
}

func TestStrategyReturnNeverNegative(t *testing.T) {
	f := newFixture(t, nil)
	_ = f.h.Custody(tokenA, amt(500))
	if err := f.h.Delegate(tokenA, amt(500)); err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if err := f.h.Return(tokenA, amt(500), amt(499)); !errors.Is(err, vaulterr.ErrStrategy) {
		t.Fatalf("expected loss rejection, got %v", err)
	}
	if err := f.h.Return(tokenA, amt(500), amt(520)); err != nil {
		t.Fatalf("return: %v", err)
	}
	if b := f.h.Balance(tokenA); b.Custodied.Uint64() != 520 || !b.Invested.IsZero() {
		t.Fatalf("unexpected balance %+v", b)
	}
}

func TestSaveFunds(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_ = f.h.Custody(tokenA, amt(900))

	if err := f.h.StartSaveFunds(ctx, admin, tokenA, safe); !errors.Is(err, vaulterr.ErrNotPaused) {
		t.Fatalf("expected ERR: NOT PAUSED, got %v", err)
	}
	if err := f.h.Pause(ctx, admin); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := f.h.Release(ctx, admin, tokenA, amt(1), user); !errors.Is(err, vaulterr.ErrPaused) {
		t.Fatalf("release while paused: %v", err)
	}
	if err := f.h.StartSaveFunds(ctx, admin, tokenA, safe); err != nil {
		t.Fatalf("start save funds: %v", err)
	}
	if _, err := f.h.ExecuteSaveFunds(ctx, admin); !errors.Is(err, vaulterr.ErrTimelock) {
		t.Fatalf("expected ERR: TIMELOCK, got %v", err)
	}
	f.clock.t = f.clock.t.Add(DefaultSaveFundsLockUp)
	moved, err := f.h.ExecuteSaveFunds(ctx, admin)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if moved.Uint64() != 900 || !f.h.Balance(tokenA).Custodied.IsZero() {
		t.Fatalf("moved %s", moved.Dec())
	}
	if _, err := f.h.ExecuteSaveFunds(ctx, admin); !errors.Is(err, vaulterr.ErrTimelock) {
		t.Fatalf("order must reset after execution, got %v", err)
	}
}

func TestSaveFundsLockUpChange(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if err := f.h.SetSaveFundsLockUpTime(ctx, admin); !errors.Is(err, vaulterr.ErrTimelock) {
		t.Fatalf("expected ERR: TIMELOCK without pending change, got %v", err)
	}
	if err := f.h.StartSaveFundsLockUpTimerChange(ctx, admin, time.Hour); err != nil {
		t.Fatalf("start change: %v", err)
	}
	if err := f.h.SetSaveFundsLockUpTime(ctx, admin); !errors.Is(err, vaulterr.ErrTimelock) {
		t.Fatalf("expected ERR: TIMELOCK before delay, got %v", err)
	}
	f.clock.t = f.clock.t.Add(DefaultSaveFundsLockUp)
	if err := f.h.SetSaveFundsLockUpTime(ctx, admin); err != nil {
		t.Fatalf("set lock-up: %v", err)
	}
	if f.h.SaveFundsLockUp() != time.Hour {
		t.Fatalf("lock-up = %v", f.h.SaveFundsLockUp())
	}
}

func TestSnapshotRestore(t *testing.T) {
	f := newFixture(t, receipts{user: 50})
	ctx := context.Background()
	_ = f.h.Custody(tokenA, amt(300))
	_ = f.h.Delegate(tokenA, amt(100))
	f.h.Earmark(tokenA, amt(20))
	f.h.CollectFee(tokenA, amt(3))
	if _, err := f.h.LockActiveLiquidity(ctx, user, tokenA, amt(50), 10); err != nil {
		t.Fatalf("lock: %v", err)
	}

	st := f.h.Snapshot()
	g := newFixture(t, receipts{user: 50})
	if err := g.h.Restore(st); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !reflect.DeepEqual(g.h.Snapshot(), st) {
		t.Fatalf("snapshot mismatch")
	}
}

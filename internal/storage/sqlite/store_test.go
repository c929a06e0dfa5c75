package sqlite

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"liquidityVault/internal/model"
	"liquidityVault/internal/vaulterr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "vault.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); !errors.Is(err, ErrPathRequired) {
		t.Fatalf("expected ErrPathRequired, got %v", err)
	}
}

func TestWithdrawalLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := common.HexToHash("0x01")

	rec := model.WithdrawalRecord{ID: id, Kind: model.WithdrawalLiquidity, NetworkID: 1, AmountIn: "100"}
	if err := s.PutPending(ctx, rec); err != nil {
		t.Fatalf("put pending: %v", err)
	}
	if err := s.PutPending(ctx, rec); !errors.Is(err, vaulterr.ErrWithdrawn) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}

	claimed, existed, err := s.Claim(ctx, id, model.WithdrawalRecord{})
	if err != nil || !existed {
		t.Fatalf("claim: existed=%v err=%v", existed, err)
	}
	if claimed.Status != model.WithdrawalProcessing || claimed.AmountIn != "100" {
		t.Fatalf("unexpected claimed record: %+v", claimed)
	}
	if _, _, err := s.Claim(ctx, id, model.WithdrawalRecord{}); !errors.Is(err, vaulterr.ErrWithdrawn) {
		t.Fatalf("expected second claim to fail, got %v", err)
	}

	if err := s.Abandon(ctx, id, true); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if got, _, _ := s.Get(ctx, id); got.Status != model.WithdrawalPending {
		t.Fatalf("expected pending after abandon, got %s", got.Status)
	}

	if _, _, err := s.Claim(ctx, id, model.WithdrawalRecord{}); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	claimed.AmountOut = "98"
	if err := s.Complete(ctx, claimed); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, ok, err := s.Get(ctx, id)
	if err != nil || !ok {
		t.Fatalf("get: %v %v", ok, err)
	}
	if got.Status != model.WithdrawalSettled || got.AmountOut != "98" {
		t.Fatalf("unexpected settled record: %+v", got)
	}
	if err := s.Complete(ctx, claimed); !errors.Is(err, vaulterr.ErrWithdrawn) {
		t.Fatalf("expected complete of settled id to fail, got %v", err)
	}
}

func TestClaimUnknownInsertsPayout(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := common.HexToHash("0x02")

	payout := model.WithdrawalRecord{Kind: model.WithdrawalTransfer, AmountIn: "7"}
	rec, existed, err := s.Claim(ctx, id, payout)
	if err != nil || existed {
		t.Fatalf("claim: existed=%v err=%v", existed, err)
	}
	if rec.ID != id || rec.Status != model.WithdrawalProcessing {
		t.Fatalf("unexpected payout record: %+v", rec)
	}
	if _, _, err := s.Claim(ctx, id, payout); !errors.Is(err, vaulterr.ErrWithdrawn) {
		t.Fatalf("expected replay rejection, got %v", err)
	}
	if err := s.Abandon(ctx, id, false); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if _, ok, _ := s.Get(ctx, id); ok {
		t.Fatalf("abandoned payout still stored")
	}
}

func TestListNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		rec := model.WithdrawalRecord{ID: common.BigToHash(big.NewInt(int64(i))), Kind: model.WithdrawalLiquidity}
		if err := s.PutPending(ctx, rec); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	first := common.BigToHash(big.NewInt(1))
	if _, _, err := s.Claim(ctx, first, model.WithdrawalRecord{}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	all, err := s.List(ctx, "", 0)
	if err != nil || len(all) != 3 {
		t.Fatalf("list all: %d %v", len(all), err)
	}
	if all[2].ID != first {
		t.Fatalf("expected oldest last, got %s", all[2].ID.Hex())
	}
	pending, err := s.List(ctx, model.WithdrawalPending, 1)
	if err != nil || len(pending) != 1 {
		t.Fatalf("list pending: %d %v", len(pending), err)
	}
	if pending[0].ID == first {
		t.Fatalf("processing record listed as pending")
	}
}

func TestEventJournal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	evs := []model.Event{
		{ID: "a", Type: model.EventWithdrawRequest, WithdrawalID: "0x01"},
		{ID: "b", Type: model.EventLiquidityWithdrawn, WithdrawalID: "0x01", Amount: "5"},
		{ID: "c", Type: model.EventPauseNetwork, NetworkID: 9},
	}
	if err := s.PutEventBatch(ctx, evs); err != nil {
		t.Fatalf("put events: %v", err)
	}
	if err := s.Publish(ctx, evs[0]); err != nil {
		t.Fatalf("republish: %v", err)
	}
	got, err := s.EventsFor(ctx, "0x01")
	if err != nil {
		t.Fatalf("events for: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].Amount != "5" {
		t.Fatalf("unexpected events: %+v", got)
	}
}

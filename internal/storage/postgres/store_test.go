package postgres

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"liquidityVault/internal/model"
	"liquidityVault/internal/vaulterr"
)

func TestNewStoreRequiresDSN(t *testing.T) {
	if _, err := NewStore(context.Background(), ""); err == nil {
		t.Fatalf("expected dsn error")
	}
}

func TestStoreAgainstDatabase(t *testing.T) {
	dsn := os.Getenv("VAULT_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("VAULT_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	s, err := NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close()
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}

	key := uuid.New()
	id := common.BytesToHash(key[:])
	if err := s.PutPending(ctx, model.WithdrawalRecord{ID: id, Kind: model.WithdrawalLiquidity, AmountIn: "10"}); err != nil {
		t.Fatalf("put pending: %v", err)
	}
	if _, existed, err := s.Claim(ctx, id, model.WithdrawalRecord{}); err != nil || !existed {
		t.Fatalf("claim: %v %v", existed, err)
	}
	if _, _, err := s.Claim(ctx, id, model.WithdrawalRecord{}); !errors.Is(err, vaulterr.ErrWithdrawn) {
		t.Fatalf("expected second claim rejected, got %v", err)
	}
	if err := s.Complete(ctx, model.WithdrawalRecord{ID: id, AmountIn: "10", AmountOut: "9"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	rec, ok, err := s.Get(ctx, id)
	if err != nil || !ok || rec.Status != model.WithdrawalSettled || rec.AmountOut != "9" {
		t.Fatalf("unexpected record %+v %v %v", rec, ok, err)
	}

	name := "test-" + key.String()
	if _, ok, err := s.LoadState(ctx, name); err != nil || ok {
		t.Fatalf("expected empty state: %v %v", ok, err)
	}
	if err := s.SaveState(ctx, name, []byte(`{"nonce":1}`)); err != nil {
		t.Fatalf("save state: %v", err)
	}
	if _, ok, err := s.LoadState(ctx, name); err != nil || !ok {
		t.Fatalf("state not saved: %v %v", ok, err)
	}
}

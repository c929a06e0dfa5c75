package inflow

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"liquidityVault/internal/model"
	"liquidityVault/internal/storage"
)

var (
	holder = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	alice  = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	usdc   = common.HexToAddress("0x1000000000000000000000000000000000000001")
	weth   = common.HexToAddress("0x1000000000000000000000000000000000000002")
)

type fakeSource struct {
	latest   uint64
	logs     []types.Log
	failures int
	queries  [][2]uint64
}

func (f *fakeSource) LatestBlockNumber(context.Context) (uint64, error) { return f.latest, nil }

func (f *fakeSource) FilterLogs(_ context.Context, from, to uint64, addresses []common.Address, _ [][]common.Hash) ([]types.Log, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("rpc unavailable")
	}
	f.queries = append(f.queries, [2]uint64{from, to})
	allowed := make(map[common.Address]bool, len(addresses))
	for _, a := range addresses {
		allowed[a] = true
	}
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber >= from && l.BlockNumber <= to && allowed[l.Address] {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeSource) BlockTimestamp(_ context.Context, number uint64) (uint64, error) {
	return 1_700_000_000 + number, nil
}

func transferLog(token, from, to common.Address, value int64, block uint64, index uint) types.Log {
	return types.Log{
		Address: token,
		Topics: []common.Hash{
			TransferTopic(),
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data:        common.LeftPadBytes(big.NewInt(value).Bytes(), 32),
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(int64(block))),
		Index:       index,
	}
}

func TestSplitRange(t *testing.T) {
	got, err := splitRange(100, 105, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []blockRange{{100, 101}, {102, 103}, {104, 105}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ranges mismatch: %+v != %+v", got, want)
	}

	got, err = splitRange(5, 5, 10)
	if err != nil || !reflect.DeepEqual(got, []blockRange{{5, 5}}) {
		t.Fatalf("single range = %+v, %v", got, err)
	}

	if _, err := splitRange(10, 9, 1); err == nil {
		t.Fatalf("expected error for invalid range")
	}
	if _, err := splitRange(1, 10, 0); err == nil {
		t.Fatalf("expected error for zero batch size")
	}
}

func TestTransferTopic(t *testing.T) {
	want := common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")
	if TransferTopic() != want {
		t.Fatalf("topic = %s", TransferTopic().Hex())
	}
}

func TestWatcherJournalsInflows(t *testing.T) {
	dir := t.TempDir()
	journal := storage.NewJsonlStorage(filepath.Join(dir, "inflows.jsonl"))
	src := &fakeSource{
		latest:   120,
		failures: 1,
		logs: []types.Log{
			transferLog(usdc, alice, holder, 500, 101, 0),
			transferLog(usdc, alice, holder, 500, 101, 0),
			transferLog(weth, alice, holder, 7, 110, 2),
			transferLog(usdc, holder, alice, 99, 111, 0),
			transferLog(usdc, alice, holder, 250, 119, 1),
		},
	}
	w := NewWatcher(Config{
		Holder:         holder,
		Tokens:         []common.Address{usdc, weth},
		FromBlock:      100,
		BatchSize:      10,
		CheckpointPath: filepath.Join(dir, "checkpoint.json"),
		MaxRetries:     2,
		RetryBackoff:   time.Millisecond,
	}, src, journal, nil)

	summary, err := w.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Transfers != 3 || summary.FromBlock != 100 || summary.ToBlock != 120 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.Totals[usdc].Uint64() != 750 || summary.Totals[weth].Uint64() != 7 {
		t.Fatalf("totals = %v", summary.Totals)
	}
	if !reflect.DeepEqual(summary.SortedTokens(), []common.Address{usdc, weth}) {
		t.Fatalf("sorted tokens = %v", summary.SortedTokens())
	}

	events, err := journal.ReadEvents()
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("journal has %d events", len(events))
	}
	first := events[0]
	if first.Type != model.EventHoldingInflow || first.Account != alice.Hex() || first.Amount != "500" || first.Block != 101 {
		t.Fatalf("first event = %+v", first)
	}
	if first.EmittedAt != time.Unix(1_700_000_101, 0).UTC().Format(time.RFC3339) {
		t.Fatalf("emitted at = %s", first.EmittedAt)
	}

	// A second run resumes after the checkpoint and finds nothing new.
	rerun := NewWatcher(Config{
		Holder:         holder,
		Tokens:         []common.Address{usdc, weth},
		FromBlock:      100,
		ToBlock:        120,
		BatchSize:      10,
		CheckpointPath: filepath.Join(dir, "checkpoint.json"),
	}, src, journal, nil)
	summary, err = rerun.Run(context.Background())
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if summary.Transfers != 0 || summary.FromBlock != 121 {
		t.Fatalf("rerun summary = %+v", summary)
	}
}

func TestCheckpointRejectsOtherHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.json")
	store := NewCheckpointStore(path)
	if err := store.Save(holder, 42); err != nil {
		t.Fatalf("save: %v", err)
	}
	cp, ok, err := store.Load(holder)
	if err != nil || !ok || cp.LastBlock != 42 {
		t.Fatalf("load = %+v %v %v", cp, ok, err)
	}
	if _, _, err := store.Load(alice); err == nil {
		t.Fatalf("expected holder mismatch error")
	}
}

func TestWatcherRequiresTokens(t *testing.T) {
	w := NewWatcher(Config{Holder: holder, BatchSize: 1}, &fakeSource{}, storage.NewJsonlStorage(filepath.Join(t.TempDir(), "x.jsonl")), nil)
	if _, err := w.Run(context.Background()); err == nil {
		t.Fatalf("expected error without tokens")
	}
}

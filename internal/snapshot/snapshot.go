package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"liquidityVault/internal/barrier"
	"liquidityVault/internal/gateway"
	"liquidityVault/internal/holding"
	"liquidityVault/internal/ledger"
	"liquidityVault/internal/model"
	"liquidityVault/internal/registry"
	"liquidityVault/internal/storage/postgres"
	"liquidityVault/internal/strategy"
	"liquidityVault/internal/withdrawal"
)

// State is the full persisted vault state.
type State struct {
	Registry    registry.State             `json:"registry"`
	Ledger      ledger.State               `json:"ledger"`
	Holding     holding.State              `json:"holding"`
	Positions   []model.InvestmentPosition `json:"positions,omitempty"`
	Gateway     gateway.State              `json:"gateway"`
	Coordinator withdrawal.State           `json:"coordinator"`
	// Withdrawals is set only when records live in memory.
	Withdrawals []model.WithdrawalRecord `json:"withdrawals,omitempty"`
	UpdatedAt   string                   `json:"updated_at"`
}

// Vault is the set of components a snapshot covers.
type Vault struct {
	Registry    *registry.Registry
	Ledger      *ledger.Ledger
	Holding     *holding.Holding
	Strategies  *strategy.Registry
	Gateway     *gateway.Gateway
	Coordinator *withdrawal.Coordinator
	// Records is non-nil when withdrawals are kept in memory.
	Records *withdrawal.MemoryStore
	// Barrier, when set, is frozen for the whole read or load.
	Barrier *barrier.Barrier
}

// Capture reads the current state of every component.
func Capture(v Vault) State {
	defer v.Barrier.Freeze()()
	st := State{
		Registry:    v.Registry.Snapshot(),
		Ledger:      v.Ledger.Snapshot(),
		Holding:     v.Holding.Snapshot(),
		Positions:   v.Strategies.Positions(),
		Gateway:     v.Gateway.Snapshot(),
		Coordinator: v.Coordinator.Snapshot(),
		UpdatedAt:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	if v.Records != nil {
		st.Withdrawals = v.Records.Records()
		sort.SliceStable(st.Withdrawals, func(i, j int) bool {
			return st.Withdrawals[i].CreatedAt < st.Withdrawals[j].CreatedAt
		})
	}
	return st
}

// Apply loads st into every component.
func Apply(v Vault, st State) error {
	defer v.Barrier.Freeze()()
	if err := v.Registry.Restore(st.Registry); err != nil {
		return fmt.Errorf("restore registry: %w", err)
	}
	if err := v.Ledger.Restore(st.Ledger); err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}
	if err := v.Holding.Restore(st.Holding); err != nil {
		return fmt.Errorf("restore holding: %w", err)
	}
	if err := v.Strategies.Restore(st.Positions); err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}
	v.Gateway.Restore(st.Gateway)
	v.Coordinator.Restore(st.Coordinator)
	if v.Records != nil {
		v.Records.Restore(st.Withdrawals)
	}
	return nil
}

// Store persists vault snapshots.
type Store interface {
	Load(ctx context.Context) (State, bool, error)
	Save(ctx context.Context, st State) error
}

// FileStore stores the snapshot in a local JSON file.
type FileStore struct {
	Path string
}

func (s *FileStore) Load(ctx context.Context) (State, bool, error) {
	if s == nil || s.Path == "" {
		return State{}, false, nil
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, false, nil
		}
		return State{}, false, fmt.Errorf("read snapshot: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, false, fmt.Errorf("parse snapshot: %w", err)
	}
	return st, true, nil
}

func (s *FileStore) Save(ctx context.Context, st State) error {
	if s == nil || s.Path == "" {
		return nil
	}
	dir := filepath.Dir(s.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create snapshot dir: %w", err)
		}
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	tmpPath := s.Path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot tmp: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// DBStore stores the snapshot in the vault_state table.
type DBStore struct {
	Store *postgres.Store
	Name  string
}

func (s *DBStore) Load(ctx context.Context) (State, bool, error) {
	if s == nil || s.Store == nil {
		return State{}, false, nil
	}
	data, ok, err := s.Store.LoadState(ctx, s.Name)
	if err != nil || !ok {
		return State{}, ok, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, false, fmt.Errorf("parse snapshot: %w", err)
	}
	return st, true, nil
}

func (s *DBStore) Save(ctx context.Context, st State) error {
	if s == nil || s.Store == nil {
		return nil
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return s.Store.SaveState(ctx, s.Name, data)
}

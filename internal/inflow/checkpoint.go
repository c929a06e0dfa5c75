package inflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Checkpoint tracks the last scanned block for one holding address.
type Checkpoint struct {
	Holder    common.Address `json:"holder"`
	LastBlock uint64         `json:"last_block"`
	UpdatedAt string         `json:"updated_at"`
}

// CheckpointStore persists checkpoints to disk. An empty path disables it.
type CheckpointStore struct {
	path string
}

func NewCheckpointStore(path string) *CheckpointStore {
	return &CheckpointStore{path: path}
}

// Load returns the stored checkpoint. A checkpoint written for another holder
// is an error rather than a silent restart.
func (c *CheckpointStore) Load(holder common.Address) (Checkpoint, bool, error) {
	if c == nil || c.path == "" {
		return Checkpoint{}, false, nil
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("parse checkpoint: %w", err)
	}
	if cp.Holder != holder {
		return Checkpoint{}, false, fmt.Errorf("checkpoint %s belongs to holder %s", c.path, cp.Holder.Hex())
	}
	return cp, true, nil
}

func (c *CheckpointStore) Save(holder common.Address, lastBlock uint64) error {
	if c == nil || c.path == "" {
		return nil
	}
	dir := filepath.Dir(c.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create checkpoint dir: %w", err)
		}
	}

	data, err := json.Marshal(Checkpoint{
		Holder:    holder,
		LastBlock: lastBlock,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint tmp: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

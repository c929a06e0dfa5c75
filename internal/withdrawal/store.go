package withdrawal

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"liquidityVault/internal/model"
	"liquidityVault/internal/vaulterr"
)

// Store persists withdrawal records. Ids are unique; a record moves
// pending -> processing -> settled, and Claim is the only way into processing.
type Store interface {
	// PutPending inserts a new pending record. An existing id fails with ERR: WITHDRAWN.
	PutPending(ctx context.Context, rec model.WithdrawalRecord) error
	// Claim moves a pending record to processing, or inserts payout as processing
	// when the id is unknown. existed reports which case applied.
	Claim(ctx context.Context, id common.Hash, payout model.WithdrawalRecord) (rec model.WithdrawalRecord, existed bool, err error)
	// Complete writes the final record of a processing id as settled.
	Complete(ctx context.Context, rec model.WithdrawalRecord) error
	// Abandon undoes a Claim: back to pending when the record existed, removed otherwise.
	Abandon(ctx context.Context, id common.Hash, existed bool) error
	Get(ctx context.Context, id common.Hash) (model.WithdrawalRecord, bool, error)
	// List returns records with status, newest first. Empty status lists all.
	List(ctx context.Context, status model.WithdrawalStatus, limit int) ([]model.WithdrawalRecord, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[common.Hash]model.WithdrawalRecord
	order   []common.Hash
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[common.Hash]model.WithdrawalRecord)}
}

func (s *MemoryStore) PutPending(_ context.Context, rec model.WithdrawalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return vaulterr.Wrapf(vaulterr.ErrWithdrawn, "id %s exists", rec.ID.Hex())
	}
	rec.Status = model.WithdrawalPending
	s.records[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	return nil
}

func (s *MemoryStore) Claim(_ context.Context, id common.Hash, payout model.WithdrawalRecord) (model.WithdrawalRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		payout.ID = id
		payout.Status = model.WithdrawalProcessing
		s.records[id] = payout
		s.order = append(s.order, id)
		return payout, false, nil
	}
	if rec.Status != model.WithdrawalPending {
		return model.WithdrawalRecord{}, true, vaulterr.Wrapf(vaulterr.ErrWithdrawn, "id %s is %s", id.Hex(), rec.Status)
	}
	rec.Status = model.WithdrawalProcessing
	s.records[id] = rec
	return rec, true, nil
}

func (s *MemoryStore) Complete(_ context.Context, rec model.WithdrawalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[rec.ID]
	if !ok || cur.Status != model.WithdrawalProcessing {
		return vaulterr.Wrapf(vaulterr.ErrWithdrawn, "id %s not processing", rec.ID.Hex())
	}
	rec.Status = model.WithdrawalSettled
	s.records[rec.ID] = rec
	return nil
}

func (s *MemoryStore) Abandon(_ context.Context, id common.Hash, existed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.Status != model.WithdrawalProcessing {
		return nil
	}
	if existed {
		rec.Status = model.WithdrawalPending
		s.records[id] = rec
		return nil
	}
	delete(s.records, id)
	for i, h := range s.order {
		if h == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id common.Hash) (model.WithdrawalRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok, nil
}

func (s *MemoryStore) List(_ context.Context, status model.WithdrawalStatus, limit int) ([]model.WithdrawalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.WithdrawalRecord, 0)
	for i := len(s.order) - 1; i >= 0; i-- {
		rec := s.records[s.order[i]]
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Records returns every record ordered by id, for snapshots and tests.
func (s *MemoryStore) Records() []model.WithdrawalRecord {
	s.mu.Lock()
	out := make([]model.WithdrawalRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Hex() < out[j].ID.Hex() })
	return out
}

// Restore replaces the store content. Records claimed but never completed
// come back as pending; payouts that were never completed are dropped.
func (s *MemoryStore) Restore(records []model.WithdrawalRecord) {
	next := make(map[common.Hash]model.WithdrawalRecord, len(records))
	order := make([]common.Hash, 0, len(records))
	for _, rec := range records {
		if rec.Status == model.WithdrawalProcessing {
			if rec.Kind == model.WithdrawalTransfer {
				continue
			}
			rec.Status = model.WithdrawalPending
		}
		next[rec.ID] = rec
		order = append(order, rec.ID)
	}
	s.mu.Lock()
	s.records = next
	s.order = order
	s.mu.Unlock()
}

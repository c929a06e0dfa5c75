package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/glebarez/go-sqlite"

	"liquidityVault/internal/model"
	"liquidityVault/internal/vaulterr"
)

// ErrPathRequired is returned when the database path is missing.
var ErrPathRequired = errors.New("sqlite path must be configured")

const schema = `
CREATE TABLE IF NOT EXISTS withdrawals (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	status TEXT NOT NULL,
	kind TEXT NOT NULL,
	network_id INTEGER NOT NULL,
	payload TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS withdrawals_status ON withdrawals (status, seq);

CREATE TABLE IF NOT EXISTS vault_events (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	withdrawal_id TEXT,
	payload TEXT NOT NULL,
	emitted_at TEXT NOT NULL
);
`

// Store is an embedded withdrawal store and event journal.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite has a single writer; one connection keeps claims serialized.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) PutPending(ctx context.Context, rec model.WithdrawalRecord) error {
	rec.Status = model.WithdrawalPending
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal withdrawal: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO withdrawals (id, status, kind, network_id, payload)
		VALUES (?, ?, ?, ?, ?)
	`, rec.ID.Hex(), string(rec.Status), string(rec.Kind), int64(rec.NetworkID), string(payload))
	if err != nil {
		return fmt.Errorf("insert withdrawal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return vaulterr.Wrapf(vaulterr.ErrWithdrawn, "id %s exists", rec.ID.Hex())
	}
	return nil
}

func (s *Store) Claim(ctx context.Context, id common.Hash, payout model.WithdrawalRecord) (model.WithdrawalRecord, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.WithdrawalRecord{}, false, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE withdrawals SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, string(model.WithdrawalProcessing), id.Hex(), string(model.WithdrawalPending))
	if err != nil {
		return model.WithdrawalRecord{}, false, fmt.Errorf("claim withdrawal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		var payload string
		if err := tx.QueryRowContext(ctx, `SELECT payload FROM withdrawals WHERE id = ?`, id.Hex()).Scan(&payload); err != nil {
			return model.WithdrawalRecord{}, true, fmt.Errorf("load withdrawal: %w", err)
		}
		rec, err := decodeRecord(payload, model.WithdrawalProcessing)
		if err != nil {
			return model.WithdrawalRecord{}, true, err
		}
		if err := tx.Commit(); err != nil {
			return model.WithdrawalRecord{}, true, fmt.Errorf("commit claim: %w", err)
		}
		return rec, true, nil
	}

	payout.ID = id
	payout.Status = model.WithdrawalProcessing
	data, err := json.Marshal(payout)
	if err != nil {
		return model.WithdrawalRecord{}, false, fmt.Errorf("marshal withdrawal: %w", err)
	}
	res, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO withdrawals (id, status, kind, network_id, payload)
		VALUES (?, ?, ?, ?, ?)
	`, id.Hex(), string(payout.Status), string(payout.Kind), int64(payout.NetworkID), string(data))
	if err != nil {
		return model.WithdrawalRecord{}, false, fmt.Errorf("insert withdrawal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.WithdrawalRecord{}, true, vaulterr.Wrapf(vaulterr.ErrWithdrawn, "id %s already processed", id.Hex())
	}
	if err := tx.Commit(); err != nil {
		return model.WithdrawalRecord{}, false, fmt.Errorf("commit claim: %w", err)
	}
	return payout, false, nil
}

func (s *Store) Complete(ctx context.Context, rec model.WithdrawalRecord) error {
	rec.Status = model.WithdrawalSettled
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal withdrawal: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE withdrawals SET status = ?, payload = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, string(rec.Status), string(payload), rec.ID.Hex(), string(model.WithdrawalProcessing))
	if err != nil {
		return fmt.Errorf("complete withdrawal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return vaulterr.Wrapf(vaulterr.ErrWithdrawn, "id %s not processing", rec.ID.Hex())
	}
	return nil
}

func (s *Store) Abandon(ctx context.Context, id common.Hash, existed bool) error {
	var err error
	if existed {
		_, err = s.db.ExecContext(ctx, `
			UPDATE withdrawals SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?
		`, string(model.WithdrawalPending), id.Hex(), string(model.WithdrawalProcessing))
	} else {
		_, err = s.db.ExecContext(ctx, `DELETE FROM withdrawals WHERE id = ? AND status = ?`, id.Hex(), string(model.WithdrawalProcessing))
	}
	if err != nil {
		return fmt.Errorf("abandon withdrawal: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id common.Hash) (model.WithdrawalRecord, bool, error) {
	var status, payload string
	row := s.db.QueryRowContext(ctx, `SELECT status, payload FROM withdrawals WHERE id = ?`, id.Hex())
	if err := row.Scan(&status, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.WithdrawalRecord{}, false, nil
		}
		return model.WithdrawalRecord{}, false, fmt.Errorf("query withdrawal: %w", err)
	}
	rec, err := decodeRecord(payload, model.WithdrawalStatus(status))
	if err != nil {
		return model.WithdrawalRecord{}, false, err
	}
	return rec, true, nil
}

func (s *Store) List(ctx context.Context, status model.WithdrawalStatus, limit int) ([]model.WithdrawalRecord, error) {
	query := `SELECT status, payload FROM withdrawals`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY seq DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list withdrawals: %w", err)
	}
	defer rows.Close()

	out := make([]model.WithdrawalRecord, 0)
	for rows.Next() {
		var st, payload string
		if err := rows.Scan(&st, &payload); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(payload, model.WithdrawalStatus(st))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PutEventBatch journals events, skipping ids already stored.
func (s *Store) PutEventBatch(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin events: %w", err)
	}
	defer tx.Rollback()

	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO vault_events (id, type, withdrawal_id, payload, emitted_at)
			VALUES (?, ?, ?, ?, ?)
		`, ev.ID, string(ev.Type), ev.WithdrawalID, string(payload), ev.EmittedAt); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	return tx.Commit()
}

// Publish journals a single event.
func (s *Store) Publish(ctx context.Context, ev model.Event) error {
	return s.PutEventBatch(ctx, []model.Event{ev})
}

// EventsFor returns the journaled events of a withdrawal id in insertion order.
func (s *Store) EventsFor(ctx context.Context, withdrawalID string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM vault_events WHERE withdrawal_id = ? ORDER BY rowid`, withdrawalID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var ev model.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func decodeRecord(payload string, status model.WithdrawalStatus) (model.WithdrawalRecord, error) {
	var rec model.WithdrawalRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return model.WithdrawalRecord{}, fmt.Errorf("decode withdrawal: %w", err)
	}
	rec.Status = status
	return rec, nil
}

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"liquidityVault/internal/model"
)

// Schema creates the tables used by Store.
const Schema = `
CREATE TABLE IF NOT EXISTS withdrawals (
	seq BIGSERIAL,
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	kind TEXT NOT NULL,
	network_id BIGINT NOT NULL,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS withdrawals_status_seq ON withdrawals (status, seq DESC);

CREATE TABLE IF NOT EXISTS vault_events (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	token TEXT,
	withdrawal_id TEXT,
	network_id BIGINT,
	payload JSONB NOT NULL,
	emitted_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS vault_events_withdrawal ON vault_events (withdrawal_id);

CREATE TABLE IF NOT EXISTS vault_state (
	name TEXT PRIMARY KEY,
	payload JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Store provides Postgres persistence for withdrawals, events and snapshots.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema applies Schema.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// PutEventBatch inserts events, skipping ids already journaled.
func (s *Store) PutEventBatch(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		batch.Queue(`
			INSERT INTO vault_events (id, type, token, withdrawal_id, network_id, payload, emitted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING
		`,
			ev.ID,
			string(ev.Type),
			ev.Token,
			ev.WithdrawalID,
			int64(ev.NetworkID),
			payload,
			ev.EmittedAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range events {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// Publish journals a single event.
func (s *Store) Publish(ctx context.Context, ev model.Event) error {
	return s.PutEventBatch(ctx, []model.Event{ev})
}

// LoadState returns the state blob stored under name.
func (s *Store) LoadState(ctx context.Context, name string) ([]byte, bool, error) {
	if name == "" {
		return nil, false, fmt.Errorf("state name required")
	}
	var payload []byte
	row := s.pool.QueryRow(ctx, `SELECT payload FROM vault_state WHERE name=$1`, name)
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return payload, true, nil
}

// SaveState upserts the state blob for name. payload must be JSON.
func (s *Store) SaveState(ctx context.Context, name string, payload []byte) error {
	if name == "" {
		return fmt.Errorf("state name required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO vault_state (name, payload, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE
		SET payload = EXCLUDED.payload, updated_at = now()
	`, name, payload)
	return err
}

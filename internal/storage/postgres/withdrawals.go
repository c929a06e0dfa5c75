package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"liquidityVault/internal/model"
	"liquidityVault/internal/vaulterr"
)

// PutPending inserts a pending withdrawal record.
func (s *Store) PutPending(ctx context.Context, rec model.WithdrawalRecord) error {
	rec.Status = model.WithdrawalPending
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal withdrawal: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO withdrawals (id, status, kind, network_id, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, rec.ID.Hex(), string(rec.Status), string(rec.Kind), int64(rec.NetworkID), payload)
	if err != nil {
		return fmt.Errorf("insert withdrawal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return vaulterr.Wrapf(vaulterr.ErrWithdrawn, "id %s exists", rec.ID.Hex())
	}
	return nil
}

// Claim locks the row for id and moves it to processing. Unknown ids are
// inserted from payout.
func (s *Store) Claim(ctx context.Context, id common.Hash, payout model.WithdrawalRecord) (model.WithdrawalRecord, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.WithdrawalRecord{}, false, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		status  string
		payload []byte
	)
	row := tx.QueryRow(ctx, `SELECT status, payload FROM withdrawals WHERE id=$1 FOR UPDATE`, id.Hex())
	switch err := row.Scan(&status, &payload); {
	case errors.Is(err, pgx.ErrNoRows):
		payout.ID = id
		payout.Status = model.WithdrawalProcessing
		data, err := json.Marshal(payout)
		if err != nil {
			return model.WithdrawalRecord{}, false, fmt.Errorf("marshal withdrawal: %w", err)
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO withdrawals (id, status, kind, network_id, payload)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING
		`, id.Hex(), string(payout.Status), string(payout.Kind), int64(payout.NetworkID), data)
		if err != nil {
			return model.WithdrawalRecord{}, false, fmt.Errorf("insert withdrawal: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.WithdrawalRecord{}, true, vaulterr.Wrapf(vaulterr.ErrWithdrawn, "id %s claimed concurrently", id.Hex())
		}
		if err := tx.Commit(ctx); err != nil {
			return model.WithdrawalRecord{}, false, fmt.Errorf("commit claim: %w", err)
		}
		return payout, false, nil
	case err != nil:
		return model.WithdrawalRecord{}, false, fmt.Errorf("load withdrawal: %w", err)
	}

	if status != string(model.WithdrawalPending) {
		return model.WithdrawalRecord{}, true, vaulterr.Wrapf(vaulterr.ErrWithdrawn, "id %s is %s", id.Hex(), status)
	}
	rec, err := decodeRecord(payload, model.WithdrawalProcessing)
	if err != nil {
		return model.WithdrawalRecord{}, true, err
	}
	if _, err := tx.Exec(ctx, `UPDATE withdrawals SET status=$2, updated_at=now() WHERE id=$1`, id.Hex(), string(rec.Status)); err != nil {
		return model.WithdrawalRecord{}, true, fmt.Errorf("claim withdrawal: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.WithdrawalRecord{}, true, fmt.Errorf("commit claim: %w", err)
	}
	return rec, true, nil
}

// Complete stores the final record of a processing id as settled.
func (s *Store) Complete(ctx context.Context, rec model.WithdrawalRecord) error {
	rec.Status = model.WithdrawalSettled
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal withdrawal: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE withdrawals SET status=$2, payload=$3, updated_at=now()
		WHERE id=$1 AND status=$4
	`, rec.ID.Hex(), string(rec.Status), payload, string(model.WithdrawalProcessing))
	if err != nil {
		return fmt.Errorf("complete withdrawal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return vaulterr.Wrapf(vaulterr.ErrWithdrawn, "id %s not processing", rec.ID.Hex())
	}
	return nil
}

// Abandon reverts a Claim.
func (s *Store) Abandon(ctx context.Context, id common.Hash, existed bool) error {
	var err error
	if existed {
		_, err = s.pool.Exec(ctx, `
			UPDATE withdrawals SET status=$2, updated_at=now() WHERE id=$1 AND status=$3
		`, id.Hex(), string(model.WithdrawalPending), string(model.WithdrawalProcessing))
	} else {
		_, err = s.pool.Exec(ctx, `DELETE FROM withdrawals WHERE id=$1 AND status=$2`, id.Hex(), string(model.WithdrawalProcessing))
	}
	if err != nil {
		return fmt.Errorf("abandon withdrawal: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id common.Hash) (model.WithdrawalRecord, bool, error) {
	var (
		status  string
		payload []byte
	)
	row := s.pool.QueryRow(ctx, `SELECT status, payload FROM withdrawals WHERE id=$1`, id.Hex())
	if err := row.Scan(&status, &payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.WithdrawalRecord{}, false, nil
		}
		return model.WithdrawalRecord{}, false, err
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
		query += ` WHERE status=$1`
		args = append(args, string(status))
	}
	query += ` ORDER BY seq DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list withdrawals: %w", err)
	}
	defer rows.Close()

	out := make([]model.WithdrawalRecord, 0)
	for rows.Next() {
		var (
			st      string
			payload []byte
		)
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

func decodeRecord(payload []byte, status model.WithdrawalStatus) (model.WithdrawalRecord, error) {
	var rec model.WithdrawalRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return model.WithdrawalRecord{}, fmt.Errorf("decode withdrawal: %w", err)
	}
	rec.Status = status
	return rec, nil
}

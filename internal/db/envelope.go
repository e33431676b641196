package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Hussein-Mazeh/credvault/store"
)

// historyLimit is how many replaced envelopes are kept for recovery.
const historyLimit = 5

// HistoryRow is a previously persisted envelope.
type HistoryRow struct {
	ID         int64
	Record     []byte
	ReplacedAt string
}

// EnvelopeStore persists the single vault envelope record in SQLite.
type EnvelopeStore struct {
	db *DB
}

// NewEnvelopeStore binds a store to an open, migrated database.
func NewEnvelopeStore(d *DB) *EnvelopeStore {
	return &EnvelopeStore{db: d}
}

// Load returns the current envelope record, wrapping store.ErrNoEnvelope
// when the vault has never been written.
func (s *EnvelopeStore) Load(ctx context.Context) ([]byte, error) {
	if s == nil || s.db == nil || s.db.sql == nil {
		return nil, fmt.Errorf("database handle is nil")
	}

	var record []byte
	err := s.db.sql.QueryRowContext(ctx, `SELECT record FROM vault_envelope WHERE id = 1`).Scan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrNoEnvelope, s.db.path)
		}
		return nil, fmt.Errorf("select envelope: %w", err)
	}
	return record, nil
}

// Save replaces the envelope inside one transaction. The replaced record is
// moved to vault_history, which is pruned to the newest historyLimit rows.
func (s *EnvelopeStore) Save(ctx context.Context, record []byte) error {
	return s.save(ctx, record, false)
}

// SaveRekeyed replaces the envelope and empties vault_history in the same
// transaction. It is used when the record was sealed under a new master
// password or key derivation, so nothing retained opens with the old one.
func (s *EnvelopeStore) SaveRekeyed(ctx context.Context, record []byte) error {
	return s.save(ctx, record, true)
}

func (s *EnvelopeStore) save(ctx context.Context, record []byte, rekey bool) error {
	if s == nil || s.db == nil || s.db.sql == nil {
		return fmt.Errorf("database handle is nil")
	}

	tx, err := s.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin envelope tx: %w", err)
	}
	defer tx.Rollback()

	if rekey {
		if _, err := tx.ExecContext(ctx, `DELETE FROM vault_history`); err != nil {
			return fmt.Errorf("clear envelope history: %w", err)
		}
	} else if _, err := tx.ExecContext(ctx,
		`INSERT INTO vault_history (record) SELECT record FROM vault_envelope WHERE id = 1`,
	); err != nil {
		return fmt.Errorf("archive envelope: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO vault_envelope (id, record) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET record = excluded.record, updated_at = CURRENT_TIMESTAMP`,
		record,
	); err != nil {
		return fmt.Errorf("upsert envelope: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM vault_history
		  WHERE id NOT IN (SELECT id FROM vault_history ORDER BY id DESC LIMIT ?)`,
		historyLimit,
	); err != nil {
		return fmt.Errorf("prune envelope history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit envelope tx: %w", err)
	}
	return nil
}

// History returns replaced envelopes, newest first.
func (s *EnvelopeStore) History(ctx context.Context) ([]HistoryRow, error) {
	if s == nil || s.db == nil || s.db.sql == nil {
		return nil, fmt.Errorf("database handle is nil")
	}

	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT id, record, replaced_at FROM vault_history ORDER BY id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("select envelope history: %w", err)
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var r HistoryRow
		if err := rows.Scan(&r.ID, &r.Record, &r.ReplacedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return out, nil
}

package leasestore

import (
	"context"
	"database/sql"
	"errors"

	"evernest.io/sashimono-agent/internal/errs"
)

const lastWatchedLedgerKey = "last_watched_ledger"

// GetLastWatchedLedger returns the checkpoint ledger index, or (0, false)
// if no checkpoint has been recorded yet (fresh start).
func (s *Store) GetLastWatchedLedger(ctx context.Context, tx DBTransaction) (uint32, bool, error) {
	ex := s.executor(tx)
	row := ex.QueryRowContext(ctx, `SELECT value FROM util WHERE key = ?`, lastWatchedLedgerKey)
	var v int64
	err := row.Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errs.New(errs.DBReadError, err)
	}
	return uint32(v), true, nil
}

// SetLastWatchedLedger upserts the checkpoint ledger index (spec section
// 4.10's "resume from the last watched ledger" catch-up mechanism).
func (s *Store) SetLastWatchedLedger(ctx context.Context, tx DBTransaction, ledgerIndex uint32) error {
	ex := s.executor(tx)
	_, err := ex.ExecContext(ctx, `
		INSERT INTO util (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, lastWatchedLedgerKey, ledgerIndex)
	if err != nil {
		return errs.New(errs.DBWriteError, err)
	}
	return nil
}

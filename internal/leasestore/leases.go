package leasestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"evernest.io/sashimono-agent/internal/errs"
)

// ErrNotFound is returned when no lease matches a lookup.
var ErrNotFound = errors.New("lease not found")

// ErrNonTerminalExists is returned by Create when the container_name
// already has a row in a non-terminal state (spec section 3 invariant:
// at most one row per container_name in Acquiring/Acquired/Extended).
var ErrNonTerminalExists = errors.New("lease: non-terminal row already exists for container_name")

const selectColumns = `tx_hash, tenant_address, container_name, life_moments, timestamp, created_on_ledger, status`

func scanLease(row interface{ Scan(...any) error }) (Lease, error) {
	var l Lease
	err := row.Scan(&l.TxHash, &l.TenantAddress, &l.ContainerName, &l.LifeMoments, &l.Timestamp, &l.CreatedOnLedger, &l.Status)
	return l, err
}

// Create inserts a new lease row, typically in StatusAcquiring. The caller
// is responsible for having checked GetNonTerminalByContainer first inside
// the same transaction; Create itself re-checks to avoid a TOCTOU race and
// returns ErrNonTerminalExists if one slipped in.
func (s *Store) Create(ctx context.Context, tx DBTransaction, l Lease) error {
	ex := s.executor(tx)

	if l.Status.NonTerminal() {
		existing, err := s.GetNonTerminalByContainer(ctx, tx, l.ContainerName)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if err == nil && existing.TxHash != l.TxHash {
			return ErrNonTerminalExists
		}
	}

	_, err := ex.ExecContext(ctx, `
		INSERT INTO leases (tx_hash, tenant_address, container_name, life_moments, timestamp, created_on_ledger, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, l.TxHash, l.TenantAddress, l.ContainerName, l.LifeMoments, l.Timestamp, l.CreatedOnLedger, l.Status)
	if err != nil {
		return errs.New(errs.DBWriteError, fmt.Errorf("create lease %s: %w", l.TxHash, err))
	}
	return nil
}

// GetByTxHash returns a lease by its primary key.
func (s *Store) GetByTxHash(ctx context.Context, tx DBTransaction, txHash string) (Lease, error) {
	ex := s.executor(tx)
	row := ex.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM leases WHERE tx_hash = ?`, txHash)
	l, err := scanLease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Lease{}, ErrNotFound
	}
	if err != nil {
		return Lease{}, errs.New(errs.DBReadError, err)
	}
	return l, nil
}

// GetNonTerminalByContainer returns the single non-terminal lease for a
// container_name, if any (spec section 3 invariant).
func (s *Store) GetNonTerminalByContainer(ctx context.Context, tx DBTransaction, containerName string) (Lease, error) {
	ex := s.executor(tx)
	row := ex.QueryRowContext(ctx, `
		SELECT `+selectColumns+` FROM leases
		WHERE container_name = ? AND status IN (?, ?, ?)
	`, containerName, StatusAcquiring, StatusAcquired, StatusExtended)
	l, err := scanLease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Lease{}, ErrNotFound
	}
	if err != nil {
		return Lease{}, errs.New(errs.DBReadError, err)
	}
	return l, nil
}

// ListByStatus returns every lease row in one of the given statuses.
func (s *Store) ListByStatus(ctx context.Context, tx DBTransaction, statuses ...Status) ([]Lease, error) {
	ex := s.executor(tx)
	placeholders := make([]any, len(statuses))
	query := `SELECT ` + selectColumns + ` FROM leases WHERE status IN (`
	for i, st := range statuses {
		if i > 0 {
			query += ", "
		}
		query += "?"
		placeholders[i] = st
	}
	query += `) ORDER BY created_on_ledger`

	rows, err := ex.QueryContext(ctx, query, placeholders...)
	if err != nil {
		return nil, errs.New(errs.DBReadError, err)
	}
	defer rows.Close()

	var out []Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, errs.New(errs.DBReadError, err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListNonTerminal returns every Acquiring/Acquired/Extended lease, the set
// the expiry timeline and startup catch-up rebuild their in-memory state
// from (spec section 4.10).
func (s *Store) ListNonTerminal(ctx context.Context, tx DBTransaction) ([]Lease, error) {
	return s.ListByStatus(ctx, tx, StatusAcquiring, StatusAcquired, StatusExtended)
}

// UpdateStatus transitions a lease's status in place.
func (s *Store) UpdateStatus(ctx context.Context, tx DBTransaction, txHash string, status Status) error {
	ex := s.executor(tx)
	res, err := ex.ExecContext(ctx, `UPDATE leases SET status = ? WHERE tx_hash = ?`, status, txHash)
	if err != nil {
		return errs.New(errs.DBWriteError, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Extend updates life_moments on a successful extend (spec section 4.8),
// moving the row to StatusExtended.
func (s *Store) Extend(ctx context.Context, tx DBTransaction, txHash string, lifeMoments int) error {
	ex := s.executor(tx)
	res, err := ex.ExecContext(ctx, `UPDATE leases SET life_moments = ?, status = ? WHERE tx_hash = ?`, lifeMoments, StatusExtended, txHash)
	if err != nil {
		return errs.New(errs.DBWriteError, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete hard-deletes a terminal lease row, used once its slot has been
// re-offered (spec section 3: "terminal rows are either hard-deleted after
// the corresponding lease slot is re-offered or retained for debugging").
func (s *Store) Delete(ctx context.Context, tx DBTransaction, txHash string) error {
	ex := s.executor(tx)
	if _, err := ex.ExecContext(ctx, `DELETE FROM leases WHERE tx_hash = ?`, txHash); err != nil {
		return errs.New(errs.DBWriteError, err)
	}
	return nil
}

package instancestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"evernest.io/sashimono-agent/internal/errs"
)

// ErrNotFound is returned by Get when no instance matches.
var ErrNotFound = errors.New("instance not found")

// Create inserts a new instance row with the Status inst carries. The primary key
// (container_name) uniqueness and the four-port uniqueness (spec section 3
// invariant) are both enforced by the schema; a collision surfaces as
// errs.DupContainerError.
func (s *Store) Create(ctx context.Context, tx DBTransaction, inst Instance) error {
	ex := s.executor(tx)
	_, err := ex.ExecContext(ctx, `
		INSERT INTO instances (
			container_name, owner_pubkey, contract_id, contract_dir, image_name,
			peer_port, user_port, gp_tcp_start, gp_udp_start, status, pubkey, ip, username
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, inst.ContainerName, inst.OwnerPubkey, inst.ContractID, inst.ContractDir, inst.ImageName,
		inst.Ports.Peer, inst.Ports.User, inst.Ports.GPTCPBase, inst.Ports.GPUDPBase,
		inst.Status, inst.Pubkey, inst.IP, inst.Username)
	if err != nil {
		return errs.New(errs.DupContainerError, fmt.Errorf("create instance %s: %w", inst.ContainerName, err))
	}
	return nil
}

func scanInstance(row interface{ Scan(...any) error }) (Instance, error) {
	var inst Instance
	err := row.Scan(
		&inst.ContainerName, &inst.OwnerPubkey, &inst.ContractID, &inst.ContractDir, &inst.ImageName,
		&inst.Ports.Peer, &inst.Ports.User, &inst.Ports.GPTCPBase, &inst.Ports.GPUDPBase,
		&inst.Status, &inst.Pubkey, &inst.IP, &inst.Username,
	)
	return inst, err
}

const selectColumns = `container_name, owner_pubkey, contract_id, contract_dir, image_name,
	peer_port, user_port, gp_tcp_start, gp_udp_start, status, pubkey, ip, username`

// Get returns a single instance by container name.
func (s *Store) Get(ctx context.Context, tx DBTransaction, containerName string) (Instance, error) {
	ex := s.executor(tx)
	row := ex.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM instances WHERE container_name = ?`, containerName)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Instance{}, ErrNotFound
	}
	if err != nil {
		return Instance{}, errs.New(errs.DBReadError, err)
	}
	return inst, nil
}

// List returns every instance row (all non-destroyed, since destroyed rows
// are hard-deleted per the spec invariant).
func (s *Store) List(ctx context.Context, tx DBTransaction) ([]Instance, error) {
	ex := s.executor(tx)
	rows, err := ex.QueryContext(ctx, `SELECT `+selectColumns+` FROM instances ORDER BY container_name`)
	if err != nil {
		return nil, errs.New(errs.DBReadError, err)
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, errs.New(errs.DBReadError, err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// UpdateStatus transitions an instance's status (create->running->stopped,
// or ->exited if the runtime reports the container exited on its own).
func (s *Store) UpdateStatus(ctx context.Context, tx DBTransaction, containerName string, status Status) error {
	ex := s.executor(tx)
	res, err := ex.ExecContext(ctx, `UPDATE instances SET status = ? WHERE container_name = ?`, status, containerName)
	if err != nil {
		return errs.New(errs.DBWriteError, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Destroy hard-deletes the instance row (spec section 3: "destroyed rows
// are removed"). The freed port tuple is returned so the caller can push
// it back onto the vacant list.
func (s *Store) Destroy(ctx context.Context, tx DBTransaction, containerName string) (Ports, error) {
	ex := s.executor(tx)
	row := ex.QueryRowContext(ctx, `SELECT peer_port, user_port, gp_tcp_start, gp_udp_start FROM instances WHERE container_name = ?`, containerName)
	var p Ports
	if err := row.Scan(&p.Peer, &p.User, &p.GPTCPBase, &p.GPUDPBase); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Ports{}, ErrNotFound
		}
		return Ports{}, errs.New(errs.DBReadError, err)
	}
	if _, err := ex.ExecContext(ctx, `DELETE FROM instances WHERE container_name = ?`, containerName); err != nil {
		return Ports{}, errs.New(errs.DBWriteError, err)
	}
	return p, nil
}

// Count returns the number of non-destroyed instances, used by the
// max-instance gate (spec section 4.1) and the active-instance-count
// invariant (spec section 8).
func (s *Store) Count(ctx context.Context, tx DBTransaction) (int, error) {
	ex := s.executor(tx)
	row := ex.QueryRowContext(ctx, `SELECT COUNT(*) FROM instances`)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, errs.New(errs.DBReadError, err)
	}
	return n, nil
}

// AssignedPeerPorts returns every peer_port currently held, used by the
// port allocator's startup scan (spec section 4.1).
func (s *Store) AssignedPeerPorts(ctx context.Context, tx DBTransaction) ([]int, error) {
	ex := s.executor(tx)
	rows, err := ex.QueryContext(ctx, `SELECT peer_port FROM instances ORDER BY peer_port`)
	if err != nil {
		return nil, errs.New(errs.DBReadError, err)
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, errs.New(errs.DBReadError, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MaxPorts returns the highest-assigned port tuple, or the zero value if
// the store is empty, used to seed the allocator's "last assigned" cursor.
func (s *Store) MaxPorts(ctx context.Context, tx DBTransaction) (Ports, bool, error) {
	ex := s.executor(tx)
	row := ex.QueryRowContext(ctx, `
		SELECT peer_port, user_port, gp_tcp_start, gp_udp_start
		FROM instances ORDER BY peer_port DESC LIMIT 1
	`)
	var p Ports
	err := row.Scan(&p.Peer, &p.User, &p.GPTCPBase, &p.GPUDPBase)
	if errors.Is(err, sql.ErrNoRows) {
		return Ports{}, false, nil
	}
	if err != nil {
		return Ports{}, false, errs.New(errs.DBReadError, err)
	}
	return p, true, nil
}

// BeginTx starts a transaction on the underlying pool.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

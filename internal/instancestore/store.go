package instancestore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migsqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// DBTransaction is satisfied by both *sql.DB and *sql.Tx, following the
// teacher's store.DBTransaction shape - it is how every write method stays
// agnostic to whether a caller wants its own transaction or the pool.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the sqlite-backed instance store owned exclusively by the
// lifecycle daemon (spec section 3).
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite instance database at path and
// runs pending migrations. The lifecycle daemon opens the store once at
// startup and closes it when it exits; the database is not reopened or
// closed around individual requests.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open instance db: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite: one writer at a time, enforced by a single connection.

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping instance db: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	driver, err := migsqlite.WithInstance(db, &migsqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying *sql.DB for callers that need to begin their
// own transaction spanning multiple store calls.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) executor(tx DBTransaction) DBTransaction {
	if tx != nil {
		return tx
	}
	return s.db
}

// Package sqlite is a model.ResourceStore kept in a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/CZERTAINLY/Radar/internal/model"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type Store struct {
	db *sql.DB
}

// InitDB opens the database at path and creates the resource tables.
// Path ":memory:" gives a private in-memory database.
func InitDB(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, model.NewConfigurationError("store.dsn", "open sqlite %s: %v", path, err)
	}
	// a single connection serializes writers and keeps :memory: databases alive
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS ip_addresses (
  id TEXT PRIMARY KEY,
  address TEXT NOT NULL UNIQUE,
  version INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS ports (
  id TEXT PRIMARY KEY,
  protocol TEXT NOT NULL,
  number INTEGER NOT NULL CHECK (number BETWEEN 1 AND 65535),
  UNIQUE (protocol, number)
);
CREATE TABLE IF NOT EXISTS open_ports (
  id TEXT PRIMARY KEY,
  port_id TEXT NOT NULL UNIQUE REFERENCES ports (id)
);`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create resource tables: %w", wrap(err))
	}
	return db, nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) FindOrCreate(ctx context.Context, key model.ResourceKey) (model.Resource, bool, error) {
	var (
		r   model.Resource
		err error
	)
	switch key.Kind {
	case model.ResourceIPAddress:
		r, err = findIPAddress(ctx, s.db, key)
	case model.ResourcePort:
		r, err = findPort(ctx, s.db, key)
	case model.ResourceOpenPort:
		r, err = findOpenPort(ctx, s.db, key)
	default:
		return nil, false, fmt.Errorf("unknown resource kind %q", key.Kind)
	}
	switch {
	case err == nil:
		return r, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, false, wrap(err)
	}

	r, err = model.NewResource(key)
	if err != nil {
		return nil, false, err
	}
	if open, ok := r.(*model.OpenPort); ok {
		port, err := findPort(ctx, s.db, model.PortKey(key.Protocol, key.Number))
		switch {
		case err == nil:
			open.Port = port
		case !errors.Is(err, sql.ErrNoRows):
			return nil, false, wrap(err)
		}
	}
	return r, true, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func findIPAddress(ctx context.Context, q querier, key model.ResourceKey) (*model.IPAddress, error) {
	ip := &model.IPAddress{}
	err := q.QueryRowContext(ctx,
		`SELECT id, address, version FROM ip_addresses WHERE address = ?`,
		key.Address,
	).Scan(&ip.ID, &ip.Address, &ip.Version)
	return ip, err
}

func findPort(ctx context.Context, q querier, key model.ResourceKey) (*model.Port, error) {
	port := &model.Port{Protocol: key.Protocol, Number: key.Number}
	err := q.QueryRowContext(ctx,
		`SELECT id FROM ports WHERE protocol = ? AND number = ?`,
		string(key.Protocol), int(key.Number),
	).Scan(&port.ID)
	return port, err
}

func findOpenPort(ctx context.Context, q querier, key model.ResourceKey) (*model.OpenPort, error) {
	open := &model.OpenPort{Port: &model.Port{Protocol: key.Protocol, Number: key.Number}}
	err := q.QueryRowContext(ctx, `
SELECT o.id, p.id
FROM open_ports o
JOIN ports p ON p.id = o.port_id
WHERE p.protocol = ? AND p.number = ?`,
		string(key.Protocol), int(key.Number),
	).Scan(&open.ID, &open.Port.ID)
	return open, err
}

func (s *Store) Commit(ctx context.Context, r model.Resource) error {
	var err error
	switch x := r.(type) {
	case *model.IPAddress:
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO ip_addresses (id, address, version) VALUES (?, ?, ?)`,
			x.ID.String(), x.Address, x.Version)
	case *model.Port:
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO ports (id, protocol, number) VALUES (?, ?, ?)`,
			x.ID.String(), string(x.Protocol), int(x.Number))
	case *model.OpenPort:
		err = s.commitOpenPort(ctx, x)
	default:
		return fmt.Errorf("commit: unsupported resource %T", r)
	}
	if err != nil {
		return fmt.Errorf("commit %s: %w", r.Key(), err)
	}
	return nil
}

// commitOpenPort checks the referenced port and inserts the open port in
// one transaction.
func (s *Store) commitOpenPort(ctx context.Context, open *model.OpenPort) error {
	if open.Port == nil || open.Port.ID == uuid.Nil {
		return errors.New("port record is not persisted")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "rolling back open port commit failed", "error", err)
		}
	}()

	var id string
	err = tx.QueryRowContext(ctx, `SELECT id FROM ports WHERE id = ?`, open.Port.ID.String()).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("port %s: %w", open.Port.ID, model.ErrNotFound)
	case err != nil:
		return wrap(err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO open_ports (id, port_id) VALUES (?, ?)`,
		open.ID.String(), open.Port.ID.String())
	if err != nil {
		return wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return wrap(err)
	}
	return nil
}

// wrap maps unique violations to model.ErrConflict and everything else to
// model.ErrStoreUnavailable.
func wrap(err error) error {
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) && (sqlErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || sqlErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY) {
		return fmt.Errorf("%w: %w", model.ErrConflict, err)
	}
	return fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
}

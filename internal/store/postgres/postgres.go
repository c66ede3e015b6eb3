// Package postgres is a model.ResourceStore kept in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CZERTAINLY/Radar/internal/model"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool. Call EnsureSchema before using it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewDB opens a pgx pool and checks the database is reachable.
func NewDB(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, model.NewConfigurationError("store.dsn", "parse: %v", err)
	}
	cfg.MaxConns = 16
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: open db: %w", model.ErrStoreUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping db: %w", model.ErrStoreUnavailable, err)
	}
	return pool, nil
}

// EnsureSchema creates the resource tables if they are missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS ip_addresses (
  id UUID PRIMARY KEY,
  address TEXT NOT NULL UNIQUE,
  version SMALLINT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS ports (
  id UUID PRIMARY KEY,
  protocol TEXT NOT NULL,
  number INTEGER NOT NULL CHECK (number BETWEEN 1 AND 65535),
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE (protocol, number)
);
CREATE TABLE IF NOT EXISTS open_ports (
  id UUID PRIMARY KEY,
  port_id UUID NOT NULL UNIQUE REFERENCES ports (id),
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create resource tables: %w", wrap(err))
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) FindOrCreate(ctx context.Context, key model.ResourceKey) (model.Resource, bool, error) {
	var (
		r   model.Resource
		err error
	)
	switch key.Kind {
	case model.ResourceIPAddress:
		r, err = s.findIPAddress(ctx, key)
	case model.ResourcePort:
		r, err = s.findPort(ctx, key)
	case model.ResourceOpenPort:
		r, err = s.findOpenPort(ctx, key)
	default:
		return nil, false, fmt.Errorf("unknown resource kind %q", key.Kind)
	}
	switch {
	case err == nil:
		return r, false, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, false, wrap(err)
	}

	r, err = model.NewResource(key)
	if err != nil {
		return nil, false, err
	}
	if open, ok := r.(*model.OpenPort); ok {
		port, err := s.findPort(ctx, model.PortKey(key.Protocol, key.Number))
		switch {
		case err == nil:
			open.Port = port
		case !errors.Is(err, pgx.ErrNoRows):
			return nil, false, wrap(err)
		}
	}
	return r, true, nil
}

func (s *Store) findIPAddress(ctx context.Context, key model.ResourceKey) (*model.IPAddress, error) {
	ip := &model.IPAddress{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, address, version FROM ip_addresses WHERE address = $1`,
		key.Address,
	).Scan(&ip.ID, &ip.Address, &ip.Version)
	return ip, err
}

func (s *Store) findPort(ctx context.Context, key model.ResourceKey) (*model.Port, error) {
	port := &model.Port{Protocol: key.Protocol, Number: key.Number}
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM ports WHERE protocol = $1 AND number = $2`,
		string(key.Protocol), int(key.Number),
	).Scan(&port.ID)
	return port, err
}

func (s *Store) findOpenPort(ctx context.Context, key model.ResourceKey) (*model.OpenPort, error) {
	open := &model.OpenPort{Port: &model.Port{Protocol: key.Protocol, Number: key.Number}}
	err := s.pool.QueryRow(ctx, `
SELECT o.id, p.id
FROM open_ports o
JOIN ports p ON p.id = o.port_id
WHERE p.protocol = $1 AND p.number = $2`,
		string(key.Protocol), int(key.Number),
	).Scan(&open.ID, &open.Port.ID)
	return open, err
}

func (s *Store) Commit(ctx context.Context, r model.Resource) error {
	var err error
	switch x := r.(type) {
	case *model.IPAddress:
		_, err = s.pool.Exec(ctx,
			`INSERT INTO ip_addresses (id, address, version) VALUES ($1, $2, $3)`,
			x.ID, x.Address, x.Version)
	case *model.Port:
		_, err = s.pool.Exec(ctx,
			`INSERT INTO ports (id, protocol, number) VALUES ($1, $2, $3)`,
			x.ID, string(x.Protocol), int(x.Number))
	case *model.OpenPort:
		if x.Port == nil || x.Port.ID == uuid.Nil {
			return fmt.Errorf("commit %s: port record is not persisted", x.Key())
		}
		_, err = s.pool.Exec(ctx,
			`INSERT INTO open_ports (id, port_id) VALUES ($1, $2)`,
			x.ID, x.Port.ID)
	default:
		return fmt.Errorf("commit: unsupported resource %T", r)
	}
	if err != nil {
		return fmt.Errorf("commit %s: %w", r.Key(), wrap(err))
	}
	return nil
}

// wrap maps unique violations to model.ErrConflict and everything else to
// model.ErrStoreUnavailable.
func wrap(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %w", model.ErrConflict, err)
	}
	return fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
}

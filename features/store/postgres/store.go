// Package postgres implements the workflow repository on PostgreSQL with
// pgx. Multi-row mutations run in transactions, updates take row locks, and
// cross-process mutual exclusion uses advisory locks.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"goa.design/clue/log"

	"goa.design/flow/workflow"
)

type (
	// Options configures the store.
	Options struct {
		// DSN is the PostgreSQL connection string. Required unless Pool is
		// set.
		DSN string
		// Pool overrides DSN with a pre-built pool (tests).
		Pool *pgxpool.Pool
		// Events receives run lifecycle events emitted from UpdateRun.
		Events workflow.Events
		// Now overrides the clock (tests).
		Now func() time.Time
	}

	// Store is the PostgreSQL workflow.Repository.
	Store struct {
		pool   *pgxpool.Pool
		events workflow.Events
		now    func() time.Time
	}
)

// New connects and builds a Store. Call Migrate before first use.
func New(ctx context.Context, opts Options) (*Store, error) {
	pool := opts.Pool
	if pool == nil {
		if opts.DSN == "" {
			return nil, errors.New("dsn is required")
		}
		cfg, err := pgxpool.ParseConfig(opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("parse dsn: %w", err)
		}
		pool, err = pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
	}
	s := &Store{pool: pool, events: opts.Events, now: time.Now}
	if opts.Now != nil {
		s.now = opts.Now
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// TryAdvisoryLock implements cross-process mutual exclusion with
// pg_try_advisory_lock. The lock is held by a dedicated pooled connection
// until release is called.
func (s *Store) TryAdvisoryLock(ctx context.Context, key string) (func(), bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}
	id := advisoryLockID(key)
	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", id).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}
	release := func() {
		if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", id); err != nil {
			log.Errorf(context.Background(), err, "release advisory lock %s", key)
		}
		conn.Release()
	}
	return release, true, nil
}

// advisoryLockID folds a lock key into the bigint space Postgres expects.
func advisoryLockID(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64()) //nolint:gosec // intentional wraparound into the signed space
}

// inTx runs fn inside a transaction, committing on nil error.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// encodeJSON renders a dynamic value for a JSONB column. Nil stays NULL.
func encodeJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return raw, nil
}

// decodeJSON parses a JSONB column into a dynamic value. NULL stays nil.
func decodeJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

// decodeJSONInto parses a JSONB column into a typed target.
func decodeJSONInto(raw []byte, target any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, target)
}

// notFound maps pgx.ErrNoRows onto the repository's sentinel.
func notFound(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, workflow.ErrNotFound)
	}
	return err
}

func (s *Store) emit(ctx context.Context, typ string, data any) {
	if s.events == nil {
		return
	}
	s.events.Emit(ctx, workflow.Event{Type: typ, Data: data})
}

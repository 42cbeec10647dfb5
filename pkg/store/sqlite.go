package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a PreparedStore backed by a SQLite database. SQLite has no
// native PREPARE TRANSACTION/two-phase commit protocol, so "prepared" is
// modeled as the point at which the open *sql.Tx is parked under its gid
// instead of being returned to the pool - CommitPrepared/RollbackPrepared
// later resolve it by gid exactly as a real PREPARE TRANSACTION/COMMIT
// PREPARED pair would against Postgres.
type SQLiteStore struct {
	db *sql.DB

	mu       sync.Mutex
	prepared map[string]*sql.Tx
}

// Open opens (creating if necessary) a SQLite-backed store at path.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening sqlite db %s: %w", path, err)
	}
	// A single participant transaction owns the connection at a time;
	// SQLite also only tolerates one writer regardless.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db, prepared: make(map[string]*sql.Tx)}, nil
}

// Begin starts a new local transaction.
func (s *SQLiteStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	return &sqliteTx{store: s, tx: tx}, nil
}

// CommitPrepared commits the transaction previously parked under gid by a
// call to Prepare. A missing gid (already committed in a prior run) is
// swallowed rather than treated as an error.
func (s *SQLiteStore) CommitPrepared(ctx context.Context, gid string) error {
	s.mu.Lock()
	tx, ok := s.prepared[gid]
	if ok {
		delete(s.prepared, gid)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit prepared %s: %w", gid, err)
	}
	return nil
}

// RollbackPrepared rolls back the transaction previously parked under gid.
// A missing gid is swallowed rather than treated as an error.
func (s *SQLiteStore) RollbackPrepared(ctx context.Context, gid string) error {
	s.mu.Lock()
	tx, ok := s.prepared[gid]
	if ok {
		delete(s.prepared, gid)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}
	if err := tx.Rollback(); err != nil {
		return fmt.Errorf("store: rollback prepared %s: %w", gid, err)
	}
	return nil
}

// Close releases the store's resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteTx struct {
	store *SQLiteStore
	tx    *sql.Tx
}

func (t *sqliteTx) Exec(ctx context.Context, query string, args []interface{}) error {
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: exec: %w", err)
	}
	return nil
}

func (t *sqliteTx) Prepare(ctx context.Context, gid string) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.prepared[gid] = t.tx
	return nil
}

func (t *sqliteTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(); err != nil {
		return fmt.Errorf("store: rollback: %w", err)
	}
	return nil
}

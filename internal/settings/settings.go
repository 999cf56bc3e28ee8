// Package settings is a small persistent key value store for host state
// which survives restarts, like the last bridge address or the final state
// of each workflow execution.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

type Entry struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the sqlite database at path. ":memory:" is accepted
// for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating settings directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating settings table: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value stored under key or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (Entry, error) {
	e := Entry{Key: key}
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, updated_at FROM settings WHERE key=?`, key,
	).Scan(&e.Value, &updated)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	case err != nil:
		return Entry{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	e.UpdatedAt = time.UnixMilli(updated).UTC()
	return e, nil
}

// Set stores value under key, replacing any previous one.
func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.inTx(ctx, key, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, s.now().UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("executing sql upsert failed: %w", err)
		}
		return nil
	})
}

// Delete removes key. Deleting a missing key returns ErrNotFound.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.inTx(ctx, key, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM settings WHERE key=?`, key)
		if err != nil {
			return fmt.Errorf("executing sql delete failed: %w", err)
		}
		ra, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("fetching affected rows failed: %w", err)
		}
		if ra != 1 {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil
	})
}

// List returns entries whose key starts with prefix, ordered by key.
func (s *Store) List(ctx context.Context, prefix string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, updated_at FROM settings WHERE substr(key, 1, ?) = ? ORDER BY key`,
		len(prefix), prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var updated int64
		if err := rows.Scan(&e.Key, &e.Value, &updated); err != nil {
			return nil, fmt.Errorf("scanning row failed: %w", err)
		}
		e.UpdatedAt = time.UnixMilli(updated).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) inTx(ctx context.Context, key string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("key", key))
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package posstore is the embedded SQLite store of the point-of-sale client:
// typed repositories, the durable outbound queue, the migration runner and
// the version gatekeeper.
package posstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mobiletoly/go-possync/posmodel"
)

// Store is the process-wide handle to the local database. It is created once
// and passed to every component that needs it.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used by the store and its gatekeeper.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = func() time.Time { return posmodel.Timestamp(now()) }
		}
	}
}

// Open opens (creating if needed) the SQLite database at path. Use ":memory:"
// for a private in-memory database.
//
// All access funnels through a single connection: SQLite allows one writer
// at a time anyway, and an in-memory database only exists on the connection
// that created it.
//
// Transactions begin IMMEDIATE: another process sharing the file (the
// background session) waits on busy_timeout at BEGIN instead of failing
// with SQLITE_BUSY when a read inside the transaction upgrades to a write.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	pragmas := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		`PRAGMA foreign_keys=ON`,
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	s := NewWithDB(db, opts...)
	s.path = path
	return s, nil
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_txlock=immediate"
}

// NewWithDB wraps an already opened database without touching its settings.
func NewWithDB(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
		now:    posmodel.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the file the store was opened from, if any.
func (s *Store) Path() string { return s.path }

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if s.path != "" && s.path != ":memory:" {
		if _, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
			s.logger.Warn("failed to checkpoint WAL", "error", err)
		}
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Repos returns repositories bound directly to the database. Each call is
// its own implicit transaction; use InTx for all-or-nothing work.
func (s *Store) Repos() *Repos {
	return newRepos(s.db, s.now)
}

// InTx runs fn with repositories bound to one transaction. The transaction
// commits if fn returns nil and rolls back otherwise.
func (s *Store) InTx(ctx context.Context, fn func(*Repos) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return fn(newRepos(tx, s.now))
	})
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Snapshot writes a consistent copy of the database to dst.
func (s *Store) Snapshot(ctx context.Context, dst string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dst); err != nil {
		return fmt.Errorf("failed to snapshot database to %s: %w", dst, err)
	}
	return nil
}

// TableStats returns the row count of every user table.
func (s *Store) TableStats(ctx context.Context) (map[string]int64, error) {
	tables, err := ListTables(ctx, s.db)
	if err != nil {
		return nil, err
	}
	stats := make(map[string]int64, len(tables))
	for _, t := range tables {
		var n int64
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, quoteIdent(t))).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count rows in %s: %w", t, err)
		}
		stats[t] = n
	}
	return stats, nil
}

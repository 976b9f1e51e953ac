// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package posstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const migrationLedger = "_migrations"

// Migration is a named, append-only schema step. Names are the identity of
// a migration: a name recorded in the ledger is never run again.
type Migration struct {
	Name       string
	Statements []string
}

// AppliedMigration is one ledger row.
type AppliedMigration struct {
	Name      string
	AppliedAt time.Time
}

// EnsureLedger creates the migration ledger when it does not exist.
func (s *Store) EnsureLedger(ctx context.Context) error {
	return ensureMigrationLedger(ctx, s.db)
}

func ensureMigrationLedger(ctx context.Context, q querier) error {
	_, err := q.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS "_migrations" (
		"name" TEXT PRIMARY KEY NOT NULL,
		"created_at" INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to create migration ledger: %w", err)
	}
	return nil
}

// AppliedMigrations lists the ledger in application order.
func (s *Store) AppliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	exists, err := tableExists(ctx, s.db, migrationLedger)
	if err != nil || !exists {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT "name", "created_at" FROM "_migrations" ORDER BY "created_at", rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to read migration ledger: %w", err)
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var m AppliedMigration
		var ms int64
		if err := rows.Scan(&m.Name, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan migration ledger: %w", err)
		}
		m.AppliedAt = time.UnixMilli(ms).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// Migrate applies the declared migrations missing from the ledger, in
// declaration order and inside one transaction. On failure nothing of the
// batch is kept and the error is a *MigrationError naming the culprit.
// It returns the names applied by this call.
func (s *Store) Migrate(ctx context.Context, declared []Migration) ([]string, error) {
	if err := validateMigrations(declared); err != nil {
		return nil, err
	}
	if err := s.EnsureLedger(ctx); err != nil {
		return nil, err
	}

	var applied []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		done, err := appliedNames(ctx, tx)
		if err != nil {
			return err
		}
		for _, m := range declared {
			if _, ok := done[m.Name]; ok {
				continue
			}
			for _, stmt := range m.Statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return &MigrationError{Name: m.Name, Err: err}
				}
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO "_migrations" ("name", "created_at") VALUES (?, ?)`,
				m.Name, encodeTime(s.now())); err != nil {
				return &MigrationError{Name: m.Name, Err: fmt.Errorf("failed to record migration: %w", err)}
			}
			applied = append(applied, m.Name)
		}
		return nil
	})
	if err != nil {
		var merr *MigrationError
		if errors.As(err, &merr) {
			s.logger.Error("migration failed, batch rolled back", "migration", merr.Name, "error", merr.Err)
		}
		return nil, err
	}
	for _, name := range applied {
		s.logger.Info("migration applied", "migration", name)
	}
	return applied, nil
}

func validateMigrations(declared []Migration) error {
	seen := make(map[string]struct{}, len(declared))
	for i, m := range declared {
		if m.Name == "" {
			return fmt.Errorf("migration #%d has no name", i)
		}
		if _, dup := seen[m.Name]; dup {
			return fmt.Errorf("duplicate migration name %q", m.Name)
		}
		if len(m.Statements) == 0 {
			return fmt.Errorf("migration %q has no statements", m.Name)
		}
		seen[m.Name] = struct{}{}
	}
	return nil
}

func appliedNames(ctx context.Context, q querier) (map[string]struct{}, error) {
	rows, err := q.QueryContext(ctx, `SELECT "name" FROM "_migrations"`)
	if err != nil {
		return nil, fmt.Errorf("failed to read migration ledger: %w", err)
	}
	defer rows.Close()

	done := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan migration name: %w", err)
		}
		done[name] = struct{}{}
	}
	return done, rows.Err()
}

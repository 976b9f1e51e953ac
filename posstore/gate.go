// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package posstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mobiletoly/go-possync/posmodel"
)

const versionLedger = "_versions"

// DefaultAllowList names the tables that survive a version-change wipe.
// Printers are paired with the physical device and cannot be pulled again.
var DefaultAllowList = []string{migrationLedger, versionLedger, string(posmodel.KindPrinter)}

// ResyncMarker persists the flags that force a fresh initial sync.
type ResyncMarker interface {
	MarkInitialSyncPending() error
	ClearCursors() error
}

// Gatekeeper compares the schema version the running app requires with the
// last one recorded locally, and wipes synchronized data when they differ.
type Gatekeeper struct {
	store  *Store
	marker ResyncMarker
	allow  map[string]struct{}
	logger *slog.Logger
}

// NewGatekeeper returns a gatekeeper for store. allowList overrides
// DefaultAllowList; the two ledgers are always preserved.
func NewGatekeeper(store *Store, marker ResyncMarker, allowList []string) *Gatekeeper {
	if allowList == nil {
		allowList = DefaultAllowList
	}
	allow := map[string]struct{}{migrationLedger: {}, versionLedger: {}}
	for _, t := range allowList {
		allow[t] = struct{}{}
	}
	return &Gatekeeper{store: store, marker: marker, allow: allow, logger: store.logger}
}

// CurrentVersion returns the latest recorded schema version.
func (g *Gatekeeper) CurrentVersion(ctx context.Context) (string, bool, error) {
	return latestVersion(ctx, g.store.db)
}

// CheckAndMigrate wipes every non-allow-listed table and records required
// when it differs from the latest recorded version (or none is recorded).
// It reports whether a wipe happened. The wipe and the version record are
// committed together, so an interrupted wipe is redone on the next start.
func (g *Gatekeeper) CheckAndMigrate(ctx context.Context, required string) (bool, error) {
	if required == "" {
		return false, errors.New("required schema version is empty")
	}
	current, found, err := g.CurrentVersion(ctx)
	if err != nil {
		return false, err
	}
	if found && current == required {
		return false, nil
	}

	g.logger.Warn("schema version changed, resetting local data", "from", current, "to", required)
	if err := g.resync(ctx, required); err != nil {
		return false, err
	}
	return true, nil
}

// TriggerResync wipes synchronized data and forces a full initial sync
// without touching the version ledger. Used on logout or operator request.
func (g *Gatekeeper) TriggerResync(ctx context.Context) error {
	g.logger.Info("resync requested, resetting local data")
	return g.resync(ctx, "")
}

func (g *Gatekeeper) resync(ctx context.Context, version string) error {
	// The pending flag goes first: if the wipe fails after it, the next
	// start still performs a full sync.
	if err := g.marker.MarkInitialSyncPending(); err != nil {
		return fmt.Errorf("failed to mark initial sync pending: %w", err)
	}
	if err := g.marker.ClearCursors(); err != nil {
		return fmt.Errorf("failed to clear pull cursors: %w", err)
	}

	var wiped []string
	err := g.store.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if wiped, err = g.wipe(ctx, tx); err != nil {
			return err
		}
		if version == "" {
			return nil
		}
		if err := ensureVersionLedger(ctx, tx); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO "_versions" ("version", "created_at") VALUES (?, ?)`,
			version, encodeTime(g.store.now())); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	g.logger.Info("local data wiped", "tables", wiped, "version", version)
	return nil
}

// wipe deletes all rows of every table outside the allow-list. It runs
// inside the caller's transaction so that a failure leaves every table
// intact.
func (g *Gatekeeper) wipe(ctx context.Context, tx *sql.Tx) ([]string, error) {
	tables, err := ListTables(ctx, tx)
	if err != nil {
		return nil, err
	}
	var wiped []string
	for _, t := range tables {
		if _, keep := g.allow[t]; keep {
			continue
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, quoteIdent(t))); err != nil {
			return nil, fmt.Errorf("failed to wipe table %s: %w", t, err)
		}
		wiped = append(wiped, t)
	}
	return wiped, nil
}

func ensureVersionLedger(ctx context.Context, q querier) error {
	_, err := q.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS "_versions" (
		"id" INTEGER PRIMARY KEY AUTOINCREMENT,
		"version" TEXT NOT NULL,
		"created_at" INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to create version ledger: %w", err)
	}
	return nil
}

func latestVersion(ctx context.Context, q querier) (string, bool, error) {
	exists, err := tableExists(ctx, q, versionLedger)
	if err != nil || !exists {
		return "", false, err
	}
	var v string
	err = q.QueryRowContext(ctx, `SELECT "version" FROM "_versions" ORDER BY "id" DESC LIMIT 1`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, true, nil
}

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package posstore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a row addressed by id does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrCorruptRecord is matched by every CorruptRecordError.
	ErrCorruptRecord = errors.New("corrupt record")
	// ErrMigrationFailed is matched by every MigrationError.
	ErrMigrationFailed = errors.New("migration failed")
)

// CorruptRecordError reports a stored value that cannot be decoded into its
// documented shape. It is never recovered from by substituting a default.
type CorruptRecordError struct {
	Table  string
	ID     string
	Column string
	Err    error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt record %s/%s: column %s: %v", e.Table, e.ID, e.Column, e.Err)
}

func (e *CorruptRecordError) Unwrap() error { return e.Err }

func (e *CorruptRecordError) Is(target error) bool { return target == ErrCorruptRecord }

// MigrationError reports the migration that aborted a migration batch.
type MigrationError struct {
	Name string
	Err  error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %s failed: %v", e.Name, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

func (e *MigrationError) Is(target error) bool { return target == ErrMigrationFailed }

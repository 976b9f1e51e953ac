// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package kvstate keeps the small pieces of sync bookkeeping that live outside
// the SQLite store: pull cursors, the initial-sync flag and maintenance
// timestamps.
package kvstate

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-possync/posmodel"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketCursors = []byte("cursors")
	bucketState   = []byte("state")

	keyInitialSync   = []byte("initial_sync_done")
	keyLastBackup    = []byte("last_backup_at")
	keyLastManual    = []byte("last_manual_pull_at")
	keyDeviceID      = []byte("device_id")
	keySchemaVersion = []byte("schema_version")
)

// State is a bolt-backed key/value file. The file is opened per operation
// so the foreground engine and the background maintenance process can share
// it; bolt holds an exclusive lock while open.
type State struct {
	path    string
	timeout time.Duration
}

// Open prepares the state file at path, creating it and its buckets when
// needed.
func Open(path string, timeout time.Duration) (*State, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	s := &State{path: path, timeout: timeout}
	err := s.update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketCursors, bucketState} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the state file location.
func (s *State) Path() string { return s.path }

func (s *State) open() (*bolt.DB, error) {
	db, err := bolt.Open(s.path, 0o600, &bolt.Options{Timeout: s.timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open state file %s: %w", s.path, err)
	}
	return db, nil
}

func (s *State) update(fn func(*bolt.Tx) error) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Update(fn)
}

func (s *State) view(fn func(*bolt.Tx) error) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()
	return db.View(fn)
}

func (s *State) get(bucket, key []byte) ([]byte, error) {
	var out []byte
	err := s.view(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %s missing", bucket)
		}
		if v := b.Get(key); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

func (s *State) put(bucket, key, value []byte) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %s missing", bucket)
		}
		return b.Put(key, value)
	})
}

// Cursor returns the last applied server sequence of kind, 0 when none.
func (s *State) Cursor(kind posmodel.Kind) (int64, error) {
	v, err := s.get(bucketCursors, []byte(kind))
	if err != nil {
		return 0, err
	}
	return decodeInt(v)
}

// SetCursor stores the last applied server sequence of kind.
func (s *State) SetCursor(kind posmodel.Kind, seq int64) error {
	return s.put(bucketCursors, []byte(kind), encodeInt(seq))
}

// Cursors returns every stored cursor.
func (s *State) Cursors() (map[posmodel.Kind]int64, error) {
	out := make(map[posmodel.Kind]int64)
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCursors).ForEach(func(k, v []byte) error {
			n, err := decodeInt(v)
			if err != nil {
				return fmt.Errorf("cursor %s: %w", k, err)
			}
			out[posmodel.Kind(k)] = n
			return nil
		})
	})
	return out, err
}

// ClearCursors forgets every cursor so the next pull of each kind is full.
func (s *State) ClearCursors() error {
	return s.update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketCursors); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket(bucketCursors)
		return err
	})
}

// InitialSyncDone reports whether a complete pull has succeeded since the
// last reset. A fresh state file reports false.
func (s *State) InitialSyncDone() (bool, error) {
	v, err := s.get(bucketState, keyInitialSync)
	if err != nil {
		return false, err
	}
	return len(v) == 1 && v[0] == 1, nil
}

// MarkInitialSyncDone records a complete pull.
func (s *State) MarkInitialSyncDone() error {
	return s.put(bucketState, keyInitialSync, []byte{1})
}

// MarkInitialSyncPending forces the next pull to be treated as initial.
func (s *State) MarkInitialSyncPending() error {
	return s.put(bucketState, keyInitialSync, []byte{0})
}

// LastBackup returns when the last backup was uploaded, zero if never.
func (s *State) LastBackup() (time.Time, error) { return s.getTime(keyLastBackup) }

// SetLastBackup records a successful backup upload.
func (s *State) SetLastBackup(t time.Time) error { return s.putTime(keyLastBackup, t) }

// LastManualPull returns when a user-triggered pull last ran, zero if never.
func (s *State) LastManualPull() (time.Time, error) { return s.getTime(keyLastManual) }

// SetLastManualPull records a user-triggered pull.
func (s *State) SetLastManualPull(t time.Time) error { return s.putTime(keyLastManual, t) }

// SchemaVersion returns the schema version this state file was written
// for, empty when unknown.
func (s *State) SchemaVersion() (string, error) {
	v, err := s.get(bucketState, keySchemaVersion)
	return string(v), err
}

// SetSchemaVersion stores the schema version for status reporting.
func (s *State) SetSchemaVersion(v string) error {
	return s.put(bucketState, keySchemaVersion, []byte(v))
}

// DeviceID returns the stable identifier of this installation, generating
// it on first use.
func (s *State) DeviceID() (string, error) {
	var id string
	err := s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		if v := b.Get(keyDeviceID); v != nil {
			id = string(v)
			return nil
		}
		id = uuid.NewString()
		return b.Put(keyDeviceID, []byte(id))
	})
	return id, err
}

func (s *State) getTime(key []byte) (time.Time, error) {
	v, err := s.get(bucketState, key)
	if err != nil || v == nil {
		return time.Time{}, err
	}
	ms, err := decodeInt(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("state %s: %w", key, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (s *State) putTime(key []byte, t time.Time) error {
	return s.put(bucketState, key, encodeInt(t.UnixMilli()))
}

func encodeInt(n int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

func decodeInt(b []byte) (int64, error) {
	if b == nil {
		return 0, nil
	}
	if len(b) != 8 {
		return 0, fmt.Errorf("expected 8 bytes, got %d", len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

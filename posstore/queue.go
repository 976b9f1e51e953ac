// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package posstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mobiletoly/go-possync/posmodel"
)

// Op is the mutation carried by a queue entry.
type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// Valid reports whether op is a known mutation.
func (op Op) Valid() bool { return op == OpUpsert || op == OpDelete }

// QueueEntry is one pending outbound mutation. The payload is not stored:
// an upsert sends the row as it is at delivery time.
type QueueEntry struct {
	Seq           int64
	Kind          posmodel.Kind
	Ref           string
	Op            Op
	EnqueuedAt    time.Time
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
}

// Due reports whether the entry may be attempted at now.
func (e QueueEntry) Due(now time.Time) bool {
	return e.NextAttemptAt.IsZero() || !now.Before(e.NextAttemptAt)
}

// Queue is the durable outbound sync queue. Entries of one kind are
// delivered in seq order.
type Queue struct {
	q   querier
	now func() time.Time
}

const queueColumns = `"seq", "entityName", "ref", "op", "enqueuedAt", "attempts", "nextAttemptAt", "lastError"`

// Enqueue appends a mutation to the queue.
func (q *Queue) Enqueue(ctx context.Context, kind posmodel.Kind, ref string, op Op) (QueueEntry, error) {
	if !kind.Synced() {
		return QueueEntry{}, fmt.Errorf("kind %q is not synchronized", kind)
	}
	if ref == "" {
		return QueueEntry{}, errors.New("queue entry has no ref")
	}
	if !op.Valid() {
		return QueueEntry{}, fmt.Errorf("unknown queue op %q", op)
	}
	now := q.now()
	res, err := q.q.ExecContext(ctx,
		`INSERT INTO "_sync_queue" ("entityName", "ref", "op", "enqueuedAt") VALUES (?, ?, ?, ?)`,
		string(kind), ref, string(op), encodeTime(now))
	if err != nil {
		return QueueEntry{}, fmt.Errorf("failed to enqueue %s %s: %w", kind, ref, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return QueueEntry{}, fmt.Errorf("failed to read queue seq: %w", err)
	}
	return QueueEntry{Seq: seq, Kind: kind, Ref: ref, Op: op, EnqueuedAt: now}, nil
}

// EnqueueUnsynced queues an upsert for every local row of a synced kind that
// has no pending upsert, oldest edit first. It repairs rows written without
// a queue entry, for example when the process died between the two. It
// returns the number of entries added.
func (q *Queue) EnqueueUnsynced(ctx context.Context) (int, error) {
	enqueuedAt := encodeTime(q.now())
	total := 0
	for _, kind := range posmodel.SyncedKinds {
		query := fmt.Sprintf(`INSERT INTO "_sync_queue" ("entityName", "ref", "op", "enqueuedAt")
SELECT ?, t."_id", ?, ? FROM %s t
WHERE t."source" = ? AND NOT EXISTS (
	SELECT 1 FROM "_sync_queue" q WHERE q."entityName" = ? AND q."ref" = t."_id" AND q."op" = ?
)
ORDER BY t."updatedAt", t."_id"`, quoteIdent(string(kind)))
		res, err := q.q.ExecContext(ctx, query,
			string(kind), string(OpUpsert), enqueuedAt, string(posmodel.SourceLocal), string(kind), string(OpUpsert))
		if err != nil {
			return total, fmt.Errorf("failed to enqueue unsynced %s: %w", kind, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to count unsynced %s: %w", kind, err)
		}
		total += int(n)
	}
	return total, nil
}

// Head returns the oldest entry of kind. ok is false when there is none.
func (q *Queue) Head(ctx context.Context, kind posmodel.Kind) (QueueEntry, bool, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM "_sync_queue" WHERE "entityName" = ? ORDER BY "seq" LIMIT 1`, string(kind))
	e, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return QueueEntry{}, false, nil
	}
	if err != nil {
		return QueueEntry{}, false, err
	}
	return e, true, nil
}

// List returns the entries of kind, or of every kind when kind is empty,
// in seq order.
func (q *Queue) List(ctx context.Context, kind posmodel.Kind) ([]QueueEntry, error) {
	query := `SELECT ` + queueColumns + ` FROM "_sync_queue"`
	var args []any
	if kind != "" {
		query += ` WHERE "entityName" = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY "seq"`
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	defer rows.Close()

	var out []QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue: %w", err)
	}
	return out, nil
}

// Kinds returns the kinds with pending entries, ordered by their oldest entry.
func (q *Queue) Kinds(ctx context.Context) ([]posmodel.Kind, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT "entityName" FROM "_sync_queue" GROUP BY "entityName" ORDER BY MIN("seq")`)
	if err != nil {
		return nil, fmt.Errorf("failed to list queued kinds: %w", err)
	}
	defer rows.Close()

	var kinds []posmodel.Kind
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan queued kind: %w", err)
		}
		kinds = append(kinds, posmodel.Kind(name))
	}
	return kinds, rows.Err()
}

// Len returns the number of pending entries.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM "_sync_queue"`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}

// Remove deletes an acknowledged entry.
func (q *Queue) Remove(ctx context.Context, seq int64) error {
	if _, err := q.q.ExecContext(ctx, `DELETE FROM "_sync_queue" WHERE "seq" = ?`, seq); err != nil {
		return fmt.Errorf("failed to remove queue entry %d: %w", seq, err)
	}
	return nil
}

// RecordFailure bumps the attempt counter of an entry and defers its next
// attempt. The entry keeps its position in the queue.
func (q *Queue) RecordFailure(ctx context.Context, seq int64, nextAttemptAt time.Time, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := q.q.ExecContext(ctx,
		`UPDATE "_sync_queue" SET "attempts" = "attempts" + 1, "nextAttemptAt" = ?, "lastError" = ? WHERE "seq" = ?`,
		encodeTime(nextAttemptAt), msg, seq)
	if err != nil {
		return fmt.Errorf("failed to record failure of queue entry %d: %w", seq, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueEntry(row rowScanner) (QueueEntry, error) {
	var e QueueEntry
	var kind, op string
	var enqueuedAt, nextAttemptAt int64
	var lastError sql.NullString
	err := row.Scan(&e.Seq, &kind, &e.Ref, &op, &enqueuedAt, &e.Attempts, &nextAttemptAt, &lastError)
	if errors.Is(err, sql.ErrNoRows) {
		return e, err
	}
	if err != nil {
		return e, fmt.Errorf("failed to scan queue entry: %w", err)
	}
	e.Kind = posmodel.Kind(kind)
	e.Op = Op(op)
	if enqueuedAt != 0 {
		e.EnqueuedAt = time.UnixMilli(enqueuedAt).UTC()
	}
	if nextAttemptAt != 0 {
		e.NextAttemptAt = time.UnixMilli(nextAttemptAt).UTC()
	}
	e.LastError = lastError.String
	return e, nil
}

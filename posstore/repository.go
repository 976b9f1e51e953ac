// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package posstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-possync/posmodel"
)

// Criteria filters Find and Count. Zero fields do not constrain the result.
type Criteria struct {
	IDs           []string
	CompanyRef    string
	LocationRef   string
	Source        posmodel.Source
	Status        string
	UpdatedBefore time.Time
	CreatedBefore time.Time
	Limit         int
	Offset        int
}

func (c Criteria) where() (string, []any) {
	var conds []string
	var args []any
	if len(c.IDs) > 0 {
		conds = append(conds, `"_id" IN (`+placeholders(len(c.IDs))+`)`)
		for _, id := range c.IDs {
			args = append(args, id)
		}
	}
	if c.CompanyRef != "" {
		conds = append(conds, `"companyRef" = ?`)
		args = append(args, c.CompanyRef)
	}
	if c.LocationRef != "" {
		conds = append(conds, `"locationRef" = ?`)
		args = append(args, c.LocationRef)
	}
	if c.Source != "" {
		conds = append(conds, `"source" = ?`)
		args = append(args, string(c.Source))
	}
	if c.Status != "" {
		conds = append(conds, `"status" = ?`)
		args = append(args, c.Status)
	}
	if !c.UpdatedBefore.IsZero() {
		conds = append(conds, `"updatedAt" < ?`)
		args = append(args, encodeTime(c.UpdatedBefore))
	}
	if !c.CreatedBefore.IsZero() {
		conds = append(conds, `"createdAt" < ?`)
		args = append(args, encodeTime(c.CreatedBefore))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ReconcileStats counts what a reconcile did to a table.
type ReconcileStats struct {
	Applied int
	Skipped int
	Deleted int
}

// Repository is the typed data access object for one entity table.
type Repository[T any] struct {
	q     querier
	codec *codec[T]
	now   func() time.Time
}

func newRepository[T any](q querier, c *codec[T], now func() time.Time) *Repository[T] {
	return &Repository[T]{q: q, codec: c, now: now}
}

// Table returns the backing table name.
func (r *Repository[T]) Table() string { return r.codec.table }

// Upsert inserts e or replaces the row with the same _id and returns the
// persisted record. e is first normalized to its stored form (UTC
// millisecond timestamps, empty rather than nil lists), so e and the
// returned record compare equal.
func (r *Repository[T]) Upsert(ctx context.Context, e *T) (*T, error) {
	args, err := r.codec.values(e)
	if err != nil {
		return nil, err
	}
	if _, err := r.q.ExecContext(ctx, r.upsertSQL(false), args...); err != nil {
		return nil, fmt.Errorf("failed to upsert into %s: %w", r.codec.table, err)
	}
	return r.FindByID(ctx, r.codec.meta(e).ID)
}

// UpsertBatch upserts every record in es through one prepared statement.
func (r *Repository[T]) UpsertBatch(ctx context.Context, es []*T) error {
	if len(es) == 0 {
		return nil
	}
	stmt, err := r.q.PrepareContext(ctx, r.upsertSQL(false))
	if err != nil {
		return fmt.Errorf("failed to prepare upsert into %s: %w", r.codec.table, err)
	}
	defer stmt.Close()
	for _, e := range es {
		args, err := r.codec.values(e)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("failed to upsert into %s: %w", r.codec.table, err)
		}
	}
	return nil
}

// Save records a local edit: it assigns an id when missing, stamps the
// timestamps and marks the row as local before upserting it. updatedAt
// always moves forward past the stored value.
func (r *Repository[T]) Save(ctx context.Context, e *T) (*T, error) {
	m := r.codec.meta(e)
	now := r.now()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	prev, err := r.storedUpdatedAt(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	m.UpdatedAt = advance(now, prev)
	m.Source = posmodel.SourceLocal
	return r.Upsert(ctx, e)
}

// Update loads the record, applies mutate and writes it back as a local
// edit. The _id and createdAt of the record cannot be changed by mutate.
func (r *Repository[T]) Update(ctx context.Context, id string, mutate func(*T) error) (*T, error) {
	e, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	m := r.codec.meta(e)
	prev, createdAt := m.UpdatedAt, m.CreatedAt
	if err := mutate(e); err != nil {
		return nil, err
	}
	m = r.codec.meta(e)
	m.ID = id
	m.CreatedAt = createdAt
	m.UpdatedAt = advance(r.now(), prev)
	m.Source = posmodel.SourceLocal

	args, err := r.codec.values(e)
	if err != nil {
		return nil, err
	}
	cols := r.codec.columns()
	sets := make([]string, 0, len(cols)-1)
	for _, c := range cols[1:] {
		sets = append(sets, quoteIdent(c)+" = ?")
	}
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE "_id" = ?`, quoteIdent(r.codec.table), strings.Join(sets, ", "))
	res, err := r.q.ExecContext(ctx, query, append(args[1:], id)...)
	if err != nil {
		return nil, fmt.Errorf("failed to update %s %s: %w", r.codec.table, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, fmt.Errorf("%s %s: %w", r.codec.table, id, ErrNotFound)
	}
	return r.FindByID(ctx, id)
}

// Delete removes the row. Deleting a missing row is not an error.
func (r *Repository[T]) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE "_id" = ?`, quoteIdent(r.codec.table))
	if _, err := r.q.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", r.codec.table, id, err)
	}
	return nil
}

// FindByID returns the record or an error matching ErrNotFound.
func (r *Repository[T]) FindByID(ctx context.Context, id string) (*T, error) {
	res, err := r.Find(ctx, Criteria{IDs: []string{id}})
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("%s %s: %w", r.codec.table, id, ErrNotFound)
	}
	return res[0], nil
}

// Find returns the records matching c, oldest first.
func (r *Repository[T]) Find(ctx context.Context, c Criteria) ([]*T, error) {
	where, args := c.where()
	query := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY "createdAt", "_id"`,
		columnList(r.codec.columns()), quoteIdent(r.codec.table), where)
	if c.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", c.Limit, c.Offset)
	}
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", r.codec.table, err)
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		e, err := r.codec.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", r.codec.table, err)
	}
	return out, nil
}

// Count returns the number of records matching c. Limit and Offset are ignored.
func (r *Repository[T]) Count(ctx context.Context, c Criteria) (int, error) {
	where, args := c.where()
	var n int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s%s`, quoteIdent(r.codec.table), where)
	if err := r.q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", r.codec.table, err)
	}
	return n, nil
}

// MarkServer flips a local row to server provenance after the backend
// acknowledged it. The flip only happens if the row still carries the
// updatedAt that was pushed; a newer local edit stays local.
func (r *Repository[T]) MarkServer(ctx context.Context, id string, updatedAt time.Time) (bool, error) {
	query := fmt.Sprintf(`UPDATE %s SET "source" = 'server' WHERE "_id" = ? AND "updatedAt" = ? AND "source" = 'local'`,
		quoteIdent(r.codec.table))
	res, err := r.q.ExecContext(ctx, query, id, encodeTime(updatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to mark %s %s as server: %w", r.codec.table, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// Document returns the wire form of a stored record along with its updatedAt.
func (r *Repository[T]) Document(ctx context.Context, id string) (json.RawMessage, time.Time, error) {
	e, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, time.Time{}, err
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to encode %s %s: %w", r.codec.table, id, err)
	}
	return b, r.codec.meta(e).UpdatedAt, nil
}

// ReconcileDocuments applies server documents to the table. Rows with
// pending local edits are left untouched. deleted lists server tombstones.
// With full set, server rows absent from docs are removed as well.
func (r *Repository[T]) ReconcileDocuments(ctx context.Context, docs []json.RawMessage, deleted []string, full bool) (ReconcileStats, error) {
	var stats ReconcileStats
	seen := make(map[string]struct{}, len(docs))

	if len(docs) > 0 {
		stmt, err := r.q.PrepareContext(ctx, r.upsertSQL(true))
		if err != nil {
			return stats, fmt.Errorf("failed to prepare reconcile of %s: %w", r.codec.table, err)
		}
		defer stmt.Close()

		for _, doc := range docs {
			e := new(T)
			if err := json.Unmarshal(doc, e); err != nil {
				return stats, fmt.Errorf("failed to decode %s document: %w", r.codec.table, err)
			}
			m := r.codec.meta(e)
			m.Source = posmodel.SourceServer
			m.CreatedAt = posmodel.Timestamp(m.CreatedAt)
			m.UpdatedAt = posmodel.Timestamp(m.UpdatedAt)
			args, err := r.codec.values(e)
			if err != nil {
				return stats, err
			}
			res, err := stmt.ExecContext(ctx, args...)
			if err != nil {
				return stats, fmt.Errorf("failed to apply %s %s: %w", r.codec.table, m.ID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				stats.Applied++
			} else {
				stats.Skipped++
			}
			seen[m.ID] = struct{}{}
		}
	}

	del := fmt.Sprintf(`DELETE FROM %s WHERE "_id" = ? AND "source" = 'server'`, quoteIdent(r.codec.table))
	for _, id := range deleted {
		res, err := r.q.ExecContext(ctx, del, id)
		if err != nil {
			return stats, fmt.Errorf("failed to delete %s %s: %w", r.codec.table, id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			stats.Deleted++
		}
	}

	if full {
		stale, err := r.serverIDs(ctx)
		if err != nil {
			return stats, err
		}
		for _, id := range stale {
			if _, ok := seen[id]; ok {
				continue
			}
			res, err := r.q.ExecContext(ctx, del, id)
			if err != nil {
				return stats, fmt.Errorf("failed to delete %s %s: %w", r.codec.table, id, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				stats.Deleted++
			}
		}
	}
	return stats, nil
}

func (r *Repository[T]) serverIDs(ctx context.Context) ([]string, error) {
	rows, err := r.q.QueryContext(ctx,
		fmt.Sprintf(`SELECT "_id" FROM %s WHERE "source" = 'server'`, quoteIdent(r.codec.table)))
	if err != nil {
		return nil, fmt.Errorf("failed to list server rows of %s: %w", r.codec.table, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repository[T]) storedUpdatedAt(ctx context.Context, id string) (time.Time, error) {
	var ms int64
	query := fmt.Sprintf(`SELECT "updatedAt" FROM %s WHERE "_id" = ?`, quoteIdent(r.codec.table))
	err := r.q.QueryRowContext(ctx, query, id).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read updatedAt of %s %s: %w", r.codec.table, id, err)
	}
	if ms == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms).UTC(), nil
}

// upsertSQL builds the insert-or-replace statement. The server variant
// leaves rows with source = 'local' alone.
func (r *Repository[T]) upsertSQL(server bool) string {
	cols := r.codec.columns()
	sets := make([]string, 0, len(cols)-1)
	for _, c := range cols[1:] {
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", quoteIdent(c), quoteIdent(c)))
	}
	table := quoteIdent(r.codec.table)
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT("_id") DO UPDATE SET %s`,
		table, columnList(cols), placeholders(len(cols)), strings.Join(sets, ", "))
	if server {
		query += fmt.Sprintf(` WHERE %s."source" = 'server'`, table)
	}
	return query
}

// advance returns now, or one millisecond past prev when the clock has not
// moved beyond it.
func advance(now, prev time.Time) time.Time {
	now = posmodel.Timestamp(now)
	if !prev.IsZero() && !now.After(prev) {
		return prev.Add(time.Millisecond)
	}
	return now
}

func columnList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	return strings.Join(quoted, ", ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

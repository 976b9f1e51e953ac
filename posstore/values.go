// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package posstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// querier is satisfied by both *sql.DB and *sql.Tx, so repositories work the
// same inside and outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// Storage conventions:
//   - timestamps are INTEGER unix milliseconds, 0 meaning unset
//   - booleans are INTEGER 0 or 1, nothing else
//   - decimals are TEXT in their canonical string form
//   - nested structures are TEXT holding JSON

func encodeTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func encodeOptTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func encodeBool(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func encodeDecimal(d decimal.Decimal) string { return d.String() }

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// rowValues holds one raw row keyed by column name and decodes typed values
// out of it. The first failure is kept and surfaces as a CorruptRecordError.
type rowValues struct {
	table string
	id    string
	vals  map[string]any
	err   error
}

func scanRowValues(rows *sql.Rows, table string, columns []string) (*rowValues, error) {
	raw := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
	}
	rv := &rowValues{table: table, vals: make(map[string]any, len(columns))}
	for i, c := range columns {
		rv.vals[c] = raw[i]
	}
	rv.id = rv.requiredText("_id")
	return rv, nil
}

func (r *rowValues) fail(column string, err error) {
	if r.err == nil {
		r.err = &CorruptRecordError{Table: r.table, ID: r.id, Column: column, Err: err}
	}
}

func (r *rowValues) text(column string) string {
	switch v := r.vals[column].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		r.fail(column, fmt.Errorf("expected text, got %T", v))
		return ""
	}
}

func (r *rowValues) requiredText(column string) string {
	if r.vals[column] == nil {
		r.fail(column, errors.New("unexpected NULL"))
		return ""
	}
	s := r.text(column)
	if s == "" {
		r.fail(column, errors.New("unexpected empty value"))
	}
	return s
}

func (r *rowValues) integer(column string) int64 {
	switch v := r.vals[column].(type) {
	case int64:
		return v
	case nil:
		r.fail(column, errors.New("unexpected NULL"))
	default:
		r.fail(column, fmt.Errorf("expected integer, got %T", v))
	}
	return 0
}

// boolean accepts exactly 0 and 1. Any other stored value is corruption,
// never silently coerced.
func (r *rowValues) boolean(column string) bool {
	v := r.integer(column)
	switch v {
	case 0:
		return false
	case 1:
		return true
	default:
		r.fail(column, fmt.Errorf("boolean column holds %d", v))
		return false
	}
}

func (r *rowValues) decimal(column string) decimal.Decimal {
	s := r.text(column)
	if s == "" {
		if r.vals[column] == nil {
			r.fail(column, errors.New("unexpected NULL"))
		} else {
			r.fail(column, errors.New("empty decimal"))
		}
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		r.fail(column, err)
		return decimal.Zero
	}
	return d
}

func (r *rowValues) timestamp(column string) time.Time {
	ms := r.integer(column)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (r *rowValues) optTimestamp(column string) *time.Time {
	if r.vals[column] == nil {
		return nil
	}
	t := r.timestamp(column)
	if t.IsZero() {
		return nil
	}
	return &t
}

// json decodes a required JSON column into dst. Unknown fields and a JSON
// null are rejected so the value always has the documented shape.
func (r *rowValues) json(column string, dst any) {
	s := r.text(column)
	if s == "" {
		r.fail(column, errors.New("missing JSON value"))
		return
	}
	r.decodeJSON(column, s, dst)
}

// optJSON decodes a nullable JSON column. It reports whether a value was
// present.
func (r *rowValues) optJSON(column string, dst any) bool {
	s := r.text(column)
	if s == "" || s == "null" {
		return false
	}
	r.decodeJSON(column, s, dst)
	return true
}

func (r *rowValues) decodeJSON(column, s string, dst any) {
	if bytes.Equal(bytes.TrimSpace([]byte(s)), []byte("null")) {
		r.fail(column, errors.New("unexpected JSON null"))
		return
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		r.fail(column, err)
	}
}

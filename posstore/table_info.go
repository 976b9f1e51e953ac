// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package posstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mobiletoly/go-possync/posmodel"
)

// ColumnInfo holds information about a table column
type ColumnInfo struct {
	Name         string
	DeclaredType string
	IsPrimaryKey bool
	NotNull      bool
	DefaultValue *string
}

// TableInfo holds information about a table's structure
type TableInfo struct {
	Table      string
	Columns    []ColumnInfo
	PrimaryKey *ColumnInfo
}

// Column returns the named column, matched case-insensitively.
func (t *TableInfo) Column(name string) (ColumnInfo, bool) {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return ColumnInfo{}, false
}

// DescribeTable reads the structure of table using PRAGMA table_info.
// A table that does not exist yields ErrNotFound.
func DescribeTable(ctx context.Context, q querier, table string) (*TableInfo, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("failed to get table info for %s: %w", table, err)
	}
	defer rows.Close()

	info := &TableInfo{Table: table}
	for rows.Next() {
		var cid int
		var name, declaredType string
		var notNull, pk int
		var defaultValue sql.NullString

		if err := rows.Scan(&cid, &name, &declaredType, &notNull, &defaultValue, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}

		var defaultVal *string
		if defaultValue.Valid {
			defaultVal = &defaultValue.String
		}
		info.Columns = append(info.Columns, ColumnInfo{
			Name:         name,
			DeclaredType: declaredType,
			IsPrimaryKey: pk == 1,
			NotNull:      notNull == 1,
			DefaultValue: defaultVal,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}
	if len(info.Columns) == 0 {
		return nil, fmt.Errorf("table %s: %w", table, ErrNotFound)
	}
	for i := range info.Columns {
		if info.Columns[i].IsPrimaryKey {
			info.PrimaryKey = &info.Columns[i]
			break
		}
	}
	return info, nil
}

// CheckSchema verifies that every entity table is keyed by _id and has every
// column its codec reads and writes. A migration that was skipped or edited
// after release shows up here instead of as a failing statement later.
func (s *Store) CheckSchema(ctx context.Context) error {
	var errs []error
	for _, kind := range posmodel.AllKinds {
		info, err := DescribeTable(ctx, s.db, string(kind))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if info.PrimaryKey == nil || info.PrimaryKey.Name != "_id" {
			errs = append(errs, fmt.Errorf("table %s is not keyed by _id", kind))
		}
		var missing []string
		for _, c := range entityColumns(kind) {
			if _, ok := info.Column(c); !ok {
				missing = append(missing, c)
			}
		}
		if len(missing) > 0 {
			errs = append(errs, fmt.Errorf("table %s is missing columns %s", kind, strings.Join(missing, ", ")))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("local schema does not match the entity codecs: %w", err)
	}
	return nil
}

func entityColumns(kind posmodel.Kind) []string {
	switch kind {
	case posmodel.KindCategory:
		return categoryCodec.columns()
	case posmodel.KindProduct:
		return productCodec.columns()
	case posmodel.KindCustomer:
		return customerCodec.columns()
	case posmodel.KindOrder:
		return orderCodec.columns()
	case posmodel.KindPrinter:
		return printerCodec.columns()
	default:
		return nil
	}
}

// ListTables returns the names of all user tables, sorted by name.
// SQLite's internal tables are never listed.
func ListTables(ctx context.Context, q querier) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tables: %w", err)
	}
	return tables, nil
}

func tableExists(ctx context.Context, q querier, table string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up table %s: %w", table, err)
	}
	return n > 0, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

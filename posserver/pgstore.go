// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package posserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mobiletoly/go-possync/posapi"
	"github.com/mobiletoly/go-possync/posmodel"
)

// PGStore is a DocumentStore backed by PostgreSQL.
//
// Writers of one company are serialized with a transaction-scoped advisory
// lock taken before the sequence is drawn, so sequence values of a company
// become visible in increasing order and a cursor never skips a change.
type PGStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPGStore initializes the schema and returns a store using pool.
func NewPGStore(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*PGStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PGStore{pool: pool, logger: logger}
	if err := s.initializeSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PGStore) initializeSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS possync`,
		`CREATE SEQUENCE IF NOT EXISTS possync.change_seq`,
		/*language=postgresql*/ `
CREATE TABLE IF NOT EXISTS possync.documents (
	company    TEXT NOT NULL,
	kind       TEXT NOT NULL,
	id         TEXT NOT NULL,
	location   TEXT NOT NULL DEFAULT '',
	seq        BIGINT NOT NULL,
	deleted    BOOLEAN NOT NULL DEFAULT false,
	doc        JSONB,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (company, kind, id)
)`,
		`CREATE INDEX IF NOT EXISTS documents_cursor_idx ON possync.documents (company, kind, seq)`,
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to initialize backend schema: %w", err)
			}
		}
		s.logger.Info("Backend document schema initialized")
		return nil
	})
}

func (s *PGStore) lockCompany(ctx context.Context, tx pgx.Tx, company string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, company); err != nil {
		return fmt.Errorf("failed to lock company %s: %w", company, err)
	}
	return nil
}

func (s *PGStore) Put(ctx context.Context, company string, kind posmodel.Kind, id string, doc json.RawMessage) (int64, error) {
	body, location, err := inspectDocument(company, id, doc)
	if err != nil {
		return 0, err
	}
	var seq int64
	err = withRetry(ctx, func() error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if err := s.lockCompany(ctx, tx, company); err != nil {
				return err
			}
			var deleted bool
			var same bool
			err := tx.QueryRow(ctx,
				`SELECT seq, deleted, COALESCE(doc = $4::jsonb, false) FROM possync.documents WHERE company = $1 AND kind = $2 AND id = $3`,
				company, string(kind), id, string(body)).Scan(&seq, &deleted, &same)
			if err == nil && !deleted && same {
				return nil
			}
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("failed to read %s %s: %w", kind, id, err)
			}
			return tx.QueryRow(ctx, `
INSERT INTO possync.documents (company, kind, id, location, seq, deleted, doc)
VALUES ($1, $2, $3, $4, nextval('possync.change_seq'), false, $5::jsonb)
ON CONFLICT (company, kind, id) DO UPDATE
SET location = EXCLUDED.location, seq = EXCLUDED.seq, deleted = false, doc = EXCLUDED.doc, updated_at = now()
RETURNING seq`,
				company, string(kind), id, location, string(body)).Scan(&seq)
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to store %s %s: %w", kind, id, err)
	}
	return seq, nil
}

func (s *PGStore) Delete(ctx context.Context, company string, kind posmodel.Kind, id string) (bool, error) {
	var deleted bool
	err := withRetry(ctx, func() error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if err := s.lockCompany(ctx, tx, company); err != nil {
				return err
			}
			tag, err := tx.Exec(ctx, `
UPDATE possync.documents
SET deleted = true, doc = NULL, seq = nextval('possync.change_seq'), updated_at = now()
WHERE company = $1 AND kind = $2 AND id = $3 AND NOT deleted`,
				company, string(kind), id)
			if err != nil {
				return err
			}
			deleted = tag.RowsAffected() > 0
			return nil
		})
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete %s %s: %w", kind, id, err)
	}
	return deleted, nil
}

func (s *PGStore) Changes(ctx context.Context, company string, kind posmodel.Kind, location string, after int64, limit int) (*posapi.PullPage, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, seq, deleted, doc
FROM possync.documents
WHERE company = $1 AND kind = $2 AND seq > $3
  AND ($4 = '' OR location = '' OR location = $4)
ORDER BY seq
LIMIT $5`,
		company, string(kind), after, location, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s changes: %w", kind, err)
	}
	defer rows.Close()

	var items []posapi.PullItem
	for rows.Next() {
		var item posapi.PullItem
		var doc []byte
		if err := rows.Scan(&item.ID, &item.Seq, &item.Deleted, &doc); err != nil {
			return nil, fmt.Errorf("failed to scan %s change: %w", kind, err)
		}
		if doc != nil {
			item.Doc = json.RawMessage(doc)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s changes: %w", kind, err)
	}
	return pageOf(items, after, limit), nil
}

func (s *PGStore) Count(ctx context.Context, company string, kind posmodel.Kind) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM possync.documents WHERE company = $1 AND kind = $2 AND NOT deleted`,
		company, string(kind)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", kind, err)
	}
	return n, nil
}

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package posstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mobiletoly/go-possync/posmodel"
)

// Repos bundles the repositories bound to one querier (database or
// transaction).
type Repos struct {
	Categories *Repository[posmodel.Category]
	Products   *Repository[posmodel.Product]
	Customers  *Repository[posmodel.Customer]
	Orders     *Repository[posmodel.Order]
	Printers   *Repository[posmodel.Printer]
	Queue      *Queue
}

func newRepos(q querier, now func() time.Time) *Repos {
	return &Repos{
		Categories: newRepository(q, categoryCodec, now),
		Products:   newRepository(q, productCodec, now),
		Customers:  newRepository(q, customerCodec, now),
		Orders:     newRepository(q, orderCodec, now),
		Printers:   newRepository(q, printerCodec, now),
		Queue:      &Queue{q: q, now: now},
	}
}

// DocumentRepository is the kind-agnostic view of a repository used by the
// sync engine, which handles records as raw JSON documents.
type DocumentRepository interface {
	Table() string
	Document(ctx context.Context, id string) (json.RawMessage, time.Time, error)
	MarkServer(ctx context.Context, id string, updatedAt time.Time) (bool, error)
	ReconcileDocuments(ctx context.Context, docs []json.RawMessage, deleted []string, full bool) (ReconcileStats, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context, c Criteria) (int, error)
}

// For returns the repository of kind.
func (r *Repos) For(kind posmodel.Kind) (DocumentRepository, error) {
	switch kind {
	case posmodel.KindCategory:
		return r.Categories, nil
	case posmodel.KindProduct:
		return r.Products, nil
	case posmodel.KindCustomer:
		return r.Customers, nil
	case posmodel.KindOrder:
		return r.Orders, nil
	case posmodel.KindPrinter:
		return r.Printers, nil
	default:
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
}

// SaveQueued saves e as a local edit through the repository pick selects and
// queues its upsert in the same transaction, so the row is never left local
// without a pending push. The kind must be synced.
func SaveQueued[T any](ctx context.Context, s *Store, pick func(*Repos) *Repository[T], e *T) (*T, error) {
	var saved *T
	err := s.InTx(ctx, func(r *Repos) error {
		repo := pick(r)
		var err error
		if saved, err = repo.Save(ctx, e); err != nil {
			return err
		}
		_, err = r.Queue.Enqueue(ctx, posmodel.Kind(repo.Table()), repo.codec.meta(saved).ID, OpUpsert)
		return err
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mobiletoly/go-possync/posmodel"
	"github.com/mobiletoly/go-possync/posstore"
	"golang.org/x/sync/errgroup"
)

// DrainResult summarizes one drain cycle.
type DrainResult struct {
	Delivered int // entries acknowledged and removed
	Dropped   int // upserts whose record no longer exists locally
	Failed    int // entries whose delivery failed this cycle
	Deferred  int // kinds skipped because their head entry is backing off
}

func (r *DrainResult) add(o DrainResult) {
	r.Delivered += o.Delivered
	r.Dropped += o.Dropped
	r.Failed += o.Failed
	r.Deferred += o.Deferred
}

// Drainer delivers queued mutations to the backend.
//
// Within one kind entries go out strictly in queue order, and the first
// failure stops that kind for the cycle so a later entry never overtakes
// it. Different kinds drain concurrently.
type Drainer struct {
	store   *posstore.Store
	backend Backend
	backoff Backoff
	logger  *slog.Logger
	now     func() time.Time
	emit    func(Event)
}

// NewDrainer creates a drainer over store and backend.
func NewDrainer(store *posstore.Store, backend Backend, cfg Config, opts ...Option) *Drainer {
	o := buildOptions(opts)
	return &Drainer{
		store:   store,
		backend: backend,
		backoff: Backoff{Min: cfg.BackoffMin, Max: cfg.BackoffMax},
		logger:  o.logger,
		now:     o.now,
		emit:    serialized(o.observer),
	}
}

// Drain runs one delivery cycle over every kind with pending entries.
// Backend failures are not errors: they are recorded on the entry and
// retried later. A returned error means the local store failed.
func (d *Drainer) Drain(ctx context.Context) (DrainResult, error) {
	var total DrainResult
	kinds, err := d.store.Repos().Queue.Kinds(ctx)
	if err != nil {
		return total, err
	}
	if len(kinds) == 0 {
		return total, nil
	}

	results := make([]DrainResult, len(kinds))
	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range kinds {
		g.Go(func() error {
			r, err := d.drainKind(gctx, kind)
			results[i] = r
			if err != nil {
				return fmt.Errorf("drain %s: %w", kind, err)
			}
			return nil
		})
	}
	err = g.Wait()
	for _, r := range results {
		total.add(r)
	}
	return total, err
}

func (d *Drainer) drainKind(ctx context.Context, kind posmodel.Kind) (DrainResult, error) {
	var res DrainResult
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		repos := d.store.Repos()
		entry, ok, err := repos.Queue.Head(ctx, kind)
		if err != nil {
			return res, err
		}
		if !ok {
			return res, nil
		}
		now := d.now()
		if !entry.Due(now) {
			d.logger.Debug("queue head backing off", "kind", kind, "seq", entry.Seq, "next_attempt_at", entry.NextAttemptAt)
			res.Deferred++
			return res, nil
		}

		doc, updatedAt, gone, err := d.payload(ctx, repos, entry)
		if err != nil {
			return res, err
		}
		if gone {
			d.logger.Info("dropping queued upsert of missing record", "kind", kind, "ref", entry.Ref, "seq", entry.Seq)
			if err := repos.Queue.Remove(ctx, entry.Seq); err != nil {
				return res, err
			}
			res.Dropped++
			continue
		}

		if pushErr := d.send(ctx, entry, doc); pushErr != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			attempts := entry.Attempts + 1
			next := now.Add(d.backoff.Delay(attempts))
			if err := repos.Queue.RecordFailure(ctx, entry.Seq, next, pushErr); err != nil {
				return res, err
			}
			d.logger.Warn("push failed, will retry", "kind", kind, "ref", entry.Ref, "seq", entry.Seq,
				"attempts", attempts, "next_attempt_at", next, "error", pushErr)
			d.emit(PushFailed{Kind: kind, Ref: entry.Ref, Seq: entry.Seq, Attempts: attempts, NextAttemptAt: next, Err: pushErr})
			res.Failed++
			return res, nil
		}

		// A crash between the backend ack and this commit redelivers the
		// entry on the next cycle, which the backend absorbs as an upsert.
		err = d.store.InTx(ctx, func(r *posstore.Repos) error {
			if err := r.Queue.Remove(ctx, entry.Seq); err != nil {
				return err
			}
			if entry.Op != posstore.OpUpsert {
				return nil
			}
			repo, err := r.For(kind)
			if err != nil {
				return err
			}
			_, err = repo.MarkServer(ctx, entry.Ref, updatedAt)
			return err
		})
		if err != nil {
			return res, fmt.Errorf("failed to acknowledge queue entry %d: %w", entry.Seq, err)
		}
		d.logger.Debug("push delivered", "kind", kind, "ref", entry.Ref, "seq", entry.Seq, "op", entry.Op)
		d.emit(PushSucceeded{Kind: kind, Ref: entry.Ref, Seq: entry.Seq, Op: entry.Op})
		res.Delivered++
	}
}

// payload reads the current document of an upsert entry. gone is set when
// the record was deleted after being queued.
func (d *Drainer) payload(ctx context.Context, repos *posstore.Repos, entry posstore.QueueEntry) (json.RawMessage, time.Time, bool, error) {
	if entry.Op != posstore.OpUpsert {
		return nil, time.Time{}, false, nil
	}
	repo, err := repos.For(entry.Kind)
	if err != nil {
		return nil, time.Time{}, false, err
	}
	doc, updatedAt, err := repo.Document(ctx, entry.Ref)
	if errors.Is(err, posstore.ErrNotFound) {
		return nil, time.Time{}, true, nil
	}
	if err != nil {
		return nil, time.Time{}, false, err
	}
	return doc, updatedAt, false, nil
}

func (d *Drainer) send(ctx context.Context, entry posstore.QueueEntry, doc json.RawMessage) error {
	switch entry.Op {
	case posstore.OpUpsert:
		return d.backend.Push(ctx, entry.Kind, entry.Ref, doc)
	case posstore.OpDelete:
		return d.backend.Delete(ctx, entry.Kind, entry.Ref)
	default:
		return fmt.Errorf("unknown queue op %q", entry.Op)
	}
}

// serialized guards fn so that concurrent kind drains report one event at
// a time.
func serialized(fn func(Event)) func(Event) {
	var mu sync.Mutex
	return func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		fn(ev)
	}
}

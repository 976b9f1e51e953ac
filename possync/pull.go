// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/mobiletoly/go-possync/posapi"
	"github.com/mobiletoly/go-possync/posmodel"
	"github.com/mobiletoly/go-possync/posstore"
)

// Trigger tells why a pull runs.
type Trigger string

const (
	TriggerManual       Trigger = "manual"
	TriggerTimer        Trigger = "timer"
	TriggerNotification Trigger = "notification"
	TriggerStartup      Trigger = "startup"
)

// EntityResult is the outcome of pulling one kind.
type EntityResult struct {
	Kind    posmodel.Kind
	Full    bool  // the whole collection was fetched
	Fetched int   // records received, tombstones included
	Applied int   // rows written
	Skipped int   // rows left alone because a local edit is pending
	Deleted int   // rows removed
	Cursor  int64 // cursor stored after the pull
	Err     error
}

// OK reports whether the kind was pulled and committed.
func (r EntityResult) OK() bool { return r.Err == nil }

// PullResult is the outcome of one pull cycle. Kinds are independent: a
// failed kind leaves its table untouched and does not undo the others.
type PullResult struct {
	Trigger    Trigger
	Throttled  bool // a manual pull inside the cool-down window; nothing ran
	Offline    bool // the engine was offline; nothing ran
	Entities   []EntityResult
	StartedAt  time.Time
	FinishedAt time.Time
}

// Skipped reports whether the cycle did not run at all.
func (r *PullResult) Skipped() bool { return r.Throttled || r.Offline }

// OK reports whether the cycle ran and every kind succeeded.
func (r *PullResult) OK() bool {
	return !r.Skipped() && len(r.Failed()) == 0
}

// Partial reports whether at least one kind failed.
func (r *PullResult) Partial() bool {
	return len(r.Failed()) > 0
}

// Failed lists the kinds that did not pull.
func (r *PullResult) Failed() []posmodel.Kind {
	var out []posmodel.Kind
	for _, e := range r.Entities {
		if !e.OK() {
			out = append(out, e.Kind)
		}
	}
	return out
}

// Entity returns the result for kind.
func (r *PullResult) Entity(kind posmodel.Kind) (EntityResult, bool) {
	for _, e := range r.Entities {
		if e.Kind == kind {
			return e, true
		}
	}
	return EntityResult{}, false
}

// Puller fetches authoritative collections and reconciles them locally.
type Puller struct {
	store     *posstore.Store
	backend   Backend
	state     State
	kinds     []posmodel.Kind
	pageLimit int
	cooldown  time.Duration
	logger    *slog.Logger
	now       func() time.Time
	emit      func(Event)
}

// NewPuller creates a puller for every synced kind.
func NewPuller(store *posstore.Store, backend Backend, state State, cfg Config, opts ...Option) *Puller {
	o := buildOptions(opts)
	limit := cfg.PageLimit
	if limit <= 0 {
		limit = DefaultConfig().PageLimit
	}
	return &Puller{
		store:     store,
		backend:   backend,
		state:     state,
		kinds:     slices.Clone(posmodel.SyncedKinds),
		pageLimit: limit,
		cooldown:  cfg.PullCooldown,
		logger:    o.logger,
		now:       o.now,
		emit:      o.observer,
	}
}

// PullAll pulls every synced kind in dependency order.
func (p *Puller) PullAll(ctx context.Context, scope posapi.Scope, trigger Trigger) (*PullResult, error) {
	return p.Pull(ctx, scope, trigger, nil)
}

// Pull pulls the given kinds, or every synced kind when kinds is empty.
// Manual triggers inside the cool-down window return a throttled result
// without contacting the backend. The error is reserved for failures of
// the bookkeeping state; per-kind failures are in the result.
func (p *Puller) Pull(ctx context.Context, scope posapi.Scope, trigger Trigger, kinds []posmodel.Kind) (*PullResult, error) {
	now := p.now()
	res := &PullResult{Trigger: trigger, StartedAt: now}

	if trigger == TriggerManual && p.cooldown > 0 {
		last, err := p.state.LastManualPull()
		if err != nil {
			return nil, fmt.Errorf("failed to read last manual pull: %w", err)
		}
		if !last.IsZero() && now.Sub(last) < p.cooldown {
			p.logger.Info("manual pull throttled", "last", last, "cooldown", p.cooldown)
			res.Throttled = true
			res.FinishedAt = now
			return res, nil
		}
		if err := p.state.SetLastManualPull(now); err != nil {
			return nil, fmt.Errorf("failed to record manual pull: %w", err)
		}
	}

	selected := p.kinds
	if len(kinds) > 0 {
		selected = nil
		for _, k := range p.kinds {
			if slices.Contains(kinds, k) {
				selected = append(selected, k)
			}
		}
	}

	for _, kind := range selected {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		er := p.pullKind(ctx, kind, scope)
		res.Entities = append(res.Entities, er)
		if er.OK() {
			p.logger.Info("entity pulled", "kind", kind, "full", er.Full, "fetched", er.Fetched,
				"applied", er.Applied, "skipped", er.Skipped, "deleted", er.Deleted)
			p.emit(EntityPulled{Result: er})
		} else {
			p.logger.Warn("entity pull failed", "kind", kind, "error", er.Err)
			p.emit(EntityPullFailed{Kind: kind, Err: er.Err})
		}
	}

	if len(kinds) == 0 && res.OK() {
		done, err := p.state.InitialSyncDone()
		if err != nil {
			return nil, fmt.Errorf("failed to read initial sync flag: %w", err)
		}
		if !done {
			if err := p.state.MarkInitialSyncDone(); err != nil {
				return nil, fmt.Errorf("failed to mark initial sync done: %w", err)
			}
			p.logger.Info("initial sync complete")
		}
	}

	res.FinishedAt = p.now()
	p.emit(PullFinished{Result: res})
	return res, nil
}

// pullKind fetches every page of kind, then reconciles them in a single
// transaction. The cursor only moves after the commit.
func (p *Puller) pullKind(ctx context.Context, kind posmodel.Kind, scope posapi.Scope) EntityResult {
	er := EntityResult{Kind: kind}

	after, err := p.state.Cursor(kind)
	if err != nil {
		er.Err = fmt.Errorf("failed to read cursor: %w", err)
		return er
	}
	er.Full = after == 0
	er.Cursor = after

	var items []posapi.PullItem
	cursor := after
	for {
		page, err := p.backend.Fetch(ctx, kind, scope, cursor, p.pageLimit)
		if err != nil {
			er.Err = err
			return er
		}
		items = append(items, page.Items...)
		if !page.HasMore {
			if page.NextAfter > cursor {
				cursor = page.NextAfter
			}
			break
		}
		if page.NextAfter <= cursor {
			er.Err = fmt.Errorf("server cursor did not advance past %d", cursor)
			return er
		}
		cursor = page.NextAfter
	}

	docs, deleted := collapse(items)
	er.Fetched = len(items)

	var stats posstore.ReconcileStats
	err = p.store.InTx(ctx, func(r *posstore.Repos) error {
		repo, err := r.For(kind)
		if err != nil {
			return err
		}
		stats, err = repo.ReconcileDocuments(ctx, docs, deleted, er.Full)
		return err
	})
	if err != nil {
		er.Err = err
		return er
	}
	er.Applied, er.Skipped, er.Deleted = stats.Applied, stats.Skipped, stats.Deleted

	if cursor != after {
		if err := p.state.SetCursor(kind, cursor); err != nil {
			// The data is committed; the next pull replays the same pages.
			er.Err = fmt.Errorf("failed to store cursor: %w", err)
			return er
		}
	}
	er.Cursor = cursor
	return er
}

// collapse keeps the last change of each record so that a record updated
// and then deleted within one pull ends up deleted, and the reverse ends
// up present.
func collapse(items []posapi.PullItem) ([]json.RawMessage, []string) {
	last := make(map[string]int, len(items))
	for i, it := range items {
		last[it.ID] = i
	}
	var docs []json.RawMessage
	var deleted []string
	for i, it := range items {
		if last[it.ID] != i {
			continue
		}
		if it.Deleted {
			deleted = append(deleted, it.ID)
		} else {
			docs = append(docs, it.Doc)
		}
	}
	return docs, deleted
}

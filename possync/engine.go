// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mobiletoly/go-possync/posapi"
	"github.com/mobiletoly/go-possync/posmodel"
	"github.com/mobiletoly/go-possync/posstore"
)

// Engine schedules drains and pulls from commands and timers. All sync
// work happens on the goroutine running Run, one cycle at a time.
type Engine struct {
	store   *posstore.Store
	drainer *Drainer
	puller  *Puller
	scope   posapi.Scope
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	emit    func(Event)

	online      atomic.Bool
	drainSignal chan struct{}
	pullSignal  chan struct{}

	mu          sync.Mutex
	pendingPull *pullRequest
}

type pullRequest struct {
	trigger Trigger
	kinds   []posmodel.Kind // nil means every kind
}

// NewEngine wires a drainer and a puller around store.
func NewEngine(store *posstore.Store, backend Backend, state State, scope posapi.Scope, cfg Config, opts ...Option) *Engine {
	o := buildOptions(opts)
	emit := serialized(o.observer)
	shared := []Option{WithLogger(o.logger), WithClock(o.now), WithObserver(emit)}
	e := &Engine{
		store:       store,
		drainer:     NewDrainer(store, backend, cfg, shared...),
		puller:      NewPuller(store, backend, state, cfg, shared...),
		scope:       scope,
		cfg:         cfg,
		logger:      o.logger,
		now:         o.now,
		emit:        emit,
		drainSignal: make(chan struct{}, 1),
		pullSignal:  make(chan struct{}, 1),
	}
	e.online.Store(true)
	return e
}

// Online reports the last known connectivity.
func (e *Engine) Online() bool { return e.online.Load() }

// Dispatch hands a command to the engine. EnqueueMutation is written to the
// durable queue before Dispatch returns, so the mutation survives a crash
// even if the loop never runs. A write that must be queued atomically with
// the row goes through posstore.SaveQueued instead. Other commands only
// schedule work.
func (e *Engine) Dispatch(ctx context.Context, cmd Command) error {
	switch c := cmd.(type) {
	case EnqueueMutation:
		op := c.Op
		if op == "" {
			op = posstore.OpUpsert
		}
		if _, err := e.store.Repos().Queue.Enqueue(ctx, c.Kind, c.Ref, op); err != nil {
			return err
		}
		e.signal(e.drainSignal)
	case DrainNow:
		e.logger.Debug("drain requested", "reason", c.Reason)
		e.signal(e.drainSignal)
	case PullNow:
		trigger := c.Trigger
		if trigger == "" {
			trigger = TriggerManual
		}
		e.requestPull(pullRequest{trigger: trigger})
	case ConnectivityChanged:
		was := e.online.Swap(c.Online)
		e.logger.Info("connectivity changed", "online", c.Online)
		if c.Online && !was {
			e.signal(e.drainSignal)
		}
	case RemoteChanged:
		for _, k := range c.Kinds {
			if !k.Synced() {
				return fmt.Errorf("kind %q is not synchronized", k)
			}
		}
		e.requestPull(pullRequest{trigger: TriggerNotification, kinds: slices.Clone(c.Kinds)})
	case nil:
		return errors.New("nil command")
	default:
		return fmt.Errorf("unsupported command %T", cmd)
	}
	return nil
}

func (e *Engine) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// requestPull merges req into the pending request. Any automatic trigger
// wins over a manual one so that coalescing never throttles it, and kinds
// are unioned.
func (e *Engine) requestPull(req pullRequest) {
	e.mu.Lock()
	if p := e.pendingPull; p == nil {
		e.pendingPull = &req
	} else {
		if p.trigger == TriggerManual {
			p.trigger = req.trigger
		}
		switch {
		case p.kinds == nil || req.kinds == nil:
			p.kinds = nil
		default:
			for _, k := range req.kinds {
				if !slices.Contains(p.kinds, k) {
					p.kinds = append(p.kinds, k)
				}
			}
		}
	}
	e.mu.Unlock()
	e.signal(e.pullSignal)
}

func (e *Engine) takePull() (pullRequest, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pendingPull == nil {
		return pullRequest{}, false
	}
	req := *e.pendingPull
	e.pendingPull = nil
	return req, true
}

// Run serves commands and timers until ctx is cancelled. It drains once
// and pulls once on start.
func (e *Engine) Run(ctx context.Context) error {
	drainTicker := newTicker(e.cfg.DrainInterval)
	defer drainTicker.Stop()
	pullTicker := newTicker(e.cfg.PullInterval)
	defer pullTicker.Stop()

	e.signal(e.drainSignal)
	e.requestPull(pullRequest{trigger: TriggerStartup})

	e.logger.Info("sync engine started", "drain_interval", e.cfg.DrainInterval, "pull_interval", e.cfg.PullInterval)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("sync engine stopped")
			return nil
		case <-e.drainSignal:
			e.DrainOnce(ctx)
		case <-drainTicker.C:
			e.DrainOnce(ctx)
		case <-e.pullSignal:
			if req, ok := e.takePull(); ok {
				e.PullOnce(ctx, req.trigger, req.kinds)
			}
		case <-pullTicker.C:
			e.PullOnce(ctx, TriggerTimer, nil)
		}
	}
}

// DrainOnce runs one drain cycle now, unless offline.
func (e *Engine) DrainOnce(ctx context.Context) (DrainResult, error) {
	if !e.Online() {
		e.logger.Debug("offline, drain skipped")
		return DrainResult{}, nil
	}
	res, err := e.drainer.Drain(ctx)
	if err != nil && ctx.Err() == nil {
		e.logger.Error("drain failed", "error", err)
	}
	e.emit(DrainFinished{Result: res, Err: err})
	return res, err
}

// PullOnce runs one pull cycle now. Offline it runs nothing and returns a
// result flagged Offline.
func (e *Engine) PullOnce(ctx context.Context, trigger Trigger, kinds []posmodel.Kind) (*PullResult, error) {
	if !e.Online() {
		e.logger.Debug("offline, pull skipped", "trigger", trigger)
		now := e.now()
		return &PullResult{Trigger: trigger, Offline: true, StartedAt: now, FinishedAt: now}, nil
	}
	res, err := e.puller.Pull(ctx, e.scope, trigger, kinds)
	if err != nil && ctx.Err() == nil {
		e.logger.Error("pull failed", "trigger", trigger, "error", err)
	}
	return res, err
}

type ticker struct {
	C    <-chan time.Time
	stop func()
}

func (t ticker) Stop() { t.stop() }

// newTicker returns a ticker that never fires when d is not positive.
func newTicker(d time.Duration) ticker {
	if d <= 0 {
		return ticker{C: nil, stop: func() {}}
	}
	t := time.NewTicker(d)
	return ticker{C: t.C, stop: t.Stop}
}

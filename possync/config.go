// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package possync moves data between the local store and the backend: the
// outbound queue drain, the inbound pull and the engine that schedules both.
package possync

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mobiletoly/go-possync/posapi"
	"github.com/mobiletoly/go-possync/posmodel"
)

// Config holds the sync tuning knobs.
type Config struct {
	PageLimit     int           // records per pull page, e.g. 500
	BackoffMin    time.Duration // first retry delay of a failed push
	BackoffMax    time.Duration // cap of the retry delay
	PullCooldown  time.Duration // minimum spacing of manual pulls
	DrainInterval time.Duration // periodic drain
	PullInterval  time.Duration // periodic pull
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		PageLimit:     500,
		BackoffMin:    2 * time.Second,
		BackoffMax:    5 * time.Minute,
		PullCooldown:  5 * time.Minute,
		DrainInterval: 30 * time.Second,
		PullInterval:  15 * time.Minute,
	}
}

// Backend is the remote side of synchronization. Push must behave as an
// upsert by id: the same document may be delivered more than once.
type Backend interface {
	Fetch(ctx context.Context, kind posmodel.Kind, scope posapi.Scope, after int64, limit int) (*posapi.PullPage, error)
	Push(ctx context.Context, kind posmodel.Kind, id string, doc json.RawMessage) error
	Delete(ctx context.Context, kind posmodel.Kind, id string) error
}

// State is the persisted bookkeeping the pull needs.
type State interface {
	Cursor(kind posmodel.Kind) (int64, error)
	SetCursor(kind posmodel.Kind, seq int64) error
	InitialSyncDone() (bool, error)
	MarkInitialSyncDone() error
	LastManualPull() (time.Time, error)
	SetLastManualPull(t time.Time) error
}

// Backoff computes retry delays: Min doubled per attempt, capped at Max.
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Min <= 0 {
		return 0
	}
	d := b.Min
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max || d <= 0 {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

type options struct {
	logger   *slog.Logger
	now      func() time.Time
	observer func(Event)
}

// Option configures drainers, pullers and engines.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithObserver receives every sync event. It is called synchronously and
// must not block.
func WithObserver(fn func(Event)) Option {
	return func(o *options) {
		if fn != nil {
			o.observer = fn
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger:   slog.Default(),
		now:      time.Now,
		observer: func(Event) {},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

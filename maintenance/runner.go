// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package maintenance runs the periodic device jobs that must work without
// the foreground application: database backups and stale order cleanup.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/mobiletoly/go-possync/kvstate"
	"github.com/mobiletoly/go-possync/posstore"
)

// Session is a private connection to the durable device state. Tasks never
// share in-process state with the foreground engine.
type Session struct {
	Store *posstore.Store
	State *kvstate.State
}

// Close releases the session's database connection.
func (s *Session) Close() error {
	if s.Store == nil {
		return nil
	}
	return s.Store.Close()
}

// Task is one maintenance job.
type Task interface {
	Name() string
	Run(ctx context.Context, s *Session) error
}

// Runner executes tasks under an inter-process lock.
type Runner struct {
	LockPath string
	Open     func(ctx context.Context) (*Session, error)
	Tasks    []Task
	Logger   *slog.Logger
}

// RunOnce runs every task once. When another process holds the lock the
// call is a no-op and ran is false. Task failures do not stop later tasks;
// they are joined into the returned error so the scheduler sees them.
func (r *Runner) RunOnce(ctx context.Context) (ran bool, err error) {
	logger := r.logger()
	if dir := filepath.Dir(r.LockPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, fmt.Errorf("failed to create lock directory: %w", err)
		}
	}
	lock := flock.New(r.LockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return false, fmt.Errorf("failed to acquire maintenance lock: %w", err)
	}
	if !locked {
		logger.Info("maintenance already running elsewhere, skipping")
		return false, nil
	}
	defer func() { _ = lock.Unlock() }()

	session, err := r.Open(ctx)
	if err != nil {
		return true, fmt.Errorf("failed to open maintenance session: %w", err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			logger.Warn("failed to close maintenance session", "error", cerr)
		}
	}()

	var errs []error
	for _, task := range r.Tasks {
		start := time.Now()
		if err := task.Run(ctx, session); err != nil {
			logger.Error("maintenance task failed", "task", task.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", task.Name(), err))
			continue
		}
		logger.Info("maintenance task finished", "task", task.Name(), "duration", time.Since(start))
	}
	return true, errors.Join(errs...)
}

// Loop calls RunOnce every interval until ctx is cancelled. Failures are
// logged and retried on the next tick.
func (r *Runner) Loop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid maintenance interval %s", interval)
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger().Warn("maintenance run failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

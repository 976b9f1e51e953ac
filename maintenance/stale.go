// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mobiletoly/go-possync/posmodel"
	"github.com/mobiletoly/go-possync/posstore"
)

// StalePolicy decides what happens to an open order that has not been
// touched for longer than the task's MaxAge. Returning false leaves it open.
type StalePolicy func(o *posmodel.Order, now time.Time) (posmodel.OrderStatus, bool)

// ExpireAll closes every stale order as expired.
func ExpireAll(*posmodel.Order, time.Time) (posmodel.OrderStatus, bool) {
	return posmodel.OrderExpired, true
}

// StaleOrderTask closes open orders left untouched past MaxAge and queues
// the change for the backend.
type StaleOrderTask struct {
	MaxAge time.Duration
	Policy StalePolicy
	Now    func() time.Time
	Logger *slog.Logger
}

func (t *StaleOrderTask) Name() string { return "stale-orders" }

func (t *StaleOrderTask) Run(ctx context.Context, s *Session) error {
	if t.MaxAge <= 0 {
		return nil
	}
	now := time.Now()
	if t.Now != nil {
		now = t.Now()
	}
	policy := t.Policy
	if policy == nil {
		policy = ExpireAll
	}
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}

	stale, err := s.Store.Repos().Orders.Find(ctx, posstore.Criteria{
		Status:        string(posmodel.OrderOpen),
		UpdatedBefore: now.Add(-t.MaxAge),
	})
	if err != nil {
		return err
	}

	closed := 0
	for _, o := range stale {
		status, ok := policy(o, now)
		if !ok {
			continue
		}
		err := s.Store.InTx(ctx, func(r *posstore.Repos) error {
			if _, err := r.Orders.Update(ctx, o.ID, func(cur *posmodel.Order) error {
				cur.Status = status
				at := posmodel.Timestamp(now)
				cur.ClosedAt = &at
				return nil
			}); err != nil {
				return err
			}
			_, err := r.Queue.Enqueue(ctx, posmodel.KindOrder, o.ID, posstore.OpUpsert)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to close stale order %s: %w", o.ID, err)
		}
		closed++
	}
	if closed > 0 {
		logger.Info("stale orders closed", "count", closed, "max_age", t.MaxAge)
	}
	return nil
}

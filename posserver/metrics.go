// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package posserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mobiletoly/go-possync/posapi"
	"github.com/mobiletoly/go-possync/posmodel"
)

const (
	MetricsOpPut     = "put"
	MetricsOpDelete  = "delete"
	MetricsOpChanges = "changes"
	MetricsOpCount   = "count"
)

// StoreTiming is one observed document store call.
type StoreTiming struct {
	Operation string
	Kind      posmodel.Kind
	Duration  time.Duration
	Count     int // records returned or written
	Error     bool
}

type StoreMetricsRecorder interface {
	ObserveStore(ctx context.Context, timing StoreTiming)
}

type StoreMetricsRecorderFunc func(ctx context.Context, timing StoreTiming)

func (f StoreMetricsRecorderFunc) ObserveStore(ctx context.Context, timing StoreTiming) {
	f(ctx, timing)
}

// LogStoreTimings returns a recorder that writes every timing at debug level.
func LogStoreTimings(logger *slog.Logger) StoreMetricsRecorder {
	return StoreMetricsRecorderFunc(func(ctx context.Context, t StoreTiming) {
		logger.DebugContext(ctx, "store timing",
			"op", t.Operation,
			"kind", t.Kind,
			"duration_ms", float64(t.Duration.Microseconds())/1000.0,
			"count", t.Count,
			"error", t.Error,
		)
	})
}

// Instrument wraps store so that every call is reported to rec.
func Instrument(store DocumentStore, rec StoreMetricsRecorder) DocumentStore {
	if rec == nil {
		return store
	}
	return &instrumentedStore{next: store, rec: rec, now: time.Now}
}

type instrumentedStore struct {
	next DocumentStore
	rec  StoreMetricsRecorder
	now  func() time.Time
}

func (s *instrumentedStore) observe(ctx context.Context, op string, kind posmodel.Kind, start time.Time, count int, err error) {
	s.rec.ObserveStore(ctx, StoreTiming{
		Operation: op,
		Kind:      kind,
		Duration:  s.now().Sub(start),
		Count:     count,
		Error:     err != nil,
	})
}

func (s *instrumentedStore) Put(ctx context.Context, company string, kind posmodel.Kind, id string, doc json.RawMessage) (int64, error) {
	start := s.now()
	seq, err := s.next.Put(ctx, company, kind, id, doc)
	s.observe(ctx, MetricsOpPut, kind, start, 1, err)
	return seq, err
}

func (s *instrumentedStore) Delete(ctx context.Context, company string, kind posmodel.Kind, id string) (bool, error) {
	start := s.now()
	deleted, err := s.next.Delete(ctx, company, kind, id)
	n := 0
	if deleted {
		n = 1
	}
	s.observe(ctx, MetricsOpDelete, kind, start, n, err)
	return deleted, err
}

func (s *instrumentedStore) Changes(ctx context.Context, company string, kind posmodel.Kind, location string, after int64, limit int) (*posapi.PullPage, error) {
	start := s.now()
	page, err := s.next.Changes(ctx, company, kind, location, after, limit)
	n := 0
	if page != nil {
		n = len(page.Items)
	}
	s.observe(ctx, MetricsOpChanges, kind, start, n, err)
	return page, err
}

func (s *instrumentedStore) Count(ctx context.Context, company string, kind posmodel.Kind) (int, error) {
	start := s.now()
	n, err := s.next.Count(ctx, company, kind)
	s.observe(ctx, MetricsOpCount, kind, start, n, err)
	return n, err
}

package possync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/mobiletoly/go-possync/posapi"
	"github.com/mobiletoly/go-possync/posmodel"
	"github.com/mobiletoly/go-possync/posstore"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T, path string, clock *testClock) *posstore.Store {
	t.Helper()
	s, err := posstore.Open(path, posstore.WithLogger(quietLogger()), posstore.WithClock(clock.Now))
	require.NoError(t, err)
	_, err = s.Migrate(context.Background(), posstore.Migrations())
	require.NoError(t, err)
	return s
}

func newStore(t *testing.T, clock *testClock) *posstore.Store {
	t.Helper()
	s := openStore(t, ":memory:", clock)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// fakeBackend is an in-memory backend with server-side upsert semantics.
type fakeBackend struct {
	mu       sync.Mutex
	seq      int64
	changes  map[posmodel.Kind][]posapi.PullItem
	docs     map[posmodel.Kind]map[string]json.RawMessage
	pushes   []string
	deletes  []string
	fetches  []posmodel.Kind
	fetchErr map[posmodel.Kind]error
	// afterPush runs once the document is stored; an error simulates a lost
	// acknowledgement.
	afterPush func(kind posmodel.Kind, id string, n int) error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		changes:  make(map[posmodel.Kind][]posapi.PullItem),
		docs:     make(map[posmodel.Kind]map[string]json.RawMessage),
		fetchErr: make(map[posmodel.Kind]error),
	}
}

func (b *fakeBackend) put(kind posmodel.Kind, id string, doc json.RawMessage) {
	if b.docs[kind] == nil {
		b.docs[kind] = make(map[string]json.RawMessage)
	}
	b.docs[kind][id] = doc
	b.seq++
	b.changes[kind] = append(b.changes[kind], posapi.PullItem{ID: id, Seq: b.seq, Doc: doc})
}

func (b *fakeBackend) seed(t *testing.T, kind posmodel.Kind, id string, v any) {
	t.Helper()
	doc, err := json.Marshal(v)
	require.NoError(t, err)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.put(kind, id, doc)
}

func (b *fakeBackend) tombstone(kind posmodel.Kind, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.docs[kind], id)
	b.seq++
	b.changes[kind] = append(b.changes[kind], posapi.PullItem{ID: id, Seq: b.seq, Deleted: true})
}

func (b *fakeBackend) Fetch(ctx context.Context, kind posmodel.Kind, scope posapi.Scope, after int64, limit int) (*posapi.PullPage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetches = append(b.fetches, kind)
	if err := b.fetchErr[kind]; err != nil {
		return nil, err
	}
	page := &posapi.PullPage{NextAfter: after}
	for _, it := range b.changes[kind] {
		if it.Seq <= after {
			continue
		}
		if len(page.Items) == limit {
			page.HasMore = true
			break
		}
		page.Items = append(page.Items, it)
		page.NextAfter = it.Seq
	}
	return page, nil
}

func (b *fakeBackend) Push(ctx context.Context, kind posmodel.Kind, id string, doc json.RawMessage) error {
	b.mu.Lock()
	b.put(kind, id, doc)
	b.pushes = append(b.pushes, string(kind)+"/"+id)
	n := len(b.pushes)
	hook := b.afterPush
	b.mu.Unlock()
	if hook != nil {
		return hook(kind, id, n)
	}
	return nil
}

func (b *fakeBackend) Delete(ctx context.Context, kind posmodel.Kind, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletes = append(b.deletes, string(kind)+"/"+id)
	delete(b.docs[kind], id)
	return nil
}

func (b *fakeBackend) pushed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := append([]string(nil), b.pushes...)
	return out
}

func (b *fakeBackend) stored(kind posmodel.Kind) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []string
	for id := range b.docs[kind] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// memState is an in-memory State.
type memState struct {
	mu          sync.Mutex
	cursors     map[posmodel.Kind]int64
	initialDone bool
	lastManual  time.Time
	failCursor  error
}

func newMemState() *memState {
	return &memState{cursors: make(map[posmodel.Kind]int64)}
}

func (s *memState) Cursor(kind posmodel.Kind) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[kind], nil
}

func (s *memState) SetCursor(kind posmodel.Kind, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCursor != nil {
		return s.failCursor
	}
	s.cursors[kind] = seq
	return nil
}

func (s *memState) InitialSyncDone() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialDone, nil
}

func (s *memState) MarkInitialSyncDone() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialDone = true
	return nil
}

func (s *memState) LastManualPull() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastManual, nil
}

func (s *memState) SetLastManualPull(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastManual = t
	return nil
}

// eventLog collects observer events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) observe(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

var errUnavailable = errors.New("503 service unavailable")

func testOrder(number string) *posmodel.Order {
	return &posmodel.Order{
		Meta: posmodel.Meta{
			CompanyRef:  "co-1",
			LocationRef: "loc-1",
			Company:     posmodel.NameRef{Name: "Acme Coffee"},
			Location:    posmodel.NameRef{Name: "Main Street"},
		},
		OrderNumber: number,
		Items: []posmodel.OrderItem{{
			ProductRef: "p-1",
			Name:       posmodel.LocalizedName{En: "Flat white"},
			Quantity:   1,
			UnitPrice:  decimal.RequireFromString("14.5"),
			Total:      decimal.RequireFromString("14.5"),
		}},
		Payments: []posmodel.Payment{{Method: "cash", Amount: decimal.RequireFromString("14.5")}},
		Subtotal: decimal.RequireFromString("14.5"),
		Total:    decimal.RequireFromString("14.5"),
		Status:   posmodel.OrderCompleted,
	}
}

func serverCategory(id, name string) *posmodel.Category {
	return &posmodel.Category{
		Meta: posmodel.Meta{ID: id, CompanyRef: "co-1", Source: posmodel.SourceServer,
			CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), UpdatedAt: time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)},
		Name:   posmodel.LocalizedName{En: name},
		Status: posmodel.StatusActive,
	}
}

func serverProduct(id, name string) *posmodel.Product {
	return &posmodel.Product{
		Meta: posmodel.Meta{ID: id, CompanyRef: "co-1", Source: posmodel.SourceServer,
			CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), UpdatedAt: time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)},
		Name:     posmodel.LocalizedName{En: name},
		Price:    decimal.RequireFromString("10"),
		TaxRate:  decimal.RequireFromString("0.15"),
		Sellable: true,
		Status:   posmodel.StatusActive,
	}
}

var testScope = posapi.Scope{CompanyRef: "co-1", LocationRef: "loc-1"}

package possync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mobiletoly/go-possync/posapi"
	"github.com/mobiletoly/go-possync/posmodel"
	"github.com/mobiletoly/go-possync/posstore"
	"github.com/stretchr/testify/require"
)

func newTestPuller(store *posstore.Store, backend Backend, state State, clock *testClock, events *eventLog) *Puller {
	cfg := DefaultConfig()
	cfg.PageLimit = 2
	opts := []Option{WithLogger(quietLogger()), WithClock(clock.Now)}
	if events != nil {
		opts = append(opts, WithObserver(events.observe))
	}
	return NewPuller(store, backend, state, cfg, opts...)
}

func TestPullAll_OneKindFailingLeavesOthersCommitted(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := newStore(t, clock)
	backend := newFakeBackend()
	state := newMemState()
	events := &eventLog{}

	before := serverProduct("p-old", "Espresso")
	_, err := store.Repos().Products.Upsert(ctx, before)
	require.NoError(t, err)

	backend.seed(t, posmodel.KindCategory, "c-1", serverCategory("c-1", "Coffee"))
	backend.seed(t, posmodel.KindCategory, "c-2", serverCategory("c-2", "Tea"))
	backend.seed(t, posmodel.KindCategory, "c-3", serverCategory("c-3", "Bakery"))
	backend.seed(t, posmodel.KindProduct, "p-new", serverProduct("p-new", "Latte"))
	backend.fetchErr[posmodel.KindProduct] = errUnavailable

	res, err := newTestPuller(store, backend, state, clock, events).PullAll(ctx, testScope, TriggerTimer)
	require.NoError(t, err)
	require.False(t, res.OK())
	require.True(t, res.Partial())
	require.Equal(t, []posmodel.Kind{posmodel.KindProduct}, res.Failed())

	categories, ok := res.Entity(posmodel.KindCategory)
	require.True(t, ok)
	require.True(t, categories.OK())
	require.Equal(t, 3, categories.Applied)
	products, ok := res.Entity(posmodel.KindProduct)
	require.True(t, ok)
	require.ErrorIs(t, products.Err, errUnavailable)

	n, err := store.Repos().Categories.Count(ctx, posstore.Criteria{})
	require.NoError(t, err)
	require.Equal(t, 3, n)

	got, err := store.Repos().Products.Find(ctx, posstore.Criteria{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "p-old", got[0].ID)
	require.Equal(t, "Espresso", got[0].Name.En)

	require.Zero(t, state.cursors[posmodel.KindProduct])
	require.NotZero(t, state.cursors[posmodel.KindCategory])
	require.False(t, state.initialDone)

	var failed, pulled int
	var finished *PullResult
	for _, ev := range events.all() {
		switch e := ev.(type) {
		case EntityPullFailed:
			failed++
			require.Equal(t, posmodel.KindProduct, e.Kind)
		case EntityPulled:
			pulled++
		case PullFinished:
			finished = e.Result
		}
	}
	require.Equal(t, 1, failed)
	require.Equal(t, len(posmodel.SyncedKinds)-1, pulled)
	require.Same(t, res, finished)
}

func TestPullAll_FullThenIncremental(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := newStore(t, clock)
	backend := newFakeBackend()
	state := newMemState()
	p := newTestPuller(store, backend, state, clock, nil)

	// Left over from before a resync; the server no longer has it.
	_, err := store.Repos().Categories.Upsert(ctx, serverCategory("c-stale", "Old"))
	require.NoError(t, err)
	for _, id := range []string{"c-1", "c-2", "c-3"} {
		backend.seed(t, posmodel.KindCategory, id, serverCategory(id, id))
	}

	res, err := p.PullAll(ctx, testScope, TriggerStartup)
	require.NoError(t, err)
	require.True(t, res.OK())
	cat, _ := res.Entity(posmodel.KindCategory)
	require.True(t, cat.Full)
	require.Equal(t, 3, cat.Fetched)
	require.Equal(t, 1, cat.Deleted)
	require.True(t, state.initialDone)
	require.Equal(t, int64(3), state.cursors[posmodel.KindCategory])

	_, err = store.Repos().Categories.FindByID(ctx, "c-stale")
	require.ErrorIs(t, err, posstore.ErrNotFound)

	// A new category, an update and a tombstone since the last pull.
	updated := serverCategory("c-1", "Coffee & Espresso")
	backend.seed(t, posmodel.KindCategory, "c-1", updated)
	backend.seed(t, posmodel.KindCategory, "c-4", serverCategory("c-4", "Juice"))
	backend.tombstone(posmodel.KindCategory, "c-2")

	res, err = p.PullAll(ctx, testScope, TriggerTimer)
	require.NoError(t, err)
	cat, _ = res.Entity(posmodel.KindCategory)
	require.False(t, cat.Full)
	require.Equal(t, 3, cat.Fetched)
	require.Equal(t, 2, cat.Applied)
	require.Equal(t, 1, cat.Deleted)

	all, err := store.Repos().Categories.Find(ctx, posstore.Criteria{})
	require.NoError(t, err)
	ids := make([]string, 0, len(all))
	for _, c := range all {
		ids = append(ids, c.ID)
	}
	require.ElementsMatch(t, []string{"c-1", "c-3", "c-4"}, ids)

	c1, err := store.Repos().Categories.FindByID(ctx, "c-1")
	require.NoError(t, err)
	require.Equal(t, "Coffee & Espresso", c1.Name.En)
}

func TestPullAll_PendingLocalEditWins(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := newStore(t, clock)
	backend := newFakeBackend()
	p := newTestPuller(store, backend, newMemState(), clock, nil)

	local := serverProduct("p-1", "Local name")
	local.Source = posmodel.SourceLocal
	_, err := store.Repos().Products.Upsert(ctx, local)
	require.NoError(t, err)
	backend.seed(t, posmodel.KindProduct, "p-1", serverProduct("p-1", "Server name"))

	res, err := p.PullAll(ctx, testScope, TriggerTimer)
	require.NoError(t, err)
	prod, _ := res.Entity(posmodel.KindProduct)
	require.Equal(t, 1, prod.Skipped)

	got, err := store.Repos().Products.FindByID(ctx, "p-1")
	require.NoError(t, err)
	require.Equal(t, "Local name", got.Name.En)
	require.Equal(t, posmodel.SourceLocal, got.Source)
}

func TestPull_ManualCooldown(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := newStore(t, clock)
	backend := newFakeBackend()
	state := newMemState()
	p := newTestPuller(store, backend, state, clock, nil)

	res, err := p.PullAll(ctx, testScope, TriggerManual)
	require.NoError(t, err)
	require.False(t, res.Throttled)
	fetches := len(backend.fetches)
	require.Equal(t, len(posmodel.SyncedKinds), fetches)

	clock.Advance(time.Minute)
	res, err = p.PullAll(ctx, testScope, TriggerManual)
	require.NoError(t, err)
	require.True(t, res.Throttled)
	require.False(t, res.OK())
	require.Len(t, backend.fetches, fetches)

	// Automatic triggers ignore the cool-down.
	res, err = p.PullAll(ctx, testScope, TriggerNotification)
	require.NoError(t, err)
	require.False(t, res.Throttled)

	clock.Advance(DefaultConfig().PullCooldown)
	res, err = p.PullAll(ctx, testScope, TriggerManual)
	require.NoError(t, err)
	require.False(t, res.Throttled)
}

func TestPull_SelectedKindsOnly(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := newStore(t, clock)
	backend := newFakeBackend()
	state := newMemState()
	p := newTestPuller(store, backend, state, clock, nil)

	res, err := p.Pull(ctx, testScope, TriggerNotification, []posmodel.Kind{posmodel.KindOrder})
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)
	require.Equal(t, []posmodel.Kind{posmodel.KindOrder}, backend.fetches)
	// A partial selection never completes the initial sync.
	require.False(t, state.initialDone)
}

func TestPull_CursorWriteFailureReported(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := newStore(t, clock)
	backend := newFakeBackend()
	state := newMemState()
	state.failCursor = errors.New("state file locked")
	backend.seed(t, posmodel.KindCategory, "c-1", serverCategory("c-1", "Coffee"))

	res, err := newTestPuller(store, backend, state, clock, nil).PullAll(ctx, testScope, TriggerTimer)
	require.NoError(t, err)
	cat, _ := res.Entity(posmodel.KindCategory)
	require.Error(t, cat.Err)

	// Data is committed and a replay is harmless.
	_, err = store.Repos().Categories.FindByID(ctx, "c-1")
	require.NoError(t, err)
}

func TestCollapse_LastChangeWins(t *testing.T) {
	items := []posapi.PullItem{
		{ID: "a", Seq: 1, Doc: json.RawMessage(`{"_id":"a","v":1}`)},
		{ID: "b", Seq: 2, Doc: json.RawMessage(`{"_id":"b"}`)},
		{ID: "a", Seq: 3, Deleted: true},
		{ID: "c", Seq: 4, Deleted: true},
		{ID: "c", Seq: 5, Doc: json.RawMessage(`{"_id":"c"}`)},
	}
	docs, deleted := collapse(items)
	require.Equal(t, []string{"a"}, deleted)
	require.Len(t, docs, 2)
	require.JSONEq(t, `{"_id":"b"}`, string(docs[0]))
	require.JSONEq(t, `{"_id":"c"}`, string(docs[1]))
}

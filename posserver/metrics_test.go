package posserver

import (
	"context"
	"testing"

	"github.com/mobiletoly/go-possync/posmodel"
	"github.com/stretchr/testify/require"
)

func TestInstrument(t *testing.T) {
	ctx := context.Background()
	var timings []StoreTiming
	store := Instrument(NewMemoryStore(), StoreMetricsRecorderFunc(func(_ context.Context, tm StoreTiming) {
		timings = append(timings, tm)
	}))

	_, err := store.Put(ctx, "c1", posmodel.KindProduct, "p1", doc(t, map[string]any{"_id": "p1", "companyRef": "c1"}))
	require.NoError(t, err)
	page, err := store.Changes(ctx, "c1", posmodel.KindProduct, "", 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	deleted, err := store.Delete(ctx, "c1", posmodel.KindProduct, "missing")
	require.NoError(t, err)
	require.False(t, deleted)
	_, err = store.Put(ctx, "c1", posmodel.KindProduct, "p2", doc(t, map[string]any{"_id": "other"}))
	require.Error(t, err)

	require.Len(t, timings, 4)
	require.Equal(t, MetricsOpPut, timings[0].Operation)
	require.Equal(t, posmodel.KindProduct, timings[0].Kind)
	require.False(t, timings[0].Error)
	require.Equal(t, MetricsOpChanges, timings[1].Operation)
	require.Equal(t, 1, timings[1].Count)
	require.Equal(t, MetricsOpDelete, timings[2].Operation)
	require.Zero(t, timings[2].Count)
	require.True(t, timings[3].Error)
}

func TestInstrument_NilRecorder(t *testing.T) {
	s := NewMemoryStore()
	require.Same(t, DocumentStore(s), Instrument(s, nil))
}

package posmodel

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestKinds(t *testing.T) {
	for _, k := range AllKinds {
		got, err := ParseKind(string(k))
		require.NoError(t, err)
		require.Equal(t, k, got)
	}
	_, err := ParseKind("widgets")
	require.ErrorContains(t, err, `unknown entity kind "widgets"`)

	require.False(t, KindPrinter.Synced())
	for _, k := range SyncedKinds {
		require.True(t, k.Synced(), k)
	}
	require.Less(t, indexOf(SyncedKinds, KindCategory), indexOf(SyncedKinds, KindProduct))
}

func indexOf(kinds []Kind, k Kind) int {
	for i, v := range kinds {
		if v == k {
			return i
		}
	}
	return -1
}

func TestTimestamp(t *testing.T) {
	in := time.Date(2025, 3, 1, 9, 0, 0, 123456789, time.FixedZone("X", 3*3600))
	got := Timestamp(in)
	require.Equal(t, time.UTC, got.Location())
	require.Equal(t, 123000000, got.Nanosecond())
	require.True(t, got.Equal(in.Truncate(time.Millisecond)))
	require.True(t, Timestamp(time.Time{}).IsZero())
}

func TestOrderPaid(t *testing.T) {
	o := &Order{Payments: []Payment{
		{Method: "cash", Amount: decimal.RequireFromString("10.10")},
		{Method: "card", Amount: decimal.RequireFromString("0.20")},
	}}
	require.True(t, decimal.RequireFromString("10.30").Equal(o.Paid()))
	require.True(t, (&Order{}).Paid().IsZero())
	require.True(t, OrderExpired.Closed())
	require.False(t, OrderOpen.Closed())
	require.False(t, Source("other").Valid())
}

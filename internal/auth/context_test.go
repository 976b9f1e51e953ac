package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrincipalRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, ok := GetPrincipal(ctx)
	require.False(t, ok)
	_, ok = CompanyID(ctx)
	require.False(t, ok)

	ctx = SetPrincipal(ctx, Principal{UserID: "u1", DeviceID: "d1", CompanyID: "c1"})
	p, ok := GetPrincipal(ctx)
	require.True(t, ok)
	require.Equal(t, "d1", p.DeviceID)
	cid, ok := CompanyID(ctx)
	require.True(t, ok)
	require.Equal(t, "c1", cid)

	ctx = SetPrincipal(ctx, Principal{UserID: "u1", DeviceID: "d1"})
	_, ok = CompanyID(ctx)
	require.False(t, ok)
}

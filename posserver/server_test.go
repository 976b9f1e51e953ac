package posserver

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mobiletoly/go-possync/kvstate"
	"github.com/mobiletoly/go-possync/posapi"
	"github.com/mobiletoly/go-possync/posmodel"
	"github.com/mobiletoly/go-possync/posstore"
	"github.com/mobiletoly/go-possync/possync"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// TestServer represents a running test server instance
type TestServer struct {
	*ServerComponents
	HTTPServer *httptest.Server
	BackupDir  string
}

func newTestServer(t *testing.T) *TestServer {
	t.Helper()
	dir := t.TempDir()
	sc, err := SetupServer(context.Background(), &ServerConfig{
		JWTSecret: "test-secret",
		BackupDir: dir,
		Logger:    quietLogger(),
	})
	require.NoError(t, err)
	ts := &TestServer{ServerComponents: sc, HTTPServer: httptest.NewServer(sc.Handler), BackupDir: dir}
	t.Cleanup(func() {
		ts.HTTPServer.Close()
		ts.Close()
	})
	return ts
}

func (ts *TestServer) URL() string { return ts.HTTPServer.URL }

type device struct {
	client *posapi.Client
	store  *posstore.Store
	state  *kvstate.State
	engine *possync.Engine
}

func newDevice(t *testing.T, ts *TestServer, name, company string) *device {
	t.Helper()
	ctx := context.Background()

	resp, err := posapi.NewClient(ts.URL(), nil, nil).SignIn(ctx, posapi.SignInRequest{
		User: "cashier", Password: "any", Device: name, Company: company,
	})
	require.NoError(t, err)
	require.Equal(t, name, resp.Device)
	client := posapi.NewClient(ts.URL(), posapi.StaticToken(resp.Token), nil)

	store, err := posstore.Open(":memory:", posstore.WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	_, err = store.Migrate(ctx, posstore.Migrations())
	require.NoError(t, err)

	state, err := kvstate.Open(filepath.Join(t.TempDir(), name+".state"), time.Second)
	require.NoError(t, err)

	cfg := possync.DefaultConfig()
	cfg.PageLimit = 2
	engine := possync.NewEngine(store, client, state, posapi.Scope{CompanyRef: company, LocationRef: "l1"}, cfg,
		possync.WithLogger(quietLogger()))
	return &device{client: client, store: store, state: state, engine: engine}
}

func TestEndToEnd_PushThenPullOnAnotherDevice(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	a := newDevice(t, ts, "till-a", "c1")
	b := newDevice(t, ts, "till-b", "c1")

	repos := a.store.Repos()
	var catIDs []string
	for _, name := range []string{"Drinks", "Snacks", "Desserts"} {
		cat, err := repos.Categories.Save(ctx, &posmodel.Category{
			Meta:   posmodel.Meta{CompanyRef: "c1"},
			Name:   posmodel.LocalizedName{En: name},
			Status: posmodel.StatusActive,
		})
		require.NoError(t, err)
		require.NoError(t, a.engine.Dispatch(ctx, possync.EnqueueMutation{Kind: posmodel.KindCategory, Ref: cat.ID}))
		catIDs = append(catIDs, cat.ID)
	}
	order, err := repos.Orders.Save(ctx, &posmodel.Order{
		Meta:        posmodel.Meta{CompanyRef: "c1", LocationRef: "l1"},
		OrderNumber: "A-1",
		Items: []posmodel.OrderItem{{
			ProductRef: "p1", Name: posmodel.LocalizedName{En: "Tea"}, Quantity: 2,
			UnitPrice: decimal.RequireFromString("1.50"), Total: decimal.RequireFromString("3.00"),
		}},
		Total:  decimal.RequireFromString("3.00"),
		Status: posmodel.OrderCompleted,
	})
	require.NoError(t, err)
	require.NoError(t, a.engine.Dispatch(ctx, possync.EnqueueMutation{Kind: posmodel.KindOrder, Ref: order.ID}))

	res, err := a.engine.DrainOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, res.Delivered)
	n, err := repos.Queue.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	got, err := repos.Orders.FindByID(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, posmodel.SourceServer, got.Source)

	pull, err := b.engine.PullOnce(ctx, possync.TriggerStartup, nil)
	require.NoError(t, err)
	require.True(t, pull.OK())
	done, err := b.state.InitialSyncDone()
	require.NoError(t, err)
	require.True(t, done)

	cats, err := b.store.Repos().Categories.Find(ctx, posstore.Criteria{})
	require.NoError(t, err)
	require.Len(t, cats, 3)
	pulled, err := b.store.Repos().Orders.FindByID(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, posmodel.SourceServer, pulled.Source)
	require.True(t, pulled.Items[0].UnitPrice.Equal(decimal.RequireFromString("1.5")))

	// A local delete on one till reaches the other as a tombstone.
	require.NoError(t, repos.Categories.Delete(ctx, catIDs[0]))
	require.NoError(t, a.engine.Dispatch(ctx, possync.EnqueueMutation{
		Kind: posmodel.KindCategory, Ref: catIDs[0], Op: posstore.OpDelete,
	}))
	_, err = a.engine.DrainOnce(ctx)
	require.NoError(t, err)

	pull, err = b.engine.PullOnce(ctx, possync.TriggerNotification, []posmodel.Kind{posmodel.KindCategory})
	require.NoError(t, err)
	cr, ok := pull.Entity(posmodel.KindCategory)
	require.True(t, ok)
	require.Equal(t, 1, cr.Deleted)
	_, err = b.store.Repos().Categories.FindByID(ctx, catIDs[0])
	require.ErrorIs(t, err, posstore.ErrNotFound)
}

func TestEndToEnd_TenantsAreIsolated(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	a := newDevice(t, ts, "till-a", "c1")
	other := newDevice(t, ts, "till-x", "c2")

	cat, err := a.store.Repos().Categories.Save(ctx, &posmodel.Category{
		Meta: posmodel.Meta{CompanyRef: "c1"}, Name: posmodel.LocalizedName{En: "Drinks"}, Status: posmodel.StatusActive,
	})
	require.NoError(t, err)
	require.NoError(t, a.engine.Dispatch(ctx, possync.EnqueueMutation{Kind: posmodel.KindCategory, Ref: cat.ID}))
	_, err = a.engine.DrainOnce(ctx)
	require.NoError(t, err)

	_, err = other.engine.PullOnce(ctx, possync.TriggerStartup, nil)
	require.NoError(t, err)
	n, err := other.store.Repos().Categories.Count(ctx, posstore.Criteria{})
	require.NoError(t, err)
	require.Zero(t, n)

	// A document claiming another tenant is refused and stays queued.
	foreign, err := other.store.Repos().Categories.Save(ctx, &posmodel.Category{
		Meta: posmodel.Meta{CompanyRef: "c1"}, Name: posmodel.LocalizedName{En: "Spoof"}, Status: posmodel.StatusActive,
	})
	require.NoError(t, err)
	require.NoError(t, other.engine.Dispatch(ctx, possync.EnqueueMutation{Kind: posmodel.KindCategory, Ref: foreign.ID}))
	res, err := other.engine.DrainOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
}

func TestBackupUpload(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	d := newDevice(t, ts, "till-a", "c1")

	target, err := d.client.RequestBackupURL(ctx, posapi.BackupURLRequest{Name: "pos-1.db.gz", Size: 4})
	require.NoError(t, err)
	require.Equal(t, http.MethodPut, target.Method)

	require.NoError(t, d.client.UploadBackup(ctx, target, bytes.NewReader([]byte("blob")), 4))
	b, err := os.ReadFile(filepath.Join(ts.BackupDir, "till-a", "pos-1.db.gz"))
	require.NoError(t, err)
	require.Equal(t, "blob", string(b))

	_, err = d.client.RequestBackupURL(ctx, posapi.BackupURLRequest{Device: "till-b", Name: "x.gz"})
	var se *posapi.StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusForbidden, se.Code)

	forged := &posapi.UploadURLResponse{URL: ts.URL() + "/v1/backups/blobs/till-a/evil.gz?expires=9999999999&sig=00", Method: http.MethodPut}
	err = d.client.UploadBackup(ctx, forged, bytes.NewReader([]byte("x")), 1)
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusForbidden, se.Code)
}

func TestRoutes(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	d := newDevice(t, ts, "till-a", "c1")

	_, err := d.client.Fetch(ctx, posmodel.KindPrinter, posapi.Scope{}, 0, 10)
	var se *posapi.StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusNotFound, se.Code)

	_, err = d.client.Fetch(ctx, posmodel.KindCategory, posapi.Scope{}, 0, 5000)
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusBadRequest, se.Code)

	require.NoError(t, d.client.Delete(ctx, posmodel.KindCategory, "never-existed"))

	anon := posapi.NewClient(ts.URL(), posapi.StaticToken("nope"), nil)
	_, err = anon.Fetch(ctx, posmodel.KindCategory, posapi.Scope{}, 0, 10)
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusUnauthorized, se.Code)

	_, err = posapi.NewClient(ts.URL(), nil, nil).SignIn(ctx, posapi.SignInRequest{User: "u"})
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusBadRequest, se.Code)

	resp, err := http.Get(ts.URL() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

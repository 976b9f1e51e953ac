package posstore

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mobiletoly/go-possync/posmodel"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	s, err := Open(":memory:", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.Migrate(context.Background(), Migrations())
	require.NoError(t, err)
	return s
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func sampleMeta(id string, source posmodel.Source, at time.Time) posmodel.Meta {
	return posmodel.Meta{
		ID:          id,
		CompanyRef:  "co-1",
		LocationRef: "loc-1",
		Company:     posmodel.NameRef{Name: "Acme Coffee"},
		Location:    posmodel.NameRef{Name: "Main Street"},
		Source:      source,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

func sampleProduct(id string, source posmodel.Source, at time.Time) *posmodel.Product {
	return &posmodel.Product{
		Meta:        sampleMeta(id, source, at),
		Name:        posmodel.LocalizedName{En: "Flat white", Ar: "فلات وايت"},
		CategoryRef: "cat-1",
		Category:    posmodel.CategoryRef{Name: posmodel.LocalizedName{En: "Coffee"}},
		SKU:         "FW-01",
		Price:       dec("14.50"),
		TaxRate:     dec("0.15"),
		Sellable:    true,
		TrackStock:  false,
		Stock:       12,
		Status:      posmodel.StatusActive,
	}
}

func sampleOrder(id string, source posmodel.Source, at time.Time) *posmodel.Order {
	closed := at.Add(5 * time.Minute)
	return &posmodel.Order{
		Meta:        sampleMeta(id, source, at),
		OrderNumber: "A-0042",
		Customer:    &posmodel.CustomerRef{Name: "Layla", Phone: "+966500000000"},
		Items: []posmodel.OrderItem{
			{ProductRef: "p-1", Name: posmodel.LocalizedName{En: "Flat white"}, Quantity: 2, UnitPrice: dec("14.5"), Total: dec("29")},
		},
		Payments: []posmodel.Payment{{Method: "card", Amount: dec("33.35"), Reference: "txn-1"}},
		Subtotal: dec("29"),
		Discount: dec("0"),
		Tax:      dec("4.35"),
		Total:    dec("33.35"),
		Status:   posmodel.OrderCompleted,
		Refunded: false,
		ClosedAt: &closed,
	}
}

func TestOpen_FileDatabaseUsesWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pos.db")
	s, err := Open(path, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer s.Close()

	var mode string
	require.NoError(t, s.DB().QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	require.Equal(t, "wal", mode)
	require.Equal(t, path, s.Path())
}

func TestInTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	at := posmodel.Timestamp(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))

	boom := errors.New("boom")
	err := s.InTx(ctx, func(r *Repos) error {
		if _, err := r.Products.Upsert(ctx, sampleProduct("p-1", posmodel.SourceServer, at)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	n, err := s.Repos().Products.Count(ctx, Criteria{})
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestInTx_TakesWriteLockAtBegin(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pos.db")
	s, err := Open(path, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Migrate(ctx, Migrations())
	require.NoError(t, err)

	other, err := sql.Open("sqlite3", path+"?_busy_timeout=0")
	require.NoError(t, err)
	defer other.Close()

	err = s.InTx(ctx, func(r *Repos) error {
		// Read only: a deferred transaction would hold no write lock yet.
		if _, err := r.Orders.Count(ctx, Criteria{}); err != nil {
			return err
		}
		conn, err := other.Conn(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()
		_, err = conn.ExecContext(ctx, `BEGIN IMMEDIATE`)
		require.ErrorContains(t, err, "locked")
		return nil
	})
	require.NoError(t, err)
}

func TestDSN(t *testing.T) {
	require.Equal(t, ":memory:?_txlock=immediate", dsn(":memory:"))
	require.Equal(t, "pos.db?cache=private&_txlock=immediate", dsn("pos.db?cache=private"))
}

func TestSnapshot_WritesReadableCopy(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	at := posmodel.Timestamp(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	_, err := s.Repos().Products.Upsert(ctx, sampleProduct("p-1", posmodel.SourceServer, at))
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "snap.db")
	require.NoError(t, s.Snapshot(ctx, dst))

	copyStore, err := Open(dst, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer copyStore.Close()

	got, err := copyStore.Repos().Products.FindByID(ctx, "p-1")
	require.NoError(t, err)
	require.Equal(t, "FW-01", got.SKU)
}

func TestTableStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	at := posmodel.Timestamp(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	_, err := s.Repos().Orders.Upsert(ctx, sampleOrder("o-1", posmodel.SourceServer, at))
	require.NoError(t, err)

	stats, err := s.TableStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats["orders"])
	require.Equal(t, int64(0), stats["products"])
	require.Equal(t, int64(len(Migrations())), stats["_migrations"])
}

func TestDescribeTable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	info, err := DescribeTable(ctx, s.DB(), "products")
	require.NoError(t, err)
	require.NotNil(t, info.PrimaryKey)
	require.Equal(t, "_id", info.PrimaryKey.Name)
	require.True(t, info.PrimaryKey.NotNull)

	col, ok := info.Column("SELLABLE")
	require.True(t, ok)
	require.Equal(t, "INTEGER", col.DeclaredType)

	_, err = DescribeTable(ctx, s.DB(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRoundTrip_AllKinds(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	r := s.Repos()
	at := posmodel.Timestamp(time.Date(2025, 3, 1, 9, 30, 15, 123_000_000, time.UTC))

	t.Run("product", func(t *testing.T) {
		want := sampleProduct("p-1", posmodel.SourceServer, at)
		got, err := r.Products.Upsert(ctx, want)
		require.NoError(t, err)
		require.Empty(t, cmp.Diff(want, got))
	})

	t.Run("order", func(t *testing.T) {
		want := sampleOrder("o-1", posmodel.SourceLocal, at)
		want.ReceiptPrinted = true
		got, err := r.Orders.Upsert(ctx, want)
		require.NoError(t, err)
		require.Empty(t, cmp.Diff(want, got))
	})

	t.Run("order without customer", func(t *testing.T) {
		want := sampleOrder("o-2", posmodel.SourceLocal, at)
		want.Customer = nil
		want.ClosedAt = nil
		want.Status = posmodel.OrderOpen
		got, err := r.Orders.Upsert(ctx, want)
		require.NoError(t, err)
		require.Empty(t, cmp.Diff(want, got))
	})

	t.Run("order with nil lists and unnormalized times", func(t *testing.T) {
		raw := time.Date(2025, 3, 1, 9, 30, 15, 123_456_789, time.FixedZone("AST", 3*3600))
		closed := raw.Add(time.Minute)
		want := sampleOrder("o-3", posmodel.SourceLocal, raw)
		want.Items = nil
		want.Payments = nil
		want.ClosedAt = &closed

		got, err := r.Orders.Upsert(ctx, want)
		require.NoError(t, err)
		require.Empty(t, cmp.Diff(want, got))

		require.NotNil(t, want.Items)
		require.Empty(t, got.Items)
		require.NotNil(t, want.Payments)
		require.Equal(t, time.UTC, want.CreatedAt.Location())
		require.Equal(t, 123_000_000, got.CreatedAt.Nanosecond())
		require.True(t, got.UpdatedAt.Equal(raw.Truncate(time.Millisecond)))
		require.True(t, got.ClosedAt.Equal(closed.Truncate(time.Millisecond)))
	})

	t.Run("category", func(t *testing.T) {
		want := &posmodel.Category{
			Meta:      sampleMeta("c-1", posmodel.SourceServer, at),
			Name:      posmodel.LocalizedName{En: "Coffee", Ar: "قهوة"},
			SortOrder: 3,
			Status:    posmodel.StatusActive,
		}
		got, err := r.Categories.Upsert(ctx, want)
		require.NoError(t, err)
		require.Empty(t, cmp.Diff(want, got))
	})

	t.Run("customer", func(t *testing.T) {
		want := &posmodel.Customer{
			Meta:        sampleMeta("cu-1", posmodel.SourceLocal, at),
			Name:        "Layla",
			Phone:       "+966500000000",
			TotalSpent:  dec("1024.75"),
			TotalOrders: 31,
			AllowCredit: true,
			Status:      posmodel.StatusActive,
		}
		got, err := r.Customers.Upsert(ctx, want)
		require.NoError(t, err)
		require.Empty(t, cmp.Diff(want, got))
	})

	t.Run("printer", func(t *testing.T) {
		want := &posmodel.Printer{
			Meta:        sampleMeta("pr-1", posmodel.SourceLocal, at),
			Name:        "Front counter",
			PrinterKind: posmodel.PrinterReceipt,
			Address:     "192.168.1.40",
			Port:        9100,
			PaperWidth:  80,
			IsDefault:   true,
			Enabled:     true,
			Status:      posmodel.StatusActive,
		}
		got, err := r.Printers.Upsert(ctx, want)
		require.NoError(t, err)
		require.Empty(t, cmp.Diff(want, got))
	})
}

func TestDecode_CorruptValuesAreRejected(t *testing.T) {
	at := posmodel.Timestamp(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))

	tests := []struct {
		name   string
		table  string
		id     string
		update string
		column string
	}{
		{"boolean outside 0/1", "products", "p-1", `UPDATE products SET sellable = 2`, "sellable"},
		{"boolean stored as text", "products", "p-1", `UPDATE products SET trackStock = 'yes'`, "trackStock"},
		{"malformed JSON", "products", "p-1", `UPDATE products SET name = 'not json'`, "name"},
		{"JSON of wrong shape", "products", "p-1", `UPDATE products SET category = '[1,2]'`, "category"},
		{"JSON null in required column", "orders", "o-1", `UPDATE orders SET items = 'null'`, "items"},
		{"unparseable decimal", "orders", "o-1", `UPDATE orders SET total = 'ten'`, "total"},
		{"unknown source", "orders", "o-1", `UPDATE orders SET source = 'elsewhere'`, "source"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := newTestStore(t)
			r := s.Repos()
			_, err := r.Products.Upsert(ctx, sampleProduct("p-1", posmodel.SourceServer, at))
			require.NoError(t, err)
			_, err = r.Orders.Upsert(ctx, sampleOrder("o-1", posmodel.SourceServer, at))
			require.NoError(t, err)

			// The CHECK constraint guards source on write; drop it for the test.
			if tt.column == "source" {
				_, err = s.DB().Exec(`PRAGMA ignore_check_constraints = ON`)
				require.NoError(t, err)
			}
			_, err = s.DB().Exec(tt.update)
			require.NoError(t, err)

			var findErr error
			if tt.table == "products" {
				_, findErr = r.Products.FindByID(ctx, tt.id)
			} else {
				_, findErr = r.Orders.FindByID(ctx, tt.id)
			}
			require.ErrorIs(t, findErr, ErrCorruptRecord)

			var cre *CorruptRecordError
			require.ErrorAs(t, findErr, &cre)
			require.Equal(t, tt.table, cre.Table)
			require.Equal(t, tt.id, cre.ID)
			require.Equal(t, tt.column, cre.Column)
		})
	}
}

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "orders.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func day(s string) time.Time {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "orders.db")

	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.CreateCustomer(context.Background(), "Ana Pérez")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	customers, err := s.ListCustomers(context.Background())
	require.NoError(t, err)
	require.Len(t, customers, 1)
	assert.Equal(t, "Ana Pérez", customers[0].Name)
}

func TestCustomers(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	created, err := s.CreateCustomer(ctx, "  José García ")
	require.NoError(t, err)
	assert.Equal(t, "José García", created.Name)
	assert.NotZero(t, created.ID)

	_, err = s.CreateCustomer(ctx, "   ")
	assert.Error(t, err)

	found, err := s.FindCustomerByName(ctx, "José García")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, created.ID, found.ID)

	missing, err := s.FindCustomerByName(ctx, "Nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, s.UpdateCustomerContact(ctx, created.ID, "jose@example.com", "600", "Calle 1"))
	got, err := s.GetCustomer(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "jose@example.com", got.Email)
	assert.Equal(t, "José García", got.Name)

	_, err = s.GetCustomer(ctx, 999)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(s.UpdateCustomerContact(ctx, 999, "", "", ""), ErrNotFound))
}

func TestCreateOrderRejectsDuplicateExternalID(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	c, err := s.CreateCustomer(ctx, "Ana")
	require.NoError(t, err)

	n := NewOrder{
		CustomerID:  c.ID,
		OrderDate:   day("2025-03-14"),
		ProductText: "Relax Oil",
		Total:       decimal.RequireFromString("29.90"),
		ExternalID:  "R-1001",
	}
	first, err := s.CreateOrder(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, SyncUnsynced, first.SyncState)

	_, err = s.CreateOrder(ctx, n)
	assert.True(t, errors.Is(err, ErrDuplicateExternalID))

	// Orders without an external id never collide on it.
	n.ExternalID = ""
	_, err = s.CreateOrder(ctx, n)
	require.NoError(t, err)
	_, err = s.CreateOrder(ctx, n)
	require.NoError(t, err)
}

func TestFindOrderByExternalID(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	c, err := s.CreateCustomer(ctx, "Ana")
	require.NoError(t, err)
	created, err := s.CreateOrder(ctx, NewOrder{CustomerID: c.ID, OrderDate: day("2025-03-14"), ExternalID: "X-1"})
	require.NoError(t, err)

	found, err := s.FindOrderByExternalID(ctx, "X-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, created.ID, found.ID)
	assert.Equal(t, day("2025-03-14"), found.OrderDate)

	for _, id := range []string{"", "X-2"} {
		found, err := s.FindOrderByExternalID(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, found, "id %q", id)
	}
}

func TestFindOrderByFingerprint(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	c, err := s.CreateCustomer(ctx, "Ana")
	require.NoError(t, err)
	other, err := s.CreateCustomer(ctx, "Luis")
	require.NoError(t, err)

	_, err = s.CreateOrder(ctx, NewOrder{
		CustomerID:  c.ID,
		OrderDate:   day("2025-03-14"),
		ProductText: "Relax Oil",
		Total:       decimal.RequireFromString("29.90"),
	})
	require.NoError(t, err)

	tests := []struct {
		name       string
		customerID int64
		date       string
		product    string
		total      string
		wantFound  bool
	}{
		{"same", c.ID, "2025-03-14", "Relax Oil", "29.90", true},
		{"half a cent off", c.ID, "2025-03-14", "Relax Oil", "29.905", true},
		{"half a cent under", c.ID, "2025-03-14", "Relax Oil", "29.895", true},
		{"exactly one cent off", c.ID, "2025-03-14", "Relax Oil", "29.91", false},
		{"two cents off", c.ID, "2025-03-14", "Relax Oil", "29.92", false},
		{"other date", c.ID, "2025-03-15", "Relax Oil", "29.90", false},
		{"other products", c.ID, "2025-03-14", "Relax Oil, Cream", "29.90", false},
		{"other customer", other.ID, "2025-03-14", "Relax Oil", "29.90", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			found, err := s.FindOrderByFingerprint(ctx, tt.customerID, day(tt.date), tt.product,
				decimal.RequireFromString(tt.total), 0.01)
			require.NoError(t, err)
			assert.Equal(t, tt.wantFound, found != nil)
		})
	}
}

func TestSyncStateTransitions(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	c, err := s.CreateCustomer(ctx, "Ana")
	require.NoError(t, err)
	o, err := s.CreateOrder(ctx, NewOrder{CustomerID: c.ID, OrderDate: day("2025-03-14"), ProductText: "Oil"})
	require.NoError(t, err)

	require.NoError(t, s.RecordSyncFailure(ctx, o.ID, "connection refused"))
	require.NoError(t, s.RecordSyncFailure(ctx, o.ID, "timeout"))

	pending, err := s.ListUnsyncedOrders(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].SyncAttempts)
	assert.Equal(t, "timeout", pending[0].LastSyncError)
	assert.Equal(t, "Ana", pending[0].Customer.Name)

	assert.Error(t, s.MarkSynced(ctx, o.ID, " "))
	require.NoError(t, s.MarkSynced(ctx, o.ID, "a01"))
	assert.True(t, errors.Is(s.MarkSynced(ctx, o.ID, "a02"), ErrAlreadySynced))
	assert.True(t, errors.Is(s.MarkSynced(ctx, 999, "a03"), ErrNotFound))
	assert.True(t, errors.Is(s.RecordSyncFailure(ctx, o.ID, "late"), ErrNotFound))

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, got.Synced())
	assert.Equal(t, "a01", got.RemoteID)
	assert.Empty(t, got.LastSyncError)
	require.NotNil(t, got.SyncedAt)

	pending, err = s.ListUnsyncedOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Customers: 1, Orders: 1, Unsynced: 0}, stats)
}

func TestListOrdersFilter(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	c, err := s.CreateCustomer(ctx, "Ana")
	require.NoError(t, err)

	var ids []int64
	for _, d := range []string{"2025-01-01", "2025-02-01", "2025-03-01"} {
		o, err := s.CreateOrder(ctx, NewOrder{CustomerID: c.ID, OrderDate: day(d)})
		require.NoError(t, err)
		ids = append(ids, o.ID)
	}
	require.NoError(t, s.MarkSynced(ctx, ids[0], "r1"))

	all, err := s.ListOrders(ctx, OrderFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].ID)

	synced, err := s.ListOrders(ctx, OrderFilter{State: SyncSynced})
	require.NoError(t, err)
	require.Len(t, synced, 1)
	assert.Equal(t, ids[0], synced[0].ID)

	limited, err := s.ListOrders(ctx, OrderFilter{State: SyncUnsynced, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestFollowUpDue(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	c, err := s.CreateCustomer(ctx, "Ana")
	require.NoError(t, err)

	old, err := s.CreateOrder(ctx, NewOrder{CustomerID: c.ID, OrderDate: day("2025-03-01")})
	require.NoError(t, err)
	_, err = s.CreateOrder(ctx, NewOrder{CustomerID: c.ID, OrderDate: day("2025-03-10")})
	require.NoError(t, err)

	due, err := s.ListFollowUpDue(ctx, day("2025-03-08"))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, old.ID, due[0].ID)

	require.NoError(t, s.MarkFollowUpNotified(ctx, old.ID))
	due, err = s.ListFollowUpDue(ctx, day("2025-03-08"))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestUpdateOrderSummaries(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	c, err := s.CreateCustomer(ctx, "Ana")
	require.NoError(t, err)
	o, err := s.CreateOrder(ctx, NewOrder{CustomerID: c.ID, OrderDate: day("2025-03-01"), ProductText: "Oil, Sample"})
	require.NoError(t, err)

	require.NoError(t, s.UpdateOrderSummaries(ctx, o.ID, "Oil", "Sample"))
	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "Oil", got.ProductText)
	assert.Equal(t, "Sample", got.GiftText)

	assert.True(t, errors.Is(s.UpdateOrderSummaries(ctx, 999, "", ""), ErrNotFound))
}

func TestProcessedMessages(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	seen, err := s.IsMessageProcessed(ctx, "<a@b>")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, s.MarkMessageProcessed(ctx, "<a@b>"))
	require.NoError(t, s.MarkMessageProcessed(ctx, "<a@b>"))
	require.NoError(t, s.MarkMessageProcessed(ctx, ""))

	seen, err = s.IsMessageProcessed(ctx, "<a@b>")
	require.NoError(t, err)
	assert.True(t, seen)

	n, err := s.ClearProcessedMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

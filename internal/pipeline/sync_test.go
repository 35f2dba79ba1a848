package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderbridge/orderbridge/internal/store"
)

func TestContactKey(t *testing.T) {
	c := NewCoordinator(newFakeCRM(), nil, SyncOptions{})

	tests := []struct {
		name     string
		customer store.Customer
		want     string
	}{
		{"real email", store.Customer{Name: "Ana", Email: " Ana@Example.COM "}, "ana@example.com"},
		{"placeholder from normalized name", store.Customer{Name: "Pérez López, Ana"}, "ana-lopez-perez@fake.local"},
		{"invalid email ignored", store.Customer{Name: "José García", Email: "n/a"}, "garcia-jose@fake.local"},
		{"nothing usable", store.Customer{ID: 42, Name: "!!!"}, "cliente-42@fake.local"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.ContactKey(tt.customer))
		})
	}
}

func TestOrderKey(t *testing.T) {
	assert.Equal(t, "RG-1", OrderKey(store.Order{ID: 7, ExternalID: "RG-1"}))
	assert.Equal(t, "MANUAL-7", OrderKey(store.Order{ID: 7}))
}

func seedOrder(t *testing.T, s *store.Store, name, externalID string) store.Order {
	t.Helper()
	ctx := context.Background()
	c, err := s.CreateCustomer(ctx, name)
	require.NoError(t, err)
	o, err := s.CreateOrder(ctx, store.NewOrder{
		CustomerID:  c.ID,
		OrderDate:   day("2025-03-10"),
		ProductText: "Relax Oil",
		GiftText:    "Relax Sample",
		Total:       decimal.RequireFromString("34.80"),
		ExternalID:  externalID,
	})
	require.NoError(t, err)
	return o
}

func TestSyncPendingRetriesUntilSynced(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	fake := newFakeCRM()
	c := NewCoordinator(fake, s, SyncOptions{})

	o := seedOrder(t, s, "Ana Pérez", "RG-1001")

	fake.contactErr = errUnavailable
	report, err := c.SyncPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncReport{Attempted: 1, Failed: 1, Failures: report.Failures}, report)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "RG-1001", report.Failures[0].Key)

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SyncUnsynced, got.SyncState)
	assert.Empty(t, got.RemoteID)
	assert.Equal(t, 1, got.SyncAttempts)
	assert.Contains(t, got.LastSyncError, "service unavailable")

	fake.contactErr = nil
	report, err = c.SyncPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Synced)

	got, err = s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SyncSynced, got.SyncState)
	assert.Equal(t, "a0X-RG-1001", got.RemoteID)

	sent := fake.orders["RG-1001"]
	assert.Equal(t, "003-ana-perez@fake.local", sent.ContactID)
	assert.Equal(t, "Relax Sample", sent.GiftText)
	assert.True(t, decimal.RequireFromString("34.80").Equal(sent.Total))

	// Synced orders are never attempted again.
	calls := fake.orderCalls
	report, err = c.SyncPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Attempted)
	assert.Equal(t, calls, fake.orderCalls)
}

func TestSyncOrderMissingIDs(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		setup   func(*fakeCRM)
		wantErr error
		orders  int
	}{
		{"no contact id", func(f *fakeCRM) { f.emptyContact = true }, ErrNoContactID, 0},
		{"no order id", func(f *fakeCRM) { f.emptyOrder = true }, ErrNoOrderID, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openStore(t)
			fake := newFakeCRM()
			tt.setup(fake)
			c := NewCoordinator(fake, s, SyncOptions{})

			o := seedOrder(t, s, "Ana", "")
			full, err := s.GetOrder(ctx, o.ID)
			require.NoError(t, err)

			_, err = c.SyncOrder(ctx, full)
			assert.True(t, errors.Is(err, tt.wantErr))
			assert.Equal(t, tt.orders, fake.orderCalls)

			got, err := s.GetOrder(ctx, o.ID)
			require.NoError(t, err)
			assert.False(t, got.Synced())
			assert.Equal(t, 1, got.SyncAttempts)
		})
	}
}

func TestSyncOrderUsesManualKey(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	fake := newFakeCRM()
	c := NewCoordinator(fake, s, SyncOptions{PlaceholderDomain: "example.invalid"})

	o := seedOrder(t, s, "Ana", "")
	full, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)

	remoteID, err := c.SyncOrder(ctx, full)
	require.NoError(t, err)
	assert.Equal(t, "a0X-"+OrderKey(o), remoteID)
	assert.Contains(t, fake.contacts, "ana@example.invalid")

	// A stale copy of an already synced order returns the stored id without calling out.
	synced, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	calls := fake.contactCalls
	again, err := c.SyncOrder(ctx, synced)
	require.NoError(t, err)
	assert.Equal(t, remoteID, again)
	assert.Equal(t, calls, fake.contactCalls)
}

func TestSyncOrderContactEmail(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		email     string
		wantEmail string
	}{
		{"valid email is lowercased", " Ana@Example.COM ", "ana@example.com"},
		{"invalid email falls back to placeholder", "n/a", "ana@example.invalid"},
		{"missing email falls back to placeholder", "", "ana@example.invalid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openStore(t)
			fake := newFakeCRM()
			c := NewCoordinator(fake, s, SyncOptions{PlaceholderDomain: "example.invalid"})

			o := seedOrder(t, s, "Ana", "")
			require.NoError(t, s.UpdateCustomerContact(ctx, o.CustomerID, tt.email, "", ""))
			full, err := s.GetOrder(ctx, o.ID)
			require.NoError(t, err)

			_, err = c.SyncOrder(ctx, full)
			require.NoError(t, err)

			require.Contains(t, fake.contacts, tt.wantEmail)
			assert.Equal(t, tt.wantEmail, fake.contacts[tt.wantEmail].Email)
		})
	}
}

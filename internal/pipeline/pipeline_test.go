package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderbridge/orderbridge/internal/inbox"
	"github.com/orderbridge/orderbridge/internal/store"
)

const orderBody = `Fecha: 10.03.2025

Pedido RG-1001
Dirección de facturación: Ana Pérez López
R123 Relax Oil EUR 29,90
R124 Relax Sample EUR 0,00
Importe incl. IVA EUR 29,90

Pedido RG-1002
Dirección de facturación: José García
R200 Fresh Serum EUR 45,00
R201 Welcome Gift EUR -5,00
Importe incl. IVA EUR 1.234,56
`

const noHeaderBody = `Fecha: 12.03.2025
Dirección de facturación: Marta Ruiz
R300 Body Lotion EUR 19,50
Importe incl. IVA EUR 19,50
`

func newPipeline(t *testing.T, s *store.Store, client *fakeCRM) *Pipeline {
	t.Helper()
	var c *Coordinator
	if client != nil {
		c = NewCoordinator(client, s, SyncOptions{})
	}
	return New(s, fixedParser(), c, Options{SyncOnIngest: client != nil})
}

func TestProcessBodyIsIdempotent(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		body     string
		wantNew  int
		wantDups int
	}{
		{"deduplicated by external id", orderBody, 2, 2},
		{"deduplicated by fingerprint", noHeaderBody, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openStore(t)
			p := newPipeline(t, s, nil)

			first, err := p.ProcessBody(ctx, tt.body, "")
			require.NoError(t, err)
			assert.Equal(t, tt.wantNew, first.Created)
			assert.Zero(t, first.Duplicates)

			second, err := p.ProcessBody(ctx, tt.body, "")
			require.NoError(t, err)
			assert.Zero(t, second.Created)
			assert.Equal(t, tt.wantDups, second.Duplicates)
			assert.Zero(t, second.CustomersCreated)

			orders, err := s.ListOrders(ctx, store.OrderFilter{})
			require.NoError(t, err)
			assert.Len(t, orders, tt.wantNew)
		})
	}
}

func TestProcessBodyStoresParsedFields(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	p := newPipeline(t, s, nil)

	report, err := p.ProcessBody(ctx, orderBody, "")
	require.NoError(t, err)
	require.Len(t, report.OrderIDs, 2)
	assert.Equal(t, 2, report.CustomersCreated)

	first, err := s.GetOrder(ctx, report.OrderIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "RG-1001", first.ExternalID)
	assert.Equal(t, "Ana Pérez López", first.Customer.Name)
	assert.Equal(t, "Relax Oil", first.ProductText)
	assert.Equal(t, "Relax Sample", first.GiftText)
	assert.Equal(t, day("2025-03-10"), first.OrderDate)
	assert.Equal(t, store.SyncUnsynced, first.SyncState)

	second, err := s.GetOrder(ctx, report.OrderIDs[1])
	require.NoError(t, err)
	assert.Equal(t, "Fresh Serum", second.ProductText)
	assert.Equal(t, "Welcome Gift", second.GiftText)
	assert.True(t, decimal.RequireFromString("1234.56").Equal(second.Total))
}

func TestProcessBodyResolvesVariantNames(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	existing, err := s.CreateCustomer(ctx, "Ana Pérez López")
	require.NoError(t, err)

	p := newPipeline(t, s, nil)
	body := `Pedido RG-7
Dirección de facturación: ANA PEREZ LOPEZ
R123 Relax Oil EUR 29,90
`
	report, err := p.ProcessBody(ctx, body, "")
	require.NoError(t, err)
	assert.Zero(t, report.CustomersCreated)

	got, err := s.GetOrder(ctx, report.OrderIDs[0])
	require.NoError(t, err)
	assert.Equal(t, existing.ID, got.CustomerID)
}

func TestProcessBodyDropsBlockWithoutCustomer(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	p := newPipeline(t, s, nil)

	body := `Pedido RG-9
Cliente desconocido
R123 Relax Oil EUR 29,90
Importe incl. IVA EUR 29,90
`
	report, err := p.ProcessBody(ctx, body, "")
	require.NoError(t, err)
	assert.Zero(t, report.Blocks)
	assert.Zero(t, report.Created)

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Orders)
	assert.Zero(t, stats.Customers)
}

func TestProcessBodyFingerprintUsesUnroundedTotal(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	p := newPipeline(t, s, nil)

	body := func(total string) string {
		return "Fecha: 12.03.2025\nDirección de facturación: Marta Ruiz\n" +
			"R300 Body Lotion EUR " + total + "\nImporte incl. IVA EUR " + total + "\n"
	}

	first, err := p.ProcessBody(ctx, body("0,57"), "")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Created)

	second, err := p.ProcessBody(ctx, body("0,575"), "")
	require.NoError(t, err)
	assert.Zero(t, second.Created)
	assert.Equal(t, 1, second.Duplicates)

	third, err := p.ProcessBody(ctx, body("0,58"), "")
	require.NoError(t, err)
	assert.Equal(t, 1, third.Created, "a full cent apart is a different order")
}

func TestProcessBodyDropsNameWithoutKey(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	p := newPipeline(t, s, nil)

	body := "Fecha: 12.03.2025\nDirección de facturación: ...\nR300 Body Lotion EUR 19,50\n"
	for i := 0; i < 2; i++ {
		report, err := p.ProcessBody(ctx, body, "")
		require.NoError(t, err)
		assert.Zero(t, report.Created)
		assert.Zero(t, report.CustomersCreated)
	}
}

func TestProcessBodySyncsOnIngest(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	fake := newFakeCRM()
	p := newPipeline(t, s, fake)

	fake.contactErr = errUnavailable
	report, err := p.ProcessBody(ctx, orderBody, "")
	require.NoError(t, err, "sync failures never fail ingestion")
	assert.Equal(t, 2, report.Created)
	assert.Equal(t, 2, report.SyncFailed)

	fake.contactErr = nil
	syncReport, err := p.Coordinator().SyncPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, syncReport.Synced)
	assert.Contains(t, fake.orders, "RG-1001")
	assert.Contains(t, fake.orders, "RG-1002")
}

func TestCreateManualOrder(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	fake := newFakeCRM()
	p := newPipeline(t, s, fake)

	o, err := p.CreateManualOrder(ctx, "Lucía Fernández", day("2025-04-01"), "Relax Oil", "",
		decimal.RequireFromString("29.90"), decimal.RequireFromString("12.5"))
	require.NoError(t, err)
	assert.Empty(t, o.ExternalID)

	_, err = p.Coordinator().SyncPending(ctx)
	require.NoError(t, err)
	sent, ok := fake.orders[OrderKey(o)]
	require.True(t, ok)
	assert.True(t, decimal.RequireFromString("12.5").Equal(sent.Points))
}

// fakeMailbox serves a fixed set of messages and tracks what was marked seen.
type fakeMailbox struct {
	emails     []inbox.Email
	seen       map[uint32]bool
	connectErr error
	connects   int
}

func (m *fakeMailbox) Connect(ctx context.Context) error {
	m.connects++
	return m.connectErr
}

func (m *fakeMailbox) FetchUnread(ctx context.Context) ([]inbox.Email, error) {
	var unread []inbox.Email
	for _, e := range m.emails {
		if !m.seen[e.UID] {
			unread = append(unread, e)
		}
	}
	return unread, nil
}

func (m *fakeMailbox) MarkSeen(ctx context.Context, uid uint32) error {
	if m.seen == nil {
		m.seen = map[uint32]bool{}
	}
	m.seen[uid] = true
	return nil
}

func (m *fakeMailbox) Disconnect() error { return nil }

func TestSweep(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	p := newPipeline(t, s, nil)

	mb := &fakeMailbox{emails: []inbox.Email{
		{UID: 1, MessageID: "<1@shop>", Subject: "Nuevo pedido", Body: orderBody},
		{UID: 2, MessageID: "<2@shop>", Subject: "Newsletter", Body: "Novedades de primavera"},
		{UID: 3, MessageID: "<3@shop>", Subject: "Fwd: Pedido", Body: orderBody},
	}}

	report, err := p.Sweep(ctx, mb)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Messages)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Ignored)
	assert.Equal(t, 2, report.Ingest.Created)
	assert.Equal(t, 2, report.Ingest.Duplicates)
	assert.Len(t, mb.seen, 3)

	processed, err := s.IsMessageProcessed(ctx, "<1@shop>")
	require.NoError(t, err)
	assert.True(t, processed)

	// The same message delivered again unread is skipped by the ledger.
	mb.emails = append(mb.emails, inbox.Email{UID: 4, MessageID: "<1@shop>", Subject: "Pedido", Body: orderBody})
	report, err = p.Sweep(ctx, mb)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Messages)
	assert.Equal(t, 1, report.AlreadyProcessed)
	assert.Zero(t, report.Ingest.Blocks)
}

func TestSweepAbortsWhenMailboxUnavailable(t *testing.T) {
	s := openStore(t)
	p := newPipeline(t, s, nil)

	mb := &fakeMailbox{connectErr: errors.New("authentication failed")}
	_, err := p.Sweep(context.Background(), mb)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication failed")
}

// failingStore fails order creation so a message must stay unread.
type failingStore struct {
	*store.Store
}

func (f failingStore) CreateOrder(ctx context.Context, n store.NewOrder) (store.Order, error) {
	return store.Order{}, errors.New("disk full")
}

func TestSweepLeavesMessageUnreadOnStoreError(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	p := New(failingStore{s}, fixedParser(), nil, Options{})

	mb := &fakeMailbox{emails: []inbox.Email{
		{UID: 9, MessageID: "<9@shop>", Subject: "Pedido", Body: orderBody},
	}}

	report, err := p.Sweep(ctx, mb)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.False(t, mb.seen[9])

	processed, err := s.IsMessageProcessed(ctx, "<9@shop>")
	require.NoError(t, err)
	assert.False(t, processed)
}

package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orderbridge/orderbridge/internal/crm"
	"github.com/orderbridge/orderbridge/internal/extract"
	"github.com/orderbridge/orderbridge/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "orders.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func fixedParser() *extract.Parser {
	p := extract.NewParser()
	p.Now = func() time.Time { return time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC) }
	return p
}

func day(s string) time.Time {
	t, err := time.Parse(store.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

var errUnavailable = errors.New("service unavailable")

// fakeCRM records upserts keyed by external key like the real service.
type fakeCRM struct {
	contacts map[string]crm.Contact
	orders   map[string]crm.OrderRecord

	contactErr   error
	emptyContact bool
	emptyOrder   bool
	contactCalls int
	orderCalls   int
}

func newFakeCRM() *fakeCRM {
	return &fakeCRM{contacts: map[string]crm.Contact{}, orders: map[string]crm.OrderRecord{}}
}

func (f *fakeCRM) UpsertContact(ctx context.Context, c crm.Contact) (string, error) {
	f.contactCalls++
	if f.contactErr != nil {
		return "", f.contactErr
	}
	if f.emptyContact {
		return "", nil
	}
	f.contacts[c.ExternalKey] = c
	return "003-" + c.ExternalKey, nil
}

func (f *fakeCRM) UpsertOrder(ctx context.Context, o crm.OrderRecord) (string, error) {
	f.orderCalls++
	if f.emptyOrder {
		return "", nil
	}
	f.orders[o.ExternalKey] = o
	return "a0X-" + o.ExternalKey, nil
}

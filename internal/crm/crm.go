// Package crm talks to the remote CRM that mirrors customers and orders.
package crm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a lookup by external key matches no remote record.
var ErrNotFound = errors.New("remote record not found")

// Contact is the contact-equivalent upsert request.
type Contact struct {
	Name  string
	Email string
	Phone string
	// ExternalKey is the idempotence key of the upsert: the real or placeholder email.
	ExternalKey string
}

// OrderRecord is the order upsert request.
type OrderRecord struct {
	ContactID   string
	Date        time.Time
	Total       decimal.Decimal
	Points      decimal.Decimal
	ProductText string
	GiftText    string
	// ExternalKey is the vendor order id or MANUAL-<local id>.
	ExternalKey string
}

// Client is the remote CRM collaborator. Both calls are idempotent upserts keyed by
// ExternalKey and return the remote identifier, or "" when none could be determined.
type Client interface {
	UpsertContact(ctx context.Context, c Contact) (string, error)
	UpsertOrder(ctx context.Context, o OrderRecord) (string, error)
}

// SplitName splits a display name into first and last name. A single word gets the
// last name "Cliente" because the CRM requires one.
func SplitName(name string) (first, last string) {
	parts := strings.Fields(name)
	switch len(parts) {
	case 0:
		return "SinNombre", "Cliente"
	case 1:
		return parts[0], "Cliente"
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}

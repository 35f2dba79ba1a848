package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/orderbridge/orderbridge/internal/crm"
	"github.com/orderbridge/orderbridge/internal/names"
	"github.com/orderbridge/orderbridge/internal/store"
)

var (
	// ErrNoContactID is returned when the contact upsert yields no remote id.
	ErrNoContactID = errors.New("crm returned no contact id")
	// ErrNoOrderID is returned when the order upsert yields no remote id.
	ErrNoOrderID = errors.New("crm returned no order id")
)

// DefaultPlaceholderDomain is the domain of synthetic contact keys.
const DefaultPlaceholderDomain = "fake.local"

// SyncStore is the store side used by the coordinator.
type SyncStore interface {
	ListUnsyncedOrders(ctx context.Context) ([]store.OrderWithCustomer, error)
	MarkSynced(ctx context.Context, orderID int64, remoteID string) error
	RecordSyncFailure(ctx context.Context, orderID int64, cause string) error
}

type SyncOptions struct {
	// PlaceholderDomain builds contact keys for customers without an email.
	PlaceholderDomain string
}

// Coordinator pushes unsynced orders to the CRM and records the outcome.
type Coordinator struct {
	client crm.Client
	store  SyncStore
	opts   SyncOptions
}

func NewCoordinator(client crm.Client, s SyncStore, opts SyncOptions) *Coordinator {
	if opts.PlaceholderDomain == "" {
		opts.PlaceholderDomain = DefaultPlaceholderDomain
	}
	return &Coordinator{client: client, store: s, opts: opts}
}

// ContactKey is the customer's email, lowercased, or a placeholder address derived
// from the normalized name.
func (c *Coordinator) ContactKey(customer store.Customer) string {
	if email := strings.ToLower(strings.TrimSpace(customer.Email)); strings.Contains(email, "@") {
		return email
	}
	slug := names.Slug(names.Normalize(customer.Name))
	if slug == "" {
		slug = "cliente-" + strconv.FormatInt(customer.ID, 10)
	}
	return slug + "@" + c.opts.PlaceholderDomain
}

// OrderKey is the vendor order id, or MANUAL-<local id> when there is none.
func OrderKey(o store.Order) string {
	if o.ExternalID != "" {
		return o.ExternalID
	}
	return "MANUAL-" + strconv.FormatInt(o.ID, 10)
}

// SyncOrder upserts the contact and then the order. On success the order becomes
// synced; on failure the attempt is recorded and the order stays unsynced.
func (c *Coordinator) SyncOrder(ctx context.Context, o store.OrderWithCustomer) (string, error) {
	if o.Synced() {
		return o.RemoteID, nil
	}

	remoteID, err := c.push(ctx, o)
	if err != nil {
		if recErr := c.store.RecordSyncFailure(ctx, o.ID, err.Error()); recErr != nil {
			zap.L().Warn("failed to record sync failure", zap.Int64("order_id", o.ID), zap.Error(recErr))
		}
		return "", err
	}

	if err := c.store.MarkSynced(ctx, o.ID, remoteID); err != nil {
		if errors.Is(err, store.ErrAlreadySynced) {
			zap.L().Warn("order was synced concurrently", zap.Int64("order_id", o.ID))
			return remoteID, nil
		}
		return "", fmt.Errorf("failed to store remote id: %w", err)
	}

	zap.L().Info("order synced",
		zap.Int64("order_id", o.ID),
		zap.String("order_key", OrderKey(o.Order)),
		zap.String("remote_id", remoteID))
	return remoteID, nil
}

func (c *Coordinator) push(ctx context.Context, o store.OrderWithCustomer) (string, error) {
	key := c.ContactKey(o.Customer)
	contactID, err := c.client.UpsertContact(ctx, crm.Contact{
		Name:        o.Customer.Name,
		Email:       key,
		Phone:       o.Customer.Phone,
		ExternalKey: key,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upsert contact: %w", err)
	}
	if contactID == "" {
		return "", ErrNoContactID
	}

	orderID, err := c.client.UpsertOrder(ctx, crm.OrderRecord{
		ContactID:   contactID,
		Date:        o.OrderDate,
		Total:       o.Total,
		Points:      o.Points,
		ProductText: o.ProductText,
		GiftText:    o.GiftText,
		ExternalKey: OrderKey(o.Order),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upsert order: %w", err)
	}
	if orderID == "" {
		return "", ErrNoOrderID
	}
	return orderID, nil
}

// SyncFailure describes one order that could not be synced.
type SyncFailure struct {
	OrderID int64  `json:"order_id"`
	Key     string `json:"order_key"`
	Error   string `json:"error"`
}

// SyncReport summarizes a sync pass.
type SyncReport struct {
	Attempted int           `json:"attempted"`
	Synced    int           `json:"synced"`
	Failed    int           `json:"failed"`
	Failures  []SyncFailure `json:"failures,omitempty"`
}

// SyncPending tries every unsynced order once, in creation order. A failing order
// never stops the pass; only failing to list the orders is returned as an error.
func (c *Coordinator) SyncPending(ctx context.Context) (SyncReport, error) {
	var report SyncReport

	orders, err := c.store.ListUnsyncedOrders(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list unsynced orders: %w", err)
	}

	for _, o := range orders {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Attempted++
		if _, err := c.SyncOrder(ctx, o); err != nil {
			report.Failed++
			report.Failures = append(report.Failures, SyncFailure{
				OrderID: o.ID,
				Key:     OrderKey(o.Order),
				Error:   err.Error(),
			})
			zap.L().Warn("order sync failed", zap.Int64("order_id", o.ID), zap.Error(err))
			continue
		}
		report.Synced++
	}

	zap.L().Info("sync pass finished",
		zap.Int("attempted", report.Attempted),
		zap.Int("synced", report.Synced),
		zap.Int("failed", report.Failed))
	return report, nil
}

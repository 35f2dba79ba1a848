package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/orderbridge/orderbridge/internal/extract"
	"github.com/orderbridge/orderbridge/internal/store"
)

// DefaultFingerprintTolerance is the total difference below which two otherwise
// identical orders are the same order.
const DefaultFingerprintTolerance = 0.01

// DuplicateReason says which identity tier matched.
type DuplicateReason int

const (
	NotDuplicate DuplicateReason = iota
	DuplicateExternalID
	DuplicateFingerprint
)

func (r DuplicateReason) String() string {
	switch r {
	case DuplicateExternalID:
		return "external_id"
	case DuplicateFingerprint:
		return "fingerprint"
	default:
		return "none"
	}
}

// OrderLookup is the order side of the store used by the deduplicator.
type OrderLookup interface {
	FindOrderByExternalID(ctx context.Context, externalID string) (*store.Order, error)
	FindOrderByFingerprint(ctx context.Context, customerID int64, date time.Time,
		productText string, total decimal.Decimal, tolerance float64) (*store.Order, error)
}

// Deduplicator decides whether a parsed block is already stored.
type Deduplicator struct {
	store     OrderLookup
	tolerance float64
}

func NewDeduplicator(s OrderLookup, tolerance float64) *Deduplicator {
	if tolerance <= 0 {
		tolerance = DefaultFingerprintTolerance
	}
	return &Deduplicator{store: s, tolerance: tolerance}
}

// Check matches by external id first, then by customer, date, product text and total.
func (d *Deduplicator) Check(ctx context.Context, block extract.ParsedOrderBlock, customer store.Customer) (DuplicateReason, error) {
	if block.ExternalID != "" {
		existing, err := d.store.FindOrderByExternalID(ctx, block.ExternalID)
		if err != nil {
			return NotDuplicate, fmt.Errorf("failed to check external id: %w", err)
		}
		if existing != nil {
			return DuplicateExternalID, nil
		}
	}

	existing, err := d.store.FindOrderByFingerprint(ctx, customer.ID, block.OrderDate,
		block.ProductSummary(), block.Total, d.tolerance)
	if err != nil {
		return NotDuplicate, fmt.Errorf("failed to check fingerprint: %w", err)
	}
	if existing != nil {
		return DuplicateFingerprint, nil
	}
	return NotDuplicate, nil
}

// IsDuplicate is Check reduced to a yes/no answer.
func (d *Deduplicator) IsDuplicate(ctx context.Context, block extract.ParsedOrderBlock, customer store.Customer) (bool, error) {
	reason, err := d.Check(ctx, block, customer)
	return reason != NotDuplicate, err
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/orderbridge/orderbridge/internal/extract"
	"github.com/orderbridge/orderbridge/internal/inbox"
	"github.com/orderbridge/orderbridge/internal/store"
)

// Store is everything the pipeline needs from persistence. *store.Store implements it.
type Store interface {
	CustomerStore
	OrderLookup
	SyncStore
	CreateOrder(ctx context.Context, n store.NewOrder) (store.Order, error)
	ListOrders(ctx context.Context, filter store.OrderFilter) ([]store.OrderWithCustomer, error)
	UpdateOrderSummaries(ctx context.Context, orderID int64, productText, giftText string) error
	ListFollowUpDue(ctx context.Context, cutoff time.Time) ([]store.OrderWithCustomer, error)
	MarkFollowUpNotified(ctx context.Context, orderID int64) error
	IsMessageProcessed(ctx context.Context, messageID string) (bool, error)
	MarkMessageProcessed(ctx context.Context, messageID string) error
}

// Options tune matching and post-ingest behavior.
type Options struct {
	FuzzyThreshold       float64
	FingerprintTolerance float64
	// SyncOnIngest pushes each new order to the CRM right after it is stored.
	SyncOnIngest bool
	Filter       inbox.Filter
}

// Pipeline ingests email bodies into the store.
type Pipeline struct {
	store       Store
	parser      *extract.Parser
	resolver    *Resolver
	dedup       *Deduplicator
	coordinator *Coordinator
	opts        Options
}

// New builds a pipeline. coordinator may be nil when no CRM is configured.
func New(s Store, parser *extract.Parser, coordinator *Coordinator, opts Options) *Pipeline {
	if parser == nil {
		parser = extract.NewParser()
	}
	if len(opts.Filter.SubjectKeywords) == 0 && len(opts.Filter.BodyKeywords) == 0 {
		opts.Filter = inbox.DefaultFilter()
	}
	return &Pipeline{
		store:       s,
		parser:      parser,
		resolver:    NewResolver(s, opts.FuzzyThreshold),
		dedup:       NewDeduplicator(s, opts.FingerprintTolerance),
		coordinator: coordinator,
		opts:        opts,
	}
}

// Coordinator returns the CRM coordinator, or nil.
func (p *Pipeline) Coordinator() *Coordinator { return p.coordinator }

// IngestReport summarizes one body.
type IngestReport struct {
	Blocks           int     `json:"blocks"`
	Created          int     `json:"created"`
	Duplicates       int     `json:"duplicates"`
	CustomersCreated int     `json:"customers_created"`
	Synced           int     `json:"synced"`
	SyncFailed       int     `json:"sync_failed"`
	OrderIDs         []int64 `json:"order_ids,omitempty"`
}

func (r *IngestReport) add(o IngestReport) {
	r.Blocks += o.Blocks
	r.Created += o.Created
	r.Duplicates += o.Duplicates
	r.CustomersCreated += o.CustomersCreated
	r.Synced += o.Synced
	r.SyncFailed += o.SyncFailed
	r.OrderIDs = append(r.OrderIDs, o.OrderIDs...)
}

// ProcessBody parses body and stores every new order it contains. Dropped blocks
// and duplicates are counted, not errors. A store error on one block does not stop
// the remaining blocks; all such errors are returned joined.
func (p *Pipeline) ProcessBody(ctx context.Context, body, fallbackExternalID string) (IngestReport, error) {
	var report IngestReport
	var errs []error

	blocks := p.parser.Parse(body, fallbackExternalID)
	report.Blocks = len(blocks)
	if len(blocks) == 0 {
		zap.L().Debug("no order blocks found in body")
	}

	for _, block := range blocks {
		if err := p.processBlock(ctx, block, &report); err != nil {
			zap.L().Error("failed to store order block",
				zap.String("external_id", block.ExternalID),
				zap.String("customer", block.CustomerName),
				zap.Error(err))
			errs = append(errs, err)
		}
	}

	return report, errors.Join(errs...)
}

func (p *Pipeline) processBlock(ctx context.Context, block extract.ParsedOrderBlock, report *IngestReport) error {
	customer, created, err := p.resolver.Resolve(ctx, block.CustomerName)
	if err != nil {
		return err
	}
	if created {
		report.CustomersCreated++
	}

	reason, err := p.dedup.Check(ctx, block, customer)
	if err != nil {
		return err
	}
	if reason != NotDuplicate {
		report.Duplicates++
		zap.L().Info("duplicate order skipped",
			zap.String("reason", reason.String()),
			zap.String("external_id", block.ExternalID),
			zap.Int64("customer_id", customer.ID),
			zap.String("date", block.DateString()))
		return nil
	}

	order, err := p.store.CreateOrder(ctx, store.NewOrder{
		CustomerID:  customer.ID,
		OrderDate:   block.OrderDate,
		ProductText: block.ProductSummary(),
		GiftText:    block.GiftSummary(),
		Total:       block.Total,
		Points:      decimal.Zero,
		ExternalID:  block.ExternalID,
	})
	if errors.Is(err, store.ErrDuplicateExternalID) {
		report.Duplicates++
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}

	report.Created++
	report.OrderIDs = append(report.OrderIDs, order.ID)
	zap.L().Info("order stored",
		zap.Int64("order_id", order.ID),
		zap.String("external_id", order.ExternalID),
		zap.String("customer", customer.Name),
		zap.String("total", order.Total.StringFixed(2)))

	if p.coordinator != nil && p.opts.SyncOnIngest {
		if _, err := p.coordinator.SyncOrder(ctx, store.OrderWithCustomer{Order: order, Customer: customer}); err != nil {
			report.SyncFailed++
			zap.L().Warn("order left unsynced", zap.Int64("order_id", order.ID), zap.Error(err))
		} else {
			report.Synced++
		}
	}
	return nil
}

// CreateManualOrder stores an order entered by hand. It is keyed remotely as MANUAL-<id>.
func (p *Pipeline) CreateManualOrder(ctx context.Context, customerName string, date time.Time,
	productText, giftText string, total, points decimal.Decimal) (store.Order, error) {
	customer, _, err := p.resolver.Resolve(ctx, customerName)
	if err != nil {
		return store.Order{}, err
	}
	return p.store.CreateOrder(ctx, store.NewOrder{
		CustomerID:  customer.ID,
		OrderDate:   date,
		ProductText: productText,
		GiftText:    giftText,
		Total:       total,
		Points:      points,
	})
}

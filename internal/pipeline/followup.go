package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/orderbridge/orderbridge/internal/names"
	"github.com/orderbridge/orderbridge/internal/store"
)

// Notifier delivers a follow-up reminder for one order.
type Notifier interface {
	Notify(ctx context.Context, o store.OrderWithCustomer) error
}

// FollowUpStore is the store side used by reminders.
type FollowUpStore interface {
	ListFollowUpDue(ctx context.Context, cutoff time.Time) ([]store.OrderWithCustomer, error)
	MarkFollowUpNotified(ctx context.Context, orderID int64) error
}

type FollowUpOptions struct {
	// Days after the order date when a reminder becomes due.
	Days int
	// ExcludedCustomers never get reminders. Compared by normalized name.
	ExcludedCustomers []string
	Now               func() time.Time
}

// FollowUp sends one reminder per order a fixed number of days after it was placed.
type FollowUp struct {
	store    FollowUpStore
	notifier Notifier
	days     int
	excluded map[string]bool
	now      func() time.Time
}

// NewFollowUp builds the reminder pass. A nil notifier disables it.
func NewFollowUp(s FollowUpStore, notifier Notifier, opts FollowUpOptions) *FollowUp {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	excluded := make(map[string]bool, len(opts.ExcludedCustomers))
	for _, name := range opts.ExcludedCustomers {
		if key := names.Normalize(name); key != "" {
			excluded[key] = true
		}
	}
	return &FollowUp{store: s, notifier: notifier, days: opts.Days, excluded: excluded, now: opts.Now}
}

// Enabled reports whether reminders are delivered at all.
func (f *FollowUp) Enabled() bool { return f.notifier != nil }

// FollowUpReport summarizes a reminder pass.
type FollowUpReport struct {
	Due      int `json:"due"`
	Notified int `json:"notified"`
	Excluded int `json:"excluded"`
	Failed   int `json:"failed"`
}

// Run notifies every due order. Excluded customers are skipped and left unflagged;
// a failed delivery is retried on the next run.
func (f *FollowUp) Run(ctx context.Context) (FollowUpReport, error) {
	var report FollowUpReport
	if !f.Enabled() {
		zap.L().Debug("follow-up reminders disabled")
		return report, nil
	}

	now := f.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	cutoff := today.AddDate(0, 0, -f.days)

	orders, err := f.store.ListFollowUpDue(ctx, cutoff)
	if err != nil {
		return report, fmt.Errorf("failed to list due orders: %w", err)
	}
	report.Due = len(orders)

	for _, o := range orders {
		if f.excluded[names.Normalize(o.Customer.Name)] {
			report.Excluded++
			continue
		}
		if err := f.notifier.Notify(ctx, o); err != nil {
			report.Failed++
			zap.L().Warn("follow-up reminder failed", zap.Int64("order_id", o.ID), zap.Error(err))
			continue
		}
		if err := f.store.MarkFollowUpNotified(ctx, o.ID); err != nil {
			return report, err
		}
		report.Notified++
	}

	zap.L().Info("follow-up pass finished",
		zap.Int("due", report.Due),
		zap.Int("notified", report.Notified),
		zap.Int("excluded", report.Excluded),
		zap.Int("failed", report.Failed))
	return report, nil
}

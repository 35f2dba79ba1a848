package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SyncState is the remote synchronization state of an order.
type SyncState string

const (
	SyncUnsynced SyncState = "unsynced"
	SyncSynced   SyncState = "synced"
)

// Valid reports whether s is a known state.
func (s SyncState) Valid() bool {
	return s == SyncUnsynced || s == SyncSynced
}

type Order struct {
	ID               int64           `json:"id"`
	CustomerID       int64           `json:"customer_id"`
	OrderDate        time.Time       `json:"order_date"`
	ProductText      string          `json:"product_text"`
	GiftText         string          `json:"gift_text,omitempty"`
	Total            decimal.Decimal `json:"total"`
	Points           decimal.Decimal `json:"points"`
	ExternalID       string          `json:"external_id,omitempty"`
	FollowUpNotified bool            `json:"follow_up_notified"`
	SyncState        SyncState       `json:"sync_state"`
	RemoteID         string          `json:"remote_id,omitempty"`
	SyncAttempts     int             `json:"sync_attempts"`
	LastSyncError    string          `json:"last_sync_error,omitempty"`
	SyncedAt         *time.Time      `json:"synced_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Synced reports whether the order has reached the terminal sync state.
func (o Order) Synced() bool {
	return o.SyncState == SyncSynced
}

// OrderWithCustomer is an order joined with its customer, as needed for remote sync and reminders.
type OrderWithCustomer struct {
	Order
	Customer Customer `json:"customer"`
}

// NewOrder holds the fields supplied when an order is created.
type NewOrder struct {
	CustomerID  int64
	OrderDate   time.Time
	ProductText string
	GiftText    string
	Total       decimal.Decimal
	Points      decimal.Decimal
	ExternalID  string
}

// OrderFilter narrows ListOrders. Zero values mean no restriction.
type OrderFilter struct {
	State      SyncState
	CustomerID int64
	Limit      int
}

const orderColumns = `o.id, o.customer_id, o.order_date, o.product_text, o.gift_text, o.total, o.points,
	o.external_id, o.follow_up_notified, o.sync_state, o.remote_id, o.sync_attempts,
	o.last_sync_error, o.synced_at, o.created_at`

const orderWithCustomerColumns = orderColumns + `,
	c.id, c.name, c.email, c.phone, c.address, c.created_at`

type orderRow struct {
	date                       string
	gift, ext, remote, lastErr sql.NullString
	total, points              float64
	notified                   int
	state                      string
	syncedAt, createdAt        sql.NullTime
}

func (r *orderRow) targets(o *Order) []any {
	return []any{&o.ID, &o.CustomerID, &r.date, &o.ProductText, &r.gift, &r.total, &r.points,
		&r.ext, &r.notified, &r.state, &r.remote, &o.SyncAttempts, &r.lastErr, &r.syncedAt, &r.createdAt}
}

func (r *orderRow) fill(o *Order) {
	o.OrderDate = parseDate(r.date)
	o.GiftText = r.gift.String
	o.ExternalID = r.ext.String
	o.RemoteID = r.remote.String
	o.LastSyncError = r.lastErr.String
	o.Total = decimal.NewFromFloat(r.total)
	o.Points = decimal.NewFromFloat(r.points).Round(2)
	o.FollowUpNotified = r.notified != 0
	o.SyncState = SyncState(r.state)
	if r.syncedAt.Valid {
		t := r.syncedAt.Time
		o.SyncedAt = &t
	}
	o.CreatedAt = r.createdAt.Time
}

func scanOrder(scanner interface{ Scan(...any) error }) (*Order, error) {
	var o Order
	var r orderRow
	if err := scanner.Scan(r.targets(&o)...); err != nil {
		return nil, err
	}
	r.fill(&o)
	return &o, nil
}

func scanOrderWithCustomer(scanner interface{ Scan(...any) error }) (*OrderWithCustomer, error) {
	var ow OrderWithCustomer
	var r orderRow
	var customerCreated sql.NullTime
	c := &ow.Customer
	targets := append(r.targets(&ow.Order), &c.ID, &c.Name, &c.Email, &c.Phone, &c.Address, &customerCreated)
	if err := scanner.Scan(targets...); err != nil {
		return nil, err
	}
	r.fill(&ow.Order)
	c.CreatedAt = customerCreated.Time
	return &ow, nil
}

// CreateOrder inserts an order in the unsynced state.
func (s *Store) CreateOrder(ctx context.Context, n NewOrder) (Order, error) {
	if n.CustomerID == 0 {
		return Order{}, fmt.Errorf("customer id is required")
	}
	now := time.Now()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (customer_id, order_date, product_text, gift_text, total, points,
			external_id, follow_up_notified, sync_state, sync_attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, 0, ?)`,
		n.CustomerID, n.OrderDate.Format(DateLayout), n.ProductText, nullString(n.GiftText),
		n.Total.InexactFloat64(), n.Points.Round(2).InexactFloat64(),
		nullString(strings.TrimSpace(n.ExternalID)), SyncUnsynced, now)
	if err != nil {
		if isUniqueViolation(err) {
			return Order{}, fmt.Errorf("%w: %s", ErrDuplicateExternalID, n.ExternalID)
		}
		return Order{}, fmt.Errorf("failed to insert order: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return Order{}, fmt.Errorf("failed to get last insert id: %w", err)
	}

	return Order{
		ID:          id,
		CustomerID:  n.CustomerID,
		OrderDate:   parseDate(n.OrderDate.Format(DateLayout)),
		ProductText: n.ProductText,
		GiftText:    n.GiftText,
		Total:       n.Total,
		Points:      n.Points.Round(2),
		ExternalID:  strings.TrimSpace(n.ExternalID),
		SyncState:   SyncUnsynced,
		CreatedAt:   now,
	}, nil
}

// GetOrder returns the order with its customer or ErrNotFound.
func (s *Store) GetOrder(ctx context.Context, id int64) (OrderWithCustomer, error) {
	ow, err := scanOrderWithCustomer(s.db.QueryRowContext(ctx, `
		SELECT `+orderWithCustomerColumns+`
		FROM orders o JOIN customers c ON c.id = o.customer_id
		WHERE o.id = ?`, id))
	if err == sql.ErrNoRows {
		return OrderWithCustomer{}, ErrNotFound
	}
	if err != nil {
		return OrderWithCustomer{}, fmt.Errorf("failed to get order: %w", err)
	}
	return *ow, nil
}

// FindOrderByExternalID returns nil when no order carries the id.
func (s *Store) FindOrderByExternalID(ctx context.Context, externalID string) (*Order, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, nil
	}
	o, err := scanOrder(s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders o WHERE o.external_id = ?`, externalID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find order by external id: %w", err)
	}
	return o, nil
}

// FindOrderByFingerprint looks for an order of the same customer, date and product text
// whose total differs by strictly less than tolerance. Totals are compared as decimals
// without rounding. Returns nil when there is none.
func (s *Store) FindOrderByFingerprint(ctx context.Context, customerID int64, date time.Time,
	productText string, total decimal.Decimal, tolerance float64) (*Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders o
		WHERE o.customer_id = ? AND o.order_date = ? AND o.product_text = ?
		ORDER BY o.id`,
		customerID, date.Format(DateLayout), productText)
	if err != nil {
		return nil, fmt.Errorf("failed to find order by fingerprint: %w", err)
	}
	defer rows.Close()

	tol := decimal.NewFromFloat(tolerance)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		if o.Total.Sub(total).Abs().LessThan(tol) {
			return o, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to find order by fingerprint: %w", err)
	}
	return nil, nil
}

// ListOrders returns orders with their customers, newest order date first.
func (s *Store) ListOrders(ctx context.Context, filter OrderFilter) ([]OrderWithCustomer, error) {
	query := `SELECT ` + orderWithCustomerColumns + `
		FROM orders o JOIN customers c ON c.id = o.customer_id WHERE 1=1`
	var args []any
	if filter.State != "" {
		query += ` AND o.sync_state = ?`
		args = append(args, filter.State)
	}
	if filter.CustomerID != 0 {
		query += ` AND o.customer_id = ?`
		args = append(args, filter.CustomerID)
	}
	query += ` ORDER BY o.order_date DESC, o.id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return s.queryOrders(ctx, query, args...)
}

// ListUnsyncedOrders returns every unsynced order in creation order.
func (s *Store) ListUnsyncedOrders(ctx context.Context) ([]OrderWithCustomer, error) {
	return s.queryOrders(ctx, `SELECT `+orderWithCustomerColumns+`
		FROM orders o JOIN customers c ON c.id = o.customer_id
		WHERE o.sync_state = ? ORDER BY o.id`, SyncUnsynced)
}

// ListFollowUpDue returns orders not yet reminded whose order date is on or before cutoff.
func (s *Store) ListFollowUpDue(ctx context.Context, cutoff time.Time) ([]OrderWithCustomer, error) {
	return s.queryOrders(ctx, `SELECT `+orderWithCustomerColumns+`
		FROM orders o JOIN customers c ON c.id = o.customer_id
		WHERE o.follow_up_notified = 0 AND o.order_date <= ? ORDER BY o.order_date, o.id`,
		cutoff.Format(DateLayout))
}

func (s *Store) queryOrders(ctx context.Context, query string, args ...any) ([]OrderWithCustomer, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []OrderWithCustomer
	for rows.Next() {
		ow, err := scanOrderWithCustomer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *ow)
	}
	return orders, rows.Err()
}

// MarkSynced moves an order from unsynced to synced and stores its remote id.
// It never overwrites a remote id: a second call returns ErrAlreadySynced.
func (s *Store) MarkSynced(ctx context.Context, orderID int64, remoteID string) error {
	remoteID = strings.TrimSpace(remoteID)
	if remoteID == "" {
		return fmt.Errorf("remote id is required")
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE orders SET sync_state = ?, remote_id = ?, synced_at = ?, last_sync_error = NULL
		WHERE id = ? AND sync_state = ?`,
		SyncSynced, remoteID, time.Now(), orderID, SyncUnsynced)
	if err != nil {
		return fmt.Errorf("failed to mark order synced: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 1 {
		return nil
	}

	var state string
	err = s.db.QueryRowContext(ctx, `SELECT sync_state FROM orders WHERE id = ?`, orderID).Scan(&state)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read sync state: %w", err)
	}
	return ErrAlreadySynced
}

// RecordSyncFailure counts a failed attempt. The order stays unsynced.
func (s *Store) RecordSyncFailure(ctx context.Context, orderID int64, cause string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE orders SET sync_attempts = sync_attempts + 1, last_sync_error = ?
		WHERE id = ? AND sync_state = ?`, cause, orderID, SyncUnsynced)
	if err != nil {
		return fmt.Errorf("failed to record sync failure: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFollowUpNotified sets the reminder flag.
func (s *Store) MarkFollowUpNotified(ctx context.Context, orderID int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE orders SET follow_up_notified = 1 WHERE id = ?`, orderID)
	if err != nil {
		return fmt.Errorf("failed to mark follow-up: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateOrderSummaries rewrites the product and gift text of one order.
func (s *Store) UpdateOrderSummaries(ctx context.Context, orderID int64, productText, giftText string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE orders SET product_text = ?, gift_text = ? WHERE id = ?`,
		productText, nullString(giftText), orderID)
	if err != nil {
		return fmt.Errorf("failed to update order summaries: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

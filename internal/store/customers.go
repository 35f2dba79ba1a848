package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Customer is a buyer as known locally. Name keeps the spelling it was first seen with.
type Customer struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Address   string    `json:"address,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const customerColumns = `id, name, email, phone, address, created_at`

func scanCustomer(scanner interface{ Scan(...any) error }) (*Customer, error) {
	var c Customer
	var createdAt sql.NullTime
	if err := scanner.Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.Address, &createdAt); err != nil {
		return nil, err
	}
	c.CreatedAt = createdAt.Time
	return &c, nil
}

// ListCustomers returns every customer ordered by id.
func (s *Store) ListCustomers(ctx context.Context) ([]Customer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+customerColumns+` FROM customers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list customers: %w", err)
	}
	defer rows.Close()

	var customers []Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan customer: %w", err)
		}
		customers = append(customers, *c)
	}
	return customers, rows.Err()
}

// CreateCustomer inserts a customer with empty contact fields.
func (s *Store) CreateCustomer(ctx context.Context, name string) (Customer, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Customer{}, fmt.Errorf("customer name is required")
	}

	now := time.Now()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO customers (name, email, phone, address, created_at) VALUES (?, '', '', '', ?)`,
		name, now)
	if err != nil {
		return Customer{}, fmt.Errorf("failed to insert customer: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return Customer{}, fmt.Errorf("failed to get last insert id: %w", err)
	}
	return Customer{ID: id, Name: name, CreatedAt: now}, nil
}

// GetCustomer returns the customer with the given id or ErrNotFound.
func (s *Store) GetCustomer(ctx context.Context, id int64) (Customer, error) {
	c, err := scanCustomer(s.db.QueryRowContext(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Customer{}, ErrNotFound
	}
	if err != nil {
		return Customer{}, fmt.Errorf("failed to get customer: %w", err)
	}
	return *c, nil
}

// FindCustomerByName looks a customer up by exact display name. Returns nil when absent.
func (s *Store) FindCustomerByName(ctx context.Context, name string) (*Customer, error) {
	c, err := scanCustomer(s.db.QueryRowContext(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE name = ? ORDER BY id LIMIT 1`,
		strings.TrimSpace(name)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find customer: %w", err)
	}
	return c, nil
}

// UpdateCustomerContact replaces the contact fields. The display name is never touched.
func (s *Store) UpdateCustomerContact(ctx context.Context, id int64, email, phone, address string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE customers SET email = ?, phone = ?, address = ? WHERE id = ?`,
		strings.TrimSpace(email), strings.TrimSpace(phone), strings.TrimSpace(address), id)
	if err != nil {
		return fmt.Errorf("failed to update customer: %w", err)
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

// Package store persists customers and orders in SQLite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// DateLayout is how order dates are stored.
const DateLayout = "2006-01-02"

var (
	// ErrNotFound is returned when a row addressed by id does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadySynced is returned when a remote id is written twice for one order.
	ErrAlreadySynced = errors.New("order already synced")
	// ErrDuplicateExternalID is returned when an external order id is already stored.
	ErrDuplicateExternalID = errors.New("external order id already stored")
)

type Store struct {
	db *sql.DB
}

// DefaultDBPath returns ~/.orderbridge/orders.db.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "orders.db"
	}
	return filepath.Join(home, ".orderbridge", "orders.db")
}

// Open opens (creating if needed) the database at dbPath and applies pending migrations.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every pass is sequential; one connection avoids SQLITE_BUSY between our own queries.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type migrationLogger struct{}

func (migrationLogger) Printf(format string, v ...interface{}) {
	zap.L().Debug(strings.TrimSpace(fmt.Sprintf(format, v...)), zap.String("component", "migrate"))
}

func (migrationLogger) Verbose() bool { return false }

func (s *Store) migrate() error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to prepare migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to prepare migrations: %w", err)
	}
	m.Log = migrationLogger{}

	// m.Close is not called: it would close the shared *sql.DB.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	version, dirty, err := m.Version()
	if err == nil {
		zap.L().Debug("database schema ready", zap.Uint("version", version), zap.Bool("dirty", dirty))
	}
	return nil
}

// Stats summarizes the store contents.
type Stats struct {
	Customers      int `json:"customers"`
	Orders         int `json:"orders"`
	Unsynced       int `json:"unsynced"`
	ProcessedMails int `json:"processed_messages"`
}

func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	var st Stats
	row := s.db.QueryRowContext(ctx, `
	SELECT
		(SELECT COUNT(*) FROM customers),
		(SELECT COUNT(*) FROM orders),
		(SELECT COUNT(*) FROM orders WHERE sync_state = ?),
		(SELECT COUNT(*) FROM processed_messages)`, SyncUnsynced)
	if err := row.Scan(&st.Customers, &st.Orders, &st.Unsynced, &st.ProcessedMails); err != nil {
		return Stats{}, fmt.Errorf("failed to read stats: %w", err)
	}
	return st, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func parseDate(s string) time.Time {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

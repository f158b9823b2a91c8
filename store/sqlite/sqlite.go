/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface the service needs with SQLite:

    ledger.TxStore:   families, grants, consumptions, transactional Spend
    receipt.Store:    scrape queue and purchase data
    validation.Store: review queue and product catalog
    jobs.RunStore:    background job audit trail

  plus registry inserts (cities, institutions, families, dependents,
  benefits, products) that stand in for the external CRUD surface.

CONSUMPTION RULES:
  - receipt_id is UNIQUE; a violation maps to ledger.ErrDuplicateReceipt
  - No hard deletes. SoftDeleteConsumption only stamps metadata
  - Value columns are decimal strings; sums happen in Go with decimal.Decimal

KEY TABLES:
  consumptions:         purchases debited against the balance
  consumption_products: product-model lines of each purchase
  benefits:             monthly grants
  benefit_products:     product-model lines of each grant (ON DELETE CASCADE)
  job_runs:             scheduler audit

CONCURRENCY:
  The pool holds a single connection and transactions begin IMMEDIATE, so
  WithTx takes the write lock before the balance read. Two Spend calls can
  never both read the same balance. Inside WithTx every query goes through
  the *sql.Tx; touching s.db there would wait forever for the connection.
  Writes outside transactions additionally take the store mutex.

TIMESTAMPS:
  Stored as fixed-width UTC text (timeFormat) so string comparison in SQL
  matches chronological order.

MIGRATION:
  Schema is versioned under migrations/ and applied with golang-migrate on
  New().

USAGE:
  store, err := sqlite.New("./data/welfare.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: interface definitions
  - ledger/store/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/mattn/go-sqlite3"

	"github.com/warp/welfare-ledger/ledger"
)

//go:embed migrations/*.sql
var migrations embed.FS

const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and a single
	// writer keeps BEGIN IMMEDIATE from racing itself.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate applies the embedded schema migrations.
func (s *Store) migrate() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	// m.Close would close s.db through the driver.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx executes fn within an IMMEDIATE transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore is the ledger.Store handed to WithTx callbacks.
type txStore struct {
	q querier
}

func (ts *txStore) GetFamily(ctx context.Context, id ledger.FamilyID) (ledger.Family, error) {
	return getFamily(ctx, ts.q, id)
}

func (ts *txStore) ListBenefits(ctx context.Context, f ledger.BenefitFilter) ([]ledger.Benefit, error) {
	return listBenefits(ctx, ts.q, f)
}

func (ts *txStore) ListConsumptions(ctx context.Context, f ledger.ConsumptionFilter) ([]ledger.Consumption, error) {
	return listConsumptions(ctx, ts.q, f)
}

func (ts *txStore) GetConsumption(ctx context.Context, id ledger.ConsumptionID) (ledger.Consumption, error) {
	return getConsumption(ctx, ts.q, id)
}

func (ts *txStore) FindConsumptionByReceipt(ctx context.Context, receiptID string) (*ledger.Consumption, error) {
	return findByReceipt(ctx, ts.q, receiptID)
}

func (ts *txStore) CreateConsumption(ctx context.Context, c *ledger.Consumption) error {
	return createConsumption(ctx, ts.q, c)
}

func (ts *txStore) GetProducts(ctx context.Context, ids []ledger.ProductID) ([]ledger.Product, error) {
	return getProducts(ctx, ts.q, ids)
}

func (ts *txStore) SoftDeleteConsumption(ctx context.Context, id ledger.ConsumptionID, by, reason string, at time.Time) error {
	return softDelete(ctx, ts.q, id, by, reason, at)
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func timePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

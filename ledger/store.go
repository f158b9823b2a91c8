/*
store.go - Persistence interfaces the ledger depends on

PURPOSE:
  The ledger never talks to a database directly. It reads families, grants
  and consumptions and appends consumptions through these interfaces.

KEY INTERFACES:
  Store:   reads + the consumption insert
  TxStore: Store plus WithTx, the atomic scope Spend runs in

CONSUMPTION RULES:
  - CreateConsumption fails with ErrDuplicateReceipt when the receipt
    identifier already exists (unique constraint).
  - There is no hard delete. SoftDeleteConsumption only stamps metadata.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - ledger/store/memory.go: in-memory for tests and dev

SEE ALSO:
  - ledger.go: Spend uses WithTx
*/
package ledger

import (
	"context"
	"time"
)

// Store is what the ledger reads and writes.
type Store interface {
	// GetFamily returns ErrFamilyNotFound when the family does not exist.
	GetFamily(ctx context.Context, id FamilyID) (Family, error)

	// ListBenefits returns grants (with product lines and institution city)
	// matching the filter.
	ListBenefits(ctx context.Context, filter BenefitFilter) ([]Benefit, error)

	// ListConsumptions returns consumptions ordered by id.
	ListConsumptions(ctx context.Context, filter ConsumptionFilter) ([]Consumption, error)

	// GetConsumption returns ErrConsumptionNotFound when missing.
	GetConsumption(ctx context.Context, id ConsumptionID) (Consumption, error)

	// FindConsumptionByReceipt returns (nil, nil) when no consumption has the receipt.
	FindConsumptionByReceipt(ctx context.Context, receiptID string) (*Consumption, error)

	// CreateConsumption assigns ID and persists c with its product lines.
	CreateConsumption(ctx context.Context, c *Consumption) error

	// GetProducts returns the catalog entries for ids; unknown ids are skipped.
	GetProducts(ctx context.Context, ids []ProductID) ([]Product, error)

	// SoftDeleteConsumption stamps deletion metadata. Returns
	// ErrConsumptionNotFound or ErrAlreadyDeleted.
	SoftDeleteConsumption(ctx context.Context, id ConsumptionID, by, reason string, at time.Time) error
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. Reads and writes done through
	// the Store passed to fn are isolated from concurrent WithTx calls.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

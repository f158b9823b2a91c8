/*
errors.go - Centralized error types for the ledger

ERROR CATEGORIES:
  1. Write-path domain errors - overdraft, inactive family, bad amounts
  2. Lookup errors - missing families, consumptions
  3. Store errors - uniqueness violations raised by persistence

Overdraft is the only domain-fatal error callers are expected to surface.
A duplicate receipt is never returned by Spend: it resolves to the
existing record.

SEE ALSO:
  - ledger.go: Spend returns these
  - api/handlers.go: maps them to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrOverdraft is returned when a purchase exceeds the remaining balance.
	ErrOverdraft = errors.New("insufficient benefit balance")

	// ErrDuplicateReceipt is returned by stores when the receipt identifier
	// is already recorded. Spend converts it into an idempotent return.
	ErrDuplicateReceipt = errors.New("duplicate receipt identifier")

	ErrFamilyNotFound      = errors.New("family not found")
	ErrFamilyInactive      = errors.New("family is deactivated")
	ErrConsumptionNotFound = errors.New("consumption not found")
	ErrProductNotFound     = errors.New("product not found")
	ErrAlreadyDeleted      = errors.New("consumption already deleted")
	ErrDuplicateProduct    = errors.New("product name already exists")

	// ErrInvalidAmount is returned for non-positive values or empty product lists.
	ErrInvalidAmount = errors.New("invalid amount")

	ErrDeleteReasonRequired = errors.New("delete reason is required")
	ErrUnknownModel         = errors.New("unknown balance model")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// OverdraftError carries the numbers behind a rejected purchase. For the
// product model ProductID names the line that did not fit.
type OverdraftError struct {
	FamilyID  FamilyID
	ProductID ProductID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *OverdraftError) Error() string {
	if e.ProductID != 0 {
		return fmt.Sprintf("insufficient quota for product %d: available %s, requested %s",
			e.ProductID, e.Available, e.Requested)
	}
	return fmt.Sprintf("insufficient benefit balance: available %s, requested %s",
		e.Available, e.Requested)
}

func (e *OverdraftError) Unwrap() error { return ErrOverdraft }

// Shortfall is how much more balance the purchase would have needed.
func (e *OverdraftError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrOverdraft) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrFamilyInactive) ||
		errors.Is(err, ErrAlreadyDeleted) ||
		errors.Is(err, ErrDeleteReasonRequired)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrFamilyNotFound) ||
		errors.Is(err, ErrConsumptionNotFound) ||
		errors.Is(err, ErrProductNotFound)
}

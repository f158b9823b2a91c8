/*
ledger.go - Overdraft-checked consumption recording

PURPOSE:
  Spend is the single write path that debits a family's benefit. It is the
  one correctness-critical concurrency boundary in the system: the balance
  check and the insert run inside one store transaction, so two concurrent
  purchases can never both pass against a stale balance.

SPEND FLOW:
  1. Receipt already recorded? Return the existing consumption (idempotent,
     no balance re-check).
  2. Load family. Unknown -> ErrFamilyNotFound, deactivated -> ErrFamilyInactive.
  3. Compute remaining balance for the current month.
  4. Requested > remaining -> *OverdraftError, nothing persisted.
  5. Insert and return the new consumption.

CORRECTIONS:
  Consumptions are never edited by operators. Void stamps soft-delete
  metadata, which removes the consumption from balance sums while keeping
  it for audit.

SEE ALSO:
  - balance.go: balance computation
  - recorder.go: upload + async scrape around Spend
*/
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	Store    TxStore
	Model    BalanceModel
	Location *time.Location

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

func NewLedger(store TxStore, model BalanceModel, loc *time.Location) *Ledger {
	if loc == nil {
		loc = time.UTC
	}
	return &Ledger{Store: store, Model: model, Location: loc, Clock: time.Now}
}

func (l *Ledger) now() time.Time {
	if l.Clock == nil {
		return time.Now()
	}
	return l.Clock()
}

// SpendRequest describes one purchase. Value is required by the cash model;
// Products by the product model.
type SpendRequest struct {
	FamilyID  FamilyID
	StoreID   *StoreID
	Value     decimal.Decimal
	Products  []ProductLine
	ReceiptID string
	ImageURL  string
	CreatedBy string
}

// =============================================================================
// SPEND
// =============================================================================

// Spend records a consumption if the family's remaining balance covers it.
// created is false when an existing consumption with the same receipt was
// returned instead.
func (l *Ledger) Spend(ctx context.Context, req SpendRequest) (c Consumption, created bool, err error) {
	req, err = l.normalize(req)
	if err != nil {
		return Consumption{}, false, err
	}

	err = l.Store.WithTx(ctx, func(s Store) error {
		if req.ReceiptID != "" {
			existing, err := s.FindConsumptionByReceipt(ctx, req.ReceiptID)
			if err != nil {
				return err
			}
			if existing != nil {
				c = *existing
				return nil
			}
		}

		now := l.now()
		if err := l.check(ctx, s, req, now); err != nil {
			return err
		}

		c = Consumption{
			FamilyID:     req.FamilyID,
			StoreID:      req.StoreID,
			Value:        req.Value,
			InvalidValue: decimal.Zero,
			ReceiptID:    req.ReceiptID,
			ImageURL:     req.ImageURL,
			Products:     req.Products,
			CreatedBy:    req.CreatedBy,
			CreatedAt:    now,
		}
		if err := s.CreateConsumption(ctx, &c); err != nil {
			return err
		}
		created = true
		return nil
	})

	if errors.Is(err, ErrDuplicateReceipt) {
		// Lost a race with a concurrent insert of the same receipt.
		existing, findErr := l.Store.FindConsumptionByReceipt(ctx, req.ReceiptID)
		if findErr != nil {
			return Consumption{}, false, findErr
		}
		if existing != nil {
			return *existing, false, nil
		}
	}
	if err != nil {
		return Consumption{}, false, err
	}
	return c, created, nil
}

// Check runs the same validation Spend would, without persisting and without
// holding a transaction. The answer can be stale by the time Spend runs; it
// exists so callers can avoid side effects (uploads) for purchases that are
// certain to fail. existing is set when the receipt is already recorded.
func (l *Ledger) Check(ctx context.Context, req SpendRequest) (existing *Consumption, err error) {
	req, err = l.normalize(req)
	if err != nil {
		return nil, err
	}
	if req.ReceiptID != "" {
		existing, err = l.Store.FindConsumptionByReceipt(ctx, req.ReceiptID)
		if err != nil || existing != nil {
			return existing, err
		}
	}
	return nil, l.check(ctx, l.Store, req, l.now())
}

// FindByReceipt returns the consumption recorded for receiptID, or nil.
func (l *Ledger) FindByReceipt(ctx context.Context, receiptID string) (*Consumption, error) {
	return l.Store.FindConsumptionByReceipt(ctx, strings.TrimSpace(receiptID))
}

// Void soft-deletes a consumption. The reason is mandatory.
func (l *Ledger) Void(ctx context.Context, id ConsumptionID, by, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return ErrDeleteReasonRequired
	}
	return l.Store.SoftDeleteConsumption(ctx, id, by, reason, l.now())
}

// =============================================================================
// VALIDATION
// =============================================================================

func (l *Ledger) normalize(req SpendRequest) (SpendRequest, error) {
	req.ReceiptID = strings.TrimSpace(req.ReceiptID)

	switch l.Model {
	case ModelProduct:
		merged, err := mergeLines(req.Products)
		if err != nil {
			return req, err
		}
		req.Products = merged
		if req.Value.IsNegative() {
			return req, ErrInvalidAmount
		}
	default:
		if !req.Value.IsPositive() {
			return req, ErrInvalidAmount
		}
		req.Products = nil
	}
	return req, nil
}

// mergeLines sums duplicate product lines and rejects non-positive amounts.
func mergeLines(lines []ProductLine) ([]ProductLine, error) {
	if len(lines) == 0 {
		return nil, ErrInvalidAmount
	}
	index := make(map[ProductID]int, len(lines))
	var merged []ProductLine
	for _, line := range lines {
		if line.Amount <= 0 || line.ProductID == 0 {
			return nil, ErrInvalidAmount
		}
		if i, ok := index[line.ProductID]; ok {
			merged[i].Amount += line.Amount
			continue
		}
		index[line.ProductID] = len(merged)
		merged = append(merged, line)
	}
	return merged, nil
}

func (l *Ledger) check(ctx context.Context, s Store, req SpendRequest, now time.Time) error {
	family, err := s.GetFamily(ctx, req.FamilyID)
	if err != nil {
		return err
	}
	if !family.Active() {
		return ErrFamilyInactive
	}

	switch l.Model {
	case ModelProduct:
		granted, consumed, err := l.productTotals(ctx, s, family, now)
		if err != nil {
			return err
		}
		for _, line := range req.Products {
			available := granted[line.ProductID] - consumed[line.ProductID]
			if line.Amount > available {
				return &OverdraftError{
					FamilyID:  family.ID,
					ProductID: line.ProductID,
					Available: decimal.NewFromInt(available),
					Requested: decimal.NewFromInt(line.Amount),
				}
			}
		}
	default:
		balance, err := l.cashBalance(ctx, s, family, now)
		if err != nil {
			return err
		}
		if req.Value.GreaterThan(balance.Available) {
			return &OverdraftError{
				FamilyID:  family.ID,
				Available: balance.Available,
				Requested: req.Value,
			}
		}
	}
	return nil
}

/*
balance.go - Remaining balance for a family

KEY INSIGHT:
  Balance is computed for the family's CURRENT month, from the store, on every
  call. A consumption counts against the month it was recorded in; the grant
  set is whatever is active now. Invalid portions found by the validator are
  excluded from the spent total, which hands them back to the family.

CASH MODEL:
  Available = Σ active grants.value − Σ (consumption.value − consumption.invalidValue)

PRODUCT MODEL:
  For each granted product:
    AmountAvailable = AmountGranted − AmountConsumed
  Availability is not clamped at zero. A negative figure means the family
  consumed more than it was granted (for example after a grant was corrected
  downwards) and is reported as-is.

SEE ALSO:
  - aggregate.go: the sums used here
  - ledger.go: Spend checks against these numbers inside a transaction
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BALANCE TYPES
// =============================================================================

// CashBalance is the remaining balance under the cash model.
type CashBalance struct {
	FamilyID  FamilyID
	Period    Period
	Granted   decimal.Decimal
	Spent     decimal.Decimal
	Invalid   decimal.Decimal
	Available decimal.Decimal
}

// ProductBalance is one row of the product-model balance.
type ProductBalance struct {
	Product         Product
	AmountGranted   int64
	AmountConsumed  int64
	AmountAvailable int64
}

// Balance is the model-selected answer to a balance query.
// Exactly one of Cash and Products is meaningful, per Model.
type Balance struct {
	FamilyID FamilyID
	Model    BalanceModel
	Period   Period
	Cash     *CashBalance
	Products []ProductBalance
}

// =============================================================================
// BALANCE QUERIES
// =============================================================================

// Balance returns the balance shape selected by the ledger's model.
func (l *Ledger) Balance(ctx context.Context, familyID FamilyID) (Balance, error) {
	switch l.Model {
	case ModelProduct:
		rows, period, err := l.ProductBalance(ctx, familyID)
		if err != nil {
			return Balance{}, err
		}
		return Balance{FamilyID: familyID, Model: ModelProduct, Period: period, Products: rows}, nil
	default:
		cash, err := l.CashBalance(ctx, familyID)
		if err != nil {
			return Balance{}, err
		}
		return Balance{FamilyID: familyID, Model: ModelCash, Period: cash.Period, Cash: &cash}, nil
	}
}

// CashBalance computes the cash-model balance at the ledger's current time.
func (l *Ledger) CashBalance(ctx context.Context, familyID FamilyID) (CashBalance, error) {
	family, err := l.Store.GetFamily(ctx, familyID)
	if err != nil {
		return CashBalance{}, err
	}
	return l.cashBalance(ctx, l.Store, family, l.now())
}

// ProductBalance computes the product-model balance at the ledger's current time.
func (l *Ledger) ProductBalance(ctx context.Context, familyID FamilyID) ([]ProductBalance, Period, error) {
	family, err := l.Store.GetFamily(ctx, familyID)
	if err != nil {
		return nil, Period{}, err
	}
	now := l.now()
	granted, consumed, err := l.productTotals(ctx, l.Store, family, now)
	if err != nil {
		return nil, Period{}, err
	}

	ids := sortedProductIDs(granted)
	products, err := l.Store.GetProducts(ctx, ids)
	if err != nil {
		return nil, Period{}, err
	}
	byID := make(map[ProductID]Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	rows := make([]ProductBalance, 0, len(ids))
	for _, id := range ids {
		product, ok := byID[id]
		if !ok {
			product = Product{ID: id}
		}
		rows = append(rows, ProductBalance{
			Product:         product,
			AmountGranted:   granted[id],
			AmountConsumed:  consumed[id],
			AmountAvailable: granted[id] - consumed[id],
		})
	}
	return rows, MonthOf(now, l.Location), nil
}

// =============================================================================
// INTERNALS - shared with Spend, parameterized by store so they run in a tx
// =============================================================================

func (l *Ledger) activeGrants(ctx context.Context, s Store, family Family, now time.Time) ([]Benefit, error) {
	period := MonthOf(now, l.Location)
	candidates, err := s.ListBenefits(ctx, BenefitFilter{
		Group:  family.Group,
		CityID: family.CityID,
		From:   period.Start,
		To:     period.End,
	})
	if err != nil {
		return nil, err
	}
	return ResolveActive(now, l.Location, family, candidates), nil
}

func (l *Ledger) periodConsumptions(ctx context.Context, s Store, family Family, now time.Time) ([]Consumption, error) {
	period := MonthOf(now, l.Location)
	return s.ListConsumptions(ctx, ConsumptionFilter{
		FamilyID: family.ID,
		From:     period.Start,
		To:       period.End,
	})
}

func (l *Ledger) cashBalance(ctx context.Context, s Store, family Family, now time.Time) (CashBalance, error) {
	grants, err := l.activeGrants(ctx, s, family, now)
	if err != nil {
		return CashBalance{}, err
	}
	consumptions, err := l.periodConsumptions(ctx, s, family, now)
	if err != nil {
		return CashBalance{}, err
	}

	granted := CashGranted(grants)
	spent, invalid := CashConsumed(consumptions)
	return CashBalance{
		FamilyID:  family.ID,
		Period:    MonthOf(now, l.Location),
		Granted:   granted,
		Spent:     spent,
		Invalid:   invalid,
		Available: granted.Sub(spent.Sub(invalid)),
	}, nil
}

func (l *Ledger) productTotals(ctx context.Context, s Store, family Family, now time.Time) (granted, consumed map[ProductID]int64, err error) {
	grants, err := l.activeGrants(ctx, s, family, now)
	if err != nil {
		return nil, nil, err
	}
	consumptions, err := l.periodConsumptions(ctx, s, family, now)
	if err != nil {
		return nil, nil, err
	}
	return ProductGranted(grants), ProductConsumed(consumptions), nil
}

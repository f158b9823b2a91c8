package ledger

import (
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// GRANT AGGREGATOR
// =============================================================================

// CashGranted sums the scalar value of the given grants.
func CashGranted(grants []Benefit) decimal.Decimal {
	total := decimal.Zero
	for _, g := range grants {
		total = total.Add(g.Value)
	}
	return total
}

// ProductGranted sums product lines across grants, grouped by product.
// Products whose total is zero are left out of the map.
func ProductGranted(grants []Benefit) map[ProductID]int64 {
	totals := make(map[ProductID]int64)
	for _, g := range grants {
		for _, line := range g.Products {
			totals[line.ProductID] += line.Amount
		}
	}
	for id, amount := range totals {
		if amount == 0 {
			delete(totals, id)
		}
	}
	return totals
}

// ProductConsumed sums product lines across non-deleted consumptions.
func ProductConsumed(consumptions []Consumption) map[ProductID]int64 {
	totals := make(map[ProductID]int64)
	for _, c := range consumptions {
		if c.Deleted() {
			continue
		}
		for _, line := range c.Products {
			totals[line.ProductID] += line.Amount
		}
	}
	return totals
}

// CashConsumed sums value and invalid value across non-deleted consumptions.
func CashConsumed(consumptions []Consumption) (spent, invalid decimal.Decimal) {
	spent, invalid = decimal.Zero, decimal.Zero
	for _, c := range consumptions {
		if c.Deleted() {
			continue
		}
		spent = spent.Add(c.Value)
		invalid = invalid.Add(c.InvalidValue)
	}
	return spent, invalid
}

// sortedProductIDs gives deterministic output ordering.
func sortedProductIDs(m map[ProductID]int64) []ProductID {
	ids := make([]ProductID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

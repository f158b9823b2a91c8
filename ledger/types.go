/*
Package ledger provides the benefit balance engine.

PURPOSE:
  This package answers one question: how much of a family's granted benefit
  is still unspent right now? It resolves which grants apply to a family in
  the current month, aggregates them into a cash figure or a per-product
  quota, subtracts what the family already consumed, and guards the one
  write that matters (recording a purchase) against overdraft.

KEY CONCEPTS IN THIS FILE (types.go):
  - Family / Dependent: who receives benefits, scoped to a city and a group
  - Benefit / BenefitProduct: one month's grant, cash or itemized
  - Consumption: a purchase debited against the family's balance
  - PurchaseData: structured receipt contents attached by the scraper
  - Product: catalog entry with tri-state validity

DESIGN PRINCIPLES:
  1. Precision: money is decimal.Decimal, quantities are int64
  2. Type Safety: distinct ID types so a FamilyID never reaches a ProductID slot
  3. Auditability: consumptions are soft-deleted, never removed
  4. Live balance: nothing here caches balances; they are recomputed per call

SEE ALSO:
  - period.go: which grants are active
  - aggregate.go: summing grants
  - balance.go: remaining balance
  - ledger.go: overdraft-checked Spend
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	CityID        int64
	InstitutionID int64
	FamilyID      int64
	DependentID   int64
	BenefitID     int64
	ProductID     int64
	ConsumptionID int64
	StoreID       int64
)

// =============================================================================
// BENEFIT GROUP
// =============================================================================

// BenefitGroup links a family to the grants it is eligible for.
type BenefitGroup string

const (
	GroupExtremePoverty BenefitGroup = "extreme-poverty"
	GroupPovertyLine    BenefitGroup = "poverty-line"
	GroupCAD            BenefitGroup = "cad"
	GroupChildren       BenefitGroup = "children"
)

// Valid reports whether g is one of the known groups.
func (g BenefitGroup) Valid() bool {
	switch g {
	case GroupExtremePoverty, GroupPovertyLine, GroupCAD, GroupChildren:
		return true
	}
	return false
}

// =============================================================================
// BALANCE MODEL - deployment-level switch
// =============================================================================

type BalanceModel string

const (
	ModelCash    BalanceModel = "cash"
	ModelProduct BalanceModel = "product"
)

func ParseBalanceModel(s string) (BalanceModel, error) {
	switch BalanceModel(s) {
	case ModelCash, ModelProduct:
		return BalanceModel(s), nil
	}
	return "", ErrUnknownModel
}

// =============================================================================
// PLACES
// =============================================================================

type City struct {
	ID   CityID
	Name string
}

// Institution grants benefits. Its city decides which families see them.
type Institution struct {
	ID     InstitutionID
	Name   string
	CityID CityID
}

// =============================================================================
// FAMILY
// =============================================================================

type Family struct {
	ID            FamilyID
	Name          string
	Group         BenefitGroup
	CityID        CityID
	DeactivatedAt *time.Time
	CreatedAt     time.Time
}

func (f Family) Active() bool { return f.DeactivatedAt == nil }

type Dependent struct {
	ID            DependentID
	FamilyID      FamilyID
	Name          string
	DeactivatedAt *time.Time
	CreatedAt     time.Time
}

// =============================================================================
// BENEFIT (GRANT)
// =============================================================================

// Benefit is one period's allocation. Date pins it to a calendar month.
// Value is used by the cash model, Products by the product model.
type Benefit struct {
	ID            BenefitID
	InstitutionID InstitutionID
	Group         BenefitGroup
	Title         string
	Date          time.Time
	Value         decimal.Decimal
	Products      []BenefitProduct

	// InstitutionCityID is filled by stores on read (join on institutions).
	InstitutionCityID CityID

	CreatedAt time.Time
}

type BenefitProduct struct {
	ProductID ProductID
	Amount    int64
}

// =============================================================================
// PRODUCT CATALOG
// =============================================================================

// Product is a catalog entry. Valid is tri-state: nil means the product is
// waiting for manual classification.
type Product struct {
	ID        ProductID
	Name      string
	Valid     *bool
	CreatedAt time.Time
}

// =============================================================================
// CONSUMPTION - purchase debited against the balance
// =============================================================================

type Consumption struct {
	ID           ConsumptionID
	FamilyID     FamilyID
	StoreID      *StoreID
	Value        decimal.Decimal
	InvalidValue decimal.Decimal
	ReceiptID    string
	ImageURL     string
	Products     []ProductLine
	PurchaseData *PurchaseData
	ReviewedAt   *time.Time
	CreatedBy    string
	CreatedAt    time.Time

	// Soft delete. Deleted consumptions stay for audit but stop counting.
	DeletedAt    *time.Time
	DeletedBy    string
	DeleteReason string

	// Scraper bookkeeping
	ScrapeAttempts  int
	LastScrapeError string
}

// Net is the portion of the consumption that counts against the balance.
func (c Consumption) Net() decimal.Decimal {
	return c.Value.Sub(c.InvalidValue)
}

func (c Consumption) Deleted() bool { return c.DeletedAt != nil }

// ProductLine is a quantity of one catalog product in a product-model purchase.
type ProductLine struct {
	ProductID ProductID `json:"productId"`
	Amount    int64     `json:"amount"`
}

// =============================================================================
// PURCHASE DATA - scraped receipt contents (stored as JSON)
// =============================================================================

type PurchaseData struct {
	StoreName  string             `json:"storeName,omitempty"`
	TotalValue *decimal.Decimal   `json:"totalValue,omitempty"`
	Payment    []PaymentLine      `json:"payment"`
	Products   []PurchasedProduct `json:"products"`
}

type PaymentLine struct {
	Name  string          `json:"name"`
	Value decimal.Decimal `json:"value"`
}

type PurchasedProduct struct {
	Name       string          `json:"name"`
	TotalValue decimal.Decimal `json:"totalValue"`
}

// =============================================================================
// QUERY FILTERS
// =============================================================================

// ConsumptionFilter narrows ListConsumptions. Zero fields are ignored.
// From is inclusive, To is exclusive.
type ConsumptionFilter struct {
	FamilyID       FamilyID
	StoreID        StoreID
	From           time.Time
	To             time.Time
	IncludeDeleted bool
	Limit          int
}

// BenefitFilter narrows ListBenefits.
type BenefitFilter struct {
	Group  BenefitGroup
	CityID CityID
	From   time.Time
	To     time.Time
}

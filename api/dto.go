/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the ledger
  types from the wire contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts are decimal strings ("12.50") on the way out. On the way in both
  strings and JSON numbers are accepted.

TIMES:
  RFC 3339 in UTC.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/welfare-ledger/jobs"
	"github.com/warp/welfare-ledger/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateConsumptionRequest records a purchase. Value is used by the cash
// model, Products by the product model.
type CreateConsumptionRequest struct {
	FamilyID  int64                `json:"familyId"`
	StoreID   *int64               `json:"storeId,omitempty"`
	Value     decimal.Decimal      `json:"value"`
	Products  []ledger.ProductLine `json:"products,omitempty"`
	ReceiptID string               `json:"receiptId,omitempty"`
	CreatedBy string               `json:"createdBy,omitempty"`
}

func (r CreateConsumptionRequest) toSpend() ledger.SpendRequest {
	req := ledger.SpendRequest{
		FamilyID:  ledger.FamilyID(r.FamilyID),
		Value:     r.Value,
		Products:  r.Products,
		ReceiptID: r.ReceiptID,
		CreatedBy: r.CreatedBy,
	}
	if r.StoreID != nil {
		id := ledger.StoreID(*r.StoreID)
		req.StoreID = &id
	}
	return req
}

// DeleteConsumptionRequest soft-deletes a consumption.
type DeleteConsumptionRequest struct {
	DeletedBy string `json:"deletedBy"`
	Reason    string `json:"reason"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type ConsumptionDTO struct {
	ID              int64                `json:"id"`
	FamilyID        int64                `json:"familyId"`
	StoreID         *int64               `json:"storeId,omitempty"`
	Value           string               `json:"value"`
	InvalidValue    string               `json:"invalidValue"`
	ReceiptID       string               `json:"receiptId,omitempty"`
	ImageURL        string               `json:"imageUrl,omitempty"`
	Products        []ledger.ProductLine `json:"products,omitempty"`
	PurchaseData    *ledger.PurchaseData `json:"purchaseData,omitempty"`
	ReviewedAt      *string              `json:"reviewedAt,omitempty"`
	CreatedBy       string               `json:"createdBy,omitempty"`
	CreatedAt       string               `json:"createdAt"`
	DeletedAt       *string              `json:"deletedAt,omitempty"`
	DeletedBy       string               `json:"deletedBy,omitempty"`
	DeleteReason    string               `json:"deleteReason,omitempty"`
	ScrapeAttempts  int                  `json:"scrapeAttempts,omitempty"`
	LastScrapeError string               `json:"lastScrapeError,omitempty"`
}

func toConsumptionDTO(c ledger.Consumption) ConsumptionDTO {
	dto := ConsumptionDTO{
		ID:              int64(c.ID),
		FamilyID:        int64(c.FamilyID),
		Value:           c.Value.StringFixed(2),
		InvalidValue:    c.InvalidValue.StringFixed(2),
		ReceiptID:       c.ReceiptID,
		ImageURL:        c.ImageURL,
		Products:        c.Products,
		PurchaseData:    c.PurchaseData,
		ReviewedAt:      formatTimePtr(c.ReviewedAt),
		CreatedBy:       c.CreatedBy,
		CreatedAt:       formatTime(c.CreatedAt),
		DeletedAt:       formatTimePtr(c.DeletedAt),
		DeletedBy:       c.DeletedBy,
		DeleteReason:    c.DeleteReason,
		ScrapeAttempts:  c.ScrapeAttempts,
		LastScrapeError: c.LastScrapeError,
	}
	if c.StoreID != nil {
		id := int64(*c.StoreID)
		dto.StoreID = &id
	}
	return dto
}

type PeriodDTO struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// BalanceDTO is the answer to a balance query. Cash fields are set for the
// cash model, Products for the product model.
type BalanceDTO struct {
	FamilyID  int64               `json:"familyId"`
	Model     string              `json:"model"`
	Period    PeriodDTO           `json:"period"`
	Granted   *string             `json:"granted,omitempty"`
	Spent     *string             `json:"spent,omitempty"`
	Invalid   *string             `json:"invalid,omitempty"`
	Available *string             `json:"available,omitempty"`
	Products  []ProductBalanceDTO `json:"products,omitempty"`
}

type ProductBalanceDTO struct {
	ProductID       int64  `json:"productId"`
	Name            string `json:"name"`
	AmountGranted   int64  `json:"amountGranted"`
	AmountConsumed  int64  `json:"amountConsumed"`
	AmountAvailable int64  `json:"amountAvailable"`
}

func toBalanceDTO(b ledger.Balance) BalanceDTO {
	dto := BalanceDTO{
		FamilyID: int64(b.FamilyID),
		Model:    string(b.Model),
		Period:   PeriodDTO{Start: formatTime(b.Period.Start), End: formatTime(b.Period.End)},
	}
	if b.Cash != nil {
		dto.Granted = money(b.Cash.Granted)
		dto.Spent = money(b.Cash.Spent)
		dto.Invalid = money(b.Cash.Invalid)
		dto.Available = money(b.Cash.Available)
	}
	if b.Model == ledger.ModelProduct {
		dto.Products = make([]ProductBalanceDTO, len(b.Products))
		for i, row := range b.Products {
			dto.Products[i] = ProductBalanceDTO{
				ProductID:       int64(row.Product.ID),
				Name:            row.Product.Name,
				AmountGranted:   row.AmountGranted,
				AmountConsumed:  row.AmountConsumed,
				AmountAvailable: row.AmountAvailable,
			}
		}
	}
	return dto
}

type JobRunDTO struct {
	ID          string  `json:"id"`
	Job         string  `json:"job"`
	Status      string  `json:"status"`
	Processed   int     `json:"processed"`
	Failed      int     `json:"failed"`
	Error       string  `json:"error,omitempty"`
	StartedAt   string  `json:"startedAt"`
	CompletedAt *string `json:"completedAt,omitempty"`
}

func toJobRunDTO(r jobs.JobRun) JobRunDTO {
	return JobRunDTO{
		ID:          r.ID,
		Job:         r.Job,
		Status:      r.Status,
		Processed:   r.Processed,
		Failed:      r.Failed,
		Error:       r.Error,
		StartedAt:   formatTime(r.StartedAt),
		CompletedAt: formatTimePtr(r.CompletedAt),
	}
}

type JobDTO struct {
	Name    string  `json:"name"`
	NextRun *string `json:"nextRun,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// OverdraftResponse adds the numbers behind a 422.
type OverdraftResponse struct {
	ErrorResponse
	Available string `json:"available"`
	Requested string `json:"requested"`
	ProductID int64  `json:"productId,omitempty"`
}

// =============================================================================
// FORMAT HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func money(d decimal.Decimal) *string {
	s := d.StringFixed(2)
	return &s
}

package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/welfare-ledger/ledger"
	"github.com/warp/welfare-ledger/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var march = time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store       *store.Memory
	ledger      *ledger.Ledger
	family      ledger.Family
	institution ledger.Institution
}

func newFixture(t *testing.T, model ledger.BalanceModel) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()

	city := ledger.City{Name: "Recife"}
	require.NoError(t, mem.CreateCity(ctx, &city))
	inst := ledger.Institution{Name: "Secretaria", CityID: city.ID}
	require.NoError(t, mem.CreateInstitution(ctx, &inst))
	family := ledger.Family{Name: "Silva", Group: ledger.GroupExtremePoverty, CityID: city.ID}
	require.NoError(t, mem.CreateFamily(ctx, &family))

	l := ledger.NewLedger(mem, model, time.UTC)
	l.Clock = func() time.Time { return march }

	return &fixture{store: mem, ledger: l, family: family, institution: inst}
}

func (f *fixture) grantCash(t *testing.T, value string, date time.Time) {
	t.Helper()
	b := ledger.Benefit{
		InstitutionID: f.institution.ID,
		Group:         f.family.Group,
		Title:         "Auxílio",
		Date:          date,
		Value:         decimal.RequireFromString(value),
	}
	require.NoError(t, f.store.CreateBenefit(context.Background(), &b))
}

func (f *fixture) grantProducts(t *testing.T, date time.Time, lines ...ledger.BenefitProduct) {
	t.Helper()
	b := ledger.Benefit{
		InstitutionID: f.institution.ID,
		Group:         f.family.Group,
		Title:         "Cesta",
		Date:          date,
		Products:      lines,
	}
	require.NoError(t, f.store.CreateBenefit(context.Background(), &b))
}

func (f *fixture) product(t *testing.T, name string) ledger.ProductID {
	t.Helper()
	p := ledger.Product{Name: name}
	require.NoError(t, f.store.CreateProduct(context.Background(), &p))
	return p.ID
}

func cash(familyID ledger.FamilyID, value, receipt string) ledger.SpendRequest {
	return ledger.SpendRequest{
		FamilyID:  familyID,
		Value:     decimal.RequireFromString(value),
		ReceiptID: receipt,
	}
}

// =============================================================================
// CASH MODEL
// =============================================================================

func TestSpend_CashOverdraft(t *testing.T) {
	// GIVEN: a family with a single 500 grant this month
	// WHEN: spending 500 then 100
	// THEN: the first succeeds, the second fails and persists nothing
	f := newFixture(t, ledger.ModelCash)
	ctx := context.Background()
	f.grantCash(t, "500", time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC))

	c, created, err := f.ledger.Spend(ctx, cash(f.family.ID, "500", ""))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotZero(t, c.ID)

	_, _, err = f.ledger.Spend(ctx, cash(f.family.ID, "100", ""))
	require.ErrorIs(t, err, ledger.ErrOverdraft)
	var od *ledger.OverdraftError
	require.ErrorAs(t, err, &od)
	assert.True(t, od.Available.IsZero())

	all, err := f.store.ListConsumptions(ctx, ledger.ConsumptionFilter{FamilyID: f.family.ID})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSpend_IgnoresGrantsOutsideMonth(t *testing.T) {
	f := newFixture(t, ledger.ModelCash)
	f.grantCash(t, "500", time.Date(2024, time.February, 29, 23, 59, 59, 999_000_000, time.UTC))

	_, _, err := f.ledger.Spend(context.Background(), cash(f.family.ID, "1", ""))
	assert.ErrorIs(t, err, ledger.ErrOverdraft)
}

func TestSpend_IdempotentOnReceipt(t *testing.T) {
	// GIVEN: a purchase recorded with receipt R
	// WHEN: the same receipt is submitted again, even after the balance is gone
	// THEN: the original consumption comes back and nothing new is stored
	f := newFixture(t, ledger.ModelCash)
	ctx := context.Background()
	f.grantCash(t, "100", march)

	first, created, err := f.ledger.Spend(ctx, cash(f.family.ID, "100", "R-1"))
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := f.ledger.Spend(ctx, cash(f.family.ID, "100", " R-1 "))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	all, err := f.store.ListConsumptions(ctx, ledger.ConsumptionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSpend_InvalidPortionIsRefunded(t *testing.T) {
	// GIVEN: 50 spent, of which the validator later flags 20 invalid
	// THEN: available grows by 20
	f := newFixture(t, ledger.ModelCash)
	ctx := context.Background()
	f.grantCash(t, "100", march)

	c, _, err := f.ledger.Spend(ctx, cash(f.family.ID, "50", ""))
	require.NoError(t, err)

	before, err := f.ledger.CashBalance(ctx, f.family.ID)
	require.NoError(t, err)
	assert.Equal(t, "50", before.Available.String())

	require.NoError(t, f.store.MarkReviewed(ctx, c.ID, decimal.NewFromInt(20), march))

	after, err := f.ledger.CashBalance(ctx, f.family.ID)
	require.NoError(t, err)
	assert.Equal(t, "70", after.Available.String())
	assert.Equal(t, "20", after.Invalid.String())
}

func TestSpend_VoidRestoresBalance(t *testing.T) {
	f := newFixture(t, ledger.ModelCash)
	ctx := context.Background()
	f.grantCash(t, "100", march)

	c, _, err := f.ledger.Spend(ctx, cash(f.family.ID, "100", ""))
	require.NoError(t, err)

	assert.ErrorIs(t, f.ledger.Void(ctx, c.ID, "op", "  "), ledger.ErrDeleteReasonRequired)
	require.NoError(t, f.ledger.Void(ctx, c.ID, "op", "wrong family"))
	assert.ErrorIs(t, f.ledger.Void(ctx, c.ID, "op", "again"), ledger.ErrAlreadyDeleted)

	bal, err := f.ledger.CashBalance(ctx, f.family.ID)
	require.NoError(t, err)
	assert.Equal(t, "100", bal.Available.String())

	got, err := f.store.GetConsumption(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "wrong family", got.DeleteReason)
	assert.Equal(t, "op", got.DeletedBy)
}

func TestSpend_ConsumptionFromPreviousMonthDoesNotCount(t *testing.T) {
	f := newFixture(t, ledger.ModelCash)
	ctx := context.Background()
	f.grantCash(t, "100", march)

	old := ledger.Consumption{FamilyID: f.family.ID, Value: decimal.NewFromInt(100), CreatedAt: march.AddDate(0, -1, 0)}
	require.NoError(t, f.store.CreateConsumption(ctx, &old))

	_, created, err := f.ledger.Spend(ctx, cash(f.family.ID, "100", ""))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestSpend_FamilyChecks(t *testing.T) {
	f := newFixture(t, ledger.ModelCash)
	ctx := context.Background()
	f.grantCash(t, "100", march)

	_, _, err := f.ledger.Spend(ctx, cash(9999, "10", ""))
	assert.ErrorIs(t, err, ledger.ErrFamilyNotFound)
	assert.True(t, ledger.IsNotFound(err))

	require.NoError(t, f.store.DeactivateFamily(ctx, f.family.ID, march))
	_, _, err = f.ledger.Spend(ctx, cash(f.family.ID, "10", ""))
	assert.ErrorIs(t, err, ledger.ErrFamilyInactive)

	_, _, err = f.ledger.Spend(ctx, cash(f.family.ID, "0", ""))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestSpend_GrantFromOtherCityIgnored(t *testing.T) {
	f := newFixture(t, ledger.ModelCash)
	ctx := context.Background()

	other := ledger.City{Name: "Olinda"}
	require.NoError(t, f.store.CreateCity(ctx, &other))
	inst := ledger.Institution{Name: "Outra", CityID: other.ID}
	require.NoError(t, f.store.CreateInstitution(ctx, &inst))
	b := ledger.Benefit{InstitutionID: inst.ID, Group: f.family.Group, Date: march, Value: decimal.NewFromInt(100)}
	require.NoError(t, f.store.CreateBenefit(ctx, &b))

	bal, err := f.ledger.CashBalance(ctx, f.family.ID)
	require.NoError(t, err)
	assert.True(t, bal.Granted.IsZero())
}

func TestSpend_ConcurrentSpendsNeverOverdraw(t *testing.T) {
	// GIVEN: 100 available
	// WHEN: 20 concurrent purchases of 10 each
	// THEN: exactly 10 succeed and the balance lands on zero
	f := newFixture(t, ledger.ModelCash)
	ctx := context.Background()
	f.grantCash(t, "100", march)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok, fails int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := f.ledger.Spend(ctx, cash(f.family.ID, "10", ""))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else {
				assert.ErrorIs(t, err, ledger.ErrOverdraft)
				fails++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	assert.Equal(t, 10, fails)
	bal, err := f.ledger.CashBalance(ctx, f.family.ID)
	require.NoError(t, err)
	assert.True(t, bal.Available.IsZero())
}

func TestBalance_SelectsModel(t *testing.T) {
	f := newFixture(t, ledger.ModelCash)
	f.grantCash(t, "80.50", march)

	bal, err := f.ledger.Balance(context.Background(), f.family.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ModelCash, bal.Model)
	require.NotNil(t, bal.Cash)
	assert.Equal(t, "80.5", bal.Cash.Available.String())
	assert.Equal(t, time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC), bal.Period.Start)
}

// =============================================================================
// PRODUCT MODEL
// =============================================================================

func TestProductBalance_Aggregation(t *testing.T) {
	// GIVEN: two grants this month giving rice 2+3 and beans 1
	f := newFixture(t, ledger.ModelProduct)
	ctx := context.Background()
	rice := f.product(t, "Arroz")
	beans := f.product(t, "Feijão")
	f.grantProducts(t, march, ledger.BenefitProduct{ProductID: rice, Amount: 2}, ledger.BenefitProduct{ProductID: beans, Amount: 1})
	f.grantProducts(t, march, ledger.BenefitProduct{ProductID: rice, Amount: 3})

	// WHEN: consuming 4 rice
	_, _, err := f.ledger.Spend(ctx, ledger.SpendRequest{
		FamilyID: f.family.ID,
		Products: []ledger.ProductLine{{ProductID: rice, Amount: 1}, {ProductID: rice, Amount: 3}},
	})
	require.NoError(t, err)

	// THEN
	rows, _, err := f.ledger.ProductBalance(ctx, f.family.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Arroz", rows[0].Product.Name)
	assert.Equal(t, int64(5), rows[0].AmountGranted)
	assert.Equal(t, int64(4), rows[0].AmountConsumed)
	assert.Equal(t, int64(1), rows[0].AmountAvailable)
	assert.Equal(t, int64(1), rows[1].AmountAvailable)
}

func TestSpend_ProductOverdraft(t *testing.T) {
	f := newFixture(t, ledger.ModelProduct)
	ctx := context.Background()
	rice := f.product(t, "Arroz")
	oil := f.product(t, "Óleo")
	f.grantProducts(t, march, ledger.BenefitProduct{ProductID: rice, Amount: 2})

	_, _, err := f.ledger.Spend(ctx, ledger.SpendRequest{
		FamilyID: f.family.ID,
		Products: []ledger.ProductLine{{ProductID: rice, Amount: 3}},
	})
	var od *ledger.OverdraftError
	require.ErrorAs(t, err, &od)
	assert.Equal(t, rice, od.ProductID)

	// Products that were never granted have zero availability.
	_, _, err = f.ledger.Spend(ctx, ledger.SpendRequest{
		FamilyID: f.family.ID,
		Products: []ledger.ProductLine{{ProductID: oil, Amount: 1}},
	})
	assert.ErrorIs(t, err, ledger.ErrOverdraft)

	_, _, err = f.ledger.Spend(ctx, ledger.SpendRequest{FamilyID: f.family.ID})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestProductBalance_NegativeAvailabilityIsNotClamped(t *testing.T) {
	// GIVEN: 4 consumed against a grant later corrected down to 1
	f := newFixture(t, ledger.ModelProduct)
	ctx := context.Background()
	milk := f.product(t, "Leite")

	c := ledger.Consumption{
		FamilyID:  f.family.ID,
		Products:  []ledger.ProductLine{{ProductID: milk, Amount: 4}},
		CreatedAt: march,
	}
	require.NoError(t, f.store.CreateConsumption(ctx, &c))
	f.grantProducts(t, march, ledger.BenefitProduct{ProductID: milk, Amount: 1})

	rows, _, err := f.ledger.ProductBalance(ctx, f.family.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(-3), rows[0].AmountAvailable)
}

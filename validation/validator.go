/*
validator.go - Consumption review

PURPOSE:
  Decides how much of each recorded purchase was spent on products the
  program does not cover. That invalid portion stops counting against the
  family's balance.

REVIEW:
  For each unreviewed consumption, oldest first:
    1. No purchase data: MissingDataPolicy decides. "approve" marks it
       reviewed with nothing invalid; "defer" keeps it out of the batch
       until the scraper attaches data, so it never blocks newer rows.
    2. Each purchased line is matched against the product catalog:
         product.Valid == false   -> invalid, its value counts
         product.Valid == true    -> valid
         product.Valid == nil     -> pending classification, treated valid
         no match                 -> treated valid (optionally registered
                                     as a pending product)
    3. invalidValue = Σ invalid lines, clamped to [0, consumption.value].
    4. reviewedAt = now.

  Ambiguity is always resolved in the family's favour.
*/
package validation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/welfare-ledger/jobs"
	"github.com/warp/welfare-ledger/ledger"
	"github.com/warp/welfare-ledger/metrics"
)

// Store is the persistence the validator needs.
type Store interface {
	// ListUnreviewed returns the oldest unreviewed consumptions. withData
	// leaves out consumptions that have no purchase data yet.
	ListUnreviewed(ctx context.Context, limit int, withData bool) ([]ledger.Consumption, error)
	ListProducts(ctx context.Context) ([]ledger.Product, error)
	CreateProduct(ctx context.Context, p *ledger.Product) error
	MarkReviewed(ctx context.Context, id ledger.ConsumptionID, invalid decimal.Decimal, at time.Time) error
}

// MissingDataPolicy decides what happens to consumptions without purchase data.
type MissingDataPolicy string

const (
	PolicyApprove MissingDataPolicy = "approve"
	PolicyDefer   MissingDataPolicy = "defer"
)

var ErrUnknownPolicy = errors.New("unknown missing data policy")

func ParsePolicy(s string) (MissingDataPolicy, error) {
	switch MissingDataPolicy(s) {
	case PolicyApprove, PolicyDefer:
		return MissingDataPolicy(s), nil
	case "":
		return PolicyApprove, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

// Verdict classifies one purchased line.
type Verdict string

const (
	VerdictValid     Verdict = "valid"
	VerdictInvalid   Verdict = "invalid"
	VerdictPending   Verdict = "pending"
	VerdictUnmatched Verdict = "unmatched"
)

type LineResult struct {
	Name    string
	Value   decimal.Decimal
	Verdict Verdict
	Product *ledger.Product
	Score   float64
}

// Assessment is the outcome of checking one consumption's purchase lines.
type Assessment struct {
	Lines   []LineResult
	Invalid decimal.Decimal
}

// Assess classifies purchase lines against the catalog. It is pure.
func Assess(m *Matcher, data ledger.PurchaseData) Assessment {
	a := Assessment{Invalid: decimal.Zero}
	for _, line := range data.Products {
		r := LineResult{Name: line.Name, Value: line.TotalValue}
		product, score, ok := m.Match(line.Name)
		r.Score = score
		switch {
		case !ok:
			r.Verdict = VerdictUnmatched
		case product.Valid == nil:
			r.Verdict = VerdictPending
		case *product.Valid:
			r.Verdict = VerdictValid
		default:
			r.Verdict = VerdictInvalid
			a.Invalid = a.Invalid.Add(line.TotalValue)
		}
		if ok {
			p := product
			r.Product = &p
		}
		a.Lines = append(a.Lines, r)
	}
	return a
}

// =============================================================================
// VALIDATOR
// =============================================================================

type Validator struct {
	Store   Store
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics

	BatchSize       int
	Threshold       float64
	Policy          MissingDataPolicy
	RegisterUnknown bool

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

func NewValidator(store Store, logger logrus.FieldLogger, m *metrics.Metrics) *Validator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Validator{
		Store:     store,
		Logger:    logger,
		Metrics:   m,
		BatchSize: 100,
		Threshold: DefaultThreshold,
		Policy:    PolicyApprove,
		Clock:     time.Now,
	}
}

// Run reviews the oldest unreviewed consumptions. Item failures are logged
// and counted.
func (v *Validator) Run(ctx context.Context) (jobs.Result, error) {
	pending, err := v.Store.ListUnreviewed(ctx, v.BatchSize, v.Policy == PolicyDefer)
	if err != nil {
		return jobs.Result{}, fmt.Errorf("failed to list unreviewed consumptions: %w", err)
	}
	if len(pending) == 0 {
		return jobs.Result{}, nil
	}

	products, err := v.Store.ListProducts(ctx)
	if err != nil {
		return jobs.Result{}, fmt.Errorf("failed to load product catalog: %w", err)
	}
	matcher := NewMatcher(products, v.Threshold)

	return jobs.ForEach(ctx, pending, 1, func(ctx context.Context, c ledger.Consumption) error {
		return v.review(ctx, matcher, c)
	}), nil
}

func (v *Validator) review(ctx context.Context, m *Matcher, c ledger.Consumption) error {
	log := v.Logger.WithField("consumption_id", c.ID)

	if c.PurchaseData == nil {
		if v.Policy == PolicyDefer {
			v.Metrics.ObserveReview(metrics.ResultSkipped, 0)
			log.Debug("no purchase data yet, review deferred")
			return nil
		}
		return v.mark(ctx, log, c, decimal.Zero)
	}

	a := Assess(m, *c.PurchaseData)
	if v.RegisterUnknown {
		v.register(ctx, log, m, a)
	}

	invalid := a.Invalid
	if invalid.GreaterThan(c.Value) {
		invalid = c.Value
	}
	if invalid.IsNegative() {
		invalid = decimal.Zero
	}
	return v.mark(ctx, log, c, invalid)
}

func (v *Validator) mark(ctx context.Context, log logrus.FieldLogger, c ledger.Consumption, invalid decimal.Decimal) error {
	if err := v.Store.MarkReviewed(ctx, c.ID, invalid, v.now()); err != nil {
		v.Metrics.ObserveReview(metrics.ResultFailed, 0)
		log.WithError(err).Error("failed to mark consumption reviewed")
		return fmt.Errorf("mark consumption %d reviewed: %w", c.ID, err)
	}
	v.Metrics.ObserveReview(metrics.ResultOK, invalid.InexactFloat64())
	if invalid.IsPositive() {
		log.WithFields(logrus.Fields{
			"family_id": c.FamilyID,
			"invalid":   invalid.String(),
			"value":     c.Value.String(),
		}).Info("consumption flagged with invalid portion")
	}
	return nil
}

// register adds unmatched names to the catalog as pending products, so an
// operator can classify them.
func (v *Validator) register(ctx context.Context, log logrus.FieldLogger, m *Matcher, a Assessment) {
	for _, line := range a.Lines {
		if line.Verdict != VerdictUnmatched || line.Name == "" {
			continue
		}
		if _, _, ok := m.Match(line.Name); ok {
			continue
		}
		p := ledger.Product{Name: line.Name}
		err := v.Store.CreateProduct(ctx, &p)
		if errors.Is(err, ledger.ErrDuplicateProduct) {
			continue
		}
		if err != nil {
			log.WithError(err).WithField("product", line.Name).Warn("failed to register unknown product")
			continue
		}
		m.Add(p)
		log.WithField("product", line.Name).Info("registered unknown product for classification")
	}
}

func (v *Validator) now() time.Time {
	if v.Clock == nil {
		return time.Now()
	}
	return v.Clock()
}

package ledger

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/welfare-ledger/metrics"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Uploader stores receipt images somewhere addressable and returns the URL.
type Uploader interface {
	Upload(ctx context.Context, filename, contentType string, body io.Reader) (url string, err error)
	Remove(ctx context.Context, url string) error
}

// ReceiptScraper attaches purchase data to one consumption.
type ReceiptScraper interface {
	ScrapeOne(ctx context.Context, id ConsumptionID) error
}

// Image is an optional receipt photo sent with a purchase.
type Image struct {
	Filename    string
	ContentType string
	Body        io.Reader
}

type RecordRequest struct {
	SpendRequest
	Image *Image
}

// =============================================================================
// RECORDER - purchase flow around Spend
// =============================================================================

// Recorder wraps Ledger.Spend with image upload and, for the cash model,
// an asynchronous receipt scrape. A failed scrape never undoes the purchase.
type Recorder struct {
	Ledger   *Ledger
	Uploader Uploader       // optional
	Scraper  ReceiptScraper // optional
	Logger   logrus.FieldLogger
	Metrics  *metrics.Metrics

	// ScrapeTimeout bounds the background scrape started after a purchase.
	ScrapeTimeout time.Duration

	// Dispatch runs background work. Defaults to a new goroutine.
	Dispatch func(func())
}

func NewRecorder(l *Ledger, uploader Uploader, scraper ReceiptScraper, logger logrus.FieldLogger, m *metrics.Metrics) *Recorder {
	return &Recorder{
		Ledger:        l,
		Uploader:      uploader,
		Scraper:       scraper,
		Logger:        logger,
		Metrics:       m,
		ScrapeTimeout: time.Minute,
	}
}

// Record persists a purchase. created is false for an idempotent hit.
func (r *Recorder) Record(ctx context.Context, req RecordRequest) (Consumption, bool, error) {
	existing, err := r.Ledger.Check(ctx, req.SpendRequest)
	if err != nil {
		r.observe(err, false, req.Value)
		return Consumption{}, false, err
	}
	if existing != nil {
		r.observe(nil, false, req.Value)
		return *existing, false, nil
	}

	var uploaded string
	if req.Image != nil && r.Uploader != nil {
		uploaded, err = r.Uploader.Upload(ctx, req.Image.Filename, req.Image.ContentType, req.Image.Body)
		if err != nil {
			r.observe(err, false, req.Value)
			return Consumption{}, false, err
		}
		req.ImageURL = uploaded
	}

	c, created, err := r.Ledger.Spend(ctx, req.SpendRequest)
	if uploaded != "" && (err != nil || !created) {
		if rmErr := r.Uploader.Remove(context.WithoutCancel(ctx), uploaded); rmErr != nil {
			r.logger().WithError(rmErr).WithField("url", uploaded).Warn("failed to remove orphaned receipt image")
		}
	}
	r.observe(err, created, c.Value)
	if err != nil {
		return Consumption{}, false, err
	}

	if created && r.Ledger.Model == ModelCash && c.ReceiptID != "" && r.Scraper != nil {
		r.kickScrape(ctx, c)
	}
	return c, created, nil
}

func (r *Recorder) kickScrape(ctx context.Context, c Consumption) {
	dispatch := r.Dispatch
	if dispatch == nil {
		dispatch = func(f func()) { go f() }
	}
	base := context.WithoutCancel(ctx)
	timeout := r.ScrapeTimeout
	dispatch(func() {
		scrapeCtx := base
		if timeout > 0 {
			var cancel context.CancelFunc
			scrapeCtx, cancel = context.WithTimeout(base, timeout)
			defer cancel()
		}
		if err := r.Scraper.ScrapeOne(scrapeCtx, c.ID); err != nil {
			r.logger().WithError(err).WithFields(logrus.Fields{
				"consumption_id": c.ID,
				"receipt_id":     c.ReceiptID,
			}).Warn("receipt scrape after purchase failed; will retry in batch")
		}
	})
}

func (r *Recorder) observe(err error, created bool, value decimal.Decimal) {
	switch {
	case err == nil && created:
		r.Metrics.ObserveConsumption(metrics.OutcomeCreated, value.InexactFloat64())
	case err == nil:
		r.Metrics.ObserveConsumption(metrics.OutcomeIdempotent, 0)
	case errors.Is(err, ErrOverdraft):
		r.Metrics.ObserveConsumption(metrics.OutcomeOverdraft, 0)
	case IsClientError(err) || IsNotFound(err):
		r.Metrics.ObserveConsumption(metrics.OutcomeRejected, 0)
	default:
		r.Metrics.ObserveConsumption(metrics.OutcomeError, 0)
	}
}

func (r *Recorder) logger() logrus.FieldLogger {
	if r.Logger == nil {
		return logrus.StandardLogger()
	}
	return r.Logger
}

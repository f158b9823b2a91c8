/*
scraper.go - Receipt scrape batch

PURPOSE:
  Attaches parsed purchase data to consumptions that carry a receipt
  identifier. Runs as the "scrape" job and once right after each cash-model
  purchase (ScrapeOne, via the recorder).

QUEUE:
  Non-deleted consumptions with a receipt and no purchase data, oldest
  first, at most BatchSize per run. Every failure bumps the consumption's
  attempt counter; consumptions at MaxAttempts leave the queue (0 = retry
  forever).

LOAD LIMITS:
  One outbound fetch at a time across the batch and ScrapeOne (fetchMu).
  The consumption is re-read under the lock, so a row already scraped by
  the other path is skipped instead of fetched again.
  Each fetch has its own timeout (HTTPFetcher.Timeout).
*/
package receipt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/welfare-ledger/jobs"
	"github.com/warp/welfare-ledger/ledger"
	"github.com/warp/welfare-ledger/metrics"
)

// Store is the persistence the scraper needs.
type Store interface {
	GetConsumption(ctx context.Context, id ledger.ConsumptionID) (ledger.Consumption, error)
	ListUnscraped(ctx context.Context, limit, maxAttempts int) ([]ledger.Consumption, error)
	SavePurchaseData(ctx context.Context, id ledger.ConsumptionID, data ledger.PurchaseData) error
	RecordScrapeFailure(ctx context.Context, id ledger.ConsumptionID, reason string) error
}

type Scraper struct {
	Store   Store
	Fetcher Fetcher
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics

	BatchSize   int
	MaxAttempts int

	fetchMu sync.Mutex
}

func NewScraper(store Store, fetcher Fetcher, logger logrus.FieldLogger, m *metrics.Metrics) *Scraper {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Scraper{
		Store:       store,
		Fetcher:     fetcher,
		Logger:      logger,
		Metrics:     m,
		BatchSize:   30,
		MaxAttempts: 10,
	}
}

// Run scrapes the oldest pending consumptions. Item failures are logged and
// counted; only a failure to load the queue fails the run.
func (s *Scraper) Run(ctx context.Context) (jobs.Result, error) {
	pending, err := s.Store.ListUnscraped(ctx, s.BatchSize, s.MaxAttempts)
	if err != nil {
		return jobs.Result{}, fmt.Errorf("failed to list unscraped consumptions: %w", err)
	}
	if len(pending) == 0 {
		return jobs.Result{}, nil
	}

	s.Logger.WithField("count", len(pending)).Debug("scraping receipts")
	return jobs.ForEach(ctx, pending, 1, s.scrape), nil
}

// ScrapeOne scrapes a single consumption. Consumptions that are deleted,
// carry no receipt or were already scraped are left alone.
func (s *Scraper) ScrapeOne(ctx context.Context, id ledger.ConsumptionID) error {
	c, err := s.Store.GetConsumption(ctx, id)
	if err != nil {
		return err
	}
	if c.Deleted() || c.ReceiptID == "" || c.PurchaseData != nil {
		s.Metrics.ObserveScrape(metrics.ResultSkipped, 0)
		return nil
	}
	return s.scrape(ctx, c)
}

// scrape holds fetchMu from the re-read through the save, so a consumption
// queued twice (batch and ScrapeOne) is fetched once.
func (s *Scraper) scrape(ctx context.Context, queued ledger.Consumption) error {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()

	c, err := s.Store.GetConsumption(ctx, queued.ID)
	if err != nil {
		return fmt.Errorf("reload consumption %d: %w", queued.ID, err)
	}
	if c.Deleted() || c.PurchaseData != nil {
		s.Metrics.ObserveScrape(metrics.ResultSkipped, 0)
		return nil
	}

	log := s.Logger.WithFields(logrus.Fields{
		"consumption_id": c.ID,
		"receipt_id":     c.ReceiptID,
	})

	start := time.Now()
	data, err := s.fetch(ctx, c.ReceiptID)
	if err != nil {
		s.Metrics.ObserveScrape(metrics.ResultFailed, time.Since(start))
		if recErr := s.Store.RecordScrapeFailure(context.WithoutCancel(ctx), c.ID, err.Error()); recErr != nil {
			log.WithError(recErr).Error("failed to record scrape failure")
		}
		log.WithError(err).WithField("attempt", c.ScrapeAttempts+1).Warn("receipt scrape failed")
		return fmt.Errorf("scrape consumption %d: %w", c.ID, err)
	}

	if err := s.Store.SavePurchaseData(ctx, c.ID, data); err != nil {
		s.Metrics.ObserveScrape(metrics.ResultFailed, time.Since(start))
		log.WithError(err).Error("failed to save purchase data")
		return fmt.Errorf("save purchase data for consumption %d: %w", c.ID, err)
	}

	s.Metrics.ObserveScrape(metrics.ResultOK, time.Since(start))
	log.WithFields(logrus.Fields{
		"store":    data.StoreName,
		"products": len(data.Products),
	}).Info("receipt scraped")
	return nil
}

// fetch must be called with fetchMu held.
func (s *Scraper) fetch(ctx context.Context, receiptID string) (ledger.PurchaseData, error) {
	body, err := s.Fetcher.Fetch(ctx, receiptID)
	if err != nil {
		return ledger.PurchaseData{}, err
	}
	defer body.Close()
	return Parse(body)
}

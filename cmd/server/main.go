/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the welfare benefit ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load configuration
  2. Initialize SQLite store (migrations run on open)
  3. Build ledger, receipt scraper, validator and recorder
  4. Register the scrape and validate jobs
  5. Configure HTTP router and start serving

COMMAND-LINE FLAGS:
  --config  YAML configuration file (optional)
  --addr    HTTP listen address, overrides server.addr
  --db      SQLite database path, overrides database.path
            Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the job scheduler (running batches finish)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

ENVIRONMENT:
  Every config key can be set as WELFARE_<KEY>, e.g. WELFARE_BALANCE_MODEL.
  A .env file in the working directory is loaded first.

SEE ALSO:
  - config/config.go: Keys and defaults
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/warp/welfare-ledger/api"
	"github.com/warp/welfare-ledger/config"
	"github.com/warp/welfare-ledger/jobs"
	"github.com/warp/welfare-ledger/ledger"
	"github.com/warp/welfare-ledger/metrics"
	"github.com/warp/welfare-ledger/pkg/logger"
	"github.com/warp/welfare-ledger/receipt"
	"github.com/warp/welfare-ledger/store/sqlite"
	"github.com/warp/welfare-ledger/upload"
	"github.com/warp/welfare-ledger/validation"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "YAML configuration file")
	addr := flag.String("addr", "", "HTTP listen address (overrides server.addr)")
	dbPath := flag.String("db", "", "SQLite database path (overrides database.path)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("Server failed")
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	model, err := ledger.ParseBalanceModel(cfg.Balance.Model)
	if err != nil {
		return err
	}
	policy, err := validation.ParsePolicy(cfg.Validation.MissingDataPolicy)
	if err != nil {
		return err
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	l := ledger.NewLedger(store, model, loc)

	// Receipt pipeline
	var scraper *receipt.Scraper
	if cfg.Receipt.URLPattern != "" {
		fetcher := receipt.NewHTTPFetcher(cfg.Receipt.URLPattern, cfg.Receipt.Timeout, cfg.Receipt.UserAgent)
		scraper = receipt.NewScraper(store, fetcher, log.WithField("component", "scraper"), m)
		scraper.BatchSize = cfg.Receipt.BatchSize
		scraper.MaxAttempts = cfg.Receipt.MaxAttempts
	} else if model == ledger.ModelCash {
		log.Warn("receipt.url_pattern is empty, receipt scraping disabled")
	}

	validator := validation.NewValidator(store, log.WithField("component", "validator"), m)
	validator.BatchSize = cfg.Validation.BatchSize
	validator.Threshold = cfg.Validation.MatchThreshold
	validator.Policy = policy
	validator.RegisterUnknown = cfg.Validation.RegisterUnknown

	uploads, err := upload.NewLocal(cfg.Upload.Dir, cfg.Upload.BaseURL)
	if err != nil {
		return err
	}

	var receiptScraper ledger.ReceiptScraper
	if scraper != nil {
		receiptScraper = scraper
	}
	recorder := ledger.NewRecorder(l, uploads, receiptScraper, log.WithField("component", "recorder"), m)
	if cfg.Receipt.Timeout > 0 {
		recorder.ScrapeTimeout = 2 * cfg.Receipt.Timeout
	}

	// Jobs
	scheduler := jobs.NewScheduler(store, log.WithField("component", "scheduler"), m)
	scrapeSpec, validateSpec := cfg.Jobs.Scrape, cfg.Jobs.Validate
	if !cfg.Jobs.Enabled {
		scrapeSpec, validateSpec = "", ""
	}
	if scraper != nil {
		if err := scheduler.Register("scrape", scrapeSpec, scraper.Run); err != nil {
			return err
		}
	}
	if err := scheduler.Register("validate", validateSpec, validator.Run); err != nil {
		return err
	}
	scheduler.Start()

	// HTTP
	handler := api.NewHandler(recorder, scheduler, log.WithField("component", "api"))
	handler.Health = store.Ping
	router := api.NewRouter(handler, api.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Gatherer:       reg,
		UploadDir:      cfg.Upload.Dir,
		UploadBaseURL:  cfg.Upload.BaseURL,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"addr":  cfg.Server.Addr,
			"model": model,
			"jobs":  scheduler.Jobs(),
		}).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		scheduler.Stop()
		return err
	}

	log.Info("Shutting down server...")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return err
	}

	log.Info("Server stopped")
	return nil
}

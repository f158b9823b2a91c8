package receipt_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/welfare-ledger/ledger"
	"github.com/warp/welfare-ledger/ledger/store"
	"github.com/warp/welfare-ledger/receipt"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func seedFamily(t *testing.T, mem *store.Memory) ledger.Family {
	t.Helper()
	ctx := context.Background()
	city := ledger.City{Name: "Recife"}
	require.NoError(t, mem.CreateCity(ctx, &city))
	f := ledger.Family{Name: "Souza", Group: ledger.GroupChildren, CityID: city.ID}
	require.NoError(t, mem.CreateFamily(ctx, &f))
	return f
}

func consumption(t *testing.T, mem *store.Memory, familyID ledger.FamilyID, receiptID string) ledger.Consumption {
	t.Helper()
	c := ledger.Consumption{FamilyID: familyID, Value: decimal.NewFromInt(10), ReceiptID: receiptID, CreatedAt: time.Now()}
	require.NoError(t, mem.CreateConsumption(context.Background(), &c))
	return c
}

func fixture(t *testing.T, name string) []byte {
	t.Helper()
	raw, err := os.ReadFile("testdata/" + name)
	require.NoError(t, err)
	return raw
}

// =============================================================================
// FETCHER
// =============================================================================

func TestHTTPFetcher_URL(t *testing.T) {
	f := receipt.NewHTTPFetcher("https://portal.example/nfce?p={receipt}", time.Second, "")
	u, err := f.URL("2624|2|1")
	require.NoError(t, err)
	assert.Equal(t, "https://portal.example/nfce?p=2624%7C2%7C1", u)

	f.URLPattern = "https://portal.example/nfce?p="
	u, err = f.URL("abc")
	require.NoError(t, err)
	assert.Equal(t, "https://portal.example/nfce?p=abc", u)

	f.URLPattern = ""
	_, err = f.URL("abc")
	assert.ErrorIs(t, err, receipt.ErrNoURLPattern)
}

func TestHTTPFetcher_DecodesCharset(t *testing.T) {
	// ISO-8859-1 bytes for "FEIJÃO"
	latin1 := []byte("<div class=\"txtTopo\">FEIJ\xc3O</div>")
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/html; charset=ISO-8859-1")
		_, _ = w.Write(latin1)
	}))
	defer srv.Close()

	f := receipt.NewHTTPFetcher(srv.URL+"/?p={receipt}", time.Second, "welfare-test")
	body, err := f.Fetch(context.Background(), "X")
	require.NoError(t, err)
	defer body.Close()

	data, err := receipt.Parse(body)
	require.NoError(t, err)
	assert.Equal(t, "FEIJÃO", data.StoreName)
	assert.Equal(t, "welfare-test", gotUA)
}

func TestHTTPFetcher_StatusAndTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("p") == "slow" {
			select {
			case <-time.After(2 * time.Second):
			case <-r.Context().Done():
			}
			return
		}
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	f := receipt.NewHTTPFetcher(srv.URL+"/?p={receipt}", 50*time.Millisecond, "")

	_, err := f.Fetch(context.Background(), "bad")
	var statusErr *receipt.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)

	start := time.Now()
	_, err = f.Fetch(context.Background(), "slow")
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

// =============================================================================
// SCRAPER
// =============================================================================

func TestScraper_RunAttachesPurchaseData(t *testing.T) {
	// GIVEN: two receipts, one page scrapes and one is a portal error page
	mem := store.NewMemory()
	fam := seedFamily(t, mem)
	ok := consumption(t, mem, fam.ID, "GOOD")
	bad := consumption(t, mem, fam.ID, "BAD")
	consumption(t, mem, fam.ID, "")

	full := fixture(t, "nfce_full.html")
	down := fixture(t, "unavailable.html")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if r.URL.Query().Get("p") == "GOOD" {
			_, _ = w.Write(full)
			return
		}
		_, _ = w.Write(down)
	}))
	defer srv.Close()

	logger, _ := logtest.NewNullLogger()
	s := receipt.NewScraper(mem, receipt.NewHTTPFetcher(srv.URL+"/?p={receipt}", time.Second, ""), logger, nil)

	// WHEN
	res, err := s.Run(context.Background())

	// THEN: batch continues past the failure
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Failed)

	got, err := mem.GetConsumption(context.Background(), ok.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PurchaseData)
	assert.Equal(t, "SUPERMERCADO BOM PRECO LTDA", got.PurchaseData.StoreName)

	failed, err := mem.GetConsumption(context.Background(), bad.ID)
	require.NoError(t, err)
	assert.Nil(t, failed.PurchaseData)
	assert.Equal(t, 1, failed.ScrapeAttempts)
	assert.Contains(t, failed.LastScrapeError, "unrecognized")
}

func TestScraper_AttemptCapAndBatchSize(t *testing.T) {
	mem := store.NewMemory()
	fam := seedFamily(t, mem)
	for i := 0; i < 5; i++ {
		consumption(t, mem, fam.ID, fmt.Sprintf("R-%d", i))
	}

	var requests []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests = append(requests, r.URL.Query().Get("p"))
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	logger, _ := logtest.NewNullLogger()
	s := receipt.NewScraper(mem, receipt.NewHTTPFetcher(srv.URL+"/?p={receipt}", time.Second, ""), logger, nil)
	s.BatchSize = 2
	s.MaxAttempts = 1

	// Oldest first, two per run, each failing once then leaving the queue.
	for run := 0; run < 4; run++ {
		_, err := s.Run(context.Background())
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"R-0", "R-1", "R-2", "R-3", "R-4"}, requests)
}

func TestScraper_SerializesFetches(t *testing.T) {
	mem := store.NewMemory()
	fam := seedFamily(t, mem)
	var ids []ledger.ConsumptionID
	for i := 0; i < 4; i++ {
		ids = append(ids, consumption(t, mem, fam.ID, fmt.Sprintf("S-%d", i)).ID)
	}

	var inFlight, peak atomic.Int32
	page := fixture(t, "nfce_no_payment.html")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		_, _ = w.Write(page)
	}))
	defer srv.Close()

	logger, _ := logtest.NewNullLogger()
	s := receipt.NewScraper(mem, receipt.NewHTTPFetcher(srv.URL+"/?p={receipt}", time.Second, ""), logger, nil)

	// WHEN: ScrapeOne calls race a batch run
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.ScrapeOne(context.Background(), id)
		}()
	}
	_, err := s.Run(context.Background())
	require.NoError(t, err)
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
}

func TestScraper_ScrapeOneSkipsDone(t *testing.T) {
	mem := store.NewMemory()
	fam := seedFamily(t, mem)
	c := consumption(t, mem, fam.ID, "DONE")
	require.NoError(t, mem.SavePurchaseData(context.Background(), c.ID, ledger.PurchaseData{}))

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	s := receipt.NewScraper(mem, receipt.NewHTTPFetcher(srv.URL+"/?p={receipt}", time.Second, ""), nil, nil)
	require.NoError(t, s.ScrapeOne(context.Background(), c.ID))
	assert.Zero(t, calls.Load())

	err := s.ScrapeOne(context.Background(), 999)
	assert.ErrorIs(t, err, ledger.ErrConsumptionNotFound)
	assert.False(t, strings.Contains(err.Error(), "scrape"))
}

// listedStore reports when the batch has taken its snapshot of the queue.
type listedStore struct {
	*store.Memory
	listed chan struct{}
}

func (s listedStore) ListUnscraped(ctx context.Context, limit, maxAttempts int) ([]ledger.Consumption, error) {
	pending, err := s.Memory.ListUnscraped(ctx, limit, maxAttempts)
	close(s.listed)
	return pending, err
}

func TestScraper_BatchSkipsRowScrapedMeanwhile(t *testing.T) {
	// GIVEN: ScrapeOne is mid-fetch when a batch lists the same consumption
	mem := store.NewMemory()
	fam := seedFamily(t, mem)
	c := consumption(t, mem, fam.ID, "TWICE")

	var fetches atomic.Int32
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	page := fixture(t, "nfce_no_payment.html")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fetches.Add(1) == 1 {
			entered <- struct{}{}
			<-release
		}
		_, _ = w.Write(page)
	}))
	defer srv.Close()

	st := listedStore{Memory: mem, listed: make(chan struct{})}
	logger, _ := logtest.NewNullLogger()
	s := receipt.NewScraper(st, receipt.NewHTTPFetcher(srv.URL+"/?p={receipt}", 5*time.Second, ""), logger, nil)

	one := make(chan error, 1)
	go func() { one <- s.ScrapeOne(context.Background(), c.ID) }()
	<-entered

	type runResult struct {
		processed, failed int
		err               error
	}
	batch := make(chan runResult, 1)
	go func() {
		res, err := s.Run(context.Background())
		batch <- runResult{res.Processed, res.Failed, err}
	}()
	<-st.listed

	// WHEN: the first fetch completes
	close(release)
	require.NoError(t, <-one)
	got := <-batch

	// THEN: the batch re-reads the row and does not fetch it again
	require.NoError(t, got.err)
	assert.Equal(t, 1, got.processed)
	assert.Zero(t, got.failed)
	assert.Equal(t, int32(1), fetches.Load())

	saved, err := mem.GetConsumption(context.Background(), c.ID)
	require.NoError(t, err)
	require.NotNil(t, saved.PurchaseData)
	assert.Zero(t, saved.ScrapeAttempts)
}

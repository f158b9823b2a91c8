package ledger_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/warp/welfare-ledger/ledger"
	"github.com/warp/welfare-ledger/metrics"
)

type mockUploader struct{ mock.Mock }

func (m *mockUploader) Upload(ctx context.Context, filename, contentType string, body io.Reader) (string, error) {
	args := m.Called(ctx, filename, contentType, body)
	return args.String(0), args.Error(1)
}

func (m *mockUploader) Remove(ctx context.Context, url string) error {
	return m.Called(ctx, url).Error(0)
}

type mockScraper struct{ mock.Mock }

func (m *mockScraper) ScrapeOne(ctx context.Context, id ledger.ConsumptionID) error {
	return m.Called(ctx, id).Error(0)
}

func newRecorder(t *testing.T, f *fixture, up ledger.Uploader, sc ledger.ReceiptScraper) (*ledger.Recorder, *metrics.Metrics) {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	m := metrics.New(prometheus.NewRegistry())
	r := ledger.NewRecorder(f.ledger, up, sc, logger, m)
	r.Dispatch = func(fn func()) { fn() }
	return r, m
}

func image() *ledger.Image {
	return &ledger.Image{Filename: "nota.jpg", ContentType: "image/jpeg", Body: strings.NewReader("jpeg")}
}

func TestRecorder_UploadsAndScrapes(t *testing.T) {
	// GIVEN: a cash deployment with balance
	f := newFixture(t, ledger.ModelCash)
	f.grantCash(t, "200", march)
	up := &mockUploader{}
	sc := &mockScraper{}
	up.On("Upload", mock.Anything, "nota.jpg", "image/jpeg", mock.Anything).Return("/uploads/abc.jpg", nil)
	sc.On("ScrapeOne", mock.Anything, mock.AnythingOfType("ledger.ConsumptionID")).Return(nil)
	r, m := newRecorder(t, f, up, sc)

	// WHEN
	c, created, err := r.Record(context.Background(), ledger.RecordRequest{
		SpendRequest: cash(f.family.ID, "75.25", "NFCE-1"),
		Image:        image(),
	})

	// THEN
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "/uploads/abc.jpg", c.ImageURL)
	up.AssertExpectations(t)
	sc.AssertCalled(t, "ScrapeOne", mock.Anything, c.ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Consumptions.WithLabelValues(metrics.OutcomeCreated)))
	assert.Equal(t, 75.25, testutil.ToFloat64(m.ConsumedValue))
}

func TestRecorder_OverdraftHasNoSideEffects(t *testing.T) {
	f := newFixture(t, ledger.ModelCash)
	f.grantCash(t, "10", march)
	up := &mockUploader{}
	sc := &mockScraper{}
	r, m := newRecorder(t, f, up, sc)

	_, _, err := r.Record(context.Background(), ledger.RecordRequest{
		SpendRequest: cash(f.family.ID, "50", "NFCE-2"),
		Image:        image(),
	})

	assert.ErrorIs(t, err, ledger.ErrOverdraft)
	up.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	sc.AssertNotCalled(t, "ScrapeOne", mock.Anything, mock.Anything)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Consumptions.WithLabelValues(metrics.OutcomeOverdraft)))
}

func TestRecorder_IdempotentHitSkipsUploadAndScrape(t *testing.T) {
	f := newFixture(t, ledger.ModelCash)
	f.grantCash(t, "100", march)
	up := &mockUploader{}
	sc := &mockScraper{}
	sc.On("ScrapeOne", mock.Anything, mock.Anything).Return(nil).Once()
	r, _ := newRecorder(t, f, up, sc)
	ctx := context.Background()

	first, _, err := r.Record(ctx, ledger.RecordRequest{SpendRequest: cash(f.family.ID, "30", "NFCE-3")})
	require.NoError(t, err)

	again, created, err := r.Record(ctx, ledger.RecordRequest{SpendRequest: cash(f.family.ID, "30", "NFCE-3"), Image: image()})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	up.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	sc.AssertNumberOfCalls(t, "ScrapeOne", 1)
}

func TestRecorder_RemovesUploadWhenSpendFails(t *testing.T) {
	// GIVEN: the pre-check passes but the family is deactivated before Spend
	f := newFixture(t, ledger.ModelCash)
	f.grantCash(t, "100", march)
	up := &mockUploader{}
	up.On("Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			_ = f.store.DeactivateFamily(context.Background(), f.family.ID, march)
		}).
		Return("/uploads/x.jpg", nil)
	up.On("Remove", mock.Anything, "/uploads/x.jpg").Return(nil)
	r, _ := newRecorder(t, f, up, nil)

	_, _, err := r.Record(context.Background(), ledger.RecordRequest{
		SpendRequest: cash(f.family.ID, "10", ""),
		Image:        image(),
	})

	assert.ErrorIs(t, err, ledger.ErrFamilyInactive)
	up.AssertCalled(t, "Remove", mock.Anything, "/uploads/x.jpg")
}

func TestRecorder_ScrapeFailureKeepsConsumption(t *testing.T) {
	f := newFixture(t, ledger.ModelCash)
	f.grantCash(t, "100", march)
	sc := &mockScraper{}
	sc.On("ScrapeOne", mock.Anything, mock.Anything).Return(errors.New("sefaz down"))
	logger, hook := logtest.NewNullLogger()
	r := ledger.NewRecorder(f.ledger, nil, sc, logger, nil)
	r.Dispatch = func(fn func()) { fn() }
	r.ScrapeTimeout = time.Second

	c, created, err := r.Record(context.Background(), ledger.RecordRequest{SpendRequest: cash(f.family.ID, "10", "NFCE-4")})

	require.NoError(t, err)
	assert.True(t, created)
	stored, err := f.store.GetConsumption(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, "NFCE-4", stored.ReceiptID)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, c.ID, hook.LastEntry().Data["consumption_id"])
}

func TestRecorder_ProductModelDoesNotScrape(t *testing.T) {
	f := newFixture(t, ledger.ModelProduct)
	rice := f.product(t, "Arroz")
	f.grantProducts(t, march, ledger.BenefitProduct{ProductID: rice, Amount: 1})
	sc := &mockScraper{}
	r, _ := newRecorder(t, f, nil, sc)

	_, created, err := r.Record(context.Background(), ledger.RecordRequest{SpendRequest: ledger.SpendRequest{
		FamilyID:  f.family.ID,
		Products:  []ledger.ProductLine{{ProductID: rice, Amount: 1}},
		ReceiptID: "NFCE-5",
	}})

	require.NoError(t, err)
	assert.True(t, created)
	sc.AssertNotCalled(t, "ScrapeOne", mock.Anything, mock.Anything)
}

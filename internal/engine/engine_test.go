package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/code-shreya/subscription-manager-sub002/internal/bank"
	"github.com/code-shreya/subscription-manager-sub002/internal/common"
	"github.com/code-shreya/subscription-manager-sub002/internal/mailbox"
	"github.com/code-shreya/subscription-manager-sub002/internal/model"
	"github.com/code-shreya/subscription-manager-sub002/internal/service"
	"github.com/code-shreya/subscription-manager-sub002/internal/storage"
	"github.com/code-shreya/subscription-manager-sub002/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(f float64) *float64 { return &f }

func newTestEngine(t *testing.T, store *storage.SQLiteStorage, email EmailSource, opts Options) *DetectionEngine {
	t.Helper()
	return New(store, bank.NewAdapter(store), email, opts, nil)
}

func seedTransactions(t *testing.T, store *storage.SQLiteStorage, txns ...[]model.Transaction) {
	t.Helper()
	for _, batch := range txns {
		_, err := store.SaveTransactions(context.Background(), batch)
		require.NoError(t, err)
	}
}

func pendingCount(t *testing.T, e *DetectionEngine, userID string) int {
	t.Helper()
	pending := model.StatusPending
	ds, err := e.GetDetections(context.Background(), userID, &pending)
	require.NoError(t, err)
	return len(ds)
}

func TestScanBankTransactions_SpotifyScenario(t *testing.T) {
	store := testutil.SetupTestDB(t)
	start := time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -150)
	series := testutil.NewChargeSeries("u1", "Spotify", start).Repeat(119, 6).Build()
	seedTransactions(t, store, series)

	e := newTestEngine(t, store, nil, DefaultOptions())
	result, err := e.ScanBankTransactions(context.Background(), "u1", 365)
	require.NoError(t, err)
	assert.Equal(t, &BankScanResult{Patterns: 1, Detected: 1}, result)

	ds, err := e.GetDetections(context.Background(), "u1", nil)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	d := ds[0]
	assert.Equal(t, "Spotify", d.Name)
	assert.Equal(t, model.SourceBank, d.Source)
	assert.Equal(t, model.StatusPending, d.Status)
	assert.InDelta(t, 0.90, d.Confidence, 0.0001)
	require.NotNil(t, d.Amount)
	assert.InDelta(t, 119, *d.Amount, 0.0001)
	require.NotNil(t, d.BillingCycle)
	assert.Equal(t, model.CycleMonthly, *d.BillingCycle)
	require.NotNil(t, d.Category)
	assert.Equal(t, "Music", *d.Category)
	require.NotNil(t, d.NextBillingDate)
	last := series[len(series)-1]
	assert.True(t, last.Date.AddDate(0, 1, 0).Equal(*d.NextBillingDate))
	assert.Equal(t, last.ID, d.SourceID)
	assert.Contains(t, string(d.RawData), `"count":6`)
}

func TestScanBankTransactions_RescanIsSuppressed(t *testing.T) {
	store := testutil.SetupTestDB(t)
	start := time.Now().UTC().AddDate(0, 0, -100)
	seedTransactions(t, store,
		testutil.NewChargeSeries("u1", "Netflix", start).Repeat(649, 4).Build(),
		testutil.NewChargeSeries("u1", "Cult.fit", start).Amounts(999, 1099).Build(),
	)

	e := newTestEngine(t, store, nil, DefaultOptions())
	first, err := e.ScanBankTransactions(context.Background(), "u1", 365)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Detected)

	second, err := e.ScanBankTransactions(context.Background(), "u1", 365)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Patterns)
	assert.Zero(t, second.Detected)
	assert.Equal(t, 2, pendingCount(t, e, "u1"))
}

func TestScanBankTransactions_NoTransactions(t *testing.T) {
	store := testutil.SetupTestDB(t)
	e := newTestEngine(t, store, nil, DefaultOptions())

	result, err := e.ScanBankTransactions(context.Background(), "u1", 30)
	require.NoError(t, err)
	assert.Equal(t, &BankScanResult{}, result)
}

type failingBank struct{}

func (failingBank) GetUserTransactions(context.Context, string, int) ([]model.Transaction, error) {
	return nil, common.SourceUnavailable("bank", errors.New("connection refused"))
}

func TestScanBankTransactions_SourceUnavailableFailsScan(t *testing.T) {
	store := testutil.SetupTestDB(t)
	e := New(store, failingBank{}, nil, DefaultOptions(), nil)

	_, err := e.ScanBankTransactions(context.Background(), "u1", 30)
	assert.ErrorIs(t, err, common.ErrSourceUnavailable)

	unconfigured := New(store, nil, nil, DefaultOptions(), nil)
	_, err = unconfigured.ScanBankTransactions(context.Background(), "u1", 30)
	assert.ErrorIs(t, err, common.ErrSourceUnavailable)
}

func TestScanBankTransactions_ConcurrentScansBounded(t *testing.T) {
	for _, serialize := range []bool{true, false} {
		t.Run(map[bool]string{true: "serialized", false: "unserialized"}[serialize], func(t *testing.T) {
			store := testutil.SetupTestDB(t)
			start := time.Now().UTC().AddDate(0, 0, -90)
			seedTransactions(t, store, testutil.NewChargeSeries("u1", "Netflix", start).Repeat(649, 4).Build())

			e := newTestEngine(t, store, nil, Options{SerializeDedup: serialize})

			var wg sync.WaitGroup
			for i := 0; i < 2; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := e.ScanBankTransactions(context.Background(), "u1", 365)
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			n := pendingCount(t, e, "u1")
			assert.GreaterOrEqual(t, n, 1)
			assert.LessOrEqual(t, n, 2, "at most one extra duplicate")
			if serialize {
				assert.Equal(t, 1, n)
			}
		})
	}
}

func TestInsertDetection_DedupWindow(t *testing.T) {
	store := testutil.SetupTestDB(t)
	e := newTestEngine(t, store, nil, DefaultOptions())
	ctx := context.Background()

	stored, err := e.insertDetection(ctx, &model.Detection{
		UserID: "U", Name: "Netflix", Amount: floatPtr(649), Source: model.SourceBank, Confidence: 0.9,
	})
	require.NoError(t, err)
	require.True(t, stored)

	tests := []struct {
		name   string
		d      model.Detection
		stored bool
	}{
		{"case-insensitive within one unit", model.Detection{UserID: "U", Name: "netflix", Amount: floatPtr(649.5), Source: model.SourceBank}, false},
		{"outside window", model.Detection{UserID: "U", Name: "netflix", Amount: floatPtr(700), Source: model.SourceBank}, true},
		{"different source", model.Detection{UserID: "U", Name: "Netflix", Amount: floatPtr(649), Source: model.SourceEmail}, true},
		{"different user", model.Detection{UserID: "V", Name: "Netflix", Amount: floatPtr(649), Source: model.SourceBank}, true},
		{"first non-ASCII name", model.Detection{UserID: "U", Name: "ÉLAN PLUS", Amount: floatPtr(100), Source: model.SourceBank}, true},
		{"non-ASCII name differing only in case", model.Detection{UserID: "U", Name: "élan plus", Amount: floatPtr(100), Source: model.SourceBank}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := tt.d
			d.Confidence = 0.8
			got, err := e.insertDetection(ctx, &d)
			require.NoError(t, err)
			assert.Equal(t, tt.stored, got)
		})
	}
}

func TestInsertDetection_MissingAmountComparesAsZero(t *testing.T) {
	store := testutil.SetupTestDB(t)
	e := newTestEngine(t, store, nil, DefaultOptions())
	ctx := context.Background()

	stored, err := e.insertDetection(ctx, &model.Detection{UserID: "U", Name: "Mystery", Source: model.SourceEmail, Confidence: 0.7})
	require.NoError(t, err)
	require.True(t, stored)

	stored, err = e.insertDetection(ctx, &model.Detection{UserID: "U", Name: "Mystery", Amount: floatPtr(0.5), Source: model.SourceEmail, Confidence: 0.7})
	require.NoError(t, err)
	assert.False(t, stored)
}

func TestKeyedMutex_ReleasesKeys(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.lock("a")
	assert.Len(t, k.locks, 1)
	unlock()
	assert.Empty(t, k.locks)
}

func TestGetDetections_RequiresUser(t *testing.T) {
	e := newTestEngine(t, testutil.SetupTestDB(t), nil, DefaultOptions())
	_, err := e.GetDetections(context.Background(), "", nil)
	assert.ErrorIs(t, err, common.ErrValidation)
}

func createPending(t *testing.T, e *DetectionEngine, d model.Detection) string {
	t.Helper()
	if d.Confidence == 0 {
		d.Confidence = 0.9
	}
	stored, err := e.insertDetection(context.Background(), &d)
	require.NoError(t, err)
	require.True(t, stored)
	return d.ID
}

func TestImportDetection_Defaults(t *testing.T) {
	store := testutil.SetupTestDB(t)
	e := newTestEngine(t, store, nil, DefaultOptions())
	now := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }
	ctx := context.Background()

	id := createPending(t, e, model.Detection{UserID: "u1", Name: "Mystery Box", Source: model.SourceEmail})

	sub, err := e.ImportDetection(ctx, "u1", id)
	require.NoError(t, err)
	assert.Equal(t, "Mystery Box", sub.Name)
	assert.Equal(t, "Other", sub.Category)
	assert.Equal(t, model.CycleMonthly, sub.BillingCycle)
	assert.Zero(t, sub.Amount)
	require.NotNil(t, sub.NextBillingDate)
	assert.True(t, now.AddDate(0, 1, 0).Equal(*sub.NextBillingDate))

	d, err := store.GetDetection(ctx, "u1", id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusImported, d.Status)
	require.NotNil(t, d.ImportedSubscriptionID)
	assert.Equal(t, sub.ID, *d.ImportedSubscriptionID)
}

func TestImportDetection_CarriesDetectedFields(t *testing.T) {
	store := testutil.SetupTestDB(t)
	e := newTestEngine(t, store, nil, DefaultOptions())

	cycle := model.CycleYearly
	category := "Cloud Storage"
	next := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	id := createPending(t, e, model.Detection{
		UserID: "u1", Name: "Dropbox", Amount: floatPtr(9999), Currency: "INR",
		BillingCycle: &cycle, Category: &category, NextBillingDate: &next, Source: model.SourceEmail,
	})

	sub, err := e.ImportDetection(context.Background(), "u1", id)
	require.NoError(t, err)
	assert.Equal(t, "Cloud Storage", sub.Category)
	assert.Equal(t, model.CycleYearly, sub.BillingCycle)
	assert.InDelta(t, 9999, sub.Amount, 0.001)
	assert.True(t, next.Equal(*sub.NextBillingDate))
}

func TestImportDetection_NotFoundCases(t *testing.T) {
	store := testutil.SetupTestDB(t)
	e := newTestEngine(t, store, nil, DefaultOptions())
	ctx := context.Background()

	id := createPending(t, e, model.Detection{UserID: "u1", Name: "Netflix", Amount: floatPtr(649), Source: model.SourceBank})

	_, err := e.ImportDetection(ctx, "u1", "does-not-exist")
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = e.ImportDetection(ctx, "someone-else", id)
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = e.ImportDetection(ctx, "u1", id)
	require.NoError(t, err)

	_, err = e.ImportDetection(ctx, "u1", id)
	assert.ErrorIs(t, err, common.ErrNotFound, "already imported")

	due, err := store.GetSubscriptionsDueBetween(ctx, time.Time{}, time.Now().AddDate(10, 0, 0))
	require.NoError(t, err)
	assert.Len(t, due, 1, "failed imports create no subscription")
}

func TestUpdateDetectionStatus(t *testing.T) {
	store := testutil.SetupTestDB(t)
	e := newTestEngine(t, store, nil, DefaultOptions())
	ctx := context.Background()

	id := createPending(t, e, model.Detection{UserID: "u1", Name: "Netflix", Amount: floatPtr(649), Source: model.SourceBank})

	err := e.UpdateDetectionStatus(ctx, "u1", id, model.StatusImported)
	assert.ErrorIs(t, err, common.ErrValidation)
	err = e.UpdateDetectionStatus(ctx, "u1", id, model.StatusPending)
	assert.ErrorIs(t, err, common.ErrValidation)

	err = e.UpdateDetectionStatus(ctx, "u2", id, model.StatusConfirmed)
	assert.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, e.UpdateDetectionStatus(ctx, "u1", id, model.StatusConfirmed))

	err = e.UpdateDetectionStatus(ctx, "u1", id, model.StatusRejected)
	assert.ErrorIs(t, err, common.ErrNotFound)

	d, err := store.GetDetection(ctx, "u1", id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, d.Status)
	assert.NotNil(t, d.ReviewedAt)
}

func TestUpdateDetectionStatus_ImportedCannotBeReviewed(t *testing.T) {
	store := testutil.SetupTestDB(t)
	e := newTestEngine(t, store, nil, DefaultOptions())
	ctx := context.Background()

	id := createPending(t, e, model.Detection{UserID: "u1", Name: "Netflix", Amount: floatPtr(649), Source: model.SourceBank})
	_, err := e.ImportDetection(ctx, "u1", id)
	require.NoError(t, err)

	err = e.UpdateDetectionStatus(ctx, "u1", id, model.StatusRejected)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

var _ EmailSource = (*mailbox.Adapter)(nil)
var _ service.DetectionStore = (*storage.SQLiteStorage)(nil)

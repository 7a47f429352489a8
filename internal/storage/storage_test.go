package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/code-shreya/subscription-manager-sub002/internal/common"
	"github.com/code-shreya/subscription-manager-sub002/internal/model"
	"github.com/code-shreya/subscription-manager-sub002/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	store, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func floatPtr(f float64) *float64 { return &f }

func newDetection(userID, name string, amount *float64, source model.DetectionSource) *model.Detection {
	return &model.Detection{
		UserID:     userID,
		Name:       name,
		Amount:     amount,
		Source:     source,
		Confidence: 0.9,
	}
}

func TestMigrate_IsIdempotent(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	require.NoError(t, store.Migrate(ctx))

	version, err := store.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExpectedSchemaVersion, version)
}

func TestNewSQLiteStorage_Memory(t *testing.T) {
	store, err := NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	require.NoError(t, store.Migrate(context.Background()))
}

func TestNewSQLiteStorage_EmptyPath(t *testing.T) {
	_, err := NewSQLiteStorage("  ")
	assert.ErrorIs(t, err, ErrEmptyString)
}

func TestSaveTransactions_SkipsDuplicateHashes(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()
	date := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	txns := []model.Transaction{
		{ID: "t1", UserID: "u1", Date: date, MerchantName: "Netflix", Amount: 649},
		{ID: "t2", UserID: "u1", Date: date.AddDate(0, 0, 1), MerchantName: "Swiggy", Amount: -250},
	}
	n, err := store.SaveTransactions(ctx, txns)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Same content under a new ID hashes identically.
	dup := txns[0]
	dup.ID = "t1-again"
	n, err = store.SaveTransactions(ctx, []model.Transaction{dup})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := store.GetTransactions(ctx, service.TransactionFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "t2", got[0].ID, "most recent first")
	assert.Equal(t, model.DirectionCredit, got[0].Direction)
	assert.InDelta(t, 250, got[0].Amount, 0.001)
	assert.Equal(t, model.DirectionDebit, got[1].Direction)
	assert.Equal(t, model.DefaultCurrency, got[1].Currency)
}

func TestSaveTransactions_RejectsInvalid(t *testing.T) {
	store := createTestStorage(t)
	_, err := store.SaveTransactions(context.Background(), []model.Transaction{
		{ID: "", UserID: "u1", Date: time.Now(), Amount: 1},
	})
	assert.ErrorIs(t, err, ErrInvalidTransaction)
}

func TestGetTransactions_Filters(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	_, err := store.SaveTransactions(ctx, []model.Transaction{
		{ID: "old", UserID: "u1", Date: now.AddDate(0, 0, -120), MerchantName: "Old", Amount: 10},
		{ID: "new", UserID: "u1", Date: now.AddDate(0, 0, -3), MerchantName: "New", Amount: 20},
		{ID: "credit", UserID: "u1", Date: now.AddDate(0, 0, -2), MerchantName: "Refund", Amount: 5, Direction: model.DirectionCredit},
		{ID: "other", UserID: "u2", Date: now.AddDate(0, 0, -1), MerchantName: "Other", Amount: 30},
	})
	require.NoError(t, err)

	since := now.AddDate(0, 0, -90)
	got, err := store.GetTransactions(ctx, service.TransactionFilter{
		UserID:    "u1",
		Direction: model.DirectionDebit,
		Since:     &since,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].ID)

	got, err = store.GetTransactions(ctx, service.TransactionFilter{UserID: "u1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestMarkRecurring(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()
	date := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := store.SaveTransactions(ctx, []model.Transaction{
		{ID: "a", UserID: "u1", Date: date, MerchantName: "Netflix", Amount: 649},
		{ID: "b", UserID: "u1", Date: date.AddDate(0, 1, 0), MerchantName: "Netflix", Amount: 649},
		{ID: "c", UserID: "u1", Date: date, MerchantName: "Cafe", Amount: 90},
	})
	require.NoError(t, err)

	require.NoError(t, store.MarkRecurring(ctx, "u1", []string{"a", "b"}))
	require.NoError(t, store.MarkRecurring(ctx, "u1", nil))

	got, err := store.GetTransactions(ctx, service.TransactionFilter{UserID: "u1"})
	require.NoError(t, err)
	recurring := map[string]bool{}
	for _, txn := range got {
		recurring[txn.ID] = txn.IsRecurring
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true, "c": false}, recurring)
}

func TestCreateDetection_Defaults(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	cycle := model.CycleMonthly
	category := "Streaming"
	next := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	d := newDetection("u1", "Netflix", floatPtr(649), model.SourceEmail)
	d.BillingCycle = &cycle
	d.Category = &category
	d.NextBillingDate = &next
	d.RawData = []byte(`{"subject":"Your Netflix receipt"}`)

	require.NoError(t, store.CreateDetection(ctx, d))
	assert.NotEmpty(t, d.ID)
	assert.Equal(t, model.StatusPending, d.Status)
	assert.Equal(t, model.DefaultCurrency, d.Currency)
	assert.False(t, d.DetectedAt.IsZero())

	got, err := store.GetDetection(ctx, "u1", d.ID)
	require.NoError(t, err)
	assert.Equal(t, "Netflix", got.Name)
	require.NotNil(t, got.Amount)
	assert.InDelta(t, 649, *got.Amount, 0.001)
	require.NotNil(t, got.BillingCycle)
	assert.Equal(t, model.CycleMonthly, *got.BillingCycle)
	require.NotNil(t, got.Category)
	assert.Equal(t, "Streaming", *got.Category)
	require.NotNil(t, got.NextBillingDate)
	assert.True(t, next.Equal(*got.NextBillingDate))
	assert.JSONEq(t, `{"subject":"Your Netflix receipt"}`, string(got.RawData))
	assert.Nil(t, got.ReviewedAt)
	assert.Nil(t, got.ImportedSubscriptionID)
}

func TestCreateDetection_NullableFields(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	d := newDetection("u1", "Mystery Service", nil, model.SourceEmail)
	require.NoError(t, store.CreateDetection(ctx, d))

	got, err := store.GetDetection(ctx, "u1", d.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Amount)
	assert.Nil(t, got.Category)
	assert.Nil(t, got.BillingCycle)
	assert.Nil(t, got.NextBillingDate)
	assert.Empty(t, got.RawData)
}

func TestCreateDetection_Validation(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	tests := []struct {
		name string
		d    *model.Detection
	}{
		{"nil", nil},
		{"missing user", newDetection("", "Netflix", nil, model.SourceEmail)},
		{"missing name", newDetection("u1", " ", nil, model.SourceEmail)},
		{"bad source", newDetection("u1", "Netflix", nil, model.DetectionSource("fax"))},
		{"confidence above one", &model.Detection{UserID: "u1", Name: "X", Source: model.SourceBank, Confidence: 1.5}},
		{"non pending", &model.Detection{UserID: "u1", Name: "X", Source: model.SourceBank, Status: model.StatusImported}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, store.CreateDetection(ctx, tt.d))
		})
	}
}

func TestGetDetection_OtherUserIsNotFound(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	d := newDetection("u1", "Netflix", floatPtr(649), model.SourceEmail)
	require.NoError(t, store.CreateDetection(ctx, d))

	_, err := store.GetDetection(ctx, "u2", d.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = store.GetDetection(ctx, "u1", "missing")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestHasPendingDuplicate(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	require.NoError(t, store.CreateDetection(ctx, newDetection("u1", "Netflix", floatPtr(649), model.SourceEmail)))
	require.NoError(t, store.CreateDetection(ctx, newDetection("u1", "Mystery", nil, model.SourceEmail)))
	require.NoError(t, store.CreateDetection(ctx, newDetection("u1", "ÉLAN PLUS", floatPtr(100), model.SourceEmail)))

	tests := []struct {
		name string
		key  service.DedupKey
		want bool
	}{
		{"exact", service.DedupKey{UserID: "u1", Name: "Netflix", Source: model.SourceEmail, Amount: 649}, true},
		{"non-ASCII case folded", service.DedupKey{UserID: "u1", Name: "élan plus", Source: model.SourceEmail, Amount: 100}, true},
		{"non-ASCII different name", service.DedupKey{UserID: "u1", Name: "élan max", Source: model.SourceEmail, Amount: 100}, false},
		{"within window", service.DedupKey{UserID: "u1", Name: "netflix", Source: model.SourceEmail, Amount: 649.5}, true},
		{"window edge inclusive", service.DedupKey{UserID: "u1", Name: "NETFLIX", Source: model.SourceEmail, Amount: 650}, true},
		{"outside window", service.DedupKey{UserID: "u1", Name: "Netflix", Source: model.SourceEmail, Amount: 700}, false},
		{"other source", service.DedupKey{UserID: "u1", Name: "Netflix", Source: model.SourceBank, Amount: 649}, false},
		{"other user", service.DedupKey{UserID: "u2", Name: "Netflix", Source: model.SourceEmail, Amount: 649}, false},
		{"missing amount compares as zero", service.DedupKey{UserID: "u1", Name: "Mystery", Source: model.SourceEmail, Amount: 0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.HasPendingDuplicate(ctx, tt.key)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHasPendingDuplicate_IgnoresReviewed(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	d := newDetection("u1", "Netflix", floatPtr(649), model.SourceEmail)
	require.NoError(t, store.CreateDetection(ctx, d))
	require.NoError(t, store.ReviewDetection(ctx, "u1", d.ID, model.StatusRejected, time.Now()))

	dup, err := store.HasPendingDuplicate(ctx, service.DedupKey{UserID: "u1", Name: "Netflix", Source: model.SourceEmail, Amount: 649})
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestListDetections_OrderingAndFilter(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	for i, c := range []float64{0.7, 0.95, 0.7} {
		d := newDetection("u1", fmt.Sprintf("Service %d", i), floatPtr(100), model.SourceBank)
		d.Confidence = c
		d.DetectedAt = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, store.CreateDetection(ctx, d))
	}

	all, err := store.ListDetections(ctx, "u1", nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "Service 1", all[0].Name)
	assert.Equal(t, "Service 2", all[1].Name, "equal confidence falls back to newest first")
	assert.Equal(t, "Service 0", all[2].Name)

	require.NoError(t, store.ReviewDetection(ctx, "u1", all[0].ID, model.StatusConfirmed, time.Now()))

	pending := model.StatusPending
	got, err := store.ListDetections(ctx, "u1", &pending)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	none, err := store.ListDetections(ctx, "u2", nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestReviewDetection_OnlyFromPending(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	d := newDetection("u1", "Netflix", floatPtr(649), model.SourceEmail)
	require.NoError(t, store.CreateDetection(ctx, d))

	reviewedAt := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.ReviewDetection(ctx, "u1", d.ID, model.StatusConfirmed, reviewedAt))

	err := store.ReviewDetection(ctx, "u1", d.ID, model.StatusRejected, time.Now())
	assert.ErrorIs(t, err, common.ErrNotFound)

	got, err := store.GetDetection(ctx, "u1", d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, got.Status)
	require.NotNil(t, got.ReviewedAt)
	assert.True(t, reviewedAt.Equal(*got.ReviewedAt))
}

func TestImportDetection(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	d := newDetection("u1", "Netflix", floatPtr(649), model.SourceEmail)
	require.NoError(t, store.CreateDetection(ctx, d))

	next := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	sub, err := store.ImportDetection(ctx, "u1", d.ID, model.SubscriptionFields{
		Name:            "Netflix",
		Category:        "Streaming",
		Amount:          649,
		BillingCycle:    model.CycleMonthly,
		NextBillingDate: &next,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID)
	assert.Equal(t, model.DefaultCurrency, sub.Currency)

	got, err := store.GetDetection(ctx, "u1", d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusImported, got.Status)
	require.NotNil(t, got.ImportedSubscriptionID)
	assert.Equal(t, sub.ID, *got.ImportedSubscriptionID)
	assert.NotNil(t, got.ReviewedAt)

	due, err := store.GetSubscriptionsDueBetween(ctx, next.AddDate(0, 0, -1), next.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, sub.ID, due[0].ID)
}

func TestImportDetection_NotPendingWritesNothing(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	d := newDetection("u1", "Netflix", floatPtr(649), model.SourceEmail)
	require.NoError(t, store.CreateDetection(ctx, d))
	require.NoError(t, store.ReviewDetection(ctx, "u1", d.ID, model.StatusRejected, time.Now()))

	next := time.Now().UTC().AddDate(0, 0, 3)
	fields := model.SubscriptionFields{Name: "Netflix", Category: "Streaming", Amount: 649, BillingCycle: model.CycleMonthly, NextBillingDate: &next}

	_, err := store.ImportDetection(ctx, "u1", d.ID, fields)
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = store.ImportDetection(ctx, "u2", d.ID, fields)
	assert.ErrorIs(t, err, common.ErrNotFound)

	var count int
	require.NoError(t, store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM subscriptions").Scan(&count))
	assert.Zero(t, count)
}

func TestImportDetection_ConcurrentOnlyOneWins(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	d := newDetection("u1", "Netflix", floatPtr(649), model.SourceEmail)
	require.NoError(t, store.CreateDetection(ctx, d))

	fields := model.SubscriptionFields{Name: "Netflix", Category: "Streaming", Amount: 649, BillingCycle: model.CycleMonthly}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ImportDetection(ctx, "u1", d.ID, fields); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	var count int
	require.NoError(t, store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM subscriptions").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestCreateSubscription_Validation(t *testing.T) {
	store := createTestStorage(t)
	_, err := store.CreateSubscription(context.Background(), "u1", model.SubscriptionFields{Name: "X"})
	assert.ErrorIs(t, err, ErrInvalidSubscription)
}

func TestGetSubscriptionsDueBetween(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()
	base := time.Date(2024, 8, 10, 0, 0, 0, 0, time.UTC)

	for i, offset := range []int{0, 2, 10} {
		next := base.AddDate(0, 0, offset)
		_, err := store.CreateSubscription(ctx, "u1", model.SubscriptionFields{
			Name:            fmt.Sprintf("Sub %d", i),
			Category:        "Streaming",
			Amount:          100,
			BillingCycle:    model.CycleMonthly,
			NextBillingDate: &next,
		})
		require.NoError(t, err)
	}
	_, err := store.CreateSubscription(ctx, "u1", model.SubscriptionFields{
		Name: "No date", Category: "Other", Amount: 1, BillingCycle: model.CycleYearly,
	})
	require.NoError(t, err)

	due, err := store.GetSubscriptionsDueBetween(ctx, base, base.AddDate(0, 0, 3))
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "Sub 0", due[0].Name)
	assert.Equal(t, "Sub 1", due[1].Name)
}

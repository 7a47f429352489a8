package plaid

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/code-shreya/subscription-manager-sub002/internal/common"
	"github.com/code-shreya/subscription-manager-sub002/internal/model"
	"github.com/code-shreya/subscription-manager-sub002/internal/service"
	"github.com/plaid/plaid-go/v20/plaid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pageCall struct {
	token  string
	start  string
	end    string
	offset int32
}

type fakeAPI struct {
	errs  []error
	txns  []plaid.Transaction
	calls []pageCall
}

func (f *fakeAPI) TransactionsPage(_ context.Context, accessToken, start, end string, offset int32) ([]plaid.Transaction, int32, error) {
	f.calls = append(f.calls, pageCall{token: accessToken, start: start, end: end, offset: offset})
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, 0, err
		}
	}
	lo := int(offset)
	if lo > len(f.txns) {
		lo = len(f.txns)
	}
	hi := lo + int(pageSize)
	if hi > len(f.txns) {
		hi = len(f.txns)
	}
	return f.txns[lo:hi], int32(len(f.txns)), nil
}

func plaidTxn(id, date, name, merchant string, amount float64) plaid.Transaction {
	var pt plaid.Transaction
	pt.SetTransactionId(id)
	pt.SetAccountId("acc-1")
	pt.SetDate(date)
	pt.SetName(name)
	if merchant != "" {
		pt.SetMerchantName(merchant)
	}
	pt.SetAmount(amount)
	pt.SetIsoCurrencyCode("inr")
	return pt
}

func testSource(api transactionsAPI) *Source {
	s := newSource(api, StaticTokens{"u1": "access-sandbox-1"})
	s.retryOpts = service.RetryOptions{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
	return s
}

func syncWindow() service.SyncRequest {
	return service.SyncRequest{
		UserID: "u1",
		Start:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		End:    time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC),
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		want   error
		name   string
		config Config
	}{
		{name: "valid sandbox", config: Config{ClientID: "id", Secret: "secret", Environment: "sandbox"}},
		{name: "valid production", config: Config{ClientID: "id", Secret: "secret", Environment: "production"}},
		{name: "missing client ID", config: Config{Secret: "secret", Environment: "sandbox"}, want: common.ErrMissingConfig},
		{name: "missing secret", config: Config{ClientID: "id", Environment: "sandbox"}, want: common.ErrMissingConfig},
		{name: "missing environment", config: Config{ClientID: "id", Secret: "secret"}, want: common.ErrMissingConfig},
		{name: "unknown environment", config: Config{ClientID: "id", Secret: "secret", Environment: "development"}, want: common.ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNewSource(t *testing.T) {
	s, err := NewSource(Config{ClientID: "id", Secret: "secret", Environment: "sandbox"}, StaticTokens{})
	require.NoError(t, err)
	assert.NotNil(t, s.api)

	_, err = NewSource(Config{ClientID: "id", Secret: "secret", Environment: "sandbox"}, nil)
	assert.ErrorIs(t, err, common.ErrMissingConfig)

	_, err = NewSource(Config{}, StaticTokens{})
	assert.ErrorIs(t, err, common.ErrMissingConfig)
}

func TestFetchTransactions_MapsAndPaginates(t *testing.T) {
	api := &fakeAPI{}
	for i := 0; i < 620; i++ {
		api.txns = append(api.txns, plaidTxn(fmt.Sprintf("t%d", i), "2025-02-01", "COFFEE", "Coffee", 3))
	}
	api.txns[0] = plaidTxn("t0", "2025-02-14", "NETFLIX.COM 8884561234", "", 649)
	api.txns[1] = plaidTxn("t1", "2025-02-15", "PAYROLL", "Acme Inc", -50000)

	txns, err := testSource(api).FetchTransactions(context.Background(), syncWindow())
	require.NoError(t, err)
	require.Len(t, txns, 620)

	require.Len(t, api.calls, 2)
	assert.Equal(t, pageCall{token: "access-sandbox-1", start: "2025-01-01", end: "2025-03-31", offset: 0}, api.calls[0])
	assert.Equal(t, int32(500), api.calls[1].offset)

	netflix := txns[0]
	assert.Equal(t, "t0", netflix.ID)
	assert.Equal(t, "u1", netflix.UserID)
	assert.Equal(t, "Netflix.Com", netflix.MerchantName)
	assert.Equal(t, "NETFLIX.COM 8884561234", netflix.Name)
	assert.Equal(t, model.DirectionDebit, netflix.Direction)
	assert.InDelta(t, 649.0, netflix.Amount, 0.001)
	assert.Equal(t, "INR", netflix.Currency)
	assert.Equal(t, time.Date(2025, 2, 14, 0, 0, 0, 0, time.UTC), netflix.Date)

	payroll := txns[1]
	assert.Equal(t, "Acme", payroll.MerchantName)
	assert.Equal(t, model.DirectionCredit, payroll.Direction)
	assert.InDelta(t, 50000.0, payroll.Amount, 0.001)
}

func TestFetchTransactions_SkipsBadDates(t *testing.T) {
	api := &fakeAPI{txns: []plaid.Transaction{
		plaidTxn("good", "2025-02-01", "SPOTIFY", "Spotify", 119),
		plaidTxn("bad", "02/01/2025", "SPOTIFY", "Spotify", 119),
	}}

	txns, err := testSource(api).FetchTransactions(context.Background(), syncWindow())
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, "good", txns[0].ID)
}

func TestFetchTransactions_Errors(t *testing.T) {
	t.Run("unknown user", func(t *testing.T) {
		req := syncWindow()
		req.UserID = "u2"
		_, err := testSource(&fakeAPI{}).FetchTransactions(context.Background(), req)
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("inverted window", func(t *testing.T) {
		req := syncWindow()
		req.Start, req.End = req.End, req.Start
		_, err := testSource(&fakeAPI{}).FetchTransactions(context.Background(), req)
		assert.ErrorIs(t, err, common.ErrValidation)
	})

	t.Run("transient failure is retried", func(t *testing.T) {
		api := &fakeAPI{
			errs: []error{errors.New("connection reset")},
			txns: []plaid.Transaction{plaidTxn("t1", "2025-02-01", "SPOTIFY", "Spotify", 119)},
		}
		txns, err := testSource(api).FetchTransactions(context.Background(), syncWindow())
		require.NoError(t, err)
		assert.Len(t, txns, 1)
		assert.Len(t, api.calls, 2)
	})

	t.Run("persistent failure", func(t *testing.T) {
		boom := errors.New("connection reset")
		api := &fakeAPI{errs: []error{boom, boom, boom}}
		_, err := testSource(api).FetchTransactions(context.Background(), syncWindow())
		assert.ErrorIs(t, err, common.ErrMaxRetries)
		assert.Len(t, api.calls, 3)
	})
}

func TestCleanMerchantName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "basic name", input: "Starbucks", expected: "Starbucks"},
		{name: "lowercase to title case", input: "starbucks coffee", expected: "Starbucks Coffee"},
		{name: "remove LLC suffix", input: "Amazon LLC", expected: "Amazon"},
		{name: "remove stacked suffixes", input: "Zomato Pvt Ltd", expected: "Zomato"},
		{name: "remove transaction ID", input: "PAYPAL 123456789", expected: "Paypal"},
		{name: "preserve short numbers", input: "7-ELEVEN 2345", expected: "7-Eleven 2345"},
		{name: "multiple cleanups", input: "amazon.com llc 987654321", expected: "Amazon.Com"},
		{name: "extra spaces", input: "  Google   Cloud   ", expected: "Google Cloud"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, cleanMerchantName(tt.input))
		})
	}
}

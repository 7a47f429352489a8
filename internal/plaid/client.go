// Package plaid pulls bank transactions from the Plaid API for transaction sync.
package plaid

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/code-shreya/subscription-manager-sub002/internal/common"
	"github.com/code-shreya/subscription-manager-sub002/internal/model"
	"github.com/code-shreya/subscription-manager-sub002/internal/service"
	"github.com/plaid/plaid-go/v20/plaid"
)

// pageSize is Plaid's maximum page size for /transactions/get.
const pageSize = int32(500)

// Config holds Plaid API configuration.
type Config struct {
	ClientID    string
	Secret      string
	Environment string // sandbox or production
}

// Validate ensures all required fields are present.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("%w: plaid client ID is required", common.ErrMissingConfig)
	}
	if c.Secret == "" {
		return fmt.Errorf("%w: plaid secret is required", common.ErrMissingConfig)
	}
	switch c.Environment {
	case "sandbox", "production":
	case "":
		return fmt.Errorf("%w: plaid environment is required", common.ErrMissingConfig)
	default:
		return fmt.Errorf("%w: plaid environment must be sandbox or production", common.ErrInvalidConfig)
	}
	return nil
}

// TokenStore resolves the Plaid access token linked to a user.
type TokenStore interface {
	AccessToken(ctx context.Context, userID string) (string, error)
}

// StaticTokens maps user IDs to access tokens.
type StaticTokens map[string]string

// AccessToken implements TokenStore.
func (s StaticTokens) AccessToken(_ context.Context, userID string) (string, error) {
	token, ok := s[userID]
	if !ok || token == "" {
		return "", fmt.Errorf("plaid access token for user %s: %w", userID, common.ErrNotFound)
	}
	return token, nil
}

// transactionsAPI is one page of /transactions/get.
type transactionsAPI interface {
	TransactionsPage(ctx context.Context, accessToken, start, end string, offset int32) ([]plaid.Transaction, int32, error)
}

type apiClient struct {
	client *plaid.APIClient
}

func (a apiClient) TransactionsPage(ctx context.Context, accessToken, start, end string, offset int32) ([]plaid.Transaction, int32, error) {
	request := plaid.NewTransactionsGetRequest(accessToken, start, end)
	request.SetOptions(plaid.TransactionsGetRequestOptions{
		Count:  plaid.PtrInt32(pageSize),
		Offset: plaid.PtrInt32(offset),
	})

	resp, _, err := a.client.PlaidApi.TransactionsGet(ctx).TransactionsGetRequest(*request).Execute()
	if err != nil {
		return nil, 0, err
	}
	return resp.GetTransactions(), resp.GetTotalTransactions(), nil
}

// Source implements service.TransactionSource against Plaid.
type Source struct {
	api       transactionsAPI
	tokens    TokenStore
	logger    *slog.Logger
	retryOpts service.RetryOptions
}

// NewSource creates a Plaid transaction source.
func NewSource(cfg Config, tokens TokenStore) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tokens == nil {
		return nil, fmt.Errorf("%w: plaid token store is required", common.ErrMissingConfig)
	}

	configuration := plaid.NewConfiguration()
	configuration.AddDefaultHeader("PLAID-CLIENT-ID", cfg.ClientID)
	configuration.AddDefaultHeader("PLAID-SECRET", cfg.Secret)
	switch cfg.Environment {
	case "sandbox":
		configuration.UseEnvironment(plaid.Sandbox)
	case "production":
		configuration.UseEnvironment(plaid.Production)
	}

	return newSource(apiClient{client: plaid.NewAPIClient(configuration)}, tokens), nil
}

func newSource(api transactionsAPI, tokens TokenStore) *Source {
	return &Source{
		api:    api,
		tokens: tokens,
		logger: slog.Default().With("component", "plaid"),
		retryOpts: service.RetryOptions{
			MaxAttempts:  3,
			InitialDelay: 1 * time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
		},
	}
}

// FetchTransactions returns every transaction in [req.Start, req.End] for
// the user's linked item, paging through the full result set.
func (s *Source) FetchTransactions(ctx context.Context, req service.SyncRequest) ([]model.Transaction, error) {
	if req.Start.After(req.End) {
		return nil, common.Validationf("start date must be before end date")
	}
	accessToken, err := s.tokens.AccessToken(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	start := req.Start.Format("2006-01-02")
	end := req.End.Format("2006-01-02")
	s.logger.Info("Fetching transactions from Plaid", "user_id", req.UserID, "start_date", start, "end_date", end)

	var all []plaid.Transaction
	offset := int32(0)
	for {
		var (
			page  []plaid.Transaction
			total int32
		)
		err := common.WithRetry(ctx, func() error {
			var err error
			page, total, err = s.api.TransactionsPage(ctx, accessToken, start, end, offset)
			return classifyError(err)
		}, s.retryOpts)
		if err != nil {
			return nil, err
		}

		all = append(all, page...)
		s.logger.Debug("Fetched transaction batch", "count", len(page), "offset", offset, "total", total)

		if len(page) == 0 || len(page) < int(pageSize) || int32(len(all)) >= total {
			break
		}
		offset += int32(len(page))
	}

	transactions := make([]model.Transaction, 0, len(all))
	for _, pt := range all {
		txn, err := mapPlaidTransaction(pt)
		if err != nil {
			common.LogItemError(ctx, s.logger, err, "Skipping unparseable Plaid transaction", common.Fields{
				"transaction_id": pt.GetTransactionId(),
			})
			continue
		}
		txn.UserID = req.UserID
		transactions = append(transactions, txn)
	}

	s.logger.Info("Fetched all transactions", "user_id", req.UserID, "count", len(transactions))
	return transactions, nil
}

// classifyError marks rate limits as retryable and every other Plaid API
// error as final.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if plaidError := extractPlaidError(err); plaidError != nil {
		if plaidError.ErrorCode == "RATE_LIMIT_EXCEEDED" {
			return &common.RetryableError{Err: fmt.Errorf("%w: %s", common.ErrPlaidRateLimit, plaidError.ErrorMessage), Retryable: true}
		}
		return &common.RetryableError{
			Err:       fmt.Errorf("plaid API error: %s - %s", plaidError.ErrorCode, plaidError.ErrorMessage),
			Retryable: false,
		}
	}
	return fmt.Errorf("failed to fetch transactions: %w", err)
}

// extractPlaidError attempts to extract a Plaid error from a generic error.
func extractPlaidError(err error) *plaid.PlaidError {
	plaidErr, convErr := plaid.ToPlaidError(err)
	if convErr != nil {
		return nil
	}
	return &plaidErr
}

// mapPlaidTransaction converts a Plaid transaction to our internal model.
// Plaid reports money out as a positive amount.
func mapPlaidTransaction(pt plaid.Transaction) (model.Transaction, error) {
	date, err := time.Parse("2006-01-02", pt.GetDate())
	if err != nil {
		return model.Transaction{}, fmt.Errorf("parse date %q: %w", pt.GetDate(), err)
	}

	merchantName := pt.GetMerchantName()
	if merchantName == "" {
		merchantName = pt.GetName()
	}

	amount := pt.GetAmount()
	direction := model.DirectionDebit
	if amount < 0 {
		direction = model.DirectionCredit
		amount = -amount
	}

	currency := pt.GetIsoCurrencyCode()
	if currency == "" {
		currency = pt.GetUnofficialCurrencyCode()
	}

	txn := model.Transaction{
		Date:         date.UTC(),
		ID:           pt.GetTransactionId(),
		Name:         pt.GetName(),
		MerchantName: cleanMerchantName(merchantName),
		AccountID:    pt.GetAccountId(),
		Amount:       amount,
		Currency:     strings.ToUpper(currency),
		Direction:    direction,
	}
	return txn, nil
}

// cleanMerchantName standardizes merchant names by removing common suffixes and normalizing format.
func cleanMerchantName(name string) string {
	words := strings.Fields(strings.ToLower(name))
	for i, word := range words {
		runes := []rune(word)
		for j := range runes {
			if j == 0 || !isLetter(runes[j-1]) {
				runes[j] = toUpper(runes[j])
			}
		}
		words[i] = string(runes)
	}

	// Trailing long digit runs are processor reference numbers.
	if len(words) > 1 {
		last := words[len(words)-1]
		if len(last) > 5 && isAllDigits(last) {
			words = words[:len(words)-1]
		}
	}
	name = strings.Join(words, " ")

	suffixes := []string{
		" Llc",
		" Inc",
		" Corp",
		" Corporation",
		" Company",
		" Co",
		" Ltd",
		" Limited",
		" Pvt",
	}

	changed := true
	for changed {
		changed = false
		for _, suffix := range suffixes {
			if strings.HasSuffix(name, suffix) {
				name = strings.TrimSuffix(name, suffix)
				changed = true
			}
		}
	}

	return strings.TrimSpace(name)
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func toUpper(r rune) rune {
	if r >= 'a' && r <= 'z' {
		return r - 32
	}
	return r
}

var _ service.TransactionSource = (*Source)(nil)

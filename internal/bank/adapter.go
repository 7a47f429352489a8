// Package bank exposes synced bank transactions to the detection engine.
package bank

import (
	"context"
	"fmt"
	"time"

	"github.com/code-shreya/subscription-manager-sub002/internal/common"
	"github.com/code-shreya/subscription-manager-sub002/internal/model"
	"github.com/code-shreya/subscription-manager-sub002/internal/service"
)

// Adapter reads debit transactions from the transaction store.
type Adapter struct {
	store service.TransactionStore
	now   func() time.Time
}

// NewAdapter creates a bank adapter backed by store.
func NewAdapter(store service.TransactionStore) *Adapter {
	return &Adapter{
		store: store,
		now:   time.Now,
	}
}

// GetUserTransactions returns the user's debit transactions from the last
// daysBack days, most recent first. An unreachable store is reported as
// common.ErrSourceUnavailable; no matches is an empty slice.
func (a *Adapter) GetUserTransactions(ctx context.Context, userID string, daysBack int) ([]model.Transaction, error) {
	if userID == "" {
		return nil, common.Validationf("user ID is required")
	}
	if daysBack <= 0 {
		return nil, common.Validationf("daysBack must be positive, got %d", daysBack)
	}

	since := a.now().AddDate(0, 0, -daysBack)
	txns, err := a.store.GetTransactions(ctx, service.TransactionFilter{
		UserID:    userID,
		Direction: model.DirectionDebit,
		Since:     &since,
	})
	if err != nil {
		return nil, common.SourceUnavailable("bank", fmt.Errorf("fetch transactions for %s: %w", userID, err))
	}
	if txns == nil {
		txns = []model.Transaction{}
	}
	return txns, nil
}

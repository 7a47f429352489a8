package testutil

import (
	"fmt"
	"strings"
	"time"

	"github.com/code-shreya/subscription-manager-sub002/internal/model"
)

// ChargeSeries builds transactions for one merchant at a fixed spacing.
type ChargeSeries struct {
	start    time.Time
	userID   string
	merchant string
	amounts  []float64
	gapDays  int
}

// NewChargeSeries starts a series of debits for merchant beginning at start.
func NewChargeSeries(userID, merchant string, start time.Time) *ChargeSeries {
	return &ChargeSeries{
		userID:   userID,
		merchant: merchant,
		start:    start,
		gapDays:  30,
	}
}

// Every sets the number of days between charges.
func (s *ChargeSeries) Every(days int) *ChargeSeries {
	s.gapDays = days
	return s
}

// Amounts sets one charge per amount.
func (s *ChargeSeries) Amounts(amounts ...float64) *ChargeSeries {
	s.amounts = amounts
	return s
}

// Repeat sets count charges of the same amount.
func (s *ChargeSeries) Repeat(amount float64, count int) *ChargeSeries {
	s.amounts = make([]float64, count)
	for i := range s.amounts {
		s.amounts[i] = amount
	}
	return s
}

// Build returns the transactions in date order.
func (s *ChargeSeries) Build() []model.Transaction {
	slug := strings.ToLower(strings.ReplaceAll(s.merchant, " ", "-"))
	txns := make([]model.Transaction, len(s.amounts))
	for i, amount := range s.amounts {
		txns[i] = model.Transaction{
			ID:           fmt.Sprintf("%s-%s-%d", s.userID, slug, i+1),
			UserID:       s.userID,
			Date:         s.start.AddDate(0, 0, i*s.gapDays),
			Name:         strings.ToUpper(s.merchant),
			MerchantName: s.merchant,
			Amount:       amount,
			Currency:     model.DefaultCurrency,
			Direction:    model.DirectionDebit,
			AccountID:    "acc-1",
		}
	}
	return txns
}

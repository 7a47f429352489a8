package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/code-shreya/subscription-manager-sub002/internal/model"
	"github.com/google/uuid"
)

// CreateSubscription adds an entry to the user's subscription ledger.
func (s *SQLiteStorage) CreateSubscription(ctx context.Context, userID string, fields model.SubscriptionFields) (*model.Subscription, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return createSubscription(ctx, s.db, userID, fields)
}

func createSubscription(ctx context.Context, q queryer, userID string, fields model.SubscriptionFields) (*model.Subscription, error) {
	if err := validateString(userID, "userID"); err != nil {
		return nil, err
	}
	if err := validateSubscriptionFields(fields); err != nil {
		return nil, err
	}

	sub := &model.Subscription{
		ID:              uuid.NewString(),
		UserID:          userID,
		Name:            strings.TrimSpace(fields.Name),
		Category:        fields.Category,
		Amount:          fields.Amount,
		Currency:        fields.Currency,
		BillingCycle:    fields.BillingCycle,
		NextBillingDate: fields.NextBillingDate,
		Description:     fields.Description,
		CreatedAt:       time.Now().UTC(),
	}
	if sub.Currency == "" {
		sub.Currency = model.DefaultCurrency
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO subscriptions (
			id, user_id, name, category, amount, currency,
			billing_cycle, next_billing_date, description, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID,
		sub.UserID,
		sub.Name,
		sub.Category,
		sub.Amount,
		sub.Currency,
		string(sub.BillingCycle),
		utcPtr(sub.NextBillingDate),
		sub.Description,
		sub.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert subscription: %w", err)
	}
	return sub, nil
}

// GetSubscriptionsDueBetween returns every subscription whose next billing
// date falls within [start, end], across all users, soonest first.
func (s *SQLiteStorage) GetSubscriptionsDueBetween(ctx context.Context, start, end time.Time) ([]model.Subscription, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, category, amount, currency,
		       billing_cycle, next_billing_date, description, created_at
		FROM subscriptions
		WHERE next_billing_date IS NOT NULL
		  AND next_billing_date >= ?
		  AND next_billing_date <= ?
		ORDER BY next_billing_date, id`,
		start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query due subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []model.Subscription
	for rows.Next() {
		var (
			sub      model.Subscription
			cycle    string
			nextBill sql.NullTime
		)
		if err := rows.Scan(
			&sub.ID,
			&sub.UserID,
			&sub.Name,
			&sub.Category,
			&sub.Amount,
			&sub.Currency,
			&cycle,
			&nextBill,
			&sub.Description,
			&sub.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		sub.BillingCycle = model.BillingCycle(cycle)
		if nextBill.Valid {
			sub.NextBillingDate = &nextBill.Time
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

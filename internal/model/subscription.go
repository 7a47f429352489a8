package model

import "time"

// Subscription is an entry in the user's subscription ledger.
type Subscription struct {
	CreatedAt       time.Time
	NextBillingDate *time.Time
	ID              string
	UserID          string
	Name            string
	Category        string
	Currency        string
	Description     string
	BillingCycle    BillingCycle
	Amount          float64
}

// SubscriptionFields carries the values used to create a subscription.
type SubscriptionFields struct {
	NextBillingDate *time.Time
	Name            string
	Category        string
	Currency        string
	Description     string
	BillingCycle    BillingCycle
	Amount          float64
}

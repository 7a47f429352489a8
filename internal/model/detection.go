package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DefaultCurrency is assumed when a source does not report one.
const DefaultCurrency = "INR"

// BillingCycle is the inferred period between charges.
type BillingCycle string

// Billing cycle constants.
const (
	CycleWeekly    BillingCycle = "weekly"
	CycleMonthly   BillingCycle = "monthly"
	CycleQuarterly BillingCycle = "quarterly"
	CycleYearly    BillingCycle = "yearly"
)

// ParseBillingCycle converts free text into a BillingCycle.
func ParseBillingCycle(s string) (BillingCycle, error) {
	switch BillingCycle(strings.ToLower(strings.TrimSpace(s))) {
	case CycleWeekly:
		return CycleWeekly, nil
	case CycleMonthly:
		return CycleMonthly, nil
	case CycleQuarterly:
		return CycleQuarterly, nil
	case CycleYearly, "annual", "annually":
		return CycleYearly, nil
	default:
		return "", fmt.Errorf("unknown billing cycle %q", s)
	}
}

// Next advances t by one billing period. Months, quarters and years use
// calendar arithmetic rather than fixed day counts.
func (c BillingCycle) Next(t time.Time) time.Time {
	switch c {
	case CycleWeekly:
		return t.AddDate(0, 0, 7)
	case CycleQuarterly:
		return t.AddDate(0, 3, 0)
	case CycleYearly:
		return t.AddDate(1, 0, 0)
	default:
		return t.AddDate(0, 1, 0)
	}
}

// DetectionSource identifies where a detection came from.
type DetectionSource string

// Detection source constants.
const (
	SourceEmail DetectionSource = "email"
	SourceBank  DetectionSource = "bank"
	SourceSMS   DetectionSource = "sms"
)

// DetectionStatus is the review lifecycle state of a detection.
type DetectionStatus string

// Detection status constants.
const (
	StatusPending   DetectionStatus = "pending"
	StatusConfirmed DetectionStatus = "confirmed"
	StatusRejected  DetectionStatus = "rejected"
	StatusImported  DetectionStatus = "imported"
)

// ParseDetectionStatus validates a status string.
func ParseDetectionStatus(s string) (DetectionStatus, error) {
	switch st := DetectionStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusConfirmed, StatusRejected, StatusImported:
		return st, nil
	default:
		return "", fmt.Errorf("unknown detection status %q", s)
	}
}

// IsReviewOutcome reports whether the status can be set by a reviewer.
func (s DetectionStatus) IsReviewOutcome() bool {
	return s == StatusConfirmed || s == StatusRejected
}

// Detection is a candidate subscription inferred from a transaction or email source.
type Detection struct {
	DetectedAt             time.Time
	ReviewedAt             *time.Time
	NextBillingDate        *time.Time
	Amount                 *float64
	Category               *string
	BillingCycle           *BillingCycle
	ImportedSubscriptionID *string
	ID                     string
	UserID                 string
	Name                   string
	Currency               string
	Description            string
	Source                 DetectionSource
	SourceID               string
	Status                 DetectionStatus
	RawData                json.RawMessage // Audit payload exactly as received from the source
	Confidence             float64
}

// AmountOrZero returns the amount, treating a missing amount as zero.
func (d *Detection) AmountOrZero() float64 {
	if d.Amount == nil {
		return 0
	}
	return *d.Amount
}

// RecurringPattern is the classifier's in-memory inference of a periodic charge
// for one merchant. It is computed fresh on every run and never persisted.
type RecurringPattern struct {
	LastTransaction  Transaction
	MerchantName     string
	BillingCycle     BillingCycle
	Transactions     []Transaction // Sorted by date ascending
	Amount           float64
	Confidence       float64
	TransactionCount int
}

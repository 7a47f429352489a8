// Package service defines the interfaces for all application services.
package service

import (
	"context"
	"time"

	"github.com/code-shreya/subscription-manager-sub002/internal/model"
)

// TransactionFilter defines filtering options for transaction queries.
type TransactionFilter struct {
	Since     *time.Time
	Direction model.TransactionDirection
	UserID    string
	Limit     int
}

// DedupKey identifies the band of pending detections a new detection must not duplicate.
type DedupKey struct {
	UserID string
	Name   string
	Source model.DetectionSource
	Amount float64
}

// DedupAmountWindow is the maximum amount difference, in currency units, at
// which two pending detections are considered the same charge.
// TODO: scale the window by currency and magnitude once per-currency minor units are tracked.
const DedupAmountWindow = 1.0

// TransactionStore persists synced bank transactions.
type TransactionStore interface {
	SaveTransactions(ctx context.Context, transactions []model.Transaction) (int, error)
	GetTransactions(ctx context.Context, filter TransactionFilter) ([]model.Transaction, error)
	MarkRecurring(ctx context.Context, userID string, transactionIDs []string) error
}

// DetectionStore persists detections and their review lifecycle.
type DetectionStore interface {
	// HasPendingDuplicate reports whether a pending detection matches key.
	HasPendingDuplicate(ctx context.Context, key DedupKey) (bool, error)
	CreateDetection(ctx context.Context, detection *model.Detection) error
	GetDetection(ctx context.Context, userID, detectionID string) (*model.Detection, error)
	ListDetections(ctx context.Context, userID string, status *model.DetectionStatus) ([]model.Detection, error)
	// ReviewDetection moves a pending detection to status. It returns
	// common.ErrNotFound when no pending row for the user matched.
	ReviewDetection(ctx context.Context, userID, detectionID string, status model.DetectionStatus, reviewedAt time.Time) error
	// ImportDetection creates a subscription from fields and marks the pending
	// detection imported in one transaction.
	ImportDetection(ctx context.Context, userID, detectionID string, fields model.SubscriptionFields) (*model.Subscription, error)
}

// SubscriptionLedger is the subscription CRUD collaborator.
type SubscriptionLedger interface {
	CreateSubscription(ctx context.Context, userID string, fields model.SubscriptionFields) (*model.Subscription, error)
	GetSubscriptionsDueBetween(ctx context.Context, start, end time.Time) ([]model.Subscription, error)
}

// Storage is the full persistence contract.
type Storage interface {
	TransactionStore
	DetectionStore
	SubscriptionLedger

	Migrate(ctx context.Context) error
	Close() error
}

// Credentials is the mailbox access/refresh token pair supplied by the auth collaborator.
type Credentials struct {
	Expiry       time.Time
	AccessToken  string
	RefreshToken string
}

// EmailContent is the flattened text of a single message.
type EmailContent struct {
	Date    time.Time
	ID      string
	Subject string
	From    string
	Body    string
}

// AIDetectionResult is the extraction contract of the text-classification service.
type AIDetectionResult struct {
	NextBillingDate string  `json:"nextBillingDate,omitempty"`
	ServiceName     string  `json:"serviceName,omitempty"`
	Currency        string  `json:"currency,omitempty"`
	BillingCycle    string  `json:"billingCycle,omitempty"`
	Category        string  `json:"category,omitempty"`
	Description     string  `json:"description,omitempty"`
	Amount          float64 `json:"amount,omitempty"`
	Confidence      float64 `json:"confidence"` // 0-100
	IsSubscription  bool    `json:"isSubscription"`
}

// TextClassifier extracts subscription details from raw email text.
type TextClassifier interface {
	ClassifyEmail(ctx context.Context, content EmailContent) (AIDetectionResult, error)
}

// RetryOptions configures retry behavior for operations.
type RetryOptions struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// SyncRequest describes one transaction pull for a user.
type SyncRequest struct {
	Start  time.Time
	End    time.Time
	UserID string
	Path   string // Statement file, for file-based sources
}

// TransactionSource fetches transactions from an upstream bank feed.
type TransactionSource interface {
	FetchTransactions(ctx context.Context, req SyncRequest) ([]model.Transaction, error)
}

// Package engine turns bank and email sources into pending subscription
// detections and manages their review lifecycle.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/code-shreya/subscription-manager-sub002/internal/classification"
	"github.com/code-shreya/subscription-manager-sub002/internal/common"
	"github.com/code-shreya/subscription-manager-sub002/internal/mailbox"
	"github.com/code-shreya/subscription-manager-sub002/internal/model"
	"github.com/code-shreya/subscription-manager-sub002/internal/service"
)

// BankSource provides a user's recent debit transactions.
type BankSource interface {
	GetUserTransactions(ctx context.Context, userID string, daysBack int) ([]model.Transaction, error)
}

// EmailSource opens mailbox sessions and classifies individual messages.
// One session serves a whole scan.
type EmailSource interface {
	Open(ctx context.Context, creds service.Credentials) (mailbox.Session, error)
	Classify(ctx context.Context, content service.EmailContent) service.AIDetectionResult
}

// Defaults for scan options.
const (
	DefaultMessageDelay = 500 * time.Millisecond
	DefaultMaxEmails    = 50
	DefaultDaysBack     = 90
)

// Options configures the detection engine.
type Options struct {
	// MessageDelay is the minimum spacing between message starts in an email
	// scan. Time spent handling a message counts toward it, so a slow message
	// is followed immediately by the next.
	MessageDelay time.Duration
	// SerializeDedup makes the duplicate check and insert atomic per user and source.
	SerializeDedup bool
}

// DefaultOptions returns the standard engine options.
func DefaultOptions() Options {
	return Options{
		MessageDelay:   DefaultMessageDelay,
		SerializeDedup: true,
	}
}

// DetectionEngine orchestrates scans and the detection review lifecycle.
type DetectionEngine struct {
	store  service.DetectionStore
	bank   BankSource
	email  EmailSource
	locks  *keyedMutex
	logger *slog.Logger
	now    func() time.Time
	opts   Options
}

// New creates a detection engine. bank or email may be nil when that source
// is not configured; scanning it then fails with common.ErrSourceUnavailable.
func New(store service.DetectionStore, bank BankSource, email EmailSource, opts Options, logger *slog.Logger) *DetectionEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MessageDelay < 0 {
		opts.MessageDelay = 0
	}
	return &DetectionEngine{
		store:  store,
		bank:   bank,
		email:  email,
		opts:   opts,
		locks:  newKeyedMutex(),
		logger: logger.With("component", "engine"),
		now:    time.Now,
	}
}

// GetDetections lists a user's detections, optionally filtered by status,
// ordered by confidence then detection time, both descending.
func (e *DetectionEngine) GetDetections(ctx context.Context, userID string, status *model.DetectionStatus) ([]model.Detection, error) {
	if userID == "" {
		return nil, common.Validationf("user ID is required")
	}
	detections, err := e.store.ListDetections(ctx, userID, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list detections: %w", err)
	}
	return detections, nil
}

// ImportDetection turns a pending detection into a subscription and marks it
// imported. It fails with common.ErrNotFound unless the detection exists, is
// owned by userID and is still pending.
func (e *DetectionEngine) ImportDetection(ctx context.Context, userID, detectionID string) (*model.Subscription, error) {
	d, err := e.store.GetDetection(ctx, userID, detectionID)
	if err != nil {
		return nil, err
	}
	if d.Status != model.StatusPending {
		return nil, fmt.Errorf("pending detection %s: %w", detectionID, common.ErrNotFound)
	}

	fields := subscriptionFields(d, e.now())
	sub, err := e.store.ImportDetection(ctx, userID, detectionID, fields)
	if err != nil {
		return nil, err
	}

	e.logger.Info("Imported detection",
		"user_id", userID,
		"detection_id", detectionID,
		"subscription_id", sub.ID,
		"name", sub.Name)
	return sub, nil
}

// UpdateDetectionStatus records a review outcome for a pending detection.
// Only confirmed and rejected are accepted.
func (e *DetectionEngine) UpdateDetectionStatus(ctx context.Context, userID, detectionID string, status model.DetectionStatus) error {
	if !status.IsReviewOutcome() {
		return common.Validationf("status must be %s or %s, got %q", model.StatusConfirmed, model.StatusRejected, status)
	}
	return e.store.ReviewDetection(ctx, userID, detectionID, status, e.now().UTC())
}

func subscriptionFields(d *model.Detection, now time.Time) model.SubscriptionFields {
	category := classification.CategoryOther
	if d.Category != nil && *d.Category != "" {
		category = *d.Category
	}
	cycle := model.CycleMonthly
	if d.BillingCycle != nil && *d.BillingCycle != "" {
		cycle = *d.BillingCycle
	}
	next := d.NextBillingDate
	if next == nil {
		n := cycle.Next(now.UTC())
		next = &n
	}
	return model.SubscriptionFields{
		Name:            d.Name,
		Category:        category,
		Amount:          d.AmountOrZero(),
		Currency:        d.Currency,
		BillingCycle:    cycle,
		NextBillingDate: next,
		Description:     d.Description,
	}
}

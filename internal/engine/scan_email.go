package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/code-shreya/subscription-manager-sub002/internal/classification"
	"github.com/code-shreya/subscription-manager-sub002/internal/common"
	"github.com/code-shreya/subscription-manager-sub002/internal/mailbox"
	"github.com/code-shreya/subscription-manager-sub002/internal/metrics"
	"github.com/code-shreya/subscription-manager-sub002/internal/model"
	"github.com/code-shreya/subscription-manager-sub002/internal/service"
)

// EmailScanOptions controls one email scan.
type EmailScanOptions struct {
	// Progress, if set, is called after each message with the number of
	// messages attempted and the total to attempt.
	Progress  func(done, total int)
	MaxEmails int
	DaysBack  int
	DeepScan  bool
}

// EmailScanResult summarizes an email scan. Processed counts attempted
// messages, including those that failed.
type EmailScanResult struct {
	Processed int `json:"processed"`
	Detected  int `json:"detected"`
}

type emailEvidence struct {
	Date      time.Time                 `json:"date"`
	MessageID string                    `json:"message_id"`
	Subject   string                    `json:"subject"`
	From      string                    `json:"from"`
	AI        service.AIDetectionResult `json:"ai"`
}

// ScanEmails searches the user's mailbox and stores a pending detection for
// each message the classifier identifies as a subscription. Messages are
// handled one at a time over a single mailbox session, and consecutive
// messages start at least MessageDelay apart.
func (e *DetectionEngine) ScanEmails(ctx context.Context, userID string, creds service.Credentials, opts EmailScanOptions) (*EmailScanResult, error) {
	if userID == "" {
		return nil, common.Validationf("user ID is required")
	}
	if opts.MaxEmails <= 0 {
		opts.MaxEmails = DefaultMaxEmails
	}
	if opts.DaysBack <= 0 {
		opts.DaysBack = DefaultDaysBack
	}
	if e.email == nil {
		return nil, common.SourceUnavailable("mailbox", fmt.Errorf("no email source configured"))
	}

	sess, err := e.email.Open(ctx, creds)
	if err != nil {
		return nil, err
	}

	messages, err := e.listMessages(ctx, sess, userID, opts)
	if err != nil {
		return nil, err
	}
	if len(messages) > opts.MaxEmails {
		messages = messages[:opts.MaxEmails]
	}

	result := &EmailScanResult{}
	pacer := common.NewPacer(e.opts.MessageDelay)

	for _, msg := range messages {
		if err := pacer.Wait(ctx); err != nil {
			return result, err
		}

		result.Processed++
		stored, err := e.processMessage(ctx, sess, userID, msg.ID)
		if stored {
			result.Detected++
		}
		if err != nil {
			metrics.ScanItemErrors.WithLabelValues(string(model.SourceEmail)).Inc()
			common.LogItemError(ctx, e.logger, err, "Skipping email", common.Fields{
				"user_id":   userID,
				"source_id": msg.ID,
			})
		}
		if opts.Progress != nil {
			opts.Progress(result.Processed, len(messages))
		}
	}

	e.logger.Info("Email scan complete",
		"user_id", userID,
		"deep_scan", opts.DeepScan,
		"processed", result.Processed,
		"detected", result.Detected)
	return result, nil
}

func (e *DetectionEngine) listMessages(ctx context.Context, sess mailbox.Session, userID string, opts EmailScanOptions) ([]mailbox.Message, error) {
	if opts.DeepScan {
		return sess.DeepScan(ctx, opts.DaysBack, func(p mailbox.DeepScanProgress) {
			e.logger.Debug("Deep scan progress",
				"user_id", userID,
				"page", p.Page,
				"total_so_far", p.TotalSoFar,
				"has_more", p.HasMore)
		})
	}

	page, err := sess.SearchSubscriptionEmails(ctx, mailbox.SearchOptions{
		MaxResults: int64(opts.MaxEmails),
		DaysBack:   opts.DaysBack,
	})
	if err != nil {
		return nil, err
	}
	return page.Messages, nil
}

func (e *DetectionEngine) processMessage(ctx context.Context, sess mailbox.Session, userID, messageID string) (bool, error) {
	content, err := sess.GetEmailDetails(ctx, messageID)
	if err != nil {
		return false, err
	}

	ai := e.email.Classify(ctx, *content)
	if !ai.IsSubscription || strings.TrimSpace(ai.ServiceName) == "" {
		return false, nil
	}

	d, err := emailDetection(userID, content, ai)
	if err != nil {
		return false, err
	}
	return e.insertDetection(ctx, d)
}

func emailDetection(userID string, content *service.EmailContent, ai service.AIDetectionResult) (*model.Detection, error) {
	raw, err := json.Marshal(emailEvidence{
		MessageID: content.ID,
		Subject:   content.Subject,
		From:      content.From,
		Date:      content.Date,
		AI:        ai,
	})
	if err != nil {
		return nil, fmt.Errorf("encode evidence: %w", err)
	}

	name := strings.TrimSpace(ai.ServiceName)
	d := &model.Detection{
		UserID:      userID,
		Name:        name,
		Currency:    ai.Currency,
		Description: ai.Description,
		Confidence:  clamp01(ai.Confidence / 100),
		Source:      model.SourceEmail,
		SourceID:    content.ID,
		RawData:     raw,
	}

	if ai.Amount > 0 {
		amount := ai.Amount
		d.Amount = &amount
	}

	category := strings.TrimSpace(ai.Category)
	if category == "" {
		category = classification.Categorize(name)
	}
	d.Category = &category

	if cycle, err := model.ParseBillingCycle(ai.BillingCycle); err == nil {
		d.BillingCycle = &cycle
	}
	if next, err := time.Parse("2006-01-02", strings.TrimSpace(ai.NextBillingDate)); err == nil {
		d.NextBillingDate = &next
	}
	return d, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

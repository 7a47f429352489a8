package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/code-shreya/subscription-manager-sub002/internal/classification"
	"github.com/code-shreya/subscription-manager-sub002/internal/common"
	"github.com/code-shreya/subscription-manager-sub002/internal/metrics"
	"github.com/code-shreya/subscription-manager-sub002/internal/model"
)

// BankScanResult summarizes a bank scan.
type BankScanResult struct {
	Patterns int `json:"patterns"`
	Detected int `json:"detected"`
}

type bankEvidence struct {
	TransactionIDs []string  `json:"transaction_ids"`
	Amounts        []float64 `json:"amounts"`
	Dates          []string  `json:"dates"`
	Count          int       `json:"count"`
}

// ScanBankTransactions detects recurring charges in the user's recent debits
// and stores a pending detection for each pattern not already pending.
// Failing to read transactions fails the scan; a failure on one pattern is
// logged and skipped.
func (e *DetectionEngine) ScanBankTransactions(ctx context.Context, userID string, daysBack int) (*BankScanResult, error) {
	if userID == "" {
		return nil, common.Validationf("user ID is required")
	}
	if daysBack <= 0 {
		daysBack = DefaultDaysBack
	}
	if e.bank == nil {
		return nil, common.SourceUnavailable("bank", fmt.Errorf("no bank source configured"))
	}

	txns, err := e.bank.GetUserTransactions(ctx, userID, daysBack)
	if err != nil {
		return nil, err
	}

	patterns := classification.DetectRecurringPatterns(txns)
	result := &BankScanResult{Patterns: len(patterns)}

	for i := range patterns {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		p := &patterns[i]
		d, err := bankDetection(userID, p)
		if err == nil {
			var stored bool
			stored, err = e.insertDetection(ctx, d)
			if stored {
				result.Detected++
			}
		}
		if err != nil {
			metrics.ScanItemErrors.WithLabelValues(string(model.SourceBank)).Inc()
			common.LogItemError(ctx, e.logger, err, "Failed to store bank detection", common.Fields{
				"user_id":  userID,
				"merchant": p.MerchantName,
			})
		}
	}

	e.logger.Info("Bank scan complete",
		"user_id", userID,
		"transactions", len(txns),
		"patterns", result.Patterns,
		"detected", result.Detected)
	return result, nil
}

func bankDetection(userID string, p *model.RecurringPattern) (*model.Detection, error) {
	evidence := bankEvidence{Count: p.TransactionCount}
	for _, txn := range p.Transactions {
		evidence.TransactionIDs = append(evidence.TransactionIDs, txn.ID)
		evidence.Amounts = append(evidence.Amounts, txn.Amount)
		evidence.Dates = append(evidence.Dates, txn.Date.Format("2006-01-02"))
	}
	raw, err := json.Marshal(evidence)
	if err != nil {
		return nil, fmt.Errorf("encode evidence: %w", err)
	}

	amount := p.Amount
	category := classification.Categorize(p.MerchantName)
	cycle := p.BillingCycle
	next := cycle.Next(p.LastTransaction.Date)

	return &model.Detection{
		UserID:          userID,
		Name:            p.MerchantName,
		Amount:          &amount,
		Currency:        p.LastTransaction.Currency,
		Category:        &category,
		BillingCycle:    &cycle,
		NextBillingDate: &next,
		Description:     fmt.Sprintf("%s charge seen %d times", cycle, p.TransactionCount),
		Confidence:      p.Confidence,
		Source:          model.SourceBank,
		SourceID:        p.LastTransaction.ID,
		RawData:         raw,
	}, nil
}

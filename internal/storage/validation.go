// Package storage provides the data persistence layer for transactions,
// detections and the subscription ledger.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/code-shreya/subscription-manager-sub002/internal/model"
)

// Validation errors.
var (
	ErrNilContext          = errors.New("context cannot be nil")
	ErrEmptyString         = errors.New("string parameter cannot be empty")
	ErrNilParameter        = errors.New("parameter cannot be nil")
	ErrInvalidTransaction  = errors.New("invalid transaction")
	ErrInvalidDetection    = errors.New("invalid detection")
	ErrInvalidSubscription = errors.New("invalid subscription")
)

func validateContext(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	return nil
}

func validateString(s string, paramName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: %s", ErrEmptyString, paramName)
	}
	return nil
}

func validateTransaction(txn *model.Transaction) error {
	if txn == nil {
		return fmt.Errorf("%w: transaction", ErrNilParameter)
	}
	if txn.ID == "" {
		return fmt.Errorf("%w: missing ID", ErrInvalidTransaction)
	}
	if txn.UserID == "" {
		return fmt.Errorf("%w: missing user ID", ErrInvalidTransaction)
	}
	if txn.Date.IsZero() {
		return fmt.Errorf("%w: missing date", ErrInvalidTransaction)
	}
	if txn.Amount < 0 {
		return fmt.Errorf("%w: amount must be absolute", ErrInvalidTransaction)
	}
	switch txn.Direction {
	case model.DirectionDebit, model.DirectionCredit:
	default:
		return fmt.Errorf("%w: invalid direction %q", ErrInvalidTransaction, txn.Direction)
	}
	return nil
}

func validateDetection(d *model.Detection) error {
	if d == nil {
		return fmt.Errorf("%w: detection", ErrNilParameter)
	}
	if d.UserID == "" {
		return fmt.Errorf("%w: missing user ID", ErrInvalidDetection)
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidDetection)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("%w: confidence must be between 0 and 1", ErrInvalidDetection)
	}
	switch d.Source {
	case model.SourceEmail, model.SourceBank, model.SourceSMS:
	default:
		return fmt.Errorf("%w: invalid source %q", ErrInvalidDetection, d.Source)
	}
	if d.Status != "" && d.Status != model.StatusPending {
		return fmt.Errorf("%w: new detections must be pending", ErrInvalidDetection)
	}
	return nil
}

func validateSubscriptionFields(f model.SubscriptionFields) error {
	if strings.TrimSpace(f.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidSubscription)
	}
	if f.Category == "" {
		return fmt.Errorf("%w: missing category", ErrInvalidSubscription)
	}
	if f.BillingCycle == "" {
		return fmt.Errorf("%w: missing billing cycle", ErrInvalidSubscription)
	}
	return nil
}

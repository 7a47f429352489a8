// Package model defines the core domain models used throughout the application.
package model

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"time"
)

// UnknownMerchant is the merchant name used when a source provides none.
const UnknownMerchant = "Unknown Merchant"

// TransactionDirection indicates whether money left or entered the account.
type TransactionDirection string

const (
	// DirectionDebit is money leaving the account.
	DirectionDebit TransactionDirection = "debit"
	// DirectionCredit is money entering the account.
	DirectionCredit TransactionDirection = "credit"
)

// Transaction represents a single financial movement synced from a bank source.
// Amount is always stored as an absolute value; Direction carries the sign.
type Transaction struct {
	Date         time.Time
	ID           string
	UserID       string
	AccountID    string
	Name         string // Raw transaction description
	MerchantName string // Cleaned merchant name
	Currency     string
	Hash         string
	Direction    TransactionDirection
	Amount       float64
	IsRecurring  bool // Derived by the pattern classifier, not authoritative
}

// Merchant returns the normalized merchant name, never empty.
func (t *Transaction) Merchant() string {
	if name := strings.TrimSpace(t.MerchantName); name != "" {
		return name
	}
	return UnknownMerchant
}

// GenerateHash creates a unique hash for duplicate detection.
func (t *Transaction) GenerateHash() string {
	data := fmt.Sprintf("%s:%s:%.2f:%s:%s",
		t.UserID,
		t.Date.Format("2006-01-02"),
		t.Amount,
		t.MerchantName,
		t.AccountID)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}

// Normalize coerces source-provided values into the stored shape: the amount
// becomes absolute with the sign moved into Direction, a missing merchant
// becomes UnknownMerchant and the date is held in UTC.
func (t *Transaction) Normalize() {
	t.Date = t.Date.UTC()
	if t.Amount < 0 {
		t.Amount = -t.Amount
		if t.Direction == "" {
			t.Direction = DirectionCredit
		}
	}
	if t.Direction == "" {
		t.Direction = DirectionDebit
	}
	t.MerchantName = t.Merchant()
	if t.Currency == "" {
		t.Currency = DefaultCurrency
	}
	if t.Hash == "" {
		t.Hash = t.GenerateHash()
	}
}

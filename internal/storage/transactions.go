package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/code-shreya/subscription-manager-sub002/internal/model"
	"github.com/code-shreya/subscription-manager-sub002/internal/service"
)

// SaveTransactions stores transactions, skipping any whose hash already exists.
// It returns the number of rows actually inserted.
func (s *SQLiteStorage) SaveTransactions(ctx context.Context, transactions []model.Transaction) (int, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}
	if len(transactions) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO transactions (
			id, user_id, hash, date, name, merchant_name, amount,
			currency, direction, account_id, is_recurring
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	inserted := 0
	for i := range transactions {
		txn := transactions[i]
		txn.Normalize()
		if err := validateTransaction(&txn); err != nil {
			return 0, fmt.Errorf("transaction at index %d: %w", i, err)
		}

		res, err := stmt.ExecContext(ctx,
			txn.ID,
			txn.UserID,
			txn.Hash,
			txn.Date,
			txn.Name,
			txn.MerchantName,
			txn.Amount,
			txn.Currency,
			string(txn.Direction),
			txn.AccountID,
			txn.IsRecurring,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert transaction %s: %w", txn.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transactions: %w", err)
	}
	return inserted, nil
}

// GetTransactions returns transactions matching filter, most recent first.
func (s *SQLiteStorage) GetTransactions(ctx context.Context, filter service.TransactionFilter) ([]model.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(filter.UserID, "userID"); err != nil {
		return nil, err
	}

	query := `
		SELECT id, user_id, hash, date, name, merchant_name, amount,
		       currency, direction, account_id, is_recurring
		FROM transactions
		WHERE user_id = ?`
	args := []any{filter.UserID}

	if filter.Direction != "" {
		query += " AND direction = ?"
		args = append(args, string(filter.Direction))
	}
	if filter.Since != nil {
		query += " AND date >= ?"
		args = append(args, filter.Since.UTC())
	}
	query += " ORDER BY date DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var transactions []model.Transaction
	for rows.Next() {
		var txn model.Transaction
		var direction string
		if err := rows.Scan(
			&txn.ID,
			&txn.UserID,
			&txn.Hash,
			&txn.Date,
			&txn.Name,
			&txn.MerchantName,
			&txn.Amount,
			&txn.Currency,
			&direction,
			&txn.AccountID,
			&txn.IsRecurring,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txn.Direction = model.TransactionDirection(direction)
		transactions = append(transactions, txn)
	}

	return transactions, rows.Err()
}

// MarkRecurring flags the given transactions as belonging to a recurring pattern.
func (s *SQLiteStorage) MarkRecurring(ctx context.Context, userID string, transactionIDs []string) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if len(transactionIDs) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(transactionIDs)), ",")
	args := make([]any, 0, len(transactionIDs)+1)
	args = append(args, userID)
	for _, id := range transactionIDs {
		args = append(args, id)
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET is_recurring = 1 WHERE user_id = ? AND id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return fmt.Errorf("failed to mark recurring transactions: %w", err)
	}
	return nil
}

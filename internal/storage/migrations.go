package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// ExpectedSchemaVersion is the latest schema version that the application expects.
// If the database cannot be migrated to this version, it's a fatal error.
const ExpectedSchemaVersion = 4

// Migration represents a database schema migration.
type Migration struct {
	Up          func(*sql.Tx) error
	Description string
	Version     int
}

func execAll(tx *sql.Tx, queries ...string) error {
	for _, query := range queries {
		if _, err := tx.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query '%s': %w", query, err)
		}
	}
	return nil
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Transactions table",
		Up: func(tx *sql.Tx) error {
			return execAll(tx,
				`CREATE TABLE IF NOT EXISTS transactions (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					hash TEXT UNIQUE NOT NULL,
					date DATETIME NOT NULL,
					name TEXT NOT NULL DEFAULT '',
					merchant_name TEXT NOT NULL,
					amount REAL NOT NULL,
					currency TEXT NOT NULL,
					direction TEXT NOT NULL CHECK (direction IN ('debit', 'credit')),
					account_id TEXT NOT NULL DEFAULT '',
					is_recurring INTEGER NOT NULL DEFAULT 0,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE INDEX idx_transactions_user_date ON transactions(user_id, date)`,
				`CREATE INDEX idx_transactions_merchant ON transactions(merchant_name)`,
			)
		},
	},
	{
		Version:     2,
		Description: "Subscriptions ledger",
		Up: func(tx *sql.Tx) error {
			return execAll(tx,
				`CREATE TABLE IF NOT EXISTS subscriptions (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					name TEXT NOT NULL,
					category TEXT NOT NULL,
					amount REAL NOT NULL,
					currency TEXT NOT NULL,
					billing_cycle TEXT NOT NULL,
					next_billing_date DATETIME,
					description TEXT NOT NULL DEFAULT '',
					created_at DATETIME NOT NULL
				)`,
				`CREATE INDEX idx_subscriptions_user ON subscriptions(user_id)`,
				`CREATE INDEX idx_subscriptions_next_billing ON subscriptions(next_billing_date)`,
			)
		},
	},
	{
		Version:     3,
		Description: "Detections with review lifecycle",
		Up: func(tx *sql.Tx) error {
			return execAll(tx,
				`CREATE TABLE IF NOT EXISTS detections (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					name TEXT NOT NULL,
					category TEXT,
					amount REAL,
					currency TEXT NOT NULL,
					billing_cycle TEXT,
					next_billing_date DATETIME,
					description TEXT NOT NULL DEFAULT '',
					confidence REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
					source TEXT NOT NULL CHECK (source IN ('email', 'bank', 'sms')),
					source_id TEXT NOT NULL DEFAULT '',
					raw_data TEXT,
					status TEXT NOT NULL DEFAULT 'pending'
						CHECK (status IN ('pending', 'confirmed', 'rejected', 'imported')),
					detected_at DATETIME NOT NULL,
					reviewed_at DATETIME,
					imported_subscription_id TEXT REFERENCES subscriptions(id)
				)`,
			)
		},
	},
	{
		Version:     4,
		Description: "Index detections for the dedup gate and review listing",
		Up: func(tx *sql.Tx) error {
			return execAll(tx,
				`CREATE INDEX IF NOT EXISTS idx_detections_dedup ON detections(user_id, source, status)`,
				`CREATE INDEX IF NOT EXISTS idx_detections_listing ON detections(user_id, confidence DESC, detected_at DESC)`,
			)
		},
	},
}

// Migrate applies all pending database migrations.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	var currentVersion int
	err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("failed to begin transaction: %w", txErr)
		}

		if upErr := migration.Up(tx); upErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", migration.Version, upErr)
		}

		if _, execErr := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", migration.Version)); execErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to update schema version: %w", execErr)
		}

		if commitErr := tx.Commit(); commitErr != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, commitErr)
		}

		slog.Info("Applied migration",
			"version", migration.Version,
			"description", migration.Description)
	}

	var finalVersion int
	err = s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&finalVersion)
	if err != nil {
		return fmt.Errorf("failed to verify final schema version: %w", err)
	}

	if finalVersion != ExpectedSchemaVersion {
		return fmt.Errorf("database schema version mismatch: expected %d, got %d", ExpectedSchemaVersion, finalVersion)
	}

	return nil
}

// SchemaVersion returns the applied schema version.
func (s *SQLiteStorage) SchemaVersion(ctx context.Context) (int, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return version, nil
}

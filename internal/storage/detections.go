package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/code-shreya/subscription-manager-sub002/internal/common"
	"github.com/code-shreya/subscription-manager-sub002/internal/model"
	"github.com/code-shreya/subscription-manager-sub002/internal/service"
	"github.com/google/uuid"
)

const detectionColumns = `
	id, user_id, name, category, amount, currency, billing_cycle, next_billing_date,
	description, confidence, source, source_id, raw_data, status, detected_at,
	reviewed_at, imported_subscription_id`

// HasPendingDuplicate reports whether a pending detection for the same user
// and source exists with a case-insensitively equal name and an amount within
// service.DedupAmountWindow. Missing amounts compare as zero.
func (s *SQLiteStorage) HasPendingDuplicate(ctx context.Context, key service.DedupKey) (bool, error) {
	if err := validateContext(ctx); err != nil {
		return false, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT name FROM detections
		WHERE user_id = ?
		  AND source = ?
		  AND status = ?
		  AND ABS(COALESCE(amount, 0) - ?) <= ?`,
		key.UserID,
		string(key.Source),
		string(model.StatusPending),
		key.Amount,
		service.DedupAmountWindow,
	)
	if err != nil {
		return false, fmt.Errorf("failed to check duplicate detection: %w", err)
	}
	defer func() { _ = rows.Close() }()

	// SQLite's LOWER only folds ASCII, so names are compared here.
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, fmt.Errorf("failed to scan detection name: %w", err)
		}
		if strings.EqualFold(name, key.Name) {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("failed to check duplicate detection: %w", err)
	}
	return false, nil
}

// CreateDetection inserts a new pending detection. ID, status, currency and
// detected time are filled in when empty.
func (s *SQLiteStorage) CreateDetection(ctx context.Context, d *model.Detection) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateDetection(d); err != nil {
		return err
	}

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.Status = model.StatusPending
	if d.Currency == "" {
		d.Currency = model.DefaultCurrency
	}
	if d.DetectedAt.IsZero() {
		d.DetectedAt = time.Now().UTC()
	}

	var cycle *string
	if d.BillingCycle != nil {
		c := string(*d.BillingCycle)
		cycle = &c
	}
	var raw *string
	if len(d.RawData) > 0 {
		r := string(d.RawData)
		raw = &r
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO detections (`+detectionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)`,
		d.ID,
		d.UserID,
		d.Name,
		d.Category,
		d.Amount,
		d.Currency,
		cycle,
		utcPtr(d.NextBillingDate),
		d.Description,
		d.Confidence,
		string(d.Source),
		d.SourceID,
		raw,
		string(d.Status),
		d.DetectedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert detection: %w", err)
	}
	return nil
}

// GetDetection returns one detection owned by userID.
func (s *SQLiteStorage) GetDetection(ctx context.Context, userID, detectionID string) (*model.Detection, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return getDetection(ctx, s.db, userID, detectionID)
}

func getDetection(ctx context.Context, q queryer, userID, detectionID string) (*model.Detection, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+detectionColumns+` FROM detections WHERE id = ? AND user_id = ?`,
		detectionID, userID)

	d, err := scanDetection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("detection %s: %w", detectionID, common.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ListDetections returns the user's detections, optionally filtered by status,
// ordered by confidence then detection time, both descending.
func (s *SQLiteStorage) ListDetections(ctx context.Context, userID string, status *model.DetectionStatus) ([]model.Detection, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(userID, "userID"); err != nil {
		return nil, err
	}

	query := `SELECT ` + detectionColumns + ` FROM detections WHERE user_id = ?`
	args := []any{userID}
	if status != nil {
		query += ` AND status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY confidence DESC, detected_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query detections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var detections []model.Detection
	for rows.Next() {
		d, err := scanDetection(rows)
		if err != nil {
			return nil, err
		}
		detections = append(detections, *d)
	}
	return detections, rows.Err()
}

// ReviewDetection moves a pending detection to a reviewed status.
func (s *SQLiteStorage) ReviewDetection(ctx context.Context, userID, detectionID string, status model.DetectionStatus, reviewedAt time.Time) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE detections SET status = ?, reviewed_at = ?
		WHERE id = ? AND user_id = ? AND status = ?`,
		string(status), reviewedAt.UTC(), detectionID, userID, string(model.StatusPending))
	if err != nil {
		return fmt.Errorf("failed to update detection status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("pending detection %s: %w", detectionID, common.ErrNotFound)
	}
	return nil
}

// ImportDetection creates a subscription from fields and marks the detection
// imported. Both writes happen in one transaction; if the detection is no
// longer pending nothing is written and common.ErrNotFound is returned.
func (s *SQLiteStorage) ImportDetection(ctx context.Context, userID, detectionID string, fields model.SubscriptionFields) (*model.Subscription, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sub, err := createSubscription(ctx, tx, userID, fields)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE detections SET status = ?, imported_subscription_id = ?, reviewed_at = ?
		WHERE id = ? AND user_id = ? AND status = ?`,
		string(model.StatusImported), sub.ID, sub.CreatedAt, detectionID, userID, string(model.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to mark detection imported: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("pending detection %s: %w", detectionID, common.ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit import: %w", err)
	}
	return sub, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDetection(row rowScanner) (*model.Detection, error) {
	var (
		d          model.Detection
		category   sql.NullString
		amount     sql.NullFloat64
		cycle      sql.NullString
		nextBill   sql.NullTime
		raw        sql.NullString
		source     string
		status     string
		reviewedAt sql.NullTime
		importedID sql.NullString
	)

	err := row.Scan(
		&d.ID,
		&d.UserID,
		&d.Name,
		&category,
		&amount,
		&d.Currency,
		&cycle,
		&nextBill,
		&d.Description,
		&d.Confidence,
		&source,
		&d.SourceID,
		&raw,
		&status,
		&d.DetectedAt,
		&reviewedAt,
		&importedID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan detection: %w", err)
	}

	d.Source = model.DetectionSource(source)
	d.Status = model.DetectionStatus(status)
	if category.Valid {
		d.Category = &category.String
	}
	if amount.Valid {
		d.Amount = &amount.Float64
	}
	if cycle.Valid {
		c := model.BillingCycle(cycle.String)
		d.BillingCycle = &c
	}
	if nextBill.Valid {
		d.NextBillingDate = &nextBill.Time
	}
	if raw.Valid {
		d.RawData = []byte(raw.String)
	}
	if reviewedAt.Valid {
		d.ReviewedAt = &reviewedAt.Time
	}
	if importedID.Valid {
		d.ImportedSubscriptionID = &importedID.String
	}

	return &d, nil
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

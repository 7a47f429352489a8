package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/code-shreya/subscription-manager-sub002/internal/classification"
	"github.com/code-shreya/subscription-manager-sub002/internal/common"
	"github.com/code-shreya/subscription-manager-sub002/internal/engine"
	"github.com/code-shreya/subscription-manager-sub002/internal/model"
	"github.com/code-shreya/subscription-manager-sub002/internal/service"
)

// Payload limits.
const (
	MaxDaysBack      = 730
	MaxScanItems     = 500
	MaxRenewalWindow = 60

	DefaultRenewalWindow = 3
	DefaultSyncDaysBack  = 30
	recurringLookback    = 365
)

// Scanner is the part of the detection engine scan jobs drive.
type Scanner interface {
	ScanBankTransactions(ctx context.Context, userID string, daysBack int) (*engine.BankScanResult, error)
	ScanEmails(ctx context.Context, userID string, creds service.Credentials, opts engine.EmailScanOptions) (*engine.EmailScanResult, error)
}

// CredentialStore resolves a user's mailbox credentials.
type CredentialStore interface {
	Credentials(ctx context.Context, userID string) (service.Credentials, error)
}

// Enqueuer admits follow-up jobs. *Runner satisfies it.
type Enqueuer interface {
	Enqueue(jobType model.JobType, userID string, payload any) (string, error)
}

// decodeStrict unmarshals payload into v, rejecting unknown fields.
func decodeStrict(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return common.Validationf("invalid payload: %v", err)
	}
	return nil
}

func validateScanParams(p model.ScanParams) error {
	if p.DaysBack < 0 || p.DaysBack > MaxDaysBack {
		return common.Validationf("days_back must be between 0 and %d", MaxDaysBack)
	}
	if p.MaxItems < 0 || p.MaxItems > MaxScanItems {
		return common.Validationf("max_items must be between 0 and %d", MaxScanItems)
	}
	return nil
}

func decodeScanParams(payload json.RawMessage) (model.ScanParams, error) {
	var p model.ScanParams
	if err := decodeStrict(payload, &p); err != nil {
		return p, err
	}
	return p, validateScanParams(p)
}

// EmailScanHandler runs mailbox scans.
type EmailScanHandler struct {
	scanner Scanner
	creds   CredentialStore
}

// NewEmailScanHandler creates the email-scan handler.
func NewEmailScanHandler(scanner Scanner, creds CredentialStore) *EmailScanHandler {
	return &EmailScanHandler{scanner: scanner, creds: creds}
}

// Validate implements Handler.
func (h *EmailScanHandler) Validate(payload json.RawMessage) error {
	_, err := decodeScanParams(payload)
	return err
}

// Run implements Handler.
func (h *EmailScanHandler) Run(ctx context.Context, job Job, progress ProgressFunc) (any, error) {
	p, err := decodeScanParams(job.Payload)
	if err != nil {
		return nil, err
	}
	creds, err := h.creds.Credentials(ctx, job.UserID)
	if err != nil {
		return nil, fmt.Errorf("load mailbox credentials: %w", err)
	}

	return h.scanner.ScanEmails(ctx, job.UserID, creds, engine.EmailScanOptions{
		MaxEmails: p.MaxItems,
		DaysBack:  p.DaysBack,
		DeepScan:  p.DeepScan,
		Progress: func(done, total int) {
			if total > 0 {
				progress(done * 100 / total)
			}
		},
	})
}

// BankScanHandler runs recurring-charge scans over stored transactions.
type BankScanHandler struct {
	scanner Scanner
}

// NewBankScanHandler creates the bank-scan handler.
func NewBankScanHandler(scanner Scanner) *BankScanHandler {
	return &BankScanHandler{scanner: scanner}
}

// Validate implements Handler.
func (h *BankScanHandler) Validate(payload json.RawMessage) error {
	_, err := decodeScanParams(payload)
	return err
}

// Run implements Handler.
func (h *BankScanHandler) Run(ctx context.Context, job Job, progress ProgressFunc) (any, error) {
	p, err := decodeScanParams(job.Payload)
	if err != nil {
		return nil, err
	}
	progress(10)
	return h.scanner.ScanBankTransactions(ctx, job.UserID, p.DaysBack)
}

// SyncParams is the transaction-sync payload.
type SyncParams struct {
	Source   string `json:"source"`
	FilePath string `json:"file_path,omitempty"`
	DaysBack int    `json:"days_back,omitempty"`
}

// SyncResult summarizes a transaction sync.
type SyncResult struct {
	Fetched   int `json:"fetched"`
	Saved     int `json:"saved"`
	Recurring int `json:"recurring"`
}

// TransactionSyncHandler pulls transactions from a named source, stores the
// new ones and flags those belonging to a recurring pattern.
type TransactionSyncHandler struct {
	store   service.TransactionStore
	sources map[string]service.TransactionSource
	logger  *slog.Logger
	now     func() time.Time
}

// NewTransactionSyncHandler creates the transaction-sync handler.
func NewTransactionSyncHandler(store service.TransactionStore, sources map[string]service.TransactionSource, logger *slog.Logger) *TransactionSyncHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TransactionSyncHandler{
		store:   store,
		sources: sources,
		logger:  logger.With("component", "transaction-sync"),
		now:     time.Now,
	}
}

func (h *TransactionSyncHandler) decode(payload json.RawMessage) (SyncParams, error) {
	var p SyncParams
	if err := decodeStrict(payload, &p); err != nil {
		return p, err
	}
	if _, ok := h.sources[p.Source]; !ok {
		return p, common.Validationf("unknown transaction source %q", p.Source)
	}
	if p.DaysBack < 0 || p.DaysBack > MaxDaysBack {
		return p, common.Validationf("days_back must be between 0 and %d", MaxDaysBack)
	}
	return p, nil
}

// Validate implements Handler.
func (h *TransactionSyncHandler) Validate(payload json.RawMessage) error {
	_, err := h.decode(payload)
	return err
}

// Run implements Handler.
func (h *TransactionSyncHandler) Run(ctx context.Context, job Job, progress ProgressFunc) (any, error) {
	p, err := h.decode(job.Payload)
	if err != nil {
		return nil, err
	}
	if p.DaysBack == 0 {
		p.DaysBack = DefaultSyncDaysBack
	}

	now := h.now().UTC()
	txns, err := h.sources[p.Source].FetchTransactions(ctx, service.SyncRequest{
		Start:  now.AddDate(0, 0, -p.DaysBack),
		End:    now,
		UserID: job.UserID,
		Path:   p.FilePath,
	})
	if err != nil {
		return nil, common.SourceUnavailable(p.Source, err)
	}
	for i := range txns {
		txns[i].UserID = job.UserID
	}
	progress(40)

	saved, err := h.store.SaveTransactions(ctx, txns)
	if err != nil {
		return nil, err
	}
	progress(70)

	since := now.AddDate(0, 0, -recurringLookback)
	history, err := h.store.GetTransactions(ctx, service.TransactionFilter{
		UserID:    job.UserID,
		Direction: model.DirectionDebit,
		Since:     &since,
	})
	if err != nil {
		return nil, err
	}

	var recurringIDs []string
	for _, pattern := range classification.DetectRecurringPatterns(history) {
		for _, t := range pattern.Transactions {
			if !t.IsRecurring {
				recurringIDs = append(recurringIDs, t.ID)
			}
		}
	}
	if err := h.store.MarkRecurring(ctx, job.UserID, recurringIDs); err != nil {
		return nil, err
	}
	progress(90)

	h.logger.Info("Synced transactions",
		"user_id", job.UserID,
		"source", p.Source,
		"fetched", len(txns),
		"saved", saved,
		"recurring", len(recurringIDs))

	return &SyncResult{Fetched: len(txns), Saved: saved, Recurring: len(recurringIDs)}, nil
}

// RenewalParams is the renewal-check payload.
type RenewalParams struct {
	DaysAhead int `json:"days_ahead,omitempty"`
}

// RenewalResult summarizes a renewal sweep.
type RenewalResult struct {
	Due      int `json:"due"`
	Notified int `json:"notified"`
}

// RenewalCheckHandler finds subscriptions renewing soon, across all users,
// and queues one reminder per hit.
type RenewalCheckHandler struct {
	ledger   service.SubscriptionLedger
	enqueuer Enqueuer
	logger   *slog.Logger
	now      func() time.Time
}

// NewRenewalCheckHandler creates the renewal-check handler.
func NewRenewalCheckHandler(ledger service.SubscriptionLedger, enqueuer Enqueuer, logger *slog.Logger) *RenewalCheckHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RenewalCheckHandler{
		ledger:   ledger,
		enqueuer: enqueuer,
		logger:   logger.With("component", "renewal-check"),
		now:      time.Now,
	}
}

func decodeRenewal(payload json.RawMessage) (RenewalParams, error) {
	var p RenewalParams
	if err := decodeStrict(payload, &p); err != nil {
		return p, err
	}
	if p.DaysAhead < 0 || p.DaysAhead > MaxRenewalWindow {
		return p, common.Validationf("days_ahead must be between 0 and %d", MaxRenewalWindow)
	}
	if p.DaysAhead == 0 {
		p.DaysAhead = DefaultRenewalWindow
	}
	return p, nil
}

// Validate implements Handler.
func (h *RenewalCheckHandler) Validate(payload json.RawMessage) error {
	_, err := decodeRenewal(payload)
	return err
}

// Run implements Handler.
func (h *RenewalCheckHandler) Run(ctx context.Context, job Job, progress ProgressFunc) (any, error) {
	p, err := decodeRenewal(job.Payload)
	if err != nil {
		return nil, err
	}

	now := h.now().UTC()
	subs, err := h.ledger.GetSubscriptionsDueBetween(ctx, now, now.AddDate(0, 0, p.DaysAhead))
	if err != nil {
		return nil, err
	}

	result := &RenewalResult{Due: len(subs)}
	for i, sub := range subs {
		n := Notification{
			Kind:           NotifyRenewal,
			SubscriptionID: sub.ID,
			Name:           sub.Name,
			Amount:         sub.Amount,
			Currency:       sub.Currency,
			DueDate:        sub.NextBillingDate,
		}
		if _, err := h.enqueuer.Enqueue(model.JobNotification, sub.UserID, n); err != nil {
			common.LogItemError(ctx, h.logger, err, "Failed to queue renewal reminder", common.Fields{
				"subscription_id": sub.ID,
				"user_id":         sub.UserID,
			})
			continue
		}
		result.Notified++
		progress((i + 1) * 100 / len(subs))
	}
	return result, nil
}

// BudgetParams is the budget-check payload.
type BudgetParams struct {
	MonthlyLimit float64 `json:"monthly_limit"`
}

// BudgetResult summarizes a budget check.
type BudgetResult struct {
	Spent    float64 `json:"spent"`
	Limit    float64 `json:"limit"`
	Exceeded bool    `json:"exceeded"`
}

// BudgetCheckHandler compares the user's debits this calendar month against
// a limit and queues an alert when it is exceeded.
type BudgetCheckHandler struct {
	store    service.TransactionStore
	enqueuer Enqueuer
	now      func() time.Time
}

// NewBudgetCheckHandler creates the budget-check handler.
func NewBudgetCheckHandler(store service.TransactionStore, enqueuer Enqueuer) *BudgetCheckHandler {
	return &BudgetCheckHandler{store: store, enqueuer: enqueuer, now: time.Now}
}

func decodeBudget(payload json.RawMessage) (BudgetParams, error) {
	var p BudgetParams
	if err := decodeStrict(payload, &p); err != nil {
		return p, err
	}
	if p.MonthlyLimit <= 0 {
		return p, common.Validationf("monthly_limit must be positive")
	}
	return p, nil
}

// Validate implements Handler.
func (h *BudgetCheckHandler) Validate(payload json.RawMessage) error {
	_, err := decodeBudget(payload)
	return err
}

// Run implements Handler.
func (h *BudgetCheckHandler) Run(ctx context.Context, job Job, progress ProgressFunc) (any, error) {
	p, err := decodeBudget(job.Payload)
	if err != nil {
		return nil, err
	}

	now := h.now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	txns, err := h.store.GetTransactions(ctx, service.TransactionFilter{
		UserID:    job.UserID,
		Direction: model.DirectionDebit,
		Since:     &monthStart,
	})
	if err != nil {
		return nil, err
	}
	progress(50)

	result := &BudgetResult{Limit: p.MonthlyLimit}
	for _, t := range txns {
		result.Spent += t.Amount
	}
	result.Exceeded = result.Spent > p.MonthlyLimit

	if result.Exceeded {
		_, err := h.enqueuer.Enqueue(model.JobNotification, job.UserID, Notification{
			Kind:   NotifyBudget,
			Name:   "Monthly budget",
			Amount: result.Spent,
			Limit:  p.MonthlyLimit,
		})
		if err != nil {
			return result, fmt.Errorf("queue budget alert: %w", err)
		}
	}
	return result, nil
}

// NotificationKind distinguishes reminder types.
type NotificationKind string

// Notification kinds.
const (
	NotifyRenewal NotificationKind = "renewal"
	NotifyBudget  NotificationKind = "budget"
)

// Notification is the notification payload.
type Notification struct {
	DueDate        *time.Time       `json:"due_date,omitempty"`
	Kind           NotificationKind `json:"kind"`
	SubscriptionID string           `json:"subscription_id,omitempty"`
	Name           string           `json:"name"`
	Currency       string           `json:"currency,omitempty"`
	Amount         float64          `json:"amount,omitempty"`
	Limit          float64          `json:"limit,omitempty"`
}

// Notifier delivers a notification to a user.
type Notifier interface {
	Notify(ctx context.Context, userID string, n Notification) error
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (l LogNotifier) Notify(ctx context.Context, userID string, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"user_id", userID, "kind", n.Kind, "name", n.Name}
	if n.Amount != 0 {
		attrs = append(attrs, "amount", n.Amount, "currency", n.Currency)
	}
	if n.Limit != 0 {
		attrs = append(attrs, "limit", n.Limit)
	}
	if n.DueDate != nil {
		attrs = append(attrs, "due_date", n.DueDate.Format("2006-01-02"))
	}
	logger.InfoContext(ctx, "Notification", attrs...)
	return nil
}

// NotificationHandler hands notifications to a Notifier.
type NotificationHandler struct {
	notifier Notifier
}

// NewNotificationHandler creates the notification handler.
func NewNotificationHandler(notifier Notifier) *NotificationHandler {
	return &NotificationHandler{notifier: notifier}
}

func decodeNotification(payload json.RawMessage) (Notification, error) {
	var n Notification
	if err := decodeStrict(payload, &n); err != nil {
		return n, err
	}
	switch n.Kind {
	case NotifyRenewal, NotifyBudget:
	default:
		return n, common.Validationf("unknown notification kind %q", n.Kind)
	}
	return n, nil
}

// Validate implements Handler.
func (h *NotificationHandler) Validate(payload json.RawMessage) error {
	_, err := decodeNotification(payload)
	return err
}

// Run implements Handler.
func (h *NotificationHandler) Run(ctx context.Context, job Job, _ ProgressFunc) (any, error) {
	n, err := decodeNotification(job.Payload)
	if err != nil {
		return nil, err
	}
	return nil, h.notifier.Notify(ctx, job.UserID, n)
}

// RegisterAll installs the standard handlers on r. Handlers whose
// dependencies are nil are skipped.
func RegisterAll(r *Runner, deps Dependencies) {
	logger := deps.Logger
	if deps.Scanner != nil {
		r.Register(model.JobBankScan, NewBankScanHandler(deps.Scanner))
		if deps.Credentials != nil {
			r.Register(model.JobEmailScan, NewEmailScanHandler(deps.Scanner, deps.Credentials))
		}
	}
	if deps.Storage != nil {
		if len(deps.Sources) > 0 {
			r.Register(model.JobTransactionSync, NewTransactionSyncHandler(deps.Storage, deps.Sources, logger))
		}
		r.Register(model.JobRenewalCheck, NewRenewalCheckHandler(deps.Storage, r, logger))
		r.Register(model.JobBudgetCheck, NewBudgetCheckHandler(deps.Storage, r))
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	r.Register(model.JobNotification, NewNotificationHandler(notifier))
}

// Dependencies are the collaborators the standard handlers need.
type Dependencies struct {
	Scanner     Scanner
	Credentials CredentialStore
	Storage     interface {
		service.TransactionStore
		service.SubscriptionLedger
	}
	Sources  map[string]service.TransactionSource
	Notifier Notifier
	Logger   *slog.Logger
}

// Package mailbox searches a user's mailbox for subscription-related email and
// flattens messages into plain text for classification.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/code-shreya/subscription-manager-sub002/internal/common"
	"github.com/code-shreya/subscription-manager-sub002/internal/service"
)

// Defaults for mailbox paging.
const (
	DefaultPageSize    = 50
	DefaultDeepScanCap = 200
	DefaultPageDelay   = time.Second
	DefaultDaysBack    = 90
)

// Subject keywords that suggest a billing or subscription email.
var subjectKeywords = []string{
	"subscription",
	"renewal",
	"renew",
	"billing",
	"invoice",
	"payment",
	"receipt",
	"membership",
	"auto-debit",
	"autopay",
	"trial",
	"plan",
}

// Sender keywords for billing addresses and known subscription services.
var senderKeywords = []string{
	"noreply",
	"no-reply",
	"billing",
	"payments",
	"netflix",
	"spotify",
	"primevideo",
	"amazon",
	"hotstar",
	"youtube",
	"apple",
	"google",
	"zee5",
	"sonyliv",
	"jiocinema",
	"swiggy",
	"zomato",
	"cult.fit",
	"dropbox",
	"zerodha",
}

// Config controls paging and pacing against the mailbox provider.
type Config struct {
	PageSize    int64
	DeepScanCap int
	PageDelay   time.Duration
}

// DefaultConfig returns the standard mailbox settings.
func DefaultConfig() Config {
	return Config{
		PageSize:    DefaultPageSize,
		DeepScanCap: DefaultDeepScanCap,
		PageDelay:   DefaultPageDelay,
	}
}

// Message identifies one message in the mailbox.
type Message struct {
	ID       string
	ThreadID string
}

// SearchOptions narrows a single page search.
type SearchOptions struct {
	PageToken  string
	MaxResults int64
	DaysBack   int
}

// SearchPage is one page of search results.
type SearchPage struct {
	NextPageToken string
	Messages      []Message
}

// DeepScanProgress is reported after each page of a deep scan.
type DeepScanProgress struct {
	Page       int
	TotalSoFar int
	HasMore    bool
}

// Adapter is the email source used by the detection engine.
type Adapter struct {
	newAPI     APIFactory
	classifier service.TextClassifier
	logger     *slog.Logger
	now        func() time.Time
	cfg        Config
}

// NewAdapter creates an email adapter. classifier may be nil, in which case
// every message classifies as not a subscription.
func NewAdapter(newAPI APIFactory, classifier service.TextClassifier, cfg Config) *Adapter {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.DeepScanCap <= 0 {
		cfg.DeepScanCap = DefaultDeepScanCap
	}
	if cfg.PageDelay < 0 {
		cfg.PageDelay = 0
	}
	return &Adapter{
		newAPI:     newAPI,
		classifier: classifier,
		cfg:        cfg,
		now:        time.Now,
		logger:     slog.Default().With("component", "mailbox"),
	}
}

// BuildQuery returns the mailbox search query for the trailing window ending at now.
func BuildQuery(now time.Time, daysBack int) string {
	if daysBack <= 0 {
		daysBack = DefaultDaysBack
	}
	after := now.AddDate(0, 0, -daysBack).Format("2006/01/02")
	return fmt.Sprintf("(subject:(%s) OR from:(%s)) after:%s",
		strings.Join(subjectKeywords, " OR "),
		strings.Join(senderKeywords, " OR "),
		after)
}

// Session is one authenticated mailbox connection. A scan opens it once and
// reuses it for every page and message, so an expired access token is
// refreshed at most once per scan.
type Session interface {
	SearchSubscriptionEmails(ctx context.Context, opts SearchOptions) (*SearchPage, error)
	DeepScan(ctx context.Context, daysBack int, onProgress func(DeepScanProgress)) ([]Message, error)
	GetEmailDetails(ctx context.Context, messageID string) (*service.EmailContent, error)
}

type session struct {
	a   *Adapter
	api MessageAPI
}

// Open connects to the mailbox with creds.
func (a *Adapter) Open(ctx context.Context, creds service.Credentials) (Session, error) {
	api, err := a.newAPI(ctx, creds)
	if err != nil {
		return nil, common.SourceUnavailable("mailbox", err)
	}
	return &session{a: a, api: api}, nil
}

// SearchSubscriptionEmails returns one page of candidate subscription emails.
func (a *Adapter) SearchSubscriptionEmails(ctx context.Context, creds service.Credentials, opts SearchOptions) (*SearchPage, error) {
	s, err := a.Open(ctx, creds)
	if err != nil {
		return nil, err
	}
	return s.SearchSubscriptionEmails(ctx, opts)
}

func (s *session) SearchSubscriptionEmails(ctx context.Context, opts SearchOptions) (*SearchPage, error) {
	return s.a.searchPage(ctx, s.api, opts)
}

func (a *Adapter) searchPage(ctx context.Context, api MessageAPI, opts SearchOptions) (*SearchPage, error) {
	if opts.MaxResults <= 0 {
		opts.MaxResults = a.cfg.PageSize
	}

	resp, err := api.List(ctx, BuildQuery(a.now(), opts.DaysBack), opts.MaxResults, opts.PageToken)
	if err != nil {
		return nil, common.SourceUnavailable("mailbox", fmt.Errorf("list messages: %w", err))
	}

	page := &SearchPage{
		NextPageToken: resp.NextPageToken,
		Messages:      make([]Message, 0, len(resp.Messages)),
	}
	for _, m := range resp.Messages {
		if m == nil || m.Id == "" {
			continue
		}
		page.Messages = append(page.Messages, Message{ID: m.Id, ThreadID: m.ThreadId})
	}
	return page, nil
}

// DeepScan pages through search results until there are no more pages or the
// configured cap is reached, waiting PageDelay between pages. A failure on
// the first page is returned; a failure on a later page ends the scan with
// the messages gathered so far.
func (a *Adapter) DeepScan(ctx context.Context, creds service.Credentials, daysBack int, onProgress func(DeepScanProgress)) ([]Message, error) {
	s, err := a.Open(ctx, creds)
	if err != nil {
		return nil, err
	}
	return s.DeepScan(ctx, daysBack, onProgress)
}

func (s *session) DeepScan(ctx context.Context, daysBack int, onProgress func(DeepScanProgress)) ([]Message, error) {
	a, api := s.a, s.api
	pacer := common.NewPacer(a.cfg.PageDelay)
	var (
		messages  []Message
		pageToken string
	)

	for page := 1; ; page++ {
		if err := pacer.Wait(ctx); err != nil {
			return messages, err
		}

		remaining := int64(a.cfg.DeepScanCap - len(messages))
		size := a.cfg.PageSize
		if remaining < size {
			size = remaining
		}

		result, err := a.searchPage(ctx, api, SearchOptions{
			PageToken:  pageToken,
			MaxResults: size,
			DaysBack:   daysBack,
		})
		if err != nil {
			if page == 1 {
				return nil, err
			}
			common.LogItemError(ctx, a.logger, err, "Deep scan stopped early", common.Fields{
				"page":         page,
				"total_so_far": len(messages),
			})
			return messages, nil
		}

		messages = append(messages, result.Messages...)
		if len(messages) > a.cfg.DeepScanCap {
			messages = messages[:a.cfg.DeepScanCap]
		}
		pageToken = result.NextPageToken
		hasMore := pageToken != "" && len(messages) < a.cfg.DeepScanCap

		if onProgress != nil {
			onProgress(DeepScanProgress{
				Page:       page,
				TotalSoFar: len(messages),
				HasMore:    hasMore,
			})
		}
		a.logger.Debug("Deep scan page fetched",
			"page", page,
			"total_so_far", len(messages),
			"has_more", hasMore)

		if !hasMore {
			return messages, nil
		}
	}
}

// GetEmailDetails fetches a message and flattens its text content.
func (a *Adapter) GetEmailDetails(ctx context.Context, creds service.Credentials, messageID string) (*service.EmailContent, error) {
	s, err := a.Open(ctx, creds)
	if err != nil {
		return nil, err
	}
	return s.GetEmailDetails(ctx, messageID)
}

func (s *session) GetEmailDetails(ctx context.Context, messageID string) (*service.EmailContent, error) {
	if messageID == "" {
		return nil, common.Validationf("message ID is required")
	}
	msg, err := s.api.Get(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", messageID, err)
	}
	content, err := Flatten(msg)
	if err != nil {
		return nil, fmt.Errorf("flatten message %s: %w", messageID, err)
	}
	return content, nil
}

// Classify asks the text classifier whether content is a subscription email.
// Any failure or malformed answer is logged and reported as not a subscription.
func (a *Adapter) Classify(ctx context.Context, content service.EmailContent) service.AIDetectionResult {
	if a.classifier == nil {
		return service.AIDetectionResult{}
	}

	result, err := a.classifier.ClassifyEmail(ctx, content)
	if err == nil {
		err = validateResult(result)
	}
	if err != nil {
		common.LogItemError(ctx, a.logger, err, "Email classification failed", common.Fields{
			"source_id": content.ID,
		})
		return service.AIDetectionResult{}
	}
	return result
}

var errMalformedResult = errors.New("malformed classification result")

func validateResult(r service.AIDetectionResult) error {
	if r.Confidence < 0 || r.Confidence > 100 {
		return fmt.Errorf("%w: confidence %v out of range", errMalformedResult, r.Confidence)
	}
	if r.Amount < 0 {
		return fmt.Errorf("%w: negative amount %v", errMalformedResult, r.Amount)
	}
	return nil
}

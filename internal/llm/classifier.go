package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/code-shreya/subscription-manager-sub002/internal/common"
	"github.com/code-shreya/subscription-manager-sub002/internal/service"
	"golang.org/x/time/rate"
)

// maxBodyChars bounds the email text sent to the model.
const maxBodyChars = 4000

const systemPrompt = "You extract subscription billing details from emails. " +
	"You MUST respond with ONLY a valid JSON object. Do not include any explanatory text, " +
	"markdown formatting, or commentary before or after the JSON."

// Config holds configuration for the LLM classifier.
type Config struct {
	Provider    string
	APIKey      string
	Model       string
	BaseURL     string
	MaxRetries  int
	RetryDelay  time.Duration
	CacheTTL    time.Duration
	RateLimit   int // Requests per minute
	Temperature float64
	MaxTokens   int
}

func (c Config) temperature() float64 {
	if c.Temperature == 0 {
		return 0.1
	}
	return c.Temperature
}

func (c Config) maxTokens() int {
	if c.MaxTokens == 0 {
		return 400
	}
	return c.MaxTokens
}

// Classifier implements service.TextClassifier on top of an LLM provider.
type Classifier struct {
	client    Client
	cache     *resultCache
	limiter   *rate.Limiter
	logger    *slog.Logger
	retryOpts service.RetryOptions
}

// NewClassifier creates a classifier for the configured provider.
func NewClassifier(cfg Config, logger *slog.Logger) (*Classifier, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	return NewClassifierWithClient(client, cfg, logger), nil
}

// NewClassifierWithClient wraps an existing client.
func NewClassifierWithClient(client Client, cfg Config, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}

	retryOpts := service.RetryOptions{
		MaxAttempts:  cfg.MaxRetries,
		InitialDelay: cfg.RetryDelay,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
	if retryOpts.MaxAttempts == 0 {
		retryOpts.MaxAttempts = 3
	}
	if retryOpts.InitialDelay == 0 {
		retryOpts.InitialDelay = time.Second
	}

	rpm := cfg.RateLimit
	if rpm <= 0 {
		rpm = 60
	}

	return &Classifier{
		client:    client,
		cache:     newResultCache(cfg.CacheTTL),
		limiter:   rate.NewLimiter(rate.Limit(float64(rpm)/60), 1),
		logger:    logger.With("component", "llm"),
		retryOpts: retryOpts,
	}
}

// ClassifyEmail extracts subscription details from one email. Errors wrap
// common.ErrClassificationFailed.
func (c *Classifier) ClassifyEmail(ctx context.Context, content service.EmailContent) (service.AIDetectionResult, error) {
	if cached, ok := c.cache.get(content.ID); ok {
		c.logger.Debug("cache hit for message", "source_id", content.ID)
		return cached, nil
	}

	prompt := buildPrompt(content)

	var result service.AIDetectionResult
	err := common.WithRetry(ctx, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return &common.RetryableError{Err: err, Retryable: false}
		}

		reply, err := c.client.Complete(ctx, systemPrompt, prompt)
		if err != nil {
			var apiErr *apiError
			if errors.As(err, &apiErr) && !apiErr.retryable() {
				return &common.RetryableError{Err: err, Retryable: false}
			}
			return &common.RetryableError{Err: err, Retryable: true}
		}

		parsed, err := parseDetectionResult(reply)
		if err != nil {
			return &common.RetryableError{Err: err, Retryable: false}
		}
		result = parsed
		return nil
	}, c.retryOpts)
	if err != nil {
		if errors.Is(err, common.ErrClassificationFailed) {
			return service.AIDetectionResult{}, err
		}
		return service.AIDetectionResult{}, fmt.Errorf("%w: %v", common.ErrClassificationFailed, err)
	}

	c.cache.set(content.ID, result)
	return result, nil
}

func buildPrompt(content service.EmailContent) string {
	body := content.Body
	if len(body) > maxBodyChars {
		body = strings.ToValidUTF8(body[:maxBodyChars], "")
	}

	var sb strings.Builder
	sb.WriteString("Decide whether this email is about a recurring subscription charge ")
	sb.WriteString("(a receipt, renewal notice, invoice or membership billing).\n\n")
	fmt.Fprintf(&sb, "From: %s\n", content.From)
	fmt.Fprintf(&sb, "Subject: %s\n", content.Subject)
	if !content.Date.IsZero() {
		fmt.Fprintf(&sb, "Date: %s\n", content.Date.Format("2006-01-02"))
	}
	sb.WriteString("\n")
	sb.WriteString(body)
	sb.WriteString("\n\nRespond with JSON in exactly this shape:\n")
	sb.WriteString(`{"isSubscription": true, "serviceName": "Netflix", "amount": 649, "currency": "INR", `)
	sb.WriteString(`"billingCycle": "monthly", "nextBillingDate": "2024-07-03", "category": "Streaming", `)
	sb.WriteString(`"confidence": 90, "description": "Netflix Premium plan"}`)
	sb.WriteString("\n\nbillingCycle is one of weekly, monthly, quarterly, yearly. ")
	sb.WriteString("confidence is 0-100. Omit fields you cannot determine. ")
	sb.WriteString(`If the email is not about a subscription respond with {"isSubscription": false, "confidence": 0}.`)
	return sb.String()
}

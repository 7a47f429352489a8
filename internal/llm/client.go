package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client sends a single system+user prompt to a provider and returns the text reply.
type Client interface {
	Complete(ctx context.Context, systemPrompt, prompt string) (string, error)
}

// NewClient creates a provider client from cfg.
func NewClient(cfg Config) (Client, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		return newOpenAIClient(cfg)
	case "anthropic":
		return newAnthropicClient(cfg)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// endpoint is a JSON-over-HTTP provider API.
type endpoint struct {
	httpClient *http.Client
	headers    map[string]string
	provider   string
	url        string
}

func newEndpoint(provider, url, fallback string, headers map[string]string) endpoint {
	if url == "" {
		url = fallback
	}
	return endpoint{
		httpClient: newHTTPClient(),
		headers:    headers,
		provider:   provider,
		url:        url,
	}
}

// post sends in as JSON and decodes a 200 reply into out. Any other status
// becomes an *apiError.
func (e endpoint) post(ctx context.Context, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", e.provider, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", e.provider, err)
	}
	if resp.StatusCode != http.StatusOK {
		return &apiError{provider: e.provider, status: resp.StatusCode, body: string(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", e.provider, err)
	}
	return nil
}

// apiError carries the HTTP status of a failed provider call so retry logic
// can tell throttling and server faults from bad requests.
type apiError struct {
	provider string
	body     string
	status   int
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.provider, e.status, e.body)
}

func (e *apiError) retryable() bool {
	return e.status == http.StatusTooManyRequests || e.status >= http.StatusInternalServerError
}

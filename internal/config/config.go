package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/code-shreya/subscription-manager-sub002/internal/common"
	"github.com/code-shreya/subscription-manager-sub002/internal/engine"
	"github.com/code-shreya/subscription-manager-sub002/internal/jobs"
	"github.com/code-shreya/subscription-manager-sub002/internal/llm"
	"github.com/code-shreya/subscription-manager-sub002/internal/mailbox"
	"github.com/code-shreya/subscription-manager-sub002/internal/model"
	"github.com/code-shreya/subscription-manager-sub002/internal/plaid"
	"github.com/code-shreya/subscription-manager-sub002/internal/service"
	"github.com/spf13/viper"
)

// DefaultDatabasePath is used when database.path is unset.
const DefaultDatabasePath = "~/.local/share/submgr/submgr.db"

// SetDefaults registers default values for every known key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("engine.message_delay", engine.DefaultMessageDelay)
	v.SetDefault("engine.serialize_dedup", true)

	v.SetDefault("mailbox.page_size", mailbox.DefaultPageSize)
	v.SetDefault("mailbox.deep_scan_cap", mailbox.DefaultDeepScanCap)
	v.SetDefault("mailbox.page_delay", mailbox.DefaultPageDelay)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.retry_delay", time.Second)
	v.SetDefault("llm.cache_ttl", 24*time.Hour)
	v.SetDefault("llm.rate_limit", 60)

	v.SetDefault("jobs.retention", jobs.DefaultRetention)
	v.SetDefault("jobs.sweep_interval", jobs.DefaultSweepInterval)
	v.SetDefault("jobs.queue_size", jobs.DefaultQueueSize)

	v.SetDefault("plaid.environment", "sandbox")
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("serve.renewal_schedule", "@every 1h")
	v.SetDefault("serve.renewal_days", jobs.DefaultRenewalWindow)
}

func orGlobal(v *viper.Viper) *viper.Viper {
	if v == nil {
		return viper.GetViper()
	}
	return v
}

// DatabasePath returns the expanded database location.
func DatabasePath(v *viper.Viper) string {
	v = orGlobal(v)
	path := v.GetString("database.path")
	if path == "" {
		path = DefaultDatabasePath
	}
	if path == ":memory:" {
		return path
	}
	return ExpandPath(path)
}

// LoadEngineOptions reads detection engine settings.
func LoadEngineOptions(v *viper.Viper) (engine.Options, error) {
	v = orGlobal(v)
	opts := engine.DefaultOptions()
	if v.IsSet("engine.message_delay") {
		opts.MessageDelay = v.GetDuration("engine.message_delay")
	}
	if v.IsSet("engine.serialize_dedup") {
		opts.SerializeDedup = v.GetBool("engine.serialize_dedup")
	}
	if opts.MessageDelay < 0 {
		return opts, fmt.Errorf("%w: engine.message_delay must not be negative", common.ErrInvalidConfig)
	}
	return opts, nil
}

// LoadMailboxConfig reads mailbox paging settings.
func LoadMailboxConfig(v *viper.Viper) (mailbox.Config, error) {
	v = orGlobal(v)
	cfg := mailbox.DefaultConfig()
	if v.IsSet("mailbox.page_size") {
		cfg.PageSize = v.GetInt64("mailbox.page_size")
	}
	if v.IsSet("mailbox.deep_scan_cap") {
		cfg.DeepScanCap = v.GetInt("mailbox.deep_scan_cap")
	}
	if v.IsSet("mailbox.page_delay") {
		cfg.PageDelay = v.GetDuration("mailbox.page_delay")
	}

	// Gmail rejects page sizes above 500.
	if cfg.PageSize <= 0 || cfg.PageSize > 500 {
		return cfg, fmt.Errorf("%w: mailbox.page_size must be between 1 and 500", common.ErrInvalidConfig)
	}
	if cfg.DeepScanCap <= 0 {
		return cfg, fmt.Errorf("%w: mailbox.deep_scan_cap must be positive", common.ErrInvalidConfig)
	}
	return cfg, nil
}

// LoadGmailConfig reads the OAuth client used to refresh mailbox tokens,
// falling back to GMAIL_CLIENT_ID and GMAIL_CLIENT_SECRET.
func LoadGmailConfig(v *viper.Viper) (mailbox.OAuth2Config, error) {
	v = orGlobal(v)
	cfg := mailbox.OAuth2Config{
		ClientID:     v.GetString("mailbox.client_id"),
		ClientSecret: v.GetString("mailbox.client_secret"),
	}
	if cfg.ClientID == "" {
		cfg.ClientID = os.Getenv("GMAIL_CLIENT_ID")
	}
	if cfg.ClientSecret == "" {
		cfg.ClientSecret = os.Getenv("GMAIL_CLIENT_SECRET")
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return cfg, fmt.Errorf("%w: mailbox.client_id and mailbox.client_secret", common.ErrMissingConfig)
	}
	return cfg, nil
}

type mailboxUser struct {
	Expiry       string `mapstructure:"expiry"` // RFC 3339
	AccessToken  string `mapstructure:"access_token"`
	RefreshToken string `mapstructure:"refresh_token"`
}

// MailboxCredentials maps user IDs to mailbox credentials.
type MailboxCredentials map[string]service.Credentials

// Credentials returns the stored pair for userID.
func (m MailboxCredentials) Credentials(_ context.Context, userID string) (service.Credentials, error) {
	creds, ok := m[userID]
	if !ok {
		return service.Credentials{}, common.NewUserError(
			fmt.Sprintf("no mailbox linked for user %s; add it under mailbox.users", userID),
			fmt.Errorf("mailbox credentials: %w", common.ErrNotFound))
	}
	return creds, nil
}

// LoadMailboxCredentials reads per-user token pairs from mailbox.users.
func LoadMailboxCredentials(v *viper.Viper) (MailboxCredentials, error) {
	v = orGlobal(v)
	var users map[string]mailboxUser
	if err := v.UnmarshalKey("mailbox.users", &users); err != nil {
		return nil, fmt.Errorf("%w: mailbox.users: %v", common.ErrInvalidConfig, err)
	}
	creds := make(MailboxCredentials, len(users))
	for id, u := range users {
		c := service.Credentials{
			AccessToken:  u.AccessToken,
			RefreshToken: u.RefreshToken,
		}
		if u.Expiry != "" {
			expiry, err := time.Parse(time.RFC3339, u.Expiry)
			if err != nil {
				return nil, fmt.Errorf("%w: mailbox.users.%s.expiry: %v", common.ErrInvalidConfig, id, err)
			}
			c.Expiry = expiry
		}
		creds[id] = c
	}
	return creds, nil
}

// LoadLLMConfig reads classifier settings. The API key falls back to
// OPENAI_API_KEY or ANTHROPIC_API_KEY depending on the provider.
func LoadLLMConfig(v *viper.Viper) (llm.Config, error) {
	v = orGlobal(v)
	cfg := llm.Config{
		Provider:    strings.ToLower(v.GetString("llm.provider")),
		APIKey:      v.GetString("llm.api_key"),
		Model:       v.GetString("llm.model"),
		BaseURL:     v.GetString("llm.base_url"),
		MaxRetries:  v.GetInt("llm.max_retries"),
		RetryDelay:  v.GetDuration("llm.retry_delay"),
		CacheTTL:    v.GetDuration("llm.cache_ttl"),
		RateLimit:   v.GetInt("llm.rate_limit"),
		Temperature: v.GetFloat64("llm.temperature"),
		MaxTokens:   v.GetInt("llm.max_tokens"),
	}

	switch cfg.Provider {
	case "openai":
		if cfg.APIKey == "" {
			cfg.APIKey = os.Getenv("OPENAI_API_KEY")
		}
		if cfg.Model == "" {
			cfg.Model = llm.DefaultOpenAIModel
		}
	case "anthropic":
		if cfg.APIKey == "" {
			cfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if cfg.Model == "" {
			cfg.Model = llm.DefaultAnthropicModel
		}
	default:
		return cfg, fmt.Errorf("%w: unsupported llm.provider %q", common.ErrInvalidConfig, cfg.Provider)
	}

	if cfg.APIKey == "" {
		return cfg, fmt.Errorf("%w: llm.api_key for provider %s", common.ErrMissingConfig, cfg.Provider)
	}
	return cfg, nil
}

// LoadPlaidConfig reads Plaid credentials and the per-user access tokens.
func LoadPlaidConfig(v *viper.Viper) (plaid.Config, plaid.StaticTokens, error) {
	v = orGlobal(v)
	cfg := plaid.Config{
		ClientID:    v.GetString("plaid.client_id"),
		Secret:      v.GetString("plaid.secret"),
		Environment: v.GetString("plaid.environment"),
	}
	if cfg.ClientID == "" {
		cfg.ClientID = os.Getenv("PLAID_CLIENT_ID")
	}
	if cfg.Secret == "" {
		cfg.Secret = os.Getenv("PLAID_SECRET")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, nil, err
	}
	return cfg, plaid.StaticTokens(v.GetStringMapString("plaid.access_tokens")), nil
}

// LoadRunnerConfig reads job runner settings. Per-type worker ceilings are
// read from jobs.concurrency.<type>.
func LoadRunnerConfig(v *viper.Viper) (jobs.Config, error) {
	v = orGlobal(v)
	cfg := jobs.DefaultConfig()
	if v.IsSet("jobs.retention") {
		cfg.Retention = v.GetDuration("jobs.retention")
	}
	if v.IsSet("jobs.sweep_interval") {
		cfg.SweepInterval = v.GetDuration("jobs.sweep_interval")
	}
	if v.IsSet("jobs.queue_size") {
		cfg.QueueSize = v.GetInt("jobs.queue_size")
	}
	for jobType := range cfg.Concurrency {
		key := "jobs.concurrency." + string(jobType)
		if !v.IsSet(key) {
			continue
		}
		n := v.GetInt(key)
		if n <= 0 {
			return cfg, fmt.Errorf("%w: %s must be positive", common.ErrInvalidConfig, key)
		}
		cfg.Concurrency[jobType] = n
	}
	if cfg.Retention <= 0 {
		return cfg, fmt.Errorf("%w: jobs.retention must be positive", common.ErrInvalidConfig)
	}
	return cfg, nil
}

// JobType parses a job type name.
func JobType(name string) (model.JobType, error) {
	jobType := model.JobType(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := jobs.DefaultConcurrency()[jobType]; !ok {
		return "", common.Validationf("unknown job type %q", name)
	}
	return jobType, nil
}

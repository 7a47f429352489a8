package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/code-shreya/subscription-manager-sub002/internal/bank"
	"github.com/code-shreya/subscription-manager-sub002/internal/config"
	"github.com/code-shreya/subscription-manager-sub002/internal/engine"
	"github.com/code-shreya/subscription-manager-sub002/internal/jobs"
	"github.com/code-shreya/subscription-manager-sub002/internal/llm"
	"github.com/code-shreya/subscription-manager-sub002/internal/mailbox"
	"github.com/code-shreya/subscription-manager-sub002/internal/ofx"
	"github.com/code-shreya/subscription-manager-sub002/internal/plaid"
	"github.com/code-shreya/subscription-manager-sub002/internal/service"
	"github.com/code-shreya/subscription-manager-sub002/internal/storage"
	"github.com/spf13/viper"
)

// shutdownTimeout bounds how long Close waits for in-flight jobs.
const shutdownTimeout = 30 * time.Second

// needs selects which optional collaborators a command requires.
type needs struct {
	email bool
	plaid bool
}

// app is the wired application for one command invocation.
type app struct {
	store  *storage.SQLiteStorage
	engine *engine.DetectionEngine
	runner *jobs.Runner
	logger *slog.Logger
}

func initStorage(ctx context.Context) (*storage.SQLiteStorage, error) {
	store, err := storage.NewSQLiteStorage(config.DatabasePath(nil))
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

func newApp(ctx context.Context, n needs) (*app, error) {
	logger := slog.Default()
	v := viper.GetViper()

	store, err := initStorage(ctx)
	if err != nil {
		return nil, err
	}
	a := &app{store: store, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = store.Close()
		}
	}()

	opts, err := config.LoadEngineOptions(v)
	if err != nil {
		return nil, err
	}

	var (
		email engine.EmailSource
		creds jobs.CredentialStore
	)
	if n.email {
		adapter, err := newEmailAdapter(v, logger)
		if err != nil {
			return nil, err
		}
		mailboxCreds, err := config.LoadMailboxCredentials(v)
		if err != nil {
			return nil, err
		}
		email, creds = adapter, mailboxCreds
	}

	a.engine = engine.New(store, bank.NewAdapter(store), email, opts, logger)

	sources := map[string]service.TransactionSource{"ofx": ofx.NewSource()}
	if n.plaid {
		plaidCfg, tokens, err := config.LoadPlaidConfig(v)
		if err != nil {
			return nil, err
		}
		src, err := plaid.NewSource(plaidCfg, tokens)
		if err != nil {
			return nil, err
		}
		sources["plaid"] = src
	}

	runnerCfg, err := config.LoadRunnerConfig(v)
	if err != nil {
		return nil, err
	}
	a.runner = jobs.NewRunner(runnerCfg, logger)
	jobs.RegisterAll(a.runner, jobs.Dependencies{
		Scanner:     a.engine,
		Credentials: creds,
		Storage:     store,
		Sources:     sources,
		Logger:      logger,
	})
	a.runner.Start()

	ok = true
	return a, nil
}

func newEmailAdapter(v *viper.Viper, logger *slog.Logger) (*mailbox.Adapter, error) {
	gmailCfg, err := config.LoadGmailConfig(v)
	if err != nil {
		return nil, err
	}
	llmCfg, err := config.LoadLLMConfig(v)
	if err != nil {
		return nil, err
	}
	mailCfg, err := config.LoadMailboxConfig(v)
	if err != nil {
		return nil, err
	}
	classifier, err := llm.NewClassifier(llmCfg, logger)
	if err != nil {
		return nil, err
	}
	return mailbox.NewAdapter(mailbox.NewGmailFactory(gmailCfg), classifier, mailCfg), nil
}

// Close drains the runner and closes the database.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.runner.Close(ctx); err != nil {
		a.logger.Warn("Jobs still running at shutdown", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Failed to close database", "error", err)
	}
}

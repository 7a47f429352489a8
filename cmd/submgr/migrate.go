package main

import (
	"fmt"
	"log/slog"

	"github.com/code-shreya/subscription-manager-sub002/internal/cli"
	"github.com/code-shreya/subscription-manager-sub002/internal/config"
	"github.com/code-shreya/subscription-manager-sub002/internal/storage"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	var status bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long:  `Bring the database schema up to date, or report its version with --status.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			dbPath := config.DatabasePath(nil)

			store, err := storage.NewSQLiteStorage(dbPath)
			if err != nil {
				return err
			}
			defer func() {
				if err := store.Close(); err != nil {
					slog.Warn("Failed to close database", "error", err)
				}
			}()

			if !status {
				if err := store.Migrate(ctx); err != nil {
					return fmt.Errorf("failed to run migrations: %w", err)
				}
			}

			version, err := store.SchemaVersion(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch {
			case status && version < storage.ExpectedSchemaVersion:
				fmt.Fprintln(out, cli.FormatWarning(fmt.Sprintf("%s is at schema version %d of %d; run 'submgr migrate'", dbPath, version, storage.ExpectedSchemaVersion)))
			case status:
				fmt.Fprintln(out, cli.FormatInfo(fmt.Sprintf("%s is at schema version %d", dbPath, version)))
			default:
				fmt.Fprintln(out, cli.FormatSuccess(fmt.Sprintf("%s migrated to schema version %d", dbPath, version)))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "show the schema version without migrating")
	return cmd
}

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/code-shreya/subscription-manager-sub002/internal/bank"
	"github.com/code-shreya/subscription-manager-sub002/internal/cli"
	"github.com/code-shreya/subscription-manager-sub002/internal/common"
	"github.com/code-shreya/subscription-manager-sub002/internal/config"
	"github.com/code-shreya/subscription-manager-sub002/internal/engine"
	"github.com/code-shreya/subscription-manager-sub002/internal/model"
	"github.com/spf13/cobra"
)

func detectionsCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:     "detections",
		Aliases: []string{"det"},
		Short:   "Review detected subscriptions",
	}
	cmd.PersistentFlags().StringVar(&userID, "user", "", "user whose detections to review (required)")
	_ = cmd.MarkPersistentFlagRequired("user")

	var status string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List detections, optionally filtered by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var filter *model.DetectionStatus
			if status != "" {
				st, err := model.ParseDetectionStatus(status)
				if err != nil {
					return common.Validationf("%v", err)
				}
				filter = &st
			}
			return withReviewEngine(cmd.Context(), func(e *engine.DetectionEngine) error {
				detections, err := e.GetDetections(cmd.Context(), userID, filter)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), cli.RenderDetections(detections))
				return nil
			})
		},
	}
	listCmd.Flags().StringVar(&status, "status", "", "only show detections in this status (pending, confirmed, rejected, imported)")

	cmd.AddCommand(listCmd)
	cmd.AddCommand(reviewCmd("confirm", model.StatusConfirmed, &userID))
	cmd.AddCommand(reviewCmd("reject", model.StatusRejected, &userID))
	cmd.AddCommand(&cobra.Command{
		Use:   "import <detection-id>",
		Short: "Turn a pending detection into a subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReviewEngine(cmd.Context(), func(e *engine.DetectionEngine) error {
				sub, err := e.ImportDetection(cmd.Context(), userID, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("Imported %s as subscription %s (%s, %s)",
					sub.Name, sub.ID, cli.FormatAmount(&sub.Amount, sub.Currency), sub.BillingCycle)))
				return nil
			})
		},
	})
	return cmd
}

func reviewCmd(use string, status model.DetectionStatus, userID *string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <detection-id>",
		Short: fmt.Sprintf("Mark a pending detection as %s", status),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReviewEngine(cmd.Context(), func(e *engine.DetectionEngine) error {
				if err := e.UpdateDetectionStatus(cmd.Context(), *userID, args[0], status); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("Detection %s %s", args[0], status)))
				return nil
			})
		},
	}
}

// withReviewEngine runs fn against an engine with no email source. Review
// operations only touch storage.
func withReviewEngine(ctx context.Context, fn func(*engine.DetectionEngine) error) error {
	opts, err := config.LoadEngineOptions(nil)
	if err != nil {
		return err
	}
	store, err := initStorage(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("Failed to close database", "error", err)
		}
	}()
	return fn(engine.New(store, bank.NewAdapter(store), nil, opts, slog.Default()))
}

package main

import (
	"github.com/code-shreya/subscription-manager-sub002/internal/jobs"
	"github.com/code-shreya/subscription-manager-sub002/internal/model"
	"github.com/spf13/cobra"
)

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Import bank transactions and flag recurring ones",
	}

	var plaidParams jobs.SyncParams
	var plaidUser string
	plaidCmd := &cobra.Command{
		Use:   "plaid",
		Short: "Pull transactions from Plaid",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			plaidParams.Source = "plaid"
			return runSync(cmd, needs{plaid: true}, plaidUser, plaidParams)
		},
	}
	plaidCmd.Flags().StringVar(&plaidUser, "user", "", "user whose linked accounts to sync (required)")
	plaidCmd.Flags().IntVar(&plaidParams.DaysBack, "days", jobs.DefaultSyncDaysBack, "how many days back to fetch")
	_ = plaidCmd.MarkFlagRequired("user")

	var ofxParams jobs.SyncParams
	var ofxUser string
	ofxCmd := &cobra.Command{
		Use:   "ofx <file>",
		Short: "Import transactions from an OFX or QFX statement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ofxParams.Source = "ofx"
			ofxParams.FilePath = args[0]
			return runSync(cmd, needs{}, ofxUser, ofxParams)
		},
	}
	ofxCmd.Flags().StringVar(&ofxUser, "user", "", "user the statement belongs to (required)")
	ofxCmd.Flags().IntVar(&ofxParams.DaysBack, "days", jobs.MaxDaysBack, "ignore transactions older than this many days")
	_ = ofxCmd.MarkFlagRequired("user")

	cmd.AddCommand(plaidCmd, ofxCmd)
	return cmd
}

func runSync(cmd *cobra.Command, n needs, userID string, params jobs.SyncParams) error {
	a, err := newApp(cmd.Context(), n)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.runJob(cmd.Context(), cmd.OutOrStdout(), model.JobTransactionSync, userID, params)
	if err != nil {
		return err
	}
	return printJobResult(cmd.OutOrStdout(), st)
}

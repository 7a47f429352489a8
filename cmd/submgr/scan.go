package main

import (
	"github.com/code-shreya/subscription-manager-sub002/internal/model"
	"github.com/spf13/cobra"
)

func scanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan a source for subscriptions",
	}
	cmd.AddCommand(scanSourceCmd("bank", model.JobBankScan, "Detect recurring charges in stored bank transactions"))
	cmd.AddCommand(scanSourceCmd("email", model.JobEmailScan, "Detect subscriptions in the user's mailbox"))
	return cmd
}

func scanSourceCmd(use string, jobType model.JobType, short string) *cobra.Command {
	var (
		userID string
		params model.ScanParams
	)
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), needs{email: jobType == model.JobEmailScan})
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.runJob(cmd.Context(), cmd.OutOrStdout(), jobType, userID, params)
			if err != nil {
				return err
			}
			return printJobResult(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user to scan for (required)")
	cmd.Flags().IntVar(&params.DaysBack, "days", 0, "how many days back to look (0 uses the default)")
	_ = cmd.MarkFlagRequired("user")
	if jobType == model.JobEmailScan {
		cmd.Flags().IntVar(&params.MaxItems, "max", 0, "maximum number of emails to classify (0 uses the default)")
		cmd.Flags().BoolVar(&params.DeepScan, "deep", false, "page through every search result up to mailbox.deep_scan_cap")
	}
	return cmd
}

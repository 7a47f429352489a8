package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/code-shreya/subscription-manager-sub002/internal/cli"
	"github.com/code-shreya/subscription-manager-sub002/internal/common"
	"github.com/code-shreya/subscription-manager-sub002/internal/config"
	"github.com/code-shreya/subscription-manager-sub002/internal/model"
	"github.com/spf13/cobra"
)

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Run background jobs in the foreground",
	}
	cmd.AddCommand(jobsRunCmd())
	return cmd
}

func jobsRunCmd() *cobra.Command {
	var (
		userID  string
		payload string
		retries int
	)
	cmd := &cobra.Command{
		Use:   "run <type>",
		Short: "Enqueue a job and wait for it to finish",
		Long: `Enqueue a job of the given type and follow its progress.

Job types: email-scan, bank-scan, transaction-sync, renewal-check,
budget-check, notification. The payload is a JSON object validated by the
job's handler before it is queued.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobType, err := config.JobType(args[0])
			if err != nil {
				return err
			}
			if retries < 0 {
				return common.Validationf("--retry must not be negative")
			}
			var raw json.RawMessage
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return common.Validationf("--payload is not valid JSON")
				}
				raw = json.RawMessage(payload)
			}

			a, err := newApp(cmd.Context(), needs{
				email: jobType == model.JobEmailScan,
				plaid: jobType == model.JobTransactionSync && wantsPlaid(raw),
			})
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.runJob(cmd.Context(), cmd.OutOrStdout(), jobType, userID, raw)
			for attempt := 0; err == nil && st.State == model.JobFailed && attempt < retries; attempt++ {
				fmt.Fprintln(cmd.OutOrStdout(), cli.FormatWarning(fmt.Sprintf("Retrying %s (%d/%d)", jobType, attempt+1, retries)))
				st, err = a.retryJob(cmd.Context(), cmd.OutOrStdout(), st)
			}
			if err != nil {
				return err
			}
			return printJobResult(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user the job runs for")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload for the job")
	cmd.Flags().IntVar(&retries, "retry", 0, "resubmit a failed job up to this many times")
	return cmd
}

// wantsPlaid reports whether a sync payload names the plaid source.
func wantsPlaid(raw json.RawMessage) bool {
	var p struct {
		Source string `json:"source"`
	}
	_ = json.Unmarshal(raw, &p)
	return p.Source == "plaid"
}

// runJob enqueues a job and follows it to a terminal state.
func (a *app) runJob(ctx context.Context, w io.Writer, jobType model.JobType, userID string, payload any) (model.JobStatus, error) {
	id, err := a.runner.Enqueue(jobType, userID, payload)
	if err != nil {
		return model.JobStatus{}, err
	}
	return a.watch(ctx, w, jobType, id)
}

func (a *app) retryJob(ctx context.Context, w io.Writer, failed model.JobStatus) (model.JobStatus, error) {
	id, err := a.runner.Retry(failed.Type, failed.ID)
	if err != nil {
		return failed, err
	}
	return a.watch(ctx, w, failed.Type, id)
}

func (a *app) watch(ctx context.Context, w io.Writer, jobType model.JobType, id string) (model.JobStatus, error) {
	return cli.WatchJob(ctx, w, string(jobType), func() (model.JobStatus, error) {
		return a.runner.Status(jobType, id)
	}, cli.DefaultPollInterval)
}

func printJobResult(w io.Writer, st model.JobStatus) error {
	fmt.Fprintln(w, cli.FormatJobStatus(st))
	if st.State == model.JobFailed {
		return fmt.Errorf("job %s failed: %s", st.ID, st.Error)
	}
	if len(st.Result) > 0 && string(st.Result) != "null" {
		var pretty any
		if err := json.Unmarshal(st.Result, &pretty); err == nil {
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Fprintln(w, string(out))
		}
	}
	return nil
}

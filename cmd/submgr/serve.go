package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/code-shreya/subscription-manager-sub002/internal/cli"
	"github.com/code-shreya/subscription-manager-sub002/internal/common"
	"github.com/code-shreya/subscription-manager-sub002/internal/jobs"
	"github.com/code-shreya/subscription-manager-sub002/internal/metrics"
	"github.com/code-shreya/subscription-manager-sub002/internal/model"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the job runner with metrics and scheduled renewal checks",
		Long: `Start the job runner, expose Prometheus metrics on metrics.addr and
enqueue a renewal check on the serve.renewal_schedule cron schedule until
interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			schedule := viper.GetString("serve.renewal_schedule")
			renewal := jobs.RenewalParams{DaysAhead: viper.GetInt("serve.renewal_days")}

			handler := cli.NewInterruptHandler(cmd.ErrOrStderr(), "Waiting for running jobs to finish...")
			ctx := handler.HandleInterrupts(cmd.Context())

			a, err := newApp(ctx, needs{})
			if err != nil {
				return err
			}
			defer a.Close()

			c := cron.New()
			if _, err := c.AddFunc(schedule, func() { a.enqueueRenewal(renewal) }); err != nil {
				return fmt.Errorf("%w: serve.renewal_schedule %q: %v", common.ErrInvalidConfig, schedule, err)
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			srv := &http.Server{
				Addr:              viper.GetString("metrics.addr"),
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}
			serveErr := make(chan error, 1)
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
			}()

			c.Start()
			a.enqueueRenewal(renewal)
			a.logger.Info("Serving", "metrics_addr", srv.Addr, "renewal_schedule", schedule)

			var runErr error
			select {
			case <-ctx.Done():
			case err := <-serveErr:
				runErr = fmt.Errorf("metrics server failed: %w", err)
			}

			<-c.Stop().Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
				runErr = err
			}
			return runErr
		},
	}
}

func (a *app) enqueueRenewal(params jobs.RenewalParams) {
	id, err := a.runner.Enqueue(model.JobRenewalCheck, "", params)
	if err != nil {
		a.logger.Warn("Failed to enqueue renewal check", "error", err)
		return
	}
	a.logger.Debug("Enqueued renewal check", "job_id", id)
}

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/code-shreya/subscription-manager-sub002/internal/model"
	"github.com/schollz/progressbar/v3"
)

// DefaultPollInterval is how often WatchJob polls job status.
const DefaultPollInterval = 250 * time.Millisecond

// StatusFunc returns the current status of the watched job.
type StatusFunc func() (model.JobStatus, error)

// WatchJob polls status and renders its progress until the job reaches a
// terminal state or ctx ends. It returns the last observed status.
func WatchJob(ctx context.Context, w io.Writer, description string, status StatusFunc, interval time.Duration) (model.JobStatus, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(w),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription(fmt.Sprintf("[cyan][bold]%s[reset]", description)),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() {
			if _, err := fmt.Fprintln(w); err != nil {
				slog.Warn("Failed to write newline after progress bar", "error", err)
			}
		}),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := status()
		if err != nil {
			return st, err
		}
		if err := bar.Set(st.Progress); err != nil {
			slog.Warn("Failed to update progress bar", "error", err)
		}
		if st.State.IsTerminal() {
			if st.State == model.JobFailed {
				_ = bar.Exit()
			}
			return st, nil
		}

		select {
		case <-ctx.Done():
			_ = bar.Exit()
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

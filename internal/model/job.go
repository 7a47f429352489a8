package model

import (
	"encoding/json"
	"time"
)

// JobType names a class of asynchronous work with its own worker pool.
type JobType string

// Known job types.
const (
	JobEmailScan       JobType = "email-scan"
	JobBankScan        JobType = "bank-scan"
	JobTransactionSync JobType = "transaction-sync"
	JobRenewalCheck    JobType = "renewal-check"
	JobBudgetCheck     JobType = "budget-check"
	JobNotification    JobType = "notification"
)

// JobState is the lifecycle state of a job.
type JobState string

// Job state constants.
const (
	JobQueued    JobState = "queued"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// IsTerminal reports whether the job has finished.
func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// ScanParams are the input parameters shared by scan jobs.
type ScanParams struct {
	AccountID string `json:"account_id,omitempty"`
	MaxItems  int    `json:"max_items,omitempty"`
	DaysBack  int    `json:"days_back,omitempty"`
	DeepScan  bool   `json:"deep_scan,omitempty"`
}

// JobStatus is a point-in-time snapshot of a job for status polling.
type JobStatus struct {
	EnqueuedAt time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	ID         string
	UserID     string
	Type       JobType
	State      JobState
	Error      string
	Payload    json.RawMessage
	Result     json.RawMessage
	Progress   int
}

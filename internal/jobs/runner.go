// Package jobs runs asynchronous work in independent per-type worker pools
// and keeps job status available for polling until a retention period passes.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/code-shreya/subscription-manager-sub002/internal/common"
	"github.com/code-shreya/subscription-manager-sub002/internal/metrics"
	"github.com/code-shreya/subscription-manager-sub002/internal/model"
	"github.com/google/uuid"
)

// Runner errors.
var (
	ErrRunnerClosed = errors.New("job runner closed")
	ErrQueueFull    = errors.New("job queue full")
)

// Defaults for the runner.
const (
	DefaultRetention     = time.Hour
	DefaultSweepInterval = 5 * time.Minute
	DefaultQueueSize     = 1024
)

// DefaultConcurrency returns the worker ceiling for each job type.
func DefaultConcurrency() map[model.JobType]int {
	return map[model.JobType]int{
		model.JobRenewalCheck:    1,
		model.JobBudgetCheck:     1,
		model.JobTransactionSync: 3,
		model.JobNotification:    5,
		model.JobEmailScan:       1,
		model.JobBankScan:        3,
	}
}

// Config configures a Runner.
type Config struct {
	Concurrency   map[model.JobType]int
	Retention     time.Duration
	SweepInterval time.Duration // Zero disables the background sweep
	QueueSize     int
}

// DefaultConfig returns the standard runner configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:   DefaultConcurrency(),
		Retention:     DefaultRetention,
		SweepInterval: DefaultSweepInterval,
		QueueSize:     DefaultQueueSize,
	}
}

// Job is the unit of work handed to a Handler.
type Job struct {
	ID      string
	UserID  string
	Type    model.JobType
	Payload json.RawMessage
}

// ProgressFunc reports coarse progress in percent. Values that would move
// progress backwards are ignored.
type ProgressFunc func(percent int)

// Handler executes one job type.
type Handler interface {
	// Validate rejects a malformed payload before the job is admitted.
	Validate(payload json.RawMessage) error
	// Run executes the job. The returned value is recorded as the job result.
	Run(ctx context.Context, job Job, progress ProgressFunc) (any, error)
}

type jobRecord struct {
	status model.JobStatus
}

type pool struct {
	handler Handler
	queue   chan string
	workers int
}

// Runner owns one worker pool per registered job type.
type Runner struct {
	pools     map[model.JobType]*pool
	jobs      map[string]*jobRecord
	logger    *slog.Logger
	now       func() time.Time
	stopSweep chan struct{}
	cfg       Config
	wg        sync.WaitGroup
	mu        sync.RWMutex
	started   bool
	closed    bool
}

// NewRunner creates a runner. Register handlers, then call Start.
func NewRunner(cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Concurrency == nil {
		cfg.Concurrency = DefaultConcurrency()
	}
	return &Runner{
		pools:     make(map[model.JobType]*pool),
		jobs:      make(map[string]*jobRecord),
		logger:    logger.With("component", "jobs"),
		now:       time.Now,
		stopSweep: make(chan struct{}),
		cfg:       cfg,
	}
}

// Register installs the handler for jobType. It must be called before Start.
func (r *Runner) Register(jobType model.JobType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		panic(fmt.Sprintf("jobs: Register(%s) after Start", jobType))
	}

	workers := r.cfg.Concurrency[jobType]
	if workers <= 0 {
		workers = 1
	}
	r.pools[jobType] = &pool{
		handler: h,
		queue:   make(chan string, r.cfg.QueueSize),
		workers: workers,
	}
}

// Start launches the worker pools and the retention sweep.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return
	}
	r.started = true

	for jobType, p := range r.pools {
		for i := 0; i < p.workers; i++ {
			r.wg.Add(1)
			go r.worker(jobType, p)
		}
		r.logger.Debug("Started worker pool", "type", jobType, "workers", p.workers)
	}

	if r.cfg.SweepInterval > 0 {
		go r.sweepLoop(r.cfg.SweepInterval)
	}
}

// Enqueue admits a job and returns its ID without waiting for it to run.
// payload may be a json.RawMessage or any value that marshals to JSON.
func (r *Runner) Enqueue(jobType model.JobType, userID string, payload any) (string, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return "", common.Validationf("encode payload: %v", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", ErrRunnerClosed
	}
	p, ok := r.pools[jobType]
	if !ok {
		return "", common.Validationf("unknown job type %q", jobType)
	}
	if err := p.handler.Validate(raw); err != nil {
		if errors.Is(err, common.ErrValidation) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", common.ErrValidation, err)
	}

	id := uuid.NewString()
	select {
	case p.queue <- id:
	default:
		return "", fmt.Errorf("%w: %s", ErrQueueFull, jobType)
	}

	r.jobs[id] = &jobRecord{status: model.JobStatus{
		ID:         id,
		UserID:     userID,
		Type:       jobType,
		State:      model.JobQueued,
		Payload:    raw,
		EnqueuedAt: r.now().UTC(),
	}}
	metrics.JobsEnqueued.WithLabelValues(string(jobType)).Inc()
	metrics.JobsInState.WithLabelValues(string(jobType), string(model.JobQueued)).Inc()

	r.logger.Debug("Enqueued job", "job_id", id, "type", jobType, "user_id", userID)
	return id, nil
}

// Status returns a snapshot of a job. A job ID registered under a different
// type is reported as not found.
func (r *Runner) Status(jobType model.JobType, jobID string) (model.JobStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.jobs[jobID]
	if !ok || rec.status.Type != jobType {
		return model.JobStatus{}, fmt.Errorf("job %s/%s: %w", jobType, jobID, common.ErrNotFound)
	}
	return snapshot(rec.status), nil
}

// Retry re-enqueues a failed job's payload as a new job.
func (r *Runner) Retry(jobType model.JobType, jobID string) (string, error) {
	st, err := r.Status(jobType, jobID)
	if err != nil {
		return "", err
	}
	if st.State != model.JobFailed {
		return "", common.Validationf("job %s is %s; only failed jobs can be retried", jobID, st.State)
	}
	return r.Enqueue(jobType, st.UserID, st.Payload)
}

// Sweep removes terminal jobs that finished more than the retention period
// ago and returns how many were removed.
func (r *Runner) Sweep() int {
	cutoff := r.now().UTC().Add(-r.cfg.Retention)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, rec := range r.jobs {
		st := rec.status
		if !st.State.IsTerminal() || st.FinishedAt == nil || st.FinishedAt.After(cutoff) {
			continue
		}
		delete(r.jobs, id)
		metrics.JobsInState.WithLabelValues(string(st.Type), string(st.State)).Dec()
		removed++
	}
	if removed > 0 {
		r.logger.Debug("Swept expired jobs", "removed", removed)
	}
	return removed
}

// Close stops admitting jobs and waits for queued and running jobs to finish
// or for ctx to end.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for _, p := range r.pools {
		close(p.queue)
	}
	close(r.stopSweep)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
}

func (r *Runner) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopSweep:
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

func (r *Runner) worker(jobType model.JobType, p *pool) {
	defer r.wg.Done()
	for id := range p.queue {
		r.execute(jobType, p.handler, id)
	}
}

func (r *Runner) execute(jobType model.JobType, h Handler, id string) {
	job, ok := r.activate(id)
	if !ok {
		return
	}

	start := time.Now()
	logger := r.logger.With("job_id", id, "type", jobType, "user_id", job.UserID)
	logger.Info("Job started")

	result, err := r.run(h, job, func(percent int) { r.setProgress(id, percent) })
	metrics.JobDuration.WithLabelValues(string(jobType)).Observe(time.Since(start).Seconds())

	var encoded json.RawMessage
	if err == nil && result != nil {
		encoded, err = json.Marshal(result)
		if err != nil {
			err = fmt.Errorf("encode result: %w", err)
		}
	}

	r.finish(id, encoded, err)
	if err != nil {
		logger.Error("Job failed", "error", err, "duration", time.Since(start))
		return
	}
	logger.Info("Job completed", "duration", time.Since(start))
}

// run calls the handler, turning a panic into an error.
func (r *Runner) run(h Handler, job Job, progress ProgressFunc) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Job panicked", "job_id", job.ID, "panic", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return h.Run(context.Background(), job, progress)
}

func (r *Runner) activate(id string) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	now := r.now().UTC()
	rec.status.State = model.JobActive
	rec.status.StartedAt = &now
	metrics.JobsInState.WithLabelValues(string(rec.status.Type), string(model.JobQueued)).Dec()
	metrics.JobsInState.WithLabelValues(string(rec.status.Type), string(model.JobActive)).Inc()

	return Job{
		ID:      id,
		UserID:  rec.status.UserID,
		Type:    rec.status.Type,
		Payload: rec.status.Payload,
	}, true
}

func (r *Runner) setProgress(id string, percent int) {
	if percent > 99 {
		percent = 99
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.jobs[id]
	if !ok || rec.status.State != model.JobActive {
		return
	}
	if percent > rec.status.Progress {
		rec.status.Progress = percent
	}
}

func (r *Runner) finish(id string, result json.RawMessage, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.jobs[id]
	if !ok {
		return
	}
	now := r.now().UTC()
	rec.status.FinishedAt = &now
	if err != nil {
		rec.status.State = model.JobFailed
		rec.status.Error = err.Error()
	} else {
		rec.status.State = model.JobCompleted
		rec.status.Progress = 100
		rec.status.Result = result
	}

	jobType := string(rec.status.Type)
	metrics.JobsInState.WithLabelValues(jobType, string(model.JobActive)).Dec()
	metrics.JobsInState.WithLabelValues(jobType, string(rec.status.State)).Inc()
	metrics.JobsFinished.WithLabelValues(jobType, string(rec.status.State)).Inc()
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("{}"), nil
		}
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return append(json.RawMessage(nil), p...), nil
	default:
		return json.Marshal(p)
	}
}

func snapshot(st model.JobStatus) model.JobStatus {
	out := st
	if st.StartedAt != nil {
		t := *st.StartedAt
		out.StartedAt = &t
	}
	if st.FinishedAt != nil {
		t := *st.FinishedAt
		out.FinishedAt = &t
	}
	out.Payload = append(json.RawMessage(nil), st.Payload...)
	out.Result = append(json.RawMessage(nil), st.Result...)
	return out
}

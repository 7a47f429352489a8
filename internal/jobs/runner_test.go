package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/code-shreya/subscription-manager-sub002/internal/common"
	"github.com/code-shreya/subscription-manager-sub002/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type funcHandler struct {
	validate func(json.RawMessage) error
	run      func(ctx context.Context, job Job, progress ProgressFunc) (any, error)
}

func (h funcHandler) Validate(payload json.RawMessage) error {
	if h.validate == nil {
		return nil
	}
	return h.validate(payload)
}

func (h funcHandler) Run(ctx context.Context, job Job, progress ProgressFunc) (any, error) {
	return h.run(ctx, job, progress)
}

func newTestRunner(t *testing.T, cfg Config) *Runner {
	t.Helper()
	cfg.SweepInterval = 0
	r := NewRunner(cfg, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Close(ctx)
	})
	return r
}

func waitForState(t *testing.T, r *Runner, jobType model.JobType, id string, state model.JobState) model.JobStatus {
	t.Helper()
	var st model.JobStatus
	require.Eventually(t, func() bool {
		var err error
		st, err = r.Status(jobType, id)
		return err == nil && st.State == state
	}, 2*time.Second, 5*time.Millisecond, "job %s never reached %s", id, state)
	return st
}

func TestRunner_EnqueueRunsJob(t *testing.T) {
	r := newTestRunner(t, DefaultConfig())
	r.Register(model.JobBankScan, funcHandler{run: func(_ context.Context, job Job, _ ProgressFunc) (any, error) {
		return map[string]string{"user": job.UserID}, nil
	}})
	r.Start()

	id, err := r.Enqueue(model.JobBankScan, "u1", map[string]int{"days_back": 30})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	st := waitForState(t, r, model.JobBankScan, id, model.JobCompleted)
	assert.Equal(t, 100, st.Progress)
	assert.Equal(t, "u1", st.UserID)
	assert.JSONEq(t, `{"user":"u1"}`, string(st.Result))
	assert.JSONEq(t, `{"days_back":30}`, string(st.Payload))
	require.NotNil(t, st.StartedAt)
	require.NotNil(t, st.FinishedAt)
	assert.Empty(t, st.Error)
}

func TestRunner_EnqueueRejections(t *testing.T) {
	r := newTestRunner(t, DefaultConfig())
	r.Register(model.JobBudgetCheck, funcHandler{
		validate: func(json.RawMessage) error { return errors.New("limit missing") },
		run:      func(context.Context, Job, ProgressFunc) (any, error) { return nil, nil },
	})
	r.Start()

	_, err := r.Enqueue(model.JobEmailScan, "u1", nil)
	assert.ErrorIs(t, err, common.ErrValidation, "unregistered type")

	_, err = r.Enqueue(model.JobBudgetCheck, "u1", nil)
	assert.ErrorIs(t, err, common.ErrValidation)
	assert.Contains(t, err.Error(), "limit missing")

	_, err = r.Enqueue(model.JobBudgetCheck, "u1", json.RawMessage(`{bad`))
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestRunner_StatusNotFound(t *testing.T) {
	r := newTestRunner(t, DefaultConfig())
	r.Register(model.JobBankScan, funcHandler{run: func(context.Context, Job, ProgressFunc) (any, error) { return nil, nil }})
	r.Register(model.JobEmailScan, funcHandler{run: func(context.Context, Job, ProgressFunc) (any, error) { return nil, nil }})
	r.Start()

	_, err := r.Status(model.JobBankScan, "missing")
	assert.ErrorIs(t, err, common.ErrNotFound)

	id, err := r.Enqueue(model.JobBankScan, "u1", nil)
	require.NoError(t, err)
	waitForState(t, r, model.JobBankScan, id, model.JobCompleted)

	_, err = r.Status(model.JobEmailScan, id)
	assert.ErrorIs(t, err, common.ErrNotFound, "job looked up under the wrong type")
}

func TestRunner_FailuresAndPanics(t *testing.T) {
	r := newTestRunner(t, DefaultConfig())
	r.Register(model.JobBankScan, funcHandler{run: func(context.Context, Job, ProgressFunc) (any, error) {
		return nil, errors.New("bank offline")
	}})
	r.Register(model.JobEmailScan, funcHandler{run: func(context.Context, Job, ProgressFunc) (any, error) {
		panic("boom")
	}})
	r.Start()

	failed, err := r.Enqueue(model.JobBankScan, "u1", nil)
	require.NoError(t, err)
	panicked, err := r.Enqueue(model.JobEmailScan, "u1", nil)
	require.NoError(t, err)

	st := waitForState(t, r, model.JobBankScan, failed, model.JobFailed)
	assert.Equal(t, "bank offline", st.Error)
	assert.Empty(t, st.Result)

	st = waitForState(t, r, model.JobEmailScan, panicked, model.JobFailed)
	assert.Contains(t, st.Error, "panic: boom")

	// The pool survives a panic.
	again, err := r.Enqueue(model.JobEmailScan, "u1", nil)
	require.NoError(t, err)
	waitForState(t, r, model.JobEmailScan, again, model.JobFailed)
}

func TestRunner_ConcurrencyCeiling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Concurrency = map[model.JobType]int{model.JobTransactionSync: 2}
	r := newTestRunner(t, cfg)

	var inFlight, peak int32
	release := make(chan struct{})
	r.Register(model.JobTransactionSync, funcHandler{run: func(context.Context, Job, ProgressFunc) (any, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&inFlight, -1)
		return nil, nil
	}})
	r.Start()

	ids := make([]string, 6)
	for i := range ids {
		id, err := r.Enqueue(model.JobTransactionSync, "u1", nil)
		require.NoError(t, err)
		ids[i] = id
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&inFlight) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&inFlight))

	close(release)
	for _, id := range ids {
		waitForState(t, r, model.JobTransactionSync, id, model.JobCompleted)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&peak))
}

func TestRunner_TypesAreIsolated(t *testing.T) {
	r := newTestRunner(t, DefaultConfig())
	release := make(chan struct{})
	defer close(release)

	r.Register(model.JobEmailScan, funcHandler{run: func(context.Context, Job, ProgressFunc) (any, error) {
		<-release
		return nil, nil
	}})
	r.Register(model.JobNotification, funcHandler{run: func(context.Context, Job, ProgressFunc) (any, error) {
		return nil, nil
	}})
	r.Start()

	slow, err := r.Enqueue(model.JobEmailScan, "u1", nil)
	require.NoError(t, err)
	waitForState(t, r, model.JobEmailScan, slow, model.JobActive)

	queued, err := r.Enqueue(model.JobEmailScan, "u2", nil)
	require.NoError(t, err)

	fast, err := r.Enqueue(model.JobNotification, "u1", nil)
	require.NoError(t, err)
	waitForState(t, r, model.JobNotification, fast, model.JobCompleted)

	st, err := r.Status(model.JobEmailScan, queued)
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, st.State, "email-scan ceiling is one")
}

func TestRunner_ProgressIsMonotonic(t *testing.T) {
	r := newTestRunner(t, DefaultConfig())
	reported := make(chan struct{})
	release := make(chan struct{})

	r.Register(model.JobBankScan, funcHandler{run: func(_ context.Context, _ Job, progress ProgressFunc) (any, error) {
		progress(50)
		progress(30)
		reported <- struct{}{}
		progress(150)
		reported <- struct{}{}
		<-release
		return nil, nil
	}})
	r.Start()

	id, err := r.Enqueue(model.JobBankScan, "u1", nil)
	require.NoError(t, err)

	<-reported
	st, err := r.Status(model.JobBankScan, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobActive, st.State)
	assert.Equal(t, 50, st.Progress)

	<-reported
	st, err = r.Status(model.JobBankScan, id)
	require.NoError(t, err)
	assert.Equal(t, 99, st.Progress, "only completion reports 100")

	close(release)
	st = waitForState(t, r, model.JobBankScan, id, model.JobCompleted)
	assert.Equal(t, 100, st.Progress)
}

func TestRunner_Retry(t *testing.T) {
	r := newTestRunner(t, DefaultConfig())
	var calls int32
	r.Register(model.JobBankScan, funcHandler{run: func(context.Context, Job, ProgressFunc) (any, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	}})
	r.Start()

	id, err := r.Enqueue(model.JobBankScan, "u1", map[string]int{"days_back": 7})
	require.NoError(t, err)
	waitForState(t, r, model.JobBankScan, id, model.JobFailed)

	retryID, err := r.Retry(model.JobBankScan, id)
	require.NoError(t, err)
	assert.NotEqual(t, id, retryID)

	st := waitForState(t, r, model.JobBankScan, retryID, model.JobCompleted)
	assert.Equal(t, "u1", st.UserID)
	assert.JSONEq(t, `{"days_back":7}`, string(st.Payload))

	_, err = r.Retry(model.JobBankScan, retryID)
	assert.ErrorIs(t, err, common.ErrValidation, "completed jobs cannot be retried")

	_, err = r.Retry(model.JobBankScan, "missing")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

type testClock struct {
	t  time.Time
	mu sync.Mutex
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestRunner_SweepRemovesExpiredJobs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retention = time.Hour
	r := newTestRunner(t, cfg)
	clock := &testClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	r.now = clock.Now

	release := make(chan struct{})
	r.Register(model.JobBankScan, funcHandler{run: func(context.Context, Job, ProgressFunc) (any, error) { return nil, nil }})
	r.Register(model.JobEmailScan, funcHandler{run: func(context.Context, Job, ProgressFunc) (any, error) {
		<-release
		return nil, nil
	}})
	r.Start()
	defer close(release)

	done, err := r.Enqueue(model.JobBankScan, "u1", nil)
	require.NoError(t, err)
	waitForState(t, r, model.JobBankScan, done, model.JobCompleted)

	running, err := r.Enqueue(model.JobEmailScan, "u1", nil)
	require.NoError(t, err)
	waitForState(t, r, model.JobEmailScan, running, model.JobActive)

	clock.Advance(30 * time.Minute)
	assert.Equal(t, 0, r.Sweep())

	clock.Advance(31 * time.Minute)
	assert.Equal(t, 1, r.Sweep())

	_, err = r.Status(model.JobBankScan, done)
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = r.Status(model.JobEmailScan, running)
	assert.NoError(t, err, "active jobs are never swept")
}

func TestRunner_CloseWaitsForInFlight(t *testing.T) {
	r := NewRunner(Config{SweepInterval: 0}, nil)
	var finished int32
	r.Register(model.JobBankScan, funcHandler{run: func(context.Context, Job, ProgressFunc) (any, error) {
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&finished, 1)
		return nil, nil
	}})
	r.Start()

	for i := 0; i < 3; i++ {
		_, err := r.Enqueue(model.JobBankScan, "u1", nil)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))
	assert.Equal(t, int32(3), atomic.LoadInt32(&finished))

	_, err := r.Enqueue(model.JobBankScan, "u1", nil)
	assert.ErrorIs(t, err, ErrRunnerClosed)
	assert.NoError(t, r.Close(ctx), "second close is a no-op")
}

func TestRunner_CloseHonorsContext(t *testing.T) {
	r := NewRunner(Config{SweepInterval: 0}, nil)
	release := make(chan struct{})
	defer close(release)
	r.Register(model.JobBankScan, funcHandler{run: func(context.Context, Job, ProgressFunc) (any, error) {
		<-release
		return nil, nil
	}})
	r.Start()

	id, err := r.Enqueue(model.JobBankScan, "u1", nil)
	require.NoError(t, err)
	waitForState(t, r, model.JobBankScan, id, model.JobActive)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Close(ctx), context.DeadlineExceeded)
}

func TestRunner_QueueFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueSize = 1
	r := newTestRunner(t, cfg)
	r.Register(model.JobBankScan, funcHandler{run: func(context.Context, Job, ProgressFunc) (any, error) { return nil, nil }})

	// Not started, so nothing drains the queue.
	_, err := r.Enqueue(model.JobBankScan, "u1", nil)
	require.NoError(t, err)
	_, err = r.Enqueue(model.JobBankScan, "u1", nil)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestRunner_RegisterAfterStartPanics(t *testing.T) {
	r := newTestRunner(t, DefaultConfig())
	r.Start()
	assert.Panics(t, func() {
		r.Register(model.JobBankScan, funcHandler{})
	})
}

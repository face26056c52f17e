package inline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/flow/workflow"
)

// recorder collects dispatched jobs behind a mutex so tests can poll safely.
type recorder struct {
	mu      sync.Mutex
	runs    []workflow.RunJob
	retries []workflow.RetryJob
	expired []workflow.ExpiryJob
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		Run: func(_ context.Context, job workflow.RunJob) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.runs = append(r.runs, job)
		},
		Retry: func(_ context.Context, job workflow.RetryJob) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.retries = append(r.retries, job)
		},
		AssetExpiry: func(_ context.Context, job workflow.ExpiryJob) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.expired = append(r.expired, job)
		},
	}
}

func (r *recorder) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestNewRequiresRunHandler(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestEnqueueRunDispatches(t *testing.T) {
	var rec recorder
	q, err := New(Options{Handlers: rec.handlers()})
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.EnqueueRun(context.Background(), workflow.RunJob{WorkflowRunID: "run-1"}))
	waitFor(t, func() bool { return rec.runCount() == 1 })
	require.Equal(t, "run-1", rec.runs[0].WorkflowRunID)
}

func TestEnqueueRunIdempotentByID(t *testing.T) {
	var rec recorder
	fired := make(chan struct{})
	handlers := rec.handlers()
	inner := handlers.Run
	handlers.Run = func(ctx context.Context, job workflow.RunJob) {
		<-fired
		inner(ctx, job)
	}
	q, err := New(Options{Handlers: handlers})
	require.NoError(t, err)
	defer q.Close()

	ctx := context.Background()
	require.NoError(t, q.EnqueueRun(ctx, workflow.RunJob{WorkflowRunID: "run-1"}))
	// Duplicate id while the first is still pending or in flight.
	require.NoError(t, q.EnqueueRun(ctx, workflow.RunJob{WorkflowRunID: "run-1"}))
	close(fired)
	waitFor(t, func() bool { return rec.runCount() >= 1 })
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, rec.runCount())
}

func TestScheduleRetryDispatchesAtDueTime(t *testing.T) {
	var rec recorder
	q, err := New(Options{Handlers: rec.handlers()})
	require.NoError(t, err)
	defer q.Close()

	job := workflow.RetryJob{WorkflowRunID: "run-1", StepID: "step-a", Attempts: 2}
	require.NoError(t, q.ScheduleRetry(context.Background(), job, time.Now().Add(20*time.Millisecond)))
	require.Equal(t, 1, q.Pending())
	waitFor(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.retries) == 1
	})
	require.Equal(t, "step-a", rec.retries[0].StepID)
	require.Equal(t, 2, rec.retries[0].Attempts)
	require.Equal(t, 0, q.Pending())
}

func TestRetryFallsBackToRunHandler(t *testing.T) {
	var rec recorder
	handlers := rec.handlers()
	handlers.Retry = nil
	q, err := New(Options{Handlers: handlers})
	require.NoError(t, err)
	defer q.Close()

	job := workflow.RetryJob{WorkflowRunID: "run-1", RunKey: "key-1"}
	require.NoError(t, q.ScheduleRetry(context.Background(), job, time.Now()))
	waitFor(t, func() bool { return rec.runCount() == 1 })
	require.Equal(t, "run-1", rec.runs[0].WorkflowRunID)
	require.Equal(t, "key-1", rec.runs[0].RunKey)
}

func TestScheduleAssetExpiry(t *testing.T) {
	var rec recorder
	q, err := New(Options{Handlers: rec.handlers()})
	require.NoError(t, err)
	defer q.Close()

	job := workflow.ExpiryJob{AssetKey: "def:asset:p1", Reason: workflow.ExpiryTTL}
	require.NoError(t, q.ScheduleAssetExpiry(context.Background(), job, 10*time.Millisecond))
	waitFor(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.expired) == 1
	})
	require.Equal(t, "def:asset:p1", rec.expired[0].AssetKey)
}

func TestCancelJobStopsPendingTimer(t *testing.T) {
	var rec recorder
	q, err := New(Options{Handlers: rec.handlers()})
	require.NoError(t, err)
	defer q.Close()

	ctx := context.Background()
	job := workflow.ExpiryJob{AssetKey: "def:asset:p1", Reason: workflow.ExpiryTTL}
	require.NoError(t, q.ScheduleAssetExpiry(ctx, job, time.Hour))
	require.Equal(t, 1, q.Pending())
	require.NoError(t, q.CancelJob(ctx, workflow.ExpiryJobID(job.Reason, job.AssetKey)))
	require.Equal(t, 0, q.Pending())

	// Cancelling an unknown id is a no-op.
	require.NoError(t, q.CancelJob(ctx, "workflow.run:missing"))
}

func TestCloseRejectsNewJobs(t *testing.T) {
	var rec recorder
	q, err := New(Options{Handlers: rec.handlers()})
	require.NoError(t, err)

	require.NoError(t, q.ScheduleRetry(context.Background(), workflow.RetryJob{WorkflowRunID: "run-1"}, time.Now().Add(time.Hour)))
	q.Close()
	require.Equal(t, 0, q.Pending())
	require.Error(t, q.EnqueueRun(context.Background(), workflow.RunJob{WorkflowRunID: "run-2"}))
}

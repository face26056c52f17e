package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/flow/features/store/memory"
	"goa.design/flow/workflow"
)

// fakeQueue records enqueued run jobs.
type fakeQueue struct {
	mu   sync.Mutex
	runs []workflow.RunJob
}

func (q *fakeQueue) EnqueueRun(_ context.Context, job workflow.RunJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.runs = append(q.runs, job)
	return nil
}

func (q *fakeQueue) ScheduleRetry(context.Context, workflow.RetryJob, time.Time) error { return nil }

func (q *fakeQueue) ScheduleAssetExpiry(context.Context, workflow.ExpiryJob, time.Duration) error {
	return nil
}

func (q *fakeQueue) CancelJob(context.Context, string) error { return nil }

type fixture struct {
	store   *memory.Store
	queue   *fakeQueue
	monitor *Monitor
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	store := memory.NewStore(memory.Options{Now: func() time.Time { return now }})
	queue := &fakeQueue{}
	monitor, err := New(Options{
		Repository: store,
		Queue:      queue,
		Config:     workflow.Config{HeartbeatTimeout: time.Minute, HeartbeatBatch: 10},
		Now:        func() time.Time { return now },
	})
	require.NoError(t, err)
	return &fixture{store: store, queue: queue, monitor: monitor, now: now}
}

// seedRunningStep creates a running run with one running step whose heartbeat
// is beatAgo in the past.
func seedRunningStep(t *testing.T, f *fixture, policy *workflow.RetryPolicy, beatAgo time.Duration) (*workflow.Run, *workflow.RunStep) {
	t.Helper()
	ctx := context.Background()
	def, err := f.store.CreateDefinition(ctx, &workflow.Definition{
		Slug: "pipeline",
		Steps: []*workflow.StepDef{
			{Kind: workflow.StepKindJob, ID: "crunch", JobSlug: "crunch", RetryPolicy: policy},
		},
	})
	require.NoError(t, err)
	run, err := f.store.CreateRun(ctx, def.ID, workflow.RunCreateInput{RunKey: "pipeline:1"})
	require.NoError(t, err)
	running := workflow.RunRunning
	run, err = f.store.UpdateRun(ctx, run.ID, workflow.RunPatch{Status: &running})
	require.NoError(t, err)

	rec, err := f.store.CreateRunStep(ctx, workflow.RunStepCreateInput{WorkflowRunID: run.ID, StepID: "crunch"})
	require.NoError(t, err)
	stepRunning := workflow.StepRunning
	beat := f.now.Add(-beatAgo)
	beatPtr := &beat
	started := f.now.Add(-beatAgo - time.Minute)
	startedPtr := &started
	rec, err = f.store.UpdateRunStep(ctx, rec.ID, workflow.RunStepPatch{
		Status:          &stepRunning,
		StartedAt:       &startedPtr,
		LastHeartbeatAt: &beatPtr,
	})
	require.NoError(t, err)
	return run, rec
}

func TestRunOnceReschedulesStaleStep(t *testing.T) {
	f := newFixture(t)
	run, rec := seedRunningStep(t, f, nil, 5*time.Minute)

	handled, err := f.monitor.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, handled)

	updated, err := f.store.GetRunStep(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StepPending, updated.Status)
	require.Equal(t, 2, updated.Attempt)
	require.Equal(t, 1, updated.RetryCount)
	require.Equal(t, workflow.RetryPending, updated.RetryState)
	require.Equal(t, workflow.FailureHeartbeatTimeout, updated.FailureReason)
	require.Empty(t, updated.JobRunID)
	require.Nil(t, updated.StartedAt)
	require.Nil(t, updated.CompletedAt)
	require.Nil(t, updated.LastHeartbeatAt)

	require.Len(t, f.queue.runs, 1)
	require.Equal(t, run.ID, f.queue.runs[0].WorkflowRunID)
	require.Equal(t, run.RunKey, f.queue.runs[0].RunKey)

	var types []string
	for _, e := range f.store.History() {
		types = append(types, e.EventType)
	}
	require.Contains(t, types, workflow.HistoryStepTimeout)
	require.Contains(t, types, workflow.HistoryRunReschedule)
}

func TestRunOnceFailsStepWhenBudgetExhausted(t *testing.T) {
	one := 1
	policy := &workflow.RetryPolicy{MaxAttempts: &one}
	f := newFixture(t)
	run, rec := seedRunningStep(t, f, policy, 5*time.Minute)

	handled, err := f.monitor.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, handled)

	updated, err := f.store.GetRunStep(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StepFailed, updated.Status)
	require.Equal(t, workflow.RetryCompleted, updated.RetryState)
	require.Equal(t, workflow.FailureHeartbeatTimeout, updated.FailureReason)
	require.NotNil(t, updated.CompletedAt)

	// The run is re-enqueued so the orchestrator settles it.
	require.Len(t, f.queue.runs, 1)
	require.Equal(t, run.ID, f.queue.runs[0].WorkflowRunID)
}

func TestRunOnceIgnoresFreshHeartbeats(t *testing.T) {
	f := newFixture(t)
	seedRunningStep(t, f, nil, 10*time.Second)

	handled, err := f.monitor.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, handled)
	require.Empty(t, f.queue.runs)
}

func TestRunOnceSkipsSettledRuns(t *testing.T) {
	f := newFixture(t)
	run, rec := seedRunningStep(t, f, nil, 5*time.Minute)

	// The run settles between the sweep query and the handler.
	failed := workflow.RunFailed
	_, err := f.store.UpdateRun(context.Background(), run.ID, workflow.RunPatch{Status: &failed})
	require.NoError(t, err)

	handled, err := f.monitor.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, handled)

	updated, err := f.store.GetRunStep(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StepRunning, updated.Status)
}

func TestFanOutChildFollowsTemplatePolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	one := 1
	def, err := f.store.CreateDefinition(ctx, &workflow.Definition{
		Slug: "fan",
		Steps: []*workflow.StepDef{
			{
				Kind:       workflow.StepKindFanOut,
				ID:         "spread",
				Collection: []any{"a"},
				Template: &workflow.StepDef{
					Kind:        workflow.StepKindJob,
					ID:          "spread-item",
					JobSlug:     "item",
					RetryPolicy: &workflow.RetryPolicy{MaxAttempts: &one},
				},
			},
		},
	})
	require.NoError(t, err)
	run, err := f.store.CreateRun(ctx, def.ID, workflow.RunCreateInput{})
	require.NoError(t, err)
	running := workflow.RunRunning
	_, err = f.store.UpdateRun(ctx, run.ID, workflow.RunPatch{Status: &running})
	require.NoError(t, err)

	idx := 0
	childID := workflow.FanOutChildID("spread", "spread-item", idx)
	rec, err := f.store.CreateRunStep(ctx, workflow.RunStepCreateInput{
		WorkflowRunID:  run.ID,
		StepID:         childID,
		ParentStepID:   "spread",
		FanOutIndex:    &idx,
		TemplateStepID: "spread-item",
	})
	require.NoError(t, err)
	stepRunning := workflow.StepRunning
	beat := f.now.Add(-5 * time.Minute)
	beatPtr := &beat
	_, err = f.store.UpdateRunStep(ctx, rec.ID, workflow.RunStepPatch{
		Status:          &stepRunning,
		LastHeartbeatAt: &beatPtr,
	})
	require.NoError(t, err)

	handled, err := f.monitor.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, handled)

	// Template budget of one attempt: the child fails instead of rescheduling.
	updated, err := f.store.GetRunStep(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StepFailed, updated.Status)
}

package steps

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/flow/features/store/memory"
	"goa.design/flow/runtime/assets"
	"goa.design/flow/runtime/recovery"
	"goa.design/flow/workflow"
)

type fakeQueue struct {
	runs    []workflow.RunJob
	retries []workflow.RetryJob
	retryAt []time.Time
}

func (q *fakeQueue) EnqueueRun(_ context.Context, job workflow.RunJob) error {
	q.runs = append(q.runs, job)
	return nil
}

func (q *fakeQueue) ScheduleRetry(_ context.Context, job workflow.RetryJob, runAt time.Time) error {
	q.retries = append(q.retries, job)
	q.retryAt = append(q.retryAt, runAt)
	return nil
}

func (q *fakeQueue) ScheduleAssetExpiry(context.Context, workflow.ExpiryJob, time.Duration) error {
	return nil
}

func (q *fakeQueue) CancelJob(context.Context, string) error { return nil }

// fakeJobs replays scripted job-run results in order.
type fakeJobs struct {
	loaded  []string
	inputs  []workflow.JobRunInput
	results []*workflow.JobRun
	created int
}

func (j *fakeJobs) EnsureHandler(_ context.Context, slug string) error {
	j.loaded = append(j.loaded, slug)
	return nil
}

func (j *fakeJobs) CreateJobRunForSlug(_ context.Context, _ string, input workflow.JobRunInput) (*workflow.JobRun, error) {
	j.inputs = append(j.inputs, input)
	j.created++
	return &workflow.JobRun{ID: fmt.Sprintf("jr-%d", j.created), Status: workflow.JobRunRunning}, nil
}

func (j *fakeJobs) ExecuteJobRun(_ context.Context, id string) (*workflow.JobRun, error) {
	if len(j.results) == 0 {
		return &workflow.JobRun{ID: id, Status: workflow.JobRunFailed, ErrorMessage: "no scripted result"}, nil
	}
	r := *j.results[0]
	j.results = j.results[1:]
	r.ID = id
	return &r, nil
}

type fixture struct {
	store    *memory.Store
	queue    *fakeQueue
	jobs     *fakeJobs
	assets   *assets.Manager
	recovery *recovery.Manager
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	store := memory.NewStore(memory.Options{Now: func() time.Time { return now }})
	queue := &fakeQueue{}
	assetMgr, err := assets.NewManager(assets.Options{
		Repository: store,
		Queue:      queue,
		Now:        func() time.Time { return now },
	})
	require.NoError(t, err)
	recMgr, err := recovery.NewManager(recovery.Options{
		Repository: store,
		Queue:      queue,
		Config:     workflow.Config{RecoveryPollInterval: 30 * time.Second},
		Now:        func() time.Time { return now },
	})
	require.NoError(t, err)
	return &fixture{store: store, queue: queue, jobs: &fakeJobs{}, assets: assetMgr, recovery: recMgr, now: now}
}

func (f *fixture) newExecutor(t *testing.T, mutate func(*Options)) *Executor {
	t.Helper()
	opts := Options{
		Repository: f.store,
		Queue:      f.queue,
		Jobs:       f.jobs,
		Assets:     f.assets,
		Recovery:   f.recovery,
		Now:        func() time.Time { return f.now },
	}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := New(opts)
	require.NoError(t, err)
	return e
}

// seedRun creates a definition with the given steps and a running run.
func (f *fixture) seedRun(t *testing.T, params any, steps ...*workflow.StepDef) (*workflow.Definition, *workflow.Run) {
	t.Helper()
	ctx := context.Background()
	def, err := f.store.CreateDefinition(ctx, &workflow.Definition{Slug: "pipeline", Steps: steps})
	require.NoError(t, err)
	run, err := f.store.CreateRun(ctx, def.ID, workflow.RunCreateInput{Parameters: params})
	require.NoError(t, err)
	running := workflow.RunRunning
	run, err = f.store.UpdateRun(ctx, run.ID, workflow.RunPatch{Status: &running})
	require.NoError(t, err)
	return def, run
}

func TestJobStepSuccessStoresResult(t *testing.T) {
	f := newFixture(t)
	step := &workflow.StepDef{
		Kind:          workflow.StepKindJob,
		ID:            "extract",
		JobSlug:       "extract-data",
		StoreResultAs: "data",
		Parameters:    map[string]any{"where": "{{ parameters.region }}"},
	}
	def, run := f.seedRun(t, map[string]any{"region": "eu"}, step)
	f.jobs.results = []*workflow.JobRun{
		{Status: workflow.JobRunSucceeded, Result: map[string]any{"rows": float64(3)}},
	}
	e := f.newExecutor(t, nil)

	res, err := e.Execute(context.Background(), Input{
		Run: run, Definition: def, Step: step, Context: workflow.NewRuntimeContext(),
	})
	require.NoError(t, err)
	require.True(t, res.Completed)
	require.Equal(t, workflow.StepSucceeded, res.StepStatus)
	require.Equal(t, map[string]any{"data": map[string]any{"rows": float64(3)}}, res.SharedPatch)

	// Merged parameters are resolved before submission.
	require.Equal(t, []string{"extract-data"}, f.jobs.loaded)
	require.Len(t, f.jobs.inputs, 1)
	params, ok := f.jobs.inputs[0].Parameters.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "eu", params["where"])

	rec, err := f.store.FindRunStep(context.Background(), run.ID, "extract")
	require.NoError(t, err)
	require.Equal(t, workflow.StepSucceeded, rec.Status)
	require.Equal(t, 1, rec.Attempt)
	require.Equal(t, workflow.RetryCompleted, rec.RetryState)
	require.NotNil(t, rec.CompletedAt)
	require.Equal(t, map[string]any{"rows": float64(3)}, rec.Output)
}

func TestJobStepParameterResolutionFailsTerminally(t *testing.T) {
	f := newFixture(t)
	step := &workflow.StepDef{
		Kind:       workflow.StepKindJob,
		ID:         "extract",
		JobSlug:    "extract-data",
		Parameters: map[string]any{"from": "{{ steps.missing.result }}"},
	}
	def, run := f.seedRun(t, nil, step)
	e := f.newExecutor(t, nil)

	res, err := e.Execute(context.Background(), Input{
		Run: run, Definition: def, Step: step, Context: workflow.NewRuntimeContext(),
	})
	require.NoError(t, err)
	require.True(t, res.Completed)
	require.Equal(t, workflow.StepFailed, res.StepStatus)
	require.Contains(t, res.ErrorMessage, "Failed to resolve step parameters")
	require.Empty(t, f.jobs.inputs)

	rec, err := f.store.FindRunStep(context.Background(), run.ID, "extract")
	require.NoError(t, err)
	require.Equal(t, workflow.FailureParameterResolution, rec.FailureReason)
	require.Equal(t, workflow.RetryCompleted, rec.RetryState)
}

func TestJobStepFailureSchedulesRetry(t *testing.T) {
	f := newFixture(t)
	three := 3
	step := &workflow.StepDef{
		Kind:    workflow.StepKindJob,
		ID:      "extract",
		JobSlug: "extract-data",
		RetryPolicy: &workflow.RetryPolicy{
			MaxAttempts:    &three,
			Strategy:       workflow.RetryFixed,
			InitialDelayMs: 60000,
		},
	}
	def, run := f.seedRun(t, nil, step)
	f.jobs.results = []*workflow.JobRun{
		{Status: workflow.JobRunFailed, ErrorMessage: "boom"},
	}
	e := f.newExecutor(t, nil)

	res, err := e.Execute(context.Background(), Input{
		Run: run, Definition: def, Step: step, Context: workflow.NewRuntimeContext(),
	})
	require.NoError(t, err)
	require.False(t, res.Completed)
	require.Equal(t, workflow.StepPending, res.StepStatus)
	require.NotNil(t, res.ScheduledRetry)
	require.True(t, res.ScheduledRetry.Equal(f.now.Add(time.Minute)))

	rec, err := f.store.FindRunStep(context.Background(), run.ID, "extract")
	require.NoError(t, err)
	require.Equal(t, workflow.StepPending, rec.Status)
	require.Equal(t, workflow.RetryScheduled, rec.RetryState)
	require.Equal(t, 1, rec.RetryCount)
	require.NotNil(t, rec.NextAttemptAt)
	require.Equal(t, "boom", rec.ErrorMessage)

	require.Len(t, f.queue.retries, 1)
	require.Equal(t, run.ID, f.queue.retries[0].WorkflowRunID)
	require.Equal(t, "extract", f.queue.retries[0].StepID)
	require.True(t, f.queue.retryAt[0].Equal(f.now.Add(time.Minute)))
}

func TestJobStepFailureExhaustsBudget(t *testing.T) {
	f := newFixture(t)
	one := 1
	step := &workflow.StepDef{
		Kind:        workflow.StepKindJob,
		ID:          "extract",
		JobSlug:     "extract-data",
		RetryPolicy: &workflow.RetryPolicy{MaxAttempts: &one},
	}
	def, run := f.seedRun(t, nil, step)
	f.jobs.results = []*workflow.JobRun{
		{Status: workflow.JobRunFailed, ErrorMessage: "boom"},
	}
	e := f.newExecutor(t, nil)

	res, err := e.Execute(context.Background(), Input{
		Run: run, Definition: def, Step: step, Context: workflow.NewRuntimeContext(),
	})
	require.NoError(t, err)
	require.True(t, res.Completed)
	require.Equal(t, workflow.StepFailed, res.StepStatus)
	require.Empty(t, f.queue.retries)

	rec, err := f.store.FindRunStep(context.Background(), run.ID, "extract")
	require.NoError(t, err)
	require.Equal(t, workflow.StepFailed, rec.Status)
	require.Equal(t, "job_failed", rec.FailureReason)
	require.NotNil(t, rec.CompletedAt)
}

func TestJobStepDefersWhileRetryNotDue(t *testing.T) {
	f := newFixture(t)
	step := &workflow.StepDef{Kind: workflow.StepKindJob, ID: "extract", JobSlug: "extract-data"}
	def, run := f.seedRun(t, nil, step)

	ctx := context.Background()
	rec, err := f.store.CreateRunStep(ctx, workflow.RunStepCreateInput{WorkflowRunID: run.ID, StepID: "extract"})
	require.NoError(t, err)
	scheduled := workflow.RetryScheduled
	due := f.now.Add(10 * time.Minute)
	duePtr := &due
	_, err = f.store.UpdateRunStep(ctx, rec.ID, workflow.RunStepPatch{
		RetryState:    &scheduled,
		NextAttemptAt: &duePtr,
	})
	require.NoError(t, err)
	e := f.newExecutor(t, nil)

	res, err := e.Execute(ctx, Input{
		Run: run, Definition: def, Step: step, Context: workflow.NewRuntimeContext(),
	})
	require.NoError(t, err)
	require.False(t, res.Completed)
	require.NotNil(t, res.ScheduledRetry)
	require.True(t, res.ScheduledRetry.Equal(due))
	require.Empty(t, f.jobs.inputs)
}

func TestJobStepMissingAssetOpensRecoveryGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A producer declares the asset so the gate can launch it.
	_, err := f.store.CreateDefinition(ctx, &workflow.Definition{
		Slug: "orders-producer",
		Steps: []*workflow.StepDef{
			{Kind: workflow.StepKindJob, ID: "build", JobSlug: "build-orders",
				Produces: []*workflow.AssetDeclaration{{AssetID: "Orders"}}},
		},
	})
	require.NoError(t, err)

	step := &workflow.StepDef{
		Kind:    workflow.StepKindJob,
		ID:      "report",
		JobSlug: "report",
		Consumes: []*workflow.AssetDeclaration{
			{AssetID: "Orders", Direction: workflow.AssetDirectionConsumes},
		},
	}
	def, run := f.seedRun(t, nil, step)
	f.jobs.results = []*workflow.JobRun{
		{
			Status:        workflow.JobRunFailed,
			ErrorMessage:  "asset Orders is missing",
			FailureReason: workflow.FailureAssetMissing,
			Context: map[string]any{
				"errorProperties": map[string]any{"assetId": "Orders", "partitionKey": "2026-08-24"},
			},
		},
	}
	e := f.newExecutor(t, nil)

	res, err := e.Execute(ctx, Input{
		Run: run, Definition: def, Step: step, Context: workflow.NewRuntimeContext(),
	})
	require.NoError(t, err)
	require.False(t, res.Completed)
	require.Equal(t, workflow.StepPending, res.StepStatus)
	require.NotNil(t, res.ScheduledRetry)
	require.True(t, res.ScheduledRetry.Equal(f.now.Add(30*time.Second)))

	// The producer run was enqueued and the step parked behind the poll.
	require.Len(t, f.queue.runs, 1)
	rec, err := f.store.FindRunStep(ctx, run.ID, "report")
	require.NoError(t, err)
	require.Equal(t, workflow.StepPending, rec.Status)
	require.Equal(t, workflow.RetryScheduled, rec.RetryState)
	require.Equal(t, workflow.FailureAssetMissing, rec.FailureReason)
	require.True(t, recovery.Linked(rec))
}

func TestJobStepAssetRecoveryContextOpensGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.CreateDefinition(ctx, &workflow.Definition{
		Slug: "inventory-producer",
		Steps: []*workflow.StepDef{
			{Kind: workflow.StepKindJob, ID: "build", JobSlug: "build-inventory",
				Produces: []*workflow.AssetDeclaration{{AssetID: "inventory.dataset"}}},
		},
	})
	require.NoError(t, err)

	step := &workflow.StepDef{
		Kind:    workflow.StepKindJob,
		ID:      "report",
		JobSlug: "report",
		Consumes: []*workflow.AssetDeclaration{
			{AssetID: "inventory.dataset", Direction: workflow.AssetDirectionConsumes},
		},
	}
	def, run := f.seedRun(t, nil, step)

	// Handlers report the missing asset through context.assetRecovery; a
	// partitionless asset carries a null partition key.
	f.jobs.results = []*workflow.JobRun{
		{
			Status:        workflow.JobRunFailed,
			ErrorMessage:  "asset inventory.dataset is missing",
			FailureReason: workflow.FailureAssetMissing,
			Context: map[string]any{
				"assetRecovery": map[string]any{"assetId": "inventory.dataset", "partitionKey": nil},
			},
		},
	}
	e := f.newExecutor(t, nil)

	res, err := e.Execute(ctx, Input{
		Run: run, Definition: def, Step: step, Context: workflow.NewRuntimeContext(),
	})
	require.NoError(t, err)
	require.False(t, res.Completed)
	require.Equal(t, workflow.StepPending, res.StepStatus)
	require.NotNil(t, res.ScheduledRetry)

	require.Len(t, f.queue.runs, 1)
	rec, err := f.store.FindRunStep(ctx, run.ID, "report")
	require.NoError(t, err)
	require.Equal(t, workflow.RetryScheduled, rec.RetryState)
	require.True(t, recovery.Linked(rec))
}

func TestJobStepSkippedOnCanceledJobRun(t *testing.T) {
	f := newFixture(t)
	step := &workflow.StepDef{Kind: workflow.StepKindJob, ID: "extract", JobSlug: "extract-data"}
	def, run := f.seedRun(t, nil, step)
	f.jobs.results = []*workflow.JobRun{
		{Status: workflow.JobRunCanceled, ErrorMessage: "canceled by operator"},
	}
	e := f.newExecutor(t, nil)

	res, err := e.Execute(context.Background(), Input{
		Run: run, Definition: def, Step: step, Context: workflow.NewRuntimeContext(),
	})
	require.NoError(t, err)
	require.True(t, res.Completed)
	require.Equal(t, workflow.StepSkipped, res.StepStatus)

	rec, err := f.store.FindRunStep(context.Background(), run.ID, "extract")
	require.NoError(t, err)
	require.Equal(t, workflow.StepSkipped, rec.Status)
}

func TestExecuteRejectsUnsatisfiedDependency(t *testing.T) {
	f := newFixture(t)
	first := &workflow.StepDef{Kind: workflow.StepKindJob, ID: "first", JobSlug: "first"}
	second := &workflow.StepDef{Kind: workflow.StepKindJob, ID: "second", JobSlug: "second", DependsOn: []string{"first"}}
	def, run := f.seedRun(t, nil, first, second)
	e := f.newExecutor(t, nil)

	_, err := e.Execute(context.Background(), Input{
		Run: run, Definition: def, Step: second, Context: workflow.NewRuntimeContext(),
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "dependency")
}

func TestExecuteHydratesAlreadySucceededStep(t *testing.T) {
	f := newFixture(t)
	step := &workflow.StepDef{Kind: workflow.StepKindJob, ID: "extract", JobSlug: "extract-data", StoreResultAs: "data"}
	def, run := f.seedRun(t, nil, step)

	ctx := context.Background()
	rec, err := f.store.CreateRunStep(ctx, workflow.RunStepCreateInput{WorkflowRunID: run.ID, StepID: "extract"})
	require.NoError(t, err)
	succeeded := workflow.StepSucceeded
	var out any = map[string]any{"rows": float64(7)}
	_, err = f.store.UpdateRunStep(ctx, rec.ID, workflow.RunStepPatch{Status: &succeeded, Output: &out})
	require.NoError(t, err)
	e := f.newExecutor(t, nil)

	res, err := e.Execute(ctx, Input{
		Run: run, Definition: def, Step: step, Context: workflow.NewRuntimeContext(),
	})
	require.NoError(t, err)
	require.True(t, res.Completed)
	require.Equal(t, workflow.StepSucceeded, res.StepStatus)
	require.Equal(t, map[string]any{"data": map[string]any{"rows": float64(7)}}, res.SharedPatch)
	require.Empty(t, f.jobs.inputs)
}

func TestFanOutExpandsCollection(t *testing.T) {
	f := newFixture(t)
	step := &workflow.StepDef{
		Kind:           workflow.StepKindFanOut,
		ID:             "spread",
		Collection:     "{{ parameters.items }}",
		StoreResultsAs: "all",
		Template:       &workflow.StepDef{Kind: workflow.StepKindJob, ID: "item", JobSlug: "process-item"},
	}
	def, run := f.seedRun(t, map[string]any{"items": []any{"a", "b", "c"}}, step)
	e := f.newExecutor(t, nil)

	res, err := e.Execute(context.Background(), Input{
		Run: run, Definition: def, Step: step, Context: workflow.NewRuntimeContext(),
	})
	require.NoError(t, err)
	require.False(t, res.Completed)
	require.Equal(t, workflow.StepRunning, res.StepStatus)
	require.NotNil(t, res.FanOut)
	require.Equal(t, "spread", res.FanOut.ParentStepID)
	require.Equal(t, "item", res.FanOut.TemplateStepID)
	require.Equal(t, 3, res.FanOut.MaxConcurrency)
	require.Equal(t, "all", res.FanOut.StoreResultsAs)

	require.Len(t, res.FanOut.Children, 3)
	for i, child := range res.FanOut.Children {
		require.Equal(t, workflow.FanOutChildID("spread", "item", i), child.Def.ID)
		require.Equal(t, fmt.Sprintf("item [%d]", i+1), child.Def.Name)
		require.Equal(t, i, child.Index)
	}
	require.Equal(t, "a", res.FanOut.Children[0].Item)

	// The aggregate placeholder is visible to templates immediately.
	require.Equal(t, map[string]any{"all": []any{}}, res.SharedPatch)

	rec, err := f.store.FindRunStep(context.Background(), run.ID, "spread")
	require.NoError(t, err)
	require.Equal(t, workflow.StepRunning, rec.Status)
}

func TestFanOutEmptyCollectionSucceedsImmediately(t *testing.T) {
	f := newFixture(t)
	step := &workflow.StepDef{
		Kind:           workflow.StepKindFanOut,
		ID:             "spread",
		Collection:     []any{},
		StoreResultsAs: "all",
		Template:       &workflow.StepDef{Kind: workflow.StepKindJob, ID: "item", JobSlug: "process-item"},
	}
	def, run := f.seedRun(t, nil, step)
	e := f.newExecutor(t, nil)

	res, err := e.Execute(context.Background(), Input{
		Run: run, Definition: def, Step: step, Context: workflow.NewRuntimeContext(),
	})
	require.NoError(t, err)
	require.True(t, res.Completed)
	require.Equal(t, workflow.StepSucceeded, res.StepStatus)
	require.Nil(t, res.FanOut)
	require.Equal(t, map[string]any{"all": []any{}}, res.SharedPatch)
}

func TestFanOutRejectsNonArrayCollection(t *testing.T) {
	f := newFixture(t)
	step := &workflow.StepDef{
		Kind:       workflow.StepKindFanOut,
		ID:         "spread",
		Collection: "{{ parameters.region }}",
		Template:   &workflow.StepDef{Kind: workflow.StepKindJob, ID: "item", JobSlug: "process-item"},
	}
	def, run := f.seedRun(t, map[string]any{"region": "eu"}, step)
	e := f.newExecutor(t, nil)

	res, err := e.Execute(context.Background(), Input{
		Run: run, Definition: def, Step: step, Context: workflow.NewRuntimeContext(),
	})
	require.NoError(t, err)
	require.True(t, res.Completed)
	require.Equal(t, workflow.StepFailed, res.StepStatus)
	require.Contains(t, res.ErrorMessage, "must resolve to an array")

	rec, err := f.store.FindRunStep(context.Background(), run.ID, "spread")
	require.NoError(t, err)
	require.Equal(t, "fanout_collection_invalid", rec.FailureReason)
}

func TestFanOutEnforcesItemCap(t *testing.T) {
	f := newFixture(t)
	step := &workflow.StepDef{
		Kind:       workflow.StepKindFanOut,
		ID:         "spread",
		Collection: []any{"a", "b", "c"},
		Template:   &workflow.StepDef{Kind: workflow.StepKindJob, ID: "item", JobSlug: "process-item"},
	}
	def, run := f.seedRun(t, nil, step)
	e := f.newExecutor(t, func(o *Options) {
		o.Config = workflow.Config{FanOutMaxItems: 2}
	})

	res, err := e.Execute(context.Background(), Input{
		Run: run, Definition: def, Step: step, Context: workflow.NewRuntimeContext(),
	})
	require.NoError(t, err)
	require.True(t, res.Completed)
	require.Equal(t, workflow.StepFailed, res.StepStatus)
	require.Contains(t, res.ErrorMessage, "exceeds maximum of 2 items")

	rec, err := f.store.FindRunStep(context.Background(), run.ID, "spread")
	require.NoError(t, err)
	require.Equal(t, "fanout_limit_exceeded", rec.FailureReason)
}

func TestFanOutChildInheritsParentDependencies(t *testing.T) {
	f := newFixture(t)
	first := &workflow.StepDef{Kind: workflow.StepKindJob, ID: "first", JobSlug: "first"}
	step := &workflow.StepDef{
		Kind:       workflow.StepKindFanOut,
		ID:         "spread",
		DependsOn:  []string{"first"},
		Collection: []any{"a"},
		Template:   &workflow.StepDef{Kind: workflow.StepKindJob, ID: "item", JobSlug: "process-item"},
	}
	def, run := f.seedRun(t, nil, first, step)
	e := f.newExecutor(t, nil)

	rc := workflow.NewRuntimeContext()
	entry := rc.Step("first")
	entry.Status = workflow.StepSucceeded
	rc.SetStep("first", entry)

	res, err := e.Execute(context.Background(), Input{
		Run: run, Definition: def, Step: step, Context: rc,
	})
	require.NoError(t, err)
	require.NotNil(t, res.FanOut)
	require.Equal(t, []string{"first"}, res.FanOut.Children[0].Def.DependsOn)
}

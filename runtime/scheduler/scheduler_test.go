package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/flow/features/store/memory"
	"goa.design/flow/workflow"
)

type fakeQueue struct {
	runs []workflow.RunJob
}

func (q *fakeQueue) EnqueueRun(_ context.Context, job workflow.RunJob) error {
	q.runs = append(q.runs, job)
	return nil
}

func (q *fakeQueue) ScheduleRetry(context.Context, workflow.RetryJob, time.Time) error { return nil }

func (q *fakeQueue) ScheduleAssetExpiry(context.Context, workflow.ExpiryJob, time.Duration) error {
	return nil
}

func (q *fakeQueue) CancelJob(context.Context, string) error { return nil }

type fixture struct {
	store *memory.Store
	queue *fakeQueue
	sched *Scheduler
	now   time.Time
}

func newFixture(t *testing.T, cfg workflow.Config) *fixture {
	t.Helper()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	store := memory.NewStore(memory.Options{Now: func() time.Time { return now }})
	queue := &fakeQueue{}
	sched, err := New(Options{
		Repository: store,
		Queue:      queue,
		Config:     cfg,
		Now:        func() time.Time { return now },
	})
	require.NoError(t, err)
	return &fixture{store: store, queue: queue, sched: sched, now: now}
}

// hourlyDefinition declares a step producing an hour-partitioned asset so
// materialized runs carry time-window partition keys.
func hourlyDefinition(t *testing.T, f *fixture) *workflow.Definition {
	t.Helper()
	def, err := f.store.CreateDefinition(context.Background(), &workflow.Definition{
		Slug: "hourly-report",
		Steps: []*workflow.StepDef{
			{Kind: workflow.StepKindJob, ID: "build", JobSlug: "build",
				Produces: []*workflow.AssetDeclaration{{
					AssetID:      "Report",
					Partitioning: &workflow.AssetPartitioning{Type: workflow.PartitioningTimeWindow, Granularity: "hour"},
				}}},
		},
	})
	require.NoError(t, err)
	return def
}

func plainDefinition(t *testing.T, f *fixture) *workflow.Definition {
	t.Helper()
	def, err := f.store.CreateDefinition(context.Background(), &workflow.Definition{
		Slug:  "plain",
		Steps: []*workflow.StepDef{{Kind: workflow.StepKindJob, ID: "work", JobSlug: "work"}},
	})
	require.NoError(t, err)
	return def
}

func hourAt(h int) time.Time {
	return time.Date(2026, 8, 24, h, 0, 0, 0, time.UTC)
}

func TestProcessSchedulesCatchUpMaterializesAllDueWindows(t *testing.T) {
	f := newFixture(t, workflow.Config{})
	def := hourlyDefinition(t, f)
	at := hourAt(10)
	sched := f.store.PutSchedule(&workflow.Schedule{
		WorkflowDefinitionID: def.ID,
		Cron:                 "0 * * * *",
		CatchUp:              true,
		IsActive:             true,
		NextRunAt:            &at,
		CatchupCursor:        &at,
	})

	n, err := f.sched.ProcessSchedules(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Len(t, f.queue.runs, 3)

	// One run per due occurrence, keyed by the window end hour.
	var keys []string
	for _, job := range f.queue.runs {
		run, err := f.store.GetRun(context.Background(), job.WorkflowRunID)
		require.NoError(t, err)
		require.Equal(t, "scheduler", run.TriggeredBy)
		require.Equal(t, "schedule:"+sched.ID+":"+run.PartitionKey, run.RunKey)
		keys = append(keys, run.PartitionKey)
	}
	require.Equal(t, []string{"2026-08-24T10:00", "2026-08-24T11:00", "2026-08-24T12:00"}, keys)

	// The cursor advanced past now, ready for the 13:00 occurrence.
	after, err := f.store.GetSchedule(context.Background(), sched.ID)
	require.NoError(t, err)
	require.True(t, after.NextRunAt.Equal(hourAt(13)))
	require.True(t, after.CatchupCursor.Equal(hourAt(13)))
	require.NotNil(t, after.LastMaterializedWindow)
	require.True(t, after.LastMaterializedWindow.Start.Equal(hourAt(11)))
	require.True(t, after.LastMaterializedWindow.End.Equal(hourAt(12)))
}

func TestProcessSchedulesCapsWindowsPerSweep(t *testing.T) {
	f := newFixture(t, workflow.Config{SchedulerMaxWindows: 2})
	def := hourlyDefinition(t, f)
	at := hourAt(10)
	sched := f.store.PutSchedule(&workflow.Schedule{
		WorkflowDefinitionID: def.ID,
		Cron:                 "0 * * * *",
		CatchUp:              true,
		IsActive:             true,
		NextRunAt:            &at,
		CatchupCursor:        &at,
	})

	n, err := f.sched.ProcessSchedules(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// The remaining window stays due for the next sweep.
	after, err := f.store.GetSchedule(context.Background(), sched.ID)
	require.NoError(t, err)
	require.True(t, after.NextRunAt.Equal(hourAt(12)))
}

func TestProcessSchedulesWithoutCatchUpRunsLatestOnly(t *testing.T) {
	f := newFixture(t, workflow.Config{})
	def := hourlyDefinition(t, f)
	at := hourAt(11)
	sched := f.store.PutSchedule(&workflow.Schedule{
		WorkflowDefinitionID: def.ID,
		Cron:                 "0 * * * *",
		IsActive:             true,
		NextRunAt:            &at,
	})

	n, err := f.sched.ProcessSchedules(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	run, err := f.store.GetRun(context.Background(), f.queue.runs[0].WorkflowRunID)
	require.NoError(t, err)
	require.Equal(t, "2026-08-24T11:00", run.PartitionKey)

	// Non-catch-up schedules jump straight to the next occurrence from now.
	after, err := f.store.GetSchedule(context.Background(), sched.ID)
	require.NoError(t, err)
	require.True(t, after.NextRunAt.Equal(hourAt(13)))
	require.Nil(t, after.CatchupCursor)
}

func TestProcessSchedulesResolvesWindowParameters(t *testing.T) {
	f := newFixture(t, workflow.Config{})
	def := plainDefinition(t, f)
	at := hourAt(11)
	f.store.PutSchedule(&workflow.Schedule{
		WorkflowDefinitionID: def.ID,
		Cron:                 "0 * * * *",
		IsActive:             true,
		NextRunAt:            &at,
		Parameters: map[string]any{
			"since":  "{{ run.trigger.window.start }}",
			"region": "eu",
		},
	})

	_, err := f.sched.ProcessSchedules(context.Background())
	require.NoError(t, err)
	require.Len(t, f.queue.runs, 1)

	run, err := f.store.GetRun(context.Background(), f.queue.runs[0].WorkflowRunID)
	require.NoError(t, err)
	params, ok := run.Parameters.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "2026-08-24T10:00:00Z", params["since"])
	require.Equal(t, "eu", params["region"])
}

func TestProcessSchedulesKeepsLiteralParametersOnUnresolvedReference(t *testing.T) {
	f := newFixture(t, workflow.Config{})
	def := plainDefinition(t, f)
	at := hourAt(11)
	f.store.PutSchedule(&workflow.Schedule{
		WorkflowDefinitionID: def.ID,
		Cron:                 "0 * * * *",
		IsActive:             true,
		NextRunAt:            &at,
		Parameters:           map[string]any{"broken": "{{ nope.value }}"},
	})

	_, err := f.sched.ProcessSchedules(context.Background())
	require.NoError(t, err)

	run, err := f.store.GetRun(context.Background(), f.queue.runs[0].WorkflowRunID)
	require.NoError(t, err)
	params, ok := run.Parameters.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "{{ nope.value }}", params["broken"])
}

func TestProcessSchedulesReenqueuesMaterializedWindow(t *testing.T) {
	f := newFixture(t, workflow.Config{})
	def := plainDefinition(t, f)
	at := hourAt(11)
	sched := f.store.PutSchedule(&workflow.Schedule{
		WorkflowDefinitionID: def.ID,
		Cron:                 "0 * * * *",
		IsActive:             true,
		NextRunAt:            &at,
	})

	// Without partitioning the run key falls back to the window end.
	existing, err := f.store.CreateRun(context.Background(), def.ID, workflow.RunCreateInput{
		RunKey: "schedule:" + sched.ID + ":2026-08-24T11:00:00Z",
	})
	require.NoError(t, err)

	n, err := f.sched.ProcessSchedules(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, f.queue.runs, 1)
	require.Equal(t, existing.ID, f.queue.runs[0].WorkflowRunID)
}

func TestProcessSchedulesStopsAtEndWindow(t *testing.T) {
	f := newFixture(t, workflow.Config{})
	def := plainDefinition(t, f)
	at := hourAt(10)
	end := at.Add(30 * time.Minute)
	sched := f.store.PutSchedule(&workflow.Schedule{
		WorkflowDefinitionID: def.ID,
		Cron:                 "0 * * * *",
		CatchUp:              true,
		IsActive:             true,
		NextRunAt:            &at,
		CatchupCursor:        &at,
		EndWindow:            &end,
	})

	n, err := f.sched.ProcessSchedules(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Past the end window the schedule goes dormant.
	after, err := f.store.GetSchedule(context.Background(), sched.ID)
	require.NoError(t, err)
	require.Nil(t, after.NextRunAt)
}

func TestProcessSchedulesSkipsInactiveAndFuture(t *testing.T) {
	f := newFixture(t, workflow.Config{})
	def := plainDefinition(t, f)
	at := hourAt(11)
	future := hourAt(15)
	f.store.PutSchedule(&workflow.Schedule{
		WorkflowDefinitionID: def.ID,
		Cron:                 "0 * * * *",
		NextRunAt:            &at,
	})
	f.store.PutSchedule(&workflow.Schedule{
		WorkflowDefinitionID: def.ID,
		Cron:                 "0 * * * *",
		IsActive:             true,
		NextRunAt:            &future,
	})

	n, err := f.sched.ProcessSchedules(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Empty(t, f.queue.runs)
}

func TestTimeWindowPartitionKeyFormats(t *testing.T) {
	start := time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC)
	cases := []struct {
		name string
		spec workflow.AssetPartitioning
		want string
	}{
		{"minute", workflow.AssetPartitioning{Granularity: "minute"}, "2026-08-24T09:30"},
		{"hour", workflow.AssetPartitioning{Granularity: "hour"}, "2026-08-24T09:00"},
		{"day default", workflow.AssetPartitioning{}, "2026-08-24"},
		{"week", workflow.AssetPartitioning{Granularity: "week"}, "2026-W35"},
		{"month", workflow.AssetPartitioning{Granularity: "month"}, "2026-08"},
		{"explicit format", workflow.AssetPartitioning{Format: "2006/01/02"}, "2026/08/24"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, TimeWindowPartitionKey(&tc.spec, start))
		})
	}
}

func TestTimeWindowPartitionKeyHonorsTimezone(t *testing.T) {
	spec := &workflow.AssetPartitioning{Granularity: "day", Timezone: "America/New_York"}
	start := time.Date(2026, 8, 24, 2, 0, 0, 0, time.UTC)
	require.Equal(t, "2026-08-23", TimeWindowPartitionKey(spec, start))
}

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/flow/workflow"
)

func testDefinition(t *testing.T, s *Store) *workflow.Definition {
	t.Helper()
	def, err := s.CreateDefinition(context.Background(), &workflow.Definition{
		Slug: "nightly-report",
		Name: "Nightly report",
		Steps: []*workflow.StepDef{
			{Kind: workflow.StepKindJob, ID: "extract", JobSlug: "extract"},
			{Kind: workflow.StepKindJob, ID: "load", JobSlug: "load", DependsOn: []string{"extract"}},
		},
	})
	require.NoError(t, err)
	return def
}

func TestCreateRunEnforcesActiveRunKey(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()
	def := testDefinition(t, s)

	first, err := s.CreateRun(ctx, def.ID, workflow.RunCreateInput{RunKey: "Nightly:2026-08-24"})
	require.NoError(t, err)
	require.Equal(t, workflow.RunPending, first.Status)
	require.Equal(t, "nightly:2026-08-24", first.RunKeyNormalized)

	// Same key, different case: still conflicts while the run is active.
	_, err = s.CreateRun(ctx, def.ID, workflow.RunCreateInput{RunKey: "NIGHTLY:2026-08-24"})
	require.Error(t, err)
	require.True(t, workflow.IsRunKeyConflict(err))

	held, err := s.FindActiveRunByKey(ctx, def.ID, "nightly:2026-08-24")
	require.NoError(t, err)
	require.Equal(t, first.ID, held.ID)

	// Settling the run frees the key.
	status := workflow.RunSucceeded
	_, err = s.UpdateRun(ctx, first.ID, workflow.RunPatch{Status: &status})
	require.NoError(t, err)
	_, err = s.CreateRun(ctx, def.ID, workflow.RunCreateInput{RunKey: "nightly:2026-08-24"})
	require.NoError(t, err)
}

func TestCreateRunValidatesParametersSchema(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()
	def, err := s.CreateDefinition(ctx, &workflow.Definition{
		Slug: "ingest",
		Steps: []*workflow.StepDef{
			{Kind: workflow.StepKindJob, ID: "ingest", JobSlug: "ingest"},
		},
		ParametersSchema: map[string]any{
			"type":     "object",
			"required": []any{"source"},
			"properties": map[string]any{
				"source": map[string]any{"type": "string"},
			},
		},
		DefaultParameters: map[string]any{"source": "s3"},
	})
	require.NoError(t, err)

	// Defaults satisfy the schema.
	run, err := s.CreateRun(ctx, def.ID, workflow.RunCreateInput{})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"source": "s3"}, run.Parameters)

	// Caller parameters merge over the defaults.
	run, err = s.CreateRun(ctx, def.ID, workflow.RunCreateInput{Parameters: map[string]any{"source": "gcs"}})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"source": "gcs"}, run.Parameters)

	// A type violation is rejected.
	_, err = s.CreateRun(ctx, def.ID, workflow.RunCreateInput{Parameters: map[string]any{"source": 42}})
	require.Error(t, err)
}

func TestUpdateRunEmitsEvents(t *testing.T) {
	var emitted []workflow.Event
	events := eventFunc(func(_ context.Context, e workflow.Event) { emitted = append(emitted, e) })
	s := NewStore(Options{Events: events})
	ctx := context.Background()
	def := testDefinition(t, s)
	run, err := s.CreateRun(ctx, def.ID, workflow.RunCreateInput{})
	require.NoError(t, err)

	status := workflow.RunRunning
	_, err = s.UpdateRun(ctx, run.ID, workflow.RunPatch{Status: &status})
	require.NoError(t, err)
	require.Len(t, emitted, 2)
	require.Equal(t, workflow.EventRunUpdated, emitted[0].Type)
	require.Equal(t, "workflow.run.running", emitted[1].Type)

	// A patch that changes nothing emits nothing.
	emitted = nil
	_, err = s.UpdateRun(ctx, run.ID, workflow.RunPatch{Status: &status})
	require.NoError(t, err)
	require.Empty(t, emitted)
}

type eventFunc func(ctx context.Context, e workflow.Event)

func (f eventFunc) Emit(ctx context.Context, e workflow.Event) { f(ctx, e) }

func TestUpdateRunStepEnforcesRetryState(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()
	def := testDefinition(t, s)
	run, err := s.CreateRun(ctx, def.ID, workflow.RunCreateInput{})
	require.NoError(t, err)
	rec, err := s.CreateRunStep(ctx, workflow.RunStepCreateInput{WorkflowRunID: run.ID, StepID: "extract"})
	require.NoError(t, err)

	scheduled := workflow.RetryScheduled
	_, err = s.UpdateRunStep(ctx, rec.ID, workflow.RunStepPatch{RetryState: &scheduled})
	require.Error(t, err)
	require.True(t, workflow.IsConflict(err))

	next := time.Now().Add(time.Minute)
	nextPtr := &next
	updated, err := s.UpdateRunStep(ctx, rec.ID, workflow.RunStepPatch{
		RetryState:    &scheduled,
		NextAttemptAt: &nextPtr,
	})
	require.NoError(t, err)
	require.Equal(t, workflow.RetryScheduled, updated.RetryState)
	require.NotNil(t, updated.NextAttemptAt)

	// Clearing the timestamp while leaving scheduled is rejected too.
	var cleared *time.Time
	_, err = s.UpdateRunStep(ctx, rec.ID, workflow.RunStepPatch{
		RetryState:    &scheduled,
		NextAttemptAt: &cleared,
	})
	require.Error(t, err)
}

func TestFindStaleRunSteps(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s := NewStore(Options{Now: func() time.Time { return now }})
	ctx := context.Background()
	def := testDefinition(t, s)
	run, err := s.CreateRun(ctx, def.ID, workflow.RunCreateInput{})
	require.NoError(t, err)
	running := workflow.RunRunning
	_, err = s.UpdateRun(ctx, run.ID, workflow.RunPatch{Status: &running})
	require.NoError(t, err)

	rec, err := s.CreateRunStep(ctx, workflow.RunStepCreateInput{WorkflowRunID: run.ID, StepID: "extract"})
	require.NoError(t, err)
	stepRunning := workflow.StepRunning
	stale := now.Add(-5 * time.Minute)
	stalePtr := &stale
	_, err = s.UpdateRunStep(ctx, rec.ID, workflow.RunStepPatch{
		Status:          &stepRunning,
		LastHeartbeatAt: &stalePtr,
	})
	require.NoError(t, err)

	refs, err := s.FindStaleRunSteps(ctx, now.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	require.Equal(t, run.ID, refs[0].WorkflowRunID)
	require.Equal(t, "extract", refs[0].StepID)

	// A fresh heartbeat removes the step from the sweep.
	fresh := now.Add(-10 * time.Second)
	freshPtr := &fresh
	_, err = s.UpdateRunStep(ctx, rec.ID, workflow.RunStepPatch{LastHeartbeatAt: &freshPtr})
	require.NoError(t, err)
	refs, err = s.FindStaleRunSteps(ctx, now.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Empty(t, refs)
}

func TestRecordStepAssetsReplacesAndCapturesParameters(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()
	def := testDefinition(t, s)
	run, err := s.CreateRun(ctx, def.ID, workflow.RunCreateInput{Parameters: map[string]any{"region": "eu"}})
	require.NoError(t, err)
	rec, err := s.CreateRunStep(ctx, workflow.RunStepCreateInput{WorkflowRunID: run.ID, StepID: "extract"})
	require.NoError(t, err)

	_, err = s.RecordStepAssets(ctx, def.ID, run.ID, rec.ID, "extract", []*workflow.RunStepAsset{
		{AssetID: "Orders", PartitionKey: "2026-08-24", Payload: map[string]any{"rows": float64(10)}},
	})
	require.NoError(t, err)

	// Re-recording replaces the step's rows instead of accumulating.
	out, err := s.RecordStepAssets(ctx, def.ID, run.ID, rec.ID, "extract", []*workflow.RunStepAsset{
		{AssetID: "Orders", PartitionKey: "2026-08-24", Payload: map[string]any{"rows": float64(12)}},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	rows := s.ListStepAssets(run.ID)
	require.Len(t, rows, 1)
	require.Equal(t, map[string]any{"rows": float64(12)}, rows[0].Payload)

	pp, err := s.GetPartitionParameters(ctx, def.ID, "orders", "2026-08-24")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"region": "eu"}, pp.Parameters)
	require.Equal(t, "2026-08-24", pp.PartitionKey)
}

func TestStalePartitionFlags(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()
	flag := workflow.StalePartition{
		WorkflowDefinitionID: "def-1",
		AssetID:              "Orders",
		PartitionKey:         "2026-08-24",
		RequestedBy:          "expiry",
	}
	require.NoError(t, s.MarkStalePartition(ctx, flag))
	require.Len(t, s.StalePartitions(), 1)
	require.Equal(t, "2026-08-24", s.StalePartitions()[0].PartitionKeyNormalized)

	require.NoError(t, s.ClearStalePartition(ctx, "def-1", "orders", "2026-08-24"))
	require.Empty(t, s.StalePartitions())
}

func TestUpdateScheduleMetadataOptimisticCheck(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()
	next := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	sched := s.PutSchedule(&workflow.Schedule{
		WorkflowDefinitionID: "def-1",
		Cron:                 "0 * * * *",
		IsActive:             true,
		NextRunAt:            &next,
	})

	later := next.Add(time.Hour)
	laterPtr := &later
	updated, err := s.UpdateScheduleMetadata(ctx, sched.ID, workflow.ScheduleMetadataPatch{
		NextRunAt:         &laterPtr,
		ExpectedUpdatedAt: sched.UpdatedAt,
	})
	require.NoError(t, err)
	require.True(t, updated.NextRunAt.Equal(later))

	// A stale expectation is rejected.
	_, err = s.UpdateScheduleMetadata(ctx, sched.ID, workflow.ScheduleMetadataPatch{
		NextRunAt:         &laterPtr,
		ExpectedUpdatedAt: sched.UpdatedAt,
	})
	require.Error(t, err)
	require.True(t, workflow.IsConflict(err))
}

func TestListDueSchedules(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()
	def := testDefinition(t, s)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	early := now.Add(-2 * time.Hour)
	late := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	s.PutSchedule(&workflow.Schedule{WorkflowDefinitionID: def.ID, Cron: "@hourly", IsActive: true, NextRunAt: &late})
	s.PutSchedule(&workflow.Schedule{WorkflowDefinitionID: def.ID, Cron: "@hourly", IsActive: true, NextRunAt: &early})
	s.PutSchedule(&workflow.Schedule{WorkflowDefinitionID: def.ID, Cron: "@hourly", IsActive: true, NextRunAt: &future})
	s.PutSchedule(&workflow.Schedule{WorkflowDefinitionID: def.ID, Cron: "@hourly", IsActive: false, NextRunAt: &early})

	due, err := s.ListDueSchedules(ctx, 10, now)
	require.NoError(t, err)
	require.Len(t, due, 2)
	require.True(t, due[0].Schedule.NextRunAt.Equal(early))
	require.True(t, due[1].Schedule.NextRunAt.Equal(late))
	require.Equal(t, def.ID, due[0].Definition.ID)
}

func TestEnsureRecoveryRequestUpsert(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()
	input := workflow.RecoveryRequestInput{
		AssetID:                  "Orders",
		PartitionKey:             "2026-08-24",
		WorkflowDefinitionID:     "def-1",
		RequestedByWorkflowRunID: "run-1",
	}
	req, created, err := s.EnsureRecoveryRequest(ctx, input)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, workflow.RecoveryPending, req.Status)

	// A second request for the same partition adopts the active row.
	again, created, err := s.EnsureRecoveryRequest(ctx, input)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, req.ID, again.ID)

	// A terminal row no longer blocks new requests.
	done := workflow.RecoverySucceeded
	_, err = s.UpdateRecoveryRequest(ctx, req.ID, workflow.RecoveryRequestPatch{Status: &done})
	require.NoError(t, err)
	fresh, created, err := s.EnsureRecoveryRequest(ctx, input)
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, req.ID, fresh.ID)
}

func TestFindProducerDefinitionIDPrefersProvenance(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()

	// Two definitions declare the asset; only the second ever produced it.
	declarer, err := s.CreateDefinition(ctx, &workflow.Definition{
		Slug: "declarer",
		Steps: []*workflow.StepDef{
			{Kind: workflow.StepKindJob, ID: "make", JobSlug: "make",
				Produces: []*workflow.AssetDeclaration{{AssetID: "Orders"}}},
		},
	})
	require.NoError(t, err)
	producer, err := s.CreateDefinition(ctx, &workflow.Definition{
		Slug: "producer",
		Steps: []*workflow.StepDef{
			{Kind: workflow.StepKindJob, ID: "make", JobSlug: "make",
				Produces: []*workflow.AssetDeclaration{{AssetID: "Orders"}}},
		},
	})
	require.NoError(t, err)

	run, err := s.CreateRun(ctx, producer.ID, workflow.RunCreateInput{})
	require.NoError(t, err)
	rec, err := s.CreateRunStep(ctx, workflow.RunStepCreateInput{WorkflowRunID: run.ID, StepID: "make"})
	require.NoError(t, err)
	_, err = s.RecordStepAssets(ctx, producer.ID, run.ID, rec.ID, "make", []*workflow.RunStepAsset{
		{AssetID: "Orders", ProducedAt: time.Now()},
	})
	require.NoError(t, err)

	id, err := s.FindProducerDefinitionID(ctx, "orders", "")
	require.NoError(t, err)
	require.Equal(t, producer.ID, id)
	_ = declarer
}

func TestTryAdvisoryLock(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()

	release, ok, err := s.TryAdvisoryLock(ctx, "workflow-scheduler-leader")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = s.TryAdvisoryLock(ctx, "workflow-scheduler-leader")
	require.NoError(t, err)
	require.False(t, ok)

	release()
	release2, ok, err := s.TryAdvisoryLock(ctx, "workflow-scheduler-leader")
	require.NoError(t, err)
	require.True(t, ok)
	release2()
}

func TestAppendHistory(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()
	require.NoError(t, s.AppendHistory(ctx, workflow.RunHistoryEntry{
		WorkflowRunID: "run-1",
		StepID:        "extract",
		EventType:     workflow.HistoryStepTimeout,
	}))
	entries := s.History()
	require.Len(t, entries, 1)
	require.NotEmpty(t, entries[0].ID)
	require.False(t, entries[0].CreatedAt.IsZero())
}

// Package memory implements workflow.Repository with in-process maps. It
// backs single-process deployments and the runtime test suites; the Postgres
// implementation under features/store/postgres is the production backend.
// The two implementations share the repository contract: patch-under-lock
// semantics, run-key uniqueness, retry-state enforcement and optimistic
// schedule metadata updates.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/flow/jsonval"
	"goa.design/flow/workflow"
)

// Store is an in-memory workflow.Repository.
type Store struct {
	mu sync.Mutex

	events workflow.Events

	definitions map[string]*workflow.Definition
	runs        map[string]*workflow.Run
	steps       map[string]*workflow.RunStep
	assets      map[string]*workflow.RunStepAsset
	stale       map[string]*workflow.StalePartition
	partParams  map[string]*workflow.PartitionParameters
	schedules   map[string]*workflow.Schedule
	recovery    map[string]*workflow.RecoveryRequest
	history     []workflow.RunHistoryEntry
	locks       map[string]bool

	now func() time.Time
}

// Options configures the memory store.
type Options struct {
	// Events receives repository-emitted run events. Optional.
	Events workflow.Events
	// Now overrides the clock (tests).
	Now func() time.Time
}

// NewStore builds an empty store.
func NewStore(opts Options) *Store {
	s := &Store{
		events:      opts.Events,
		definitions: make(map[string]*workflow.Definition),
		runs:        make(map[string]*workflow.Run),
		steps:       make(map[string]*workflow.RunStep),
		assets:      make(map[string]*workflow.RunStepAsset),
		stale:       make(map[string]*workflow.StalePartition),
		partParams:  make(map[string]*workflow.PartitionParameters),
		schedules:   make(map[string]*workflow.Schedule),
		recovery:    make(map[string]*workflow.RecoveryRequest),
		locks:       make(map[string]bool),
		now:         time.Now,
	}
	if opts.Now != nil {
		s.now = opts.Now
	}
	return s
}

// CreateDefinition validates and stores a definition.
func (s *Store) CreateDefinition(_ context.Context, def *workflow.Definition) (*workflow.Definition, error) {
	if err := def.Validate(); err != nil {
		return nil, &workflow.ConflictError{Constraint: "definition", Message: err.Error()}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *def
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	now := s.now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.definitions[cp.ID] = &cp
	return &cp, nil
}

// GetDefinition loads a definition by id.
func (s *Store) GetDefinition(_ context.Context, id string) (*workflow.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.definitions[id]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	cp := *def
	return &cp, nil
}

// GetDefinitionBySlug returns the highest version with the slug.
func (s *Store) GetDefinitionBySlug(_ context.Context, slug string) (*workflow.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *workflow.Definition
	for _, def := range s.definitions {
		if def.Slug != slug {
			continue
		}
		if best == nil || def.Version > best.Version {
			best = def
		}
	}
	if best == nil {
		return nil, workflow.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

// FindProducerDefinitionID prefers provenance (latest produced asset row)
// over a declaration scan.
func (s *Store) FindProducerDefinitionID(_ context.Context, assetID, partitionKeyNormalized string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := workflow.NormalizeAssetKey(assetID)

	var latest *workflow.RunStepAsset
	for _, a := range s.assets {
		if workflow.NormalizeAssetKey(a.AssetID) != key {
			continue
		}
		if partitionKeyNormalized != "" && workflow.NormalizePartitionKey(a.PartitionKey) != partitionKeyNormalized {
			continue
		}
		if latest == nil || a.ProducedAt.After(latest.ProducedAt) {
			latest = a
		}
	}
	if latest != nil {
		return latest.WorkflowDefinitionID, nil
	}
	for _, def := range s.definitions {
		for _, step := range def.Steps {
			for _, decl := range step.ProducedDeclarations() {
				if workflow.NormalizeAssetKey(decl.AssetID) == key {
					return def.ID, nil
				}
			}
		}
	}
	return "", workflow.ErrNotFound
}

// CreateRun persists a pending run, enforcing run-key uniqueness among
// active runs and the definition's parameters schema.
func (s *Store) CreateRun(_ context.Context, definitionID string, input workflow.RunCreateInput) (*workflow.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.definitions[definitionID]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	params := jsonval.Merge(jsonval.Normalize(def.DefaultParameters), jsonval.Normalize(input.Parameters))
	if err := workflow.ValidateParameters(def.ParametersSchema, params); err != nil {
		return nil, err
	}
	normalized := workflow.NormalizeRunKey(input.RunKey)
	if normalized != "" {
		for _, r := range s.runs {
			if r.WorkflowDefinitionID == definitionID && r.RunKeyNormalized == normalized && r.Status.Active() {
				return nil, &workflow.ConflictError{
					Constraint: "workflow_runs_active_run_key",
					RunKey:     true,
					Message:    fmt.Sprintf("active run exists for run key %q", input.RunKey),
				}
			}
		}
	}
	now := s.now().UTC()
	run := &workflow.Run{
		ID:                   uuid.NewString(),
		WorkflowDefinitionID: definitionID,
		Status:               workflow.RunPending,
		Parameters:           params,
		TriggeredBy:          input.TriggeredBy,
		Trigger:              jsonval.Normalize(input.Trigger),
		PartitionKey:         input.PartitionKey,
		RunKey:               input.RunKey,
		RunKeyNormalized:     normalized,
		Metrics:              &workflow.RunMetrics{TotalSteps: len(def.Steps)},
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	s.runs[run.ID] = run
	cp := *run
	return &cp, nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(_ context.Context, id string) (*workflow.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

// FindActiveRunByKey returns the active run holding the normalized key.
func (s *Store) FindActiveRunByKey(_ context.Context, definitionID, runKeyNormalized string) (*workflow.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.WorkflowDefinitionID == definitionID && r.RunKeyNormalized == runKeyNormalized && r.Status.Active() {
			cp := *r
			return &cp, nil
		}
	}
	return nil, workflow.ErrNotFound
}

// UpdateRun applies a patch and emits run events when observable fields
// changed.
func (s *Store) UpdateRun(ctx context.Context, id string, patch workflow.RunPatch) (*workflow.Run, error) {
	s.mu.Lock()
	run, ok := s.runs[id]
	if !ok {
		s.mu.Unlock()
		return nil, workflow.ErrNotFound
	}
	changed := false
	statusChanged := false
	if patch.Status != nil && run.Status != *patch.Status {
		run.Status = *patch.Status
		changed, statusChanged = true, true
	}
	if patch.Parameters != nil {
		run.Parameters = jsonval.Normalize(*patch.Parameters)
		changed = true
	}
	if patch.Context != nil {
		run.Context = jsonval.Normalize(*patch.Context)
		changed = true
	}
	if patch.Output != nil {
		run.Output = jsonval.Normalize(*patch.Output)
		changed = true
	}
	if patch.ErrorMessage != nil && run.ErrorMessage != *patch.ErrorMessage {
		run.ErrorMessage = *patch.ErrorMessage
		changed = true
	}
	if patch.CurrentStepID != nil && run.CurrentStepID != *patch.CurrentStepID {
		run.CurrentStepID = *patch.CurrentStepID
		changed = true
	}
	if patch.CurrentStepIndex != nil {
		idx := *patch.CurrentStepIndex
		run.CurrentStepIndex = &idx
		changed = true
	}
	if patch.Metrics != nil {
		m := *patch.Metrics
		run.Metrics = &m
		changed = true
	}
	if patch.PartitionKey != nil && run.PartitionKey != *patch.PartitionKey {
		run.PartitionKey = *patch.PartitionKey
		changed = true
	}
	if patch.StartedAt != nil {
		run.StartedAt = copyTime(*patch.StartedAt)
		changed = true
	}
	if patch.CompletedAt != nil {
		run.CompletedAt = copyTime(*patch.CompletedAt)
		changed = true
	}
	if patch.DurationMs != nil {
		run.DurationMs = copyInt64(*patch.DurationMs)
		changed = true
	}
	if changed {
		run.UpdatedAt = s.now().UTC()
	}
	cp := *run
	s.mu.Unlock()

	if changed && s.events != nil {
		s.events.Emit(ctx, workflow.Event{Type: workflow.EventRunUpdated, Data: runEventData(&cp)})
		if statusChanged {
			s.events.Emit(ctx, workflow.Event{Type: workflow.RunStatusEventType(cp.Status), Data: runEventData(&cp)})
		}
	}
	return &cp, nil
}

// CreateRunStep persists a new step record.
func (s *Store) CreateRunStep(_ context.Context, input workflow.RunStepCreateInput) (*workflow.RunStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[input.WorkflowRunID]; !ok {
		return nil, workflow.ErrNotFound
	}
	now := s.now().UTC()
	status := input.Status
	if status == "" {
		status = workflow.StepPending
	}
	attempt := input.Attempt
	if attempt < 1 {
		attempt = 1
	}
	rec := &workflow.RunStep{
		ID:             uuid.NewString(),
		WorkflowRunID:  input.WorkflowRunID,
		StepID:         input.StepID,
		Status:         status,
		Attempt:        attempt,
		RetryState:     workflow.RetryPending,
		Input:          jsonval.Normalize(input.Input),
		ParentStepID:   input.ParentStepID,
		FanOutIndex:    input.FanOutIndex,
		TemplateStepID: input.TemplateStepID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.steps[rec.ID] = rec
	cp := *rec
	return &cp, nil
}

// GetRunStep loads a step record by id.
func (s *Store) GetRunStep(_ context.Context, id string) (*workflow.RunStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.steps[id]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// FindRunStep loads the record for (runID, stepID).
func (s *Store) FindRunStep(_ context.Context, runID, stepID string) (*workflow.RunStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.steps {
		if rec.WorkflowRunID == runID && rec.StepID == stepID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, workflow.ErrNotFound
}

// ListRunSteps returns all step records of a run, oldest first.
func (s *Store) ListRunSteps(_ context.Context, runID string) ([]*workflow.RunStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*workflow.RunStep
	for _, rec := range s.steps {
		if rec.WorkflowRunID == runID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpdateRunStep applies a patch, enforcing retry-state transitions.
func (s *Store) UpdateRunStep(_ context.Context, id string, patch workflow.RunStepPatch) (*workflow.RunStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.steps[id]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	if patch.RetryState != nil && *patch.RetryState == workflow.RetryScheduled {
		next := rec.NextAttemptAt
		if patch.NextAttemptAt != nil {
			next = copyTime(*patch.NextAttemptAt)
		}
		if next == nil {
			return nil, &workflow.ConflictError{
				Constraint: "workflow_run_steps_retry_state",
				Message:    "retryState=scheduled requires nextAttemptAt",
			}
		}
	}
	if patch.Status != nil {
		rec.Status = *patch.Status
	}
	if patch.Attempt != nil {
		rec.Attempt = *patch.Attempt
	}
	if patch.RetryCount != nil {
		rec.RetryCount = *patch.RetryCount
	}
	if patch.RetryState != nil {
		rec.RetryState = *patch.RetryState
	}
	if patch.NextAttemptAt != nil {
		rec.NextAttemptAt = copyTime(*patch.NextAttemptAt)
	}
	if patch.RetryMetadata != nil {
		rec.RetryMetadata = jsonval.Normalize(*patch.RetryMetadata)
	}
	if patch.JobRunID != nil {
		rec.JobRunID = *patch.JobRunID
	}
	if patch.Input != nil {
		rec.Input = jsonval.Normalize(*patch.Input)
	}
	if patch.Output != nil {
		rec.Output = jsonval.Normalize(*patch.Output)
	}
	if patch.ErrorMessage != nil {
		rec.ErrorMessage = *patch.ErrorMessage
	}
	if patch.FailureReason != nil {
		rec.FailureReason = *patch.FailureReason
	}
	if patch.LogsURL != nil {
		rec.LogsURL = *patch.LogsURL
	}
	if patch.Metrics != nil {
		rec.Metrics = jsonval.Normalize(*patch.Metrics)
	}
	if patch.Context != nil {
		rec.Context = jsonval.Normalize(*patch.Context)
	}
	if patch.StartedAt != nil {
		rec.StartedAt = copyTime(*patch.StartedAt)
	}
	if patch.CompletedAt != nil {
		rec.CompletedAt = copyTime(*patch.CompletedAt)
	}
	if patch.LastHeartbeatAt != nil {
		rec.LastHeartbeatAt = copyTime(*patch.LastHeartbeatAt)
	}
	if patch.ProducedAssets != nil {
		rec.ProducedAssets = append([]string(nil), (*patch.ProducedAssets)...)
	}
	rec.UpdatedAt = s.now().UTC()
	cp := *rec
	return &cp, nil
}

// FindStaleRunSteps returns refs of running steps on running runs whose
// heartbeat (or startedAt) predates cutoff.
func (s *Store) FindStaleRunSteps(_ context.Context, cutoff time.Time, limit int) ([]workflow.StaleStepRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []workflow.StaleStepRef
	for _, rec := range s.steps {
		if rec.Status != workflow.StepRunning {
			continue
		}
		run, ok := s.runs[rec.WorkflowRunID]
		if !ok || run.Status != workflow.RunRunning {
			continue
		}
		beat := rec.LastHeartbeatAt
		if beat == nil {
			beat = rec.StartedAt
		}
		if beat == nil || !beat.Before(cutoff) {
			continue
		}
		out = append(out, workflow.StaleStepRef{WorkflowRunID: rec.WorkflowRunID, StepID: rec.StepID})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// RecordStepAssets replaces the step's asset rows and captures partition
// parameters from the run.
func (s *Store) RecordStepAssets(_ context.Context, definitionID, runID, stepRecordID, stepID string, assets []*workflow.RunStepAsset) ([]*workflow.RunStepAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	for id, a := range s.assets {
		if a.WorkflowRunStepID == stepRecordID {
			delete(s.assets, id)
		}
	}
	now := s.now().UTC()
	out := make([]*workflow.RunStepAsset, 0, len(assets))
	for _, a := range assets {
		cp := *a
		cp.ID = uuid.NewString()
		cp.WorkflowDefinitionID = definitionID
		cp.WorkflowRunID = runID
		cp.WorkflowRunStepID = stepRecordID
		cp.StepID = stepID
		cp.Payload = jsonval.Normalize(cp.Payload)
		cp.CreatedAt = now
		cp.UpdatedAt = now
		s.assets[cp.ID] = &cp

		ppKey := definitionID + "\x00" + workflow.NormalizeAssetKey(cp.AssetID) + "\x00" + workflow.NormalizePartitionKey(cp.PartitionKey)
		s.partParams[ppKey] = &workflow.PartitionParameters{
			WorkflowDefinitionID:   definitionID,
			AssetID:                cp.AssetID,
			PartitionKeyNormalized: workflow.NormalizePartitionKey(cp.PartitionKey),
			PartitionKey:           cp.PartitionKey,
			Parameters:             jsonval.Clone(run.Parameters),
			CapturedAt:             now,
		}
		rcp := cp
		out = append(out, &rcp)
	}
	return out, nil
}

// ClearStalePartition removes a stale flag.
func (s *Store) ClearStalePartition(_ context.Context, definitionID, assetID, partitionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stale, staleKey(definitionID, assetID, partitionKey))
	return nil
}

// MarkStalePartition records a stale flag.
func (s *Store) MarkStalePartition(_ context.Context, flag workflow.StalePartition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	flag.PartitionKeyNormalized = workflow.NormalizePartitionKey(flag.PartitionKey)
	s.stale[staleKey(flag.WorkflowDefinitionID, flag.AssetID, flag.PartitionKey)] = &flag
	return nil
}

// StalePartitions lists current stale flags (test helper).
func (s *Store) StalePartitions() []workflow.StalePartition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]workflow.StalePartition, 0, len(s.stale))
	for _, f := range s.stale {
		out = append(out, *f)
	}
	return out
}

// GetPartitionParameters returns captured parameters for a partition.
func (s *Store) GetPartitionParameters(_ context.Context, definitionID, assetID, partitionKeyNormalized string) (*workflow.PartitionParameters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := definitionID + "\x00" + workflow.NormalizeAssetKey(assetID) + "\x00" + partitionKeyNormalized
	pp, ok := s.partParams[key]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	cp := *pp
	return &cp, nil
}

// ListStepAssets lists asset rows of a run (test helper).
func (s *Store) ListStepAssets(runID string) []*workflow.RunStepAsset {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*workflow.RunStepAsset
	for _, a := range s.assets {
		if a.WorkflowRunID == runID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out
}

// PutSchedule inserts or replaces a schedule (used by admission and tests).
func (s *Store) PutSchedule(sched *workflow.Schedule) *workflow.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sched
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = s.now().UTC()
	}
	s.schedules[cp.ID] = &cp
	out := cp
	return &out
}

// ListDueSchedules returns active schedules with nextRunAt <= now, oldest
// first.
func (s *Store) ListDueSchedules(_ context.Context, limit int, now time.Time) ([]*workflow.DueSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*workflow.DueSchedule
	for _, sched := range s.schedules {
		if !sched.IsActive || sched.NextRunAt == nil || sched.NextRunAt.After(now) {
			continue
		}
		def, ok := s.definitions[sched.WorkflowDefinitionID]
		if !ok {
			continue
		}
		scp, dcp := *sched, *def
		due = append(due, &workflow.DueSchedule{Schedule: &scp, Definition: &dcp})
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].Schedule.NextRunAt.Before(*due[j].Schedule.NextRunAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// GetSchedule loads a schedule by id.
func (s *Store) GetSchedule(_ context.Context, id string) (*workflow.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	cp := *sched
	return &cp, nil
}

// UpdateScheduleMetadata applies scheduler metadata under the optimistic
// updatedAt check.
func (s *Store) UpdateScheduleMetadata(_ context.Context, id string, patch workflow.ScheduleMetadataPatch) (*workflow.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	if !sched.UpdatedAt.Equal(patch.ExpectedUpdatedAt) {
		return nil, &workflow.ConflictError{
			Constraint: "workflow_schedules_updated_at",
			Message:    "schedule metadata changed concurrently",
		}
	}
	if patch.NextRunAt != nil {
		sched.NextRunAt = copyTime(*patch.NextRunAt)
	}
	if patch.CatchupCursor != nil {
		sched.CatchupCursor = copyTime(*patch.CatchupCursor)
	}
	if patch.LastMaterializedWindow != nil {
		sched.LastMaterializedWindow = copyWindow(*patch.LastMaterializedWindow)
	}
	sched.UpdatedAt = s.now().UTC()
	cp := *sched
	return &cp, nil
}

// EnsureRecoveryRequest upserts by (assetId, partitionKeyNormalized),
// adopting an active row when present.
func (s *Store) EnsureRecoveryRequest(_ context.Context, input workflow.RecoveryRequestInput) (*workflow.RecoveryRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	assetKey := workflow.NormalizeAssetKey(input.AssetID)
	partKey := workflow.NormalizePartitionKey(input.PartitionKey)
	for _, req := range s.recovery {
		if workflow.NormalizeAssetKey(req.AssetID) == assetKey && req.PartitionKeyNormalized == partKey && !req.Status.Terminal() {
			cp := *req
			return &cp, false, nil
		}
	}
	now := s.now().UTC()
	req := &workflow.RecoveryRequest{
		ID:                           uuid.NewString(),
		AssetID:                      workflow.NormalizeAssetID(input.AssetID),
		PartitionKeyNormalized:       partKey,
		PartitionKey:                 input.PartitionKey,
		WorkflowDefinitionID:         input.WorkflowDefinitionID,
		Status:                       workflow.RecoveryPending,
		RequestedByWorkflowRunID:     input.RequestedByWorkflowRunID,
		RequestedByWorkflowRunStepID: input.RequestedByWorkflowRunStepID,
		Metadata:                     jsonval.Normalize(input.Metadata),
		CreatedAt:                    now,
		UpdatedAt:                    now,
	}
	s.recovery[req.ID] = req
	cp := *req
	return &cp, true, nil
}

// GetRecoveryRequest loads a request by id.
func (s *Store) GetRecoveryRequest(_ context.Context, id string) (*workflow.RecoveryRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.recovery[id]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	cp := *req
	return &cp, nil
}

// FindRecoveryRequestByRunID returns the request driven by the given run.
func (s *Store) FindRecoveryRequestByRunID(_ context.Context, runID string) (*workflow.RecoveryRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, req := range s.recovery {
		if req.RecoveryWorkflowRunID == runID {
			cp := *req
			return &cp, nil
		}
	}
	return nil, workflow.ErrNotFound
}

// UpdateRecoveryRequest applies a patch to a request.
func (s *Store) UpdateRecoveryRequest(_ context.Context, id string, patch workflow.RecoveryRequestPatch) (*workflow.RecoveryRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.recovery[id]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	if patch.Status != nil {
		req.Status = *patch.Status
	}
	if patch.RecoveryWorkflowRunID != nil {
		req.RecoveryWorkflowRunID = *patch.RecoveryWorkflowRunID
	}
	if patch.Attempts != nil {
		req.Attempts = *patch.Attempts
	}
	if patch.LastAttemptAt != nil {
		req.LastAttemptAt = copyTime(*patch.LastAttemptAt)
	}
	if patch.LastError != nil {
		req.LastError = *patch.LastError
	}
	if patch.CompletedAt != nil {
		req.CompletedAt = copyTime(*patch.CompletedAt)
	}
	req.UpdatedAt = s.now().UTC()
	cp := *req
	return &cp, nil
}

// AppendHistory appends an audit event.
func (s *Store) AppendHistory(_ context.Context, entry workflow.RunHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
	s.history = append(s.history, entry)
	return nil
}

// History lists appended events (test helper).
func (s *Store) History() []workflow.RunHistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]workflow.RunHistoryEntry(nil), s.history...)
}

// TryAdvisoryLock acquires an in-process advisory lock.
func (s *Store) TryAdvisoryLock(_ context.Context, key string) (func(), bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[key] {
		return nil, false, nil
	}
	s.locks[key] = true
	release := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.locks, key)
	}
	return release, true, nil
}

func staleKey(definitionID, assetID, partitionKey string) string {
	return strings.Join([]string{definitionID, workflow.NormalizeAssetKey(assetID), workflow.NormalizePartitionKey(partitionKey)}, "\x00")
}

func runEventData(run *workflow.Run) map[string]any {
	return map[string]any{
		"id":           run.ID,
		"status":       string(run.Status),
		"errorMessage": run.ErrorMessage,
		"partitionKey": run.PartitionKey,
		"runKey":       run.RunKey,
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func copyInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func copyWindow(w *workflow.ScheduleWindow) *workflow.ScheduleWindow {
	if w == nil {
		return nil
	}
	cp := workflow.ScheduleWindow{Start: copyTime(w.Start), End: copyTime(w.End)}
	return &cp
}

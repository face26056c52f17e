// Package steps implements the per-kind step state machines: job, service
// and fan-out. A single Executor entry point dispatches on the step kind and
// returns a Result describing how the orchestrator should proceed.
package steps

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/clue/log"

	"goa.design/flow/jsonval"
	"goa.design/flow/runtime/assets"
	"goa.design/flow/runtime/recovery"
	"goa.design/flow/template"
	"goa.design/flow/workflow"
)

type (
	// Options configures the executor.
	Options struct {
		// Repository persists run/step state. Required.
		Repository workflow.Repository
		// Queue schedules retry jobs. Required.
		Queue workflow.Queue
		// Jobs executes job steps. Required when definitions contain job
		// steps.
		Jobs workflow.JobRunner
		// Services resolves and invokes service steps.
		Services workflow.ServiceRegistry
		// Secrets resolves service-step header secrets.
		Secrets workflow.SecretStore
		// Assets persists produced assets. Required.
		Assets *assets.Manager
		// Recovery gates consumer steps on missing-asset recovery.
		Recovery *recovery.Manager
		// Config carries runtime tunables.
		Config workflow.Config
		// Now overrides the clock (tests).
		Now func() time.Time
	}

	// Executor drives one step execution at a time. It is safe for
	// concurrent use across steps.
	Executor struct {
		repo     workflow.Repository
		queue    workflow.Queue
		jobs     workflow.JobRunner
		services workflow.ServiceRegistry
		secrets  workflow.SecretStore
		assets   *assets.Manager
		recovery *recovery.Manager
		cfg      workflow.Config
		now      func() time.Time

		mu      sync.Mutex
		loaded  map[string]bool
	}

	// FanOutRef links a child execution to its fan-out parent.
	FanOutRef struct {
		ParentStepID    string
		ParentRunStepID string
		TemplateStepID  string
		Index           int
		Total           int
		Item            any
	}

	// Input is one step execution request. Context is a clone owned by the
	// executor for the duration of the call.
	Input struct {
		Run        *workflow.Run
		Definition *workflow.Definition
		Step       *workflow.StepDef
		Context    *workflow.RuntimeContext
		Index      int
		FanOut     *FanOutRef
	}

	// ChildStep is one materialized fan-out child.
	ChildStep struct {
		Def   *workflow.StepDef
		Index int
		Item  any
	}

	// FanOutExpansion instructs the orchestrator to run the children and
	// settle the parent when they terminate.
	FanOutExpansion struct {
		ParentStepID    string
		ParentRunStepID string
		TemplateStepID  string
		Children        []ChildStep
		MaxConcurrency  int
		StoreResultsAs  string
	}

	// Result reports a step execution to the orchestrator. Completed=false
	// means the step is not terminal yet: either a fan-out expansion is
	// attached or a retry/recovery poll has been scheduled.
	Result struct {
		Context        *workflow.RuntimeContext
		StepStatus     workflow.StepStatus
		Completed      bool
		ErrorMessage   string
		SharedPatch    map[string]any
		FanOut         *FanOutExpansion
		ScheduledRetry *time.Time
	}
)

// New builds an Executor.
func New(opts Options) (*Executor, error) {
	if opts.Repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if opts.Assets == nil {
		return nil, fmt.Errorf("asset manager is required")
	}
	e := &Executor{
		repo:     opts.Repository,
		queue:    opts.Queue,
		jobs:     opts.Jobs,
		services: opts.Services,
		secrets:  opts.Secrets,
		assets:   opts.Assets,
		recovery: opts.Recovery,
		cfg:      opts.Config,
		now:      time.Now,
		loaded:   make(map[string]bool),
	}
	if opts.Now != nil {
		e.now = opts.Now
	}
	return e, nil
}

// Execute runs one step to its next boundary. An error return indicates an
// orchestrator-level defect (unsatisfied dependency, repository fatal); user
// and job failures are reported through the Result.
func (e *Executor) Execute(ctx context.Context, in Input) (*Result, error) {
	if err := e.checkDependencies(in); err != nil {
		return nil, err
	}
	switch in.Step.Kind {
	case workflow.StepKindJob:
		return e.executeJob(ctx, in)
	case workflow.StepKindService:
		return e.executeService(ctx, in)
	case workflow.StepKindFanOut:
		return e.executeFanOut(ctx, in)
	default:
		return nil, fmt.Errorf("unknown step kind %q for step %q", in.Step.Kind, in.Step.ID)
	}
}

// checkDependencies verifies every dependency succeeded in the runtime
// context. A violation is a scheduler bug, not a user error.
func (e *Executor) checkDependencies(in Input) error {
	for _, dep := range in.Step.DependsOn {
		entry, ok := in.Context.Steps[dep]
		if !ok || entry.Status != workflow.StepSucceeded {
			return fmt.Errorf("step %q scheduled before dependency %q succeeded", in.Step.ID, dep)
		}
	}
	return nil
}

// loadOrCreateRecord fetches the persisted step record, creating it on
// first execution with the fan-out linkage when present.
func (e *Executor) loadOrCreateRecord(ctx context.Context, in Input) (*workflow.RunStep, error) {
	rec, err := e.repo.FindRunStep(ctx, in.Run.ID, in.Step.ID)
	if err == nil {
		return rec, nil
	}
	if !workflow.IsNotFound(err) {
		return nil, err
	}
	create := workflow.RunStepCreateInput{
		WorkflowRunID: in.Run.ID,
		StepID:        in.Step.ID,
		Status:        workflow.StepPending,
		Attempt:       1,
	}
	if in.FanOut != nil {
		idx := in.FanOut.Index
		create.ParentStepID = in.FanOut.ParentStepID
		create.FanOutIndex = &idx
		create.TemplateStepID = in.FanOut.TemplateStepID
	}
	return e.repo.CreateRunStep(ctx, create)
}

// scope assembles the template scope for a step execution.
func (e *Executor) scope(in Input, mergedParameters any) *template.Scope {
	scope := &template.Scope{
		Run: map[string]any{
			"id":           in.Run.ID,
			"status":       string(in.Run.Status),
			"parameters":   jsonval.Normalize(in.Run.Parameters),
			"partitionKey": in.Run.PartitionKey,
			"trigger":      jsonval.Normalize(in.Run.Trigger),
			"triggeredBy":  in.Run.TriggeredBy,
			"runKey":       in.Run.RunKey,
		},
		Parameters:     jsonval.Normalize(in.Run.Parameters),
		Steps:          jsonval.Normalize(in.Context.Steps),
		Shared:         jsonval.Normalize(in.Context.Shared),
		Step:           jsonval.Normalize(in.Context.Steps[in.Step.ID]),
		StepParameters: jsonval.Normalize(mergedParameters),
	}
	if in.FanOut != nil {
		scope.Fanout = map[string]any{
			"index": float64(in.FanOut.Index),
			"total": float64(in.FanOut.Total),
		}
		scope.Item = jsonval.Normalize(in.FanOut.Item)
	}
	return scope
}

// resolveParameters merges run and step parameters and resolves templates.
// The tracker reports unresolved references.
func (e *Executor) resolveParameters(in Input) (any, *template.Tracker) {
	merged := jsonval.Merge(jsonval.Normalize(in.Run.Parameters), jsonval.Normalize(in.Step.Parameters))
	var tr template.Tracker
	resolved := template.Resolve(merged, e.scope(in, merged), &tr)
	return resolved, &tr
}

// failParameterResolution persists a non-retryable failure for unresolved
// step parameters.
func (e *Executor) failParameterResolution(ctx context.Context, in Input, rec *workflow.RunStep, tr *template.Tracker) (*Result, error) {
	msg := "Failed to resolve step parameters: " + tr.Summary()
	now := e.now().UTC()
	status := workflow.StepFailed
	reason := workflow.FailureParameterResolution
	state := workflow.RetryCompleted
	var nilTime *time.Time
	if _, err := e.repo.UpdateRunStep(ctx, rec.ID, workflow.RunStepPatch{
		Status:        &status,
		ErrorMessage:  &msg,
		FailureReason: &reason,
		RetryState:    &state,
		NextAttemptAt: &nilTime,
		CompletedAt:   ptrTime(now),
	}); err != nil {
		return nil, err
	}
	entry := in.Context.Step(in.Step.ID)
	entry.Status = workflow.StepFailed
	entry.ErrorMessage = msg
	entry.ResolutionError = true
	entry.CompletedAt = &now
	in.Context.SetStep(in.Step.ID, entry)

	log.Printf(ctx, "step %s failed: %s", in.Step.ID, msg)
	return &Result{
		Context:      in.Context,
		StepStatus:   workflow.StepFailed,
		Completed:    true,
		ErrorMessage: msg,
	}, nil
}

// startAttempt transitions the persisted record to running, bumping the
// attempt counter when this execution consumes a scheduled retry, and
// clearing prior produced assets.
func (e *Executor) startAttempt(ctx context.Context, in Input, rec *workflow.RunStep, input any) (*workflow.RunStep, error) {
	now := e.now().UTC()
	attempt := rec.Attempt
	if rec.RetryState == workflow.RetryScheduled {
		attempt = rec.Attempt + 1
	}
	status := workflow.StepRunning
	state := workflow.RetryPending
	var nilTime *time.Time
	empty := ""
	noAssets := []string{}
	inputVal := jsonval.Normalize(input)
	updated, err := e.repo.UpdateRunStep(ctx, rec.ID, workflow.RunStepPatch{
		Status:          &status,
		Attempt:         &attempt,
		RetryState:      &state,
		NextAttemptAt:   &nilTime,
		Input:           &inputVal,
		ErrorMessage:    &empty,
		FailureReason:   &empty,
		StartedAt:       ptrTime(now),
		CompletedAt:     &nilTime,
		LastHeartbeatAt: ptrTime(now),
		ProducedAssets:  &noAssets,
	})
	if err != nil {
		return nil, err
	}
	entry := in.Context.Step(in.Step.ID)
	entry.Status = workflow.StepRunning
	entry.Attempt = attempt
	entry.StartedAt = &now
	entry.CompletedAt = nil
	entry.ErrorMessage = ""
	entry.ResolutionError = false
	in.Context.SetStep(in.Step.ID, entry)
	return updated, nil
}

// completeSuccess persists a successful step and hydrates the runtime
// context and shared patch.
func (e *Executor) completeSuccess(ctx context.Context, in Input, rec *workflow.RunStep, result any, storeAs string, producedAssets []*workflow.RunStepAsset) (*Result, error) {
	now := e.now().UTC()
	status := workflow.StepSucceeded
	state := workflow.RetryCompleted
	var nilTime *time.Time
	outVal := jsonval.Normalize(result)
	assetIDs := make([]string, 0, len(producedAssets))
	for _, a := range producedAssets {
		assetIDs = append(assetIDs, a.AssetID)
	}
	updated, err := e.repo.UpdateRunStep(ctx, rec.ID, workflow.RunStepPatch{
		Status:         &status,
		Output:         &outVal,
		RetryState:     &state,
		NextAttemptAt:  &nilTime,
		CompletedAt:    ptrTime(now),
		ProducedAssets: &assetIDs,
	})
	if err != nil {
		return nil, err
	}

	entry := in.Context.Step(in.Step.ID)
	entry.Status = workflow.StepSucceeded
	entry.Attempt = updated.Attempt
	entry.Result = outVal
	entry.ErrorMessage = ""
	entry.CompletedAt = &now
	if len(producedAssets) > 0 {
		entry.Assets = entry.Assets[:0]
		for _, a := range producedAssets {
			entry.Assets = append(entry.Assets, map[string]any{
				"assetId":      a.AssetID,
				"partitionKey": a.PartitionKey,
				"producedAt":   a.ProducedAt.UTC().Format(time.RFC3339),
			})
		}
	}
	in.Context.SetStep(in.Step.ID, entry)

	res := &Result{
		Context:    in.Context,
		StepStatus: workflow.StepSucceeded,
		Completed:  true,
	}
	if storeAs != "" {
		res.SharedPatch = map[string]any{storeAs: outVal}
	}
	return res, nil
}

// finalizeFailure either schedules a workflow-level retry or persists a
// terminal failure, depending on the remaining retry budget.
func (e *Executor) finalizeFailure(ctx context.Context, in Input, rec *workflow.RunStep, errMsg, failureReason string) (*Result, error) {
	now := e.now().UTC()
	policy := in.Step.RetryPolicy

	if workflow.AttemptsRemain(policy, rec.Attempt) {
		nextAt := workflow.NextRetryTime(now, rec.Attempt+1, policy, e.cfg.Backoff()).UTC()
		status := workflow.StepPending
		state := workflow.RetryScheduled
		retryCount := rec.RetryCount + 1
		next := nextAt
		nextPtr := &next
		if _, err := e.repo.UpdateRunStep(ctx, rec.ID, workflow.RunStepPatch{
			Status:        &status,
			RetryState:    &state,
			RetryCount:    &retryCount,
			NextAttemptAt: &nextPtr,
			ErrorMessage:  &errMsg,
			FailureReason: &failureReason,
		}); err != nil {
			return nil, err
		}
		if err := e.queue.ScheduleRetry(ctx, workflow.RetryJob{
			WorkflowRunID: in.Run.ID,
			StepID:        in.Step.ID,
			Attempts:      retryCount,
			RunKey:        in.Run.RunKey,
		}, nextAt); err != nil {
			log.Errorf(ctx, err, "schedule retry for step %s", in.Step.ID)
		}
		if err := e.repo.AppendHistory(ctx, workflow.RunHistoryEntry{
			WorkflowRunID: in.Run.ID,
			StepID:        in.Step.ID,
			EventType:     workflow.HistoryStepRetryScheduled,
			EventPayload: map[string]any{
				"attempt":       float64(rec.Attempt),
				"retryCount":    float64(retryCount),
				"nextAttemptAt": nextAt.Format(time.RFC3339),
				"reason":        failureReason,
			},
		}); err != nil {
			log.Errorf(ctx, err, "append retry history for step %s", in.Step.ID)
		}

		entry := in.Context.Step(in.Step.ID)
		entry.Status = workflow.StepPending
		entry.ErrorMessage = errMsg
		in.Context.SetStep(in.Step.ID, entry)

		return &Result{
			Context:        in.Context,
			StepStatus:     workflow.StepPending,
			Completed:      false,
			ErrorMessage:   errMsg,
			ScheduledRetry: &nextAt,
		}, nil
	}

	status := workflow.StepFailed
	state := workflow.RetryCompleted
	var nilTime *time.Time
	if _, err := e.repo.UpdateRunStep(ctx, rec.ID, workflow.RunStepPatch{
		Status:        &status,
		RetryState:    &state,
		NextAttemptAt: &nilTime,
		ErrorMessage:  &errMsg,
		FailureReason: &failureReason,
		CompletedAt:   ptrTime(now),
	}); err != nil {
		return nil, err
	}
	entry := in.Context.Step(in.Step.ID)
	entry.Status = workflow.StepFailed
	entry.ErrorMessage = errMsg
	entry.CompletedAt = &now
	in.Context.SetStep(in.Step.ID, entry)

	return &Result{
		Context:      in.Context,
		StepStatus:   workflow.StepFailed,
		Completed:    true,
		ErrorMessage: errMsg,
	}, nil
}

// deferUntil reports a not-yet-due scheduled retry back to the
// orchestrator.
func deferUntil(in Input, at time.Time) *Result {
	t := at
	return &Result{
		Context:        in.Context,
		StepStatus:     workflow.StepPending,
		Completed:      false,
		ScheduledRetry: &t,
	}
}

// hydrateSucceeded reports an already-succeeded persisted step.
func (e *Executor) hydrateSucceeded(in Input, rec *workflow.RunStep, storeAs string) *Result {
	in.Context.HydrateFromRecord(rec)
	res := &Result{
		Context:    in.Context,
		StepStatus: workflow.StepSucceeded,
		Completed:  true,
	}
	if storeAs != "" {
		res.SharedPatch = map[string]any{storeAs: jsonval.Normalize(rec.Output)}
	}
	return res
}

// ensureHandlerLoaded lazily loads the job handler for a slug, once per
// executor lifetime.
func (e *Executor) ensureHandlerLoaded(ctx context.Context, slug string) error {
	e.mu.Lock()
	already := e.loaded[slug]
	e.mu.Unlock()
	if already {
		return nil
	}
	if err := e.jobs.EnsureHandler(ctx, slug); err != nil {
		return err
	}
	e.mu.Lock()
	e.loaded[slug] = true
	e.mu.Unlock()
	return nil
}

// keepHeartbeat refreshes the step's lastHeartbeatAt while a long await is
// in flight. The returned stop func must be called when the await ends.
func (e *Executor) keepHeartbeat(ctx context.Context, recID string) (stop func()) {
	interval := e.cfg.HeartbeatTimeout / 3
	if interval <= 0 {
		interval = 20 * time.Second
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := e.now().UTC()
				if _, err := e.repo.UpdateRunStep(ctx, recID, workflow.RunStepPatch{
					LastHeartbeatAt: ptrTime(now),
				}); err != nil {
					log.Errorf(ctx, err, "heartbeat update for step record %s", recID)
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func ptrTime(t time.Time) **time.Time {
	p := &t
	return &p
}

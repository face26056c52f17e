// Package orchestrator executes workflow runs: it derives the dependency
// graph from the definition, schedules ready steps up to the concurrency
// limit, aggregates fan-out groups and settles the run. Execution is
// re-entrant: a run job may fire many times for one run (scheduled retries,
// recovery polls) and each invocation resumes from the persisted records.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"

	"goa.design/flow/jsonval"
	"goa.design/flow/runtime/recovery"
	"goa.design/flow/runtime/steps"
	"goa.design/flow/workflow"
)

type (
	// StepRunner executes a single step. *steps.Executor is the production
	// implementation; tests substitute fakes.
	StepRunner interface {
		Execute(ctx context.Context, in steps.Input) (*steps.Result, error)
	}

	// Options configures the orchestrator.
	Options struct {
		// Repository persists runs and steps. Required.
		Repository workflow.Repository
		// Queue re-enqueues runs. Required.
		Queue workflow.Queue
		// Steps executes individual steps. Required.
		Steps StepRunner
		// Recovery settles recovery requests owned by terminal runs.
		Recovery *recovery.Manager
		// Events receives run lifecycle and analytics events.
		Events workflow.Events
		// Config carries runtime tunables.
		Config workflow.Config
		// Now overrides the clock (tests).
		Now func() time.Time
	}

	// Orchestrator drives runs to settlement.
	Orchestrator struct {
		repo     workflow.Repository
		queue    workflow.Queue
		steps    StepRunner
		recovery *recovery.Manager
		events   workflow.Events
		cfg      workflow.Config
		now      func() time.Time
		tracer   trace.Tracer
	}
)

// New builds an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Repository == nil {
		return nil, errors.New("repository is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if opts.Steps == nil {
		return nil, errors.New("step runner is required")
	}
	o := &Orchestrator{
		repo:     opts.Repository,
		queue:    opts.Queue,
		steps:    opts.Steps,
		recovery: opts.Recovery,
		events:   opts.Events,
		cfg:      opts.Config,
		now:      time.Now,
		tracer:   otel.Tracer("goa.design/flow/runtime/orchestrator"),
	}
	if opts.Now != nil {
		o.now = opts.Now
	}
	return o, nil
}

// HandleRunJob is the queue consumer entry point for run jobs.
func (o *Orchestrator) HandleRunJob(ctx context.Context, job workflow.RunJob) {
	ctx = log.With(ctx, log.KV{K: "workflowRunId", V: job.WorkflowRunID})
	if err := o.ExecuteRun(ctx, job.WorkflowRunID); err != nil {
		log.Errorf(ctx, err, "execute run")
	}
}

// HandleRetryJob is the queue consumer entry point for delayed retry jobs.
// Retries simply re-enter run execution; the step records carry the due
// state.
func (o *Orchestrator) HandleRetryJob(ctx context.Context, job workflow.RetryJob) {
	ctx = log.With(ctx, log.KV{K: "workflowRunId", V: job.WorkflowRunID}, log.KV{K: "stepId", V: job.StepID})
	if err := o.ExecuteRun(ctx, job.WorkflowRunID); err != nil {
		log.Errorf(ctx, err, "execute retried run")
	}
}

// ExecuteRun advances a run as far as the current state allows: it executes
// every step whose dependencies are satisfied, waits for in-flight steps and
// settles the run unless deferred retries keep it open.
func (o *Orchestrator) ExecuteRun(ctx context.Context, runID string) error {
	ctx, span := o.tracer.Start(ctx, "workflow.run", trace.WithAttributes(attribute.String("workflow.run_id", runID)))
	defer span.End()

	run, err := o.repo.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	if run.Status.Terminal() {
		log.Printf(ctx, "run %s already %s, nothing to do", runID, run.Status)
		return nil
	}
	def, err := o.repo.GetDefinition(ctx, run.WorkflowDefinitionID)
	if err != nil {
		if workflow.IsNotFound(err) {
			return o.settle(ctx, run, nil, workflow.RunFailed, "Workflow definition not found", nil)
		}
		return fmt.Errorf("load definition %s: %w", run.WorkflowDefinitionID, err)
	}
	if def.DAG == nil {
		dag, err := workflow.BuildDAG(def.Steps)
		if err != nil {
			return o.settle(ctx, run, nil, workflow.RunFailed, err.Error(), nil)
		}
		def.DAG = dag
	}

	run, err = o.ensureRunning(ctx, run)
	if err != nil {
		return err
	}

	st := newRunState(run, def)
	if err := o.hydrate(ctx, st); err != nil {
		return err
	}

	o.schedule(ctx, st)

	return o.conclude(ctx, st)
}

// ensureRunning transitions a pending run to running and records the
// transition in the history.
func (o *Orchestrator) ensureRunning(ctx context.Context, run *workflow.Run) (*workflow.Run, error) {
	if run.Status != workflow.RunPending {
		return run, nil
	}
	now := o.now().UTC()
	status := workflow.RunRunning
	startedAt := &now
	patch := workflow.RunPatch{Status: &status}
	if run.StartedAt == nil {
		patch.StartedAt = &startedAt
	}
	updated, err := o.repo.UpdateRun(ctx, run.ID, patch)
	if err != nil {
		return nil, fmt.Errorf("mark run running: %w", err)
	}
	if err := o.repo.AppendHistory(ctx, workflow.RunHistoryEntry{
		WorkflowRunID: run.ID,
		EventType:     workflow.HistoryRunStatus,
		EventPayload:  map[string]any{"status": string(workflow.RunRunning)},
	}); err != nil {
		log.Errorf(ctx, err, "append run history")
	}
	return updated, nil
}

// hydrate folds persisted step records into the runtime context so resumed
// executions skip already-terminal steps.
func (o *Orchestrator) hydrate(ctx context.Context, st *runState) error {
	recs, err := o.repo.ListRunSteps(ctx, st.run.ID)
	if err != nil {
		return fmt.Errorf("list run steps: %w", err)
	}
	for _, rec := range recs {
		if rec.ParentStepID != "" {
			// Fan-out children re-register when their parent expands again;
			// their records are picked up by the executor.
			continue
		}
		if rec.Status.Terminal() {
			st.rc.HydrateFromRecord(rec)
			st.statuses[rec.StepID] = rec.Status
			if rec.Status == workflow.StepFailed {
				st.failures = append(st.failures, rec.ErrorMessage)
			}
		}
	}
	return nil
}

// concurrencyLimit derives the parallelism cap from the environment, the
// definition metadata and the run parameters, clamped to [1, steps].
func (o *Orchestrator) concurrencyLimit(st *runState) int {
	limit := o.cfg.MaxParallel
	if meta, ok := jsonval.AsObject(jsonval.Normalize(st.def.Metadata)); ok {
		if sched, ok := jsonval.AsObject(meta["scheduler"]); ok {
			if v, ok := sched["maxParallel"].(float64); ok && int(v) > limit {
				limit = int(v)
			}
		}
	}
	if params, ok := jsonval.AsObject(jsonval.Normalize(st.run.Parameters)); ok {
		if v, ok := params["workflowConcurrency"].(float64); ok && int(v) > limit {
			limit = int(v)
		}
	}
	if limit < 1 {
		limit = 1
	}
	if n := len(st.def.Steps); limit > n && n > 0 {
		limit = n
	}
	return limit
}

// schedule runs the dispatch loop: launch ready tasks up to the limit, wait
// for one completion, fold it in, repeat until nothing can move.
func (o *Orchestrator) schedule(ctx context.Context, st *runState) {
	limit := o.concurrencyLimit(st)
	results := make(chan completion)
	inFlight := 0

	for {
		if !st.failFast {
			for inFlight < limit {
				task, ok := st.nextReady()
				if !ok {
					break
				}
				inFlight++
				o.launch(ctx, st, task, results)
			}
		}
		if inFlight == 0 {
			return
		}
		c := <-results
		inFlight--
		o.fold(ctx, st, c)
	}
}

// launch starts one step execution in its own goroutine with a cloned
// runtime context.
func (o *Orchestrator) launch(ctx context.Context, st *runState, t task, results chan<- completion) {
	st.started[t.def.ID] = true
	st.currentStepID = t.def.ID
	in := steps.Input{
		Run:        st.run,
		Definition: st.def,
		Step:       t.def,
		Context:    st.rc.Clone(),
		Index:      t.index,
		FanOut:     t.fan,
	}
	go func() {
		res, err := o.steps.Execute(ctx, in)
		results <- completion{task: t, res: res, err: err}
	}()
}

// fold merges one completion into the run state and persists the updated
// context snapshot.
func (o *Orchestrator) fold(ctx context.Context, st *runState, c completion) {
	stepID := c.task.def.ID
	if c.err != nil {
		msg := fmt.Sprintf("Step %s failed: %s", stepID, c.err)
		log.Errorf(ctx, c.err, "step %s", stepID)
		st.statuses[stepID] = workflow.StepFailed
		st.failures = append(st.failures, msg)
		st.failFast = true
		entry := st.rc.Step(stepID)
		entry.Status = workflow.StepFailed
		entry.ErrorMessage = msg
		st.rc.SetStep(stepID, entry)
	} else {
		o.mergeResult(st, stepID, c.res)
		switch {
		case c.res.FanOut != nil:
			st.registerGroup(c.res.FanOut)
		case !c.res.Completed:
			if c.res.ScheduledRetry != nil {
				st.deferred[stepID] = *c.res.ScheduledRetry
			} else {
				// No retry and not complete: treat as deferred to the next
				// run job rather than spinning.
				st.deferred[stepID] = o.now().Add(time.Minute)
			}
		default:
			st.statuses[stepID] = c.res.StepStatus
			if c.res.StepStatus == workflow.StepFailed && c.task.fan == nil {
				st.failures = append(st.failures, c.res.ErrorMessage)
				st.failFast = true
			}
		}
	}

	if c.task.fan != nil {
		o.foldChild(ctx, st, c)
	}

	o.persistProgress(ctx, st)
}

// mergeResult folds the executor's context clone back into the master
// context.
func (o *Orchestrator) mergeResult(st *runState, stepID string, res *steps.Result) {
	if res.Context != nil {
		if entry, ok := res.Context.Steps[stepID]; ok {
			st.rc.SetStep(stepID, entry)
		}
	}
	if len(res.SharedPatch) > 0 {
		st.rc.ApplySharedPatch(res.SharedPatch)
	}
}

// foldChild records a child outcome in its fan-out group and settles the
// group when the last child lands.
func (o *Orchestrator) foldChild(ctx context.Context, st *runState, c completion) {
	group, ok := st.groups[c.task.fan.ParentStepID]
	if !ok {
		return
	}
	group.running--
	stepID := c.task.def.ID
	if c.err == nil && (c.res == nil || !c.res.Completed) {
		// A deferred child keeps the group (and the run) open.
		return
	}
	outcome := childOutcome{
		stepID: stepID,
		index:  c.task.fan.Index,
		item:   c.task.fan.Item,
	}
	if c.err != nil {
		outcome.status = workflow.StepFailed
		outcome.errorMessage = c.err.Error()
	} else {
		outcome.status = c.res.StepStatus
		outcome.errorMessage = c.res.ErrorMessage
		if entry, ok := st.rc.Steps[stepID]; ok {
			outcome.output = entry.Result
			outcome.assets = entry.Assets
		}
	}
	group.results[outcome.index] = outcome
	if len(group.results) == group.total {
		o.settleGroup(ctx, st, group)
	}
}

// settleGroup aggregates child outcomes into the parent step: sorted results
// array, aggregated failure message, asset rollup and shared write.
func (o *Orchestrator) settleGroup(ctx context.Context, st *runState, group *fanGroup) {
	indices := make([]int, 0, len(group.results))
	for i := range group.results {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	results := make([]any, 0, len(indices))
	var failureParts []string
	var assetRollup []any
	for _, i := range indices {
		out := group.results[i]
		results = append(results, map[string]any{
			"stepId":       out.stepID,
			"index":        float64(out.index),
			"status":       string(out.status),
			"output":       jsonval.Normalize(out.output),
			"errorMessage": out.errorMessage,
			"item":         jsonval.Normalize(out.item),
			"assets":       jsonval.Normalize(out.assets),
		})
		if out.status == workflow.StepFailed {
			failureParts = append(failureParts, fmt.Sprintf("%s (item %d): %s", out.stepID, out.index+1, out.errorMessage))
		}
		if len(out.assets) > 0 {
			assetRollup = append(assetRollup, out.assets...)
		}
	}

	parentID := group.expansion.ParentStepID
	now := o.now().UTC()
	entry := st.rc.Step(parentID)
	entry.Result = results
	entry.CompletedAt = &now
	if len(assetRollup) > 0 {
		entry.Assets = []any{map[string]any{"sources": assetRollup}}
	}

	var status workflow.StepStatus
	var errMsg string
	if len(failureParts) > 0 {
		status = workflow.StepFailed
		errMsg = fmt.Sprintf("%d of %d fan-out items failed: %s", len(failureParts), len(indices), joinLimited(failureParts, 5))
		st.failures = append(st.failures, errMsg)
		st.failFast = true
	} else {
		status = workflow.StepSucceeded
	}
	entry.Status = status
	entry.ErrorMessage = errMsg
	st.rc.SetStep(parentID, entry)
	st.statuses[parentID] = status

	if group.expansion.StoreResultsAs != "" {
		st.rc.SetShared(group.expansion.StoreResultsAs, results)
	}

	patch := workflow.RunStepPatch{}
	patch.Status = &status
	var outputVal any = results
	patch.Output = &outputVal
	completedAt := now
	p := &completedAt
	patch.CompletedAt = &p
	if errMsg != "" {
		patch.ErrorMessage = &errMsg
	}
	if _, err := o.repo.UpdateRunStep(ctx, group.expansion.ParentRunStepID, patch); err != nil {
		log.Errorf(ctx, err, "settle fan-out parent %s", parentID)
	}
	delete(st.groups, parentID)
}

// persistProgress snapshots the runtime context and metrics onto the run.
func (o *Orchestrator) persistProgress(ctx context.Context, st *runState) {
	snapshot := st.rc.Serialize()
	metrics := st.metrics()
	current := st.currentStepID
	updated, err := o.repo.UpdateRun(ctx, st.run.ID, workflow.RunPatch{
		Context:       &snapshot,
		Metrics:       &metrics,
		CurrentStepID: &current,
	})
	if err != nil {
		log.Errorf(ctx, err, "persist run progress")
		return
	}
	st.run = updated
}

// conclude settles the run, or leaves it open when deferred steps exist.
func (o *Orchestrator) conclude(ctx context.Context, st *runState) error {
	if len(st.failures) > 0 {
		return o.settle(ctx, st.run, st.rc, workflow.RunFailed, st.failures[0], st.metricsPtr())
	}
	if st.allSettled() {
		return o.settle(ctx, st.run, st.rc, workflow.RunSucceeded, "", st.metricsPtr())
	}
	if len(st.deferred) > 0 || len(st.groups) > 0 {
		// Scheduled retries or open fan-out groups re-trigger execution via
		// queued jobs; the run stays running.
		log.Printf(ctx, "run %s deferred: %d steps waiting on retries", st.run.ID, len(st.deferred))
		return nil
	}
	return o.settle(ctx, st.run, st.rc, workflow.RunFailed, "Workflow blocked by unsatisfied dependencies", st.metricsPtr())
}

// settle persists the terminal status, emits the analytics snapshot and
// notifies recovery when the run backs a recovery request.
func (o *Orchestrator) settle(ctx context.Context, run *workflow.Run, rc *workflow.RuntimeContext, status workflow.RunStatus, errMsg string, metrics *workflow.RunMetrics) error {
	now := o.now().UTC()
	patch := workflow.RunPatch{Status: &status}
	if rc != nil {
		snapshot := rc.Serialize()
		patch.Context = &snapshot
		if status == workflow.RunSucceeded {
			output := rc.SharedOutput()
			patch.Output = &output
		}
	}
	if errMsg != "" {
		patch.ErrorMessage = &errMsg
	}
	completedAt := now
	p := &completedAt
	patch.CompletedAt = &p
	if run.StartedAt != nil {
		ms := now.Sub(*run.StartedAt).Milliseconds()
		msPtr := &ms
		patch.DurationMs = &msPtr
	}
	if metrics != nil {
		patch.Metrics = metrics
	}
	updated, err := o.repo.UpdateRun(ctx, run.ID, patch)
	if err != nil {
		return fmt.Errorf("settle run %s: %w", run.ID, err)
	}
	if err := o.repo.AppendHistory(ctx, workflow.RunHistoryEntry{
		WorkflowRunID: run.ID,
		EventType:     workflow.HistoryRunStatus,
		EventPayload:  map[string]any{"status": string(status), "errorMessage": errMsg},
	}); err != nil {
		log.Errorf(ctx, err, "append settlement history")
	}
	o.emitAnalytics(ctx, updated)
	log.Printf(ctx, "run %s settled %s", run.ID, status)

	if o.recovery != nil {
		if err := o.recovery.HandleRunSettled(ctx, updated); err != nil {
			log.Errorf(ctx, err, "settle recovery request")
		}
	}
	return nil
}

// emitAnalytics publishes the terminal run snapshot.
func (o *Orchestrator) emitAnalytics(ctx context.Context, run *workflow.Run) {
	if o.events == nil {
		return
	}
	data := map[string]any{
		"workflowRunId":        run.ID,
		"workflowDefinitionId": run.WorkflowDefinitionID,
		"status":               string(run.Status),
	}
	if run.Metrics != nil {
		data["totalSteps"] = float64(run.Metrics.TotalSteps)
		data["completedSteps"] = float64(run.Metrics.CompletedSteps)
	}
	if run.DurationMs != nil {
		data["durationMs"] = float64(*run.DurationMs)
	}
	o.events.Emit(ctx, workflow.Event{Type: workflow.EventAnalyticsSnapshot, Data: data})
}

// joinLimited joins at most n parts, appending a count marker beyond.
func joinLimited(parts []string, n int) string {
	if len(parts) <= n {
		return strings.Join(parts, "; ")
	}
	return strings.Join(parts[:n], "; ") + fmt.Sprintf("; and %d more", len(parts)-n)
}

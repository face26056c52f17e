package steps

import (
	"context"
	"fmt"
	"strings"
	"time"

	"goa.design/clue/log"

	"goa.design/flow/jsonval"
	"goa.design/flow/runtime/recovery"
	"goa.design/flow/workflow"
)

// executeJob drives a job step: handler load, job-run submission, terminal
// await, asset persistence and retry/recovery handling.
func (e *Executor) executeJob(ctx context.Context, in Input) (*Result, error) {
	rec, err := e.loadOrCreateRecord(ctx, in)
	if err != nil {
		return nil, err
	}
	if rec.Status == workflow.StepSucceeded {
		return e.hydrateSucceeded(in, rec, in.Step.StoreResultAs), nil
	}

	if res, done, err := e.applyRetryGates(ctx, in, rec); done || err != nil {
		return res, err
	}

	resolved, tr := e.resolveParameters(in)
	if tr.HasIssues() {
		return e.failParameterResolution(ctx, in, rec, tr)
	}

	rec, err = e.startAttempt(ctx, in, rec, resolved)
	if err != nil {
		return nil, err
	}

	if e.jobs == nil {
		return e.finalizeFailure(ctx, in, rec, fmt.Sprintf("No job runner configured for step %s", in.Step.ID), "job_runner_missing")
	}
	if err := e.ensureHandlerLoaded(ctx, in.Step.JobSlug); err != nil {
		return e.finalizeFailure(ctx, in, rec, fmt.Sprintf("Failed to load handler for job %s: %s", in.Step.JobSlug, err), "handler_load_failed")
	}

	jr, err := e.submitAndAwait(ctx, in, rec, resolved)
	if err != nil {
		return e.finalizeFailure(ctx, in, rec, err.Error(), "job_execution_failed")
	}

	switch jr.Status {
	case workflow.JobRunSucceeded:
		return e.completeJobSuccess(ctx, in, rec, jr)
	case workflow.JobRunCanceled:
		return e.completeSkipped(ctx, in, rec, jr)
	default:
		return e.handleJobFailure(ctx, in, rec, jr)
	}
}

// applyRetryGates checks the two wait conditions of a persisted step: a
// scheduled retry that is not due yet, and a recovery gate. done=true means
// the returned result ends this execution.
func (e *Executor) applyRetryGates(ctx context.Context, in Input, rec *workflow.RunStep) (*Result, bool, error) {
	if recovery.Linked(rec) && e.recovery != nil {
		poll, err := e.recovery.Poll(ctx, in.Run, rec)
		if err != nil {
			return nil, false, err
		}
		switch poll.Outcome {
		case recovery.Wait:
			res := deferUntil(in, poll.NextPoll)
			return res, true, nil
		case recovery.ProducerFailed:
			res, err := e.finalizeFailure(ctx, in, rec, poll.Message, workflow.FailureAssetMissing)
			return res, true, err
		}
		// Proceed: fall through to the due check with cleared state.
	}
	if rec.RetryState == workflow.RetryScheduled && rec.NextAttemptAt != nil && e.now().Before(*rec.NextAttemptAt) {
		return deferUntil(in, *rec.NextAttemptAt), true, nil
	}
	return nil, false, nil
}

// submitAndAwait creates the job run and drives it to a terminal status,
// keeping the step heartbeat fresh while waiting.
func (e *Executor) submitAndAwait(ctx context.Context, in Input, rec *workflow.RunStep, parameters any) (*workflow.JobRun, error) {
	input := workflow.JobRunInput{
		Parameters: parameters,
		TimeoutMs:  in.Step.TimeoutMs,
	}
	if max := workflow.MaxAttemptsFor(in.Step.RetryPolicy); max > 0 {
		input.MaxAttempts = &max
	}
	if b := in.Step.Bundle; b != nil && b.Strategy != "" && b.Strategy != "latest" {
		input.Context = map[string]any{
			"bundle": map[string]any{
				"slug":       b.Slug,
				"version":    b.Version,
				"exportName": b.ExportName,
			},
		}
	}
	jr, err := e.jobs.CreateJobRunForSlug(ctx, in.Step.JobSlug, input)
	if err != nil {
		return nil, fmt.Errorf("create job run for %s: %w", in.Step.JobSlug, err)
	}
	if _, err := e.repo.UpdateRunStep(ctx, rec.ID, workflow.RunStepPatch{JobRunID: &jr.ID}); err != nil {
		return nil, err
	}
	entry := in.Context.Step(in.Step.ID)
	entry.JobRunID = jr.ID
	in.Context.SetStep(in.Step.ID, entry)

	stop := e.keepHeartbeat(ctx, rec.ID)
	defer stop()
	final, err := e.jobs.ExecuteJobRun(ctx, jr.ID)
	if err != nil {
		return nil, fmt.Errorf("execute job run %s: %w", jr.ID, err)
	}
	return final, nil
}

// completeJobSuccess persists produced assets and finalizes the step.
func (e *Executor) completeJobSuccess(ctx context.Context, in Input, rec *workflow.RunStep, jr *workflow.JobRun) (*Result, error) {
	produced, err := e.assets.PersistProducedAssets(ctx, in.Run, in.Step, rec, jr.Result)
	if err != nil {
		return e.finalizeFailure(ctx, in, rec, fmt.Sprintf("Failed to persist produced assets: %s", err), "asset_persistence_failed")
	}
	e.recordJobRuntime(in, jr)
	if jr.LogsURL != "" || jr.Metrics != nil {
		logsURL := jr.LogsURL
		metrics := jsonval.Normalize(jr.Metrics)
		if _, err := e.repo.UpdateRunStep(ctx, rec.ID, workflow.RunStepPatch{
			LogsURL: &logsURL,
			Metrics: &metrics,
		}); err != nil {
			log.Errorf(ctx, err, "persist job telemetry for step %s", in.Step.ID)
		}
	}
	return e.completeSuccess(ctx, in, rec, jr.Result, in.Step.StoreResultAs, produced)
}

// completeSkipped records a canceled job run as a skipped step.
func (e *Executor) completeSkipped(ctx context.Context, in Input, rec *workflow.RunStep, jr *workflow.JobRun) (*Result, error) {
	now := e.now().UTC()
	status := workflow.StepSkipped
	state := workflow.RetryCompleted
	msg := jr.ErrorMessage
	var nilTime *time.Time
	if _, err := e.repo.UpdateRunStep(ctx, rec.ID, workflow.RunStepPatch{
		Status:        &status,
		RetryState:    &state,
		NextAttemptAt: &nilTime,
		ErrorMessage:  &msg,
		CompletedAt:   ptrTime(now),
	}); err != nil {
		return nil, err
	}
	entry := in.Context.Step(in.Step.ID)
	entry.Status = workflow.StepSkipped
	entry.ErrorMessage = msg
	entry.CompletedAt = &now
	in.Context.SetStep(in.Step.ID, entry)
	return &Result{
		Context:    in.Context,
		StepStatus: workflow.StepSkipped,
		Completed:  true,
	}, nil
}

// handleJobFailure routes a failed or expired job run: missing-asset
// failures open the recovery gate, everything else goes through the retry
// budget.
func (e *Executor) handleJobFailure(ctx context.Context, in Input, rec *workflow.RunStep, jr *workflow.JobRun) (*Result, error) {
	e.recordJobRuntime(in, jr)
	msg := jr.ErrorMessage
	if msg == "" {
		msg = fmt.Sprintf("Job run ended %s", jr.Status)
	}
	if jr.FailureReason == workflow.FailureAssetMissing && e.recovery != nil {
		if missing, ok := missingAssetFrom(jr); ok {
			next, err := e.recovery.Gate(ctx, in.Run, rec, missing)
			if err != nil {
				log.Errorf(ctx, err, "open recovery gate for step %s", in.Step.ID)
				return e.finalizeFailure(ctx, in, rec, msg, workflow.FailureAssetMissing)
			}
			entry := in.Context.Step(in.Step.ID)
			entry.Status = workflow.StepPending
			entry.ErrorMessage = msg
			in.Context.SetStep(in.Step.ID, entry)
			return &Result{
				Context:        in.Context,
				StepStatus:     workflow.StepPending,
				Completed:      false,
				ErrorMessage:   msg,
				ScheduledRetry: &next,
			}, nil
		}
	}
	reason := jr.FailureReason
	if reason == "" {
		reason = "job_failed"
	}
	return e.finalizeFailure(ctx, in, rec, msg, reason)
}

// recordJobRuntime mirrors job-run telemetry into the runtime context entry.
func (e *Executor) recordJobRuntime(in Input, jr *workflow.JobRun) {
	entry := in.Context.Step(in.Step.ID)
	entry.JobRunID = jr.ID
	entry.LogsURL = jr.LogsURL
	if jr.Metrics != nil {
		entry.Metrics = jsonval.Normalize(jr.Metrics)
	}
	if jr.ErrorMessage != "" {
		entry.ErrorMessage = jr.ErrorMessage
	}
	if obj, ok := jsonval.AsObject(jsonval.Normalize(jr.Context)); ok {
		if name, isStr := obj["errorName"].(string); isStr {
			entry.ErrorName = name
		}
		if stack, isStr := obj["errorStack"].(string); isStr {
			entry.ErrorStack = stack
		}
		if props, isObj := jsonval.AsObject(obj["errorProperties"]); isObj {
			entry.ErrorProperties = props
		}
	}
	in.Context.SetStep(in.Step.ID, entry)
}

// missingAssetFrom extracts the missing-asset identity a failed job run
// reported through its context: the assetRecovery object, falling back to
// errorProperties and error.properties for handlers that only raise a typed
// error.
func missingAssetFrom(jr *workflow.JobRun) (recovery.MissingAsset, bool) {
	obj, ok := jsonval.AsObject(jsonval.Normalize(jr.Context))
	if !ok {
		return recovery.MissingAsset{}, false
	}
	props, ok := jsonval.AsObject(obj["assetRecovery"])
	if !ok {
		props, ok = jsonval.AsObject(obj["errorProperties"])
	}
	if !ok {
		if nested, isObj := jsonval.AsObject(obj["error"]); isObj {
			props, ok = jsonval.AsObject(nested["properties"])
		}
		if !ok {
			return recovery.MissingAsset{}, false
		}
	}
	assetID, _ := props["assetId"].(string)
	if assetID == "" {
		assetID, _ = props["asset_id"].(string)
	}
	if strings.TrimSpace(assetID) == "" {
		return recovery.MissingAsset{}, false
	}
	partitionKey, _ := props["partitionKey"].(string)
	return recovery.MissingAsset{AssetID: assetID, PartitionKey: partitionKey}, true
}

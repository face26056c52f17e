package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"goa.design/flow/jsonval"
	"goa.design/flow/template"
	"goa.design/flow/workflow"
)

// executeFanOut materializes a fan-out parent: it resolves the collection,
// enforces the item cap and hands the child step definitions back to the
// orchestrator for scheduling. The parent settles when the orchestrator
// aggregates the children.
func (e *Executor) executeFanOut(ctx context.Context, in Input) (*Result, error) {
	rec, err := e.loadOrCreateRecord(ctx, in)
	if err != nil {
		return nil, err
	}
	if rec.Status == workflow.StepSucceeded {
		return e.hydrateSucceeded(in, rec, in.Step.StoreResultsAs), nil
	}
	if res, done, err := e.applyRetryGates(ctx, in, rec); done || err != nil {
		return res, err
	}

	resolved, tr := e.resolveParameters(in)
	if tr.HasIssues() {
		return e.failParameterResolution(ctx, in, rec, tr)
	}

	items, errMsg := e.resolveCollection(in, resolved)
	if errMsg != "" {
		return e.failTerminal(ctx, in, rec, errMsg, "fanout_collection_invalid")
	}

	maxItems := e.cfg.FanOutMaxItems
	if maxItems <= 0 {
		maxItems = 100
	}
	if in.Step.MaxItems != nil && *in.Step.MaxItems > 0 && *in.Step.MaxItems < maxItems {
		maxItems = *in.Step.MaxItems
	}
	if len(items) > maxItems {
		msg := fmt.Sprintf("Fan-out collection exceeds maximum of %d items (got %d)", maxItems, len(items))
		return e.failTerminal(ctx, in, rec, msg, "fanout_limit_exceeded")
	}

	rec, err = e.startAttempt(ctx, in, rec, resolved)
	if err != nil {
		return nil, err
	}

	if len(items) == 0 {
		return e.completeSuccess(ctx, in, rec, []any{}, in.Step.StoreResultsAs, nil)
	}

	children := make([]ChildStep, 0, len(items))
	for i, item := range items {
		child, err := e.materializeChild(in.Step, i)
		if err != nil {
			return e.failTerminal(ctx, in, rec, fmt.Sprintf("Failed to materialize fan-out child %d: %s", i, err), "fanout_expansion_failed")
		}
		children = append(children, ChildStep{Def: child, Index: i, Item: item})
	}

	maxConcurrency := e.cfg.FanOutMaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	if in.Step.MaxConcurrency != nil && *in.Step.MaxConcurrency > 0 && *in.Step.MaxConcurrency < maxConcurrency {
		maxConcurrency = *in.Step.MaxConcurrency
	}
	if maxConcurrency > len(items) {
		maxConcurrency = len(items)
	}

	res := &Result{
		Context:    in.Context,
		StepStatus: workflow.StepRunning,
		Completed:  false,
		FanOut: &FanOutExpansion{
			ParentStepID:    in.Step.ID,
			ParentRunStepID: rec.ID,
			TemplateStepID:  in.Step.Template.ID,
			Children:        children,
			MaxConcurrency:  maxConcurrency,
			StoreResultsAs:  in.Step.StoreResultsAs,
		},
	}
	// Placeholder so templates referencing the aggregate before settlement
	// see an empty array instead of an unresolved path.
	if in.Step.StoreResultsAs != "" {
		res.SharedPatch = map[string]any{in.Step.StoreResultsAs: []any{}}
	}
	return res, nil
}

// resolveCollection evaluates the collection expression to an array. The
// second return is a non-empty failure message when the value is not one.
func (e *Executor) resolveCollection(in Input, resolvedParams any) ([]any, string) {
	scope := e.scope(in, resolvedParams)
	var tr template.Tracker
	var value any
	if s, ok := in.Step.Collection.(string); ok {
		value = template.ResolveString(s, scope, &tr)
	} else {
		value = template.Resolve(in.Step.Collection, scope, &tr)
	}
	items, ok := jsonval.AsArray(jsonval.Normalize(value))
	if !ok {
		return nil, "Fan-out collection must resolve to an array"
	}
	return items, ""
}

// materializeChild clones the template definition for one item, deriving the
// child id and display name and propagating dependencies.
func (e *Executor) materializeChild(parent *workflow.StepDef, index int) (*workflow.StepDef, error) {
	raw, err := json.Marshal(parent.Template)
	if err != nil {
		return nil, err
	}
	var child workflow.StepDef
	if err := json.Unmarshal(raw, &child); err != nil {
		return nil, err
	}
	templateID := parent.Template.ID
	child.ID = workflow.FanOutChildID(parent.ID, templateID, index)
	nameBase := parent.Template.Name
	if nameBase == "" {
		nameBase = templateID
	}
	child.Name = fmt.Sprintf("%s [%d]", nameBase, index+1)

	seen := map[string]bool{parent.ID: true, child.ID: true, templateID: true}
	deps := make([]string, 0, len(parent.DependsOn)+len(parent.Template.DependsOn))
	for _, dep := range append(append([]string{}, parent.DependsOn...), parent.Template.DependsOn...) {
		if seen[dep] {
			continue
		}
		seen[dep] = true
		deps = append(deps, dep)
	}
	child.DependsOn = deps
	return &child, nil
}

// failTerminal persists a deterministic, non-retryable step failure.
func (e *Executor) failTerminal(ctx context.Context, in Input, rec *workflow.RunStep, msg, reason string) (*Result, error) {
	now := e.now().UTC()
	status := workflow.StepFailed
	state := workflow.RetryCompleted
	var nilTime *time.Time
	if _, err := e.repo.UpdateRunStep(ctx, rec.ID, workflow.RunStepPatch{
		Status:        &status,
		RetryState:    &state,
		NextAttemptAt: &nilTime,
		ErrorMessage:  &msg,
		FailureReason: &reason,
		CompletedAt:   ptrTime(now),
	}); err != nil {
		return nil, err
	}
	entry := in.Context.Step(in.Step.ID)
	entry.Status = workflow.StepFailed
	entry.ErrorMessage = msg
	entry.CompletedAt = &now
	in.Context.SetStep(in.Step.ID, entry)
	return &Result{
		Context:      in.Context,
		StepStatus:   workflow.StepFailed,
		Completed:    true,
		ErrorMessage: msg,
	}, nil
}

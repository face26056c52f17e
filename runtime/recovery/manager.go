// Package recovery drives asset recovery: when a consumer step fails on a
// missing asset, a durable recovery request is ensured, the asset's producer
// workflow is launched (or an in-flight one adopted) and the consumer step is
// parked behind periodic polls until the producer settles.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/log"

	"goa.design/flow/jsonval"
	"goa.design/flow/workflow"
)

type (
	// Options configures the recovery manager.
	Options struct {
		// Repository persists requests and runs. Required.
		Repository workflow.Repository
		// Queue enqueues producer runs and consumer poll retries. Required.
		Queue workflow.Queue
		// Config supplies the poll interval.
		Config workflow.Config
		// Now overrides the clock (tests).
		Now func() time.Time
	}

	// Manager implements the recovery lifecycle.
	Manager struct {
		repo  workflow.Repository
		queue workflow.Queue
		cfg   workflow.Config
		now   func() time.Time
	}

	// MissingAsset identifies the asset a failed consumer step could not
	// find.
	MissingAsset struct {
		AssetID      string
		PartitionKey string
	}

	// PollOutcome classifies a recovery poll.
	PollOutcome int

	// PollResult reports a recovery poll. NextPoll is set when the outcome
	// is Wait.
	PollResult struct {
		Outcome  PollOutcome
		Message  string
		NextPoll time.Time
	}
)

const (
	// Proceed means no recovery gate applies: the step may execute.
	Proceed PollOutcome = iota
	// Wait means the producer run is still in flight; a poll retry has been
	// scheduled.
	Wait
	// ProducerFailed means the producer run settled unsuccessfully; the
	// consumer step must fail.
	ProducerFailed
)

// NewManager builds a Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Repository == nil {
		return nil, errors.New("repository is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("queue is required")
	}
	m := &Manager{
		repo:  opts.Repository,
		queue: opts.Queue,
		cfg:   opts.Config,
		now:   time.Now,
	}
	if opts.Now != nil {
		m.now = opts.Now
	}
	return m, nil
}

// Gate handles a consumer step that failed on a missing asset: it ensures a
// recovery request, launches or adopts the producer run, links the step to
// the request through its retry metadata and schedules the first poll. It
// returns the poll time.
func (m *Manager) Gate(ctx context.Context, run *workflow.Run, rec *workflow.RunStep, missing MissingAsset) (time.Time, error) {
	defID, err := m.producerDefinitionID(ctx, run, missing)
	if err != nil {
		return time.Time{}, err
	}

	req, created, err := m.repo.EnsureRecoveryRequest(ctx, workflow.RecoveryRequestInput{
		AssetID:                      missing.AssetID,
		PartitionKey:                 missing.PartitionKey,
		WorkflowDefinitionID:         defID,
		RequestedByWorkflowRunID:     run.ID,
		RequestedByWorkflowRunStepID: rec.ID,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("ensure recovery request: %w", err)
	}
	if created {
		if err := m.launchProducer(ctx, req, missing); err != nil {
			return time.Time{}, err
		}
	}

	if err := m.repo.AppendHistory(ctx, workflow.RunHistoryEntry{
		WorkflowRunID: run.ID,
		StepID:        rec.StepID,
		EventType:     workflow.HistoryRecoveryRequested,
		EventPayload: map[string]any{
			"requestId":    req.ID,
			"assetId":      missing.AssetID,
			"partitionKey": missing.PartitionKey,
			"created":      created,
		},
	}); err != nil {
		log.Errorf(ctx, err, "append recovery history for step %s", rec.StepID)
	}

	return m.parkStep(ctx, run, rec, req, "Waiting for asset recovery: "+missing.AssetID)
}

// Poll inspects the recovery request a parked step is linked to. When the
// request is still in flight the next poll is scheduled; terminal requests
// unlink the step.
func (m *Manager) Poll(ctx context.Context, run *workflow.Run, rec *workflow.RunStep) (PollResult, error) {
	meta, ok := recoveryMetadata(rec)
	if !ok {
		return PollResult{Outcome: Proceed}, nil
	}
	requestID, _ := meta["requestId"].(string)
	if requestID == "" {
		if err := m.clearMetadata(ctx, rec); err != nil {
			return PollResult{}, err
		}
		return PollResult{Outcome: Proceed}, nil
	}
	req, err := m.repo.GetRecoveryRequest(ctx, requestID)
	if err != nil {
		if workflow.IsNotFound(err) {
			if clearErr := m.clearMetadata(ctx, rec); clearErr != nil {
				return PollResult{}, clearErr
			}
			return PollResult{Outcome: Proceed}, nil
		}
		return PollResult{}, err
	}
	switch req.Status {
	case workflow.RecoverySucceeded:
		if err := m.clearMetadata(ctx, rec); err != nil {
			return PollResult{}, err
		}
		return PollResult{Outcome: Proceed}, nil
	case workflow.RecoveryFailed:
		if err := m.clearMetadata(ctx, rec); err != nil {
			return PollResult{}, err
		}
		msg := req.LastError
		if msg == "" {
			msg = "asset recovery failed"
		}
		return PollResult{Outcome: ProducerFailed, Message: fmt.Sprintf("Asset recovery for %s failed: %s", req.AssetID, msg)}, nil
	default:
		next, err := m.parkStep(ctx, run, rec, req, "Waiting for asset recovery: "+req.AssetID)
		if err != nil {
			return PollResult{}, err
		}
		return PollResult{Outcome: Wait, NextPoll: next}, nil
	}
}

// HandleRunSettled settles the recovery request owned by a terminal run, if
// any, and nudges the requesting run so its parked consumer re-polls
// promptly.
func (m *Manager) HandleRunSettled(ctx context.Context, run *workflow.Run) error {
	req, err := m.repo.FindRecoveryRequestByRunID(ctx, run.ID)
	if err != nil {
		if workflow.IsNotFound(err) {
			return nil
		}
		return err
	}
	if req.Status.Terminal() {
		return nil
	}
	status := workflow.RecoveryFailed
	if run.Status == workflow.RunSucceeded {
		status = workflow.RecoverySucceeded
	}
	now := m.now().UTC()
	lastError := ""
	if status == workflow.RecoveryFailed {
		lastError = run.ErrorMessage
		if lastError == "" {
			lastError = fmt.Sprintf("recovery run ended %s", run.Status)
		}
	}
	completedAt := &now
	if _, err := m.repo.UpdateRecoveryRequest(ctx, req.ID, workflow.RecoveryRequestPatch{
		Status:      &status,
		LastError:   &lastError,
		CompletedAt: &completedAt,
	}); err != nil {
		return fmt.Errorf("settle recovery request %s: %w", req.ID, err)
	}
	log.Printf(ctx, "recovery request %s settled %s (asset %s)", req.ID, status, req.AssetID)

	if req.RequestedByWorkflowRunID != "" {
		if err := m.queue.EnqueueRun(ctx, workflow.RunJob{WorkflowRunID: req.RequestedByWorkflowRunID}); err != nil {
			log.Errorf(ctx, err, "re-enqueue requesting run %s", req.RequestedByWorkflowRunID)
		}
	}
	return nil
}

// producerDefinitionID resolves the definition to run for the missing asset,
// preferring provenance and declaration scans and falling back to the failing
// run's own definition.
func (m *Manager) producerDefinitionID(ctx context.Context, run *workflow.Run, missing MissingAsset) (string, error) {
	id, err := m.repo.FindProducerDefinitionID(ctx, missing.AssetID, workflow.NormalizePartitionKey(missing.PartitionKey))
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !workflow.IsNotFound(err) {
		return "", fmt.Errorf("find producer definition for asset %s: %w", missing.AssetID, err)
	}
	return run.WorkflowDefinitionID, nil
}

// launchProducer creates the producer run for a freshly created request,
// replaying the partition's captured parameters. A run-key conflict adopts
// the in-flight producer run instead of failing.
func (m *Manager) launchProducer(ctx context.Context, req *workflow.RecoveryRequest, missing MissingAsset) error {
	var params any
	if pp, err := m.repo.GetPartitionParameters(ctx, req.WorkflowDefinitionID, missing.AssetID, workflow.NormalizePartitionKey(missing.PartitionKey)); err == nil && pp != nil {
		params = jsonval.Normalize(pp.Parameters)
	} else if err != nil && !workflow.IsNotFound(err) {
		return fmt.Errorf("load partition parameters: %w", err)
	}

	runKey := workflow.RecoveryRunKey(missing.AssetID, missing.PartitionKey)
	producer, err := m.repo.CreateRun(ctx, req.WorkflowDefinitionID, workflow.RunCreateInput{
		Parameters:  params,
		TriggeredBy: "asset-recovery",
		Trigger: map[string]any{
			"type":         "asset-recovery",
			"requestId":    req.ID,
			"assetId":      missing.AssetID,
			"partitionKey": missing.PartitionKey,
		},
		PartitionKey: missing.PartitionKey,
		RunKey:       runKey,
	})
	if err != nil {
		if !workflow.IsRunKeyConflict(err) {
			return fmt.Errorf("create recovery run: %w", err)
		}
		existing, findErr := m.repo.FindActiveRunByKey(ctx, req.WorkflowDefinitionID, workflow.NormalizeRunKey(runKey))
		if findErr != nil {
			return fmt.Errorf("adopt recovery run: %w", findErr)
		}
		producer = existing
	}

	now := m.now().UTC()
	status := workflow.RecoveryRunning
	attempts := req.Attempts + 1
	lastAttemptAt := &now
	if _, err := m.repo.UpdateRecoveryRequest(ctx, req.ID, workflow.RecoveryRequestPatch{
		Status:                &status,
		RecoveryWorkflowRunID: &producer.ID,
		Attempts:              &attempts,
		LastAttemptAt:         &lastAttemptAt,
	}); err != nil {
		return fmt.Errorf("link recovery run: %w", err)
	}
	if err := m.queue.EnqueueRun(ctx, workflow.RunJob{WorkflowRunID: producer.ID, RunKey: producer.RunKey}); err != nil {
		return fmt.Errorf("enqueue recovery run: %w", err)
	}
	log.Printf(ctx, "recovery run %s launched for asset %s (request %s)", producer.ID, missing.AssetID, req.ID)
	return nil
}

// parkStep marks the consumer step pending with recovery metadata and
// schedules the next poll through a delayed retry job.
func (m *Manager) parkStep(ctx context.Context, run *workflow.Run, rec *workflow.RunStep, req *workflow.RecoveryRequest, message string) (time.Time, error) {
	now := m.now().UTC()
	interval := m.cfg.RecoveryPollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	next := now.Add(interval)

	status := workflow.StepPending
	state := workflow.RetryScheduled
	reason := workflow.FailureAssetMissing
	retryCount := rec.RetryCount + 1
	nextPtr := &next
	var meta any = map[string]any{
		"recovery": map[string]any{
			"requestId":     req.ID,
			"assetId":       req.AssetID,
			"partitionKey":  req.PartitionKey,
			"status":        string(req.Status),
			"lastCheckedAt": now.Format(time.RFC3339),
		},
	}
	updated, err := m.repo.UpdateRunStep(ctx, rec.ID, workflow.RunStepPatch{
		Status:        &status,
		RetryState:    &state,
		RetryCount:    &retryCount,
		NextAttemptAt: &nextPtr,
		RetryMetadata: &meta,
		ErrorMessage:  &message,
		FailureReason: &reason,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("park step %s: %w", rec.StepID, err)
	}
	*rec = *updated

	if err := m.queue.ScheduleRetry(ctx, workflow.RetryJob{
		WorkflowRunID: run.ID,
		StepID:        rec.StepID,
		Attempts:      retryCount,
		RunKey:        run.RunKey,
	}, next); err != nil {
		return time.Time{}, fmt.Errorf("schedule recovery poll: %w", err)
	}
	return next, nil
}

// clearMetadata removes the recovery linkage from a step record.
func (m *Manager) clearMetadata(ctx context.Context, rec *workflow.RunStep) error {
	var meta any
	state := workflow.RetryPending
	var nilTime *time.Time
	updated, err := m.repo.UpdateRunStep(ctx, rec.ID, workflow.RunStepPatch{
		RetryMetadata: &meta,
		RetryState:    &state,
		NextAttemptAt: &nilTime,
	})
	if err != nil {
		return fmt.Errorf("clear recovery metadata: %w", err)
	}
	*rec = *updated
	return nil
}

// recoveryMetadata extracts the recovery linkage from a step record.
func recoveryMetadata(rec *workflow.RunStep) (map[string]any, bool) {
	obj, ok := jsonval.AsObject(jsonval.Normalize(rec.RetryMetadata))
	if !ok {
		return nil, false
	}
	nested, ok := jsonval.AsObject(obj["recovery"])
	if !ok {
		return nil, false
	}
	return nested, true
}

// Linked reports whether the step record carries a recovery gate.
func Linked(rec *workflow.RunStep) bool {
	_, ok := recoveryMetadata(rec)
	return ok
}

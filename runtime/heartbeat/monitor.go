// Package heartbeat watches running steps for lapsed heartbeats and either
// reschedules them (attempt budget permitting) or fails them, re-enqueueing
// the run in both cases so the orchestrator reacts promptly.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/log"

	"goa.design/flow/workflow"
)

type (
	// Options configures the monitor.
	Options struct {
		// Repository provides stale-step lookup and patches. Required.
		Repository workflow.Repository
		// Queue re-enqueues rescheduled runs. Required.
		Queue workflow.Queue
		// Config supplies timeout, interval and batch size.
		Config workflow.Config
		// Now overrides the clock (tests).
		Now func() time.Time
	}

	// Monitor is the heartbeat sweep loop.
	Monitor struct {
		repo  workflow.Repository
		queue workflow.Queue
		cfg   workflow.Config
		now   func() time.Time
	}
)

// New builds a Monitor.
func New(opts Options) (*Monitor, error) {
	if opts.Repository == nil {
		return nil, errors.New("repository is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("queue is required")
	}
	m := &Monitor{
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

// Run ticks RunOnce until the context ends.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Printf(ctx, "heartbeat monitor started (timeout %s, interval %s)", m.cfg.HeartbeatTimeout, interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := m.RunOnce(ctx); err != nil {
				log.Errorf(ctx, err, "heartbeat sweep")
			} else if n > 0 {
				log.Printf(ctx, "heartbeat sweep handled %d stale steps", n)
			}
		}
	}
}

// RunOnce performs one sweep and returns the number of steps handled.
func (m *Monitor) RunOnce(ctx context.Context) (int, error) {
	timeout := m.cfg.HeartbeatTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	batch := m.cfg.HeartbeatBatch
	if batch <= 0 {
		batch = 20
	}
	cutoff := m.now().Add(-timeout)
	refs, err := m.repo.FindStaleRunSteps(ctx, cutoff, batch)
	if err != nil {
		return 0, fmt.Errorf("find stale steps: %w", err)
	}
	handled := 0
	for _, ref := range refs {
		if err := m.handleStale(ctx, ref, cutoff, timeout); err != nil {
			log.Errorf(ctx, err, "handle stale step %s of run %s", ref.StepID, ref.WorkflowRunID)
			continue
		}
		handled++
	}
	return handled, nil
}

// handleStale re-confirms staleness under current state and applies the
// timeout transition.
func (m *Monitor) handleStale(ctx context.Context, ref workflow.StaleStepRef, cutoff time.Time, timeout time.Duration) error {
	rec, err := m.repo.FindRunStep(ctx, ref.WorkflowRunID, ref.StepID)
	if err != nil {
		if workflow.IsNotFound(err) {
			return nil
		}
		return err
	}
	if !stillStale(rec, cutoff) {
		return nil
	}
	run, err := m.repo.GetRun(ctx, ref.WorkflowRunID)
	if err != nil {
		return err
	}
	if run.Status != workflow.RunRunning {
		return nil
	}

	policy := m.stepPolicy(ctx, run, rec)
	msg := fmt.Sprintf("Step timed out: no heartbeat for %s", timeout)

	if err := m.repo.AppendHistory(ctx, workflow.RunHistoryEntry{
		WorkflowRunID: run.ID,
		StepID:        rec.StepID,
		EventType:     workflow.HistoryStepTimeout,
		EventPayload: map[string]any{
			"attempt": float64(rec.Attempt),
			"timeout": timeout.String(),
		},
	}); err != nil {
		log.Errorf(ctx, err, "append timeout history")
	}

	if workflow.AttemptsRemain(policy, rec.Attempt) {
		return m.reschedule(ctx, run, rec, msg)
	}
	return m.fail(ctx, run, rec, msg)
}

// reschedule resets the step for a fresh attempt and re-enqueues the run.
func (m *Monitor) reschedule(ctx context.Context, run *workflow.Run, rec *workflow.RunStep, msg string) error {
	status := workflow.StepPending
	state := workflow.RetryPending
	attempt := rec.Attempt + 1
	retryCount := rec.RetryCount + 1
	reason := workflow.FailureHeartbeatTimeout
	empty := ""
	var nilTime *time.Time
	if _, err := m.repo.UpdateRunStep(ctx, rec.ID, workflow.RunStepPatch{
		Status:          &status,
		Attempt:         &attempt,
		RetryCount:      &retryCount,
		RetryState:      &state,
		NextAttemptAt:   &nilTime,
		JobRunID:        &empty,
		ErrorMessage:    &msg,
		FailureReason:   &reason,
		StartedAt:       &nilTime,
		CompletedAt:     &nilTime,
		LastHeartbeatAt: &nilTime,
	}); err != nil {
		return fmt.Errorf("reschedule step %s: %w", rec.StepID, err)
	}
	if err := m.repo.AppendHistory(ctx, workflow.RunHistoryEntry{
		WorkflowRunID: run.ID,
		StepID:        rec.StepID,
		EventType:     workflow.HistoryRunReschedule,
		EventPayload: map[string]any{
			"attempt":    float64(attempt),
			"retryCount": float64(retryCount),
			"reason":     workflow.FailureHeartbeatTimeout,
		},
	}); err != nil {
		log.Errorf(ctx, err, "append reschedule history")
	}
	if err := m.queue.EnqueueRun(ctx, workflow.RunJob{WorkflowRunID: run.ID, RunKey: run.RunKey}); err != nil {
		return fmt.Errorf("re-enqueue run %s: %w", run.ID, err)
	}
	log.Printf(ctx, "step %s of run %s rescheduled after heartbeat timeout (attempt %d)", rec.StepID, run.ID, attempt)
	return nil
}

// fail marks the step terminally failed and re-enqueues the run so the
// orchestrator settles it.
func (m *Monitor) fail(ctx context.Context, run *workflow.Run, rec *workflow.RunStep, msg string) error {
	now := m.now().UTC()
	status := workflow.StepFailed
	state := workflow.RetryCompleted
	reason := workflow.FailureHeartbeatTimeout
	var nilTime *time.Time
	completedAt := now
	p := &completedAt
	if _, err := m.repo.UpdateRunStep(ctx, rec.ID, workflow.RunStepPatch{
		Status:        &status,
		RetryState:    &state,
		NextAttemptAt: &nilTime,
		ErrorMessage:  &msg,
		FailureReason: &reason,
		CompletedAt:   &p,
	}); err != nil {
		return fmt.Errorf("fail step %s: %w", rec.StepID, err)
	}
	if err := m.queue.EnqueueRun(ctx, workflow.RunJob{WorkflowRunID: run.ID, RunKey: run.RunKey}); err != nil {
		return fmt.Errorf("re-enqueue run %s: %w", run.ID, err)
	}
	log.Printf(ctx, "step %s of run %s failed after heartbeat timeout (attempt %d exhausted budget)", rec.StepID, run.ID, rec.Attempt)
	return nil
}

// stepPolicy resolves the retry policy of the timed-out step, following the
// fan-out template when the record is a child. A missing definition or step
// yields an unbounded policy.
func (m *Monitor) stepPolicy(ctx context.Context, run *workflow.Run, rec *workflow.RunStep) *workflow.RetryPolicy {
	def, err := m.repo.GetDefinition(ctx, run.WorkflowDefinitionID)
	if err != nil {
		return nil
	}
	stepID := rec.StepID
	if rec.ParentStepID != "" {
		parent := def.Step(rec.ParentStepID)
		if parent != nil && parent.Template != nil {
			return parent.Template.RetryPolicy
		}
		return nil
	}
	if s := def.Step(stepID); s != nil {
		return s.RetryPolicy
	}
	return nil
}

// stillStale re-checks the staleness condition against the fresh record.
func stillStale(rec *workflow.RunStep, cutoff time.Time) bool {
	if rec.Status != workflow.StepRunning {
		return false
	}
	last := rec.LastHeartbeatAt
	if last == nil {
		last = rec.StartedAt
	}
	return last != nil && last.Before(cutoff)
}

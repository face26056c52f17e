package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"goa.design/flow/workflow"
)

const stepColumns = `id, workflow_run_id, step_id, status, attempt, retry_count,
	retry_state, next_attempt_at, retry_metadata, job_run_id, input, output,
	error_message, failure_reason, logs_url, metrics, context, started_at,
	completed_at, last_heartbeat_at, parent_step_id, fan_out_index,
	template_step_id, produced_assets, created_at, updated_at`

// CreateRunStep persists a new step record.
func (s *Store) CreateRunStep(ctx context.Context, input workflow.RunStepCreateInput) (*workflow.RunStep, error) {
	now := s.now().UTC()
	rec := &workflow.RunStep{
		ID:             uuid.NewString(),
		WorkflowRunID:  input.WorkflowRunID,
		StepID:         input.StepID,
		Status:         input.Status,
		Attempt:        input.Attempt,
		RetryState:     workflow.RetryPending,
		Input:          input.Input,
		ParentStepID:   input.ParentStepID,
		FanOutIndex:    input.FanOutIndex,
		TemplateStepID: input.TemplateStepID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if rec.Status == "" {
		rec.Status = workflow.StepPending
	}
	if rec.Attempt < 1 {
		rec.Attempt = 1
	}
	inputRaw, err := encodeJSON(rec.Input)
	if err != nil {
		return nil, err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_run_steps
			(id, workflow_run_id, step_id, status, attempt, retry_state, input,
			 parent_step_id, fan_out_index, template_step_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
		rec.ID, rec.WorkflowRunID, rec.StepID, string(rec.Status), rec.Attempt,
		string(rec.RetryState), inputRaw, rec.ParentStepID, rec.FanOutIndex,
		rec.TemplateStepID, now)
	if err != nil {
		if isUniqueViolation(err, "workflow_run_steps_workflow_run_id_step_id_key") {
			return nil, &workflow.ConflictError{
				Constraint: "workflow_run_steps_workflow_run_id_step_id_key",
				Message:    fmt.Sprintf("step record already exists for %s/%s", input.WorkflowRunID, input.StepID),
			}
		}
		return nil, fmt.Errorf("create run step: %w", err)
	}
	return rec, nil
}

// GetRunStep loads a step record by id.
func (s *Store) GetRunStep(ctx context.Context, id string) (*workflow.RunStep, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+stepColumns+` FROM workflow_run_steps WHERE id = $1`, id)
	rec, err := scanRunStep(row)
	if err != nil {
		return nil, notFound(err, "run step", id)
	}
	return rec, nil
}

// FindRunStep loads the step record for (runID, stepID).
func (s *Store) FindRunStep(ctx context.Context, runID, stepID string) (*workflow.RunStep, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM workflow_run_steps WHERE workflow_run_id = $1 AND step_id = $2`,
		runID, stepID)
	rec, err := scanRunStep(row)
	if err != nil {
		return nil, notFound(err, "run step", runID+"/"+stepID)
	}
	return rec, nil
}

// ListRunSteps returns all step records of a run, oldest first.
func (s *Store) ListRunSteps(ctx context.Context, runID string) ([]*workflow.RunStep, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM workflow_run_steps WHERE workflow_run_id = $1 ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run steps: %w", err)
	}
	defer rows.Close()
	var out []*workflow.RunStep
	for rows.Next() {
		rec, err := scanRunStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateRunStep applies a patch under FOR UPDATE, enforcing that a
// "scheduled" retry state always carries a next-attempt timestamp.
func (s *Store) UpdateRunStep(ctx context.Context, id string, patch workflow.RunStepPatch) (*workflow.RunStep, error) {
	var updated *workflow.RunStep
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+stepColumns+` FROM workflow_run_steps WHERE id = $1 FOR UPDATE`, id)
		rec, err := scanRunStep(row)
		if err != nil {
			return notFound(err, "run step", id)
		}
		applyRunStepPatch(rec, patch)
		if rec.RetryState == workflow.RetryScheduled && rec.NextAttemptAt == nil {
			return &workflow.ConflictError{
				Constraint: "retry_state_scheduled_requires_next_attempt",
				Message:    "retry state scheduled requires a next attempt timestamp",
			}
		}
		now := s.now().UTC()
		rec.UpdatedAt = now

		retryMeta, err := encodeJSON(rec.RetryMetadata)
		if err != nil {
			return err
		}
		inputRaw, err := encodeJSON(rec.Input)
		if err != nil {
			return err
		}
		outputRaw, err := encodeJSON(rec.Output)
		if err != nil {
			return err
		}
		metrics, err := encodeJSON(rec.Metrics)
		if err != nil {
			return err
		}
		contextRaw, err := encodeJSON(rec.Context)
		if err != nil {
			return err
		}
		produced, err := encodeJSON(rec.ProducedAssets)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE workflow_run_steps SET
				status = $2, attempt = $3, retry_count = $4, retry_state = $5,
				next_attempt_at = $6, retry_metadata = $7, job_run_id = $8,
				input = $9, output = $10, error_message = $11, failure_reason = $12,
				logs_url = $13, metrics = $14, context = $15, started_at = $16,
				completed_at = $17, last_heartbeat_at = $18, produced_assets = $19,
				updated_at = $20
			WHERE id = $1`,
			rec.ID, string(rec.Status), rec.Attempt, rec.RetryCount, string(rec.RetryState),
			rec.NextAttemptAt, retryMeta, rec.JobRunID,
			inputRaw, outputRaw, rec.ErrorMessage, rec.FailureReason,
			rec.LogsURL, metrics, contextRaw, rec.StartedAt,
			rec.CompletedAt, rec.LastHeartbeatAt, produced, now); err != nil {
			return err
		}
		updated = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// FindStaleRunSteps returns refs of running steps on running runs whose
// heartbeat (or start, when never beaten) predates cutoff.
func (s *Store) FindStaleRunSteps(ctx context.Context, cutoff time.Time, limit int) ([]workflow.StaleStepRef, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT st.workflow_run_id, st.step_id
		FROM workflow_run_steps st
		JOIN workflow_runs r ON r.id = st.workflow_run_id
		WHERE st.status = 'running' AND r.status = 'running'
		  AND COALESCE(st.last_heartbeat_at, st.started_at) < $1
		ORDER BY COALESCE(st.last_heartbeat_at, st.started_at)
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("find stale steps: %w", err)
	}
	defer rows.Close()
	var out []workflow.StaleStepRef
	for rows.Next() {
		var ref workflow.StaleStepRef
		if err := rows.Scan(&ref.WorkflowRunID, &ref.StepID); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func applyRunStepPatch(rec *workflow.RunStep, patch workflow.RunStepPatch) {
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
		rec.NextAttemptAt = *patch.NextAttemptAt
	}
	if patch.RetryMetadata != nil {
		rec.RetryMetadata = *patch.RetryMetadata
	}
	if patch.JobRunID != nil {
		rec.JobRunID = *patch.JobRunID
	}
	if patch.Input != nil {
		rec.Input = *patch.Input
	}
	if patch.Output != nil {
		rec.Output = *patch.Output
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
		rec.Metrics = *patch.Metrics
	}
	if patch.Context != nil {
		rec.Context = *patch.Context
	}
	if patch.StartedAt != nil {
		rec.StartedAt = *patch.StartedAt
	}
	if patch.CompletedAt != nil {
		rec.CompletedAt = *patch.CompletedAt
	}
	if patch.LastHeartbeatAt != nil {
		rec.LastHeartbeatAt = *patch.LastHeartbeatAt
	}
	if patch.ProducedAssets != nil {
		rec.ProducedAssets = *patch.ProducedAssets
	}
}

func scanRunStep(row pgx.Row) (*workflow.RunStep, error) {
	var (
		rec                                             workflow.RunStep
		status, retryState                              string
		retryMeta, input, output, metrics, contextRaw   []byte
		produced                                        []byte
	)
	if err := row.Scan(&rec.ID, &rec.WorkflowRunID, &rec.StepID, &status, &rec.Attempt,
		&rec.RetryCount, &retryState, &rec.NextAttemptAt, &retryMeta, &rec.JobRunID,
		&input, &output, &rec.ErrorMessage, &rec.FailureReason, &rec.LogsURL,
		&metrics, &contextRaw, &rec.StartedAt, &rec.CompletedAt, &rec.LastHeartbeatAt,
		&rec.ParentStepID, &rec.FanOutIndex, &rec.TemplateStepID, &produced,
		&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Status = workflow.StepStatus(status)
	rec.RetryState = workflow.RetryState(retryState)
	rec.RetryMetadata = decodeJSON(retryMeta)
	rec.Input = decodeJSON(input)
	rec.Output = decodeJSON(output)
	rec.Metrics = decodeJSON(metrics)
	rec.Context = decodeJSON(contextRaw)
	if err := decodeJSONInto(produced, &rec.ProducedAssets); err != nil {
		return nil, fmt.Errorf("decode produced assets: %w", err)
	}
	return &rec, nil
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"goa.design/flow/jsonval"
	"goa.design/flow/workflow"
)

const runColumns = `id, workflow_definition_id, status, parameters, context, output,
	error_message, current_step_id, current_step_index, metrics, triggered_by,
	trigger, partition_key, run_key, run_key_normalized, started_at, completed_at,
	duration_ms, created_at, updated_at`

// CreateRun persists a new pending run: default parameters merged under the
// caller's, schema validation applied, run-key uniqueness enforced by the
// partial unique index.
func (s *Store) CreateRun(ctx context.Context, definitionID string, input workflow.RunCreateInput) (*workflow.Run, error) {
	def, err := s.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	parameters := jsonval.Merge(jsonval.Normalize(def.DefaultParameters), jsonval.Normalize(input.Parameters))
	if err := workflow.ValidateParameters(def.ParametersSchema, parameters); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	run := &workflow.Run{
		ID:                   uuid.NewString(),
		WorkflowDefinitionID: definitionID,
		Status:               workflow.RunPending,
		Parameters:           parameters,
		TriggeredBy:          input.TriggeredBy,
		Trigger:              jsonval.Normalize(input.Trigger),
		PartitionKey:         input.PartitionKey,
		RunKey:               input.RunKey,
		RunKeyNormalized:     workflow.NormalizeRunKey(input.RunKey),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	params, err := encodeJSON(run.Parameters)
	if err != nil {
		return nil, err
	}
	trigger, err := encodeJSON(run.Trigger)
	if err != nil {
		return nil, err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_runs
			(id, workflow_definition_id, status, parameters, triggered_by, trigger,
			 partition_key, run_key, run_key_normalized, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
		run.ID, definitionID, string(run.Status), params, run.TriggeredBy, trigger,
		run.PartitionKey, run.RunKey, run.RunKeyNormalized, now)
	if err != nil {
		if isUniqueViolation(err, "workflow_runs_active_run_key") {
			return nil, &workflow.ConflictError{
				Constraint: "workflow_runs_active_run_key",
				RunKey:     true,
				Message:    fmt.Sprintf("an active run already holds run key %q", input.RunKey),
			}
		}
		return nil, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*workflow.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		return nil, notFound(err, "run", id)
	}
	return run, nil
}

// FindActiveRunByKey returns the non-terminal run holding the run key.
func (s *Store) FindActiveRunByKey(ctx context.Context, definitionID, runKeyNormalized string) (*workflow.Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM workflow_runs
		WHERE workflow_definition_id = $1 AND run_key_normalized = $2
		  AND status IN ('pending', 'running')
		ORDER BY created_at DESC LIMIT 1`, definitionID, runKeyNormalized)
	run, err := scanRun(row)
	if err != nil {
		return nil, notFound(err, "active run for key", runKeyNormalized)
	}
	return run, nil
}

// UpdateRun applies a patch under FOR UPDATE and emits run events when an
// observable field changed.
func (s *Store) UpdateRun(ctx context.Context, id string, patch workflow.RunPatch) (*workflow.Run, error) {
	var updated *workflow.Run
	var statusChanged bool
	var changed bool
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = $1 FOR UPDATE`, id)
		run, err := scanRun(row)
		if err != nil {
			return notFound(err, "run", id)
		}
		changed, statusChanged = applyRunPatch(run, patch)
		if !changed {
			updated = run
			return nil
		}

		now := s.now().UTC()
		run.UpdatedAt = now
		params, err := encodeJSON(run.Parameters)
		if err != nil {
			return err
		}
		contextRaw, err := encodeJSON(run.Context)
		if err != nil {
			return err
		}
		output, err := encodeJSON(run.Output)
		if err != nil {
			return err
		}
		metrics, err := encodeJSON(run.Metrics)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE workflow_runs SET
				status = $2, parameters = $3, context = $4, output = $5,
				error_message = $6, current_step_id = $7, current_step_index = $8,
				metrics = $9, partition_key = $10, started_at = $11,
				completed_at = $12, duration_ms = $13, updated_at = $14
			WHERE id = $1`,
			run.ID, string(run.Status), params, contextRaw, output,
			run.ErrorMessage, run.CurrentStepID, run.CurrentStepIndex,
			metrics, run.PartitionKey, run.StartedAt,
			run.CompletedAt, run.DurationMs, now); err != nil {
			return err
		}
		updated = run
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.emit(ctx, workflow.EventRunUpdated, runEventData(updated))
		if statusChanged {
			s.emit(ctx, workflow.RunStatusEventType(updated.Status), runEventData(updated))
		}
	}
	return updated, nil
}

// applyRunPatch mutates the run and reports whether any observable field
// changed. Scalar fields are diffed against their current value; dynamic
// JSON fields count as changed whenever the patch carries them.
func applyRunPatch(run *workflow.Run, patch workflow.RunPatch) (changed, statusChanged bool) {
	if patch.Status != nil && run.Status != *patch.Status {
		run.Status = *patch.Status
		changed, statusChanged = true, true
	}
	if patch.Parameters != nil {
		run.Parameters = *patch.Parameters
		changed = true
	}
	if patch.Context != nil {
		run.Context = *patch.Context
		changed = true
	}
	if patch.Output != nil {
		run.Output = *patch.Output
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
		run.CurrentStepIndex = patch.CurrentStepIndex
		changed = true
	}
	if patch.Metrics != nil {
		run.Metrics = patch.Metrics
		changed = true
	}
	if patch.PartitionKey != nil && run.PartitionKey != *patch.PartitionKey {
		run.PartitionKey = *patch.PartitionKey
		changed = true
	}
	if patch.StartedAt != nil {
		run.StartedAt = *patch.StartedAt
		changed = true
	}
	if patch.CompletedAt != nil {
		run.CompletedAt = *patch.CompletedAt
		changed = true
	}
	if patch.DurationMs != nil {
		run.DurationMs = *patch.DurationMs
		changed = true
	}
	return changed, statusChanged
}

func runEventData(run *workflow.Run) map[string]any {
	data := map[string]any{
		"workflowRunId":        run.ID,
		"workflowDefinitionId": run.WorkflowDefinitionID,
		"status":               string(run.Status),
	}
	if run.ErrorMessage != "" {
		data["errorMessage"] = run.ErrorMessage
	}
	if run.Metrics != nil {
		data["totalSteps"] = float64(run.Metrics.TotalSteps)
		data["completedSteps"] = float64(run.Metrics.CompletedSteps)
	}
	return data
}

func scanRun(row pgx.Row) (*workflow.Run, error) {
	var (
		run                                       workflow.Run
		params, contextRaw, output, metrics, trig []byte
		status                                    string
		startedAt, completedAt                    *time.Time
	)
	if err := row.Scan(&run.ID, &run.WorkflowDefinitionID, &status, &params, &contextRaw,
		&output, &run.ErrorMessage, &run.CurrentStepID, &run.CurrentStepIndex, &metrics,
		&run.TriggeredBy, &trig, &run.PartitionKey, &run.RunKey, &run.RunKeyNormalized,
		&startedAt, &completedAt, &run.DurationMs, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.Status = workflow.RunStatus(status)
	run.Parameters = decodeJSON(params)
	run.Context = decodeJSON(contextRaw)
	run.Output = decodeJSON(output)
	run.Trigger = decodeJSON(trig)
	run.StartedAt = startedAt
	run.CompletedAt = completedAt
	if err := decodeJSONInto(metrics, &run.Metrics); err != nil {
		return nil, fmt.Errorf("decode run metrics: %w", err)
	}
	return &run, nil
}

// isUniqueViolation matches a Postgres unique violation on the given
// constraint or index name.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}

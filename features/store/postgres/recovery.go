package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"goa.design/flow/workflow"
)

const recoveryColumns = `id, asset_id, partition_key, partition_key_normalized,
	workflow_definition_id, status, recovery_workflow_run_id,
	requested_by_workflow_run_id, requested_by_workflow_run_step_id, attempts,
	last_attempt_at, last_error, metadata, completed_at, created_at, updated_at`

// EnsureRecoveryRequest upserts a request by (assetId, partitionKey): an
// active row is adopted, otherwise a fresh pending row is created. The
// boolean reports creation.
func (s *Store) EnsureRecoveryRequest(ctx context.Context, input workflow.RecoveryRequestInput) (*workflow.RecoveryRequest, bool, error) {
	assetKey := workflow.NormalizeAssetKey(input.AssetID)
	partNorm := workflow.NormalizePartitionKey(input.PartitionKey)

	var req *workflow.RecoveryRequest
	var created bool
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT `+recoveryColumns+` FROM workflow_recovery_requests
			WHERE asset_key = $1 AND partition_key_normalized = $2
			  AND status IN ('pending', 'running')
			FOR UPDATE`, assetKey, partNorm)
		existing, err := scanRecoveryRequest(row)
		if err == nil {
			req = existing
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		now := s.now().UTC()
		fresh := &workflow.RecoveryRequest{
			ID:                           uuid.NewString(),
			AssetID:                      workflow.NormalizeAssetID(input.AssetID),
			PartitionKey:                 input.PartitionKey,
			PartitionKeyNormalized:       partNorm,
			WorkflowDefinitionID:         input.WorkflowDefinitionID,
			Status:                       workflow.RecoveryPending,
			RequestedByWorkflowRunID:     input.RequestedByWorkflowRunID,
			RequestedByWorkflowRunStepID: input.RequestedByWorkflowRunStepID,
			Metadata:                     input.Metadata,
			CreatedAt:                    now,
			UpdatedAt:                    now,
		}
		metadata, err := encodeJSON(fresh.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO workflow_recovery_requests
				(id, asset_id, asset_key, partition_key, partition_key_normalized,
				 workflow_definition_id, status, requested_by_workflow_run_id,
				 requested_by_workflow_run_step_id, metadata, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, nullif($8, ''), nullif($9, ''), $10, $11, $11)`,
			fresh.ID, fresh.AssetID, assetKey, fresh.PartitionKey, partNorm,
			fresh.WorkflowDefinitionID, string(fresh.Status), fresh.RequestedByWorkflowRunID,
			fresh.RequestedByWorkflowRunStepID, metadata, now); err != nil {
			return err
		}
		req = fresh
		created = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("ensure recovery request: %w", err)
	}
	return req, created, nil
}

// GetRecoveryRequest loads a request by id.
func (s *Store) GetRecoveryRequest(ctx context.Context, id string) (*workflow.RecoveryRequest, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recoveryColumns+` FROM workflow_recovery_requests WHERE id = $1`, id)
	req, err := scanRecoveryRequest(row)
	if err != nil {
		return nil, notFound(err, "recovery request", id)
	}
	return req, nil
}

// FindRecoveryRequestByRunID returns the request whose recovery run is the
// given run.
func (s *Store) FindRecoveryRequestByRunID(ctx context.Context, runID string) (*workflow.RecoveryRequest, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+recoveryColumns+` FROM workflow_recovery_requests
		WHERE recovery_workflow_run_id = $1
		ORDER BY created_at DESC LIMIT 1`, runID)
	req, err := scanRecoveryRequest(row)
	if err != nil {
		return nil, notFound(err, "recovery request for run", runID)
	}
	return req, nil
}

// UpdateRecoveryRequest applies a patch to a request under FOR UPDATE.
func (s *Store) UpdateRecoveryRequest(ctx context.Context, id string, patch workflow.RecoveryRequestPatch) (*workflow.RecoveryRequest, error) {
	var updated *workflow.RecoveryRequest
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+recoveryColumns+` FROM workflow_recovery_requests WHERE id = $1 FOR UPDATE`, id)
		req, err := scanRecoveryRequest(row)
		if err != nil {
			return notFound(err, "recovery request", id)
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
			req.LastAttemptAt = *patch.LastAttemptAt
		}
		if patch.LastError != nil {
			req.LastError = *patch.LastError
		}
		if patch.CompletedAt != nil {
			req.CompletedAt = *patch.CompletedAt
		}
		now := s.now().UTC()
		req.UpdatedAt = now
		if _, err := tx.Exec(ctx, `
			UPDATE workflow_recovery_requests SET
				status = $2, recovery_workflow_run_id = nullif($3, ''), attempts = $4,
				last_attempt_at = $5, last_error = $6, completed_at = $7, updated_at = $8
			WHERE id = $1`,
			req.ID, string(req.Status), req.RecoveryWorkflowRunID, req.Attempts,
			req.LastAttemptAt, req.LastError, req.CompletedAt, now); err != nil {
			return err
		}
		updated = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func scanRecoveryRequest(row pgx.Row) (*workflow.RecoveryRequest, error) {
	var (
		req                        workflow.RecoveryRequest
		status                     string
		recoveryRunID, reqByRun    *string
		reqByStep                  *string
		metadata                   []byte
	)
	if err := row.Scan(&req.ID, &req.AssetID, &req.PartitionKey, &req.PartitionKeyNormalized,
		&req.WorkflowDefinitionID, &status, &recoveryRunID, &reqByRun, &reqByStep,
		&req.Attempts, &req.LastAttemptAt, &req.LastError, &metadata, &req.CompletedAt,
		&req.CreatedAt, &req.UpdatedAt); err != nil {
		return nil, err
	}
	req.Status = workflow.RecoveryStatus(status)
	if recoveryRunID != nil {
		req.RecoveryWorkflowRunID = *recoveryRunID
	}
	if reqByRun != nil {
		req.RequestedByWorkflowRunID = *reqByRun
	}
	if reqByStep != nil {
		req.RequestedByWorkflowRunStepID = *reqByStep
	}
	req.Metadata = decodeJSON(metadata)
	return &req, nil
}

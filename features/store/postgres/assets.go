package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"goa.design/flow/workflow"
)

// RecordStepAssets replaces the asset rows of a step record and captures the
// run's parameters per partition, in one transaction.
func (s *Store) RecordStepAssets(ctx context.Context, definitionID, runID, stepRecordID, stepID string, assets []*workflow.RunStepAsset) ([]*workflow.RunStepAsset, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM workflow_run_step_assets WHERE workflow_run_step_id = $1`, stepRecordID); err != nil {
			return err
		}
		for _, asset := range assets {
			if asset.ID == "" {
				asset.ID = uuid.NewString()
			}
			asset.WorkflowDefinitionID = definitionID
			asset.WorkflowRunID = runID
			asset.WorkflowRunStepID = stepRecordID
			asset.StepID = stepID
			asset.CreatedAt = now
			asset.UpdatedAt = now
			payload, err := encodeJSON(asset.Payload)
			if err != nil {
				return err
			}
			schemaRaw, err := encodeJSON(asset.Schema)
			if err != nil {
				return err
			}
			freshness, err := encodeJSON(asset.Freshness)
			if err != nil {
				return err
			}
			assetKey := workflow.NormalizeAssetKey(asset.AssetID)
			partNorm := workflow.NormalizePartitionKey(asset.PartitionKey)
			if _, err := tx.Exec(ctx, `
				INSERT INTO workflow_run_step_assets
					(id, workflow_definition_id, workflow_run_id, workflow_run_step_id,
					 step_id, asset_id, asset_key, payload, schema, freshness,
					 partition_key, partition_key_normalized, produced_at, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)`,
				asset.ID, definitionID, runID, stepRecordID,
				stepID, asset.AssetID, assetKey, payload, schemaRaw, freshness,
				asset.PartitionKey, partNorm, asset.ProducedAt.UTC(), now); err != nil {
				return err
			}
			params, err := encodeJSON(run.Parameters)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO workflow_partition_parameters
					(workflow_definition_id, asset_key, partition_key_normalized,
					 partition_key, parameters, captured_at)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (workflow_definition_id, asset_key, partition_key_normalized)
				DO UPDATE SET partition_key = EXCLUDED.partition_key,
					parameters = EXCLUDED.parameters, captured_at = EXCLUDED.captured_at`,
				definitionID, assetKey, partNorm, asset.PartitionKey, params, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record step assets: %w", err)
	}
	return assets, nil
}

// ClearStalePartition removes the stale flag of an asset partition.
func (s *Store) ClearStalePartition(ctx context.Context, definitionID, assetID, partitionKey string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM workflow_stale_partitions
		WHERE workflow_definition_id = $1 AND asset_id = $2 AND partition_key_normalized = $3`,
		definitionID, workflow.NormalizeAssetID(assetID), workflow.NormalizePartitionKey(partitionKey))
	return err
}

// MarkStalePartition records an asset partition as stale.
func (s *Store) MarkStalePartition(ctx context.Context, flag workflow.StalePartition) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_stale_partitions
			(workflow_definition_id, asset_id, partition_key, partition_key_normalized,
			 requested_at, requested_by, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (workflow_definition_id, asset_id, partition_key_normalized)
		DO UPDATE SET requested_at = EXCLUDED.requested_at,
			requested_by = EXCLUDED.requested_by, note = EXCLUDED.note`,
		flag.WorkflowDefinitionID, flag.AssetID, flag.PartitionKey,
		flag.PartitionKeyNormalized, flag.RequestedAt.UTC(), flag.RequestedBy, flag.Note)
	return err
}

// GetPartitionParameters returns the parameters captured when the asset
// partition was last produced.
func (s *Store) GetPartitionParameters(ctx context.Context, definitionID, assetID, partitionKeyNormalized string) (*workflow.PartitionParameters, error) {
	var (
		pp     workflow.PartitionParameters
		params []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT workflow_definition_id, asset_key, partition_key_normalized,
			partition_key, parameters, captured_at
		FROM workflow_partition_parameters
		WHERE workflow_definition_id = $1 AND asset_key = $2 AND partition_key_normalized = $3`,
		definitionID, workflow.NormalizeAssetKey(assetID), partitionKeyNormalized).
		Scan(&pp.WorkflowDefinitionID, &pp.AssetID, &pp.PartitionKeyNormalized,
			&pp.PartitionKey, &params, &pp.CapturedAt)
	if err != nil {
		return nil, notFound(err, "partition parameters for", assetID)
	}
	pp.Parameters = decodeJSON(params)
	return &pp, nil
}

package workflow

import "time"

type (
	// RunStepAsset is a persisted asset produced by one step execution. At
	// most one row exists per (workflowRunStepId, assetId, partitionKey).
	RunStepAsset struct {
		ID                   string
		WorkflowDefinitionID string
		WorkflowRunID        string
		WorkflowRunStepID    string
		StepID               string
		AssetID              string
		Payload              any
		Schema               map[string]any
		Freshness            *AssetFreshness
		PartitionKey         string
		ProducedAt           time.Time
		CreatedAt            time.Time
		UpdatedAt            time.Time
	}

	// StalePartition marks an asset partition as needing reproduction.
	// Primary key is (workflowDefinitionId, assetId normalized, partition
	// key normalized).
	StalePartition struct {
		WorkflowDefinitionID   string
		AssetID                string
		PartitionKey           string
		PartitionKeyNormalized string
		RequestedAt            time.Time
		RequestedBy            string
		Note                   string
	}

	// PartitionParameters remembers the run parameters that produced an
	// asset partition, so recovery runs can replay them.
	PartitionParameters struct {
		WorkflowDefinitionID   string
		AssetID                string
		PartitionKeyNormalized string
		PartitionKey           string
		Parameters             any
		CapturedAt             time.Time
	}

	// RecoveryStatus is the lifecycle of an asset recovery request.
	RecoveryStatus string

	// RecoveryRequest is a durable request to reproduce a missing asset by
	// running its producer workflow. At most one row is active (pending or
	// running) per (assetId, partitionKeyNormalized).
	RecoveryRequest struct {
		ID                          string
		AssetID                     string
		PartitionKeyNormalized      string
		PartitionKey                string
		WorkflowDefinitionID        string
		Status                      RecoveryStatus
		RecoveryWorkflowRunID       string
		RequestedByWorkflowRunID    string
		RequestedByWorkflowRunStepID string
		Attempts                    int
		LastAttemptAt               *time.Time
		LastError                   string
		Metadata                    any
		CompletedAt                 *time.Time
		CreatedAt                   time.Time
		UpdatedAt                   time.Time
	}

	// RecoveryRequestInput creates or adopts a recovery request.
	RecoveryRequestInput struct {
		AssetID                     string
		PartitionKey                string
		WorkflowDefinitionID        string
		RequestedByWorkflowRunID    string
		RequestedByWorkflowRunStepID string
		Metadata                    any
	}

	// RecoveryRequestPatch updates a recovery request.
	RecoveryRequestPatch struct {
		Status                *RecoveryStatus
		RecoveryWorkflowRunID *string
		Attempts              *int
		LastAttemptAt         **time.Time
		LastError             *string
		CompletedAt           **time.Time
	}
)

const (
	RecoveryPending   RecoveryStatus = "pending"
	RecoveryRunning   RecoveryStatus = "running"
	RecoverySucceeded RecoveryStatus = "succeeded"
	RecoveryFailed    RecoveryStatus = "failed"
)

// Terminal reports whether the recovery status is terminal.
func (s RecoveryStatus) Terminal() bool {
	return s == RecoverySucceeded || s == RecoveryFailed
}

// AssetKey is the queue identity of an asset partition: definition, asset id
// and partition key in normalized form, colon-joined. Expiry jobs are keyed
// by reason plus this value so at most one job per reason is scheduled.
func AssetKey(defID, assetID, partitionKey string) string {
	return defID + ":" + NormalizeAssetKey(assetID) + ":" + NormalizePartitionKey(partitionKey)
}

// RecoveryRunKey derives the run key used for asset recovery runs.
func RecoveryRunKey(assetID, partitionKey string) string {
	return "asset-recovery:" + NormalizeAssetKey(assetID) + ":" + NormalizePartitionKey(partitionKey)
}

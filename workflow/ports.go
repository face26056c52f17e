package workflow

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

type (
	// Repository is the transactional persistence port. Every multi-row
	// mutation executes in a single transaction; updates take a row lock
	// before applying their patch. Implementations report failures through
	// the error kinds in errors.go.
	Repository interface {
		// CreateDefinition validates and persists a definition, replacing
		// its asset declarations in the same transaction.
		CreateDefinition(ctx context.Context, def *Definition) (*Definition, error)
		// GetDefinition loads a definition by id.
		GetDefinition(ctx context.Context, id string) (*Definition, error)
		// GetDefinitionBySlug loads the latest version of a definition.
		GetDefinitionBySlug(ctx context.Context, slug string) (*Definition, error)
		// FindProducerDefinitionID returns the id of a definition declaring
		// the asset as produced, preferring provenance (the definition that
		// most recently produced the asset partition) over a declaration
		// scan.
		FindProducerDefinitionID(ctx context.Context, assetID, partitionKeyNormalized string) (string, error)

		// CreateRun persists a new pending run. It rejects with a run-key
		// ConflictError when an active run exists for the same normalized
		// run key, and validates parameters against the definition's
		// parameters schema when one is declared.
		CreateRun(ctx context.Context, definitionID string, input RunCreateInput) (*Run, error)
		// GetRun loads a run by id.
		GetRun(ctx context.Context, id string) (*Run, error)
		// FindActiveRunByKey returns the non-terminal run holding the run
		// key, if any.
		FindActiveRunByKey(ctx context.Context, definitionID, runKeyNormalized string) (*Run, error)
		// UpdateRun applies a patch under a row lock and emits
		// workflow.run.updated (plus workflow.run.<status>) when an
		// observable field changed.
		UpdateRun(ctx context.Context, id string, patch RunPatch) (*Run, error)

		// CreateRunStep persists a new step record.
		CreateRunStep(ctx context.Context, input RunStepCreateInput) (*RunStep, error)
		// GetRunStep loads a step record by id.
		GetRunStep(ctx context.Context, id string) (*RunStep, error)
		// FindRunStep loads the step record for (runID, stepID), if any.
		FindRunStep(ctx context.Context, runID, stepID string) (*RunStep, error)
		// ListRunSteps returns all step records of a run.
		ListRunSteps(ctx context.Context, runID string) ([]*RunStep, error)
		// UpdateRunStep applies a patch under a row lock. Retry-state
		// transitions are enforced: scheduled requires a next-attempt
		// timestamp.
		UpdateRunStep(ctx context.Context, id string, patch RunStepPatch) (*RunStep, error)
		// FindStaleRunSteps returns refs of running steps on running runs
		// whose last heartbeat (or startedAt when never beaten) is older
		// than cutoff.
		FindStaleRunSteps(ctx context.Context, cutoff time.Time, limit int) ([]StaleStepRef, error)

		// RecordStepAssets replaces the assets of a step record and upserts
		// partition parameters from the run's parameters, in one
		// transaction.
		RecordStepAssets(ctx context.Context, definitionID, runID, stepRecordID, stepID string, assets []*RunStepAsset) ([]*RunStepAsset, error)
		// ClearStalePartition removes the stale flag of an asset partition.
		ClearStalePartition(ctx context.Context, definitionID, assetID, partitionKey string) error
		// MarkStalePartition records an asset partition as stale.
		MarkStalePartition(ctx context.Context, flag StalePartition) error
		// GetPartitionParameters returns the parameters captured when the
		// asset partition was last produced.
		GetPartitionParameters(ctx context.Context, definitionID, assetID, partitionKeyNormalized string) (*PartitionParameters, error)

		// ListDueSchedules returns active schedules with nextRunAt <= now,
		// oldest first, joined with their definitions.
		ListDueSchedules(ctx context.Context, limit int, now time.Time) ([]*DueSchedule, error)
		// GetSchedule loads a schedule by id.
		GetSchedule(ctx context.Context, id string) (*Schedule, error)
		// UpdateScheduleMetadata applies scheduler-owned metadata under an
		// optimistic updatedAt check, returning a ConflictError on
		// mismatch.
		UpdateScheduleMetadata(ctx context.Context, id string, patch ScheduleMetadataPatch) (*Schedule, error)

		// EnsureRecoveryRequest upserts a request by (assetId, partition
		// key), adopting an existing active row. The boolean reports
		// whether a new pending row was created.
		EnsureRecoveryRequest(ctx context.Context, input RecoveryRequestInput) (*RecoveryRequest, bool, error)
		// GetRecoveryRequest loads a request by id.
		GetRecoveryRequest(ctx context.Context, id string) (*RecoveryRequest, error)
		// FindRecoveryRequestByRunID returns the request whose recovery run
		// is the given run, if any.
		FindRecoveryRequestByRunID(ctx context.Context, runID string) (*RecoveryRequest, error)
		// UpdateRecoveryRequest applies a patch to a request.
		UpdateRecoveryRequest(ctx context.Context, id string, patch RecoveryRequestPatch) (*RecoveryRequest, error)

		// AppendHistory appends an audit event.
		AppendHistory(ctx context.Context, entry RunHistoryEntry) error

		// TryAdvisoryLock acquires a process-exclusive advisory lock. It
		// returns false without blocking when the lock is held elsewhere;
		// the release func must be called when acquired.
		TryAdvisoryLock(ctx context.Context, key string) (release func(), acquired bool, err error)
	}

	// RunJob is the payload of the workflow.run queue.
	RunJob struct {
		WorkflowRunID string `json:"workflowRunId"`
		RunKey        string `json:"runKey,omitempty"`
	}

	// RetryJob is the delayed variant of a run job, recognized by job name.
	RetryJob struct {
		WorkflowRunID string `json:"workflowRunId"`
		StepID        string `json:"stepId,omitempty"`
		Attempts      int    `json:"attempts,omitempty"`
		RunKey        string `json:"runKey,omitempty"`
	}

	// ExpiryReason distinguishes asset expiry triggers.
	ExpiryReason string

	// ExpiryJob is the payload of the asset.expiry queue. Asset carries the
	// produced metadata replayed in the asset.expired event.
	ExpiryJob struct {
		AssetKey    string       `json:"assetKey"`
		Reason      ExpiryReason `json:"reason"`
		RequestedAt time.Time    `json:"requestedAt"`
		ExpiresAt   time.Time    `json:"expiresAt"`
		Asset       any          `json:"asset"`
	}

	// Queue is the job transport port. Enqueue operations are idempotent on
	// job id: re-adding an existing pending id is a no-op.
	Queue interface {
		// EnqueueRun adds an immediate run job.
		EnqueueRun(ctx context.Context, job RunJob) error
		// ScheduleRetry adds a delayed retry job that re-enqueues the run
		// at runAt.
		ScheduleRetry(ctx context.Context, job RetryJob, runAt time.Time) error
		// ScheduleAssetExpiry adds a delayed expiry job keyed by
		// reason:assetKey.
		ScheduleAssetExpiry(ctx context.Context, job ExpiryJob, delay time.Duration) error
		// CancelJob removes a pending job by id. Unknown ids are a no-op.
		CancelJob(ctx context.Context, id string) error
	}

	// JobRunStatus is the lifecycle state of an external job run.
	JobRunStatus string

	// JobRun is the external job runner's execution record.
	JobRun struct {
		ID            string
		Status        JobRunStatus
		Result        any
		ErrorMessage  string
		FailureReason string
		LogsURL       string
		Metrics       any
		Context       any
		StartedAt     *time.Time
		CompletedAt   *time.Time
		Attempt       int
	}

	// JobRunInput configures a job-run submission.
	JobRunInput struct {
		Parameters  any
		TimeoutMs   *int64
		MaxAttempts *int
		Context     any
	}

	// JobRunner executes job steps through the external job infrastructure.
	JobRunner interface {
		// EnsureHandler lazily loads the handler for a job slug. Called
		// once per slug before the first submission.
		EnsureHandler(ctx context.Context, slug string) error
		// CreateJobRunForSlug submits a job run.
		CreateJobRunForSlug(ctx context.Context, slug string, input JobRunInput) (*JobRun, error)
		// ExecuteJobRun drives a job run to a terminal status.
		ExecuteJobRun(ctx context.Context, id string) (*JobRun, error)
	}

	// ServiceStatus is the registry's health assessment of a service.
	ServiceStatus string

	// Service is a registry entry for an invocable service.
	Service struct {
		Slug    string
		BaseURL string
		Status  ServiceStatus
	}

	// ServiceInvocation is a concrete HTTP request against a service.
	ServiceInvocation struct {
		Method  string
		Path    string
		Headers http.Header
		Body    []byte
	}

	// ServiceRegistry resolves and invokes catalog services.
	ServiceRegistry interface {
		// GetServiceBySlug returns the service entry, or nil when unknown.
		GetServiceBySlug(ctx context.Context, slug string) (*Service, error)
		// Fetch performs the HTTP invocation. The context carries the step
		// timeout.
		Fetch(ctx context.Context, svc *Service, inv ServiceInvocation) (*http.Response, error)
	}

	// SecretRef identifies a secret in the secret store.
	SecretRef struct {
		Source string `json:"source,omitempty"`
		Key    string `json:"key"`
		Version string `json:"version,omitempty"`
	}

	// SecretAccess describes the actor resolving a secret, for audit.
	SecretAccess struct {
		Actor     string
		ActorType string
		Metadata  map[string]string
	}

	// SecretStore resolves secret references for service-step headers.
	SecretStore interface {
		// Resolve returns the secret value, or empty when the reference
		// does not resolve.
		Resolve(ctx context.Context, ref SecretRef, access SecretAccess) (string, error)
		// Mask renders a value safe for storage in sanitized headers.
		Mask(value string) string
	}

	// Event is an emitted runtime event.
	Event struct {
		Type string
		Data any
	}

	// Events is the emission port for workflow lifecycle and asset events.
	Events interface {
		Emit(ctx context.Context, event Event)
	}
)

const (
	JobRunPending   JobRunStatus = "pending"
	JobRunRunning   JobRunStatus = "running"
	JobRunSucceeded JobRunStatus = "succeeded"
	JobRunFailed    JobRunStatus = "failed"
	JobRunCanceled  JobRunStatus = "canceled"
	JobRunExpired   JobRunStatus = "expired"
)

const (
	ServiceHealthy     ServiceStatus = "healthy"
	ServiceDegraded    ServiceStatus = "degraded"
	ServiceUnknown     ServiceStatus = "unknown"
	ServiceUnreachable ServiceStatus = "unreachable"
)

const (
	ExpiryTTL     ExpiryReason = "ttl"
	ExpiryCadence ExpiryReason = "cadence"
	ExpiryManual  ExpiryReason = "manual"
)

// Event types emitted by the runtime.
const (
	EventRunUpdated        = "workflow.run.updated"
	EventDefinitionUpdated = "workflow.definition.updated"
	EventAssetProduced     = "asset.produced"
	EventAssetExpired      = "asset.expired"
	EventAnalyticsSnapshot = "workflow.analytics.snapshot"
)

// RunStatusEventType derives the status-specific run event type.
func RunStatusEventType(status RunStatus) string {
	return "workflow.run." + string(status)
}

// RunJobID is the queue identity of a run job.
func RunJobID(runID string) string {
	return "workflow.run:" + runID
}

// RetryJobID is the queue identity of a retry job. It includes the attempt
// counter so distinct retries never collide while remaining idempotent for a
// given attempt.
func RetryJobID(runID, stepID string, attempts int) string {
	return fmt.Sprintf("workflow.retry:%s:%s:%d", runID, stepID, attempts)
}

// ExpiryJobID is the queue identity of an asset expiry job, ensuring at most
// one scheduled expiry per asset partition per reason.
func ExpiryJobID(reason ExpiryReason, assetKey string) string {
	return string(reason) + ":" + assetKey
}

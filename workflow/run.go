package workflow

import "time"

type (
	// RunStatus is the lifecycle state of a workflow run. Transitions are
	// pending -> running -> {succeeded, failed, canceled}.
	RunStatus string

	// StepStatus is the lifecycle state of a run step.
	StepStatus string

	// RetryState tracks whether a step has a retry pending, scheduled with a
	// concrete timestamp, or completed (no further retries).
	RetryState string

	// Run is a single execution of a workflow definition.
	Run struct {
		ID                   string
		WorkflowDefinitionID string
		Status               RunStatus
		Parameters           any
		Context              any
		Output               any
		ErrorMessage         string
		CurrentStepID        string
		CurrentStepIndex     *int
		Metrics              *RunMetrics
		TriggeredBy          string
		Trigger              any
		PartitionKey         string
		RunKey               string
		RunKeyNormalized     string
		StartedAt            *time.Time
		CompletedAt          *time.Time
		DurationMs           *int64
		CreatedAt            time.Time
		UpdatedAt            time.Time
	}

	// RunMetrics summarizes run progress.
	RunMetrics struct {
		TotalSteps     int `json:"totalSteps"`
		CompletedSteps int `json:"completedSteps"`
	}

	// RunStep is the persisted record of one step execution within a run.
	// Fan-out children carry ParentStepID, FanOutIndex and TemplateStepID.
	RunStep struct {
		ID             string
		WorkflowRunID  string
		StepID         string
		Status         StepStatus
		Attempt        int
		RetryCount     int
		RetryState     RetryState
		NextAttemptAt  *time.Time
		RetryMetadata  any
		JobRunID       string
		Input          any
		Output         any
		ErrorMessage   string
		FailureReason  string
		LogsURL        string
		Metrics        any
		Context        any
		StartedAt      *time.Time
		CompletedAt    *time.Time
		LastHeartbeatAt *time.Time
		ParentStepID   string
		FanOutIndex    *int
		TemplateStepID string
		ProducedAssets []string
		CreatedAt      time.Time
		UpdatedAt      time.Time
	}

	// RunCreateInput carries the caller-supplied fields of a new run.
	RunCreateInput struct {
		Parameters   any
		TriggeredBy  string
		Trigger      any
		PartitionKey string
		RunKey       string
	}

	// RunPatch is a partial update applied to a run under a row lock. Nil
	// pointer fields are left untouched.
	RunPatch struct {
		Status           *RunStatus
		Parameters       *any
		Context          *any
		Output           *any
		ErrorMessage     *string
		CurrentStepID    *string
		CurrentStepIndex *int
		Metrics          *RunMetrics
		PartitionKey     *string
		StartedAt        **time.Time
		CompletedAt      **time.Time
		DurationMs       **int64
	}

	// RunStepPatch is a partial update applied to a run step under a row
	// lock. Double pointers distinguish "leave alone" (nil) from "set to
	// null" (*p == nil).
	RunStepPatch struct {
		Status          *StepStatus
		Attempt         *int
		RetryCount      *int
		RetryState      *RetryState
		NextAttemptAt   **time.Time
		RetryMetadata   *any
		JobRunID        *string
		Input           *any
		Output          *any
		ErrorMessage    *string
		FailureReason   *string
		LogsURL         *string
		Metrics         *any
		Context         *any
		StartedAt       **time.Time
		CompletedAt     **time.Time
		LastHeartbeatAt **time.Time
		ProducedAssets  *[]string
	}

	// RunStepCreateInput carries the fields of a new run step record.
	RunStepCreateInput struct {
		WorkflowRunID  string
		StepID         string
		Status         StepStatus
		Attempt        int
		Input          any
		ParentStepID   string
		FanOutIndex    *int
		TemplateStepID string
	}
)

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

const (
	RetryPending   RetryState = "pending"
	RetryScheduled RetryState = "scheduled"
	RetryCompleted RetryState = "completed"
)

// Terminal reports whether the run status is terminal.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCanceled:
		return true
	}
	return false
}

// Active reports whether the run status counts against run-key uniqueness.
func (s RunStatus) Active() bool {
	return !s.Terminal()
}

// Terminal reports whether the step status is terminal.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped:
		return true
	}
	return false
}

// Failure reasons recorded on run steps.
const (
	FailureParameterResolution = "parameter_resolution_failed"
	FailureAssetMissing        = "asset_missing"
	FailureHeartbeatTimeout    = "heartbeat-timeout"
)

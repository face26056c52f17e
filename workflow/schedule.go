package workflow

import "time"

type (
	// Schedule attaches a cron expression to a workflow definition. The cron
	// scheduler materializes due occurrences into runs.
	Schedule struct {
		ID                     string
		WorkflowDefinitionID   string
		Name                   string
		Cron                   string
		Timezone               string
		Parameters             any
		StartWindow            *time.Time
		EndWindow              *time.Time
		CatchUp                bool
		IsActive               bool
		NextRunAt              *time.Time
		CatchupCursor          *time.Time
		LastMaterializedWindow *ScheduleWindow
		CreatedAt              time.Time
		UpdatedAt              time.Time
	}

	// ScheduleWindow is a half-open materialization window.
	ScheduleWindow struct {
		Start *time.Time `json:"start"`
		End   *time.Time `json:"end"`
	}

	// DueSchedule pairs a due schedule with its definition, as returned by
	// ListDueSchedules.
	DueSchedule struct {
		Schedule   *Schedule
		Definition *Definition
	}

	// ScheduleMetadataPatch updates scheduler-owned schedule fields. The
	// update applies only when the row's updatedAt still matches
	// ExpectedUpdatedAt (optimistic concurrency).
	ScheduleMetadataPatch struct {
		NextRunAt              **time.Time
		CatchupCursor          **time.Time
		LastMaterializedWindow **ScheduleWindow
		ExpectedUpdatedAt      time.Time
	}

	// RunHistoryEntry is an append-only audit event attached to a run and
	// optionally a step.
	RunHistoryEntry struct {
		ID            string
		WorkflowRunID string
		StepID        string
		EventType     string
		EventPayload  any
		CreatedAt     time.Time
	}

	// StaleStepRef identifies a running step whose heartbeat lapsed.
	StaleStepRef struct {
		WorkflowRunID string
		StepID        string
	}
)

// History event types appended by the runtime.
const (
	HistoryRunStatus          = "run.status"
	HistoryRunReschedule      = "run.reschedule"
	HistoryStepTimeout        = "step.timeout"
	HistoryStepRetryScheduled = "step.retry-scheduled"
	HistoryRecoveryRequested  = "recovery.requested"
)

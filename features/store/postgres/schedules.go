package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"goa.design/flow/workflow"
)

const scheduleColumns = `id, workflow_definition_id, name, cron, timezone, parameters,
	start_window, end_window, catch_up, is_active, next_run_at, catchup_cursor,
	last_materialized_window, created_at, updated_at`

// CreateSchedule persists a schedule. The first due time defaults to
// immediately so the sweep picks it up on the next tick.
func (s *Store) CreateSchedule(ctx context.Context, sched *workflow.Schedule) (*workflow.Schedule, error) {
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	now := s.now().UTC()
	sched.CreatedAt = now
	sched.UpdatedAt = now
	if sched.NextRunAt == nil {
		sched.NextRunAt = &now
	}
	params, err := encodeJSON(sched.Parameters)
	if err != nil {
		return nil, err
	}
	window, err := encodeJSON(sched.LastMaterializedWindow)
	if err != nil {
		return nil, err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_schedules
			(id, workflow_definition_id, name, cron, timezone, parameters,
			 start_window, end_window, catch_up, is_active, next_run_at,
			 catchup_cursor, last_materialized_window, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)`,
		sched.ID, sched.WorkflowDefinitionID, sched.Name, sched.Cron, sched.Timezone,
		params, sched.StartWindow, sched.EndWindow, sched.CatchUp, sched.IsActive,
		sched.NextRunAt, sched.CatchupCursor, window, now)
	if err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}
	return sched, nil
}

// ListDueSchedules returns active schedules with nextRunAt <= now, oldest
// first, joined with their definitions.
func (s *Store) ListDueSchedules(ctx context.Context, limit int, now time.Time) ([]*workflow.DueSchedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+prefixed(scheduleColumns, "s.")+`, `+prefixed(definitionColumns, "d.")+`
		FROM workflow_schedules s
		JOIN workflow_definitions d ON d.id = s.workflow_definition_id
		WHERE s.is_active AND s.next_run_at IS NOT NULL AND s.next_run_at <= $1
		ORDER BY s.next_run_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	defer rows.Close()
	var out []*workflow.DueSchedule
	for rows.Next() {
		due, err := scanDueSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, due)
	}
	return out, rows.Err()
}

// GetSchedule loads a schedule by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (*workflow.Schedule, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM workflow_schedules WHERE id = $1`, id)
	sched, err := scanSchedule(row)
	if err != nil {
		return nil, notFound(err, "schedule", id)
	}
	return sched, nil
}

// UpdateScheduleMetadata applies scheduler-owned fields under an optimistic
// updatedAt check.
func (s *Store) UpdateScheduleMetadata(ctx context.Context, id string, patch workflow.ScheduleMetadataPatch) (*workflow.Schedule, error) {
	var updated *workflow.Schedule
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+scheduleColumns+` FROM workflow_schedules WHERE id = $1 FOR UPDATE`, id)
		sched, err := scanSchedule(row)
		if err != nil {
			return notFound(err, "schedule", id)
		}
		if !sched.UpdatedAt.Equal(patch.ExpectedUpdatedAt) {
			return &workflow.ConflictError{
				Constraint: "schedule_updated_at",
				Message:    fmt.Sprintf("schedule %s was updated concurrently", id),
			}
		}
		if patch.NextRunAt != nil {
			sched.NextRunAt = *patch.NextRunAt
		}
		if patch.CatchupCursor != nil {
			sched.CatchupCursor = *patch.CatchupCursor
		}
		if patch.LastMaterializedWindow != nil {
			sched.LastMaterializedWindow = *patch.LastMaterializedWindow
		}
		now := s.now().UTC()
		sched.UpdatedAt = now
		window, err := encodeJSON(sched.LastMaterializedWindow)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE workflow_schedules SET
				next_run_at = $2, catchup_cursor = $3,
				last_materialized_window = $4, updated_at = $5
			WHERE id = $1`,
			sched.ID, sched.NextRunAt, sched.CatchupCursor, window, now); err != nil {
			return err
		}
		updated = sched
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AppendHistory appends an audit event.
func (s *Store) AppendHistory(ctx context.Context, entry workflow.RunHistoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	payload, err := encodeJSON(entry.EventPayload)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_run_history (id, workflow_run_id, step_id, event_type, event_payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.WorkflowRunID, entry.StepID, entry.EventType, payload, s.now().UTC())
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// ListHistory returns the audit trail of a run, oldest first.
func (s *Store) ListHistory(ctx context.Context, runID string) ([]*workflow.RunHistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_run_id, step_id, event_type, event_payload, created_at
		FROM workflow_run_history WHERE workflow_run_id = $1 ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()
	var out []*workflow.RunHistoryEntry
	for rows.Next() {
		var entry workflow.RunHistoryEntry
		var payload []byte
		if err := rows.Scan(&entry.ID, &entry.WorkflowRunID, &entry.StepID,
			&entry.EventType, &payload, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.EventPayload = decodeJSON(payload)
		out = append(out, &entry)
	}
	return out, rows.Err()
}

func scanSchedule(row pgx.Row) (*workflow.Schedule, error) {
	var (
		sched          workflow.Schedule
		params, window []byte
	)
	if err := row.Scan(&sched.ID, &sched.WorkflowDefinitionID, &sched.Name, &sched.Cron,
		&sched.Timezone, &params, &sched.StartWindow, &sched.EndWindow, &sched.CatchUp,
		&sched.IsActive, &sched.NextRunAt, &sched.CatchupCursor, &window,
		&sched.CreatedAt, &sched.UpdatedAt); err != nil {
		return nil, err
	}
	sched.Parameters = decodeJSON(params)
	if err := decodeJSONInto(window, &sched.LastMaterializedWindow); err != nil {
		return nil, fmt.Errorf("decode materialized window: %w", err)
	}
	return &sched, nil
}

func scanDueSchedule(rows pgx.Rows) (*workflow.DueSchedule, error) {
	var (
		sched                                                  workflow.Schedule
		def                                                    workflow.Definition
		params, window                                         []byte
		steps, triggers, paramsSchema, defaults, metadata, dag []byte
	)
	if err := rows.Scan(
		&sched.ID, &sched.WorkflowDefinitionID, &sched.Name, &sched.Cron,
		&sched.Timezone, &params, &sched.StartWindow, &sched.EndWindow, &sched.CatchUp,
		&sched.IsActive, &sched.NextRunAt, &sched.CatchupCursor, &window,
		&sched.CreatedAt, &sched.UpdatedAt,
		&def.ID, &def.Slug, &def.Version, &def.Name, &def.Description,
		&steps, &triggers, &paramsSchema, &defaults, &metadata, &dag,
		&def.CreatedAt, &def.UpdatedAt); err != nil {
		return nil, err
	}
	sched.Parameters = decodeJSON(params)
	if err := decodeJSONInto(window, &sched.LastMaterializedWindow); err != nil {
		return nil, err
	}
	if err := decodeJSONInto(steps, &def.Steps); err != nil {
		return nil, err
	}
	def.Triggers = decodeJSON(triggers)
	if err := decodeJSONInto(paramsSchema, &def.ParametersSchema); err != nil {
		return nil, err
	}
	def.DefaultParameters = decodeJSON(defaults)
	def.Metadata = decodeJSON(metadata)
	if err := decodeJSONInto(dag, &def.DAG); err != nil {
		return nil, err
	}
	return &workflow.DueSchedule{Schedule: &sched, Definition: &def}, nil
}

// prefixed qualifies every column in a comma-separated list with an alias.
func prefixed(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

package postgres

import (
	"context"
	"fmt"
)

// schema is the idempotent DDL for the workflow tables.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS workflow_definitions (
		id UUID PRIMARY KEY,
		slug TEXT NOT NULL,
		version INT NOT NULL DEFAULT 1,
		name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		steps JSONB NOT NULL,
		triggers JSONB,
		parameters_schema JSONB,
		default_parameters JSONB,
		metadata JSONB,
		dag JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (slug, version)
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_definition_assets (
		workflow_definition_id UUID NOT NULL REFERENCES workflow_definitions(id) ON DELETE CASCADE,
		step_id TEXT NOT NULL,
		asset_id TEXT NOT NULL,
		asset_key TEXT NOT NULL,
		direction TEXT NOT NULL,
		declaration JSONB NOT NULL,
		PRIMARY KEY (workflow_definition_id, step_id, asset_key, direction)
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_runs (
		id UUID PRIMARY KEY,
		workflow_definition_id UUID NOT NULL REFERENCES workflow_definitions(id),
		status TEXT NOT NULL,
		parameters JSONB,
		context JSONB,
		output JSONB,
		error_message TEXT NOT NULL DEFAULT '',
		current_step_id TEXT NOT NULL DEFAULT '',
		current_step_index INT,
		metrics JSONB,
		triggered_by TEXT NOT NULL DEFAULT '',
		trigger JSONB,
		partition_key TEXT NOT NULL DEFAULT '',
		run_key TEXT NOT NULL DEFAULT '',
		run_key_normalized TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		duration_ms BIGINT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS workflow_runs_active_run_key
		ON workflow_runs (workflow_definition_id, run_key_normalized)
		WHERE run_key_normalized <> '' AND status IN ('pending', 'running')`,
	`CREATE INDEX IF NOT EXISTS workflow_runs_status ON workflow_runs (status)`,
	`CREATE TABLE IF NOT EXISTS workflow_run_steps (
		id UUID PRIMARY KEY,
		workflow_run_id UUID NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
		step_id TEXT NOT NULL,
		status TEXT NOT NULL,
		attempt INT NOT NULL DEFAULT 1,
		retry_count INT NOT NULL DEFAULT 0,
		retry_state TEXT NOT NULL DEFAULT 'pending',
		next_attempt_at TIMESTAMPTZ,
		retry_metadata JSONB,
		job_run_id TEXT NOT NULL DEFAULT '',
		input JSONB,
		output JSONB,
		error_message TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		logs_url TEXT NOT NULL DEFAULT '',
		metrics JSONB,
		context JSONB,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		last_heartbeat_at TIMESTAMPTZ,
		parent_step_id TEXT NOT NULL DEFAULT '',
		fan_out_index INT,
		template_step_id TEXT NOT NULL DEFAULT '',
		produced_assets JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (workflow_run_id, step_id)
	)`,
	`CREATE INDEX IF NOT EXISTS workflow_run_steps_heartbeat
		ON workflow_run_steps (status, last_heartbeat_at)
		WHERE status = 'running'`,
	`CREATE TABLE IF NOT EXISTS workflow_run_step_assets (
		id UUID PRIMARY KEY,
		workflow_definition_id UUID NOT NULL,
		workflow_run_id UUID NOT NULL,
		workflow_run_step_id UUID NOT NULL REFERENCES workflow_run_steps(id) ON DELETE CASCADE,
		step_id TEXT NOT NULL,
		asset_id TEXT NOT NULL,
		asset_key TEXT NOT NULL,
		payload JSONB,
		schema JSONB,
		freshness JSONB,
		partition_key TEXT NOT NULL DEFAULT '',
		partition_key_normalized TEXT NOT NULL DEFAULT '',
		produced_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (workflow_run_step_id, asset_key, partition_key_normalized)
	)`,
	`CREATE INDEX IF NOT EXISTS workflow_run_step_assets_lookup
		ON workflow_run_step_assets (asset_key, partition_key_normalized, produced_at DESC)`,
	`CREATE TABLE IF NOT EXISTS workflow_stale_partitions (
		workflow_definition_id UUID NOT NULL,
		asset_id TEXT NOT NULL,
		partition_key TEXT NOT NULL DEFAULT '',
		partition_key_normalized TEXT NOT NULL DEFAULT '',
		requested_at TIMESTAMPTZ NOT NULL,
		requested_by TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (workflow_definition_id, asset_id, partition_key_normalized)
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_partition_parameters (
		workflow_definition_id UUID NOT NULL,
		asset_key TEXT NOT NULL,
		partition_key_normalized TEXT NOT NULL DEFAULT '',
		partition_key TEXT NOT NULL DEFAULT '',
		parameters JSONB,
		captured_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (workflow_definition_id, asset_key, partition_key_normalized)
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_schedules (
		id UUID PRIMARY KEY,
		workflow_definition_id UUID NOT NULL REFERENCES workflow_definitions(id),
		name TEXT NOT NULL DEFAULT '',
		cron TEXT NOT NULL,
		timezone TEXT NOT NULL DEFAULT '',
		parameters JSONB,
		start_window TIMESTAMPTZ,
		end_window TIMESTAMPTZ,
		catch_up BOOLEAN NOT NULL DEFAULT false,
		is_active BOOLEAN NOT NULL DEFAULT true,
		next_run_at TIMESTAMPTZ,
		catchup_cursor TIMESTAMPTZ,
		last_materialized_window JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS workflow_schedules_due
		ON workflow_schedules (next_run_at) WHERE is_active`,
	`CREATE TABLE IF NOT EXISTS workflow_recovery_requests (
		id UUID PRIMARY KEY,
		asset_id TEXT NOT NULL,
		asset_key TEXT NOT NULL,
		partition_key TEXT NOT NULL DEFAULT '',
		partition_key_normalized TEXT NOT NULL DEFAULT '',
		workflow_definition_id UUID NOT NULL,
		status TEXT NOT NULL,
		recovery_workflow_run_id UUID,
		requested_by_workflow_run_id UUID,
		requested_by_workflow_run_step_id UUID,
		attempts INT NOT NULL DEFAULT 0,
		last_attempt_at TIMESTAMPTZ,
		last_error TEXT NOT NULL DEFAULT '',
		metadata JSONB,
		completed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS workflow_recovery_requests_active
		ON workflow_recovery_requests (asset_key, partition_key_normalized)
		WHERE status IN ('pending', 'running')`,
	`CREATE TABLE IF NOT EXISTS workflow_run_history (
		id UUID PRIMARY KEY,
		workflow_run_id UUID NOT NULL,
		step_id TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL,
		event_payload JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS workflow_run_history_run
		ON workflow_run_history (workflow_run_id, created_at)`,
}

// Migrate applies the schema. Statements are idempotent so Migrate is safe
// to run on every startup.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

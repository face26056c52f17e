package assets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/log"

	"goa.design/flow/jsonval"
	"goa.design/flow/workflow"
)

type (
	// Options configures the asset manager.
	Options struct {
		// Repository persists asset rows and stale flags. Required.
		Repository workflow.Repository
		// Queue schedules asset-expiry jobs. Required.
		Queue workflow.Queue
		// Events receives asset.produced / asset.expired emissions.
		Events workflow.Events
		// Now overrides the clock (tests).
		Now func() time.Time
	}

	// Manager persists produced assets and keeps their freshness machinery
	// running: at most one scheduled expiry job per asset partition per
	// reason, stale flags cleared on reproduction.
	Manager struct {
		repo   workflow.Repository
		queue  workflow.Queue
		events workflow.Events
		now    func() time.Time
	}
)

// NewManager builds a Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Repository == nil {
		return nil, errors.New("repository is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("queue is required")
	}
	m := &Manager{
		repo:   opts.Repository,
		queue:  opts.Queue,
		events: opts.Events,
		now:    time.Now,
	}
	if opts.Now != nil {
		m.now = opts.Now
	}
	return m, nil
}

// PersistProducedAssets extracts declared assets from a successful step
// result, replaces the step's asset rows, schedules freshness expiry and
// clears stale flags. It returns the persisted rows.
func (m *Manager) PersistProducedAssets(ctx context.Context, run *workflow.Run, step *workflow.StepDef, rec *workflow.RunStep, result any) ([]*workflow.RunStepAsset, error) {
	extracted, err := ExtractProducedAssets(step, run, rec, result, m.now())
	if err != nil {
		return nil, err
	}
	if len(extracted) == 0 {
		return nil, nil
	}
	persisted, err := m.repo.RecordStepAssets(ctx, run.WorkflowDefinitionID, run.ID, rec.ID, step.ID, extracted)
	if err != nil {
		return nil, fmt.Errorf("record step assets: %w", err)
	}
	for _, asset := range persisted {
		m.scheduleExpiry(ctx, asset)
		if err := m.repo.ClearStalePartition(ctx, asset.WorkflowDefinitionID, asset.AssetID, asset.PartitionKey); err != nil {
			log.Errorf(ctx, err, "clear stale partition for asset %s", asset.AssetID)
		}
		m.emit(ctx, workflow.EventAssetProduced, assetEventData(asset))
	}
	return persisted, nil
}

// scheduleExpiry cancels any scheduled expiry for the asset partition and
// re-schedules per declared freshness. Job ids are reason:assetKey so
// re-scheduling stays idempotent.
func (m *Manager) scheduleExpiry(ctx context.Context, asset *workflow.RunStepAsset) {
	key := workflow.AssetKey(asset.WorkflowDefinitionID, asset.AssetID, asset.PartitionKey)
	for _, reason := range []workflow.ExpiryReason{workflow.ExpiryTTL, workflow.ExpiryCadence} {
		if err := m.queue.CancelJob(ctx, workflow.ExpiryJobID(reason, key)); err != nil {
			log.Errorf(ctx, err, "cancel %s expiry for %s", reason, key)
		}
	}
	if asset.Freshness == nil {
		return
	}
	now := m.now()
	schedule := func(reason workflow.ExpiryReason, ms int64) {
		if ms <= 0 {
			return
		}
		delay := time.Duration(ms) * time.Millisecond
		job := workflow.ExpiryJob{
			AssetKey:    key,
			Reason:      reason,
			RequestedAt: now.UTC(),
			ExpiresAt:   now.Add(delay).UTC(),
			Asset:       assetEventData(asset),
		}
		if err := m.queue.ScheduleAssetExpiry(ctx, job, delay); err != nil {
			log.Errorf(ctx, err, "schedule %s expiry for %s", reason, key)
		}
	}
	if asset.Freshness.TTLMs != nil {
		schedule(workflow.ExpiryTTL, *asset.Freshness.TTLMs)
	}
	if asset.Freshness.CadenceMs != nil {
		schedule(workflow.ExpiryCadence, *asset.Freshness.CadenceMs)
	}
}

// HandleExpiry processes a fired asset-expiry job: it emits asset.expired
// with the original produced metadata and flags the partition stale so the
// catalog can drive reproduction.
func (m *Manager) HandleExpiry(ctx context.Context, job workflow.ExpiryJob) error {
	data := map[string]any{
		"assetKey":    job.AssetKey,
		"reason":      string(job.Reason),
		"requestedAt": job.RequestedAt.UTC().Format(time.RFC3339),
		"expiresAt":   job.ExpiresAt.UTC().Format(time.RFC3339),
		"asset":       jsonval.Normalize(job.Asset),
	}
	m.emit(ctx, workflow.EventAssetExpired, data)

	obj, ok := jsonval.AsObject(jsonval.Normalize(job.Asset))
	if !ok {
		return nil
	}
	defID, _ := obj["workflowDefinitionId"].(string)
	assetID, _ := obj["assetId"].(string)
	partitionKey, _ := obj["partitionKey"].(string)
	if defID == "" || assetID == "" {
		return nil
	}
	flag := workflow.StalePartition{
		WorkflowDefinitionID:   defID,
		AssetID:                workflow.NormalizeAssetID(assetID),
		PartitionKey:           partitionKey,
		PartitionKeyNormalized: workflow.NormalizePartitionKey(partitionKey),
		RequestedAt:            m.now().UTC(),
		RequestedBy:            "asset-expiry",
		Note:                   fmt.Sprintf("expired (%s)", job.Reason),
	}
	if err := m.repo.MarkStalePartition(ctx, flag); err != nil {
		return fmt.Errorf("mark stale partition: %w", err)
	}
	return nil
}

func (m *Manager) emit(ctx context.Context, typ string, data any) {
	if m.events == nil {
		return
	}
	m.events.Emit(ctx, workflow.Event{Type: typ, Data: data})
}

// assetEventData renders the persisted asset row as event payload.
func assetEventData(asset *workflow.RunStepAsset) map[string]any {
	return map[string]any{
		"workflowDefinitionId": asset.WorkflowDefinitionID,
		"workflowRunId":        asset.WorkflowRunID,
		"workflowRunStepId":    asset.WorkflowRunStepID,
		"stepId":               asset.StepID,
		"assetId":              asset.AssetID,
		"partitionKey":         asset.PartitionKey,
		"producedAt":           asset.ProducedAt.UTC().Format(time.RFC3339),
		"payload":              jsonval.Normalize(asset.Payload),
		"freshness":            jsonval.Normalize(asset.Freshness),
	}
}

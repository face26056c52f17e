package assets

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/flow/workflow"
)

var extractNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func producingStep(decls ...*workflow.AssetDeclaration) *workflow.StepDef {
	return &workflow.StepDef{Kind: workflow.StepKindJob, ID: "build", JobSlug: "build", Produces: decls}
}

func extractFixture() (*workflow.Run, *workflow.RunStep) {
	run := &workflow.Run{ID: "run-1", WorkflowDefinitionID: "def-1"}
	rec := &workflow.RunStep{ID: "rec-1", WorkflowRunID: "run-1", StepID: "build"}
	return run, rec
}

func TestExtractArrayOfEntries(t *testing.T) {
	step := producingStep(
		&workflow.AssetDeclaration{AssetID: "Orders"},
		&workflow.AssetDeclaration{AssetID: "Refunds"},
	)
	run, rec := extractFixture()
	result := []any{
		map[string]any{"assetId": "orders", "payload": map[string]any{"rows": float64(5)}},
		map[string]any{"assetId": "Refunds", "rows": float64(2)},
		map[string]any{"assetId": "Undeclared", "payload": "x"},
		"not an object",
	}

	out, err := ExtractProducedAssets(step, run, rec, result, extractNow)
	require.NoError(t, err)
	require.Len(t, out, 2)

	// Storage preserves the declared casing regardless of the result's.
	require.Equal(t, "Orders", out[0].AssetID)
	require.Equal(t, map[string]any{"rows": float64(5)}, out[0].Payload)
	require.Equal(t, "run-1", out[0].WorkflowRunID)
	require.Equal(t, extractNow, out[0].ProducedAt)

	// Without an explicit payload the remaining keys become one.
	require.Equal(t, "Refunds", out[1].AssetID)
	require.Equal(t, map[string]any{"rows": float64(2)}, out[1].Payload)
}

func TestExtractSingleEntryObject(t *testing.T) {
	step := producingStep(&workflow.AssetDeclaration{AssetID: "Orders"})
	run, rec := extractFixture()
	producedAt := extractNow.Add(-time.Hour)
	result := map[string]any{
		"assetId":    "Orders",
		"payload":    map[string]any{"count": float64(3)},
		"producedAt": producedAt.Format(time.RFC3339),
	}

	out, err := ExtractProducedAssets(step, run, rec, result, extractNow)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, producedAt, out[0].ProducedAt)
}

func TestExtractAssetsWrapper(t *testing.T) {
	step := producingStep(&workflow.AssetDeclaration{AssetID: "Orders"})
	run, rec := extractFixture()
	result := map[string]any{
		"assets": []any{
			map[string]any{"assetId": "Orders", "payload": "p"},
		},
		"summary": "ignored",
	}

	out, err := ExtractProducedAssets(step, run, rec, result, extractNow)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "p", out[0].Payload)
}

func TestExtractDeclarationKeyedObject(t *testing.T) {
	step := producingStep(
		&workflow.AssetDeclaration{AssetID: "Orders"},
		&workflow.AssetDeclaration{AssetID: "Refunds"},
	)
	run, rec := extractFixture()
	result := map[string]any{
		"orders":  map[string]any{"payload": map[string]any{"n": float64(1)}, "partitionKey": "2026-08-24"},
		"Refunds": []any{float64(1), float64(2)},
		"noise":   "ignored",
	}

	out, err := ExtractProducedAssets(step, run, rec, result, extractNow)
	require.NoError(t, err)
	require.Len(t, out, 2)
	byID := map[string]*workflow.RunStepAsset{}
	for _, a := range out {
		byID[a.AssetID] = a
	}
	require.Equal(t, "2026-08-24", byID["Orders"].PartitionKey)
	require.Equal(t, map[string]any{"n": float64(1)}, byID["Orders"].Payload)
	require.Equal(t, []any{float64(1), float64(2)}, byID["Refunds"].Payload)
}

func TestExtractInheritsDeclarationDefaults(t *testing.T) {
	ttl := int64(60000)
	step := producingStep(&workflow.AssetDeclaration{
		AssetID:   "Orders",
		Schema:    map[string]any{"type": "object"},
		Freshness: &workflow.AssetFreshness{TTLMs: &ttl},
	})
	run, rec := extractFixture()

	out, err := ExtractProducedAssets(step, run, rec, map[string]any{"assetId": "Orders", "payload": "p"}, extractNow)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, map[string]any{"type": "object"}, out[0].Schema)
	require.NotNil(t, out[0].Freshness)
	require.Equal(t, ttl, *out[0].Freshness.TTLMs)

	// Entry-level overrides win over the declaration.
	entryTTL := float64(1000)
	out, err = ExtractProducedAssets(step, run, rec, map[string]any{
		"assetId":   "Orders",
		"payload":   "p",
		"freshness": map[string]any{"ttlMs": entryTTL},
	}, extractNow)
	require.NoError(t, err)
	require.Equal(t, int64(1000), *out[0].Freshness.TTLMs)
}

func TestExtractPartitionKeyRequired(t *testing.T) {
	step := producingStep(&workflow.AssetDeclaration{
		AssetID:      "Orders",
		Partitioning: &workflow.AssetPartitioning{Type: workflow.PartitioningTimeWindow, Granularity: "day"},
	})
	run, rec := extractFixture()

	_, err := ExtractProducedAssets(step, run, rec, map[string]any{"assetId": "Orders", "payload": "p"}, extractNow)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Partition key required")

	// The run's partition key fills in when the entry omits one.
	run.PartitionKey = "2026-08-24"
	out, err := ExtractProducedAssets(step, run, rec, map[string]any{"assetId": "Orders", "payload": "p"}, extractNow)
	require.NoError(t, err)
	require.Equal(t, "2026-08-24", out[0].PartitionKey)
}

func TestExtractDeduplicatesPartitions(t *testing.T) {
	step := producingStep(&workflow.AssetDeclaration{AssetID: "Orders"})
	run, rec := extractFixture()
	result := []any{
		map[string]any{"assetId": "Orders", "payload": "first", "partitionKey": "P1"},
		map[string]any{"assetId": "orders", "payload": "second", "partitionKey": "p1"},
	}

	out, err := ExtractProducedAssets(step, run, rec, result, extractNow)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "first", out[0].Payload)
}

func TestExtractNoDeclarationsNoResult(t *testing.T) {
	run, rec := extractFixture()

	out, err := ExtractProducedAssets(&workflow.StepDef{Kind: workflow.StepKindJob, ID: "noop"}, run, rec, map[string]any{"assetId": "Orders"}, extractNow)
	require.NoError(t, err)
	require.Nil(t, out)

	out, err = ExtractProducedAssets(producingStep(&workflow.AssetDeclaration{AssetID: "Orders"}), run, rec, "scalar", extractNow)
	require.NoError(t, err)
	require.Nil(t, out)
}

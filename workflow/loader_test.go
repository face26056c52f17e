package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleDefinition = `
slug: inventory-refresh
name: Inventory refresh
steps:
  - type: job
    id: extract
    jobSlug: inventory.extract
    produces:
      - assetId: inventory.dataset
        freshness:
          ttlMs: 3600000
        partitioning:
          type: timeWindow
          granularity: hour
  - type: service
    id: notify
    serviceSlug: notifier
    dependsOn: [extract]
    request:
      path: /v1/notify
      method: POST
      body:
        message: "refreshed"
  - type: fanout
    id: fan
    dependsOn: [extract]
    collection: "{{ steps.extract.result.partitions }}"
    maxItems: 5
    storeResultsAs: partitionResults
    template:
      type: job
      id: compute
      jobSlug: inventory.compute
parametersSchema:
  type: object
defaultParameters:
  region: us-east-1
`

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(sampleDefinition))
	require.NoError(t, err)
	require.Equal(t, "inventory-refresh", def.Slug)
	require.Equal(t, 1, def.Version)
	require.Len(t, def.Steps, 3)

	extract := def.Step("extract")
	require.NotNil(t, extract)
	require.Equal(t, StepKindJob, extract.Kind)
	require.Equal(t, "inventory.extract", extract.JobSlug)
	require.Len(t, extract.Produces, 1)
	require.Equal(t, "inventory.dataset", extract.Produces[0].AssetID)
	require.Equal(t, int64(3600000), *extract.Produces[0].Freshness.TTLMs)
	require.Equal(t, PartitioningTimeWindow, extract.Produces[0].Partitioning.Type)

	notify := def.Step("notify")
	require.Equal(t, StepKindService, notify.Kind)
	require.Equal(t, "POST", notify.Request.Method)
	require.Equal(t, []string{"extract"}, notify.DependsOn)

	fan := def.Step("fan")
	require.Equal(t, StepKindFanOut, fan.Kind)
	require.Equal(t, "compute", fan.Template.ID)
	require.Equal(t, 5, *fan.MaxItems)

	require.NotNil(t, def.DAG)
	require.Equal(t, []string{"extract"}, def.DAG.Roots)
	require.Equal(t, map[string]any{"region": "us-east-1"}, def.DefaultParameters)
}

func TestParseDefinitionRejectsBadGraph(t *testing.T) {
	_, err := ParseDefinition([]byte(`
slug: broken
steps:
  - type: job
    id: a
    jobSlug: j
    dependsOn: [missing]
`))
	require.ErrorContains(t, err, "unknown step")
}

func TestValidateParameters(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []any{"region"},
		"properties": map[string]any{
			"region": map[string]any{"type": "string"},
		},
	}
	require.NoError(t, ValidateParameters(schema, map[string]any{"region": "eu-west-1"}))
	require.NoError(t, ValidateParameters(nil, map[string]any{"anything": true}))

	err := ValidateParameters(schema, map[string]any{})
	require.Error(t, err)
	require.True(t, IsConflict(err))
}

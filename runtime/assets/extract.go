// Package assets extracts declared assets from step results, persists them,
// schedules TTL/cadence expiry jobs and clears stale partition flags.
package assets

import (
	"encoding/json"
	"fmt"
	"time"

	"goa.design/flow/jsonval"
	"goa.design/flow/workflow"
)

// contribution is the normalized form of one asset mention in a step result.
type contribution struct {
	assetID      string
	payload      any
	schema       map[string]any
	freshness    *workflow.AssetFreshness
	partitionKey string
	producedAt   *time.Time
}

// metadata keys stripped from a contribution entry when deriving an implicit
// payload.
var contributionMetaKeys = map[string]bool{
	"assetId":      true,
	"asset_id":     true,
	"schema":       true,
	"freshness":    true,
	"producedAt":   true,
	"partitionKey": true,
}

// ExtractProducedAssets inspects a step result against the step's produce
// declarations and returns the asset rows to persist. Asset ids match
// case-insensitively; storage preserves the declared casing. A declaration
// with partitioning requires a partition key, either explicit in the result
// or inherited from the run.
func ExtractProducedAssets(step *workflow.StepDef, run *workflow.Run, rec *workflow.RunStep, result any, now time.Time) ([]*workflow.RunStepAsset, error) {
	declarations := step.ProducedDeclarations()
	if len(declarations) == 0 {
		return nil, nil
	}
	byKey := make(map[string]*workflow.AssetDeclaration, len(declarations))
	for _, d := range declarations {
		byKey[workflow.NormalizeAssetKey(d.AssetID)] = d
	}

	contributions := collectContributions(jsonval.Normalize(result), byKey)

	var out []*workflow.RunStepAsset
	seen := make(map[string]bool)
	for _, c := range contributions {
		decl, ok := byKey[workflow.NormalizeAssetKey(c.assetID)]
		if !ok {
			continue
		}
		partitionKey := c.partitionKey
		if partitionKey == "" && decl.Partitioning != nil {
			partitionKey = run.PartitionKey
		}
		if partitionKey == "" && decl.Partitioning != nil {
			return nil, fmt.Errorf("Partition key required for asset %s", decl.AssetID)
		}
		dedup := workflow.NormalizeAssetKey(decl.AssetID) + "\x00" + workflow.NormalizePartitionKey(partitionKey)
		if seen[dedup] {
			continue
		}
		seen[dedup] = true

		schema := c.schema
		if schema == nil {
			schema = decl.Schema
		}
		freshness := c.freshness
		if freshness == nil {
			freshness = decl.Freshness
		}
		producedAt := now
		if c.producedAt != nil {
			producedAt = *c.producedAt
		}
		out = append(out, &workflow.RunStepAsset{
			WorkflowDefinitionID: run.WorkflowDefinitionID,
			WorkflowRunID:        run.ID,
			WorkflowRunStepID:    rec.ID,
			StepID:               step.ID,
			AssetID:              workflow.NormalizeAssetID(decl.AssetID),
			Payload:              c.payload,
			Schema:               schema,
			Freshness:            freshness,
			PartitionKey:         partitionKey,
			ProducedAt:           producedAt.UTC(),
		})
	}
	return out, nil
}

// collectContributions walks the supported result shapes: an array of
// entries, a single-asset object, an object wrapping an "assets" key, or an
// object keyed by declared asset ids.
func collectContributions(result any, decls map[string]*workflow.AssetDeclaration) []contribution {
	switch t := result.(type) {
	case []any:
		var out []contribution
		for _, entry := range t {
			obj, ok := jsonval.AsObject(entry)
			if !ok {
				continue
			}
			if c, ok := parseEntry(obj); ok {
				out = append(out, c)
			}
		}
		return out
	case map[string]any:
		if _, has := entryAssetID(t); has {
			if c, ok := parseEntry(t); ok {
				return []contribution{c}
			}
			return nil
		}
		if nested, has := t["assets"]; has {
			return collectContributions(nested, decls)
		}
		var out []contribution
		for key, val := range t {
			if _, declared := decls[workflow.NormalizeAssetKey(key)]; !declared {
				continue
			}
			out = append(out, parseKeyedValue(key, val))
		}
		return out
	default:
		return nil
	}
}

func entryAssetID(obj map[string]any) (string, bool) {
	for _, k := range []string{"assetId", "asset_id"} {
		if v, ok := obj[k]; ok {
			if s, isStr := v.(string); isStr && workflow.NormalizeAssetID(s) != "" {
				return s, true
			}
		}
	}
	return "", false
}

// parseEntry normalizes an explicit contribution object.
func parseEntry(obj map[string]any) (contribution, bool) {
	id, ok := entryAssetID(obj)
	if !ok {
		return contribution{}, false
	}
	c := contribution{assetID: id}
	if v, has := obj["payload"]; has {
		c.payload = v
	} else {
		rest := make(map[string]any)
		for k, v := range obj {
			if !contributionMetaKeys[k] && k != "payload" {
				rest[k] = v
			}
		}
		if len(rest) > 0 {
			c.payload = rest
		}
	}
	if v, has := obj["schema"]; has {
		if m, isObj := jsonval.AsObject(v); isObj {
			c.schema = m
		}
	}
	if v, has := obj["freshness"]; has {
		c.freshness = parseFreshness(v)
	}
	if v, has := obj["partitionKey"]; has {
		if s, isStr := v.(string); isStr {
			c.partitionKey = s
		}
	}
	if v, has := obj["producedAt"]; has {
		if s, isStr := v.(string); isStr {
			if ts, err := time.Parse(time.RFC3339, s); err == nil {
				c.producedAt = &ts
			}
		}
	}
	return c, true
}

// parseKeyedValue handles the "declared key -> payload" form. A value that
// itself looks like a contribution body (payload/partitionKey/producedAt
// keys) is parsed as one; anything else is the payload.
func parseKeyedValue(key string, val any) contribution {
	if obj, ok := jsonval.AsObject(val); ok {
		_, hasPayload := obj["payload"]
		_, hasPartition := obj["partitionKey"]
		_, hasProducedAt := obj["producedAt"]
		if hasPayload || hasPartition || hasProducedAt {
			withID := make(map[string]any, len(obj)+1)
			for k, v := range obj {
				withID[k] = v
			}
			withID["assetId"] = key
			if c, ok := parseEntry(withID); ok {
				return c
			}
		}
	}
	return contribution{assetID: key, payload: val}
}

func parseFreshness(v any) *workflow.AssetFreshness {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var f workflow.AssetFreshness
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil
	}
	if f.TTLMs == nil && f.CadenceMs == nil && f.MaxAgeMs == nil {
		return nil
	}
	return &f
}

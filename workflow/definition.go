// Package workflow defines the persistent model for workflow definitions,
// runs, steps, assets, schedules and recovery requests, together with the
// ports (repository, queue, job runner, service registry, secret store,
// events) that the execution runtime is written against.
//
// The model is deliberately JSON-shaped: dynamic fields (parameters, context,
// output, metrics, payloads) hold canonical JSON values as produced by
// jsonval.Normalize. Implementations of the ports live under features/.
package workflow

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

type (
	// Definition is an immutable-per-version catalog entry describing a DAG
	// of typed steps.
	Definition struct {
		ID                string
		Slug              string
		Version           int
		Name              string
		Description       string
		Steps             []*StepDef
		Triggers          any
		ParametersSchema  map[string]any
		DefaultParameters any
		Metadata          any
		DAG               *DAG
		CreatedAt         time.Time
		UpdatedAt         time.Time
	}

	// StepKind discriminates the step definition union.
	StepKind string

	// StepDef is the tagged step variant. Kind selects which field groups
	// are meaningful; exhaustive switches on Kind are preferred over any
	// form of inheritance.
	StepDef struct {
		Kind      StepKind `json:"type"`
		ID        string   `json:"id"`
		Name      string   `json:"name,omitempty"`
		DependsOn []string `json:"dependsOn,omitempty"`

		Parameters  any          `json:"parameters,omitempty"`
		RetryPolicy *RetryPolicy `json:"retryPolicy,omitempty"`
		TimeoutMs   *int64       `json:"timeoutMs,omitempty"`

		Produces []*AssetDeclaration `json:"produces,omitempty"`
		Consumes []*AssetDeclaration `json:"consumes,omitempty"`

		// Job step fields.
		JobSlug       string        `json:"jobSlug,omitempty"`
		StoreResultAs string        `json:"storeResultAs,omitempty"`
		Bundle        *BundlePin    `json:"bundle,omitempty"`

		// Service step fields.
		ServiceSlug     string          `json:"serviceSlug,omitempty"`
		Request         *ServiceRequest `json:"request,omitempty"`
		RequireHealthy  *bool           `json:"requireHealthy,omitempty"`
		AllowDegraded   *bool           `json:"allowDegraded,omitempty"`
		CaptureResponse *bool           `json:"captureResponse,omitempty"`
		StoreResponseAs string          `json:"storeResponseAs,omitempty"`

		// Fan-out step fields.
		Collection     any      `json:"collection,omitempty"`
		Template       *StepDef `json:"template,omitempty"`
		MaxItems       *int     `json:"maxItems,omitempty"`
		MaxConcurrency *int     `json:"maxConcurrency,omitempty"`
		StoreResultsAs string   `json:"storeResultsAs,omitempty"`
	}

	// BundlePin selects a specific job bundle version for a job step. A
	// strategy of "latest" leaves resolution to the job runner.
	BundlePin struct {
		Strategy   string `json:"strategy,omitempty"`
		Slug       string `json:"slug,omitempty"`
		Version    string `json:"version,omitempty"`
		ExportName string `json:"exportName,omitempty"`
	}

	// ServiceRequest describes the HTTP request template of a service step.
	// Header values may be plain strings (template-resolved) or secret
	// references of the form {"secret": {...}, "prefix": "Bearer "}.
	ServiceRequest struct {
		Method  string         `json:"method,omitempty"`
		Path    string         `json:"path"`
		Query   map[string]any `json:"query,omitempty"`
		Headers map[string]any `json:"headers,omitempty"`
		Body    any            `json:"body,omitempty"`
	}

	// AssetDeclaration declares an asset a step produces or consumes.
	AssetDeclaration struct {
		AssetID         string             `json:"assetId"`
		Direction       AssetDirection     `json:"direction,omitempty"`
		Schema          map[string]any     `json:"schema,omitempty"`
		Freshness       *AssetFreshness    `json:"freshness,omitempty"`
		AutoMaterialize *AutoMaterialize   `json:"autoMaterialize,omitempty"`
		Partitioning    *AssetPartitioning `json:"partitioning,omitempty"`
	}

	// AssetDirection distinguishes produced from consumed declarations.
	AssetDirection string

	// AssetFreshness drives asset-expiry scheduling.
	AssetFreshness struct {
		TTLMs     *int64 `json:"ttlMs,omitempty"`
		CadenceMs *int64 `json:"cadenceMs,omitempty"`
		MaxAgeMs  *int64 `json:"maxAgeMs,omitempty"`
	}

	// AutoMaterialize marks an asset for automatic reproduction when stale.
	AutoMaterialize struct {
		OnUpstreamUpdate bool   `json:"onUpstreamUpdate,omitempty"`
		Priority         *int   `json:"priority,omitempty"`
		ParameterDefaults any   `json:"parameterDefaults,omitempty"`
	}

	// PartitioningType enumerates asset partitioning schemes.
	PartitioningType string

	// AssetPartitioning describes how an asset's rows are partitioned.
	AssetPartitioning struct {
		Type        PartitioningType `json:"type"`
		Keys        []string         `json:"keys,omitempty"`
		Granularity string           `json:"granularity,omitempty"`
		Timezone    string           `json:"timezone,omitempty"`
		Format      string           `json:"format,omitempty"`
		LookbackWindows *int         `json:"lookbackWindows,omitempty"`
		MaxKeys     *int             `json:"maxKeys,omitempty"`
		RetentionDays *int           `json:"retentionDays,omitempty"`
	}

	// DAG is the precomputed dependency structure of a definition: adjacency
	// (step id -> dependent step ids), roots, a topological order and the
	// total edge count.
	DAG struct {
		Adjacency        map[string][]string `json:"adjacency"`
		Roots            []string            `json:"roots"`
		TopologicalOrder []string            `json:"topologicalOrder"`
		EdgeCount        int                 `json:"edgeCount"`
	}
)

const (
	StepKindJob     StepKind = "job"
	StepKindService StepKind = "service"
	StepKindFanOut  StepKind = "fanout"
)

const (
	AssetDirectionProduces AssetDirection = "produces"
	AssetDirectionConsumes AssetDirection = "consumes"
)

const (
	PartitioningStatic     PartitioningType = "static"
	PartitioningTimeWindow PartitioningType = "timeWindow"
	PartitioningDynamic    PartitioningType = "dynamic"
)

// NormalizeAssetID trims an asset identifier for storage. Lookups use
// NormalizeAssetKey which additionally lowercases.
func NormalizeAssetID(id string) string {
	return strings.TrimSpace(id)
}

// NormalizeAssetKey produces the case-insensitive lookup key for an asset id.
func NormalizeAssetKey(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// NormalizePartitionKey produces the lookup form of a partition key. A nil
// or blank key normalizes to the empty string.
func NormalizePartitionKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// NormalizeRunKey produces the lookup form of a run key.
func NormalizeRunKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Step returns the step definition with the given id, or nil.
func (d *Definition) Step(id string) *StepDef {
	for _, s := range d.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// ProducedDeclarations returns the produce-direction asset declarations of a
// step, treating declarations without an explicit direction as produced.
func (s *StepDef) ProducedDeclarations() []*AssetDeclaration {
	var out []*AssetDeclaration
	for _, d := range s.Produces {
		if d == nil || NormalizeAssetID(d.AssetID) == "" {
			continue
		}
		if d.Direction == "" || d.Direction == AssetDirectionProduces {
			out = append(out, d)
		}
	}
	return out
}

// BuildDAG derives the dependency structure from the step list. It validates
// that every dependsOn id resolves within the definition and that the graph
// is acyclic, returning the adjacency, roots and a topological order that is
// a valid linearization of the steps.
func BuildDAG(steps []*StepDef) (*DAG, error) {
	ids := make(map[string]*StepDef, len(steps))
	for _, s := range steps {
		if s.ID == "" {
			return nil, fmt.Errorf("step with empty id")
		}
		if _, dup := ids[s.ID]; dup {
			return nil, fmt.Errorf("duplicate step id %q", s.ID)
		}
		ids[s.ID] = s
	}
	adjacency := make(map[string][]string, len(steps))
	indegree := make(map[string]int, len(steps))
	edges := 0
	for _, s := range steps {
		if _, ok := adjacency[s.ID]; !ok {
			adjacency[s.ID] = nil
		}
		for _, dep := range s.DependsOn {
			if _, ok := ids[dep]; !ok {
				return nil, fmt.Errorf("step %q depends on unknown step %q", s.ID, dep)
			}
			if dep == s.ID {
				return nil, fmt.Errorf("step %q depends on itself", s.ID)
			}
			adjacency[dep] = append(adjacency[dep], s.ID)
			indegree[s.ID]++
			edges++
		}
	}
	var roots []string
	queue := make([]string, 0, len(steps))
	for _, s := range steps {
		if indegree[s.ID] == 0 {
			roots = append(roots, s.ID)
			queue = append(queue, s.ID)
		}
	}
	order := make([]string, 0, len(steps))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range adjacency[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(order) != len(steps) {
		return nil, fmt.Errorf("workflow steps contain a dependency cycle")
	}
	return &DAG{
		Adjacency:        adjacency,
		Roots:            roots,
		TopologicalOrder: order,
		EdgeCount:        edges,
	}, nil
}

var fanOutChildIDPattern = regexp.MustCompile(`[^A-Za-z0-9\-_:.]`)

// FanOutChildID derives the id of the i-th (zero-based) fan-out child from
// the parent and template ids, normalized to the id character set.
func FanOutChildID(parentID, templateID string, index int) string {
	raw := fmt.Sprintf("%s:%s:%d", parentID, templateID, index+1)
	return fanOutChildIDPattern.ReplaceAllString(raw, "-")
}

// Validate checks a definition's structural invariants: step ids resolve,
// the DAG is acyclic, and fan-out templates carry distinct ids.
func (d *Definition) Validate() error {
	if d.Slug == "" {
		return fmt.Errorf("definition slug is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("definition %q has no steps", d.Slug)
	}
	for _, s := range d.Steps {
		if s.Kind == StepKindFanOut {
			if s.Template == nil {
				return fmt.Errorf("fan-out step %q has no template", s.ID)
			}
			if s.Template.Kind == StepKindFanOut {
				return fmt.Errorf("fan-out step %q template may not be a fan-out", s.ID)
			}
			if s.Template.ID == s.ID {
				return fmt.Errorf("fan-out step %q template id must differ from parent", s.ID)
			}
		}
	}
	dag, err := BuildDAG(d.Steps)
	if err != nil {
		return err
	}
	d.DAG = dag
	return nil
}

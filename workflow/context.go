package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"goa.design/flow/jsonval"
)

type (
	// RuntimeContext is the orchestrator's in-memory working set for one run.
	// It mirrors the executable state of every step plus the shared key/value
	// scope that steps write through storeResultAs/storeResponseAs. The
	// persisted Run.Context is a snapshot of this structure; the in-memory
	// copy is authoritative while a run executes.
	RuntimeContext struct {
		Steps         map[string]*StepRuntime `json:"steps"`
		Shared        map[string]any          `json:"shared,omitempty"`
		LastUpdatedAt time.Time               `json:"lastUpdatedAt"`
	}

	// StepRuntime mirrors a run step's executable fields inside the runtime
	// context, plus service invocation metadata, produced assets and error
	// detail that only exist in context form.
	StepRuntime struct {
		Status          StepStatus      `json:"status"`
		Attempt         int             `json:"attempt,omitempty"`
		JobRunID        string          `json:"jobRunId,omitempty"`
		Result          any             `json:"result,omitempty"`
		ErrorMessage    string          `json:"errorMessage,omitempty"`
		LogsURL         string          `json:"logsUrl,omitempty"`
		Metrics         any             `json:"metrics,omitempty"`
		StartedAt       *time.Time      `json:"startedAt,omitempty"`
		CompletedAt     *time.Time      `json:"completedAt,omitempty"`
		Service         *ServiceRuntime `json:"service,omitempty"`
		Assets          []any           `json:"assets,omitempty"`
		ResolutionError bool            `json:"resolutionError,omitempty"`
		ErrorStack      string          `json:"errorStack,omitempty"`
		ErrorName       string          `json:"errorName,omitempty"`
		ErrorProperties any             `json:"errorProperties,omitempty"`
	}

	// ServiceRuntime captures the last service invocation of a service step.
	ServiceRuntime struct {
		Slug       string `json:"slug"`
		Status     string `json:"status"`
		Method     string `json:"method"`
		Path       string `json:"path"`
		BaseURL    string `json:"baseUrl,omitempty"`
		StatusCode *int   `json:"statusCode,omitempty"`
		LatencyMs  *int64 `json:"latencyMs,omitempty"`
	}
)

// NewRuntimeContext returns an empty runtime context.
func NewRuntimeContext() *RuntimeContext {
	return &RuntimeContext{Steps: make(map[string]*StepRuntime)}
}

// ParseRuntimeContext rebuilds a runtime context from a persisted snapshot.
// A nil or malformed snapshot yields a fresh context rather than an error:
// the orchestrator re-derives step state from the step records in that case.
func ParseRuntimeContext(v any) *RuntimeContext {
	if v == nil {
		return NewRuntimeContext()
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return NewRuntimeContext()
	}
	var rc RuntimeContext
	if err := json.Unmarshal(raw, &rc); err != nil {
		return NewRuntimeContext()
	}
	if rc.Steps == nil {
		rc.Steps = make(map[string]*StepRuntime)
	}
	return &rc
}

// Serialize converts the context into the canonical JSON value persisted in
// Run.Context. Serialize then ParseRuntimeContext round-trips to an equal
// context.
func (c *RuntimeContext) Serialize() any {
	return jsonval.Normalize(c)
}

// Clone returns a deep copy. Executors receive clones so that concurrently
// running steps never observe each other's in-progress mutations.
func (c *RuntimeContext) Clone() *RuntimeContext {
	return ParseRuntimeContext(c.Serialize())
}

// Step returns the runtime entry for a step id, creating it when absent.
func (c *RuntimeContext) Step(id string) *StepRuntime {
	if c.Steps == nil {
		c.Steps = make(map[string]*StepRuntime)
	}
	s, ok := c.Steps[id]
	if !ok {
		s = &StepRuntime{Status: StepPending}
		c.Steps[id] = s
	}
	return s
}

// SetStep replaces the runtime entry for a step id and bumps LastUpdatedAt.
func (c *RuntimeContext) SetStep(id string, s *StepRuntime) {
	if c.Steps == nil {
		c.Steps = make(map[string]*StepRuntime)
	}
	c.Steps[id] = s
	c.LastUpdatedAt = time.Now().UTC()
}

// SetShared writes a shared-scope value (nil values are stored, matching the
// placeholder semantics of fan-out storeResultsAs).
func (c *RuntimeContext) SetShared(key string, v any) {
	if key == "" {
		return
	}
	if c.Shared == nil {
		c.Shared = make(map[string]any)
	}
	c.Shared[key] = v
	c.LastUpdatedAt = time.Now().UTC()
}

// ApplySharedPatch merges a shared patch produced by a step execution.
func (c *RuntimeContext) ApplySharedPatch(patch map[string]any) {
	for k, v := range patch {
		c.SetShared(k, v)
	}
}

// SharedOutput derives the run-level output from the shared scope: nil when
// the scope is empty, the normalized scope otherwise.
func (c *RuntimeContext) SharedOutput() any {
	if len(c.Shared) == 0 {
		return nil
	}
	return jsonval.Normalize(c.Shared)
}

// HydrateFromRecord copies a persisted step record's executable fields into
// the runtime entry for the step.
func (c *RuntimeContext) HydrateFromRecord(rec *RunStep) {
	s := c.Step(rec.StepID)
	s.Status = rec.Status
	s.Attempt = rec.Attempt
	s.JobRunID = rec.JobRunID
	s.Result = rec.Output
	s.ErrorMessage = rec.ErrorMessage
	s.LogsURL = rec.LogsURL
	s.Metrics = rec.Metrics
	s.StartedAt = rec.StartedAt
	s.CompletedAt = rec.CompletedAt
	c.LastUpdatedAt = time.Now().UTC()
}

// String renders a compact debug form.
func (c *RuntimeContext) String() string {
	return fmt.Sprintf("runtime context: %d steps, %d shared keys", len(c.Steps), len(c.Shared))
}

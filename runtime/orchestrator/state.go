package orchestrator

import (
	"time"

	"goa.design/flow/runtime/steps"
	"goa.design/flow/workflow"
)

type (
	// task is one schedulable unit: a top-level step or a fan-out child.
	task struct {
		def   *workflow.StepDef
		index int
		fan   *steps.FanOutRef
	}

	// completion carries a finished execution back to the dispatch loop.
	completion struct {
		task task
		res  *steps.Result
		err  error
	}

	// fanGroup tracks one expanded fan-out parent until all children settle.
	fanGroup struct {
		expansion *steps.FanOutExpansion
		queue     []steps.ChildStep
		running   int
		total     int
		results   map[int]childOutcome
	}

	// childOutcome is one settled fan-out child.
	childOutcome struct {
		stepID       string
		index        int
		status       workflow.StepStatus
		output       any
		errorMessage string
		item         any
		assets       []any
	}

	// runState is the orchestrator's working set for one ExecuteRun pass.
	runState struct {
		run *workflow.Run
		def *workflow.Definition
		rc  *workflow.RuntimeContext

		// deps maps step id to its dependency ids, the union of the step's
		// dependsOn list and the definition DAG.
		deps map[string][]string

		statuses      map[string]workflow.StepStatus
		started       map[string]bool
		deferred      map[string]time.Time
		failures      []string
		failFast      bool
		groups        map[string]*fanGroup
		currentStepID string
		childrenTotal int
	}
)

// newRunState initializes the working set from the run and definition.
func newRunState(run *workflow.Run, def *workflow.Definition) *runState {
	st := &runState{
		run:      run,
		def:      def,
		rc:       workflow.ParseRuntimeContext(run.Context),
		deps:     make(map[string][]string, len(def.Steps)),
		statuses: make(map[string]workflow.StepStatus),
		started:  make(map[string]bool),
		deferred: make(map[string]time.Time),
		groups:   make(map[string]*fanGroup),
	}
	for _, s := range def.Steps {
		st.deps[s.ID] = append([]string{}, s.DependsOn...)
	}
	if def.DAG != nil {
		// The DAG adjacency is dep -> dependents; fold it into the reverse
		// map in case the definition carries edges beyond dependsOn.
		for dep, dependents := range def.DAG.Adjacency {
			for _, dependent := range dependents {
				if !contains(st.deps[dependent], dep) {
					st.deps[dependent] = append(st.deps[dependent], dep)
				}
			}
		}
	}
	return st
}

// nextReady returns a schedulable task: first a fan-out child whose group has
// spare concurrency, then a top-level step whose dependencies all succeeded.
func (st *runState) nextReady() (task, bool) {
	for _, group := range st.groups {
		if group.running >= group.expansion.MaxConcurrency || len(group.queue) == 0 {
			continue
		}
		child := group.queue[0]
		if !st.satisfied(child.Def.DependsOn) {
			continue
		}
		group.queue = group.queue[1:]
		group.running++
		return task{
			def:   child.Def,
			index: child.Index,
			fan: &steps.FanOutRef{
				ParentStepID:    group.expansion.ParentStepID,
				ParentRunStepID: group.expansion.ParentRunStepID,
				TemplateStepID:  group.expansion.TemplateStepID,
				Index:           child.Index,
				Total:           group.total,
				Item:            child.Item,
			},
		}, true
	}

	for i, s := range st.def.Steps {
		if st.started[s.ID] || st.statuses[s.ID] != "" {
			continue
		}
		if _, isDeferred := st.deferred[s.ID]; isDeferred {
			continue
		}
		if !st.satisfied(st.deps[s.ID]) {
			continue
		}
		return task{def: s, index: i}, true
	}
	return task{}, false
}

// satisfied reports whether every dependency succeeded.
func (st *runState) satisfied(deps []string) bool {
	for _, dep := range deps {
		if st.statuses[dep] != workflow.StepSucceeded {
			return false
		}
	}
	return true
}

// registerGroup opens a fan-out group for scheduling.
func (st *runState) registerGroup(exp *steps.FanOutExpansion) {
	st.groups[exp.ParentStepID] = &fanGroup{
		expansion: exp,
		queue:     append([]steps.ChildStep{}, exp.Children...),
		total:     len(exp.Children),
		results:   make(map[int]childOutcome),
	}
	st.childrenTotal += len(exp.Children)
}

// allSettled reports whether every top-level step reached a terminal status.
func (st *runState) allSettled() bool {
	for _, s := range st.def.Steps {
		if !st.statuses[s.ID].Terminal() {
			return false
		}
	}
	return true
}

// metrics derives the run progress counters. Fan-out children count toward
// the totals once their parent expands.
func (st *runState) metrics() workflow.RunMetrics {
	total := len(st.def.Steps) + st.childrenTotal
	completed := 0
	for _, status := range st.statuses {
		if status.Terminal() {
			completed++
		}
	}
	return workflow.RunMetrics{TotalSteps: total, CompletedSteps: completed}
}

func (st *runState) metricsPtr() *workflow.RunMetrics {
	m := st.metrics()
	return &m
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

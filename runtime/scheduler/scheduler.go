// Package scheduler materializes cron schedules into workflow runs. A single
// leader (advisory-lock elected) sweeps due schedules each tick, derives the
// materialization windows and creates runs with window-scoped parameters,
// partition keys and idempotent run keys.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"goa.design/clue/log"

	"goa.design/flow/jsonval"
	"goa.design/flow/template"
	"goa.design/flow/workflow"
)

// leaderLockKey is the advisory lock electing the sweep leader.
const leaderLockKey = "workflow-scheduler-leader"

type (
	// Options configures the scheduler.
	Options struct {
		// Repository lists due schedules and creates runs. Required.
		Repository workflow.Repository
		// Queue enqueues materialized runs. Required.
		Queue workflow.Queue
		// Config supplies interval, batch size and window caps.
		Config workflow.Config
		// Now overrides the clock (tests).
		Now func() time.Time
	}

	// Scheduler is the cron sweep loop.
	Scheduler struct {
		repo   workflow.Repository
		queue  workflow.Queue
		cfg    workflow.Config
		now    func() time.Time
		parser cron.Parser
	}

	// materialization accumulates the state of one schedule sweep.
	materialization struct {
		runs       int
		lastWindow *workflow.ScheduleWindow
		cursor     *time.Time
	}
)

// New builds a Scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.Repository == nil {
		return nil, errors.New("repository is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("queue is required")
	}
	s := &Scheduler{
		repo:   opts.Repository,
		queue:  opts.Queue,
		cfg:    opts.Config,
		now:    time.Now,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
	if opts.Now != nil {
		s.now = opts.Now
	}
	return s, nil
}

// Run ticks ProcessSchedules until the context ends. With advisory locks
// enabled only the lock holder sweeps; the others retry next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.cfg.SchedulerInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Printf(ctx, "schedule sweep started (interval %s)", interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.cfg.SchedulerAdvisoryLocks {
		release, acquired, err := s.repo.TryAdvisoryLock(ctx, leaderLockKey)
		if err != nil {
			log.Errorf(ctx, err, "acquire scheduler leader lock")
			return
		}
		if !acquired {
			return
		}
		defer release()
	}
	if _, err := s.ProcessSchedules(ctx); err != nil {
		log.Errorf(ctx, err, "process schedules")
	}
}

// ProcessSchedules sweeps due schedules once and returns the number of runs
// materialized.
func (s *Scheduler) ProcessSchedules(ctx context.Context) (int, error) {
	batch := s.cfg.SchedulerBatchSize
	if batch <= 0 {
		batch = 10
	}
	due, err := s.repo.ListDueSchedules(ctx, batch, s.now())
	if err != nil {
		return 0, fmt.Errorf("list due schedules: %w", err)
	}
	total := 0
	for _, d := range due {
		n, err := s.processOne(ctx, d)
		if err != nil {
			log.Errorf(ctx, err, "materialize schedule %s", d.Schedule.ID)
			continue
		}
		total += n
	}
	return total, nil
}

// processOne materializes a single schedule under its per-schedule lock,
// re-fetching the row to guard against concurrent sweeps.
func (s *Scheduler) processOne(ctx context.Context, due *workflow.DueSchedule) (int, error) {
	if s.cfg.SchedulerAdvisoryLocks {
		release, acquired, err := s.repo.TryAdvisoryLock(ctx, "workflow-schedule:"+due.Schedule.ID)
		if err != nil {
			return 0, err
		}
		if !acquired {
			return 0, nil
		}
		defer release()
	}
	sched, err := s.repo.GetSchedule(ctx, due.Schedule.ID)
	if err != nil {
		return 0, err
	}
	if !sched.IsActive || sched.NextRunAt == nil || sched.NextRunAt.After(s.now()) {
		return 0, nil
	}
	return s.materialize(ctx, sched, due.Definition)
}

// materialize walks the due occurrence windows of a schedule, creating one
// run per window, and persists the advanced cursor.
func (s *Scheduler) materialize(ctx context.Context, sched *workflow.Schedule, def *workflow.Definition) (int, error) {
	loc, err := scheduleLocation(sched.Timezone)
	if err != nil {
		return 0, fmt.Errorf("schedule timezone: %w", err)
	}
	expr, err := s.parser.Parse(sched.Cron)
	if err != nil {
		return 0, fmt.Errorf("parse cron %q: %w", sched.Cron, err)
	}

	now := s.now().In(loc)
	spec := timeWindowSpec(def)
	maxWindows := s.cfg.SchedulerMaxWindows
	if maxWindows <= 0 {
		maxWindows = 25
	}

	m := materialization{lastWindow: sched.LastMaterializedWindow}
	cursor := s.initialCursor(sched, expr, loc)

	for cursor != nil && !cursor.After(now) && m.runs < maxWindows {
		if sched.EndWindow != nil && cursor.After(*sched.EndWindow) {
			cursor = nil
			break
		}
		windowEnd := cursor.In(loc)
		windowStart := s.windowStart(sched, expr, m.lastWindow, windowEnd)

		if err := s.materializeWindow(ctx, sched, def, spec, windowStart, windowEnd); err != nil {
			return m.runs, err
		}
		m.runs++
		ws, we := windowStart, windowEnd
		m.lastWindow = &workflow.ScheduleWindow{Start: &ws, End: &we}

		next := expr.Next(windowEnd)
		cursor = &next
		if !sched.CatchUp {
			break
		}
	}
	m.cursor = cursor

	return m.runs, s.persistCursor(ctx, sched, expr, now, m)
}

// initialCursor derives where materialization resumes: the catch-up cursor
// when catching up, the stored next-run time otherwise, the first occurrence
// after the start window as a last resort.
func (s *Scheduler) initialCursor(sched *workflow.Schedule, expr cron.Schedule, loc *time.Location) *time.Time {
	if sched.CatchUp && sched.CatchupCursor != nil {
		t := sched.CatchupCursor.In(loc)
		return &t
	}
	if sched.NextRunAt != nil {
		t := sched.NextRunAt.In(loc)
		return &t
	}
	from := sched.CreatedAt
	if sched.StartWindow != nil {
		from = *sched.StartWindow
	}
	t := expr.Next(from.In(loc))
	return &t
}

// windowStart derives the start of the window ending at windowEnd: the end
// of the previous materialized window, the previous cron occurrence, or the
// schedule's start window.
func (s *Scheduler) windowStart(sched *workflow.Schedule, expr cron.Schedule, last *workflow.ScheduleWindow, windowEnd time.Time) time.Time {
	if last != nil && last.End != nil && last.End.Before(windowEnd) {
		return *last.End
	}
	if prev, ok := previousOccurrence(expr, windowEnd); ok {
		if sched.StartWindow == nil || !prev.Before(*sched.StartWindow) {
			return prev
		}
	}
	if sched.StartWindow != nil {
		return *sched.StartWindow
	}
	return windowEnd
}

// materializeWindow creates and enqueues the run for one occurrence window.
// A run-key conflict means the window is already materialized: the active
// run is nudged instead.
func (s *Scheduler) materializeWindow(ctx context.Context, sched *workflow.Schedule, def *workflow.Definition, spec *workflow.AssetPartitioning, windowStart, windowEnd time.Time) error {
	partitionKey := ""
	if spec != nil {
		partitionKey = TimeWindowPartitionKey(spec, windowEnd)
	}
	trigger := map[string]any{
		"type":       "schedule",
		"scheduleId": sched.ID,
		"window": map[string]any{
			"start": windowStart.UTC().Format(time.RFC3339),
			"end":   windowEnd.UTC().Format(time.RFC3339),
		},
	}
	if partitionKey != "" {
		trigger["partitionKey"] = partitionKey
	}
	parameters := s.resolveParameters(sched, trigger)

	keySuffix := partitionKey
	if keySuffix == "" {
		keySuffix = windowEnd.UTC().Format(time.RFC3339)
	}
	runKey := fmt.Sprintf("schedule:%s:%s", sched.ID, keySuffix)

	run, err := s.repo.CreateRun(ctx, sched.WorkflowDefinitionID, workflow.RunCreateInput{
		Parameters:   parameters,
		TriggeredBy:  "scheduler",
		Trigger:      trigger,
		PartitionKey: partitionKey,
		RunKey:       runKey,
	})
	if err != nil {
		if !workflow.IsRunKeyConflict(err) {
			return fmt.Errorf("create scheduled run: %w", err)
		}
		existing, findErr := s.repo.FindActiveRunByKey(ctx, sched.WorkflowDefinitionID, workflow.NormalizeRunKey(runKey))
		if findErr != nil {
			if workflow.IsNotFound(findErr) {
				return nil
			}
			return findErr
		}
		log.Printf(ctx, "window already materialized as run %s, re-enqueueing", existing.ID)
		return s.queue.EnqueueRun(ctx, workflow.RunJob{WorkflowRunID: existing.ID, RunKey: existing.RunKey})
	}
	log.Printf(ctx, "schedule %s materialized run %s (window %s..%s)", sched.ID, run.ID, windowStart.UTC().Format(time.RFC3339), windowEnd.UTC().Format(time.RFC3339))
	return s.queue.EnqueueRun(ctx, workflow.RunJob{WorkflowRunID: run.ID, RunKey: run.RunKey})
}

// resolveParameters resolves templates in the schedule's parameters against
// the synthetic trigger scope, falling back to the literal parameters when a
// reference does not resolve.
func (s *Scheduler) resolveParameters(sched *workflow.Schedule, trigger map[string]any) any {
	raw := jsonval.Normalize(sched.Parameters)
	if raw == nil {
		return nil
	}
	scope := &template.Scope{
		Run:        map[string]any{"trigger": trigger},
		Parameters: raw,
	}
	var tr template.Tracker
	resolved := template.Resolve(raw, scope, &tr)
	if tr.HasIssues() {
		return raw
	}
	return resolved
}

// persistCursor advances the scheduler-owned metadata under the optimistic
// updatedAt check. Catch-up schedules persist the cursor as both next-run
// and catch-up position; others jump to the next occurrence from now.
func (s *Scheduler) persistCursor(ctx context.Context, sched *workflow.Schedule, expr cron.Schedule, now time.Time, m materialization) error {
	patch := workflow.ScheduleMetadataPatch{ExpectedUpdatedAt: sched.UpdatedAt}
	if m.lastWindow != nil {
		lw := m.lastWindow
		patch.LastMaterializedWindow = &lw
	}
	if sched.CatchUp {
		patch.NextRunAt = &m.cursor
		patch.CatchupCursor = &m.cursor
	} else {
		next := expr.Next(now)
		nextPtr := &next
		patch.NextRunAt = &nextPtr
		var cleared *time.Time
		patch.CatchupCursor = &cleared
	}
	if _, err := s.repo.UpdateScheduleMetadata(ctx, sched.ID, patch); err != nil {
		if workflow.IsConflict(err) {
			log.Printf(ctx, "schedule %s advanced concurrently, skipping cursor update", sched.ID)
			return nil
		}
		return fmt.Errorf("persist schedule cursor: %w", err)
	}
	return nil
}

// timeWindowSpec returns the first time-window partitioning declaration of
// the definition's produced assets, if any. Other partitioning types carry
// no window semantics for the scheduler.
func timeWindowSpec(def *workflow.Definition) *workflow.AssetPartitioning {
	if def == nil {
		return nil
	}
	for _, step := range def.Steps {
		for _, decl := range step.ProducedDeclarations() {
			if decl.Partitioning != nil && decl.Partitioning.Type == workflow.PartitioningTimeWindow {
				return decl.Partitioning
			}
		}
	}
	return nil
}

// TimeWindowPartitionKey formats the partition key for a window boundary
// (the window end, for materialized runs) per the partitioning granularity
// or explicit format.
func TimeWindowPartitionKey(spec *workflow.AssetPartitioning, at time.Time) string {
	loc := time.UTC
	if spec.Timezone != "" {
		if l, err := time.LoadLocation(spec.Timezone); err == nil {
			loc = l
		}
	}
	t := at.In(loc)
	if spec.Format != "" {
		return t.Format(spec.Format)
	}
	switch spec.Granularity {
	case "minute":
		return t.Format("2006-01-02T15:04")
	case "hour":
		return t.Format("2006-01-02T15") + ":00"
	case "week":
		year, week := t.ISOWeek()
		return fmt.Sprintf("%d-W%02d", year, week)
	case "month":
		return t.Format("2006-01")
	default:
		return t.Format("2006-01-02")
	}
}

// previousOccurrence finds the latest occurrence strictly before t by
// doubling the lookback until an occurrence falls inside it, then walking
// forward. It gives up after a year of lookback.
func previousOccurrence(expr cron.Schedule, t time.Time) (time.Time, bool) {
	step := time.Minute
	for step <= 366*24*time.Hour {
		probe := t.Add(-step)
		n := expr.Next(probe)
		if n.Before(t) {
			prev := n
			for {
				next := expr.Next(prev)
				if !next.Before(t) {
					return prev, true
				}
				prev = next
			}
		}
		step *= 2
	}
	return time.Time{}, false
}

// scheduleLocation loads the schedule timezone, defaulting to UTC.
func scheduleLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(tz)
}

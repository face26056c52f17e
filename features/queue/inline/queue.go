// Package inline implements the workflow queue port with in-process delayed
// tasks. It serves single-process deployments and tests; jobs do not survive
// a restart. The Redis implementation under features/queue/redis is the
// durable backend.
package inline

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/clue/log"

	"goa.design/flow/workflow"
)

type (
	// Handlers receive dispatched jobs. Run is required; Retry defaults to
	// re-enqueueing the run through Run.
	Handlers struct {
		Run         func(ctx context.Context, job workflow.RunJob)
		Retry       func(ctx context.Context, job workflow.RetryJob)
		AssetExpiry func(ctx context.Context, job workflow.ExpiryJob)
	}

	// Options configures the inline queue.
	Options struct {
		// Handlers dispatch fired jobs. Run is required.
		Handlers Handlers
		// Now overrides the clock (tests).
		Now func() time.Time
	}

	// Queue is an in-process workflow.Queue. Enqueue operations are
	// idempotent on job id; CancelJob stops a pending timer.
	Queue struct {
		handlers Handlers
		now      func() time.Time

		mu      sync.Mutex
		pending map[string]*time.Timer
		closed  bool
		wg      sync.WaitGroup
	}
)

// New builds an inline queue.
func New(opts Options) (*Queue, error) {
	if opts.Handlers.Run == nil {
		return nil, errors.New("run handler is required")
	}
	q := &Queue{
		handlers: opts.Handlers,
		now:      time.Now,
		pending:  make(map[string]*time.Timer),
	}
	if opts.Now != nil {
		q.now = opts.Now
	}
	if q.handlers.Retry == nil {
		q.handlers.Retry = func(ctx context.Context, job workflow.RetryJob) {
			q.handlers.Run(ctx, workflow.RunJob{WorkflowRunID: job.WorkflowRunID, RunKey: job.RunKey})
		}
	}
	return q, nil
}

// EnqueueRun dispatches a run job immediately.
func (q *Queue) EnqueueRun(ctx context.Context, job workflow.RunJob) error {
	return q.schedule(ctx, workflow.RunJobID(job.WorkflowRunID), 0, func(ctx context.Context) {
		q.handlers.Run(ctx, job)
	})
}

// ScheduleRetry dispatches a retry job at runAt.
func (q *Queue) ScheduleRetry(ctx context.Context, job workflow.RetryJob, runAt time.Time) error {
	id := workflow.RetryJobID(job.WorkflowRunID, job.StepID, job.Attempts)
	return q.schedule(ctx, id, time.Until(runAt), func(ctx context.Context) {
		q.handlers.Retry(ctx, job)
	})
}

// ScheduleAssetExpiry dispatches an expiry job after delay.
func (q *Queue) ScheduleAssetExpiry(ctx context.Context, job workflow.ExpiryJob, delay time.Duration) error {
	id := workflow.ExpiryJobID(job.Reason, job.AssetKey)
	return q.schedule(ctx, id, delay, func(ctx context.Context) {
		if q.handlers.AssetExpiry != nil {
			q.handlers.AssetExpiry(ctx, job)
		}
	})
}

// CancelJob removes a pending job. Unknown ids are a no-op.
func (q *Queue) CancelJob(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if timer, ok := q.pending[id]; ok {
		if timer.Stop() {
			q.wg.Done()
		}
		delete(q.pending, id)
	}
	return nil
}

// Pending reports the number of scheduled, not yet fired jobs.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close cancels pending timers and waits for in-flight handlers.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	for id, timer := range q.pending {
		if timer.Stop() {
			q.wg.Done()
		}
		delete(q.pending, id)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// schedule registers fire under id. An id that is already pending is left
// untouched, making enqueue idempotent.
func (q *Queue) schedule(ctx context.Context, id string, delay time.Duration, fire func(ctx context.Context)) error {
	if delay < 0 {
		delay = 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("queue is closed")
	}
	if _, exists := q.pending[id]; exists {
		return nil
	}
	q.wg.Add(1)
	// Detach from the caller's cancellation but keep its logger.
	jobCtx := log.WithContext(context.Background(), ctx)
	timer := time.AfterFunc(delay, func() {
		defer q.wg.Done()
		q.mu.Lock()
		_, live := q.pending[id]
		delete(q.pending, id)
		closed := q.closed
		q.mu.Unlock()
		if !live || closed {
			return
		}
		fire(jobCtx)
	})
	q.pending[id] = timer
	return nil
}

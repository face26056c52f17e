// Package redis implements the workflow queue port on a Redis sorted set.
// Jobs are members scored by their due time; enqueue is idempotent on job id
// and any worker may claim a due job, so the queue survives restarts and
// spreads load across processes.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"goa.design/flow/workflow"
)

const (
	// jobsKey is the sorted set of pending job ids scored by due time.
	jobsKey = "flow:queue:jobs"
	// payloadKey is the hash of job id to payload envelope.
	payloadKey = "flow:queue:payloads"
	// pollInterval is the claim loop period.
	pollInterval = time.Second
	// claimBatch bounds jobs claimed per poll.
	claimBatch = 10
)

type (
	// Handlers receive claimed jobs. Run is required.
	Handlers struct {
		Run         func(ctx context.Context, job workflow.RunJob)
		Retry       func(ctx context.Context, job workflow.RetryJob)
		AssetExpiry func(ctx context.Context, job workflow.ExpiryJob)
	}

	// Options configures the queue.
	Options struct {
		// Client is the Redis connection. Required.
		Client redis.UniversalClient
		// Handlers dispatch claimed jobs; required when Consume is used.
		Handlers Handlers
		// Now overrides the clock (tests).
		Now func() time.Time
	}

	// Queue is the Redis workflow.Queue.
	Queue struct {
		client   redis.UniversalClient
		handlers Handlers
		now      func() time.Time
		// pollErrLog throttles repeated claim-loop error logging.
		pollErrLog rate.Sometimes
	}

	// envelope wraps a job payload with its kind for dispatch.
	envelope struct {
		Kind    string          `json:"kind"`
		Payload json.RawMessage `json:"payload"`
	}
)

const (
	kindRun    = "run"
	kindRetry  = "retry"
	kindExpiry = "expiry"
)

// New builds a Queue.
func New(opts Options) (*Queue, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	q := &Queue{
		client:     opts.Client,
		handlers:   opts.Handlers,
		now:        time.Now,
		pollErrLog: rate.Sometimes{Interval: time.Minute},
	}
	if opts.Now != nil {
		q.now = opts.Now
	}
	return q, nil
}

// EnqueueRun adds an immediate run job.
func (q *Queue) EnqueueRun(ctx context.Context, job workflow.RunJob) error {
	return q.add(ctx, workflow.RunJobID(job.WorkflowRunID), kindRun, job, q.now())
}

// ScheduleRetry adds a delayed retry job due at runAt.
func (q *Queue) ScheduleRetry(ctx context.Context, job workflow.RetryJob, runAt time.Time) error {
	id := workflow.RetryJobID(job.WorkflowRunID, job.StepID, job.Attempts)
	return q.add(ctx, id, kindRetry, job, runAt)
}

// ScheduleAssetExpiry adds a delayed expiry job.
func (q *Queue) ScheduleAssetExpiry(ctx context.Context, job workflow.ExpiryJob, delay time.Duration) error {
	id := workflow.ExpiryJobID(job.Reason, job.AssetKey)
	return q.add(ctx, id, kindExpiry, job, q.now().Add(delay))
}

// CancelJob removes a pending job by id. Unknown ids are a no-op.
func (q *Queue) CancelJob(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, jobsKey, id)
	pipe.HDel(ctx, payloadKey, id)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	return nil
}

// add registers a job id with its due time. An already-pending id is left
// untouched (HSetNX + ZAddNX), keeping enqueue idempotent. Both writes run
// in one transaction so the member is never claimable before its payload
// exists.
func (q *Queue) add(ctx context.Context, id, kind string, payload any, due time.Time) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode job payload: %w", err)
	}
	env, err := json.Marshal(envelope{Kind: kind, Payload: raw})
	if err != nil {
		return fmt.Errorf("encode job envelope: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSetNX(ctx, payloadKey, id, env)
	pipe.ZAddNX(ctx, jobsKey, redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: id,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue job %s: %w", id, err)
	}
	return nil
}

// Consume claims and dispatches due jobs until the context ends. Run it in
// its own goroutine; multiple consumers may run concurrently.
func (q *Queue) Consume(ctx context.Context) error {
	if q.handlers.Run == nil {
		return errors.New("run handler is required")
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	log.Printf(ctx, "redis queue consumer started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := q.claimDue(ctx); err != nil {
				q.pollErrLog.Do(func() {
					log.Errorf(ctx, err, "claim due jobs")
				})
			}
		}
	}
}

// claimDue pops due job ids and dispatches them. ZRem is the claim: only the
// worker that removes the member runs the job.
func (q *Queue) claimDue(ctx context.Context) error {
	now := q.now().UnixMilli()
	ids, err := q.client.ZRangeByScore(ctx, jobsKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now),
		Count: claimBatch,
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, jobsKey, id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue // another worker claimed it
		}
		pipe := q.client.TxPipeline()
		get := pipe.HGet(ctx, payloadKey, id)
		pipe.HDel(ctx, payloadKey, id)
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			log.Errorf(ctx, err, "load payload for job %s", id)
			continue
		}
		raw, err := get.Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				log.Errorf(ctx, err, "load payload for job %s", id)
			}
			continue
		}
		q.dispatch(ctx, id, []byte(raw))
	}
	return nil
}

// dispatch decodes and routes one claimed job.
func (q *Queue) dispatch(ctx context.Context, id string, raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Errorf(ctx, err, "decode job %s", id)
		return
	}
	switch env.Kind {
	case kindRun:
		var job workflow.RunJob
		if err := json.Unmarshal(env.Payload, &job); err != nil {
			log.Errorf(ctx, err, "decode run job %s", id)
			return
		}
		q.handlers.Run(ctx, job)
	case kindRetry:
		var job workflow.RetryJob
		if err := json.Unmarshal(env.Payload, &job); err != nil {
			log.Errorf(ctx, err, "decode retry job %s", id)
			return
		}
		if q.handlers.Retry != nil {
			q.handlers.Retry(ctx, job)
		} else {
			q.handlers.Run(ctx, workflow.RunJob{WorkflowRunID: job.WorkflowRunID, RunKey: job.RunKey})
		}
	case kindExpiry:
		var job workflow.ExpiryJob
		if err := json.Unmarshal(env.Payload, &job); err != nil {
			log.Errorf(ctx, err, "decode expiry job %s", id)
			return
		}
		if q.handlers.AssetExpiry != nil {
			q.handlers.AssetExpiry(ctx, job)
		}
	default:
		log.Printf(ctx, "unknown job kind %q for %s, dropping", env.Kind, id)
	}
}

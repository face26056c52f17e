// Command flowd runs the workflow execution worker: the run consumer, the
// heartbeat monitor and the cron scheduler, wired to a PostgreSQL repository
// and an inline or Redis-backed job queue.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	eventlog "goa.design/flow/features/events/logging"
	eventpulse "goa.design/flow/features/events/pulse"
	pulseclient "goa.design/flow/features/events/pulse/clients/pulse"
	queueinline "goa.design/flow/features/queue/inline"
	queueredis "goa.design/flow/features/queue/redis"
	"goa.design/flow/features/store/postgres"
	"goa.design/flow/runtime/assets"
	"goa.design/flow/runtime/heartbeat"
	"goa.design/flow/runtime/orchestrator"
	"goa.design/flow/runtime/recovery"
	"goa.design/flow/runtime/scheduler"
	"goa.design/flow/runtime/steps"
	"goa.design/flow/workflow"
)

func main() {
	var (
		dsnF    = flag.String("dsn", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
		redisF  = flag.String("redis", os.Getenv("REDIS_URL"), "Redis URL (queue and event streams)")
		queueF  = flag.String("queue", "redis", "Queue backend (valid values: redis, inline)")
		eventsF = flag.String("events", "log", "Event backend (valid values: log, pulse)")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, *dsnF, *redisF, *queueF, *eventsF); err != nil && err != context.Canceled {
		log.Fatalf(ctx, err, "flowd exited")
	}
}

func run(ctx context.Context, dsn, redisURL, queueBackend, eventsBackend string) error {
	if dsn == "" {
		return fmt.Errorf("a PostgreSQL DSN is required (-dsn or DATABASE_URL)")
	}
	cfg := workflow.LoadConfig()

	// Redis backs the distributed queue and the pulse event streams; the
	// inline queue with log events runs without it.
	var rdb *goredis.Client
	if queueBackend == "redis" || eventsBackend == "pulse" {
		if redisURL == "" {
			return fmt.Errorf("a Redis URL is required (-redis or REDIS_URL)")
		}
		redisOpts, err := goredis.ParseURL(redisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb = goredis.NewClient(redisOpts)
		defer rdb.Close()
	}

	var events workflow.Events
	switch eventsBackend {
	case "pulse":
		pc, err := pulseclient.New(pulseclient.Options{Redis: rdb})
		if err != nil {
			return err
		}
		events, err = eventpulse.NewEmitter(eventpulse.Options{Client: pc})
		if err != nil {
			return err
		}
	case "log":
		events = eventlog.New()
	default:
		return fmt.Errorf("unknown events backend %q", eventsBackend)
	}

	store, err := postgres.New(ctx, postgres.Options{DSN: dsn, Events: events})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// The queue dispatches into the orchestrator and asset manager, which in
	// turn enqueue follow-up jobs. The handlers close over the variables
	// assigned below; nothing dispatches until Consume starts.
	var (
		orch     *orchestrator.Orchestrator
		assetMgr *assets.Manager
	)
	runH := func(ctx context.Context, job workflow.RunJob) {
		orch.HandleRunJob(ctx, job)
	}
	retryH := func(ctx context.Context, job workflow.RetryJob) {
		orch.HandleRetryJob(ctx, job)
	}
	expiryH := func(ctx context.Context, job workflow.ExpiryJob) {
		if err := assetMgr.HandleExpiry(ctx, job); err != nil {
			log.Errorf(ctx, err, "handle asset expiry %s", job.AssetKey)
		}
	}

	var (
		queue   workflow.Queue
		consume func(context.Context) error
	)
	switch queueBackend {
	case "redis":
		rq, err := queueredis.New(queueredis.Options{
			Client:   rdb,
			Handlers: queueredis.Handlers{Run: runH, Retry: retryH, AssetExpiry: expiryH},
		})
		if err != nil {
			return err
		}
		queue, consume = rq, rq.Consume
	case "inline":
		iq, err := queueinline.New(queueinline.Options{
			Handlers: queueinline.Handlers{Run: runH, Retry: retryH, AssetExpiry: expiryH},
		})
		if err != nil {
			return err
		}
		defer iq.Close()
		queue = iq
		consume = func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}
	default:
		return fmt.Errorf("unknown queue backend %q", queueBackend)
	}

	assetMgr, err = assets.NewManager(assets.Options{Repository: store, Queue: queue, Events: events})
	if err != nil {
		return err
	}
	recoveryMgr, err := recovery.NewManager(recovery.Options{Repository: store, Queue: queue, Config: cfg})
	if err != nil {
		return err
	}
	executor, err := steps.New(steps.Options{
		Repository: store,
		Queue:      queue,
		Assets:     assetMgr,
		Recovery:   recoveryMgr,
		Config:     cfg,
	})
	if err != nil {
		return err
	}
	orch, err = orchestrator.New(orchestrator.Options{
		Repository: store,
		Queue:      queue,
		Steps:      executor,
		Recovery:   recoveryMgr,
		Events:     events,
		Config:     cfg,
	})
	if err != nil {
		return err
	}

	monitor, err := heartbeat.New(heartbeat.Options{Repository: store, Queue: queue, Config: cfg})
	if err != nil {
		return err
	}
	sched, err := scheduler.New(scheduler.Options{Repository: store, Queue: queue, Config: cfg})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf(ctx, "flowd starting (queue=%s events=%s)", queueBackend, eventsBackend)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consume(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	return g.Wait()
}

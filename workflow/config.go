package workflow

import (
	"os"
	"strconv"
	"time"
)

// Config holds the environment-derived tunables of the execution runtime.
// It is read once at component construction; loops never re-read the
// environment.
type Config struct {
	// MaxParallel caps in-run step concurrency. Zero defers to run metadata
	// and parameters, with an ultimate default of 1.
	MaxParallel int

	// FanOutMaxItems caps the number of fan-out children per parent.
	FanOutMaxItems int
	// FanOutMaxConcurrency caps concurrently executing children per parent.
	FanOutMaxConcurrency int

	// HeartbeatTimeout is the staleness threshold for running steps.
	HeartbeatTimeout time.Duration
	// HeartbeatInterval is the monitor tick period.
	HeartbeatInterval time.Duration
	// HeartbeatBatch caps stale refs processed per tick.
	HeartbeatBatch int

	// Retry backoff fallback applied when a policy yields no delay.
	RetryBase        time.Duration
	RetryFactor      float64
	RetryMax         time.Duration
	RetryJitterRatio float64

	// RecoveryPollInterval is the delay between recovery-request polls by a
	// gated consumer step.
	RecoveryPollInterval time.Duration

	// Scheduler loop settings.
	SchedulerInterval        time.Duration
	SchedulerBatchSize       int
	SchedulerMaxWindows      int
	SchedulerAdvisoryLocks   bool
	SchedulerLeaderKeepalive time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		FanOutMaxItems:           100,
		FanOutMaxConcurrency:     10,
		HeartbeatTimeout:         60 * time.Second,
		HeartbeatInterval:        15 * time.Second,
		HeartbeatBatch:           20,
		RetryBase:                5 * time.Second,
		RetryFactor:              2,
		RetryMax:                 30 * time.Minute,
		RetryJitterRatio:         0.2,
		RecoveryPollInterval:     30 * time.Second,
		SchedulerInterval:        5 * time.Second,
		SchedulerBatchSize:       10,
		SchedulerMaxWindows:      25,
		SchedulerAdvisoryLocks:   true,
		SchedulerLeaderKeepalive: 15 * time.Second,
	}
}

// LoadConfig reads the WORKFLOW_* / ASSET_RECOVERY_* environment knobs on
// top of the defaults.
func LoadConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxParallel = envInt("WORKFLOW_MAX_PARALLEL", envInt("WORKFLOW_CONCURRENCY", 0))
	cfg.FanOutMaxItems = envInt("WORKFLOW_FANOUT_MAX_ITEMS", cfg.FanOutMaxItems)
	cfg.FanOutMaxConcurrency = envInt("WORKFLOW_FANOUT_MAX_CONCURRENCY", cfg.FanOutMaxConcurrency)
	cfg.HeartbeatTimeout = envMillis("WORKFLOW_HEARTBEAT_TIMEOUT_MS", cfg.HeartbeatTimeout)
	cfg.HeartbeatInterval = envMillis("WORKFLOW_HEARTBEAT_CHECK_INTERVAL_MS", cfg.HeartbeatInterval)
	cfg.HeartbeatBatch = envInt("WORKFLOW_HEARTBEAT_CHECK_BATCH", cfg.HeartbeatBatch)
	cfg.RetryBase = envMillis("WORKFLOW_RETRY_BASE_MS", cfg.RetryBase)
	cfg.RetryFactor = envFloat("WORKFLOW_RETRY_FACTOR", cfg.RetryFactor)
	cfg.RetryMax = envMillis("WORKFLOW_RETRY_MAX_MS", cfg.RetryMax)
	cfg.RetryJitterRatio = envFloat("WORKFLOW_RETRY_JITTER_RATIO", cfg.RetryJitterRatio)
	cfg.RecoveryPollInterval = envMillis("ASSET_RECOVERY_POLL_INTERVAL_MS", cfg.RecoveryPollInterval)
	cfg.SchedulerInterval = envMillis("WORKFLOW_SCHEDULER_INTERVAL_MS", cfg.SchedulerInterval)
	cfg.SchedulerBatchSize = envInt("WORKFLOW_SCHEDULER_BATCH_SIZE", cfg.SchedulerBatchSize)
	cfg.SchedulerMaxWindows = envInt("WORKFLOW_SCHEDULER_MAX_WINDOWS", cfg.SchedulerMaxWindows)
	cfg.SchedulerAdvisoryLocks = envBool("WORKFLOW_SCHEDULER_ADVISORY_LOCKS", cfg.SchedulerAdvisoryLocks)
	cfg.SchedulerLeaderKeepalive = envMillis("WORKFLOW_SCHEDULER_LEADER_KEEPALIVE_MS", cfg.SchedulerLeaderKeepalive)
	return cfg
}

// Backoff returns the fallback backoff settings derived from the config.
func (c Config) Backoff() BackoffSettings {
	return BackoffSettings{
		BaseMs:      c.RetryBase.Milliseconds(),
		Factor:      c.RetryFactor,
		MaxMs:       c.RetryMax.Milliseconds(),
		JitterRatio: c.RetryJitterRatio,
	}
}

func envInt(name string, def int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat(name string, def float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return f
}

func envMillis(name string, def time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms < 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func envBool(name string, def bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return b
}

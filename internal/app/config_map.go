package app

import (
	"fmt"
	"strings"
	"time"

	"pacer/internal/config"
	"pacer/internal/dispatch"
	"pacer/internal/jobs"
	"pacer/internal/limiter"
	"pacer/internal/ops"
	"pacer/internal/quota"
	"pacer/internal/storage"
	"pacer/internal/trigger"
	logx "pacer/pkg/logx"
)

func mapLogxConfig(cfg *config.Config) (logx.Config, error) {
	if cfg == nil {
		return logx.Config{Console: true}, nil
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			Path:       cfg.Logging.Alert.Path,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}, nil
}

func mapQuotaConfig(cfg *config.Config) (quota.Config, error) {
	if cfg == nil {
		return quota.Config{}, nil
	}
	q := cfg.Quota
	if q.ReadLimit < 0 || q.WriteLimit < 0 || q.BatchLimit < 0 {
		return quota.Config{}, fmt.Errorf("quota limits must be >= 0")
	}
	if q.MaxMultiplier < 0 {
		return quota.Config{}, fmt.Errorf("quota.max_multiplier must be >= 0")
	}
	window, err := config.ParseDurationField("quota.window", q.Window)
	if err != nil {
		return quota.Config{}, err
	}
	failBase, err := config.ParseDurationField("quota.failure_wait_base", q.FailureWaitBase)
	if err != nil {
		return quota.Config{}, err
	}
	maxWait, err := config.ParseDurationField("quota.max_failure_wait", q.MaxFailureWait)
	if err != nil {
		return quota.Config{}, err
	}
	return quota.Config{
		Window:          window,
		ReadLimit:       q.ReadLimit,
		WriteLimit:      q.WriteLimit,
		BatchLimit:      q.BatchLimit,
		MaxMultiplier:   q.MaxMultiplier,
		FailureWaitBase: failBase,
		MaxFailureWait:  maxWait,
	}, nil
}

func mapLimiterConfig(cfg *config.Config) (limiter.Config, error) {
	if cfg == nil {
		return limiter.Config{}, nil
	}
	if cfg.Limiter.MaxConcurrent < 0 {
		return limiter.Config{}, fmt.Errorf("limiter.max_concurrent must be >= 0")
	}
	spacing, err := config.ParseDurationField("limiter.min_start_interval", cfg.Limiter.MinStartInterval)
	if err != nil {
		return limiter.Config{}, err
	}
	return limiter.Config{
		MaxConcurrent:    cfg.Limiter.MaxConcurrent,
		MinStartInterval: spacing,
	}, nil
}

// mapJobsConfig returns the queue config plus the batch stagger interval.
func mapJobsConfig(cfg *config.Config) (jobs.Config, time.Duration, error) {
	if cfg == nil {
		return jobs.Config{}, 0, nil
	}
	j := cfg.Jobs
	if j.MaxAttempts < 0 {
		return jobs.Config{}, 0, fmt.Errorf("jobs.max_attempts must be >= 0")
	}
	if j.MaxHistory < 0 {
		return jobs.Config{}, 0, fmt.Errorf("jobs.max_history must be >= 0")
	}
	retryBase, err := config.ParseDurationField("jobs.retry_base", j.RetryBase)
	if err != nil {
		return jobs.Config{}, 0, err
	}
	retryMax, err := config.ParseDurationField("jobs.retry_max_delay", j.RetryMaxDelay)
	if err != nil {
		return jobs.Config{}, 0, err
	}
	stagger, err := config.ParseDurationOrDefault("jobs.stagger", j.Stagger, 30*time.Second)
	if err != nil {
		return jobs.Config{}, 0, err
	}
	return jobs.Config{
		MaxAttempts:   j.MaxAttempts,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMax,
		MaxHistory:    j.MaxHistory,
	}, stagger, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	if cfg == nil {
		return dispatch.Config{}, nil
	}
	tick, err := config.ParseDurationField("dispatch.tick", cfg.Dispatch.Tick)
	if err != nil {
		return dispatch.Config{}, err
	}
	jobTimeout, err := config.ParseDurationField("dispatch.job_timeout", cfg.Dispatch.JobTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Enabled:    cfg.Dispatch.Enabled,
		Tick:       tick,
		JobTimeout: jobTimeout,
	}, nil
}

func mapTriggerConfig(cfg *config.Config) (trigger.Config, error) {
	if cfg == nil || cfg.Trigger == nil {
		return trigger.Config{}, nil
	}
	t := cfg.Trigger
	if tz := strings.TrimSpace(t.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return trigger.Config{}, fmt.Errorf("trigger.timezone: invalid %q: %w", tz, err)
		}
	}
	spread, err := config.ParseDurationField("trigger.spread", t.Spread)
	if err != nil {
		return trigger.Config{}, err
	}
	_, stagger, err := mapJobsConfig(cfg)
	if err != nil {
		return trigger.Config{}, err
	}
	return trigger.Config{
		Enabled:  t.Enabled,
		Schedule: t.Schedule,
		Timezone: t.Timezone,
		Spread:   spread,
		Kind:     t.Kind,
		Stagger:  stagger,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 1*time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	if cfg == nil || cfg.Ops == nil {
		return ops.Config{}, nil
	}
	o := cfg.Ops
	rt, err := config.ParseDurationField("ops.read_timeout", o.ReadTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	wt, err := config.ParseDurationField("ops.write_timeout", o.WriteTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	it, err := config.ParseDurationField("ops.idle_timeout", o.IdleTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:       o.Enabled,
		Addr:          o.Addr,
		Token:         o.Token,
		AllowInsecure: o.AllowInsecure,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   it,
	}, nil
}

// validateConfig rejects a config before it is committed during hot-reload.
func validateConfig(cfg *config.Config) error {
	if _, err := mapLogxConfig(cfg); err != nil {
		return err
	}
	if _, err := mapQuotaConfig(cfg); err != nil {
		return err
	}
	if _, err := mapLimiterConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapJobsConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTriggerConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapOpsConfig(cfg); err != nil {
		return err
	}
	return nil
}

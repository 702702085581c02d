package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Quota controls the rolling-window rate tracker and adaptive backoff.
	Quota QuotaConfig `json:"quota"`

	// Limiter controls per-owner concurrency and inter-start spacing.
	Limiter LimiterConfig `json:"limiter"`

	// Jobs controls queue behavior: retries, stagger, history retention.
	Jobs JobsConfig `json:"jobs"`

	// Dispatch controls the tick-based dispatch loop.
	Dispatch DispatchConfig `json:"dispatch"`

	Trigger *TriggerConfig `json:"trigger,omitempty"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Ops     *OpsConfig     `json:"ops,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert routes warn+ records to a secondary file with rate limiting,
// so operational alerts survive noisy debug logs.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// QuotaConfig controls the per-category rolling-window rate tracker.
//
// All durations are Go duration strings (e.g. "500ms", "30s", "2m").
//
// Defaults (when fields are omitted/zero):
//   - window: "30s"
//   - read_limit: 80, write_limit: 30, batch_limit: 20
//   - max_multiplier: 8
//   - failure_wait_base: window
//   - max_failure_wait: "2m"
type QuotaConfig struct {
	Window     string `json:"window,omitempty"`
	ReadLimit  int    `json:"read_limit,omitempty"`
	WriteLimit int    `json:"write_limit,omitempty"`
	BatchLimit int    `json:"batch_limit,omitempty"`

	MaxMultiplier   float64 `json:"max_multiplier,omitempty"`
	FailureWaitBase string  `json:"failure_wait_base,omitempty"`
	MaxFailureWait  string  `json:"max_failure_wait,omitempty"`
}

// LimiterConfig controls concurrent owner slots.
//
// Defaults: max_concurrent=5, min_start_interval="5s".
type LimiterConfig struct {
	MaxConcurrent int `json:"max_concurrent,omitempty"`

	// MinStartInterval is a Go duration string. "0s" disables spacing.
	MinStartInterval string `json:"min_start_interval,omitempty"`
}

// JobsConfig controls queue policy.
//
// Defaults: max_attempts=3, retry_base="1m", retry_max_delay="15m",
// stagger="30s", max_history=500.
type JobsConfig struct {
	MaxAttempts   int    `json:"max_attempts,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	Stagger       string `json:"stagger,omitempty"`
	MaxHistory    int    `json:"max_history,omitempty"`
}

// DispatchConfig controls the dispatch loop.
//
// Defaults: tick="1s", job_timeout="0s" (disabled).
type DispatchConfig struct {
	Enabled bool   `json:"enabled"`
	Tick    string `json:"tick,omitempty"`

	// JobTimeout bounds a single job execution. "0s" disables the bound.
	JobTimeout string `json:"job_timeout,omitempty"`
}

// TriggerConfig controls the periodic scan trigger.
//
// Schedule is a cron spec (robfig/cron syntax, e.g. "0 3 * * *").
// Spread delays the startup catch-up run by a random fraction of this
// duration so restarts don't synchronize enqueue bursts.
type TriggerConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // default: "0 3 * * *"
	Timezone string `json:"timezone,omitempty"`
	Spread   string `json:"spread,omitempty"` // Go duration string, default "0s"
	Kind     string `json:"kind,omitempty"`   // job kind for scheduled scans

	// Owners is the static owner list scanned on each trigger run.
	// Embedders can replace it with a dynamic source.
	Owners []string `json:"owners,omitempty"`
}

// StorageConfig controls the optional job journal.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./pacer_journal" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// OpsConfig controls the read-only status HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:7070").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:7070"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

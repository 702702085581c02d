package quota

import (
	"time"
)

// Category classifies a downstream call by its quota bucket.
//
// The downstream API accounts reads, writes and batch endpoints separately,
// so each category keeps its own rolling window.
type Category int

const (
	CategoryRead Category = iota
	CategoryWrite
	CategoryBatch
)

// Categories lists every category in declaration order.
var Categories = []Category{CategoryRead, CategoryWrite, CategoryBatch}

func (c Category) String() string {
	switch c {
	case CategoryRead:
		return "read"
	case CategoryWrite:
		return "write"
	case CategoryBatch:
		return "batch"
	default:
		return "unknown"
	}
}

// Config controls the quota tracker.
//
// The downstream API enforces a rolling window, so limits here are
// "requests per trailing Window", not per aligned bucket.
type Config struct {
	// Window is the rolling window width.
	Window time.Duration

	// Per-category request limits within Window.
	ReadLimit  int
	WriteLimit int
	BatchLimit int

	// MaxMultiplier caps the adaptive backoff multiplier (>= 1.0).
	MaxMultiplier float64

	// FailureWaitBase is the base wait suggested after a failure without a
	// server retry hint; the suggested wait is multiplier * FailureWaitBase.
	// Defaults to Window.
	FailureWaitBase time.Duration

	// MaxFailureWait caps any suggested failure wait (hinted or derived).
	MaxFailureWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 30 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 80
	}
	if c.WriteLimit <= 0 {
		c.WriteLimit = 30
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 20
	}
	if c.MaxMultiplier < 1 {
		c.MaxMultiplier = 8
	}
	if c.FailureWaitBase <= 0 {
		c.FailureWaitBase = c.Window
	}
	if c.MaxFailureWait <= 0 {
		c.MaxFailureWait = 2 * time.Minute
	}
	return c
}

func (c Config) limit(cat Category) int {
	switch cat {
	case CategoryWrite:
		return c.WriteLimit
	case CategoryBatch:
		return c.BatchLimit
	default:
		return c.ReadLimit
	}
}

// CategoryStats is the read-only view of one category's window.
type CategoryStats struct {
	Category string `json:"category"`
	Used     int    `json:"used"`
	Limit    int    `json:"limit"`
}

// Stats is a point-in-time snapshot of the tracker, for observability.
type Stats struct {
	Window              time.Duration   `json:"window"`
	Multiplier          float64         `json:"multiplier"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	Usage               []CategoryStats `json:"usage"`
}

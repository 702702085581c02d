package quota

import (
	"sync"
	"time"

	"pacer/internal/eventbus"
	logx "pacer/pkg/logx"
)

// Tracker keeps a rolling window of consumed-request timestamps per category
// and decides whether a new downstream call may proceed.
//
// All mutation happens under the tracker's own lock; callers never touch
// window state directly. The backoff multiplier is global across categories:
// once the downstream signals distress, everything slows down together.
type Tracker struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	// now is swappable for deterministic tests.
	now func() time.Time

	windows map[Category][]time.Time

	consecFailures int
	multiplier     float64
}

// BackoffEvent is published on the bus when the multiplier changes upward.
type BackoffEvent struct {
	Multiplier          float64       `json:"multiplier"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	SuggestedWait       time.Duration `json:"suggested_wait"`
}

func NewTracker(cfg Config, log logx.Logger, bus eventbus.Bus) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	t := &Tracker{
		cfg:        cfg,
		log:        log,
		bus:        bus,
		now:        time.Now,
		windows:    make(map[Category][]time.Time, len(Categories)),
		multiplier: 1.0,
	}
	return t
}

// Apply swaps limits/window at runtime. Recorded timestamps are kept; an
// oversized window simply drains through normal pruning.
func (t *Tracker) Apply(cfg Config) {
	t.mu.Lock()
	t.cfg = cfg.withDefaults()
	if t.multiplier > t.cfg.MaxMultiplier {
		t.multiplier = t.cfg.MaxMultiplier
	}
	t.mu.Unlock()
}

// Admit checks whether a call in the given category may proceed right now.
//
// It returns 0 and records the call's timestamp when admissible. Otherwise it
// returns the wait until the oldest recorded call leaves the window, scaled by
// the current backoff multiplier; the caller should wait and re-check (see
// Gate.Acquire). Nothing is recorded on a non-zero return.
func (t *Tracker) Admit(cat Category) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	calls := t.pruneLocked(cat, now)
	limit := t.cfg.limit(cat)

	if len(calls) < limit {
		t.windows[cat] = append(calls, now)
		return 0
	}

	// Wait until the oldest call exits the window, plus a small slack so the
	// re-check lands on the admissible side of the boundary.
	wait := calls[0].Add(t.cfg.Window).Sub(now) + 100*time.Millisecond
	if wait < 0 {
		wait = 0
	}
	wait = time.Duration(float64(wait) * t.multiplier)

	t.log.Debug("quota window full",
		logx.String("category", cat.String()),
		logx.Int("used", len(calls)),
		logx.Int("limit", limit),
		logx.Duration("wait", wait),
	)
	return wait
}

// ReportSuccess records a successful downstream call. Consecutive failures
// drain one per success; once drained, the multiplier decays geometrically
// back toward 1.0.
func (t *Tracker) ReportSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.consecFailures > 0 {
		t.consecFailures--
	}
	if t.consecFailures == 0 && t.multiplier > 1.0 {
		t.multiplier = 1.0 + (t.multiplier-1.0)/2
		if t.multiplier < 1.05 {
			t.multiplier = 1.0
		}
	}
}

// ReportFailure records a rate-limit or downstream failure and returns the
// wait the caller should honor before retrying the triggering call.
//
// hint carries a server-supplied retry delay (e.g. Retry-After on a 429);
// pass 0 when the downstream gave none.
func (t *Tracker) ReportFailure(hint time.Duration) time.Duration {
	t.mu.Lock()

	t.consecFailures++
	t.multiplier *= 2
	if t.multiplier > t.cfg.MaxMultiplier {
		t.multiplier = t.cfg.MaxMultiplier
	}

	// MaxFailureWait caps only the derived wait. A server-supplied hint is
	// authoritative; retrying earlier than the downstream asked for just
	// invites another 429.
	wait := hint
	if wait <= 0 {
		wait = time.Duration(t.multiplier * float64(t.cfg.FailureWaitBase))
		if wait > t.cfg.MaxFailureWait {
			wait = t.cfg.MaxFailureWait
		}
	}

	mult := t.multiplier
	fails := t.consecFailures
	bus := t.bus
	t.mu.Unlock()

	t.log.Warn("downstream distress reported",
		logx.Int("consecutive_failures", fails),
		logx.Float64("multiplier", mult),
		logx.Duration("wait", wait),
	)
	if bus != nil {
		bus.Publish(eventbus.Event{Type: eventbus.TypeQuotaBackoff, Data: BackoffEvent{
			Multiplier:          mult,
			ConsecutiveFailures: fails,
			SuggestedWait:       wait,
		}})
	}
	return wait
}

// Stats returns a read-only snapshot for observability. It prunes expired
// timestamps so reported usage reflects the current window.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	usage := make([]CategoryStats, 0, len(Categories))
	for _, cat := range Categories {
		calls := t.pruneLocked(cat, now)
		usage = append(usage, CategoryStats{
			Category: cat.String(),
			Used:     len(calls),
			Limit:    t.cfg.limit(cat),
		})
	}
	return Stats{
		Window:              t.cfg.Window,
		Multiplier:          t.multiplier,
		ConsecutiveFailures: t.consecFailures,
		Usage:               usage,
	}
}

// pruneLocked drops timestamps older than the window and returns the kept
// slice (already stored back). Caller must hold t.mu.
func (t *Tracker) pruneLocked(cat Category, now time.Time) []time.Time {
	calls := t.windows[cat]
	cutoff := now.Add(-t.cfg.Window)
	i := 0
	for i < len(calls) && !calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		calls = append(calls[:0], calls[i:]...)
		t.windows[cat] = calls
	}
	return calls
}

// Package limiter bounds how many distinct job owners may have work in
// flight at once, independent of the per-request quota, and spaces out owner
// starts so freeing a batch of slots doesn't stampede the downstream API.
package limiter

import (
	"sort"
	"sync"
	"time"
)

// Config controls the owner slot registry.
type Config struct {
	// MaxConcurrent is the ceiling on simultaneously in-flight owners.
	MaxConcurrent int

	// MinStartInterval is the minimum spacing between starting new owners.
	MinStartInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.MinStartInterval < 0 {
		c.MinStartInterval = 0
	}
	return c
}

// OwnerLimiter is safe for concurrent use from the dispatch loop and any
// manual-trigger path. The check-then-reserve sequence in TryStart is atomic
// under the internal lock; without that the ceiling could be exceeded by
// racing callers.
type OwnerLimiter struct {
	mu  sync.Mutex
	cfg Config

	now func() time.Time

	inFlight  map[string]struct{}
	lastStart time.Time
}

func New(cfg Config) *OwnerLimiter {
	return &OwnerLimiter{
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		inFlight: make(map[string]struct{}),
	}
}

// Apply swaps limits at runtime. A lowered ceiling does not evict in-flight
// owners; it only prevents new starts until slots drain.
func (l *OwnerLimiter) Apply(cfg Config) {
	l.mu.Lock()
	l.cfg = cfg.withDefaults()
	l.mu.Unlock()
}

// TryStart reserves a slot for the owner if both the concurrency ceiling and
// the minimum inter-start delay are satisfied. It returns false without side
// effects otherwise; the caller re-checks on its next tick.
func (l *OwnerLimiter) TryStart(ownerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, active := l.inFlight[ownerID]; active {
		return false
	}
	if len(l.inFlight) >= l.cfg.MaxConcurrent {
		return false
	}
	now := l.now()
	if !l.lastStart.IsZero() && now.Sub(l.lastStart) < l.cfg.MinStartInterval {
		return false
	}

	l.inFlight[ownerID] = struct{}{}
	l.lastStart = now
	return true
}

// Finish releases the owner's slot. It is idempotent: releasing an owner that
// is not in flight is a no-op.
func (l *OwnerLimiter) Finish(ownerID string) {
	l.mu.Lock()
	delete(l.inFlight, ownerID)
	l.mu.Unlock()
}

// Active returns the number of owners currently in flight.
func (l *OwnerLimiter) Active() int {
	l.mu.Lock()
	n := len(l.inFlight)
	l.mu.Unlock()
	return n
}

// IsActive reports whether the owner currently holds a slot.
func (l *OwnerLimiter) IsActive(ownerID string) bool {
	l.mu.Lock()
	_, ok := l.inFlight[ownerID]
	l.mu.Unlock()
	return ok
}

// Snapshot is the read-only view used by the status surface.
type Snapshot struct {
	Active           int           `json:"active"`
	MaxConcurrent    int           `json:"max_concurrent"`
	MinStartInterval time.Duration `json:"min_start_interval"`
	Owners           []string      `json:"owners,omitempty"`
}

func (l *OwnerLimiter) Snapshot() Snapshot {
	l.mu.Lock()
	owners := make([]string, 0, len(l.inFlight))
	for id := range l.inFlight {
		owners = append(owners, id)
	}
	cfg := l.cfg
	l.mu.Unlock()

	sort.Strings(owners)
	return Snapshot{
		Active:           len(owners),
		MaxConcurrent:    cfg.MaxConcurrent,
		MinStartInterval: cfg.MinStartInterval,
		Owners:           owners,
	}
}

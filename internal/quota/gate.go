package quota

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAdmissionTimeout is returned by Gate.Acquire when the caller-supplied
// deadline elapses while still waiting for quota. Job runners treat it like
// any other retryable downstream failure.
var ErrAdmissionTimeout = errors.New("quota admission timed out")

// Gate is the entry point job bodies use before issuing a downstream call.
//
// It wraps the Tracker with cooperative wait/re-check semantics: Acquire
// suspends only the calling goroutine; unrelated work keeps flowing.
type Gate struct {
	tracker *Tracker
}

func NewGate(t *Tracker) *Gate {
	return &Gate{tracker: t}
}

// Acquire blocks until the tracker admits a call in the given category, or
// the context is done. There is no built-in timeout; callers bound the wait
// with a context deadline when they need one.
func (g *Gate) Acquire(ctx context.Context, cat Category) error {
	for {
		wait := g.tracker.Admit(cat)
		if wait == 0 {
			return nil
		}
		if err := sleepCtx(ctx, wait); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("%w: category %s", ErrAdmissionTimeout, cat)
			}
			return err
		}
	}
}

// ReportSuccess forwards a successful downstream call to the tracker.
func (g *Gate) ReportSuccess() { g.tracker.ReportSuccess() }

// Report429 forwards a rate-limited response and returns the wait the caller
// should honor before retrying the triggering call itself.
func (g *Gate) Report429(retryHint time.Duration) time.Duration {
	return g.tracker.ReportFailure(retryHint)
}

// ReportFailure forwards a non-429 downstream failure (timeout, 5xx).
func (g *Gate) ReportFailure() time.Duration {
	return g.tracker.ReportFailure(0)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

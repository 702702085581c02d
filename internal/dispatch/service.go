// Package dispatch runs the background scheduling loop: it pulls ready jobs
// from the queue at a fixed tick, respects the owner concurrency limiter,
// and executes job bodies concurrently. The loop itself never touches the
// quota tracker; only job bodies do, through the admission gate.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pacer/internal/jobs"
	"pacer/internal/limiter"
	rtsup "pacer/internal/runtime/supervisor"
	logx "pacer/pkg/logx"
)

// Runner executes one job body. It is invoked concurrently for different
// owners; the error it returns decides the job's fate (nil, retryable, or
// NoRetry-wrapped fatal).
type Runner func(ctx context.Context, job jobs.Job) error

type Config struct {
	Enabled bool

	// Tick is the scheduling poll interval.
	Tick time.Duration

	// JobTimeout bounds a single job body execution. 0 disables the bound.
	JobTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	return c
}

type Service struct {
	cfgMu sync.Mutex
	cfg   Config

	log    logx.Logger
	queue  *jobs.Queue
	owners *limiter.OwnerLimiter
	runner Runner

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	inFlight int32
}

// Snapshot is a read-only view of the loop, for observability.
type Snapshot struct {
	Enabled  bool          `json:"enabled"`
	Running  bool          `json:"running"`
	Tick     time.Duration `json:"tick"`
	InFlight int           `json:"in_flight"`
}

func New(cfg Config, queue *jobs.Queue, owners *limiter.OwnerLimiter, runner Runner, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log,
		queue:  queue,
		owners: owners,
		runner: runner,
	}
}

// Apply swaps loop settings at runtime. Tick changes take effect on the next
// tick; no restart needed.
func (s *Service) Apply(cfg Config) {
	s.cfgMu.Lock()
	s.cfg = cfg.withDefaults()
	s.cfgMu.Unlock()
}

// Running reports whether the loop is currently active.
func (s *Service) Running() bool {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.runningLocked()
}

// runningLocked also accounts for the loop dying with its parent context,
// which exits without going through Stop.
func (s *Service) runningLocked() bool {
	if s.stopCh == nil || s.stopDone != nil {
		return false
	}
	if s.sup != nil && s.sup.Context().Err() != nil {
		return false
	}
	return true
}

func (s *Service) Snapshot() Snapshot {
	s.cfgMu.Lock()
	cfg := s.cfg
	running := s.runningLocked()
	s.cfgMu.Unlock()
	return Snapshot{
		Enabled:  cfg.Enabled,
		Running:  running,
		Tick:     cfg.Tick,
		InFlight: int(atomic.LoadInt32(&s.inFlight)),
	}
}

// Start launches the dispatch loop. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.cfgMu.Lock()
	if !s.cfg.Enabled || s.runner == nil {
		s.cfgMu.Unlock()
		return
	}
	if s.stopCh != nil {
		s.cfgMu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "dispatch"))),
		// Loop failures self-heal; they must never take the process down.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.cfgMu.Unlock()

	sup.GoRestart("loop", func(c context.Context) error {
		s.loop(c, stopCh)
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("dispatch loop exited unexpectedly")
	},
		rtsup.WithPublishFirstError(true),
	)

	s.log.Info("dispatch loop started", logx.Duration("tick", s.tick()))
}

// Stop stops accepting new dispatch ticks and waits for in-flight job bodies
// to run to completion (bounded by ctx).
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.cfgMu.Lock()
	if s.stopCh == nil {
		s.cfgMu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.cfgMu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.cfgMu.Unlock()

	go func() {
		if sup != nil {
			// In-flight bodies finish naturally; only the tick loop is canceled.
			_ = sup.Wait(context.Background())
		}
		s.cfgMu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.cfgMu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("dispatch loop stopped")
	case <-ctx.Done():
		s.log.Warn("dispatch loop stop timed out", logx.Any("err", ctx.Err()))
	}
}

func (s *Service) tick() time.Duration {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.cfg.Tick
}

func (s *Service) jobTimeout() time.Duration {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.cfg.JobTimeout
}

func (s *Service) loop(ctx context.Context, stopCh <-chan struct{}) {
	tmr := time.NewTimer(s.tick())
	defer tmr.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-tmr.C:
		}

		s.drainReady(ctx, stopCh)
		tmr.Reset(s.tick())
	}
}

// drainReady starts as many ready jobs as the limiter allows this tick.
// A TryStart refusal means "not yet": the job stays queued and the loop
// re-checks next tick rather than busy-spinning.
func (s *Service) drainReady(ctx context.Context, stopCh <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		job, ok := s.queue.NextReady()
		if !ok {
			return
		}
		if !s.owners.TryStart(job.OwnerID) {
			return
		}
		if err := s.queue.MarkRunning(job.ID); err != nil {
			// Raced with a cancel; release the slot and look at the next job.
			s.owners.Finish(job.OwnerID)
			s.log.Debug("dispatch skipped job", logx.String("job", job.ID), logx.Any("err", err))
			continue
		}

		atomic.AddInt32(&s.inFlight, 1)
		running := job
		s.cfgMu.Lock()
		sup := s.sup
		s.cfgMu.Unlock()
		if sup == nil {
			// Stop raced us; undo the start so the job is retried cleanly.
			s.owners.Finish(running.OwnerID)
			_ = s.queue.MarkFailedRetry(running.ID, errors.New("dispatch stopped before start"))
			atomic.AddInt32(&s.inFlight, -1)
			return
		}
		sup.Go0("job."+running.ID, func(c context.Context) {
			defer atomic.AddInt32(&s.inFlight, -1)
			s.execOne(c, running)
		})
	}
}

func (s *Service) execOne(ctx context.Context, job jobs.Job) {
	start := time.Now()
	defer s.owners.Finish(job.OwnerID)

	runCtx := ctx
	var cancel context.CancelFunc
	if t := s.jobTimeout(); t > 0 {
		runCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	// Guard against body panics: convert to a retryable error so one bad job
	// can't crash the process or leak the owner's slot.
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("job body panicked",
					logx.String("job", job.ID),
					logx.String("owner", job.OwnerID),
					logx.Any("panic", r),
				)
			}
		}()
		err = s.runner(runCtx, job)
	}()

	dur := time.Since(start)
	switch {
	case err == nil:
		if mErr := s.queue.MarkCompleted(job.ID); mErr != nil {
			s.log.Error("mark completed failed", logx.String("job", job.ID), logx.Any("err", mErr))
			return
		}
		s.log.Info("job completed",
			logx.String("job", job.ID),
			logx.String("owner", job.OwnerID),
			logx.Duration("dur", dur),
			logx.Int("attempt", job.AttemptCount+1),
		)
	case IsNoRetry(err):
		if mErr := s.queue.MarkFailed(job.ID, err); mErr != nil {
			s.log.Error("mark failed failed", logx.String("job", job.ID), logx.Any("err", mErr))
		}
	default:
		if mErr := s.queue.MarkFailedRetry(job.ID, err); mErr != nil {
			s.log.Error("mark retry failed", logx.String("job", job.ID), logx.Any("err", mErr))
		}
	}
}

package trigger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"pacer/internal/jobs"
	logx "pacer/pkg/logx"
)

const defaultSchedule = "0 3 * * *"

func New(cfg Config, owners OwnerSource, queue Enqueuer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = defaultSchedule
	}
	if strings.TrimSpace(cfg.Kind) == "" {
		cfg.Kind = "scan"
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		owners: owners,
		queue:  queue,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:    time.Now,
	}
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = defaultSchedule
	}
	if strings.TrimSpace(cfg.Kind) == "" {
		cfg.Kind = "scan"
	}

	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	oldSpec := strings.TrimSpace(s.cfg.Schedule)
	s.cfg = cfg
	restart := s.c != nil &&
		(oldTZ != strings.TrimSpace(cfg.Timezone) || oldSpec != strings.TrimSpace(cfg.Schedule))
	var old *cron.Cron
	if restart {
		old = s.c
		s.c = nil
	}
	s.mu.Unlock()

	if !restart {
		return
	}

	// Wait for the old cron (and any in-flight scan) with the lock
	// released: runScan and the other entry points take s.mu, so holding
	// it here would stall them for the scan's whole duration and deadlock
	// outright if a scan fires into this window.
	<-old.Stop().Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	if err := s.scheduleLocked(); err != nil {
		s.c = nil
		s.log.Warn("trigger restart failed", logx.String("schedule", s.cfg.Schedule), logx.Any("err", err))
		return
	}
	s.c.Start()
	s.log.Info("trigger restarted",
		logx.String("schedule", s.cfg.Schedule),
		logx.String("tz", loc.String()),
	)
}

// Start begins cron triggering. The first run is pulled forward to a random
// point within Spread so restarts catch up without synchronized bursts.
func (s *Service) Start(ctx context.Context) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if !s.cfg.Enabled {
		return nil
	}

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	if err := s.scheduleLocked(); err != nil {
		s.c = nil
		return err
	}
	s.c.Start()
	s.log.Info("trigger started",
		logx.String("schedule", s.cfg.Schedule),
		logx.String("tz", loc.String()),
	)
	return nil
}

// Stop stops cron triggering and waits for an in-flight scan to finish.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
	s.log.Info("trigger stopped", logx.Duration("took", time.Since(start)))
}

// TriggerOwner enqueues one high priority job for the owner, bypassing the
// cron schedule.
func (s *Service) TriggerOwner(ownerID string) (string, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return "", errors.New("trigger: owner id is empty")
	}
	s.mu.Lock()
	kind := s.cfg.Kind
	s.mu.Unlock()

	id, err := s.queue.Enqueue(ownerID, kind, jobs.PriorityHigh, s.now())
	if err != nil {
		return "", err
	}
	s.log.Info("manual trigger enqueued", logx.String("owner", ownerID), logx.String("job_id", id))
	return id, nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Enabled:  s.cfg.Enabled,
		Running:  s.c != nil,
		Schedule: s.cfg.Schedule,
		Timezone: strings.TrimSpace(s.cfg.Timezone),
	}
	if s.c != nil {
		for _, e := range s.c.Entries() {
			snap.Next = e.Next
			snap.Prev = e.Prev
			break
		}
	}
	return snap
}

func (s *Service) scheduleLocked() error {
	base, err := s.parser.Parse(s.cfg.Schedule)
	if err != nil {
		return err
	}
	sched := base
	if s.cfg.Spread > 0 {
		var jitter time.Duration
		sched, jitter = withStartupSpread(base, s.now().In(s.loc), s.cfg.Spread, s.cfg.Kind)
		s.log.Debug("startup scan scheduled", logx.Duration("spread", jitter))
	}
	s.c.Schedule(sched, cron.FuncJob(s.runScan))
	return nil
}

func (s *Service) runScan() {
	s.mu.Lock()
	kind := s.cfg.Kind
	stagger := s.cfg.Stagger
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	owners, err := s.owners.Owners(ctx)
	if err != nil {
		s.log.Warn("owner scan failed", logx.Any("err", err))
		return
	}
	if len(owners) == 0 {
		s.log.Debug("scan found no owners")
		return
	}

	ids := s.queue.EnqueueBatch(owners, kind, jobs.PriorityNormal, stagger)
	s.log.Info("scan enqueued",
		logx.Int("owners", len(owners)),
		logx.Int("enqueued", len(ids)),
		logx.Int("skipped", len(owners)-len(ids)),
	)
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Any("err", err))
		return time.Local
	}
	return loc
}

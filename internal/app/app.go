// Package app wires the scheduling core together: config, logging,
// quota tracker, owner limiter, job queue, dispatch loop, trigger,
// journal and the ops status server.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pacer/internal/config"
	"pacer/internal/dispatch"
	"pacer/internal/eventbus"
	"pacer/internal/jobs"
	"pacer/internal/limiter"
	"pacer/internal/ops"
	"pacer/internal/quota"
	rtsup "pacer/internal/runtime/supervisor"
	"pacer/internal/storage"
	"pacer/internal/trigger"
	logx "pacer/pkg/logx"
)

// StopReason records why the app is shutting down (for the final log line).
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

// Deps are optional integration points for embedders.
//
// Runner executes one job; when nil, a default runner is installed that
// paces itself through the admission gate and succeeds immediately.
// Owners supplies the owner list for scheduled scans; when nil, the
// static list from trigger.owners in the config file is used.
type Deps struct {
	Runner dispatch.Runner
	Owners trigger.OwnerSource
}

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	tracker *quota.Tracker
	gate    *quota.Gate
	owners  *limiter.OwnerLimiter
	queue   *jobs.Queue
	disp    *dispatch.Service
	trig    *trigger.Service
	opsSrv  *ops.Service
}

func NewApp(cfgPath string, deps Deps) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logCfg, err := mapLogxConfig(cfg)
	if err != nil {
		return nil, err
	}
	logSvc, log := logx.New(logCfg)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("journal enabled", logx.String("driver", sc.Driver))
	}

	qcfg, err := mapQuotaConfig(cfg)
	if err != nil {
		return nil, err
	}
	tracker := quota.NewTracker(qcfg, log.With(logx.String("comp", "quota")), bus)
	gate := quota.NewGate(tracker)

	lcfg, err := mapLimiterConfig(cfg)
	if err != nil {
		return nil, err
	}
	owners := limiter.New(lcfg)

	jcfg, _, err := mapJobsConfig(cfg)
	if err != nil {
		return nil, err
	}
	queue := jobs.NewQueue(jcfg, log.With(logx.String("comp", "queue")), bus)

	runner := deps.Runner
	if runner == nil {
		runner = gatedNoopRunner(gate)
		log.Debug("no runner installed; using gate-paced noop runner")
	}
	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dcfg, queue, owners, runner, log.With(logx.String("comp", "dispatch")))

	ownerSrc := deps.Owners
	if ownerSrc == nil {
		ownerSrc = &configOwnerSource{cfgm: cfgm}
	}
	tcfg, err := mapTriggerConfig(cfg)
	if err != nil {
		return nil, err
	}
	trig := trigger.New(tcfg, ownerSrc, queue, log.With(logx.String("comp", "trigger")))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		tracker: tracker,
		gate:    gate,
		owners:  owners,
		queue:   queue,
		disp:    disp,
		trig:    trig,
	}

	ocfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.opsSrv = ops.New(ocfg, a.statusSnapshot, log.With(logx.String("comp", "ops")))

	return a, nil
}

// Gate exposes the admission gate so embedders can pace their runners.
func (a *App) Gate() *quota.Gate { return a.gate }

// Queue exposes the job queue for embedders (enqueue, status, cancel).
func (a *App) Queue() *jobs.Queue { return a.queue }

// Trigger exposes the trigger service (manual TriggerOwner path).
func (a *App) Trigger() *trigger.Service { return a.trig }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		_ = c
		return validateConfig(cfg)
	})

	a.disp.Start(a.sup.Context())
	if a.trig.Enabled() {
		if err := a.trig.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("trigger start: %w", err)
		}
	}
	if a.opsSrv.Enabled() {
		a.opsSrv.Start(a.sup.Context())
	}

	a.startEventConsumers()
	a.startConfigReload()

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	notifyReady(a.log)
	a.log.Info("app started")
	return nil
}

// startEventConsumers subscribes to the bus for debug logging and
// journal appends.
func (a *App) startEventConsumers() {
	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("eventbus.consume", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Keep this debug-level to avoid noise under load.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				a.journal(c, e)
			}
		}
	})
}

func (a *App) journal(ctx context.Context, e eventbus.Event) {
	if a.store == nil {
		return
	}
	je, ok := e.Data.(jobs.Event)
	if !ok {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := a.store.AppendJobEvent(wctx, storage.JournalEntry{
		At:       e.Time,
		JobID:    je.ID,
		OwnerID:  je.OwnerID,
		Kind:     je.Kind,
		Status:   je.Status,
		Priority: je.Priority,
		Attempt:  je.Attempt,
		Error:    je.Error,
	})
	if err != nil {
		a.log.Debug("journal append failed", logx.Any("err", err))
	}
}

// startConfigReload fans hot-reloaded configs out to the components.
func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				lastApplied = newCfg
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}

				a.applyConfig(c, newCfg, sections)

				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			}
		}
	})
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config, sections []string) {
	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}

	if changed["storage"] {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	if changed["logging"] {
		if lc, err := mapLogxConfig(cfg); err != nil {
			a.log.Warn("invalid logging config; keeping previous", logx.Any("err", err))
		} else {
			a.logs.Apply(lc)
		}
	}

	if changed["quota"] {
		if qc, err := mapQuotaConfig(cfg); err != nil {
			a.log.Warn("invalid quota config; keeping previous", logx.Any("err", err))
		} else {
			a.tracker.Apply(qc)
		}
	}

	if changed["limiter"] {
		if lc, err := mapLimiterConfig(cfg); err != nil {
			a.log.Warn("invalid limiter config; keeping previous", logx.Any("err", err))
		} else {
			a.owners.Apply(lc)
		}
	}

	if changed["jobs"] {
		if jc, _, err := mapJobsConfig(cfg); err != nil {
			a.log.Warn("invalid jobs config; keeping previous", logx.Any("err", err))
		} else {
			a.queue.Apply(jc)
		}
	}

	if changed["dispatch"] {
		if dc, err := mapDispatchConfig(cfg); err != nil {
			a.log.Warn("invalid dispatch config; keeping previous", logx.Any("err", err))
		} else {
			wasRunning := a.disp.Running()
			a.disp.Apply(dc)
			if wasRunning && !dc.Enabled {
				a.log.Info("dispatch disabled via config")
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.disp.Stop(stopCtx)
				cancel()
			} else if !wasRunning && dc.Enabled {
				a.log.Info("dispatch enabled via config")
				a.disp.Start(ctx)
			}
		}
	}

	if changed["trigger"] || changed["jobs"] {
		if tc, err := mapTriggerConfig(cfg); err != nil {
			a.log.Warn("invalid trigger config; keeping previous", logx.Any("err", err))
		} else {
			wasRunning := a.trig.Enabled()
			a.trig.Apply(tc)
			if wasRunning && !tc.Enabled {
				a.log.Info("trigger disabled via config")
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.trig.Stop(stopCtx)
				cancel()
			} else if !wasRunning && tc.Enabled {
				a.log.Info("trigger enabled via config")
				if err := a.trig.Start(ctx); err != nil {
					a.log.Warn("trigger start failed", logx.Any("err", err))
				}
			}
		}
	}

	if changed["ops"] {
		if oc, err := mapOpsConfig(cfg); err != nil {
			a.log.Warn("invalid ops config; keeping previous", logx.Any("err", err))
		} else {
			a.opsSrv.Reconfigure(ctx, oc)
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifyStopping(a.log)

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("trigger", 2*time.Second, func(c context.Context) error { a.trig.Stop(c); return nil })
	step("dispatch", 3*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	step("ops", 1*time.Second, func(c context.Context) error { a.opsSrv.Stop(c); return nil })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, event consumer).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// statusSnapshot assembles the /status payload.
func (a *App) statusSnapshot() any {
	type payload struct {
		Time     time.Time         `json:"time"`
		Jobs     jobs.Snapshot     `json:"jobs"`
		Quota    quota.Stats       `json:"quota"`
		Limiter  limiter.Snapshot  `json:"limiter"`
		Dispatch dispatch.Snapshot `json:"dispatch"`
		Trigger  trigger.Snapshot  `json:"trigger"`
	}
	return payload{
		Time:     time.Now().UTC(),
		Jobs:     a.queue.StatusSnapshot(),
		Quota:    a.tracker.Stats(),
		Limiter:  a.owners.Snapshot(),
		Dispatch: a.disp.Snapshot(),
		Trigger:  a.trig.Snapshot(),
	}
}

// gatedNoopRunner admits through the quota gate and reports success.
// It keeps the core exercising admission and pacing when no real job
// body is installed.
func gatedNoopRunner(gate *quota.Gate) dispatch.Runner {
	return func(ctx context.Context, job jobs.Job) error {
		if err := gate.Acquire(ctx, quota.CategoryRead); err != nil {
			return err
		}
		gate.ReportSuccess()
		return nil
	}
}

// configOwnerSource reads the static owner list from the live config.
type configOwnerSource struct {
	cfgm *config.ConfigManager
}

func (s *configOwnerSource) Owners(ctx context.Context) ([]string, error) {
	_ = ctx
	cfg := s.cfgm.Get()
	if cfg == nil || cfg.Trigger == nil {
		return nil, nil
	}
	out := make([]string, 0, len(cfg.Trigger.Owners))
	for _, o := range cfg.Trigger.Owners {
		o = strings.TrimSpace(o)
		if o != "" {
			out = append(out, o)
		}
	}
	return out, nil
}

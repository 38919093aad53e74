// Package app is the composition root: it turns a config file into a wired
// bot (storage, quota governor, generator, publisher, notifier, report, ops
// server) and runs it under a supervisor.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"postbot/internal/bot"
	"postbot/internal/clock"
	"postbot/internal/config"
	"postbot/internal/eventbus"
	"postbot/internal/generate"
	"postbot/internal/notifier"
	"postbot/internal/observability/ops"
	"postbot/internal/publish"
	"postbot/internal/quota"
	"postbot/internal/report"
	rtsup "postbot/internal/runtime/supervisor"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
	"postbot/pkg/systemd"
)

// StopReason is logged on shutdown.
type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

// Options select the config source. Clock, Client and Generator replace the
// real implementations (tests, dry runs).
type Options struct {
	ConfigPath string
	EnvFiles   []string

	Clock     clock.Clock
	Client    publish.Client
	Generator generate.Generator
}

type App struct {
	cfgm *config.ConfigManager
	loc  *time.Location
	clk  clock.Clock

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	gov    *quota.Governor
	pub    *publish.Publisher
	topics *generate.Rotator
	loop   *bot.Loop

	notif  *notifier.Service
	report *report.Service
	ops    *ops.Service
	sd     *systemd.Notifier

	sup *rtsup.Supervisor
	// undrained is set when Stop gave up waiting on tasks; Close then keeps
	// the store open for them.
	undrained bool
}

// New loads configuration and wires every component. Nothing runs yet.
func New(opt Options) (*App, error) {
	if err := config.LoadDotEnv(opt.EnvFiles...); err != nil {
		return nil, err
	}
	cfgm := config.NewConfigManager(opt.ConfigPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	// Chat logging needs the telegram sender; pass a nil interface when absent.
	var (
		tg     *notifier.Telegram
		sender notifier.Sender
		logSnd logx.Sender
	)
	if tc, ok, _ := mapTelegram(cfg); ok {
		if tg, err = notifier.NewTelegram(tc); err != nil {
			return nil, err
		}
		sender, logSnd = tg, tg
	}
	logs, log := logx.New(mapLoggingConfig(cfg), logSnd)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{cfgm: cfgm, logs: logs, log: log.With(logx.String("comp", "app")), clk: opt.Clock}
	if a.clk == nil {
		a.clk = clock.Real()
	}
	if err := a.wire(cfg, opt, sender); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(cfg *config.Config, opt Options, sender notifier.Sender) error {
	var err error
	if a.loc, err = loadLocation(cfg.Timezone); err != nil {
		return err
	}
	a.bus = eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	if a.store, err = storage.Open(sc, a.log.With(logx.String("comp", "storage"))); err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	limits, err := mapLimits(cfg)
	if err != nil {
		return err
	}
	if a.gov, err = quota.New(a.store, limits, a.loc, a.log); err != nil {
		return err
	}

	client := opt.Client
	if client == nil {
		if client, err = newPublishClient(cfg, a.log); err != nil {
			return err
		}
	}
	popt, err := mapPublishOptions(cfg)
	if err != nil {
		return err
	}
	a.pub = publish.NewPublisher(client, a.clk, popt, a.log)

	gen := opt.Generator
	if gen == nil {
		gc, err := mapGeneratorConfig(cfg)
		if err != nil {
			return err
		}
		c, err := generate.New(gc, a.log)
		if err != nil {
			return err
		}
		gen = c
	}
	a.topics = generate.NewRotator(topicsOf(cfg), a.clk.Now().YearDay())

	sched, err := mapSchedule(cfg)
	if err != nil {
		return err
	}
	a.loop, err = bot.New(bot.Deps{
		Governor:  a.gov,
		Generator: gen,
		Publisher: a.pub,
		Topics:    a.topics,
		Clock:     a.clk,
		Bus:       a.bus,
	}, sched, a.log)
	if err != nil {
		return err
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	a.notif = notifier.New(ncfg, sender, a.bus, a.log)

	if a.report, err = report.New(mapReportConfig(cfg), a.gov, quietSink{a.notif}, a.clk, a.log); err != nil {
		return err
	}

	oc, err := mapOpsConfig(cfg)
	if err != nil {
		return err
	}
	a.ops = ops.New(oc, a.health, nil, a.log)
	a.sd = systemd.New(a.log)
	return nil
}

// quietSink drops report texts while notifications are off.
type quietSink struct{ n *notifier.Service }

func (q quietSink) Notify(text string) error {
	if err := q.n.Notify(text); err != nil && !errors.Is(err, notifier.ErrDisabled) {
		return err
	}
	return nil
}

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Governor() *quota.Governor { return a.gov }

func (a *App) Loop() *bot.Loop { return a.loop }

func (a *App) Notifier() *notifier.Service { return a.notif }

// Verify checks publisher credentials.
func (a *App) Verify(ctx context.Context) (publish.Account, error) {
	return a.loop.Verify(ctx)
}

// Once verifies credentials and runs a single loop cycle. force skips only
// the minimum-interval check.
func (a *App) Once(ctx context.Context, force bool) (bot.CycleResult, error) {
	if _, err := a.Verify(ctx); err != nil {
		return bot.CycleResult{}, err
	}
	return a.loop.RunOnce(ctx, force)
}

// StatusReport is what `postbot status` prints.
type StatusReport struct {
	Provider string
	Snapshot quota.Snapshot
	Recent   []string
}

func (a *App) Status(ctx context.Context, recent int) (StatusReport, error) {
	snap, err := a.gov.Snapshot(ctx, a.clk.Now())
	if err != nil {
		return StatusReport{}, err
	}
	posts, err := a.gov.Recent(ctx, recent)
	if err != nil {
		return StatusReport{}, err
	}
	return StatusReport{Provider: a.pub.Client().Name(), Snapshot: snap, Recent: posts}, nil
}

// Run verifies credentials, starts every service and blocks until ctx ends
// or the loop hits a fatal error. Returned errors are fatal.
func (a *App) Run(ctx context.Context) error {
	if _, err := a.Verify(ctx); err != nil {
		return err
	}

	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	sctx := a.sup.Context()

	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validateConfig(cfg) })

	a.sup.GoRestart("notifier", a.notif.Run, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	a.report.Start(sctx)
	a.ops.Start(sctx)

	events, unsub := a.bus.Subscribe(64)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("config.reload", a.reloadLoop)
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	a.sup.Go("config.sighup", func(c context.Context) error { return a.reloadOnSignal(c, hup) })
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return a.sd.Watchdog(c, func() bool { return a.sup.Err() == nil })
	})
	a.sup.Go("bot.loop", func(c context.Context) error {
		err := a.loop.Run(c)
		if err == nil && c.Err() == nil {
			return errors.New("posting loop exited")
		}
		return err
	})

	a.sd.Ready()
	a.sd.Status("posting via %s", a.pub.Client().Name())
	a.log.Info("app started",
		logx.String("provider", a.pub.Client().Name()),
		logx.String("tz", a.loc.String()),
		logx.Bool("notify", a.notif.Enabled()),
		logx.Bool("report", a.report.Enabled()),
		logx.Bool("ops", a.ops.Enabled()),
	)

	<-sctx.Done()
	reason := StopSignal
	if a.sup.Err() != nil {
		reason = StopFatalError
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a.Stop(stopCtx, reason)
	return a.sup.Err()
}

// Stop shuts services down in reverse start order, each step bounded.
func (a *App) Stop(ctx context.Context, reason StopReason) {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()
	if a.sup != nil {
		a.sup.Cancel()
	}

	step := func(name string, limit time.Duration, fn func(context.Context) error) (finished bool) {
		start := time.Now()
		c, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(c)
		}()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			return true
		case <-c.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			return false
		}
	}

	step("report", 2*time.Second, func(c context.Context) error { a.report.Stop(c); return nil })
	step("ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	drained := true
	if a.sup != nil {
		// Covers a post being recorded after cancel.
		drained = step("supervisor", quota.RecordTimeout+5*time.Second, a.sup.Wait)
	}
	a.notif.Close()
	if !drained {
		// The loop may still be recording a published post.
		a.log.Warn("tasks still running; leaving storage open until exit")
		a.undrained = true
		return
	}
	a.log.Info("stopped")
	_ = a.Close()
}

// Close releases storage and log outputs. Safe to call more than once.
func (a *App) Close() error {
	var errs []error
	if a.store != nil && !a.undrained {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
		a.logs = nil
	}
	return errors.Join(errs...)
}

// health feeds the ops /healthz endpoint.
func (a *App) health(ctx context.Context) (any, bool) {
	out := map[string]any{"bot": a.loop.Status()}
	healthy := true
	if a.sup != nil {
		snap := a.sup.Snapshot()
		out["tasks"] = snap.Tasks
		if snap.FirstError != "" {
			out["first_error"] = snap.FirstError
			healthy = false
		}
	}
	if snap, err := a.gov.Snapshot(ctx, a.clk.Now()); err != nil {
		out["quota_error"] = err.Error()
		healthy = false
	} else {
		out["quota"] = map[string]any{
			"month":         snap.Month,
			"month_used":    snap.MonthUsed,
			"month_limit":   snap.Limits.Monthly,
			"today_used":    snap.TodayUsed,
			"daily_limit":   snap.Limits.Daily,
			"blocked_by":    snap.State.Reason(),
			"next_eligible": snap.NextEligible,
		}
	}
	if d, ok := a.bus.(eventbus.Dropper); ok {
		out["events_dropped"] = d.Dropped()
	}
	return out, healthy
}

// reloadOnSignal re-reads the config file on every signal (SIGHUP), in
// addition to the file watcher.
func (a *App) reloadOnSignal(ctx context.Context, sig <-chan os.Signal) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sig:
			a.sd.Reloading()
			changed, err := a.cfgm.Reload(ctx)
			switch {
			case err != nil:
				a.log.Warn("config reload on signal failed; keeping current", logx.Err(err))
			case !changed:
				a.log.Info("config reload on signal: no changes")
			}
			a.sd.Ready()
		}
	}
}

// reloadLoop applies hot-reloadable sections from the config watcher.
func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-sub:
			if !ok {
				return nil
			}
			// Coalesce bursts.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	if restart := config.RestartRequired(prev, next); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(next))

	if l, err := mapLimits(next); err != nil {
		a.log.Warn("invalid quota config; keeping previous", logx.Err(err))
	} else if err := a.gov.SetLimits(l); err != nil {
		a.log.Warn("quota limits rejected", logx.Err(err))
	}
	if s, err := mapSchedule(next); err != nil {
		a.log.Warn("invalid schedule config; keeping previous", logx.Err(err))
	} else {
		a.loop.SetSchedule(s)
	}
	if o, err := mapPublishOptions(next); err != nil {
		a.log.Warn("invalid publisher config; keeping previous", logx.Err(err))
	} else {
		a.pub.SetOptions(o)
	}
	a.topics.SetTopics(topicsOf(next))

	if n, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(n)
	}
	if err := a.report.Apply(mapReportConfig(next)); err != nil {
		a.log.Warn("invalid report config; keeping previous", logx.Err(err))
	}
	if o, err := mapOpsConfig(next); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, o)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

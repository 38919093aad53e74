// Package bot runs the posting loop: ask the quota governor, generate,
// publish, record, sleep.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"postbot/internal/clock"
	"postbot/internal/eventbus"
	"postbot/internal/generate"
	"postbot/internal/publish"
	"postbot/internal/quota"
	logx "postbot/pkg/logx"
)

// Deps are the collaborators of a Loop. Bus and Clock are optional.
type Deps struct {
	Governor  *quota.Governor
	Generator generate.Generator
	Publisher *publish.Publisher
	Topics    *generate.Rotator
	Clock     clock.Clock
	Bus       eventbus.Bus
}

type Loop struct {
	gov    *quota.Governor
	gen    generate.Generator
	pub    *publish.Publisher
	topics *generate.Rotator
	clk    clock.Clock
	bus    eventbus.Bus
	log    logx.Logger

	sched atomic.Pointer[Schedule]

	mu     sync.Mutex
	status Status
	// running guards against two concurrent Run/RunOnce calls.
	running atomic.Bool
}

func New(deps Deps, sched Schedule, log logx.Logger) (*Loop, error) {
	if deps.Governor == nil || deps.Generator == nil || deps.Publisher == nil {
		return nil, errors.New("bot: governor, generator and publisher are required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	if deps.Topics == nil {
		deps.Topics = generate.NewRotator(nil, 0)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Loop{
		gov:    deps.Governor,
		gen:    deps.Generator,
		pub:    deps.Publisher,
		topics: deps.Topics,
		clk:    deps.Clock,
		bus:    deps.Bus,
		log:    log.With(logx.String("comp", "bot")),
	}
	s := sched.withDefaults()
	l.sched.Store(&s)
	return l, nil
}

func (l *Loop) Schedule() Schedule { return *l.sched.Load() }

// SetSchedule swaps pacing; it applies from the next cycle.
func (l *Loop) SetSchedule(s Schedule) {
	s = s.withDefaults()
	l.sched.Store(&s)
}

func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

func (l *Loop) setPhase(phase string) {
	l.mu.Lock()
	l.status.Phase = phase
	l.mu.Unlock()
}

// Run loops until ctx is canceled (returns nil) or a fatal error occurs.
// Every branch ends in a sleep before the next evaluation.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("bot: loop already running")
	}
	defer l.running.Store(false)

	l.mu.Lock()
	l.status.Running = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.status.Running = false
		l.status.Phase = "stopped"
		l.mu.Unlock()
	}()

	l.log.Info("loop started", logx.String("provider", l.pub.Client().Name()))
	for {
		if ctx.Err() != nil {
			l.log.Info("loop stopped")
			return nil
		}
		res := l.cycle(ctx, false)
		if res.Fatal {
			l.log.Error("loop aborted", logx.String("cycle", res.ID), logx.Err(res.Err))
			return res.Err
		}
		if ctx.Err() != nil {
			l.log.Info("loop stopped")
			return nil
		}
		l.mu.Lock()
		l.status.Phase = "sleeping"
		l.status.NextWake = l.clk.Now().Add(res.Sleep)
		l.mu.Unlock()
		if err := l.clk.Sleep(ctx, res.Sleep); err != nil {
			l.log.Info("loop stopped")
			return nil
		}
	}
}

// RunOnce runs a single cycle without the trailing sleep. force skips only
// the interval check; monthly and daily limits always apply.
func (l *Loop) RunOnce(ctx context.Context, force bool) (CycleResult, error) {
	if !l.running.CompareAndSwap(false, true) {
		return CycleResult{}, errors.New("bot: loop already running")
	}
	defer l.running.Store(false)
	res := l.cycle(ctx, force)
	if res.Fatal {
		return res, res.Err
	}
	return res, nil
}

func (l *Loop) cycle(ctx context.Context, force bool) CycleResult {
	res := l.evaluate(ctx, force)
	l.mu.Lock()
	l.status.Cycles++
	l.status.LastCycle = l.clk.Now()
	l.status.LastOutcome = res.Outcome
	if res.Err != nil {
		l.status.LastError = res.Err.Error()
	} else {
		l.status.LastError = ""
	}
	if res.Outcome == OutcomePublished {
		l.status.Published++
	}
	l.mu.Unlock()
	return res
}

func (l *Loop) evaluate(ctx context.Context, force bool) CycleResult {
	sched := l.Schedule()
	limits := l.gov.Limits()
	res := CycleResult{ID: uuid.NewString()}
	log := l.log.With(logx.String("cycle", res.ID))

	l.setPhase("checking")
	now := l.clk.Now()
	state, err := l.gov.Check(ctx, now)
	if err != nil {
		// Fail closed: unreadable state never permits a post.
		log.Error("quota check failed", logx.Err(err))
		res.Outcome, res.Err, res.Sleep = OutcomeStoreError, err, sched.RetryDelay
		return res
	}
	l.refreshGauges(ctx, now)

	switch {
	case !state.WithinMonthly:
		res.Outcome, res.Sleep = OutcomeBlockedMonthly, sched.CoarseSleep
	case !state.WithinDaily:
		res.Outcome, res.Sleep = OutcomeBlockedDaily, sched.CoarseSleep
	case !state.IntervalElapsed && !force:
		res.Outcome = OutcomeBlockedInterval
		res.Sleep = min(sched.IntervalPoll, max(state.NextEligible.Sub(now), time.Second))
	}
	if res.Outcome != "" {
		reason := state.Reason()
		quotaBlocks.WithLabelValues(reason).Inc()
		log.Debug("quota blocked", logx.String("reason", reason), logx.Duration("sleep", res.Sleep), logx.Time("next_eligible", state.NextEligible))
		l.bus.Publish(eventbus.Event{Type: eventbus.TypeQuotaBlocked, Time: now, Data: eventbus.QuotaBlocked{Reason: reason, NextEligible: state.NextEligible, Sleep: res.Sleep}})
		return res
	}

	l.setPhase("generating")
	res.Topic = l.topics.Next()
	var recent []string
	if sched.RecentContext > 0 {
		if recent, err = l.gov.Recent(ctx, sched.RecentContext); err != nil {
			log.Warn("recent posts unavailable", logx.Err(err))
			recent = nil
		}
	}
	text, err := l.gen.Generate(ctx, res.Topic, recent)
	if err != nil {
		res.Outcome, res.Err, res.Sleep = OutcomeGenerateFailed, err, sched.RetryDelay
		if ctx.Err() != nil {
			return res
		}
		reason := generateReason(err)
		generateFailures.WithLabelValues(reason).Inc()
		log.Warn("generation failed", logx.String("topic", res.Topic), logx.String("reason", reason), logx.Err(err))
		l.bus.Publish(eventbus.Event{Type: eventbus.TypeGenerateFailed, Data: eventbus.GenerateFailed{
			CycleID: res.ID, Topic: res.Topic, RateLimited: errors.Is(err, generate.ErrRateLimited), Err: err.Error(),
		}})
		if errors.Is(err, generate.ErrAuth) {
			res.Fatal = true
		}
		return res
	}
	res.Content = text

	l.setPhase("publishing")
	provider := l.pub.Client().Name()
	pr := l.pub.Publish(ctx, text)
	res.Publish = pr
	publishAttempts.WithLabelValues(provider).Add(float64(pr.Attempts))
	if !pr.OK() {
		res.Outcome, res.Err, res.Sleep = OutcomePublishFailed, pr.Err, sched.RetryDelay
		if ctx.Err() != nil {
			return res
		}
		publishFailures.WithLabelValues(pr.Outcome.String()).Inc()
		log.Warn("publish failed", logx.String("outcome", pr.Outcome.String()), logx.Int("attempts", pr.Attempts), logx.Err(pr.Err))
		l.bus.Publish(eventbus.Event{Type: eventbus.TypePostFailed, Data: eventbus.PostFailed{
			CycleID: res.ID, Provider: provider, Content: text, Attempts: pr.Attempts,
			RateLimited: pr.Outcome == publish.RateLimited, Err: errString(pr.Err),
		}})
		if errors.Is(pr.Err, publish.ErrAuth) {
			res.Fatal = true
		}
		return res
	}

	// Confirmed success: this is the only place the stores are written.
	res.Outcome, res.Sleep = OutcomePublished, limits.MinInterval
	postsPublished.WithLabelValues(provider).Inc()
	postedAt := l.clk.Now()
	within, err := l.gov.Record(ctx, text, postedAt)
	if err != nil {
		res.Err = err
		publishFailures.WithLabelValues("persist").Inc()
		log.Error("post published but not recorded", logx.String("id", pr.Receipt.ID), logx.Err(err))
		l.bus.Publish(eventbus.Event{Type: eventbus.TypePersistFailed, Data: eventbus.PersistFailed{CycleID: res.ID, PostID: pr.Receipt.ID, Err: err.Error()}})
	} else if !within {
		log.Warn("monthly limit overshot", logx.Int("limit", limits.Monthly))
		l.bus.Publish(eventbus.Event{Type: eventbus.TypeMonthlyOvershot, Data: eventbus.QuotaBlocked{Reason: quota.ReasonMonthly}})
	}
	if res.Sleep <= 0 {
		// MinInterval 0 still must not busy-loop.
		res.Sleep = time.Second
	}

	used := 0
	if snap, err := l.gov.Snapshot(ctx, postedAt); err == nil {
		used = snap.MonthUsed
		monthPosts.Set(float64(snap.MonthUsed))
		todayPosts.Set(float64(snap.TodayUsed))
	}
	lastPostTimestamp.Set(float64(postedAt.Unix()))
	log.Info("post recorded",
		logx.String("id", pr.Receipt.ID),
		logx.String("topic", res.Topic),
		logx.Int("attempts", pr.Attempts),
		logx.Int("month_used", used),
		logx.Duration("next_in", res.Sleep),
	)
	l.bus.Publish(eventbus.Event{Type: eventbus.TypePostPublished, Time: postedAt, Data: eventbus.PostPublished{
		CycleID: res.ID, Provider: provider, PostID: pr.Receipt.ID, URL: pr.Receipt.URL, Content: text,
		Topic: res.Topic, Attempts: pr.Attempts, MonthUsed: used, Published: postedAt,
	}})
	return res
}

func (l *Loop) refreshGauges(ctx context.Context, now time.Time) {
	snap, err := l.gov.Snapshot(ctx, now)
	if err != nil {
		return
	}
	monthPosts.Set(float64(snap.MonthUsed))
	todayPosts.Set(float64(snap.TodayUsed))
	if snap.HasPosted {
		lastPostTimestamp.Set(float64(snap.LastPost.Unix()))
	}
}

func generateReason(err error) string {
	switch {
	case errors.Is(err, generate.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, generate.ErrEmpty):
		return "empty"
	case errors.Is(err, generate.ErrAuth):
		return "auth"
	default:
		return "error"
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Verify checks publisher credentials. A failure is fatal to run and once.
func (l *Loop) Verify(ctx context.Context) (publish.Account, error) {
	acct, err := l.pub.Client().Verify(ctx)
	if err != nil {
		return publish.Account{}, fmt.Errorf("verify %s credentials: %w", l.pub.Client().Name(), err)
	}
	l.log.Info("credentials verified", logx.String("provider", l.pub.Client().Name()), logx.String("account", acct.Handle))
	return acct, nil
}

package quota

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

// Block reasons reported by State.Reason.
const (
	ReasonNone     = ""
	ReasonMonthly  = "monthly"
	ReasonDaily    = "daily"
	ReasonInterval = "interval"
)

// State is one evaluation of the three predicates at a given instant.
type State struct {
	At              time.Time
	WithinMonthly   bool
	WithinDaily     bool
	IntervalElapsed bool

	// NextEligible is the earliest instant the interval check passes.
	// Zero when the interval check already passes.
	NextEligible time.Time
}

func (s State) Allowed() bool { return s.WithinMonthly && s.WithinDaily && s.IntervalElapsed }

// Reason names the first failing predicate in loop order.
func (s State) Reason() string {
	switch {
	case !s.WithinMonthly:
		return ReasonMonthly
	case !s.WithinDaily:
		return ReasonDaily
	case !s.IntervalElapsed:
		return ReasonInterval
	default:
		return ReasonNone
	}
}

// Snapshot is a read-only view of quota usage, for status and reports.
type Snapshot struct {
	At           time.Time
	Limits       Limits
	Month        string
	MonthUsed    int
	TodayUsed    int
	LastPost     time.Time
	HasPosted    bool
	NextEligible time.Time
	State        State
}

func (s Snapshot) MonthRemaining() int { return max(s.Limits.Monthly-s.MonthUsed, 0) }

func (s Snapshot) TodayRemaining() int { return max(s.Limits.Daily-s.TodayUsed, 0) }

// Governor evaluates posting permission from the current time and the state
// of the counter and history stores. It holds no state of its own besides the
// limits, which may be swapped at runtime.
type Governor struct {
	counter *CounterStore
	history *HistoryLog
	loc     *time.Location
	log     logx.Logger

	limits atomic.Pointer[Limits]
}

// New wires a governor over st. loc fixes the calendar used for month and
// date boundaries; nil means time.Local.
func New(st storage.Store, limits Limits, loc *time.Location, log logx.Logger) (*Governor, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "quota"))
	g := &Governor{
		counter: NewCounterStore(st, limits.Monthly, loc, log),
		history: NewHistoryLog(st, loc, log),
		loc:     loc,
		log:     log,
	}
	l := limits
	g.limits.Store(&l)
	return g, nil
}

func (g *Governor) Counter() *CounterStore { return g.counter }
func (g *Governor) History() *HistoryLog   { return g.history }

func (g *Governor) Limits() Limits { return *g.limits.Load() }

// SetLimits swaps limits atomically; the next evaluation uses them.
func (g *Governor) SetLimits(l Limits) error {
	if err := l.Validate(); err != nil {
		return err
	}
	prev := g.Limits()
	g.limits.Store(&l)
	g.counter.SetMonthlyLimit(l.Monthly)
	if prev != l {
		g.log.Info("limits updated",
			logx.Int("monthly", l.Monthly),
			logx.Int("daily", l.Daily),
			logx.Duration("min_interval", l.MinInterval),
		)
	}
	return nil
}

func (g *Governor) CanPostThisMonth(ctx context.Context, now time.Time) (bool, error) {
	return g.counter.IsWithinMonthlyLimit(ctx, now)
}

func (g *Governor) CanPostToday(ctx context.Context, now time.Time) (bool, error) {
	n, err := g.history.CountOnDate(ctx, now)
	if err != nil {
		return false, err
	}
	return n < g.Limits().Daily, nil
}

func (g *Governor) CanPostNow(ctx context.Context, now time.Time) (bool, error) {
	ok, _, err := g.intervalCheck(ctx, now)
	return ok, err
}

func (g *Governor) intervalCheck(ctx context.Context, now time.Time) (bool, time.Time, error) {
	last, posted, err := g.history.LastTimestamp(ctx)
	if err != nil {
		return false, time.Time{}, err
	}
	if !posted {
		return true, time.Time{}, nil
	}
	next := last.Add(g.Limits().MinInterval)
	if now.Sub(last) >= g.Limits().MinInterval {
		return true, time.Time{}, nil
	}
	return false, next, nil
}

// Check evaluates all three predicates. Any store error aborts the check;
// callers must treat an error as "not allowed".
func (g *Governor) Check(ctx context.Context, now time.Time) (State, error) {
	st := State{At: now}
	var err error
	if st.WithinMonthly, err = g.CanPostThisMonth(ctx, now); err != nil {
		return State{At: now}, err
	}
	if st.WithinDaily, err = g.CanPostToday(ctx, now); err != nil {
		return State{At: now}, err
	}
	if st.IntervalElapsed, st.NextEligible, err = g.intervalCheck(ctx, now); err != nil {
		return State{At: now}, err
	}
	return st, nil
}

// RecordTimeout bounds the writes made by Record.
const RecordTimeout = 10 * time.Second

// Record persists one confirmed publish. It runs detached from ctx
// cancellation (bounded by RecordTimeout) because the post already exists
// upstream. The counter is written first: if the history write then fails,
// the monthly budget still includes the post and only the daily and
// interval checks undercount until the next successful record.
// withinMonthly is false when this post pushed the month past its limit.
func (g *Governor) Record(ctx context.Context, content string, now time.Time) (withinMonthly bool, err error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), RecordTimeout)
	defer cancel()
	within, _, err := g.counter.RecordPost(ctx, now)
	if err != nil {
		return false, fmt.Errorf("record counter: %w", err)
	}
	if err := g.history.Append(ctx, content, now); err != nil {
		return within, fmt.Errorf("record history (counter already saved): %w", err)
	}
	return within, nil
}

// Recent returns up to n recent post contents, oldest first.
func (g *Governor) Recent(ctx context.Context, n int) ([]string, error) {
	return g.history.RecentContents(ctx, n)
}

func (g *Governor) Snapshot(ctx context.Context, now time.Time) (Snapshot, error) {
	st, err := g.Check(ctx, now)
	if err != nil {
		return Snapshot{}, err
	}
	used, err := g.counter.Used(ctx, now)
	if err != nil {
		return Snapshot{}, err
	}
	today, err := g.history.CountOnDate(ctx, now)
	if err != nil {
		return Snapshot{}, err
	}
	last, posted, err := g.history.LastTimestamp(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		At:           now,
		Limits:       g.Limits(),
		Month:        MonthOf(now, g.loc),
		MonthUsed:    used,
		TodayUsed:    today,
		LastPost:     last,
		HasPosted:    posted,
		NextEligible: st.NextEligible,
		State:        st,
	}, nil
}

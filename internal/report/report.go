// Package report periodically summarizes quota usage and hands the text to
// the log and an optional notifier.
package report

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"postbot/internal/clock"
	"postbot/internal/quota"
	logx "postbot/pkg/logx"
)

// Source yields the quota snapshot to report.
type Source interface {
	Snapshot(ctx context.Context, now time.Time) (quota.Snapshot, error)
}

// Sink receives the rendered report. notifier.Service satisfies it.
type Sink interface {
	Notify(text string) error
}

type Config struct {
	Enabled  bool
	Schedule string
	// Timezone is an IANA name used for cron evaluation; empty means Local.
	Timezone string
}

// Validate parses the schedule when the report is enabled.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if _, err := ParseSchedule(c.Schedule); err != nil {
		return fmt.Errorf("report.schedule: %w", err)
	}
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("report.timezone: %w", err)
		}
	}
	return nil
}

type Service struct {
	src  Source
	sink Sink
	clk  clock.Clock
	log  logx.Logger

	mu   sync.Mutex
	cfg  Config
	spec ParsedSpec
	c    *cron.Cron
	ctx  context.Context
	last time.Time
}

// New builds a report service. sink may be nil; the report is then only logged.
func New(cfg Config, src Source, sink Sink, clk clock.Clock, log logx.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.Real()
	}
	s := &Service{src: src, sink: sink, clk: clk, log: log.With(logx.String("comp", "report")), cfg: cfg}
	if cfg.Enabled {
		s.spec, _ = ParseSchedule(cfg.Schedule)
	}
	return s, nil
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start begins triggering. It is a no-op when disabled or already started.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	s.startLocked()
}

func (s *Service) startLocked() {
	if s.c != nil || !s.cfg.Enabled || s.ctx == nil {
		return
	}
	sched, err := s.spec.cronSchedule()
	if err != nil {
		s.log.Warn("report schedule rejected", logx.String("schedule", s.cfg.Schedule), logx.Err(err))
		return
	}
	loc := loadLocation(s.cfg.Timezone)
	c := cron.New(cron.WithParser(cronParser), cron.WithLocation(loc))
	ctx := s.ctx
	c.Schedule(sched, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.Run(ctx); err != nil {
			s.log.Warn("report failed", logx.Err(err))
		}
	}))
	c.Start()
	s.c = c
	s.log.Info("report scheduled", logx.String("schedule", s.spec.String()), logx.String("kind", s.spec.Kind.String()), logx.String("tz", loc.String()))
}

// Stop halts triggering and waits for an in-flight report, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
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
	}
}

// Apply swaps the configuration and restarts triggering if anything changed.
func (s *Service) Apply(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	var spec ParsedSpec
	if cfg.Enabled {
		spec, _ = ParseSchedule(cfg.Schedule)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg == s.cfg {
		return nil
	}
	s.cfg = cfg
	s.spec = spec
	if s.c != nil {
		old := s.c
		s.c = nil
		old.Stop()
	}
	s.startLocked()
	return nil
}

// Run renders one report now, logs it and hands it to the sink.
func (s *Service) Run(ctx context.Context) (string, error) {
	now := s.clk.Now()
	snap, err := s.src.Snapshot(ctx, now)
	if err != nil {
		return "", fmt.Errorf("snapshot: %w", err)
	}
	text := Format(snap)
	s.log.Info("quota report",
		logx.String("month", snap.Month),
		logx.Int("month_used", snap.MonthUsed),
		logx.Int("month_limit", snap.Limits.Monthly),
		logx.Int("today_used", snap.TodayUsed),
		logx.Int("daily_limit", snap.Limits.Daily),
		logx.String("blocked_by", snap.State.Reason()),
	)
	s.mu.Lock()
	s.last = now
	s.mu.Unlock()
	if s.sink != nil {
		if err := s.sink.Notify(text); err != nil {
			return text, fmt.Errorf("notify: %w", err)
		}
	}
	return text, nil
}

// LastRun is the time of the most recent report, zero if none ran yet.
func (s *Service) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Format renders snap as a short multi-line message.
func Format(snap quota.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Quota report %s\n", snap.At.Format("2006-01-02 15:04 MST"))
	fmt.Fprintf(&b, "Month %s: %d/%d (%d left)\n", snap.Month, snap.MonthUsed, snap.Limits.Monthly, snap.MonthRemaining())
	fmt.Fprintf(&b, "Today: %d/%d (%d left)\n", snap.TodayUsed, snap.Limits.Daily, snap.TodayRemaining())
	if snap.HasPosted {
		fmt.Fprintf(&b, "Last post: %s (%s ago)\n", snap.LastPost.Format("2006-01-02 15:04"), snap.At.Sub(snap.LastPost).Truncate(time.Minute))
	} else {
		b.WriteString("Last post: never\n")
	}
	switch r := snap.State.Reason(); r {
	case quota.ReasonNone:
		b.WriteString("Status: ready to post")
	case quota.ReasonInterval:
		fmt.Fprintf(&b, "Status: waiting for interval until %s", snap.NextEligible.Format("15:04"))
	default:
		fmt.Fprintf(&b, "Status: blocked by %s limit", r)
	}
	return b.String()
}

func loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}

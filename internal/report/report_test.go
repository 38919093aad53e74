package report

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"postbot/internal/clock"
	"postbot/internal/quota"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in     string
		kind   SpecKind
		every  time.Duration
		cron   string
		source string
	}{
		{in: "0 21 * * *", kind: SpecCron, cron: "0 21 * * *", source: "cron"},
		{in: "@daily", kind: SpecCron, cron: "@daily", source: "cron"},
		{in: "@every 6h", kind: SpecCron, cron: "@every 6h", source: "cron"},
		{in: "cron: 30 8 * * 1", kind: SpecCron, cron: "30 8 * * 1", source: "cron"},
		{in: "6h", kind: SpecInterval, every: 6 * time.Hour, source: "duration"},
		{in: "every 6h", kind: SpecInterval, every: 6 * time.Hour, source: "duration"},
		{in: "every: 90m", kind: SpecInterval, every: 90 * time.Minute, source: "duration"},
		{in: "interval:02:30", kind: SpecInterval, every: 150 * time.Minute, source: "hhmm"},
		{in: "00:45", kind: SpecInterval, every: 45 * time.Minute, source: "hhmm"},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseSchedule(tc.in)
			if err != nil {
				t.Fatalf("ParseSchedule(%q): %v", tc.in, err)
			}
			if got.Kind != tc.kind || got.Every != tc.every || got.Cron != tc.cron || got.Source != tc.source {
				t.Fatalf("ParseSchedule(%q) = %+v", tc.in, got)
			}
			if _, err := got.cronSchedule(); err != nil {
				t.Fatalf("cronSchedule: %v", err)
			}
		})
	}
}

func TestParseScheduleRejects(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "   ", "soon", "0s", "-5m", "00:00", "01:75", "cron:", "every ", "61 * * * *"} {
		if _, err := ParseSchedule(in); err == nil {
			t.Errorf("ParseSchedule(%q) succeeded, want error", in)
		}
	}
}

type captureSink struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (c *captureSink) Notify(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, text)
	return c.err
}

func newGovernor(t *testing.T) *quota.Governor {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	g, err := quota.New(st, quota.Limits{Monthly: 10, Daily: 3, MinInterval: time.Hour}, time.UTC, logx.Nop())
	if err != nil {
		t.Fatalf("quota.New: %v", err)
	}
	return g
}

func TestRunSendsReport(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := newGovernor(t)
	t0 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if _, err := g.Record(ctx, "first", t0); err != nil {
		t.Fatalf("Record: %v", err)
	}
	clk := clock.NewFake(t0.Add(20 * time.Minute))
	sink := &captureSink{}
	s, err := New(Config{}, g, sink, clk, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	text, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, want := range []string{"Month 2026-03: 1/10 (9 left)", "Today: 1/3 (2 left)", "20m0s ago", "waiting for interval until 10:00"} {
		if !strings.Contains(text, want) {
			t.Errorf("report missing %q:\n%s", want, text)
		}
	}
	if len(sink.texts) != 1 || sink.texts[0] != text {
		t.Fatalf("sink got %v", sink.texts)
	}
	if !s.LastRun().Equal(t0.Add(20 * time.Minute)) {
		t.Fatalf("LastRun = %v", s.LastRun())
	}
}

func TestRunSinkError(t *testing.T) {
	t.Parallel()
	sink := &captureSink{err: errors.New("queue full")}
	s, err := New(Config{}, newGovernor(t), sink, clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)), logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	text, err := s.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "queue full") {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(text, "Last post: never") || !strings.Contains(text, "ready to post") {
		t.Fatalf("unexpected text:\n%s", text)
	}
}

func TestFormatBlocked(t *testing.T) {
	t.Parallel()
	snap := quota.Snapshot{
		At:        time.Date(2026, 3, 31, 22, 0, 0, 0, time.UTC),
		Limits:    quota.Limits{Monthly: 2, Daily: 5, MinInterval: time.Minute},
		Month:     "2026-03",
		MonthUsed: 3,
		State:     quota.State{WithinMonthly: false, WithinDaily: true, IntervalElapsed: true},
	}
	text := Format(snap)
	if !strings.Contains(text, "3/2 (0 left)") || !strings.Contains(text, "blocked by monthly limit") {
		t.Fatalf("unexpected text:\n%s", text)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	if err := (Config{Enabled: false, Schedule: "garbage"}).Validate(); err != nil {
		t.Fatalf("disabled config should not validate schedule: %v", err)
	}
	if err := (Config{Enabled: true, Schedule: "garbage"}).Validate(); err == nil {
		t.Fatal("want schedule error")
	}
	if err := (Config{Enabled: true, Schedule: "6h", Timezone: "Mars/Base"}).Validate(); err == nil {
		t.Fatal("want timezone error")
	}
	if err := (Config{Enabled: true, Schedule: "0 21 * * *", Timezone: "UTC"}).Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestStartApplyStop(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, err := New(Config{}, newGovernor(t), nil, clock.Real(), logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start(ctx)
	if s.c != nil {
		t.Fatal("disabled service must not start cron")
	}
	if err := s.Apply(Config{Enabled: true, Schedule: "nope"}); err == nil {
		t.Fatal("Apply accepted an invalid schedule")
	}
	if err := s.Apply(Config{Enabled: true, Schedule: "every 6h"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !s.Enabled() || s.c == nil {
		t.Fatal("Apply should start cron once enabled")
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	if s.c != nil {
		t.Fatal("Stop left cron running")
	}
}

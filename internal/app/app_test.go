package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"postbot/internal/bot"
	"postbot/internal/clock"
	"postbot/internal/config"
	"postbot/internal/publish"
	"postbot/internal/quota"
	logx "postbot/pkg/logx"
)

type stubGen struct {
	mu     sync.Mutex
	topics []string
}

func (g *stubGen) Generate(_ context.Context, topic string, _ []string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.topics = append(g.topics, topic)
	return "post about " + topic, nil
}

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	body = strings.ReplaceAll(body, "$DIR", filepath.ToSlash(dir))
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const baseConfig = `{
  "timezone": "UTC",
  "logging": {"level": "error", "console": false},
  "quota": {"monthly_limit": 5, "daily_limit": 2, "min_interval": "10m"},
  "storage": {"driver": "file", "path": "$DIR"},
  "publisher": {"provider": "dryrun"},
  "generator": {"topics": ["alpha", "beta"]}
}`

func newTestApp(t *testing.T, clk clock.Clock) (*App, *publish.DryRun, *stubGen) {
	t.Helper()
	t.Setenv("NOTIFY_SOCKET", "")
	dry := publish.NewDryRun(logx.Nop())
	gen := &stubGen{}
	a, err := New(Options{ConfigPath: writeConfig(t, baseConfig), Clock: clk, Client: dry, Generator: gen})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a, dry, gen
}

func TestOncePublishesAndRecords(t *testing.T) {
	clk := clock.NewFake(t0)
	a, dry, gen := newTestApp(t, clk)
	ctx := context.Background()

	res, err := a.Once(ctx, false)
	if err != nil {
		t.Fatalf("Once: %v", err)
	}
	if res.Outcome != bot.OutcomePublished || len(dry.Posts()) != 1 || len(gen.topics) != 1 {
		t.Fatalf("result = %+v posts=%v", res, dry.Posts())
	}

	// Second run inside the interval is blocked unless forced.
	clk.Advance(time.Minute)
	res, err = a.Once(ctx, false)
	if err != nil {
		t.Fatalf("Once: %v", err)
	}
	if res.Outcome != bot.OutcomeBlockedInterval || len(dry.Posts()) != 1 {
		t.Fatalf("result = %+v", res)
	}
	res, err = a.Once(ctx, true)
	if err != nil || res.Outcome != bot.OutcomePublished {
		t.Fatalf("forced Once = %+v, %v", res, err)
	}

	st, err := a.Status(ctx, 5)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Provider != "dryrun" || st.Snapshot.MonthUsed != 2 || st.Snapshot.TodayUsed != 2 || len(st.Recent) != 2 {
		t.Fatalf("status = %+v", st)
	}
	if st.Snapshot.State.Reason() != quota.ReasonDaily {
		t.Fatalf("reason = %q, want daily", st.Snapshot.State.Reason())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	clk := clock.NewFake(t0)
	a, dry, _ := newTestApp(t, clk)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk.OnSleep = func(n int, _ time.Duration) {
		if n == 1 {
			cancel()
		}
	}
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if len(dry.Posts()) != 1 {
		t.Fatalf("posts = %v", dry.Posts())
	}
}

type badClient struct{}

func (badClient) Name() string { return "bad" }
func (badClient) Publish(context.Context, string) (publish.Receipt, error) {
	return publish.Receipt{}, errors.New("unreachable")
}
func (badClient) Verify(context.Context) (publish.Account, error) {
	return publish.Account{}, publish.Auth(errors.New("bad password"))
}

func TestRunFailsOnBadCredentials(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	a, err := New(Options{ConfigPath: writeConfig(t, baseConfig), Clock: clock.NewFake(t0), Client: badClient{}, Generator: &stubGen{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()
	if err := a.Run(context.Background()); !errors.Is(err, publish.ErrAuth) {
		t.Fatalf("Run err = %v, want ErrAuth", err)
	}
	if _, err := a.Once(context.Background(), false); !errors.Is(err, publish.ErrAuth) {
		t.Fatalf("Once err = %v, want ErrAuth", err)
	}
}

func TestApplyConfigHotReload(t *testing.T) {
	a, _, _ := newTestApp(t, clock.NewFake(t0))
	prev := a.cfgm.Get()
	next := *prev
	next.Quota.DailyLimit = 9
	next.Quota.MinInterval = "30m"
	next.Schedule.RetryDelay = "2m"
	next.Publisher.MaxRetries = 1
	next.Generator.Topics = []string{"gamma"}

	a.applyConfig(context.Background(), prev, &next)

	if l := a.gov.Limits(); l.Daily != 9 || l.MinInterval != 30*time.Minute || l.Monthly != 5 {
		t.Fatalf("limits = %+v", l)
	}
	if s := a.loop.Schedule(); s.RetryDelay != 2*time.Minute {
		t.Fatalf("schedule = %+v", s)
	}
	if o := a.pub.Options(); o.MaxRetries != 1 {
		t.Fatalf("publisher options = %+v", o)
	}
	if got := a.topics.Next(); got != "gamma" {
		t.Fatalf("topic = %q", got)
	}
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"daily above retention", func(c *config.Config) { c.Quota.DailyLimit = 500 }, "daily limit"},
		{"bad chat id", func(c *config.Config) { c.Telegram.Token = "1:x"; c.Telegram.ChatID = "@chan" }, "telegram.chat_id"},
		{"bad report schedule", func(c *config.Config) { c.Report.Enabled = true; c.Report.Schedule = "99 * * * *" }, "report.schedule"},
		{"bad timezone", func(c *config.Config) { c.Timezone = "Nowhere/City" }, "timezone"},
		{"bad http wait", func(c *config.Config) { c.Generator.HTTP.RetryWaitMin = "fast" }, "generator.http.retry_wait_min"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)
			err := validateConfig(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want %q", err, tc.want)
			}
		})
	}
	if err := validateConfig(config.Default()); err != nil {
		t.Fatalf("defaults rejected: %v", err)
	}
}

func TestMapping(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Logging.Telegram.Enabled = true

	l, err := mapLimits(cfg)
	if err != nil || l != quota.DefaultLimits() {
		t.Fatalf("limits = %+v, %v", l, err)
	}
	s, err := mapSchedule(cfg)
	if err != nil || s != bot.DefaultSchedule() {
		t.Fatalf("schedule = %+v, %v", s, err)
	}
	o, err := mapPublishOptions(cfg)
	if err != nil || o != publish.DefaultOptions() {
		t.Fatalf("publish options = %+v, %v", o, err)
	}
	// Chat logging stays off until telegram is configured.
	if mapLoggingConfig(cfg).Chat.Enabled {
		t.Fatal("chat logging enabled without telegram credentials")
	}
	n, err := mapNotifierConfig(cfg)
	if err != nil || n.Enabled {
		t.Fatalf("notifier = %+v, %v", n, err)
	}
	cfg.Telegram.Token, cfg.Telegram.ChatID = "1:x", "-100200"
	if tc, ok, err := mapTelegram(cfg); err != nil || !ok || tc.ChatID != -100200 {
		t.Fatalf("telegram = %+v %v %v", tc, ok, err)
	}
	if !mapLoggingConfig(cfg).Chat.Enabled {
		t.Fatal("chat logging should follow telegram config")
	}
	cfg.Timezone = "Europe/Berlin"
	if rc := mapReportConfig(cfg); rc.Timezone != "Europe/Berlin" {
		t.Fatalf("report tz = %q", rc.Timezone)
	}
}

func TestCloseKeepsStoreWhileTasksRun(t *testing.T) {
	a, _, _ := newTestApp(t, clock.NewFake(t0))
	a.undrained = true
	store := a.store
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := a.gov.Record(context.Background(), "late", t0); err != nil {
		t.Fatalf("Record after Close with running tasks: %v", err)
	}
	a.undrained = false
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := store.SaveHistory(context.Background(), nil); err == nil {
		t.Fatal("store still open after drained Close")
	}
}

func TestReloadOnSignalPublishesConfig(t *testing.T) {
	a, _, _ := newTestApp(t, clock.NewFake(t0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(sub)
	sig := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() { done <- a.reloadOnSignal(ctx, sig) }()

	body := strings.Replace(baseConfig, `"daily_limit": 2`, `"daily_limit": 4`, 1)
	body = strings.ReplaceAll(body, "$DIR", filepath.ToSlash(filepath.Dir(a.cfgm.Path())))
	if err := os.WriteFile(a.cfgm.Path(), []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	sig <- syscall.SIGHUP

	select {
	case next := <-sub:
		if next.Quota.DailyLimit != 4 {
			t.Fatalf("daily limit = %d, want 4", next.Quota.DailyLimit)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published after signal")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("reloadOnSignal: %v", err)
	}
}

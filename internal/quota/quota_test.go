package quota

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

func newFileStore(t *testing.T) (storage.Store, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.Open(storage.Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, dir
}

func newGovernor(t *testing.T, l Limits) (*Governor, storage.Store) {
	t.Helper()
	st, _ := newFileStore(t)
	g, err := New(st, l, time.UTC, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g, st
}

func TestMonthlyLimitBoundary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, _ := newFileStore(t)
	const limit = 5
	c := NewCounterStore(st, limit, time.UTC, logx.Nop())
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	for n := 0; n <= limit+1; n++ {
		ok, err := c.IsWithinMonthlyLimit(ctx, now)
		if err != nil {
			t.Fatalf("IsWithinMonthlyLimit: %v", err)
		}
		if want := n < limit; ok != want {
			t.Fatalf("after %d posts: within = %v, want %v", n, ok, want)
		}
		within, rec, err := c.RecordPost(ctx, now)
		if err != nil {
			t.Fatalf("RecordPost: %v", err)
		}
		if rec.Count != n+1 {
			t.Fatalf("count = %d, want %d", rec.Count, n+1)
		}
		if want := n+1 <= limit; within != want {
			t.Fatalf("RecordPost #%d within = %v, want %v", n+1, within, want)
		}
	}
}

func TestRecordPostOvershootStillWrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, _ := newFileStore(t)
	if err := st.SaveCounter(ctx, storage.CounterRecord{Month: "2026-03", Count: 2}); err != nil {
		t.Fatal(err)
	}
	c := NewCounterStore(st, 2, time.UTC, logx.Nop())
	within, _, err := c.RecordPost(ctx, time.Date(2026, 3, 31, 23, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("RecordPost: %v", err)
	}
	if within {
		t.Fatal("within = true past the limit")
	}
	rec, _ := st.LoadCounter(ctx)
	if rec.Count != 3 {
		t.Fatalf("stored count = %d, want 3", rec.Count)
	}
}

func TestCounterResetsOnNewMonth(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, _ := newFileStore(t)
	if err := st.SaveCounter(ctx, storage.CounterRecord{Month: "2026-02", Count: 470}); err != nil {
		t.Fatal(err)
	}
	c := NewCounterStore(st, 470, time.UTC, logx.Nop())
	march := time.Date(2026, 3, 1, 0, 0, 1, 0, time.UTC)

	ok, err := c.IsWithinMonthlyLimit(ctx, march)
	if err != nil || !ok {
		t.Fatalf("new month within = %v, %v; want true", ok, err)
	}
	if used, _ := c.Used(ctx, march); used != 0 {
		t.Fatalf("Used = %d, want 0", used)
	}
	_, rec, err := c.RecordPost(ctx, march)
	if err != nil {
		t.Fatalf("RecordPost: %v", err)
	}
	if rec.Month != "2026-03" || rec.Count != 1 {
		t.Fatalf("record = %+v, want 2026-03/1", rec)
	}
}

func TestHistoryRetention(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, _ := newFileStore(t)
	h := NewHistoryLog(st, time.UTC, logx.Nop())
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < HistoryRetention+25; i++ {
		if err := h.Append(ctx, "post", start.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("Append #%d: %v", i, err)
		}
	}
	entries, err := h.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(entries) != HistoryRetention {
		t.Fatalf("len = %d, want %d", len(entries), HistoryRetention)
	}
	if want := start.Add(25 * time.Minute); !entries[0].Timestamp.Equal(want) {
		t.Fatalf("oldest = %v, want %v", entries[0].Timestamp, want)
	}
	last, ok, _ := h.LastTimestamp(ctx)
	if want := start.Add(time.Duration(HistoryRetention+24) * time.Minute); !ok || !last.Equal(want) {
		t.Fatalf("LastTimestamp = %v, %v; want %v", last, ok, want)
	}
}

func TestCountOnDate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, _ := newFileStore(t)
	h := NewHistoryLog(st, time.UTC, logx.Nop())
	d1 := time.Date(2026, 6, 14, 8, 0, 0, 0, time.UTC)
	d2 := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		_ = h.Append(ctx, "a", d1.Add(time.Duration(i)*time.Hour))
	}
	_ = h.Append(ctx, "late", time.Date(2026, 6, 14, 23, 59, 59, 0, time.UTC))
	for i := 0; i < 2; i++ {
		_ = h.Append(ctx, "b", d2.Add(time.Duration(i)*time.Hour))
	}

	if n, _ := h.CountOnDate(ctx, d1); n != 4 {
		t.Fatalf("CountOnDate(d1) = %d, want 4", n)
	}
	if n, _ := h.CountOnDate(ctx, d2.Add(20*time.Hour)); n != 2 {
		t.Fatalf("CountOnDate(d2) = %d, want 2", n)
	}
	if n, _ := h.CountOnDate(ctx, d2.AddDate(0, 0, 1)); n != 0 {
		t.Fatalf("CountOnDate(d3) = %d, want 0", n)
	}
}

func TestCountOnDateUsesLocation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, _ := newFileStore(t)
	loc := time.FixedZone("UTC+9", 9*3600)
	h := NewHistoryLog(st, loc, logx.Nop())

	// 20:00 UTC on the 1st is 05:00 on the 2nd at UTC+9.
	_ = h.Append(ctx, "x", time.Date(2026, 7, 1, 20, 0, 0, 0, time.UTC))
	if n, _ := h.CountOnDate(ctx, time.Date(2026, 7, 2, 12, 0, 0, 0, loc)); n != 1 {
		t.Fatalf("CountOnDate = %d, want 1", n)
	}
	if n, _ := h.CountOnDate(ctx, time.Date(2026, 7, 1, 12, 0, 0, 0, loc)); n != 0 {
		t.Fatalf("CountOnDate = %d, want 0", n)
	}
}

func TestRecentContents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, _ := newFileStore(t)
	h := NewHistoryLog(st, time.UTC, logx.Nop())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, s := range []string{"one", "two", "three", "four"} {
		_ = h.Append(ctx, s, now.Add(time.Duration(i)*time.Minute))
	}
	got, err := h.RecentContents(ctx, 2)
	if err != nil {
		t.Fatalf("RecentContents: %v", err)
	}
	if len(got) != 2 || got[0] != "three" || got[1] != "four" {
		t.Fatalf("RecentContents(2) = %v", got)
	}
	if got, _ := h.RecentContents(ctx, 10); len(got) != 4 {
		t.Fatalf("RecentContents(10) len = %d, want 4", len(got))
	}
	if got, _ := h.RecentContents(ctx, 0); got != nil {
		t.Fatalf("RecentContents(0) = %v, want nil", got)
	}
}

func TestCanPostNowInterval(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, _ := newGovernor(t, Limits{Monthly: 470, Daily: 15, MinInterval: 96 * time.Minute})
	first := time.Date(2026, 8, 3, 9, 0, 0, 0, time.UTC)

	ok, err := g.CanPostNow(ctx, first)
	if err != nil || !ok {
		t.Fatalf("empty history: CanPostNow = %v, %v; want true", ok, err)
	}
	if _, err := g.Record(ctx, "first", first); err != nil {
		t.Fatalf("Record: %v", err)
	}
	for _, d := range []time.Duration{0, time.Minute, 95*time.Minute + 59*time.Second} {
		if ok, _ := g.CanPostNow(ctx, first.Add(d)); ok {
			t.Fatalf("CanPostNow at +%s = true, want false", d)
		}
	}
	if ok, _ := g.CanPostNow(ctx, first.Add(96*time.Minute)); !ok {
		t.Fatal("CanPostNow at +96m = false, want true")
	}

	st, err := g.Check(ctx, first.Add(time.Hour))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if st.Allowed() || st.Reason() != ReasonInterval {
		t.Fatalf("state = %+v, reason %q", st, st.Reason())
	}
	if want := first.Add(96 * time.Minute); !st.NextEligible.Equal(want) {
		t.Fatalf("NextEligible = %v, want %v", st.NextEligible, want)
	}
}

func TestScenarioMonthlyLimitTwo(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, _ := newGovernor(t, Limits{Monthly: 2, Daily: 5, MinInterval: 0})
	now := time.Date(2026, 9, 9, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		ok, err := g.CanPostThisMonth(ctx, now)
		if err != nil || !ok {
			t.Fatalf("post %d: CanPostThisMonth = %v, %v", i+1, ok, err)
		}
		within, err := g.Record(ctx, "p", now.Add(time.Duration(i)*time.Minute))
		if err != nil || !within {
			t.Fatalf("Record %d = %v, %v", i+1, within, err)
		}
	}
	if ok, _ := g.CanPostThisMonth(ctx, now.Add(time.Hour)); ok {
		t.Fatal("third CanPostThisMonth = true, want false")
	}
	st, _ := g.Check(ctx, now.Add(time.Hour))
	if st.Reason() != ReasonMonthly {
		t.Fatalf("Reason = %q, want monthly", st.Reason())
	}
}

func TestScenarioDailyLimitOne(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, _ := newGovernor(t, Limits{Monthly: 470, Daily: 1, MinInterval: 0})
	morning := time.Date(2026, 10, 5, 7, 0, 0, 0, time.UTC)

	if _, err := g.Record(ctx, "today", morning); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if ok, _ := g.CanPostToday(ctx, morning.Add(16*time.Hour)); ok {
		t.Fatal("CanPostToday later the same day = true, want false")
	}
	if ok, _ := g.CanPostToday(ctx, time.Date(2026, 10, 6, 0, 0, 0, 0, time.UTC)); !ok {
		t.Fatal("CanPostToday next day = false, want true")
	}
}

func TestScenarioCorruptFilesOnStartup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, dir := newFileStore(t)
	if err := os.WriteFile(filepath.Join(dir, "post_counter.json"), []byte("\x00garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "post_history.json"), []byte(`{"tweets": [{"content": 1}`), 0o600); err != nil {
		t.Fatal(err)
	}
	g, err := New(st, DefaultLimits(), time.UTC, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec, err := g.Counter().Load(ctx)
	if err != nil || rec != (storage.CounterRecord{}) {
		t.Fatalf("counter Load = %+v, %v; want fresh", rec, err)
	}
	entries, err := g.History().Load(ctx)
	if err != nil || len(entries) != 0 {
		t.Fatalf("history Load = %v, %v; want empty", entries, err)
	}
	now := time.Date(2026, 11, 1, 12, 0, 0, 0, time.UTC)
	state, err := g.Check(ctx, now)
	if err != nil || !state.Allowed() {
		t.Fatalf("Check = %+v, %v; want allowed", state, err)
	}

	// The next write replaces the corrupt documents.
	if _, err := g.Record(ctx, "fresh", now); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if rec, err := st.LoadCounter(ctx); err != nil || rec.Count != 1 {
		t.Fatalf("LoadCounter = %+v, %v", rec, err)
	}
}

type brokenStore struct{ storage.Store }

var errDisk = errors.New("disk on fire")

func (brokenStore) LoadCounter(context.Context) (storage.CounterRecord, error) {
	return storage.CounterRecord{}, errDisk
}

func (brokenStore) LoadHistory(context.Context) ([]storage.HistoryEntry, error) {
	return nil, errDisk
}

func TestCheckFailsClosedOnIOError(t *testing.T) {
	t.Parallel()
	g, err := New(brokenStore{}, DefaultLimits(), time.UTC, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	st, err := g.Check(context.Background(), time.Now())
	if !errors.Is(err, errDisk) {
		t.Fatalf("Check err = %v, want errDisk", err)
	}
	if st.Allowed() {
		t.Fatal("Check allowed despite I/O error")
	}
}

func TestSetLimits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, _ := newGovernor(t, DefaultLimits())
	now := time.Date(2026, 12, 1, 10, 0, 0, 0, time.UTC)
	_, _ = g.Record(ctx, "a", now)

	if err := g.SetLimits(Limits{Monthly: 1, Daily: 15, MinInterval: time.Minute}); err != nil {
		t.Fatalf("SetLimits: %v", err)
	}
	if ok, _ := g.CanPostThisMonth(ctx, now.Add(time.Hour)); ok {
		t.Fatal("CanPostThisMonth = true after lowering monthly limit to 1")
	}
	if err := g.SetLimits(Limits{Monthly: 10, Daily: HistoryRetention + 1}); err == nil {
		t.Fatal("SetLimits accepted a daily limit above retention")
	}
	if got := g.Limits().Monthly; got != 1 {
		t.Fatalf("limits changed by a rejected update: monthly = %d", got)
	}
}

func TestSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, _ := newGovernor(t, Limits{Monthly: 10, Daily: 3, MinInterval: time.Hour})
	now := time.Date(2027, 1, 15, 9, 0, 0, 0, time.UTC)
	_, _ = g.Record(ctx, "a", now.Add(-25*time.Hour))
	_, _ = g.Record(ctx, "b", now.Add(-30*time.Minute))

	snap, err := g.Snapshot(ctx, now)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Month != "2027-01" || snap.MonthUsed != 2 || snap.MonthRemaining() != 8 {
		t.Fatalf("month usage = %s %d/%d", snap.Month, snap.MonthUsed, snap.MonthRemaining())
	}
	if snap.TodayUsed != 1 || snap.TodayRemaining() != 2 {
		t.Fatalf("today usage = %d/%d", snap.TodayUsed, snap.TodayRemaining())
	}
	if !snap.HasPosted || !snap.LastPost.Equal(now.Add(-30*time.Minute)) {
		t.Fatalf("LastPost = %v (%v)", snap.LastPost, snap.HasPosted)
	}
	if !snap.NextEligible.Equal(now.Add(30 * time.Minute)) {
		t.Fatalf("NextEligible = %v", snap.NextEligible)
	}
}

func TestRecordIgnoresCanceledContext(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "q.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	g, err := New(st, DefaultLimits(), time.UTC, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if _, err := g.Record(ctx, "already live", now); err != nil {
		t.Fatalf("Record on canceled ctx: %v", err)
	}
	used, err := g.Counter().Used(context.Background(), now)
	if err != nil || used != 1 {
		t.Fatalf("counter used = %d, %v", used, err)
	}
	if n, _ := g.History().CountOnDate(context.Background(), now); n != 1 {
		t.Fatalf("history count = %d", n)
	}
}

// historyWriteFails saves counters but refuses history writes.
type historyWriteFails struct{ storage.Store }

func (historyWriteFails) SaveHistory(context.Context, []storage.HistoryEntry) error { return errDisk }

func TestRecordSavesCounterBeforeHistory(t *testing.T) {
	t.Parallel()
	inner, _ := newFileStore(t)
	g, err := New(historyWriteFails{inner}, DefaultLimits(), time.UTC, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if _, err := g.Record(context.Background(), "p", now); !errors.Is(err, errDisk) {
		t.Fatalf("Record err = %v, want errDisk", err)
	}
	if used, _ := g.Counter().Used(context.Background(), now); used != 1 {
		t.Fatalf("counter used = %d, want the post counted", used)
	}
}

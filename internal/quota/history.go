package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

// HistoryLog is the append-only, size-bounded log of published posts.
// Insertion order is chronological order; the oldest entries are evicted
// first once the log exceeds HistoryRetention.
type HistoryLog struct {
	st  storage.Store
	log logx.Logger
	loc *time.Location

	mu sync.Mutex
}

func NewHistoryLog(st storage.Store, loc *time.Location, log logx.Logger) *HistoryLog {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HistoryLog{st: st, log: log, loc: loc}
}

// Load reads the durable sequence. A missing or corrupt document yields an
// empty sequence; only I/O failures are returned as errors.
func (h *HistoryLog) Load(ctx context.Context) ([]storage.HistoryEntry, error) {
	entries, err := h.st.LoadHistory(ctx)
	switch {
	case err == nil:
		return entries, nil
	case errors.Is(err, storage.ErrNotFound):
		return nil, nil
	case errors.Is(err, storage.ErrCorrupt):
		h.log.Warn("history document corrupt; starting empty", logx.Err(err))
		return nil, nil
	default:
		return nil, fmt.Errorf("load history: %w", err)
	}
}

// Append records a confirmed publish, trims to the retention bound and
// persists the whole sequence.
func (h *HistoryLog) Append(ctx context.Context, content string, now time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries, err := h.Load(ctx)
	if err != nil {
		return err
	}
	entries = append(entries, storage.HistoryEntry{Content: content, Timestamp: now})
	entries = trimHistory(entries, HistoryRetention)
	if err := h.st.SaveHistory(ctx, entries); err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	return nil
}

func trimHistory(entries []storage.HistoryEntry, keep int) []storage.HistoryEntry {
	if keep <= 0 || len(entries) <= keep {
		return entries
	}
	return append([]storage.HistoryEntry(nil), entries[len(entries)-keep:]...)
}

// LastTimestamp returns the time of the final entry. ok is false when the
// history is empty ("never posted").
func (h *HistoryLog) LastTimestamp(ctx context.Context) (last time.Time, ok bool, err error) {
	entries, err := h.Load(ctx)
	if err != nil || len(entries) == 0 {
		return time.Time{}, false, err
	}
	return entries[len(entries)-1].Timestamp, true, nil
}

// CountOnDate counts entries whose timestamp falls on the calendar date of
// date, both evaluated in the log's location.
func (h *HistoryLog) CountOnDate(ctx context.Context, date time.Time) (int, error) {
	entries, err := h.Load(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if sameDate(e.Timestamp, date, h.loc) {
			n++
		}
	}
	return n, nil
}

// RecentContents returns the content of the last n entries, most recent last.
func (h *HistoryLog) RecentContents(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	entries, err := h.Load(ctx)
	if err != nil {
		return nil, err
	}
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Content)
	}
	return out, nil
}

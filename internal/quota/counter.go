package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

// CounterStore is the persistent month -> post count mapping.
//
// Exactly one record is live. It resets to zero whenever the wall-clock month
// differs from the stored month.
type CounterStore struct {
	st  storage.Store
	log logx.Logger
	loc *time.Location

	limit atomic.Int64

	// mu serializes load-modify-save in RecordPost.
	mu sync.Mutex
}

func NewCounterStore(st storage.Store, monthlyLimit int, loc *time.Location, log logx.Logger) *CounterStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &CounterStore{st: st, log: log, loc: loc}
	c.limit.Store(int64(monthlyLimit))
	return c
}

func (c *CounterStore) SetMonthlyLimit(n int) { c.limit.Store(int64(n)) }

func (c *CounterStore) MonthlyLimit() int { return int(c.limit.Load()) }

// Load reads the durable record. A missing or corrupt document yields a fresh
// record {Month: "", Count: 0}; only I/O failures are returned as errors.
func (c *CounterStore) Load(ctx context.Context) (storage.CounterRecord, error) {
	rec, err := c.st.LoadCounter(ctx)
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, storage.ErrNotFound):
		return storage.CounterRecord{}, nil
	case errors.Is(err, storage.ErrCorrupt):
		c.log.Warn("counter document corrupt; starting fresh", logx.Err(err))
		return storage.CounterRecord{}, nil
	default:
		return storage.CounterRecord{}, fmt.Errorf("load counter: %w", err)
	}
}

// RecordPost counts one confirmed publish at now and persists the result.
//
// The write always happens, even when it pushes the count past the limit;
// the returned bool reports whether count <= limit after the increment.
// Call it only after a confirmed successful publish.
func (c *CounterStore) RecordPost(ctx context.Context, now time.Time) (bool, storage.CounterRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.Load(ctx)
	if err != nil {
		return false, rec, err
	}
	month := MonthOf(now, c.loc)
	if rec.Month != month {
		if rec.Month != "" {
			c.log.Info("month rolled over; counter reset", logx.String("from", rec.Month), logx.String("to", month), logx.Int("prev_count", rec.Count))
		}
		rec = storage.CounterRecord{Month: month, Count: 0}
	}
	rec.Count++
	if err := c.st.SaveCounter(ctx, rec); err != nil {
		return false, rec, fmt.Errorf("save counter: %w", err)
	}
	limit := c.MonthlyLimit()
	within := rec.Count <= limit
	if !within {
		c.log.Warn("monthly limit exceeded", logx.String("month", month), logx.Int("count", rec.Count), logx.Int("limit", limit))
	}
	return within, rec, nil
}

// IsWithinMonthlyLimit reports whether another post fits in the month of now.
// It never writes.
func (c *CounterStore) IsWithinMonthlyLimit(ctx context.Context, now time.Time) (bool, error) {
	used, err := c.Used(ctx, now)
	if err != nil {
		return false, err
	}
	return used < c.MonthlyLimit(), nil
}

// Used returns the posts counted in the month of now (zero for a new month).
func (c *CounterStore) Used(ctx context.Context, now time.Time) (int, error) {
	rec, err := c.Load(ctx)
	if err != nil {
		return 0, err
	}
	if rec.Month != MonthOf(now, c.loc) {
		return 0, nil
	}
	return rec.Count, nil
}

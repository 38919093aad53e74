// Package quota decides whether the bot may publish right now.
//
// Two durable stores feed the decision: CounterStore counts successful posts
// in the current calendar month, HistoryLog keeps the most recent posts with
// their timestamps. Governor combines them into three independent checks
// (month, day, minimum interval); all three must pass before a post.
//
// Stores are only mutated after a confirmed publish. Nothing here talks to
// the network.
package quota

import (
	"fmt"
	"time"
)

const (
	// DefaultMonthlyLimit stays below the provider's hard cap of 500.
	DefaultMonthlyLimit = 470
	DefaultDailyLimit   = 15
	DefaultMinInterval  = 96 * time.Minute

	// HistoryRetention is the number of history entries kept on disk.
	HistoryRetention = 100
)

// Limits are the configurable posting constraints.
type Limits struct {
	Monthly     int
	Daily       int
	MinInterval time.Duration
}

func DefaultLimits() Limits {
	return Limits{Monthly: DefaultMonthlyLimit, Daily: DefaultDailyLimit, MinInterval: DefaultMinInterval}
}

// Validate rejects limits the stores cannot honor. The daily count is derived
// from history, so a daily limit above the retention bound could never trip.
func (l Limits) Validate() error {
	if l.Monthly <= 0 {
		return fmt.Errorf("monthly limit must be > 0 (got %d)", l.Monthly)
	}
	if l.Daily <= 0 {
		return fmt.Errorf("daily limit must be > 0 (got %d)", l.Daily)
	}
	if l.Daily > HistoryRetention {
		return fmt.Errorf("daily limit must be <= %d (got %d)", HistoryRetention, l.Daily)
	}
	if l.MinInterval < 0 {
		return fmt.Errorf("min interval must be >= 0 (got %s)", l.MinInterval)
	}
	return nil
}

// MonthOf returns the "YYYY-MM" identifier of t in loc.
func MonthOf(t time.Time, loc *time.Location) string {
	return inLoc(t, loc).Format("2006-01")
}

func sameDate(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := inLoc(a, loc).Date()
	by, bm, bd := inLoc(b, loc).Date()
	return ay == by && am == bm && ad == bd
}

func inLoc(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		return t.In(time.Local)
	}
	return t.In(loc)
}

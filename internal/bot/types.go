package bot

import (
	"time"

	"postbot/internal/publish"
)

// Schedule is the loop pacing. MinInterval lives in quota.Limits.
type Schedule struct {
	// CoarseSleep follows a monthly or daily block.
	CoarseSleep time.Duration
	// IntervalPoll caps the sleep while the minimum interval has not elapsed.
	IntervalPoll time.Duration
	// RetryDelay follows a failed generation or publish.
	RetryDelay time.Duration
	// RecentContext is how many recent posts go to the generator.
	RecentContext int
}

func DefaultSchedule() Schedule {
	return Schedule{CoarseSleep: time.Hour, IntervalPoll: 5 * time.Minute, RetryDelay: 5 * time.Minute, RecentContext: 5}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.CoarseSleep <= 0 {
		s.CoarseSleep = d.CoarseSleep
	}
	if s.IntervalPoll <= 0 {
		s.IntervalPoll = d.IntervalPoll
	}
	if s.RetryDelay <= 0 {
		s.RetryDelay = d.RetryDelay
	}
	if s.RecentContext < 0 {
		s.RecentContext = 0
	}
	return s
}

// Outcome of one loop cycle.
type Outcome string

const (
	OutcomeBlockedMonthly  Outcome = "blocked_monthly"
	OutcomeBlockedDaily    Outcome = "blocked_daily"
	OutcomeBlockedInterval Outcome = "blocked_interval"
	OutcomeStoreError      Outcome = "store_error"
	OutcomeGenerateFailed  Outcome = "generate_failed"
	OutcomePublishFailed   Outcome = "publish_failed"
	OutcomePublished       Outcome = "published"
)

// CycleResult describes one pass through the loop and the sleep that
// should follow it.
type CycleResult struct {
	ID      string
	Outcome Outcome
	Topic   string
	Content string
	Publish publish.Result
	Sleep   time.Duration
	Err     error
	// Fatal errors end Run.
	Fatal bool
}

// Status is the loop's externally visible state (health endpoint, status).
type Status struct {
	Running     bool      `json:"running"`
	Phase       string    `json:"phase"`
	Cycles      int64     `json:"cycles"`
	Published   int64     `json:"published"`
	LastOutcome Outcome   `json:"last_outcome,omitempty"`
	LastCycle   time.Time `json:"last_cycle,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
	NextWake    time.Time `json:"next_wake,omitzero"`
}

package notifier

import (
	"context"
	"time"
)

// Sender delivers one plain-text message.
type Sender interface {
	SendText(ctx context.Context, text string) error
}

type Config struct {
	Enabled     bool
	QueueSize   int
	RatePerSec  float64
	RetryMax    int
	RetryBase   time.Duration
	SendTimeout time.Duration
	DedupWindow time.Duration
	// NotifyGenerateFailures also forwards generate.failed events.
	NotifyGenerateFailures bool
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	return c
}

type HistoryItem struct {
	At    time.Time
	Text  string
	Error string
}

package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"postbot/internal/eventbus"
	logx "postbot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
)

const historySize = 50

type Service struct {
	sender Sender
	log    logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	queue   chan string
	dedup   map[string]time.Time

	events <-chan eventbus.Event
	unsub  func()

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	s := &Service{
		sender:  sender,
		log:     log.With(logx.String("comp", "notifier")),
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		queue:   make(chan string, cfg.QueueSize),
		dedup:   map[string]time.Time{},
		unsub:   func() {},
	}
	// Subscribe up front so a restarted Run keeps the same channel and no
	// event published after New is missed.
	if bus != nil {
		s.events, s.unsub = bus.Subscribe(cfg.QueueSize)
	}
	return s
}

// Close drops the bus subscription.
func (s *Service) Close() { s.unsub() }

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil
}

// Apply updates pacing and filters. The queue size is fixed at New.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	s.mu.Unlock()
}

// Notify queues text for delivery without blocking.
func (s *Service) Notify(text string) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	select {
	case s.queue <- text:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run consumes bus events and queued texts until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	events := s.events
	s.log.Debug("notifier running")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !s.Enabled() {
				continue
			}
			text, ok := s.format(e)
			if !ok {
				continue
			}
			s.deliver(ctx, text)
		case text := <-s.queue:
			s.deliver(ctx, text)
		}
	}
}

func (s *Service) format(e eventbus.Event) (string, bool) {
	s.mu.Lock()
	withGen := s.cfg.NotifyGenerateFailures
	s.mu.Unlock()
	if e.Type == eventbus.TypeGenerateFailed && !withGen {
		return "", false
	}
	return Format(e)
}

func (s *Service) deliver(ctx context.Context, text string) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	now := time.Now()
	if cfg.DedupWindow > 0 && s.suppressed(text, now, cfg.DedupWindow) {
		s.log.Debug("notification suppressed (duplicate)")
		return
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}

	var err error
	delay := cfg.RetryBase
	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err = s.sender.SendText(sctx, text)
		cancel()
		if err == nil || ctx.Err() != nil || attempt == cfg.RetryMax {
			break
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
		delay *= 2
	}

	item := HistoryItem{At: now, Text: text}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("notification failed", logx.Err(err))
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) suppressed(text string, now time.Time, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, until := range s.dedup {
		if now.After(until) {
			delete(s.dedup, k)
		}
	}
	if until, ok := s.dedup[text]; ok && now.Before(until) {
		return true
	}
	s.dedup[text] = now.Add(window)
	return false
}

// History returns recent deliveries, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

// Format renders an event as chat text. ok is false for event types that
// are not forwarded.
func Format(e eventbus.Event) (string, bool) {
	switch d := e.Data.(type) {
	case eventbus.PostPublished:
		var b strings.Builder
		fmt.Fprintf(&b, "Posted to %s (month: %d, attempts: %d)\n\n%s", d.Provider, d.MonthUsed, d.Attempts, d.Content)
		if d.URL != "" {
			b.WriteString("\n\n")
			b.WriteString(d.URL)
		}
		return b.String(), true
	case eventbus.PostFailed:
		kind := "failed"
		if d.RateLimited {
			kind = "rate limited"
		}
		return fmt.Sprintf("Post %s on %s after %d attempt(s): %s", kind, d.Provider, d.Attempts, d.Err), true
	case eventbus.GenerateFailed:
		return fmt.Sprintf("Content generation failed (topic %q): %s", d.Topic, d.Err), true
	case eventbus.PersistFailed:
		return fmt.Sprintf("Post %s went out but was NOT recorded: %s", d.PostID, d.Err), true
	}
	if e.Type == eventbus.TypeMonthlyOvershot {
		return "Monthly post limit exceeded; posting paused until next month.", true
	}
	return "", false
}

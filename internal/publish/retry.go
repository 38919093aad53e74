package publish

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"postbot/internal/clock"
	logx "postbot/pkg/logx"
)

// Options bound the retry loop.
type Options struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Timeout is the per-attempt deadline. Zero leaves it to the client.
	Timeout time.Duration
}

func DefaultOptions() Options {
	return Options{MaxRetries: 3, BackoffBase: 30 * time.Second, BackoffMax: 15 * time.Minute, Timeout: 30 * time.Second}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = d.BackoffBase
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = d.BackoffMax
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = o.BackoffBase
	}
	return o
}

// Publisher retries a Client on rate-limit failures only.
type Publisher struct {
	client Client
	clk    clock.Clock
	opt    atomic.Pointer[Options]
	log    logx.Logger
}

func NewPublisher(client Client, clk clock.Clock, opt Options, log logx.Logger) *Publisher {
	if clk == nil {
		clk = clock.Real()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Publisher{
		client: client,
		clk:    clk,
		log:    log.With(logx.String("comp", "publish"), logx.String("provider", client.Name())),
	}
	p.SetOptions(opt)
	return p
}

func (p *Publisher) Options() Options { return *p.opt.Load() }

// SetOptions swaps retry settings; a Publish already in progress keeps the old ones.
func (p *Publisher) SetOptions(opt Options) {
	o := opt.withDefaults()
	p.opt.Store(&o)
}

func (p *Publisher) Client() Client { return p.client }

// Publish runs at most 1+MaxRetries attempts. A rate-limited attempt sleeps
// backoffDelay before the next one; any other error ends the cycle at once.
func (p *Publisher) Publish(ctx context.Context, text string) Result {
	start := p.clk.Now()
	opt := p.Options()
	maxAttempts := 1 + opt.MaxRetries

	var (
		rec Receipt
		err error
	)
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		rec, err = p.attempt(ctx, text)
		if err == nil {
			p.log.Info("post published", logx.String("id", rec.ID), logx.Int("attempts", attempts))
			return Result{Outcome: Success, Receipt: rec, Attempts: attempts, Duration: p.clk.Now().Sub(start)}
		}
		if !IsRateLimited(err) {
			p.log.Warn("publish failed", logx.Err(err), logx.Int("attempts", attempts))
			return Result{Outcome: Failed, Attempts: attempts, Err: err, Duration: p.clk.Now().Sub(start)}
		}
		if attempt >= maxAttempts {
			break
		}
		delay := backoffDelay(opt, attempt, err)
		p.log.Warn("publish rate limited; backing off", logx.Int("attempt", attempt), logx.Duration("delay", delay))
		if serr := p.clk.Sleep(ctx, delay); serr != nil {
			return Result{Outcome: Failed, Attempts: attempts, Err: serr, Duration: p.clk.Now().Sub(start)}
		}
	}
	p.log.Warn("publish gave up after rate limits", logx.Err(err), logx.Int("attempts", attempts))
	return Result{Outcome: RateLimited, Attempts: attempts, Err: err, Duration: p.clk.Now().Sub(start)}
}

func (p *Publisher) attempt(ctx context.Context, text string) (rec Receipt, err error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	runCtx := ctx
	if timeout := p.Options().Timeout; timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			p.log.Error("publish.panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return p.client.Publish(runCtx, text)
}

// backoffDelay is base*attempt, raised to the provider hint when one is
// present, and capped at BackoffMax.
func backoffDelay(opt Options, attempt int, err error) time.Duration {
	d := opt.BackoffBase * time.Duration(attempt)
	if hint, ok := RetryAfterHint(err); ok && hint > d {
		d = hint
	}
	if d > opt.BackoffMax {
		d = opt.BackoffMax
	}
	return d
}

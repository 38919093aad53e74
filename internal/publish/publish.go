// Package publish sends generated text to a social network.
//
// Client is the provider-facing contract. Publisher wraps a Client with a
// bounded retry loop that only retries rate-limit responses. Neither touches
// durable state; recording a successful post is the caller's job.
package publish

import (
	"context"
	"time"
)

// Receipt identifies a published post.
type Receipt struct {
	ID  string
	URL string
}

// Account is the identity behind a set of credentials.
type Account struct {
	ID     string
	Handle string
}

// Client publishes a single post. Implementations classify failures:
// rate-limit responses must satisfy IsRateLimited, credential problems
// should wrap ErrAuth.
type Client interface {
	Name() string
	Publish(ctx context.Context, text string) (Receipt, error)
	Verify(ctx context.Context) (Account, error)
}

// Outcome is the terminal state of one publish cycle.
type Outcome int

const (
	Success Outcome = iota
	// RateLimited means every attempt was throttled.
	RateLimited
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case RateLimited:
		return "rate_limited"
	default:
		return "failed"
	}
}

// Result is what Publisher.Publish returns instead of a bare error.
type Result struct {
	Outcome  Outcome
	Receipt  Receipt
	Attempts int
	Err      error
	Duration time.Duration
}

func (r Result) OK() bool { return r.Outcome == Success }

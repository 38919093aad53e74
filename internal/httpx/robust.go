// Package httpx builds the outbound HTTP clients used by providers.
package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	logx "postbot/pkg/logx"
)

type Options struct {
	MaxRetries   int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Timeout      time.Duration
	Transport    http.RoundTripper
}

func DefaultOptions() Options {
	return Options{MaxRetries: 3, RetryWaitMin: time.Second, RetryWaitMax: 10 * time.Second, Timeout: 60 * time.Second}
}

// NewClient returns a stdlib *http.Client that retries connection errors and
// 5xx responses. 429 is never retried here; callers own rate-limit policy.
func NewClient(opt Options, log logx.Logger) *http.Client {
	d := DefaultOptions()
	if opt.MaxRetries < 0 {
		opt.MaxRetries = 0
	}
	if opt.RetryWaitMin <= 0 {
		opt.RetryWaitMin = d.RetryWaitMin
	}
	if opt.RetryWaitMax <= 0 {
		opt.RetryWaitMax = d.RetryWaitMax
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = opt.MaxRetries
	rc.RetryWaitMin = opt.RetryWaitMin
	rc.RetryWaitMax = opt.RetryWaitMax
	rc.CheckRetry = RetryPolicy
	rc.Logger = retryablehttp.LeveledLogger(leveled{log: log.With(logx.String("comp", "http"))})
	if opt.Transport != nil {
		rc.HTTPClient.Transport = opt.Transport
	}
	// Hand the final response back instead of a "giving up" error so the
	// caller can read the status and body.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c := rc.StandardClient()
	c.Timeout = opt.Timeout
	return c
}

// RetryPolicy is retryablehttp.DefaultRetryPolicy minus 429.
func RetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// leveled adapts logx to retryablehttp. Errors are downgraded to warnings
// because every one of them is followed by a retry or a returned error.
type leveled struct{ log logx.Logger }

func (l leveled) Error(msg string, kv ...any) { l.log.Warn(msg, fields(kv)...) }
func (l leveled) Warn(msg string, kv ...any)  { l.log.Warn(msg, fields(kv)...) }
func (l leveled) Info(msg string, kv ...any)  { l.log.Debug(msg, fields(kv)...) }
func (l leveled) Debug(msg string, kv ...any) { l.log.Debug(msg, fields(kv)...) }

func fields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		if k == "request" || k == "response" {
			// *http.Request / *http.Response do not serialize usefully.
			continue
		}
		if err, ok := kv[i+1].(error); ok {
			out = append(out, logx.String(k, err.Error()))
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}

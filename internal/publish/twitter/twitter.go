// Package twitter publishes through the X API v2 with OAuth 1.0a user
// context credentials.
package twitter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dghubble/oauth1"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"postbot/internal/httpx"
	"postbot/internal/publish"
	logx "postbot/pkg/logx"
)

const DefaultBaseURL = "https://api.twitter.com"

type Config struct {
	BaseURL           string
	APIKey            string
	APISecret         string
	AccessToken       string
	AccessTokenSecret string
	// HTTPClient is the transport under the OAuth signer. Optional.
	HTTPClient *http.Client
	// HTTP tunes 5xx retries around the signer; nil uses httpx defaults.
	HTTP *httpx.Options
}

func (c Config) validate() error {
	var missing []string
	if c.APIKey == "" {
		missing = append(missing, "api_key")
	}
	if c.APISecret == "" {
		missing = append(missing, "api_secret")
	}
	if c.AccessToken == "" {
		missing = append(missing, "access_token")
	}
	if c.AccessTokenSecret == "" {
		missing = append(missing, "access_token_secret")
	}
	if len(missing) > 0 {
		return publish.Auth(fmt.Errorf("twitter: missing %s", strings.Join(missing, ", ")))
	}
	return nil
}

type Client struct {
	base string
	http *http.Client
	log  logx.Logger
	now  func() time.Time
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	ctx := context.Background()
	if cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth1.HTTPClient, cfg.HTTPClient)
	}
	oc := oauth1.NewConfig(cfg.APIKey, cfg.APISecret)
	tok := oauth1.NewToken(cfg.AccessToken, cfg.AccessTokenSecret)
	signed := oc.Client(ctx, tok)

	// Retries wrap the signer so every attempt carries a fresh nonce.
	hopt := httpx.DefaultOptions()
	if cfg.HTTP != nil {
		hopt = *cfg.HTTP
	}
	hopt.Transport = signed.Transport
	return &Client{
		base: base,
		http: httpx.NewClient(hopt, log),
		log:  log.With(logx.String("comp", "twitter")),
		now:  time.Now,
	}, nil
}

func (c *Client) Name() string { return "twitter" }

func (c *Client) Publish(ctx context.Context, text string) (publish.Receipt, error) {
	body, err := sjson.SetBytes([]byte(`{}`), "text", text)
	if err != nil {
		return publish.Receipt{}, fmt.Errorf("twitter: encode body: %w", err)
	}
	raw, err := c.do(ctx, http.MethodPost, "/2/tweets", body)
	if err != nil {
		return publish.Receipt{}, err
	}
	id := gjson.GetBytes(raw, "data.id").String()
	if id == "" {
		return publish.Receipt{}, fmt.Errorf("twitter: response missing data.id: %s", httpx.Snippet(raw, 200))
	}
	return publish.Receipt{ID: id, URL: "https://x.com/i/web/status/" + id}, nil
}

func (c *Client) Verify(ctx context.Context) (publish.Account, error) {
	raw, err := c.do(ctx, http.MethodGet, "/2/users/me", nil)
	if err != nil {
		return publish.Account{}, err
	}
	acct := publish.Account{
		ID:     gjson.GetBytes(raw, "data.id").String(),
		Handle: gjson.GetBytes(raw, "data.username").String(),
	}
	if acct.ID == "" {
		return publish.Account{}, fmt.Errorf("twitter: response missing data.id: %s", httpx.Snippet(raw, 200))
	}
	return acct, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("twitter: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("twitter: read response: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return raw, nil
	}
	return nil, c.classify(resp, raw)
}

func (c *Client) classify(resp *http.Response, raw []byte) error {
	base := fmt.Errorf("twitter: status %d: %s", resp.StatusCode, apiMessage(raw))
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		after := retryAfter(resp.Header, c.now())
		c.log.Debug("rate limit response",
			logx.Duration("retry_after", after),
			logx.String("remaining", resp.Header.Get("x-rate-limit-remaining")),
		)
		return publish.RateLimit(base, after)
	case http.StatusUnauthorized:
		return publish.Auth(base)
	default:
		// 403 is also used for duplicate or rejected posts. It ends the
		// cycle, not the loop; Verify still fails startup on any non-2xx.
		return base
	}
}

// retryAfter reads Retry-After (seconds) or x-rate-limit-reset (epoch).
func retryAfter(h http.Header, now time.Time) time.Duration {
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	if v := strings.TrimSpace(h.Get("x-rate-limit-reset")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Unix(n, 0).Sub(now); d > 0 {
				return d
			}
		}
	}
	return 0
}

func apiMessage(raw []byte) string {
	for _, path := range []string{"detail", "title", "errors.0.message"} {
		if s := gjson.GetBytes(raw, path).String(); s != "" {
			return s
		}
	}
	if len(raw) == 0 {
		return "empty body"
	}
	return httpx.Snippet(raw, 200)
}

var _ publish.Client = (*Client)(nil)

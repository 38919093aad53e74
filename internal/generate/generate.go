// Package generate produces post text from an OpenAI-compatible chat
// completions endpoint (Together AI by default).
package generate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/time/rate"

	"postbot/internal/httpx"
	logx "postbot/pkg/logx"
)

var (
	ErrRateLimited = errors.New("generator rate limited")
	ErrAuth        = errors.New("generator authentication failed")
	// ErrEmpty means the model answered with nothing usable.
	ErrEmpty = errors.New("generator returned empty text")
)

// Generator is what the posting loop needs from a content source.
type Generator interface {
	Generate(ctx context.Context, topicHint string, recent []string) (string, error)
}

const (
	DefaultBaseURL  = "https://api.together.xyz/v1"
	DefaultModel    = "meta-llama/Meta-Llama-3.1-8B-Instruct-Turbo"
	DefaultMaxChars = 275
)

const DefaultPrompt = `You write educational tech posts that give genuine value.
Structure: start with a strong hook, give one concise technical insight, end with actionable advice.
Avoid emojis, quotes and markdown. Use 1-2 relevant hashtags.
Sound like expert advice from a senior developer.
Maximum %d characters. Reply with the post text only.`

type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Prompt      string
	MaxChars    int
	MaxTokens   int
	Temperature float64
	// Timeout bounds one Generate call including the limiter wait.
	Timeout           time.Duration
	RequestsPerMinute int

	HTTPClient *http.Client
	HTTP       *httpx.Options
}

type Client struct {
	cfg     Config
	url     string
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: api key is empty", ErrAuth)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "generate"))
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultMaxChars
	}
	if cfg.Prompt == "" {
		cfg.Prompt = DefaultPrompt
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 200
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hopt := httpx.DefaultOptions()
		if cfg.HTTP != nil {
			hopt = *cfg.HTTP
		}
		hc = httpx.NewClient(hopt, log)
	}
	var lim *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	return &Client{
		cfg:     cfg,
		url:     strings.TrimRight(cfg.BaseURL, "/") + "/chat/completions",
		http:    hc,
		limiter: lim,
		log:     log,
	}, nil
}

// Generate asks the model for one post about topicHint, listing recent posts
// so it does not repeat them. The result is already sanitized.
func (c *Client) Generate(ctx context.Context, topicHint string, recent []string) (string, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("generate: limiter: %w", err)
		}
	}

	body, err := c.requestBody(topicHint, recent)
	if err != nil {
		return "", fmt.Errorf("generate: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("generate: request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("generate: read response: %w", err)
	}
	if err := classify(resp, raw); err != nil {
		return "", err
	}

	content := gjson.GetBytes(raw, "choices.0.message.content").String()
	text := Sanitize(content, c.cfg.MaxChars)
	if text == "" {
		return "", ErrEmpty
	}
	c.log.Debug("content generated",
		logx.String("topic", topicHint),
		logx.Int("chars", len([]rune(text))),
		logx.Duration("dur", time.Since(start)),
		logx.Int64("tokens", gjson.GetBytes(raw, "usage.total_tokens").Int()),
	)
	return text, nil
}

func (c *Client) requestBody(topic string, recent []string) ([]byte, error) {
	system := c.cfg.Prompt
	if strings.Contains(system, "%d") {
		system = fmt.Sprintf(system, c.cfg.MaxChars)
	}
	body := []byte(`{}`)
	var err error
	set := func(path string, v any) {
		if err == nil {
			body, err = sjson.SetBytes(body, path, v)
		}
	}
	set("model", c.cfg.Model)
	set("max_tokens", c.cfg.MaxTokens)
	if c.cfg.Temperature > 0 {
		set("temperature", c.cfg.Temperature)
	}
	set("messages.0.role", "system")
	set("messages.0.content", system)
	set("messages.1.role", "user")
	set("messages.1.content", userMessage(topic, recent))
	return body, err
}

func userMessage(topic string, recent []string) string {
	var b strings.Builder
	if topic != "" {
		b.WriteString("Write one post about: ")
		b.WriteString(topic)
		b.WriteString(".")
	} else {
		b.WriteString("Write one post.")
	}
	if len(recent) > 0 {
		b.WriteString("\nDo not repeat the ideas of these recent posts:")
		for _, r := range recent {
			b.WriteString("\n- ")
			b.WriteString(r)
		}
	}
	return b.String()
}

func classify(resp *http.Response, raw []byte) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg := gjson.GetBytes(raw, "error.message").String()
	if msg == "" {
		msg = httpx.Snippet(raw, 200)
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		if s := resp.Header.Get("Retry-After"); s != "" {
			if n, err := strconv.Atoi(s); err == nil {
				return fmt.Errorf("%w (retry after %ds): %s", ErrRateLimited, n, msg)
			}
		}
		return fmt.Errorf("%w: %s", ErrRateLimited, msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", ErrAuth, resp.StatusCode, msg)
	default:
		return fmt.Errorf("generate: status %d: %s", resp.StatusCode, msg)
	}
}

var _ Generator = (*Client)(nil)

// Package bluesky publishes app.bsky.feed.post records to an atproto PDS
// using an app password session.
package bluesky

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bluesky-social/indigo/xrpc"

	"postbot/internal/httpx"
	"postbot/internal/publish"
	logx "postbot/pkg/logx"
)

const (
	DefaultHost = "https://bsky.social"

	postCollection = "app.bsky.feed.post"
)

type Config struct {
	Host        string
	Handle      string
	AppPassword string
	// HTTPClient overrides the retrying client built from HTTP.
	HTTPClient *http.Client
	HTTP       *httpx.Options
	UserAgent  string
}

type Client struct {
	handle   string
	password string
	log      logx.Logger
	now      func() time.Time

	mu sync.Mutex
	xc *xrpc.Client
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Handle) == "" || cfg.AppPassword == "" {
		return nil, publish.Auth(errors.New("bluesky: handle and app password are required"))
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	host := strings.TrimRight(strings.TrimSpace(cfg.Host), "/")
	if host == "" {
		host = DefaultHost
	}
	xc := &xrpc.Client{Host: host, Client: cfg.HTTPClient}
	if xc.Client == nil {
		hopt := httpx.DefaultOptions()
		if cfg.HTTP != nil {
			hopt = *cfg.HTTP
		}
		xc.Client = httpx.NewClient(hopt, log)
	}
	if cfg.UserAgent != "" {
		ua := cfg.UserAgent
		xc.UserAgent = &ua
	}
	return &Client{
		handle:   strings.TrimPrefix(strings.TrimSpace(cfg.Handle), "@"),
		password: cfg.AppPassword,
		log:      log.With(logx.String("comp", "bluesky")),
		now:      time.Now,
		xc:       xc,
	}, nil
}

func (c *Client) Name() string { return "bluesky" }

type createSessionInput struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type createSessionOutput struct {
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
	Did        string `json:"did"`
	Handle     string `json:"handle"`
}

type feedPost struct {
	Type      string `json:"$type"`
	Text      string `json:"text"`
	CreatedAt string `json:"createdAt"`
}

type createRecordInput struct {
	Repo       string   `json:"repo"`
	Collection string   `json:"collection"`
	Record     feedPost `json:"record"`
}

type createRecordOutput struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// login replaces the session. Caller holds c.mu.
func (c *Client) login(ctx context.Context) error {
	c.xc.Auth = nil
	var out createSessionOutput
	in := createSessionInput{Identifier: c.handle, Password: c.password}
	if err := c.xc.Do(ctx, xrpc.Procedure, "application/json", "com.atproto.server.createSession", nil, in, &out); err != nil {
		return c.classify(fmt.Errorf("bluesky: create session: %w", err), true)
	}
	c.xc.Auth = &xrpc.AuthInfo{AccessJwt: out.AccessJwt, RefreshJwt: out.RefreshJwt, Did: out.Did, Handle: out.Handle}
	c.log.Debug("session created", logx.String("did", out.Did), logx.String("handle", out.Handle))
	return nil
}

func (c *Client) Verify(ctx context.Context) (publish.Account, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.login(ctx); err != nil {
		return publish.Account{}, err
	}
	return publish.Account{ID: c.xc.Auth.Did, Handle: c.xc.Auth.Handle}, nil
}

func (c *Client) Publish(ctx context.Context, text string) (publish.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.xc.Auth == nil {
		if err := c.login(ctx); err != nil {
			return publish.Receipt{}, err
		}
	}
	out, err := c.createPost(ctx, text)
	if err != nil && isExpired(err) {
		c.log.Info("session expired; logging in again")
		if lerr := c.login(ctx); lerr != nil {
			return publish.Receipt{}, lerr
		}
		out, err = c.createPost(ctx, text)
	}
	if err != nil {
		return publish.Receipt{}, c.classify(fmt.Errorf("bluesky: create record: %w", err), false)
	}
	return publish.Receipt{ID: out.URI, URL: c.webURL(out.URI)}, nil
}

func (c *Client) createPost(ctx context.Context, text string) (createRecordOutput, error) {
	in := createRecordInput{
		Repo:       c.xc.Auth.Did,
		Collection: postCollection,
		Record: feedPost{
			Type:      postCollection,
			Text:      text,
			CreatedAt: c.now().UTC().Format("2006-01-02T15:04:05.000Z"),
		},
	}
	var out createRecordOutput
	err := c.xc.Do(ctx, xrpc.Procedure, "application/json", "com.atproto.repo.createRecord", nil, in, &out)
	return out, err
}

// webURL maps at://did/app.bsky.feed.post/rkey to the bsky.app permalink.
func (c *Client) webURL(uri string) string {
	rest, ok := strings.CutPrefix(uri, "at://")
	if !ok {
		return ""
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[1] != postCollection {
		return ""
	}
	profile := parts[0]
	if c.xc.Auth != nil && c.xc.Auth.Handle != "" {
		profile = c.xc.Auth.Handle
	}
	return "https://bsky.app/profile/" + profile + "/post/" + parts[2]
}

func (c *Client) classify(err error, login bool) error {
	var xe *xrpc.Error
	if !errors.As(err, &xe) {
		return err
	}
	if xe.IsThrottled() {
		var after time.Duration
		if xe.Ratelimit != nil && !xe.Ratelimit.Reset.IsZero() {
			after = max(xe.Ratelimit.Reset.Sub(c.now()), 0)
		}
		return publish.RateLimit(err, after)
	}
	if xe.StatusCode == http.StatusUnauthorized || (login && xe.StatusCode == http.StatusBadRequest) || isExpired(err) {
		return publish.Auth(err)
	}
	return err
}

func isExpired(err error) bool {
	var xe *xrpc.XRPCError
	if !errors.As(err, &xe) {
		return false
	}
	switch xe.ErrStr {
	case "ExpiredToken", "InvalidToken", "AuthenticationRequired":
		return true
	}
	return false
}

var _ publish.Client = (*Client)(nil)

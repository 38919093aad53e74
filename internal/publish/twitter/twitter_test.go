package twitter

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"postbot/internal/clock"
	"postbot/internal/httpx"
	"postbot/internal/publish"
	logx "postbot/pkg/logx"
)

func testConfig(url string) Config {
	return Config{
		BaseURL: url, APIKey: "k", APISecret: "s", AccessToken: "t", AccessTokenSecret: "ts",
		HTTP: &httpx.Options{MaxRetries: 1, RetryWaitMin: time.Millisecond, RetryWaitMax: time.Millisecond, Timeout: 5 * time.Second},
	}
}

func TestPublishSendsSignedRequest(t *testing.T) {
	t.Parallel()
	var gotText, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/2/tweets" {
			http.NotFound(w, r)
			return
		}
		b, _ := io.ReadAll(r.Body)
		gotText = gjson.GetBytes(b, "text").String()
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"data":{"id":"1790","text":"ok"}}`)
	}))
	defer srv.Close()

	c, err := New(testConfig(srv.URL), logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec, err := c.Publish(context.Background(), `Tip: "measure first" #Performance`)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if rec.ID != "1790" || !strings.HasSuffix(rec.URL, "/1790") {
		t.Fatalf("receipt = %+v", rec)
	}
	if gotText != `Tip: "measure first" #Performance` {
		t.Fatalf("text = %q", gotText)
	}
	if !strings.HasPrefix(gotAuth, "OAuth ") || !strings.Contains(gotAuth, `oauth_consumer_key="k"`) {
		t.Fatalf("Authorization = %q", gotAuth)
	}
}

func TestPublishRateLimited(t *testing.T) {
	t.Parallel()
	reset := time.Now().Add(90 * time.Second).Unix()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-rate-limit-reset", strconv.FormatInt(reset, 10))
		w.Header().Set("x-rate-limit-remaining", "0")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"title":"Too Many Requests","detail":"Too Many Requests","status":429}`)
	}))
	defer srv.Close()

	c, _ := New(testConfig(srv.URL), logx.Nop())
	_, err := c.Publish(context.Background(), "x")
	if !publish.IsRateLimited(err) {
		t.Fatalf("err = %v, want rate limited", err)
	}
	d, ok := publish.RetryAfterHint(err)
	if !ok || d <= 0 || d > 91*time.Second {
		t.Fatalf("RetryAfterHint = %s, %v", d, ok)
	}
}

func TestPublishClassifiesErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		status   int
		body     string
		auth     bool
		rateLimt bool
	}{
		{http.StatusUnauthorized, `{"title":"Unauthorized","detail":"Unauthorized"}`, true, false},
		{http.StatusForbidden, `{"detail":"You are not allowed to create a Tweet with duplicate content."}`, false, false},
		{http.StatusForbidden, `{"detail":"Your client app is not configured with the appropriate oauth1 app permissions"}`, false, false},
		{http.StatusForbidden, `{"detail":"This request looks like it might be automated."}`, false, false},
		{http.StatusBadRequest, `{"errors":[{"message":"text too long"}]}`, false, false},
		{http.StatusServiceUnavailable, ``, false, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = io.WriteString(w, tc.body)
		}))
		c, _ := New(testConfig(srv.URL), logx.Nop())
		_, err := c.Publish(context.Background(), "x")
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if got := errors.Is(err, publish.ErrAuth); got != tc.auth {
			t.Errorf("status %d: auth = %v, want %v (%v)", tc.status, got, tc.auth, err)
		}
		if got := publish.IsRateLimited(err); got != tc.rateLimt {
			t.Errorf("status %d: rate limited = %v (%v)", tc.status, got, err)
		}
	}
}

func TestVerify(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2/users/me" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, `{"data":{"id":"99","name":"Bot","username":"postbot"}}`)
	}))
	defer srv.Close()

	c, _ := New(testConfig(srv.URL), logx.Nop())
	acct, err := c.Verify(context.Background())
	if err != nil || acct.ID != "99" || acct.Handle != "postbot" {
		t.Fatalf("Verify = %+v, %v", acct, err)
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	t.Parallel()
	_, err := New(Config{APIKey: "k"}, logx.Nop())
	if !errors.Is(err, publish.ErrAuth) || !strings.Contains(err.Error(), "access_token_secret") {
		t.Fatalf("err = %v", err)
	}
}

func TestRetryAfterHeader(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	h := http.Header{}
	h.Set("Retry-After", "17")
	if d := retryAfter(h, now); d != 17*time.Second {
		t.Fatalf("Retry-After = %s", d)
	}
	h = http.Header{}
	h.Set("x-rate-limit-reset", strconv.FormatInt(now.Unix()+60, 10))
	if d := retryAfter(h, now); d != time.Minute {
		t.Fatalf("reset = %s", d)
	}
	h.Set("x-rate-limit-reset", strconv.FormatInt(now.Unix()-60, 10))
	if d := retryAfter(h, now); d != 0 {
		t.Fatalf("past reset = %s", d)
	}
}

func TestVerifyRejectsForbidden(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"detail":"Your client app is not configured with the appropriate oauth1 app permissions"}`)
	}))
	defer srv.Close()

	c, _ := New(testConfig(srv.URL), logx.Nop())
	if _, err := c.Verify(context.Background()); err == nil || !strings.Contains(err.Error(), "status 403") {
		t.Fatalf("Verify err = %v", err)
	}
}

func TestPolicyRejectionDoesNotStopLoop(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"detail":"You are not permitted to perform this action."}`)
	}))
	defer srv.Close()

	c, _ := New(testConfig(srv.URL), logx.Nop())
	pub := publish.NewPublisher(c, clock.NewFake(time.Unix(1_700_000_000, 0)), publish.DefaultOptions(), logx.Nop())
	res := pub.Publish(context.Background(), "hello")
	if res.Outcome != publish.Failed || res.Attempts != 1 || errors.Is(res.Err, publish.ErrAuth) {
		t.Fatalf("result = %+v", res)
	}
}

package eventbus

import "time"

// Event types published by the posting loop.
const (
	TypePostPublished   = "post.published"
	TypePostFailed      = "post.failed"
	TypeGenerateFailed  = "generate.failed"
	TypeQuotaBlocked    = "quota.blocked"
	TypePersistFailed   = "post.persist_failed"
	TypeMonthlyOvershot = "quota.monthly_overshot"
)

// PostPublished is the payload of TypePostPublished.
type PostPublished struct {
	CycleID   string
	Provider  string
	PostID    string
	URL       string
	Content   string
	Topic     string
	Attempts  int
	MonthUsed int
	Published time.Time
}

// PostFailed is the payload of TypePostFailed.
type PostFailed struct {
	CycleID     string
	Provider    string
	Content     string
	Attempts    int
	RateLimited bool
	Err         string
}

// GenerateFailed is the payload of TypeGenerateFailed.
type GenerateFailed struct {
	CycleID     string
	Topic       string
	RateLimited bool
	Err         string
}

// QuotaBlocked is the payload of TypeQuotaBlocked.
type QuotaBlocked struct {
	Reason       string
	NextEligible time.Time
	Sleep        time.Duration
}

// PersistFailed is the payload of TypePersistFailed. The post went out but
// the durable stores did not record it.
type PersistFailed struct {
	CycleID string
	PostID  string
	Err     string
}

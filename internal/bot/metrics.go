package bot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var postsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "postbot_posts_published_total",
	Help: "Number of posts confirmed by the provider",
}, []string{"provider"})

var publishAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "postbot_publish_attempts_total",
	Help: "Number of provider calls, retries included",
}, []string{"provider"})

var publishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "postbot_publish_failures_total",
	Help: "Number of publish cycles that did not end in a recorded post",
}, []string{"reason"})

var generateFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "postbot_generate_failures_total",
	Help: "Number of failed content generations",
}, []string{"reason"})

var quotaBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "postbot_quota_blocks_total",
	Help: "Number of cycles blocked by the quota governor",
}, []string{"reason"})

var monthPosts = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "postbot_month_posts",
	Help: "Posts counted in the current month",
})

var todayPosts = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "postbot_today_posts",
	Help: "Posts recorded today",
})

var lastPostTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "postbot_last_post_timestamp_seconds",
	Help: "Unix time of the last recorded post",
})

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks the document for shape errors: enums, positive limits and
// parseable durations. Semantic checks that need runtime packages (cron
// syntax, quota bounds) happen where the values are applied.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("timezone: %w", err))
		}
	}

	if c.Quota.MonthlyLimit <= 0 {
		add(fmt.Errorf("quota.monthly_limit must be > 0"))
	}
	if c.Quota.DailyLimit <= 0 {
		add(fmt.Errorf("quota.daily_limit must be > 0"))
	}
	_, err := ParseDurationField("quota.min_interval", c.Quota.MinInterval)
	add(err)

	for path, raw := range map[string]string{
		"schedule.coarse_sleep":         c.Schedule.CoarseSleep,
		"schedule.interval_poll":        c.Schedule.IntervalPoll,
		"schedule.retry_delay":          c.Schedule.RetryDelay,
		"storage.busy_timeout":          c.Storage.BusyTimeout,
		"publisher.backoff_base":        c.Publisher.BackoffBase,
		"publisher.backoff_max":         c.Publisher.BackoffMax,
		"publisher.timeout":             c.Publisher.Timeout,
		"publisher.http.retry_wait_min": c.Publisher.HTTP.RetryWaitMin,
		"publisher.http.retry_wait_max": c.Publisher.HTTP.RetryWaitMax,
		"publisher.http.timeout":        c.Publisher.HTTP.Timeout,
		"generator.timeout":             c.Generator.Timeout,
		"generator.http.retry_wait_min": c.Generator.HTTP.RetryWaitMin,
		"generator.http.retry_wait_max": c.Generator.HTTP.RetryWaitMax,
		"generator.http.timeout":        c.Generator.HTTP.Timeout,
		"telegram.notify.retry_base":    c.Telegram.Notify.RetryBase,
		"telegram.notify.send_timeout":  c.Telegram.Notify.SendTimeout,
		"telegram.notify.dedup_window":  c.Telegram.Notify.DedupWindow,
		"ops.read_timeout":              c.Ops.ReadTimeout,
		"ops.write_timeout":             c.Ops.WriteTimeout,
		"ops.idle_timeout":              c.Ops.IdleTimeout,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	if c.Schedule.RecentContext < 0 {
		add(fmt.Errorf("schedule.recent_context must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "file", "sqlite":
	case "redis":
		if strings.TrimSpace(c.Storage.Addr) == "" {
			add(fmt.Errorf("storage.addr required for redis"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	switch strings.ToLower(strings.TrimSpace(c.Publisher.Provider)) {
	case "bluesky", "twitter", "dryrun":
	default:
		add(fmt.Errorf("publisher.provider: must be bluesky, twitter or dryrun (got %q)", c.Publisher.Provider))
	}
	if c.Publisher.MaxRetries < 0 {
		add(fmt.Errorf("publisher.max_retries must be >= 0"))
	}
	if c.Publisher.HTTP.MaxRetries < 0 || c.Generator.HTTP.MaxRetries < 0 {
		add(fmt.Errorf("http.max_retries must be >= 0"))
	}
	if c.Generator.MaxChars < 0 || c.Generator.MaxTokens < 0 {
		add(fmt.Errorf("generator.max_chars and generator.max_tokens must be >= 0"))
	}
	if c.Generator.RequestsPerMinute < 0 {
		add(fmt.Errorf("generator.requests_per_minute must be >= 0"))
	}

	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		add(fmt.Errorf("logging.file.path required when file logging is enabled"))
	}
	if c.Report.Enabled && strings.TrimSpace(c.Report.Schedule) == "" {
		add(fmt.Errorf("report.schedule required when report is enabled"))
	}
	return errors.Join(errs...)
}

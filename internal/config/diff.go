package config

import (
	"reflect"
	"sort"
	"strings"

	logx "postbot/pkg/logx"
)

// SummarizeConfigChange returns the sorted list of changed sections and safe
// structured attrs for logging. Secrets (API keys, passwords, tokens) are
// reported only as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		changed = append(changed, "timezone")
		attrs = append(attrs, logx.String("timezone", newCfg.Timezone))
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Quota != newCfg.Quota {
		changed = append(changed, "quota")
		attrs = append(attrs,
			logx.Int("quota.monthly_limit", newCfg.Quota.MonthlyLimit),
			logx.Int("quota.daily_limit", newCfg.Quota.DailyLimit),
			logx.String("quota.min_interval", newCfg.Quota.MinInterval),
		)
	}

	if oldCfg.Schedule != newCfg.Schedule {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.String("schedule.coarse_sleep", newCfg.Schedule.CoarseSleep),
			logx.String("schedule.interval_poll", newCfg.Schedule.IntervalPoll),
			logx.String("schedule.retry_delay", newCfg.Schedule.RetryDelay),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.addr_set", strings.TrimSpace(newCfg.Storage.Addr) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Publisher, newCfg.Publisher) {
		changed = append(changed, "publisher")
		p := newCfg.Publisher
		attrs = append(attrs,
			logx.String("publisher.provider", p.Provider),
			logx.Int("publisher.max_retries", p.MaxRetries),
			logx.String("publisher.backoff_base", p.BackoffBase),
			logx.Bool("publisher.twitter_credentials_set", p.Twitter.APIKey != "" && p.Twitter.AccessToken != ""),
			logx.Bool("publisher.bluesky_credentials_set", p.Bluesky.Handle != "" && p.Bluesky.AppPassword != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Generator, newCfg.Generator) {
		changed = append(changed, "generator")
		attrs = append(attrs,
			logx.String("generator.model", newCfg.Generator.Model),
			logx.Int("generator.topics", len(newCfg.Generator.Topics)),
			logx.Bool("generator.api_key_set", newCfg.Generator.APIKey != ""),
		)
	}

	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.configured", newCfg.Telegram.Configured()),
			logx.Int("telegram.thread_id", newCfg.Telegram.ThreadID),
			logx.Bool("telegram.notify", newCfg.Telegram.Notify.Enabled),
		)
	}

	if oldCfg.Report != newCfg.Report {
		changed = append(changed, "report")
		attrs = append(attrs,
			logx.Bool("report.enabled", newCfg.Report.Enabled),
			logx.String("report.schedule", newCfg.Report.Schedule),
		)
	}

	// Token compared by presence only.
	o, n := oldCfg.Ops, newCfg.Ops
	if o.Enabled != n.Enabled || o.Addr != n.Addr || o.AllowInsecure != n.AllowInsecure ||
		o.Pprof != n.Pprof || o.PprofPrefix != n.PprofPrefix ||
		o.ReadTimeout != n.ReadTimeout || o.WriteTimeout != n.WriteTimeout || o.IdleTimeout != n.IdleTimeout ||
		(o.Token != "") != (n.Token != "") {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", n.Enabled),
			logx.String("ops.addr", n.Addr),
			logx.Bool("ops.pprof", n.Pprof),
			logx.Bool("ops.token_set", n.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect after a
// restart: the storage backend and the publisher/generator clients.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.Storage != newCfg.Storage {
		out = append(out, "storage")
	}
	if strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		out = append(out, "timezone")
	}
	op, np := oldCfg.Publisher, newCfg.Publisher
	if op.Provider != np.Provider || op.Twitter != np.Twitter || op.Bluesky != np.Bluesky || op.HTTP != np.HTTP {
		out = append(out, "publisher")
	}
	og, ng := oldCfg.Generator, newCfg.Generator
	og.Topics, ng.Topics = nil, nil
	if !reflect.DeepEqual(og, ng) {
		out = append(out, "generator")
	}
	if oldCfg.Telegram.Token != newCfg.Telegram.Token || oldCfg.Telegram.ChatID != newCfg.Telegram.ChatID ||
		oldCfg.Telegram.ThreadID != newCfg.Telegram.ThreadID || oldCfg.Telegram.APIURL != newCfg.Telegram.APIURL {
		out = append(out, "telegram")
	}
	return out
}

package app

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"postbot/internal/bot"
	"postbot/internal/config"
	"postbot/internal/generate"
	"postbot/internal/httpx"
	"postbot/internal/notifier"
	"postbot/internal/observability/ops"
	"postbot/internal/publish"
	"postbot/internal/publish/bluesky"
	"postbot/internal/publish/twitter"
	"postbot/internal/quota"
	"postbot/internal/report"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

func mapLimits(cfg *config.Config) (quota.Limits, error) {
	d, err := config.ParseDurationField("quota.min_interval", cfg.Quota.MinInterval)
	if err != nil {
		return quota.Limits{}, err
	}
	l := quota.Limits{Monthly: cfg.Quota.MonthlyLimit, Daily: cfg.Quota.DailyLimit, MinInterval: d}
	if err := l.Validate(); err != nil {
		return quota.Limits{}, fmt.Errorf("quota: %w", err)
	}
	return l, nil
}

func mapSchedule(cfg *config.Config) (bot.Schedule, error) {
	def := bot.DefaultSchedule()
	coarse, err := config.ParseDurationOrDefault("schedule.coarse_sleep", cfg.Schedule.CoarseSleep, def.CoarseSleep)
	if err != nil {
		return bot.Schedule{}, err
	}
	poll, err := config.ParseDurationOrDefault("schedule.interval_poll", cfg.Schedule.IntervalPoll, def.IntervalPoll)
	if err != nil {
		return bot.Schedule{}, err
	}
	retry, err := config.ParseDurationOrDefault("schedule.retry_delay", cfg.Schedule.RetryDelay, def.RetryDelay)
	if err != nil {
		return bot.Schedule{}, err
	}
	return bot.Schedule{CoarseSleep: coarse, IntervalPoll: poll, RetryDelay: retry, RecentContext: cfg.Schedule.RecentContext}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	s := cfg.Storage
	busy, err := config.ParseDurationField("storage.busy_timeout", s.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(s.Driver)),
		Path:        strings.TrimSpace(s.Path),
		CounterFile: s.CounterFile,
		HistoryFile: s.HistoryFile,
		BusyTimeout: busy,
		Addr:        s.Addr,
		Password:    s.Password,
		DB:          s.DB,
		Prefix:      s.Prefix,
	}, nil
}

func mapHTTP(path string, h config.HTTPConfig) (*httpx.Options, error) {
	d := httpx.DefaultOptions()
	lo, err := config.ParseDurationOrDefault(path+".retry_wait_min", h.RetryWaitMin, d.RetryWaitMin)
	if err != nil {
		return nil, err
	}
	hi, err := config.ParseDurationOrDefault(path+".retry_wait_max", h.RetryWaitMax, d.RetryWaitMax)
	if err != nil {
		return nil, err
	}
	timeout, err := config.ParseDurationOrDefault(path+".timeout", h.Timeout, d.Timeout)
	if err != nil {
		return nil, err
	}
	return &httpx.Options{MaxRetries: h.MaxRetries, RetryWaitMin: lo, RetryWaitMax: hi, Timeout: timeout}, nil
}

func mapPublishOptions(cfg *config.Config) (publish.Options, error) {
	d := publish.DefaultOptions()
	p := cfg.Publisher
	base, err := config.ParseDurationOrDefault("publisher.backoff_base", p.BackoffBase, d.BackoffBase)
	if err != nil {
		return publish.Options{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("publisher.backoff_max", p.BackoffMax, d.BackoffMax)
	if err != nil {
		return publish.Options{}, err
	}
	timeout, err := config.ParseDurationOrDefault("publisher.timeout", p.Timeout, d.Timeout)
	if err != nil {
		return publish.Options{}, err
	}
	return publish.Options{MaxRetries: p.MaxRetries, BackoffBase: base, BackoffMax: maxDelay, Timeout: timeout}, nil
}

// newPublishClient builds the client for publisher.provider.
func newPublishClient(cfg *config.Config, log logx.Logger) (publish.Client, error) {
	p := cfg.Publisher
	httpOpt, err := mapHTTP("publisher.http", p.HTTP)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(p.Provider)) {
	case "bluesky":
		return bluesky.New(bluesky.Config{
			Host:        p.Bluesky.Host,
			Handle:      p.Bluesky.Handle,
			AppPassword: p.Bluesky.AppPassword,
			HTTP:        httpOpt,
			UserAgent:   "postbot",
		}, log)
	case "twitter":
		return twitter.New(twitter.Config{
			BaseURL:           p.Twitter.BaseURL,
			APIKey:            p.Twitter.APIKey,
			APISecret:         p.Twitter.APISecret,
			AccessToken:       p.Twitter.AccessToken,
			AccessTokenSecret: p.Twitter.AccessTokenSecret,
			HTTP:              httpOpt,
		}, log)
	case "dryrun":
		return publish.NewDryRun(log), nil
	default:
		return nil, fmt.Errorf("publisher.provider: unknown provider %q", p.Provider)
	}
}

func mapGeneratorConfig(cfg *config.Config) (generate.Config, error) {
	g := cfg.Generator
	timeout, err := config.ParseDurationField("generator.timeout", g.Timeout)
	if err != nil {
		return generate.Config{}, err
	}
	httpOpt, err := mapHTTP("generator.http", g.HTTP)
	if err != nil {
		return generate.Config{}, err
	}
	out := generate.Config{
		BaseURL:           g.BaseURL,
		APIKey:            g.APIKey,
		Model:             g.Model,
		Prompt:            g.Prompt,
		MaxChars:          g.MaxChars,
		MaxTokens:         g.MaxTokens,
		Timeout:           timeout,
		RequestsPerMinute: g.RequestsPerMinute,
		HTTP:              httpOpt,
	}
	if g.Temperature != nil {
		out.Temperature = *g.Temperature
	}
	return out, nil
}

func topicsOf(cfg *config.Config) []string {
	if len(cfg.Generator.Topics) == 0 {
		return generate.DefaultTopics
	}
	return cfg.Generator.Topics
}

func mapTelegram(cfg *config.Config) (notifier.TelegramConfig, bool, error) {
	t := cfg.Telegram
	if !t.Configured() {
		return notifier.TelegramConfig{}, false, nil
	}
	id, err := strconv.ParseInt(strings.TrimSpace(t.ChatID), 10, 64)
	if err != nil {
		return notifier.TelegramConfig{}, false, fmt.Errorf("telegram.chat_id: must be a numeric chat id: %w", err)
	}
	return notifier.TelegramConfig{Token: t.Token, ChatID: id, ThreadID: t.ThreadID, APIURL: t.APIURL}, true, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Telegram.Notify
	base, err := config.ParseDurationField("telegram.notify.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	sendTimeout, err := config.ParseDurationField("telegram.notify.send_timeout", n.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := config.ParseDurationField("telegram.notify.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:                n.Enabled && cfg.Telegram.Configured(),
		QueueSize:              n.QueueSize,
		RatePerSec:             n.RatePerSec,
		RetryMax:               n.RetryMax,
		RetryBase:              base,
		SendTimeout:            sendTimeout,
		DedupWindow:            dedup,
		NotifyGenerateFailures: n.GenerateFailures,
	}, nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
			Compress:   l.File.Compress,
		},
		Chat: logx.ChatConfig{
			Enabled:    l.Telegram.Enabled && cfg.Telegram.Configured(),
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapReportConfig(cfg *config.Config) report.Config {
	tz := cfg.Report.Timezone
	if strings.TrimSpace(tz) == "" {
		tz = cfg.Timezone
	}
	return report.Config{Enabled: cfg.Report.Enabled, Schedule: cfg.Report.Schedule, Timezone: tz}
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	rt, err := config.ParseDurationOrDefault("ops.read_timeout", o.ReadTimeout, 10*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	// Zero keeps /debug/pprof/profile usable.
	wt, err := config.ParseDurationField("ops.write_timeout", o.WriteTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	it, err := config.ParseDurationOrDefault("ops.idle_timeout", o.IdleTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:       o.Enabled,
		Addr:          o.Addr,
		Token:         o.Token,
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
		PprofPrefix:   o.PprofPrefix,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   it,
	}, nil
}

// validateConfig runs every mapping so a reload is rejected before anything
// is applied.
func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	_, err := loadLocation(cfg.Timezone)
	collect(err)
	_, err = mapLimits(cfg)
	collect(err)
	_, err = mapSchedule(cfg)
	collect(err)
	_, err = mapStorageConfig(cfg)
	collect(err)
	_, err = mapPublishOptions(cfg)
	collect(err)
	_, err = mapHTTP("publisher.http", cfg.Publisher.HTTP)
	collect(err)
	_, err = mapGeneratorConfig(cfg)
	collect(err)
	_, _, err = mapTelegram(cfg)
	collect(err)
	_, err = mapNotifierConfig(cfg)
	collect(err)
	collect(mapReportConfig(cfg).Validate())
	_, err = mapOpsConfig(cfg)
	collect(err)
	return errors.Join(errs...)
}

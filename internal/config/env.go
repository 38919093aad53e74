package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE files into the process environment. Variables
// that are already set win. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overlays credentials and quota limits from the environment onto
// cfg. Empty variables leave the file value in place.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if cfg == nil || getenv == nil {
		return nil
	}
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	str("TWITTER_API_KEY", &cfg.Publisher.Twitter.APIKey)
	str("TWITTER_API_SECRET", &cfg.Publisher.Twitter.APISecret)
	str("TWITTER_ACCESS_TOKEN", &cfg.Publisher.Twitter.AccessToken)
	str("TWITTER_ACCESS_TOKEN_SECRET", &cfg.Publisher.Twitter.AccessTokenSecret)
	str("BLUESKY_HANDLE", &cfg.Publisher.Bluesky.Handle)
	str("BLUESKY_APP_PASSWORD", &cfg.Publisher.Bluesky.AppPassword)
	str("BLUESKY_PDS_HOST", &cfg.Publisher.Bluesky.Host)
	str("TOGETHER_API_KEY", &cfg.Generator.APIKey)
	str("TELEGRAM_BOT_TOKEN", &cfg.Telegram.Token)
	str("TELEGRAM_CHAT_ID", &cfg.Telegram.ChatID)
	str("POSTBOT_PROVIDER", &cfg.Publisher.Provider)
	str("POSTBOT_MIN_INTERVAL", &cfg.Quota.MinInterval)

	var errs []error
	num := func(key string, dst *int) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid integer %q", key, v))
			return
		}
		*dst = n
	}
	num("POSTBOT_MONTHLY_LIMIT", &cfg.Quota.MonthlyLimit)
	num("POSTBOT_DAILY_LIMIT", &cfg.Quota.DailyLimit)
	return errors.Join(errs...)
}

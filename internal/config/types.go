package config

// Config is the whole bot configuration document.
//
// All durations are Go duration strings ("96m", "30s", "1h"). The file is
// decoded on top of Default(), so omitted keys keep their defaults.
type Config struct {
	// Timezone is the IANA zone used for month and day boundaries.
	// Empty means the host's local zone.
	Timezone string `json:"timezone,omitempty"`

	Logging   LoggingConfig   `json:"logging"`
	Quota     QuotaConfig     `json:"quota"`
	Schedule  ScheduleConfig  `json:"schedule"`
	Storage   StorageConfig   `json:"storage"`
	Publisher PublisherConfig `json:"publisher"`
	Generator GeneratorConfig `json:"generator"`
	Telegram  TelegramConfig  `json:"telegram"`
	Report    ReportConfig    `json:"report"`
	Ops       OpsConfig       `json:"ops"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// LoggingTelegram forwards log lines at or above MinLevel to the telegram chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type QuotaConfig struct {
	MonthlyLimit int    `json:"monthly_limit"`
	DailyLimit   int    `json:"daily_limit"`
	MinInterval  string `json:"min_interval"`
}

// ScheduleConfig paces the posting loop.
type ScheduleConfig struct {
	CoarseSleep   string `json:"coarse_sleep"`
	IntervalPoll  string `json:"interval_poll"`
	RetryDelay    string `json:"retry_delay"`
	RecentContext int    `json:"recent_context"`
}

// StorageConfig selects where the counter and history documents live.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./postbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	CounterFile string `json:"counter_file,omitempty"`
	HistoryFile string `json:"history_file,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`

	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"` // never logged
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// HTTPConfig tunes the retrying HTTP client used for outbound API calls.
// Rate-limit responses are never retried at this layer.
type HTTPConfig struct {
	MaxRetries   int    `json:"max_retries"`
	RetryWaitMin string `json:"retry_wait_min,omitempty"`
	RetryWaitMax string `json:"retry_wait_max,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
}

type PublisherConfig struct {
	// Provider is one of "bluesky", "twitter" or "dryrun".
	Provider    string `json:"provider"`
	MaxRetries  int    `json:"max_retries"`
	BackoffBase string `json:"backoff_base"`
	BackoffMax  string `json:"backoff_max"`
	Timeout     string `json:"timeout"`

	HTTP    HTTPConfig    `json:"http"`
	Twitter TwitterConfig `json:"twitter"`
	Bluesky BlueskyConfig `json:"bluesky"`
}

type TwitterConfig struct {
	BaseURL           string `json:"base_url,omitempty"`
	APIKey            string `json:"api_key,omitempty"`
	APISecret         string `json:"api_secret,omitempty"`
	AccessToken       string `json:"access_token,omitempty"`
	AccessTokenSecret string `json:"access_token_secret,omitempty"`
}

type BlueskyConfig struct {
	Host        string `json:"host,omitempty"`
	Handle      string `json:"handle,omitempty"`
	AppPassword string `json:"app_password,omitempty"`
}

type GeneratorConfig struct {
	BaseURL           string     `json:"base_url,omitempty"`
	APIKey            string     `json:"api_key,omitempty"`
	Model             string     `json:"model,omitempty"`
	Prompt            string     `json:"prompt,omitempty"`
	Topics            []string   `json:"topics,omitempty"`
	MaxChars          int        `json:"max_chars,omitempty"`
	MaxTokens         int        `json:"max_tokens,omitempty"`
	Temperature       *float64   `json:"temperature,omitempty"`
	Timeout           string     `json:"timeout,omitempty"`
	RequestsPerMinute int        `json:"requests_per_minute,omitempty"`
	HTTP              HTTPConfig `json:"http"`
}

// TelegramConfig is the optional chat used for notifications and log forwarding.
// Everything telegram-related is off while Token or ChatID is empty.
type TelegramConfig struct {
	Token    string       `json:"token,omitempty"`
	ChatID   string       `json:"chat_id,omitempty"`
	ThreadID int          `json:"thread_id,omitempty"`
	APIURL   string       `json:"api_url,omitempty"`
	Notify   NotifyConfig `json:"notify"`
}

func (t TelegramConfig) Configured() bool { return t.Token != "" && t.ChatID != "" }

type NotifyConfig struct {
	Enabled          bool    `json:"enabled"`
	QueueSize        int     `json:"queue_size,omitempty"`
	RatePerSec       float64 `json:"rate_per_sec,omitempty"`
	RetryMax         int     `json:"retry_max,omitempty"`
	RetryBase        string  `json:"retry_base,omitempty"`
	SendTimeout      string  `json:"send_timeout,omitempty"`
	DedupWindow      string  `json:"dedup_window,omitempty"`
	GenerateFailures bool    `json:"generate_failures,omitempty"`
}

type ReportConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// OpsConfig controls the metrics/health HTTP server.
//
// Prefer a loopback Addr. Non-loopback binds need Token or AllowInsecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	PprofPrefix   string `json:"pprof_prefix,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			File:    LoggingFile{Path: "logs/postbot.log", MaxSizeMB: 20, MaxBackups: 3, MaxAgeDays: 14},
			Telegram: LoggingTelegram{
				MinLevel:   "error",
				RatePerSec: 1,
			},
		},
		Quota: QuotaConfig{MonthlyLimit: 470, DailyLimit: 15, MinInterval: "96m"},
		Schedule: ScheduleConfig{
			CoarseSleep:   "1h",
			IntervalPoll:  "5m",
			RetryDelay:    "5m",
			RecentContext: 5,
		},
		Storage: StorageConfig{Driver: "file", Path: "."},
		Publisher: PublisherConfig{
			Provider:    "bluesky",
			MaxRetries:  3,
			BackoffBase: "30s",
			BackoffMax:  "15m",
			Timeout:     "30s",
			HTTP:        HTTPConfig{MaxRetries: 3},
		},
		Generator: GeneratorConfig{Timeout: "60s", HTTP: HTTPConfig{MaxRetries: 3}},
		Telegram:  TelegramConfig{Notify: NotifyConfig{Enabled: true, DedupWindow: "10m"}},
		Report:    ReportConfig{Schedule: "0 21 * * *"},
		Ops:       OpsConfig{Addr: "127.0.0.1:9464"},
	}
}

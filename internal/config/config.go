package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	DB        DBConfig        `mapstructure:"db"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Spend     SpendConfig     `mapstructure:"spend"`
	Consensus ConsensusConfig `mapstructure:"consensus"`
	Store     StoreConfig     `mapstructure:"store"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Intel     IntelConfig     `mapstructure:"intel"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
}

type CacheConfig struct {
	URL string `mapstructure:"url"`
}

type AuthConfig struct {
	RequireAPIKey bool     `mapstructure:"require_api_key"`
	APIKeys       []string `mapstructure:"api_keys"`
	APIKeyHeader  string   `mapstructure:"api_key_header"`
	ActorHeader   string   `mapstructure:"actor_header"`
}

// LimitsConfig bounds raw inputs before any detector runs.
type LimitsConfig struct {
	MinTextChars  int `mapstructure:"min_text_chars"`
	MaxTextChars  int `mapstructure:"max_text_chars"`
	MaxImageMB    int `mapstructure:"max_image_mb"`
	MaxAudioMB    int `mapstructure:"max_audio_mb"`
	MaxVideoMB    int `mapstructure:"max_video_mb"`
	BatchMaxItems int `mapstructure:"batch_max_items"`
}

type BucketConfig struct {
	Requests      int `mapstructure:"requests"`
	WindowSeconds int `mapstructure:"window_seconds"`
}

type RateLimitConfig struct {
	Text    BucketConfig `mapstructure:"text"`
	Media   BucketConfig `mapstructure:"media"`
	Batch   BucketConfig `mapstructure:"batch"`
	Intel   BucketConfig `mapstructure:"intel"`
	Default BucketConfig `mapstructure:"default"`
}

// Bucket maps a logical bucket name to its window configuration. Unknown
// names fall back to the default bucket.
func (c RateLimitConfig) Bucket(name string) BucketConfig {
	switch name {
	case "text":
		return c.Text
	case "media":
		return c.Media
	case "batch":
		return c.Batch
	case "intel":
		return c.Intel
	default:
		return c.Default
	}
}

type SpendConfig struct {
	DailyCapPoints int            `mapstructure:"daily_cap_points"`
	Costs          map[string]int `mapstructure:"costs"`
}

// Cost returns the point cost for an operation, defaulting to 1.
func (c SpendConfig) Cost(op string) int {
	if cost, ok := c.Costs[op]; ok && cost > 0 {
		return cost
	}
	return 1
}

type ProviderConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	APIURL  string  `mapstructure:"api_url"`
	APIKey  string  `mapstructure:"api_key"`
	Weight  float64 `mapstructure:"weight"`
}

type ThresholdConfig struct {
	Text  float64 `mapstructure:"text"`
	Image float64 `mapstructure:"image"`
	Audio float64 `mapstructure:"audio"`
	Video float64 `mapstructure:"video"`
}

// For returns the decision threshold for a modality.
func (t ThresholdConfig) For(modality string) float64 {
	switch modality {
	case "text":
		return t.Text
	case "image":
		return t.Image
	case "audio":
		return t.Audio
	case "video":
		return t.Video
	default:
		return 0.5
	}
}

type ConsensusConfig struct {
	Enabled         bool            `mapstructure:"enabled"`
	ProviderTimeout time.Duration   `mapstructure:"provider_timeout"`
	RetryAttempts   int             `mapstructure:"retry_attempts"`
	RetryBackoff    time.Duration   `mapstructure:"retry_backoff"`
	InternalWeight  float64         `mapstructure:"internal_weight"`
	Threshold       ThresholdConfig `mapstructure:"threshold"`
	Copyleaks       ProviderConfig  `mapstructure:"copyleaks"`
	RealityDefender ProviderConfig  `mapstructure:"reality_defender"`
	Hive            ProviderConfig  `mapstructure:"hive"`
	C2PA            ProviderConfig  `mapstructure:"c2pa"`
}

type StoreConfig struct {
	DedupWindow   time.Duration `mapstructure:"dedup_window"`
	RetentionDays int           `mapstructure:"retention_days"`
	ExportRowCap  int           `mapstructure:"export_row_cap"`
}

type AuditConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	RingCapacity    int  `mapstructure:"ring_capacity"`
	LogHTTPRequests bool `mapstructure:"log_http_requests"`
	MaxItems        int  `mapstructure:"max_items"`
}

type WebhookConfig struct {
	URLs               []string      `mapstructure:"urls"`
	Secret             string        `mapstructure:"secret"`
	Timeout            time.Duration `mapstructure:"timeout"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	BaseBackoffSeconds float64       `mapstructure:"base_backoff_seconds"`
	MaxBackoffSeconds  float64       `mapstructure:"max_backoff_seconds"`
	QueueFile          string        `mapstructure:"queue_file"`
	DeadLetterFile     string        `mapstructure:"dead_letter_file"`
	DrainInterval      time.Duration `mapstructure:"drain_interval"`
}

type SchedulerConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	TickSeconds       int           `mapstructure:"tick_seconds"`
	Interval          time.Duration `mapstructure:"interval"`
	WindowDays        int           `mapstructure:"window_days"`
	MaxPosts          int           `mapstructure:"max_posts"`
	Query             string        `mapstructure:"query"`
	Handles           []string      `mapstructure:"handles"`
	MonthlyRequestCap int           `mapstructure:"monthly_request_cap"`
	KillSwitchOnCap   bool          `mapstructure:"kill_switch_on_cap"`
	UsageFile         string        `mapstructure:"usage_file"`
	MaxRetrySeconds   int           `mapstructure:"max_retry_seconds"`
}

type IntelConfig struct {
	APIBaseURL        string        `mapstructure:"api_base_url"`
	BearerToken       string        `mapstructure:"bearer_token"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxPages          int           `mapstructure:"max_pages"`
	MaxRequestsPerRun int           `mapstructure:"max_requests_per_run"`
	CostGuardEnabled  bool          `mapstructure:"cost_guard_enabled"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PROV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("cache.url", "")
	v.SetDefault("auth.require_api_key", false)
	v.SetDefault("auth.api_key_header", "X-API-Key")
	v.SetDefault("auth.actor_header", "X-Actor-Id")
	v.SetDefault("limits.min_text_chars", 50)
	v.SetDefault("limits.max_text_chars", 50000)
	v.SetDefault("limits.max_image_mb", 10)
	v.SetDefault("limits.max_audio_mb", 25)
	v.SetDefault("limits.max_video_mb", 150)
	v.SetDefault("limits.batch_max_items", 50)
	v.SetDefault("rate_limit.text.requests", 100)
	v.SetDefault("rate_limit.text.window_seconds", 60)
	v.SetDefault("rate_limit.media.requests", 40)
	v.SetDefault("rate_limit.media.window_seconds", 60)
	v.SetDefault("rate_limit.batch.requests", 20)
	v.SetDefault("rate_limit.batch.window_seconds", 60)
	v.SetDefault("rate_limit.intel.requests", 20)
	v.SetDefault("rate_limit.intel.window_seconds", 60)
	v.SetDefault("rate_limit.default.requests", 100)
	v.SetDefault("rate_limit.default.window_seconds", 60)
	v.SetDefault("spend.daily_cap_points", 1000)
	v.SetDefault("spend.costs", map[string]int{
		"text":  1,
		"image": 3,
		"audio": 4,
		"video": 6,
		"batch": 5,
		"intel": 8,
	})
	v.SetDefault("consensus.enabled", true)
	v.SetDefault("consensus.provider_timeout", "8s")
	v.SetDefault("consensus.retry_attempts", 3)
	v.SetDefault("consensus.retry_backoff", "500ms")
	v.SetDefault("consensus.internal_weight", 0.6)
	v.SetDefault("consensus.threshold.text", 0.5)
	v.SetDefault("consensus.threshold.image", 0.5)
	v.SetDefault("consensus.threshold.audio", 0.5)
	v.SetDefault("consensus.threshold.video", 0.5)
	v.SetDefault("consensus.copyleaks.enabled", false)
	v.SetDefault("consensus.copyleaks.api_url", "https://api.copyleaks.com/v2/writer-detector")
	v.SetDefault("consensus.copyleaks.weight", 0.15)
	v.SetDefault("consensus.reality_defender.enabled", false)
	v.SetDefault("consensus.reality_defender.api_url", "https://api.prd.realitydefender.xyz/api/media")
	v.SetDefault("consensus.reality_defender.weight", 0.15)
	v.SetDefault("consensus.hive.enabled", false)
	v.SetDefault("consensus.hive.api_url", "https://api.thehive.ai/api/v2/task/sync")
	v.SetDefault("consensus.hive.weight", 0.1)
	v.SetDefault("consensus.c2pa.enabled", false)
	v.SetDefault("consensus.c2pa.weight", 0.1)
	v.SetDefault("store.dedup_window", "0s")
	v.SetDefault("store.retention_days", 90)
	v.SetDefault("store.export_row_cap", 10000)
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.ring_capacity", 20000)
	v.SetDefault("audit.log_http_requests", true)
	v.SetDefault("audit.max_items", 100000)
	v.SetDefault("webhook.timeout", "10s")
	v.SetDefault("webhook.max_attempts", 5)
	v.SetDefault("webhook.base_backoff_seconds", 2.0)
	v.SetDefault("webhook.max_backoff_seconds", 300.0)
	v.SetDefault("webhook.queue_file", "data/webhook_queue.json")
	v.SetDefault("webhook.dead_letter_file", "data/webhook_dead_letter.jsonl")
	v.SetDefault("webhook.drain_interval", "5s")
	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.tick_seconds", 30)
	v.SetDefault("scheduler.interval", "6h")
	v.SetDefault("scheduler.window_days", 14)
	v.SetDefault("scheduler.max_posts", 250)
	v.SetDefault("scheduler.monthly_request_cap", 10000)
	v.SetDefault("scheduler.kill_switch_on_cap", true)
	v.SetDefault("scheduler.usage_file", "data/scheduler_usage.json")
	v.SetDefault("scheduler.max_retry_seconds", 900)
	v.SetDefault("intel.api_base_url", "https://api.x.com/2")
	v.SetDefault("intel.timeout", "20s")
	v.SetDefault("intel.max_pages", 3)
	v.SetDefault("intel.max_requests_per_run", 60)
	v.SetDefault("intel.cost_guard_enabled", true)

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends accepted by storage.backend.
const (
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
)

// DataPathEnv overrides crawler.data_root when set.
const DataPathEnv = "BILIBILI_CRAWLER_DATA_PATH"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Bilibili BilibiliConfig `mapstructure:"bilibili"`
	Storage  StorageConfig  `mapstructure:"storage"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CrawlerConfig governs the harvest loop, the 412 policy and serve-mode workers.
type CrawlerConfig struct {
	DataRoot            string        `mapstructure:"data_root"`
	PoolSize            int           `mapstructure:"pool_size"`
	PageSize            int           `mapstructure:"page_size"`
	SleepOnePage        time.Duration `mapstructure:"sleep_one_page"`
	SleepOneReply       time.Duration `mapstructure:"sleep_one_reply"`
	RateLimitCooldown   time.Duration `mapstructure:"rate_limit_cooldown"`
	RateLimitMaxRetries int           `mapstructure:"rate_limit_max_retries"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	SkipExisting        bool          `mapstructure:"skip_existing"`
	MinDialogLength     int           `mapstructure:"min_dialog_length"`
	TopN                int           `mapstructure:"top_n"`
	RequestsPerSecond   float64       `mapstructure:"requests_per_second"`
	QueueDepth          int           `mapstructure:"queue_depth"`
	Workers             int           `mapstructure:"workers"`
	HaltOnRateLimit     bool          `mapstructure:"halt_on_rate_limit"`
	UserAgent           string        `mapstructure:"user_agent"`
}

// BilibiliConfig holds the remote endpoints and login cookies.
type BilibiliConfig struct {
	APIBase      string `mapstructure:"api_base"`
	PassportBase string `mapstructure:"passport_base"`
	SESSDATA     string `mapstructure:"sessdata"`
	BiliJct      string `mapstructure:"bili_jct"`
	Buvid3       string `mapstructure:"buvid3"`
	DedeUserID   string `mapstructure:"dedeuserid"`
	ACTimeValue  string `mapstructure:"ac_time_value"`
}

// StorageConfig selects where chain files and task records live.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls the optional Postgres chain index. An empty DSN disables it.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int    `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for completion notifications. Both fields must
// be set to enable publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Enabled reports whether notifications are configured.
func (p PubSubConfig) Enabled() bool {
	return p.ProjectID != "" && p.TopicName != ""
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("crawler.data_root", DataPathEnv, "CRAWLER_CRAWLER_DATA_ROOT"); err != nil {
		return Config{}, fmt.Errorf("bind data root env: %w", err)
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 7070)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("crawler.data_root", "data")
	v.SetDefault("crawler.pool_size", 16)
	v.SetDefault("crawler.page_size", 20)
	v.SetDefault("crawler.sleep_one_page", 100*time.Millisecond)
	v.SetDefault("crawler.sleep_one_reply", 100*time.Millisecond)
	v.SetDefault("crawler.rate_limit_cooldown", 30*time.Second)
	v.SetDefault("crawler.rate_limit_max_retries", 3)
	v.SetDefault("crawler.request_timeout", 60*time.Second)
	v.SetDefault("crawler.skip_existing", true)
	v.SetDefault("crawler.min_dialog_length", 0)
	v.SetDefault("crawler.top_n", 1)
	v.SetDefault("crawler.requests_per_second", 0.0)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("crawler.workers", 1)
	v.SetDefault("crawler.halt_on_rate_limit", true)
	v.SetDefault("crawler.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko)")
	v.SetDefault("bilibili.api_base", "https://api.bilibili.com")
	v.SetDefault("bilibili.passport_base", "https://passport.bilibili.com")
	for _, key := range []string{"sessdata", "bili_jct", "buvid3", "dedeuserid", "ac_time_value"} {
		v.SetDefault("bilibili."+key, "")
	}
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "dialogue_chains")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	cr := c.Crawler
	switch {
	case cr.DataRoot == "" && c.Storage.Backend == BackendLocal:
		return fmt.Errorf("crawler.data_root is required for the local backend")
	case cr.PoolSize <= 0:
		return fmt.Errorf("crawler.pool_size must be > 0")
	case cr.PageSize <= 0:
		return fmt.Errorf("crawler.page_size must be > 0")
	case cr.RequestTimeout <= 0:
		return fmt.Errorf("crawler.request_timeout must be > 0")
	case cr.SleepOnePage < 0 || cr.SleepOneReply < 0:
		return fmt.Errorf("crawler sleep intervals must be >= 0")
	case cr.RateLimitCooldown < 0:
		return fmt.Errorf("crawler.rate_limit_cooldown must be >= 0")
	case cr.RateLimitMaxRetries < 0:
		return fmt.Errorf("crawler.rate_limit_max_retries must be >= 0")
	case cr.MinDialogLength < 0:
		return fmt.Errorf("crawler.min_dialog_length must be >= 0")
	case cr.TopN <= 0:
		return fmt.Errorf("crawler.top_n must be > 0")
	case cr.RequestsPerSecond < 0:
		return fmt.Errorf("crawler.requests_per_second must be >= 0")
	case cr.QueueDepth <= 0 || cr.Workers <= 0:
		return fmt.Errorf("crawler.queue_depth and crawler.workers must be > 0")
	}
	switch c.Storage.Backend {
	case BackendLocal, BackendMemory:
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.DB.DSN != "" && c.DB.MaxConns <= 0 {
		return fmt.Errorf("db.max_conns must be > 0 when db.dsn is set")
	}
	return nil
}

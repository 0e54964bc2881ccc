package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	API        APIConfig        `yaml:"api" mapstructure:"api"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Sync       SyncConfig       `yaml:"sync" mapstructure:"sync"`
	Tiles      TilesConfig      `yaml:"tiles" mapstructure:"tiles"`
	Lock       LockConfig       `yaml:"lock" mapstructure:"lock"`
	Run        RunConfig        `yaml:"run" mapstructure:"run"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the object store backend.
type StoreConfig struct {
	Driver          string `yaml:"driver" mapstructure:"driver"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Region          string `yaml:"region" mapstructure:"region"`
	Endpoint        string `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" mapstructure:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style" mapstructure:"use_path_style"`
	StateKey        string `yaml:"state_key" mapstructure:"state_key"`
}

// APIConfig configures the upstream Tasking Manager API.
type APIConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	UserAgent   string `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RateLimit   int    `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// FetchConfig configures detail fetching and retry behavior.
type FetchConfig struct {
	Workers          int `yaml:"workers" mapstructure:"workers"`
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	RateLimitWaits   int `yaml:"rate_limit_waits" mapstructure:"rate_limit_waits"`
	CooldownSecs     int `yaml:"cooldown_secs" mapstructure:"cooldown_secs"`
	BreakerThreshold int `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
	LoadWorkers      int `yaml:"load_workers" mapstructure:"load_workers"`
	UploadWorkers    int `yaml:"upload_workers" mapstructure:"upload_workers"`
}

// SyncConfig configures change detection.
type SyncConfig struct {
	MirroredStatuses  []string `yaml:"mirrored_statuses" mapstructure:"mirrored_statuses"`
	MaxRemoveFraction float64  `yaml:"max_remove_fraction" mapstructure:"max_remove_fraction"`
	MaxRemoveMinItems int      `yaml:"max_remove_min_items" mapstructure:"max_remove_min_items"`
}

// TilesConfig configures the vector tile compiler.
type TilesConfig struct {
	Bin     string `yaml:"bin" mapstructure:"bin"`
	MinZoom int    `yaml:"min_zoom" mapstructure:"min_zoom"`
	MaxZoom int    `yaml:"max_zoom" mapstructure:"max_zoom"`
	Layer   string `yaml:"layer" mapstructure:"layer"`
	WorkDir string `yaml:"work_dir" mapstructure:"work_dir"`
}

// LockConfig configures the advisory run lock.
type LockConfig struct {
	Enabled    bool          `yaml:"enabled" mapstructure:"enabled"`
	Key        string        `yaml:"key" mapstructure:"key"`
	StaleAfter time.Duration `yaml:"stale_after" mapstructure:"stale_after"`
}

// RunConfig configures a single pipeline run.
type RunConfig struct {
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// MonitoringConfig configures post-run alerting. An empty WebhookURL
// disables delivery.
type MonitoringConfig struct {
	WebhookURL            string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FetchFailureThreshold float64 `yaml:"fetch_failure_threshold" mapstructure:"fetch_failure_threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// unprefixed variables shared with the AWS tooling
var awsEnv = map[string][]string{
	"store.bucket":            {"AWS_BUCKET_NAME"},
	"store.region":            {"AWS_REGION", "AWS_DEFAULT_REGION"},
	"store.endpoint":          {"S3_ENDPOINT_URL"},
	"store.access_key_id":     {"AWS_ACCESS_KEY_ID"},
	"store.secret_access_key": {"AWS_SECRET_ACCESS_KEY"},
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("MIRROR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, envs := range awsEnv {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", key)
		}
	}

	// Defaults
	v.SetDefault("store.driver", "s3")
	v.SetDefault("store.region", "us-east-1")
	v.SetDefault("store.state_key", "state.json")
	v.SetDefault("api.base_url", "https://tasking-manager-tm4-production-api.hotosm.org/api/v2")
	v.SetDefault("api.user_agent", "HOT-TM-CloudNativeMirror/1.0")
	v.SetDefault("api.timeout_secs", 60)
	v.SetDefault("api.rate_limit", 5)
	v.SetDefault("fetch.workers", 4)
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.initial_backoff_ms", 1000)
	v.SetDefault("fetch.max_backoff_ms", 30000)
	v.SetDefault("fetch.rate_limit_waits", 5)
	v.SetDefault("fetch.cooldown_secs", 30)
	v.SetDefault("fetch.breaker_threshold", 10)
	v.SetDefault("fetch.breaker_reset_secs", 60)
	v.SetDefault("fetch.load_workers", 16)
	v.SetDefault("fetch.upload_workers", 8)
	v.SetDefault("sync.mirrored_statuses", []string{"PUBLISHED", "ARCHIVED"})
	v.SetDefault("sync.max_remove_fraction", 0.5)
	v.SetDefault("sync.max_remove_min_items", 20)
	v.SetDefault("tiles.bin", "tippecanoe")
	v.SetDefault("tiles.min_zoom", 0)
	v.SetDefault("tiles.max_zoom", 12)
	v.SetDefault("tiles.layer", "projects")
	v.SetDefault("lock.enabled", true)
	v.SetDefault("lock.key", "run.lock")
	v.SetDefault("lock.stale_after", 3*time.Hour)
	v.SetDefault("run.timeout", 2*time.Hour)
	v.SetDefault("monitoring.fetch_failure_threshold", 0.10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate reports the first missing or out-of-range setting.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "s3", "minio":
	default:
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Bucket == "" {
		return eris.New("config: AWS_BUCKET_NAME is required")
	}
	if c.Store.Driver == "minio" && c.Store.Endpoint == "" {
		return eris.New("config: S3_ENDPOINT_URL is required for the minio driver")
	}
	if c.API.BaseURL == "" {
		return eris.New("config: api.base_url is required")
	}
	if c.Fetch.Workers < 1 {
		return eris.Errorf("config: fetch.workers must be positive, got %d", c.Fetch.Workers)
	}
	if len(c.Sync.MirroredStatuses) == 0 {
		return eris.New("config: sync.mirrored_statuses is empty")
	}
	if c.Sync.MaxRemoveFraction < 0 || c.Sync.MaxRemoveFraction > 1 {
		return eris.Errorf("config: sync.max_remove_fraction must be in [0,1], got %g", c.Sync.MaxRemoveFraction)
	}
	if c.Tiles.MinZoom < 0 || c.Tiles.MaxZoom < c.Tiles.MinZoom {
		return eris.Errorf("config: invalid tile zoom range %d-%d", c.Tiles.MinZoom, c.Tiles.MaxZoom)
	}
	if c.Run.Timeout <= 0 {
		return eris.New("config: run.timeout must be positive")
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

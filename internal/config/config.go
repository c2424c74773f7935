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
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Lease       LeaseConfig       `yaml:"lease" mapstructure:"lease"`
	Retry       RetryConfig       `yaml:"retry" mapstructure:"retry"`
	Reaper      ReaperConfig      `yaml:"reaper" mapstructure:"reaper"`
	Batch       BatchConfig       `yaml:"batch" mapstructure:"batch"`
	RateLimit   RateLimitConfig   `yaml:"ratelimit" mapstructure:"ratelimit"`
	Leaderboard LeaderboardConfig `yaml:"leaderboard" mapstructure:"leaderboard"`
	Enricher    EnricherConfig    `yaml:"enricher" mapstructure:"enricher"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// EnricherConfig points at the external enrichment service.
type EnricherConfig struct {
	WebhookURL string        `yaml:"webhook_url" mapstructure:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the operator HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LeaseConfig configures per-record lease granting.
//
// The lease duration is intentionally independent of the reaper's job
// timeout: a lease bounds one worker's hold on one record, the job timeout
// bounds an entire batch run's heartbeat.
type LeaseConfig struct {
	Duration time.Duration `yaml:"duration" mapstructure:"duration"`
}

// RetryConfig configures enrichment failure handling.
type RetryConfig struct {
	// Threshold is the retry count at which a prospect escalates to
	// manual review instead of re-queueing.
	Threshold int `yaml:"threshold" mapstructure:"threshold"`
}

// ReaperConfig configures stuck-job detection.
type ReaperConfig struct {
	JobTimeout    time.Duration `yaml:"job_timeout" mapstructure:"job_timeout"`
	SweepSchedule string        `yaml:"sweep_schedule" mapstructure:"sweep_schedule"`
}

// BatchConfig configures the batch enrichment runner.
type BatchConfig struct {
	Size          int     `yaml:"size" mapstructure:"size"`
	MaxConcurrent int     `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	ClaimsPerSec  float64 `yaml:"claims_per_sec" mapstructure:"claims_per_sec"`
}

// RateLimitConfig configures the request rate limiter presets.
type RateLimitConfig struct {
	Window        time.Duration `yaml:"window" mapstructure:"window"`
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	AuthLimit     int           `yaml:"auth_limit" mapstructure:"auth_limit"`
	StandardLimit int           `yaml:"standard_limit" mapstructure:"standard_limit"`
	ReadLimit     int           `yaml:"read_limit" mapstructure:"read_limit"`
	WriteLimit    int           `yaml:"write_limit" mapstructure:"write_limit"`
}

// LeaderboardConfig holds composite score weights and output bounds.
type LeaderboardConfig struct {
	DefaultLimit    int     `yaml:"default_limit" mapstructure:"default_limit"`
	WeightSignups   float64 `yaml:"weight_signups" mapstructure:"weight_signups"`
	WeightDomains   float64 `yaml:"weight_domains" mapstructure:"weight_domains"`
	WeightRetention float64 `yaml:"weight_retention" mapstructure:"weight_retention"`
	WeightLeads     float64 `yaml:"weight_leads" mapstructure:"weight_leads"`
	WeightRevenue   float64 `yaml:"weight_revenue" mapstructure:"weight_revenue"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PROSPECT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("server.port", 8080)
	v.SetDefault("lease.duration", "5m")
	v.SetDefault("retry.threshold", 2)
	v.SetDefault("reaper.job_timeout", "10m")
	v.SetDefault("reaper.sweep_schedule", "@every 2m")
	v.SetDefault("batch.size", 50)
	v.SetDefault("batch.max_concurrent", 5)
	v.SetDefault("batch.claims_per_sec", 10.0)
	v.SetDefault("ratelimit.window", "15m")
	v.SetDefault("ratelimit.sweep_interval", "1m")
	v.SetDefault("ratelimit.auth_limit", 5)
	v.SetDefault("ratelimit.standard_limit", 100)
	v.SetDefault("ratelimit.read_limit", 300)
	v.SetDefault("ratelimit.write_limit", 50)
	v.SetDefault("leaderboard.default_limit", 10)
	v.SetDefault("leaderboard.weight_signups", 0.25)
	v.SetDefault("leaderboard.weight_domains", 0.20)
	v.SetDefault("leaderboard.weight_retention", 0.20)
	v.SetDefault("leaderboard.weight_leads", 0.15)
	v.SetDefault("leaderboard.weight_revenue", 0.20)
	v.SetDefault("enricher.timeout", "60s")
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

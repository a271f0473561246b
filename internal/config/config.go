package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/jdiitm/logconsole/internal/connection"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	ConnectionsStatic   = "static"
	ConnectionsPostgres = "postgres"

	ArchiveNone = "none"
)

type Config struct {
	DeploymentMode string `mapstructure:"deployment_mode"`
	HTTPAddr       string `mapstructure:"http_addr"`
	MetricsAddr    string `mapstructure:"metrics_addr"`

	DatabaseURL      string        `mapstructure:"database_url"`
	DBConnectTimeout time.Duration `mapstructure:"db_connect_timeout"`
	StoreType        string        `mapstructure:"store_type"`

	ConnectionSource string              `mapstructure:"connection_source"`
	Connections      []connection.Config `mapstructure:"connections"`

	MaxSessions     int           `mapstructure:"max_sessions"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	PauseInterval   time.Duration `mapstructure:"pause_interval"`
	CheckpointEvery int           `mapstructure:"checkpoint_every"`
	MaxPollRecords  int           `mapstructure:"max_poll_records"`
	DeleteWait      time.Duration `mapstructure:"delete_wait"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	FallbackCapacity int           `mapstructure:"fallback_capacity"`
	DedupRedisURL    string        `mapstructure:"dedup_redis_url"`
	DedupCacheTTL    time.Duration `mapstructure:"dedup_cache_ttl"`

	FanoutBuffer       int    `mapstructure:"fanout_buffer"`
	FanoutRedisURL     string `mapstructure:"fanout_redis_url"`
	FanoutKafkaBrokers string `mapstructure:"fanout_kafka_brokers"`
	FanoutKafkaTopic   string `mapstructure:"fanout_kafka_topic"`

	RetentionAge      time.Duration `mapstructure:"retention_age"`
	RetentionInterval time.Duration `mapstructure:"retention_interval"`
	RetentionRate     float64       `mapstructure:"retention_batches_per_second"`
	ArchiveStoreType  string        `mapstructure:"archive_store_type"`
	ArchiveBucket     string        `mapstructure:"archive_bucket"`
	ArchiveEndpoint   string        `mapstructure:"archive_endpoint"`
	AWSRegion         string        `mapstructure:"aws_region"`

	OTLPEndpoint string `mapstructure:"otel_exporter_otlp_endpoint"`
	LogLevel     string `mapstructure:"log_level"`
	LogFormat    string `mapstructure:"log_format"`
}

var defaults = map[string]any{
	"deployment_mode":              "",
	"http_addr":                    ":8080",
	"metrics_addr":                 ":9090",
	"database_url":                 "",
	"db_connect_timeout":           "30s",
	"store_type":                   StorePostgres,
	"connection_source":            ConnectionsPostgres,
	"max_sessions":                 64,
	"idle_timeout":                 "30s",
	"pause_interval":               "200ms",
	"checkpoint_every":             50,
	"max_poll_records":             500,
	"delete_wait":                  "10s",
	"shutdown_timeout":             "30s",
	"fallback_capacity":            10000,
	"dedup_redis_url":              "",
	"dedup_cache_ttl":              "24h",
	"fanout_buffer":                256,
	"fanout_redis_url":             "",
	"fanout_kafka_brokers":         "",
	"fanout_kafka_topic":           "logconsole.session-events",
	"retention_age":                "0s",
	"retention_interval":           "10m",
	"retention_batches_per_second": 0,
	"archive_store_type":           ArchiveNone,
	"archive_bucket":               "",
	"aws_region":                   "us-east-1",
	"otel_exporter_otlp_endpoint":  "",
	"log_level":                    "info",
	"log_format":                   "json",
}

type loadOptions struct {
	dotenv string
}

type LoadOption func(*loadOptions)

// WithDotEnv loads variables from path before reading the environment. A
// missing file is not an error.
func WithDotEnv(path string) LoadOption {
	return func(o *loadOptions) { o.dotenv = path }
}

// Load reads the optional config file, then the environment. Environment
// variables use the upper-cased key names (HTTP_ADDR, MAX_SESSIONS, ...) and
// win over the file.
func Load(cfgFile string, opts ...LoadOption) (*Config, error) {
	lo := loadOptions{dotenv: ".env"}
	for _, o := range opts {
		o(&lo)
	}
	if lo.dotenv != "" {
		if err := godotenv.Load(lo.dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", lo.dotenv, err)
		}
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.StoreType = strings.ToLower(cfg.StoreType)
	cfg.ConnectionSource = strings.ToLower(cfg.ConnectionSource)
	cfg.ArchiveStoreType = strings.ToLower(cfg.ArchiveStoreType)
	return &cfg, nil
}

func (c *Config) Production() bool {
	return c.DeploymentMode == "production"
}

// Validate checks that the settings are consistent and safe for the
// deployment mode.
func (c *Config) Validate() error {
	var errs []error
	switch c.StoreType {
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("STORE_TYPE=postgres requires DATABASE_URL"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_TYPE %q", c.StoreType))
	}
	switch c.ConnectionSource {
	case ConnectionsPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("CONNECTION_SOURCE=postgres requires DATABASE_URL"))
		}
	case ConnectionsStatic:
		for _, conn := range c.Connections {
			if err := conn.Validate(); err != nil {
				errs = append(errs, err)
			}
		}
	default:
		errs = append(errs, fmt.Errorf("unknown CONNECTION_SOURCE %q", c.ConnectionSource))
	}
	if c.ArchiveStoreType == "s3" && c.ArchiveBucket == "" {
		errs = append(errs, errors.New("ARCHIVE_STORE_TYPE=s3 requires ARCHIVE_BUCKET"))
	}
	if c.ArchiveStoreType != ArchiveNone && c.RetentionAge <= 0 {
		errs = append(errs, fmt.Errorf("ARCHIVE_STORE_TYPE=%s has no effect without RETENTION_AGE", c.ArchiveStoreType))
	}
	if c.IdleTimeout <= 0 {
		errs = append(errs, errors.New("IDLE_TIMEOUT must be positive"))
	}
	errs = append(errs,
		validateStoreForProduction(c.DeploymentMode, c.StoreType),
		validateSessionsForProduction(c.DeploymentMode, c.MaxSessions),
		validateArchiveForProduction(c.DeploymentMode, c.ArchiveStoreType),
	)
	return errors.Join(errs...)
}

func validateStoreForProduction(deploymentMode, storeType string) error {
	if deploymentMode == "production" && storeType == StoreMemory {
		return fmt.Errorf(
			"STORE_TYPE=%q is unsafe for DEPLOYMENT_MODE=production; "+
				"sessions and captured records are lost on restart; set STORE_TYPE=postgres",
			storeType,
		)
	}
	return nil
}

func validateSessionsForProduction(deploymentMode string, maxSessions int) error {
	if deploymentMode == "production" && maxSessions <= 0 {
		return fmt.Errorf(
			"MAX_SESSIONS=%d is unsafe for DEPLOYMENT_MODE=production; "+
				"set MAX_SESSIONS to a positive integer (e.g. 64)",
			maxSessions,
		)
	}
	return nil
}

func validateArchiveForProduction(deploymentMode, archiveType string) error {
	if deploymentMode == "production" && archiveType == StoreMemory {
		return fmt.Errorf(
			"ARCHIVE_STORE_TYPE=%q is unsafe for DEPLOYMENT_MODE=production; "+
				"archived records are lost on restart; set ARCHIVE_STORE_TYPE=s3 or none",
			archiveType,
		)
	}
	return nil
}

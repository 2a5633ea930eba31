// Package config loads harvester configuration from an optional file,
// HARVESTER_* environment variables, and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. HARVESTER_SOURCE_API_KEY.
const EnvPrefix = "HARVESTER"

// DefaultUserAgent is sent when source.user_agent is unset.
const DefaultUserAgent = "harvester/0.1.0"

// Config is the complete harvester configuration.
type Config struct {
	Source  SourceConfig  `mapstructure:"source"`
	Harvest HarvestConfig `mapstructure:"harvest"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Sink    SinkConfig    `mapstructure:"sink"`
	Gaps    GapsConfig    `mapstructure:"gaps"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Archive ArchiveConfig `mapstructure:"archive"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type SourceConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	IDField   string        `mapstructure:"id_field"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

type HarvestConfig struct {
	PageSize          int     `mapstructure:"page_size"`
	Concurrency       int     `mapstructure:"concurrency"`
	StartAfterID      int64   `mapstructure:"start_after_id"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

type RetryConfig struct {
	MaxAttempts         int           `mapstructure:"max_attempts"`
	BackoffBase         time.Duration `mapstructure:"backoff_base"`
	Backoff             string        `mapstructure:"backoff"`
	MaxRateLimitRetries int           `mapstructure:"max_rate_limit_retries"`
	Jitter              float64       `mapstructure:"jitter"`
}

type SinkConfig struct {
	Dir            string `mapstructure:"dir"`
	Base           string `mapstructure:"base"`
	Ext            string `mapstructure:"ext"`
	RowsPerSegment int    `mapstructure:"rows_per_segment"`
}

type GapsConfig struct {
	// Report defaults to <sink.dir>/<sink.base>_gaps.<sink.ext>.
	Report string `mapstructure:"report"`
}

type RedisConfig struct {
	// Addr enables shared cooldown state when set.
	Addr string `mapstructure:"addr"`
	DB   int    `mapstructure:"db"`
}

type ArchiveConfig struct {
	// Bucket enables archiving when set.
	Bucket         string `mapstructure:"bucket"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Prefix         string `mapstructure:"prefix"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type MetricsConfig struct {
	// Addr enables the /metrics listener when set.
	Addr string `mapstructure:"addr"`
}

var defaults = map[string]any{
	"source.base_url":   "",
	"source.api_key":    "",
	"source.id_field":   "id",
	"source.timeout":    "60s",
	"source.user_agent": DefaultUserAgent,

	"harvest.page_size":           2000,
	"harvest.concurrency":         5,
	"harvest.start_after_id":      0,
	"harvest.requests_per_second": 10.0,

	"retry.max_attempts":           3,
	"retry.backoff_base":           "2s",
	"retry.backoff":                "fixed",
	"retry.max_rate_limit_retries": 10,
	"retry.jitter":                 0.0,

	"sink.dir":              ".",
	"sink.base":             "addresses",
	"sink.ext":              "csv",
	"sink.rows_per_segment": 500000,

	"gaps.report": "",

	"redis.addr": "",
	"redis.db":   0,

	"archive.bucket":           "",
	"archive.region":           "",
	"archive.endpoint":         "",
	"archive.prefix":           "",
	"archive.force_path_style": false,

	"log.level":  "info",
	"log.pretty": false,

	"metrics.addr": "",
}

// Load reads configuration. path may be empty, in which case only the
// environment and defaults apply.
func Load(path string) (*Config, error) {
	v := viper.NewWithOptions(
		viper.KeyDelimiter("."),
		viper.EnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_")),
	)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	decodeHooks := mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)

	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHooks)); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Source.BaseURL == "" {
		errs = append(errs, errors.New("source.base_url is required"))
	} else if u, err := url.Parse(c.Source.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("source.base_url must be an http(s) url, got %q", c.Source.BaseURL))
	}
	if c.Source.IDField == "" {
		errs = append(errs, errors.New("source.id_field is required"))
	}
	if c.Harvest.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("harvest.page_size must be positive, got %d", c.Harvest.PageSize))
	}
	if c.Harvest.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("harvest.concurrency must be positive, got %d", c.Harvest.Concurrency))
	}
	if c.Harvest.StartAfterID < 0 {
		errs = append(errs, fmt.Errorf("harvest.start_after_id must not be negative, got %d", c.Harvest.StartAfterID))
	}
	if c.Harvest.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("harvest.requests_per_second must not be negative, got %g", c.Harvest.RequestsPerSecond))
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.Backoff != "fixed" && c.Retry.Backoff != "exponential" {
		errs = append(errs, fmt.Errorf("retry.backoff must be fixed or exponential, got %q", c.Retry.Backoff))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		errs = append(errs, fmt.Errorf("retry.jitter must be in [0, 1), got %g", c.Retry.Jitter))
	}
	if c.Sink.RowsPerSegment <= 0 {
		errs = append(errs, fmt.Errorf("sink.rows_per_segment must be positive, got %d", c.Sink.RowsPerSegment))
	}
	if c.Sink.Base == "" {
		errs = append(errs, errors.New("sink.base is required"))
	}

	return errors.Join(errs...)
}

// ReportPath returns the gap report location.
func (c *Config) ReportPath() string {
	if c.Gaps.Report != "" {
		return c.Gaps.Report
	}
	return filepath.Join(c.Sink.Dir, c.Sink.Base+"_gaps."+c.Sink.Ext)
}

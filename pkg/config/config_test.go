package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "id", cfg.Source.IDField)
	assert.Equal(t, 60*time.Second, cfg.Source.Timeout)
	assert.Equal(t, DefaultUserAgent, cfg.Source.UserAgent)
	assert.Equal(t, 2000, cfg.Harvest.PageSize)
	assert.Equal(t, 5, cfg.Harvest.Concurrency)
	assert.Equal(t, float64(10), cfg.Harvest.RequestsPerSecond)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Retry.BackoffBase)
	assert.Equal(t, "fixed", cfg.Retry.Backoff)
	assert.Equal(t, 10, cfg.Retry.MaxRateLimitRetries)
	assert.Equal(t, ".", cfg.Sink.Dir)
	assert.Equal(t, "addresses", cfg.Sink.Base)
	assert.Equal(t, "csv", cfg.Sink.Ext)
	assert.Equal(t, 500000, cfg.Sink.RowsPerSegment)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Empty(t, cfg.Archive.Bucket)
	assert.Equal(t, "addresses_gaps.csv", cfg.ReportPath())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harvester.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
source:
  base_url: https://example.supabase.co/rest/v1/addresses
  api_key: file-key
  timeout: 15s
harvest:
  page_size: 500
  concurrency: 8
  start_after_id: 1200
retry:
  backoff: exponential
  backoff_base: 500ms
sink:
  dir: /data/out
  rows_per_segment: 1000
gaps:
  report: /data/out/missing.csv
archive:
  bucket: harvests
  force_path_style: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "https://example.supabase.co/rest/v1/addresses", cfg.Source.BaseURL)
	assert.Equal(t, "file-key", cfg.Source.APIKey)
	assert.Equal(t, 15*time.Second, cfg.Source.Timeout)
	assert.Equal(t, 500, cfg.Harvest.PageSize)
	assert.Equal(t, 8, cfg.Harvest.Concurrency)
	assert.Equal(t, int64(1200), cfg.Harvest.StartAfterID)
	assert.Equal(t, "exponential", cfg.Retry.Backoff)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.BackoffBase)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts, "unset keys keep defaults")
	assert.Equal(t, "/data/out", cfg.Sink.Dir)
	assert.Equal(t, 1000, cfg.Sink.RowsPerSegment)
	assert.Equal(t, "/data/out/missing.csv", cfg.ReportPath())
	assert.Equal(t, "harvests", cfg.Archive.Bucket)
	assert.True(t, cfg.Archive.ForcePathStyle)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harvester.yaml")
	require.NoError(t, os.WriteFile(path, []byte("harvest:\n  page_size: 500\n"), 0o644))

	t.Setenv("HARVESTER_HARVEST_PAGE_SIZE", "750")
	t.Setenv("HARVESTER_SOURCE_API_KEY", "env-key")
	t.Setenv("HARVESTER_RETRY_BACKOFF_BASE", "3s")
	t.Setenv("HARVESTER_REDIS_ADDR", "localhost:6379")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 750, cfg.Harvest.PageSize)
	assert.Equal(t, "env-key", cfg.Source.APIKey)
	assert.Equal(t, 3*time.Second, cfg.Retry.BackoffBase)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		cfg.Source.BaseURL = "https://example.supabase.co/rest/v1/addresses"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing base url", mutate: func(c *Config) { c.Source.BaseURL = "" }, wantErr: "source.base_url is required"},
		{name: "bad scheme", mutate: func(c *Config) { c.Source.BaseURL = "ftp://x" }, wantErr: "http(s)"},
		{name: "zero page size", mutate: func(c *Config) { c.Harvest.PageSize = 0 }, wantErr: "harvest.page_size"},
		{name: "negative concurrency", mutate: func(c *Config) { c.Harvest.Concurrency = -1 }, wantErr: "harvest.concurrency"},
		{name: "zero capacity", mutate: func(c *Config) { c.Sink.RowsPerSegment = 0 }, wantErr: "sink.rows_per_segment"},
		{name: "zero attempts", mutate: func(c *Config) { c.Retry.MaxAttempts = 0 }, wantErr: "retry.max_attempts"},
		{name: "unknown backoff", mutate: func(c *Config) { c.Retry.Backoff = "linear" }, wantErr: "retry.backoff"},
		{name: "jitter out of range", mutate: func(c *Config) { c.Retry.Jitter = 1.5 }, wantErr: "retry.jitter"},
		{name: "negative start", mutate: func(c *Config) { c.Harvest.StartAfterID = -5 }, wantErr: "start_after_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_ReportsAllErrors(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	require.Error(t, err)
	for _, key := range []string{"source.base_url", "harvest.page_size", "harvest.concurrency", "retry.max_attempts", "sink.rows_per_segment"} {
		assert.Contains(t, err.Error(), key)
	}
}

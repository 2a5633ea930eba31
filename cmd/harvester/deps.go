package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/harvester/pkg/archive"
	"github.com/Sternrassler/harvester/pkg/client"
	"github.com/Sternrassler/harvester/pkg/config"
	"github.com/Sternrassler/harvester/pkg/harvest"
	"github.com/Sternrassler/harvester/pkg/metrics"
	"github.com/Sternrassler/harvester/pkg/pagination"
	"github.com/Sternrassler/harvester/pkg/progress"
	"github.com/Sternrassler/harvester/pkg/ratelimit"
	"github.com/Sternrassler/harvester/pkg/segment"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// deps are the long-lived collaborators built from configuration.
type deps struct {
	redis    *redis.Client
	fetcher  *pagination.Fetcher
	archiver *archive.Archiver
	progress *progress.Store
	metrics  *http.Server
}

func (a *app) buildDeps(ctx context.Context) (*deps, error) {
	d := &deps{}

	if a.cfg.Metrics.Addr != "" {
		d.metrics = serveMetrics(a.cfg.Metrics.Addr, a.logger)
	}

	if a.cfg.Redis.Addr != "" {
		d.redis = redis.NewClient(&redis.Options{
			Addr: a.cfg.Redis.Addr,
			DB:   a.cfg.Redis.DB,
		})
		if err := d.redis.Ping(ctx).Err(); err != nil {
			d.close()
			return nil, fmt.Errorf("connect to redis at %s: %w", a.cfg.Redis.Addr, err)
		}
		a.logger.Info().Str("addr", a.cfg.Redis.Addr).Msg("Connected to Redis, sharing cooldown state")
		d.progress = progress.NewStore(d.redis, progress.DefaultTTL)
	}

	clientLogger := a.logger.With().Str("component", "source-client").Logger()
	ccfg := clientConfig(a.cfg)
	ccfg.Logger = &clientLogger
	ccfg.Tracker = ratelimit.NewTracker(d.redis, a.logger.With().Str("component", "cooldown").Logger())
	c, err := client.New(ccfg)
	if err != nil {
		d.close()
		return nil, err
	}
	d.fetcher = pagination.NewFetcher(c, a.cfg.Source.IDField, a.logger.With().Str("component", "fetcher").Logger())

	if a.cfg.Archive.Bucket != "" {
		d.archiver = a.newArchiver(ctx)
	}
	return d, nil
}

// newArchiver returns nil when the bucket cannot be prepared; archiving
// never blocks a pass.
func (a *app) newArchiver(ctx context.Context) *archive.Archiver {
	logger := a.logger.With().Str("component", "archive").Logger()

	uploader, err := archive.NewS3Uploader(ctx, archive.S3Config{
		Bucket:         a.cfg.Archive.Bucket,
		Region:         a.cfg.Archive.Region,
		Endpoint:       a.cfg.Archive.Endpoint,
		ForcePathStyle: a.cfg.Archive.ForcePathStyle,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Archive disabled")
		return nil
	}
	if err := uploader.EnsureBucket(ctx); err != nil {
		logger.Warn().Err(err).Str("bucket", a.cfg.Archive.Bucket).Msg("Archive disabled, bucket unavailable")
		return nil
	}
	return archive.NewArchiver(uploader, archive.Config{Prefix: a.cfg.Archive.Prefix}, logger)
}

func (d *deps) close() {
	if d.archiver != nil {
		d.archiver.Close()
	}
	if d.redis != nil {
		_ = d.redis.Close()
	}
	if d.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.metrics.Shutdown(ctx)
	}
}

func clientConfig(cfg *config.Config) client.Config {
	c := client.DefaultConfig(cfg.Source.BaseURL, cfg.Source.APIKey)
	if cfg.Source.UserAgent != "" {
		c.UserAgent = cfg.Source.UserAgent
	}
	if cfg.Source.Timeout > 0 {
		c.Timeout = cfg.Source.Timeout
	}
	c.Retry = client.RetryPolicy{
		MaxAttempts:         cfg.Retry.MaxAttempts,
		BackoffBase:         cfg.Retry.BackoffBase,
		Backoff:             client.BackoffStrategy(cfg.Retry.Backoff),
		MaxBackoff:          client.DefaultRetryPolicy().MaxBackoff,
		MaxRateLimitRetries: cfg.Retry.MaxRateLimitRetries,
		Jitter:              cfg.Retry.Jitter,
	}
	c.Limiter = ratelimit.NewLimiter(cfg.Harvest.RequestsPerSecond)
	return c
}

func progressKey(cfg *config.Config) progress.Key {
	return progress.Key{Source: cfg.Source.BaseURL, Base: cfg.Sink.Base}
}

func layout(cfg *config.Config) segment.Layout {
	return segment.Layout{Dir: cfg.Sink.Dir, Base: cfg.Sink.Base, Ext: cfg.Sink.Ext}
}

func harvestConfig(cfg *config.Config) harvest.Config {
	return harvest.Config{
		PageSize:     cfg.Harvest.PageSize,
		Concurrency:  cfg.Harvest.Concurrency,
		StartAfterID: cfg.Harvest.StartAfterID,
		Segment: segment.Config{
			Layout:         layout(cfg),
			RowsPerSegment: cfg.Sink.RowsPerSegment,
			IDField:        cfg.Source.IDField,
		},
	}
}

func newMetricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", healthHandler)
	return mux
}

func serveMetrics(addr string, logger zerolog.Logger) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           newMetricsMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	return srv
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

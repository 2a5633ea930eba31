// Package client provides the source API HTTP client with rate limiting,
// throttle cooldowns, and classified retries.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/harvester/pkg/logging"
	"github.com/Sternrassler/harvester/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for source requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_requests_total",
		Help: "Total source API request attempts by status",
	}, []string{"status"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvester_request_duration_seconds",
		Help:    "Source API request attempt duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})
)

// maxErrorBody bounds how much of an error response is kept as the message.
const maxErrorBody = 512

// Client performs authenticated requests against the source API.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	limiter    *ratelimit.Limiter
	tracker    *ratelimit.Tracker
	retrier    *Retrier
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the tabular resource, e.g. https://x.supabase.co/rest/v1/addresses
	BaseURL string

	// APIKey is sent as both the apikey header and a bearer token.
	APIKey string

	// UserAgent header value.
	UserAgent string

	// Timeout bounds each attempt.
	Timeout time.Duration

	// Retry policy applied to every request.
	Retry RetryPolicy

	// Limiter throttles every attempt. Nil disables limiting.
	Limiter *ratelimit.Limiter

	// Tracker carries 429 cooldowns. Nil disables cooldown sharing.
	Tracker *ratelimit.Tracker

	// HTTPClient overrides the default http.Client (Timeout is then ignored).
	HTTPClient *http.Client

	// Logger overrides the default component logger.
	Logger *zerolog.Logger

	// RetrierOptions are passed through to NewRetrier.
	RetrierOptions []RetrierOption
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL, apiKey string) Config {
	return Config{
		BaseURL:   baseURL,
		APIKey:    apiKey,
		UserAgent: "harvester/0.1.0",
		Timeout:   60 * time.Second,
		Retry:     DefaultRetryPolicy(),
	}
}

// New creates a new source client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http(s), got %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	logger := logging.NewLogger("source-client")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	retrier := NewRetrier(cfg.Retry, logger, cfg.RetrierOptions...)
	policy := retrier.Policy()
	logger.Debug().
		Str("base_url", baseURL.String()).
		Float64("rps", cfg.Limiter.Rate()).
		Int("max_attempts", policy.MaxAttempts).
		Str("backoff", string(policy.Backoff)).
		Int("max_rate_limit_retries", policy.MaxRateLimitRetries).
		Msg("Source client configured")

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		limiter:    cfg.Limiter,
		tracker:    cfg.Tracker,
		retrier:    retrier,
		config:     cfg,
		logger:     logger,
	}, nil
}

// Get issues a GET against the base URL with the given query and hands
// the 2xx body to decode inside the retried attempt. A body that breaks off
// mid-read is retried as a transient failure; any other decode error is
// returned unchanged and not retried.
func (c *Client) Get(ctx context.Context, query url.Values, decode func(body io.Reader) error) error {
	u := *c.baseURL
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, decode)
}

// do performs req with cooldown, rate limiting, and retries.
func (c *Client) do(req *http.Request, decode func(body io.Reader) error) error {
	var decodeErr error
	err := c.retrier.Do(req.Context(), func(ctx context.Context, attempt int) error {
		resp, err := c.attempt(ctx, req, attempt)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		decodeErr = nil
		body := &bodyReader{r: resp.Body}
		if err := decode(body); err != nil {
			if body.err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				requestsTotal.WithLabelValues("body_error").Inc()
				return &RequestError{
					StatusCode: resp.StatusCode,
					ErrorClass: ErrorClassTransient,
					Message:    "read response body",
					Err:        body.err,
				}
			}
			decodeErr = err
		}
		return nil
	})
	if err != nil {
		return err
	}
	return decodeErr
}

// bodyReader remembers the first read failure other than EOF, which
// separates a broken transfer from a body that is merely invalid.
type bodyReader struct {
	r   io.Reader
	err error
}

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && b.err == nil {
		b.err = err
	}
	return n, err
}

// BaseURL returns the configured resource URL.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

func (c *Client) attempt(ctx context.Context, req *http.Request, attempt int) (*http.Response, error) {
	if err := c.tracker.Wait(ctx); err != nil {
		return nil, err
	}
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, err
	}

	r := req.Clone(ctx)
	r.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		r.Header.Set("User-Agent", c.config.UserAgent)
	}
	if c.config.APIKey != "" {
		r.Header.Set("apikey", c.config.APIKey)
		r.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	c.logger.Debug().
		Str("url", r.URL.String()).
		Int("attempt", attempt).
		Msg("Executing source request")

	start := time.Now()
	resp, err := c.httpClient.Do(r)
	requestDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		requestsTotal.WithLabelValues("network_error").Inc()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &RequestError{
			ErrorClass: ErrorClassTransient,
			Message:    "request failed",
			Err:        err,
		}
	}

	requestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	errorClass := ClassifyStatus(resp.StatusCode)
	if errorClass == "" {
		return resp, nil
	}

	defer resp.Body.Close()
	reqErr := &RequestError{
		StatusCode: resp.StatusCode,
		ErrorClass: errorClass,
		Message:    errorMessage(resp),
	}

	if errorClass == ErrorClassRateLimited {
		d, err := c.tracker.UpdateFromHeaders(ctx, resp.StatusCode, resp.Header)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Failed to record cooldown")
		}
		if d == 0 {
			d, _ = ratelimit.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		}
		reqErr.RetryAfter = d
	}

	c.logger.Debug().
		Int("status_code", resp.StatusCode).
		Str("error_class", string(errorClass)).
		Int("attempt", attempt).
		Msg("Source request error")

	return nil, reqErr
}

func errorMessage(resp *http.Response) string {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(body))
	if err != nil || msg == "" {
		return resp.Status
	}
	return resp.Status + ": " + msg
}
